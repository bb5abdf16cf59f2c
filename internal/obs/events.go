package obs

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Observability event types emitted on the structured stream.
const (
	EventDatahubFetch      = "datahub.fetch"
	EventCacheOp           = "cache.op"
	EventBreakerTransition = "breaker.transition"
	EventOutboxPublish     = "outbox.publish"
	EventSchedulerLease    = "scheduler.lease"
)

// Event is the envelope delivered to stream subscribers. Data holds the
// typed event struct; it marshals to the same shape the log line carries.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// FetchEvent records one data hub fetch resolution. Status is one of
// ok, timeout, error, stale.
type FetchEvent struct {
	Kind        string `json:"kind"`
	Fingerprint string `json:"fingerprint"`
	Source      string `json:"source"`
	Status      string `json:"status"`
	LatencyMS   int64  `json:"latency_ms"`
	Coalesced   bool   `json:"coalesced"`
	Degraded    bool   `json:"degraded"`
	Error       string `json:"error,omitempty"`
}

// CacheOpEvent records one cache operation.
type CacheOpEvent struct {
	Op          string `json:"op"`
	Fingerprint string `json:"fingerprint"`
	Status      string `json:"status"`
	Shard       int    `json:"shard"`
}

// BreakerEvent records a circuit breaker state transition.
type BreakerEvent struct {
	Provider            string `json:"provider"`
	From                string `json:"from"`
	To                  string `json:"to"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// OutboxEvent records one dispatcher publish attempt.
type OutboxEvent struct {
	EventID string `json:"event_id"`
	Kind    string `json:"kind"`
	Attempt int    `json:"attempt"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// LeaseEvent records a leader lease lifecycle change.
type LeaseEvent struct {
	Lease    string `json:"lease"`
	HolderID string `json:"holder_id"`
	Action   string `json:"action"`
}

// Emitter fans observability events out to the structured log, the
// Prometheus registry, and any attached stream subscribers. All methods
// are safe on a nil receiver so components can run without observability
// wired (tests, replay tool).
type Emitter struct {
	logger  zerolog.Logger
	metrics *Metrics

	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
}

// NewEmitter builds an emitter over the given metrics registry. Metrics
// may be nil when only logging is wanted.
func NewEmitter(metrics *Metrics) *Emitter {
	return &Emitter{
		logger:  log.Logger,
		metrics: metrics,
		subs:    make(map[uint64]chan Event),
	}
}

// WithLogger replaces the emitter's logger, used by tests to capture output.
func (e *Emitter) WithLogger(logger zerolog.Logger) *Emitter {
	e.logger = logger
	return e
}

// Subscribe attaches a stream subscriber. Events are delivered best-effort:
// a subscriber that falls behind its buffer loses events rather than
// blocking emitters. The returned func detaches the subscriber.
func (e *Emitter) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = ch
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		if _, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(ch)
		}
		e.mu.Unlock()
	}
	return ch, cancel
}

func (e *Emitter) publish(eventType string, data any) {
	ev := Event{Type: eventType, At: time.Now().UTC(), Data: data}

	e.mu.RLock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	e.mu.RUnlock()
}

// Fetch emits a datahub.fetch event.
func (e *Emitter) Fetch(ev FetchEvent) {
	if e == nil {
		return
	}
	if ev.Status == "" {
		ev.Status = "ok"
		if ev.Degraded {
			ev.Status = "stale"
		}
		if ev.Error != "" {
			ev.Status = "error"
		}
	}
	entry := e.logger.Info()
	if ev.Status != "ok" {
		entry = e.logger.Warn()
	}
	entry.
		Str("type", EventDatahubFetch).
		Str("kind", ev.Kind).
		Str("fingerprint", ev.Fingerprint).
		Str("source", ev.Source).
		Str("status", ev.Status).
		Int64("latency_ms", ev.LatencyMS).
		Bool("coalesced", ev.Coalesced).
		Bool("degraded", ev.Degraded).
		Str("error", ev.Error).
		Msg("datahub fetch")

	if e.metrics != nil {
		e.metrics.FetchTotal.WithLabelValues(ev.Kind, ev.Status).Inc()
		e.metrics.FetchDuration.WithLabelValues(ev.Kind, ev.Source).
			Observe(float64(ev.LatencyMS) / 1000.0)
	}
	e.publish(EventDatahubFetch, ev)
}

// CacheOp emits a cache.op event.
func (e *Emitter) CacheOp(ev CacheOpEvent) {
	if e == nil {
		return
	}
	e.logger.Debug().
		Str("type", EventCacheOp).
		Str("op", ev.Op).
		Str("fingerprint", ev.Fingerprint).
		Str("status", ev.Status).
		Int("shard", ev.Shard).
		Msg("cache op")

	if e.metrics != nil {
		e.metrics.CacheOps.WithLabelValues(ev.Op, ev.Status).Inc()
	}
	e.publish(EventCacheOp, ev)
}

// BreakerTransition emits a breaker.transition event.
func (e *Emitter) BreakerTransition(ev BreakerEvent) {
	if e == nil {
		return
	}
	e.logger.Warn().
		Str("type", EventBreakerTransition).
		Str("provider", ev.Provider).
		Str("from", ev.From).
		Str("to", ev.To).
		Int("consecutive_failures", ev.ConsecutiveFailures).
		Msg("breaker transition")

	if e.metrics != nil {
		e.metrics.BreakerTransitions.WithLabelValues(ev.Provider, ev.To).Inc()
		e.metrics.BreakerState.WithLabelValues(ev.Provider).Set(breakerStateValue(ev.To))
	}
	e.publish(EventBreakerTransition, ev)
}

// OutboxPublish emits an outbox.publish event.
func (e *Emitter) OutboxPublish(ev OutboxEvent) {
	if e == nil {
		return
	}
	entry := e.logger.Info()
	if ev.Outcome != "ok" {
		entry = e.logger.Warn()
	}
	entry.
		Str("type", EventOutboxPublish).
		Str("event_id", ev.EventID).
		Str("kind", ev.Kind).
		Int("attempt", ev.Attempt).
		Str("outcome", ev.Outcome).
		Str("error", ev.Error).
		Msg("outbox publish")

	if e.metrics != nil {
		e.metrics.OutboxPublished.WithLabelValues(ev.Kind, ev.Outcome).Inc()
		if ev.Outcome == "dlq" {
			e.metrics.OutboxDLQTotal.Inc()
		}
	}
	e.publish(EventOutboxPublish, ev)
}

// Lease emits a scheduler.lease event.
func (e *Emitter) Lease(ev LeaseEvent) {
	if e == nil {
		return
	}
	entry := e.logger.Info()
	if ev.Action == "lost" {
		entry = e.logger.Warn()
	}
	entry.
		Str("type", EventSchedulerLease).
		Str("lease", ev.Lease).
		Str("holder_id", ev.HolderID).
		Str("action", ev.Action).
		Msg("scheduler lease")

	if e.metrics != nil {
		e.metrics.LeaseEvents.WithLabelValues(ev.Action).Inc()
		switch ev.Action {
		case "acquired":
			e.metrics.LeaderActive.Set(1)
		case "lost", "released":
			e.metrics.LeaderActive.Set(0)
		}
	}
	e.publish(EventSchedulerLease, ev)
}

func breakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half-open":
		return 1
	default:
		return 0
	}
}
