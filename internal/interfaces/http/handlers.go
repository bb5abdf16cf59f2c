package http

import (
	"encoding/json"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/wattmine/minecore/internal/cache"
	"github.com/wattmine/minecore/internal/coalesce"
	"github.com/wattmine/minecore/internal/persistence"
	"github.com/wattmine/minecore/internal/providers"
)

// healthResponse aggregates component state for GET /health. Pointer
// fields are omitted when the source is not wired.
type healthResponse struct {
	Status        string                    `json:"status"`
	Version       string                    `json:"version,omitempty"`
	Timestamp     time.Time                 `json:"timestamp"`
	Database      *persistence.HealthCheck  `json:"database,omitempty"`
	Cache         *cache.Stats              `json:"cache,omitempty"`
	Coalescer     *coalesce.Stats           `json:"coalescer,omitempty"`
	Breakers      []providers.BreakerStatus `json:"breakers,omitempty"`
	OutboxPending *int64                    `json:"outbox_pending,omitempty"`
	Counters      map[string]float64        `json:"counters,omitempty"`
}

// handleHealth reports aggregate process health. The database is the
// only hard dependency: an unhealthy pool makes the whole response 503.
// Open breakers and deep outbox queues show up in the payload but do
// not flip the status; they are conditions the process rides out.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Version:   s.sources.Version,
		Timestamp: time.Now().UTC(),
	}

	if s.sources.DBHealth != nil {
		check := s.sources.DBHealth.Health(r.Context())
		resp.Database = &check
		if !check.Healthy {
			resp.Status = "degraded"
		}
	}
	if s.sources.CacheStats != nil {
		stats := s.sources.CacheStats()
		resp.Cache = &stats
	}
	if s.sources.CoalesceStats != nil {
		stats := s.sources.CoalesceStats()
		resp.Coalescer = &stats
	}
	if s.sources.BreakerSnapshot != nil {
		resp.Breakers = s.sources.BreakerSnapshot()
	}
	if s.sources.OutboxPending != nil {
		if pending, err := s.sources.OutboxPending(r.Context()); err == nil {
			resp.OutboxPending = &pending
		}
	}
	resp.Counters = s.counterTotals()

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

// counterTotals folds the gathered metric families into headline
// totals, summing each counter across its label sets.
func (s *Server) counterTotals() map[string]float64 {
	if s.sources.Metrics == nil {
		return nil
	}
	families, err := s.sources.Metrics.Snapshot()
	if err != nil {
		s.logger.Warn().Err(err).Msg("metrics snapshot failed")
		return nil
	}
	totals := make(map[string]float64)
	for _, family := range families {
		if family.GetType() != dto.MetricType_COUNTER {
			continue
		}
		var sum float64
		for _, m := range family.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
		totals[family.GetName()] = sum
	}
	return totals
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	statuses := []providers.BreakerStatus{}
	if s.sources.BreakerSnapshot != nil {
		statuses = s.sources.BreakerSnapshot()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"breakers": statuses,
		"count":    len(statuses),
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Cache     cache.Stats    `json:"cache"`
		Coalescer coalesce.Stats `json:"coalescer"`
	}{}
	if s.sources.CacheStats != nil {
		resp.Cache = s.sources.CacheStats()
	}
	if s.sources.CoalesceStats != nil {
		resp.Coalescer = s.sources.CoalesceStats()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleNotFound runs outside the middleware chain, so it sets its own
// content type.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("encode response")
	}
}
