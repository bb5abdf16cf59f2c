package cache

import (
	"hash/fnv"
	"time"

	"github.com/wattmine/minecore/internal/clock"
	"github.com/wattmine/minecore/internal/obs"
)

// Status classifies the result of a cache lookup.
type Status string

const (
	StatusHitFresh Status = "hit-fresh"
	StatusHitStale Status = "hit-stale"
	StatusMiss     Status = "miss"
)

// Entry is an immutable cache record. Replacement is an atomic slot swap;
// entries are never mutated in place. The timestamps always satisfy
// CreatedAt <= FreshUntil <= StaleUntil (Put clamps violations).
type Entry struct {
	Value      any       `json:"value"`
	CreatedAt  time.Time `json:"created_at"`
	FreshUntil time.Time `json:"fresh_until"`
	StaleUntil time.Time `json:"stale_until"`
	Source     string    `json:"source"`
	ETag       string    `json:"etag,omitempty"`
}

// NewEntry builds an entry from TTLs. A zero or negative fresh TTL yields
// an entry that is immediately stale; a zero stale TTL one that is
// immediately expired.
func NewEntry(value any, now time.Time, freshTTL, staleTTL time.Duration, source string) Entry {
	if freshTTL < 0 {
		freshTTL = 0
	}
	if staleTTL < freshTTL {
		staleTTL = freshTTL
	}
	return Entry{
		Value:      value,
		CreatedAt:  now,
		FreshUntil: now.Add(freshTTL),
		StaleUntil: now.Add(staleTTL),
		Source:     source,
	}
}

func (e *Entry) clamp() {
	if e.FreshUntil.Before(e.CreatedAt) {
		e.FreshUntil = e.CreatedAt
	}
	if e.StaleUntil.Before(e.FreshUntil) {
		e.StaleUntil = e.FreshUntil
	}
}

// statusAt classifies the entry relative to now: fresh before FreshUntil,
// stale-but-serveable before StaleUntil, expired after.
func (e *Entry) statusAt(now time.Time) Status {
	if now.Before(e.FreshUntil) {
		return StatusHitFresh
	}
	if now.Before(e.StaleUntil) {
		return StatusHitStale
	}
	return StatusMiss
}

// Config controls store sizing and housekeeping.
type Config struct {
	Shards          int           `yaml:"shards"`
	MaxEntries      int           `yaml:"max_entries"`
	JanitorInterval time.Duration `yaml:"-"`
	Clock           clock.Clock   `yaml:"-"`
	Emitter         *obs.Emitter  `yaml:"-"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Shards:          16,
		MaxEntries:      8192,
		JanitorInterval: time.Minute,
	}
}

// Stats is a point-in-time aggregate across all shards.
type Stats struct {
	Entries     int    `json:"entries"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	StaleServes uint64 `json:"stale_serves"`
	Evictions   uint64 `json:"evictions"`
	BytesEst    int64  `json:"bytes_est"`
	JanitorRuns uint64 `json:"janitor_runs"`
}

// Store is the in-process cache tier: sharded maps with TTL state, SWR
// classification, approximate-LRU eviction, and a periodic janitor that
// removes expired entries.
type Store struct {
	cfg     Config
	clk     clock.Clock
	emitter *obs.Emitter
	shards  []*shard
	stopCh  chan struct{}
}

// New creates a store and starts its janitor. A non-positive
// JanitorInterval disables the janitor goroutine; tests drive
// RemoveExpired directly.
func New(cfg Config) *Store {
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultConfig().Shards
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}

	perShard := cfg.MaxEntries / cfg.Shards
	if perShard < 1 {
		perShard = 1
	}

	s := &Store{
		cfg:     cfg,
		clk:     cfg.Clock,
		emitter: cfg.Emitter,
		shards:  make([]*shard, cfg.Shards),
		stopCh:  make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = newShard(perShard)
	}

	if cfg.JanitorInterval > 0 {
		go s.janitor()
	}
	return s
}

// Close stops the janitor.
func (s *Store) Close() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

func (s *Store) shardFor(fingerprint string) (*shard, int) {
	h := fnv.New32a()
	h.Write([]byte(fingerprint))
	idx := int(h.Sum32() % uint32(len(s.shards)))
	return s.shards[idx], idx
}

// Get returns a copy of the entry and its freshness status. Expired
// entries are removed on sight and reported as a miss.
func (s *Store) Get(fingerprint string) (*Entry, Status) {
	sh, idx := s.shardFor(fingerprint)
	entry, status := sh.get(fingerprint, s.clk.Now())

	s.emitter.CacheOp(obs.CacheOpEvent{
		Op:          "get",
		Fingerprint: fingerprint,
		Status:      string(status),
		Shard:       idx,
	})
	return entry, status
}

// Put stores an entry unless the slot already holds a newer one: a write
// whose CreatedAt is older than the resident entry's is dropped, so
// concurrent refreshes can never roll the cache backwards. Returns
// whether the entry was stored.
func (s *Store) Put(fingerprint string, entry Entry) bool {
	entry.clamp()
	sh, idx := s.shardFor(fingerprint)
	stored := sh.put(fingerprint, entry, s.clk.Now())

	status := "stored"
	if !stored {
		status = "dropped-older"
	}
	s.emitter.CacheOp(obs.CacheOpEvent{
		Op:          "put",
		Fingerprint: fingerprint,
		Status:      status,
		Shard:       idx,
	})
	return stored
}

// Invalidate removes the entry. Returns whether one was present.
func (s *Store) Invalidate(fingerprint string) bool {
	sh, idx := s.shardFor(fingerprint)
	removed := sh.remove(fingerprint)

	status := "removed"
	if !removed {
		status = "absent"
	}
	s.emitter.CacheOp(obs.CacheOpEvent{
		Op:          "invalidate",
		Fingerprint: fingerprint,
		Status:      status,
		Shard:       idx,
	})
	return removed
}

// Stats aggregates counters across shards.
func (s *Store) Stats() Stats {
	var total Stats
	for _, sh := range s.shards {
		st := sh.stats()
		total.Entries += st.Entries
		total.Hits += st.Hits
		total.Misses += st.Misses
		total.StaleServes += st.StaleServes
		total.Evictions += st.Evictions
		total.BytesEst += st.BytesEst
		total.JanitorRuns += st.JanitorRuns
	}
	return total
}

// RemoveExpired sweeps every shard once, dropping entries past StaleUntil.
// The janitor calls this on its interval; tests call it directly.
func (s *Store) RemoveExpired() int {
	now := s.clk.Now()
	removed := 0
	for _, sh := range s.shards {
		removed += sh.removeExpired(now)
	}
	return removed
}

func (s *Store) janitor() {
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RemoveExpired()
		case <-s.stopCh:
			return
		}
	}
}
