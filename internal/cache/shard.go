package cache

import (
	"encoding/json"
	"sync"
	"time"
)

// slotOverhead is the rough per-entry bookkeeping cost used for the
// bytes_est stat when the value's size cannot be measured directly.
const slotOverhead = 96

type slot struct {
	entry    Entry
	accessed time.Time
	hits     uint64
	size     int64
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*slot
	cap     int

	hits        uint64
	misses      uint64
	staleServes uint64
	evictions   uint64
	bytesEst    int64
	janitorRuns uint64
}

func newShard(capacity int) *shard {
	return &shard{
		entries: make(map[string]*slot),
		cap:     capacity,
	}
}

func (sh *shard) get(fingerprint string, now time.Time) (*Entry, Status) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sl, ok := sh.entries[fingerprint]
	if !ok {
		sh.misses++
		return nil, StatusMiss
	}

	status := sl.entry.statusAt(now)
	if status == StatusMiss {
		// Expired entries are removed on sight rather than waiting for
		// the janitor.
		sh.drop(fingerprint, sl)
		sh.misses++
		return nil, StatusMiss
	}

	sl.accessed = now
	sl.hits++
	if status == StatusHitFresh {
		sh.hits++
	} else {
		sh.staleServes++
	}

	copied := sl.entry
	return &copied, status
}

func (sh *shard) put(fingerprint string, entry Entry, now time.Time) bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if existing, ok := sh.entries[fingerprint]; ok {
		if existing.entry.CreatedAt.After(entry.CreatedAt) {
			return false
		}
		sh.bytesEst -= existing.size
	}

	size := estimateSize(fingerprint, entry)
	sh.entries[fingerprint] = &slot{entry: entry, accessed: now, size: size}
	sh.bytesEst += size

	for len(sh.entries) > sh.cap {
		sh.evictOldest()
	}
	return true
}

func (sh *shard) remove(fingerprint string) bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sl, ok := sh.entries[fingerprint]
	if !ok {
		return false
	}
	sh.drop(fingerprint, sl)
	return true
}

// evictOldest removes the least recently accessed entry. Linear scan:
// shards stay small enough that approximate LRU beats maintaining a list.
func (sh *shard) evictOldest() {
	var oldestKey string
	var oldest *slot
	for key, sl := range sh.entries {
		if oldest == nil || sl.accessed.Before(oldest.accessed) {
			oldestKey = key
			oldest = sl
		}
	}
	if oldest != nil {
		sh.drop(oldestKey, oldest)
		sh.evictions++
	}
}

func (sh *shard) removeExpired(now time.Time) int {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	removed := 0
	for key, sl := range sh.entries {
		if sl.entry.statusAt(now) == StatusMiss {
			sh.drop(key, sl)
			sh.evictions++
			removed++
		}
	}
	sh.janitorRuns++
	return removed
}

func (sh *shard) drop(fingerprint string, sl *slot) {
	delete(sh.entries, fingerprint)
	sh.bytesEst -= sl.size
}

func (sh *shard) stats() Stats {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	return Stats{
		Entries:     len(sh.entries),
		Hits:        sh.hits,
		Misses:      sh.misses,
		StaleServes: sh.staleServes,
		Evictions:   sh.evictions,
		BytesEst:    sh.bytesEst,
		JanitorRuns: sh.janitorRuns,
	}
}

func estimateSize(fingerprint string, entry Entry) int64 {
	size := int64(slotOverhead + len(fingerprint) + len(entry.Source) + len(entry.ETag))
	switch v := entry.Value.(type) {
	case nil:
	case []byte:
		size += int64(len(v))
	case string:
		size += int64(len(v))
	case json.RawMessage:
		size += int64(len(v))
	default:
		// Opaque values get a flat estimate; exact accounting is not
		// worth a marshal on every put.
		size += 128
	}
	return size
}
