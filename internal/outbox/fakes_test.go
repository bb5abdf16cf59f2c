package outbox

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/wattmine/minecore/internal/persistence"
)

// memDB backs the fake repositories with plain slices and maps. The fake
// transaction runner snapshots it before each callback and restores it on
// error, which mimics rollback closely enough for these tests.
type memDB struct {
	mu sync.Mutex

	outboxSeq  int64
	outboxRows []persistence.OutboxRecord

	dlqSeq  int64
	dlqRows []persistence.DLQRecord

	inbox map[string]time.Time
}

func newMemDB() *memDB {
	return &memDB{inbox: make(map[string]time.Time)}
}

type memSnapshot struct {
	outboxSeq  int64
	outboxRows []persistence.OutboxRecord
	dlqSeq     int64
	dlqRows    []persistence.DLQRecord
	inbox      map[string]time.Time
}

func (db *memDB) snapshot() memSnapshot {
	db.mu.Lock()
	defer db.mu.Unlock()

	snap := memSnapshot{
		outboxSeq:  db.outboxSeq,
		outboxRows: make([]persistence.OutboxRecord, len(db.outboxRows)),
		dlqSeq:     db.dlqSeq,
		dlqRows:    make([]persistence.DLQRecord, len(db.dlqRows)),
		inbox:      make(map[string]time.Time, len(db.inbox)),
	}
	copy(snap.outboxRows, db.outboxRows)
	copy(snap.dlqRows, db.dlqRows)
	for k, v := range db.inbox {
		snap.inbox[k] = v
	}
	return snap
}

func (db *memDB) restore(snap memSnapshot) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.outboxSeq = snap.outboxSeq
	db.outboxRows = snap.outboxRows
	db.dlqSeq = snap.dlqSeq
	db.dlqRows = snap.dlqRows
	db.inbox = snap.inbox
}

// fakeTxRunner emulates commit/rollback over the memDB.
type fakeTxRunner struct {
	db       *memDB
	beginErr error
}

func (r *fakeTxRunner) RunInTx(_ context.Context, fn func(tx *sqlx.Tx) error) error {
	if r.beginErr != nil {
		return r.beginErr
	}
	snap := r.db.snapshot()
	if err := fn(nil); err != nil {
		r.db.restore(snap)
		return err
	}
	return nil
}

// fakeOutboxRepo implements persistence.OutboxRepo with the same claim
// semantics as the SQL: id order, due rows only, one record per partition
// and only when it is the partition head.
type fakeOutboxRepo struct {
	db *memDB

	// hooks for failure injection, nil means success
	enqueueErr       func(rec *persistence.OutboxRecord) error
	markProcessedErr error
}

func (f *fakeOutboxRepo) Enqueue(_ context.Context, _ *sqlx.Tx, record *persistence.OutboxRecord) error {
	if f.enqueueErr != nil {
		if err := f.enqueueErr(record); err != nil {
			return err
		}
	}

	f.db.mu.Lock()
	defer f.db.mu.Unlock()

	for _, row := range f.db.outboxRows {
		if row.IdempotencyKey == record.IdempotencyKey {
			return persistence.ErrDuplicateKey
		}
	}
	f.db.outboxSeq++
	record.ID = f.db.outboxSeq
	f.db.outboxRows = append(f.db.outboxRows, *record)
	return nil
}

func (f *fakeOutboxRepo) ClaimBatch(_ context.Context, _ *sqlx.Tx, now time.Time, limit int) ([]persistence.OutboxRecord, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()

	sort.Slice(f.db.outboxRows, func(i, j int) bool {
		return f.db.outboxRows[i].ID < f.db.outboxRows[j].ID
	})

	var claimed []persistence.OutboxRecord
	blocked := map[string]bool{}
	for _, row := range f.db.outboxRows {
		if !row.Pending() {
			continue
		}
		if blocked[row.PartitionKey] {
			continue
		}
		// This row is its partition's head. Whether or not it is due, it
		// blocks everything behind it.
		blocked[row.PartitionKey] = true
		if row.NextAttemptAt.After(now) {
			continue
		}
		claimed = append(claimed, row)
		if len(claimed) >= limit {
			break
		}
	}
	return claimed, nil
}

func (f *fakeOutboxRepo) MarkProcessed(_ context.Context, _ *sqlx.Tx, id int64, at time.Time) error {
	if f.markProcessedErr != nil {
		return f.markProcessedErr
	}

	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for i := range f.db.outboxRows {
		if f.db.outboxRows[i].ID == id {
			stamp := at
			f.db.outboxRows[i].ProcessedAt = &stamp
			return nil
		}
	}
	return nil
}

func (f *fakeOutboxRepo) RecordFailure(_ context.Context, _ *sqlx.Tx, id int64, attempts int, lastError string, nextAttemptAt time.Time) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for i := range f.db.outboxRows {
		if f.db.outboxRows[i].ID == id {
			msg := lastError
			f.db.outboxRows[i].Attempts = attempts
			f.db.outboxRows[i].LastError = &msg
			f.db.outboxRows[i].NextAttemptAt = nextAttemptAt
			return nil
		}
	}
	return nil
}

func (f *fakeOutboxRepo) Delete(_ context.Context, _ *sqlx.Tx, id int64) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for i := range f.db.outboxRows {
		if f.db.outboxRows[i].ID == id {
			f.db.outboxRows = append(f.db.outboxRows[:i], f.db.outboxRows[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeOutboxRepo) PendingCount(_ context.Context) (int64, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var n int64
	for _, row := range f.db.outboxRows {
		if row.Pending() {
			n++
		}
	}
	return n, nil
}

// row returns a copy of the outbox row by id, or nil.
func (f *fakeOutboxRepo) row(id int64) *persistence.OutboxRecord {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, r := range f.db.outboxRows {
		if r.ID == id {
			out := r
			return &out
		}
	}
	return nil
}

type fakeDLQRepo struct {
	db *memDB
}

func (f *fakeDLQRepo) Insert(_ context.Context, _ *sqlx.Tx, record *persistence.DLQRecord) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	f.db.dlqSeq++
	record.ID = f.db.dlqSeq
	f.db.dlqRows = append(f.db.dlqRows, *record)
	return nil
}

func (f *fakeDLQRepo) List(_ context.Context, filter persistence.DLQFilter) ([]persistence.DLQRecord, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()

	var out []persistence.DLQRecord
	for _, row := range f.db.dlqRows {
		if filter.Kind != "" && row.Kind != filter.Kind {
			continue
		}
		if !filter.Since.IsZero() && row.FailedAt.Before(filter.Since) {
			continue
		}
		if !filter.IncludeReplayed && row.ReplayedAt != nil {
			continue
		}
		out = append(out, row)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeDLQRepo) Stats(ctx context.Context, filter persistence.DLQFilter) (persistence.DLQStats, error) {
	rows, err := f.List(ctx, persistence.DLQFilter{Kind: filter.Kind, Since: filter.Since, IncludeReplayed: true})
	if err != nil {
		return persistence.DLQStats{}, err
	}

	stats := persistence.DLQStats{ByKind: map[string]int64{}}
	for _, row := range rows {
		stats.Total++
		if row.ReplayedAt != nil {
			stats.Replayed++
		}
		stats.ByKind[row.Kind]++
		failedAt := row.FailedAt
		if stats.OldestAt == nil || failedAt.Before(*stats.OldestAt) {
			stats.OldestAt = &failedAt
		}
		if stats.NewestAt == nil || failedAt.After(*stats.NewestAt) {
			stats.NewestAt = &failedAt
		}
	}
	return stats, nil
}

func (f *fakeDLQRepo) MarkReplayed(_ context.Context, _ *sqlx.Tx, id int64, at time.Time) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for i := range f.db.dlqRows {
		if f.db.dlqRows[i].ID == id {
			stamp := at
			f.db.dlqRows[i].ReplayedAt = &stamp
			return nil
		}
	}
	return nil
}

func (f *fakeDLQRepo) rows() []persistence.DLQRecord {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	out := make([]persistence.DLQRecord, len(f.db.dlqRows))
	copy(out, f.db.dlqRows)
	return out
}

type fakeInboxRepo struct {
	db *memDB
}

func inboxKey(eventID, group string) string { return eventID + "|" + group }

func (f *fakeInboxRepo) MarkProcessed(_ context.Context, _ *sqlx.Tx, eventID, consumerGroup string, at time.Time) (bool, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	key := inboxKey(eventID, consumerGroup)
	if _, ok := f.db.inbox[key]; ok {
		return false, nil
	}
	f.db.inbox[key] = at
	return true, nil
}

func (f *fakeInboxRepo) Count(_ context.Context, consumerGroup string) (int64, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var n int64
	suffix := "|" + consumerGroup
	for key := range f.db.inbox {
		if strings.HasSuffix(key, suffix) {
			n++
		}
	}
	return n, nil
}

// fixture bundles the fakes behind a persistence.Repository.
type fixture struct {
	db     *memDB
	outbox *fakeOutboxRepo
	dlq    *fakeDLQRepo
	inbox  *fakeInboxRepo
	txr    *fakeTxRunner
	repo   persistence.Repository
}

func newFixture() *fixture {
	db := newMemDB()
	f := &fixture{
		db:     db,
		outbox: &fakeOutboxRepo{db: db},
		dlq:    &fakeDLQRepo{db: db},
		inbox:  &fakeInboxRepo{db: db},
		txr:    &fakeTxRunner{db: db},
	}
	f.repo = persistence.Repository{
		Outbox: f.outbox,
		Inbox:  f.inbox,
		DLQ:    f.dlq,
		Leases: nil,
		Tx:     f.txr,
	}
	return f
}
