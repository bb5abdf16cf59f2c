package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/wattmine/minecore/internal/persistence"
)

type txRunner struct {
	db *sqlx.DB
}

// NewTxRunner wraps the pool in the commit-or-rollback helper every
// transactional caller goes through.
func NewTxRunner(db *sqlx.DB) persistence.TxRunner {
	return &txRunner{db: db}
}

// RunInTx begins a transaction, runs fn, and commits on nil. A panic or
// error rolls back before propagating.
func (r *txRunner) RunInTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
