// Package db provides PostgreSQL-backed repository implementations for the
// static IP allocation platform. All repositories accept a DBTX interface that
// is satisfied by both *pgxpool.Pool (for normal queries) and pgx.Tx (for
// transactional execution), enabling clean transaction support.
//
// Schema notes (enforced by migrations, relied upon here):
//   - pool_entries(allocated) is flipped in the same transaction as the
//     allocation insert.
//   - allocations has partial unique indexes:
//     uq_allocations_user_region  ON (user_id, region)          WHERE status IN ('pending','configuring','active')
//     uq_allocations_pool_entry   ON (pool_entry_id)            WHERE status IN ('pending','configuring','active')
//     uq_allocations_node_tunnel  ON (node_id, internal_address) WHERE status IN ('pending','configuring','active')
//   - subscriptions has a partial unique index:
//     uq_subscriptions_active_user ON (user_id) WHERE status IN ('pending','active')
//   - port_forward_rules has a partial unique index:
//     uq_rules_external_tuple ON (external_address, external_port, protocol) WHERE status != 'deleted'
package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
// Repositories accept this so the same code works inside or outside a
// transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxRunner abstracts transactional execution. The callback receives a
// transaction-scoped DBTX; all repository calls made with it participate in
// the same database transaction, which commits when the callback returns nil
// and rolls back otherwise.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx DBTX) error) error
}

// PoolTxRunner is the production TxRunner backed by a pgx connection pool.
type PoolTxRunner struct {
	pool *pgxpool.Pool
}

// NewPoolTxRunner creates a TxRunner over the given pool.
func NewPoolTxRunner(pool *pgxpool.Pool) *PoolTxRunner {
	return &PoolTxRunner{pool: pool}
}

// RunInTx begins a transaction, invokes fn, and commits on success.
// The rollback on error is best-effort; the original error is preserved.
func (r *PoolTxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context, tx DBTX) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// pgUniqueViolation is the PostgreSQL error code for unique constraint violations.
const pgUniqueViolation = "23505"

// isUniqueViolation reports whether err is a unique-constraint violation,
// optionally on the named constraint. An empty constraint matches any.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
