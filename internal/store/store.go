package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/butlerdotdev/butler-registry/internal/apierror"
	"github.com/butlerdotdev/butler-registry/internal/store/dialect"
)

// PostgresStore is the production Store backend: pgx over a connection pool,
// hand-written SQL, row locks for the transactional invariants (approve,
// dequeue, cycle detection). Grounded on the teacher's pkg/incident/store.go:
// column-list consts, scanRow/scanRows helpers, and raw dbtx.Query calls,
// generalized from one domain's Store to this package's much larger entity set.
type PostgresStore struct {
	pool    *pgxpool.Pool
	dialect dialect.Dialect
}

// NewPostgresStore wraps an existing pgx pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, dialect: dialect.Postgres{}}
}

// Ping verifies connectivity, satisfying httpserver.Pinger.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// dbtx is satisfied by *pgxpool.Pool and pgx.Tx — the common subset of
// their query methods. No method in this package takes a dbtx; the
// tx-aware methods take a pgx.Tx directly.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx runs fn inside a new transaction, for callers outside this package
// that need to compose several tx-aware methods (TransitionModuleRun,
// RecordModuleRunOutcome) atomically — the DAG executor's progression and
// failure-propagation steps chief among them.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return s.withTx(ctx, fn)
}

// withTx runs fn inside a new transaction, committing on success and rolling
// back on any error (including panics, which are re-raised after rollback).
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apierror.Internal(err, "beginning transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	err = fn(tx)
	return err
}

// wrapNotFound normalizes pgx.ErrNoRows into a typed NotFound error, per the
// spec's own flagged inconsistency about mislabeled error codes — every
// caller here names the entity explicitly rather than reusing a generic
// "RUN_NOT_FOUND" for every lookup.
func wrapNotFound(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if err == pgx.ErrNoRows {
		return apierror.NotFound(format, args...)
	}
	return apierror.Internal(err, fmt.Sprintf(format, args...))
}
