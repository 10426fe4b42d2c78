// Package postgres persists audits, scans, tasks and results in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/internal/infra/storage"
	"github.com/ahrav/scan-armada/pkg/common/timeutil"
)

var _ scanning.Store = (*Store)(nil)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

const foreignKeyViolation = "23503"

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// repo implements scanning.Repository against a querier.
type repo struct {
	q      querier
	tracer trace.Tracer
	clock  timeutil.Provider
}

// Store is the PostgreSQL scanning.Store.
type Store struct {
	*repo
	pool *pgxpool.Pool
}

// NewStore returns a Store on pool. Row timestamps come from clock so that
// queue ordering follows the same time source as the engine.
func NewStore(pool *pgxpool.Pool, tracer trace.Tracer, clock timeutil.Provider) *Store {
	return &Store{
		repo: &repo{q: pool, tracer: tracer, clock: clock},
		pool: pool,
	}
}

// RunInTx runs fn inside a database transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, repo scanning.Repository) error) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.run_in_tx", defaultDBAttributes, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			return fn(ctx, &repo{q: tx, tracer: s.tracer, clock: s.clock})
		})
	})
}

func attrs(kv ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(defaultDBAttributes)+len(kv))
	out = append(out, defaultDBAttributes...)
	return append(out, kv...)
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: id != uuid.Nil}
}

func pgTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

func fromUUID(u pgtype.UUID) uuid.UUID {
	if !u.Valid {
		return uuid.Nil
	}
	return u.Bytes
}

func fromTime(t pgtype.Timestamptz) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation
}

func mustAffect(tag pgconn.CommandTag, notFound error) error {
	if tag.RowsAffected() == 0 {
		return notFound
	}
	return nil
}

func wrap(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}
