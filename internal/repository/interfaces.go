package repository

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rpattn/feeddelta/internal/delta"
	"github.com/rpattn/feeddelta/internal/domain"
)

// DBTX is the query surface shared by pgx.Tx and *pgxpool.Pool.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// SnapshotStore defines staging and snapshot operations for a feed
type SnapshotStore interface {
	TruncateStaging(ctx context.Context, runID uuid.UUID, schema domain.FeedSchema, asOf time.Time) error
	CountStaged(ctx context.Context, runID uuid.UUID, schema domain.FeedSchema, asOf time.Time) (int64, error)
	CountSnapshot(ctx context.Context, schema domain.FeedSchema, asOf time.Time) (int64, error)
	UpsertFromStaging(ctx context.Context, runID uuid.UUID, schema domain.FeedSchema, asOf time.Time) (int64, error)
	DeleteStaging(ctx context.Context, runID uuid.UUID, schema domain.FeedSchema) error
	OpenSnapshot(ctx context.Context, schema domain.FeedSchema, asOf time.Time) (delta.RowStream, error)
}

// DeltaQuery selects the events of one run, optionally limited to one feed.
type DeltaQuery struct {
	RunID uuid.UUID
	Feed  domain.FeedName
}

// DeltaStore defines delta event persistence
type DeltaStore interface {
	Discard(ctx context.Context, runID uuid.UUID, feed domain.FeedName) error
	Write(ctx context.Context, events []domain.DeltaEvent) error
	ListEvents(ctx context.Context, q DeltaQuery, fn func(domain.DeltaRecord) error) error
}

// UnitOfWork is a transactional scope. Savepoint opens a nested scope whose
// Rollback only undoes the work done inside it.
type UnitOfWork interface {
	Snapshots() SnapshotStore
	Deltas() DeltaStore
	CopyFrom(ctx context.Context, r io.Reader, sql string) (int64, error)
	Savepoint(ctx context.Context) (UnitOfWork, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TxBeginner starts the top level unit of work of a run.
type TxBeginner interface {
	Begin(ctx context.Context) (UnitOfWork, error)
}

// AuditRepository defines run and feed lifecycle records. Every write commits
// on its own.
type AuditRepository interface {
	StartRun(ctx context.Context, run domain.IngestionRun) error
	FinishRun(ctx context.Context, id uuid.UUID, status domain.RunStatus, errMsg *string) error
	StartFeed(ctx context.Context, rec domain.FeedRunRecord) error
	FinishFeed(ctx context.Context, runID uuid.UUID, feed domain.FeedName, status domain.RunStatus, counts *domain.FeedCounts, errMsg *string) error
}

// RunQueryRepository defines the read side of the audit trail
type RunQueryRepository interface {
	ListRuns(ctx context.Context, filter domain.RunFilter) ([]domain.IngestionRun, error)
	GetRun(ctx context.Context, id uuid.UUID) (domain.IngestionRun, error)
	ListRunFeeds(ctx context.Context, runID uuid.UUID) ([]domain.FeedRunRecord, error)
	FindLatestSuccessfulRun(ctx context.Context, asOf time.Time) (uuid.UUID, error)
}
