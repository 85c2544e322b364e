package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jackc/pgx/v5"

	"github.com/rpattn/feeddelta/internal/domain"
)

const (
	runTable     = "job_run"
	runFeedTable = "job_run_feed"

	defaultRunLimit = 50
	maxRunLimit     = 500
)

var (
	runColumns     = []string{"id", "as_of_date", "status", "started_at", "finished_at", "error_message"}
	runFeedColumns = []string{
		"job_run_id", "feed_name", "source_file", "status", "staged_rows", "snapshot_rows",
		"delta_rows", "started_at", "finished_at", "error_message",
	}
)

// JobRunRepository records run and feed lifecycles. It must be bound to the
// pool, not to a run transaction, so that every write commits on its own.
type JobRunRepository struct {
	db  DBTX
	now func() time.Time
}

// NewJobRunRepository wires a repository backed by the pool.
func NewJobRunRepository(db DBTX) *JobRunRepository {
	return &JobRunRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *JobRunRepository) StartRun(ctx context.Context, run domain.IngestionRun) error {
	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(runTable)
	ib.Cols("id", "as_of_date", "status", "started_at")
	ib.Values(run.ID, run.AsOfDate, string(domain.StatusStarted), run.StartedAt)
	query, args := ib.Build()
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: record run start: %w", domain.ErrStoreFailure, err)
	}
	return nil
}

func (r *JobRunRepository) FinishRun(ctx context.Context, id uuid.UUID, status domain.RunStatus, errMsg *string) error {
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(runTable)
	ub.Set(
		ub.Assign("status", string(status)),
		ub.Assign("finished_at", r.now()),
		ub.Assign("error_message", errMsg),
	)
	ub.Where(ub.Equal("id", id), ub.Equal("status", string(domain.StatusStarted)))
	query, args := ub.Build()
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: record run finish: %w", domain.ErrStoreFailure, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: run %s is unknown or already finished", domain.ErrAlreadyFinalized, id)
	}
	return nil
}

func (r *JobRunRepository) StartFeed(ctx context.Context, rec domain.FeedRunRecord) error {
	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(runFeedTable)
	ib.Cols("job_run_id", "feed_name", "source_file", "status", "started_at")
	ib.Values(rec.RunID, string(rec.FeedName), rec.SourceFile, string(domain.StatusStarted), rec.StartedAt)
	query, args := ib.Build()
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: record feed start: %w", domain.ErrStoreFailure, err)
	}
	return nil
}

func (r *JobRunRepository) FinishFeed(
	ctx context.Context,
	runID uuid.UUID,
	feed domain.FeedName,
	status domain.RunStatus,
	counts *domain.FeedCounts,
	errMsg *string,
) error {
	var staged, snapshot, deltaRows *int64
	if counts != nil && status == domain.StatusSuccess {
		staged, snapshot, deltaRows = &counts.Staged, &counts.Snapshot, &counts.Delta
	}

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(runFeedTable)
	ub.Set(
		ub.Assign("status", string(status)),
		ub.Assign("staged_rows", staged),
		ub.Assign("snapshot_rows", snapshot),
		ub.Assign("delta_rows", deltaRows),
		ub.Assign("finished_at", r.now()),
		ub.Assign("error_message", errMsg),
	)
	ub.Where(
		ub.Equal("job_run_id", runID),
		ub.Equal("feed_name", string(feed)),
		ub.Equal("status", string(domain.StatusStarted)),
	)
	query, args := ub.Build()
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: record feed finish: %w", domain.ErrStoreFailure, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: feed %s of run %s is unknown or already finished", domain.ErrAlreadyFinalized, feed, runID)
	}
	return nil
}

// ListRuns returns runs newest first. Limit is clamped to 1..500 and
// defaults to 50.
func (r *JobRunRepository) ListRuns(ctx context.Context, filter domain.RunFilter) ([]domain.IngestionRun, error) {
	limit := filter.Limit
	switch {
	case limit <= 0:
		limit = defaultRunLimit
	case limit > maxRunLimit:
		limit = maxRunLimit
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(runColumns...).From(runTable)
	var where []string
	if filter.From != nil {
		where = append(where, sb.GreaterEqualThan("as_of_date", *filter.From))
	}
	if filter.To != nil {
		where = append(where, sb.LessEqualThan("as_of_date", *filter.To))
	}
	if len(where) > 0 {
		sb.Where(where...)
	}
	sb.OrderBy("started_at").Desc()
	sb.Limit(limit)

	query, args := sb.Build()
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list runs: %w", domain.ErrStoreFailure, err)
	}
	runs, err := pgx.CollectRows(rows, scanRun)
	if err != nil {
		return nil, fmt.Errorf("%w: scan runs: %w", domain.ErrStoreFailure, err)
	}
	return runs, nil
}

func (r *JobRunRepository) GetRun(ctx context.Context, id uuid.UUID) (domain.IngestionRun, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(runColumns...).From(runTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return domain.IngestionRun{}, fmt.Errorf("%w: get run: %w", domain.ErrStoreFailure, err)
	}
	run, err := pgx.CollectExactlyOneRow(rows, scanRun)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.IngestionRun{}, fmt.Errorf("%w: run %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.IngestionRun{}, fmt.Errorf("%w: scan run: %w", domain.ErrStoreFailure, err)
	}
	return run, nil
}

// ListRunFeeds returns the feed records of a run ordered by feed name.
func (r *JobRunRepository) ListRunFeeds(ctx context.Context, runID uuid.UUID) ([]domain.FeedRunRecord, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(runFeedColumns...).From(runFeedTable)
	sb.Where(sb.Equal("job_run_id", runID))
	sb.OrderBy("feed_name")

	query, args := sb.Build()
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list run feeds: %w", domain.ErrStoreFailure, err)
	}
	feeds, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.FeedRunRecord, error) {
		var (
			rec  domain.FeedRunRecord
			name string
			st   string
		)
		err := row.Scan(
			&rec.RunID, &name, &rec.SourceFile, &st, &rec.StagedRows, &rec.SnapshotRows,
			&rec.DeltaRows, &rec.StartedAt, &rec.FinishedAt, &rec.ErrorMessage,
		)
		rec.FeedName = domain.FeedName(name)
		rec.Status = domain.RunStatus(st)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan run feeds: %w", domain.ErrStoreFailure, err)
	}
	return feeds, nil
}

// FindLatestSuccessfulRun returns the newest SUCCESS run for asOf.
func (r *JobRunRepository) FindLatestSuccessfulRun(ctx context.Context, asOf time.Time) (uuid.UUID, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id").From(runTable)
	sb.Where(sb.Equal("as_of_date", asOf), sb.Equal("status", string(domain.StatusSuccess)))
	sb.OrderBy("finished_at").Desc()
	sb.Limit(1)

	query, args := sb.Build()
	var id uuid.UUID
	err := r.db.QueryRow(ctx, query, args...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("%w: no successful run for %s", domain.ErrNotFound, asOf.Format(time.DateOnly))
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: find latest run: %w", domain.ErrStoreFailure, err)
	}
	return id, nil
}

func scanRun(row pgx.CollectableRow) (domain.IngestionRun, error) {
	var (
		run domain.IngestionRun
		st  string
	)
	err := row.Scan(&run.ID, &run.AsOfDate, &st, &run.StartedAt, &run.FinishedAt, &run.ErrorMessage)
	run.Status = domain.RunStatus(st)
	return run, err
}
