package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jackc/pgx/v5"

	"github.com/rpattn/feeddelta/internal/delta"
	"github.com/rpattn/feeddelta/internal/domain"
)

const (
	columnRowHash    = "row_hash"
	columnIngestedAt = "ingested_at"
	columnStagedSeq  = "staged_seq"

	defaultUpsertBatch = 500
)

// SnapshotRepository reads staging tables and maintains per-day snapshots.
// Table and column names come from validated feed schemas only.
type SnapshotRepository struct {
	db        DBTX
	batchSize int
	now       func() time.Time
}

// NewSnapshotRepository binds the repository to a pool or transaction.
func NewSnapshotRepository(db DBTX) *SnapshotRepository {
	return &SnapshotRepository{
		db:        db,
		batchSize: defaultUpsertBatch,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (r *SnapshotRepository) TruncateStaging(ctx context.Context, runID uuid.UUID, schema domain.FeedSchema, asOf time.Time) error {
	del := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	del.DeleteFrom(schema.StagingTable)
	del.Where(
		del.Equal(domain.ColumnJobRunID, runID),
		del.Equal(domain.ColumnAsOfDate, asOf),
	)
	query, args := del.Build()
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: truncate %s: %w", domain.ErrStoreFailure, schema.StagingTable, err)
	}
	return nil
}

func (r *SnapshotRepository) CountStaged(ctx context.Context, runID uuid.UUID, schema domain.FeedSchema, asOf time.Time) (int64, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("count(*)").From(schema.StagingTable)
	sb.Where(
		sb.Equal(domain.ColumnJobRunID, runID),
		sb.Equal(domain.ColumnAsOfDate, asOf),
	)
	return r.count(ctx, sb, schema.StagingTable)
}

func (r *SnapshotRepository) CountSnapshot(ctx context.Context, schema domain.FeedSchema, asOf time.Time) (int64, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("count(*)").From(schema.SnapshotTable)
	sb.Where(sb.Equal(domain.ColumnAsOfDate, asOf))
	return r.count(ctx, sb, schema.SnapshotTable)
}

func (r *SnapshotRepository) count(ctx context.Context, sb *sqlbuilder.SelectBuilder, table string) (int64, error) {
	query, args := sb.Build()
	var n int64
	if err := r.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count %s: %w", domain.ErrStoreFailure, table, err)
	}
	return n, nil
}

func (r *SnapshotRepository) DeleteStaging(ctx context.Context, runID uuid.UUID, schema domain.FeedSchema) error {
	del := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	del.DeleteFrom(schema.StagingTable)
	del.Where(del.Equal(domain.ColumnJobRunID, runID))
	query, args := del.Build()
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: delete staging %s: %w", domain.ErrStoreFailure, schema.StagingTable, err)
	}
	return nil
}

// UpsertFromStaging folds the run's staged rows into the asOf snapshot and
// returns the number of distinct entities written. When a file repeats a
// primary key the last staged row wins. Snapshot rows of asOf that are not
// in the staged set are removed, so the date ends up holding exactly the file.
// An empty staged set is rejected before anything is removed.
func (r *SnapshotRepository) UpsertFromStaging(ctx context.Context, runID uuid.UUID, schema domain.FeedSchema, asOf time.Time) (int64, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(append(append([]string{}, schema.Columns...), domain.ColumnSourceFile)...)
	sb.From(schema.StagingTable)
	sb.Where(
		sb.Equal(domain.ColumnJobRunID, runID.String()),
		sb.Equal(domain.ColumnAsOfDate, asOf.Format(time.DateOnly)),
	)
	sb.OrderBy(append(orderByKey(schema), columnStagedSeq)...)

	cur, err := r.openCursor(ctx, sb, scanText(len(schema.Columns), func() any { return new(string) }))
	if err != nil {
		return 0, err
	}
	defer cur.close(ctx)

	upsertSQL := r.upsertStatement(schema)
	ingestedAt := r.now()
	batch := &pgx.Batch{}
	var (
		written int64
		pending []any
		pendKey []*string
	)

	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		err := r.db.SendBatch(ctx, batch).Close()
		batch = &pgx.Batch{}
		if err != nil {
			return fmt.Errorf("%w: upsert %s: %w", domain.ErrStoreFailure, schema.SnapshotTable, err)
		}
		return nil
	}
	queue := func(args []any) error {
		batch.Queue(upsertSQL, args...)
		written++
		if batch.Len() >= r.batchSize {
			return flush()
		}
		return nil
	}

	for {
		rec, ok, err := cur.next(ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		values := recordRow(schema, rec)
		key := keyOf(schema, values)
		for i, v := range key {
			if v == nil {
				return 0, fmt.Errorf("%w: %s row has empty primary key column %s",
					domain.ErrInvalidInput, schema.Name, schema.PrimaryKey[i])
			}
		}
		fp, err := domain.Fingerprint(schema, values)
		if err != nil {
			return 0, err
		}
		args := make([]any, 0, len(schema.Columns)+4)
		args = append(args, asOf)
		for _, col := range schema.Columns {
			args = append(args, values[col])
		}
		args = append(args, fp, *(rec[len(schema.Columns)].(*string)), ingestedAt)

		if pending != nil && delta.Compare(pendKey, key) != 0 {
			if err := queue(pending); err != nil {
				return 0, err
			}
		}
		pending, pendKey = args, key
	}
	if pending != nil {
		if err := queue(pending); err != nil {
			return 0, err
		}
	}
	if err := flush(); err != nil {
		return 0, err
	}
	if written == 0 {
		return 0, fmt.Errorf("%w: no staged %s rows for %s, snapshot left unchanged",
			domain.ErrInvalidInput, schema.Name, asOf.Format(time.DateOnly))
	}
	if err := r.pruneMissing(ctx, runID, schema, asOf); err != nil {
		return 0, err
	}
	return written, nil
}

func (r *SnapshotRepository) upsertStatement(schema domain.FeedSchema) string {
	cols := make([]string, 0, len(schema.Columns)+4)
	cols = append(cols, domain.ColumnAsOfDate)
	cols = append(cols, schema.Columns...)
	cols = append(cols, columnRowHash, domain.ColumnSourceFile, columnIngestedAt)

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(schema.SnapshotTable)
	ib.Cols(cols...)
	ib.Values(make([]any, len(cols))...)
	query, _ := ib.Build()

	updates := make([]string, 0, len(cols))
	for _, col := range append(schema.NonKeyColumns(), columnRowHash, domain.ColumnSourceFile, columnIngestedAt) {
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}
	conflict := append([]string{domain.ColumnAsOfDate}, schema.PrimaryKey...)
	return fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s",
		query, strings.Join(conflict, ", "), strings.Join(updates, ", "))
}

func (r *SnapshotRepository) pruneMissing(ctx context.Context, runID uuid.UUID, schema domain.FeedSchema, asOf time.Time) error {
	sub := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sub.Select("1").From(schema.StagingTable + " AS g")
	conds := []string{
		sub.Equal("g."+domain.ColumnJobRunID, runID),
		sub.Equal("g."+domain.ColumnAsOfDate, asOf),
	}
	for _, pk := range schema.PrimaryKey {
		conds = append(conds, fmt.Sprintf("g.%s = s.%s", pk, pk))
	}
	sub.Where(conds...)

	del := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	del.DeleteFrom(schema.SnapshotTable + " AS s")
	del.Where(
		del.Equal("s."+domain.ColumnAsOfDate, asOf),
		del.NotExists(sub),
	)
	query, args := del.Build()
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: prune %s: %w", domain.ErrStoreFailure, schema.SnapshotTable, err)
	}
	return nil
}

// OpenSnapshot streams the asOf snapshot in primary key order.
func (r *SnapshotRepository) OpenSnapshot(ctx context.Context, schema domain.FeedSchema, asOf time.Time) (delta.RowStream, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(append(append([]string{}, schema.Columns...), columnRowHash, domain.ColumnSourceFile, columnIngestedAt)...)
	sb.From(schema.SnapshotTable)
	sb.Where(sb.Equal(domain.ColumnAsOfDate, asOf.Format(time.DateOnly)))
	sb.OrderBy(orderByKey(schema)...)

	cur, err := r.openCursor(ctx, sb, scanText(len(schema.Columns),
		func() any { return new(string) },
		func() any { return new(string) },
		func() any { return new(time.Time) },
	))
	if err != nil {
		return nil, err
	}
	return &snapshotStream{cur: cur, schema: schema, asOf: asOf}, nil
}

func (r *SnapshotRepository) openCursor(ctx context.Context, sb *sqlbuilder.SelectBuilder, scan func(pgx.Rows) ([]any, error)) (*cursor, error) {
	query, args := sb.Build()
	inlined, err := sqlbuilder.PostgreSQL.Interpolate(query, args)
	if err != nil {
		return nil, fmt.Errorf("%w: build cursor query: %w", domain.ErrStoreFailure, err)
	}
	return declareCursor(ctx, r.db, inlined, scan)
}

type snapshotStream struct {
	cur    *cursor
	schema domain.FeedSchema
	asOf   time.Time
}

func (s *snapshotStream) Next(ctx context.Context) (domain.SnapshotRow, bool, error) {
	rec, ok, err := s.cur.next(ctx)
	if err != nil || !ok {
		return domain.SnapshotRow{}, false, err
	}
	n := len(s.schema.Columns)
	return domain.SnapshotRow{
		AsOfDate:    s.asOf,
		Values:      recordRow(s.schema, rec),
		Fingerprint: *(rec[n].(*string)),
		SourceFile:  *(rec[n+1].(*string)),
		IngestedAt:  *(rec[n+2].(*time.Time)),
	}, true, nil
}

func (s *snapshotStream) Close(ctx context.Context) error {
	return s.cur.close(ctx)
}

// orderByKey sorts by primary key bytewise so rows arrive in delta.Compare order.
func orderByKey(schema domain.FeedSchema) []string {
	out := make([]string, len(schema.PrimaryKey))
	for i, pk := range schema.PrimaryKey {
		out[i] = pk + ` COLLATE "C" NULLS FIRST`
	}
	return out
}

func recordRow(schema domain.FeedSchema, rec []any) domain.Row {
	row := make(domain.Row, len(schema.Columns))
	for i, col := range schema.Columns {
		row[col] = rec[i].(*string)
	}
	return row
}

func keyOf(schema domain.FeedSchema, row domain.Row) []*string {
	key := make([]*string, len(schema.PrimaryKey))
	for i, pk := range schema.PrimaryKey {
		key[i] = row[pk]
	}
	return key
}
