package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jackc/pgx/v5"

	"github.com/rpattn/feeddelta/internal/domain"
)

const deltaTable = "delta_event"

var deltaColumns = []string{
	"job_run_id", "feed_name", "seq", "as_of_date", "op", "entity_key",
	"old_row_hash", "new_row_hash", "before_row", "after_row", "changed_fields",
}

// DeltaRepository persists delta events.
type DeltaRepository struct {
	db DBTX
}

// NewDeltaRepository binds the repository to a pool or transaction.
func NewDeltaRepository(db DBTX) *DeltaRepository {
	return &DeltaRepository{db: db}
}

func (r *DeltaRepository) Discard(ctx context.Context, runID uuid.UUID, feed domain.FeedName) error {
	del := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	del.DeleteFrom(deltaTable)
	del.Where(del.Equal("job_run_id", runID), del.Equal("feed_name", string(feed)))
	query, args := del.Build()
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: discard delta events: %w", domain.ErrStoreFailure, err)
	}
	return nil
}

// Write bulk inserts events with COPY.
func (r *DeltaRepository) Write(ctx context.Context, events []domain.DeltaEvent) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(events))
	for _, ev := range events {
		row, err := deltaRow(ev)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	if _, err := r.db.CopyFrom(ctx, pgx.Identifier{deltaTable}, deltaColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("%w: write delta events: %w", domain.ErrStoreFailure, err)
	}
	return nil
}

func deltaRow(ev domain.DeltaEvent) ([]any, error) {
	key, err := json.Marshal(ev.EntityKey)
	if err != nil {
		return nil, fmt.Errorf("encode entity key: %w", err)
	}
	changed, err := json.Marshal(ev.ChangedFields)
	if err != nil {
		return nil, fmt.Errorf("encode changed fields: %w", err)
	}
	before, err := jsonOrNull(ev.BeforeRow)
	if err != nil {
		return nil, err
	}
	after, err := jsonOrNull(ev.AfterRow)
	if err != nil {
		return nil, err
	}
	return []any{
		ev.RunID,
		string(ev.FeedName),
		int32(ev.Seq),
		ev.AsOfDate,
		string(ev.Op),
		string(key),
		ev.OldFingerprint,
		ev.NewFingerprint,
		before,
		after,
		string(changed),
	}, nil
}

func jsonOrNull(row domain.Row) (any, error) {
	if row == nil {
		return nil, nil
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("encode row payload: %w", err)
	}
	return string(raw), nil
}

// ListEvents streams the events of a run in feed name then primary key order.
func (r *DeltaRepository) ListEvents(ctx context.Context, q DeltaQuery, fn func(domain.DeltaRecord) error) error {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(
		"feed_name", "op", "entity_key::text",
		"changed_fields::text", "before_row::text", "after_row::text",
	)
	sb.From(deltaTable)
	where := []string{sb.Equal("job_run_id", q.RunID)}
	if q.Feed != "" {
		where = append(where, sb.Equal("feed_name", string(q.Feed)))
	}
	sb.Where(where...)
	sb.OrderBy("feed_name", "seq")

	query, args := sb.Build()
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: list delta events: %w", domain.ErrStoreFailure, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec                    domain.DeltaRecord
			feed, op, key, changed string
			before, after          *string
		)
		if err := rows.Scan(&feed, &op, &key, &changed, &before, &after); err != nil {
			return fmt.Errorf("%w: scan delta event: %w", domain.ErrStoreFailure, err)
		}
		rec.FeedName = domain.FeedName(feed)
		rec.Op = domain.DeltaOp(op)
		rec.EntityKeyJSON = json.RawMessage(key)
		rec.ChangedFieldsJSON = json.RawMessage(changed)
		if before != nil {
			rec.BeforeRowJSON = json.RawMessage(*before)
		}
		if after != nil {
			rec.AfterRowJSON = json.RawMessage(*after)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: iterate delta events: %w", domain.ErrStoreFailure, err)
	}
	return nil
}

// CountByOp returns the number of events per operation for one run and feed.
func (r *DeltaRepository) CountByOp(ctx context.Context, runID uuid.UUID, feed domain.FeedName) (map[domain.DeltaOp]int64, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("op", "count(*)")
	sb.From(deltaTable)
	sb.Where(sb.Equal("job_run_id", runID), sb.Equal("feed_name", string(feed)))
	sb.GroupBy("op")

	query, args := sb.Build()
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: count delta events: %w", domain.ErrStoreFailure, err)
	}
	defer rows.Close()

	counts := map[domain.DeltaOp]int64{}
	for rows.Next() {
		var (
			op string
			n  int64
		)
		if err := rows.Scan(&op, &n); err != nil {
			return nil, fmt.Errorf("%w: scan delta count: %w", domain.ErrStoreFailure, err)
		}
		counts[domain.DeltaOp(op)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate delta counts: %w", domain.ErrStoreFailure, err)
	}
	return counts, nil
}
