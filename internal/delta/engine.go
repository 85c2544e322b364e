// Package delta computes change events between two snapshots of a feed by
// merging their primary key ordered row streams.
package delta

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/feeddelta/internal/domain"
)

// DefaultBatchSize is the number of events handed to a Sink per Write call.
const DefaultBatchSize = 500

// Engine generates delta events for one feed at a time.
type Engine struct {
	BatchSize int
}

// NewEngine returns an engine writing batches of batchSize events; values
// below one fall back to DefaultBatchSize.
func NewEngine(batchSize int) Engine {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	return Engine{BatchSize: batchSize}
}

// Generate replaces the events of (runID, schema.Name) with the changes
// between the asOf snapshot and the prevDate snapshot and returns the number
// of events written.
//
// Rows present on both sides are compared by fingerprint only; equal
// fingerprints never produce an event.
func (e Engine) Generate(
	ctx context.Context,
	runID uuid.UUID,
	schema domain.FeedSchema,
	asOf, prevDate time.Time,
	src Source,
	sink Sink,
) (count int, err error) {
	if err := schema.Validate(); err != nil {
		return 0, err
	}
	if err := sink.Discard(ctx, runID, schema.Name); err != nil {
		return 0, err
	}

	cur, err := src.OpenSnapshot(ctx, schema, asOf)
	if err != nil {
		return 0, err
	}
	defer closeStream(ctx, cur, &err)

	prev, err := src.OpenSnapshot(ctx, schema, prevDate)
	if err != nil {
		return 0, err
	}
	defer closeStream(ctx, prev, &err)

	m := merge{
		runID:  runID,
		schema: schema,
		asOf:   asOf,
		sink:   sink,
		size:   e.batchSize(),
	}
	m.batch = make([]domain.DeltaEvent, 0, m.size)

	c, err := newCursor(ctx, cur, schema, "current")
	if err != nil {
		return 0, err
	}
	p, err := newCursor(ctx, prev, schema, "previous")
	if err != nil {
		return 0, err
	}

	for c.ok || p.ok {
		switch {
		case !p.ok || (c.ok && Compare(c.key, p.key) < 0):
			err = m.emit(ctx, domain.OpInsert, nil, &c.row)
			if err == nil {
				err = c.advance(ctx)
			}
		case !c.ok || Compare(c.key, p.key) > 0:
			err = m.emit(ctx, domain.OpDelete, &p.row, nil)
			if err == nil {
				err = p.advance(ctx)
			}
		default:
			if c.row.Fingerprint != p.row.Fingerprint {
				err = m.emit(ctx, domain.OpUpdate, &p.row, &c.row)
			}
			if err == nil {
				err = c.advance(ctx)
			}
			if err == nil {
				err = p.advance(ctx)
			}
		}
		if err != nil {
			return m.written, err
		}
	}
	if err := m.flush(ctx); err != nil {
		return m.written, err
	}
	return m.written, nil
}

func (e Engine) batchSize() int {
	if e.BatchSize < 1 {
		return DefaultBatchSize
	}
	return e.BatchSize
}

func closeStream(ctx context.Context, s RowStream, errp *error) {
	if cerr := s.Close(ctx); cerr != nil && *errp == nil {
		*errp = cerr
	}
}

// cursor tracks the head of one stream and rejects out of order keys.
type cursor struct {
	stream RowStream
	schema domain.FeedSchema
	side   string
	row    domain.SnapshotRow
	key    []*string
	ok     bool
}

func newCursor(ctx context.Context, s RowStream, schema domain.FeedSchema, side string) (*cursor, error) {
	c := &cursor{stream: s, schema: schema, side: side}
	if err := c.advance(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *cursor) advance(ctx context.Context) error {
	row, ok, err := c.stream.Next(ctx)
	if err != nil {
		return err
	}
	if !ok {
		c.ok = false
		return nil
	}
	key := row.Key(c.schema)
	if c.ok && Compare(key, c.key) <= 0 {
		return fmt.Errorf("%w: %s snapshot of %s is not strictly ordered by primary key",
			domain.ErrStoreFailure, c.side, c.schema.Name)
	}
	c.row, c.key, c.ok = row, key, true
	return nil
}

type merge struct {
	runID   uuid.UUID
	schema  domain.FeedSchema
	asOf    time.Time
	sink    Sink
	size    int
	batch   []domain.DeltaEvent
	written int
}

func (m *merge) emit(ctx context.Context, op domain.DeltaOp, before, after *domain.SnapshotRow) error {
	ev := buildEvent(m.runID, m.schema, m.asOf, op, before, after)
	ev.Seq = m.written + len(m.batch)
	m.batch = append(m.batch, ev)
	if len(m.batch) >= m.size {
		return m.flush(ctx)
	}
	return nil
}

func (m *merge) flush(ctx context.Context) error {
	if len(m.batch) == 0 {
		return nil
	}
	if err := m.sink.Write(ctx, m.batch); err != nil {
		return err
	}
	m.written += len(m.batch)
	m.batch = make([]domain.DeltaEvent, 0, m.size)
	return nil
}

func buildEvent(
	runID uuid.UUID,
	schema domain.FeedSchema,
	asOf time.Time,
	op domain.DeltaOp,
	before, after *domain.SnapshotRow,
) domain.DeltaEvent {
	ev := domain.DeltaEvent{
		RunID:         runID,
		FeedName:      schema.Name,
		AsOfDate:      asOf,
		Op:            op,
		EntityKey:     domain.EntityKey{Columns: append([]string(nil), schema.PrimaryKey...)},
		ChangedFields: map[string]domain.FieldChange{},
	}
	if before != nil {
		ev.BeforeRow = before.Payload(schema)
		fp := before.Fingerprint
		ev.OldFingerprint = &fp
	}
	if after != nil {
		ev.AfterRow = after.Payload(schema)
		fp := after.Fingerprint
		ev.NewFingerprint = &fp
	}

	ev.EntityKey.Values = make([]*string, len(schema.PrimaryKey))
	for i, col := range schema.PrimaryKey {
		if after != nil && after.Values[col] != nil {
			ev.EntityKey.Values[i] = after.Values[col]
		} else if before != nil {
			ev.EntityKey.Values[i] = before.Values[col]
		}
	}

	if op == domain.OpUpdate {
		for _, col := range schema.Columns {
			b, a := ev.BeforeRow[col], ev.AfterRow[col]
			if !sameValue(b, a) {
				ev.ChangedFields[col] = domain.FieldChange{Before: b, After: a}
			}
		}
	}
	return ev
}

func sameValue(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
