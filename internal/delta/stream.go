package delta

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/feeddelta/internal/domain"
)

// RowStream yields snapshot rows in ascending primary key order (see Compare).
type RowStream interface {
	Next(ctx context.Context) (domain.SnapshotRow, bool, error)
	Close(ctx context.Context) error
}

// Source opens the snapshot of a feed for one as-of date.
type Source interface {
	OpenSnapshot(ctx context.Context, schema domain.FeedSchema, asOf time.Time) (RowStream, error)
}

// Sink persists generated delta events.
type Sink interface {
	// Discard removes every event previously written for the run and feed.
	Discard(ctx context.Context, runID uuid.UUID, feed domain.FeedName) error
	Write(ctx context.Context, events []domain.DeltaEvent) error
}

// Compare orders primary key tuples. NULL sorts before any value and values
// compare bytewise, which matches ORDER BY ... COLLATE "C" NULLS FIRST.
func Compare(a, b []*string) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		switch {
		case a[i] == nil && b[i] == nil:
			continue
		case a[i] == nil:
			return -1
		case b[i] == nil:
			return 1
		}
		if c := strings.Compare(*a[i], *b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

// SliceStream is an in-memory RowStream.
type SliceStream struct {
	rows []domain.SnapshotRow
	pos  int
}

// NewSliceStream sorts a copy of rows by primary key and fills in missing
// fingerprints.
func NewSliceStream(schema domain.FeedSchema, rows []domain.SnapshotRow) (*SliceStream, error) {
	sorted := slices.Clone(rows)
	for i := range sorted {
		if sorted[i].Fingerprint != "" {
			continue
		}
		fp, err := domain.Fingerprint(schema, sorted[i].Values)
		if err != nil {
			return nil, err
		}
		sorted[i].Fingerprint = fp
	}
	slices.SortStableFunc(sorted, func(a, b domain.SnapshotRow) int {
		return Compare(a.Key(schema), b.Key(schema))
	})
	return &SliceStream{rows: sorted}, nil
}

func (s *SliceStream) Next(ctx context.Context) (domain.SnapshotRow, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.SnapshotRow{}, false, err
	}
	if s.pos >= len(s.rows) {
		return domain.SnapshotRow{}, false, nil
	}
	row := s.rows[s.pos]
	s.pos++
	return row, true, nil
}

func (s *SliceStream) Close(context.Context) error { return nil }
