package repository

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/jackc/pgx/v5"

	"github.com/rpattn/feeddelta/internal/domain"
)

const defaultFetchSize = 500

var cursorSeq atomic.Uint64

// cursor walks a server-side cursor in FETCH-sized pages. Several cursors can
// be open on one transaction at the same time.
type cursor struct {
	db     DBTX
	name   string
	fetch  int
	page   [][]any
	pos    int
	done   bool
	closed bool
	scan   func(rows pgx.Rows) ([]any, error)
}

// declareCursor opens a NO SCROLL cursor over query, which must already have
// its arguments interpolated.
func declareCursor(ctx context.Context, db DBTX, query string, scan func(pgx.Rows) ([]any, error)) (*cursor, error) {
	name := fmt.Sprintf("feeddelta_cur_%d", cursorSeq.Add(1))
	if _, err := db.Exec(ctx, fmt.Sprintf("DECLARE %s NO SCROLL CURSOR FOR %s", name, query)); err != nil {
		return nil, fmt.Errorf("%w: declare cursor: %w", domain.ErrStoreFailure, err)
	}
	return &cursor{db: db, name: name, fetch: defaultFetchSize, scan: scan}, nil
}

// next returns the next scanned record or false when the cursor is drained.
func (c *cursor) next(ctx context.Context) ([]any, bool, error) {
	if c.pos >= len(c.page) {
		if c.done {
			return nil, false, nil
		}
		if err := c.load(ctx); err != nil {
			return nil, false, err
		}
		if len(c.page) == 0 {
			return nil, false, nil
		}
	}
	rec := c.page[c.pos]
	c.pos++
	return rec, true, nil
}

func (c *cursor) load(ctx context.Context) error {
	rows, err := c.db.Query(ctx, fmt.Sprintf("FETCH FORWARD %d FROM %s", c.fetch, c.name))
	if err != nil {
		return fmt.Errorf("%w: fetch from cursor: %w", domain.ErrStoreFailure, err)
	}
	defer rows.Close()

	c.page = c.page[:0]
	c.pos = 0
	for rows.Next() {
		rec, err := c.scan(rows)
		if err != nil {
			return fmt.Errorf("%w: scan cursor row: %w", domain.ErrStoreFailure, err)
		}
		c.page = append(c.page, rec)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: iterate cursor: %w", domain.ErrStoreFailure, err)
	}
	if len(c.page) < c.fetch {
		c.done = true
	}
	return nil
}

func (c *cursor) close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	if _, err := c.db.Exec(ctx, "CLOSE "+c.name); err != nil {
		return fmt.Errorf("%w: close cursor: %w", domain.ErrStoreFailure, err)
	}
	return nil
}

// scanText scans n nullable text columns followed by extra destinations.
func scanText(n int, extra ...func() any) func(pgx.Rows) ([]any, error) {
	return func(rows pgx.Rows) ([]any, error) {
		values := make([]*string, n)
		dest := make([]any, 0, n+len(extra))
		for i := range values {
			dest = append(dest, &values[i])
		}
		for _, mk := range extra {
			dest = append(dest, mk())
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		out := make([]any, 0, n+len(extra))
		for _, v := range values {
			out = append(out, v)
		}
		return append(out, dest[n:]...), nil
	}
}
