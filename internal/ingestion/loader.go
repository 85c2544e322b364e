package ingestion

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/rpattn/feeddelta/internal/domain"
)

const readBufferSize = 64 << 10

// Copier runs a COPY ... FROM STDIN statement fed by r and returns the number
// of rows copied.
type Copier interface {
	CopyFrom(ctx context.Context, r io.Reader, sql string) (int64, error)
}

// Loader streams feed files into their staging tables.
type Loader struct {
	logger *zap.Logger
}

// NewLoader creates a loader.
func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{logger: logger}
}

// LoadIntoStaging copies the file at path into the schema's staging table,
// tagging every row with runID, asOf and the file's base name.
func (l *Loader) LoadIntoStaging(
	ctx context.Context,
	copier Copier,
	runID uuid.UUID,
	asOf time.Time,
	schema domain.FeedSchema,
	path string,
) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %w", domain.ErrMissingInput, path, err)
	}
	defer file.Close()

	src := bufio.NewReaderSize(file, readBufferSize)
	header, rawHeaders, err := ReadHeader(src)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	columns, err := schema.MapHeaders(rawHeaders)
	if err != nil {
		return 0, err
	}
	ok, err := hasDataLine(src)
	if err != nil {
		return 0, fmt.Errorf("%w: read %s: %w", domain.ErrInvalidInput, path, err)
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s has a header but no data rows", domain.ErrInvalidInput, filepath.Base(path))
	}

	sourceFile := filepath.Base(path)
	stream := NewPrefixReader(src, header, runID, asOf, sourceFile)
	defer stream.Close()

	start := time.Now()
	rows, err := copier.CopyFrom(ctx, stream, CopySQL(schema.StagingTable, columns))
	if err != nil {
		return 0, fmt.Errorf("%w: copy %s into %s: %w", domain.ErrStoreFailure, sourceFile, schema.StagingTable, err)
	}
	if rows == 0 {
		return 0, fmt.Errorf("%w: %s has a header but no data rows", domain.ErrInvalidInput, sourceFile)
	}

	l.logger.Debug("staged feed file",
		zap.String("feed", string(schema.Name)),
		zap.String("file", sourceFile),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", time.Since(start)),
	)
	return rows, nil
}

// CopySQL builds the COPY statement loading a prefixed stream into table.
func CopySQL(table string, columns []string) string {
	all := append([]string{domain.ColumnJobRunID, domain.ColumnAsOfDate, domain.ColumnSourceFile}, columns...)
	quoted := make([]string, len(all))
	for i, col := range all {
		quoted[i] = pgx.Identifier{col}.Sanitize()
	}
	return fmt.Sprintf(
		`COPY %s (%s) FROM STDIN WITH (FORMAT csv, HEADER true, QUOTE '"', ESCAPE '"')`,
		pgx.Identifier{table}.Sanitize(),
		strings.Join(quoted, ", "),
	)
}
