// Package export renders the delta events of a run as CSV or XLSX.
package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/rpattn/feeddelta/internal/domain"
	"github.com/rpattn/feeddelta/internal/feed"
	"github.com/rpattn/feeddelta/internal/repository"
)

// Format is an export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

const sheetName = "delta"

// Columns is the header row of every export.
var Columns = []string{"feed_name", "op", "entity_key", "changed_fields", "before_row", "after_row"}

// ParseFormat resolves a format name; blank means CSV.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	}
	return "", fmt.Errorf("%w: unsupported export format %q", domain.ErrInvalidInput, raw)
}

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

// RunLookup finds the run whose events are exported.
type RunLookup interface {
	GetRun(ctx context.Context, id uuid.UUID) (domain.IngestionRun, error)
	FindLatestSuccessfulRun(ctx context.Context, asOf time.Time) (uuid.UUID, error)
}

// EventReader streams persisted delta events.
type EventReader interface {
	ListEvents(ctx context.Context, q repository.DeltaQuery, fn func(domain.DeltaRecord) error) error
}

// Request selects the events to export. A nil RunID selects the latest
// successful run for AsOf.
type Request struct {
	AsOf   time.Time
	Feed   domain.FeedName
	RunID  uuid.UUID
	Format Format
}

// FileName is the suggested download name.
func (r Request) FileName() string {
	return fmt.Sprintf("delta_%s_%s.%s", strings.ToLower(string(r.Feed)), r.AsOf.Format(domain.FileDateLayout), r.Format)
}

// Service exports delta events.
type Service struct {
	registry *feed.Registry
	runs     RunLookup
	events   EventReader
	logger   *zap.Logger
}

// NewService creates an export service.
func NewService(registry *feed.Registry, runs RunLookup, events EventReader, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{registry: registry, runs: runs, events: events, logger: logger}
}

// Resolve validates req and returns the run id to export.
func (s *Service) Resolve(ctx context.Context, req Request) (uuid.UUID, error) {
	if _, err := s.registry.Get(req.Feed); err != nil {
		return uuid.Nil, fmt.Errorf("%w: unknown feed %s", domain.ErrInvalidInput, req.Feed)
	}
	if req.RunID == uuid.Nil {
		return s.runs.FindLatestSuccessfulRun(ctx, req.AsOf)
	}
	run, err := s.runs.GetRun(ctx, req.RunID)
	if err != nil {
		return uuid.Nil, err
	}
	if !run.AsOfDate.Equal(req.AsOf) {
		return uuid.Nil, fmt.Errorf("%w: run %s is for %s, not %s", domain.ErrInvalidInput,
			run.ID, run.AsOfDate.Format(time.DateOnly), req.AsOf.Format(time.DateOnly))
	}
	return run.ID, nil
}

// Write streams the events of runID for feed to w in format and returns the
// number of data rows written.
func (s *Service) Write(ctx context.Context, w io.Writer, runID uuid.UUID, feed domain.FeedName, format Format) (int, error) {
	start := time.Now()
	var (
		rows int
		err  error
	)
	if format == FormatXLSX {
		rows, err = s.writeXLSX(ctx, w, runID, feed)
	} else {
		rows, err = s.writeCSV(ctx, w, runID, feed)
	}
	if err != nil {
		return rows, err
	}
	s.logger.Debug("exported delta",
		zap.String("run_id", runID.String()),
		zap.String("feed", string(feed)),
		zap.String("format", string(format)),
		zap.Int("rows", rows),
		zap.Duration("elapsed", time.Since(start)),
	)
	return rows, nil
}

func (s *Service) writeCSV(ctx context.Context, w io.Writer, runID uuid.UUID, feed domain.FeedName) (int, error) {
	buffered := bufio.NewWriterSize(w, 64<<10)
	csvWriter := csv.NewWriter(buffered)
	if err := csvWriter.Write(Columns); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	rows := 0
	err := s.events.ListEvents(ctx, repository.DeltaQuery{RunID: runID, Feed: feed}, func(rec domain.DeltaRecord) error {
		rows++
		return csvWriter.Write(record(rec))
	})
	if err != nil {
		return rows, err
	}
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return rows, fmt.Errorf("flush csv: %w", err)
	}
	if err := buffered.Flush(); err != nil {
		return rows, fmt.Errorf("flush buffered csv: %w", err)
	}
	return rows, nil
}

func (s *Service) writeXLSX(ctx context.Context, w io.Writer, runID uuid.UUID, feed domain.FeedName) (int, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return 0, fmt.Errorf("rename sheet: %w", err)
	}
	sw, err := f.NewStreamWriter(sheetName)
	if err != nil {
		return 0, fmt.Errorf("create stream writer: %w", err)
	}
	if err := sw.SetRow("A1", cells(Columns)); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	rows := 0
	err = s.events.ListEvents(ctx, repository.DeltaQuery{RunID: runID, Feed: feed}, func(rec domain.DeltaRecord) error {
		rows++
		cell, err := excelize.CoordinatesToCellName(1, rows+1)
		if err != nil {
			return err
		}
		return sw.SetRow(cell, cells(record(rec)))
	})
	if err != nil {
		return rows, err
	}
	if err := sw.Flush(); err != nil {
		return rows, fmt.Errorf("flush sheet: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return rows, fmt.Errorf("write workbook: %w", err)
	}
	return rows, nil
}

func record(rec domain.DeltaRecord) []string {
	return []string{
		string(rec.FeedName),
		string(rec.Op),
		text(rec.EntityKeyJSON),
		text(rec.ChangedFieldsJSON),
		text(rec.BeforeRowJSON),
		text(rec.AfterRowJSON),
	}
}

func text(raw []byte) string {
	if v := domain.JSONOrNil(raw); v != nil {
		return *v
	}
	return ""
}

func cells(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
