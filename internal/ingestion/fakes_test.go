package ingestion

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/feeddelta/internal/delta"
	"github.com/rpattn/feeddelta/internal/domain"
	"github.com/rpattn/feeddelta/internal/repository"
)

type stagedRow struct {
	runID      string
	asOf       string
	sourceFile string
	values     domain.Row
}

type memState struct {
	staging   map[string][]stagedRow
	snapshots map[string]map[string]map[string]domain.SnapshotRow
	deltas    []domain.DeltaEvent
}

func newMemState() *memState {
	return &memState{
		staging:   map[string][]stagedRow{},
		snapshots: map[string]map[string]map[string]domain.SnapshotRow{},
	}
}

func (s *memState) clone() *memState {
	out := newMemState()
	for table, rows := range s.staging {
		out.staging[table] = append([]stagedRow(nil), rows...)
	}
	for table, days := range s.snapshots {
		out.snapshots[table] = map[string]map[string]domain.SnapshotRow{}
		for day, rows := range days {
			copied := make(map[string]domain.SnapshotRow, len(rows))
			for k, v := range rows {
				copied[k] = v
			}
			out.snapshots[table][day] = copied
		}
	}
	out.deltas = append([]domain.DeltaEvent(nil), s.deltas...)
	return out
}

// memDB is an in-memory stand-in for the Postgres unit of work.
type memDB struct {
	mu        sync.Mutex
	state     *memState
	copyErr   map[string]error
	begun     int
	committed int
}

func newMemDB() *memDB {
	return &memDB{state: newMemState(), copyErr: map[string]error{}}
}

func (db *memDB) Begin(context.Context) (repository.UnitOfWork, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.begun++
	return &memUnit{db: db, state: db.state.clone()}, nil
}

func (db *memDB) snapshot(table string, day time.Time) map[string]domain.SnapshotRow {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.state.snapshots[table][day.Format(time.DateOnly)]
}

func (db *memDB) events(runID uuid.UUID) []domain.DeltaEvent {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []domain.DeltaEvent
	for _, ev := range db.state.deltas {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out
}

func (db *memDB) stagedRows(table string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.state.staging[table])
}

type memUnit struct {
	db     *memDB
	parent *memUnit
	state  *memState
	closed bool
}

func (u *memUnit) Snapshots() repository.SnapshotStore { return &memSnapshots{u: u} }

func (u *memUnit) Deltas() repository.DeltaStore { return &memDeltas{u: u} }

var copyPattern = regexp.MustCompile(`^COPY "(\w+)" \(([^)]*)\) FROM STDIN`)

func (u *memUnit) CopyFrom(_ context.Context, r io.Reader, sql string) (int64, error) {
	m := copyPattern.FindStringSubmatch(sql)
	if m == nil {
		return 0, fmt.Errorf("unexpected copy statement %q", sql)
	}
	table := m[1]
	if err := u.db.copyErr[table]; err != nil {
		return 0, err
	}
	var cols []string
	for _, c := range strings.Split(m[2], ",") {
		cols = append(cols, strings.Trim(strings.TrimSpace(c), `"`))
	}

	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, errors.New("copy stream has no header")
	}
	var n int64
	for _, rec := range records[1:] {
		if len(rec) != len(cols) {
			return 0, fmt.Errorf("row has %d fields, want %d", len(rec), len(cols))
		}
		row := stagedRow{runID: rec[0], asOf: rec[1], sourceFile: rec[2], values: domain.Row{}}
		for i, col := range cols[3:] {
			v := rec[i+3]
			if v == "" {
				row.values[col] = nil
				continue
			}
			row.values[col] = &v
		}
		u.state.staging[table] = append(u.state.staging[table], row)
		n++
	}
	return n, nil
}

func (u *memUnit) Savepoint(context.Context) (repository.UnitOfWork, error) {
	return &memUnit{db: u.db, parent: u, state: u.state.clone()}, nil
}

func (u *memUnit) Commit(context.Context) error {
	if u.closed {
		return errors.New("unit already closed")
	}
	u.closed = true
	if u.parent != nil {
		u.parent.state = u.state
		return nil
	}
	u.db.mu.Lock()
	defer u.db.mu.Unlock()
	u.db.state = u.state
	u.db.committed++
	return nil
}

func (u *memUnit) Rollback(context.Context) error {
	u.closed = true
	return nil
}

type memSnapshots struct{ u *memUnit }

func keyString(key []*string) string {
	parts := make([]string, len(key))
	for i, k := range key {
		if k != nil {
			parts[i] = *k
		}
	}
	return strings.Join(parts, "\x00")
}

func (s *memSnapshots) TruncateStaging(_ context.Context, runID uuid.UUID, schema domain.FeedSchema, asOf time.Time) error {
	rows := s.u.state.staging[schema.StagingTable]
	kept := rows[:0:0]
	for _, r := range rows {
		if r.runID != runID.String() || r.asOf != asOf.Format(time.DateOnly) {
			kept = append(kept, r)
		}
	}
	s.u.state.staging[schema.StagingTable] = kept
	return nil
}

func (s *memSnapshots) CountStaged(_ context.Context, runID uuid.UUID, schema domain.FeedSchema, asOf time.Time) (int64, error) {
	var n int64
	for _, r := range s.u.state.staging[schema.StagingTable] {
		if r.runID == runID.String() && r.asOf == asOf.Format(time.DateOnly) {
			n++
		}
	}
	return n, nil
}

func (s *memSnapshots) CountSnapshot(_ context.Context, schema domain.FeedSchema, asOf time.Time) (int64, error) {
	return int64(len(s.u.state.snapshots[schema.SnapshotTable][asOf.Format(time.DateOnly)])), nil
}

func (s *memSnapshots) UpsertFromStaging(_ context.Context, runID uuid.UUID, schema domain.FeedSchema, asOf time.Time) (int64, error) {
	day := asOf.Format(time.DateOnly)
	fresh := map[string]domain.SnapshotRow{}
	for _, r := range s.u.state.staging[schema.StagingTable] {
		if r.runID != runID.String() || r.asOf != day {
			continue
		}
		row := domain.SnapshotRow{AsOfDate: asOf, Values: r.values, SourceFile: r.sourceFile, IngestedAt: time.Now()}
		for i, v := range row.Key(schema) {
			if v == nil {
				return 0, fmt.Errorf("%w: empty primary key column %s", domain.ErrInvalidInput, schema.PrimaryKey[i])
			}
		}
		fp, err := domain.Fingerprint(schema, r.values)
		if err != nil {
			return 0, err
		}
		row.Fingerprint = fp
		fresh[keyString(row.Key(schema))] = row
	}
	if len(fresh) == 0 {
		return 0, fmt.Errorf("%w: no staged rows", domain.ErrInvalidInput)
	}
	if s.u.state.snapshots[schema.SnapshotTable] == nil {
		s.u.state.snapshots[schema.SnapshotTable] = map[string]map[string]domain.SnapshotRow{}
	}
	s.u.state.snapshots[schema.SnapshotTable][day] = fresh
	return int64(len(fresh)), nil
}

func (s *memSnapshots) DeleteStaging(_ context.Context, runID uuid.UUID, schema domain.FeedSchema) error {
	rows := s.u.state.staging[schema.StagingTable]
	kept := rows[:0:0]
	for _, r := range rows {
		if r.runID != runID.String() {
			kept = append(kept, r)
		}
	}
	s.u.state.staging[schema.StagingTable] = kept
	return nil
}

func (s *memSnapshots) OpenSnapshot(_ context.Context, schema domain.FeedSchema, asOf time.Time) (delta.RowStream, error) {
	var rows []domain.SnapshotRow
	for _, r := range s.u.state.snapshots[schema.SnapshotTable][asOf.Format(time.DateOnly)] {
		rows = append(rows, r)
	}
	return delta.NewSliceStream(schema, rows)
}

type memDeltas struct{ u *memUnit }

func (d *memDeltas) Discard(_ context.Context, runID uuid.UUID, feed domain.FeedName) error {
	kept := d.u.state.deltas[:0:0]
	for _, ev := range d.u.state.deltas {
		if ev.RunID != runID || ev.FeedName != feed {
			kept = append(kept, ev)
		}
	}
	d.u.state.deltas = kept
	return nil
}

func (d *memDeltas) Write(_ context.Context, events []domain.DeltaEvent) error {
	d.u.state.deltas = append(d.u.state.deltas, events...)
	return nil
}

func (d *memDeltas) ListEvents(_ context.Context, q repository.DeltaQuery, fn func(domain.DeltaRecord) error) error {
	for _, ev := range d.u.state.deltas {
		if ev.RunID != q.RunID || (q.Feed != "" && ev.FeedName != q.Feed) {
			continue
		}
		key, _ := json.Marshal(ev.EntityKey)
		changed, _ := json.Marshal(ev.ChangedFields)
		if err := fn(domain.DeltaRecord{FeedName: ev.FeedName, Op: ev.Op, EntityKeyJSON: key, ChangedFieldsJSON: changed}); err != nil {
			return err
		}
	}
	return nil
}

// memAudit records lifecycle writes outside any unit of work.
type memAudit struct {
	mu            sync.Mutex
	runs          map[uuid.UUID]*domain.IngestionRun
	feeds         []*domain.FeedRunRecord
	finishFeedErr error
}

func newMemAudit() *memAudit {
	return &memAudit{runs: map[uuid.UUID]*domain.IngestionRun{}}
}

func (a *memAudit) StartRun(_ context.Context, run domain.IngestionRun) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runs[run.ID] = &run
	return nil
}

func (a *memAudit) FinishRun(_ context.Context, id uuid.UUID, status domain.RunStatus, errMsg *string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	run, ok := a.runs[id]
	if !ok || run.Status != domain.StatusStarted {
		return domain.ErrAlreadyFinalized
	}
	now := time.Now()
	run.Status, run.FinishedAt, run.ErrorMessage = status, &now, errMsg
	return nil
}

func (a *memAudit) StartFeed(_ context.Context, rec domain.FeedRunRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.feeds = append(a.feeds, &rec)
	return nil
}

func (a *memAudit) FinishFeed(_ context.Context, runID uuid.UUID, feed domain.FeedName, status domain.RunStatus, counts *domain.FeedCounts, errMsg *string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finishFeedErr != nil {
		return a.finishFeedErr
	}
	for _, rec := range a.feeds {
		if rec.RunID != runID || rec.FeedName != feed {
			continue
		}
		if rec.Status != domain.StatusStarted {
			return domain.ErrAlreadyFinalized
		}
		now := time.Now()
		rec.Status, rec.FinishedAt, rec.ErrorMessage = status, &now, errMsg
		if counts != nil && status == domain.StatusSuccess {
			staged, snap, dl := counts.Staged, counts.Snapshot, counts.Delta
			rec.StagedRows, rec.SnapshotRows, rec.DeltaRows = &staged, &snap, &dl
		}
		return nil
	}
	return domain.ErrAlreadyFinalized
}

func (a *memAudit) run(id uuid.UUID) domain.IngestionRun {
	a.mu.Lock()
	defer a.mu.Unlock()
	return *a.runs[id]
}

func (a *memAudit) feedsOf(id uuid.UUID) []domain.FeedRunRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.FeedRunRecord
	for _, rec := range a.feeds {
		if rec.RunID == id {
			out = append(out, *rec)
		}
	}
	return out
}

type recordingPublisher struct {
	calls [][]domain.FeedName
	err   error
}

func (p *recordingPublisher) PublishRun(_ context.Context, _ uuid.UUID, feeds []domain.FeedName) error {
	p.calls = append(p.calls, feeds)
	return p.err
}
