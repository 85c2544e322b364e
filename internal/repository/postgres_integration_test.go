//go:build integration

package repository_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/rpattn/feeddelta/internal/db"
	"github.com/rpattn/feeddelta/internal/delta"
	"github.com/rpattn/feeddelta/internal/domain"
	"github.com/rpattn/feeddelta/internal/feed"
	"github.com/rpattn/feeddelta/internal/ingestion"
	"github.com/rpattn/feeddelta/internal/repository"
)

var conn *db.Connection

var (
	day1 = time.Date(2026, 1, 17, 0, 0, 0, 0, time.UTC)
	day2 = time.Date(2026, 1, 18, 0, 0, 0, 0, time.UTC)
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, cfg, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start postgres: %v\n", err)
		os.Exit(1)
	}

	conn, err = db.NewConnection(ctx, cfg, zap.NewNop())
	if err == nil {
		err = db.RunMigrations(conn.Pool, zap.NewNop())
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "prepare database: %v\n", err)
		_ = container.Terminate(ctx)
		os.Exit(1)
	}

	code := m.Run()
	conn.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func startPostgres(ctx context.Context) (testcontainers.Container, db.Config, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "feeddelta",
			"POSTGRES_PASSWORD": "feeddelta",
			"POSTGRES_DB":       "feeddelta",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, db.Config{}, err
	}
	host, err := container.Host(ctx)
	if err != nil {
		return container, db.Config{}, err
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return container, db.Config{}, err
	}
	portNum, _ := strconv.Atoi(port.Port())

	cfg := db.DefaultConfig()
	cfg.Host, cfg.Port = host, portNum
	cfg.User, cfg.Password, cfg.DBName = "feeddelta", "feeddelta", "feeddelta"
	return container, cfg, nil
}

func reset(t *testing.T) {
	t.Helper()
	err := pgx.BeginFunc(context.Background(), conn.Pool, func(tx pgx.Tx) error {
		tables := []string{"delta_event", "job_run_feed", "job_run"}
		for _, schema := range feed.Catalog() {
			tables = append(tables, schema.StagingTable, schema.SnapshotTable)
		}
		for _, table := range tables {
			if _, err := tx.Exec(context.Background(), "TRUNCATE "+pgx.Identifier{table}.Sanitize()+" CASCADE"); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

type fixture struct {
	dir    string
	runs   *repository.JobRunRepository
	deltas *repository.DeltaRepository
	orch   *ingestion.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reset(t)
	f := &fixture{
		dir:    t.TempDir(),
		runs:   repository.NewJobRunRepository(conn.Pool),
		deltas: repository.NewDeltaRepository(conn.Pool),
	}
	f.orch = ingestion.NewOrchestrator(
		feed.Default(),
		ingestion.Locator{InputDir: f.dir},
		ingestion.NewLoader(nil),
		repository.NewTxManager(conn.Pool),
		f.runs,
		delta.NewEngine(2),
		nil,
		ingestion.Options{EnabledFeeds: []domain.FeedName{domain.FeedLoanMaster}, FeedTimeout: time.Minute},
	)
	return f
}

func (f *fixture) file(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, name), []byte(content), 0o644))
}

func (f *fixture) events(t *testing.T, runID uuid.UUID, feedName domain.FeedName) []domain.DeltaRecord {
	t.Helper()
	var out []domain.DeltaRecord
	err := f.deltas.ListEvents(context.Background(), repository.DeltaQuery{RunID: runID, Feed: feedName}, func(rec domain.DeltaRecord) error {
		out = append(out, rec)
		return nil
	})
	require.NoError(t, err)
	return out
}

func snapshotCount(t *testing.T, schema domain.FeedName, asOf time.Time) int64 {
	t.Helper()
	def, err := feed.Default().Get(schema)
	require.NoError(t, err)
	var n int64
	err = pgx.BeginFunc(context.Background(), conn.Pool, func(tx pgx.Tx) error {
		var err error
		n, err = repository.NewSnapshotRepository(tx).CountSnapshot(context.Background(), def, asOf)
		return err
	})
	require.NoError(t, err)
	return n
}

func TestLoanDeltaAgainstPostgres(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.file(t, "loan_master_20260117.csv", "loan_id,principal_balance,status\nL1,100.00,OPEN\nL2,200.00,OPEN\n")
	f.file(t, "loan_master_20260118.csv", "loan_id,principal_balance,status\nL1,110.00,OPEN\nL3,\"999.99\",OPEN\n")

	_, err := f.orch.RunEnabled(ctx, day1)
	require.NoError(t, err)
	runID, err := f.orch.RunEnabled(ctx, day2)
	require.NoError(t, err)

	events := f.events(t, runID, domain.FeedLoanMaster)
	require.Len(t, events, 3)
	assert.Equal(t, domain.OpUpdate, events[0].Op)
	assert.JSONEq(t, `{"loan_id":"L1"}`, string(events[0].EntityKeyJSON))
	assert.JSONEq(t, `{"principal_balance":{"before":"100.00","after":"110.00"}}`, string(events[0].ChangedFieldsJSON))
	assert.Equal(t, domain.OpDelete, events[1].Op)
	assert.Nil(t, domain.JSONOrNil(events[1].AfterRowJSON))
	assert.Equal(t, domain.OpInsert, events[2].Op)
	assert.JSONEq(t, `{}`, string(events[2].ChangedFieldsJSON))

	counts, err := f.deltas.CountByOp(ctx, runID, domain.FeedLoanMaster)
	require.NoError(t, err)
	assert.Equal(t, map[domain.DeltaOp]int64{domain.OpInsert: 1, domain.OpUpdate: 1, domain.OpDelete: 1}, counts)

	feeds, err := f.runs.ListRunFeeds(ctx, runID)
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	assert.Equal(t, domain.StatusSuccess, feeds[0].Status)
	assert.EqualValues(t, 2, *feeds[0].StagedRows)
	assert.EqualValues(t, 2, *feeds[0].SnapshotRows)
	assert.EqualValues(t, 3, *feeds[0].DeltaRows)

	latest, err := f.runs.FindLatestSuccessfulRun(ctx, day2)
	require.NoError(t, err)
	assert.Equal(t, runID, latest)
}

func TestReingestPrunesAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.file(t, "loan_master_20260117.csv", "loan_id,principal_balance\nL1,100.00\nL2,200.00\nL2,201.00\n")
	_, err := f.orch.RunEnabled(ctx, day1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, snapshotCount(t, domain.FeedLoanMaster, day1))

	f.file(t, "loan_master_20260117.csv", "loan_id,principal_balance\nL2,201.00\n")
	_, err = f.orch.RunEnabled(ctx, day1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, snapshotCount(t, domain.FeedLoanMaster, day1))

	f.file(t, "loan_master_20260118.csv", "loan_id,principal_balance\nL2,201.00\n")
	runID, err := f.orch.RunEnabled(ctx, day2)
	require.NoError(t, err)
	assert.Empty(t, f.events(t, runID, domain.FeedLoanMaster))
}

func TestUpsertWithNothingStagedKeepsSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.file(t, "loan_master_20260117.csv", "loan_id,principal_balance\nL1,100.00\n")
	_, err := f.orch.RunEnabled(ctx, day1)
	require.NoError(t, err)

	def, err := feed.Default().Get(domain.FeedLoanMaster)
	require.NoError(t, err)
	err = pgx.BeginFunc(ctx, conn.Pool, func(tx pgx.Tx) error {
		_, err := repository.NewSnapshotRepository(tx).UpsertFromStaging(ctx, uuid.New(), def, day1)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.EqualValues(t, 1, snapshotCount(t, domain.FeedLoanMaster, day1))
}

func TestFailedFeedRollsBackRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.file(t, "loan_master_20260117.csv", "loan_id,principal_balance\nL1,100.00\n")
	f.file(t, "payment_transaction_20260117.csv", "transaction_id,amount\n,10.00\n")

	runID, err := f.orch.Run(ctx, day1, []domain.FeedName{domain.FeedLoanMaster, domain.FeedPaymentTransaction})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	run, err := f.runs.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, run.Status)

	feeds, err := f.runs.ListRunFeeds(ctx, runID)
	require.NoError(t, err)
	require.Len(t, feeds, 2)
	assert.Equal(t, domain.FeedLoanMaster, feeds[0].FeedName)
	assert.Equal(t, domain.StatusSuccess, feeds[0].Status)
	assert.Equal(t, domain.StatusFailed, feeds[1].Status)

	assert.Zero(t, snapshotCount(t, domain.FeedLoanMaster, day1))
	assert.Empty(t, f.events(t, runID, domain.FeedLoanMaster))
}

func TestJobRunLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, f.runs.StartRun(ctx, domain.IngestionRun{ID: id, AsOfDate: day1, StartedAt: time.Now().UTC()}))
	require.NoError(t, f.runs.FinishRun(ctx, id, domain.StatusSuccess, nil))
	assert.ErrorIs(t, f.runs.FinishRun(ctx, id, domain.StatusFailed, nil), domain.ErrAlreadyFinalized)

	_, err := f.runs.GetRun(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.runs.FindLatestSuccessfulRun(ctx, day2)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	from := day2
	runs, err := f.runs.ListRuns(ctx, domain.RunFilter{From: &from})
	require.NoError(t, err)
	assert.Empty(t, runs)
	runs, err = f.runs.ListRuns(ctx, domain.RunFilter{Limit: 1000})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.StatusSuccess, runs[0].Status)
}
