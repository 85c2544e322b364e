package ingestion

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rpattn/feeddelta/internal/delta"
	"github.com/rpattn/feeddelta/internal/domain"
	"github.com/rpattn/feeddelta/internal/feed"
	"github.com/rpattn/feeddelta/internal/metrics"
	"github.com/rpattn/feeddelta/internal/repository"
)

// Publisher forwards the delta events of a committed run downstream.
type Publisher interface {
	PublishRun(ctx context.Context, runID uuid.UUID, feeds []domain.FeedName) error
}

// Options tune an Orchestrator.
type Options struct {
	// EnabledFeeds is used by RunEnabled.
	EnabledFeeds []domain.FeedName
	// FeedTimeout bounds the staged work of one feed; zero disables it.
	FeedTimeout time.Duration
}

// Orchestrator drives runs: for each feed it locates the file, stages it,
// folds it into the snapshot, generates the delta and cleans up staging.
//
// All business writes of a run share one transaction with a savepoint per
// feed. Audit writes go through their own repository and commit immediately.
// Two runs for the same date are not serialized; callers must do that.
type Orchestrator struct {
	registry  *feed.Registry
	locator   Locator
	loader    *Loader
	txm       repository.TxBeginner
	audit     repository.AuditRepository
	engine    delta.Engine
	publisher Publisher
	logger    *zap.Logger
	opts      Options

	now   func() time.Time
	newID func() uuid.UUID
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(
	registry *feed.Registry,
	locator Locator,
	loader *Loader,
	txm repository.TxBeginner,
	audit repository.AuditRepository,
	engine delta.Engine,
	logger *zap.Logger,
	opts Options,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		registry: registry,
		locator:  locator,
		loader:   loader,
		txm:      txm,
		audit:    audit,
		engine:   engine,
		logger:   logger,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.New,
	}
}

// WithPublisher sets the publisher notified after each successful run.
func (o *Orchestrator) WithPublisher(p Publisher) *Orchestrator {
	o.publisher = p
	return o
}

// EnabledFeeds returns the feeds RunEnabled processes.
func (o *Orchestrator) EnabledFeeds() []domain.FeedName {
	return append([]domain.FeedName(nil), o.opts.EnabledFeeds...)
}

// RunEnabled runs the configured enabled feeds.
func (o *Orchestrator) RunEnabled(ctx context.Context, asOf time.Time) (uuid.UUID, error) {
	return o.Run(ctx, asOf, o.opts.EnabledFeeds)
}

// Run ingests feeds for asOf in registry declaration order and returns the
// run id. The id is also returned on failure so the audit trail can be
// inspected. The first failing feed aborts the run and rolls back every
// business write of the run.
func (o *Orchestrator) Run(ctx context.Context, asOf time.Time, feeds []domain.FeedName) (uuid.UUID, error) {
	schemas, err := o.resolve(feeds)
	if err != nil {
		return uuid.Nil, err
	}
	asOf = time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, time.UTC)

	runID := o.newID()
	log := o.logger.With(zap.String("run_id", runID.String()), zap.String("as_of", asOf.Format(time.DateOnly)))
	auditCtx := context.WithoutCancel(ctx)

	run := domain.IngestionRun{ID: runID, AsOfDate: asOf, Status: domain.StatusStarted, StartedAt: o.now()}
	if err := o.audit.StartRun(auditCtx, run); err != nil {
		return uuid.Nil, err
	}
	log.Info("run started", zap.Int("feeds", len(schemas)))

	if err := o.runFeeds(ctx, log, runID, asOf, schemas); err != nil {
		msg := err.Error()
		if auditErr := o.audit.FinishRun(auditCtx, runID, domain.StatusFailed, &msg); auditErr != nil {
			err = errors.Join(err, auditErr)
		}
		metrics.RunsTotal.WithLabelValues(string(domain.StatusFailed)).Inc()
		log.Error("run failed", zap.Error(err))
		return runID, err
	}

	if err := o.audit.FinishRun(auditCtx, runID, domain.StatusSuccess, nil); err != nil {
		return runID, err
	}
	metrics.RunsTotal.WithLabelValues(string(domain.StatusSuccess)).Inc()
	log.Info("run succeeded")

	if o.publisher != nil {
		names := make([]domain.FeedName, len(schemas))
		for i, s := range schemas {
			names[i] = s.Name
		}
		if err := o.publisher.PublishRun(auditCtx, runID, names); err != nil {
			log.Warn("failed to publish delta events", zap.Error(err))
		}
	}
	return runID, nil
}

func (o *Orchestrator) resolve(feeds []domain.FeedName) ([]domain.FeedSchema, error) {
	raw := make([]string, len(feeds))
	for i, f := range feeds {
		raw[i] = string(f)
	}
	names, err := o.registry.Parse(raw)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no feeds requested", domain.ErrInvalidInput)
	}
	schemas := make([]domain.FeedSchema, 0, len(names))
	for _, name := range names {
		schema, err := o.registry.Get(name)
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, schema)
	}
	return schemas, nil
}

func (o *Orchestrator) runFeeds(ctx context.Context, log *zap.Logger, runID uuid.UUID, asOf time.Time, schemas []domain.FeedSchema) error {
	uow, err := o.txm.Begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if err := uow.Rollback(context.WithoutCancel(ctx)); err != nil {
			log.Warn("failed to roll back run transaction", zap.Error(err))
		}
	}()

	prevDate := asOf.AddDate(0, 0, -1)
	for _, schema := range schemas {
		if err := o.runFeed(ctx, log.With(zap.String("feed", string(schema.Name))), uow, runID, schema, asOf, prevDate); err != nil {
			return err
		}
	}

	if err := uow.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (o *Orchestrator) runFeed(
	ctx context.Context,
	log *zap.Logger,
	uow repository.UnitOfWork,
	runID uuid.UUID,
	schema domain.FeedSchema,
	asOf, prevDate time.Time,
) error {
	started := time.Now()
	auditCtx := context.WithoutCancel(ctx)
	feedLabel := string(schema.Name)

	path, err := o.locator.Locate(schema, asOf)
	if err != nil {
		metrics.FeedsTotal.WithLabelValues(feedLabel, string(domain.StatusFailed)).Inc()
		return fmt.Errorf("feed %s: %w", schema.Name, err)
	}

	rec := domain.FeedRunRecord{
		RunID:      runID,
		FeedName:   schema.Name,
		SourceFile: filepath.Base(path),
		Status:     domain.StatusStarted,
		StartedAt:  o.now(),
	}
	if err := o.audit.StartFeed(auditCtx, rec); err != nil {
		return err
	}

	counts, err := o.processFeed(ctx, log, uow, runID, schema, asOf, prevDate, path)
	metrics.FeedDuration.WithLabelValues(feedLabel).Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.FeedsTotal.WithLabelValues(feedLabel, string(domain.StatusFailed)).Inc()
		msg := err.Error()
		if auditErr := o.audit.FinishFeed(auditCtx, runID, schema.Name, domain.StatusFailed, nil, &msg); auditErr != nil {
			err = errors.Join(err, auditErr)
		}
		log.Error("feed failed", zap.Error(err))
		return fmt.Errorf("feed %s: %w", schema.Name, err)
	}

	if err := o.audit.FinishFeed(auditCtx, runID, schema.Name, domain.StatusSuccess, &counts, nil); err != nil {
		return err
	}
	metrics.FeedsTotal.WithLabelValues(feedLabel, string(domain.StatusSuccess)).Inc()
	metrics.DeltaEventsTotal.WithLabelValues(feedLabel).Add(float64(counts.Delta))
	log.Info("feed succeeded",
		zap.Int64("staged_rows", counts.Staged),
		zap.Int64("snapshot_rows", counts.Snapshot),
		zap.Int64("delta_rows", counts.Delta),
		zap.Duration("elapsed", time.Since(started)),
	)
	return nil
}

// processFeed runs the staged work of one feed inside a savepoint. On error
// the savepoint is rolled back and staging cleanup is attempted.
func (o *Orchestrator) processFeed(
	ctx context.Context,
	log *zap.Logger,
	uow repository.UnitOfWork,
	runID uuid.UUID,
	schema domain.FeedSchema,
	asOf, prevDate time.Time,
	path string,
) (domain.FeedCounts, error) {
	if o.opts.FeedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.FeedTimeout)
		defer cancel()
	}

	sp, err := uow.Savepoint(ctx)
	if err != nil {
		return domain.FeedCounts{}, err
	}

	counts, err := o.stages(ctx, sp, runID, schema, asOf, prevDate, path)
	if err != nil {
		cleanupCtx := context.WithoutCancel(ctx)
		if rbErr := sp.Rollback(cleanupCtx); rbErr != nil {
			log.Warn("failed to roll back feed savepoint", zap.Error(rbErr))
		} else if delErr := uow.Snapshots().DeleteStaging(cleanupCtx, runID, schema); delErr != nil {
			log.Warn("failed to clean up staging", zap.Error(delErr))
		}
		return domain.FeedCounts{}, err
	}
	if err := sp.Commit(ctx); err != nil {
		return domain.FeedCounts{}, err
	}
	return counts, nil
}

func (o *Orchestrator) stages(
	ctx context.Context,
	uow repository.UnitOfWork,
	runID uuid.UUID,
	schema domain.FeedSchema,
	asOf, prevDate time.Time,
	path string,
) (domain.FeedCounts, error) {
	snapshots := uow.Snapshots()

	if err := snapshots.TruncateStaging(ctx, runID, schema, asOf); err != nil {
		return domain.FeedCounts{}, err
	}
	copied, err := o.loader.LoadIntoStaging(ctx, uow, runID, asOf, schema, path)
	if err != nil {
		return domain.FeedCounts{}, err
	}
	metrics.StagedRowsTotal.WithLabelValues(string(schema.Name)).Add(float64(copied))

	staged, err := snapshots.CountStaged(ctx, runID, schema, asOf)
	if err != nil {
		return domain.FeedCounts{}, err
	}
	if _, err := snapshots.UpsertFromStaging(ctx, runID, schema, asOf); err != nil {
		return domain.FeedCounts{}, err
	}
	snapshotRows, err := snapshots.CountSnapshot(ctx, schema, asOf)
	if err != nil {
		return domain.FeedCounts{}, err
	}
	events, err := o.engine.Generate(ctx, runID, schema, asOf, prevDate, snapshots, uow.Deltas())
	if err != nil {
		return domain.FeedCounts{}, err
	}
	if err := snapshots.DeleteStaging(ctx, runID, schema); err != nil {
		return domain.FeedCounts{}, err
	}

	return domain.FeedCounts{Staged: staged, Snapshot: snapshotRows, Delta: int64(events)}, nil
}
