package domain

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state shared by runs and feed records.
type RunStatus string

const (
	StatusStarted RunStatus = "STARTED"
	StatusSuccess RunStatus = "SUCCESS"
	StatusFailed  RunStatus = "FAILED"
)

// IngestionRun is one execution of the pipeline for an as-of date.
type IngestionRun struct {
	ID           uuid.UUID  `json:"id"`
	AsOfDate     time.Time  `json:"asOfDate"`
	Status       RunStatus  `json:"status"`
	StartedAt    time.Time  `json:"startedAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	ErrorMessage *string    `json:"errorMessage,omitempty"`
}

// FeedRunRecord tracks one feed attempted within a run.
type FeedRunRecord struct {
	RunID        uuid.UUID  `json:"runId"`
	FeedName     FeedName   `json:"feedName"`
	SourceFile   string     `json:"sourceFile"`
	Status       RunStatus  `json:"status"`
	StagedRows   *int64     `json:"stagedRows,omitempty"`
	SnapshotRows *int64     `json:"snapshotRows,omitempty"`
	DeltaRows    *int64     `json:"deltaRows,omitempty"`
	StartedAt    time.Time  `json:"startedAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	ErrorMessage *string    `json:"errorMessage,omitempty"`
}

// FeedCounts are the observability counters recorded on feed success.
type FeedCounts struct {
	Staged   int64
	Snapshot int64
	Delta    int64
}

// RunFilter narrows the audit listing.
type RunFilter struct {
	From  *time.Time
	To    *time.Time
	Limit int
}
