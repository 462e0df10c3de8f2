// Package pipeline drives the per-object extract, transform, validate,
// load state machine with checkpointed resume.
package pipeline

import (
	"context"
	"time"

	"github.com/stanstork/stratum-fabric/internal/mapping"
	"github.com/stanstork/stratum-fabric/internal/odata"
)

// Status is the terminal state of an object run or a whole run.
type Status string

const (
	StatusRunning             Status = "running"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusFailed              Status = "failed"
	StatusCancelled           Status = "cancelled"
	StatusSkipped             Status = "skipped"
)

// Load errors are truncated past this count; the counters keep the full
// totals.
const maxLoadErrors = 50

// DefaultBatchSize partitions records for loading when the run config
// does not set one.
const DefaultBatchSize = 500

// ExtractParams carries per-run extraction options down to the source.
type ExtractParams struct {
	MaxRecords int    `json:"maxRecords,omitempty"`
	CutoffDate string `json:"cutoffDate,omitempty"`
}

// Source produces the full record set for one object.
type Source interface {
	Extract(ctx context.Context, objectID string, params ExtractParams) ([]odata.Record, error)
}

// Target accepts one record per call; per-record failures are reported
// through the returned error.
type Target interface {
	Load(ctx context.Context, objectID string, record odata.Record) error
}

// ValidationRule checks one output record. A critical rule failure is
// terminal for the object.
type ValidationRule struct {
	Name     string
	Critical bool
	Check    func(record odata.Record) error
}

// ExtractResult captures the extract phase output.
type ExtractResult struct {
	RecordCount int            `json:"recordCount"`
	Records     []odata.Record `json:"records,omitempty"`
}

// TransformResult captures the transform phase output.
type TransformResult struct {
	RecordCount    int             `json:"recordCount"`
	Records        []odata.Record  `json:"records,omitempty"`
	MappingSummary mapping.Summary `json:"mappingSummary"`
}

// ValidateResult aggregates rule outcomes over the transformed records.
type ValidateResult struct {
	Status     Status   `json:"status"`
	ErrorCount int      `json:"errorCount"`
	Errors     []string `json:"errors,omitempty"`
}

// LoadError records one failed record submission.
type LoadError struct {
	Index      int    `json:"index"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode,omitempty"`
}

// LoadResult accounts for the load phase including partial failures.
type LoadResult struct {
	RecordCount  int         `json:"recordCount"`
	SuccessCount int         `json:"successCount"`
	ErrorCount   int         `json:"errorCount"`
	Errors       []LoadError `json:"errors,omitempty"`
}

// PhaseResults groups the four phase outputs of one object run.
type PhaseResults struct {
	Extract   ExtractResult   `json:"extract"`
	Transform TransformResult `json:"transform"`
	Validate  ValidateResult  `json:"validate"`
	Load      LoadResult      `json:"load"`
}

// Stats carries object-run timing.
type Stats struct {
	DurationMs int64     `json:"durationMs"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// ObjectResult is the run record for one migration object.
type ObjectResult struct {
	ObjectID string       `json:"objectId"`
	Status   Status       `json:"status"`
	Error    string       `json:"error,omitempty"`
	Phases   PhaseResults `json:"phases"`
	Stats    Stats        `json:"stats"`
}

// RunConfig is the orchestrator configuration for one run.
type RunConfig struct {
	RunID      string   `json:"runId,omitempty"`
	Objects    []string `json:"modules"`
	BatchSize  int      `json:"batchSize,omitempty"`
	MaxRecords int      `json:"maxRecords,omitempty"`
	FailFast   bool     `json:"failFast,omitempty"`
	CutoffDate string   `json:"cutoffDate,omitempty"`
}

// RunState is the checkpointed progress of a run.
type RunState struct {
	CompletedObjects []string       `json:"completedObjects"`
	FailedObjects    []string       `json:"failedObjects"`
	PendingObjects   []string       `json:"pendingObjects"`
	Results          []ObjectResult `json:"results"`
	StartedAt        time.Time      `json:"startedAt"`
	Config           RunConfig      `json:"config"`
}

// RunResult is the whole-run summary.
type RunResult struct {
	RunID     string         `json:"runId"`
	Status    Status         `json:"status"`
	Total     int            `json:"total"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	Objects   []ObjectResult `json:"objects"`
}
