// Package reconcile compares source and target record sets after a load
// and produces a multi-check report with pass/warn/fail verdicts.
package reconcile

// Status is the verdict of a single check.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusWarning Status = "warning"
	StatusFailed  Status = "failed"
)

// Overall summary verdicts, derived as the max over check statuses.
const (
	SummaryPassed       = "PASSED"
	SummaryWithWarnings = "PASSED_WITH_WARNINGS"
	SummaryFailed       = "FAILED"
)

// Check types.
const (
	CheckRecordCount      = "record_count"
	CheckKeyCoverage      = "key_coverage"
	CheckAggregate        = "aggregate_value"
	CheckFieldSample      = "field_sample"
	CheckDuplicates       = "target_duplicates"
	CheckNullCompleteness = "null_completeness"
)

// Check is the result of one comparison between source and target.
type Check struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Status Status `json:"status"`

	SourceCount int `json:"sourceCount,omitempty"`
	TargetCount int `json:"targetCount,omitempty"`
	Difference  int `json:"difference,omitempty"`

	MissingKeys     int      `json:"missingKeys,omitempty"`
	MissingExamples []string `json:"missingExamples,omitempty"`

	Field          string  `json:"field,omitempty"`
	SourceSum      float64 `json:"sourceSum,omitempty"`
	TargetSum      float64 `json:"targetSum,omitempty"`
	Variance       float64 `json:"variance,omitempty"`
	SampleSize     int     `json:"sampleSize,omitempty"`
	Mismatches     int     `json:"mismatches,omitempty"`
	DuplicateCount int     `json:"duplicateCount,omitempty"`
	NullCount      int     `json:"nullCount,omitempty"`
	NullRate       float64 `json:"nullRate,omitempty"`

	Message string `json:"message,omitempty"`
}

// Summary aggregates check outcomes for one object.
type Summary struct {
	Status   string `json:"status"`
	Total    int    `json:"total"`
	Passed   int    `json:"passed"`
	Warnings int    `json:"warnings"`
	Failed   int    `json:"failed"`
}

// Report is the reconciliation result for one migration object.
type Report struct {
	ObjectID string  `json:"objectId"`
	Checks   []Check `json:"checks"`
	Summary  Summary `json:"summary"`
}

// Tolerances configures verdict thresholds. Overrides is a free-form map
// consulted by name before the typed fields.
type Tolerances struct {
	Amount     float64            `json:"amount"`
	Count      float64            `json:"count"`
	Percentage float64            `json:"percentage"`
	Overrides  map[string]float64 `json:"overrides,omitempty"`
}

// DefaultTolerances returns conservative defaults: exact counts, one cent
// of aggregate drift, one percent otherwise.
func DefaultTolerances() Tolerances {
	return Tolerances{Amount: 0.01, Count: 0, Percentage: 1.0}
}

func (t Tolerances) amountFor(field string) float64 {
	if v, ok := t.Overrides[field]; ok {
		return v
	}
	return t.Amount
}

// Spec names the fields driving a reconciliation: composite key fields,
// value fields for sampling, and numeric fields for aggregate comparison.
type Spec struct {
	ObjectID   string   `json:"objectId"`
	KeyFields  []string `json:"keyFields"`
	Values     []string `json:"valueFields"`
	Aggregates []string `json:"aggregateFields"`
}
