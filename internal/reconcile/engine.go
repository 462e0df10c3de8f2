package reconcile

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-fabric/internal/odata"
)

const (
	maxSampleSize      = 50
	maxMissingExamples = 5

	sampleWarnLimit = 3 // mismatches above this fail the sample check

	nullPassRate = 0.05
	nullWarnRate = 0.15
)

// Engine runs the reconciliation checks with configured tolerances.
type Engine struct {
	tol    Tolerances
	logger zerolog.Logger
}

func NewEngine(tol Tolerances, logger zerolog.Logger) *Engine {
	return &Engine{
		tol:    tol,
		logger: logger.With().Str("component", "reconcile").Logger(),
	}
}

// Reconcile compares one object's source and target record sets and
// produces the full check report.
func (e *Engine) Reconcile(spec Spec, source, target []odata.Record) Report {
	targetByKey := indexByKey(target, spec.KeyFields)

	checks := []Check{
		e.recordCount(source, target),
		e.keyCoverage(spec, source, targetByKey),
	}
	for _, field := range spec.Aggregates {
		checks = append(checks, e.aggregate(field, source, target))
	}
	checks = append(checks,
		e.fieldSample(spec, source, targetByKey),
		e.duplicates(spec, target),
		e.nullCompleteness(spec, target),
	)

	report := Report{
		ObjectID: spec.ObjectID,
		Checks:   checks,
		Summary:  summarize(checks),
	}
	e.logger.Info().
		Str("object", spec.ObjectID).
		Str("status", report.Summary.Status).
		Int("checks", len(checks)).
		Msg("reconciliation complete")
	return report
}

// ObjectRecords pairs the captured extract and load record sets for one
// object, with an optional explicit field spec.
type ObjectRecords struct {
	ObjectID string
	Source   []odata.Record
	Target   []odata.Record
	Spec     *Spec
}

// ReconcileAll reconciles every captured object pair, inferring key,
// value and aggregate fields when no spec is supplied.
func (e *Engine) ReconcileAll(objects []ObjectRecords) []Report {
	reports := make([]Report, 0, len(objects))
	for _, obj := range objects {
		spec := Spec{ObjectID: obj.ObjectID}
		if obj.Spec != nil {
			spec = *obj.Spec
			spec.ObjectID = obj.ObjectID
		} else if len(obj.Source) > 0 {
			spec = inferSpec(obj.ObjectID, obj.Source[0])
		}
		reports = append(reports, e.Reconcile(spec, obj.Source, obj.Target))
	}
	return reports
}

// inferSpec derives a field spec from a sample record: the first three
// fields in sorted order become keys, the next five value fields, and the
// first three numeric-convertible fields aggregates.
func inferSpec(objectID string, sample odata.Record) Spec {
	fields := make([]string, 0, len(sample))
	for f := range sample {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	spec := Spec{ObjectID: objectID}
	for i, f := range fields {
		switch {
		case i < 3:
			spec.KeyFields = append(spec.KeyFields, f)
		case i < 8:
			spec.Values = append(spec.Values, f)
		}
	}
	for _, f := range fields {
		if len(spec.Aggregates) == 3 {
			break
		}
		if _, ok := toFloat(sample[f]); ok {
			spec.Aggregates = append(spec.Aggregates, f)
		}
	}
	return spec
}

func (e *Engine) recordCount(source, target []odata.Record) Check {
	diff := len(target) - len(source)
	check := Check{
		Name:        "record count",
		Type:        CheckRecordCount,
		SourceCount: len(source),
		TargetCount: len(target),
		Difference:  diff,
		Status:      StatusPassed,
	}
	if math.Abs(float64(diff)) > e.tol.Count {
		check.Status = StatusFailed
		check.Message = fmt.Sprintf("record count differs by %d (tolerance %.0f)", diff, e.tol.Count)
	}
	return check
}

func (e *Engine) keyCoverage(spec Spec, source []odata.Record, targetByKey map[string][]odata.Record) Check {
	check := Check{
		Name:   "key coverage",
		Type:   CheckKeyCoverage,
		Status: StatusPassed,
	}
	for _, rec := range source {
		key := compositeKey(rec, spec.KeyFields)
		if _, ok := targetByKey[key]; ok {
			continue
		}
		check.MissingKeys++
		if len(check.MissingExamples) < maxMissingExamples {
			check.MissingExamples = append(check.MissingExamples, key)
		}
	}
	if check.MissingKeys > 0 {
		check.Status = StatusFailed
		check.Message = fmt.Sprintf("%d source keys missing from target", check.MissingKeys)
	}
	return check
}

func (e *Engine) aggregate(field string, source, target []odata.Record) Check {
	check := Check{
		Name:  "aggregate " + field,
		Type:  CheckAggregate,
		Field: field,
	}
	check.SourceSum = sumField(source, field)
	check.TargetSum = sumField(target, field)
	check.Variance = math.Abs(check.TargetSum - check.SourceSum)

	if check.Variance <= e.tol.amountFor(field) {
		check.Status = StatusPassed
	} else {
		check.Status = StatusFailed
		check.Message = fmt.Sprintf("sum of %s varies by %.4f (tolerance %.4f)", field, check.Variance, e.tol.amountFor(field))
	}
	return check
}

// fieldSample compares up to 50 uniformly-strided source records against
// their target counterparts on the declared value fields.
func (e *Engine) fieldSample(spec Spec, source []odata.Record, targetByKey map[string][]odata.Record) Check {
	check := Check{
		Name: "field sample",
		Type: CheckFieldSample,
	}

	stride := 1
	if len(source) > maxSampleSize {
		stride = len(source) / maxSampleSize
	}
	for i := 0; i < len(source) && check.SampleSize < maxSampleSize; i += stride {
		src := source[i]
		check.SampleSize++

		matches, ok := targetByKey[compositeKey(src, spec.KeyFields)]
		if !ok || len(matches) == 0 {
			check.Mismatches++
			continue
		}
		tgt := matches[0]
		for _, field := range spec.Values {
			if stringifyValue(src[field]) != stringifyValue(tgt[field]) {
				check.Mismatches++
				break
			}
		}
	}

	switch {
	case check.Mismatches == 0:
		check.Status = StatusPassed
	case check.Mismatches <= sampleWarnLimit:
		check.Status = StatusWarning
		check.Message = fmt.Sprintf("%d of %d sampled records mismatch", check.Mismatches, check.SampleSize)
	default:
		check.Status = StatusFailed
		check.Message = fmt.Sprintf("%d of %d sampled records mismatch", check.Mismatches, check.SampleSize)
	}
	return check
}

// duplicates counts extra copies per composite key in the target: n
// records sharing a key contribute n-1 duplicates.
func (e *Engine) duplicates(spec Spec, target []odata.Record) Check {
	check := Check{
		Name:   "target duplicates",
		Type:   CheckDuplicates,
		Status: StatusPassed,
	}
	seen := make(map[string]int, len(target))
	for _, rec := range target {
		seen[compositeKey(rec, spec.KeyFields)]++
	}
	for _, n := range seen {
		if n > 1 {
			check.DuplicateCount += n - 1
		}
	}
	if check.DuplicateCount > 0 {
		check.Status = StatusFailed
		check.Message = fmt.Sprintf("%d duplicate records in target", check.DuplicateCount)
	}
	return check
}

// nullCompleteness reports the worst per-field null/empty rate across the
// declared value fields over all target records.
func (e *Engine) nullCompleteness(spec Spec, target []odata.Record) Check {
	check := Check{
		Name:   "null completeness",
		Type:   CheckNullCompleteness,
		Status: StatusPassed,
	}
	if len(target) == 0 || len(spec.Values) == 0 {
		return check
	}

	for _, field := range spec.Values {
		nulls := 0
		for _, rec := range target {
			v, ok := rec[field]
			if !ok || v == nil || stringifyValue(v) == "" {
				nulls++
			}
		}
		rate := float64(nulls) / float64(len(target))
		if rate > check.NullRate {
			check.NullRate = rate
			check.NullCount = nulls
			check.Field = field
		}
	}

	switch {
	case check.NullRate < nullPassRate:
		check.Status = StatusPassed
	case check.NullRate < nullWarnRate:
		check.Status = StatusWarning
		check.Message = fmt.Sprintf("field %s is %.1f%% null", check.Field, check.NullRate*100)
	default:
		check.Status = StatusFailed
		check.Message = fmt.Sprintf("field %s is %.1f%% null", check.Field, check.NullRate*100)
	}
	return check
}

func summarize(checks []Check) Summary {
	s := Summary{Status: SummaryPassed, Total: len(checks)}
	for _, c := range checks {
		switch c.Status {
		case StatusFailed:
			s.Failed++
		case StatusWarning:
			s.Warnings++
		default:
			s.Passed++
		}
	}
	if s.Failed > 0 {
		s.Status = SummaryFailed
	} else if s.Warnings > 0 {
		s.Status = SummaryWithWarnings
	}
	return s
}

// compositeKey joins the key-field values with a literal pipe. Values
// containing the separator are not guarded against.
func compositeKey(rec odata.Record, keyFields []string) string {
	parts := make([]string, 0, len(keyFields))
	for _, f := range keyFields {
		parts = append(parts, stringifyValue(rec[f]))
	}
	return strings.Join(parts, "|")
}

func indexByKey(records []odata.Record, keyFields []string) map[string][]odata.Record {
	idx := make(map[string][]odata.Record, len(records))
	for _, rec := range records {
		key := compositeKey(rec, keyFields)
		idx[key] = append(idx[key], rec)
	}
	return idx
}

func sumField(records []odata.Record, field string) float64 {
	var sum float64
	for _, rec := range records {
		if f, ok := toFloat(rec[field]); ok {
			sum += f
		}
	}
	return sum
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func stringifyValue(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
