package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-fabric/internal/checkpoint"
	"github.com/stanstork/stratum-fabric/internal/fabricerr"
	"github.com/stanstork/stratum-fabric/internal/mapping"
	"github.com/stanstork/stratum-fabric/internal/odata"
)

// Orchestrator processes migration objects sequentially in the order the
// run config lists them. Cancellation is cooperative: it is checked
// between objects and between phases, and a cancelled run leaves a
// checkpoint behind.
type Orchestrator struct {
	source Source
	target Target
	store  checkpoint.Store
	logger zerolog.Logger

	mappings map[string][]mapping.Rule
	rules    []ValidationRule
	now      func() time.Time
}

func NewOrchestrator(source Source, target Target, store checkpoint.Store, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		source:   source,
		target:   target,
		store:    store,
		logger:   logger.With().Str("component", "pipeline").Logger(),
		mappings: make(map[string][]mapping.Rule),
		now:      time.Now,
	}
}

// SetMappings registers the mapping rules applied to one object's
// records. Objects without rules pass records through unchanged.
func (o *Orchestrator) SetMappings(objectID string, rules []mapping.Rule) {
	o.mappings[objectID] = rules
}

// AddValidation registers a rule run against every transformed record.
func (o *Orchestrator) AddValidation(rule ValidationRule) {
	o.rules = append(o.rules, rule)
}

// Run executes the configured objects, resuming from a checkpoint when
// one exists for the run id.
func (o *Orchestrator) Run(ctx context.Context, cfg RunConfig) (*RunResult, error) {
	if len(cfg.Objects) == 0 {
		return nil, fabricerr.New(fabricerr.KindConfiguration, "run config lists no objects")
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	state := RunState{
		PendingObjects: append([]string{}, cfg.Objects...),
		StartedAt:      o.now().UTC(),
		Config:         cfg,
	}
	if o.store != nil {
		found, err := o.store.Load(cfg.RunID, &state)
		if err != nil {
			return nil, err
		}
		if found {
			o.logger.Info().
				Str("run_id", cfg.RunID).
				Int("completed", len(state.CompletedObjects)).
				Int("pending", len(state.PendingObjects)).
				Msg("resuming from checkpoint")
		}
	}

	done := make(map[string]bool, len(state.CompletedObjects)+len(state.FailedObjects))
	for _, id := range state.CompletedObjects {
		done[id] = true
	}
	for _, id := range state.FailedObjects {
		done[id] = true
	}

	cancelled := false
	for _, objectID := range cfg.Objects {
		if done[objectID] {
			continue
		}
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		result := o.runObject(ctx, objectID, cfg)
		state.Results = append(state.Results, result)

		switch result.Status {
		case StatusFailed:
			state.FailedObjects = append(state.FailedObjects, objectID)
		case StatusCancelled:
			cancelled = true
		default:
			state.CompletedObjects = append(state.CompletedObjects, objectID)
		}
		state.PendingObjects = remaining(cfg.Objects, state.CompletedObjects, state.FailedObjects)

		if o.store != nil {
			if err := o.store.Save(cfg.RunID, state); err != nil {
				return nil, err
			}
		}
		if cancelled {
			break
		}
		if result.Status == StatusFailed && cfg.FailFast {
			o.logger.Error().Str("object", objectID).Msg("fail-fast object failed, aborting run")
			break
		}
	}

	result := o.summarize(cfg, state, cancelled)
	if o.store != nil && result.Status == StatusCompleted {
		if err := o.store.Remove(cfg.RunID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (o *Orchestrator) summarize(cfg RunConfig, state RunState, cancelled bool) *RunResult {
	result := &RunResult{
		RunID:   cfg.RunID,
		Total:   len(cfg.Objects),
		Objects: state.Results,
	}

	withErrors := false
	for _, obj := range state.Results {
		switch obj.Status {
		case StatusCompleted:
			result.Completed++
		case StatusCompletedWithErrors:
			result.Completed++
			withErrors = true
		case StatusFailed:
			result.Failed++
		}
	}

	switch {
	case cancelled:
		result.Status = StatusCancelled
	case result.Failed == result.Total, cfg.FailFast && result.Failed > 0:
		result.Status = StatusFailed
	case result.Failed > 0 || withErrors:
		result.Status = StatusCompletedWithErrors
	default:
		result.Status = StatusCompleted
	}
	return result
}

func (o *Orchestrator) runObject(ctx context.Context, objectID string, cfg RunConfig) ObjectResult {
	started := o.now()
	result := ObjectResult{
		ObjectID: objectID,
		Status:   StatusRunning,
	}
	defer func() {
		finished := o.now()
		result.Stats = Stats{
			StartedAt:  started.UTC(),
			FinishedAt: finished.UTC(),
			DurationMs: finished.Sub(started).Milliseconds(),
		}
	}()

	log := o.logger.With().Str("object", objectID).Logger()

	// Extract.
	records, err := o.source.Extract(ctx, objectID, ExtractParams{
		MaxRecords: cfg.MaxRecords,
		CutoffDate: cfg.CutoffDate,
	})
	if err != nil {
		return o.failObject(result, err, "extract")
	}
	result.Phases.Extract = ExtractResult{RecordCount: len(records), Records: records}
	log.Info().Int("records", len(records)).Msg("extract complete")

	if err := ctx.Err(); err != nil {
		result.Status = StatusCancelled
		return result
	}

	// Transform.
	transformed, summary, err := o.transform(objectID, records)
	if err != nil {
		return o.failObject(result, err, "transform")
	}
	result.Phases.Transform = TransformResult{
		RecordCount:    len(transformed),
		Records:        transformed,
		MappingSummary: summary,
	}

	if err := ctx.Err(); err != nil {
		result.Status = StatusCancelled
		return result
	}

	// Validate.
	validate, criticalErr := o.validate(transformed)
	result.Phases.Validate = validate
	if criticalErr != nil {
		return o.failObject(result, criticalErr, "validate")
	}

	if err := ctx.Err(); err != nil {
		result.Status = StatusCancelled
		return result
	}

	// Load.
	load, err := o.load(ctx, objectID, transformed, cfg.BatchSize)
	result.Phases.Load = load
	if err != nil {
		if fabricerr.IsKind(err, fabricerr.KindCancelled) {
			result.Status = StatusCancelled
			return result
		}
		return o.failObject(result, err, "load")
	}

	switch {
	case load.RecordCount > 0 && load.SuccessCount == 0:
		result.Status = StatusFailed
		result.Error = "all records failed to load"
	case load.ErrorCount > 0 || validate.ErrorCount > 0:
		result.Status = StatusCompletedWithErrors
	default:
		result.Status = StatusCompleted
	}
	log.Info().
		Str("status", string(result.Status)).
		Int("loaded", load.SuccessCount).
		Int("errors", load.ErrorCount).
		Msg("object complete")
	return result
}

func (o *Orchestrator) failObject(result ObjectResult, err error, phase string) ObjectResult {
	o.logger.Error().Str("object", result.ObjectID).Str("phase", phase).Err(err).Msg("object failed")
	result.Status = StatusFailed
	result.Error = phase + ": " + err.Error()
	return result
}

func (o *Orchestrator) transform(objectID string, records []odata.Record) ([]odata.Record, mapping.Summary, error) {
	rules, ok := o.mappings[objectID]
	if !ok || len(rules) == 0 {
		return records, mapping.Summary{Processed: len(records)}, nil
	}
	engine, err := mapping.NewEngine(rules, o.logger)
	if err != nil {
		return nil, mapping.Summary{}, err
	}
	out, summary := engine.Apply(records)
	return out, summary, nil
}

// validate runs every rule against every record. A critical rule failure
// is returned as a terminal error; ordinary failures only count.
func (o *Orchestrator) validate(records []odata.Record) (ValidateResult, error) {
	result := ValidateResult{Status: StatusCompleted}
	for _, rec := range records {
		for _, rule := range o.rules {
			err := rule.Check(rec)
			if err == nil {
				continue
			}
			result.ErrorCount++
			if len(result.Errors) < maxLoadErrors {
				result.Errors = append(result.Errors, rule.Name+": "+err.Error())
			}
			if rule.Critical {
				result.Status = StatusFailed
				return result, fabricerr.Wrap(fabricerr.KindValidation, err, "critical rule "+rule.Name)
			}
		}
	}
	if result.ErrorCount > 0 {
		result.Status = StatusCompletedWithErrors
	}
	return result, nil
}

// load partitions records into batches and submits them one record at a
// time; per-record failures are recorded and the batch continues. Result
// indices match the input order.
func (o *Orchestrator) load(ctx context.Context, objectID string, records []odata.Record, batchSize int) (LoadResult, error) {
	result := LoadResult{RecordCount: len(records)}

	for start := 0; start < len(records); start += batchSize {
		if err := ctx.Err(); err != nil {
			return result, fabricerr.Wrap(fabricerr.KindCancelled, err, "load cancelled")
		}
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}

		for i := start; i < end; i++ {
			if err := o.target.Load(ctx, objectID, records[i]); err != nil {
				result.ErrorCount++
				if len(result.Errors) < maxLoadErrors {
					result.Errors = append(result.Errors, LoadError{
						Index:      i,
						Message:    err.Error(),
						StatusCode: fabricerr.StatusOf(err),
					})
				}
				continue
			}
			result.SuccessCount++
		}
	}
	return result, nil
}

func remaining(all, completed, failed []string) []string {
	done := make(map[string]bool, len(completed)+len(failed))
	for _, id := range completed {
		done[id] = true
	}
	for _, id := range failed {
		done[id] = true
	}
	var pending []string
	for _, id := range all {
		if !done[id] {
			pending = append(pending, id)
		}
	}
	return pending
}
