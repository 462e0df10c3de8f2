package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-fabric/internal/checkpoint"
	"github.com/stanstork/stratum-fabric/internal/fabricerr"
	"github.com/stanstork/stratum-fabric/internal/mapping"
	"github.com/stanstork/stratum-fabric/internal/odata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu      sync.Mutex
	data    map[string][]odata.Record
	fail    map[string]error
	extracts []string
}

func (s *fakeSource) Extract(ctx context.Context, objectID string, params ExtractParams) ([]odata.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extracts = append(s.extracts, objectID)
	if err := s.fail[objectID]; err != nil {
		return nil, err
	}
	records := s.data[objectID]
	if params.MaxRecords > 0 && len(records) > params.MaxRecords {
		records = records[:params.MaxRecords]
	}
	return records, nil
}

type fakeTarget struct {
	mu     sync.Mutex
	loaded map[string][]odata.Record
	calls  map[string]int
	// failEvery rejects every nth load attempt (1-based) for an object.
	failEvery map[string]int
	failAll   bool
	afterLoad func()
}

func (t *fakeTarget) Load(ctx context.Context, objectID string, record odata.Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.afterLoad != nil {
		defer t.afterLoad()
	}
	if t.failAll {
		return fabricerr.New(fabricerr.KindServer, "target down").WithDetail("status", 503)
	}
	if t.calls == nil {
		t.calls = make(map[string]int)
	}
	t.calls[objectID]++
	if every := t.failEvery[objectID]; every > 0 && t.calls[objectID]%every == 0 {
		return fabricerr.New(fabricerr.KindRequest, "rejected").WithDetail("status", 400)
	}
	if t.loaded == nil {
		t.loaded = make(map[string][]odata.Record)
	}
	t.loaded[objectID] = append(t.loaded[objectID], record)
	return nil
}

func records(n int) []odata.Record {
	out := make([]odata.Record, n)
	for i := range out {
		out[i] = odata.Record{"ID": i}
	}
	return out
}

func newTestOrchestrator(t *testing.T, source Source, target Target) (*Orchestrator, checkpoint.Store) {
	t.Helper()
	store, err := checkpoint.NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return NewOrchestrator(source, target, store, zerolog.Nop()), store
}

func TestRunCompletesAllObjects(t *testing.T) {
	source := &fakeSource{data: map[string][]odata.Record{
		"GL_BALANCE":       records(3),
		"BUSINESS_PARTNER": records(2),
	}}
	target := &fakeTarget{}
	o, store := newTestOrchestrator(t, source, target)

	result, err := o.Run(context.Background(), RunConfig{
		RunID:   "run-1",
		Objects: []string{"GL_BALANCE", "BUSINESS_PARTNER"},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 2, result.Completed)
	assert.Zero(t, result.Failed)
	require.Len(t, result.Objects, 2)
	assert.Equal(t, 3, result.Objects[0].Phases.Load.SuccessCount)

	// Whole-run success clears the checkpoint.
	var state RunState
	found, err := store.Load("run-1", &state)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRunAppliesMappings(t *testing.T) {
	source := &fakeSource{data: map[string][]odata.Record{
		"MATERIAL": {{"MATNR": "42", "BUKRS": "1000"}},
	}}
	target := &fakeTarget{}
	o, _ := newTestOrchestrator(t, source, target)
	o.SetMappings("MATERIAL", []mapping.Rule{
		{Source: "MATNR", Target: "Product", Convert: "padLeft10"},
		{Source: "BUKRS", Target: "CompanyCode"},
	})

	result, err := o.Run(context.Background(), RunConfig{Objects: []string{"MATERIAL"}})
	require.NoError(t, err)

	require.Len(t, target.loaded["MATERIAL"], 1)
	assert.Equal(t, "0000000042", target.loaded["MATERIAL"][0]["Product"])
	assert.Equal(t, 1, result.Objects[0].Phases.Transform.MappingSummary.Processed)
}

func TestPartialLoadFailuresYieldCompletedWithErrors(t *testing.T) {
	source := &fakeSource{data: map[string][]odata.Record{"CUSTOMER": records(10)}}
	target := &fakeTarget{failEvery: map[string]int{"CUSTOMER": 3}}
	o, _ := newTestOrchestrator(t, source, target)

	result, err := o.Run(context.Background(), RunConfig{Objects: []string{"CUSTOMER"}})
	require.NoError(t, err)

	obj := result.Objects[0]
	assert.Equal(t, StatusCompletedWithErrors, obj.Status)
	load := obj.Phases.Load
	assert.Equal(t, 10, load.RecordCount)
	assert.Equal(t, load.RecordCount, load.SuccessCount+load.ErrorCount)
	require.NotEmpty(t, load.Errors)
	assert.Equal(t, 400, load.Errors[0].StatusCode)
	assert.Equal(t, StatusCompletedWithErrors, result.Status)
}

func TestAllRecordsFailingFailsTheObject(t *testing.T) {
	source := &fakeSource{data: map[string][]odata.Record{"CUSTOMER": records(5)}}
	target := &fakeTarget{failAll: true}
	o, _ := newTestOrchestrator(t, source, target)

	result, err := o.Run(context.Background(), RunConfig{Objects: []string{"CUSTOMER"}})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Objects[0].Status)
	assert.Equal(t, StatusFailed, result.Status, "every object failed")
}

func TestLoadErrorListTruncatedAtCap(t *testing.T) {
	source := &fakeSource{data: map[string][]odata.Record{"CUSTOMER": records(200)}}
	target := &fakeTarget{failEvery: map[string]int{"CUSTOMER": 2}}
	o, _ := newTestOrchestrator(t, source, target)

	result, err := o.Run(context.Background(), RunConfig{Objects: []string{"CUSTOMER"}})
	require.NoError(t, err)

	load := result.Objects[0].Phases.Load
	assert.Equal(t, 100, load.ErrorCount, "counters keep the full total")
	assert.Len(t, load.Errors, 50, "error list is capped")
}

func TestExtractFailureDoesNotAbortRun(t *testing.T) {
	source := &fakeSource{
		data: map[string][]odata.Record{"B": records(1)},
		fail: map[string]error{"A": fabricerr.New(fabricerr.KindConnection, "unreachable")},
	}
	target := &fakeTarget{}
	o, _ := newTestOrchestrator(t, source, target)

	result, err := o.Run(context.Background(), RunConfig{Objects: []string{"A", "B"}})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, result.Objects[0].Status)
	assert.Contains(t, result.Objects[0].Error, "extract")
	assert.Equal(t, StatusCompleted, result.Objects[1].Status)
	assert.Equal(t, StatusCompletedWithErrors, result.Status)
}

func TestFailFastAbortsAfterFailedObject(t *testing.T) {
	source := &fakeSource{
		data: map[string][]odata.Record{"B": records(1)},
		fail: map[string]error{"A": errors.New("boom")},
	}
	target := &fakeTarget{}
	o, _ := newTestOrchestrator(t, source, target)

	result, err := o.Run(context.Background(), RunConfig{Objects: []string{"A", "B"}, FailFast: true})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	require.Len(t, result.Objects, 1, "B is never attempted")
}

func TestCriticalValidationRuleFailsObject(t *testing.T) {
	source := &fakeSource{data: map[string][]odata.Record{"CUSTOMER": records(2)}}
	target := &fakeTarget{}
	o, _ := newTestOrchestrator(t, source, target)
	o.AddValidation(ValidationRule{
		Name:     "id required",
		Critical: true,
		Check: func(rec odata.Record) error {
			return errors.New("missing mandatory field")
		},
	})

	result, err := o.Run(context.Background(), RunConfig{Objects: []string{"CUSTOMER"}})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Objects[0].Status)
	assert.Empty(t, target.loaded, "load never runs after a critical rule fires")
}

func TestNonCriticalValidationErrorsAreCounted(t *testing.T) {
	source := &fakeSource{data: map[string][]odata.Record{"CUSTOMER": records(3)}}
	target := &fakeTarget{}
	o, _ := newTestOrchestrator(t, source, target)
	o.AddValidation(ValidationRule{
		Name:  "name advisory",
		Check: func(rec odata.Record) error { return errors.New("name missing") },
	})

	result, err := o.Run(context.Background(), RunConfig{Objects: []string{"CUSTOMER"}})
	require.NoError(t, err)

	obj := result.Objects[0]
	assert.Equal(t, StatusCompletedWithErrors, obj.Status)
	assert.Equal(t, 3, obj.Phases.Validate.ErrorCount)
	assert.Len(t, target.loaded["CUSTOMER"], 3, "advisory errors do not stop loading")
}

func TestCheckpointResumeSkipsCompletedObjects(t *testing.T) {
	source := &fakeSource{data: map[string][]odata.Record{
		"GL_BALANCE":       records(1),
		"BUSINESS_PARTNER": records(1),
	}}
	target := &fakeTarget{}
	o, store := newTestOrchestrator(t, source, target)

	// A previous run completed GL_BALANCE before being interrupted.
	require.NoError(t, store.Save("run-7", RunState{
		CompletedObjects: []string{"GL_BALANCE"},
		PendingObjects:   []string{"BUSINESS_PARTNER"},
	}))

	result, err := o.Run(context.Background(), RunConfig{
		RunID:   "run-7",
		Objects: []string{"GL_BALANCE", "BUSINESS_PARTNER"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"BUSINESS_PARTNER"}, source.extracts, "completed objects are skipped")
	assert.Equal(t, StatusCompleted, result.Status)
}

func TestCancellationWritesCheckpointAndReturnsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	source := &fakeSource{data: map[string][]odata.Record{
		"A": records(1),
		"B": records(1),
	}}
	// The signal arrives while A's single record is loading; A still
	// completes, and the run stops before starting B.
	target := &fakeTarget{afterLoad: cancel}
	o, store := newTestOrchestrator(t, source, target)

	result, err := o.Run(ctx, RunConfig{RunID: "run-c", Objects: []string{"A", "B"}})
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, result.Status)
	assert.Equal(t, []string{"A"}, source.extracts, "B is never extracted")

	// The checkpoint survives for a later resume.
	var state RunState
	found, err := store.Load("run-c", &state)
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, state.CompletedObjects, "A")
	assert.Contains(t, state.PendingObjects, "B")
}

func TestMaxRecordsPassedToSource(t *testing.T) {
	source := &fakeSource{data: map[string][]odata.Record{"A": records(100)}}
	target := &fakeTarget{}
	o, _ := newTestOrchestrator(t, source, target)

	result, err := o.Run(context.Background(), RunConfig{Objects: []string{"A"}, MaxRecords: 10})
	require.NoError(t, err)
	assert.Equal(t, 10, result.Objects[0].Phases.Extract.RecordCount)
}

func TestEmptyObjectListRejected(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeSource{}, &fakeTarget{})
	_, err := o.Run(context.Background(), RunConfig{})
	require.Error(t, err)
	assert.Equal(t, fabricerr.KindConfiguration, fabricerr.KindOf(err))
}
