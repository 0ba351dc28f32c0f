package coordinator

import (
	"context"
	"sync"
	"testing"

	"github.com/flowmesh/flowrun/internal/model"
	"github.com/flowmesh/flowrun/internal/runstate"
)

type testLogger struct{}

func (testLogger) Info(string, ...interface{})  {}
func (testLogger) Error(string, ...interface{}) {}
func (testLogger) Warn(string, ...interface{})  {}
func (testLogger) Debug(string, ...interface{}) {}

// fakeDispatcher runs jobs synchronously in SendJob and queues their
// results for GetNextResult, simulating an executor without any transport.
type fakeDispatcher struct {
	mu      sync.Mutex
	results []model.Result
	done    bool

	// run computes the result for a dispatched job.
	run func(job model.Job) model.Result
}

func (f *fakeDispatcher) SendJob(ctx context.Context, job model.Job) error {
	result := f.run(job)
	f.mu.Lock()
	f.results = append(f.results, result)
	f.mu.Unlock()
	return nil
}

func (f *fakeDispatcher) GetNextResult(ctx context.Context) (*model.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.results) == 0 {
		return nil, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return &r, nil
}

func (f *fakeDispatcher) BroadcastDone(ctx context.Context) error {
	f.mu.Lock()
	f.done = true
	f.mu.Unlock()
	return nil
}

func singleSinkManifest() *model.FlowManifest {
	return &model.FlowManifest{
		Functions: []model.ManifestFunction{
			{
				FunctionID:             0,
				ImplementationLocation: "context://stdio/stdout",
				Inputs: []model.ManifestIO{
					{Initializer: &model.Initializer{Kind: model.InitOnce, Value: []byte(`"hello"`)}},
				},
			},
		},
	}
}

func TestRunDispatchesSingleJobAndQuiesces(t *testing.T) {
	dispatcher := &fakeDispatcher{
		run: func(job model.Job) model.Result {
			return model.Result{JobID: job.JobID, Outcome: model.Outcome{RunAgain: false}}
		},
	}
	c := New(Opts{Dispatcher: dispatcher, Logger: testLogger{}})

	metrics, err := c.Run(context.Background(), Submission{Manifest: singleSinkManifest()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if metrics.JobsDispatched != 1 || metrics.JobsCompleted != 1 {
		t.Fatalf("expected exactly one dispatched/completed job, got %+v", metrics)
	}
	if !dispatcher.done {
		t.Fatalf("expected BroadcastDone to be called on quiescence")
	}
}

type fakeDebugger struct {
	mu            sync.Mutex
	unblockFlowID []int
}

func (d *fakeDebugger) Consult(ctx context.Context, fid int, result model.Result, rs *runstate.RunState) {
}

func (d *fakeDebugger) ConsultUnblock(ctx context.Context, flowID int, rs *runstate.RunState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unblockFlowID = append(d.unblockFlowID, flowID)
}

func TestRunEmitsFlowUnblockOnceFlowGoesQuiescent(t *testing.T) {
	dispatcher := &fakeDispatcher{
		run: func(job model.Job) model.Result {
			return model.Result{JobID: job.JobID, Outcome: model.Outcome{RunAgain: false}}
		},
	}
	dbg := &fakeDebugger{}
	c := New(Opts{Dispatcher: dispatcher, Logger: testLogger{}, Debugger: dbg})

	if _, err := c.Run(context.Background(), Submission{Manifest: singleSinkManifest()}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(dbg.unblockFlowID) != 1 || dbg.unblockFlowID[0] != 0 {
		t.Fatalf("expected exactly one FlowUnblock for flow 0, got %v", dbg.unblockFlowID)
	}
}

func TestRunGeneratesRunIDWhenSubmissionLeavesItBlank(t *testing.T) {
	dispatcher := &fakeDispatcher{
		run: func(job model.Job) model.Result {
			return model.Result{JobID: job.JobID, Outcome: model.Outcome{RunAgain: false}}
		},
	}
	c := New(Opts{Dispatcher: dispatcher, Logger: testLogger{}})

	metrics, err := c.Run(context.Background(), Submission{Manifest: singleSinkManifest()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if metrics.RunID == "" {
		t.Fatalf("expected a generated RunID, got empty string")
	}
}

func TestRunPreservesCallerSuppliedRunID(t *testing.T) {
	dispatcher := &fakeDispatcher{
		run: func(job model.Job) model.Result {
			return model.Result{JobID: job.JobID, Outcome: model.Outcome{RunAgain: false}}
		},
	}
	c := New(Opts{Dispatcher: dispatcher, Logger: testLogger{}})

	metrics, err := c.Run(context.Background(), Submission{Manifest: singleSinkManifest(), RunID: "fixed-run-id"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if metrics.RunID != "fixed-run-id" {
		t.Fatalf("expected caller-supplied RunID to be preserved, got %q", metrics.RunID)
	}
}

func TestRunQuarantinesFaultedFunction(t *testing.T) {
	dispatcher := &fakeDispatcher{
		run: func(job model.Job) model.Result {
			return model.Result{JobID: job.JobID, ErrMsg: "boom"}
		},
	}
	c := New(Opts{Dispatcher: dispatcher, Logger: testLogger{}})

	metrics, err := c.Run(context.Background(), Submission{Manifest: singleSinkManifest()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if metrics.JobsFaulted != 1 {
		t.Fatalf("expected one faulted job, got %+v", metrics)
	}
}

func TestRunCompletesDownstreamSinkWhenUpstreamFaults(t *testing.T) {
	manifest := &model.FlowManifest{
		Functions: []model.ManifestFunction{
			{
				FunctionID:             0,
				ImplementationLocation: "context://args/get",
				Inputs: []model.ManifestIO{
					{Initializer: &model.Initializer{Kind: model.InitOnce, Value: []byte(`1`)}},
				},
				OutputConnections: []model.OutputConnection{{FunctionID: 1, IONumber: 0}},
			},
			{
				FunctionID:             1,
				ImplementationLocation: "context://stdio/stdout",
				Inputs:                 []model.ManifestIO{{}},
			},
		},
	}

	dispatcher := &fakeDispatcher{
		run: func(job model.Job) model.Result {
			return model.Result{JobID: job.JobID, ErrMsg: "boom"}
		},
	}
	c := New(Opts{Dispatcher: dispatcher, Logger: testLogger{}})

	metrics, err := c.Run(context.Background(), Submission{Manifest: manifest})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if metrics.JobsFaulted != 1 {
		t.Fatalf("expected the upstream's one job to be faulted, got %+v", metrics)
	}
	if metrics.JobsDispatched != 1 {
		t.Fatalf("expected the sink to never be dispatched (no input ever arrives), got %+v", metrics)
	}
}

func TestRunChainsTwoFunctions(t *testing.T) {
	manifest := &model.FlowManifest{
		Functions: []model.ManifestFunction{
			{
				FunctionID:             0,
				ImplementationLocation: "context://args/get",
				Inputs: []model.ManifestIO{
					{Initializer: &model.Initializer{Kind: model.InitOnce, Value: []byte(`1`)}},
				},
				OutputConnections: []model.OutputConnection{{FunctionID: 1, IONumber: 0}},
			},
			{
				FunctionID:             1,
				ImplementationLocation: "context://stdio/stdout",
				Inputs:                 []model.ManifestIO{{}},
			},
		},
	}

	var gotSinkInput string
	dispatcher := &fakeDispatcher{
		run: func(job model.Job) model.Result {
			if job.FunctionID == 1 {
				gotSinkInput = string(job.InputSet[0])
			}
			out := model.Value(`99`)
			if job.FunctionID == 0 {
				return model.Result{JobID: job.JobID, Outcome: model.Outcome{Value: &out, RunAgain: false}}
			}
			return model.Result{JobID: job.JobID, Outcome: model.Outcome{RunAgain: false}}
		},
	}
	c := New(Opts{Dispatcher: dispatcher, Logger: testLogger{}})

	metrics, err := c.Run(context.Background(), Submission{Manifest: manifest})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if metrics.JobsDispatched != 2 {
		t.Fatalf("expected two dispatched jobs, got %+v", metrics)
	}
	if gotSinkInput != "99" {
		t.Fatalf("expected sink to receive 99, got %q", gotSinkInput)
	}
}
