package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowmesh/flowrun/internal/implementation"
	"github.com/flowmesh/flowrun/internal/model"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Info(msg string, kv ...interface{})  { l.t.Logf("[INFO] %s %v", msg, kv) }
func (l testLogger) Error(msg string, kv ...interface{}) { l.t.Logf("[ERROR] %s %v", msg, kv) }
func (l testLogger) Warn(msg string, kv ...interface{})  { l.t.Logf("[WARN] %s %v", msg, kv) }
func (l testLogger) Debug(msg string, kv ...interface{}) { l.t.Logf("[DEBUG] %s %v", msg, kv) }

type fakeJobSource struct {
	jobs     []model.Job
	pushed   []model.Result
	control  chan string
}

func (f *fakeJobSource) PopJob(ctx context.Context, preferLib bool) (*model.Job, string, error) {
	if len(f.jobs) == 0 {
		return nil, "", nil
	}
	job := f.jobs[0]
	f.jobs = f.jobs[1:]
	return &job, "general", nil
}

func (f *fakeJobSource) PushResult(ctx context.Context, result model.Result) error {
	f.pushed = append(f.pushed, result)
	return nil
}

func (f *fakeJobSource) SubscribeControl(ctx context.Context) (<-chan string, func()) {
	if f.control == nil {
		f.control = make(chan string, 1)
	}
	return f.control, func() {}
}

type fakeResolver struct {
	impl implementation.Implementation
	err  error
}

func (r *fakeResolver) Resolve(ctx context.Context, mf model.ManifestFunction) (implementation.Implementation, error) {
	return r.impl, r.err
}

func TestStepRunsJobAndPushesOkResult(t *testing.T) {
	src := &fakeJobSource{jobs: []model.Job{{JobID: 1, InputSet: []model.Value{[]byte(`2`), []byte(`3`)}, ImplementationURL: "lib://flowstdlib/math/add"}}}
	resolver := &fakeResolver{impl: implementation.NativeFunc(func(ctx context.Context, inputs []implementation.Value) (*implementation.Value, bool, error) {
		v := implementation.Value(`5`)
		return &v, false, nil
	})}
	e := New(src, resolver, testLogger{t})

	if err := e.step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}
	if len(src.pushed) != 1 {
		t.Fatalf("expected one pushed result, got %d", len(src.pushed))
	}
	got := src.pushed[0]
	if got.JobID != 1 || got.ErrMsg != "" || got.Outcome.Value == nil || string(*got.Outcome.Value) != "5" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestStepPushesErrResultOnResolveFailure(t *testing.T) {
	src := &fakeJobSource{jobs: []model.Job{{JobID: 2, ImplementationURL: "file:///missing.wasm"}}}
	resolver := &fakeResolver{err: errors.New("no such module")}
	e := New(src, resolver, testLogger{t})

	if err := e.step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}
	if len(src.pushed) != 1 || src.pushed[0].ErrMsg == "" {
		t.Fatalf("expected an Err result, got %+v", src.pushed)
	}
}

func TestStepIsNoopWhenQueueEmpty(t *testing.T) {
	src := &fakeJobSource{}
	e := New(src, &fakeResolver{}, testLogger{t})

	if err := e.step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}
	if len(src.pushed) != 0 {
		t.Fatalf("expected no pushed results, got %d", len(src.pushed))
	}
}

func TestRunExitsOnDoneControlMessage(t *testing.T) {
	src := &fakeJobSource{control: make(chan string, 1)}
	src.control <- "DONE"
	e := New(src, &fakeResolver{}, testLogger{t})

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit on DONE")
	}
}
