// Package executor implements the Executor: a process-isolated worker
// that pulls jobs from the Dispatcher, resolves their locator through the
// Runtime Loader, invokes the resulting Implementation, and pushes the
// outcome back (spec.md §4.7).
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowmesh/flowrun/internal/implementation"
	"github.com/flowmesh/flowrun/internal/model"
)

// Logger matches the teacher's own minimal structured-logging interface
// (cmd/workflow-runner/sdk.Logger), used throughout the coordinator and
// consumer loops.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// JobSource is the executor side of the Dispatcher contract (spec.md
// §4.7 step 1): pop the next job favoring whichever queue is requested,
// push its outcome, and surface control-channel broadcasts.
type JobSource interface {
	PopJob(ctx context.Context, preferLib bool) (*model.Job, string, error)
	PushResult(ctx context.Context, result model.Result) error
	SubscribeControl(ctx context.Context) (<-chan string, func())
}

// Resolver turns a job's implementation locator into something runnable
// (the Runtime Loader, spec.md §4.5).
type Resolver interface {
	Resolve(ctx context.Context, mf model.ManifestFunction) (implementation.Implementation, error)
}

// Executor is one worker loop. Multiple Executors run as separate
// processes or goroutines pulling from the same JobSource (spec.md §4.7
// "process-isolated from the coordinator").
type Executor struct {
	jobs     JobSource
	resolver Resolver
	log      Logger

	// alternate tracks which queue was preferred last, so successive
	// PopJob calls alternate fairly between lib_jobs and general_jobs
	// (spec.md §4.7 step 1, "fair alternation").
	alternate bool
}

// New creates an Executor.
func New(jobs JobSource, resolver Resolver, log Logger) *Executor {
	return &Executor{jobs: jobs, resolver: resolver, log: log}
}

// Run pulls and executes jobs until ctx is cancelled or a DONE control
// message is received (spec.md §4.7 step 5, "exit on DONE").
func (e *Executor) Run(ctx context.Context) error {
	control, unsubscribe := e.jobs.SubscribeControl(ctx)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-control:
			if !ok {
				return nil
			}
			if msg == "DONE" {
				e.log.Info("executor received DONE, exiting")
				return nil
			}
		default:
			if err := e.step(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				e.log.Error("executor step failed", "error", err)
				time.Sleep(200 * time.Millisecond)
			}
		}
	}
}

// step pops one job, runs it, and pushes its outcome. A nil job (queue
// poll timeout) is not an error.
func (e *Executor) step(ctx context.Context) error {
	e.alternate = !e.alternate
	job, _, err := e.jobs.PopJob(ctx, e.alternate)
	if err != nil {
		return fmt.Errorf("popping job: %w", err)
	}
	if job == nil {
		return nil
	}

	result := e.execute(ctx, *job)
	if err := e.jobs.PushResult(ctx, result); err != nil {
		return fmt.Errorf("pushing result for job %d: %w", job.JobID, err)
	}
	return nil
}

// execute resolves and invokes a job's implementation, converting any
// error into the Err arm of the result rather than propagating it — a
// function's own failure must not crash the executor loop (spec.md §4.7,
// "invoke run(inputs)").
func (e *Executor) execute(ctx context.Context, job model.Job) model.Result {
	impl, err := e.resolver.Resolve(ctx, model.ManifestFunction{ImplementationLocation: job.ImplementationURL})
	if err != nil {
		return model.Result{JobID: job.JobID, ErrMsg: err.Error()}
	}

	value, runAgain, err := impl.Run(ctx, toImplementationValues(job.InputSet))
	if err != nil {
		return model.Result{JobID: job.JobID, ErrMsg: err.Error()}
	}
	var outValue *model.Value
	if value != nil {
		v := model.Value(*value)
		outValue = &v
	}
	return model.Result{JobID: job.JobID, Outcome: model.Outcome{Value: outValue, RunAgain: runAgain}}
}

// toImplementationValues adapts model.Value (json.RawMessage) to
// implementation.Value ([]byte) element-wise; both are the same
// underlying byte slice, but Go requires explicit per-element conversion
// between differently named slice element types.
func toImplementationValues(values []model.Value) []implementation.Value {
	out := make([]implementation.Value, len(values))
	for i, v := range values {
		out[i] = implementation.Value(v)
	}
	return out
}
