// Package coordinator implements the outer control loop: accept a
// submission, drive the Run State, send jobs through the Dispatcher,
// apply results, and raise optional debugger events (spec.md §4.9).
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/flowrun/internal/model"
	"github.com/flowmesh/flowrun/internal/runstate"
)

// Logger is the coordinator's structured-logging dependency, the same
// shape used throughout this runtime (common/logger.Logger satisfies it).
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Dispatcher is the subset of dispatcher.Dispatcher the coordinator
// drives (spec.md §4.6 coordinator-side operations).
type Dispatcher interface {
	SendJob(ctx context.Context, job model.Job) error
	GetNextResult(ctx context.Context) (*model.Result, error)
	BroadcastDone(ctx context.Context) error
}

// Debugger is consulted after every applied result, when attached
// (spec.md §4.10). A nil Debugger on Opts disables debugging entirely.
type Debugger interface {
	// Consult is called once per coordinator iteration with the function
	// and result that was just applied. It returns when the debugger is
	// done suspending (if it chose to suspend at all).
	Consult(ctx context.Context, fid int, result model.Result, rs *runstate.RunState)

	// ConsultUnblock is called once per flow transition into quiescence
	// (spec.md §4.8 "flow becomes quiescent" -> FlowUnblock event).
	ConsultUnblock(ctx context.Context, flowID int, rs *runstate.RunState)
}

// Submission is the unit of work the Coordinator accepts: a compiled
// manifest plus how many jobs it may have in flight at once (spec.md §4.9
// "initialize Run State from manifest").
type Submission struct {
	Manifest       *model.FlowManifest
	DispatchBudget int    // max in-flight jobs; <=0 means one per manifest function (at least 1)
	RunID          string // correlates this submission's log lines across flowr/flowrex; generated if empty
}

// FlowEndMetrics summarizes one submission's execution (spec.md §4.9
// "emit FlowEnd with metrics").
type FlowEndMetrics struct {
	RunID          string
	JobsDispatched int
	JobsCompleted  int
	JobsFaulted    int
	Duration       time.Duration
}

// Opts configures a Coordinator.
type Opts struct {
	Dispatcher Dispatcher
	Logger     Logger
	Debugger   Debugger // optional
}

// Coordinator is the single owner of a RunState for the lifetime of one
// submission (spec.md §4.9, §5 "single-threaded cooperative").
type Coordinator struct {
	dispatcher Dispatcher
	logger     Logger
	debugger   Debugger
}

// New builds a Coordinator. A fresh RunState is created per Run call so
// one Coordinator can serially execute multiple submissions.
func New(opts Opts) *Coordinator {
	return &Coordinator{dispatcher: opts.Dispatcher, logger: opts.Logger, debugger: opts.Debugger}
}

// jobMeta records what was sent for a job, since model.Result only carries
// job id, value, and error — the coordinator needs to translate a result
// back into a RunState mutation and a dispatch-budget release.
type jobMeta struct {
	functionID int
}

// Run executes one submission to completion (spec.md §4.9's main loop)
// and returns its metrics. It blocks until every function has Completed
// or the context is cancelled.
func (c *Coordinator) Run(ctx context.Context, sub Submission) (FlowEndMetrics, error) {
	start := time.Now()
	runID := sub.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	metrics := FlowEndMetrics{RunID: runID}

	rs := runstate.New()
	rs.Initialize(sub.Manifest)

	budget := sub.DispatchBudget
	if budget <= 0 {
		budget = len(sub.Manifest.Functions)
		if budget == 0 {
			budget = 1
		}
	}

	inFlight := map[uint64]jobMeta{}
	flowOf := map[int]int{}
	quiescent := map[int]bool{}
	for _, fn := range sub.Manifest.Functions {
		flowOf[fn.FunctionID] = fn.FlowID
	}

	c.logger.Info("coordinator starting submission", "run_id", runID, "functions", len(sub.Manifest.Functions), "dispatch_budget", budget)

	for {
		if ctx.Err() != nil {
			return c.shutdown(ctx, metrics, start, ctx.Err())
		}

		if rs.AllCompleted() && len(inFlight) == 0 {
			break
		}

		for len(inFlight) < budget {
			fid, ok := rs.PopReady()
			if !ok {
				break
			}
			job, err := rs.Dispatch(fid)
			if err != nil {
				return c.shutdown(ctx, metrics, start, fmt.Errorf("dispatching function %d: %w", fid, err))
			}
			if err := c.dispatcher.SendJob(ctx, job); err != nil {
				c.logger.Error("send job failed", "job_id", job.JobID, "function_id", fid, "error", err)
				continue
			}
			inFlight[job.JobID] = jobMeta{functionID: fid}
			metrics.JobsDispatched++
		}

		if len(inFlight) == 0 {
			if rs.AllCompleted() {
				break
			}
			if rs.ReadyLen() == 0 {
				// Nothing running, nothing ready, not every function
				// Completed: the flow has quiesced without finishing —
				// every surviving function is Waiting or Blocked forever.
				return c.shutdown(ctx, metrics, start, fmt.Errorf("%w: flow quiesced with no ready or in-flight work before completion", model.ErrInvariantViolated))
			}
		}

		result, err := c.dispatcher.GetNextResult(ctx)
		if err != nil {
			// TransportError: logged, coordinator continues (spec.md §7).
			c.logger.Error("receiving result failed", "error", err)
			continue
		}
		if result == nil {
			continue // receive timeout, not a failure
		}

		meta, known := inFlight[result.JobID]
		if !known {
			c.logger.Warn("result for unknown or already-applied job", "job_id", result.JobID)
			continue
		}
		delete(inFlight, result.JobID)

		var execErr error
		if result.ErrMsg != "" {
			execErr = errors.New(result.ErrMsg)
			metrics.JobsFaulted++
			c.logger.Warn("job execution failed, quarantining function", "job_id", result.JobID, "function_id", meta.functionID, "error", result.ErrMsg)
		} else {
			metrics.JobsCompleted++
		}

		runAgain := result.Outcome.RunAgain
		if err := rs.Result(result.JobID, result.Outcome.Value, runAgain, execErr); err != nil {
			return c.shutdown(ctx, metrics, start, fmt.Errorf("applying result for job %d: %w", result.JobID, err))
		}

		if c.debugger != nil {
			c.debugger.Consult(ctx, meta.functionID, *result, rs)
		}

		c.checkFlowUnblock(ctx, flowOf[meta.functionID], rs, quiescent, runID)
	}

	metrics.Duration = time.Since(start)
	c.logger.Info("submission quiesced", "run_id", runID, "jobs_dispatched", metrics.JobsDispatched, "jobs_completed", metrics.JobsCompleted, "jobs_faulted", metrics.JobsFaulted, "duration", metrics.Duration)
	if err := c.dispatcher.BroadcastDone(ctx); err != nil {
		c.logger.Warn("broadcasting DONE failed", "error", err)
	}
	return metrics, nil
}

// checkFlowUnblock emits a FlowUnblock event the moment flowID transitions
// from active to quiescent (spec.md §4.8: "When no function in a flow is
// Running or holds pending outputs to that flow, emit a FlowUnblock event
// (used for debugger breakpoints and backpressure tests)"). quiescent
// tracks each flow's last-observed state so the event fires once per
// transition, not on every subsequent idle iteration.
func (c *Coordinator) checkFlowUnblock(ctx context.Context, flowID int, rs *runstate.RunState, quiescent map[int]bool, runID string) {
	now := rs.IsFlowQuiescent(flowID)
	if now == quiescent[flowID] {
		return
	}
	quiescent[flowID] = now
	if !now {
		return
	}

	c.logger.Info("flow quiescent", "run_id", runID, "flow_id", flowID)
	if c.debugger != nil {
		c.debugger.ConsultUnblock(ctx, flowID, rs)
	}
}

// shutdown implements cooperative cancellation (spec.md §4.8 "Cancellation"):
// broadcast DONE and return whatever metrics were accumulated so far.
func (c *Coordinator) shutdown(ctx context.Context, metrics FlowEndMetrics, start time.Time, cause error) (FlowEndMetrics, error) {
	metrics.Duration = time.Since(start)
	c.logger.Info("submission cancelled, shutting down", "run_id", metrics.RunID, "error", cause)
	// Use a background context for the final broadcast: ctx may already be
	// cancelled, but executors still need the DONE signal to exit cleanly.
	if err := c.dispatcher.BroadcastDone(context.Background()); err != nil {
		c.logger.Warn("broadcasting DONE during shutdown failed", "error", err)
	}
	return metrics, cause
}
