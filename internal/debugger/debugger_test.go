package debugger

import (
	"context"
	"testing"
	"time"

	"github.com/flowmesh/flowrun/internal/model"
	"github.com/flowmesh/flowrun/internal/runstate"
)

func newManifestRunState(t *testing.T) *runstate.RunState {
	t.Helper()
	rs := runstate.New()
	rs.Initialize(&model.FlowManifest{
		Functions: []model.ManifestFunction{
			{FunctionID: 0, ImplementationLocation: "context://args/get"},
		},
	})
	return rs
}

func TestConsultIsNoopWithoutBreakpoints(t *testing.T) {
	d := New(nil)
	rs := newManifestRunState(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.Consult(ctx, 0, model.Result{JobID: 1}, rs)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Consult should return immediately with no breakpoints set")
	}
}

func TestConsultSuspendsOnFunctionBreakpointAndResumesOnContinue(t *testing.T) {
	d := New(nil)
	rs := newManifestRunState(t)

	// Pre-register a breakpoint directly (as CmdSetBreakpoint would, but
	// without needing a live Consult call in progress first).
	d.breakpoints[0] = Breakpoint{Kind: BreakFunction, FunctionID: 0}
	d.nextBPID = 1

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.Consult(ctx, 0, model.Result{JobID: 1}, rs)
		close(done)
	}()

	select {
	case ev := <-d.Events():
		if ev.Trigger != "function" || ev.FunctionID != 0 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a suspension event")
	}

	if err := d.Send(ctx, Command{Kind: CmdContinue}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Consult to return after CmdContinue")
	}
}

func TestDataBreakpointMatchesCELExpression(t *testing.T) {
	d := New(nil)
	d.breakpoints[0] = Breakpoint{Kind: BreakData, FunctionID: -1, DataExpr: "value > 10"}
	d.nextBPID = 1

	out := model.Value(`42`)
	trigger := d.match(0, model.Result{JobID: 1, Outcome: model.Outcome{Value: &out}})
	if trigger != "data" {
		t.Fatalf("expected data breakpoint to match 42 > 10, got trigger %q", trigger)
	}

	small := model.Value(`1`)
	trigger = d.match(0, model.Result{JobID: 2, Outcome: model.Outcome{Value: &small}})
	if trigger != "" {
		t.Fatalf("expected no match for 1 > 10, got trigger %q", trigger)
	}
}

func TestStepSuspendsAfterNResults(t *testing.T) {
	d := New(nil)
	d.stepBudget = 2

	if trigger := d.match(0, model.Result{JobID: 1}); trigger != "" {
		t.Fatalf("expected no suspension on first of two step results, got %q", trigger)
	}
	if trigger := d.match(0, model.Result{JobID: 2}); trigger != "step" {
		t.Fatalf("expected suspension on second step result, got %q", trigger)
	}
}

func TestResetCommandInvokesResetFunc(t *testing.T) {
	resetCalled := false
	d := New(func(*runstate.RunState) { resetCalled = true })
	d.breakpoints[0] = Breakpoint{Kind: BreakFunction, FunctionID: 0}
	d.nextBPID = 1
	rs := newManifestRunState(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.Consult(ctx, 0, model.Result{JobID: 1}, rs)
		close(done)
	}()

	<-d.Events()
	if err := d.Send(ctx, Command{Kind: CmdReset}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Consult to return after CmdReset")
	}
	if !resetCalled {
		t.Fatal("expected reset function to be invoked")
	}
}
