// Package debugger implements the optional Debugger (spec.md §4.10): a
// breakpoint store plus synchronous suspend/resume between the
// Coordinator and a debug client, modeled as a request/response over Go
// channels per spec.md §9's design note.
package debugger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/flowmesh/flowrun/internal/model"
	"github.com/flowmesh/flowrun/internal/runstate"
)

// BreakpointKind names the six breakpoint predicates: function id, output
// route, input endpoint, block tuple, a data-value predicate, or a flow
// becoming quiescent (unblock).
type BreakpointKind string

const (
	BreakFunction BreakpointKind = "function"
	BreakOutput   BreakpointKind = "output"
	BreakInput    BreakpointKind = "input"
	BreakBlock    BreakpointKind = "block"
	BreakData     BreakpointKind = "data"
	BreakUnblock  BreakpointKind = "unblock"
)

// Breakpoint is one stored condition. Only the fields relevant to Kind
// are consulted.
type Breakpoint struct {
	Kind BreakpointKind

	FunctionID int // BreakFunction, BreakInput, BreakData (FunctionID<0 means any)
	InputIndex int // BreakInput

	OutputRoute model.Route // BreakOutput

	BlockProducer int // BreakBlock (-1 means any)
	BlockConsumer int // BreakBlock (-1 means any)

	DataExpr string // BreakData: CEL expression over `value` (the decoded result value)

	FlowID int // BreakUnblock (-1 means any)
}

// CommandKind names the vocabulary a debug client may send while the
// coordinator is suspended (spec.md §4.10: "continue, step N, set
// breakpoint, delete breakpoint, inspect state, reset, exit").
type CommandKind string

const (
	CmdContinue         CommandKind = "continue"
	CmdStep             CommandKind = "step"
	CmdSetBreakpoint    CommandKind = "set_breakpoint"
	CmdDeleteBreakpoint CommandKind = "delete_breakpoint"
	CmdInspect          CommandKind = "inspect"
	CmdReset            CommandKind = "reset"
	CmdExit             CommandKind = "exit"
)

// Command is one message sent by the debug client.
type Command struct {
	Kind         CommandKind
	StepCount    int        // CmdStep: number of results to let pass before suspending again
	Breakpoint   Breakpoint // CmdSetBreakpoint
	BreakpointID int        // CmdDeleteBreakpoint
}

// Event is one message sent to the debug client, emitted either when a
// breakpoint fires or in response to CmdInspect (spec.md §4.10
// "Inspection is read-only").
type Event struct {
	FunctionID int
	FlowID     int // set instead of FunctionID/State/Result for an "unblock" trigger
	Trigger    string
	State      runstate.State
	Result     model.Result
}

// ResetFunc re-initializes rs from the original manifest, satisfying
// CmdReset (spec.md §4.10 "reset re-initializes Run State from the
// manifest"). rs is the same RunState Consult was called with, so the
// closure only needs to close over the manifest, not the RunState itself.
type ResetFunc func(rs *runstate.RunState)

// Debugger holds breakpoints and exposes Events/Commands channels for a
// debug client (wired to internal/debugserver's HTTP surface, or a
// direct in-process client in tests).
type Debugger struct {
	mu          sync.Mutex
	breakpoints map[int]Breakpoint
	nextBPID    int
	stepBudget  int // >0: consult calls decrement this instead of matching breakpoints
	programs    map[string]cel.Program
	exited      bool

	events   chan Event
	commands chan Command
	reset    ResetFunc
}

// New creates a Debugger with no breakpoints and an empty step budget
// (i.e. it only suspends on an explicitly set breakpoint, never on every
// result, until Step is requested).
func New(reset ResetFunc) *Debugger {
	return &Debugger{
		breakpoints: map[int]Breakpoint{},
		programs:    map[string]cel.Program{},
		events:      make(chan Event),
		commands:    make(chan Command),
		reset:       reset,
	}
}

// Events is the channel a debug client reads suspension notifications
// from.
func (d *Debugger) Events() <-chan Event { return d.events }

// SetBreakpoint registers a breakpoint directly, without going through the
// suspend/resume command channel. A debug client needs this before the
// coordinator has ever suspended (e.g. to arm a function breakpoint before
// a submission starts), so breakpoint CRUD is not gated behind an active
// Consult call the way Continue/Step/Inspect/Reset/Exit are.
func (d *Debugger) SetBreakpoint(bp Breakpoint) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextBPID
	d.breakpoints[id] = bp
	d.nextBPID++
	return id
}

// DeleteBreakpoint removes a breakpoint by id. A no-op if the id is unknown.
func (d *Debugger) DeleteBreakpoint(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.breakpoints, id)
}

// Breakpoints returns a snapshot of all currently registered breakpoints,
// keyed by id, for a debug client's list/inspect view.
func (d *Debugger) Breakpoints() map[int]Breakpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[int]Breakpoint, len(d.breakpoints))
	for id, bp := range d.breakpoints {
		out[id] = bp
	}
	return out
}

// Send delivers one command from the debug client. It blocks until the
// Debugger is ready to receive it (i.e. currently suspended inside
// Consult), matching the synchronous request/response model.
func (d *Debugger) Send(ctx context.Context, cmd Command) error {
	select {
	case d.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consult is called by the Coordinator once per applied result
// (spec.md §4.10: "between any two coordinator iterations where a
// breakpoint would fire, the coordinator suspends"). It blocks until a
// CmdContinue, CmdStep, CmdReset, or CmdExit is received, applying any
// CmdSetBreakpoint/CmdDeleteBreakpoint/CmdInspect commands received in
// between without resuming.
func (d *Debugger) Consult(ctx context.Context, fid int, result model.Result, rs *runstate.RunState) {
	trigger := d.match(fid, result)
	if trigger == "" {
		return
	}

	state, _ := rs.Snapshot(fid)
	d.suspend(ctx, fid, Event{FunctionID: fid, Trigger: trigger, State: state, Result: result}, rs)
}

// ConsultUnblock is called by the Coordinator once per flow transition into
// quiescence (spec.md §4.8 "flow becomes quiescent" -> FlowUnblock event,
// "used for debugger breakpoints and backpressure tests"). It suspends only
// if a BreakUnblock breakpoint matching flowID is registered.
func (d *Debugger) ConsultUnblock(ctx context.Context, flowID int, rs *runstate.RunState) {
	if !d.matchUnblock(flowID) {
		return
	}
	d.suspend(ctx, -1, Event{FlowID: flowID, Trigger: "unblock"}, rs)
}

// suspend emits ev and blocks processing debug-client commands until one of
// CmdContinue/CmdStep/CmdReset/CmdExit resumes it, shared by Consult and
// ConsultUnblock. fid is used only to serve CmdInspect snapshots; -1 means
// no single function is in scope (an unblock suspend).
func (d *Debugger) suspend(ctx context.Context, fid int, ev Event, rs *runstate.RunState) {
	if !d.emit(ctx, ev) {
		return
	}

	for {
		select {
		case cmd := <-d.commands:
			switch cmd.Kind {
			case CmdContinue:
				return
			case CmdStep:
				n := cmd.StepCount
				if n <= 0 {
					n = 1
				}
				d.mu.Lock()
				d.stepBudget = n
				d.mu.Unlock()
				return
			case CmdSetBreakpoint:
				d.SetBreakpoint(cmd.Breakpoint)
			case CmdDeleteBreakpoint:
				d.DeleteBreakpoint(cmd.BreakpointID)
			case CmdInspect:
				snap, _ := rs.Snapshot(fid)
				if !d.emit(ctx, Event{FunctionID: fid, Trigger: "inspect", State: snap}) {
					return
				}
			case CmdReset:
				if d.reset != nil {
					d.reset(rs)
				}
				return
			case CmdExit:
				d.mu.Lock()
				d.exited = true
				d.mu.Unlock()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (d *Debugger) emit(ctx context.Context, ev Event) bool {
	select {
	case d.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Exited reports whether a CmdExit has been received.
func (d *Debugger) Exited() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exited
}

// match decides whether this result should suspend the coordinator,
// returning the trigger name or "" for no match.
func (d *Debugger) match(fid int, result model.Result) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stepBudget > 0 {
		d.stepBudget--
		if d.stepBudget == 0 {
			return "step"
		}
		return ""
	}

	for _, bp := range d.breakpoints {
		switch bp.Kind {
		case BreakFunction:
			if bp.FunctionID < 0 || bp.FunctionID == fid {
				return "function"
			}
		case BreakInput:
			// An input breakpoint fires on any result applied to its
			// owning function, since that is when the function's inputs
			// next change shape; the debug client narrows further via
			// CmdInspect.
			if bp.FunctionID == fid {
				return "input"
			}
		case BreakData:
			if bp.FunctionID >= 0 && bp.FunctionID != fid {
				continue
			}
			if d.evaluateDataBreakpoint(bp, result) {
				return "data"
			}
		case BreakOutput, BreakBlock:
			// Stored but never matched: match sees only fid and result,
			// not route or block-tuple data, so these kinds do not fire.
		}
	}
	return ""
}

// matchUnblock reports whether a BreakUnblock breakpoint matches flowID.
func (d *Debugger) matchUnblock(flowID int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, bp := range d.breakpoints {
		if bp.Kind == BreakUnblock && (bp.FlowID < 0 || bp.FlowID == flowID) {
			return true
		}
	}
	return false
}

func (d *Debugger) evaluateDataBreakpoint(bp Breakpoint, result model.Result) bool {
	if result.Outcome.Value == nil {
		return false
	}
	prg, err := d.compile(bp.DataExpr)
	if err != nil {
		return false
	}
	var decoded interface{}
	if err := json.Unmarshal(*result.Outcome.Value, &decoded); err != nil {
		return false
	}
	out, _, err := prg.Eval(map[string]interface{}{"value": decoded})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func (d *Debugger) compile(expr string) (cel.Program, error) {
	if prg, ok := d.programs[expr]; ok {
		return prg, nil
	}
	env, err := cel.NewEnv(cel.Variable("value", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("creating CEL env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compiling data breakpoint expression %q: %w", expr, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("building CEL program for %q: %w", expr, err)
	}
	d.programs[expr] = prg
	return prg, nil
}
