// Package runstate implements the Run State: the coordinator's
// authoritative per-function readiness state machine (spec.md §3, §4.8).
// It is the single source of truth the Coordinator drives — dispatching
// ready functions, applying job results, tracking block relationships,
// and detecting flow quiescence and completion.
package runstate

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/flowmesh/flowrun/internal/model"
)

// State is the bitset of {Ready, Blocked, Waiting, Running, Completed}
// a function can occupy simultaneously, except Ready which is derived
// (spec.md §4.8 "a function may be in multiple of {Blocked, Waiting,
// Running} simultaneously; it is Ready iff in none of those and all
// inputs are available").
type State struct {
	Waiting   bool
	Blocked   bool
	Running   int
	Completed bool
	Faulted   bool
}

// IsReady reports whether fn is eligible for dispatch. A re-entrant
// function remains Ready while Running so a second job can be dispatched
// concurrently (spec.md §4.8 ordering guarantees); a non-re-entrant one
// does not.
func (s State) IsReady(reentrant bool) bool {
	if s.Waiting || s.Blocked || s.Completed || s.Faulted {
		return false
	}
	if s.Running > 0 && !reentrant {
		return false
	}
	return true
}

// pendingPush is a value a function produced but could not yet deliver
// because its destination input was at capacity (spec.md §3 invariant 4:
// "a block ... exists iff A's input i_a is already at capacity and B has
// a pending output targeting it").
type pendingPush struct {
	producer  int
	destInput int
	value     model.Value
}

type functionState struct {
	fn     model.ManifestFunction
	state  State
	inputs [][]model.Value // one FIFO queue per input, bounded by IO depth

	// pending holds this function's own undelivered outputs, keyed by the
	// destination input they are blocked on.
	pending []pendingPush
}

// RunState is the live execution state for one compiled flow submission.
// Exactly one mutex guards every mutation, matching spec.md §5's "single-
// threaded cooperative" coordinator model — callers never need their own
// locking.
type RunState struct {
	mu sync.Mutex

	manifest *model.FlowManifest
	byID     map[int]*functionState
	order    []int // function ids in manifest (declaration/id) order

	// upstreams[id] lists every function with an output connection landing
	// on some input of id, computed once at Initialize and used to decide
	// Completed (spec.md §4.8 "no source of fid is alive").
	upstreams map[int][]int

	ready    []int
	readySet map[int]bool

	nextJobID uint64
	jobOwner  map[uint64]int // job id -> function id, for result routing
}

// New builds an empty RunState; call Initialize to load a submission.
func New() *RunState {
	return &RunState{
		byID:      map[int]*functionState{},
		upstreams: map[int][]int{},
		readySet:  map[int]bool{},
		jobOwner:  map[uint64]int{},
	}
}

// Initialize loads a FlowManifest and computes every function's initial
// state (spec.md §4.8 "Submission start"): apply Once/Always initializers,
// compute readiness, and enqueue the Ready ones.
func (rs *RunState) Initialize(manifest *model.FlowManifest) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.manifest = manifest
	rs.byID = map[int]*functionState{}
	rs.upstreams = map[int][]int{}
	rs.ready = nil
	rs.readySet = map[int]bool{}
	rs.jobOwner = map[uint64]int{}
	rs.nextJobID = 0
	rs.order = nil

	for _, f := range manifest.Functions {
		fs := &functionState{fn: f, inputs: make([][]model.Value, len(f.Inputs))}
		rs.byID[f.FunctionID] = fs
		rs.order = append(rs.order, f.FunctionID)
	}

	for _, f := range manifest.Functions {
		for _, oc := range f.OutputConnections {
			rs.upstreams[oc.FunctionID] = append(rs.upstreams[oc.FunctionID], f.FunctionID)
		}
	}

	for _, id := range rs.order {
		fs := rs.byID[id]
		for i, in := range fs.fn.Inputs {
			if in.Initializer != nil {
				fs.inputs[i] = append(fs.inputs[i], model.Value(in.Initializer.Value))
			}
		}
		rs.recomputeWaiting(fs)
		rs.reevaluate(id)
	}
}

// capacity returns input i's declared depth, defaulting to 1 (spec.md §3
// invariant 3).
func capacity(in model.ManifestIO) int {
	if in.Depth <= 0 {
		return 1
	}
	return in.Depth
}

func (rs *RunState) recomputeWaiting(fs *functionState) {
	for i := range fs.fn.Inputs {
		if len(fs.inputs[i]) == 0 {
			fs.state.Waiting = true
			return
		}
	}
	fs.state.Waiting = false
}

func (rs *RunState) reevaluate(id int) {
	fs := rs.byID[id]
	ready := fs.state.IsReady(fs.fn.Reentrant)
	switch {
	case ready && !rs.readySet[id]:
		rs.readySet[id] = true
		rs.ready = append(rs.ready, id)
	case !ready && rs.readySet[id]:
		delete(rs.readySet, id)
		// left in place in rs.ready; PopReady skips stale entries lazily.
	}
}

// PopReady removes and returns the next ready function id in FIFO order,
// or ok=false if none is ready.
func (rs *RunState) PopReady() (id int, ok bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.popReadyLocked()
}

func (rs *RunState) popReadyLocked() (int, bool) {
	for len(rs.ready) > 0 {
		id := rs.ready[0]
		rs.ready = rs.ready[1:]
		if rs.readySet[id] {
			delete(rs.readySet, id)
			return id, true
		}
	}
	return 0, false
}

// ReadyLen reports the current ready-queue depth, used by the coordinator
// to bound its dispatch budget (spec.md §4.9 "Backpressure").
func (rs *RunState) ReadyLen() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.readySet)
}

// Dispatch takes one value from each input of fid and returns the Job to
// send, incrementing its in-flight count (spec.md §4.8 "dispatch(fid)").
// fid must currently be Ready (normally just popped via PopReady).
func (rs *RunState) Dispatch(fid int) (model.Job, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	fs, ok := rs.byID[fid]
	if !ok {
		return model.Job{}, fmt.Errorf("%w: unknown function id %d", model.ErrInvariantViolated, fid)
	}

	inputSet := make([]model.Value, len(fs.fn.Inputs))
	for i := range fs.fn.Inputs {
		if len(fs.inputs[i]) == 0 {
			return model.Job{}, fmt.Errorf("%w: dispatch(%d) called with empty input %d", model.ErrInvariantViolated, fid, i)
		}
		inputSet[i] = fs.inputs[i][0]
		fs.inputs[i] = fs.inputs[i][1:]
		rs.deliverPending(fid, i)
	}

	rs.nextJobID++
	jobID := rs.nextJobID
	rs.jobOwner[jobID] = fid
	fs.state.Running++

	rs.recomputeWaiting(fs)
	rs.reevaluate(fid)

	return model.Job{
		JobID:             jobID,
		InputSet:          inputSet,
		ImplementationURL: fs.fn.ImplementationLocation,
		FunctionID:        fid,
		FlowID:            fs.fn.FlowID,
	}, nil
}

// deliverPending delivers one pending push from another function's output
// into fid's just-freed input slot, if one is waiting for it, and
// re-evaluates the producer's Blocked status (spec.md §4.8 "block
// released": "when a consumer takes a value from an input, delete block
// entries naming it as the blocked input; re-evaluate the previously
// blocking function's state").
func (rs *RunState) deliverPending(fid, inputIdx int) {
	for _, producerID := range rs.order {
		producer := rs.byID[producerID]
		for i, p := range producer.pending {
			if p.destInput != inputIdx {
				continue
			}
			dest, ok := rs.byID[fid]
			if !ok {
				continue
			}
			// deliver only if this pending push actually targets fid.
			if !rs.pendingTargets(producerID, fid, i) {
				continue
			}
			dest.inputs[inputIdx] = append(dest.inputs[inputIdx], p.value)
			producer.pending = append(producer.pending[:i], producer.pending[i+1:]...)
			producer.state.Blocked = len(producer.pending) > 0
			rs.recomputeWaiting(dest)
			rs.reevaluate(fid)
			rs.reevaluate(producerID)
			return
		}
	}
}

// pendingTargets is a narrow helper kept separate from deliverPending's
// loop for clarity: a pendingPush only records the destination input
// index, since one producer can only be blocked against one destination
// function at a time per connection in this model.
func (rs *RunState) pendingTargets(producerID, destID, pendingIdx int) bool {
	producer := rs.byID[producerID]
	if pendingIdx >= len(producer.pending) {
		return false
	}
	for _, oc := range producer.fn.OutputConnections {
		if oc.FunctionID == destID && oc.IONumber == producer.pending[pendingIdx].destInput {
			return true
		}
	}
	return false
}

// Result applies a job outcome to Run State (spec.md §4.8 "result(jid, ok,
// out, run_again)").
func (rs *RunState) Result(jobID uint64, value *model.Value, runAgain bool, execErr error) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	fid, ok := rs.jobOwner[jobID]
	if !ok {
		return fmt.Errorf("%w: result for unknown job id %d", model.ErrInvariantViolated, jobID)
	}
	delete(rs.jobOwner, jobID)

	fs := rs.byID[fid]
	fs.state.Running--

	if execErr != nil {
		// Quarantine-on-fault (DESIGN.md Open Question resolution): a
		// faulted function produces no output and never fires again.
		fs.state.Faulted = true
		rs.reevaluate(fid)
		rs.cascadeDeadEnds(fid)
		return nil
	}

	if value != nil {
		rs.pushOutputs(fs, *value)
	}

	for i, in := range fs.fn.Inputs {
		if in.Initializer != nil && in.Initializer.Kind == model.InitAlways {
			fs.inputs[i] = append(fs.inputs[i], model.Value(in.Initializer.Value))
		}
	}
	rs.recomputeWaiting(fs)

	if !runAgain && rs.noUpstreamAlive(fid) && allEmpty(fs.inputs) {
		fs.state.Completed = true
	}

	rs.reevaluate(fid)
	if fs.state.Completed {
		rs.cascadeDeadEnds(fid)
	}
	return nil
}

// pushOutputs fans a job's output value out along every one of its
// function's declared output connections, in declaration order (spec.md
// §4.8 ordering guarantees: "pushed in the order of the function's
// declared output connections").
func (rs *RunState) pushOutputs(fs *functionState, value model.Value) {
	for _, oc := range fs.fn.OutputConnections {
		sub := value
		if oc.SubRoute != "" {
			res := gjson.GetBytes(value, oc.SubRoute)
			if !res.Exists() {
				continue
			}
			sub = model.Value(res.Raw)
		}
		for _, v := range applySerde(sub, oc.ArrayLevelSerde) {
			rs.push(fs.fn.FunctionID, oc.FunctionID, oc.IONumber, v)
		}
	}
}

// push delivers one value to destFn's input, or — if that input is at
// capacity — records it as a pending push and marks the producer Blocked
// (spec.md §4.8 "if any... push causes a capacity excess, register a
// block").
func (rs *RunState) push(producerID, destID, inputIdx int, value model.Value) {
	dest, ok := rs.byID[destID]
	if !ok {
		return
	}
	limit := capacity(dest.fn.Inputs[inputIdx])
	if len(dest.inputs[inputIdx]) < limit {
		dest.inputs[inputIdx] = append(dest.inputs[inputIdx], value)
		rs.recomputeWaiting(dest)
		rs.reevaluate(destID)
		return
	}

	producer := rs.byID[producerID]
	producer.pending = append(producer.pending, pendingPush{producer: producerID, destInput: inputIdx, value: value})
	producer.state.Blocked = true
	rs.reevaluate(producerID)
}

// applySerde expands one value into the list of values to push, per the
// signed array_level_serde convention (spec.md §3, §4.2(b); positive N =
// ArraySerialize N levels — flatten an array into individual pushes;
// negative N = WrapAsArray |N| levels — nest the value in that many
// single-element arrays).
func applySerde(value model.Value, level int) []model.Value {
	if level == 0 {
		return []model.Value{value}
	}
	if level < 0 {
		wrapped := value
		for i := 0; i < -level; i++ {
			b, err := json.Marshal([]json.RawMessage{json.RawMessage(wrapped)})
			if err != nil {
				return []model.Value{value}
			}
			wrapped = model.Value(b)
		}
		return []model.Value{wrapped}
	}

	values := []model.Value{value}
	for i := 0; i < level; i++ {
		var next []model.Value
		for _, v := range values {
			var elems []json.RawMessage
			if err := json.Unmarshal(v, &elems); err != nil {
				next = append(next, v)
				continue
			}
			for _, e := range elems {
				next = append(next, model.Value(e))
			}
		}
		values = next
	}
	return values
}

func allEmpty(queues [][]model.Value) bool {
	for _, q := range queues {
		if len(q) > 0 {
			return false
		}
	}
	return true
}

func (rs *RunState) noUpstreamAlive(fid int) bool {
	for _, up := range rs.upstreams[fid] {
		if fs, ok := rs.byID[up]; ok && !fs.state.Completed && !fs.state.Faulted {
			return false
		}
	}
	return true
}

// cascadeDeadEnds walks downstream from fid, marking Completed any function
// that can now never fire: every upstream producer is terminal and nothing
// is queued on any of its inputs. Without this, a sink whose sole producer
// faults before ever pushing output sits Waiting forever, since it never
// runs a job itself and so never reaches the noUpstreamAlive/allEmpty check
// in Result (spec.md §4.9: a faulted function is quarantined, the flow
// continues around it rather than deadlocking).
func (rs *RunState) cascadeDeadEnds(fid int) {
	fs := rs.byID[fid]
	queue := append([]int(nil), connectionTargets(fs.fn.OutputConnections)...)
	visited := map[int]bool{}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		ds, ok := rs.byID[id]
		if !ok || ds.state.Completed || ds.state.Faulted || ds.state.Running > 0 {
			continue
		}
		if !rs.noUpstreamAlive(id) || !allEmpty(ds.inputs) {
			continue
		}

		ds.state.Completed = true
		rs.reevaluate(id)
		queue = append(queue, connectionTargets(ds.fn.OutputConnections)...)
	}
}

func connectionTargets(ocs []model.OutputConnection) []int {
	ids := make([]int, len(ocs))
	for i, oc := range ocs {
		ids[i] = oc.FunctionID
	}
	return ids
}

// IsFlowQuiescent reports whether no function in flowID is Running and no
// function in flowID holds an undelivered pending push — the trigger for
// a FlowUnblock event (spec.md §4.8 "flow becomes quiescent").
func (rs *RunState) IsFlowQuiescent(flowID int) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for _, id := range rs.order {
		fs := rs.byID[id]
		if fs.fn.FlowID != flowID {
			continue
		}
		if fs.state.Running > 0 || len(fs.pending) > 0 {
			return false
		}
	}
	return true
}

// Snapshot returns a read-only copy of one function's state, for
// inspection by the Debugger (spec.md §4.10 "Inspection is read-only").
func (rs *RunState) Snapshot(fid int) (State, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	fs, ok := rs.byID[fid]
	if !ok {
		return State{}, false
	}
	return fs.state, true
}

// FunctionOf returns the owning function id for an in-flight job, used by
// the Coordinator to correlate a Dispatcher result back to Run State.
func (rs *RunState) FunctionOf(jobID uint64) (int, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	id, ok := rs.jobOwner[jobID]
	return id, ok
}

// AllCompleted reports whether every function has reached a terminal
// state — Completed, or Faulted under the quarantine-on-fault policy
// (spec.md §4.9 "the flow continues... effectively removing [faulted
// functions] from scheduling") — i.e. the submission has nothing left to
// dispatch and never will again.
func (rs *RunState) AllCompleted() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, id := range rs.order {
		s := rs.byID[id].state
		if !s.Completed && !s.Faulted {
			return false
		}
	}
	return true
}
