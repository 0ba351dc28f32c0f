package model

import (
	"encoding/json"
	"fmt"
)

// Value is a runtime payload flowing along a connection: raw JSON so that
// every Implementation variant (native Go closure, WASM module, library
// indirection) shares the same wire shape used for message-queue transport
// (spec.md §6 job/result payloads).
type Value = json.RawMessage

// Job is one invocation of a function with a specific input set
// (spec.md glossary, §4.6 wire format).
type Job struct {
	JobID              uint64   `json:"job_id"`
	InputSet           []Value  `json:"input_set"`
	ImplementationURL  string   `json:"implementation_url"`

	// FunctionID/FlowID are coordinator-local bookkeeping, not part of the
	// wire payload sent to executors (spec.md §6 only documents job_id,
	// input_set, implementation_url on the wire) but are needed by the
	// coordinator to route the result back; kept out of JSON via "-".
	FunctionID int `json:"-"`
	FlowID     int `json:"-"`
}

// Outcome is the executor-side result of running a Job.
type Outcome struct {
	Value    *Value
	RunAgain bool
}

// Result is the wire shape of a job outcome (spec.md §6):
// [job_id, {"Ok":[value|null, bool]} | {"Err": string}].
type Result struct {
	JobID   uint64
	Outcome Outcome
	ErrMsg  string
}

// MarshalJSON implements the two-arm tuple encoding from spec.md §6.
func (r Result) MarshalJSON() ([]byte, error) {
	var inner interface{}
	if r.ErrMsg != "" {
		inner = map[string]string{"Err": r.ErrMsg}
	} else {
		inner = map[string]interface{}{"Ok": []interface{}{r.Outcome.Value, r.Outcome.RunAgain}}
	}
	return json.Marshal([]interface{}{r.JobID, inner})
}

// UnmarshalJSON implements the two-arm tuple decoding from spec.md §6.
func (r *Result) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) != 2 {
		return fmt.Errorf("malformed result payload: %s", data)
	}
	if err := json.Unmarshal(raw[0], &r.JobID); err != nil {
		return err
	}
	var okArm struct {
		Ok []json.RawMessage `json:"Ok"`
	}
	if err := json.Unmarshal(raw[1], &okArm); err == nil && okArm.Ok != nil {
		if len(okArm.Ok) > 0 && string(okArm.Ok[0]) != "null" {
			v := Value(okArm.Ok[0])
			r.Outcome.Value = &v
		}
		if len(okArm.Ok) > 1 {
			return json.Unmarshal(okArm.Ok[1], &r.Outcome.RunAgain)
		}
		return nil
	}
	var errArm struct {
		Err string `json:"Err"`
	}
	if err := json.Unmarshal(raw[1], &errArm); err != nil {
		return err
	}
	r.ErrMsg = errArm.Err
	return nil
}
