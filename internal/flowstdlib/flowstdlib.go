// Package flowstdlib provides native Go implementations for the small set
// of "lib://flowstdlib/..." functions exercised by this runtime's example
// flows (spec.md §8 e2e scenarios "add" and "compare-switch"), grounded on
// original_source's flowstdlib/control/compare_switch/compare_switch.rs and
// the module's data/*.rs "pure arithmetic" sibling functions.
package flowstdlib

import (
	"context"
	"encoding/json"
	"math"

	"github.com/flowmesh/flowrun/internal/implementation"
)

// Library returns the locator -> Implementation mapping for every function
// this package provides, suitable for direct native registration by the
// Runtime Loader (spec.md §4.5 "lib://name/... -> ... a statically linked
// native closure").
func Library() map[string]implementation.Implementation {
	return map[string]implementation.Implementation{
		"lib://flowstdlib/math/add":             implementation.NativeFunc(add),
		"lib://flowstdlib/control/compare_switch": implementation.NativeFunc(compareSwitch),
	}
}

// add sums its two numeric inputs (spec.md §8 "add" scenario).
func add(_ context.Context, inputs []implementation.Value) (*implementation.Value, bool, error) {
	if len(inputs) != 2 {
		return nil, false, nil
	}
	var a, b float64
	if err := json.Unmarshal(inputs[0], &a); err != nil {
		return nil, false, nil
	}
	if err := json.Unmarshal(inputs[1], &b); err != nil {
		return nil, false, nil
	}
	out, err := json.Marshal(a + b)
	if err != nil {
		return nil, false, err
	}
	v := implementation.Value(out)
	return &v, false, nil
}

// compareSwitch compares its two numeric inputs and, on every output route
// whose relation holds, emits the right-hand value on "equal" and "right-*"
// routes and the left-hand value on "left-*" routes, mirroring
// compare_switch.rs's output_map construction exactly (spec.md §8
// "compare-switch" scenario).
func compareSwitch(_ context.Context, inputs []implementation.Value) (*implementation.Value, bool, error) {
	if len(inputs) != 2 {
		return nil, true, nil
	}
	var left, right float64
	if err := json.Unmarshal(inputs[0], &left); err != nil {
		return nil, true, nil
	}
	if err := json.Unmarshal(inputs[1], &right); err != nil {
		return nil, true, nil
	}

	out := map[string]float64{}
	switch {
	case math.Abs(right-left) < 1e-9:
		out["equal"] = right
		out["right-lte"] = right
		out["left-gte"] = left
		out["right-gte"] = right
		out["left-lte"] = left
	case right < left:
		out["right-lt"] = right
		out["left-gt"] = left
		out["right-lte"] = right
		out["left-gte"] = left
	case right > left:
		out["right-gt"] = right
		out["left-lt"] = left
		out["right-gte"] = right
		out["left-lte"] = left
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, false, err
	}
	v := implementation.Value(data)
	return &v, true, nil
}
