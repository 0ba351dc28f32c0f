// Package compiler implements the Compiler pipeline stage: flattening a
// nested FlowDefinition into CompilerTables (spec.md §4.2), grounded on
// original_source's flowclib/src/compiler/{checker,runnables}.rs, adapted
// from the teacher's patch-validator-then-transform shape
// (common/validation/patch_validator.go).
package compiler

import (
	"fmt"
	"sort"

	"github.com/flowmesh/flowrun/internal/model"
)

// Compile runs all phases of spec.md §4.2 over root and returns the
// resulting CompilerTables, or the first diagnostic encountered.
func Compile(root *model.Process) (*model.CompilerTables, error) {
	c := &compilation{
		tables:          model.NewCompilerTables(),
		flowPortRoutes:  map[model.Route]bool{},
	}

	// (a) route assignment: depth-first, dense ids starting at 0.
	c.assignRoutes(root)

	// (b) connection normalization, recursively per flow.
	conns, err := c.normalizeConnections(root)
	if err != nil {
		return nil, err
	}
	c.tables.Connections = conns

	// (c) collapse flow ports.
	collapsed, err := c.collapse(conns)
	if err != nil {
		return nil, err
	}
	c.tables.CollapsedConnections = collapsed

	// (d) competing inputs.
	if err := checkCompetingInputs(collapsed); err != nil {
		return nil, err
	}

	// (e) dead-code elimination.
	live := deadCodeEliminate(c.tables.Functions, collapsed)

	// (f) unused-input check, over the surviving set.
	if err := checkFunctionInputs(c.tables.Functions, live, collapsed); err != nil {
		return nil, err
	}

	// (g) table build.
	buildTables(c.tables, live, collapsed)

	return c.tables, nil
}

type compilation struct {
	tables         *model.CompilerTables
	flowPortRoutes map[model.Route]bool
}

// assignRoutes performs phase (a): a depth-first walk in declaration order,
// assigning each function a dense integer id and its fully qualified
// route, and collecting lib/context references along the way.
func (c *compilation) assignRoutes(p *model.Process) {
	switch {
	case p.Function != nil:
		f := p.Function
		rf := &model.RuntimeFunction{
			ID:                     len(c.tables.Functions),
			Name:                   f.Name,
			Docs:                   f.Docs,
			Route:                  f.Route,
			FlowID:                 f.FlowID,
			ImplementationLocation: f.ImplementationLocation,
			Inputs:                 f.Inputs,
			Outputs:                f.Outputs,
			IsImpure:               f.IsImpure,
			Reentrant:              f.Reentrant,
		}
		c.tables.Functions = append(c.tables.Functions, rf)
		if f.LibReference != "" {
			c.tables.Libs[f.LibReference] = struct{}{}
		}
		if hasContextScheme(f.ImplementationLocation) {
			c.tables.ContextRefs[f.ImplementationLocation] = struct{}{}
		}
	case p.Flow != nil:
		for _, ref := range p.Flow.Processes {
			if ref.Resolved != nil {
				c.assignRoutes(ref.Resolved)
			}
		}
	}
}

func hasContextScheme(loc string) bool {
	return len(loc) > len("context://") && loc[:len("context://")] == "context://"
}

func checkCompetingInputs(collapsed []model.Connection) error {
	type sender struct {
		from model.Route
	}
	used := map[model.Route]sender{}
	for _, conn := range collapsed {
		prev, seen := used[conn.ToRoute]
		if seen {
			if prev.from == conn.FromRoute {
				return fmt.Errorf("%w: multiple outputs from %q send to input route %q", model.ErrValidation, conn.FromRoute, conn.ToRoute)
			}
			return fmt.Errorf("%w: input route %q is fed by competing sources %q and %q", model.ErrValidation, conn.ToRoute, prev.from, conn.FromRoute)
		}
		used[conn.ToRoute] = sender{from: conn.FromRoute}
	}
	return nil
}

// deadCodeEliminate implements phase (e): starting from impure functions,
// walk edges backward (dest -> source) to find every function transitively
// reachable as a source, iterated to a fixed point.
func deadCodeEliminate(functions []*model.RuntimeFunction, collapsed []model.Connection) map[model.Route]bool {
	byRoute := map[model.Route]*model.RuntimeFunction{}
	for _, f := range functions {
		byRoute[f.Route] = f
	}

	// incoming[dest] = list of source function routes feeding it.
	incoming := map[model.Route][]model.Route{}
	for _, conn := range collapsed {
		incoming[conn.ToRoute] = append(incoming[conn.ToRoute], conn.FromRoute)
	}

	live := map[model.Route]bool{}
	for _, f := range functions {
		if f.IsImpure {
			live[f.Route] = true
		}
	}

	for changed := true; changed; {
		changed = false
		for route := range live {
			f := byRoute[route]
			if f == nil {
				continue
			}
			for _, in := range f.Inputs {
				for _, src := range incoming[in.Route] {
					srcFn := routeToFunction(byRoute, src)
					if srcFn != nil && !live[srcFn.Route] {
						live[srcFn.Route] = true
						changed = true
					}
				}
			}
		}
	}
	return live
}

// routeToFunction finds the function owning the output route src, which
// may be a sub-route of the function's own route rather than an exact
// match (an output port's route is the function's route plus the port
// name), by walking src's parents until one is a function route.
func routeToFunction(byRoute map[model.Route]*model.RuntimeFunction, src model.Route) *model.RuntimeFunction {
	if f, ok := byRoute[src]; ok {
		return f
	}
	parent, _ := src.Parent()
	for parent != "" && parent != "/" {
		if f, ok := byRoute[parent]; ok {
			return f
		}
		parent, _ = parent.Parent()
	}
	return nil
}

// checkFunctionInputs implements phase (f): every surviving function's
// inputs must have either an initializer or a surviving inbound
// connection.
func checkFunctionInputs(functions []*model.RuntimeFunction, live map[model.Route]bool, collapsed []model.Connection) error {
	fed := map[model.Route]bool{}
	for _, conn := range collapsed {
		fed[conn.ToRoute] = true
	}
	for _, f := range functions {
		if !live[f.Route] {
			continue
		}
		for _, in := range f.Inputs {
			if in.Initializer != nil {
				continue
			}
			if !fed[in.Route] {
				return fmt.Errorf("%w: input %q of function %q at %q has neither an initializer nor a connection", model.ErrValidation, in.Name, f.Name, f.Route)
			}
		}
	}
	return nil
}

func buildTables(tables *model.CompilerTables, live map[model.Route]bool, collapsed []model.Connection) {
	var surviving []*model.RuntimeFunction
	for _, f := range tables.Functions {
		if live[f.Route] {
			surviving = append(surviving, f)
		}
	}
	tables.Functions = surviving

	byRoute := map[model.Route]*model.RuntimeFunction{}
	for _, f := range surviving {
		byRoute[f.Route] = f
	}

	var liveConns []model.Connection
	for _, conn := range collapsed {
		if routeToFunction(byRoute, conn.FromRoute) != nil {
			liveConns = append(liveConns, conn)
		}
	}
	tables.CollapsedConnections = liveConns

	for _, f := range surviving {
		tables.Sources[f.Route] = model.SourceEntry{FunctionID: f.ID}
	}
	for _, conn := range liveConns {
		destFn := routeToFunction(byRoute, conn.ToRoute)
		if destFn == nil {
			continue
		}
		inputIdx := inputIndexOf(destFn, conn.ToRoute)
		tables.DestinationRoutes[conn.ToRoute] = model.DestinationEntry{
			FunctionID: destFn.ID,
			InputIndex: inputIdx,
			FlowID:     destFn.FlowID,
		}
	}
}

func inputIndexOf(f *model.RuntimeFunction, route model.Route) int {
	for i, in := range f.Inputs {
		if in.Route == route {
			return i
		}
	}
	return 0
}

// SortedStrings returns s sorted in place, used by the manifest generator
// to produce deterministic (spec.md §4.2 "Determinism") reference lists.
func SortedStrings(s []string) []string {
	sort.Strings(s)
	return s
}
