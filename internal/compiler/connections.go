package compiler

import (
	"fmt"
	"strings"

	"github.com/flowmesh/flowrun/internal/model"
)

// normalizeConnections implements phase (b): rewrite every declared
// connection's flow-local endpoints into absolute routes, inferring
// array-level conversions from the endpoints' declared types (spec.md
// §4.2(b)). It also assigns routes to every IO port (function and flow)
// encountered along the way, since the loader only assigns routes to
// functions and flows themselves, not to their individual ports.
func (c *compilation) normalizeConnections(p *model.Process) ([]model.Connection, error) {
	if p.Function != nil {
		assignPortRoutes(p.Function.Route, p.Function.Inputs)
		assignPortRoutes(p.Function.Route, p.Function.Outputs)
		return nil, nil
	}

	fl := p.Flow
	assignPortRoutes(fl.Route, fl.Inputs)
	assignPortRoutes(fl.Route, fl.Outputs)
	for _, io := range fl.Inputs {
		c.flowPortRoutes[io.Route] = true
	}
	for _, io := range fl.Outputs {
		c.flowPortRoutes[io.Route] = true
	}
	for _, ref := range fl.Processes {
		if child := ref.Resolved; child != nil && child.Function != nil {
			assignPortRoutes(child.Function.Route, child.Function.Inputs)
			assignPortRoutes(child.Function.Route, child.Function.Outputs)
		} else if child != nil && child.Flow != nil {
			assignPortRoutes(child.Flow.Route, child.Flow.Inputs)
			assignPortRoutes(child.Flow.Route, child.Flow.Outputs)
		}
	}

	var out []model.Connection
	for _, raw := range fl.Connections {
		fromRoute, fromType, err := resolveEndpoint(fl, raw.From, true)
		if err != nil {
			return nil, fmt.Errorf("flow %q connection %q: %w", fl.Name, raw.Name, err)
		}
		toRoute, toType, err := resolveEndpoint(fl, raw.To, false)
		if err != nil {
			return nil, fmt.Errorf("flow %q connection %q: %w", fl.Name, raw.Name, err)
		}
		serde, level, err := inferSerde(fromType, toType)
		if err != nil {
			return nil, fmt.Errorf("flow %q connection %q: %w", fl.Name, raw.Name, err)
		}
		out = append(out, model.Connection{
			Name:            raw.Name,
			FromRoute:       fromRoute,
			ToRoute:         toRoute,
			Serde:           serde,
			ArrayLevelSerde: level,
		})
	}

	for _, ref := range fl.Processes {
		if ref.Resolved == nil {
			continue
		}
		childConns, err := c.normalizeConnections(ref.Resolved)
		if err != nil {
			return nil, err
		}
		out = append(out, childConns...)
	}
	return out, nil
}

func assignPortRoutes(base model.Route, ios []model.IO) {
	for i := range ios {
		ios[i].Route = base.Join(ios[i].Name)
	}
}

// resolveEndpoint resolves a flow-local connection endpoint ("port" or
// "alias/port") to an absolute route and declared type. isFrom selects
// whether an unaliased bare "port" name refers to the flow's own input
// (source side, pass-through data already available) or its own output
// (destination side, the flow's external result).
func resolveEndpoint(fl *model.FlowDefinition, spec string, isFrom bool) (model.Route, model.DataType, error) {
	alias, port, hasAlias := splitEndpoint(spec)

	if !hasAlias {
		ios := fl.Outputs
		if isFrom {
			ios = fl.Inputs
		}
		io, ok := findIO(ios, model.Name(port))
		if !ok {
			return "", "", fmt.Errorf("%w: %q has no own %s port %q", model.ErrConnection, fl.Name, sideName(isFrom), port)
		}
		return io.Route, io.DataType, nil
	}

	child, ok := fl.Children[model.Name(alias)]
	if !ok {
		return "", "", fmt.Errorf("%w: %q references unknown process alias %q", model.ErrConnection, fl.Name, alias)
	}

	var ios []model.IO
	switch {
	case child.Function != nil:
		if isFrom {
			ios = child.Function.Outputs
		} else {
			ios = child.Function.Inputs
		}
	case child.Flow != nil:
		if isFrom {
			ios = child.Flow.Outputs
		} else {
			ios = child.Flow.Inputs
		}
	}
	io, ok := findIO(ios, model.Name(port))
	if !ok {
		return "", "", fmt.Errorf("%w: process %q has no %s port %q", model.ErrConnection, alias, sideName(isFrom), port)
	}
	return io.Route, io.DataType, nil
}

func sideName(isFrom bool) string {
	if isFrom {
		return "output"
	}
	return "input"
}

func splitEndpoint(spec string) (alias, port string, hasAlias bool) {
	idx := strings.Index(spec, "/")
	if idx < 0 {
		return "", spec, false
	}
	return spec[:idx], spec[idx+1:], true
}

func findIO(ios []model.IO, name model.Name) (model.IO, bool) {
	for _, io := range ios {
		if io.Name == name {
			return io, true
		}
	}
	return model.IO{}, false
}

// inferSerde implements spec.md §4.2(b)'s type-conversion rule: array-depth
// differences between source and destination types are converted into a
// serde hint; any other type mismatch is fatal.
func inferSerde(from, to model.DataType) (model.ArraySerde, int, error) {
	if from == to {
		return model.SerdeNone, 0, nil
	}
	if from.Base() != to.Base() && from.Base() != "" && to.Base() != "" {
		return "", 0, fmt.Errorf("%w: incompatible types %q -> %q", model.ErrConnection, from, to)
	}
	diff := from.Depth() - to.Depth()
	switch {
	case diff > 0:
		return model.SerdeArraySerialize, diff, nil
	case diff < 0:
		return model.SerdeWrapAsArray, -diff, nil
	default:
		return model.SerdeNone, 0, nil
	}
}

// collapse implements phase (c): flow input/output ports are pass-throughs,
// not runtime entities. Any edge landing on, or leaving from, a flow port
// route is spliced with the edges on its other side, composing array-level
// conversions additively, iterated to a fixed point, then deduplicated by
// (source_route, destination_route) (grounded on checker.rs's
// remove_duplicates).
func (c *compilation) collapse(conns []model.Connection) ([]model.Connection, error) {
	current := append([]model.Connection(nil), conns...)

	for {
		var next []model.Connection
		changed := false

		for _, edge := range current {
			if c.flowPortRoutes[edge.ToRoute] {
				changed = true
				for _, out := range current {
					if out.FromRoute == edge.ToRoute {
						next = append(next, spliceEdges(edge, out))
					}
				}
				continue
			}
			if c.flowPortRoutes[edge.FromRoute] {
				// handled when visited as the "To" side of its feeder edge
				// above; drop here to avoid duplicating the splice.
				isFedFromElsewhere := false
				for _, in := range current {
					if in.ToRoute == edge.FromRoute {
						isFedFromElsewhere = true
						break
					}
				}
				if isFedFromElsewhere {
					changed = true
					continue
				}
			}
			next = append(next, edge)
		}

		if !changed {
			break
		}
		current = next
	}

	return dedupeConnections(current), nil
}

func spliceEdges(first, second model.Connection) model.Connection {
	level := signedLevel(first) + signedLevel(second)
	serde, absLevel := fromSigned(level)
	return model.Connection{
		FromRoute:       first.FromRoute,
		ToRoute:         second.ToRoute,
		Serde:           serde,
		ArrayLevelSerde: absLevel,
	}
}

func signedLevel(c model.Connection) int {
	switch c.Serde {
	case model.SerdeArraySerialize:
		return c.ArrayLevelSerde
	case model.SerdeWrapAsArray:
		return -c.ArrayLevelSerde
	default:
		return 0
	}
}

func fromSigned(n int) (model.ArraySerde, int) {
	switch {
	case n > 0:
		return model.SerdeArraySerialize, n
	case n < 0:
		return model.SerdeWrapAsArray, -n
	default:
		return model.SerdeNone, 0
	}
}

func dedupeConnections(conns []model.Connection) []model.Connection {
	seen := map[string]bool{}
	var out []model.Connection
	for _, c := range conns {
		k := c.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, c)
	}
	return out
}
