// Package manifest implements the Manifest Generator pipeline stage:
// serializing CompilerTables plus metadata into a FlowManifest of stable
// schema (spec.md §4.4, §6).
package manifest

import (
	"encoding/json"
	"sort"

	"github.com/flowmesh/flowrun/internal/compiler"
	"github.com/flowmesh/flowrun/internal/model"
)

// Options controls optional manifest content.
type Options struct {
	Metadata    model.Metadata
	WithSymbols bool              // include source_urls (spec.md §4.4)
	SourceURLs  []model.SourceURLPair
}

// Generate builds a FlowManifest from compiled tables (spec.md §4.4):
// metadata block, sorted library references, sorted context references,
// functions in id order with fully resolved locators, and (when requested)
// the set of (original_url, resolved_url) pairs.
func Generate(tables *model.CompilerTables, opts Options) *model.FlowManifest {
	m := &model.FlowManifest{
		Metadata:          opts.Metadata,
		LibReferences:     compiler.SortedStrings(keys(tables.Libs)),
		ContextReferences: compiler.SortedStrings(keys(tables.ContextRefs)),
	}

	functions := append([]*model.RuntimeFunction(nil), tables.Functions...)
	sortByID(functions)

	for _, f := range functions {
		mf := model.ManifestFunction{
			Name:                   f.Name.String(),
			Route:                  f.Route,
			FunctionID:             f.ID,
			FlowID:                 f.FlowID,
			ImplementationLocation: f.ImplementationLocation,
			Reentrant:              f.Reentrant,
		}
		for _, in := range f.Inputs {
			mf.Inputs = append(mf.Inputs, model.ManifestIO{
				Initializer: in.Initializer,
				Depth:       in.Depth,
			})
		}
		for _, conn := range tables.CollapsedConnections {
			if conn.FromRoute != f.Route {
				continue
			}
			dest, ok := tables.DestinationRoutes[conn.ToRoute]
			if !ok {
				continue
			}
			mf.OutputConnections = append(mf.OutputConnections, model.OutputConnection{
				SubRoute:        conn.SubRoute,
				FunctionID:      dest.FunctionID,
				IONumber:        dest.InputIndex,
				FlowID:          dest.FlowID,
				ArrayLevelSerde: signedArrayLevel(conn),
				Route:           conn.ToRoute,
			})
		}
		m.Functions = append(m.Functions, mf)
	}

	if opts.WithSymbols {
		m.SourceURLs = opts.SourceURLs
	}
	return m
}

// Canonical serializes m as canonical JSON: map keys are already emitted in
// struct-declaration order by encoding/json, and every slice above is
// pre-sorted, so two compiles of byte-identical input produce byte-identical
// output (spec.md §4.2 "Determinism", §4.4 "canonical JSON").
func Canonical(m *model.FlowManifest) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// signedArrayLevel collapses a Connection's (Serde, ArrayLevelSerde) pair
// into the single signed integer the on-disk manifest carries (see
// model.OutputConnection.ArrayLevelSerde).
func signedArrayLevel(c model.Connection) int {
	switch c.Serde {
	case model.SerdeArraySerialize:
		return c.ArrayLevelSerde
	case model.SerdeWrapAsArray:
		return -c.ArrayLevelSerde
	default:
		return 0
	}
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func sortByID(fns []*model.RuntimeFunction) {
	sort.Slice(fns, func(i, j int) bool { return fns[i].ID < fns[j].ID })
}
