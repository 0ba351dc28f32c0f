package model

// SourceEntry records which function (and optional sub-route) feeds an
// output route, used by the compiler's competing-input check and by the
// runtime's result fan-out.
type SourceEntry struct {
	SubRoute   string
	FunctionID int
}

// DestinationEntry records which function/input a connection lands on.
type DestinationEntry struct {
	FunctionID int
	InputIndex int
	FlowID     int
}

// CompilerTables is the output of compilation (spec.md §3).
type CompilerTables struct {
	Functions []*RuntimeFunction `json:"functions"`

	// Connections holds the raw, route-normalized connections across all
	// nesting levels, before collapse (spec.md §4.2(b) output).
	Connections []Connection `json:"connections"`

	// CollapsedConnections is the transitive closure with all flow-boundary
	// hops removed (spec.md §4.2(c)).
	CollapsedConnections []Connection `json:"collapsed_connections"`

	Sources            map[Route]SourceEntry      `json:"-"`
	DestinationRoutes  map[Route]DestinationEntry `json:"-"`

	Libs        map[string]struct{} `json:"-"`
	ContextRefs map[string]struct{} `json:"-"`
}

// NewCompilerTables returns an empty CompilerTables with maps initialized.
func NewCompilerTables() *CompilerTables {
	return &CompilerTables{
		Sources:           map[Route]SourceEntry{},
		DestinationRoutes: map[Route]DestinationEntry{},
		Libs:              map[string]struct{}{},
		ContextRefs:       map[string]struct{}{},
	}
}

// FunctionByID returns the function with the given id, or nil. Ids are not
// renumbered after dead-code elimination (spec.md §4.2(e)), so this cannot
// assume t.Functions is densely indexed by id.
func (t *CompilerTables) FunctionByID(id int) *RuntimeFunction {
	for _, f := range t.Functions {
		if f.ID == id {
			return f
		}
	}
	return nil
}
