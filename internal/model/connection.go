package model

// ArraySerde names the JSON conversion hint applied to values crossing a
// connection whose endpoint types differ by one or more Array/ levels
// (spec.md §3, §4.2(b)).
type ArraySerde string

const (
	SerdeNone          ArraySerde = ""
	SerdeWrapAsArray   ArraySerde = "WrapAsArray"
	SerdeArraySerialize ArraySerde = "ArraySerialize"
)

// Connection is a directed edge between two IO endpoints.
type Connection struct {
	// Name is an optional diagnostic label, never used for identity.
	Name string `json:"name,omitempty"`

	FromRoute Route `json:"from_route"`
	// SubRoute is an optional JSON pointer (gjson path syntax) into a
	// structured output value, evaluated at runtime by internal/runstate
	// when it pushes a result's output (spec.md §3 "optional sub-route").
	SubRoute string `json:"sub_route,omitempty"`

	ToRoute Route `json:"to_route"`
	// ToInput is the destination function's input index, resolved during
	// route assignment / table build.
	ToInput int `json:"to_input"`

	Serde          ArraySerde `json:"serde,omitempty"`
	ArrayLevelSerde int       `json:"array_level_serde,omitempty"`
}

// Key returns the dedup identity used by Collapse (spec.md §4.2(c)):
// "(source_route, destination_route)" — deliberately ignoring SubRoute,
// matching the original compiler's checker.rs::remove_duplicates, which
// keys purely on from/to route strings.
func (c Connection) Key() string {
	return string(c.FromRoute) + "->" + string(c.ToRoute)
}
