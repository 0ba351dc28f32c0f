package model

// Metadata is the common metadata block of flow and library manifests
// (spec.md §6).
type Metadata struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Authors     []string `json:"authors,omitempty"`
}

// ManifestIO is the IO shape embedded in a manifest function's input list.
// Depth is carried alongside the initializer (beyond spec.md §6's minimal
// schema listing) because the Run State needs each input's declared
// capacity at submission time (spec.md §3 invariant 3); the original
// embeds the full RuntimeFunction, IO depth included, in its on-disk
// manifest for the same reason.
type ManifestIO struct {
	Initializer *Initializer `json:"initializer,omitempty"`
	Depth        int         `json:"depth,omitempty"`
}

// OutputConnection is the on-disk shape of a connection, as documented in
// spec.md §6's functions[].output_connections[] schema.
type OutputConnection struct {
	SubRoute   string `json:"subroute,omitempty"`
	FunctionID int    `json:"function_id"`
	IONumber   int    `json:"io_number"`
	FlowID     int    `json:"flow_id"`
	// ArrayLevelSerde is signed: positive N means apply ArraySerialize N
	// levels (fan the source array out into N-times-unwrapped individual
	// pushes), negative N means apply WrapAsArray |N| levels (wrap each
	// pushed value in |N| levels of array nesting), zero means no
	// conversion. Matches the original on-disk encoding exactly
	// (flowcore's OutputConnection.array_level_serde: i32).
	ArrayLevelSerde int   `json:"array_level_serde,omitempty"`
	Generic         bool  `json:"generic,omitempty"`
	Route           Route `json:"route"`
}

// ManifestFunction is one entry of FlowManifest.Functions.
type ManifestFunction struct {
	Name                   string             `json:"name"`
	Route                  Route              `json:"route"`
	FunctionID             int                `json:"function_id"`
	FlowID                 int                `json:"flow_id"`
	ImplementationLocation string             `json:"implementation_location"`
	Inputs                 []ManifestIO       `json:"inputs"`
	OutputConnections      []OutputConnection `json:"output_connections"`

	// Reentrant is carried from RuntimeFunction (beyond spec.md §6's minimal
	// schema listing) because the Run State's ordering guarantees require
	// it at submission time (spec.md §4.8 "two jobs from the same function
	// may be concurrently in flight only if declared re-entrant").
	Reentrant bool `json:"reentrant,omitempty"`
}

// SourceURLPair associates an original locator with its resolved one, kept
// only when debug symbols are requested (spec.md §4.4, §6).
type SourceURLPair struct {
	Original string `json:"original"`
	Resolved string `json:"resolved"`
}

// FlowManifest is the serialized, language-independent artifact produced by
// the Manifest Generator (spec.md §3, §4.4, §6). Field order here matches
// the declared on-disk key order.
type FlowManifest struct {
	Metadata          Metadata           `json:"metadata"`
	LibReferences     []string           `json:"lib_references"`
	ContextReferences []string           `json:"context_references"`
	Functions         []ManifestFunction `json:"functions"`
	SourceURLs        []SourceURLPair    `json:"source_urls,omitempty"`
}

// LibraryLocator is a library manifest's implementation pointer: either a
// statically linked native reference (opaque name resolved by the runtime's
// native registry) or a WASM URL.
type LibraryLocator struct {
	Native string `json:"Native,omitempty"`
	Wasm   string `json:"Wasm,omitempty"`
}

// LibraryManifest is the on-disk format of a "lib://name/..." library
// (spec.md §6).
type LibraryManifest struct {
	Metadata Metadata                   `json:"metadata"`
	Locators map[string]LibraryLocator  `json:"locators"`
}
