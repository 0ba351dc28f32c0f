// Package loader implements the Parser/Loader pipeline stage: recursively
// resolving and deserializing a Process tree starting from a root flow
// locator (spec.md §4, grounded on
// original_source flowclib/src/compiler/loader.rs's load_process/
// load_subprocesses recursion).
package loader

import (
	"context"
	"fmt"

	"github.com/flowmesh/flowrun/internal/model"
	"github.com/flowmesh/flowrun/internal/provider"
)

// ContentProvider is the subset of provider.Provider the loader depends on.
type ContentProvider interface {
	Resolve(ctx context.Context, rawURL, defaultFilename string, extensions []string) (provider.Resolved, error)
	GetContents(ctx context.Context, canonicalURL string) ([]byte, error)
}

// Deserializer turns raw bytes into a Process, chosen by file extension
// (spec.md §4.2: TOML, YAML, JSON).
type Deserializer interface {
	Deserialize(contents []byte, sourceURL string) (*model.Process, error)
}

var knownExtensions = []string{"toml", "yaml", "yml", "json"}

// Loader recursively loads a flow/function tree.
type Loader struct {
	provider      ContentProvider
	deserializers map[string]Deserializer // keyed by lowercase extension
	validator     *model.Validator
	nextFlowID    int
}

// New creates a Loader with the given extension -> Deserializer mapping.
func New(p ContentProvider, deserializers map[string]Deserializer) *Loader {
	return &Loader{
		provider:      p,
		deserializers: deserializers,
		validator:     model.NewValidator(),
	}
}

// LoadContext loads the root ("context") process from url (spec.md §4.2
// step 1, grounded on loader.rs's load_context).
func (l *Loader) LoadContext(ctx context.Context, url string) (*model.Process, error) {
	return l.loadProcess(ctx, model.Route(""), "context", url, nil)
}

func (l *Loader) loadProcess(ctx context.Context, parentRoute model.Route, alias model.Name, url string, initializers map[model.Name]model.Initializer) (*model.Process, error) {
	resolved, err := l.provider.Resolve(ctx, url, "context", knownExtensions)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", url, err)
	}

	contents, err := l.provider.GetContents(ctx, resolved.CanonicalURL)
	if err != nil {
		return nil, fmt.Errorf("fetching %q: %w", resolved.CanonicalURL, err)
	}

	deser, err := l.deserializerFor(resolved.CanonicalURL)
	if err != nil {
		return nil, err
	}

	process, err := deser.Deserialize(contents, resolved.CanonicalURL)
	if err != nil {
		return nil, fmt.Errorf("deserializing %q: %w", resolved.CanonicalURL, err)
	}

	switch {
	case process.Flow != nil:
		if err := l.configFlow(process.Flow, resolved.CanonicalURL, parentRoute, alias, initializers); err != nil {
			return nil, err
		}
		if err := l.loadSubprocesses(ctx, process.Flow); err != nil {
			return nil, err
		}
	case process.Function != nil:
		l.configFunction(process.Function, resolved.CanonicalURL, parentRoute, alias, resolved.LibRef, initializers)
	default:
		return nil, fmt.Errorf("%w: %q deserialized to neither flow nor function", model.ErrParse, resolved.CanonicalURL)
	}

	if err := l.validator.ValidateProcess(process); err != nil {
		return nil, err
	}
	return process, nil
}

// loadSubprocesses recursively loads every ProcessReference declared by a
// flow, joining each reference's relative source against the flow's own
// canonical locator (grounded on loader.rs's load_subprocesses, which joins
// url::join(&flow.source_url, &process_ref.source)).
func (l *Loader) loadSubprocesses(ctx context.Context, fl *model.FlowDefinition) error {
	if fl.Children == nil {
		fl.Children = map[model.Name]*model.Process{}
	}
	for i := range fl.Processes {
		ref := &fl.Processes[i]
		childURL := provider.JoinSource(fl.SourceURL, ref.Source)
		child, err := l.loadProcess(ctx, fl.Route, ref.Alias, childURL, ref.InputInitializers)
		if err != nil {
			return fmt.Errorf("flow %q process %q: %w", fl.Name, ref.Alias, err)
		}
		if ref.Alias == "" {
			// spec.md line 92: an omitted alias defaults to the loaded
			// process's own declared name.
			ref.Alias = child.Name()
		}
		ref.Resolved = child
		fl.Children[ref.Alias] = child

		if child.Function != nil && child.Function.ImplementationLocation != "" {
			if libRef := libReferenceOf(child.Function); libRef != "" {
				fl.LibReferences = append(fl.LibReferences, fmt.Sprintf("%s/%s", libRef, child.Function.Name))
			}
		}
	}
	return nil
}

func libReferenceOf(f *model.FunctionDefinition) string {
	return f.LibReference
}

func (l *Loader) configFunction(f *model.FunctionDefinition, implementationURL string, parentRoute model.Route, alias model.Name, libRef string, initializers map[model.Name]model.Initializer) {
	// spec.md line 92: an empty alias leaves the process's own declared
	// name in place rather than blanking it out.
	if alias != "" {
		f.Name = alias
	}
	f.ImplementationLocation = implementationURL
	f.LibReference = libRef
	f.Route = parentRoute.Join(f.Name)
	applyInitializers(f.Inputs, initializers)
}

func (l *Loader) configFlow(fl *model.FlowDefinition, sourceURL string, parentRoute model.Route, alias model.Name, initializers map[model.Name]model.Initializer) error {
	if alias != "" {
		fl.Name = alias
	}
	fl.SourceURL = sourceURL
	fl.Route = parentRoute.Join(fl.Name)
	fl.FlowID = l.nextFlowID
	l.nextFlowID++
	applyInitializers(fl.Inputs, initializers)
	return nil
}

func applyInitializers(ios []model.IO, initializers map[model.Name]model.Initializer) {
	if initializers == nil {
		return
	}
	for i := range ios {
		if init, ok := initializers[ios[i].Name]; ok {
			ios[i].Initializer = &init
		}
	}
}

func (l *Loader) deserializerFor(canonicalURL string) (Deserializer, error) {
	ext := extensionOf(canonicalURL)
	d, ok := l.deserializers[ext]
	if !ok {
		return nil, fmt.Errorf("%w: no deserializer registered for extension %q (url %q)", model.ErrParse, ext, canonicalURL)
	}
	return d, nil
}

func extensionOf(u string) string {
	for i := len(u) - 1; i >= 0; i-- {
		if u[i] == '.' {
			return u[i+1:]
		}
		if u[i] == '/' {
			break
		}
	}
	return ""
}
