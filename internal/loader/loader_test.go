package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/flowmesh/flowrun/internal/provider"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadContextSimpleFlow(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "add.toml", `
function = "add"
impure = false

[[input]]
name = "a"
type = "Number"

[[input]]
name = "b"
type = "Number"

[[output]]
name = "sum"
type = "Number"
`)
	root := writeFile(t, dir, "context.toml", `
flow = "root"

[[process]]
alias = "adder"
source = "add.toml"

[[connection]]
from = "adder/sum"
to = "adder/a"
`)

	p := provider.New(nil, nil, nil)
	l := New(p, DefaultDeserializers())

	proc, err := l.LoadContext(context.Background(), "file://"+root)
	if err != nil {
		t.Fatalf("LoadContext: %v", err)
	}
	if !proc.IsFlow() {
		t.Fatalf("expected root to be a flow")
	}
	if proc.Flow.Name != "root" {
		t.Fatalf("got name %q", proc.Flow.Name)
	}
	child, ok := proc.Flow.Children["adder"]
	if !ok {
		t.Fatalf("expected child alias 'adder' to be loaded")
	}
	if child.Function == nil || child.Function.Name != "adder" {
		t.Fatalf("expected loaded child to be function 'adder' (alias becomes the route name), got %+v", child.Function)
	}
	if len(child.Function.Inputs) != 2 {
		t.Fatalf("expected 2 inputs, got %d", len(child.Function.Inputs))
	}
}

func TestLoadContextDefaultsOmittedAliasToDeclaredName(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "add.toml", `
function = "add"
impure = false

[[input]]
name = "a"
type = "Number"
`)
	root := writeFile(t, dir, "context.toml", `
flow = "root"

[[process]]
source = "add.toml"
`)

	p := provider.New(nil, nil, nil)
	l := New(p, DefaultDeserializers())

	proc, err := l.LoadContext(context.Background(), "file://"+root)
	if err != nil {
		t.Fatalf("LoadContext: %v", err)
	}

	child, ok := proc.Flow.Children["add"]
	if !ok {
		t.Fatalf("expected the unaliased reference to default to the declared name 'add', got children %v", proc.Flow.Children)
	}
	if child.Function == nil || child.Function.Name != "add" {
		t.Fatalf("expected loaded child's name to remain 'add', got %+v", child.Function)
	}
	if proc.Flow.Processes[0].Alias != "add" {
		t.Fatalf("expected the process reference's own Alias to be backfilled to 'add', got %q", proc.Flow.Processes[0].Alias)
	}
}

func TestLoadContextMissingFlowOrFunctionKey(t *testing.T) {
	dir := t.TempDir()
	root := writeFile(t, dir, "bad.toml", `name = "nope"`)

	p := provider.New(nil, nil, nil)
	l := New(p, DefaultDeserializers())

	_, err := l.LoadContext(context.Background(), "file://"+root)
	if err == nil {
		t.Fatal("expected error for doc with neither flow nor function key")
	}
}
