package wasmbuild

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowmesh/flowrun/internal/model"
)

type stubToolchain struct {
	calls int
}

func (s *stubToolchain) Compile(ctx context.Context, sourcePath, outputPath string) error {
	s.calls++
	return os.WriteFile(outputPath, []byte("wasm"), 0o644)
}

func TestProcessBuildsWhenArtifactMissing(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "add.rs")
	os.WriteFile(src, []byte("fn main() {}"), 0o644)

	tc := &stubToolchain{}
	b := New(tc, nil, true)
	fn := &model.RuntimeFunction{ImplementationLocation: "file://" + src}

	if err := b.Process(context.Background(), fn); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if tc.calls != 1 {
		t.Fatalf("expected one build, got %d", tc.calls)
	}
	if fn.ImplementationLocation != "file://"+filepath.Join(dir, "add.wasm") {
		t.Fatalf("got %q", fn.ImplementationLocation)
	}
}

func TestProcessSkipsBuildWhenFresh(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "add.rs")
	wasm := filepath.Join(dir, "add.wasm")
	os.WriteFile(src, []byte("fn main() {}"), 0o644)
	os.WriteFile(wasm, []byte("wasm"), 0o644)
	future := time.Now().Add(time.Hour)
	os.Chtimes(wasm, future, future)

	tc := &stubToolchain{}
	b := New(tc, nil, true)
	fn := &model.RuntimeFunction{ImplementationLocation: "file://" + src}

	if err := b.Process(context.Background(), fn); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if tc.calls != 0 {
		t.Fatalf("expected no build, got %d", tc.calls)
	}
}

func TestProcessFailsWhenBuildingDisabledAndMissing(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "add.rs")
	os.WriteFile(src, []byte("fn main() {}"), 0o644)

	b := New(&stubToolchain{}, nil, false)
	fn := &model.RuntimeFunction{ImplementationLocation: "file://" + src}

	if err := b.Process(context.Background(), fn); err == nil {
		t.Fatal("expected fatal error when artifact missing and building disabled")
	}
}

func TestProcessSkipsLibAndContextLocators(t *testing.T) {
	b := New(&stubToolchain{}, nil, true)
	for _, loc := range []string{"lib://flowstdlib/math/add", "context://args/get"} {
		fn := &model.RuntimeFunction{ImplementationLocation: loc}
		if err := b.Process(context.Background(), fn); err != nil {
			t.Fatalf("Process(%q): %v", loc, err)
		}
		if fn.ImplementationLocation != loc {
			t.Fatalf("expected locator unchanged, got %q", fn.ImplementationLocation)
		}
	}
}
