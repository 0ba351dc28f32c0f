// Command flowc is the compiler front-end (spec.md §6, an external
// collaborator specified only by the interface it drives): load a flow
// definition tree, compile it to CompilerTables, generate a FlowManifest,
// and optionally hand it to flowr for execution.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowmesh/flowrun/common/cache"
	"github.com/flowmesh/flowrun/common/logger"
	"github.com/flowmesh/flowrun/internal/compiler"
	"github.com/flowmesh/flowrun/internal/loader"
	"github.com/flowmesh/flowrun/internal/manifest"
	"github.com/flowmesh/flowrun/internal/model"
	"github.com/flowmesh/flowrun/internal/provider"
	"github.com/flowmesh/flowrun/internal/wasmbuild"
)

type libDirs []string

func (l *libDirs) String() string { return strings.Join(*l, ",") }
func (l *libDirs) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("flowc", flag.ContinueOnError)
	outDir := fs.String("o", ".", "output directory for the generated manifest")
	optimize := fs.Bool("O", false, "optimize: strip debug symbols (source URLs) from the manifest")
	dump := fs.Bool("dump", false, "dump compiled tables as JSON alongside the manifest")
	skipExecution := fs.Bool("skip-execution", false, "compile only, do not hand off to flowr")
	native := fs.Bool("n", true, "pass -n (native libraries) through to flowr")
	metrics := fs.Bool("m", false, "pass -m (execution metrics) through to flowr")
	contextRoot := fs.String("C", "", "context root directory, passed through to flowr")
	stdinFile := fs.String("stdin", "", "file to redirect as flowr's stdin")
	buildWasm := fs.Bool("build-wasm", false, "rebuild stale/missing .wasm artifacts for non-lib, non-context functions before manifest generation")
	wasmToolchain := fs.String("wasm-toolchain", "", "external native->wasm compiler invoked when -build-wasm finds a stale artifact")
	postgresDSN := fs.String("wasm-metadata-dsn", "", "optional Postgres DSN for recording wasm build timestamps across invocations; nothing is recorded if empty")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "log format: text, json")
	var libPath libDirs
	fs.Var(&libPath, "L", "library search directory (repeatable)")

	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: flowc [flags] <flow-source-url> [-- flow-args...]")
		return 1
	}
	sourceURL := fs.Arg(0)
	flowArgs := fs.Args()[1:]
	if len(flowArgs) > 0 && flowArgs[0] == "--" {
		flowArgs = flowArgs[1:]
	}

	log := logger.New(*logLevel, *logFormat)
	ctx := context.Background()

	prov := provider.New([]string(libPath), cache.NewMemoryCache(log), log)
	ld := loader.New(prov, loader.DefaultDeserializers())

	log.Info("loading flow", "source", sourceURL)
	process, err := ld.LoadContext(ctx, sourceURL)
	if err != nil {
		log.Error("load failed", "error", err)
		return 1
	}

	if !process.IsFlow() {
		log.Info("loaded process is a function, not a flow; nothing to compile", "name", process.Name())
		return 0
	}

	log.Info("compiling flow", "name", process.Name())
	tables, err := compiler.Compile(process)
	if err != nil {
		log.Error("compile failed", "error", err)
		return 1
	}

	if *buildWasm {
		if err := buildWasmArtifacts(ctx, log, tables, *wasmToolchain, *postgresDSN); err != nil {
			log.Error("wasm build failed", "error", err)
			return 1
		}
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Error("could not create output directory", "dir", *outDir, "error", err)
		return 1
	}

	if *dump {
		if err := dumpTables(*outDir, tables); err != nil {
			log.Error("dump failed", "error", err)
			return 1
		}
	}

	manifestOpts := manifest.Options{
		Metadata: model.Metadata{
			Name:    string(process.Name()),
			Version: "0.1.0",
		},
		WithSymbols: !*optimize,
	}
	flowManifest := manifest.Generate(tables, manifestOpts)

	manifestPath := filepath.Join(*outDir, "manifest.json")
	data, err := manifest.Canonical(flowManifest)
	if err != nil {
		log.Error("could not serialize manifest", "error", err)
		return 1
	}
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		log.Error("could not write manifest", "path", manifestPath, "error", err)
		return 1
	}
	log.Info("manifest written", "path", manifestPath, "functions", len(flowManifest.Functions))

	if *skipExecution {
		return 0
	}

	return execFlowr(log, manifestPath, flowrOptions{
		native:      *native,
		metrics:     *metrics,
		libDirs:     libPath,
		contextRoot: *contextRoot,
		stdinFile:   *stdinFile,
		flowArgs:    flowArgs,
	})
}

// buildWasmArtifacts runs the WASM Builder stage over every function in
// tables, rewriting stale non-lib, non-context locators to their rebuilt
// .wasm artifact path in place.
func buildWasmArtifacts(ctx context.Context, log *logger.Logger, tables *model.CompilerTables, toolchainCmd, postgresDSN string) error {
	var metadata wasmbuild.BuildMetadataStore
	if postgresDSN != "" {
		pool, err := pgxpool.New(ctx, postgresDSN)
		if err != nil {
			return fmt.Errorf("connecting to wasm build metadata store: %w", err)
		}
		defer pool.Close()
		store := wasmbuild.NewPostgresMetadataStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("preparing wasm build metadata schema: %w", err)
		}
		metadata = store
	}

	var toolchain wasmbuild.Toolchain = wasmbuild.ExecToolchain{Command: toolchainCmd}
	builder := wasmbuild.New(toolchain, metadata, toolchainCmd != "")

	for _, fn := range tables.Functions {
		if err := builder.Process(ctx, fn); err != nil {
			return err
		}
	}
	log.Info("wasm build stage complete", "functions", len(tables.Functions))
	return nil
}

func dumpTables(outDir string, tables *model.CompilerTables) error {
	data, err := json.MarshalIndent(tables, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling compiler tables: %w", err)
	}
	return os.WriteFile(filepath.Join(outDir, "tables.json"), data, 0o644)
}

type flowrOptions struct {
	native      bool
	metrics     bool
	libDirs     []string
	contextRoot string
	stdinFile   string
	flowArgs    []string
}

// execFlowr spawns flowr to run the freshly generated manifest, inheriting
// stdio (or redirecting stdin from a file), mirroring the original
// compiler-then-runtime handoff.
func execFlowr(log *logger.Logger, manifestPath string, opts flowrOptions) int {
	var flowrArgs []string
	if opts.metrics {
		flowrArgs = append(flowrArgs, "-m")
	}
	if opts.native {
		flowrArgs = append(flowrArgs, "-n")
	}
	for _, dir := range opts.libDirs {
		flowrArgs = append(flowrArgs, "-L", dir)
	}
	if opts.contextRoot != "" {
		flowrArgs = append(flowrArgs, "-C", opts.contextRoot)
	}
	flowrArgs = append(flowrArgs, manifestPath)
	if len(opts.flowArgs) > 0 {
		flowrArgs = append(flowrArgs, "--")
		flowrArgs = append(flowrArgs, opts.flowArgs...)
	}

	log.Info("running flow via flowr", "args", flowrArgs)
	cmd := exec.Command("flowr", flowrArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if opts.stdinFile != "" {
		f, err := os.Open(opts.stdinFile)
		if err != nil {
			log.Error("could not open stdin redirect file", "path", opts.stdinFile, "error", err)
			return 1
		}
		defer f.Close()
		cmd.Stdin = f
	} else {
		cmd.Stdin = os.Stdin
	}

	if err := cmd.Run(); err != nil {
		log.Error("flowr execution failed", "error", err)
		return 1
	}
	return 0
}
