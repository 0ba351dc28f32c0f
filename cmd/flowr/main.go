// Command flowr is the runtime front-end (spec.md §6, an external
// collaborator specified only by the interface it drives): load a
// FlowManifest, run the coordinator against it over the Redis-backed or
// in-memory Dispatcher (-transport), and spawn embedded executor goroutines to drain the work.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/flowmesh/flowrun/common/cache"
	"github.com/flowmesh/flowrun/common/logger"
	"github.com/flowmesh/flowrun/common/server"
	"github.com/flowmesh/flowrun/internal/coordinator"
	"github.com/flowmesh/flowrun/internal/debugger"
	"github.com/flowmesh/flowrun/internal/debugserver"
	"github.com/flowmesh/flowrun/internal/dispatcher"
	"github.com/flowmesh/flowrun/internal/executor"
	"github.com/flowmesh/flowrun/internal/flowcontext"
	"github.com/flowmesh/flowrun/internal/flowstdlib"
	"github.com/flowmesh/flowrun/internal/implementation"
	"github.com/flowmesh/flowrun/internal/model"
	"github.com/flowmesh/flowrun/internal/provider"
	"github.com/flowmesh/flowrun/internal/runstate"
	"github.com/flowmesh/flowrun/internal/runtimeloader"
)

// flowDispatcher is the method set both the Coordinator and every
// embedded Executor need from the transport, satisfied by either the
// Redis-backed dispatcher.Dispatcher or the in-process
// dispatcher.MemoryDispatcher.
type flowDispatcher interface {
	coordinator.Dispatcher
	executor.JobSource
}

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
	fs := flag.NewFlagSet("flowr", flag.ContinueOnError)
	native := fs.Bool("n", true, "load native libraries (flowstdlib) instead of their WASM equivalents")
	threads := fs.Int("threads", 4, "number of embedded executor goroutines")
	transport := fs.String("transport", "redis", "job/result/control transport: redis or memory (memory is for dev/test, single process only)")
	redisAddr := fs.String("redis", "localhost:6379", "address of the Redis instance backing the job/result/control transport, when -transport=redis")
	dispatchBudget := fs.Int("dispatch-budget", 0, "max in-flight jobs; 0 means one per manifest function")
	metrics := fs.Bool("m", false, "print FlowEnd metrics as JSON on completion")
	debugFlag := fs.Bool("debug", false, "enable the debugger and its HTTP control surface")
	debugPort := fs.Int("debug-port", 9229, "port for the debug control surface, when -debug is set")
	contextRoot := fs.String("C", "", "context root directory (reserved; file/read and file/write resolve paths relative to the process cwd)")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "log format: text, json")
	var libPath libDirs
	fs.Var(&libPath, "L", "library search directory (repeatable)")

	if err := fs.Parse(args); err != nil {
		return 1
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "usage: flowr [flags] <manifest-url> [-- flow-args...]")
		return 1
	}
	manifestURL := rest[0]
	flowArgs := splitFlowArgs(rest[1:])

	log := logger.New(*logLevel, *logFormat)
	if *contextRoot != "" {
		log.Info("context root set", "path", *contextRoot)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	prov := provider.New([]string(libPath), cache.NewMemoryCache(log), log)
	manifest, err := loadManifest(ctx, prov, manifestURL)
	if err != nil {
		log.Error("could not load manifest", "error", err)
		return 1
	}

	var disp flowDispatcher
	switch *transport {
	case "redis":
		redisClient := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer redisClient.Close()
		disp = dispatcher.New(redisClient, 5*time.Second)
	case "memory":
		disp = dispatcher.NewMemory(log, 5*time.Second)
	default:
		fmt.Fprintf(os.Stderr, "unknown -transport %q: must be \"redis\" or \"memory\"\n", *transport)
		return 1
	}

	natives := map[string]implementation.Implementation{}
	if *native {
		natives = flowstdlib.Library()
	}
	ctxReg := flowcontext.New(flowArgs, os.Stdin, os.Stdout, os.Stderr)
	rl := runtimeloader.New(prov, ctxReg, natives, loadLibraryManifest)

	coordOpts := coordinator.Opts{Dispatcher: disp, Logger: log}
	if *debugFlag {
		dbg := debugger.New(func(rs *runstate.RunState) { rs.Initialize(manifest) })
		coordOpts.Debugger = dbg
		stopDebugServer := startDebugServer(dbg, log, *debugPort)
		defer stopDebugServer()
	}
	coord := coordinator.New(coordOpts)

	var eg errgroup.Group
	for i := 0; i < *threads; i++ {
		id := i
		eg.Go(func() error {
			exec := executor.New(disp, rl, log)
			if err := exec.Run(ctx); err != nil {
				log.Error("executor exited with error", "executor", id, "error", err)
				return err
			}
			return nil
		})
	}

	submission := coordinator.Submission{Manifest: manifest, DispatchBudget: *dispatchBudget}
	result, runErr := coord.Run(ctx, submission)

	waitDone := make(chan struct{})
	go func() { eg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(10 * time.Second):
		log.Warn("executors did not exit within grace period after DONE broadcast")
	}

	if *metrics {
		printMetrics(result)
	}

	if runErr != nil {
		log.Error("flow execution failed", "run_id", result.RunID, "error", runErr)
		return 1
	}
	return 0
}

// splitFlowArgs returns the free-form arguments passed to the flow's
// args/get, honoring an optional "--" separator (spec.md §6 "free-form
// arguments passed to the flow's args/get").
func splitFlowArgs(rest []string) []string {
	if len(rest) == 0 {
		return nil
	}
	if rest[0] == "--" {
		return rest[1:]
	}
	return rest
}

func loadManifest(ctx context.Context, prov *provider.Provider, manifestURL string) (*model.FlowManifest, error) {
	resolved, err := prov.Resolve(ctx, manifestURL, "manifest", []string{"json"})
	if err != nil {
		return nil, fmt.Errorf("resolving manifest url %q: %w", manifestURL, err)
	}
	data, err := prov.GetContents(ctx, resolved.CanonicalURL)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest %q: %w", resolved.CanonicalURL, err)
	}
	var m model.FlowManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %q: %w", resolved.CanonicalURL, err)
	}
	return &m, nil
}

func loadLibraryManifest(data []byte) (*model.LibraryManifest, error) {
	var lm model.LibraryManifest
	if err := json.Unmarshal(data, &lm); err != nil {
		return nil, fmt.Errorf("parsing library manifest: %w", err)
	}
	return &lm, nil
}

// startDebugServer brings up the echo-based debug control surface on
// debugPort and returns a cleanup function for the caller to defer. The
// returned function does not stop the server; server.Start shuts it down
// on SIGINT/SIGTERM.
func startDebugServer(dbg *debugger.Debugger, log *logger.Logger, debugPort int) func() {
	e := echo.New()
	e.HideBanner = true
	debugserver.RegisterRoutes(e, debugserver.NewHandler(dbg, log))
	srv := server.New("flowr-debug", debugPort, e, log)

	go func() {
		if err := srv.Start(); err != nil {
			log.Warn("debug server stopped", "error", err)
		}
	}()
	log.Info("debug control surface listening", "port", debugPort)

	return func() {
		// server.Start already handles SIGINT/SIGTERM itself; nothing
		// further to do here beyond letting the process exit normally.
	}
}

func printMetrics(m coordinator.FlowEndMetrics) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	fmt.Fprintln(os.Stdout, string(data))
}
