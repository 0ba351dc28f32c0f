// Command flowrex is the minimal network executor: it loads flowstdlib
// natively, takes jobs over the Redis transport (or the in-memory one with
// -transport=memory), and never loads
// context functions, flows, or a coordinator (spec.md §4.7, scoped down
// to the original's separate "pure executor" binary).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/flowmesh/flowrun/common/cache"
	"github.com/flowmesh/flowrun/common/logger"
	"github.com/flowmesh/flowrun/internal/dispatcher"
	"github.com/flowmesh/flowrun/internal/executor"
	"github.com/flowmesh/flowrun/internal/flowstdlib"
	"github.com/flowmesh/flowrun/internal/implementation"
	"github.com/flowmesh/flowrun/internal/model"
	"github.com/flowmesh/flowrun/internal/provider"
	"github.com/flowmesh/flowrun/internal/runtimeloader"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("flowrex", flag.ContinueOnError)
	threads := fs.Int("threads", runtime.NumCPU(), "number of executor goroutines (default: available cores)")
	transport := fs.String("transport", "redis", "job/result/control transport: redis or memory (memory only makes sense sharing a process with the flowr it serves)")
	redisAddr := fs.String("redis", "localhost:6379", "address of the Redis instance backing the job/result/control transport, when -transport=redis")
	logLevel := fs.String("log-level", "error", "log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "log format: text, json")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	log := logger.New(*logLevel, *logFormat)
	log.Info("flowrex starting", "threads", *threads, "redis", *redisAddr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var disp executor.JobSource
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

	prov := provider.New(nil, cache.NewMemoryCache(log), log)
	rl := runtimeloader.New(prov, noContext{}, flowstdlib.Library(), loadLibraryManifest)

	eg, egCtx := errgroup.WithContext(ctx)
	for i := 0; i < *threads; i++ {
		id := i
		eg.Go(func() error {
			exec := executor.New(disp, rl, log)
			if err := exec.Run(egCtx); err != nil {
				log.Error("executor exited with error", "executor", id, "error", err)
				return err
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		log.Error("flowrex exited with error", "error", err)
		return 1
	}
	log.Info("flowrex has exited")
	return 0
}

// noContext rejects every "context://..." locator: flowrex deliberately
// never loads context functions (spec.md §4.7's pure-executor role), so
// a job needing one fails with a clear resolution error instead of a nil
// dereference.
type noContext struct{}

func (noContext) Lookup(string) (implementation.Implementation, bool) { return nil, false }

func loadLibraryManifest(data []byte) (*model.LibraryManifest, error) {
	var lm model.LibraryManifest
	if err := json.Unmarshal(data, &lm); err != nil {
		return nil, fmt.Errorf("parsing library manifest: %w", err)
	}
	return &lm, nil
}
