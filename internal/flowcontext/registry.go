// Package flowcontext is the Context Registry: native implementations for
// the small set of impure functions every runtime exposes under
// "context://" locators — argument access and standard I/O (spec.md §4.5,
// §6, grounded on original_source's flowr/src/bin/flowrgui/context/*.rs
// and flowr/src/lib/context/stdio/*.rs).
package flowcontext

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/flowmesh/flowrun/internal/implementation"
)

// Registry maps "context://..." locators to Implementations.
type Registry struct {
	mu    sync.Mutex
	funcs map[string]implementation.Implementation
}

// New builds a Registry with the standard set of context functions bound
// to stdin/stdout/stderr and the given args (cmd/flowr passes the flow's
// free-form arguments, not the whole command line).
func New(args []string, stdin io.Reader, stdout, stderr io.Writer) *Registry {
	r := &Registry{funcs: map[string]implementation.Implementation{}}
	r.register("context://args/get", argsGet(args))
	r.register("context://stdio/stdin", stdioReadAll(stdin))
	r.register("context://stdio/readline", stdioReadline(stdin))
	r.register("context://stdio/stdout", stdioWrite(stdout))
	r.register("context://stdio/stderr", stdioWrite(stderr))
	r.register("context://file/read", fileRead())
	r.register("context://file/write", fileWrite())
	return r
}

func (r *Registry) register(locator string, impl implementation.Implementation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[locator] = impl
}

// Lookup resolves a "context://..." locator to its Implementation
// (spec.md §4.5's Context Registry lookup).
func (r *Registry) Lookup(locator string) (implementation.Implementation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	impl, ok := r.funcs[locator]
	return impl, ok
}

// argsGet implements "context://args/get": (spec.md supplement, grounded on
// flowrgui/context/args/get.rs) returns {"json": [...parsed args], "string":
// [...raw args]}, never requesting to run again.
func argsGet(args []string) implementation.Implementation {
	return implementation.NativeFunc(func(_ context.Context, _ []implementation.Value) (*implementation.Value, bool, error) {
		jsonArgs := make([]interface{}, 0, len(args))
		for _, a := range args {
			var v interface{}
			if err := json.Unmarshal([]byte(a), &v); err == nil {
				jsonArgs = append(jsonArgs, v)
			} else {
				jsonArgs = append(jsonArgs, a)
			}
		}
		out, err := json.Marshal(map[string]interface{}{
			"json":   jsonArgs,
			"string": args,
		})
		if err != nil {
			return nil, false, err
		}
		v := implementation.Value(out)
		return &v, false, nil
	})
}

func stdioWrite(w io.Writer) implementation.Implementation {
	return implementation.NativeFunc(func(_ context.Context, inputs []implementation.Value) (*implementation.Value, bool, error) {
		if len(inputs) == 0 {
			return nil, false, nil
		}
		var v interface{}
		if err := json.Unmarshal(inputs[0], &v); err != nil {
			return nil, false, err
		}
		if s, ok := v.(string); ok {
			fmt.Fprintln(w, s)
		} else {
			fmt.Fprintln(w, string(inputs[0]))
		}
		return nil, false, nil
	})
}

func stdioReadAll(r io.Reader) implementation.Implementation {
	return implementation.NativeFunc(func(_ context.Context, _ []implementation.Value) (*implementation.Value, bool, error) {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, false, err
		}
		out, err := json.Marshal(string(data))
		if err != nil {
			return nil, false, err
		}
		v := implementation.Value(out)
		return &v, false, nil
	})
}

func stdioReadline(r io.Reader) implementation.Implementation {
	scanner := bufio.NewScanner(r)
	return implementation.NativeFunc(func(_ context.Context, _ []implementation.Value) (*implementation.Value, bool, error) {
		if !scanner.Scan() {
			return nil, false, scanner.Err()
		}
		out, err := json.Marshal(scanner.Text())
		if err != nil {
			return nil, false, err
		}
		v := implementation.Value(out)
		return &v, true, nil
	})
}

func fileRead() implementation.Implementation {
	return implementation.NativeFunc(func(_ context.Context, inputs []implementation.Value) (*implementation.Value, bool, error) {
		if len(inputs) == 0 {
			return nil, false, fmt.Errorf("file/read requires a path input")
		}
		var path string
		if err := json.Unmarshal(inputs[0], &path); err != nil {
			return nil, false, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, false, err
		}
		out, err := json.Marshal(string(data))
		if err != nil {
			return nil, false, err
		}
		v := implementation.Value(out)
		return &v, false, nil
	})
}

func fileWrite() implementation.Implementation {
	return implementation.NativeFunc(func(_ context.Context, inputs []implementation.Value) (*implementation.Value, bool, error) {
		if len(inputs) < 2 {
			return nil, false, fmt.Errorf("file/write requires path and content inputs")
		}
		var path, content string
		if err := json.Unmarshal(inputs[0], &path); err != nil {
			return nil, false, err
		}
		if err := json.Unmarshal(inputs[1], &content); err != nil {
			return nil, false, err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	})
}
