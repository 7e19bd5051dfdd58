// Package engine defines the contract shared by every embedded script
// runtime: what a single invocation receives, what it hands back, and how
// runtimes are looked up by type.
package engine

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
)

// Type tags the runtime a call is prepared for. Values match
// wingpf_engine_type_t in capi/wingpf.h.
type Type int

const (
	NodeJS Type = iota
	QuickJS
	Starlark
)

var typeNames = map[Type]string{
	NodeJS:   "nodejs",
	QuickJS:  "quickjs",
	Starlark: "starlark",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("engine(%d)", int(t))
}

// ParseType maps a case-insensitive engine name to its Type.
// "node" and "js" are accepted as aliases for NodeJS.
func ParseType(name string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "node", "nodejs", "js":
		return NodeJS, nil
	case "quickjs", "qjs":
		return QuickJS, nil
	case "starlark", "star":
		return Starlark, nil
	}
	return 0, fmt.Errorf("unknown engine %q", name)
}

// Invocation carries everything one run of a runtime needs.
type Invocation struct {
	// Program is the script source executed by the entry callback.
	Program string
	// Name identifies the program in stack traces and relative loads.
	Name string
	// Context is handed to the script verbatim. When it names a local
	// directory it is also the base for relative module loads.
	Context string
	Args    []string
	Env     []string
	Stdout  io.Writer
	Stderr  io.Writer
}

// Result is what a runtime reports once it stops.
type Result struct {
	ExitCode int
	// Err is the engine-provided error, if any.
	Err error
}

// Message returns the engine error text, or "" when there is none.
func (r Result) Message() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Engine runs one invocation to completion.
//
// Run blocks until the script and everything it scheduled has finished,
// the script exits explicitly, or ctx is done. It never panics on script
// errors; those are reported through Result.
type Engine interface {
	Type() Type
	Run(ctx context.Context, inv Invocation) Result
}

// Loader resolves and fetches modules referenced from a running script.
type Loader interface {
	// Load resolves ref against base and returns the canonical name of the
	// module along with its source.
	Load(ctx context.Context, base, ref string) (name string, src string, err error)
}

// Options configures an engine instance.
type Options struct {
	Logger *zap.Logger
	Loader Loader
	// MemoryLimit caps runtime heap in bytes where the engine supports it.
	// Zero leaves the engine default.
	MemoryLimit int64
}

// Log returns the configured logger or a no-op one.
func (o Options) Log() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}
