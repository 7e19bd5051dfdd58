// Package call prepares and runs a single script invocation.
//
// A Prep is created for one engine type, given a program and a context,
// and then called. Each Call builds a fresh runtime, runs the program to
// completion and tears the runtime down again; nothing is shared between
// calls.
package call

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"wingpf.tools/engine"
	// Engines register themselves with the engine registry.
	_ "wingpf.tools/jsr"
	_ "wingpf.tools/rt"
)

var (
	ErrProgramNotSet = errors.New("call: program not set")
	ErrContextNotSet = errors.New("call: context not set")
	ErrFreed         = errors.New("call: handle already freed")
)

// Option configures a Prep.
type Option func(*Prep)

// WithLogger sets the logger used for the call and passed to the engine.
func WithLogger(l *zap.Logger) Option {
	return func(p *Prep) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithLoader sets the module loader behind require() and load().
func WithLoader(l engine.Loader) Option {
	return func(p *Prep) { p.loader = l }
}

// WithStdout redirects the program's standard output.
func WithStdout(w io.Writer) Option {
	return func(p *Prep) { p.stdout = w }
}

// WithStderr redirects the program's standard error.
func WithStderr(w io.Writer) Option {
	return func(p *Prep) { p.stderr = w }
}

// WithMemoryLimit caps the runtime heap in bytes for engines that support it.
func WithMemoryLimit(n int64) Option {
	return func(p *Prep) { p.memoryLimit = n }
}

// Prep is a call-preparation handle. Its methods are safe for concurrent
// use, but calls on one handle run one at a time.
type Prep struct {
	mu sync.Mutex

	typ        engine.Type
	program    string
	programSet bool
	context    string
	contextSet bool
	name       string
	args       []string
	env        []string
	freed      bool

	logger      *zap.Logger
	loader      engine.Loader
	stdout      io.Writer
	stderr      io.Writer
	memoryLimit int64
}

// New returns an empty handle tagged with t.
func New(t engine.Type, opts ...Option) *Prep {
	p := &Prep{typ: t, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Type reports the engine type the handle was created for.
func (p *Prep) Type() engine.Type { return p.typ }

// SetProgram stores the program text. An empty program is valid.
func (p *Prep) SetProgram(src string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.program, p.programSet = src, true
}

// SetContext stores the context string handed to the program.
func (p *Prep) SetContext(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.context, p.contextSet = s, true
}

// SetName sets the name the program runs under, used for stack traces and
// for resolving relative modules.
func (p *Prep) SetName(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.name = name
}

// SetArgs sets the argument vector. It is empty unless set.
func (p *Prep) SetArgs(args []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.args = append([]string(nil), args...)
}

// SetEnv sets the environment as KEY=VALUE pairs.
func (p *Prep) SetEnv(env []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.env = append([]string(nil), env...)
}

// Call runs the program and returns its exit code. The error is the
// engine-provided error, if any; explicit exits have none. A handle missing
// its program or context returns -1 with a precondition error.
func (p *Prep) Call(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.freed:
		return -1, ErrFreed
	case !p.programSet:
		return -1, ErrProgramNotSet
	case !p.contextSet:
		return -1, ErrContextNotSet
	}

	logger := p.logger.With(zap.Stringer("engine", p.typ))
	e, err := engine.New(p.typ, engine.Options{
		Logger:      logger,
		Loader:      p.loader,
		MemoryLimit: p.memoryLimit,
	})
	if err != nil {
		logger.Error("failed to create engine", zap.Error(err))
		return engine.ExitFailure, err
	}

	logger.Debug("calling program", zap.String("name", p.name), zap.Int("args", len(p.args)))
	res := e.Run(ctx, engine.Invocation{
		Program: p.program,
		Name:    p.name,
		Context: p.context,
		Args:    p.args,
		Env:     p.env,
		Stdout:  p.stdout,
		Stderr:  p.stderr,
	})
	if res.ExitCode != 0 {
		logger.Error("program exited with non-zero code",
			zap.Int("exit_code", res.ExitCode),
			zap.String("error", res.Message()))
	}
	return res.ExitCode, res.Err
}

// Free releases the handle. It is safe on nil and idempotent.
func (p *Prep) Free() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freed = true
	p.program, p.context = "", ""
	p.args, p.env = nil, nil
	p.loader = nil
}
