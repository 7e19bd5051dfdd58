package rt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"go.uber.org/zap"

	"wingpf.tools/engine"
)

func init() {
	engine.Register(engine.Starlark, func(opts engine.Options) (engine.Engine, error) {
		return &starlarkEngine{loader: opts.Loader, logger: opts.Log()}, nil
	})
}

type starlarkEngine struct {
	loader engine.Loader
	logger *zap.Logger
}

func (e *starlarkEngine) Type() engine.Type { return engine.Starlark }

type loadEntry struct {
	globals starlark.StringDict
	err     error
}

// starlarkRun is the state of one invocation: its predeclared globals and
// the modules loaded so far.
type starlarkRun struct {
	ctx       context.Context
	loader    engine.Loader
	globals   starlark.StringDict
	loadCache map[string]*loadEntry
	stdout    io.Writer
}

func (e *starlarkEngine) Run(ctx context.Context, inv engine.Invocation) engine.Result {
	if err := ctx.Err(); err != nil {
		return engine.Canceled(err)
	}

	stdout := inv.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	env := starlark.NewDict(len(inv.Env))
	for _, kv := range inv.Env {
		name, value, _ := strings.Cut(kv, "=")
		if err := env.SetKey(starlark.String(name), starlark.String(value)); err != nil {
			return engine.Fail(engine.KindInit, err, "failed to set env var %q", name)
		}
	}
	args := make(starlark.Tuple, 0, len(inv.Args))
	for _, arg := range inv.Args {
		args = append(args, starlark.String(arg))
	}

	r := &starlarkRun{
		ctx:    ctx,
		loader: e.loader,
		globals: starlark.StringDict{
			"args":    args,
			"env":     env,
			"context": starlark.String(inv.Context),
			"exit":    starlark.NewBuiltin("exit", builtinExit),
		},
		loadCache: make(map[string]*loadEntry),
		stdout:    stdout,
	}
	r.globals.Freeze()

	name := programName(inv)
	thread := r.thread(name)
	e.logger.Debug("starting starlark program", zap.String("program", name), zap.Int("args", len(inv.Args)))

	stop := context.AfterFunc(ctx, func() { thread.Cancel(context.Cause(ctx).Error()) })
	defer stop()

	_, err := starlark.ExecFileOptions(&syntax.FileOptions{}, thread, name, inv.Program, r.globals)
	return e.result(ctx, err)
}

func (e *starlarkEngine) result(ctx context.Context, err error) engine.Result {
	if err == nil {
		return engine.Result{}
	}
	var exit *engine.ExitRequest
	if errors.As(err, &exit) {
		return engine.Result{ExitCode: exit.Code}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return engine.Canceled(ctxErr)
	}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return engine.Result{
			ExitCode: engine.ExitFailure,
			Err: &engine.Error{
				Kind:    engine.KindEval,
				Message: evalErr.Msg,
				Stack:   evalErr.Backtrace(),
				Cause:   err,
			},
		}
	}
	return engine.Fail(engine.KindEval, err, "%v", err)
}

func (r *starlarkRun) thread(module string) *starlark.Thread {
	return &starlark.Thread{
		Name: module,
		Load: r.load,
		Print: func(_ *starlark.Thread, msg string) {
			fmt.Fprintln(r.stdout, msg)
		},
	}
}

func (r *starlarkRun) load(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	if r.loader == nil {
		return nil, fmt.Errorf("load %q: no module loader configured", module)
	}
	name, src, err := r.loader.Load(r.ctx, thread.Name, module)
	if err != nil {
		return nil, err
	}

	e, ok := r.loadCache[name]
	if e == nil {
		if ok {
			// request for a module whose loading is in progress
			return nil, fmt.Errorf("cycle in load graph at %q", name)
		}
		r.loadCache[name] = nil
		child := r.thread(name)
		globals, err := starlark.ExecFileOptions(&syntax.FileOptions{}, child, name, src, r.globals)
		e = &loadEntry{globals, err}
		r.loadCache[name] = e
	}
	return e.globals, e.err
}

// programName is the module name the program runs under. Unnamed programs
// resolve load() against the context when it names a directory.
func programName(inv engine.Invocation) string {
	if inv.Name != "" {
		return inv.Name
	}
	if inv.Context != "" {
		if info, err := os.Stat(inv.Context); err == nil && info.IsDir() {
			return filepath.Join(inv.Context, "main.star")
		}
	}
	return "main.star"
}

func builtinExit(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	code := starlark.MakeInt(0)
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0, &code); err != nil {
		return nil, err
	}
	n, ok := code.Int64()
	if !ok {
		return nil, fmt.Errorf("%s: code %v out of range", b.Name(), code)
	}
	return nil, &engine.ExitRequest{Code: engine.ExitCode(n)}
}
