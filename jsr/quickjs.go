//go:build quickjs

package jsr

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"

	bq "github.com/buke/quickjs-go"
	"go.uber.org/zap"

	"wingpf.tools/engine"
)

func init() {
	engine.Register(engine.QuickJS, func(opts engine.Options) (engine.Engine, error) {
		return &quickEngine{opts: opts, logger: opts.Log()}, nil
	})
}

// quickPrelude builds the script-facing globals on top of the native
// helpers installed by installGlobals. It is called with the invocation
// encoded as JSON.
const quickPrelude = `(function (inv) {
  const fmt = (args) => args.map((a) => typeof a === "string" ? a : (() => {
    try { return JSON.stringify(a); } catch (e) { return String(a); }
  })()).join(" ");
  globalThis.console = {
    log: (...a) => __wingpf_write(1, fmt(a)),
    info: (...a) => __wingpf_write(1, fmt(a)),
    debug: (...a) => __wingpf_write(1, fmt(a)),
    warn: (...a) => __wingpf_write(2, fmt(a)),
    error: (...a) => __wingpf_write(2, fmt(a)),
  };
  const process = {
    argv: inv.argv,
    env: inv.env,
    platform: inv.platform,
    exit: (code) => __wingpf_exit(code === undefined || code === null ? __wingpf_exit_code() : code),
  };
  Object.defineProperty(process, "exitCode", {
    get: () => __wingpf_exit_code(),
    set: (v) => __wingpf_set_exit_code(v),
    enumerable: true,
    configurable: true,
  });
  globalThis.process = process;
  globalThis.wingpf = { context: inv.context, engine: "quickjs", version: inv.version };
})`

// quickStackSize bounds the native stack QuickJS may use. Without it deep
// recursion overflows the thread stack instead of raising a RangeError.
const quickStackSize = 1 << 20

type quickEngine struct {
	opts   engine.Options
	logger *zap.Logger
}

func (e *quickEngine) Type() engine.Type { return engine.QuickJS }

type quickRun struct {
	mu           sync.Mutex
	halted       bool
	exitCode     *int
	exitCodeProp int
	canceled     error
}

func (r *quickRun) exit(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.halted {
		r.exitCode = &code
		r.halted = true
	}
}

func (r *quickRun) cancel(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.halted {
		r.canceled = cause
		r.halted = true
	}
}

func (r *quickRun) isHalted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.halted
}

func (e *quickEngine) Run(ctx context.Context, inv engine.Invocation) (res engine.Result) {
	if err := ctx.Err(); err != nil {
		return engine.Canceled(err)
	}
	// QuickJS contexts are bound to the thread that created them.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("quickjs runtime panicked", zap.Any("panic", p))
			res = engine.Fail(engine.KindRuntime, nil, "panic: %v", p)
		}
	}()

	rt := bq.NewRuntime(bq.WithMaxStackSize(quickStackSize))
	if rt == nil {
		return engine.Fail(engine.KindInit, nil, "create quickjs runtime")
	}
	defer rt.Close()
	if e.opts.MemoryLimit > 0 {
		rt.SetMemoryLimit(uint64(e.opts.MemoryLimit))
	}
	qctx := rt.NewContext()
	if qctx == nil {
		return engine.Fail(engine.KindInit, nil, "create quickjs context")
	}
	defer qctx.Close()

	r := &quickRun{}
	rt.SetInterruptHandler(func() int {
		if r.isHalted() {
			return 1
		}
		return 0
	})
	stop := context.AfterFunc(ctx, func() { r.cancel(context.Cause(ctx)) })
	defer stop()

	if err := r.installGlobals(qctx, inv); err != nil {
		return engine.Fail(engine.KindInit, err, "install globals")
	}

	e.logger.Debug("starting quickjs program",
		zap.String("program", programName(inv)),
		zap.Int("args", len(inv.Args)))

	evalErr := evalAwait(qctx, inv.Program)

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.exitCode != nil:
		return engine.Result{ExitCode: *r.exitCode}
	case r.canceled != nil:
		return engine.Canceled(r.canceled)
	case evalErr != nil:
		return engine.Result{
			ExitCode: engine.ExitFailure,
			Err:      &engine.Error{Kind: engine.KindEval, Message: evalErr.Error(), Cause: evalErr},
		}
	}
	return engine.Result{ExitCode: r.exitCodeProp}
}

// evalAwait evaluates code in global scope and drives a returned promise
// to completion.
func evalAwait(qctx *bq.Context, code string) error {
	v := qctx.Eval(code, bq.EvalFlagGlobal(true))
	if v.IsException() {
		v.Free()
		return exception(qctx, "quickjs eval exception")
	}
	if !v.IsPromise() {
		v.Free()
		return nil
	}
	// Await takes ownership of v.
	ret := qctx.Await(v)
	defer ret.Free()
	if ret.IsException() {
		return exception(qctx, "quickjs await exception")
	}
	return nil
}

func exception(qctx *bq.Context, fallback string) error {
	if err := qctx.Exception(); err != nil {
		return err
	}
	return fmt.Errorf("%s", fallback)
}

func (r *quickRun) installGlobals(qctx *bq.Context, inv engine.Invocation) error {
	out := newPrinter(inv)
	globals := qctx.Globals()

	globals.Set("__wingpf_write", qctx.NewFunction(func(ctx *bq.Context, this *bq.Value, args []*bq.Value) *bq.Value {
		if len(args) < 2 {
			return ctx.Undefined()
		}
		if args[0].ToInt64() == 2 {
			out.Error(args[1].ToString())
		} else {
			out.Log(args[1].ToString())
		}
		return ctx.Undefined()
	}))
	globals.Set("__wingpf_exit", qctx.NewFunction(func(ctx *bq.Context, this *bq.Value, args []*bq.Value) *bq.Value {
		code := 0
		if len(args) > 0 {
			code = engine.ExitCode(args[0].ToInt64())
		}
		r.exit(code)
		return ctx.ThrowError(&engine.ExitRequest{Code: code})
	}))
	globals.Set("__wingpf_exit_code", qctx.NewFunction(func(ctx *bq.Context, this *bq.Value, args []*bq.Value) *bq.Value {
		r.mu.Lock()
		defer r.mu.Unlock()
		return ctx.Int64(int64(r.exitCodeProp))
	}))
	globals.Set("__wingpf_set_exit_code", qctx.NewFunction(func(ctx *bq.Context, this *bq.Value, args []*bq.Value) *bq.Value {
		if len(args) > 0 {
			r.mu.Lock()
			r.exitCodeProp = engine.ExitCode(args[0].ToInt64())
			r.mu.Unlock()
		}
		return ctx.Undefined()
	}))

	encoded, err := json.Marshal(map[string]any{
		"argv":     nonNil(inv.Args),
		"env":      envMap(inv.Env),
		"platform": runtime.GOOS,
		"context":  inv.Context,
		"version":  Version,
	})
	if err != nil {
		return err
	}
	return evalAwait(qctx, quickPrelude+"("+string(encoded)+");")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
