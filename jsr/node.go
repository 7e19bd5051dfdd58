package jsr

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
	"go.uber.org/zap"

	"wingpf.tools/engine"
)

func init() {
	engine.Register(engine.NodeJS, func(opts engine.Options) (engine.Engine, error) {
		return &nodeEngine{opts: opts, logger: opts.Log()}, nil
	})
}

// timerGuard wraps the loop's timer functions so that callbacks stop firing
// once the run has halted. Callbacks are invoked from Go so that every
// failure, including ones scripts cannot catch, reaches the run.
const timerGuard = `(function (halted, invoke) {
  function check(fn) {
    if (typeof fn !== "function") {
      const err = new TypeError('The "callback" argument must be of type function. Received ' + typeof fn);
      err.code = "ERR_INVALID_ARG_TYPE";
      throw err;
    }
  }
  function guard(fn) {
    return function (...args) {
      if (halted()) return;
      return invoke(fn, this, ...args);
    };
  }
  for (const name of ["setTimeout", "setImmediate"]) {
    const orig = globalThis[name];
    if (typeof orig !== "function") continue;
    globalThis[name] = function (fn, ...rest) {
      check(fn);
      return orig(guard(fn), ...rest);
    };
  }
  const origInterval = globalThis.setInterval;
  if (typeof origInterval === "function") {
    globalThis.setInterval = function (fn, ...rest) {
      check(fn);
      const g = guard(fn);
      let handle;
      handle = origInterval(function (...args) {
        if (halted()) { clearInterval(handle); return; }
        return g.apply(this, args);
      }, ...rest);
      return handle;
    };
  }
})`

// timerGuardName is the script name the guard runs under; its frames are
// trimmed from reported stacks.
const timerGuardName = "wingpf:timers"

// maxCallStackSize bounds JavaScript recursion. goja otherwise grows the
// stack until the heap is exhausted.
const maxCallStackSize = 8192

type nodeEngine struct {
	opts   engine.Options
	logger *zap.Logger
}

func (e *nodeEngine) Type() engine.Type { return engine.NodeJS }

// nodeRun is the state of one invocation. The loop goroutine and the
// context watcher both touch it.
type nodeRun struct {
	mu       sync.Mutex
	vm       *goja.Runtime
	loop     *eventloop.EventLoop
	halted   bool
	exitCode *int
	// exitCodeProp backs process.exitCode.
	exitCodeProp int
	failure      *engine.Error
	canceled     error

	rejected []*goja.Promise
	reasons  map[*goja.Promise]string
}

func (r *nodeRun) isHalted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.halted
}

// halt stops further script execution. It reports whether this call was
// the one that halted the run.
func (r *nodeRun) halt(reason any) bool {
	r.mu.Lock()
	if r.halted {
		r.mu.Unlock()
		return false
	}
	r.halted = true
	vm, loop := r.vm, r.loop
	r.mu.Unlock()

	if vm != nil {
		vm.Interrupt(reason)
	}
	if loop != nil {
		// Whatever is running now is interrupted; callbacks that still fire
		// afterwards must run so the timer guard can cancel them.
		loop.RunOnLoop(func(vm *goja.Runtime) { vm.ClearInterrupt() })
		loop.StopNoWait()
	}
	return true
}

func (r *nodeRun) exit(code int) {
	r.mu.Lock()
	if r.exitCode == nil && !r.halted {
		r.exitCode = &code
	}
	r.mu.Unlock()
	r.halt(&engine.ExitRequest{Code: code})
}

func (r *nodeRun) fail(err *engine.Error) {
	r.mu.Lock()
	if r.failure == nil && r.exitCode == nil && !r.halted {
		r.failure = err
	}
	r.mu.Unlock()
	r.halt(err)
}

func (r *nodeRun) cancel(cause error) {
	r.mu.Lock()
	if !r.halted {
		r.canceled = cause
	}
	r.mu.Unlock()
	r.halt(cause)
}

func (e *nodeEngine) Run(ctx context.Context, inv engine.Invocation) (res engine.Result) {
	if err := ctx.Err(); err != nil {
		return engine.Canceled(err)
	}
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("javascript runtime panicked", zap.Any("panic", p))
			res = engine.Fail(engine.KindRuntime, nil, "panic: %v", p)
		}
	}()

	scriptName, base := e.moduleBase(inv)
	out := newPrinter(inv)

	reg := require.NewRegistry(require.WithLoader(e.sourceLoader(ctx, base)))
	reg.RegisterNativeModule("console", console.RequireWithPrinter(out))
	loop := eventloop.NewEventLoop(eventloop.EnableConsole(false), eventloop.WithRegistry(reg))

	r := &nodeRun{loop: loop, reasons: map[*goja.Promise]string{}}
	stop := context.AfterFunc(ctx, func() { r.cancel(context.Cause(ctx)) })
	defer stop()

	e.logger.Debug("starting javascript program",
		zap.String("program", scriptName),
		zap.String("base", base),
		zap.Int("args", len(inv.Args)))

	loop.Run(func(vm *goja.Runtime) {
		r.mu.Lock()
		r.vm = vm
		halted := r.halted
		r.mu.Unlock()
		if halted {
			return
		}

		vm.SetMaxCallStackSize(maxCallStackSize)
		reg.Enable(vm)
		console.Enable(vm)
		vm.SetPromiseRejectionTracker(r.trackRejection)
		if err := r.installGlobals(vm, inv); err != nil {
			r.fail(&engine.Error{Kind: engine.KindInit, Message: err.Error(), Cause: err})
			return
		}

		if _, err := vm.RunScript(scriptName, inv.Program); err != nil {
			r.scriptError(err)
		}
	})

	return r.result()
}

func (r *nodeRun) scriptError(err error) {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		// exit, cancellation and timer failures already recorded their outcome
		return
	}
	var overflow *goja.StackOverflowError
	if errors.As(err, &overflow) {
		r.fail(&engine.Error{
			Kind:    engine.KindEval,
			Message: "RangeError: Maximum call stack size exceeded",
			Cause:   err,
		})
		return
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		r.fail(jsError(ex.Value(), ex.String()))
		return
	}
	r.fail(&engine.Error{Kind: engine.KindEval, Message: err.Error(), Cause: err})
}

func (r *nodeRun) result() engine.Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.exitCode != nil:
		return engine.Result{ExitCode: *r.exitCode}
	case r.canceled != nil:
		return engine.Canceled(r.canceled)
	case r.failure != nil:
		return engine.Result{ExitCode: engine.ExitFailure, Err: r.failure}
	}
	for _, p := range r.rejected {
		if reason, ok := r.reasons[p]; ok {
			return engine.Result{
				ExitCode: engine.ExitFailure,
				Err:      &engine.Error{Kind: engine.KindEval, Message: "unhandled promise rejection: " + reason},
			}
		}
	}
	return engine.Result{ExitCode: r.exitCodeProp}
}

func (r *nodeRun) trackRejection(p *goja.Promise, op goja.PromiseRejectionOperation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch op {
	case goja.PromiseRejectionReject:
		r.rejected = append(r.rejected, p)
		r.reasons[p] = valueString(p.Result())
	case goja.PromiseRejectionHandle:
		delete(r.reasons, p)
	}
}

func (r *nodeRun) installGlobals(vm *goja.Runtime, inv engine.Invocation) error {
	argv := make([]any, 0, len(inv.Args))
	for _, a := range inv.Args {
		argv = append(argv, a)
	}
	env := vm.NewObject()
	for k, v := range envMap(inv.Env) {
		if err := env.Set(k, v); err != nil {
			return err
		}
	}

	process := vm.NewObject()
	if err := process.Set("argv", vm.NewArray(argv...)); err != nil {
		return err
	}
	if err := process.Set("env", env); err != nil {
		return err
	}
	if err := process.Set("platform", runtime.GOOS); err != nil {
		return err
	}
	if err := process.Set("cwd", func() (string, error) { return os.Getwd() }); err != nil {
		return err
	}
	if err := process.Set("exit", func(call goja.FunctionCall) goja.Value {
		code := r.currentExitCode()
		if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			code = exitCodeArg(vm, arg)
		}
		r.exit(code)
		return goja.Undefined()
	}); err != nil {
		return err
	}
	getter := vm.ToValue(func(goja.FunctionCall) goja.Value {
		return vm.ToValue(r.currentExitCode())
	})
	setter := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		code := 0
		if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			code = exitCodeArg(vm, arg)
		}
		r.mu.Lock()
		r.exitCodeProp = code
		r.mu.Unlock()
		return goja.Undefined()
	})
	if err := process.DefineAccessorProperty("exitCode", getter, setter, goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
		return err
	}
	if err := vm.Set("process", process); err != nil {
		return err
	}

	host := vm.NewObject()
	if err := host.Set("context", inv.Context); err != nil {
		return err
	}
	if err := host.Set("engine", engine.NodeJS.String()); err != nil {
		return err
	}
	if err := host.Set("version", Version); err != nil {
		return err
	}
	if err := vm.Set("wingpf", host); err != nil {
		return err
	}

	guard, err := vm.RunScript(timerGuardName, timerGuard)
	if err != nil {
		return fmt.Errorf("install timer guard: %w", err)
	}
	install, ok := goja.AssertFunction(guard)
	if !ok {
		return errors.New("install timer guard: not a function")
	}
	_, err = install(goja.Undefined(),
		vm.ToValue(func() bool { return r.isHalted() }),
		vm.ToValue(r.invokeCallback),
	)
	return err
}

// invokeCallback runs a timer callback: invoke(fn, this, ...args).
func (r *nodeRun) invokeCallback(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		return goja.Undefined()
	}
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = call.Arguments[2:]
	}
	if _, err := fn(call.Argument(1), args...); err != nil {
		r.scriptError(err)
	}
	return goja.Undefined()
}

// exitCodeArg validates an exit code the way node does: integers and
// integer strings are accepted, anything else throws ERR_INVALID_ARG_TYPE.
func exitCodeArg(vm *goja.Runtime, v goja.Value) int {
	switch x := v.Export().(type) {
	case int64:
		return engine.ExitCode(x)
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) {
			return engine.ExitCode(int64(x))
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
			return engine.ExitCode(n)
		}
	}
	err := vm.NewTypeError(fmt.Sprintf(`The "code" argument must be of type number. Received %s`, valueString(v)))
	_ = err.Set("code", "ERR_INVALID_ARG_TYPE")
	panic(err)
}

func (r *nodeRun) currentExitCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitCodeProp
}

// moduleBase picks the name the program runs under and the base that
// relative require() ids are resolved against.
func (e *nodeEngine) moduleBase(inv engine.Invocation) (scriptName, base string) {
	name := programName(inv)
	if u, err := url.Parse(name); err == nil && len(u.Scheme) > 1 {
		// goja_nodejs joins ids with path semantics, which mangles URLs;
		// run under the file name and resolve against the full URL instead.
		return path.Base(u.Path), name
	}
	if filepath.IsAbs(name) {
		return filepath.Base(name), name
	}
	if inv.Context != "" {
		if info, err := os.Stat(inv.Context); err == nil && info.IsDir() {
			return name, inv.Context
		}
	}
	return name, ""
}

func (e *nodeEngine) sourceLoader(ctx context.Context, base string) require.SourceLoader {
	return func(p string) ([]byte, error) {
		if e.opts.Loader == nil || strings.HasPrefix(p, "node_modules/") {
			return nil, require.ModuleFileDoesNotExistError
		}
		_, src, err := e.opts.Loader.Load(ctx, base, p)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, require.ModuleFileDoesNotExistError
		}
		if err != nil {
			e.logger.Debug("module load failed", zap.String("module", p), zap.Error(err))
			return nil, &engine.Error{Kind: engine.KindModule, Message: p, Cause: err}
		}
		return []byte(src), nil
	}
}

// jsError converts a thrown JavaScript value into an engine error. The
// value's stack is preferred over its string form; fallback is used when
// neither is available.
func jsError(v goja.Value, fallback string) *engine.Error {
	e := &engine.Error{Kind: engine.KindEval, Message: fallback}
	if v == nil || goja.IsUndefined(v) {
		if e.Message == "" {
			e.Message = "uncaught exception"
		}
		return e
	}
	if obj, ok := v.(*goja.Object); ok {
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) && !goja.IsNull(stack) {
			e.Message = trimGuardFrames(strings.TrimRight(stack.String(), "\n"))
			return e
		}
	}
	e.Message = "Uncaught " + valueString(v)
	return e
}

func valueString(v goja.Value) string {
	if v == nil {
		return "undefined"
	}
	return v.String()
}

// trimGuardFrames drops the timer guard's frames, and the native frames
// leading into them, from the bottom of a stack.
func trimGuardFrames(stack string) string {
	lines := strings.Split(stack, "\n")
	for i, line := range lines {
		if !strings.Contains(line, timerGuardName) {
			continue
		}
		lines = lines[:i]
		for len(lines) > 1 && strings.HasSuffix(strings.TrimSpace(lines[len(lines)-1]), "(native)") {
			lines = lines[:len(lines)-1]
		}
		break
	}
	return strings.Join(lines, "\n")
}
