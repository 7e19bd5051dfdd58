package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures.
type ErrorKind string

const (
	KindInit    ErrorKind = "init"
	KindEval    ErrorKind = "eval"
	KindModule  ErrorKind = "module"
	KindRuntime ErrorKind = "runtime"
)

// Exit codes reported by every engine for failures that are not an
// explicit exit request from the script.
const (
	ExitFailure  = 1
	ExitCanceled = 130
)

// ExitCode narrows a script-supplied exit code to the 32 bits a C int
// carries, wrapping the way JavaScript's ToInt32 does.
func ExitCode(n int64) int {
	return int(int32(n))
}

// ErrUnavailable is the cause of init errors for engines compiled out of
// this build.
var ErrUnavailable = errors.New("engine not available in this build")

// Error is the engine-provided error attached to a Result.
type Error struct {
	Kind    ErrorKind
	Message string
	// Stack is the script-level backtrace when the runtime exposes one.
	Stack string
	Cause error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Stack != "" {
		msg += "\n" + e.Stack
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Fail builds a Result carrying a kinded error and ExitFailure.
func Fail(kind ErrorKind, cause error, format string, args ...any) Result {
	return Result{
		ExitCode: ExitFailure,
		Err: &Error{
			Kind:    kind,
			Message: fmt.Sprintf(format, args...),
			Cause:   cause,
		},
	}
}

// Canceled is the Result for a run stopped by its context.
func Canceled(cause error) Result {
	return Result{
		ExitCode: ExitCanceled,
		Err:      &Error{Kind: KindRuntime, Message: cause.Error(), Cause: cause},
	}
}

// ExitRequest is raised inside a runtime when the script asks to exit.
// Explicit exits carry no engine error, whatever the code.
type ExitRequest struct {
	Code int
}

func (e *ExitRequest) Error() string {
	return fmt.Sprintf("exit(%d)", e.Code)
}
