package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"wingpf.tools/call"
	"wingpf.tools/engine"
	"wingpf.tools/internal/config"
	"wingpf.tools/internal/logging"
	"wingpf.tools/rt"
)

// shim is the process-wide state shared by every handle.
type shim struct {
	logger      *zap.Logger
	host        *rt.Host
	memoryLimit int64
}

var (
	shimOnce  sync.Once
	shimState *shim

	// exit terminates the host process on a precondition violation.
	exit = os.Exit
)

// current returns the process-wide shim, building it from configuration
// on first use.
func current() *shim {
	shimOnce.Do(func() { shimState = newShim() })
	return shimState
}

func newShim() *shim {
	cfg, cfgErr := config.Load()
	if cfgErr != nil {
		cfg = &config.Config{Log: logging.DefaultConfig()}
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		logger, _ = logging.New(logging.DefaultConfig())
	}
	if cfgErr != nil {
		logger.Warn("failed to load configuration, using defaults", zap.Error(cfgErr))
	}

	s := &shim{logger: logger, memoryLimit: cfg.MemoryLimit}
	host, err := rt.NewHost(cfg.Home, cfg.Host, logger)
	if err != nil {
		logger.Warn("module loading disabled", zap.Error(err))
		return s
	}
	s.host = host
	return s
}

// invoke runs one call with an empty argument vector.
func (s *shim) invoke(ctx context.Context, t engine.Type, program, scriptContext string) int {
	opts := []call.Option{call.WithLogger(s.logger), call.WithMemoryLimit(s.memoryLimit)}
	if s.host != nil {
		opts = append(opts, call.WithLoader(s.host))
	}
	prep := call.New(t, opts...)
	defer prep.Free()
	prep.SetProgram(program)
	prep.SetContext(scriptContext)

	code, _ := prep.Call(ctx)
	return code
}

func fatalf(format string, args ...any) {
	logger := current().logger
	logger.Error(fmt.Sprintf(format, args...))
	_ = logging.Sync(logger)
	exit(engine.ExitFailure)
}
