package call

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"wingpf.tools/engine"
	"wingpf.tools/rt"
)

func newObserved() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func TestCallPreconditions(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(p *Prep)
		wantErr error
	}{
		{"nothing set", func(p *Prep) {}, ErrProgramNotSet},
		{"program only", func(p *Prep) { p.SetProgram("") }, ErrContextNotSet},
		{"context only", func(p *Prep) { p.SetContext("") }, ErrProgramNotSet},
		{"freed", func(p *Prep) { p.SetProgram(""); p.SetContext(""); p.Free() }, ErrFreed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(engine.NodeJS)
			tt.setup(p)
			code, err := p.Call(context.Background())
			assert.Equal(t, -1, code)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCallExitCodes(t *testing.T) {
	tests := []struct {
		name     string
		typ      engine.Type
		program  string
		wantCode int
		wantErr  string
		wantOut  string
	}{
		{"node ok", engine.NodeJS, `console.log(wingpf.context, process.argv.length)`, 0, "", "ctx 0\n"},
		{"node exit", engine.NodeJS, `process.exit(42)`, 42, "", ""},
		{"node throw", engine.NodeJS, `throw new Error("kaput")`, engine.ExitFailure, "kaput", ""},
		{"starlark ok", engine.Starlark, `print(context, len(args))`, 0, "", "ctx 0\n"},
		{"starlark exit", engine.Starlark, `exit(5)`, 5, "", ""},
		{"starlark fail", engine.Starlark, `fail("nope")`, engine.ExitFailure, "nope", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, logs := newObserved()
			var out bytes.Buffer
			p := New(tt.typ, WithLogger(logger), WithStdout(&out))
			defer p.Free()
			p.SetProgram(tt.program)
			p.SetContext("ctx")

			code, err := p.Call(context.Background())
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantOut, out.String())
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}

			failures := logs.FilterMessage("program exited with non-zero code").All()
			if tt.wantCode == 0 {
				assert.Empty(t, failures)
				return
			}
			require.Len(t, failures, 1)
			fields := failures[0].ContextMap()
			assert.EqualValues(t, tt.wantCode, fields["exit_code"])
			assert.Contains(t, fields["error"], tt.wantErr)
			assert.Equal(t, tt.typ.String(), fields["engine"])
		})
	}
}

func TestCallUnknownEngine(t *testing.T) {
	logger, logs := newObserved()
	p := New(engine.Type(99), WithLogger(logger))
	p.SetProgram("")
	p.SetContext("")

	code, err := p.Call(context.Background())
	assert.Equal(t, engine.ExitFailure, code)
	var engErr *engine.Error
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, engine.KindInit, engErr.Kind)
	assert.Equal(t, 1, logs.FilterMessage("failed to create engine").Len())
}

func TestCallIsRepeatable(t *testing.T) {
	var out bytes.Buffer
	p := New(engine.NodeJS, WithStdout(&out))
	p.SetProgram(`globalThis.n = (globalThis.n || 0) + 1; console.log(n)`)
	p.SetContext("")

	for i := 0; i < 2; i++ {
		code, err := p.Call(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, code)
	}
	// A fresh runtime per call means no state carries over.
	assert.Equal(t, "1\n1\n", out.String())
}

func TestCallArgsEnvAndLoader(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet.js"), []byte(`module.exports = (n) => "hi " + n`), 0o644))

	host, err := rt.NewHost(t.TempDir(), "", nil)
	require.NoError(t, err)
	defer host.Close()

	var out bytes.Buffer
	p := New(engine.NodeJS, WithLoader(host), WithStdout(&out), WithMemoryLimit(32<<20))
	p.SetProgram(`console.log(require("./greet.js")(process.argv[0]), process.env.X)`)
	p.SetContext(dir)
	p.SetArgs([]string{"bob"})
	p.SetEnv([]string{"X=y"})

	code, err := p.Call(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "hi bob y\n", out.String())
}

func TestCallCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(engine.Starlark)
	p.SetProgram(`print(1)`)
	p.SetContext("")
	code, err := p.Call(ctx)
	assert.Equal(t, engine.ExitCanceled, code)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFreeNil(t *testing.T) {
	var p *Prep
	assert.NotPanics(t, p.Free)
}
