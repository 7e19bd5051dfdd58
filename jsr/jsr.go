// Package jsr hosts JavaScript runtimes behind the engine contract.
//
// Two runtimes are provided. The NodeJS engine runs goja on the goja_nodejs
// event loop and is always available. The QuickJS engine binds the native
// QuickJS library through cgo and is only compiled with -tags quickjs;
// without the tag it is registered as unavailable.
//
// Both expose the same globals to the program: process (argv, env,
// exitCode, exit), wingpf (context, engine) and console.
package jsr

import (
	"fmt"
	"io"
	"os"
	"strings"

	"wingpf.tools/engine"
)

// Version is reported to scripts as wingpf.version.
const Version = "0.1.0"

// printer routes console output to the invocation's writers.
type printer struct {
	stdout io.Writer
	stderr io.Writer
}

func newPrinter(inv engine.Invocation) *printer {
	p := &printer{stdout: inv.Stdout, stderr: inv.Stderr}
	if p.stdout == nil {
		p.stdout = os.Stdout
	}
	if p.stderr == nil {
		p.stderr = os.Stderr
	}
	return p
}

func (p *printer) Log(s string)   { fmt.Fprintln(p.stdout, s) }
func (p *printer) Warn(s string)  { fmt.Fprintln(p.stderr, s) }
func (p *printer) Error(s string) { fmt.Fprintln(p.stderr, s) }

func envMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		name, value, _ := strings.Cut(kv, "=")
		m[name] = value
	}
	return m
}

func programName(inv engine.Invocation) string {
	if inv.Name != "" {
		return inv.Name
	}
	return "main.js"
}
