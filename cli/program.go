package cli

import (
	"net/url"
	"path"
	"strings"

	"wingpf.tools/engine"
)

// engineFor picks the engine for a program from its name when the user did
// not choose one. Names without a known extension use fallback.
func engineFor(name string, fallback engine.Type) engine.Type {
	p := name
	if u, err := url.Parse(name); err == nil && len(u.Scheme) > 1 {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(strings.ReplaceAll(p, "\\", "/"))) {
	case ".star", ".bzl", ".sky":
		return engine.Starlark
	case ".js", ".cjs", ".mjs":
		if fallback == engine.Starlark {
			return engine.NodeJS
		}
		return fallback
	}
	return fallback
}

// scriptArgv builds the argument vector the engine exposes. JavaScript
// programs see node's layout, with the interpreter and program name first;
// Starlark programs only see their own arguments.
func scriptArgv(t engine.Type, name string, args []string) []string {
	if t == engine.Starlark {
		return append([]string{}, args...)
	}
	return append([]string{"wingpf", name}, args...)
}
