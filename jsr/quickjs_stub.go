//go:build !quickjs

package jsr

import (
	"fmt"

	"wingpf.tools/engine"
)

func init() {
	// Without the quickjs tag the engine type stays known but cannot be built.
	engine.Register(engine.QuickJS, func(engine.Options) (engine.Engine, error) {
		return nil, fmt.Errorf("%w: rebuild with -tags quickjs", engine.ErrUnavailable)
	})
}
