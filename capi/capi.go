// Command capi is the wingpf C shim. Build it with
//
//	go build -buildmode=c-shared -o libwingpf.so ./capi
//
// and include wingpf.h from the host program.
package main

/*
#include <stdlib.h>
#define WINGPF_TYPES_ONLY
#include "wingpf.h"

struct wingpf_call_prep {
	wingpf_engine_type_t engine;
	const char *program;
	const char *context;
};
*/
import "C"

import (
	"context"
	"unsafe"

	"wingpf.tools/engine"
)

func main() {}

//export wingpf_prep
func wingpf_prep(t C.wingpf_engine_type_t) *C.struct_wingpf_call_prep {
	prep := (*C.struct_wingpf_call_prep)(C.calloc(1, C.sizeof_struct_wingpf_call_prep))
	if prep == nil {
		fatalf("wingpf_prep: out of memory")
		return nil
	}
	prep.engine = t
	return prep
}

//export wingpf_set_program
func wingpf_set_program(prep *C.struct_wingpf_call_prep, program *C.char) {
	if prep == nil {
		fatalf("wingpf_set_program: null handle")
		return
	}
	if prep.program == program {
		return
	}
	prep.program = program
}

//export wingpf_set_context
func wingpf_set_context(prep *C.struct_wingpf_call_prep, ctx *C.char) {
	if prep == nil {
		fatalf("wingpf_set_context: null handle")
		return
	}
	if prep.context == ctx {
		return
	}
	prep.context = ctx
}

//export wingpf_call
func wingpf_call(prep *C.struct_wingpf_call_prep) C.int {
	switch {
	case prep == nil:
		fatalf("wingpf_call: null handle")
		return C.int(engine.ExitFailure)
	case prep.program == nil:
		fatalf("wingpf_call: program not set")
		return C.int(engine.ExitFailure)
	case prep.context == nil:
		fatalf("wingpf_call: context not set")
		return C.int(engine.ExitFailure)
	}
	code := current().invoke(context.Background(),
		engine.Type(prep.engine),
		C.GoString(prep.program),
		C.GoString(prep.context))
	return C.int(code)
}

//export wingpf_free
func wingpf_free(prep *C.struct_wingpf_call_prep) {
	if prep == nil {
		return
	}
	C.free(unsafe.Pointer(prep))
}

// Helpers for the C calls a host makes around the exported functions.
// Test files cannot import "C", so they drive the ABI through these.

func cString(s string) *C.char { return C.CString(s) }

func freeCString(p *C.char) { C.free(unsafe.Pointer(p)) }

func prepProgram(prep *C.struct_wingpf_call_prep) *C.char { return prep.program }

func prepContext(prep *C.struct_wingpf_call_prep) *C.char { return prep.context }

func cEngineType(t engine.Type) C.wingpf_engine_type_t { return C.wingpf_engine_type_t(t) }
