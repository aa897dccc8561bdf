package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/openmcp/forge/pkg/execctx"
)

// maxCallStackDepth bounds interpreter recursion; runaway recursion raises a
// catchable error inside the unit instead of exhausting the Go stack.
const maxCallStackDepth = 2048

// logBuffer collects the unit's stdout lines in emission order. Units run on
// a single goroutine, so no locking.
type logBuffer struct {
	lines []string
}

func (b *logBuffer) appendLine(s string) {
	for _, line := range strings.Split(s, "\n") {
		if line != "" {
			b.lines = append(b.lines, line)
		}
	}
}

// runBasic executes the unit with only the three contract bindings:
// parameters, config, and the result slot. No ambient I/O is installed.
func (e *Executor) runBasic(ctx context.Context, req execctx.ExecutionRequest, started time.Time) Outcome {
	return e.runUnit(ctx, req, started, nil)
}

// runUnit compiles (or reuses) the unit, wires the contract bindings into a
// fresh interpreter, and runs it under the request's wall-clock limit.
// install, when non-nil, grants kind-specific capabilities before the run.
func (e *Executor) runUnit(ctx context.Context, req execctx.ExecutionRequest, started time.Time, install func(vm *goja.Runtime, logs *logBuffer) error) Outcome {
	prog, ok := e.cache.get(req.ToolID, req.Fingerprint)
	if !ok {
		compiled, err := goja.Compile(req.ToolName, req.Unit, false)
		if err != nil {
			return failed(fmt.Sprintf("unit does not compile: %v", err), nil, started)
		}
		e.cache.put(req.ToolID, req.Fingerprint, compiled)
		prog = compiled
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(maxCallStackDepth)
	logs := &logBuffer{}
	installPrint(vm, logs)

	if err := vm.Set("parameters", req.Parameters); err != nil {
		return failed(err.Error(), logs.lines, started)
	}
	if err := vm.Set("config", req.Config); err != nil {
		return failed(err.Error(), logs.lines, started)
	}
	// The result slot starts empty; the unit writes it.
	if err := vm.Set("result", goja.Null()); err != nil {
		return failed(err.Error(), logs.lines, started)
	}
	if install != nil {
		if err := install(vm, logs); err != nil {
			return failed(err.Error(), logs.lines, started)
		}
	}

	// Hard cancellation: when the deadline passes, the interpreter is
	// interrupted and the invocation's VM is discarded entirely.
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt("execution timed out")
	})
	defer stop()

	_, err := vm.RunProgram(prog)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) || ctx.Err() != nil {
			return timedOut(req.Limits.Timeout, logs.lines, started)
		}
		var exception *goja.Exception
		if errors.As(err, &exception) {
			return failed(exception.Error(), logs.lines, started)
		}
		return failed(err.Error(), logs.lines, started)
	}

	return succeeded(exportResult(vm), logs.lines, started)
}

// exportResult reads the result slot; null/undefined export as nil.
func exportResult(vm *goja.Runtime) any {
	v := vm.Get("result")
	if v == nil || goja.IsNull(v) || goja.IsUndefined(v) {
		return nil
	}
	return v.Export()
}

// installPrint wires print() and console.log/info/warn/error into the log
// buffer. These are the unit's only output channel besides the result slot.
func installPrint(vm *goja.Runtime, logs *logBuffer) {
	printFn := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		logs.appendLine(strings.Join(parts, " "))
		return goja.Undefined()
	}
	_ = vm.Set("print", printFn)
	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error"} {
		_ = console.Set(level, printFn)
	}
	_ = vm.Set("console", console)
}
