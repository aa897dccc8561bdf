// Package invoke is the invocation pipeline: look up the tool, check that it
// may run, assemble the execution context from current drafts, execute, and
// record the call.
package invoke

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/openmcp/forge/pkg/calllog"
	"github.com/openmcp/forge/pkg/errmodel"
	"github.com/openmcp/forge/pkg/execctx"
	"github.com/openmcp/forge/pkg/executor"
	"github.com/openmcp/forge/pkg/registry"
)

// Invoker runs tools end to end.
type Invoker struct {
	reg     *registry.Service
	builder *execctx.Builder
	exec    *executor.Executor
	calls   *calllog.Logger
	log     *zap.Logger
}

func New(reg *registry.Service, exec *executor.Executor, calls *calllog.Logger, limits execctx.Limits, log *zap.Logger) *Invoker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Invoker{
		reg:     reg,
		builder: execctx.NewBuilder(reg.Store(), limits),
		exec:    exec,
		calls:   calls,
		log:     log,
	}
}

// InvokeByName runs the tool with the given name. Disabled tools reject
// protocol calls; debug calls run regardless so operators can test a tool
// before exposing it.
func (i *Invoker) InvokeByName(ctx context.Context, name string, args map[string]any, callType calllog.CallType) (executor.Outcome, error) {
	tool, err := i.reg.GetToolByName(ctx, name)
	if err != nil {
		return executor.Outcome{}, err
	}
	return i.invoke(ctx, tool, args, callType)
}

// Invoke runs the tool with the given id.
func (i *Invoker) Invoke(ctx context.Context, toolID string, args map[string]any, callType calllog.CallType) (executor.Outcome, error) {
	tool, err := i.reg.GetTool(ctx, toolID)
	if err != nil {
		return executor.Outcome{}, err
	}
	return i.invoke(ctx, tool, args, callType)
}

func (i *Invoker) invoke(ctx context.Context, tool registry.Tool, args map[string]any, callType calllog.CallType) (executor.Outcome, error) {
	if !tool.Enabled && callType != calllog.CallTypeDebug {
		return executor.Outcome{}, errmodel.ToolDisabled(
			fmt.Sprintf("tool %q is disabled", tool.Name),
			map[string]any{"tool": tool.Name},
		)
	}

	req, err := i.builder.Build(ctx, tool, args)
	if err != nil {
		return executor.Outcome{}, err
	}

	out := i.exec.Execute(ctx, req)
	i.record(ctx, tool, args, callType, out)
	return out, nil
}

func (i *Invoker) record(ctx context.Context, tool registry.Tool, args map[string]any, callType calllog.CallType, out executor.Outcome) {
	if i.calls == nil {
		return
	}
	rec := calllog.Record{
		ToolID:       tool.ID,
		ToolName:     tool.Name,
		CallType:     callType,
		ErrorMessage: out.ErrorMessage,
		Logs:         out.Logs,
		State:        string(out.State),
		Duration:     out.Duration,
	}
	if raw, err := json.Marshal(args); err == nil {
		rec.Parameters = raw
	}
	if out.Result != nil {
		if raw, err := json.Marshal(out.Result); err == nil {
			rec.Result = raw
		}
	}
	i.calls.Log(ctx, rec)
}

// History lists recorded calls for a tool, newest first.
func (i *Invoker) History(ctx context.Context, toolID string, page, size int) ([]calllog.Record, int, error) {
	if i.calls == nil {
		return []calllog.Record{}, 0, nil
	}
	return i.calls.List(ctx, toolID, page, size)
}
