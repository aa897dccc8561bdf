// Package executor runs assembled execution units under wall-clock and
// resource limits and returns structured outcomes. Three adapters cover the
// tool kinds: basic (interpreter only), http (interpreter plus an HTTP
// capability), and database (SQL template rendering and execution).
//
// An invocation moves Pending -> Running -> {Succeeded, Failed, TimedOut}.
// A failing unit never raises out of the executor: runtime exceptions and
// timeouts are folded into the Outcome.
package executor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/openmcp/forge/pkg/errmodel"
	"github.com/openmcp/forge/pkg/execctx"
	"github.com/openmcp/forge/pkg/registry"
)

// State is the lifecycle phase of one invocation.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// Outcome is the structured result contract. Exactly one of Result or
// ErrorMessage is meaningful, selected by Success. Logs hold stdout lines
// captured in order, including lines emitted before a failure.
type Outcome struct {
	Success      bool          `json:"success"`
	Result       any           `json:"result,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Logs         []string      `json:"logs"`
	State        State         `json:"state"`
	Duration     time.Duration `json:"-"`
}

func succeeded(result any, logs []string, started time.Time) Outcome {
	return Outcome{Success: true, Result: result, Logs: logs, State: StateSucceeded, Duration: time.Since(started)}
}

func failed(msg string, logs []string, started time.Time) Outcome {
	return Outcome{Success: false, ErrorMessage: msg, Logs: logs, State: StateFailed, Duration: time.Since(started)}
}

func timedOut(limit time.Duration, logs []string, started time.Time) Outcome {
	return Outcome{
		Success:      false,
		ErrorMessage: errmodel.Timeout(fmt.Sprintf("execution exceeded %s", limit), nil).Error(),
		Logs:         logs,
		State:        StateTimedOut,
		Duration:     time.Since(started),
	}
}

// Executor dispatches execution requests to kind adapters. Invocations are
// independent: each one gets a fresh interpreter, so a runaway unit cannot
// corrupt another invocation's state.
type Executor struct {
	log    *zap.Logger
	cache  *unitCache
	client *http.Client
	pools  *dbPools
}

// Option configures the Executor.
type Option func(*Executor)

// WithHTTPClient overrides the http adapter's client (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

// New builds an executor. The HTTP client is traced via otelhttp.
func New(log *zap.Logger, opts ...Option) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Executor{
		log:   log,
		cache: newUnitCache(),
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   execctx.DefaultTimeout,
		},
		pools: newDBPools(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Invalidate drops cached compiled units for an entity. Wire it as a
// registry publish listener so rollbacks and publishes take effect on the
// next invocation.
func (e *Executor) Invalidate(entity registry.EntityType, id string, _ int64) {
	e.cache.invalidate(id)
}

// Close releases pooled database connections.
func (e *Executor) Close() error { return e.pools.close() }

// Execute runs one request to completion and always returns an Outcome;
// failures inside the unit are captured, never propagated.
func (e *Executor) Execute(ctx context.Context, req execctx.ExecutionRequest) Outcome {
	tr := otel.Tracer("executor")
	ctx, span := tr.Start(ctx, "Executor.Execute", trace.WithAttributes(
		attribute.String("tool.id", req.ToolID),
		attribute.String("tool.name", req.ToolName),
		attribute.String("tool.kind", string(req.Kind)),
	))
	defer span.End()

	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, req.Limits.Timeout)
	defer cancel()

	var out Outcome
	switch req.Kind {
	case registry.ToolKindBasic:
		out = e.runBasic(ctx, req, started)
	case registry.ToolKindHTTP:
		out = e.runHTTP(ctx, req, started)
	case registry.ToolKindDatabase:
		out = e.runDatabase(ctx, req, started)
	default:
		out = failed(fmt.Sprintf("unknown tool kind %q", req.Kind), nil, started)
	}
	if out.Logs == nil {
		out.Logs = []string{}
	}

	span.SetAttributes(
		attribute.Bool("outcome.success", out.Success),
		attribute.String("outcome.state", string(out.State)),
	)
	e.log.Debug("execution finished",
		zap.String("tool", req.ToolName),
		zap.String("state", string(out.State)),
		zap.Duration("duration", out.Duration),
	)
	return out
}
