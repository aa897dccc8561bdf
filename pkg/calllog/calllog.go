// Package calllog records tool invocations for audit and debugging. Logging
// is best effort: a sink failure is reported to the process log and never
// propagates into the invocation path.
package calllog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CallType distinguishes protocol-originated invocations from direct debug
// invocations, which skip the enabled check.
type CallType string

const (
	CallTypeMCP   CallType = "mcp"
	CallTypeDebug CallType = "debug"
)

// maxPayloadBytes caps stored parameter and result payloads. Larger values
// are replaced with a marker so one oversized call cannot bloat the log.
const maxPayloadBytes = 4096

// Record is one completed invocation.
type Record struct {
	ID           string          `json:"id"`
	ToolID       string          `json:"tool_id"`
	ToolName     string          `json:"tool_name"`
	CallType     CallType        `json:"call_type"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Logs         []string        `json:"logs"`
	State        string          `json:"state"`
	Duration     time.Duration   `json:"duration"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Sink persists records.
type Sink interface {
	Append(ctx context.Context, rec Record) error
	List(ctx context.Context, toolID string, page, size int) ([]Record, int, error)
}

// Logger assigns identity to records, truncates payloads, and forwards them
// to the sink.
type Logger struct {
	sink Sink
	log  *zap.Logger
}

func New(sink Sink, log *zap.Logger) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{sink: sink, log: log}
}

// Log stores one invocation record. It never fails the caller.
func (l *Logger) Log(ctx context.Context, rec Record) {
	if l.sink == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Logs == nil {
		rec.Logs = []string{}
	}
	rec.Parameters = truncatePayload(rec.Parameters)
	rec.Result = truncatePayload(rec.Result)

	if err := l.sink.Append(ctx, rec); err != nil {
		l.log.Warn("call log append failed",
			zap.String("tool", rec.ToolName),
			zap.Error(err),
		)
	}
}

// List returns records for a tool, newest first, with the total count.
func (l *Logger) List(ctx context.Context, toolID string, page, size int) ([]Record, int, error) {
	if l.sink == nil {
		return nil, 0, nil
	}
	return l.sink.List(ctx, toolID, page, size)
}

func truncatePayload(raw json.RawMessage) json.RawMessage {
	if len(raw) <= maxPayloadBytes {
		return raw
	}
	marker, _ := json.Marshal(map[string]any{
		"truncated":      true,
		"original_bytes": len(raw),
	})
	return marker
}
