// Package errmodel defines the compact error taxonomy shared by the
// registry, the execution pipeline, and the protocol gateway.
package errmodel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Category values for compact errors.
const (
	CategoryValidation = "validation"
	CategoryRegistry   = "registry"
	CategoryDependency = "dependency"
	CategoryExecution  = "execution"
	CategorySystem     = "system"
)

// Code values. Validation and registry errors are rejected synchronously to
// the caller; execution errors are folded into structured outcomes by the
// executor and never propagate as Go errors past it.
const (
	CodeInvalidParameter = "invalid_parameter"
	CodeNotFound         = "not_found"
	CodeAlreadyExists    = "already_exists"
	CodePublishConflict  = "publish_conflict"
	CodeDependencyCycle  = "dependency_cycle"
	CodeToolDisabled     = "tool_disabled"
	CodeTimeout          = "timeout"
	CodeRuntime          = "runtime"
	CodeInternal         = "internal"
)

// Error is the compact error payload returned by APIs and used internally.
// It implements the error interface.
type Error struct {
	Category string         `json:"category"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
	Causes   []Error        `json:"causes,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// New constructs a new compact error.
func New(category, code, message string, ctx map[string]any, causes ...error) *Error {
	ce := &Error{Category: category, Code: code, Message: truncate(message, 512)}
	if len(ctx) > 0 {
		ce.Context = truncateContext(ctx)
	}
	for _, c := range causes {
		if c == nil {
			continue
		}
		ce.Causes = append(ce.Causes, *From(c))
	}
	return ce
}

// From converts any error into a compact Error. If err is already *Error, it's returned as-is.
func From(err error) *Error {
	var ce *Error
	if err == nil {
		return nil
	}
	if errors.As(err, &ce) {
		return ce
	}
	// Default to system/internal for unknown error types.
	return &Error{Category: CategorySystem, Code: CodeInternal, Message: truncate(err.Error(), 512)}
}

// Convenience constructors for the taxonomy.

// Validation reports a bad or missing caller-supplied value. The context map
// should carry the offending field under "field".
func Validation(message string, ctx map[string]any) *Error {
	return New(CategoryValidation, CodeInvalidParameter, message, ctx)
}

// NotFound reports an unknown tool/function/config/version.
func NotFound(message string, ctx map[string]any) *Error {
	return New(CategoryRegistry, CodeNotFound, message, ctx)
}

// AlreadyExists reports a unique-name collision on create.
func AlreadyExists(message string, ctx map[string]any) *Error {
	return New(CategoryRegistry, CodeAlreadyExists, message, ctx)
}

// PublishConflict reports a lost compare-and-swap on publish after the
// internal retry was exhausted.
func PublishConflict(message string, ctx map[string]any) *Error {
	return New(CategoryRegistry, CodePublishConflict, message, ctx)
}

// DependencyCycle reports a function dependency cycle. ctx carries the cycle
// members under "cycle".
func DependencyCycle(message string, ctx map[string]any) *Error {
	return New(CategoryDependency, CodeDependencyCycle, message, ctx)
}

// ToolDisabled reports a protocol call against a disabled tool.
func ToolDisabled(message string, ctx map[string]any) *Error {
	return New(CategoryRegistry, CodeToolDisabled, message, ctx)
}

// Timeout reports an invocation that outlived its wall-clock limit.
func Timeout(message string, ctx map[string]any) *Error {
	return New(CategoryExecution, CodeTimeout, message, ctx)
}

// Runtime reports an exception raised inside tool code.
func Runtime(message string, ctx map[string]any) *Error {
	return New(CategoryExecution, CodeRuntime, message, ctx)
}

// System wraps an infrastructure failure.
func System(code, message string, ctx map[string]any, cause error) *Error {
	if cause != nil {
		return New(CategorySystem, code, message, ctx, cause)
	}
	return New(CategorySystem, code, message, ctx)
}

// HasCode reports whether err is a compact error with the given code.
func HasCode(err error, code string) bool {
	ce := From(err)
	return ce != nil && ce.Code == code
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return HasCode(err, CodeNotFound) }

// IsValidation reports whether err belongs to the validation category.
func IsValidation(err error) bool { return IsCategory(err, CategoryValidation) }

// IsCategory checks if err belongs to a specific category.
func IsCategory(err error, category string) bool {
	ce := From(err)
	return ce != nil && strings.EqualFold(ce.Category, category)
}

// HTTPStatus maps category/code to HTTP status.
func HTTPStatus(e *Error) int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Category {
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryRegistry:
		switch e.Code {
		case CodeNotFound:
			return http.StatusNotFound
		case CodeAlreadyExists, CodePublishConflict:
			return http.StatusConflict
		case CodeToolDisabled:
			return http.StatusForbidden
		default:
			return http.StatusBadRequest
		}
	case CategoryDependency:
		return http.StatusUnprocessableEntity
	case CategoryExecution:
		if e.Code == CodeTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case CategorySystem:
		fallthrough
	default:
		return http.StatusInternalServerError
	}
}

// WriteHTTP writes a compact error envelope to the response writer.
// It attempts to include the trace_id if present in ctx.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	ce := From(err)
	if ce == nil {
		ce = &Error{Category: CategorySystem, Code: CodeInternal, Message: "unknown error"}
	}
	status := HTTPStatus(ce)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	traceID := ""
	if r != nil {
		if span := trace.SpanFromContext(r.Context()); span != nil {
			sc := span.SpanContext()
			if sc.HasTraceID() {
				traceID = sc.TraceID().String()
			}
		}
	}
	// Envelope { error: Error, trace_id?: string }
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":    ce,
		"trace_id": traceID,
	})
}

// truncate trims a string to max characters.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// truncateContext trims long string values in the context map.
func truncateContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		switch t := v.(type) {
		case string:
			out[k] = truncate(t, 256)
		default:
			// Keep primitive values as-is; stringify anything structured so
			// the payload stays compact.
			switch t.(type) {
			case int, int64, float64, bool, nil:
				out[k] = t
			default:
				b, err := json.Marshal(t)
				if err == nil && len(b) > 0 {
					out[k] = truncate(string(b), 256)
				} else {
					out[k] = t
				}
			}
		}
	}
	return out
}
