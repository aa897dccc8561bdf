package errmodel

import (
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestConstructorsAndFrom(t *testing.T) {
	e := Validation("parameter x is required", map[string]any{"field": "x"})
	if e.Category != CategoryValidation || e.Code != CodeInvalidParameter {
		t.Fatalf("unexpected: %#v", e)
	}
	if got := From(e); got != e {
		t.Fatalf("From should return same error instance")
	}
	if !IsValidation(e) {
		t.Fatalf("IsValidation false for %v", e)
	}
	// Wrapped compact errors are still recognized.
	wrapped := fmt.Errorf("publish: %w", NotFound("tool missing", map[string]any{"name": "t"}))
	if !IsNotFound(wrapped) {
		t.Fatalf("IsNotFound false for wrapped error")
	}
	// Foreign errors convert to system/internal.
	ce := From(errors.New("boom"))
	if ce.Category != CategorySystem || ce.Code != CodeInternal {
		t.Fatalf("unexpected conversion: %#v", ce)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{Validation("bad", nil), 400},
		{NotFound("missing", nil), 404},
		{AlreadyExists("dup", nil), 409},
		{PublishConflict("lost cas", nil), 409},
		{ToolDisabled("off", nil), 403},
		{DependencyCycle("a->b->a", nil), 422},
		{Timeout("too slow", nil), 504},
		{Runtime("threw", nil), 502},
		{System(CodeInternal, "oops", nil, nil), 500},
	}
	for _, c := range cases {
		if got := HTTPStatus(c.err); got != c.want {
			t.Errorf("HTTPStatus(%s)=%d want %d", c.err.Code, got, c.want)
		}
	}
}

func TestWriteHTTP_StatusAndEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	WriteHTTP(rr, req, ToolDisabled("tool is disabled", map[string]any{"name": "echo"}))
	if rr.Code != 403 {
		t.Fatalf("status=%d want 403", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "\"category\":\"registry\"") {
		t.Fatalf("body missing category: %s", body)
	}
	if !strings.Contains(body, "\"code\":\"tool_disabled\"") {
		t.Fatalf("body missing code: %s", body)
	}
}

func TestContextTruncation(t *testing.T) {
	long := strings.Repeat("x", 1000)
	e := Validation("msg", map[string]any{"payload": long, "n": 7})
	got, _ := e.Context["payload"].(string)
	if len(got) > 256 {
		t.Fatalf("context value not truncated: len=%d", len(got))
	}
	if e.Context["n"] != 7 {
		t.Fatalf("primitive context value altered: %#v", e.Context["n"])
	}
}
