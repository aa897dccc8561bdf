package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/openmcp/forge/pkg/calllog"
	"github.com/openmcp/forge/pkg/errmodel"
	"github.com/openmcp/forge/pkg/gateway"
	"github.com/openmcp/forge/pkg/invoke"
	"github.com/openmcp/forge/pkg/registry"
)

// newMux wires the MCP streamable endpoint next to a small debug API that
// operators use to try tools before enabling them and to inspect call history.
func newMux(reg *registry.Service, inv *invoke.Invoker, gw *gateway.Gateway, log *zap.Logger) *http.ServeMux {
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.Handle("/mcp", gw.HTTPHandler())
	mux.Handle("/mcp/", gw.HTTPHandler())

	mux.HandleFunc("GET /debug/tools", func(w http.ResponseWriter, r *http.Request) {
		page := queryInt(r, "page", 1)
		size := queryInt(r, "size", 50)
		tools, total, err := reg.ListTools(r.Context(), registry.ListFilter{
			Search: r.URL.Query().Get("search"),
			Page:   page,
			Size:   size,
		})
		if err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		writeJSON(w, log, http.StatusOK, map[string]any{
			"items": tools,
			"total": total,
			"page":  page,
			"size":  size,
		})
	})

	mux.HandleFunc("POST /debug/tools/{name}/invoke", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Parameters map[string]any `json:"parameters"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			errmodel.WriteHTTP(w, r, errmodel.Validation("request body must be a JSON object", nil))
			return
		}
		out, err := inv.InvokeByName(r.Context(), r.PathValue("name"), body.Parameters, calllog.CallTypeDebug)
		if err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		writeJSON(w, log, http.StatusOK, map[string]any{
			"state":         out.State,
			"success":       out.Success,
			"result":        out.Result,
			"error_message": out.ErrorMessage,
			"logs":          out.Logs,
			"duration_ms":   out.Duration.Milliseconds(),
		})
	})

	mux.HandleFunc("GET /debug/tools/{id}/calls", func(w http.ResponseWriter, r *http.Request) {
		page := queryInt(r, "page", 1)
		size := queryInt(r, "size", 20)
		records, total, err := inv.History(r.Context(), r.PathValue("id"), page, size)
		if err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		writeJSON(w, log, http.StatusOK, map[string]any{
			"items": records,
			"total": total,
			"page":  page,
			"size":  size,
		})
	})

	mux.HandleFunc("POST /debug/refresh", func(w http.ResponseWriter, r *http.Request) {
		if err := gw.Refresh(r.Context()); err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, log *zap.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("write response", zap.Error(err))
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}
