package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/openmcp/forge/pkg/errmodel"
	"github.com/openmcp/forge/pkg/execctx"
	"github.com/openmcp/forge/pkg/registry"
)

// maxResponseBytes caps how much of an upstream response body is read.
const maxResponseBytes = 8 << 20

// runHTTP executes the unit with the httpCall capability and the tool's
// transport setting installed alongside the standard bindings.
func (e *Executor) runHTTP(ctx context.Context, req execctx.ExecutionRequest, started time.Time) Outcome {
	var setting registry.HTTPSetting
	if err := json.Unmarshal(req.Setting, &setting); err != nil {
		return failed(fmt.Sprintf("invalid http setting: %v", err), nil, started)
	}
	headers := make(map[string]any, len(setting.Headers))
	for k, v := range setting.Headers {
		headers[k] = v
	}
	return e.runUnit(ctx, req, started, func(vm *goja.Runtime, logs *logBuffer) error {
		if err := vm.Set("setting", map[string]any{
			"method":  setting.Method,
			"url":     setting.URL,
			"headers": headers,
		}); err != nil {
			return err
		}
		return vm.Set("httpCall", e.httpCallFunc(ctx, req, logs))
	})
}

// httpCallFunc returns the native transport capability handed to http units.
// It substitutes declared url and header parameters into the request line,
// sends body parameters as a JSON object, and returns
// {status, headers, data}. Errors surface as interpreter exceptions the unit
// can catch.
func (e *Executor) httpCallFunc(ctx context.Context, req execctx.ExecutionRequest, logs *logBuffer) func(method, url string, headers map[string]any, parameters map[string]any, config map[string]any) (map[string]any, error) {
	return func(method, url string, headers map[string]any, parameters map[string]any, config map[string]any) (map[string]any, error) {
		if method == "" {
			method = http.MethodGet
		}
		method = strings.ToUpper(method)

		// Substitution works on a copy so repeated calls from one unit
		// see the original templates.
		hdrs := make(map[string]any, len(headers))
		for k, v := range headers {
			hdrs[k] = v
		}
		headers = hdrs

		body := map[string]any{}
		for name, spec := range req.ParamSpecs {
			val, present := parameters[name]
			if !present {
				continue
			}
			switch spec.Location {
			case registry.ParamInURL:
				url = strings.ReplaceAll(url, "{"+name+"}", fmt.Sprint(val))
			case registry.ParamInHeader:
				for hk, hv := range headers {
					s, ok := hv.(string)
					if !ok {
						continue
					}
					headers[hk] = strings.ReplaceAll(s, "{"+name+"}", fmt.Sprint(val))
				}
			default:
				body[name] = val
			}
		}

		var reqBody io.Reader
		if len(body) > 0 && method != http.MethodGet && method != http.MethodHead {
			raw, err := json.Marshal(body)
			if err != nil {
				return nil, errmodel.Runtime(fmt.Sprintf("encode request body: %v", err), nil)
			}
			reqBody = bytes.NewReader(raw)
		}

		httpReq, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return nil, errmodel.Runtime(fmt.Sprintf("build request for %s: %v", url, err), nil)
		}
		for hk, hv := range headers {
			httpReq.Header.Set(hk, fmt.Sprint(hv))
		}
		if reqBody != nil && httpReq.Header.Get("Content-Type") == "" {
			httpReq.Header.Set("Content-Type", "application/json")
		}

		logs.appendLine(fmt.Sprintf("http %s %s", method, url))

		resp, err := e.client.Do(httpReq)
		if err != nil {
			return nil, errmodel.Runtime(fmt.Sprintf("%s %s: %v", method, url, err), nil)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, errmodel.Runtime(fmt.Sprintf("read response body: %v", err), nil)
		}

		respHeaders := make(map[string]any, len(resp.Header))
		for hk := range resp.Header {
			respHeaders[hk] = resp.Header.Get(hk)
		}

		var data any
		if isJSONContent(resp.Header.Get("Content-Type")) && len(raw) > 0 {
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.UseNumber()
			if err := dec.Decode(&data); err != nil {
				data = string(raw)
			}
		} else {
			data = string(raw)
		}

		return map[string]any{
			"status":  resp.StatusCode,
			"headers": respHeaders,
			"data":    data,
		}, nil
	}
}

func isJSONContent(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "application/json") || strings.Contains(ct, "+json")
}
