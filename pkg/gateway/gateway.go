// Package gateway exposes enabled registry tools over the Model Context
// Protocol. The tool list is derived from registry state: a publish, enable
// toggle, or delete changes what the next refresh advertises.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/openmcp/forge/pkg/calllog"
	"github.com/openmcp/forge/pkg/invoke"
	"github.com/openmcp/forge/pkg/registry"
)

// listPageSize bounds one registry page while syncing the tool list.
const listPageSize = 200

// Gateway bridges the registry and an MCP server.
type Gateway struct {
	reg  *registry.Service
	inv  *invoke.Invoker
	log  *zap.Logger
	impl *mcp.Implementation

	mu         sync.Mutex
	srv        *mcp.Server
	advertised map[string]bool
}

func New(reg *registry.Service, inv *invoke.Invoker, name, version string, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		reg:        reg,
		inv:        inv,
		log:        log,
		impl:       &mcp.Implementation{Name: name, Version: version},
		advertised: make(map[string]bool),
	}
}

// Server returns the MCP server, creating it and syncing the tool list on
// first use.
func (g *Gateway) Server(ctx context.Context) (*mcp.Server, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.srv == nil {
		g.srv = mcp.NewServer(g.impl, nil)
	}
	if err := g.syncLocked(ctx); err != nil {
		return nil, err
	}
	return g.srv, nil
}

// Refresh re-reads the registry and updates the advertised tool list.
// Connected clients receive a list_changed notification. Wire it as a
// publish listener so registry changes surface without a restart.
func (g *Gateway) Refresh(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.srv == nil {
		return nil
	}
	return g.syncLocked(ctx)
}

// OnRegistryChange adapts Refresh to the registry's publish listener shape.
func (g *Gateway) OnRegistryChange(registry.EntityType, string, int64) {
	if err := g.Refresh(context.Background()); err != nil {
		g.log.Warn("gateway refresh failed", zap.Error(err))
	}
}

func (g *Gateway) syncLocked(ctx context.Context) error {
	desired := make(map[string]bool)
	for page := 1; ; page++ {
		tools, total, err := g.reg.ListTools(ctx, registry.ListFilter{
			EnabledOnly: true,
			Page:        page,
			Size:        listPageSize,
		})
		if err != nil {
			return err
		}
		for _, tool := range tools {
			desired[tool.Name] = true
			schema, err := inputSchema(tool.Parameters)
			if err != nil {
				g.log.Warn("skipping tool with malformed parameters",
					zap.String("tool", tool.Name), zap.Error(err))
				continue
			}
			g.srv.AddTool(&mcp.Tool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: schema,
			}, g.handler(tool.Name))
		}
		if page*listPageSize >= total || len(tools) == 0 {
			break
		}
	}
	for name := range g.advertised {
		if !desired[name] {
			g.srv.RemoveTools(name)
		}
	}
	g.advertised = desired
	return nil
}

// handler runs one protocol call through the invocation pipeline. Failures
// stay inside the result contract: protocol errors are reserved for
// transport-level problems.
func (g *Gateway) handler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := decodeArgs(req.Params.Arguments)
		if err != nil {
			return textResult(fmt.Sprintf("malformed arguments: %v", err), true), nil
		}
		out, err := g.inv.InvokeByName(ctx, name, args, calllog.CallTypeMCP)
		if err != nil {
			return textResult(err.Error(), true), nil
		}
		if !out.Success {
			return textResult(out.ErrorMessage, true), nil
		}
		return textResult(renderResult(out.Result), false), nil
	}
}

// RunStdio serves the gateway over stdin/stdout until ctx is canceled.
func (g *Gateway) RunStdio(ctx context.Context) error {
	srv, err := g.Server(ctx)
	if err != nil {
		return err
	}
	g.log.Info("mcp gateway listening on stdio", zap.String("server", g.impl.Name))
	return srv.Run(ctx, &mcp.StdioTransport{})
}

// HTTPHandler serves the gateway over the streamable HTTP transport.
func (g *Gateway) HTTPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		srv, err := g.Server(r.Context())
		if err != nil {
			g.log.Error("gateway server init failed", zap.Error(err))
			return nil
		}
		return srv
	}, nil)
}

func decodeArgs(v any) (map[string]any, error) {
	switch a := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return a, nil
	case json.RawMessage:
		return unmarshalArgs(a)
	case []byte:
		return unmarshalArgs(a)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return unmarshalArgs(raw)
	}
}

func unmarshalArgs(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	args := map[string]any{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return args, nil
}

// renderResult serializes an outcome for the text content slot. Strings
// pass through; everything else is JSON.
func renderResult(result any) string {
	if result == nil {
		return "null"
	}
	if s, ok := result.(string); ok {
		return s
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprint(result)
	}
	return string(raw)
}

func textResult(text string, isErr bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: isErr,
	}
}

// inputSchema converts a tool's declared parameters into the JSON Schema
// advertised to clients. The location hint stays internal.
func inputSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	ps, err := registry.ParseParameterSchema(raw)
	if err != nil {
		return nil, err
	}
	s := &jsonschema.Schema{
		Type:       "object",
		Properties: map[string]*jsonschema.Schema{},
	}
	for name, spec := range ps.Properties {
		prop := &jsonschema.Schema{
			Type:        spec.Type,
			Description: spec.Description,
		}
		for _, e := range spec.Enum {
			prop.Enum = append(prop.Enum, e)
		}
		s.Properties[name] = prop
	}
	s.Required = append(s.Required, ps.Required...)
	return s, nil
}
