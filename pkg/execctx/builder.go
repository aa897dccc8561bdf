// Package execctx assembles one invocation's executable unit: it validates
// caller arguments against the tool's declared schema, merges bound
// configuration, resolves dependency code in load order, and produces an
// immutable ExecutionRequest for the executor.
package execctx

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openmcp/forge/pkg/depgraph"
	"github.com/openmcp/forge/pkg/errmodel"
	"github.com/openmcp/forge/pkg/registry"
)

// Limits bounds one invocation. Timeout is a hard wall-clock cancellation:
// the isolation unit is torn down on expiry, not merely signaled. The memory
// ceiling bounds interpreter growth best-effort (see executor docs).
type Limits struct {
	Timeout     time.Duration
	MemoryLimit int64
}

// Documented defaults applied when a limit is zero.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMemoryLimit = 512 << 20 // 512 MiB
)

func (l Limits) withDefaults() Limits {
	if l.Timeout <= 0 {
		l.Timeout = DefaultTimeout
	}
	if l.MemoryLimit <= 0 {
		l.MemoryLimit = DefaultMemoryLimit
	}
	return l
}

// ExecutionRequest is the immutable input to the executor. Unit holds the
// assembled source: each dependency function's current code in load order,
// then the tool's own code.
type ExecutionRequest struct {
	ToolID      string
	ToolName    string
	Kind        registry.ToolKind
	Unit        string
	Fingerprint string
	Parameters  map[string]any
	Config      map[string]any
	ParamSpecs  map[string]registry.ParamSpec
	Setting     json.RawMessage
	Limits      Limits
}

// Builder builds execution requests from current registry state.
type Builder struct {
	store  registry.Store
	limits Limits
}

// NewBuilder creates a builder. Zero limits fall back to the defaults.
func NewBuilder(store registry.Store, limits Limits) *Builder {
	return &Builder{store: store, limits: limits.withDefaults()}
}

// Build validates args, merges configs, resolves dependencies, and
// assembles the unit for one invocation of tool.
func (b *Builder) Build(ctx context.Context, tool registry.Tool, args map[string]any) (ExecutionRequest, error) {
	ps, err := registry.ParseParameterSchema(tool.Parameters)
	if err != nil {
		return ExecutionRequest{}, errmodel.Validation("tool parameters schema is malformed", map[string]any{"field": "parameters", "error": err.Error()})
	}
	params, err := ValidateArguments(ps, args)
	if err != nil {
		return ExecutionRequest{}, err
	}

	config, err := b.mergeConfigs(ctx, tool.ID)
	if err != nil {
		return ExecutionRequest{}, err
	}

	unit, fingerprint, err := b.assembleUnit(ctx, tool)
	if err != nil {
		return ExecutionRequest{}, err
	}

	return ExecutionRequest{
		ToolID:      tool.ID,
		ToolName:    tool.Name,
		Kind:        tool.Kind,
		Unit:        unit,
		Fingerprint: fingerprint,
		Parameters:  params,
		Config:      config,
		ParamSpecs:  ps.Properties,
		Setting:     tool.Setting,
		Limits:      b.limits,
	}, nil
}

// mergeConfigs flattens each bound config's current value into one mapping.
// Collision policy: last-bound-wins, in binding order.
func (b *Builder) mergeConfigs(ctx context.Context, toolID string) (map[string]any, error) {
	configs, err := b.store.ToolConfigs(ctx, toolID)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, nil
	}
	merged := make(map[string]any)
	for _, c := range configs {
		if len(c.Value) == 0 {
			continue
		}
		var v map[string]any
		if err := json.Unmarshal(c.Value, &v); err != nil {
			// A non-object or broken value contributes nothing, matching the
			// source system's tolerant merge.
			continue
		}
		for k, val := range v {
			merged[k] = val
		}
	}
	return merged, nil
}

// assembleUnit concatenates dependency function code in topological order,
// then the tool's own code, and fingerprints the result for the compiled-
// unit cache. Database tools carry a SQL template as code; function
// bindings do not contribute to it.
func (b *Builder) assembleUnit(ctx context.Context, tool registry.Tool) (string, string, error) {
	if tool.Kind == registry.ToolKindDatabase {
		h := sha256.Sum256([]byte(tool.Code))
		return tool.Code, hex.EncodeToString(h[:]), nil
	}
	bound, err := b.store.ToolFunctions(ctx, tool.ID)
	if err != nil {
		return "", "", err
	}
	roots := make([]string, 0, len(bound))
	for _, fn := range bound {
		roots = append(roots, fn.ID)
	}
	nodes, err := depgraph.NewResolver(registry.ResolverSource(b.store)).Resolve(ctx, roots)
	if err != nil {
		return "", "", err
	}

	var sb strings.Builder
	h := sha256.New()
	for _, n := range nodes {
		sb.WriteString(n.Code)
		sb.WriteString("\n")
		// Hash the draft code, not just the version: drafts bind late, so an
		// unpublished edit must still produce a fresh fingerprint.
		fmt.Fprintf(h, "%s@%d:", n.ID, n.Version)
		h.Write([]byte(n.Code))
		h.Write([]byte{0})
	}
	sb.WriteString(tool.Code)
	fmt.Fprintf(h, "%s@draft:", tool.ID)
	h.Write([]byte(tool.Code))
	return sb.String(), hex.EncodeToString(h.Sum(nil)), nil
}

// ValidateArguments checks required fields and declared types, returning the
// argument map on success. Failures name the offending field.
func ValidateArguments(ps registry.ParameterSchema, args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}
	for _, req := range ps.Required {
		if _, ok := args[req]; !ok {
			return nil, errmodel.Validation(
				fmt.Sprintf("required parameter %q is missing", req),
				map[string]any{"field": req},
			)
		}
	}
	for name, spec := range ps.Properties {
		v, ok := args[name]
		if !ok || v == nil {
			continue
		}
		if err := checkType(name, spec, v); err != nil {
			return nil, err
		}
	}
	return args, nil
}

func checkType(name string, spec registry.ParamSpec, v any) error {
	mismatch := func(want string) error {
		return errmodel.Validation(
			fmt.Sprintf("parameter %q must be of type %s", name, want),
			map[string]any{"field": name, "expected": want, "got": fmt.Sprintf("%T", v)},
		)
	}
	switch spec.Type {
	case "string":
		s, ok := v.(string)
		if !ok {
			return mismatch("string")
		}
		if len(spec.Enum) > 0 {
			for _, allowed := range spec.Enum {
				if s == allowed {
					return nil
				}
			}
			return errmodel.Validation(
				fmt.Sprintf("parameter %q must be one of %v", name, spec.Enum),
				map[string]any{"field": name, "value": s, "enum": spec.Enum},
			)
		}
	case "number":
		if !isNumber(v) {
			return mismatch("number")
		}
	case "integer":
		if !isInteger(v) {
			return mismatch("integer")
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return mismatch("boolean")
		}
	case "array":
		if _, ok := v.([]any); !ok {
			return mismatch("array")
		}
	case "object":
		if _, ok := v.(map[string]any); !ok {
			return mismatch("object")
		}
	}
	return nil
}

func isNumber(v any) bool {
	switch n := v.(type) {
	case float64, float32, int, int32, int64:
		return true
	case json.Number:
		_, err := n.Float64()
		return err == nil
	}
	return false
}

func isInteger(v any) bool {
	switch n := v.(type) {
	case int, int32, int64:
		return true
	case float64:
		return n == float64(int64(n))
	case json.Number:
		_, err := n.Int64()
		return err == nil
	}
	return false
}
