package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openmcp/forge/pkg/depgraph"
	"github.com/openmcp/forge/pkg/errmodel"
)

// HTTPHelperName is the shared helper function bound to every http tool.
const HTTPHelperName = "easy_http_call"

// httpHelperCode delegates to the httpCall capability the http adapter
// grants to its interpreter. Tools of other kinds never see httpCall.
const httpHelperCode = `function easy_http_call(method, url, headers, parameters, config) {
    return httpCall(method, url, headers, parameters, config);
}
`

// PublishListener observes committed publishes and rollbacks, e.g. to
// invalidate compiled-unit caches keyed by (entity id, version).
type PublishListener func(entity EntityType, id string, version int64)

// Service implements the registry operations on top of a Store: entity CRUD,
// atomic publish, rollback, enable toggling, and binding management with
// bind-time dependency cycle checks.
type Service struct {
	store     Store
	log       *zap.Logger
	listeners []PublishListener
}

// NewService builds a registry service. A nil logger defaults to zap.NewNop.
func NewService(store Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, log: log}
}

// OnPublish registers a listener invoked after every committed publish,
// rollback, or enable toggle. Not safe to call concurrently with publishes.
func (s *Service) OnPublish(l PublishListener) {
	s.listeners = append(s.listeners, l)
}

func (s *Service) notify(entity EntityType, id string, version int64) {
	for _, l := range s.listeners {
		l(entity, id, version)
	}
}

// Store exposes the underlying store for read-only collaborators
// (dependency resolution, context building).
func (s *Service) Store() Store { return s.store }

// CreateTool validates and stores a new tool draft. HTTP tools get the
// shared easy_http_call helper function created (if absent) and bound.
func (s *Service) CreateTool(ctx context.Context, t Tool) (Tool, error) {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return Tool{}, errmodel.Validation("tool name is required", map[string]any{"field": "name"})
	}
	if err := validateToolContent(t.Kind, t.Setting, t.Parameters, t.Code); err != nil {
		return Tool{}, err
	}
	now := time.Now().UTC()
	t.ID = uuid.NewString()
	t.Enabled = true
	t.CurrentVersion = 0
	t.CreatedAt = now
	t.UpdatedAt = now
	if err := s.store.CreateTool(ctx, t); err != nil {
		return Tool{}, err
	}
	if t.Kind == ToolKindHTTP {
		if err := s.ensureHTTPHelper(ctx, t.ID); err != nil {
			return Tool{}, err
		}
	}
	s.log.Info("tool created", zap.String("tool_id", t.ID), zap.String("name", t.Name), zap.String("kind", string(t.Kind)))
	return t, nil
}

// ensureHTTPHelper creates the easy_http_call function if missing and adds
// it to the tool's function bindings.
func (s *Service) ensureHTTPHelper(ctx context.Context, toolID string) error {
	helper, err := s.store.GetFunctionByName(ctx, HTTPHelperName)
	if errmodel.IsNotFound(err) {
		helper, err = s.CreateFunction(ctx, Function{
			Name:        HTTPHelperName,
			Description: "HTTP request helper shared by http tools",
			Code:        httpHelperCode,
		})
		if err != nil {
			return err
		}
		if _, err := s.PublishFunction(ctx, helper.ID, "auto-created for http tools"); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	bound, err := s.store.ToolFunctions(ctx, toolID)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(bound)+1)
	for _, fn := range bound {
		if fn.ID == helper.ID {
			return nil
		}
		ids = append(ids, fn.ID)
	}
	ids = append(ids, helper.ID)
	return s.store.BindToolFunctions(ctx, toolID, ids)
}

// UpdateTool replaces the tool's draft content. Version history is
// untouched; the draft is what invocation reads (late binding).
func (s *Service) UpdateTool(ctx context.Context, t Tool) (Tool, error) {
	existing, err := s.store.GetTool(ctx, t.ID)
	if err != nil {
		return Tool{}, err
	}
	if err := validateToolContent(t.Kind, t.Setting, t.Parameters, t.Code); err != nil {
		return Tool{}, err
	}
	if t.Name != existing.Name {
		if _, err := s.store.GetToolByName(ctx, t.Name); err == nil {
			return Tool{}, errmodel.AlreadyExists("tool name already in use", map[string]any{"name": t.Name})
		} else if !errmodel.IsNotFound(err) {
			return Tool{}, err
		}
	}
	t.Enabled = existing.Enabled
	t.CurrentVersion = existing.CurrentVersion
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateTool(ctx, t); err != nil {
		return Tool{}, err
	}
	return t, nil
}

// GetTool returns a tool by id.
func (s *Service) GetTool(ctx context.Context, id string) (Tool, error) {
	return s.store.GetTool(ctx, id)
}

// GetToolByName returns a tool by unique name.
func (s *Service) GetToolByName(ctx context.Context, name string) (Tool, error) {
	return s.store.GetToolByName(ctx, name)
}

// ListTools lists tools matching the filter with a total count.
func (s *Service) ListTools(ctx context.Context, f ListFilter) ([]Tool, int, error) {
	return s.store.ListTools(ctx, f)
}

// DeleteTool removes a tool together with its version history and bindings.
func (s *Service) DeleteTool(ctx context.Context, id string) error {
	if err := s.store.DeleteTool(ctx, id); err != nil {
		return err
	}
	s.log.Info("tool deleted", zap.String("tool_id", id))
	s.notify(EntityTool, id, 0)
	return nil
}

// SetToolEnabled toggles gateway visibility without touching version
// history. Setting the current state is a no-op.
func (s *Service) SetToolEnabled(ctx context.Context, id string, enabled bool) (Tool, error) {
	t, err := s.store.GetTool(ctx, id)
	if err != nil {
		return Tool{}, err
	}
	if t.Enabled == enabled {
		return t, nil
	}
	t, err = s.store.SetToolEnabled(ctx, id, enabled)
	if err != nil {
		return Tool{}, err
	}
	s.log.Info("tool state changed", zap.String("tool_id", id), zap.Bool("enabled", enabled))
	// Listeners fire so the gateway re-advertises without a manual refresh.
	s.notify(EntityTool, t.ID, t.CurrentVersion)
	return t, nil
}

// PublishTool snapshots the tool's draft content as version
// current_version+1. A lost compare-and-swap is retried once against the
// refreshed current version before surfacing a publish conflict.
func (s *Service) PublishTool(ctx context.Context, id, note string) (ToolVersion, error) {
	var v ToolVersion
	err := s.withPublishRetry(func() error {
		t, err := s.store.GetTool(ctx, id)
		if err != nil {
			return err
		}
		if err := validateToolContent(t.Kind, t.Setting, t.Parameters, t.Code); err != nil {
			return err
		}
		v = ToolVersion{
			ToolID:      t.ID,
			Version:     t.CurrentVersion + 1,
			Kind:        t.Kind,
			Setting:     t.Setting,
			Parameters:  t.Parameters,
			Code:        t.Code,
			Description: t.Description,
			Note:        note,
			CreatedAt:   time.Now().UTC(),
		}
		return s.store.PutToolVersion(ctx, v, t.CurrentVersion)
	})
	if err != nil {
		return ToolVersion{}, err
	}
	s.log.Info("tool published", zap.String("tool_id", id), zap.Int64("version", v.Version))
	s.notify(EntityTool, id, v.Version)
	return v, nil
}

// RollbackTool re-publishes the content of target as a brand-new version.
// History is never edited; the draft is overwritten with the target content.
func (s *Service) RollbackTool(ctx context.Context, id string, target int64) (ToolVersion, error) {
	prior, err := s.store.GetToolVersion(ctx, id, target)
	if err != nil {
		return ToolVersion{}, err
	}
	var v ToolVersion
	err = s.withPublishRetry(func() error {
		t, err := s.store.GetTool(ctx, id)
		if err != nil {
			return err
		}
		v = ToolVersion{
			ToolID:      t.ID,
			Version:     t.CurrentVersion + 1,
			Kind:        prior.Kind,
			Setting:     prior.Setting,
			Parameters:  prior.Parameters,
			Code:        prior.Code,
			Description: prior.Description,
			Note:        fmt.Sprintf("rollback to version %d", target),
			CreatedAt:   time.Now().UTC(),
		}
		if err := s.store.PutToolVersion(ctx, v, t.CurrentVersion); err != nil {
			return err
		}
		t.Kind = prior.Kind
		t.Setting = prior.Setting
		t.Parameters = prior.Parameters
		t.Code = prior.Code
		t.Description = prior.Description
		t.UpdatedAt = time.Now().UTC()
		return s.store.UpdateTool(ctx, t)
	})
	if err != nil {
		return ToolVersion{}, err
	}
	s.log.Info("tool rolled back", zap.String("tool_id", id), zap.Int64("target", target), zap.Int64("version", v.Version))
	s.notify(EntityTool, id, v.Version)
	return v, nil
}

// GetToolVersion reads one immutable snapshot.
func (s *Service) GetToolVersion(ctx context.Context, id string, version int64) (ToolVersion, error) {
	return s.store.GetToolVersion(ctx, id, version)
}

// ListToolVersions lists snapshots newest-first.
func (s *Service) ListToolVersions(ctx context.Context, id string, page, size int) ([]ToolVersion, int, error) {
	return s.store.ListToolVersions(ctx, id, page, size)
}

// BindFunctions replaces the tool's function bindings and re-runs the
// dependency cycle check over the bound set's transitive closure.
func (s *Service) BindFunctions(ctx context.Context, toolID string, functionIDs []string) error {
	if _, err := s.store.GetTool(ctx, toolID); err != nil {
		return err
	}
	for _, id := range functionIDs {
		if _, err := s.store.GetFunction(ctx, id); err != nil {
			return err
		}
	}
	res := depgraph.NewResolver(storeSource{s.store})
	if _, err := res.Resolve(ctx, functionIDs); err != nil {
		return err
	}
	if err := s.store.BindToolFunctions(ctx, toolID, functionIDs); err != nil {
		return err
	}
	s.log.Info("tool functions bound", zap.String("tool_id", toolID), zap.Int("count", len(functionIDs)))
	return nil
}

// BindConfigs replaces the tool's config bindings. Order is preserved;
// config merge at invoke time is last-bound-wins.
func (s *Service) BindConfigs(ctx context.Context, toolID string, configIDs []string) error {
	if _, err := s.store.GetTool(ctx, toolID); err != nil {
		return err
	}
	for _, id := range configIDs {
		if _, err := s.store.GetConfig(ctx, id); err != nil {
			return err
		}
	}
	if err := s.store.BindToolConfigs(ctx, toolID, configIDs); err != nil {
		return err
	}
	s.log.Info("tool configs bound", zap.String("tool_id", toolID), zap.Int("count", len(configIDs)))
	return nil
}

// Publish dispatches by entity type (tool and function are the versioned
// families; configs have no version history).
func (s *Service) Publish(ctx context.Context, entity EntityType, id, note string) (int64, error) {
	switch entity {
	case EntityTool:
		v, err := s.PublishTool(ctx, id, note)
		if err != nil {
			return 0, err
		}
		return v.Version, nil
	case EntityFunction:
		v, err := s.PublishFunction(ctx, id, note)
		if err != nil {
			return 0, err
		}
		return v.Version, nil
	default:
		return 0, errmodel.Validation("entity type is not versioned", map[string]any{"field": "entity_type", "value": string(entity)})
	}
}

// Rollback dispatches by entity type.
func (s *Service) Rollback(ctx context.Context, entity EntityType, id string, target int64) (int64, error) {
	switch entity {
	case EntityTool:
		v, err := s.RollbackTool(ctx, id, target)
		if err != nil {
			return 0, err
		}
		return v.Version, nil
	case EntityFunction:
		v, err := s.RollbackFunction(ctx, id, target)
		if err != nil {
			return 0, err
		}
		return v.Version, nil
	default:
		return 0, errmodel.Validation("entity type is not versioned", map[string]any{"field": "entity_type", "value": string(entity)})
	}
}

// withPublishRetry runs op and retries it exactly once if the store reports
// a lost compare-and-swap, so concurrent publishers never receive the same
// version number and a transient race does not surface to the caller.
func (s *Service) withPublishRetry(op func() error) error {
	err := op()
	if err == nil || !errmodel.HasCode(err, errmodel.CodePublishConflict) {
		return err
	}
	s.log.Debug("publish conflict, retrying once")
	return op()
}

// ResolverSource adapts a Store to the dependency resolver's read-only view.
func ResolverSource(st Store) depgraph.Source { return storeSource{st} }

// storeSource adapts a Store to the resolver's read-only view.
type storeSource struct{ st Store }

func (s storeSource) Node(ctx context.Context, id string) (depgraph.Node, error) {
	fn, err := s.st.GetFunction(ctx, id)
	if err != nil {
		return depgraph.Node{}, err
	}
	return depgraph.Node{ID: fn.ID, Name: fn.Name, Code: fn.Code, Version: fn.CurrentVersion}, nil
}

func (s storeSource) Dependencies(ctx context.Context, id string) ([]string, error) {
	return s.st.FunctionDependencies(ctx, id)
}

// validateToolContent enforces publish-time content rules: known kind,
// non-empty code, well-formed parameter schema, kind-conformant setting.
func validateToolContent(kind ToolKind, setting, parameters json.RawMessage, code string) error {
	if !kind.Valid() {
		return errmodel.Validation("unknown tool kind", map[string]any{"field": "kind", "value": string(kind)})
	}
	if strings.TrimSpace(code) == "" {
		return errmodel.Validation("tool code is empty", map[string]any{"field": "code"})
	}
	if err := validateParameterSchema(parameters); err != nil {
		return err
	}
	switch kind {
	case ToolKindHTTP:
		var hs HTTPSetting
		if err := unmarshalStrictSetting(setting, &hs); err != nil {
			return err
		}
		if hs.URL == "" {
			return errmodel.Validation("http setting requires url", map[string]any{"field": "setting.url"})
		}
	case ToolKindDatabase:
		var ds DatabaseSetting
		if err := unmarshalStrictSetting(setting, &ds); err != nil {
			return err
		}
		if ds.DSN == "" {
			return errmodel.Validation("database setting requires dsn", map[string]any{"field": "setting.dsn"})
		}
	}
	return nil
}

func unmarshalStrictSetting(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errmodel.Validation("setting is required for this tool kind", map[string]any{"field": "setting"})
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errmodel.Validation("setting is not a valid object", map[string]any{"field": "setting", "error": err.Error()})
	}
	return nil
}

// validateParameterSchema checks that the declared parameters document is a
// well-formed object schema over the supported type vocabulary.
func validateParameterSchema(raw json.RawMessage) error {
	ps, err := ParseParameterSchema(raw)
	if err != nil {
		return errmodel.Validation("parameters is not a valid schema object", map[string]any{"field": "parameters", "error": err.Error()})
	}
	if ps.Type != "" && ps.Type != "object" {
		return errmodel.Validation("parameters schema must describe an object", map[string]any{"field": "parameters.type", "value": ps.Type})
	}
	for name, spec := range ps.Properties {
		switch spec.Type {
		case "string", "number", "integer", "boolean", "array", "object":
		default:
			return errmodel.Validation("unsupported parameter type", map[string]any{"field": "parameters." + name, "value": spec.Type})
		}
		if len(spec.Enum) > 0 && spec.Type != "string" {
			return errmodel.Validation("enum is only supported on string parameters", map[string]any{"field": "parameters." + name})
		}
		switch spec.Location {
		case "", ParamInURL, ParamInHeader, ParamInBody:
		default:
			return errmodel.Validation("unknown parameter location", map[string]any{"field": "parameters." + name, "value": string(spec.Location)})
		}
	}
	for _, req := range ps.Required {
		if _, ok := ps.Properties[req]; !ok {
			return errmodel.Validation("required parameter is not declared", map[string]any{"field": "parameters." + req})
		}
	}
	return nil
}
