// Package memstore provides a mutex-guarded in-memory registry.Store for
// tests and embedded use. Semantics match pkg/registry/sqlstore.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/openmcp/forge/pkg/errmodel"
	"github.com/openmcp/forge/pkg/registry"
)

// Store implements registry.Store in memory.
type Store struct {
	mu sync.RWMutex

	tools        map[string]registry.Tool
	toolVersions map[string][]registry.ToolVersion // ascending by version

	functions    map[string]registry.Function
	funcVersions map[string][]registry.FunctionVersion
	funcDepends  map[string][]string

	configs map[string]registry.Config

	toolFuncs   map[string][]string // binding order preserved
	toolConfigs map[string][]string
}

// New creates an empty store.
func New() *Store {
	return &Store{
		tools:        make(map[string]registry.Tool),
		toolVersions: make(map[string][]registry.ToolVersion),
		functions:    make(map[string]registry.Function),
		funcVersions: make(map[string][]registry.FunctionVersion),
		funcDepends:  make(map[string][]string),
		configs:      make(map[string]registry.Config),
		toolFuncs:    make(map[string][]string),
		toolConfigs:  make(map[string][]string),
	}
}

func matches(f registry.ListFilter, name, description string) bool {
	if f.Search == "" {
		return true
	}
	s := strings.ToLower(f.Search)
	return strings.Contains(strings.ToLower(name), s) || strings.Contains(strings.ToLower(description), s)
}

func paginate[T any](items []T, f registry.ListFilter) []T {
	if f.Size <= 0 {
		return items
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	start := (page - 1) * f.Size
	if start >= len(items) {
		return nil
	}
	end := start + f.Size
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

// Tools.

func (s *Store) CreateTool(_ context.Context, t registry.Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tools {
		if existing.Name == t.Name {
			return errmodel.AlreadyExists("tool name already in use", map[string]any{"name": t.Name})
		}
	}
	s.tools[t.ID] = t
	return nil
}

func (s *Store) GetTool(_ context.Context, id string) (registry.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[id]
	if !ok {
		return registry.Tool{}, errmodel.NotFound("tool not found", map[string]any{"tool_id": id})
	}
	return t, nil
}

func (s *Store) GetToolByName(_ context.Context, name string) (registry.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tools {
		if t.Name == name {
			return t, nil
		}
	}
	return registry.Tool{}, errmodel.NotFound("tool not found", map[string]any{"name": name})
}

func (s *Store) ListTools(_ context.Context, f registry.ListFilter) ([]registry.Tool, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []registry.Tool
	for _, t := range s.tools {
		if f.EnabledOnly && !t.Enabled {
			continue
		}
		if matches(f, t.Name, t.Description) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	total := len(out)
	return paginate(out, f), total, nil
}

func (s *Store) UpdateTool(_ context.Context, t registry.Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tools[t.ID]
	if !ok {
		return errmodel.NotFound("tool not found", map[string]any{"tool_id": t.ID})
	}
	// current_version is advanced only by PutToolVersion.
	t.CurrentVersion = existing.CurrentVersion
	s.tools[t.ID] = t
	return nil
}

func (s *Store) DeleteTool(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tools[id]; !ok {
		return errmodel.NotFound("tool not found", map[string]any{"tool_id": id})
	}
	delete(s.tools, id)
	delete(s.toolVersions, id)
	delete(s.toolFuncs, id)
	delete(s.toolConfigs, id)
	return nil
}

func (s *Store) SetToolEnabled(_ context.Context, id string, enabled bool) (registry.Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[id]
	if !ok {
		return registry.Tool{}, errmodel.NotFound("tool not found", map[string]any{"tool_id": id})
	}
	t.Enabled = enabled
	s.tools[id] = t
	return t, nil
}

func (s *Store) PutToolVersion(_ context.Context, v registry.ToolVersion, expect int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[v.ToolID]
	if !ok {
		return errmodel.NotFound("tool not found", map[string]any{"tool_id": v.ToolID})
	}
	if t.CurrentVersion != expect || v.Version != expect+1 {
		return errmodel.PublishConflict("tool version advanced concurrently", map[string]any{
			"tool_id": v.ToolID, "expect": expect, "current": t.CurrentVersion,
		})
	}
	s.toolVersions[v.ToolID] = append(s.toolVersions[v.ToolID], v)
	t.CurrentVersion = v.Version
	s.tools[v.ToolID] = t
	return nil
}

func (s *Store) GetToolVersion(_ context.Context, toolID string, version int64) (registry.ToolVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.toolVersions[toolID] {
		if v.Version == version {
			return v, nil
		}
	}
	return registry.ToolVersion{}, errmodel.NotFound("tool version not found", map[string]any{"tool_id": toolID, "version": version})
}

func (s *Store) ListToolVersions(_ context.Context, toolID string, page, size int) ([]registry.ToolVersion, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tools[toolID]; !ok {
		return nil, 0, errmodel.NotFound("tool not found", map[string]any{"tool_id": toolID})
	}
	asc := s.toolVersions[toolID]
	out := make([]registry.ToolVersion, len(asc))
	for i, v := range asc {
		out[len(asc)-1-i] = v
	}
	total := len(out)
	return paginate(out, registry.ListFilter{Page: page, Size: size}), total, nil
}

// Functions.

func (s *Store) CreateFunction(_ context.Context, fn registry.Function) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.functions {
		if existing.Name == fn.Name {
			return errmodel.AlreadyExists("function name already in use", map[string]any{"name": fn.Name})
		}
	}
	s.functions[fn.ID] = fn
	return nil
}

func (s *Store) GetFunction(_ context.Context, id string) (registry.Function, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.functions[id]
	if !ok {
		return registry.Function{}, errmodel.NotFound("function not found", map[string]any{"function_id": id})
	}
	return fn, nil
}

func (s *Store) GetFunctionByName(_ context.Context, name string) (registry.Function, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, fn := range s.functions {
		if fn.Name == name {
			return fn, nil
		}
	}
	return registry.Function{}, errmodel.NotFound("function not found", map[string]any{"name": name})
}

func (s *Store) ListFunctions(_ context.Context, f registry.ListFilter) ([]registry.Function, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []registry.Function
	for _, fn := range s.functions {
		if matches(f, fn.Name, fn.Description) {
			out = append(out, fn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	total := len(out)
	return paginate(out, f), total, nil
}

func (s *Store) UpdateFunction(_ context.Context, fn registry.Function) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.functions[fn.ID]
	if !ok {
		return errmodel.NotFound("function not found", map[string]any{"function_id": fn.ID})
	}
	fn.CurrentVersion = existing.CurrentVersion
	s.functions[fn.ID] = fn
	return nil
}

func (s *Store) DeleteFunction(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.functions[id]; !ok {
		return errmodel.NotFound("function not found", map[string]any{"function_id": id})
	}
	delete(s.functions, id)
	delete(s.funcVersions, id)
	delete(s.funcDepends, id)
	for fid, deps := range s.funcDepends {
		out := deps[:0]
		for _, d := range deps {
			if d != id {
				out = append(out, d)
			}
		}
		s.funcDepends[fid] = out
	}
	for tid, ids := range s.toolFuncs {
		out := ids[:0]
		for _, fid := range ids {
			if fid != id {
				out = append(out, fid)
			}
		}
		s.toolFuncs[tid] = out
	}
	return nil
}

func (s *Store) PutFunctionVersion(_ context.Context, v registry.FunctionVersion, expect int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn, ok := s.functions[v.FunctionID]
	if !ok {
		return errmodel.NotFound("function not found", map[string]any{"function_id": v.FunctionID})
	}
	if fn.CurrentVersion != expect || v.Version != expect+1 {
		return errmodel.PublishConflict("function version advanced concurrently", map[string]any{
			"function_id": v.FunctionID, "expect": expect, "current": fn.CurrentVersion,
		})
	}
	s.funcVersions[v.FunctionID] = append(s.funcVersions[v.FunctionID], v)
	fn.CurrentVersion = v.Version
	s.functions[v.FunctionID] = fn
	return nil
}

func (s *Store) GetFunctionVersion(_ context.Context, functionID string, version int64) (registry.FunctionVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.funcVersions[functionID] {
		if v.Version == version {
			return v, nil
		}
	}
	return registry.FunctionVersion{}, errmodel.NotFound("function version not found", map[string]any{"function_id": functionID, "version": version})
}

func (s *Store) ListFunctionVersions(_ context.Context, functionID string, page, size int) ([]registry.FunctionVersion, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.functions[functionID]; !ok {
		return nil, 0, errmodel.NotFound("function not found", map[string]any{"function_id": functionID})
	}
	asc := s.funcVersions[functionID]
	out := make([]registry.FunctionVersion, len(asc))
	for i, v := range asc {
		out[len(asc)-1-i] = v
	}
	total := len(out)
	return paginate(out, registry.ListFilter{Page: page, Size: size}), total, nil
}

// Configs.

func (s *Store) CreateConfig(_ context.Context, c registry.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.configs {
		if existing.Name == c.Name {
			return errmodel.AlreadyExists("config name already in use", map[string]any{"name": c.Name})
		}
	}
	s.configs[c.ID] = c
	return nil
}

func (s *Store) GetConfig(_ context.Context, id string) (registry.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[id]
	if !ok {
		return registry.Config{}, errmodel.NotFound("config not found", map[string]any{"config_id": id})
	}
	return c, nil
}

func (s *Store) GetConfigByName(_ context.Context, name string) (registry.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.configs {
		if c.Name == name {
			return c, nil
		}
	}
	return registry.Config{}, errmodel.NotFound("config not found", map[string]any{"name": name})
}

func (s *Store) ListConfigs(_ context.Context, f registry.ListFilter) ([]registry.Config, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []registry.Config
	for _, c := range s.configs {
		if matches(f, c.Name, c.Description) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	total := len(out)
	return paginate(out, f), total, nil
}

func (s *Store) UpdateConfig(_ context.Context, c registry.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[c.ID]; !ok {
		return errmodel.NotFound("config not found", map[string]any{"config_id": c.ID})
	}
	s.configs[c.ID] = c
	return nil
}

func (s *Store) DeleteConfig(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[id]; !ok {
		return errmodel.NotFound("config not found", map[string]any{"config_id": id})
	}
	delete(s.configs, id)
	for tid, ids := range s.toolConfigs {
		out := ids[:0]
		for _, cid := range ids {
			if cid != id {
				out = append(out, cid)
			}
		}
		s.toolConfigs[tid] = out
	}
	return nil
}

// Bindings.

func (s *Store) BindToolFunctions(_ context.Context, toolID string, functionIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tools[toolID]; !ok {
		return errmodel.NotFound("tool not found", map[string]any{"tool_id": toolID})
	}
	s.toolFuncs[toolID] = append([]string(nil), functionIDs...)
	return nil
}

func (s *Store) ToolFunctions(_ context.Context, toolID string) ([]registry.Function, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tools[toolID]; !ok {
		return nil, errmodel.NotFound("tool not found", map[string]any{"tool_id": toolID})
	}
	out := make([]registry.Function, 0, len(s.toolFuncs[toolID]))
	for _, id := range s.toolFuncs[toolID] {
		if fn, ok := s.functions[id]; ok {
			out = append(out, fn)
		}
	}
	return out, nil
}

func (s *Store) BindToolConfigs(_ context.Context, toolID string, configIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tools[toolID]; !ok {
		return errmodel.NotFound("tool not found", map[string]any{"tool_id": toolID})
	}
	s.toolConfigs[toolID] = append([]string(nil), configIDs...)
	return nil
}

func (s *Store) ToolConfigs(_ context.Context, toolID string) ([]registry.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tools[toolID]; !ok {
		return nil, errmodel.NotFound("tool not found", map[string]any{"tool_id": toolID})
	}
	out := make([]registry.Config, 0, len(s.toolConfigs[toolID]))
	for _, id := range s.toolConfigs[toolID] {
		if c, ok := s.configs[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) SetFunctionDependencies(_ context.Context, functionID string, dependsOn []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.functions[functionID]; !ok {
		return errmodel.NotFound("function not found", map[string]any{"function_id": functionID})
	}
	s.funcDepends[functionID] = append([]string(nil), dependsOn...)
	return nil
}

func (s *Store) FunctionDependencies(_ context.Context, functionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.functions[functionID]; !ok {
		return nil, errmodel.NotFound("function not found", map[string]any{"function_id": functionID})
	}
	return append([]string(nil), s.funcDepends[functionID]...), nil
}

var _ registry.Store = (*Store)(nil)
