package registry_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/openmcp/forge/pkg/errmodel"
	"github.com/openmcp/forge/pkg/registry"
	"github.com/openmcp/forge/pkg/registry/memstore"
)

func newService() *registry.Service {
	return registry.NewService(memstore.New(), nil)
}

func basicTool(name string) registry.Tool {
	return registry.Tool{
		Name: name,
		Kind: registry.ToolKindBasic,
		Code: `result = 1`,
	}
}

func TestCreateToolValidation(t *testing.T) {
	s := newService()
	ctx := context.Background()

	tests := []struct {
		name string
		tool registry.Tool
	}{
		{name: "empty name", tool: registry.Tool{Kind: registry.ToolKindBasic, Code: "result = 1"}},
		{name: "unknown kind", tool: registry.Tool{Name: "x", Kind: "magic", Code: "result = 1"}},
		{name: "empty code", tool: registry.Tool{Name: "x", Kind: registry.ToolKindBasic, Code: "  "}},
		{name: "bad parameter type", tool: registry.Tool{
			Name: "x", Kind: registry.ToolKindBasic, Code: "result = 1",
			Parameters: json.RawMessage(`{"properties": {"a": {"type": "datetime"}}}`),
		}},
		{name: "enum on number", tool: registry.Tool{
			Name: "x", Kind: registry.ToolKindBasic, Code: "result = 1",
			Parameters: json.RawMessage(`{"properties": {"a": {"type": "number", "enum": ["1"]}}}`),
		}},
		{name: "http without url", tool: registry.Tool{
			Name: "x", Kind: registry.ToolKindHTTP, Code: "result = 1",
			Setting: json.RawMessage(`{"method": "GET"}`),
		}},
		{name: "database without dsn", tool: registry.Tool{
			Name: "x", Kind: registry.ToolKindDatabase, Code: "SELECT 1",
			Setting: json.RawMessage(`{}`),
		}},
	}
	for _, tt := range tests {
		if _, err := s.CreateTool(ctx, tt.tool); !errmodel.IsValidation(err) {
			t.Errorf("%s: err = %v, want validation error", tt.name, err)
		}
	}
}

func TestPublishIncrementsByOne(t *testing.T) {
	s := newService()
	ctx := context.Background()

	tool, err := s.CreateTool(ctx, basicTool("counter"))
	if err != nil {
		t.Fatal(err)
	}
	if tool.CurrentVersion != 0 {
		t.Fatalf("CurrentVersion = %d, want 0 before first publish", tool.CurrentVersion)
	}

	v1, err := s.PublishTool(ctx, tool.ID, "first")
	if err != nil {
		t.Fatal(err)
	}
	if v1.Version != 1 {
		t.Fatalf("first publish version = %d, want 1", v1.Version)
	}

	// Draft edits alone never create versions.
	tool.Code = `result = 2`
	if _, err := s.UpdateTool(ctx, tool); err != nil {
		t.Fatal(err)
	}
	if _, total, err := s.ListToolVersions(ctx, tool.ID, 1, 10); err != nil || total != 1 {
		t.Fatalf("versions after draft edit = %d (%v), want 1", total, err)
	}

	v2, err := s.PublishTool(ctx, tool.ID, "second")
	if err != nil {
		t.Fatal(err)
	}
	if v2.Version != 2 {
		t.Fatalf("second publish version = %d, want 2", v2.Version)
	}
	if v2.Code != `result = 2` {
		t.Errorf("v2 snapshots stale code %q", v2.Code)
	}

	versions, total, err := s.ListToolVersions(ctx, tool.ID, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || versions[0].Version != 2 || versions[1].Version != 1 {
		t.Errorf("versions = %v, want newest first", versions)
	}
}

func TestConcurrentPublishersGetDistinctVersions(t *testing.T) {
	s := newService()
	ctx := context.Background()
	tool, err := s.CreateTool(ctx, basicTool("contended"))
	if err != nil {
		t.Fatal(err)
	}

	const publishers = 2
	versions := make([]int64, publishers)
	errs := make([]error, publishers)
	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := s.PublishTool(ctx, tool.ID, "race")
			versions[i], errs[i] = v.Version, err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("publisher %d: %v", i, err)
		}
	}
	if versions[0] == versions[1] {
		t.Fatalf("both publishers got version %d", versions[0])
	}
	for _, v := range versions {
		if v != 1 && v != 2 {
			t.Errorf("unexpected version %d", v)
		}
	}
}

func TestRollbackRepublishesPriorContent(t *testing.T) {
	s := newService()
	ctx := context.Background()
	tool, err := s.CreateTool(ctx, basicTool("undoable"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.PublishTool(ctx, tool.ID, "v1"); err != nil {
		t.Fatal(err)
	}

	tool.Code = `result = "changed"`
	if _, err := s.UpdateTool(ctx, tool); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PublishTool(ctx, tool.ID, "v2"); err != nil {
		t.Fatal(err)
	}

	v3, err := s.RollbackTool(ctx, tool.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if v3.Version != 3 {
		t.Fatalf("rollback version = %d, want 3 (history is append-only)", v3.Version)
	}
	if v3.Code != `result = 1` {
		t.Errorf("rollback code = %q, want version 1 content", v3.Code)
	}

	// The draft now carries the restored content.
	got, err := s.GetTool(ctx, tool.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Code != `result = 1` {
		t.Errorf("draft code = %q, want restored content", got.Code)
	}
	if got.CurrentVersion != 3 {
		t.Errorf("CurrentVersion = %d, want 3", got.CurrentVersion)
	}

	if _, err := s.RollbackTool(ctx, tool.ID, 99); !errmodel.IsNotFound(err) {
		t.Errorf("rollback to missing version: err = %v, want not found", err)
	}
}

func TestSetToolEnabledIsIdempotent(t *testing.T) {
	s := newService()
	ctx := context.Background()
	tool, err := s.CreateTool(ctx, basicTool("switch"))
	if err != nil {
		t.Fatal(err)
	}
	if !tool.Enabled {
		t.Fatal("new tools start enabled")
	}

	got, err := s.SetToolEnabled(ctx, tool.ID, true)
	if err != nil || !got.Enabled {
		t.Fatalf("no-op enable = (%v, %v)", got.Enabled, err)
	}
	got, err = s.SetToolEnabled(ctx, tool.ID, false)
	if err != nil || got.Enabled {
		t.Fatalf("disable = (%v, %v)", got.Enabled, err)
	}
	got, err = s.SetToolEnabled(ctx, tool.ID, false)
	if err != nil || got.Enabled {
		t.Fatalf("no-op disable = (%v, %v)", got.Enabled, err)
	}
}

func TestSetFunctionDependenciesRejectsCycles(t *testing.T) {
	s := newService()
	ctx := context.Background()

	a, err := s.CreateFunction(ctx, registry.Function{Name: "a", Code: "function a() {}"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.CreateFunction(ctx, registry.Function{Name: "b", Code: "function b() {}"})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.SetFunctionDependencies(ctx, a.ID, []string{a.ID}); !errmodel.HasCode(err, errmodel.CodeDependencyCycle) {
		t.Errorf("self edge: err = %v, want dependency cycle", err)
	}
	if err := s.SetFunctionDependencies(ctx, a.ID, []string{b.ID}); err != nil {
		t.Fatal(err)
	}
	err = s.SetFunctionDependencies(ctx, b.ID, []string{a.ID})
	if !errmodel.HasCode(err, errmodel.CodeDependencyCycle) {
		t.Fatalf("two-node cycle: err = %v, want dependency cycle", err)
	}
	if !strings.Contains(err.Error(), "a") || !strings.Contains(err.Error(), "b") {
		t.Errorf("err = %v, want it to name the cycle members", err)
	}

	// The rejected write left no edge behind.
	deps, err := s.FunctionDependencies(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(deps) != 0 {
		t.Errorf("deps = %v, want none after rejected write", deps)
	}
}

func TestBindFunctionsChecksTransitiveClosure(t *testing.T) {
	s := newService()
	ctx := context.Background()

	a, err := s.CreateFunction(ctx, registry.Function{Name: "a", Code: "function a() {}"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.CreateFunction(ctx, registry.Function{Name: "b", Code: "function b() {}"})
	if err != nil {
		t.Fatal(err)
	}
	tool, err := s.CreateTool(ctx, basicTool("consumer"))
	if err != nil {
		t.Fatal(err)
	}

	// Plant a cycle behind the service's back; bind must still catch it.
	if err := s.Store().SetFunctionDependencies(ctx, a.ID, []string{b.ID}); err != nil {
		t.Fatal(err)
	}
	if err := s.Store().SetFunctionDependencies(ctx, b.ID, []string{a.ID}); err != nil {
		t.Fatal(err)
	}
	if err := s.BindFunctions(ctx, tool.ID, []string{a.ID}); !errmodel.HasCode(err, errmodel.CodeDependencyCycle) {
		t.Fatalf("err = %v, want dependency cycle", err)
	}

	if err := s.BindFunctions(ctx, tool.ID, []string{"no-such-id"}); !errmodel.IsNotFound(err) {
		t.Errorf("unknown function: err = %v, want not found", err)
	}
}

func TestHTTPToolGetsHelperFunction(t *testing.T) {
	s := newService()
	ctx := context.Background()

	tool, err := s.CreateTool(ctx, registry.Tool{
		Name:    "fetch",
		Kind:    registry.ToolKindHTTP,
		Code:    `result = easy_http_call(setting["method"], setting["url"], setting["headers"], parameters, config)`,
		Setting: json.RawMessage(`{"method": "GET", "url": "https://example.com/{id}"}`),
	})
	if err != nil {
		t.Fatal(err)
	}

	helper, err := s.GetFunctionByName(ctx, registry.HTTPHelperName)
	if err != nil {
		t.Fatal(err)
	}
	if helper.CurrentVersion != 1 {
		t.Errorf("helper CurrentVersion = %d, want auto-published 1", helper.CurrentVersion)
	}

	bound, err := s.Store().ToolFunctions(ctx, tool.ID)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, fn := range bound {
		if fn.ID == helper.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("helper not bound to http tool: %v", bound)
	}

	// A second http tool reuses the same helper.
	if _, err := s.CreateTool(ctx, registry.Tool{
		Name:    "fetch2",
		Kind:    registry.ToolKindHTTP,
		Code:    `result = easy_http_call(setting["method"], setting["url"], setting["headers"], parameters, config)`,
		Setting: json.RawMessage(`{"method": "GET", "url": "https://example.com"}`),
	}); err != nil {
		t.Fatal(err)
	}
	fns, total, err := s.ListFunctions(ctx, registry.ListFilter{Search: registry.HTTPHelperName})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(fns) != 1 {
		t.Errorf("helper functions = %d, want exactly 1", total)
	}
}

func TestConfigValueMustMatchSchema(t *testing.T) {
	s := newService()
	ctx := context.Background()

	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"retries": {"type": "integer", "minimum": 0}},
		"required": ["retries"]
	}`)

	if _, err := s.CreateConfig(ctx, registry.Config{
		Name:   "bad",
		Schema: schema,
		Value:  json.RawMessage(`{"retries": "three"}`),
	}); !errmodel.IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}

	cfg, err := s.CreateConfig(ctx, registry.Config{
		Name:   "good",
		Schema: schema,
		Value:  json.RawMessage(`{"retries": 3}`),
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg.Value = json.RawMessage(`{"retries": -1}`)
	if _, err := s.UpdateConfig(ctx, cfg); !errmodel.IsValidation(err) {
		t.Errorf("update with nonconforming value: err = %v, want validation error", err)
	}
}

func TestConfigsAreNotVersioned(t *testing.T) {
	s := newService()
	ctx := context.Background()
	cfg, err := s.CreateConfig(ctx, registry.Config{Name: "c", Value: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Publish(ctx, registry.EntityConfig, cfg.ID, ""); !errmodel.IsValidation(err) {
		t.Errorf("Publish(config): err = %v, want validation error", err)
	}
	if _, err := s.Rollback(ctx, registry.EntityConfig, cfg.ID, 1); !errmodel.IsValidation(err) {
		t.Errorf("Rollback(config): err = %v, want validation error", err)
	}
}

func TestPublishNotifiesListeners(t *testing.T) {
	s := newService()
	ctx := context.Background()

	type event struct {
		entity  registry.EntityType
		id      string
		version int64
	}
	var mu sync.Mutex
	var events []event
	s.OnPublish(func(entity registry.EntityType, id string, version int64) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event{entity, id, version})
	})

	tool, err := s.CreateTool(ctx, basicTool("observed"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.PublishTool(ctx, tool.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RollbackTool(ctx, tool.ID, 1); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("events = %v, want publish and rollback", events)
	}
	if events[0] != (event{registry.EntityTool, tool.ID, 1}) {
		t.Errorf("events[0] = %+v", events[0])
	}
	if events[1] != (event{registry.EntityTool, tool.ID, 2}) {
		t.Errorf("events[1] = %+v", events[1])
	}
}

func TestEnableToggleAndDeleteNotifyListeners(t *testing.T) {
	s := newService()
	ctx := context.Background()

	var mu sync.Mutex
	var fired int
	s.OnPublish(func(registry.EntityType, string, int64) {
		mu.Lock()
		defer mu.Unlock()
		fired++
	})

	tool, err := s.CreateTool(ctx, basicTool("watched"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetToolEnabled(ctx, tool.ID, false); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	if fired != 1 {
		t.Fatalf("fired = %d after disable, want 1", fired)
	}
	mu.Unlock()

	// A no-op toggle stays silent.
	if _, err := s.SetToolEnabled(ctx, tool.ID, false); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	if fired != 1 {
		t.Fatalf("fired = %d after no-op toggle, want still 1", fired)
	}
	mu.Unlock()

	if err := s.DeleteTool(ctx, tool.ID); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	if fired != 2 {
		t.Fatalf("fired = %d after delete, want 2", fired)
	}
	mu.Unlock()
}

func TestUpdateToolRejectsNameCollision(t *testing.T) {
	s := newService()
	ctx := context.Background()
	if _, err := s.CreateTool(ctx, basicTool("taken")); err != nil {
		t.Fatal(err)
	}
	tool, err := s.CreateTool(ctx, basicTool("renamable"))
	if err != nil {
		t.Fatal(err)
	}
	tool.Name = "taken"
	if _, err := s.UpdateTool(ctx, tool); !errmodel.HasCode(err, errmodel.CodeAlreadyExists) {
		t.Errorf("err = %v, want already_exists", err)
	}
}
