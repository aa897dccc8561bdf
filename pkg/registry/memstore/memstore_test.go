package memstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/openmcp/forge/pkg/errmodel"
	"github.com/openmcp/forge/pkg/registry"
)

func TestCreateToolNameUniqueness(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateTool(ctx, registry.Tool{ID: "1", Name: "dup"}); err != nil {
		t.Fatal(err)
	}
	err := s.CreateTool(ctx, registry.Tool{ID: "2", Name: "dup"})
	if !errmodel.HasCode(err, errmodel.CodeAlreadyExists) {
		t.Fatalf("err = %v, want already_exists", err)
	}
}

func TestListToolsFilterAndPagination(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		tool := registry.Tool{
			ID:      fmt.Sprintf("id-%d", i),
			Name:    fmt.Sprintf("tool-%d", i),
			Enabled: i%2 == 0,
		}
		if err := s.CreateTool(ctx, tool); err != nil {
			t.Fatal(err)
		}
	}

	_, total, err := s.ListTools(ctx, registry.ListFilter{EnabledOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Errorf("enabled total = %d, want 3", total)
	}

	page, total, err := s.ListTools(ctx, registry.ListFilter{Page: 2, Size: 2})
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 || page[0].Name != "tool-2" || page[1].Name != "tool-3" {
		t.Errorf("page 2 = %v, want tool-2 and tool-3", page)
	}

	found, total, err := s.ListTools(ctx, registry.ListFilter{Search: "TOOL-4"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || found[0].ID != "id-4" {
		t.Errorf("search = %v (%d), want tool-4", found, total)
	}
}

func TestPutToolVersionCAS(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateTool(ctx, registry.Tool{ID: "t1", Name: "versioned"}); err != nil {
		t.Fatal(err)
	}

	if err := s.PutToolVersion(ctx, registry.ToolVersion{ToolID: "t1", Version: 1}, 0); err != nil {
		t.Fatal(err)
	}
	// A writer holding the stale expected version loses.
	err := s.PutToolVersion(ctx, registry.ToolVersion{ToolID: "t1", Version: 1}, 0)
	if !errmodel.HasCode(err, errmodel.CodePublishConflict) {
		t.Fatalf("stale expect: err = %v, want publish_conflict", err)
	}
	// A gapped version number also loses.
	err = s.PutToolVersion(ctx, registry.ToolVersion{ToolID: "t1", Version: 3}, 1)
	if !errmodel.HasCode(err, errmodel.CodePublishConflict) {
		t.Fatalf("gapped version: err = %v, want publish_conflict", err)
	}

	tool, err := s.GetTool(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if tool.CurrentVersion != 1 {
		t.Errorf("CurrentVersion = %d, want 1", tool.CurrentVersion)
	}
}

func TestUpdateToolPreservesCurrentVersion(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateTool(ctx, registry.Tool{ID: "t1", Name: "stable"}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutToolVersion(ctx, registry.ToolVersion{ToolID: "t1", Version: 1}, 0); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateTool(ctx, registry.Tool{ID: "t1", Name: "stable", Code: "x", CurrentVersion: 99}); err != nil {
		t.Fatal(err)
	}
	tool, _ := s.GetTool(ctx, "t1")
	if tool.CurrentVersion != 1 {
		t.Errorf("CurrentVersion = %d, want 1 (only PutToolVersion advances it)", tool.CurrentVersion)
	}
	if tool.Code != "x" {
		t.Errorf("Code = %q, want updated draft", tool.Code)
	}
}

func TestDeleteToolCascades(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateTool(ctx, registry.Tool{ID: "t1", Name: "doomed"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateFunction(ctx, registry.Function{ID: "f1", Name: "fn"}); err != nil {
		t.Fatal(err)
	}
	if err := s.BindToolFunctions(ctx, "t1", []string{"f1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutToolVersion(ctx, registry.ToolVersion{ToolID: "t1", Version: 1}, 0); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteTool(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetTool(ctx, "t1"); !errmodel.IsNotFound(err) {
		t.Errorf("GetTool after delete: %v", err)
	}
	if _, _, err := s.ListToolVersions(ctx, "t1", 1, 10); !errmodel.IsNotFound(err) {
		t.Errorf("ListToolVersions after delete: %v", err)
	}
	// The function itself survives.
	if _, err := s.GetFunction(ctx, "f1"); err != nil {
		t.Errorf("bound function was deleted: %v", err)
	}
}

func TestDeleteFunctionDetachesEverywhere(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateTool(ctx, registry.Tool{ID: "t1", Name: "consumer"}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"f1", "f2"} {
		if err := s.CreateFunction(ctx, registry.Function{ID: id, Name: id}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.BindToolFunctions(ctx, "t1", []string{"f1", "f2"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetFunctionDependencies(ctx, "f1", []string{"f2"}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteFunction(ctx, "f2"); err != nil {
		t.Fatal(err)
	}
	deps, err := s.FunctionDependencies(ctx, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if len(deps) != 0 {
		t.Errorf("deps = %v, want edge removed", deps)
	}
	bound, err := s.ToolFunctions(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(bound) != 1 || bound[0].ID != "f1" {
		t.Errorf("bound = %v, want only f1", bound)
	}
}

func TestBindOrderPreserved(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateTool(ctx, registry.Tool{ID: "t1", Name: "ordered"}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"c1", "c2", "c3"} {
		if err := s.CreateConfig(ctx, registry.Config{ID: id, Name: id}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.BindToolConfigs(ctx, "t1", []string{"c3", "c1", "c2"}); err != nil {
		t.Fatal(err)
	}
	got, err := s.ToolConfigs(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"c3", "c1", "c2"}
	for i, c := range got {
		if c.ID != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}

	// Rebinding replaces, never appends.
	if err := s.BindToolConfigs(ctx, "t1", []string{"c2"}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.ToolConfigs(ctx, "t1")
	if len(got) != 1 || got[0].ID != "c2" {
		t.Errorf("rebind = %v, want only c2", got)
	}
}

func TestVersionListingsNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateFunction(ctx, registry.Function{ID: "f1", Name: "fn"}); err != nil {
		t.Fatal(err)
	}
	for v := int64(1); v <= 3; v++ {
		if err := s.PutFunctionVersion(ctx, registry.FunctionVersion{FunctionID: "f1", Version: v}, v-1); err != nil {
			t.Fatal(err)
		}
	}
	versions, total, err := s.ListFunctionVersions(ctx, "f1", 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(versions) != 2 {
		t.Fatalf("got %d of %d versions, want 2 of 3", len(versions), total)
	}
	if versions[0].Version != 3 || versions[1].Version != 2 {
		t.Errorf("page = %v, want versions 3 then 2", versions)
	}
}
