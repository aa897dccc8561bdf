// Package registry owns Tool/Function/Config entities and their immutable
// version history. Persistence sits behind the Store interface so the same
// service runs against SQL (pkg/registry/sqlstore) or memory
// (pkg/registry/memstore) backends with identical semantics.
package registry

import "context"

// Store is the persistence boundary for registry entities.
//
// Implementations signal failures with errmodel errors: CodeNotFound for
// unknown ids, CodeAlreadyExists for unique-name collisions, and
// CodePublishConflict when a Put*Version compare-and-swap loses. Reads are
// snapshot reads and require no caller-side locking.
type Store interface {
	// Tools.
	CreateTool(ctx context.Context, t Tool) error
	GetTool(ctx context.Context, id string) (Tool, error)
	GetToolByName(ctx context.Context, name string) (Tool, error)
	ListTools(ctx context.Context, f ListFilter) ([]Tool, int, error)
	UpdateTool(ctx context.Context, t Tool) error
	DeleteTool(ctx context.Context, id string) error
	SetToolEnabled(ctx context.Context, id string, enabled bool) (Tool, error)

	// PutToolVersion appends v and advances the tool's current_version from
	// expect to v.Version in one atomic unit. v.Version must equal expect+1.
	PutToolVersion(ctx context.Context, v ToolVersion, expect int64) error
	GetToolVersion(ctx context.Context, toolID string, version int64) (ToolVersion, error)
	ListToolVersions(ctx context.Context, toolID string, page, size int) ([]ToolVersion, int, error)

	// Functions.
	CreateFunction(ctx context.Context, fn Function) error
	GetFunction(ctx context.Context, id string) (Function, error)
	GetFunctionByName(ctx context.Context, name string) (Function, error)
	ListFunctions(ctx context.Context, f ListFilter) ([]Function, int, error)
	UpdateFunction(ctx context.Context, fn Function) error
	DeleteFunction(ctx context.Context, id string) error

	PutFunctionVersion(ctx context.Context, v FunctionVersion, expect int64) error
	GetFunctionVersion(ctx context.Context, functionID string, version int64) (FunctionVersion, error)
	ListFunctionVersions(ctx context.Context, functionID string, page, size int) ([]FunctionVersion, int, error)

	// Configs.
	CreateConfig(ctx context.Context, c Config) error
	GetConfig(ctx context.Context, id string) (Config, error)
	GetConfigByName(ctx context.Context, name string) (Config, error)
	ListConfigs(ctx context.Context, f ListFilter) ([]Config, int, error)
	UpdateConfig(ctx context.Context, c Config) error
	DeleteConfig(ctx context.Context, id string) error

	// Bindings. Replace-set semantics; order is preserved and meaningful
	// (config merge is last-bound-wins in this order).
	BindToolFunctions(ctx context.Context, toolID string, functionIDs []string) error
	ToolFunctions(ctx context.Context, toolID string) ([]Function, error)
	BindToolConfigs(ctx context.Context, toolID string, configIDs []string) error
	ToolConfigs(ctx context.Context, toolID string) ([]Config, error)

	// Function dependency edges. Self-edges are rejected by the service
	// before reaching the store.
	SetFunctionDependencies(ctx context.Context, functionID string, dependsOn []string) error
	FunctionDependencies(ctx context.Context, functionID string) ([]string, error)
}
