package registry

import (
	"encoding/json"
	"time"
)

// ToolKind selects the execution adapter for a tool.
type ToolKind string

const (
	ToolKindBasic    ToolKind = "basic"
	ToolKindHTTP     ToolKind = "http"
	ToolKindDatabase ToolKind = "database"
)

// Valid reports whether k is a known tool kind.
func (k ToolKind) Valid() bool {
	switch k {
	case ToolKindBasic, ToolKindHTTP, ToolKindDatabase:
		return true
	}
	return false
}

// Tool is a named, versioned, schema-parameterized unit of automation.
// The struct holds the mutable draft; immutable snapshots live in
// ToolVersion rows and are created only through publish/rollback.
type Tool struct {
	ID             string
	Name           string
	Description    string
	Kind           ToolKind
	Setting        json.RawMessage
	Parameters     json.RawMessage
	Code           string
	Enabled        bool
	CurrentVersion int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ToolVersion is an append-only snapshot of a tool's content.
// (ToolID, Version) is unique; Version starts at 1 and increases by exactly
// one per publish.
type ToolVersion struct {
	ToolID      string
	Version     int64
	Kind        ToolKind
	Setting     json.RawMessage
	Parameters  json.RawMessage
	Code        string
	Description string
	Note        string
	CreatedAt   time.Time
}

// Function is a reusable, versioned code unit referenced by tools or other
// functions.
type Function struct {
	ID             string
	Name           string
	Description    string
	Code           string
	CurrentVersion int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FunctionVersion is an append-only snapshot of a function's content.
type FunctionVersion struct {
	FunctionID  string
	Version     int64
	Code        string
	Description string
	Note        string
	CreatedAt   time.Time
}

// Config is a named, schema-validated settings bundle bindable to tools.
type Config struct {
	ID          string
	Name        string
	Description string
	Schema      json.RawMessage
	Value       json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HTTPSetting is the kind-specific setting payload for http tools.
type HTTPSetting struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// DatabaseSetting is the kind-specific setting payload for database tools.
// DSN uses the same routing as the entity store: postgres://... or
// sqlite:file:...
type DatabaseSetting struct {
	DSN string `json:"dsn"`
}

// ParamLocation tells the http adapter where a parameter is applied.
type ParamLocation string

const (
	ParamInURL    ParamLocation = "url"
	ParamInHeader ParamLocation = "header"
	ParamInBody   ParamLocation = "body"
)

// ParamSpec declares one call argument.
type ParamSpec struct {
	Type        string        `json:"type"`
	Description string        `json:"description,omitempty"`
	Enum        []string      `json:"enum,omitempty"`
	Location    ParamLocation `json:"location,omitempty"`
}

// ParameterSchema is the JSON-Schema-like declaration of a tool's call
// arguments. Only the object/properties/required subset is supported; the
// type vocabulary is string|number|integer|boolean|array|object.
type ParameterSchema struct {
	Type       string               `json:"type,omitempty"`
	Properties map[string]ParamSpec `json:"properties,omitempty"`
	Required   []string             `json:"required,omitempty"`
}

// ParseParameterSchema decodes a stored parameters document. An empty
// document yields a schema with no declared parameters.
func ParseParameterSchema(raw json.RawMessage) (ParameterSchema, error) {
	var ps ParameterSchema
	if len(raw) == 0 {
		return ps, nil
	}
	if err := json.Unmarshal(raw, &ps); err != nil {
		return ParameterSchema{}, err
	}
	return ps, nil
}

// ListFilter narrows entity listings.
type ListFilter struct {
	// Search matches name or description substrings, case-insensitive.
	Search string
	// EnabledOnly restricts tool listings to enabled tools.
	EnabledOnly bool
	// Page is 1-based; Size <= 0 means no pagination.
	Page int
	Size int
}

// EntityType names the versioned entity families.
type EntityType string

const (
	EntityTool     EntityType = "tool"
	EntityFunction EntityType = "function"
	EntityConfig   EntityType = "config"
)
