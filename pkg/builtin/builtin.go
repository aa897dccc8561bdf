// Package builtin ships a small set of ready-made tool bundles embedded in
// the binary. Importing a bundle creates the tool and publishes version 1,
// giving a fresh deployment something to call immediately.
package builtin

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/openmcp/forge/pkg/errmodel"
	"github.com/openmcp/forge/pkg/registry"
)

//go:embed bundles/*.yaml
var bundlesFS embed.FS

// Bundle is one embedded sample tool. ConfigSchema, when present, declares
// the shape of a config shell created and bound on import for the operator
// to fill in.
type Bundle struct {
	Name         string
	Description  string
	Kind         registry.ToolKind
	Setting      json.RawMessage
	Parameters   json.RawMessage
	ConfigSchema json.RawMessage
	Code         string
}

type manifest struct {
	Name         string         `yaml:"name"`
	Description  string         `yaml:"description"`
	Kind         string         `yaml:"kind"`
	Setting      map[string]any `yaml:"setting"`
	Parameters   map[string]any `yaml:"parameters"`
	ConfigSchema map[string]any `yaml:"config_schema"`
	Code         string         `yaml:"code"`
}

// List returns all embedded bundles sorted by name.
func List() ([]Bundle, error) {
	entries, err := bundlesFS.ReadDir("bundles")
	if err != nil {
		return nil, err
	}
	out := make([]Bundle, 0, len(entries))
	for _, entry := range entries {
		raw, err := bundlesFS.ReadFile("bundles/" + entry.Name())
		if err != nil {
			return nil, err
		}
		var m manifest
		if err := yaml.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("parse bundle %s: %w", entry.Name(), err)
		}
		b := Bundle{
			Name:        m.Name,
			Description: m.Description,
			Kind:        registry.ToolKind(m.Kind),
			Code:        m.Code,
		}
		if b.Setting, err = toJSON(m.Setting); err != nil {
			return nil, fmt.Errorf("bundle %s setting: %w", entry.Name(), err)
		}
		if b.Parameters, err = toJSON(m.Parameters); err != nil {
			return nil, fmt.Errorf("bundle %s parameters: %w", entry.Name(), err)
		}
		if b.ConfigSchema, err = toJSON(m.ConfigSchema); err != nil {
			return nil, fmt.Errorf("bundle %s config_schema: %w", entry.Name(), err)
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func toJSON(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Import registers every embedded bundle that is not already present and
// publishes its first version. Existing tools with the same name are left
// untouched. It returns the tools it created.
func Import(ctx context.Context, reg *registry.Service) ([]registry.Tool, error) {
	bundles, err := List()
	if err != nil {
		return nil, err
	}
	var created []registry.Tool
	for _, b := range bundles {
		_, err := reg.GetToolByName(ctx, b.Name)
		if err == nil {
			continue
		}
		if !errmodel.IsNotFound(err) {
			return created, err
		}
		tool, err := reg.CreateTool(ctx, registry.Tool{
			Name:        b.Name,
			Description: b.Description,
			Kind:        b.Kind,
			Setting:     b.Setting,
			Parameters:  b.Parameters,
			Code:        b.Code,
		})
		if err != nil {
			return created, fmt.Errorf("import bundle %s: %w", b.Name, err)
		}
		if len(b.ConfigSchema) > 0 {
			if err := ensureConfigShell(ctx, reg, tool, b.ConfigSchema); err != nil {
				return created, fmt.Errorf("config shell for bundle %s: %w", b.Name, err)
			}
		}
		if _, err := reg.PublishTool(ctx, tool.ID, "builtin bundle"); err != nil {
			return created, fmt.Errorf("publish bundle %s: %w", b.Name, err)
		}
		created = append(created, tool)
	}
	return created, nil
}

// ensureConfigShell creates an empty schema-bearing config named after the
// tool and binds it, reusing an existing config of the same name.
func ensureConfigShell(ctx context.Context, reg *registry.Service, tool registry.Tool, schema json.RawMessage) error {
	name := tool.Name + "_config"
	cfg, err := reg.GetConfigByName(ctx, name)
	if errmodel.IsNotFound(err) {
		cfg, err = reg.CreateConfig(ctx, registry.Config{
			Name:        name,
			Description: "settings for the " + tool.Name + " sample tool",
			Schema:      schema,
		})
	}
	if err != nil {
		return err
	}
	return reg.BindConfigs(ctx, tool.ID, []string{cfg.ID})
}
