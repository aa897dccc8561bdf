package registry

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/openmcp/forge/pkg/errmodel"
)

// CreateConfig validates and stores a config. Value must conform to the
// declared schema when both are present.
func (s *Service) CreateConfig(ctx context.Context, c Config) (Config, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return Config{}, errmodel.Validation("config name is required", map[string]any{"field": "name"})
	}
	if err := validateConfigContent(c.Schema, c.Value); err != nil {
		return Config{}, err
	}
	now := time.Now().UTC()
	c.ID = uuid.NewString()
	c.CreatedAt = now
	c.UpdatedAt = now
	if err := s.store.CreateConfig(ctx, c); err != nil {
		return Config{}, err
	}
	s.log.Info("config created", zap.String("config_id", c.ID), zap.String("name", c.Name))
	return c, nil
}

// UpdateConfig replaces a config's schema and value.
func (s *Service) UpdateConfig(ctx context.Context, c Config) (Config, error) {
	existing, err := s.store.GetConfig(ctx, c.ID)
	if err != nil {
		return Config{}, err
	}
	if err := validateConfigContent(c.Schema, c.Value); err != nil {
		return Config{}, err
	}
	if c.Name != existing.Name {
		if _, err := s.store.GetConfigByName(ctx, c.Name); err == nil {
			return Config{}, errmodel.AlreadyExists("config name already in use", map[string]any{"name": c.Name})
		} else if !errmodel.IsNotFound(err) {
			return Config{}, err
		}
	}
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateConfig(ctx, c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// GetConfig returns a config by id.
func (s *Service) GetConfig(ctx context.Context, id string) (Config, error) {
	return s.store.GetConfig(ctx, id)
}

// GetConfigByName returns a config by its unique name.
func (s *Service) GetConfigByName(ctx context.Context, name string) (Config, error) {
	return s.store.GetConfigByName(ctx, name)
}

// ListConfigs lists configs matching the filter with a total count.
func (s *Service) ListConfigs(ctx context.Context, f ListFilter) ([]Config, int, error) {
	return s.store.ListConfigs(ctx, f)
}

// DeleteConfig removes a config and its tool bindings.
func (s *Service) DeleteConfig(ctx context.Context, id string) error {
	if err := s.store.DeleteConfig(ctx, id); err != nil {
		return err
	}
	s.log.Info("config deleted", zap.String("config_id", id))
	return nil
}

// validateConfigContent compiles the schema (if any) and validates the value
// against it (if both present).
func validateConfigContent(schema, value json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	sch, err := compileSchema(schema)
	if err != nil {
		return errmodel.Validation("config schema does not compile", map[string]any{"field": "schema", "error": err.Error()})
	}
	if len(value) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(value, &v); err != nil {
		return errmodel.Validation("config value is not valid JSON", map[string]any{"field": "value", "error": err.Error()})
	}
	if err := sch.Validate(v); err != nil {
		return errmodel.Validation("config value does not conform to schema", map[string]any{"field": "value", "error": err.Error()})
	}
	return nil
}

// compileSchema compiles an anonymous in-memory JSON schema.
func compileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("mem://schema.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("mem://schema.json")
}
