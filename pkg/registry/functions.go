package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openmcp/forge/pkg/depgraph"
	"github.com/openmcp/forge/pkg/errmodel"
)

// CreateFunction validates and stores a new function draft.
func (s *Service) CreateFunction(ctx context.Context, fn Function) (Function, error) {
	fn.Name = strings.TrimSpace(fn.Name)
	if fn.Name == "" {
		return Function{}, errmodel.Validation("function name is required", map[string]any{"field": "name"})
	}
	if strings.TrimSpace(fn.Code) == "" {
		return Function{}, errmodel.Validation("function code is empty", map[string]any{"field": "code"})
	}
	now := time.Now().UTC()
	fn.ID = uuid.NewString()
	fn.CurrentVersion = 0
	fn.CreatedAt = now
	fn.UpdatedAt = now
	if err := s.store.CreateFunction(ctx, fn); err != nil {
		return Function{}, err
	}
	s.log.Info("function created", zap.String("function_id", fn.ID), zap.String("name", fn.Name))
	return fn, nil
}

// UpdateFunction replaces the function's draft content.
func (s *Service) UpdateFunction(ctx context.Context, fn Function) (Function, error) {
	existing, err := s.store.GetFunction(ctx, fn.ID)
	if err != nil {
		return Function{}, err
	}
	if strings.TrimSpace(fn.Code) == "" {
		return Function{}, errmodel.Validation("function code is empty", map[string]any{"field": "code"})
	}
	if fn.Name != existing.Name {
		if _, err := s.store.GetFunctionByName(ctx, fn.Name); err == nil {
			return Function{}, errmodel.AlreadyExists("function name already in use", map[string]any{"name": fn.Name})
		} else if !errmodel.IsNotFound(err) {
			return Function{}, err
		}
	}
	fn.CurrentVersion = existing.CurrentVersion
	fn.CreatedAt = existing.CreatedAt
	fn.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateFunction(ctx, fn); err != nil {
		return Function{}, err
	}
	return fn, nil
}

// GetFunction returns a function by id.
func (s *Service) GetFunction(ctx context.Context, id string) (Function, error) {
	return s.store.GetFunction(ctx, id)
}

// GetFunctionByName returns a function by unique name.
func (s *Service) GetFunctionByName(ctx context.Context, name string) (Function, error) {
	return s.store.GetFunctionByName(ctx, name)
}

// ListFunctions lists functions matching the filter with a total count.
func (s *Service) ListFunctions(ctx context.Context, f ListFilter) ([]Function, int, error) {
	return s.store.ListFunctions(ctx, f)
}

// DeleteFunction removes a function with its versions and dependency edges.
func (s *Service) DeleteFunction(ctx context.Context, id string) error {
	if err := s.store.DeleteFunction(ctx, id); err != nil {
		return err
	}
	s.log.Info("function deleted", zap.String("function_id", id))
	return nil
}

// PublishFunction snapshots the function's draft as a new version with a
// single CAS retry, mirroring PublishTool.
func (s *Service) PublishFunction(ctx context.Context, id, note string) (FunctionVersion, error) {
	var v FunctionVersion
	err := s.withPublishRetry(func() error {
		fn, err := s.store.GetFunction(ctx, id)
		if err != nil {
			return err
		}
		if strings.TrimSpace(fn.Code) == "" {
			return errmodel.Validation("function code is empty", map[string]any{"field": "code"})
		}
		v = FunctionVersion{
			FunctionID:  fn.ID,
			Version:     fn.CurrentVersion + 1,
			Code:        fn.Code,
			Description: fn.Description,
			Note:        note,
			CreatedAt:   time.Now().UTC(),
		}
		return s.store.PutFunctionVersion(ctx, v, fn.CurrentVersion)
	})
	if err != nil {
		return FunctionVersion{}, err
	}
	s.log.Info("function published", zap.String("function_id", id), zap.Int64("version", v.Version))
	s.notify(EntityFunction, id, v.Version)
	return v, nil
}

// RollbackFunction re-publishes the content of target as a new version and
// overwrites the draft with it.
func (s *Service) RollbackFunction(ctx context.Context, id string, target int64) (FunctionVersion, error) {
	prior, err := s.store.GetFunctionVersion(ctx, id, target)
	if err != nil {
		return FunctionVersion{}, err
	}
	var v FunctionVersion
	err = s.withPublishRetry(func() error {
		fn, err := s.store.GetFunction(ctx, id)
		if err != nil {
			return err
		}
		v = FunctionVersion{
			FunctionID:  fn.ID,
			Version:     fn.CurrentVersion + 1,
			Code:        prior.Code,
			Description: prior.Description,
			Note:        fmt.Sprintf("rollback to version %d", target),
			CreatedAt:   time.Now().UTC(),
		}
		if err := s.store.PutFunctionVersion(ctx, v, fn.CurrentVersion); err != nil {
			return err
		}
		fn.Code = prior.Code
		fn.Description = prior.Description
		fn.UpdatedAt = time.Now().UTC()
		return s.store.UpdateFunction(ctx, fn)
	})
	if err != nil {
		return FunctionVersion{}, err
	}
	s.log.Info("function rolled back", zap.String("function_id", id), zap.Int64("target", target), zap.Int64("version", v.Version))
	s.notify(EntityFunction, id, v.Version)
	return v, nil
}

// GetFunctionVersion reads one immutable snapshot.
func (s *Service) GetFunctionVersion(ctx context.Context, id string, version int64) (FunctionVersion, error) {
	return s.store.GetFunctionVersion(ctx, id, version)
}

// ListFunctionVersions lists snapshots newest-first.
func (s *Service) ListFunctionVersions(ctx context.Context, id string, page, size int) ([]FunctionVersion, int, error) {
	return s.store.ListFunctionVersions(ctx, id, page, size)
}

// SetFunctionDependencies declares the function's direct dependencies.
// Self-edges are rejected outright and the whole edge set is checked for
// cycles here, at bind time, never at invocation.
func (s *Service) SetFunctionDependencies(ctx context.Context, functionID string, dependsOn []string) error {
	if _, err := s.store.GetFunction(ctx, functionID); err != nil {
		return err
	}
	for _, id := range dependsOn {
		if id == functionID {
			return errmodel.DependencyCycle("function cannot depend on itself", map[string]any{"function_id": functionID})
		}
		if _, err := s.store.GetFunction(ctx, id); err != nil {
			return err
		}
	}
	// Validate against the graph as it would look after the change.
	res := depgraph.NewResolver(overlaySource{st: s.store, functionID: functionID, edges: dependsOn})
	if _, err := res.Resolve(ctx, []string{functionID}); err != nil {
		return err
	}
	if err := s.store.SetFunctionDependencies(ctx, functionID, dependsOn); err != nil {
		return err
	}
	s.log.Info("function dependencies set", zap.String("function_id", functionID), zap.Int("count", len(dependsOn)))
	return nil
}

// FunctionDependencies returns the function's direct dependency ids.
func (s *Service) FunctionDependencies(ctx context.Context, functionID string) ([]string, error) {
	if _, err := s.store.GetFunction(ctx, functionID); err != nil {
		return nil, err
	}
	return s.store.FunctionDependencies(ctx, functionID)
}

// overlaySource answers dependency queries from the store with one
// function's edge set replaced, so cycle checks see the proposed graph
// before it is written.
type overlaySource struct {
	st         Store
	functionID string
	edges      []string
}

func (o overlaySource) Node(ctx context.Context, id string) (depgraph.Node, error) {
	return storeSource{o.st}.Node(ctx, id)
}

func (o overlaySource) Dependencies(ctx context.Context, id string) ([]string, error) {
	if id == o.functionID {
		return o.edges, nil
	}
	return o.st.FunctionDependencies(ctx, id)
}
