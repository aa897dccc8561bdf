// Package depgraph resolves a tool's bound functions into a topologically
// ordered load list, detecting dependency cycles along the way.
package depgraph

import (
	"context"
	"strings"

	"github.com/openmcp/forge/pkg/errmodel"
)

// Node is the resolver's view of one function: enough to order and assemble
// its code, nothing more.
type Node struct {
	ID      string
	Name    string
	Code    string
	Version int64
}

// Source supplies nodes and direct dependency edges. Resolution always reads
// each entity's current state (late binding): a dependency's behavior can
// change for all dependents without redeploying them, at the cost of
// rollback reproducibility.
type Source interface {
	Node(ctx context.Context, id string) (Node, error)
	Dependencies(ctx context.Context, id string) ([]string, error)
}

// Resolver computes dependency closures. It is read-only and idempotent:
// resolving the same roots against unchanged state yields the same order.
type Resolver struct {
	src Source
}

// NewResolver builds a resolver over src.
func NewResolver(src Source) *Resolver {
	return &Resolver{src: src}
}

// Resolve expands roots transitively and returns nodes in dependency order:
// if A depends on B, B precedes A. A back-edge to a node still on the
// recursion stack fails with a dependency-cycle error naming the members.
func (r *Resolver) Resolve(ctx context.Context, roots []string) ([]Node, error) {
	st := &resolveState{
		src:     r.src,
		color:   make(map[string]int),
		ordered: make([]Node, 0, len(roots)),
	}
	for _, id := range roots {
		if err := st.visit(ctx, id); err != nil {
			return nil, err
		}
	}
	return st.ordered, nil
}

const (
	colorWhite = 0 // unvisited
	colorGray  = 1 // on the recursion stack
	colorBlack = 2 // done
)

type resolveState struct {
	src     Source
	color   map[string]int
	stack   []string // node names along the current DFS path
	ordered []Node
}

func (s *resolveState) visit(ctx context.Context, id string) error {
	switch s.color[id] {
	case colorBlack:
		return nil
	case colorGray:
		return s.cycleError(ctx, id)
	}
	n, err := s.src.Node(ctx, id)
	if err != nil {
		return err
	}
	s.color[id] = colorGray
	s.stack = append(s.stack, n.Name)
	deps, err := s.src.Dependencies(ctx, id)
	if err != nil {
		return err
	}
	for _, dep := range deps {
		if dep == id {
			return errmodel.DependencyCycle("function depends on itself", map[string]any{"cycle": []string{n.Name, n.Name}})
		}
		if err := s.visit(ctx, dep); err != nil {
			return err
		}
	}
	s.stack = s.stack[:len(s.stack)-1]
	s.color[id] = colorBlack
	s.ordered = append(s.ordered, n)
	return nil
}

// cycleError names the members of the detected cycle: the slice of the DFS
// path from the revisited node onward, closed with the node itself.
func (s *resolveState) cycleError(ctx context.Context, id string) error {
	name := id
	if n, err := s.src.Node(ctx, id); err == nil && n.Name != "" {
		name = n.Name
	}
	start := 0
	for i, member := range s.stack {
		if member == name {
			start = i
			break
		}
	}
	cycle := append(append([]string{}, s.stack[start:]...), name)
	return errmodel.DependencyCycle(
		"function dependency cycle: "+strings.Join(cycle, " -> "),
		map[string]any{"cycle": cycle},
	)
}
