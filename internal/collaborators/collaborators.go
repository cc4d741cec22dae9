// Package collaborators defines the small external interfaces the
// orchestration engine depends on, plus best-effort default
// implementations. Every method here is error-tolerant by contract: a
// failing collaborator call is logged by the caller and never aborts the
// orchestration.
package collaborators

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// DependencyGraph is the raw node/edge shape returned by DependencyManager.
// Edge{From, To} means "From depends on To".
type DependencyGraph struct {
	Nodes []string
	Edges []Edge
}

// Edge is a single dependency edge: From depends on To.
type Edge struct {
	From string
	To   string
}

// DependencyManager builds the dependency graph for a set of specs and can
// detect cycles in it.
type DependencyManager interface {
	BuildDependencyGraph(ctx context.Context, specNames []string) (*DependencyGraph, error)
	DetectCircularDependencies(ctx context.Context, graph *DependencyGraph) ([]string, error)
}

// StaticDependencyManager serves a fixed dependency map, keyed by spec
// name, of its prerequisite spec names. Specs with no entry are treated
// as having no dependencies. This is the default used when the CLI has
// not wired a richer dependency source (e.g. parsed from spec documents).
type StaticDependencyManager struct {
	Dependencies map[string][]string
}

// NewStaticDependencyManager builds a manager from a spec->prereqs map.
func NewStaticDependencyManager(deps map[string][]string) *StaticDependencyManager {
	if deps == nil {
		deps = map[string][]string{}
	}
	return &StaticDependencyManager{Dependencies: deps}
}

// BuildDependencyGraph implements DependencyManager.
func (m *StaticDependencyManager) BuildDependencyGraph(_ context.Context, specNames []string) (*DependencyGraph, error) {
	graph := &DependencyGraph{Nodes: append([]string(nil), specNames...)}
	known := make(map[string]bool, len(specNames))
	for _, n := range specNames {
		known[n] = true
	}
	for _, name := range specNames {
		for _, dep := range m.Dependencies[name] {
			if !known[dep] {
				// Dependency outside the requested set; the edge is
				// dropped, so neither cycle detection nor batching sees it
				// (only input specs are batched).
				continue
			}
			graph.Edges = append(graph.Edges, Edge{From: name, To: dep})
		}
	}
	return graph, nil
}

// DetectCircularDependencies returns the first cycle found, if any, as an
// ordered list of node names. Returns nil if the graph is acyclic.
func (m *StaticDependencyManager) DetectCircularDependencies(_ context.Context, graph *DependencyGraph) ([]string, error) {
	adj := make(map[string][]string, len(graph.Nodes))
	for _, e := range graph.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(graph.Nodes))
	var path []string
	var cycle []string

	var visit func(node string) bool
	visit = func(node string) bool {
		color[node] = gray
		path = append(path, node)
		for _, next := range adj[node] {
			switch color[next] {
			case white:
				if visit(next) {
					return true
				}
			case gray:
				// Found the back-edge; extract the cycle portion of path.
				idx := len(path) - 1
				for idx >= 0 && path[idx] != next {
					idx--
				}
				if idx >= 0 {
					cycle = append([]string(nil), path[idx:]...)
					cycle = append(cycle, next)
				}
				return true
			}
		}
		path = path[:len(path)-1]
		color[node] = black
		return false
	}

	for _, n := range graph.Nodes {
		if color[n] == white {
			if visit(n) {
				return cycle, nil
			}
		}
	}
	return nil, nil
}

// AgentRegistration is the payload passed to Register.
type AgentRegistration struct {
	CurrentTask struct {
		SpecName string
	}
}

// AgentRegistry mints and releases opaque agent ids for spawned
// processes.
type AgentRegistry interface {
	Register(ctx context.Context, reg AgentRegistration) (agentID string, err error)
	Deregister(ctx context.Context, agentID string) error
}

// LocalAgentRegistry mints agent ids locally with uuid, with no external
// bookkeeping. This is the default used when no remote registry is
// configured.
type LocalAgentRegistry struct {
	mu     sync.Mutex
	active map[string]string // agentID -> specName
}

// NewLocalAgentRegistry constructs an empty registry.
func NewLocalAgentRegistry() *LocalAgentRegistry {
	return &LocalAgentRegistry{active: make(map[string]string)}
}

// Register implements AgentRegistry.
func (r *LocalAgentRegistry) Register(_ context.Context, reg AgentRegistration) (string, error) {
	id := uuid.NewString()
	r.mu.Lock()
	r.active[id] = reg.CurrentTask.SpecName
	r.mu.Unlock()
	return id, nil
}

// Deregister implements AgentRegistry.
func (r *LocalAgentRegistry) Deregister(_ context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[agentID]; !ok {
		return fmt.Errorf("agent %s not registered", agentID)
	}
	delete(r.active, agentID)
	return nil
}

// SpecLifecycleManager tracks cross-process spec status transitions.
// Best-effort: callers log and swallow its errors.
type SpecLifecycleManager interface {
	Transition(ctx context.Context, specName, status string) error
}

// NoopSpecLifecycleManager is the default no-op implementation.
type NoopSpecLifecycleManager struct{}

// Transition implements SpecLifecycleManager as a no-op.
func (NoopSpecLifecycleManager) Transition(context.Context, string, string) error { return nil }

// ContextSyncManager pushes spec status to an external context-sync
// sink. Best-effort: callers log and swallow its errors.
type ContextSyncManager interface {
	SyncStatus(ctx context.Context, specName, status string) error
}

// NoopContextSyncManager is the default no-op implementation.
type NoopContextSyncManager struct{}

// SyncStatus implements ContextSyncManager as a no-op.
func (NoopContextSyncManager) SyncStatus(context.Context, string, string) error { return nil }
