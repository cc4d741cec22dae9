// Package depgraph computes the batched execution plan from a dependency
// graph: levelization plus cycle detection, built on the same
// Edge{From,To} shape collaborators.DependencyManager returns.
package depgraph

import (
	"sort"

	"kse/internal/collaborators"
)

// Plan is the batched execution plan held by the Engine for one Start
// call.
type Plan struct {
	Specs        []string
	Dependencies map[string][]string // spec -> prerequisite specs
	Batches      [][]string
	HasCycle     bool
	CyclePath    []string
}

// Build levelizes specNames using graph into batches, such that for every
// edge a -> b (a depends on b), batch(b) < batch(a). specNames order is
// preserved within each batch.
//
// Build assumes the caller has already confirmed the graph is acyclic
// (via DetectCircularDependencies); an unexpected cycle falls back to
// reporting it rather than looping forever.
func Build(specNames []string, graph *collaborators.DependencyGraph) *Plan {
	deps := make(map[string][]string, len(specNames))
	prereqOf := make(map[string]map[string]bool, len(specNames))
	for _, n := range specNames {
		prereqOf[n] = map[string]bool{}
	}
	for _, e := range graph.Edges {
		deps[e.From] = append(deps[e.From], e.To)
		if prereqOf[e.From] != nil {
			prereqOf[e.From][e.To] = true
		}
	}

	batchIndex := make(map[string]int, len(specNames))
	order := append([]string(nil), specNames...)

	// Kahn-style levelization: a node's batch index is 1 + the max batch
	// index of its prerequisites, 0 if it has none. Iterate until every
	// node is resolved; a fixed point that never resolves everyone means
	// a cycle slipped through.
	remaining := make(map[string]bool, len(order))
	for _, n := range order {
		remaining[n] = true
	}

	for len(remaining) > 0 {
		progressed := false
		for _, n := range order {
			if !remaining[n] {
				continue
			}
			ready := true
			maxPrereq := -1
			for dep := range prereqOf[n] {
				if remaining[dep] {
					ready = false
					break
				}
				if idx, ok := batchIndex[dep]; ok && idx > maxPrereq {
					maxPrereq = idx
				}
			}
			if !ready {
				continue
			}
			batchIndex[n] = maxPrereq + 1
			delete(remaining, n)
			progressed = true
		}
		if !progressed {
			// Cycle among the remaining nodes; surface it rather than spin.
			var cyclic []string
			for n := range remaining {
				cyclic = append(cyclic, n)
			}
			sort.Strings(cyclic)
			return &Plan{
				Specs:        specNames,
				Dependencies: deps,
				HasCycle:     true,
				CyclePath:    cyclic,
			}
		}
	}

	maxBatch := -1
	for _, idx := range batchIndex {
		if idx > maxBatch {
			maxBatch = idx
		}
	}
	batches := make([][]string, maxBatch+1)
	for _, n := range order {
		idx := batchIndex[n]
		batches[idx] = append(batches[idx], n)
	}

	return &Plan{
		Specs:        specNames,
		Dependencies: deps,
		Batches:      batches,
	}
}

// TotalBatches returns the number of batches in the plan.
func (p *Plan) TotalBatches() int {
	return len(p.Batches)
}

// BatchIndexOf returns the batch index of spec, or -1 if unknown.
func (p *Plan) BatchIndexOf(spec string) int {
	for i, batch := range p.Batches {
		for _, s := range batch {
			if s == spec {
				return i
			}
		}
	}
	return -1
}

// Dependents returns the set of all direct and transitive dependents of
// spec within the plan: specs whose Dependencies chain (directly or
// indirectly) requires spec. Used by failure propagation to mark
// dependents of a failed spec as skipped.
func (p *Plan) Dependents(spec string) []string {
	dependents := map[string]bool{}
	var visit func(target string)
	visit = func(target string) {
		for node, prereqs := range p.Dependencies {
			for _, dep := range prereqs {
				if dep == target && !dependents[node] {
					dependents[node] = true
					visit(node)
				}
			}
		}
	}
	visit(spec)

	out := make([]string, 0, len(dependents))
	for _, n := range p.Specs {
		if dependents[n] {
			out = append(out, n)
		}
	}
	return out
}
