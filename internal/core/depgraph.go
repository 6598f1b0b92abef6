package core

// depgraph.go orders entity kinds so every kind comes after the kinds it
// depends on.
//
// Ordering is Kahn's algorithm restricted to the requested subset. When more
// than one kind is ready, the one earliest in the graph's canonical order is
// taken, so the output is identical across runs. Dependencies that were not
// requested are ignored; callers are responsible for requesting everything
// they need.

import (
	"fmt"
	"sort"
)

// DependencyGraph is the read-only view the resolver needs.
// *Registry satisfies it.
type DependencyGraph interface {
	Kinds() []EntityKind
	DependenciesOf(kind EntityKind) []EntityKind
}

// DependencyResolver computes processing order for a set of kinds.
type DependencyResolver struct {
	graph DependencyGraph
}

// NewDependencyResolver creates a resolver over graph.
func NewDependencyResolver(graph DependencyGraph) *DependencyResolver {
	return &DependencyResolver{graph: graph}
}

// Order returns requested kinds sorted so dependencies come first.
// Duplicates are collapsed. Fails with ErrUnknownEntityKind for kinds not in
// the graph and *CircularDependencyError when the induced subgraph has a cycle.
func (r *DependencyResolver) Order(requested []EntityKind) ([]EntityKind, error) {
	return topoSort(r.graph, requested)
}

func topoSort(g DependencyGraph, requested []EntityKind) ([]EntityKind, error) {
	rank := make(map[EntityKind]int)
	for i, k := range g.Kinds() {
		rank[k] = i
	}

	want := make(map[EntityKind]bool, len(requested))
	for _, k := range requested {
		if _, ok := rank[k]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEntityKind, k)
		}
		want[k] = true
	}

	indegree := make(map[EntityKind]int, len(want))
	dependents := make(map[EntityKind][]EntityKind, len(want))
	for k := range want {
		indegree[k] += 0
		for _, dep := range g.DependenciesOf(k) {
			if !want[dep] || dep == k {
				continue
			}
			indegree[k]++
			dependents[dep] = append(dependents[dep], k)
		}
	}

	byRank := func(ks []EntityKind) {
		sort.Slice(ks, func(i, j int) bool { return rank[ks[i]] < rank[ks[j]] })
	}

	var ready []EntityKind
	for k, d := range indegree {
		if d == 0 {
			ready = append(ready, k)
		}
	}
	byRank(ready)

	order := make([]EntityKind, 0, len(want))
	for len(ready) > 0 {
		k := ready[0]
		ready = ready[1:]
		order = append(order, k)

		for _, next := range dependents[k] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
		byRank(ready)
	}

	if len(order) < len(want) {
		var stuck []EntityKind
		for k, d := range indegree {
			if d > 0 {
				stuck = append(stuck, k)
			}
		}
		byRank(stuck)
		return nil, &CircularDependencyError{Kinds: stuck}
	}

	return order, nil
}
