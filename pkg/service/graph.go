package service

import (
	"sort"

	"github.com/ignatij/tasktrack/pkg/models"
	"github.com/pkg/errors"
)

// ErrCycle is returned by TopologicalOrder when the edges do not form a DAG.
var ErrCycle = errors.New("cycle detected in dependencies")

// DependencyGraph is an adjacency index of blocker -> set of blocked task ids.
type DependencyGraph struct {
	edges map[string]map[string]struct{}
	nodes map[string]struct{}
}

func NewDependencyGraph(deps []models.TaskDependency) *DependencyGraph {
	g := &DependencyGraph{
		edges: make(map[string]map[string]struct{}),
		nodes: make(map[string]struct{}),
	}
	for _, d := range deps {
		g.AddEdge(d.BlockerID, d.BlockedID)
	}
	return g
}

func (g *DependencyGraph) AddEdge(blockerID, blockedID string) {
	if g.edges[blockerID] == nil {
		g.edges[blockerID] = make(map[string]struct{})
	}
	g.edges[blockerID][blockedID] = struct{}{}
	g.nodes[blockerID] = struct{}{}
	g.nodes[blockedID] = struct{}{}
}

// Reachable reports whether a path from -> ... -> to exists following
// blocker -> blocked edges. A node reaches itself.
func (g *DependencyGraph) Reachable(from, to string) bool {
	if from == to {
		return true
	}
	visited := map[string]struct{}{from: {}}
	queue := []string{from}
	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		for next := range g.edges[curr] {
			if next == to {
				return true
			}
			if _, seen := visited[next]; !seen {
				visited[next] = struct{}{}
				queue = append(queue, next)
			}
		}
	}
	return false
}

// WouldCycle reports whether adding blocker -> blocked closes a cycle.
func (g *DependencyGraph) WouldCycle(blockerID, blockedID string) bool {
	return g.Reachable(blockedID, blockerID)
}

// TopologicalOrder returns every node with blockers before the tasks they block.
// Ties are broken by id so the order is stable.
func (g *DependencyGraph) TopologicalOrder() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for node := range g.nodes {
		inDegree[node] = 0
	}
	for _, blocked := range g.edges {
		for node := range blocked {
			inDegree[node]++
		}
	}

	var queue []string
	for node, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, node)
		}
	}
	sort.Strings(queue)

	sorted := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		sorted = append(sorted, curr)

		var ready []string
		for next := range g.edges[curr] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}
	if len(sorted) != len(g.nodes) {
		return nil, ErrCycle
	}
	return sorted, nil
}
