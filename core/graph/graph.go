// Package graph builds the dependency DAG for a node list, assigns
// topological levels, and derives structural analytics used by the engine
// and the authoring tier.
package graph

import (
	"sort"
	"strings"
	"sync"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/core/node"
)

// Graph is an immutable dependency DAG over a node list
type Graph struct {
	nodes      map[string]*node.Config
	order      []string
	dependents map[string][]string
	levels     map[int][]string
	maxLevel   int

	metricsOnce sync.Once
	metrics     *Metrics
}

// Build constructs the DAG and computes per-node levels
// (level = 1 + max(level of dependencies), roots at 0). It fails on missing
// dependencies and on cycles.
func Build(nodes []*node.Config) (*Graph, error) {
	g := &Graph{
		nodes:      make(map[string]*node.Config, len(nodes)),
		order:      make([]string, 0, len(nodes)),
		dependents: make(map[string][]string),
		levels:     make(map[int][]string),
	}

	for _, n := range nodes {
		if _, dup := g.nodes[n.ID]; dup {
			return nil, errs.Newf(errs.Validation, "duplicate node id %q", n.ID)
		}
		g.nodes[n.ID] = n
		g.order = append(g.order, n.ID)
	}

	indegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		indegree[n.ID] = 0
	}
	for _, n := range nodes {
		for _, dep := range n.Dependencies {
			if _, ok := g.nodes[dep]; !ok {
				return nil, errs.Newf(errs.Validation, "node %q depends on missing node %q", n.ID, dep)
			}
			if dep == n.ID {
				return nil, errs.Newf(errs.Validation, "node %q depends on itself", n.ID)
			}
			g.dependents[dep] = append(g.dependents[dep], n.ID)
			indegree[n.ID]++
		}
	}

	// Kahn's algorithm with a sorted frontier. Sorting makes level
	// assignment independent of the input node order.
	level := make(map[string]int, len(nodes))
	frontier := make([]string, 0, len(nodes))
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
			level[id] = 0
		}
	}
	sort.Strings(frontier)

	processed := 0
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		processed++

		for _, dep := range g.dependents[id] {
			if l := level[id] + 1; l > level[dep] {
				level[dep] = l
			}
			indegree[dep]--
			if indegree[dep] == 0 {
				frontier = insertSorted(frontier, dep)
			}
		}
	}

	if processed != len(nodes) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, errs.Newf(errs.Validation, "dependency cycle involving: %s", strings.Join(stuck, ", "))
	}

	for id, l := range level {
		g.nodes[id].Level = l
		g.levels[l] = append(g.levels[l], id)
		if l > g.maxLevel {
			g.maxLevel = l
		}
	}
	for l := range g.levels {
		sort.Strings(g.levels[l])
	}

	return g, nil
}

func insertSorted(sorted []string, id string) []string {
	i := sort.SearchStrings(sorted, id)
	sorted = append(sorted, "")
	copy(sorted[i+1:], sorted[i:])
	sorted[i] = id
	return sorted
}

// Node returns a node config by id
func (g *Graph) Node(id string) (*node.Config, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns node configs in their original order
func (g *Graph) Nodes() []*node.Config {
	out := make([]*node.Config, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Dependencies returns the declared dependencies of a node
func (g *Graph) Dependencies(id string) []string {
	if n, ok := g.nodes[id]; ok {
		return n.Dependencies
	}
	return nil
}

// Dependents returns the nodes depending on the given node
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}

// Level returns the topological level of a node
func (g *Graph) Level(id string) int {
	if n, ok := g.nodes[id]; ok {
		return n.Level
	}
	return -1
}

// Levels returns the level buckets, keyed by level index
func (g *Graph) Levels() map[int][]string {
	return g.levels
}

// AtLevel returns the node ids at a level, sorted
func (g *Graph) AtLevel(l int) []string {
	return g.levels[l]
}

// MaxLevel returns the highest level index
func (g *Graph) MaxLevel() int {
	return g.maxLevel
}

// Size returns the node count
func (g *Graph) Size() int {
	return len(g.nodes)
}
