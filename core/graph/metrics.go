package graph

import "sort"

// Metrics holds derived structural analytics for a graph. Computed lazily on
// first request and cached for the graph's lifetime.
type Metrics struct {
	CriticalPathLength    int              `json:"critical_path_length"`
	CriticalPath          []string         `json:"critical_path"`
	InDegree              map[string]int   `json:"in_degree"`
	OutDegree             map[string]int   `json:"out_degree"`
	Betweenness           map[string]int   `json:"betweenness"`
	Bottlenecks           []string         `json:"bottlenecks"`
	ParallelOpportunities map[int][]string `json:"parallel_opportunities"`
}

// bottleneckOutDegree is the fan-out above which a node is flagged
const bottleneckOutDegree = 3

// Metrics computes (once) and returns the graph analytics
func (g *Graph) Metrics() *Metrics {
	g.metricsOnce.Do(func() {
		g.metrics = g.computeMetrics()
	})
	return g.metrics
}

func (g *Graph) computeMetrics() *Metrics {
	m := &Metrics{
		InDegree:              make(map[string]int, len(g.nodes)),
		OutDegree:             make(map[string]int, len(g.nodes)),
		Betweenness:           make(map[string]int, len(g.nodes)),
		ParallelOpportunities: make(map[int][]string),
	}

	for id, n := range g.nodes {
		m.InDegree[id] = len(n.Dependencies)
		m.OutDegree[id] = len(g.dependents[id])
	}

	// Longest dependency chain, following the max-level parent backwards.
	var tail string
	for id, n := range g.nodes {
		if tail == "" || n.Level > g.nodes[tail].Level {
			tail = id
		}
	}
	if tail != "" {
		path := []string{tail}
		cur := tail
		for {
			var next string
			for _, dep := range g.nodes[cur].Dependencies {
				if next == "" || g.nodes[dep].Level > g.nodes[next].Level {
					next = dep
				}
			}
			if next == "" {
				break
			}
			path = append(path, next)
			cur = next
		}
		for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
			path[i], path[j] = path[j], path[i]
		}
		m.CriticalPath = path
		m.CriticalPathLength = len(path)
	}

	// Betweenness approximated as the number of distinct (ancestor,
	// descendant) pairs routed through a node. Exact centrality is not
	// worth the cost at blueprint sizes.
	ancestors := g.ancestorSets()
	descendants := g.descendantSets()
	for id := range g.nodes {
		m.Betweenness[id] = len(ancestors[id]) * len(descendants[id])
	}

	for id, deg := range m.OutDegree {
		if deg > bottleneckOutDegree {
			m.Bottlenecks = append(m.Bottlenecks, id)
		}
	}
	sort.Strings(m.Bottlenecks)

	for l, ids := range g.levels {
		if len(ids) > 1 {
			m.ParallelOpportunities[l] = ids
		}
	}

	return m
}

func (g *Graph) ancestorSets() map[string]map[string]struct{} {
	sets := make(map[string]map[string]struct{}, len(g.nodes))
	for l := 0; l <= g.maxLevel; l++ {
		for _, id := range g.levels[l] {
			set := make(map[string]struct{})
			for _, dep := range g.nodes[id].Dependencies {
				set[dep] = struct{}{}
				for a := range sets[dep] {
					set[a] = struct{}{}
				}
			}
			sets[id] = set
		}
	}
	return sets
}

func (g *Graph) descendantSets() map[string]map[string]struct{} {
	sets := make(map[string]map[string]struct{}, len(g.nodes))
	for l := g.maxLevel; l >= 0; l-- {
		for _, id := range g.levels[l] {
			set := make(map[string]struct{})
			for _, dep := range g.dependents[id] {
				set[dep] = struct{}{}
				for d := range sets[dep] {
					set[d] = struct{}{}
				}
			}
			sets[id] = set
		}
	}
	return sets
}
