package compiler

import (
	"sort"

	"github.com/praxis-ai/praxis/blueprint"
)

// Graph is the dependency structure of a compiled blueprint. Child nodes
// owned by a loop body or parallel branch are tracked separately; the
// level scheduler never dispatches them directly.
type Graph struct {
	nodes    map[string]*blueprint.NodeSpec
	deps     map[string][]string
	children map[string]string // child id -> owning node id

	levels []([]string)
	order  []string
}

// buildGraph indexes the blueprint nodes and computes levels. The caller
// must have verified the graph is acyclic.
func buildGraph(bp *blueprint.Blueprint) *Graph {
	g := &Graph{
		nodes:    make(map[string]*blueprint.NodeSpec, len(bp.Nodes)),
		deps:     make(map[string][]string, len(bp.Nodes)),
		children: childNodes(bp),
	}

	for _, n := range bp.Nodes {
		g.nodes[n.ID] = n
		deps := append([]string(nil), n.Dependencies...)
		sort.Strings(deps)
		g.deps[n.ID] = deps
	}

	g.computeLevels()
	return g
}

// childNodes maps every node referenced by a loop body or parallel branch
// to its owning node.
func childNodes(bp *blueprint.Blueprint) map[string]string {
	children := make(map[string]string)
	for _, n := range bp.Nodes {
		switch n.Type {
		case blueprint.NodeTypeLoop:
			for _, id := range n.BodyNodes {
				children[id] = n.ID
			}
		case blueprint.NodeTypeParallel:
			for _, branch := range n.Branches {
				for _, id := range branch {
					children[id] = n.ID
				}
			}
		}
	}
	return children
}

// computeLevels assigns level(n) = 1 + max(level(d)) over scheduled deps
// and derives a topological order. Child nodes are excluded; their owning
// executor runs them.
func (g *Graph) computeLevels() {
	levelOf := make(map[string]int, len(g.nodes))

	var resolve func(id string) int
	resolve = func(id string) int {
		if lvl, done := levelOf[id]; done {
			return lvl
		}
		lvl := 0
		for _, dep := range g.deps[id] {
			if _, isChild := g.children[dep]; isChild {
				continue
			}
			if d := resolve(dep); d+1 > lvl {
				lvl = d + 1
			}
		}
		levelOf[id] = lvl
		return lvl
	}

	maxLevel := -1
	for id := range g.nodes {
		if _, isChild := g.children[id]; isChild {
			continue
		}
		if lvl := resolve(id); lvl > maxLevel {
			maxLevel = lvl
		}
	}

	g.levels = make([][]string, maxLevel+1)
	for id, lvl := range levelOf {
		if _, isChild := g.children[id]; isChild {
			continue
		}
		g.levels[lvl] = append(g.levels[lvl], id)
	}

	g.order = g.order[:0]
	for i := range g.levels {
		sort.Strings(g.levels[i])
		g.order = append(g.order, g.levels[i]...)
	}
}

// Node returns the spec for a node id, or nil.
func (g *Graph) Node(id string) *blueprint.NodeSpec {
	return g.nodes[id]
}

// Dependencies returns the sorted dependency list for a node id.
func (g *Graph) Dependencies(id string) []string {
	return g.deps[id]
}

// IsChild reports whether a node is owned by a loop or parallel node and
// returns the owner id.
func (g *Graph) IsChild(id string) (string, bool) {
	owner, ok := g.children[id]
	return owner, ok
}

// Levels returns nodes grouped by level. Nodes within a level have no
// mutual dependencies and may run concurrently; each level is sorted by
// id so scheduling order is deterministic.
func (g *Graph) Levels() [][]string {
	return g.levels
}

// TopologicalOrder returns all scheduled node ids in dependency order.
func (g *Graph) TopologicalOrder() []string {
	return g.order
}

// Depth returns the number of levels, the longest dependency chain.
func (g *Graph) Depth() int {
	return len(g.levels)
}

// ParallelizableSets returns the levels that hold more than one node.
func (g *Graph) ParallelizableSets() [][]string {
	var sets [][]string
	for _, level := range g.levels {
		if len(level) > 1 {
			sets = append(sets, level)
		}
	}
	return sets
}

// CriticalPath returns one longest dependency chain through the graph,
// root first. Ties are broken alphabetically.
func (g *Graph) CriticalPath() []string {
	if len(g.levels) == 0 {
		return nil
	}

	length := make(map[string]int, len(g.nodes))
	next := make(map[string]string, len(g.nodes))
	for _, level := range g.levels {
		for _, id := range level {
			length[id] = 1
		}
	}

	// Walk levels bottom-up so every dependent is resolved before its deps.
	for i := len(g.levels) - 1; i >= 0; i-- {
		for _, id := range g.levels[i] {
			for _, dep := range g.deps[id] {
				if _, isChild := g.children[dep]; isChild {
					continue
				}
				cand := length[id] + 1
				if cand > length[dep] || (cand == length[dep] && (next[dep] == "" || id < next[dep])) {
					length[dep] = cand
					next[dep] = id
				}
			}
		}
	}

	start := ""
	for _, id := range g.levels[0] {
		if start == "" || length[id] > length[start] {
			start = id
		}
	}
	if start == "" {
		return nil
	}

	path := []string{start}
	for cur := start; next[cur] != ""; cur = next[cur] {
		path = append(path, next[cur])
	}
	return path
}
