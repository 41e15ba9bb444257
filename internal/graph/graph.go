// Package graph builds and validates the dependency DAG for one run.
//
// Tasks are held in an arena indexed by insertion order; edges are stored
// as index slices rather than pointers between tasks, which keeps the
// structure serialization-friendly and free of reference cycles. The
// graph is immutable after Build except for status updates on the
// contained tasks.
package graph

import (
	"github.com/orchard-run/orchard/internal/tasks"
)

// Policy configures readiness semantics.
type Policy struct {
	// SkippedSatisfies lets a skipped dependency unblock its dependents.
	// The dependent's result records a caveat either way.
	SkippedSatisfies bool
}

// DefaultPolicy treats skipped dependencies as satisfied.
func DefaultPolicy() Policy {
	return Policy{SkippedSatisfies: true}
}

// StatusView resolves the current status of a task id. The scheduler
// passes a view backed by its own state so readiness always reflects the
// latest completions.
type StatusView func(taskID string) tasks.Status

// Graph owns the task set and derived adjacency for one run.
type Graph struct {
	nodes  []*tasks.Task
	index  map[string]int
	outs   [][]int // task -> dependents
	ins    [][]int // task -> dependencies
	policy Policy
}

// Build constructs and validates the graph. It fails closed: duplicate
// ids, unknown dependency references or cycles abort construction with
// no partial graph and no task status mutated.
func Build(list []*tasks.Task, policy Policy) (*Graph, error) {
	index := make(map[string]int, len(list))
	for i, t := range list {
		if _, dup := index[t.ID]; dup {
			return nil, tasks.Structural(&DuplicateTaskError{TaskID: t.ID})
		}
		index[t.ID] = i
	}

	outs := make([][]int, len(list))
	ins := make([][]int, len(list))
	for i, t := range list {
		for _, dep := range t.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, tasks.Structural(&UnknownDependencyError{TaskID: t.ID, DependsOn: dep})
			}
			ins[i] = append(ins[i], j)
			outs[j] = append(outs[j], i)
		}
	}

	g := &Graph{nodes: list, index: index, outs: outs, ins: ins, policy: policy}
	if cycle := g.findCycle(); cycle != nil {
		return nil, tasks.Structural(&CycleError{Path: cycle})
	}
	return g, nil
}

// findCycle runs a depth-first search over insertion indices and returns
// one stable cycle witness, or nil for an acyclic graph.
func (g *Graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(g.nodes))
	parent := make([]int, len(g.nodes))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.outs[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// Back-edge u -> v closes the cycle v ... u -> v.
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := range g.nodes {
		if color[i] == white && dfs(i) {
			break
		}
	}
	if cycle == nil {
		return nil
	}

	// Reconstructed tail-first; reverse into edge order.
	names := make([]string, len(cycle))
	for i, idx := range cycle {
		names[len(cycle)-1-i] = g.nodes[idx].ID
	}
	return names
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int { return len(g.nodes) }

// Tasks returns the tasks in insertion order.
func (g *Graph) Tasks() []*tasks.Task { return g.nodes }

// Task returns the task with the given id, or nil.
func (g *Graph) Task(id string) *tasks.Task {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.nodes[i]
}

// Dependencies returns the ids a task depends on, in declaration order.
func (g *Graph) Dependencies(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.ins[i]))
	for _, j := range g.ins[i] {
		out = append(out, g.nodes[j].ID)
	}
	return out
}

// Satisfies reports whether a dependency in the given status satisfies
// its dependents under the graph's policy. Unlike Status.Satisfies it
// consults the policy for skipped dependencies.
func (g *Graph) Satisfies(st tasks.Status) bool {
	if st == tasks.StatusSkipped {
		return g.policy.SkippedSatisfies
	}
	return st.Satisfies()
}

// ReadyTasks returns the ids of all pending tasks whose dependencies all
// satisfy readiness under the view. Order is stable insertion order of
// the original task list, never randomized, so runs are reproducible.
func (g *Graph) ReadyTasks(view StatusView) []string {
	var ready []string
	for i, t := range g.nodes {
		if view(t.ID) != tasks.StatusPending {
			continue
		}
		ok := true
		for _, j := range g.ins[i] {
			if !g.Satisfies(view(g.nodes[j].ID)) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t.ID)
		}
	}
	return ready
}

// SkippedDependencies returns the dependencies of id currently in skipped
// state, for caveat recording on the dependent's result.
func (g *Graph) SkippedDependencies(id string, view StatusView) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	var skipped []string
	for _, j := range g.ins[i] {
		if view(g.nodes[j].ID) == tasks.StatusSkipped {
			skipped = append(skipped, g.nodes[j].ID)
		}
	}
	return skipped
}

// TopoLayers groups tasks into maximal-parallelism layers using Kahn's
// algorithm, for reporting and visualization. The scheduler dispatches
// from ReadyTasks dynamically instead, since readiness shifts as
// siblings fail mid-run.
func (g *Graph) TopoLayers() [][]string {
	indeg := make([]int, len(g.nodes))
	for i := range g.nodes {
		indeg[i] = len(g.ins[i])
	}

	frontier := make([]int, 0, len(g.nodes))
	for i := range g.nodes {
		if indeg[i] == 0 {
			frontier = append(frontier, i)
		}
	}

	var layers [][]string
	for len(frontier) > 0 {
		layer := make([]string, 0, len(frontier))
		var next []int
		for _, i := range frontier {
			layer = append(layer, g.nodes[i].ID)
			for _, j := range g.outs[i] {
				indeg[j]--
				if indeg[j] == 0 {
					next = append(next, j)
				}
			}
		}
		layers = append(layers, layer)
		frontier = next
	}
	return layers
}

// TransitiveDependents returns every task reachable from id over forward
// edges, in deterministic insertion-index order. Used to mark dependents
// blocked when a task terminally fails.
func (g *Graph) TransitiveDependents(id string) []string {
	start, ok := g.index[id]
	if !ok {
		return nil
	}
	seen := make([]bool, len(g.nodes))
	queue := append([]int(nil), g.outs[start]...)
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		if seen[u] {
			continue
		}
		seen[u] = true
		queue = append(queue, g.outs[u]...)
	}

	var deps []string
	for i, s := range seen {
		if s {
			deps = append(deps, g.nodes[i].ID)
		}
	}
	return deps
}
