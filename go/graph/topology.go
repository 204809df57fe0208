package graph

import (
	"fmt"
	"sort"
	"strings"
)

// TopoOrder returns node ids in topological order via Kahn's algorithm.
// Ready nodes are consumed in sorted-id order, so the result is a pure
// function of the graph's node and edge sets, independent of their wire
// ordering. A graph with a cycle yields a *CycleError naming the nodes
// left unvisited.
func (g *Graph) TopoOrder() ([]string, error) {
	var inDegree = make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		inDegree[n.ID] = 0
	}
	for _, e := range g.Edges {
		inDegree[e.Target]++
	}

	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order = make([]string, 0, len(g.Nodes))
	for len(ready) > 0 {
		var id = ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, e := range g.Outbound(id) {
			inDegree[e.Target]--
			if inDegree[e.Target] == 0 {
				var i = sort.SearchStrings(ready, e.Target)
				ready = append(ready, "")
				copy(ready[i+1:], ready[i:])
				ready[i] = e.Target
			}
		}
	}

	if len(order) != len(g.Nodes) {
		var remaining []string
		for id, deg := range inDegree {
			if deg > 0 {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return nil, &CycleError{Remaining: remaining}
	}
	return order, nil
}

// Ancestors returns the set of nodes from which |target| is reachable.
// The target itself is not included.
func (g *Graph) Ancestors(target string) map[string]struct{} {
	var inbound = make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		inbound[e.Target] = append(inbound[e.Target], e.Source)
	}

	var seen = make(map[string]struct{})
	var stack = []string{target}
	for len(stack) > 0 {
		var id = stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, src := range inbound[id] {
			if _, ok := seen[src]; !ok {
				seen[src] = struct{}{}
				stack = append(stack, src)
			}
		}
	}
	return seen
}

// Restrict returns the subgraph of ancestors(target) ∪ {target}, preserving
// node and edge order. It is the preview and widget-data compile scope.
func (g *Graph) Restrict(target string) (*Graph, error) {
	if _, ok := g.NodeByID(target); !ok {
		return nil, fmt.Errorf("target node %q not in graph", target)
	}
	var keep = g.Ancestors(target)
	keep[target] = struct{}{}

	var sub = &Graph{}
	for _, n := range g.Nodes {
		if _, ok := keep[n.ID]; ok {
			sub.Nodes = append(sub.Nodes, n)
		}
	}
	for _, e := range g.Edges {
		_, src := keep[e.Source]
		_, tgt := keep[e.Target]
		if src && tgt {
			sub.Edges = append(sub.Edges, e)
		}
	}
	if err := sub.validate(); err != nil {
		return nil, err
	}
	return sub, nil
}

// Reassign rewrites every node id using |gen| and remaps edge endpoints
// onto the fresh ids. The import path uses it so that imported workflows
// never collide with the ids of the exporting tenant.
func (g *Graph) Reassign(gen func() string) (*Graph, error) {
	var mapping = make(map[string]string, len(g.Nodes))
	for _, n := range g.Nodes {
		mapping[n.ID] = gen()
	}

	var out = &Graph{extra: g.extra}
	for _, n := range g.Nodes {
		var node = n
		if err := node.setID(mapping[n.ID]); err != nil {
			return nil, fmt.Errorf("reassigning node %q: %w", n.ID, err)
		}
		out.Nodes = append(out.Nodes, node)
	}
	for i, e := range g.Edges {
		var edge = e
		if err := edge.setEndpoints(mapping[e.Source], mapping[e.Target]); err != nil {
			return nil, fmt.Errorf("reassigning edge %d: %w", i, err)
		}
		out.Edges = append(out.Edges, edge)
	}
	if err := out.validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// CycleError reports a graph that is not a DAG.
type CycleError struct {
	Remaining []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("graph contains a cycle involving nodes [%s]",
		strings.Join(e.Remaining, ", "))
}
