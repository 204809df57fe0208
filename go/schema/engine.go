package schema

import (
	"errors"
	"fmt"

	"github.com/tessera-analytics/tessera/go/graph"
)

// Propagate computes output_schema for every node of |g|, walking nodes in
// topological order and applying each node type's transform to the schemas
// of its in-neighbours. For a fixed (nodes, edges) the result is
// deterministic regardless of declaration order, which cache fingerprints
// rely on.
func Propagate(g *graph.Graph) (map[string]Columns, error) {
	var order, err = g.TopoOrder()
	if err != nil {
		var cycle *graph.CycleError
		if errors.As(err, &cycle) {
			return nil, &ValidationError{Kind: KindCycle, Detail: cycle.Error()}
		}
		return nil, err
	}

	var out = make(map[string]Columns, len(order))
	for _, id := range order {
		node, _ := g.NodeByID(id)

		fn, ok := transforms[node.Type]
		if !ok {
			return nil, &ValidationError{
				Kind:   KindUnknownType,
				NodeID: id,
				Detail: fmt.Sprintf("no transform registered for node type %q", node.Type),
			}
		}

		var inputs []Columns
		for _, e := range g.Inbound(id) {
			inputs = append(inputs, out[e.Source])
		}

		cols, err := fn(node, inputs)
		if err != nil {
			var vErr *ValidationError
			if errors.As(err, &vErr) {
				return nil, vErr
			}
			return nil, &ValidationError{Kind: KindInvalidConfig, NodeID: id, Detail: err.Error()}
		}
		out[id] = cols
	}
	return out, nil
}

// Validate rejects invalid graphs without retaining schemas.
func Validate(g *graph.Graph) error {
	var _, err = Propagate(g)
	return err
}
