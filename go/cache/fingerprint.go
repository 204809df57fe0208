// Package cache sits between the request layer and the compiler + router:
// it fingerprints requests, reads through the fast-store cache, bounds
// resources, and de-duplicates concurrent identical work. Cache failures
// never fail a request.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tessera-analytics/tessera/go/graph"
)

// Path namespaces cache keys by request class.
type Path string

const (
	PathPreview Path = "preview"
	PathWidget  Path = "widget"
)

// Request is one cacheable query against a workflow subgraph.
type Request struct {
	TenantID     string
	TargetNodeID string
	Graph        *graph.Graph
	// Overrides is the widget path's config_overrides merge patch for the
	// target node.
	Overrides map[string]any
	// Filters are runtime filter parameters applied over the target's
	// output.
	Filters []graph.FilterCondition
	Offset  int64
	Limit   int64
	Path    Path
}

// fingerprintNode is a node projected to its semantic fields. UI-only
// state (position, selection, drag) lives outside data.config and never
// reaches the payload.
type fingerprintNode struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Config map[string]any `json:"config"`
}

type fingerprintEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Fingerprint computes the deterministic digest identifying this request:
// tenant, target, the restricted subgraph's semantic projection, widget
// overrides, runtime filters, and paging. Serialization is key-sorted, so
// for fixed inputs the digest is stable; any two tenants, or any two
// (offset, limit) pairs, yield distinct digests.
func Fingerprint(req Request) (string, error) {
	var sub, err = req.Graph.Restrict(req.TargetNodeID)
	if err != nil {
		return "", fmt.Errorf("restricting to target %q: %w", req.TargetNodeID, err)
	}

	var nodes = make([]fingerprintNode, 0, len(sub.Nodes))
	for _, n := range sub.Nodes {
		nodes = append(nodes, fingerprintNode{ID: n.ID, Type: string(n.Type), Config: n.Config})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	var edges = make([]fingerprintEdge, 0, len(sub.Edges))
	for _, e := range sub.Edges {
		edges = append(edges, fingerprintEdge{Source: e.Source, Target: e.Target})
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		return edges[i].Target < edges[j].Target
	})

	// json.Marshal writes map keys in sorted order, which makes the whole
	// payload canonical.
	payload, err := json.Marshal(map[string]any{
		"tenant_id":        req.TenantID,
		"target_node_id":   req.TargetNodeID,
		"nodes":            nodes,
		"edges":            edges,
		"config_overrides": req.Overrides,
		"filter_params":    req.Filters,
		"offset":           req.Offset,
		"limit":            req.Limit,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalizing fingerprint payload: %w", err)
	}

	var digest = sha256.Sum256(payload)
	return hex.EncodeToString(digest[:])[:32], nil
}
