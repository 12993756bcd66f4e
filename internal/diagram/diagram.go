// Package diagram applies patches to diagram documents.
//
// There is no merge: a patch replaces whole collections, and whichever patch is
// applied last wins. Two peers applying concurrent patches in different orders
// end up with different documents until one of them reloads from the store.
package diagram

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"diagramsync/internal/models"
)

var ErrInvalid = errors.New("invalid diagram")

// Apply returns a copy of doc with patch applied.
func Apply(doc models.Diagram, patch models.Patch, now time.Time) models.Diagram {
	out := Clone(doc)
	if patch.Title != nil {
		out.Title = *patch.Title
	}
	if patch.Nodes != nil {
		out.Nodes = slices.Clone(patch.Nodes)
	}
	if patch.Edges != nil {
		out.Edges = slices.Clone(patch.Edges)
	}
	if !patch.Empty() {
		out.UpdatedAt = now
	}
	return out
}

// Clone deep-copies the node and edge slices of doc.
func Clone(doc models.Diagram) models.Diagram {
	out := doc
	out.Nodes = slices.Clone(doc.Nodes)
	out.Edges = slices.Clone(doc.Edges)
	if out.Nodes == nil {
		out.Nodes = []models.Node{}
	}
	if out.Edges == nil {
		out.Edges = []models.Edge{}
	}
	return out
}

// Validate checks node id uniqueness and that every edge references existing nodes.
func Validate(doc models.Diagram) error {
	nodes := make(map[string]struct{}, len(doc.Nodes))
	for _, n := range doc.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node without id", ErrInvalid)
		}
		if _, ok := nodes[n.ID]; ok {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalid, n.ID)
		}
		nodes[n.ID] = struct{}{}
	}
	for _, e := range doc.Edges {
		if _, ok := nodes[e.Source]; !ok {
			return fmt.Errorf("%w: edge %q: unknown source node %q", ErrInvalid, e.ID, e.Source)
		}
		if _, ok := nodes[e.Target]; !ok {
			return fmt.Errorf("%w: edge %q: unknown target node %q", ErrInvalid, e.ID, e.Target)
		}
	}
	return nil
}
