package models

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

// Position is a point on the diagram canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a diagram node. Data is opaque to the sync layer and owned by the canvas.
type Node struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Position Position        `json:"position"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Edge connects two nodes of the same diagram.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// Diagram is the persisted diagram document.
type Diagram struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Patch is a partial diagram update. A nil field is left untouched,
// an empty non-nil slice clears the collection.
type Patch struct {
	ID    string  `json:"id,omitzero"`
	Title *string `json:"title,omitzero"`
	Nodes []Node  `json:"nodes,omitzero"`
	Edges []Edge  `json:"edges,omitzero"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Nodes == nil && p.Edges == nil
}

// Identity is the anonymous identity of a local client.
type Identity struct {
	SessionID  string    `json:"sessionId"`
	Nickname   string    `json:"nickname"`
	CreatedAt  time.Time `json:"createdAt"`
	DiagramIDs []string  `json:"diagramIds"`
}

// Room describes an active relay room.
type Room struct {
	DiagramID    string   `json:"diagramId"`
	Participants []string `json:"participants"`
}

// APIResponse is a generic JSON response for failed or message-only requests.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
