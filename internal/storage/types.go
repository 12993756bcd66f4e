package storage

import (
	"encoding"
	"time"

	"diagramsync/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBNode struct {
	ID   string  `msgpack:"id"`
	Type string  `msgpack:"type"`
	X    float64 `msgpack:"x"`
	Y    float64 `msgpack:"y"`
	Data []byte  `msgpack:"data"`
}

type DBEdge struct {
	ID           string `msgpack:"id"`
	Source       string `msgpack:"source"`
	Target       string `msgpack:"target"`
	SourceHandle string `msgpack:"sourceHandle"`
	TargetHandle string `msgpack:"targetHandle"`
}

type DBDiagram struct {
	ID        string   `msgpack:"id"`
	Title     string   `msgpack:"title"`
	Nodes     []DBNode `msgpack:"nodes"`
	Edges     []DBEdge `msgpack:"edges"`
	UpdatedAt int64    `msgpack:"updatedAt"`
}

func newDBDiagram(d models.Diagram) *DBDiagram {
	dbDiagram := &DBDiagram{
		ID:        d.ID,
		Title:     d.Title,
		Nodes:     make([]DBNode, len(d.Nodes)),
		Edges:     make([]DBEdge, len(d.Edges)),
		UpdatedAt: d.UpdatedAt.UnixMilli(),
	}
	for i, n := range d.Nodes {
		dbDiagram.Nodes[i] = DBNode{ID: n.ID, Type: n.Type, X: n.Position.X, Y: n.Position.Y, Data: n.Data}
	}
	for i, e := range d.Edges {
		dbDiagram.Edges[i] = DBEdge(e)
	}
	return dbDiagram
}

func (d *DBDiagram) toModel() models.Diagram {
	diagram := models.Diagram{
		ID:        d.ID,
		Title:     d.Title,
		Nodes:     make([]models.Node, len(d.Nodes)),
		Edges:     make([]models.Edge, len(d.Edges)),
		UpdatedAt: time.UnixMilli(d.UpdatedAt).UTC(),
	}
	for i, n := range d.Nodes {
		diagram.Nodes[i] = models.Node{
			ID:       n.ID,
			Type:     n.Type,
			Position: models.Position{X: n.X, Y: n.Y},
			Data:     n.Data,
		}
	}
	for i, e := range d.Edges {
		diagram.Edges[i] = models.Edge(e)
	}
	return diagram
}

func (d *DBDiagram) Key() []byte {
	return []byte(d.ID)
}

func (d *DBDiagram) MarshalBinary() (data []byte, err error) {
	type alias DBDiagram
	return msgpack.Marshal((*alias)(d))
}

func (d *DBDiagram) UnmarshalBinary(data []byte) error {
	type alias DBDiagram
	return msgpack.Unmarshal(data, (*alias)(d))
}

type DBIdentity struct {
	SessionID  string   `msgpack:"sessionId"`
	Nickname   string   `msgpack:"nickname"`
	CreatedAt  int64    `msgpack:"createdAt"`
	DiagramIDs []string `msgpack:"diagramIds"`
}

func (i *DBIdentity) Key() []byte {
	return identityKey
}

func (i *DBIdentity) MarshalBinary() (data []byte, err error) {
	type alias DBIdentity
	return msgpack.Marshal((*alias)(i))
}

func (i *DBIdentity) UnmarshalBinary(data []byte) error {
	type alias DBIdentity
	return msgpack.Unmarshal(data, (*alias)(i))
}
