package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"diagramsync/internal/models"

	"go.etcd.io/bbolt"
)

func TestStorage(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "storage_test")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	dbPath := filepath.Join(tmpDir, "test.db")
	store, err := NewBboltStorage(dbPath)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	defer func() { _ = store.Close() }()

	updatedAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Diagrams", func(t *testing.T) {
		if _, err := store.GetDiagram("d1"); !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}

		diagram := models.Diagram{
			ID:    "d1",
			Title: "Payments",
			Nodes: []models.Node{
				{ID: "n1", Type: "service", Position: models.Position{X: 10, Y: 20}, Data: json.RawMessage(`{"label":"api"}`)},
				{ID: "n2", Type: "database", Position: models.Position{X: 30, Y: 40}},
			},
			Edges:     []models.Edge{{ID: "e1", Source: "n1", Target: "n2", SourceHandle: "right"}},
			UpdatedAt: updatedAt,
		}
		if err := store.CreateDiagram(diagram); err != nil {
			t.Fatalf("CreateDiagram failed: %v", err)
		}
		if err := store.CreateDiagram(diagram); !errors.Is(err, models.ErrExists) {
			t.Errorf("expected ErrExists creating duplicate diagram, got %v", err)
		}

		got, err := store.GetDiagram("d1")
		if err != nil {
			t.Fatalf("GetDiagram failed: %v", err)
		}
		if got.Title != "Payments" {
			t.Errorf("expected title Payments, got %s", got.Title)
		}
		if len(got.Nodes) != 2 || got.Nodes[0].Position.X != 10 {
			t.Errorf("unexpected nodes: %+v", got.Nodes)
		}
		if string(got.Nodes[0].Data) != `{"label":"api"}` {
			t.Errorf("expected node data preserved, got %s", got.Nodes[0].Data)
		}
		if len(got.Edges) != 1 || got.Edges[0].SourceHandle != "right" {
			t.Errorf("unexpected edges: %+v", got.Edges)
		}
		if !got.UpdatedAt.Equal(updatedAt) {
			t.Errorf("expected updatedAt %v, got %v", updatedAt, got.UpdatedAt)
		}
	})

	t.Run("UpdateDiagram", func(t *testing.T) {
		updated, err := store.UpdateDiagram("d1", func(d models.Diagram) (models.Diagram, error) {
			d.Title = "Billing"
			d.Edges = nil
			return d, nil
		})
		if err != nil {
			t.Fatalf("UpdateDiagram failed: %v", err)
		}
		if updated.Title != "Billing" {
			t.Errorf("expected title Billing, got %s", updated.Title)
		}

		got, _ := store.GetDiagram("d1")
		if got.Title != "Billing" || len(got.Edges) != 0 {
			t.Errorf("update not persisted: %+v", got)
		}

		errRejected := errors.New("rejected")
		_, err = store.UpdateDiagram("d1", func(d models.Diagram) (models.Diagram, error) {
			d.Title = "never"
			return d, errRejected
		})
		if !errors.Is(err, errRejected) {
			t.Fatalf("expected apply error, got %v", err)
		}
		got, _ = store.GetDiagram("d1")
		if got.Title != "Billing" {
			t.Errorf("aborted update must not be stored, got title %s", got.Title)
		}

		_, err = store.UpdateDiagram("missing", func(d models.Diagram) (models.Diagram, error) { return d, nil })
		if !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListDiagrams", func(t *testing.T) {
		if err := store.CreateDiagram(models.Diagram{ID: "d2", Title: "Other"}); err != nil {
			t.Fatal(err)
		}
		diagrams, err := store.ListDiagrams()
		if err != nil {
			t.Fatalf("ListDiagrams failed: %v", err)
		}
		if len(diagrams) != 2 {
			t.Errorf("expected 2 diagrams, got %d", len(diagrams))
		}
	})

	t.Run("Identity", func(t *testing.T) {
		if _, err := store.LoadIdentity(); !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}

		identity := models.Identity{
			SessionID:  "3f0c6a5e-8d47-4a4e-9b53-0d1f4c2a9e11",
			Nickname:   "BraveOtter42",
			CreatedAt:  updatedAt,
			DiagramIDs: []string{"d1"},
		}
		if err := store.SaveIdentity(identity); err != nil {
			t.Fatalf("SaveIdentity failed: %v", err)
		}

		got, err := store.LoadIdentity()
		if err != nil {
			t.Fatalf("LoadIdentity failed: %v", err)
		}
		if got.SessionID != identity.SessionID || got.Nickname != identity.Nickname {
			t.Errorf("expected %+v, got %+v", identity, got)
		}
		if len(got.DiagramIDs) != 1 || got.DiagramIDs[0] != "d1" {
			t.Errorf("expected diagram ids [d1], got %v", got.DiagramIDs)
		}
	})

	t.Run("CorruptIdentity", func(t *testing.T) {
		err := store.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketIdentity).Put(identityKey, []byte{0xc1, 0x00})
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := store.LoadIdentity(); err == nil || errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected decode error, got %v", err)
		}
	})
}
