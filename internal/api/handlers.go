package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"diagramsync/internal/diagram"
	"diagramsync/internal/models"

	"github.com/google/uuid"
)

const maxBodySize = 4 << 20

type diagramStore interface {
	GetDiagram(id string) (models.Diagram, error)
	CreateDiagram(d models.Diagram) error
	UpdateDiagram(id string, apply func(models.Diagram) (models.Diagram, error)) (models.Diagram, error)
	ListDiagrams() ([]models.Diagram, error)
}

type API struct {
	store diagramStore
	now   func() time.Time
}

func New(store diagramStore) *API {
	return &API{store: store, now: time.Now}
}

func (a *API) GetDiagramHandler(w http.ResponseWriter, r *http.Request) {
	d, err := a.store.GetDiagram(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) ListDiagramsHandler(w http.ResponseWriter, r *http.Request) {
	diagrams, err := a.store.ListDiagrams()
	if err != nil {
		writeError(w, err)
		return
	}
	if diagrams == nil {
		diagrams = []models.Diagram{}
	}
	writeJSON(w, http.StatusOK, diagrams)
}

// CreateDiagramHandler stores a new diagram. The id in the body is optional.
func (a *API) CreateDiagramHandler(w http.ResponseWriter, r *http.Request) {
	patch, ok := decodePatch(w, r)
	if !ok {
		return
	}

	id := patch.ID
	if id == "" {
		id = uuid.NewString()
	}
	d := diagram.Apply(models.Diagram{ID: id}, patch, a.now().UTC())
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = a.now().UTC()
	}
	if err := diagram.Validate(d); err != nil {
		writeError(w, err)
		return
	}

	if err := a.store.CreateDiagram(d); err != nil {
		if errors.Is(err, models.ErrExists) {
			writeJSON(w, http.StatusConflict, models.APIResponse{
				Success: false,
				Message: fmt.Sprintf("Diagram %s already exists", id),
			})
			return
		}
		writeError(w, err)
		return
	}

	log.Printf("diagram %s created", id)
	writeJSON(w, http.StatusCreated, d)
}

// UpdateDiagramHandler merges the patch into the stored diagram. PUT and PATCH behave the same.
func (a *API) UpdateDiagramHandler(w http.ResponseWriter, r *http.Request) {
	patch, ok := decodePatch(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	updated, err := a.store.UpdateDiagram(id, func(current models.Diagram) (models.Diagram, error) {
		next := diagram.Apply(current, patch, a.now().UTC())
		if err := diagram.Validate(next); err != nil {
			return models.Diagram{}, err
		}
		return next, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func decodePatch(w http.ResponseWriter, r *http.Request) (models.Patch, bool) {
	var patch models.Patch
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return models.Patch{}, false
	}
	return patch, true
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, models.APIResponse{Success: false, Message: "Diagram not found"})
	case errors.Is(err, diagram.ErrInvalid):
		writeJSON(w, http.StatusUnprocessableEntity, models.APIResponse{Success: false, Message: err.Error()})
	default:
		log.Printf("diagram store error: %v", err)
		writeJSON(w, http.StatusInternalServerError, models.APIResponse{Success: false, Message: "Internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}
