package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"diagramsync/internal/config"
	"diagramsync/internal/models"
)

// CreateDiagram creates an empty diagram through the running API server
// and prints how to join it.
func CreateDiagram(title string, cfg *config.Config) (models.Diagram, error) {
	reqBody, err := json.Marshal(models.Patch{Title: &title, Nodes: []models.Node{}, Edges: []models.Edge{}})
	if err != nil {
		return models.Diagram{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	resp, err := http.Post(baseURL+"/diagrams/", "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return models.Diagram{}, fmt.Errorf("failed to call API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return models.Diagram{}, fmt.Errorf("failed to create diagram (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result models.Diagram
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return models.Diagram{}, fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("\nDiagram Created Successfully!\n")
	fmt.Printf("ID:     %s\n", result.ID)
	fmt.Printf("Title:  %s\n", result.Title)
	fmt.Printf("Join:   collabctl join %s --server %s\n\n", result.ID, baseURL)
	return result, nil
}
