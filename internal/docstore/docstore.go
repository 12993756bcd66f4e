// Package docstore is a client for the diagram document REST API.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"diagramsync/internal/models"
)

const defaultTimeout = 15 * time.Second

// StatusError is returned for non-2xx responses other than 404 and 409.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("document store returned status %d: %s", e.Code, e.Body)
}

type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for the API at baseURL. A nil httpClient gets a client with a 15s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpClient,
	}
}

// Get returns the diagram or models.ErrNotFound.
func (c *Client) Get(ctx context.Context, id string) (models.Diagram, error) {
	return c.do(ctx, http.MethodGet, "/diagrams/"+url.PathEscape(id), nil)
}

// Create stores a new diagram built from patch. The server assigns an id when patch.ID is empty.
// A taken id returns models.ErrExists.
func (c *Client) Create(ctx context.Context, patch models.Patch) (models.Diagram, error) {
	return c.do(ctx, http.MethodPost, "/diagrams/", &patch)
}

// Update merges patch into the stored diagram.
func (c *Client) Update(ctx context.Context, id string, patch models.Patch) (models.Diagram, error) {
	return c.do(ctx, http.MethodPatch, "/diagrams/"+url.PathEscape(id), &patch)
}

func (c *Client) do(ctx context.Context, method, path string, patch *models.Patch) (models.Diagram, error) {
	var body io.Reader
	if patch != nil {
		reqBody, err := json.Marshal(patch)
		if err != nil {
			return models.Diagram{}, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return models.Diagram{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return models.Diagram{}, fmt.Errorf("failed to call document store: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return models.Diagram{}, fmt.Errorf("%s %s: %w", method, path, models.ErrNotFound)
	}
	if resp.StatusCode == http.StatusConflict {
		return models.Diagram{}, fmt.Errorf("%s %s: %w", method, path, models.ErrExists)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return models.Diagram{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var diagram models.Diagram
	if err := json.NewDecoder(resp.Body).Decode(&diagram); err != nil {
		return models.Diagram{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return diagram, nil
}
