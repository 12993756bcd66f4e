package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"diagramsync/internal/api"
	"diagramsync/internal/storage"
	"diagramsync/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

// NewAPIServer serves the diagram REST API and the relay socket endpoint.
// Sockets are closed with 1001 when ctx is done.
func NewAPIServer(ctx context.Context, hub *ws.Hub, bbStorage *storage.BboltStorage, allowedOrigins []string, addr string) *APIServer {
	server := ws.NewServer(ctx, hub, allowedOrigins)
	apiHandlers := api.New(bbStorage)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /diagrams/{$}", apiHandlers.ListDiagramsHandler)
	mux.HandleFunc("POST /diagrams/{$}", apiHandlers.CreateDiagramHandler)
	mux.HandleFunc("GET /diagrams/{id}", apiHandlers.GetDiagramHandler)
	mux.HandleFunc("PATCH /diagrams/{id}", apiHandlers.UpdateDiagramHandler)
	mux.HandleFunc("PUT /diagrams/{id}", apiHandlers.UpdateDiagramHandler)

	// WebSocket endpoint
	mux.HandleFunc("GET /ws/diagrams/{id}", server.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
