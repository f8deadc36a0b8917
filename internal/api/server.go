package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"swapledger/internal/config"
	"swapledger/internal/engine"
)

// Server runs the HTTP/WebSocket API: trade submission, position
// diagnostics, and a read-only stream tap on the outbound bus.
type Server struct {
	cfg      config.APIConfig
	eng      *engine.Engine
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates the API server and wires its routes.
func NewServer(cfg config.APIConfig, eng *engine.Engine, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(eng, hub, cfg.AllowedOrigins, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("POST /api/trades", handlers.HandleSubmit)
	mux.HandleFunc("GET /api/positions", handlers.HandleListPositions)
	mux.HandleFunc("GET /api/positions/by-upi/{upi}", handlers.HandleGetByUPI)
	mux.HandleFunc("GET /api/positions/{key}", handlers.HandleGetPosition)
	// Registered as a single pattern: {key}/events and {key}/history each
	// conflict with by-upi/{upi} under ServeMux precedence rules, while
	// {key}/{action} is strictly less specific and coexists with it.
	mux.HandleFunc("GET /api/positions/{key}/{action}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("action") {
		case "events":
			handlers.HandleGetEvents(w, r)
		case "history":
			handlers.HandleGetHistory(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("GET /api/trades/{id}", handlers.HandleGetTrade)
	mux.HandleFunc("POST /api/admin/archive/{partition}", handlers.HandleArchivePartition)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		eng:      eng,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start runs the hub, taps the outbound bus, and serves until Stop.
func (s *Server) Start() error {
	go s.hub.Run()
	s.eng.Bus().AddTap(s.hub.BroadcastRecord)

	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
