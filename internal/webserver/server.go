// Package webserver serves the health check, the leaderboard API, metrics
// and the overlay websocket.
package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ichi0g0y/twitch-coindrop/internal/drop"
	"github.com/ichi0g0y/twitch-coindrop/internal/ledger"
	"github.com/ichi0g0y/twitch-coindrop/internal/shared/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultLeaderboardLimit = 10
	maxLeaderboardLimit     = 100
)

// Ledger is the read side of the coin ledger.
type Ledger interface {
	Ready() bool
	Read(ctx context.Context, userID string) (*ledger.Balance, error)
	TopN(ctx context.Context, n int) ([]ledger.Balance, error)
}

// Engine exposes drop lifecycle updates.
type Engine interface {
	Current(ctx context.Context) (drop.Update, bool, error)
	OnUpdate(fn func(drop.Update))
}

type Server struct {
	ledger Ledger
	engine Engine
	hub    *Hub

	httpServer *http.Server
}

// New wires the engine's updates into the websocket hub. The hub runs until
// ctx is done.
func New(ctx context.Context, l Ledger, engine Engine) *Server {
	s := &Server{
		ledger: l,
		engine: engine,
		hub:    newHub(),
	}
	go s.hub.run(ctx)
	engine.OnUpdate(func(u drop.Update) {
		s.hub.Broadcast("drop", u)
	})
	return s
}

// corsMiddleware adds CORS headers so a browser source on another origin can
// poll the API.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/ws", s.handleWS)
	r.Route("/api", func(r chi.Router) {
		r.Get("/leaderboard", s.handleLeaderboard)
		r.Get("/balance/{userID}", s.handleBalance)
	})
	return r
}

// Start listens on port in the background. Binding errors are reported
// synchronously.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		WriteTimeout: 30 * time.Second,
		ReadTimeout:  10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	// 即時のバインドエラーだけ拾う
	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("failed to start web server on %s: %w", addr, err)
		}
	case <-time.After(100 * time.Millisecond):
	}
	logger.Info("Web server started", zap.String("addr", addr))
	return nil
}

// Shutdown gracefully shuts down the web server
func (s *Server) Shutdown() {
	if s.httpServer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown web server gracefully", zap.Error(err))
	} else {
		logger.Info("Web server shutdown complete")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.ledger.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "store": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "store": true})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := defaultLeaderboardLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxLeaderboardLimit {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxLeaderboardLimit))
			return
		}
		limit = n
	}

	top, err := s.ledger.TopN(r.Context(), limit)
	if err != nil {
		s.writeLedgerError(w, "leaderboard", err)
		return
	}
	if top == nil {
		top = []ledger.Balance{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": top})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	b, err := s.ledger.Read(r.Context(), userID)
	if err != nil {
		s.writeLedgerError(w, "balance", err)
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "user has no balance")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) writeLedgerError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, ledger.ErrUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	logger.Error("Ledger request failed", zap.String("op", op), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
