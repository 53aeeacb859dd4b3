// Package httpapi exposes the conversation integrity service over HTTP. The
// handlers are a thin boundary: all semantics live in the conversation
// manager, and the only domain errors that cross here are the typed ones.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spaquet/convoguard/internal/conversation"
	"github.com/spaquet/convoguard/internal/convstore"
	"github.com/spaquet/convoguard/internal/monitor"
)

// NewServer wires the API routes.
func NewServer(store *convstore.Store, mgr *conversation.Manager, mon *monitor.Service, version, addr string, log *slog.Logger) *http.Server {
	if log == nil {
		log = slog.Default()
	}

	h := &handlers{
		store:   store,
		mgr:     mgr,
		mon:     mon,
		version: version,
		log:     log,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/conversations", h.handleCreateConversation)
	mux.HandleFunc("GET /api/conversations", h.handleListConversations)
	mux.HandleFunc("GET /api/conversations/{id}", h.handleInspect)
	mux.HandleFunc("POST /api/conversations/{id}/turns", h.handleRecordTurn)
	mux.HandleFunc("GET /api/conversations/{id}/turns", h.handleHistory)
	mux.HandleFunc("GET /api/conversations/{id}/checkpoints", h.handleListCheckpoints)
	mux.HandleFunc("POST /api/conversations/{id}/restore", h.handleRestore)
	mux.HandleFunc("POST /api/conversations/{id}/reset", h.handleReset)
	mux.HandleFunc("GET /api/status", h.handleStatus)

	return &http.Server{
		Addr:              addr,
		Handler:           securityHeaders(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// Run starts the server and shuts it down gracefully on SIGINT/SIGTERM.
func Run(srv *http.Server, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info("http api listening", "addr", srv.Addr)
	if strings.Contains(srv.Addr, "0.0.0.0") || strings.Contains(srv.Addr, "::") {
		log.Warn("server is binding to all interfaces and may be accessible from the network")
	}

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		log.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}
