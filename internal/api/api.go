// Package api provides the HTTP surface of RetainAI.
//
// It exposes RESTful endpoints for authoring and testing automation flows,
// owner profile management, the notification feed and the WhatsApp inbound
// webhook. Owner identity is taken from the X-User-Email header on every
// request; requests without it are rejected.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/Retain-ap/retainai-app/internal/engine"
	"github.com/Retain-ap/retainai-app/internal/models"
	"github.com/Retain-ap/retainai-app/internal/store"
)

// Constants for server configuration
const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// OwnerHeader carries the authenticated owner's email.
	OwnerHeader = "X-User-Email"
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr        string
	VerifyToken string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithVerifyToken sets the token expected on webhook verification requests.
func WithVerifyToken(token string) Option {
	return func(o *Opts) { o.VerifyToken = token }
}

// Server wires the HTTP handlers to the store and the automations engine.
type Server struct {
	st          store.Store
	eng         *engine.Engine
	addr        string
	verifyToken string
	httpServer  *http.Server
}

// NewServer creates an API server. The listen address falls back to the
// API_ADDR environment variable, the webhook verification token to
// WHATSAPP_VERIFY_TOKEN.
func NewServer(st store.Store, eng *engine.Engine, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = os.Getenv("API_ADDR")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.VerifyToken == "" {
		cfg.VerifyToken = os.Getenv("WHATSAPP_VERIFY_TOKEN")
	}
	return &Server{st: st, eng: eng, addr: cfg.Addr, verifyToken: cfg.VerifyToken}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/automations/flows", s.listFlowsHandler)
	mux.HandleFunc("POST /api/automations/flows", s.createFlowHandler)
	mux.HandleFunc("PUT /api/automations/flows/{id}", s.updateFlowHandler)
	mux.HandleFunc("POST /api/automations/flows/{id}/enable", s.enableFlowHandler)
	mux.HandleFunc("DELETE /api/automations/flows/{id}", s.deleteFlowHandler)
	mux.HandleFunc("GET /api/automations/templates", s.templatesHandler)
	mux.HandleFunc("POST /api/automations/test", s.testFlowHandler)

	mux.HandleFunc("GET /api/user/profile", s.getProfileHandler)
	mux.HandleFunc("POST /api/user/profile", s.saveProfileHandler)
	mux.HandleFunc("GET /api/notifications", s.notificationsHandler)

	mux.HandleFunc("GET /api/whatsapp/webhook", s.verifyWebhookHandler)
	mux.HandleFunc("POST /api/whatsapp/webhook", s.webhookHandler)

	mux.HandleFunc("GET /healthz", s.healthHandler)

	return mux
}

// Run starts the HTTP server and blocks until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		slog.Info("Server.Run: shutting down")
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// owner extracts and normalizes the authenticated owner. It writes a 401
// and returns false when the identity header is absent.
func (s *Server) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := models.NormalizeOwner(r.Header.Get(OwnerHeader))
	if owner == "" {
		slog.Warn("Server.owner: missing identity header", "path", r.URL.Path)
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Missing "+OwnerHeader+" header"))
		return "", false
	}
	return owner, true
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}
