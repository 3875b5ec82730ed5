// Package ws is the relay's network surface: the WebDriver BiDi WebSocket
// endpoint, the classic HTTP session endpoints and a small JSON API for
// inspecting sessions and driving browsing contexts.
package ws

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bidi-relay/backend/internal/browser"
	"github.com/bidi-relay/backend/internal/config"
	"github.com/bidi-relay/backend/internal/frontend"
	"github.com/bidi-relay/backend/internal/session"
	"github.com/bidi-relay/backend/internal/status"
)

const (
	BrowserName = "bidi-relay"
	// TokenHeader carries the auth token for clients that cannot set
	// Authorization.
	TokenHeader = "X-Bidi-Relay-Token"

	maxFrameBytes = 1 << 20
)

// Version is reported in session capabilities; set at build time.
var Version = "dev"

type Server struct {
	cfg      *config.Config
	store    *session.Store
	browser  *browser.Registry
	reporter *status.Reporter
	logger   zerolog.Logger

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string

	conns   *connSet
	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewServer(cfg *config.Config, store *session.Store, contexts *browser.Registry, reporter *status.Reporter, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:            cfg,
		store:          store,
		browser:        contexts,
		reporter:       reporter,
		logger:         logger,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      cfg.Server.AuthToken,
		conns:          newConnSet(cfg.Server.MaxConnections),
		baseCtx:        ctx,
		cancel:         cancel,
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/session", s.handleSession)
	mux.HandleFunc("/session/", s.handleSessionByID)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionRoutes)
	mux.HandleFunc("/api/contexts", s.handleContexts)
	mux.HandleFunc("/api/contexts/", s.handleContextRoutes)
	mux.Handle("/", frontend.Handler())
}

// Handler returns the full route table wrapped in the security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

// Close disconnects every WebSocket client and cancels in-flight commands.
func (s *Server) Close() {
	s.cancel()
	s.conns.closeAll()
}

// ConnectionCount reports open WebSocket connections.
func (s *Server) ConnectionCount() int {
	return s.conns.count()
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{CheckOrigin: s.checkOrigin}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get(TokenHeader) == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// ListenAndServe serves handler on addr until ctx is cancelled, then shuts
// down gracefully.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
