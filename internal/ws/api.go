package ws

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	"github.com/bidi-relay/backend/internal/protocol"
	"github.com/bidi-relay/backend/internal/session"
)

const maxBodyBytes = 1 << 20

type createContextRequest struct {
	Parent string `json:"parent,omitempty"`
	URL    string `json:"url,omitempty"`
}

type emitRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type emitResult struct {
	Delivered int `json:"delivered"`
}

type closeContextResult struct {
	Closed []string `json:"closed"`
}

func (s *Server) createClassic(w http.ResponseWriter, r *http.Request) {
	var params protocol.NewSessionParams
	if err := decodeBody(r, &params); err != nil {
		writeError(w, err)
		return
	}

	sess, err := s.store.Create(session.Classic)
	if err != nil {
		writeError(w, err)
		return
	}

	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	wsURL := (&url.URL{Scheme: scheme, Host: r.Host, Path: "/session/" + sess.ID}).String()
	writeJSON(w, http.StatusOK, protocol.NewSessionResult{
		SessionID:    sess.ID,
		Capabilities: s.capabilities(map[string]any{"webSocketUrl": wsURL}),
	})
}

func (s *Server) deleteClassic(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := s.store.Lookup(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.Kind != session.Classic {
		writeError(w, protocol.UnsupportedOperation("session %s was created with %s and must be ended with %s",
			id, protocol.MethodSessionNew, protocol.MethodSessionEnd))
		return
	}
	if err := s.store.Remove(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.reporter.Report(r.Context()))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.store.Infos())
}

// handleSessionRoutes serves /api/sessions/{id} and
// /api/sessions/{id}/subscriptions.
func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(path, "/", 2)
	id, err := url.PathUnescape(parts[0])
	if err != nil || id == "" {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	sess, err := s.store.Lookup(id)
	if err != nil {
		writeError(w, err)
		return
	}

	switch {
	case len(parts) == 1:
		writeJSON(w, http.StatusOK, sess.Info())
	case parts[1] == "subscriptions":
		writeJSON(w, http.StatusOK, sess.Detail())
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// handleContexts lists open browsing contexts or opens a new one.
func (s *Server) handleContexts(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		infos := make([]protocol.ContextInfo, 0)
		for _, c := range s.browser.All() {
			infos = append(infos, c.Info())
		}
		writeJSON(w, http.StatusOK, infos)
	case http.MethodPost:
		var req createContextRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		c, err := s.browser.Create(req.Parent, req.URL)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, c.Info())
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleContextRoutes serves DELETE /api/contexts/{id} and
// POST /api/contexts/{id}/events, which injects an event as if the context
// had produced it.
func (s *Server) handleContextRoutes(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/contexts/")
	parts := strings.SplitN(path, "/", 2)
	id, err := url.PathUnescape(parts[0])
	if err != nil || id == "" {
		http.Error(w, "invalid context id", http.StatusBadRequest)
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		closed, err := s.browser.Close(id)
		if err != nil {
			writeError(w, err)
			return
		}
		res := closeContextResult{Closed: make([]string, 0, len(closed))}
		for _, c := range closed {
			res.Closed = append(res.Closed, c.ID)
		}
		writeJSON(w, http.StatusOK, res)

	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodPost:
		s.emitEvent(w, r, id)

	case len(parts) == 1 || (len(parts) == 2 && parts[1] == "events"):
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) emitEvent(w http.ResponseWriter, r *http.Request, id string) {
	var req emitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Method == "" {
		writeError(w, protocol.InvalidArgument("method is required"))
		return
	}
	if _, err := s.browser.Resolve(id); err != nil {
		writeError(w, err)
		return
	}

	var params any = map[string]any{"context": id}
	if len(req.Params) > 0 {
		params = req.Params
	}
	writeJSON(w, http.StatusOK, emitResult{Delivered: s.browser.Emit(req.Method, id, params)})
}

// decodeBody reads an optional JSON body. An empty body leaves dst as is.
func decodeBody(r *http.Request, dst any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return protocol.InvalidArgument("reading body: %v", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return protocol.InvalidArgument("invalid body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a BiDi-style error body with an HTTP status matching
// the error code.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(protocol.CodeOf(err)), protocol.Failure(nil, err))
}

func httpStatus(code protocol.ErrorCode) int {
	switch code {
	case protocol.ErrInvalidArgument:
		return http.StatusBadRequest
	case protocol.ErrNoSuchFrame, protocol.ErrInvalidSessionID, protocol.ErrUnknownCommand:
		return http.StatusNotFound
	case protocol.ErrUnsupportedOperation:
		return http.StatusMethodNotAllowed
	case protocol.ErrSessionNotCreated:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// pathID extracts a single unescaped path segment after prefix.
func pathID(path, prefix string) (string, bool) {
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	id, err := url.PathUnescape(rest)
	if err != nil || id == "" {
		return "", false
	}
	return id, true
}
