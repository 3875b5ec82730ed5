package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bidi-relay/backend/internal/protocol"
	"github.com/bidi-relay/backend/internal/session"
)

// connState is owned by one connection's read loop.
type connState struct {
	session *session.Session
	// owned sessions were created on this connection and end with it.
	owned   bool
	closing bool
}

// handleSession serves GET /session (WebSocket, session-less until
// session.new) and POST /session (classic session creation).
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.serveWS(w, r, &connState{})
	case http.MethodPost:
		s.createClassic(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSessionByID serves GET /session/{id} (attach to a classic session)
// and DELETE /session/{id}.
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id, ok := pathID(r.URL.Path, "/session/")
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		sess, err := s.store.Lookup(id)
		if err != nil {
			writeError(w, err)
			return
		}
		if sess.Kind != session.Classic {
			writeError(w, protocol.InvalidSessionID("session %s does not accept attached connections", id))
			return
		}
		s.serveWS(w, r, &connState{session: sess})
	case http.MethodDelete:
		s.deleteClassic(w, r, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, st *connState) {
	up := s.upgrader()
	wsConn, err := up.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("ws upgrade failed")
		return
	}

	cfg := s.cfg.Session
	c := newConn(wsConn, s.conns, cfg.SendBuffer, cfg.WriteTimeout, cfg.PingInterval,
		s.logger.With().Str("remote", r.RemoteAddr).Logger())
	if !s.conns.add(c) {
		s.logger.Warn().Int("max", s.cfg.Server.MaxConnections).Msg("connection limit reached")
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections")
		_ = wsConn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = wsConn.Close()
		return
	}
	go c.writePump()

	if st.session != nil {
		if err := st.session.Attach(c); err != nil {
			c.reply(protocol.Failure(nil, err))
			c.finish()
			return
		}
	}

	c.logger.Info().Msg("ws client connected")
	go s.readLoop(c, st)
}

// readLoop handles commands one at a time, in arrival order. This is what
// serializes all operations on a session.
func (s *Server) readLoop(c *conn, st *connState) {
	defer func() {
		s.teardown(c, st)
		c.logger.Info().Msg("ws client disconnected")
	}()

	c.ws.SetReadLimit(maxFrameBytes)
	pong := s.cfg.Session.PongTimeout
	if pong > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(pong))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(pong))
		})
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("ws read failed")
			}
			return
		}
		if pong > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(pong))
		}

		s.handleFrame(s.baseCtx, c, st, data)
		if st.closing {
			return
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, c *conn, st *connState, data []byte) {
	cmd, err := protocol.DecodeCommand(data)
	if err != nil {
		c.reply(protocol.Failure(cmd.ID, err))
		return
	}

	result, err := s.dispatch(ctx, c, st, cmd)
	if err != nil {
		if protocol.CodeOf(err) == protocol.ErrUnknownError {
			c.logger.Error().Err(err).Str("method", cmd.Method).Msg("command failed")
		}
		c.reply(protocol.Failure(cmd.ID, err))
		return
	}
	c.reply(protocol.Success(*cmd.ID, result))
}

func (s *Server) dispatch(ctx context.Context, c *conn, st *connState, cmd protocol.Command) (any, error) {
	switch cmd.Method {
	case protocol.MethodSessionStatus:
		return s.store.Status(), nil

	case protocol.MethodSessionNew:
		if st.session != nil {
			return nil, protocol.SessionNotCreated("connection already has session %s", st.session.ID)
		}
		var params protocol.NewSessionParams
		if err := protocol.DecodeParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		sess, err := s.store.Create(session.BiDi)
		if err != nil {
			return nil, err
		}
		if err := sess.Attach(c); err != nil {
			_ = s.store.Remove(ctx, sess.ID)
			return nil, err
		}
		st.session, st.owned = sess, true
		return protocol.NewSessionResult{SessionID: sess.ID, Capabilities: s.capabilities(nil)}, nil
	}

	if st.session == nil {
		return nil, protocol.InvalidSessionID("no session on this connection; send %s first", protocol.MethodSessionNew)
	}
	result, err := st.session.Handle(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if cmd.Method == protocol.MethodSessionEnd && st.session.Ended() {
		st.closing = true
	}
	return result, nil
}

// teardown runs when the read loop exits. A session created on this
// connection ends with it; an attached classic session is only detached.
func (s *Server) teardown(c *conn, st *connState) {
	if st.session != nil {
		st.session.Detach(c)
		if st.owned {
			if err := s.store.Remove(context.Background(), st.session.ID); err != nil && !protocol.HasCode(err, protocol.ErrInvalidSessionID) {
				c.logger.Warn().Err(err).Str("session", st.session.ID).Msg("ending session")
			}
		}
	}
	if st.closing {
		c.finish()
	} else {
		c.close()
	}
}

func (s *Server) capabilities(extra map[string]any) map[string]any {
	caps := map[string]any{
		"acceptInsecureCerts": false,
		"browserName":         BrowserName,
		"browserVersion":      Version,
		"platformName":        "any",
		"setWindowRect":       false,
	}
	for k, v := range extra {
		caps[k] = v
	}
	return caps
}
