// Package client is a small BiDi client for the relay's WebSocket endpoint
// and its HTTP API.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bidi-relay/backend/internal/protocol"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	eventBuffer  = 256
)

// ErrClosed is returned by calls made after the connection went away.
var ErrClosed = errors.New("client: connection closed")

// Client is one WebSocket connection to the relay. Commands may be issued
// from any goroutine; responses are matched to callers by id.
type Client struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex // serialises all conn writes (commands, pings, close)

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan protocol.Incoming
	err     error

	events    chan protocol.Incoming
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to a relay WebSocket URL such as ws://127.0.0.1:9222/session.
// The logger is taken from ctx via zerolog.Ctx.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (HTTP %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		conn:    conn,
		logger:  zerolog.Ctx(ctx).With().Str("component", "client").Logger(),
		pending: make(map[uint64]chan protocol.Incoming),
		events:  make(chan protocol.Incoming, eventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// Events yields event frames in arrival order. It is closed when the
// connection ends. Callers that subscribe must keep draining it, since
// responses are read by the same loop.
func (c *Client) Events() <-chan protocol.Incoming {
	return c.events
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended, once Done is closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.shutdown(ErrClosed)
	return c.conn.Close()
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Client) readLoop() {
	defer close(c.events)

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			_ = c.conn.Close()
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))

		in, err := protocol.DecodeIncoming(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}

		if in.Type == protocol.TypeEvent {
			select {
			case c.events <- in:
			case <-c.done:
				return
			}
			continue
		}
		if in.ID == nil {
			c.logger.Warn().Str("error", string(in.Error)).Str("message", in.Message).Msg("relay reported an error without id")
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[*in.ID]
		delete(c.pending, *in.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug().Uint64("id", *in.ID).Msg("response for unknown command")
			continue
		}
		ch <- in
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Call sends a command and waits for its response. A relay error comes back
// as *protocol.Error; result, when non-nil, receives the decoded result.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return ErrClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan protocol.Incoming, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	cmd, err := protocol.NewCommand(id, method, params)
	if err != nil {
		c.forget(id)
		return err
	}
	data, err := protocol.Encode(cmd)
	if err != nil {
		c.forget(id)
		return fmt.Errorf("encoding %s: %w", method, err)
	}

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return fmt.Errorf("sending %s: %w", method, err)
	}

	select {
	case in, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if in.Type == protocol.TypeError {
			return &protocol.Error{Code: in.Error, Message: in.Message}
		}
		if result != nil && len(in.Result) > 0 {
			if err := json.Unmarshal(in.Result, result); err != nil {
				return fmt.Errorf("decoding %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) Status(ctx context.Context) (protocol.StatusResult, error) {
	var res protocol.StatusResult
	err := c.Call(ctx, protocol.MethodSessionStatus, nil, &res)
	return res, err
}

// NewSession starts a BiDi session on this connection and returns its id.
func (c *Client) NewSession(ctx context.Context) (string, error) {
	var res protocol.NewSessionResult
	if err := c.Call(ctx, protocol.MethodSessionNew, protocol.NewSessionParams{}, &res); err != nil {
		return "", err
	}
	return res.SessionID, nil
}

// Subscribe subscribes to events or modules, globally when contexts is empty.
func (c *Client) Subscribe(ctx context.Context, events, contexts []string) (string, error) {
	var res protocol.SubscribeResult
	params := protocol.SubscribeParams{Events: events, Contexts: contexts}
	if err := c.Call(ctx, protocol.MethodSessionSubscribe, params, &res); err != nil {
		return "", err
	}
	return res.Subscription, nil
}

func (c *Client) Unsubscribe(ctx context.Context, params protocol.UnsubscribeParams) error {
	return c.Call(ctx, protocol.MethodSessionUnsubscribe, params, nil)
}

// UnsubscribeByID removes subscriptions by the ids Subscribe returned.
func (c *Client) UnsubscribeByID(ctx context.Context, ids ...string) error {
	return c.Unsubscribe(ctx, protocol.UnsubscribeParams{Subscriptions: ids})
}

// End ends the session. The relay closes the connection afterwards.
func (c *Client) End(ctx context.Context) error {
	return c.Call(ctx, protocol.MethodSessionEnd, nil, nil)
}
