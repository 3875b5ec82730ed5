package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bidi-relay/backend/internal/protocol"
)

// conn is one WebSocket client. Frames are queued on send and written by
// writePump; a client whose queue fills up is disconnected.
type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	set    *connSet
	logger zerolog.Logger

	writeTimeout time.Duration
	pingInterval time.Duration

	closeOnce sync.Once
	graceful  bool
}

func newConn(ws *websocket.Conn, set *connSet, buffer int, writeTimeout, pingInterval time.Duration, logger zerolog.Logger) *conn {
	return &conn{
		ws:           ws,
		send:         make(chan []byte, buffer),
		done:         make(chan struct{}),
		set:          set,
		logger:       logger,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
	}
}

// Send queues data without blocking. It reports false when the connection
// is closed or too slow, in which case it is also disconnected.
func (c *conn) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn().Int("queued", len(c.send)).Msg("ws client too slow, disconnecting")
		c.close()
		return false
	}
}

// reply encodes v and queues it.
func (c *conn) reply(v any) {
	data, err := protocol.Encode(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("encoding response")
		return
	}
	c.Send(data)
}

// close stops the write pump immediately. Queued frames are discarded.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.set.remove(c)
	})
}

// finish stops the write pump after it has written what is already queued.
func (c *conn) finish() {
	c.closeOnce.Do(func() {
		c.graceful = true
		close(c.done)
		c.set.remove(c)
	})
}

func (c *conn) writePump() {
	var ping <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer c.ws.Close()

	for {
		select {
		case <-c.done:
			if c.graceful {
				c.drain()
			}
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.logger.Debug().Err(err).Msg("ws write failed")
				c.close()
				return
			}
		case <-ping:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Debug().Err(err).Msg("ws ping failed")
				c.close()
				return
			}
		}
	}
}

func (c *conn) drain() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) write(messageType int, data []byte) error {
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(messageType, data)
}

// connSet tracks open connections so the server can enforce a limit and
// close them all on shutdown.
type connSet struct {
	mu    sync.RWMutex
	conns map[*conn]bool
	max   int
}

func newConnSet(max int) *connSet {
	return &connSet{conns: make(map[*conn]bool), max: max}
}

// add registers c and reports false when the limit is reached.
func (s *connSet) add(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.max > 0 && len(s.conns) >= s.max {
		return false
	}
	s.conns[c] = true
	return true
}

func (s *connSet) remove(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *connSet) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *connSet) closeAll() {
	s.mu.RLock()
	list := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		list = append(list, c)
	}
	s.mu.RUnlock()
	for _, c := range list {
		c.close()
	}
}
