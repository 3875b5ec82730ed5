// Package session holds the relay's open sessions. Each session owns a
// listener dispatcher and a subscription registry and forwards the events
// its listeners receive to whatever connection is attached.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bidi-relay/backend/internal/listener"
	"github.com/bidi-relay/backend/internal/protocol"
	"github.com/bidi-relay/backend/internal/subscription"
)

// Sink accepts encoded frames for a session's client. Send must not block;
// it reports false when the frame was dropped.
type Sink interface {
	Send(data []byte) bool
}

type Session struct {
	ID        string
	Kind      Kind
	CreatedAt time.Time

	dispatcher *listener.Dispatcher
	registry   *subscription.Registry
	logger     zerolog.Logger

	mu    sync.Mutex
	sink  Sink
	ended bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func newSession(id string, kind Kind, catalog subscription.Catalog, navigables subscription.Navigables, logger zerolog.Logger) *Session {
	s := &Session{
		ID:        id,
		Kind:      kind,
		CreatedAt: time.Now(),
		logger:    logger.With().Str("session", id).Logger(),
	}
	s.dispatcher = listener.NewDispatcher(s.logger)
	s.registry = subscription.New(catalog, navigables, s.dispatcher, s.onExternalEvent, s.logger)
	return s
}

// Handle runs one session-scoped command and returns its result. Commands
// for one session must not run concurrently; the transport handles them in
// arrival order.
func (s *Session) Handle(ctx context.Context, cmd protocol.Command) (any, error) {
	if s.Ended() {
		return nil, protocol.InvalidSessionID("session %s has ended", s.ID)
	}
	switch cmd.Method {
	case protocol.MethodSessionSubscribe:
		var params protocol.SubscribeParams
		if err := protocol.DecodeParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		id, err := s.registry.Subscribe(ctx, params)
		if err != nil {
			return nil, err
		}
		return protocol.SubscribeResult{Subscription: id}, nil

	case protocol.MethodSessionUnsubscribe:
		var params protocol.UnsubscribeParams
		if err := protocol.DecodeParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		if err := s.registry.Unsubscribe(ctx, params); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case protocol.MethodSessionEnd:
		if s.Kind == Classic {
			return nil, protocol.UnsupportedOperation("session.end is not supported for sessions created over HTTP")
		}
		s.mu.Lock()
		s.ended = true
		s.mu.Unlock()
		return struct{}{}, nil

	default:
		return nil, protocol.UnknownCommand("unknown command %q", cmd.Method)
	}
}

// Attach routes the session's events to sink. Only one sink may be attached
// at a time.
func (s *Session) Attach(sink Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return protocol.InvalidSessionID("session %s has ended", s.ID)
	}
	if s.sink != nil {
		return protocol.SessionNotCreated("session %s already has a connection", s.ID)
	}
	s.sink = sink
	return nil
}

// Detach removes sink if it is the attached one.
func (s *Session) Detach(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink == sink {
		s.sink = nil
	}
}

// Ended reports whether session.end succeeded.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *Session) Info() Info {
	s.mu.Lock()
	attached, ended := s.sink != nil, s.ended
	s.mu.Unlock()
	return Info{
		ID:            s.ID,
		Kind:          s.Kind,
		CreatedAt:     s.CreatedAt,
		Attached:      attached,
		Ended:         ended,
		Subscriptions: s.liveSubscriptions(),
		Listeners:     s.dispatcher.Len(),
		Delivered:     s.delivered.Load(),
		Dropped:       s.dropped.Load(),
	}
}

// liveSubscriptions counts the distinct ids that still own a record. Ids kept
// only so they can be named in a later unsubscribe are not counted.
func (s *Session) liveSubscriptions() int {
	ids := make(map[string]struct{})
	for _, snap := range s.registry.Subscriptions() {
		ids[snap.ID] = struct{}{}
	}
	return len(ids)
}

func (s *Session) Detail() Detail {
	return Detail{
		Info:     s.Info(),
		Records:  s.registry.Subscriptions(),
		KnownIDs: s.registry.KnownIDs(),
	}
}

// IsEnabled reports whether event is currently delivered to this session
// for contextID.
func (s *Session) IsEnabled(event, contextID string) bool {
	return s.registry.IsEnabled(event, contextID)
}

// close drops every subscription and listener and detaches the sink.
func (s *Session) close(ctx context.Context) error {
	err := s.registry.Close(ctx)
	s.dispatcher.Close()
	s.mu.Lock()
	s.sink = nil
	s.ended = true
	s.mu.Unlock()
	return err
}

// forgetContexts prunes closed top-level contexts from the session's scoped
// subscriptions.
func (s *Session) forgetContexts(ctx context.Context, topLevelIDs []string) {
	if err := s.registry.ForgetContexts(ctx, topLevelIDs...); err != nil {
		s.logger.Warn().Err(err).Strs("contexts", topLevelIDs).Msg("pruning closed contexts")
	}
}

// onExternalEvent is the callback attached to every listener this session
// registers.
func (s *Session) onExternalEvent(ev listener.Event) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink == nil {
		s.dropped.Add(1)
		s.logger.Debug().Str("event", ev.Name).Msg("no connection attached, event dropped")
		return
	}

	data, err := protocol.Encode(protocol.Event(ev.Name, ev.Params))
	if err != nil {
		s.dropped.Add(1)
		s.logger.Warn().Err(err).Str("event", ev.Name).Msg("encoding event")
		return
	}
	if !sink.Send(data) {
		s.dropped.Add(1)
		s.logger.Warn().Str("event", ev.Name).Msg("send queue full, event dropped")
		return
	}
	s.delivered.Add(1)
}
