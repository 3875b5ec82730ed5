package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bidi-relay/backend/internal/browser"
	"github.com/bidi-relay/backend/internal/listener"
	"github.com/bidi-relay/backend/internal/protocol"
	"github.com/bidi-relay/backend/internal/subscription"
)

type Store struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	max        int
	hub        *listener.Hub
	catalog    subscription.Catalog
	navigables subscription.Navigables
	logger     zerolog.Logger
	observer   func(Event)
	newID      func() string
}

// NewStore returns an empty store. maxSessions of zero means unlimited.
func NewStore(maxSessions int, hub *listener.Hub, catalog subscription.Catalog, navigables subscription.Navigables, logger zerolog.Logger) *Store {
	return &Store{
		sessions:   make(map[string]*Session),
		max:        maxSessions,
		hub:        hub,
		catalog:    catalog,
		navigables: navigables,
		logger:     logger,
		newID:      uuid.NewString,
	}
}

// SetObserver registers fn to receive lifecycle events. fn runs outside the
// store lock.
func (s *Store) SetObserver(fn func(Event)) {
	s.mu.Lock()
	s.observer = fn
	s.mu.Unlock()
}

// Create opens a session and attaches its dispatcher to the hub.
func (s *Store) Create(kind Kind) (*Session, error) {
	s.mu.Lock()
	if s.max > 0 && len(s.sessions) >= s.max {
		s.mu.Unlock()
		return nil, protocol.SessionNotCreated("maximum of %d sessions reached", s.max)
	}
	sess := newSession(s.newID(), kind, s.catalog, s.navigables, s.logger)
	s.sessions[sess.ID] = sess
	count := len(s.sessions)
	observer := s.observer
	s.mu.Unlock()

	s.hub.Attach(sess.dispatcher)
	s.logger.Info().Str("session", sess.ID).Stringer("kind", sess.Kind).Int("open", count).Msg("session created")
	if observer != nil {
		observer(Event{Type: EventCreated, Info: sess.Info(), Count: count})
	}
	return sess, nil
}

func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Lookup is Get with an invalid session id error for unknown ids.
func (s *Store) Lookup(id string) (*Session, error) {
	sess, ok := s.Get(id)
	if !ok {
		return nil, protocol.InvalidSessionID("session %s not found", id)
	}
	return sess, nil
}

// Remove ends the session: it leaves the hub, its subscriptions are dropped
// and its listeners disabled.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return protocol.InvalidSessionID("session %s not found", id)
	}
	delete(s.sessions, id)
	count := len(s.sessions)
	observer := s.observer
	s.mu.Unlock()

	s.hub.Detach(sess.dispatcher)
	err := sess.close(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Str("session", id).Msg("closing session")
		err = fmt.Errorf("closing session %s: %w", id, err)
	}
	s.logger.Info().Str("session", id).Int("open", count).Msg("session ended")
	if observer != nil {
		observer(Event{Type: EventEnded, Info: sess.Info(), Count: count})
	}
	return err
}

// CloseAll removes every session.
func (s *Store) CloseAll(ctx context.Context) error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := s.Remove(ctx, id); err != nil && !protocol.HasCode(err, protocol.ErrInvalidSessionID) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ContextsClosed removes closed top-level contexts from every session's
// subscriptions. It is meant to be registered with browser.Registry.OnClosed.
func (s *Store) ContextsClosed(closed []browser.Context) {
	var ids []string
	for _, c := range closed {
		if c.ParentID == "" {
			ids = append(ids, c.ID)
		}
	}
	if len(ids) == 0 {
		return
	}

	s.mu.RLock()
	list := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}
	s.mu.RUnlock()

	for _, sess := range list {
		sess.forgetContexts(context.Background(), ids)
	}
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Infos returns snapshots of every session, oldest first.
func (s *Store) Infos() []Info {
	s.mu.RLock()
	list := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}
	s.mu.RUnlock()

	result := make([]Info, 0, len(list))
	for _, sess := range list {
		result = append(result, sess.Info())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Status answers session.status: the relay is ready while it can accept
// another session.
func (s *Store) Status() protocol.StatusResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.max > 0 && len(s.sessions) >= s.max {
		return protocol.StatusResult{Ready: false, Message: fmt.Sprintf("maximum of %d sessions reached", s.max)}
	}
	return protocol.StatusResult{Ready: true, Message: "ready"}
}
