// Package subscription tracks which events a session has subscribed to and
// for which top-level browsing contexts, and keeps the session's listener
// table in step with it.
//
// Each event's effective coverage is either global (some live subscription
// for it has no contexts) or the union of the contexts of its scoped
// subscriptions. Every mutation computes the coverage of the touched events
// before and after, then disables what was lost and enables what was gained.
// Overlapping subscriptions therefore never register a listener twice, and
// removing one subscription never removes a listener another still needs.
package subscription

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bidi-relay/backend/internal/browser"
	"github.com/bidi-relay/backend/internal/listener"
	"github.com/bidi-relay/backend/internal/protocol"
)

// Catalog expands user-supplied event and module names.
type Catalog interface {
	ExpandAll(names []string) (mapset.Set[string], error)
}

// Navigables resolves browsing contexts.
type Navigables interface {
	Resolve(id string) (browser.Context, error)
	TopLevel(c browser.Context) browser.Context
	TopLevelContexts() []browser.Context
}

// Dispatcher applies listener directives.
type Dispatcher interface {
	Apply(ctx context.Context, directives []listener.Directive) error
}

// Subscription is one live record. An empty TopLevelContextIDs makes it
// global. Several records can share an ID after a partial unsubscribe; sets
// are never shared between records.
type Subscription struct {
	ID                 string
	Events             mapset.Set[string]
	TopLevelContextIDs mapset.Set[string]
}

func (s *Subscription) IsGlobal() bool {
	return s.TopLevelContextIDs.Cardinality() == 0
}

// Snapshot is a copy of a Subscription safe to hand out.
type Snapshot struct {
	ID       string   `json:"id"`
	Events   []string `json:"events"`
	Contexts []string `json:"contexts,omitempty"`
	Global   bool     `json:"global"`
}

func (s *Subscription) snapshot() Snapshot {
	return Snapshot{
		ID:       s.ID,
		Events:   sortedStrings(s.Events),
		Contexts: sortedStrings(s.TopLevelContextIDs),
		Global:   s.IsGlobal(),
	}
}

type Registry struct {
	mu         sync.Mutex
	catalog    Catalog
	navigables Navigables
	dispatcher Dispatcher
	callback   listener.Callback
	logger     zerolog.Logger

	subs  []*Subscription
	known mapset.Set[string]
	newID func() string
}

// New returns an empty registry. callback is attached to every enable
// directive and receives the events delivered for this session.
func New(catalog Catalog, navigables Navigables, dispatcher Dispatcher, callback listener.Callback, logger zerolog.Logger) *Registry {
	return &Registry{
		catalog:    catalog,
		navigables: navigables,
		dispatcher: dispatcher,
		callback:   callback,
		logger:     logger,
		known:      mapset.NewThreadUnsafeSet[string](),
		newID:      uuid.NewString,
	}
}

// Subscribe records a new subscription and enables whatever part of it is
// not already covered. Omitting contexts subscribes globally.
func (r *Registry) Subscribe(ctx context.Context, params protocol.SubscribeParams) (string, error) {
	if len(params.Events) == 0 {
		return "", protocol.InvalidArgument("events must be a non-empty list of strings")
	}
	if params.Contexts != nil && len(params.Contexts) == 0 {
		return "", protocol.InvalidArgument("contexts must be a non-empty list of strings when present")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	eventNames, err := r.expand(params.Events)
	if err != nil {
		return "", err
	}
	topLevel := mapset.NewThreadUnsafeSet[string]()
	if params.Contexts != nil {
		if topLevel, err = r.resolveTopLevel(params.Contexts); err != nil {
			return "", err
		}
	}

	sub := &Subscription{
		ID:                 r.newID(),
		Events:             eventNames,
		TopLevelContextIDs: topLevel,
	}
	before := r.coverage(eventNames)
	r.subs = append(r.subs, sub)
	r.known.Add(sub.ID)

	directives := r.delta(eventNames, before)
	r.logger.Debug().
		Str("subscription", sub.ID).
		Strs("events", sortedStrings(eventNames)).
		Strs("contexts", sortedStrings(topLevel)).
		Int("directives", len(directives)).
		Msg("subscribed")

	if err := r.apply(ctx, "subscribe", directives); err != nil {
		return "", err
	}
	return sub.ID, nil
}

// Unsubscribe removes subscriptions either by id (when params.Subscriptions
// is present) or by event names and optional contexts. Nothing changes
// unless the whole request can be honoured.
func (r *Registry) Unsubscribe(ctx context.Context, params protocol.UnsubscribeParams) error {
	if params.Subscriptions != nil {
		return r.unsubscribeByID(ctx, params.Subscriptions)
	}
	if len(params.Events) == 0 {
		return protocol.InvalidArgument("events must be a non-empty list of strings")
	}
	if params.Contexts != nil && len(params.Contexts) == 0 {
		return protocol.InvalidArgument("contexts must be a non-empty list of strings when present")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	eventNames, err := r.expand(params.Events)
	if err != nil {
		return err
	}
	var target mapset.Set[string]
	if params.Contexts != nil {
		if target, err = r.resolveTopLevel(params.Contexts); err != nil {
			return err
		}
	}

	next, matchedEvents, matchedContexts := r.removeAttributes(eventNames, target)

	if missing := eventNames.Difference(matchedEvents); missing.Cardinality() > 0 {
		return protocol.InvalidArgument("no subscription found for events %s", strings.Join(sortedStrings(missing), ", "))
	}
	if target != nil {
		if missing := target.Difference(matchedContexts); missing.Cardinality() > 0 {
			return protocol.InvalidArgument("no subscription found for contexts %s", strings.Join(sortedStrings(missing), ", "))
		}
	}

	before := r.coverage(eventNames)
	r.subs = next
	directives := r.delta(eventNames, before)
	r.logger.Debug().
		Strs("events", sortedStrings(eventNames)).
		Bool("global", target == nil).
		Int("directives", len(directives)).
		Msg("unsubscribed by attributes")

	return r.apply(ctx, "unsubscribe", directives)
}

// removeAttributes computes the subscription list with eventNames removed
// for target (nil meaning global). Global removal only touches global
// subscriptions and scoped removal only touches scoped ones. It returns the
// residual list plus which events and contexts were matched.
func (r *Registry) removeAttributes(eventNames, target mapset.Set[string]) ([]*Subscription, mapset.Set[string], mapset.Set[string]) {
	matchedEvents := mapset.NewThreadUnsafeSet[string]()
	matchedContexts := mapset.NewThreadUnsafeSet[string]()
	next := make([]*Subscription, 0, len(r.subs))

	for _, sub := range r.subs {
		common := sub.Events.Intersect(eventNames)
		if common.Cardinality() == 0 {
			next = append(next, sub)
			continue
		}

		if target == nil {
			if !sub.IsGlobal() {
				next = append(next, sub)
				continue
			}
			matchedEvents = matchedEvents.Union(common)
			if rest := sub.Events.Difference(common); rest.Cardinality() > 0 {
				next = append(next, &Subscription{
					ID:                 sub.ID,
					Events:             rest,
					TopLevelContextIDs: mapset.NewThreadUnsafeSet[string](),
				})
			}
			continue
		}

		if sub.IsGlobal() {
			next = append(next, sub)
			continue
		}
		hit := sub.TopLevelContextIDs.Intersect(target)
		if hit.Cardinality() == 0 {
			next = append(next, sub)
			continue
		}
		matchedEvents = matchedEvents.Union(common)
		matchedContexts = matchedContexts.Union(hit)

		// Events that were not requested keep the full context set; the
		// requested ones keep only the contexts that were not hit.
		if rest := sub.Events.Difference(common); rest.Cardinality() > 0 {
			next = append(next, &Subscription{
				ID:                 sub.ID,
				Events:             rest,
				TopLevelContextIDs: sub.TopLevelContextIDs.Clone(),
			})
		}
		if remaining := sub.TopLevelContextIDs.Difference(hit); remaining.Cardinality() > 0 {
			next = append(next, &Subscription{
				ID:                 sub.ID,
				Events:             common,
				TopLevelContextIDs: remaining,
			})
		}
	}
	return next, matchedEvents, matchedContexts
}

func (r *Registry) unsubscribeByID(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return protocol.InvalidArgument("subscriptions must be a non-empty list of strings")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	requested := mapset.NewThreadUnsafeSet(ids...)
	if unknown := requested.Difference(r.known); unknown.Cardinality() > 0 {
		return protocol.InvalidArgument("unknown subscription ids: %s", strings.Join(sortedStrings(unknown), ", "))
	}

	affected := mapset.NewThreadUnsafeSet[string]()
	next := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if requested.Contains(sub.ID) {
			affected = affected.Union(sub.Events)
			continue
		}
		next = append(next, sub)
	}

	before := r.coverage(affected)
	r.subs = next
	for _, id := range ids {
		r.known.Remove(id)
	}
	directives := r.delta(affected, before)
	r.logger.Debug().
		Strs("subscriptions", sortedStrings(requested)).
		Int("directives", len(directives)).
		Msg("unsubscribed by id")

	return r.apply(ctx, "unsubscribe", directives)
}

// Close drops every subscription and disables every listener they held.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := mapset.NewThreadUnsafeSet[string]()
	for _, sub := range r.subs {
		all = all.Union(sub.Events)
	}
	before := r.coverage(all)
	r.subs = nil
	return r.apply(ctx, "close", r.delta(all, before))
}

// ForgetContexts drops closed top-level contexts from scoped subscriptions
// and disables the listeners that only served them. A record left without
// contexts is removed; its id stays known so a later unsubscribe by id still
// succeeds.
func (r *Registry) ForgetContexts(ctx context.Context, topLevelIDs ...string) error {
	if len(topLevelIDs) == 0 {
		return nil
	}
	closed := mapset.NewThreadUnsafeSet(topLevelIDs...)

	r.mu.Lock()
	defer r.mu.Unlock()

	affected := mapset.NewThreadUnsafeSet[string]()
	next := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.IsGlobal() || sub.TopLevelContextIDs.Intersect(closed).Cardinality() == 0 {
			next = append(next, sub)
			continue
		}
		affected = affected.Union(sub.Events)
		if remaining := sub.TopLevelContextIDs.Difference(closed); remaining.Cardinality() > 0 {
			next = append(next, &Subscription{
				ID:                 sub.ID,
				Events:             sub.Events.Clone(),
				TopLevelContextIDs: remaining,
			})
		}
	}
	if affected.Cardinality() == 0 {
		return nil
	}

	before := r.coverage(affected)
	r.subs = next
	r.logger.Debug().
		Strs("contexts", sortedStrings(closed)).
		Strs("events", sortedStrings(affected)).
		Msg("closed contexts dropped from subscriptions")
	return r.apply(ctx, "forget contexts", r.delta(affected, before))
}

// IsEnabled reports whether event is delivered for contextID. Global
// subscriptions cover every context, including ones opened after the
// subscription was made.
func (r *Registry) IsEnabled(event, contextID string) bool {
	c, err := r.navigables.Resolve(contextID)
	if err != nil {
		return false
	}
	top := r.navigables.TopLevel(c).ID

	r.mu.Lock()
	defer r.mu.Unlock()
	scopes := r.effectiveScopes(event)
	return scopes.Contains(listener.Global) || scopes.Contains(listener.ContextScope(top))
}

// EnabledContexts lists the open top-level contexts for which event is
// currently delivered.
func (r *Registry) EnabledContexts(event string) []string {
	open := r.navigables.TopLevelContexts()

	r.mu.Lock()
	defer r.mu.Unlock()
	scopes := r.effectiveScopes(event)
	var ids []string
	for _, c := range open {
		if scopes.Contains(listener.Global) || scopes.Contains(listener.ContextScope(c.ID)) {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// Subscriptions returns copies of the live records in creation order.
func (r *Registry) Subscriptions() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub.snapshot())
	}
	return out
}

// KnownIDs returns the ids accepted by id-based unsubscribe, sorted.
func (r *Registry) KnownIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedStrings(r.known)
}

func (r *Registry) expand(names []string) (mapset.Set[string], error) {
	eventNames, err := r.catalog.ExpandAll(names)
	if err != nil {
		return nil, err
	}
	if eventNames.Cardinality() == 0 {
		return nil, protocol.InvalidArgument("%s does not name any event", strings.Join(names, ", "))
	}
	return eventNames, nil
}

// resolveTopLevel maps context ids to the set of their top-level ancestors.
func (r *Registry) resolveTopLevel(ids []string) (mapset.Set[string], error) {
	topLevel := mapset.NewThreadUnsafeSet[string]()
	for _, id := range ids {
		c, err := r.navigables.Resolve(id)
		if err != nil {
			if protocol.CodeOf(err) == protocol.ErrUnknownError {
				return nil, protocol.NoSuchFrame("context %s: %v", id, err)
			}
			return nil, err
		}
		topLevel.Add(r.navigables.TopLevel(c).ID)
	}
	return topLevel, nil
}

// effectiveScopes returns the listener scopes event needs under the current
// subscription list: {Global} if any global subscription has it, otherwise
// one scope per covered top-level context.
func (r *Registry) effectiveScopes(event string) mapset.Set[listener.Scope] {
	scopes := mapset.NewThreadUnsafeSet[listener.Scope]()
	for _, sub := range r.subs {
		if !sub.Events.Contains(event) {
			continue
		}
		if sub.IsGlobal() {
			return mapset.NewThreadUnsafeSet(listener.Global)
		}
		sub.TopLevelContextIDs.Each(func(id string) bool {
			scopes.Add(listener.ContextScope(id))
			return false
		})
	}
	return scopes
}

func (r *Registry) coverage(eventNames mapset.Set[string]) map[string]mapset.Set[listener.Scope] {
	before := make(map[string]mapset.Set[listener.Scope], eventNames.Cardinality())
	eventNames.Each(func(ev string) bool {
		before[ev] = r.effectiveScopes(ev)
		return false
	})
	return before
}

// delta compares the coverage recorded in before with the current one and
// returns disables for lost scopes followed by enables for gained scopes.
func (r *Registry) delta(eventNames mapset.Set[string], before map[string]mapset.Set[listener.Scope]) []listener.Directive {
	var disables, enables []listener.Directive
	for _, ev := range sortedStrings(eventNames) {
		prev := before[ev]
		if prev == nil {
			prev = mapset.NewThreadUnsafeSet[listener.Scope]()
		}
		cur := r.effectiveScopes(ev)
		for _, scope := range sortedScopes(prev.Difference(cur)) {
			disables = append(disables, listener.Directive{Event: ev, Scope: scope})
		}
		for _, scope := range sortedScopes(cur.Difference(prev)) {
			enables = append(enables, listener.Directive{Event: ev, Scope: scope, Callback: r.callback, Enable: true})
		}
	}
	return append(disables, enables...)
}

// apply hands directives to the dispatcher. Registry state has already
// changed at this point; a failure leaves listeners out of step until the
// next successful change touches the same events.
func (r *Registry) apply(ctx context.Context, op string, directives []listener.Directive) error {
	if len(directives) == 0 {
		return nil
	}
	if err := r.dispatcher.Apply(ctx, directives); err != nil {
		r.logger.Error().Err(err).Str("op", op).Int("directives", len(directives)).Msg("listener update failed")
		return fmt.Errorf("%s: applying %d listener directives: %w", op, len(directives), err)
	}
	return nil
}

func sortedStrings(s mapset.Set[string]) []string {
	out := s.ToSlice()
	sort.Strings(out)
	return out
}

// sortedScopes orders the global scope first, then contexts by id.
func sortedScopes(s mapset.Set[listener.Scope]) []listener.Scope {
	out := s.ToSlice()
	sort.Slice(out, func(i, j int) bool {
		return out[i].ContextID < out[j].ContextID
	})
	return out
}
