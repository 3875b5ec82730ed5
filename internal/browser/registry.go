// Package browser keeps the tree of open browsing contexts. Top-level
// contexts are tabs; every other context is a frame with a parent.
package browser

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bidi-relay/backend/internal/events"
	"github.com/bidi-relay/backend/internal/listener"
	"github.com/bidi-relay/backend/internal/protocol"
)

const DefaultUserContext = "default"

type Context struct {
	ID          string    `json:"context"`
	ParentID    string    `json:"parent,omitempty"`
	URL         string    `json:"url"`
	UserContext string    `json:"userContext"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (c Context) IsTopLevel() bool {
	return c.ParentID == ""
}

func (c Context) Info() protocol.ContextInfo {
	info := protocol.ContextInfo{Context: c.ID, URL: c.URL, UserContext: c.UserContext}
	if c.ParentID != "" {
		parent := c.ParentID
		info.Parent = &parent
	}
	return info
}

// Publisher receives lifecycle events for contexts.
type Publisher interface {
	Publish(ev listener.Event) int
}

type Registry struct {
	mu        sync.RWMutex
	contexts  map[string]*Context
	children  map[string][]string
	seq       uint64
	order     map[string]uint64
	publisher Publisher
	onClosed  []func([]Context)
	now       func() time.Time
}

func NewRegistry(publisher Publisher) *Registry {
	return &Registry{
		contexts:  make(map[string]*Context),
		children:  make(map[string][]string),
		order:     make(map[string]uint64),
		publisher: publisher,
		now:       time.Now,
	}
}

// Create opens a new context. An empty parentID opens a top-level context.
func (r *Registry) Create(parentID, url string) (Context, error) {
	if url == "" {
		url = "about:blank"
	}

	r.mu.Lock()
	if parentID != "" {
		if _, ok := r.contexts[parentID]; !ok {
			r.mu.Unlock()
			return Context{}, protocol.NoSuchFrame("context %s not found", parentID)
		}
	}
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	c := &Context{
		ID:          id,
		ParentID:    parentID,
		URL:         url,
		UserContext: DefaultUserContext,
		CreatedAt:   r.now(),
	}
	r.contexts[id] = c
	r.seq++
	r.order[id] = r.seq
	if parentID != "" {
		r.children[parentID] = append(r.children[parentID], id)
	}
	created := *c
	top := r.topLevelLocked(id)
	r.mu.Unlock()

	r.publish(events.ContextCreated, created, top)
	return created, nil
}

// Navigate updates the context's URL.
func (r *Registry) Navigate(id, url string) (Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contexts[id]
	if !ok {
		return Context{}, protocol.NoSuchFrame("context %s not found", id)
	}
	c.URL = url
	return *c, nil
}

// Close removes the context and all its descendants. Destroyed events are
// published deepest first, before the contexts leave the registry, so
// listeners scoped to the top-level context still match.
func (r *Registry) Close(id string) ([]Context, error) {
	r.mu.RLock()
	if _, ok := r.contexts[id]; !ok {
		r.mu.RUnlock()
		return nil, protocol.NoSuchFrame("context %s not found", id)
	}
	var doomed []Context
	r.collectLocked(id, &doomed)
	top := r.topLevelLocked(id)
	r.mu.RUnlock()

	for _, c := range doomed {
		r.publish(events.ContextDestroyed, c, top)
	}

	r.mu.Lock()
	for _, c := range doomed {
		delete(r.contexts, c.ID)
		delete(r.children, c.ID)
		delete(r.order, c.ID)
	}
	if parent := doomed[len(doomed)-1].ParentID; parent != "" {
		kids := r.children[parent]
		for i, kid := range kids {
			if kid == id {
				r.children[parent] = append(kids[:i:i], kids[i+1:]...)
				break
			}
		}
	}
	hooks := r.onClosed
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(doomed)
	}
	return doomed, nil
}

// OnClosed registers fn to run after Close has removed a subtree. fn gets
// the removed contexts deepest first and runs without the registry lock
// held, so it may call back into the registry.
func (r *Registry) OnClosed(fn func([]Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClosed = append(r.onClosed, fn)
}

// collectLocked appends id's subtree in post-order (children before parent).
func (r *Registry) collectLocked(id string, out *[]Context) {
	for _, kid := range r.children[id] {
		r.collectLocked(kid, out)
	}
	if c, ok := r.contexts[id]; ok {
		*out = append(*out, *c)
	}
}

// Resolve returns the context with the given id or a no such frame error.
func (r *Registry) Resolve(id string) (Context, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contexts[id]
	if !ok {
		return Context{}, protocol.NoSuchFrame("context %s not found", id)
	}
	return *c, nil
}

// TopLevel returns c's top-level ancestor, or c itself if it is top-level or
// its chain can no longer be followed.
func (r *Registry) TopLevel(c Context) Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur := c
	for cur.ParentID != "" {
		parent, ok := r.contexts[cur.ParentID]
		if !ok {
			break
		}
		cur = *parent
	}
	return cur
}

// TopLevelID maps any open context id to its top-level ancestor's id.
func (r *Registry) TopLevelID(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.contexts[id]; !ok {
		return "", false
	}
	return r.topLevelLocked(id), true
}

func (r *Registry) topLevelLocked(id string) string {
	for {
		c, ok := r.contexts[id]
		if !ok || c.ParentID == "" {
			return id
		}
		id = c.ParentID
	}
}

// TopLevelContexts lists open top-level contexts in creation order.
func (r *Registry) TopLevelContexts() []Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []Context
	for _, c := range r.contexts {
		if c.IsTopLevel() {
			result = append(result, *c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return r.order[result[i].ID] < r.order[result[j].ID]
	})
	return result
}

// All lists every open context in creation order.
func (r *Registry) All() []Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Context, 0, len(r.contexts))
	for _, c := range r.contexts {
		result = append(result, *c)
	}
	sort.Slice(result, func(i, j int) bool {
		return r.order[result[i].ID] < r.order[result[j].ID]
	})
	return result
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}

// Emit publishes a context-bound event, filling in the top-level id. Events
// for contexts that are not open are dropped.
func (r *Registry) Emit(name, contextID string, params any) int {
	top, ok := r.TopLevelID(contextID)
	if !ok || r.publisher == nil {
		return 0
	}
	return r.publisher.Publish(listener.Event{
		Name:       name,
		ContextID:  contextID,
		TopLevelID: top,
		Params:     params,
	})
}

func (r *Registry) publish(name string, c Context, top string) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(listener.Event{
		Name:       name,
		ContextID:  c.ID,
		TopLevelID: top,
		Params:     c.Info(),
	})
}
