// Package events holds the table of protocol modules and the events each one
// declares, and expands user-supplied names against it.
package events

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/bidi-relay/backend/internal/protocol"
)

// Module is a protocol module's static event declaration. Events are fully
// qualified ("network.beforeRequestSent").
type Module struct {
	Name   string
	Events []string
}

// Catalog maps module names to their declared events. It is populated at
// startup and only read afterwards; Register takes the write lock so
// config-driven modules can be added before the server starts.
type Catalog struct {
	mu      sync.RWMutex
	modules map[string]mapset.Set[string]
}

func NewCatalog(modules ...Module) (*Catalog, error) {
	c := &Catalog{modules: make(map[string]mapset.Set[string])}
	for _, m := range modules {
		if err := c.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// DefaultCatalog returns a catalog holding the built-in module table.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(builtinModules...)
	if err != nil {
		panic(fmt.Sprintf("builtin module table: %v", err))
	}
	return c
}

func (c *Catalog) Register(m Module) error {
	if m.Name == "" || strings.Contains(m.Name, ".") {
		return fmt.Errorf("invalid module name %q", m.Name)
	}
	declared := mapset.NewThreadUnsafeSet[string]()
	prefix := m.Name + "."
	for _, ev := range m.Events {
		if !strings.HasPrefix(ev, prefix) || len(ev) == len(prefix) {
			return fmt.Errorf("module %s: event %q is not qualified by its module", m.Name, ev)
		}
		declared.Add(ev)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.modules[m.Name]; exists {
		return fmt.Errorf("module %s already registered", m.Name)
	}
	c.modules[m.Name] = declared
	return nil
}

// Expand resolves name to the set of fully-qualified events it denotes. A
// dotted name must be an event its module declares; a bare name expands to
// every event of that module.
func (c *Catalog) Expand(name string) (mapset.Set[string], error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	moduleName, _, qualified := strings.Cut(name, ".")
	declared, ok := c.modules[moduleName]
	if !ok {
		if qualified {
			return nil, protocol.InvalidArgument("%s is not a valid event name", name)
		}
		return nil, protocol.InvalidArgument("%s is not a valid module name", name)
	}

	if qualified {
		if !declared.Contains(name) {
			return nil, protocol.InvalidArgument("%s is not a valid event name", name)
		}
		return mapset.NewThreadUnsafeSet(name), nil
	}
	return declared.Clone(), nil
}

// ExpandAll returns the union of the expansions of names.
func (c *Catalog) ExpandAll(names []string) (mapset.Set[string], error) {
	all := mapset.NewThreadUnsafeSet[string]()
	for _, name := range names {
		expanded, err := c.Expand(name)
		if err != nil {
			return nil, err
		}
		all = all.Union(expanded)
	}
	return all, nil
}

func (c *Catalog) Modules() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.modules))
	for name := range c.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Events lists a module's declared events, sorted. Unknown modules yield nil.
func (c *Catalog) Events(module string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	declared, ok := c.modules[module]
	if !ok {
		return nil
	}
	events := declared.ToSlice()
	sort.Strings(events)
	return events
}
