package mock

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/bidi-relay/backend/internal/browser"
	"github.com/bidi-relay/backend/internal/config"
	"github.com/bidi-relay/backend/internal/events"
	"github.com/bidi-relay/backend/internal/listener"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []listener.Event
}

func (p *capturePublisher) Publish(ev listener.Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return 0
}

func (p *capturePublisher) snapshot() []listener.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]listener.Event(nil), p.events...)
}

func newTestGenerator(cfg config.MockConfig) (*Generator, *browser.Registry, *capturePublisher) {
	pub := &capturePublisher{}
	reg := browser.NewRegistry(pub)
	g := NewGenerator(reg, cfg, zerolog.Nop())
	g.rng = rand.New(rand.NewSource(7))
	return g, reg, pub
}

func testConfig() config.MockConfig {
	return config.MockConfig{
		Enabled:     true,
		Tick:        time.Hour,
		Tabs:        3,
		TabLifetime: 0,
		FrameChance: 1,
	}
}

func TestStartOpensTabs(t *testing.T) {
	g, reg, pub := newTestGenerator(testConfig())
	ctx, cancel := context.WithCancel(context.Background())

	if err := g.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	<-g.Done()

	if got := len(reg.TopLevelContexts()); got != 3 {
		t.Errorf("open tabs = %d, want 3", got)
	}
	created := 0
	for _, ev := range pub.snapshot() {
		if ev.Name == events.ContextCreated {
			created++
		}
	}
	if created != 3 {
		t.Errorf("contextCreated events = %d, want 3", created)
	}
}

func TestStepEmitsPageLoadCycle(t *testing.T) {
	cfg := testConfig()
	cfg.Tabs = 1
	g, reg, pub := newTestGenerator(cfg)
	if err := g.openTab(); err != nil {
		t.Fatal(err)
	}
	tab := g.tabs[0].id

	for i := 0; i < 5; i++ {
		g.step()
	}

	var names []string
	for _, ev := range pub.snapshot() {
		if ev.ContextID == tab && ev.Name != events.ContextCreated {
			names = append(names, ev.Name)
		}
	}
	want := []string{
		events.NavigationStarted,
		events.BeforeRequestSent,
		events.ResponseStarted,
		events.ResponseCompleted,
		events.DOMContentLoaded,
		events.Load,
	}
	if len(names) != len(want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, names[i], want[i])
		}
	}

	c, err := reg.Resolve(tab)
	if err != nil {
		t.Fatal(err)
	}
	if c.URL == "about:blank" {
		t.Error("tab should have navigated away from about:blank")
	}
	if len(g.tabs[0].frames) != 1 {
		t.Errorf("frames = %d, want 1 with FrameChance 1", len(g.tabs[0].frames))
	}
}

func TestDocumentRequestIDStable(t *testing.T) {
	cfg := testConfig()
	cfg.Tabs = 1
	g, _, pub := newTestGenerator(cfg)
	_ = g.openTab()
	for i := 0; i < 3; i++ {
		g.step()
	}

	var ids []string
	for _, ev := range pub.snapshot() {
		if ne, ok := ev.Params.(networkEvent); ok {
			ids = append(ids, ne.Request.Request)
		}
	}
	if len(ids) != 3 || ids[0] != ids[1] || ids[1] != ids[2] {
		t.Errorf("document request ids = %v, want one id across the request", ids)
	}
}

func TestBackgroundTrafficBetweenLoads(t *testing.T) {
	cfg := testConfig()
	cfg.Tabs = 2
	g, _, pub := newTestGenerator(cfg)
	for len(g.tabs) < cfg.Tabs {
		_ = g.openTab()
	}
	for i := 0; i < 60; i++ {
		g.step()
	}

	seen := map[string]int{}
	for _, ev := range pub.snapshot() {
		seen[ev.Name]++
		if ev.TopLevelID == "" {
			t.Fatalf("event %s for %s has no top-level id", ev.Name, ev.ContextID)
		}
	}
	for _, name := range []string{events.LogEntryAdded, events.BeforeRequestSent, events.Load, events.ContextDestroyed} {
		if seen[name] == 0 {
			t.Errorf("no %s events after 60 ticks", name)
		}
	}
}

func TestLifetimeReplacesTabs(t *testing.T) {
	cfg := testConfig()
	cfg.Tick = time.Second
	cfg.TabLifetime = 3 * time.Second
	g, reg, pub := newTestGenerator(cfg)
	for len(g.tabs) < cfg.Tabs {
		_ = g.openTab()
	}
	first := g.tabs[0].id

	for i := 0; i < 40; i++ {
		g.step()
	}

	if _, err := reg.Resolve(first); err == nil {
		t.Error("first tab should have been closed after its lifetime")
	}
	if got := len(reg.TopLevelContexts()); got != cfg.Tabs {
		t.Errorf("open tabs = %d, want %d", got, cfg.Tabs)
	}
	destroyed := 0
	for _, ev := range pub.snapshot() {
		if ev.Name == events.ContextDestroyed && ev.ContextID == ev.TopLevelID {
			destroyed++
		}
	}
	if destroyed == 0 {
		t.Error("no top-level contextDestroyed events")
	}
}

func TestLifetimeTicks(t *testing.T) {
	tests := []struct {
		tick, lifetime time.Duration
		want           int
	}{
		{time.Second, 0, 0},
		{0, time.Second, 0},
		{time.Second, 10 * time.Second, 10},
		{time.Second, time.Millisecond, 1},
	}
	for _, tt := range tests {
		g := &Generator{cfg: config.MockConfig{Tick: tt.tick, TabLifetime: tt.lifetime}}
		if got := g.lifetimeTicks(); got != tt.want {
			t.Errorf("lifetimeTicks(%s, %s) = %d, want %d", tt.tick, tt.lifetime, got, tt.want)
		}
	}
}

func TestRunTicks(t *testing.T) {
	cfg := testConfig()
	cfg.Tick = 10 * time.Millisecond
	cfg.Tabs = 1
	g, _, pub := newTestGenerator(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	if err := g.Start(ctx); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if len(pub.snapshot()) > 1 {
			break
		}
		select {
		case <-deadline:
			cancel()
			<-g.Done()
			t.Fatal("generator emitted nothing after start")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-g.Done()
}
