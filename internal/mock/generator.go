// Package mock drives a simulated browser: tabs open, load pages, log and
// make requests, and are eventually closed and replaced. It gives the relay
// real event traffic without a browser attached.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bidi-relay/backend/internal/browser"
	"github.com/bidi-relay/backend/internal/config"
	"github.com/bidi-relay/backend/internal/events"
)

// Browser is the part of the context registry the generator drives.
type Browser interface {
	Create(parentID, url string) (browser.Context, error)
	Navigate(id, url string) (browser.Context, error)
	Close(id string) ([]browser.Context, error)
	Emit(name, contextID string, params any) int
}

type phase int

const (
	idle phase = iota
	requesting
	responding
	parsing
	loaded
)

var sites = []string{
	"https://example.test/",
	"https://shop.example.test/cart/",
	"https://news.example.test/today/",
	"https://docs.example.test/guide/intro/",
	"https://app.example.test/dashboard/",
}

var subresources = []struct {
	path string
	mime string
}{
	{"static/app.js", "application/javascript"},
	{"static/site.css", "text/css"},
	{"api/items?page=1", "application/json"},
	{"img/logo.png", "image/png"},
}

var logLines = []struct {
	level string
	text  string
}{
	{"info", "app booted"},
	{"debug", "cache warm"},
	{"warn", "deprecated API used"},
	{"error", "Uncaught TypeError: x is undefined"},
	{"info", "user clicked #checkout"},
}

type mockTab struct {
	id         string
	frames     []string
	openedTick int
	phase      phase
	idleFor    int
	url        string
	navigation string
	docRequest string
	requestSeq int
	logIdx     int
}

type Generator struct {
	browser Browser
	cfg     config.MockConfig
	logger  zerolog.Logger
	rng     *rand.Rand
	now     func() time.Time

	tabs []*mockTab
	tick int
	done chan struct{}
}

func NewGenerator(b Browser, cfg config.MockConfig, logger zerolog.Logger) *Generator {
	return &Generator{
		browser: b,
		cfg:     cfg,
		logger:  logger,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Start opens the initial tabs, then advances the simulation every tick
// until ctx is cancelled.
func (g *Generator) Start(ctx context.Context) error {
	for len(g.tabs) < g.cfg.Tabs {
		if err := g.openTab(); err != nil {
			close(g.done)
			return err
		}
	}
	go g.run(ctx)
	return nil
}

// Done is closed once the generator has stopped.
func (g *Generator) Done() <-chan struct{} {
	return g.done
}

func (g *Generator) run(ctx context.Context) {
	defer close(g.done)
	ticker := time.NewTicker(g.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.step()
		}
	}
}

// lifetimeTicks converts the configured tab lifetime to ticks. Zero means
// tabs are never closed.
func (g *Generator) lifetimeTicks() int {
	if g.cfg.TabLifetime <= 0 || g.cfg.Tick <= 0 {
		return 0
	}
	n := int(g.cfg.TabLifetime / g.cfg.Tick)
	if n < 1 {
		n = 1
	}
	return n
}

func (g *Generator) step() {
	g.tick++
	lifetime := g.lifetimeTicks()

	kept := g.tabs[:0]
	for _, tab := range g.tabs {
		if lifetime > 0 && g.tick-tab.openedTick >= lifetime && tab.phase == idle {
			if _, err := g.browser.Close(tab.id); err != nil {
				g.logger.Warn().Err(err).Str("context", tab.id).Msg("closing mock tab")
			}
			continue
		}
		g.advance(tab)
		kept = append(kept, tab)
	}
	g.tabs = kept

	for len(g.tabs) < g.cfg.Tabs {
		if err := g.openTab(); err != nil {
			g.logger.Warn().Err(err).Msg("opening mock tab")
			return
		}
	}
}

func (g *Generator) openTab() error {
	c, err := g.browser.Create("", "")
	if err != nil {
		return fmt.Errorf("creating tab: %w", err)
	}
	g.tabs = append(g.tabs, &mockTab{id: c.ID, openedTick: g.tick, url: c.URL})
	g.logger.Debug().Str("context", c.ID).Msg("mock tab opened")
	return nil
}

// advance moves a tab one phase through its page load, or idles it with
// console output and background requests.
func (g *Generator) advance(tab *mockTab) {
	ts := g.now().UnixMilli()
	switch tab.phase {
	case idle:
		if tab.idleFor > 0 {
			tab.idleFor--
			g.background(tab, ts)
			return
		}
		tab.url = sites[g.rng.Intn(len(sites))]
		tab.navigation = uuid.NewString()
		if _, err := g.browser.Navigate(tab.id, tab.url); err != nil {
			g.logger.Warn().Err(err).Str("context", tab.id).Msg("navigating mock tab")
			return
		}
		g.browser.Emit(events.NavigationStarted, tab.id, g.navInfo(tab, ts))
		req := g.request(tab, tab.url, true, ts)
		tab.docRequest = req.Request.Request
		g.browser.Emit(events.BeforeRequestSent, tab.id, req)
		tab.phase = requesting

	case requesting:
		g.browser.Emit(events.ResponseStarted, tab.id, g.documentResponse(tab, ts))
		tab.phase = responding

	case responding:
		g.browser.Emit(events.ResponseCompleted, tab.id, g.documentResponse(tab, ts))
		tab.phase = parsing

	case parsing:
		g.closeFrames(tab)
		g.browser.Emit(events.DOMContentLoaded, tab.id, g.navInfo(tab, ts))
		if g.rng.Float64() < g.cfg.FrameChance {
			g.openFrame(tab)
		}
		tab.phase = loaded

	case loaded:
		g.browser.Emit(events.Load, tab.id, g.navInfo(tab, ts))
		tab.phase = idle
		tab.idleFor = 2 + g.rng.Intn(6)
	}
}

// background emits a console line or a subresource fetch from the tab or
// one of its frames.
func (g *Generator) background(tab *mockTab, ts int64) {
	target := tab.id
	if len(tab.frames) > 0 && g.rng.Intn(3) == 0 {
		target = tab.frames[g.rng.Intn(len(tab.frames))]
	}

	if g.rng.Intn(2) == 0 {
		line := logLines[tab.logIdx%len(logLines)]
		tab.logIdx++
		g.browser.Emit(events.LogEntryAdded, target, logEntry{
			Type:      "console",
			Level:     line.level,
			Method:    "log",
			Source:    logSource{Realm: "realm-" + target, Context: target},
			Text:      line.text,
			Timestamp: ts,
		})
		return
	}

	res := subresources[g.rng.Intn(len(subresources))]
	url := tab.url + res.path
	ev := g.request(tab, url, false, ts)
	ev.Context = target
	g.browser.Emit(events.BeforeRequestSent, target, ev)
	ev.Response = &responseData{URL: url, Status: 200, MimeType: res.mime}
	g.browser.Emit(events.ResponseStarted, target, ev)
	g.browser.Emit(events.ResponseCompleted, target, ev)
}

func (g *Generator) openFrame(tab *mockTab) {
	c, err := g.browser.Create(tab.id, tab.url+"embed")
	if err != nil {
		g.logger.Warn().Err(err).Str("context", tab.id).Msg("opening mock frame")
		return
	}
	tab.frames = append(tab.frames, c.ID)
}

// closeFrames drops the previous page's frames when a new document parses.
func (g *Generator) closeFrames(tab *mockTab) {
	for _, id := range tab.frames {
		if _, err := g.browser.Close(id); err != nil {
			g.logger.Debug().Err(err).Str("context", id).Msg("closing mock frame")
		}
	}
	tab.frames = nil
}

func (g *Generator) navInfo(tab *mockTab, ts int64) navigationInfo {
	return navigationInfo{Context: tab.id, Navigation: tab.navigation, Timestamp: ts, URL: tab.url}
}

// request starts a new request on tab. Document requests carry the
// navigation id.
func (g *Generator) request(tab *mockTab, url string, document bool, ts int64) networkEvent {
	tab.requestSeq++
	ev := networkEvent{
		Context:   tab.id,
		Timestamp: ts,
		Request:   requestData{Request: fmt.Sprintf("%s.%d", tab.id, tab.requestSeq), URL: url, Method: "GET"},
	}
	if document {
		nav := tab.navigation
		ev.Navigation = &nav
	}
	return ev
}

func (g *Generator) documentResponse(tab *mockTab, ts int64) networkEvent {
	nav := tab.navigation
	return networkEvent{
		Context:    tab.id,
		Navigation: &nav,
		Timestamp:  ts,
		Request:    requestData{Request: tab.docRequest, URL: tab.url, Method: "GET"},
		Response:   &responseData{URL: tab.url, Status: 200, MimeType: "text/html"},
	}
}
