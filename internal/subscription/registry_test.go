package subscription

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/bidi-relay/backend/internal/browser"
	"github.com/bidi-relay/backend/internal/events"
	"github.com/bidi-relay/backend/internal/listener"
	"github.com/bidi-relay/backend/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	evLog     = events.LogEntryAdded
	evRequest = events.BeforeRequestSent
	evFetch   = "network.fetchError"
)

// recordingDispatcher keeps every directive and the resulting listener
// state, and notes any enable of an enabled key or disable of a missing one.
type recordingDispatcher struct {
	directives []listener.Directive
	enabled    map[string]bool
	violations []string
	fail       error
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{enabled: make(map[string]bool)}
}

func (d *recordingDispatcher) Apply(_ context.Context, dirs []listener.Directive) error {
	if d.fail != nil {
		return d.fail
	}
	for _, dir := range dirs {
		key := dir.Event + "@" + dir.Scope.String()
		if dir.Enable {
			if dir.Callback == nil {
				d.violations = append(d.violations, "enable without callback: "+key)
			}
			if d.enabled[key] {
				d.violations = append(d.violations, "duplicate enable: "+key)
			}
			d.enabled[key] = true
		} else {
			if !d.enabled[key] {
				d.violations = append(d.violations, "disable of missing listener: "+key)
			}
			delete(d.enabled, key)
		}
		d.directives = append(d.directives, dir)
	}
	return nil
}

func (d *recordingDispatcher) since(n int) []string {
	out := make([]string, 0, len(d.directives)-n)
	for _, dir := range d.directives[n:] {
		out = append(out, dir.String())
	}
	return out
}

type fixture struct {
	reg        *Registry
	browser    *browser.Registry
	dispatcher *recordingDispatcher
	tabs       []browser.Context
}

func newFixture(t *testing.T, tabs int) *fixture {
	t.Helper()
	f := &fixture{
		browser:    browser.NewRegistry(nil),
		dispatcher: newRecordingDispatcher(),
	}
	for i := 0; i < tabs; i++ {
		tab, err := f.browser.Create("", "")
		if err != nil {
			t.Fatal(err)
		}
		f.tabs = append(f.tabs, tab)
	}
	f.reg = New(events.DefaultCatalog(), f.browser, f.dispatcher, func(listener.Event) {}, zerolog.Nop())
	n := 0
	f.reg.newID = func() string {
		n++
		return fmt.Sprintf("sub-%d", n)
	}
	return f
}

func (f *fixture) tab(i int) string {
	return f.tabs[i].ID
}

func (f *fixture) subscribe(t *testing.T, evs []string, contexts []string) string {
	t.Helper()
	id, err := f.reg.Subscribe(context.Background(), protocol.SubscribeParams{Events: evs, Contexts: contexts})
	if err != nil {
		t.Fatalf("Subscribe(%v, %v) error: %v", evs, contexts, err)
	}
	return id
}

func (f *fixture) unsubscribe(params protocol.UnsubscribeParams) error {
	return f.reg.Unsubscribe(context.Background(), params)
}

func assertDirectives(t *testing.T, got []string, want ...string) {
	t.Helper()
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("directives:\n  got  %q\n  want %q", got, want)
	}
}

func assertCode(t *testing.T, err error, code protocol.ErrorCode) {
	t.Helper()
	if got := protocol.CodeOf(err); err == nil || got != code {
		t.Fatalf("error = %v (code %q), want code %q", err, got, code)
	}
}

func enable(ev, scope string) string  { return "enable " + ev + "@" + scope }
func disable(ev, scope string) string { return "disable " + ev + "@" + scope }
func ctxScope(id string) string       { return "context:" + id }

func TestSubscribeValidation(t *testing.T) {
	f := newFixture(t, 1)

	tests := []struct {
		name   string
		params protocol.SubscribeParams
		code   protocol.ErrorCode
	}{
		{"no events", protocol.SubscribeParams{}, protocol.ErrInvalidArgument},
		{"empty events", protocol.SubscribeParams{Events: []string{}}, protocol.ErrInvalidArgument},
		{"empty contexts", protocol.SubscribeParams{Events: []string{evLog}, Contexts: []string{}}, protocol.ErrInvalidArgument},
		{"unknown module", protocol.SubscribeParams{Events: []string{"bogus"}}, protocol.ErrInvalidArgument},
		{"undeclared event", protocol.SubscribeParams{Events: []string{"log.nope"}}, protocol.ErrInvalidArgument},
		{"module without events", protocol.SubscribeParams{Events: []string{"session"}}, protocol.ErrInvalidArgument},
		{"one bad name", protocol.SubscribeParams{Events: []string{evLog, "network.nope"}}, protocol.ErrInvalidArgument},
		{"unknown context", protocol.SubscribeParams{Events: []string{evLog}, Contexts: []string{"nope"}}, protocol.ErrNoSuchFrame},
		{"one unknown context", protocol.SubscribeParams{Events: []string{evLog}, Contexts: []string{f.tab(0), "nope"}}, protocol.ErrNoSuchFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.reg.Subscribe(context.Background(), tt.params)
			assertCode(t, err, tt.code)
		})
	}

	if len(f.dispatcher.directives) != 0 {
		t.Errorf("rejected subscribes emitted %v", f.dispatcher.since(0))
	}
	if len(f.reg.Subscriptions()) != 0 || len(f.reg.KnownIDs()) != 0 {
		t.Error("rejected subscribes changed registry state")
	}
}

func TestSubscribeGlobalCoversLaterContexts(t *testing.T) {
	f := newFixture(t, 1)
	id := f.subscribe(t, []string{evRequest}, nil)
	if id == "" {
		t.Fatal("Subscribe returned empty id")
	}
	assertDirectives(t, f.dispatcher.since(0), enable(evRequest, "global"))

	later, err := f.browser.Create("", "")
	if err != nil {
		t.Fatal(err)
	}
	if !f.reg.IsEnabled(evRequest, later.ID) {
		t.Error("global subscription should cover a context opened later")
	}
	frame, _ := f.browser.Create(later.ID, "")
	if !f.reg.IsEnabled(evRequest, frame.ID) {
		t.Error("global subscription should cover frames of later contexts")
	}
	if got := f.reg.EnabledContexts(evRequest); len(got) != 2 {
		t.Errorf("EnabledContexts = %v, want both tabs", got)
	}
	if len(f.dispatcher.directives) != 1 {
		t.Errorf("opening contexts emitted directives: %v", f.dispatcher.since(1))
	}

	snaps := f.reg.Subscriptions()
	if len(snaps) != 1 || !snaps[0].Global || len(snaps[0].Contexts) != 0 {
		t.Errorf("Subscriptions() = %+v, want one global record", snaps)
	}
}

func TestSubscribeMapsFramesToTopLevel(t *testing.T) {
	f := newFixture(t, 2)
	frame, _ := f.browser.Create(f.tab(0), "")
	nested, _ := f.browser.Create(frame.ID, "")

	f.subscribe(t, []string{evLog}, []string{nested.ID, frame.ID, f.tab(0)})
	assertDirectives(t, f.dispatcher.since(0), enable(evLog, ctxScope(f.tab(0))))

	snaps := f.reg.Subscriptions()
	if len(snaps[0].Contexts) != 1 || snaps[0].Contexts[0] != f.tab(0) {
		t.Errorf("recorded contexts = %v, want [%s]", snaps[0].Contexts, f.tab(0))
	}
	if !f.reg.IsEnabled(evLog, nested.ID) {
		t.Error("event should be enabled for nested frame of subscribed tab")
	}
	if f.reg.IsEnabled(evLog, f.tab(1)) {
		t.Error("event should not be enabled for an unrelated tab")
	}
	if f.reg.IsEnabled(evLog, "missing") {
		t.Error("unknown context should report disabled")
	}
}

func TestSubscribeModuleExpands(t *testing.T) {
	f := newFixture(t, 1)
	f.subscribe(t, []string{"network"}, []string{f.tab(0)})
	if got := len(f.dispatcher.directives); got != len(events.DefaultCatalog().Events("network")) {
		t.Errorf("module subscribe emitted %d directives, want one per network event", got)
	}
}

func TestIdempotentResubscribe(t *testing.T) {
	f := newFixture(t, 1)
	first := f.subscribe(t, []string{evLog}, []string{f.tab(0)})
	second := f.subscribe(t, []string{evLog}, []string{f.tab(0)})
	if first == second {
		t.Fatalf("two subscribes returned the same id %s", first)
	}
	assertDirectives(t, f.dispatcher.since(0), enable(evLog, ctxScope(f.tab(0))))

	f.subscribe(t, []string{evLog}, nil)
	f.subscribe(t, []string{evLog}, nil)
	assertDirectives(t, f.dispatcher.since(1),
		disable(evLog, ctxScope(f.tab(0))),
		enable(evLog, "global"),
	)
}

func TestGlobalSubsumesScoped(t *testing.T) {
	f := newFixture(t, 3)
	for i := 0; i < 3; i++ {
		f.subscribe(t, []string{evLog}, []string{f.tab(i)})
	}
	mark := len(f.dispatcher.directives)

	f.subscribe(t, []string{evLog}, nil)

	want := make([]string, 0, 4)
	scopes := []string{f.tab(0), f.tab(1), f.tab(2)}
	sort.Strings(scopes)
	for _, id := range scopes {
		want = append(want, disable(evLog, ctxScope(id)))
	}
	want = append(want, enable(evLog, "global"))
	assertDirectives(t, f.dispatcher.since(mark), want...)
}

func TestScopedUnderGlobalIsSuppressed(t *testing.T) {
	f := newFixture(t, 2)
	f.subscribe(t, []string{evLog}, nil)
	mark := len(f.dispatcher.directives)

	f.subscribe(t, []string{evLog}, []string{f.tab(0), f.tab(1)})
	assertDirectives(t, f.dispatcher.since(mark))
}

func TestScopedSubscribeOnlyEnablesNewContexts(t *testing.T) {
	f := newFixture(t, 3)
	f.subscribe(t, []string{evLog}, []string{f.tab(0), f.tab(1)})
	mark := len(f.dispatcher.directives)

	f.subscribe(t, []string{evLog, evFetch}, []string{f.tab(1), f.tab(2)})

	fetch := []string{f.tab(1), f.tab(2)}
	sort.Strings(fetch)
	assertDirectives(t, f.dispatcher.since(mark),
		enable(evLog, ctxScope(f.tab(2))),
		enable(evFetch, ctxScope(fetch[0])),
		enable(evFetch, ctxScope(fetch[1])),
	)
}

func TestRoundTripByID(t *testing.T) {
	f := newFixture(t, 1)
	id := f.subscribe(t, []string{evLog}, []string{f.tab(0)})
	mark := len(f.dispatcher.directives)

	if err := f.unsubscribe(protocol.UnsubscribeParams{Subscriptions: []string{id}}); err != nil {
		t.Fatalf("Unsubscribe error: %v", err)
	}
	assertDirectives(t, f.dispatcher.since(mark), disable(evLog, ctxScope(f.tab(0))))
	if len(f.reg.Subscriptions()) != 0 {
		t.Errorf("Subscriptions() = %+v, want empty", f.reg.Subscriptions())
	}
	if len(f.reg.KnownIDs()) != 0 {
		t.Errorf("KnownIDs() = %v, want empty", f.reg.KnownIDs())
	}
}

func TestPartialUnsubscribeResidual(t *testing.T) {
	f := newFixture(t, 2)
	a, b := f.tab(0), f.tab(1)
	id := f.subscribe(t, []string{evLog, evFetch}, []string{a, b})
	original := f.reg.subs[0]
	mark := len(f.dispatcher.directives)

	if err := f.unsubscribe(protocol.UnsubscribeParams{Events: []string{evLog}, Contexts: []string{a}}); err != nil {
		t.Fatalf("Unsubscribe error: %v", err)
	}
	assertDirectives(t, f.dispatcher.since(mark), disable(evLog, ctxScope(a)))

	if f.reg.IsEnabled(evLog, a) {
		t.Error("log should be disabled for A")
	}
	for _, check := range []struct{ ev, ctx string }{{evLog, b}, {evFetch, a}, {evFetch, b}} {
		if !f.reg.IsEnabled(check.ev, check.ctx) {
			t.Errorf("%s should still be enabled for %s", check.ev, check.ctx)
		}
	}

	snaps := f.reg.Subscriptions()
	if len(snaps) != 2 {
		t.Fatalf("Subscriptions() = %+v, want 2 residual records", snaps)
	}
	for _, s := range snaps {
		if s.ID != id {
			t.Errorf("residual record id = %s, want %s", s.ID, id)
		}
	}

	known := f.reg.KnownIDs()
	if len(known) != 1 || known[0] != id {
		t.Errorf("KnownIDs() = %v, want [%s]", known, id)
	}

	// The original record must not have been mutated, and the residuals
	// must own their sets.
	if original.Events.Cardinality() != 2 || original.TopLevelContextIDs.Cardinality() != 2 {
		t.Error("partial unsubscribe mutated the original record")
	}
	f.reg.subs[0].TopLevelContextIDs.Add("leak")
	if f.reg.subs[1].TopLevelContextIDs.Contains("leak") || original.TopLevelContextIDs.Contains("leak") {
		t.Error("residual records share a context set")
	}
}

func TestUnknownIDRejection(t *testing.T) {
	f := newFixture(t, 1)
	id := f.subscribe(t, []string{evLog}, []string{f.tab(0)})
	mark := len(f.dispatcher.directives)

	err := f.unsubscribe(protocol.UnsubscribeParams{Subscriptions: []string{id, "not-an-id"}})
	assertCode(t, err, protocol.ErrInvalidArgument)
	if !strings.Contains(err.Error(), "not-an-id") || strings.Contains(err.Error(), id) {
		t.Errorf("error %q should name only the unknown id", err)
	}
	if got := len(f.dispatcher.directives) - mark; got != 0 {
		t.Errorf("rejected unsubscribe emitted %d directives", got)
	}
	if len(f.reg.Subscriptions()) != 1 || len(f.reg.KnownIDs()) != 1 {
		t.Error("rejected unsubscribe changed state")
	}

	err = f.unsubscribe(protocol.UnsubscribeParams{Subscriptions: []string{}})
	assertCode(t, err, protocol.ErrInvalidArgument)
}

func TestUnsubscribeByIDKeepsSharedCoverage(t *testing.T) {
	f := newFixture(t, 2)
	a, b := f.tab(0), f.tab(1)
	first := f.subscribe(t, []string{evLog}, []string{a})
	second := f.subscribe(t, []string{evLog}, []string{a, b})
	mark := len(f.dispatcher.directives)

	if err := f.unsubscribe(protocol.UnsubscribeParams{Subscriptions: []string{first}}); err != nil {
		t.Fatal(err)
	}
	assertDirectives(t, f.dispatcher.since(mark))

	if err := f.unsubscribe(protocol.UnsubscribeParams{Subscriptions: []string{second}}); err != nil {
		t.Fatal(err)
	}
	scopes := []string{a, b}
	sort.Strings(scopes)
	assertDirectives(t, f.dispatcher.since(mark),
		disable(evLog, ctxScope(scopes[0])),
		disable(evLog, ctxScope(scopes[1])),
	)
}

func TestUnsubscribeByIDRestoresScopedAfterGlobal(t *testing.T) {
	f := newFixture(t, 1)
	f.subscribe(t, []string{evLog}, []string{f.tab(0)})
	global := f.subscribe(t, []string{evLog}, nil)
	mark := len(f.dispatcher.directives)

	if err := f.unsubscribe(protocol.UnsubscribeParams{Subscriptions: []string{global}}); err != nil {
		t.Fatal(err)
	}
	assertDirectives(t, f.dispatcher.since(mark),
		disable(evLog, "global"),
		enable(evLog, ctxScope(f.tab(0))),
	)
}

func TestGlobalUnsubscribeLeavesScoped(t *testing.T) {
	f := newFixture(t, 1)
	scoped := f.subscribe(t, []string{evLog}, []string{f.tab(0)})
	f.subscribe(t, []string{evLog}, nil)
	mark := len(f.dispatcher.directives)

	if err := f.unsubscribe(protocol.UnsubscribeParams{Events: []string{evLog}}); err != nil {
		t.Fatalf("Unsubscribe error: %v", err)
	}
	assertDirectives(t, f.dispatcher.since(mark),
		disable(evLog, "global"),
		enable(evLog, ctxScope(f.tab(0))),
	)

	snaps := f.reg.Subscriptions()
	if len(snaps) != 1 || snaps[0].ID != scoped {
		t.Errorf("Subscriptions() = %+v, want only the scoped record", snaps)
	}
}

func TestGlobalUnsubscribeKeepsRemainingEvents(t *testing.T) {
	f := newFixture(t, 0)
	id := f.subscribe(t, []string{evLog, evFetch}, nil)
	mark := len(f.dispatcher.directives)

	if err := f.unsubscribe(protocol.UnsubscribeParams{Events: []string{evLog}}); err != nil {
		t.Fatal(err)
	}
	assertDirectives(t, f.dispatcher.since(mark), disable(evLog, "global"))

	snaps := f.reg.Subscriptions()
	if len(snaps) != 1 || snaps[0].ID != id || !snaps[0].Global || len(snaps[0].Events) != 1 || snaps[0].Events[0] != evFetch {
		t.Errorf("Subscriptions() = %+v, want global residual with %s", snaps, evFetch)
	}
}

func TestUnsubscribeMismatchesAreRejected(t *testing.T) {
	f := newFixture(t, 2)
	a, b := f.tab(0), f.tab(1)
	frame, _ := f.browser.Create(a, "")
	f.subscribe(t, []string{evLog}, []string{a})
	f.subscribe(t, []string{evFetch}, nil)
	f.subscribe(t, []string{evRequest}, nil)

	tests := []struct {
		name    string
		params  protocol.UnsubscribeParams
		code    protocol.ErrorCode
		message string
	}{
		{"no events", protocol.UnsubscribeParams{}, protocol.ErrInvalidArgument, "events"},
		{"empty contexts", protocol.UnsubscribeParams{Events: []string{evLog}, Contexts: []string{}}, protocol.ErrInvalidArgument, "contexts"},
		{"unknown event", protocol.UnsubscribeParams{Events: []string{"log.nope"}}, protocol.ErrInvalidArgument, "log.nope"},
		{"unknown context", protocol.UnsubscribeParams{Events: []string{evLog}, Contexts: []string{"nope"}}, protocol.ErrNoSuchFrame, "nope"},
		{"global removal of scoped", protocol.UnsubscribeParams{Events: []string{evLog}}, protocol.ErrInvalidArgument, evLog},
		{"scoped removal of global", protocol.UnsubscribeParams{Events: []string{evFetch}, Contexts: []string{a}}, protocol.ErrInvalidArgument, evFetch},
		{"context not subscribed", protocol.UnsubscribeParams{Events: []string{evLog}, Contexts: []string{a, b}}, protocol.ErrInvalidArgument, b},
		{"partial module", protocol.UnsubscribeParams{Events: []string{"network"}}, protocol.ErrInvalidArgument, "network.authRequired"},
		{"never subscribed", protocol.UnsubscribeParams{Events: []string{"script.message"}}, protocol.ErrInvalidArgument, "script.message"},
		{"frame of unsubscribed event", protocol.UnsubscribeParams{Events: []string{evRequest}, Contexts: []string{frame.ID}}, protocol.ErrInvalidArgument, evRequest},
	}

	mark := len(f.dispatcher.directives)
	before := f.reg.Subscriptions()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.unsubscribe(tt.params)
			assertCode(t, err, tt.code)
			if !strings.Contains(err.Error(), tt.message) {
				t.Errorf("error %q should mention %q", err, tt.message)
			}
		})
	}
	if got := len(f.dispatcher.directives) - mark; got != 0 {
		t.Errorf("rejected unsubscribes emitted %d directives", got)
	}
	if len(f.reg.Subscriptions()) != len(before) {
		t.Error("rejected unsubscribes changed the subscription list")
	}
}

func TestScopedUnsubscribeThroughFrame(t *testing.T) {
	f := newFixture(t, 1)
	frame, _ := f.browser.Create(f.tab(0), "")
	f.subscribe(t, []string{evLog}, []string{f.tab(0)})
	mark := len(f.dispatcher.directives)

	if err := f.unsubscribe(protocol.UnsubscribeParams{Events: []string{evLog}, Contexts: []string{frame.ID}}); err != nil {
		t.Fatalf("Unsubscribe error: %v", err)
	}
	assertDirectives(t, f.dispatcher.since(mark), disable(evLog, ctxScope(f.tab(0))))
	if len(f.reg.Subscriptions()) != 0 {
		t.Errorf("Subscriptions() = %+v, want empty", f.reg.Subscriptions())
	}
}

func TestIDStaysKnownAfterAttributeRemoval(t *testing.T) {
	f := newFixture(t, 1)
	id := f.subscribe(t, []string{evLog}, []string{f.tab(0)})
	if err := f.unsubscribe(protocol.UnsubscribeParams{Events: []string{evLog}, Contexts: []string{f.tab(0)}}); err != nil {
		t.Fatal(err)
	}
	if len(f.reg.Subscriptions()) != 0 {
		t.Fatal("attribute unsubscribe should drop the record")
	}
	mark := len(f.dispatcher.directives)

	if err := f.unsubscribe(protocol.UnsubscribeParams{Subscriptions: []string{id}}); err != nil {
		t.Fatalf("id unsubscribe of emptied subscription: %v", err)
	}
	assertDirectives(t, f.dispatcher.since(mark))

	err := f.unsubscribe(protocol.UnsubscribeParams{Subscriptions: []string{id}})
	assertCode(t, err, protocol.ErrInvalidArgument)
}

func TestSubscriptionsModeIgnoresEvents(t *testing.T) {
	f := newFixture(t, 1)
	id := f.subscribe(t, []string{evLog}, nil)
	err := f.unsubscribe(protocol.UnsubscribeParams{
		Events:        []string{"bogus"},
		Subscriptions: []string{id},
	})
	if err != nil {
		t.Fatalf("id mode should ignore events: %v", err)
	}
}

func TestDispatcherFailureKeepsState(t *testing.T) {
	f := newFixture(t, 1)
	f.dispatcher.fail = errors.New("listener backend down")

	_, err := f.reg.Subscribe(context.Background(), protocol.SubscribeParams{Events: []string{evLog}})
	assertCode(t, err, protocol.ErrUnknownError)
	if !strings.Contains(err.Error(), "listener backend down") {
		t.Errorf("error %q should wrap the dispatcher failure", err)
	}
	if len(f.reg.Subscriptions()) != 1 {
		t.Error("registry state is kept after a dispatcher failure")
	}
}

func TestClose(t *testing.T) {
	f := newFixture(t, 2)
	f.subscribe(t, []string{evLog}, nil)
	f.subscribe(t, []string{evLog, evFetch}, []string{f.tab(0)})

	if err := f.reg.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(f.dispatcher.enabled) != 0 {
		t.Errorf("listeners left after Close: %v", f.dispatcher.enabled)
	}
	if len(f.dispatcher.violations) != 0 {
		t.Errorf("violations: %v", f.dispatcher.violations)
	}
	if len(f.reg.Subscriptions()) != 0 {
		t.Error("Close should drop every subscription")
	}
}

func TestForgetContexts(t *testing.T) {
	f := newFixture(t, 2)
	shared := f.subscribe(t, []string{evLog}, []string{f.tab(0), f.tab(1)})
	only := f.subscribe(t, []string{evFetch}, []string{f.tab(0)})
	f.subscribe(t, []string{evRequest}, nil)
	closed := f.tab(0)
	if _, err := f.browser.Close(closed); err != nil {
		t.Fatal(err)
	}
	mark := len(f.dispatcher.directives)

	if err := f.reg.ForgetContexts(context.Background(), closed); err != nil {
		t.Fatal(err)
	}
	assertDirectives(t, f.dispatcher.since(mark),
		disable(evLog, ctxScope(closed)),
		disable(evFetch, ctxScope(closed)),
	)
	if len(f.dispatcher.violations) != 0 {
		t.Errorf("violations: %v", f.dispatcher.violations)
	}

	snaps := f.reg.Subscriptions()
	if len(snaps) != 2 {
		t.Fatalf("Subscriptions() = %+v", snaps)
	}
	for _, snap := range snaps {
		if snap.ID == only {
			t.Errorf("record %s has no open contexts left and should be gone", only)
		}
		if snap.ID == shared && (len(snap.Contexts) != 1 || snap.Contexts[0] != f.tab(1)) {
			t.Errorf("shared record contexts = %v, want [%s]", snap.Contexts, f.tab(1))
		}
	}
	if err := f.unsubscribe(protocol.UnsubscribeParams{Subscriptions: []string{only}}); err != nil {
		t.Errorf("id of a pruned record should still be known: %v", err)
	}

	mark = len(f.dispatcher.directives)
	if err := f.reg.ForgetContexts(context.Background(), closed); err != nil {
		t.Fatal(err)
	}
	assertDirectives(t, f.dispatcher.since(mark))
}

// TestRandomSequencesConverge drives random subscribe/unsubscribe sequences
// and checks after every step that the dispatcher never saw a duplicate
// enable or a disable of a missing listener, and that its listener table
// matches the registry's effective coverage.
func TestRandomSequencesConverge(t *testing.T) {
	universe := []string{evLog, evRequest, evFetch}

	for seed := int64(1); seed <= 20; seed++ {
		f := newFixture(t, 3)
		frame, _ := f.browser.Create(f.tab(1), "")
		contexts := []string{f.tab(0), f.tab(1), f.tab(2), frame.ID}
		rng := rand.New(rand.NewSource(seed))

		pick := func(pool []string) []string {
			var out []string
			for _, v := range pool {
				if rng.Intn(2) == 0 {
					out = append(out, v)
				}
			}
			if len(out) == 0 {
				out = append(out, pool[rng.Intn(len(pool))])
			}
			return out
		}

		for step := 0; step < 200; step++ {
			var ctxs []string
			if rng.Intn(3) > 0 {
				ctxs = pick(contexts)
			}
			switch op := rng.Intn(3); op {
			case 0:
				_, _ = f.reg.Subscribe(context.Background(), protocol.SubscribeParams{Events: pick(universe), Contexts: ctxs})
			case 1:
				_ = f.unsubscribe(protocol.UnsubscribeParams{Events: pick(universe), Contexts: ctxs})
			case 2:
				known := f.reg.KnownIDs()
				ids := []string{"bogus"}
				if len(known) > 0 && rng.Intn(4) > 0 {
					ids = pick(known)
				}
				_ = f.unsubscribe(protocol.UnsubscribeParams{Subscriptions: ids})
			}

			if len(f.dispatcher.violations) > 0 {
				t.Fatalf("seed %d step %d: %v", seed, step, f.dispatcher.violations)
			}
			want := map[string]bool{}
			for _, ev := range universe {
				for _, scope := range f.reg.effectiveScopes(ev).ToSlice() {
					want[ev+"@"+scope.String()] = true
				}
			}
			if fmt.Sprint(want) != fmt.Sprint(f.dispatcher.enabled) {
				t.Fatalf("seed %d step %d: listeners %v, want %v", seed, step, f.dispatcher.enabled, want)
			}
		}
	}
}
