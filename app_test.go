package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"homescout/internal/config"
	"homescout/internal/core"
	"homescout/internal/database"
	"homescout/internal/localstore"
)

type emittedEvent struct {
	name string
	data interface{}
}

type eventLog struct {
	mu     sync.Mutex
	events []emittedEvent
}

func (l *eventLog) emit(name string, data interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, emittedEvent{name: name, data: data})
}

func (l *eventLog) find(name string) (emittedEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.name == name {
			return ev, true
		}
	}
	return emittedEvent{}, false
}

func newTestApp(t *testing.T, handler http.HandlerFunc) (*App, *eventLog) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Default()
	cfg.APIBaseURL = srv.URL + "/api"
	cfg.RequestTimeout = 5 * time.Second
	cfg.MetricsAddr = ""

	log := &eventLog{}
	app := NewApp()
	app.emit = log.emit
	if err := app.startRuntime(context.Background(), cfg, core.Options{
		SecretStore:    localstore.NewMemoryStore(),
		DB:             db,
		DisableWatcher: true,
	}); err != nil {
		t.Fatalf("start runtime: %v", err)
	}
	t.Cleanup(func() { app.Shutdown(context.Background()) })
	return app, log
}

func rejectAll(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   map[string]string{"code": "INVALID_TOKEN", "message": "Link expired or invalid"},
	})
}

func TestParseDeepLink(t *testing.T) {
	cases := []struct {
		raw    string
		action string
		token  string
		ok     bool
	}{
		{"homescout://auth/magic-link?token=abc", "magic-link", "abc", true},
		{"homescout://auth/verify-email?token=x%2By", "verify-email", "x+y", true},
		{"  homescout://auth/magic-link/?token=t1 ", "magic-link", "t1", true},
		{"homescout://auth/magic-link", "", "", false},
		{"homescout://auth/reset?token=abc", "", "", false},
		{"homescout://property/123?token=abc", "", "", false},
		{"https://auth/magic-link?token=abc", "", "", false},
		{"::not a url", "", "", false},
	}

	for _, tc := range cases {
		action, token, err := parseDeepLink(tc.raw)
		if tc.ok != (err == nil) {
			t.Fatalf("parseDeepLink(%q) err = %v, want ok=%v", tc.raw, err, tc.ok)
		}
		if action != tc.action || token != tc.token {
			t.Fatalf("parseDeepLink(%q) = (%q, %q), want (%q, %q)", tc.raw, action, token, tc.action, tc.token)
		}
	}
}

func TestBindingsBeforeStartupAreSafe(t *testing.T) {
	app := NewApp()

	if st := app.GetAuthState(); st.IsAuthenticated || st.Initialized {
		t.Fatalf("expected zero state before startup, got %+v", st)
	}
	if res := app.Login("ana@example.com", "secret1", false); res.Success || res.Error == "" {
		t.Fatalf("expected not-ready failure, got %+v", res)
	}
	if got := app.GetSavedProperties(); len(got) != 0 {
		t.Fatalf("expected no saved properties, got %v", got)
	}
	if err := app.RefreshAuth(); err != errNotReady {
		t.Fatalf("expected errNotReady, got %v", err)
	}

	// Não deve entrar em pânico sem runtime
	app.Logout()
	app.SetWindowVisible(true)
	app.HandleDeepLink("homescout://auth/magic-link?token=abc")
	app.Shutdown(context.Background())
}

func TestLoginValidationReportsFields(t *testing.T) {
	app, _ := newTestApp(t, rejectAll)

	res := app.Login("not-an-email", "", false)
	if res.Success {
		t.Fatal("expected validation failure")
	}
	if res.Field != "email" {
		t.Fatalf("expected first field email, got %q", res.Field)
	}
	if _, ok := res.Fields["password"]; !ok {
		t.Fatalf("expected password field error, got %v", res.Fields)
	}
	if st := app.GetAuthState(); st.Error == "" {
		t.Fatal("expected error recorded in auth state")
	}

	app.ClearAuthError()
	if st := app.GetAuthState(); st.Error != "" {
		t.Fatalf("expected error cleared, got %q", st.Error)
	}
}

func TestSavedPropertyBindings(t *testing.T) {
	app, _ := newTestApp(t, rejectAll)

	if err := app.SaveProperty("prop-1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := app.SaveProperty("prop-1"); err != nil {
		t.Fatalf("save twice: %v", err)
	}
	if !app.IsPropertySaved("prop-1") {
		t.Fatal("expected prop-1 saved")
	}
	if got := app.GetSavedProperties(); len(got) != 1 {
		t.Fatalf("expected one saved property, got %v", got)
	}

	prompt := app.GetMigrationPrompt()
	if !prompt.Show || len(prompt.Items) == 0 || prompt.Items[0] != "1 saved property" {
		t.Fatalf("unexpected prompt %+v", prompt)
	}

	if err := app.UnsaveProperty("prop-1"); err != nil {
		t.Fatalf("unsave: %v", err)
	}
	if app.IsPropertySaved("prop-1") {
		t.Fatal("expected prop-1 removed")
	}
}

func TestStartNewSessionChangesID(t *testing.T) {
	app, _ := newTestApp(t, rejectAll)

	first := app.GetSessionID()
	if first == "" {
		t.Fatal("expected session id after startup")
	}
	second := app.StartNewSession()
	if second == "" || second == first {
		t.Fatalf("expected a new session id, got %q (was %q)", second, first)
	}
	if got := app.GetAnonymousUserData().SessionID; got != second {
		t.Fatalf("expected anonymous data for %q, got %q", second, got)
	}
}

func TestHandleDeepLinkFailureIsEmitted(t *testing.T) {
	app, log := newTestApp(t, rejectAll)

	app.HandleDeepLink("homescout://auth/magic-link?token=expired")

	ev, ok := log.find(core.EventDeepLinkFailed)
	if !ok {
		t.Fatal("expected deep link failure event")
	}
	if msg, _ := ev.data.(string); msg != "Link expired or invalid" {
		t.Fatalf("unexpected failure message %v", ev.data)
	}
	if app.GetAuthState().IsAuthenticated {
		t.Fatal("expected to stay unauthenticated")
	}
}

func TestGetAuthEventsReturnsAudit(t *testing.T) {
	app, _ := newTestApp(t, rejectAll)

	app.Login("ana@example.com", "secret1", false)

	events, err := app.GetAuthEvents(10)
	if err != nil {
		t.Fatalf("list auth events: %v", err)
	}
	if len(events) == 0 || events[0].Type != "auth:login_failed" {
		t.Fatalf("expected login_failed audit entry, got %+v", events)
	}
}
