package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"homescout/internal/api"
	"homescout/internal/localstore"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Unix(1_700_000_000, 0)

func mintToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	claims := Claims{
		Email: sub + "@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-signing-key"))
	require.NoError(t, err)
	return token
}

// fakeRefresher devolve um par novo com exp relativo ao relógio, ou err.
// Com gate != nil cada chamada bloqueia até o canal ser fechado.
type fakeRefresher struct {
	t     *testing.T
	clock clockwork.Clock
	calls atomic.Int32

	mu      sync.Mutex
	err     error
	gate    chan struct{}
	entered chan struct{}
}

func newFakeRefresher(t *testing.T, clock clockwork.Clock) *fakeRefresher {
	return &fakeRefresher{t: t, clock: clock}
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (api.TokenPair, error) {
	n := f.calls.Add(1)

	f.mu.Lock()
	gate, entered, err := f.gate, f.entered, f.err
	f.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return api.TokenPair{}, ctx.Err()
		}
	}
	if err != nil {
		return api.TokenPair{}, err
	}
	return api.TokenPair{
		AccessToken:  mintToken(f.t, "user-1", f.clock.Now().Add(time.Hour)),
		RefreshToken: "refresh-" + string(rune('a'+n)),
	}, nil
}

func (f *fakeRefresher) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeRefresher) block() (entered chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	f.entered = make(chan struct{}, 1)
	gate := f.gate
	var once sync.Once
	return f.entered, func() { once.Do(func() { close(gate) }) }
}

type recorder[T any] struct {
	mu     sync.Mutex
	events []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, v)
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.events...)
}

func (r *recorder[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// === Backend e sessão falsos ===

type fakeBackend struct {
	t     *testing.T
	clock clockwork.Clock

	mu            sync.Mutex
	loginFn       func(ctx context.Context, creds api.LoginCredentials) (*api.AuthResponse, error)
	loginCalls    int
	registered    []api.RegistrationData
	registerMig   *api.MigrationResult
	oauthCalls    []api.OAuthRequest
	logoutTokens  []string
	profile       *api.UserProfile
	profileErr    error
	migrateReqs   []api.MigrateSessionRequest
	migrateResult api.MigrationResult
}

func newFakeBackend(t *testing.T, clock clockwork.Clock) *fakeBackend {
	return &fakeBackend{
		t:       t,
		clock:   clock,
		profile: &api.UserProfile{ID: "user-1", Email: "ana@example.com", Name: "Ana", Tier: api.TierRegistered},
	}
}

func (b *fakeBackend) authResponse() *api.AuthResponse {
	return &api.AuthResponse{
		User: *b.profile,
		Tokens: api.TokenPair{
			AccessToken:  mintToken(b.t, b.profile.ID, b.clock.Now().Add(time.Hour)),
			RefreshToken: "refresh-login",
		},
	}
}

func (b *fakeBackend) Login(ctx context.Context, creds api.LoginCredentials) (*api.AuthResponse, error) {
	b.mu.Lock()
	b.loginCalls++
	fn := b.loginFn
	b.mu.Unlock()
	if fn != nil {
		return fn(ctx, creds)
	}
	return b.authResponse(), nil
}

func (b *fakeBackend) Register(ctx context.Context, data api.RegistrationData) (*api.AuthResponse, error) {
	b.mu.Lock()
	b.registered = append(b.registered, data)
	mig := b.registerMig
	b.mu.Unlock()
	resp := b.authResponse()
	resp.MigrationResult = mig
	return resp, nil
}

func (b *fakeBackend) LoginWithOAuth(ctx context.Context, provider string, req api.OAuthRequest) (*api.AuthResponse, error) {
	b.mu.Lock()
	b.oauthCalls = append(b.oauthCalls, req)
	b.mu.Unlock()
	return b.authResponse(), nil
}

func (b *fakeBackend) SendMagicLink(ctx context.Context, req api.MagicLinkRequest) error {
	return nil
}

func (b *fakeBackend) VerifyMagicLink(ctx context.Context, token string) (*api.AuthResponse, error) {
	if token != "good-link" {
		return nil, &api.Error{Status: 400, Message: "Invalid or expired link"}
	}
	return b.authResponse(), nil
}

func (b *fakeBackend) Logout(ctx context.Context, refreshToken string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logoutTokens = append(b.logoutTokens, refreshToken)
	return nil
}

func (b *fakeBackend) GetProfile(ctx context.Context) (*api.UserProfile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.profileErr != nil {
		return nil, b.profileErr
	}
	p := *b.profile
	return &p, nil
}

func (b *fakeBackend) UpdateProfile(ctx context.Context, update api.ProfileUpdate) (*api.UserProfile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := *b.profile
	if update.Name != nil {
		p.Name = *update.Name
	}
	b.profile = &p
	out := p
	return &out, nil
}

func (b *fakeBackend) GetPreferences(ctx context.Context) (*api.UserPreferences, error) {
	return &api.UserPreferences{}, nil
}

func (b *fakeBackend) UpdatePreferences(ctx context.Context, prefs api.UserPreferences) (*api.UserPreferences, error) {
	return &prefs, nil
}

func (b *fakeBackend) MigrateSession(ctx context.Context, req api.MigrateSessionRequest) (*api.MigrationResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.migrateReqs = append(b.migrateReqs, req)
	res := b.migrateResult
	return &res, nil
}

func (b *fakeBackend) ChangePassword(ctx context.Context, currentPassword, newPassword string) error {
	return nil
}

func (b *fakeBackend) SendEmailVerification(ctx context.Context) error {
	return nil
}

func (b *fakeBackend) VerifyEmail(ctx context.Context, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := *b.profile
	p.EmailVerified = true
	b.profile = &p
	return nil
}

func (b *fakeBackend) DeleteAccount(ctx context.Context, password string) error {
	if password != "correct" {
		return &api.Error{Status: 403, Message: "Invalid password"}
	}
	return nil
}

type fakeSessions struct {
	mu        sync.Mutex
	id        string
	saved     []string
	cleanups  int
	initErr   error
	listeners []func(api.MigrationResult)
}

func (f *fakeSessions) Initialize() error { return f.initErr }

func (f *fakeSessions) GetCurrentSessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id
}

func (f *fakeSessions) HasDataToMigrate() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved) > 0
}

func (f *fakeSessions) GetSavedProperties() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.saved...)
}

func (f *fakeSessions) CleanupAnonymousData() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	f.saved = nil
}

func (f *fakeSessions) SubscribeMigrationCompleted(fn func(api.MigrationResult)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
	return func() {}
}

type serviceFixture struct {
	svc       *Service
	backend   *fakeBackend
	sessions  *fakeSessions
	tokens    *TokenStore
	refresher *fakeRefresher
	store     *localstore.MemoryStore
	clock     clockwork.FakeClock
	events    *recorder[AuthEvent]
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testEpoch)
	store := localstore.NewMemoryStore()
	refresher := newFakeRefresher(t, clock)
	tokens := NewTokenStore(store, refresher, TokenStoreOptions{Clock: clock})
	backend := newFakeBackend(t, clock)
	sessions := &fakeSessions{id: "anon-session-1"}

	svc := NewService(backend, tokens, sessions, Options{Cache: store, Clock: clock})
	rec := &recorder[AuthEvent]{}
	svc.Subscribe(rec.add)
	t.Cleanup(svc.Dispose)

	return &serviceFixture{
		svc:       svc,
		backend:   backend,
		sessions:  sessions,
		tokens:    tokens,
		refresher: refresher,
		store:     store,
		clock:     clock,
		events:    rec,
	}
}

func (f *serviceFixture) eventTypes() []AuthEventType {
	var out []AuthEventType
	for _, e := range f.events.all() {
		out = append(out, e.Type)
	}
	return out
}

var errBackend500 = errors.New("backend returned 500")
