package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"homescout/internal/api"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	ProviderGoogle = "google"
	ProviderApple  = "apple"

	callbackTimeout = 5 * time.Minute
)

var (
	ErrOAuthInProgress    = errors.New("another sign-in is already in progress")
	ErrOAuthNotStarted    = errors.New("no sign-in in progress")
	ErrOAuthStateMismatch = errors.New("oauth state mismatch")
)

var providerIssuers = map[string]string{
	ProviderGoogle: "https://accounts.google.com",
	ProviderApple:  "https://appleid.apple.com",
}

// Endpoints estáticos usados quando a descoberta OIDC falha (ex: offline parcial)
var fallbackEndpoints = map[string]oauth2.Endpoint{
	ProviderGoogle: google.Endpoint,
	ProviderApple: {
		AuthURL:   "https://appleid.apple.com/auth/authorize",
		TokenURL:  "https://appleid.apple.com/auth/token",
		AuthStyle: oauth2.AuthStyleInParams,
	},
}

// OAuthConfig configura o login social
type OAuthConfig struct {
	GoogleClientID string
	AppleClientID  string
	// CallbackPort é a porta preferida do servidor de loopback; 0 usa uma porta livre
	CallbackPort int
	// Discover resolve os endpoints do provedor; nil usa descoberta OIDC
	Discover func(ctx context.Context, issuer string) (oauth2.Endpoint, error)
}

// OAuthFlow conduz o login no navegador do sistema com callback em loopback.
// O code recebido é trocado pelo backend, que guarda os segredos do provedor.
type OAuthFlow struct {
	cfg OAuthConfig

	mu        sync.Mutex
	endpoints map[string]oauth2.Endpoint
	server    *http.Server
	pending   *pendingAuth
}

type pendingAuth struct {
	provider    string
	state       string
	verifier    string
	redirectURI string
	done        chan callbackResult
	once        sync.Once
}

type callbackResult struct {
	code string
	err  error
}

func (p *pendingAuth) deliver(res callbackResult) {
	p.once.Do(func() { p.done <- res })
}

// NewOAuthFlow cria o fluxo
func NewOAuthFlow(cfg OAuthConfig) *OAuthFlow {
	if cfg.Discover == nil {
		cfg.Discover = discoverEndpoint
	}
	return &OAuthFlow{cfg: cfg, endpoints: make(map[string]oauth2.Endpoint)}
}

func discoverEndpoint(ctx context.Context, issuer string) (oauth2.Endpoint, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return oauth2.Endpoint{}, fmt.Errorf("oidc discovery %s: %w", issuer, err)
	}
	return provider.Endpoint(), nil
}

func (f *OAuthFlow) clientID(provider string) string {
	switch provider {
	case ProviderGoogle:
		return f.cfg.GoogleClientID
	case ProviderApple:
		return f.cfg.AppleClientID
	}
	return ""
}

func (f *OAuthFlow) endpoint(ctx context.Context, provider string) oauth2.Endpoint {
	f.mu.Lock()
	ep, ok := f.endpoints[provider]
	f.mu.Unlock()
	if ok {
		return ep
	}

	ep, err := f.cfg.Discover(ctx, providerIssuers[provider])
	if err != nil || ep.AuthURL == "" {
		log.Printf("[AUTH] OIDC discovery for %s failed, using static endpoints: %v", provider, err)
		return fallbackEndpoints[provider]
	}

	f.mu.Lock()
	f.endpoints[provider] = ep
	f.mu.Unlock()
	return ep
}

// Begin sobe o servidor de callback e retorna a URL de autorização a abrir no navegador
func (f *OAuthFlow) Begin(ctx context.Context, provider string) (string, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if _, ok := providerIssuers[provider]; !ok {
		return "", fmt.Errorf("unsupported oauth provider: %q", provider)
	}
	clientID := f.clientID(provider)
	if clientID == "" {
		return "", fmt.Errorf("oauth client id for %s is not configured", provider)
	}

	f.mu.Lock()
	if f.pending != nil {
		f.mu.Unlock()
		return "", ErrOAuthInProgress
	}
	f.mu.Unlock()

	endpoint := f.endpoint(ctx, provider)

	redirectURI, err := f.startServer()
	if err != nil {
		return "", err
	}

	state, err := randomState()
	if err != nil {
		f.stopServer()
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	verifier := oauth2.GenerateVerifier()

	conf := &oauth2.Config{
		ClientID:    clientID,
		Endpoint:    endpoint,
		RedirectURL: redirectURI,
	}
	if provider == ProviderGoogle {
		conf.Scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}

	f.mu.Lock()
	if f.pending != nil {
		f.mu.Unlock()
		return "", ErrOAuthInProgress
	}
	f.pending = &pendingAuth{
		provider:    provider,
		state:       state,
		verifier:    verifier,
		redirectURI: redirectURI,
		done:        make(chan callbackResult, 1),
	}
	f.mu.Unlock()

	return conf.AuthCodeURL(state, oauth2.AccessTypeOnline, oauth2.S256ChallengeOption(verifier)), nil
}

// Wait aguarda o callback e devolve o pedido para /auth/oauth/{provider}
func (f *OAuthFlow) Wait(ctx context.Context) (string, api.OAuthRequest, error) {
	f.mu.Lock()
	p := f.pending
	f.mu.Unlock()
	if p == nil {
		return "", api.OAuthRequest{}, ErrOAuthNotStarted
	}
	defer f.finish(p)

	timer := time.NewTimer(callbackTimeout)
	defer timer.Stop()

	select {
	case res := <-p.done:
		if res.err != nil {
			return p.provider, api.OAuthRequest{}, res.err
		}
		return p.provider, api.OAuthRequest{
			Code:         res.code,
			State:        p.state,
			CodeVerifier: p.verifier,
			RedirectURI:  p.redirectURI,
		}, nil
	case <-timer.C:
		return p.provider, api.OAuthRequest{}, errors.New("timed out waiting for the sign-in callback")
	case <-ctx.Done():
		return p.provider, api.OAuthRequest{}, ctx.Err()
	}
}

// Cancel aborta o fluxo pendente
func (f *OAuthFlow) Cancel() {
	f.mu.Lock()
	p := f.pending
	f.mu.Unlock()
	if p != nil {
		p.deliver(callbackResult{err: context.Canceled})
	}
}

func (f *OAuthFlow) finish(p *pendingAuth) {
	f.mu.Lock()
	if f.pending == p {
		f.pending = nil
	}
	f.mu.Unlock()
	f.stopServer()
}

// startServer inicia (ou reaproveita) o servidor local de callback
func (f *OAuthFlow) startServer() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.server != nil {
		return callbackURL(f.server.Addr), nil
	}

	var listener net.Listener
	var err error
	if f.cfg.CallbackPort > 0 {
		listener, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", f.cfg.CallbackPort))
	}
	if listener == nil {
		// Porta preferida ocupada: usar uma porta livre
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return "", fmt.Errorf("failed to start callback server: %w", err)
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/callback", f.handleCallback)
	r.Post("/callback", f.handleCallback)
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("HomeScout Authentication Server"))
	})

	srv := &http.Server{
		Addr:              listener.Addr().String(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	f.server = srv

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[AUTH] Callback server error: %v", err)
		}
	}()

	url := callbackURL(srv.Addr)
	log.Printf("[AUTH] Callback server started at %s", url)
	return url, nil
}

func callbackURL(addr string) string {
	return "http://" + addr + "/callback"
}

func (f *OAuthFlow) stopServer() {
	f.mu.Lock()
	srv := f.server
	f.server = nil
	f.mu.Unlock()

	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[AUTH] Callback server shutdown: %v", err)
	}
	log.Println("[AUTH] Callback server stopped")
}

// handleCallback aceita query (GET) e form_post (POST, usado pela Apple)
func (f *OAuthFlow) handleCallback(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	p := f.pending
	f.mu.Unlock()

	if p == nil {
		http.Error(w, "No sign-in in progress", http.StatusGone)
		return
	}

	state := r.FormValue("state")
	// Um state forjado não encerra o login pendente
	if subtle.ConstantTimeCompare([]byte(state), []byte(p.state)) != 1 {
		log.Printf("[AUTH] OAuth callback rejected: %v", ErrOAuthStateMismatch)
		http.Error(w, ErrOAuthStateMismatch.Error(), http.StatusBadRequest)
		return
	}

	if providerErr := r.FormValue("error"); providerErr != "" {
		msg := r.FormValue("error_description")
		if msg == "" {
			msg = providerErr
		}
		p.deliver(callbackResult{err: fmt.Errorf("provider returned an error: %s", msg)})
		writeCallbackPage(w, false, msg)
		return
	}

	code := r.FormValue("code")
	if code == "" {
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		return
	}

	p.deliver(callbackResult{code: code})
	writeCallbackPage(w, true, "")
}

func writeCallbackPage(w http.ResponseWriter, ok bool, message string) {
	title, heading, body := "HomeScout - Signed in", "Signed in", "You can close this window and return to HomeScout."
	if !ok {
		title, heading, body = "HomeScout - Sign-in failed", "Sign-in failed", html.EscapeString(message)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>%s</title></head>
<body style="font-family: system-ui; display: flex; justify-content: center; align-items: center; height: 100vh; margin: 0;">
<div style="text-align: center;">
<h1>%s</h1>
<p>%s</p>
</div>
</body>
</html>`, title, heading, body)
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// LoginWithProvider executa o fluxo completo: abre o navegador, espera o callback
// e troca o code no backend.
func (s *Service) LoginWithProvider(ctx context.Context, flow *OAuthFlow, provider string, openBrowser func(url string) error) error {
	authURL, err := flow.Begin(ctx, provider)
	if err != nil {
		return s.fail(EventLoginFailed, err, "OAuth login failed")
	}
	if err := openBrowser(authURL); err != nil {
		flow.Cancel()
		_, _, _ = flow.Wait(ctx)
		return s.fail(EventLoginFailed, err, "Failed to open the browser")
	}

	name, req, err := flow.Wait(ctx)
	if err != nil {
		return s.fail(EventLoginFailed, err, "OAuth login failed")
	}
	return s.LoginWithOAuth(ctx, name, req)
}
