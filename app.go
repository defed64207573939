package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"homescout/internal/api"
	"homescout/internal/auth"
	"homescout/internal/config"
	"homescout/internal/core"
	"homescout/internal/database"
	"homescout/internal/session"
	"homescout/internal/validator"

	"github.com/wailsapp/wails/v2/pkg/runtime"
)

const (
	startupTimeout = 30 * time.Second
	bindingTimeout = 20 * time.Second
)

var errNotReady = errors.New("authentication is still starting")

// AuthResult é a resposta das operações de formulário para a UI
type AuthResult struct {
	Success bool              `json:"success"`
	Error   string            `json:"error,omitempty"`
	Field   string            `json:"field,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// App struct
type App struct {
	ctx context.Context
	rt  *core.Runtime
	mu  sync.RWMutex

	// emit é substituível nos testes; no app vai para runtime.EventsEmit
	emit      func(eventName string, data interface{})
	openURL   func(url string) error
	newRunner func(cfg config.Config, opts core.Options) (*core.Runtime, error)
}

// NewApp creates a new App application struct
func NewApp() *App {
	a := &App{newRunner: core.New}
	a.emit = func(eventName string, data interface{}) {
		if a.ctx == nil {
			return
		}
		runtime.EventsEmit(a.ctx, eventName, data)
	}
	a.openURL = func(u string) error {
		if a.ctx == nil {
			return errors.New("window not ready")
		}
		runtime.BrowserOpenURL(a.ctx, u)
		return nil
	}
	return a
}

// Startup is called when the app starts
// Carrega configuração, monta o runtime de autenticação e inicializa a sessão
func (a *App) Startup(ctx context.Context) {
	a.ctx = ctx
	log.Println("[HOMESCOUT] Starting up...")

	if err := config.EnsureDataDirs(); err != nil {
		log.Printf("[HOMESCOUT] Error creating data dirs: %v", err)
	}

	cfg, err := config.Load("")
	if err != nil {
		log.Printf("[HOMESCOUT] Invalid configuration, using defaults: %v", err)
		cfg = config.Default()
	}

	if err := a.startRuntime(ctx, cfg, core.Options{}); err != nil {
		log.Printf("[HOMESCOUT] Error starting auth runtime: %v", err)
	}
}

func (a *App) startRuntime(ctx context.Context, cfg config.Config, opts core.Options) error {
	opts.Emit = func(eventName string, data interface{}) { a.emit(eventName, data) }
	rt, err := a.newRunner(cfg, opts)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.rt = rt
	a.mu.Unlock()

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	return rt.Start(startCtx)
}

// DomReady is called when the frontend DOM is ready
func (a *App) DomReady(ctx context.Context) {
	log.Println("[HOMESCOUT] DOM Ready")
	a.emit(core.EventStateChanged, a.GetAuthState())
}

// Shutdown is called when the app is shutting down
func (a *App) Shutdown(ctx context.Context) {
	log.Println("[HOMESCOUT] Shutting down...")

	a.mu.Lock()
	rt := a.rt
	a.rt = nil
	a.mu.Unlock()

	if rt != nil {
		if err := rt.Close(); err != nil {
			log.Printf("[HOMESCOUT] Error closing runtime: %v", err)
		}
	}
}

func (a *App) current() (*core.Runtime, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.rt == nil {
		return nil, errNotReady
	}
	return a.rt, nil
}

func (a *App) bindingContext() (context.Context, context.CancelFunc) {
	parent := a.ctx
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, bindingTimeout)
}

func resultOf(err error, fallback string) AuthResult {
	if err == nil {
		return AuthResult{Success: true}
	}
	res := AuthResult{Error: api.ErrorMessage(err, fallback), Field: api.FieldOf(err)}
	var verr *validator.ValidationError
	if errors.As(err, &verr) {
		res.Fields = verr.Fields()
		res.Field = verr.FirstField()
	}
	return res
}

// === Auth Bindings ===

// GetAuthState retorna o estado atual (sem tokens)
func (a *App) GetAuthState() auth.AuthState {
	rt, err := a.current()
	if err != nil {
		return auth.AuthState{}
	}
	return rt.Auth.State()
}

// Login autentica com email e senha
func (a *App) Login(email, password string, rememberMe bool) AuthResult {
	rt, err := a.current()
	if err != nil {
		return resultOf(err, "Login failed")
	}
	ctx, cancel := a.bindingContext()
	defer cancel()

	err = rt.Auth.Login(ctx, api.LoginCredentials{Email: strings.TrimSpace(email), Password: password, RememberMe: rememberMe})
	return resultOf(err, "Login failed")
}

// Register cria a conta
func (a *App) Register(data api.RegistrationData) AuthResult {
	rt, err := a.current()
	if err != nil {
		return resultOf(err, "Registration failed")
	}
	ctx, cancel := a.bindingContext()
	defer cancel()

	data.Email = strings.TrimSpace(data.Email)
	return resultOf(rt.Auth.Register(ctx, data), "Registration failed")
}

// LoginWithProvider abre o navegador do sistema para Google/Apple.
// O resultado chega pelos eventos auth:login_success / auth:login_failed.
func (a *App) LoginWithProvider(provider string) error {
	rt, err := a.current()
	if err != nil {
		return err
	}

	go func() {
		parent := a.ctx
		if parent == nil {
			parent = context.Background()
		}
		ctx, cancel := context.WithTimeout(parent, 6*time.Minute)
		defer cancel()
		if err := rt.Auth.LoginWithProvider(ctx, rt.OAuth, provider, a.openURL); err != nil {
			log.Printf("[HOMESCOUT] OAuth login with %s failed: %v", provider, err)
			return
		}
		if a.ctx != nil {
			runtime.WindowShow(a.ctx)
		}
	}()
	return nil
}

// CancelProviderLogin aborta o login social pendente
func (a *App) CancelProviderLogin() {
	if rt, err := a.current(); err == nil {
		rt.OAuth.Cancel()
	}
}

// SendMagicLink envia um link de acesso por email
func (a *App) SendMagicLink(email, purpose string) AuthResult {
	rt, err := a.current()
	if err != nil {
		return resultOf(err, "Failed to send magic link")
	}
	ctx, cancel := a.bindingContext()
	defer cancel()

	err = rt.Auth.SendMagicLink(ctx, api.MagicLinkRequest{Email: strings.TrimSpace(email), Purpose: api.MagicLinkPurpose(purpose)})
	return resultOf(err, "Failed to send magic link")
}

// VerifyMagicLink conclui o login pelo token do link
func (a *App) VerifyMagicLink(token string) AuthResult {
	rt, err := a.current()
	if err != nil {
		return resultOf(err, "Magic link verification failed")
	}
	ctx, cancel := a.bindingContext()
	defer cancel()
	return resultOf(rt.Auth.VerifyMagicLink(ctx, token), "Magic link verification failed")
}

// Logout encerra a sessão (o session id anônimo é mantido)
func (a *App) Logout() {
	rt, err := a.current()
	if err != nil {
		return
	}
	ctx, cancel := a.bindingContext()
	defer cancel()
	rt.Auth.Logout(ctx)
}

// RefreshAuth rebusca o perfil
func (a *App) RefreshAuth() error {
	rt, err := a.current()
	if err != nil {
		return err
	}
	ctx, cancel := a.bindingContext()
	defer cancel()
	return rt.Auth.RefreshAuth(ctx)
}

// UpdateProfile atualiza nome, telefone ou avatar
func (a *App) UpdateProfile(update api.ProfileUpdate) AuthResult {
	rt, err := a.current()
	if err != nil {
		return resultOf(err, "Failed to update profile")
	}
	ctx, cancel := a.bindingContext()
	defer cancel()
	return resultOf(rt.Auth.UpdateProfile(ctx, update), "Failed to update profile")
}

// GetPreferences retorna as preferências do usuário
func (a *App) GetPreferences() (*api.UserPreferences, error) {
	rt, err := a.current()
	if err != nil {
		return nil, err
	}
	ctx, cancel := a.bindingContext()
	defer cancel()
	return rt.Auth.GetPreferences(ctx)
}

// UpdatePreferences substitui as preferências do usuário
func (a *App) UpdatePreferences(prefs api.UserPreferences) (*api.UserPreferences, error) {
	rt, err := a.current()
	if err != nil {
		return nil, err
	}
	ctx, cancel := a.bindingContext()
	defer cancel()
	return rt.Auth.UpdatePreferences(ctx, prefs)
}

func (a *App) ChangePassword(currentPassword, newPassword string) AuthResult {
	rt, err := a.current()
	if err != nil {
		return resultOf(err, "Password change failed")
	}
	ctx, cancel := a.bindingContext()
	defer cancel()
	return resultOf(rt.Auth.ChangePassword(ctx, currentPassword, newPassword), "Password change failed")
}

func (a *App) SendEmailVerification() AuthResult {
	rt, err := a.current()
	if err != nil {
		return resultOf(err, "Failed to send email verification")
	}
	ctx, cancel := a.bindingContext()
	defer cancel()
	return resultOf(rt.Auth.SendEmailVerification(ctx), "Failed to send email verification")
}

func (a *App) VerifyEmail(token string) AuthResult {
	rt, err := a.current()
	if err != nil {
		return resultOf(err, "Email verification failed")
	}
	ctx, cancel := a.bindingContext()
	defer cancel()
	return resultOf(rt.Auth.VerifyEmail(ctx, token), "Email verification failed")
}

// DeleteAccount remove a conta e encerra a sessão
func (a *App) DeleteAccount(password string) AuthResult {
	rt, err := a.current()
	if err != nil {
		return resultOf(err, "Account deletion failed")
	}
	ctx, cancel := a.bindingContext()
	defer cancel()
	return resultOf(rt.Auth.DeleteAccount(ctx, password), "Account deletion failed")
}

// MigrateSession migra a sessão anônima para a conta atual
func (a *App) MigrateSession() (*api.MigrationResult, error) {
	rt, err := a.current()
	if err != nil {
		return nil, err
	}
	ctx, cancel := a.bindingContext()
	defer cancel()
	return rt.Auth.MigrateSession(ctx)
}

func (a *App) ClearAuthError() {
	if rt, err := a.current(); err == nil {
		rt.Auth.ClearError()
	}
}

// SetWindowVisible é chamado pela UI no visibilitychange
func (a *App) SetWindowVisible(visible bool) {
	rt, err := a.current()
	if err != nil {
		return
	}
	ctx, cancel := a.bindingContext()
	defer cancel()
	rt.Tokens.OnVisibilityChange(ctx, visible)
}

// GetAuthEvents lista a auditoria local de autenticação
func (a *App) GetAuthEvents(limit int) ([]database.AuthEventLog, error) {
	rt, err := a.current()
	if err != nil {
		return nil, err
	}
	if rt.DB == nil {
		return []database.AuthEventLog{}, nil
	}
	return rt.DB.ListAuthEvents(limit)
}

// === Session Bindings ===

func (a *App) GetSessionID() string {
	rt, err := a.current()
	if err != nil {
		return ""
	}
	return rt.Sessions.GetCurrentSessionID()
}

// StartNewSession troca o session id anônimo
func (a *App) StartNewSession() string {
	rt, err := a.current()
	if err != nil {
		return ""
	}
	return rt.Sessions.CreateNewSession()
}

func (a *App) GetAnonymousUserData() session.AnonymousUserData {
	rt, err := a.current()
	if err != nil {
		return session.AnonymousUserData{}
	}
	return rt.Sessions.GetAnonymousUserData()
}

func (a *App) GetSavedProperties() []string {
	rt, err := a.current()
	if err != nil {
		return []string{}
	}
	return rt.Sessions.GetSavedProperties()
}

func (a *App) SaveProperty(propertyID string) error {
	rt, err := a.current()
	if err != nil {
		return err
	}
	return rt.Sessions.AddSavedProperty(propertyID)
}

func (a *App) UnsaveProperty(propertyID string) error {
	rt, err := a.current()
	if err != nil {
		return err
	}
	return rt.Sessions.RemoveSavedProperty(propertyID)
}

func (a *App) IsPropertySaved(propertyID string) bool {
	rt, err := a.current()
	if err != nil {
		return false
	}
	return rt.Sessions.IsPropertySaved(propertyID)
}

// GetMigrationPrompt alimenta o banner de incentivo ao cadastro
func (a *App) GetMigrationPrompt() session.MigrationPrompt {
	rt, err := a.current()
	if err != nil {
		return session.MigrationPrompt{Items: []string{}}
	}
	return rt.Sessions.GenerateMigrationPrompt()
}

// === Deep links ===

// HandleDeepLink processa links homescout:// (chamado pelo macOS)
//
//	homescout://auth/magic-link?token=...
//	homescout://auth/verify-email?token=...
func (a *App) HandleDeepLink(urlStr string) {
	action, token, err := parseDeepLink(urlStr)
	if err != nil {
		log.Printf("[HOMESCOUT] Ignored deep link: %v", err)
		return
	}
	log.Printf("[HOMESCOUT] Deep link received: %s", action)

	var res AuthResult
	switch action {
	case "magic-link":
		res = a.VerifyMagicLink(token)
	case "verify-email":
		res = a.VerifyEmail(token)
	}
	if !res.Success {
		log.Printf("[HOMESCOUT] Deep link %s failed: %s", action, res.Error)
		a.emit(core.EventDeepLinkFailed, res.Error)
		return
	}

	if a.ctx != nil {
		runtime.WindowShow(a.ctx)
	}
}

func parseDeepLink(raw string) (string, string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != config.DeepLinkScheme || u.Host != "auth" {
		return "", "", fmt.Errorf("unknown deep link %s://%s", u.Scheme, u.Host)
	}

	action := strings.Trim(u.Path, "/")
	if action != "magic-link" && action != "verify-email" {
		return "", "", fmt.Errorf("unknown auth action %q", action)
	}

	token := u.Query().Get("token")
	if token == "" {
		return "", "", fmt.Errorf("deep link %s missing token", action)
	}
	return action, token, nil
}
