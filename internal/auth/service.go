package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"homescout/internal/api"
	"homescout/internal/events"
	"homescout/internal/localstore"
	"homescout/internal/validator"

	"github.com/jonboulle/clockwork"
)

const externalSyncTimeout = 15 * time.Second

// ErrStaleResponse indica uma resposta que chegou depois de um logout e foi descartada
var ErrStaleResponse = errors.New("stale response discarded after logout")

// Backend é o subconjunto da API usado pelo orquestrador (implementado por api.Client)
type Backend interface {
	Login(ctx context.Context, creds api.LoginCredentials) (*api.AuthResponse, error)
	Register(ctx context.Context, data api.RegistrationData) (*api.AuthResponse, error)
	LoginWithOAuth(ctx context.Context, provider string, req api.OAuthRequest) (*api.AuthResponse, error)
	SendMagicLink(ctx context.Context, req api.MagicLinkRequest) error
	VerifyMagicLink(ctx context.Context, token string) (*api.AuthResponse, error)
	Logout(ctx context.Context, refreshToken string) error
	GetProfile(ctx context.Context) (*api.UserProfile, error)
	UpdateProfile(ctx context.Context, update api.ProfileUpdate) (*api.UserProfile, error)
	GetPreferences(ctx context.Context) (*api.UserPreferences, error)
	UpdatePreferences(ctx context.Context, prefs api.UserPreferences) (*api.UserPreferences, error)
	MigrateSession(ctx context.Context, req api.MigrateSessionRequest) (*api.MigrationResult, error)
	ChangePassword(ctx context.Context, currentPassword, newPassword string) error
	SendEmailVerification(ctx context.Context) error
	VerifyEmail(ctx context.Context, token string) error
	DeleteAccount(ctx context.Context, password string) error
}

// Sessions é a identidade anônima vista pelo orquestrador (implementada por session.Service)
type Sessions interface {
	Initialize() error
	GetCurrentSessionID() string
	HasDataToMigrate() bool
	GetSavedProperties() []string
	CleanupAnonymousData()
	SubscribeMigrationCompleted(fn func(api.MigrationResult)) func()
}

// Options do orquestrador
type Options struct {
	// Cache guarda o perfil em cache (auth_user_profile)
	Cache localstore.Store
	Clock clockwork.Clock
}

// Service é o orquestrador de autenticação: uma instância por processo,
// criada na composição e compartilhada pelo app desktop e pelo CLI.
type Service struct {
	backend  Backend
	tokens   *TokenStore
	sessions Sessions
	cache    localstore.Store
	clock    clockwork.Clock

	mu         sync.Mutex
	state      AuthState
	generation uint64
	unsubs     []func()

	events events.Topic[AuthEvent]
	// StateChanged recebe um snapshot a cada mudança de estado
	StateChanged events.Topic[AuthState]
}

// NewService cria o orquestrador e passa a escutar os eventos do TokenStore e da sessão
func NewService(backend Backend, tokens *TokenStore, sessions Sessions, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Cache == nil {
		opts.Cache = localstore.NewMemoryStore()
	}

	s := &Service{
		backend:  backend,
		tokens:   tokens,
		sessions: sessions,
		cache:    opts.Cache,
		clock:    opts.Clock,
	}

	s.unsubs = append(s.unsubs,
		tokens.Expired.Subscribe(func(ev ExpiredEvent) {
			log.Printf("[AUTH] Session expired (%s), logging out", ev.Reason)
			s.handleLogout()
		}),
		tokens.Refreshed.Subscribe(func(ev RefreshedEvent) {
			s.mu.Lock()
			authenticated := s.state.IsAuthenticated
			if s.state.Tokens != nil {
				pair := api.TokenPair{AccessToken: tokens.GetAccessToken(), RefreshToken: tokens.GetRefreshToken()}
				s.state.Tokens = &pair
			}
			s.mu.Unlock()
			s.EmitAuthEvent(EventTokenRefresh, ev)

			// Login feito em outra instância: buscar o perfil para acompanhar
			if ev.External && !authenticated {
				ctx, cancel := context.WithTimeout(context.Background(), externalSyncTimeout)
				defer cancel()
				if err := s.RefreshAuth(ctx); err != nil {
					log.Printf("[AUTH] Failed to follow external login: %v", err)
				}
			}
		}),
		sessions.SubscribeMigrationCompleted(func(res api.MigrationResult) {
			s.EmitAuthEvent(EventSessionMigration, res)
		}),
	)
	return s
}

// === Ciclo de vida ===

// Initialize carrega tokens e sessão e decide entre autenticado e anônimo
func (s *Service) Initialize(ctx context.Context) error {
	s.mutate(func(st *AuthState) {
		st.Loading = true
		st.Error = ""
	})
	defer s.mutate(func(st *AuthState) {
		st.Loading = false
		st.Initialized = true
	})

	if err := s.tokens.Initialize(ctx); err != nil {
		log.Printf("[AUTH] Token initialization: %v", err)
	}

	var initErr error
	if err := s.sessions.Initialize(); err != nil {
		log.Printf("[AUTH] Session initialization failed: %v", err)
		initErr = fmt.Errorf("initialize session: %w", err)
		s.mutate(func(st *AuthState) { st.Error = "Failed to initialize authentication" })
	}

	sessionID := s.sessions.GetCurrentSessionID()
	gen := s.mutate(func(st *AuthState) { st.SessionID = sessionID })

	if !s.tokens.HasValidToken() {
		cached := s.loadCachedProfile()
		s.mutate(func(st *AuthState) {
			st.IsAuthenticated = false
			st.User = nil
			st.Tokens = nil
			st.CachedUser = cached
		})
		return initErr
	}

	profile, err := s.backend.GetProfile(ctx)
	if err != nil {
		log.Printf("[AUTH] Failed to get user profile: %v", err)
		s.tokens.ClearTokens()
		s.mutate(func(st *AuthState) {
			st.IsAuthenticated = false
			st.User = nil
			st.Tokens = nil
		})
		return initErr
	}

	if err := s.commitUser(gen, profile, nil); err != nil {
		return err
	}
	s.EmitAuthEvent(EventLoginSuccess, profile)
	return initErr
}

// Dispose remove os listeners e cancela o timer de refresh
func (s *Service) Dispose() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	s.tokens.Cleanup()
}

// === Operações ===

// Login autentica com email e senha
func (s *Service) Login(ctx context.Context, creds api.LoginCredentials) error {
	gen := s.begin()
	defer s.end()

	if err := validator.Validate(creds); err != nil {
		return s.fail(EventLoginFailed, err, "Login failed")
	}
	resp, err := s.backend.Login(ctx, creds)
	if err != nil {
		return s.fail(EventLoginFailed, err, "Login failed")
	}
	return s.completeAuth(gen, resp, EventLoginSuccess)
}

// Register cria a conta; a sessão anônima vai junto para o backend migrar os dados
func (s *Service) Register(ctx context.Context, data api.RegistrationData) error {
	gen := s.begin()
	defer s.end()

	if err := validator.Validate(data); err != nil {
		return s.fail(EventRegisterFailed, err, "Registration failed")
	}
	if s.sessions.HasDataToMigrate() {
		data.SessionID = s.sessions.GetCurrentSessionID()
	}

	resp, err := s.backend.Register(ctx, data)
	if err != nil {
		return s.fail(EventRegisterFailed, err, "Registration failed")
	}
	return s.completeAuth(gen, resp, EventRegisterSuccess)
}

// LoginWithOAuth troca o code recebido do provedor por uma sessão
func (s *Service) LoginWithOAuth(ctx context.Context, provider string, req api.OAuthRequest) error {
	gen := s.begin()
	defer s.end()

	resp, err := s.backend.LoginWithOAuth(ctx, provider, req)
	if err != nil {
		return s.fail(EventLoginFailed, err, "OAuth login failed")
	}
	return s.completeAuth(gen, resp, EventLoginSuccess)
}

// SendMagicLink pede o envio de um link de acesso
func (s *Service) SendMagicLink(ctx context.Context, req api.MagicLinkRequest) error {
	s.begin()
	defer s.end()

	if req.Purpose == "" {
		req.Purpose = api.MagicLinkLogin
	}
	if err := validator.Validate(req); err != nil {
		return s.setError(err, "Failed to send magic link")
	}
	if err := s.backend.SendMagicLink(ctx, req); err != nil {
		return s.setError(err, "Failed to send magic link")
	}
	return nil
}

// VerifyMagicLink conclui o login pelo token do link
func (s *Service) VerifyMagicLink(ctx context.Context, token string) error {
	gen := s.begin()
	defer s.end()

	if token == "" {
		return s.fail(EventLoginFailed, errors.New("magic link token is required"), "Magic link verification failed")
	}
	resp, err := s.backend.VerifyMagicLink(ctx, token)
	if err != nil {
		return s.fail(EventLoginFailed, err, "Magic link verification failed")
	}
	return s.completeAuth(gen, resp, EventLoginSuccess)
}

// Logout invalida a sessão no backend (best effort) e limpa o estado local.
// O session id anônimo é mantido.
func (s *Service) Logout(ctx context.Context) {
	if refreshToken := s.tokens.GetRefreshToken(); refreshToken != "" {
		if err := s.backend.Logout(ctx, refreshToken); err != nil {
			log.Printf("[AUTH] Logout API call failed: %v", err)
		}
	}
	s.handleLogout()
}

// RefreshAuth rebusca o perfil quando há token válido
func (s *Service) RefreshAuth(ctx context.Context) error {
	if !s.tokens.HasValidToken() {
		return nil
	}
	gen := s.currentGeneration()

	profile, err := s.backend.GetProfile(ctx)
	if err != nil {
		log.Printf("[AUTH] Failed to refresh auth: %v", err)
		s.mutate(func(st *AuthState) { st.Error = "Failed to refresh authentication" })
		return err
	}
	return s.commitUser(gen, profile, nil)
}

// UpdateProfile só altera o estado local após confirmação do servidor
func (s *Service) UpdateProfile(ctx context.Context, update api.ProfileUpdate) error {
	gen := s.begin()
	defer s.end()

	if err := validator.Validate(update); err != nil {
		return s.setError(err, "Failed to update profile")
	}
	profile, err := s.backend.UpdateProfile(ctx, update)
	if err != nil {
		return s.setError(err, "Failed to update profile")
	}
	if err := s.commitUser(gen, profile, nil); err != nil {
		return err
	}
	s.EmitAuthEvent(EventProfileUpdated, profile)
	return nil
}

// MigrateSession migra a sessão anônima; retorna nil, nil quando não há o que migrar
func (s *Service) MigrateSession(ctx context.Context) (*api.MigrationResult, error) {
	if !s.sessions.HasDataToMigrate() {
		return nil, nil
	}

	result, err := s.backend.MigrateSession(ctx, api.MigrateSessionRequest{
		SessionID: s.sessions.GetCurrentSessionID(),
		LocalData: &api.LocalData{SavedProperties: s.sessions.GetSavedProperties()},
	})
	if err != nil {
		log.Printf("[AUTH] Session migration failed: %v", err)
		return nil, err
	}
	if result.Success {
		s.sessions.CleanupAnonymousData()
	}
	s.EmitAuthEvent(EventSessionMigration, result)
	return result, nil
}

// DeleteAccount remove a conta no backend e encerra a sessão local
func (s *Service) DeleteAccount(ctx context.Context, password string) error {
	s.begin()
	defer s.end()

	if password == "" {
		return s.setError(errors.New("password is required"), "Account deletion failed")
	}
	if err := s.backend.DeleteAccount(ctx, password); err != nil {
		return s.setError(err, "Account deletion failed")
	}
	s.handleLogout()
	return nil
}

// GetPreferences busca as preferências do usuário autenticado
func (s *Service) GetPreferences(ctx context.Context) (*api.UserPreferences, error) {
	prefs, err := s.backend.GetPreferences(ctx)
	if err != nil {
		return nil, s.setError(err, "Failed to get user preferences")
	}
	return prefs, nil
}

// UpdatePreferences substitui as preferências do usuário
func (s *Service) UpdatePreferences(ctx context.Context, prefs api.UserPreferences) (*api.UserPreferences, error) {
	if err := validator.Validate(prefs); err != nil {
		return nil, s.setError(err, "Failed to update user preferences")
	}
	updated, err := s.backend.UpdatePreferences(ctx, prefs)
	if err != nil {
		return nil, s.setError(err, "Failed to update user preferences")
	}
	return updated, nil
}

type passwordChange struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=8,strongpassword"`
}

// ChangePassword troca a senha do usuário autenticado
func (s *Service) ChangePassword(ctx context.Context, currentPassword, newPassword string) error {
	if err := validator.Validate(passwordChange{CurrentPassword: currentPassword, NewPassword: newPassword}); err != nil {
		return s.setError(err, "Password change failed")
	}
	if err := s.backend.ChangePassword(ctx, currentPassword, newPassword); err != nil {
		return s.setError(err, "Password change failed")
	}
	return nil
}

func (s *Service) SendEmailVerification(ctx context.Context) error {
	if err := s.backend.SendEmailVerification(ctx); err != nil {
		return s.setError(err, "Failed to send email verification")
	}
	return nil
}

// VerifyEmail confirma o email e atualiza o perfil em memória
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if err := s.backend.VerifyEmail(ctx, token); err != nil {
		return s.setError(err, "Email verification failed")
	}
	return s.RefreshAuth(ctx)
}

// ClearError limpa a mensagem de erro
func (s *Service) ClearError() {
	s.mutate(func(st *AuthState) { st.Error = "" })
}

// State retorna uma cópia do estado atual
func (s *Service) State() AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Tokens expõe o TokenStore (visibilidade da janela, diagnósticos)
func (s *Service) Tokens() *TokenStore {
	return s.tokens
}

// Subscribe registra um listener de AuthEvent
func (s *Service) Subscribe(fn func(AuthEvent)) func() {
	return s.events.Subscribe(fn)
}

// EmitAuthEvent publica um evento auth:<type>
func (s *Service) EmitAuthEvent(eventType AuthEventType, payload any) {
	s.events.Publish(AuthEvent{Type: eventType, Payload: payload, Timestamp: s.clock.Now()})
}

// === Internos ===

// handleLogout é o único caminho de "sessão não é mais válida"
func (s *Service) handleLogout() {
	s.mu.Lock()
	s.generation++
	s.tokens.ClearTokens()
	if err := s.cache.Remove(localstore.KeyUserProfile); err != nil {
		log.Printf("[AUTH] Warning: failed to remove cached profile: %v", err)
	}
	s.state = AuthState{
		SessionID:   s.state.SessionID,
		Initialized: s.state.Initialized,
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.StateChanged.Publish(snap)
	s.EmitAuthEvent(EventLogout, nil)
}

// completeAuth comita tokens e usuário apenas após sucesso terminal
func (s *Service) completeAuth(gen uint64, resp *api.AuthResponse, success AuthEventType) error {
	profile := resp.User
	if err := s.commitUser(gen, &profile, &resp.Tokens); err != nil {
		if !errors.Is(err, ErrStaleResponse) {
			return s.fail(failureFor(success), err, "Authentication failed")
		}
		return err
	}

	if resp.MigrationResult != nil && resp.MigrationResult.Success {
		s.sessions.CleanupAnonymousData()
	}
	s.EmitAuthEvent(success, &profile)
	return nil
}

func failureFor(success AuthEventType) AuthEventType {
	if success == EventRegisterSuccess {
		return EventRegisterFailed
	}
	return EventLoginFailed
}

// commitUser grava tokens (opcional), perfil e cache se a geração ainda for a atual
func (s *Service) commitUser(gen uint64, profile *api.UserProfile, tokens *api.TokenPair) error {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		log.Printf("[AUTH] Discarding response issued before logout")
		return ErrStaleResponse
	}

	if tokens != nil {
		if err := s.tokens.SetTokens(*tokens); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	user := *profile
	s.state.User = &user
	s.state.IsAuthenticated = true
	s.state.CachedUser = nil
	s.state.Error = ""
	if tokens != nil {
		pair := *tokens
		s.state.Tokens = &pair
	} else if s.state.Tokens == nil {
		pair := api.TokenPair{AccessToken: s.tokens.GetAccessToken(), RefreshToken: s.tokens.GetRefreshToken()}
		s.state.Tokens = &pair
	}
	s.cacheProfileLocked(&user)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.StateChanged.Publish(snap)
	return nil
}

func (s *Service) cacheProfileLocked(profile *api.UserProfile) {
	data, err := json.Marshal(profile)
	if err != nil {
		log.Printf("[AUTH] Warning: failed to encode profile cache: %v", err)
		return
	}
	if err := s.cache.Set(localstore.KeyUserProfile, string(data)); err != nil {
		log.Printf("[AUTH] Warning: failed to cache profile: %v", err)
	}
}

// loadCachedProfile lê o placeholder em cache; cache corrompido é removido
func (s *Service) loadCachedProfile() *api.UserProfile {
	raw, ok, err := s.cache.Get(localstore.KeyUserProfile)
	if err != nil || !ok || raw == "" {
		return nil
	}

	var profile api.UserProfile
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		log.Printf("[AUTH] Failed to parse saved user profile: %v", err)
		if err := s.cache.Remove(localstore.KeyUserProfile); err != nil {
			log.Printf("[AUTH] Warning: failed to remove corrupt profile cache: %v", err)
		}
		return nil
	}
	return &profile
}

// begin marca loading, limpa o erro e retorna a geração corrente
func (s *Service) begin() uint64 {
	return s.mutate(func(st *AuthState) {
		st.Loading = true
		st.Error = ""
	})
}

func (s *Service) end() {
	s.mutate(func(st *AuthState) { st.Loading = false })
}

func (s *Service) currentGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// fail registra o erro no estado, emite o evento de falha e devolve err
func (s *Service) fail(eventType AuthEventType, err error, fallback string) error {
	msg := api.ErrorMessage(err, fallback)
	s.mutate(func(st *AuthState) { st.Error = msg })
	s.EmitAuthEvent(eventType, map[string]string{"error": msg})
	return err
}

func (s *Service) setError(err error, fallback string) error {
	msg := api.ErrorMessage(err, fallback)
	s.mutate(func(st *AuthState) { st.Error = msg })
	return err
}

// mutate aplica fn ao estado, publica o snapshot e retorna a geração
func (s *Service) mutate(fn func(st *AuthState)) uint64 {
	s.mu.Lock()
	fn(&s.state)
	gen := s.generation
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.StateChanged.Publish(snap)
	return gen
}

func (s *Service) snapshotLocked() AuthState {
	cp := s.state
	if cp.User != nil {
		u := *cp.User
		cp.User = &u
	}
	if cp.CachedUser != nil {
		u := *cp.CachedUser
		cp.CachedUser = &u
	}
	if cp.Tokens != nil {
		t := *cp.Tokens
		cp.Tokens = &t
	}
	return cp
}
