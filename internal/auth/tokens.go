package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"homescout/internal/api"
	"homescout/internal/events"
	"homescout/internal/localstore"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultRefreshLeadTime antecedência do refresh agendado em relação ao exp
	DefaultRefreshLeadTime = 120 * time.Second

	refreshTimeout = 15 * time.Second
	refreshKey     = "refresh"
)

var (
	ErrNoRefreshToken = errors.New("no refresh token available")
	// ErrSessionChanged indica que a sessão mudou (logout/login) enquanto o refresh estava em voo
	ErrSessionChanged = errors.New("session changed during token refresh")
)

// Refresher troca um refresh token por um novo par (implementado por api.Client)
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (api.TokenPair, error)
}

// ChangeNotifier é avisado quando os tokens persistidos mudam, para outras instâncias reconciliarem
type ChangeNotifier interface {
	Announce(reason string)
}

// TokenStoreOptions configura o TokenStore
type TokenStoreOptions struct {
	LeadTime time.Duration
	Clock    clockwork.Clock
}

// TokenStore é o único dono do par de tokens e do timer de refresh.
// No máximo um timer fica pendente; refreshes concorrentes são coalescidos.
type TokenStore struct {
	store     localstore.Store
	refresher Refresher
	clock     clockwork.Clock
	leadTime  time.Duration
	group     singleflight.Group

	mu       sync.Mutex
	epoch    uint64
	timer    clockwork.Timer
	timerSeq uint64
	timerDue time.Time
	known    string
	notifier ChangeNotifier

	// Refreshed e Expired são os eventos auth:token_refreshed e auth:token_expired
	Refreshed events.Topic[RefreshedEvent]
	Expired   events.Topic[ExpiredEvent]
}

// NewTokenStore cria o store sobre o armazenamento local informado
func NewTokenStore(store localstore.Store, refresher Refresher, opts TokenStoreOptions) *TokenStore {
	if opts.LeadTime <= 0 {
		opts.LeadTime = DefaultRefreshLeadTime
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &TokenStore{
		store:     store,
		refresher: refresher,
		clock:     opts.Clock,
		leadTime:  opts.LeadTime,
	}
}

// SetNotifier registra quem propaga mudanças para outras instâncias
func (s *TokenStore) SetNotifier(n ChangeNotifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// SetTokens persiste o par e rearma o timer de refresh
func (s *TokenStore) SetTokens(pair api.TokenPair) error {
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return fmt.Errorf("set tokens: incomplete token pair")
	}

	s.mu.Lock()
	err := s.commitLocked(pair)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.announce("tokens_set")
	return nil
}

// commitLocked grava o par, avança a época e reagenda. Requer s.mu.
func (s *TokenStore) commitLocked(pair api.TokenPair) error {
	if err := s.store.Set(localstore.KeyAccessToken, pair.AccessToken); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}
	if err := s.store.Set(localstore.KeyRefreshToken, pair.RefreshToken); err != nil {
		_ = s.store.Remove(localstore.KeyAccessToken)
		return fmt.Errorf("store refresh token: %w", err)
	}
	s.epoch++
	s.known = pair.AccessToken
	s.scheduleLocked(pair.AccessToken)
	return nil
}

// GetAccessToken retorna "" quando ausente ou ilegível
func (s *TokenStore) GetAccessToken() string {
	return s.read(localstore.KeyAccessToken)
}

// GetRefreshToken retorna "" quando ausente ou ilegível
func (s *TokenStore) GetRefreshToken() string {
	return s.read(localstore.KeyRefreshToken)
}

func (s *TokenStore) read(key string) string {
	v, ok, err := s.store.Get(key)
	if err != nil {
		log.Printf("[AUTH] Warning: failed to read %s: %v", key, err)
		return ""
	}
	if !ok {
		return ""
	}
	return v
}

// ClearTokens remove os dois tokens e cancela o timer. Idempotente.
func (s *TokenStore) ClearTokens() {
	s.mu.Lock()
	had := s.clearLocked()
	s.mu.Unlock()

	if had {
		s.announce("tokens_cleared")
	}
}

// clearLocked retorna true se havia sessão conhecida. Requer s.mu.
func (s *TokenStore) clearLocked() bool {
	had := s.known != ""
	for _, key := range []string{localstore.KeyAccessToken, localstore.KeyRefreshToken} {
		if err := s.store.Remove(key); err != nil {
			log.Printf("[AUTH] Warning: failed to remove %s: %v", key, err)
		}
	}
	s.epoch++
	s.known = ""
	s.cancelLocked()
	return had
}

// IsTokenExpired é fail-closed: token ilegível ou sem exp conta como expirado
func (s *TokenStore) IsTokenExpired(token string) bool {
	exp, ok := expiryOf(token)
	if !ok {
		return true
	}
	return s.clock.Now().After(exp)
}

// HasValidToken indica se existe access token não expirado
func (s *TokenStore) HasValidToken() bool {
	token := s.GetAccessToken()
	return token != "" && !s.IsTokenExpired(token)
}

// ValidAccessToken retorna o access token apenas se ainda for válido
func (s *TokenStore) ValidAccessToken() string {
	token := s.GetAccessToken()
	if token == "" || s.IsTokenExpired(token) {
		return ""
	}
	return token
}

// RefreshTokens troca o refresh token por um novo par.
// Chamadas concorrentes compartilham a mesma requisição. Em falha os tokens são
// removidos e Expired é publicado uma única vez.
func (s *TokenStore) RefreshTokens(ctx context.Context) (api.TokenPair, error) {
	return s.refresh(ctx, true)
}

// refresh com notify=false limpa os tokens em caso de falha sem publicar Expired
// (usado na inicialização, quando ainda não há sessão ativa para encerrar).
func (s *TokenStore) refresh(ctx context.Context, notify bool) (api.TokenPair, error) {
	// O refresh compartilhado não pode ser cancelado pelo primeiro chamador.
	shared := context.WithoutCancel(ctx)
	ch := s.group.DoChan(refreshKey, func() (any, error) {
		return s.doRefresh(shared, notify)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return api.TokenPair{}, res.Err
		}
		return res.Val.(api.TokenPair), nil
	case <-ctx.Done():
		return api.TokenPair{}, ctx.Err()
	}
}

func (s *TokenStore) doRefresh(ctx context.Context, notify bool) (api.TokenPair, error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	refreshToken := s.GetRefreshToken()

	s.mu.Lock()
	epoch := s.epoch
	if refreshToken == "" {
		had := s.clearLocked()
		s.mu.Unlock()
		if had {
			s.announce("tokens_cleared")
			if notify {
				s.Expired.Publish(ExpiredEvent{Reason: ReasonNoRefreshToken, Err: ErrNoRefreshToken})
			}
		}
		return api.TokenPair{}, ErrNoRefreshToken
	}
	s.mu.Unlock()

	pair, err := s.refresher.Refresh(ctx, refreshToken)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		log.Printf("[AUTH] Discarding token refresh response: session changed while in flight")
		return api.TokenPair{}, ErrSessionChanged
	}
	if err != nil {
		s.clearLocked()
		s.mu.Unlock()
		log.Printf("[AUTH] Token refresh failed: %v", err)
		s.announce("tokens_cleared")
		if notify {
			s.Expired.Publish(ExpiredEvent{Reason: ReasonRefreshFailed, Err: err})
		}
		return api.TokenPair{}, fmt.Errorf("refresh tokens: %w", err)
	}
	if err := s.commitLocked(pair); err != nil {
		s.clearLocked()
		s.mu.Unlock()
		s.announce("tokens_cleared")
		if notify {
			s.Expired.Publish(ExpiredEvent{Reason: ReasonRefreshFailed, Err: err})
		}
		return api.TokenPair{}, err
	}
	s.mu.Unlock()

	log.Printf("[AUTH] Tokens refreshed")
	s.announce("tokens_refreshed")
	exp, _ := expiryOf(pair.AccessToken)
	s.Refreshed.Publish(RefreshedEvent{ExpiresAt: exp})
	return pair, nil
}

// ScheduleTokenRefresh arma o timer para leadTime antes do exp do token
// (ou do access token atual quando token == ""). Cancela o timer anterior.
func (s *TokenStore) ScheduleTokenRefresh(token string) {
	if token == "" {
		token = s.GetAccessToken()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleLocked(token)
}

func (s *TokenStore) scheduleLocked(token string) {
	s.cancelLocked()
	if token == "" {
		return
	}

	exp, ok := expiryOf(token)
	if !ok {
		log.Printf("[AUTH] Warning: cannot schedule refresh, token has no readable exp")
		return
	}

	now := s.clock.Now()
	delay := exp.Sub(now) - s.leadTime
	if delay < 0 {
		delay = 0
	}

	seq := s.timerSeq
	s.timerDue = now.Add(delay)
	// O callback roda em outra goroutine: pode precisar do relógio e de s.mu.
	s.timer = s.clock.AfterFunc(delay, func() {
		go s.fireScheduledRefresh(seq)
	})
}

// cancelLocked invalida o timer pendente. Requer s.mu.
func (s *TokenStore) cancelLocked() {
	s.timerSeq++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerDue = time.Time{}
}

func (s *TokenStore) fireScheduledRefresh(seq uint64) {
	s.mu.Lock()
	if seq != s.timerSeq {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.timerDue = time.Time{}
	s.mu.Unlock()

	// Falhas já viraram Expired dentro de RefreshTokens.
	if _, err := s.RefreshTokens(context.Background()); err != nil {
		log.Printf("[AUTH] Scheduled token refresh failed: %v", err)
	}
}

// PendingRefresh retorna quando o timer pendente dispara
func (s *TokenStore) PendingRefresh() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return time.Time{}, false
	}
	return s.timerDue, true
}

// Initialize agenda o refresh do token válido ou tenta renovar imediatamente um expirado.
// Se a renovação falhar os tokens são descartados sem Expired: o perfil em cache
// continua disponível como placeholder.
func (s *TokenStore) Initialize(ctx context.Context) error {
	token := s.GetAccessToken()

	s.mu.Lock()
	s.known = token
	s.mu.Unlock()

	if token == "" {
		return nil
	}
	if !s.IsTokenExpired(token) {
		s.ScheduleTokenRefresh(token)
		return nil
	}

	log.Printf("[AUTH] Stored access token expired, refreshing")
	if _, err := s.refresh(ctx, false); err != nil {
		return fmt.Errorf("initial token refresh: %w", err)
	}
	return nil
}

// OnVisibilityChange revalida os tokens quando a janela volta a ficar visível
// (ex: após suspensão do sistema, quando o timer pode ter perdido o horário).
func (s *TokenStore) OnVisibilityChange(ctx context.Context, visible bool) {
	if !visible {
		return
	}

	token := s.GetAccessToken()
	if token == "" {
		return
	}
	if s.IsTokenExpired(token) {
		if _, err := s.RefreshTokens(ctx); err != nil {
			log.Printf("[AUTH] Refresh on visibility change failed: %v", err)
		}
		return
	}
	if _, pending := s.PendingRefresh(); !pending {
		s.ScheduleTokenRefresh(token)
	}
}

// Reload relê os tokens persistidos após outra instância alterá-los
func (s *TokenStore) Reload() {
	token := s.GetAccessToken()

	s.mu.Lock()
	if token == s.known {
		s.mu.Unlock()
		return
	}
	s.epoch++
	s.known = token
	if token == "" {
		s.cancelLocked()
		s.mu.Unlock()
		log.Printf("[AUTH] Tokens removed by another instance")
		s.Expired.Publish(ExpiredEvent{Reason: ReasonExternalLogout})
		return
	}
	s.scheduleLocked(token)
	s.mu.Unlock()

	log.Printf("[AUTH] Tokens updated by another instance")
	exp, _ := expiryOf(token)
	s.Refreshed.Publish(RefreshedEvent{ExpiresAt: exp, External: true})
}

// Cleanup cancela o timer pendente
func (s *TokenStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

// CurrentUserID retorna o sub do access token válido
func (s *TokenStore) CurrentUserID() string {
	if claims := s.validClaims(); claims != nil {
		return claims.Subject
	}
	return ""
}

// CurrentUserEmail retorna o email do access token válido
func (s *TokenStore) CurrentUserEmail() string {
	if claims := s.validClaims(); claims != nil {
		return claims.Email
	}
	return ""
}

func (s *TokenStore) validClaims() *Claims {
	token := s.ValidAccessToken()
	if token == "" {
		return nil
	}
	claims, err := DecodeClaims(token)
	if err != nil {
		return nil
	}
	return claims
}

func (s *TokenStore) announce(reason string) {
	s.mu.Lock()
	n := s.notifier
	s.mu.Unlock()
	if n != nil {
		n.Announce(reason)
	}
}
