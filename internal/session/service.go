package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"homescout/internal/api"
	"homescout/internal/config"
	"homescout/internal/events"
	"homescout/internal/localstore"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

const syncTimeout = 30 * time.Second

// Options configura o Service
type Options struct {
	// SyncSchedule é a expressão cron da sincronização periódica
	SyncSchedule string
}

// Service mantém a identidade anônima e os imóveis salvos do visitante
type Service struct {
	store    localstore.Store
	backend  Backend
	schedule string

	mu   sync.Mutex
	cron *cron.Cron

	// PropertiesUpdated é o evento session:properties_updated
	PropertiesUpdated events.Topic[[]string]
	// MigrationCompleted é o evento auth:migration_completed
	MigrationCompleted events.Topic[api.MigrationResult]
}

// NewService cria o serviço de sessão
func NewService(store localstore.Store, backend Backend, opts Options) *Service {
	if opts.SyncSchedule == "" {
		opts.SyncSchedule = config.DefaultSessionSyncSchedule
	}
	return &Service{
		store:    store,
		backend:  backend,
		schedule: opts.SyncSchedule,
	}
}

// Initialize garante um session id e agenda a sincronização periódica
func (s *Service) Initialize() error {
	s.GetCurrentSessionID()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	logger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(s.schedule, s.syncJob); err != nil {
		return fmt.Errorf("invalid session sync schedule %q: %w", s.schedule, err)
	}
	c.Start()
	s.cron = c

	log.Printf("[SESSION] Session manager initialized (sync %s)", s.schedule)
	return nil
}

func (s *Service) syncJob() {
	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()
	s.SyncWithBackend(ctx)
}

// Dispose para a sincronização periódica e espera o job em andamento
func (s *Service) Dispose() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// === Identidade ===

// GetCurrentSessionID retorna o id persistido, criando um novo se não existir
func (s *Service) GetCurrentSessionID() string {
	if id := s.persistedSessionID(); id != "" {
		return id
	}
	return s.CreateNewSession()
}

// CreateNewSession gera e persiste um novo id, substituindo o anterior
func (s *Service) CreateNewSession() string {
	id := uuid.NewString()
	if err := s.store.Set(localstore.KeySessionID, id); err != nil {
		log.Printf("[SESSION] Warning: failed to persist session id: %v", err)
	}
	log.Printf("[SESSION] Created new anonymous session: %s", id)
	return id
}

func (s *Service) persistedSessionID() string {
	id, ok, err := s.store.Get(localstore.KeySessionID)
	if err != nil {
		log.Printf("[SESSION] Warning: failed to read session id: %v", err)
		return ""
	}
	if !ok {
		return ""
	}
	return id
}

// GetAnonymousUserData monta o snapshot local da sessão anônima
func (s *Service) GetAnonymousUserData() AnonymousUserData {
	return AnonymousUserData{
		SessionID:       s.GetCurrentSessionID(),
		SavedProperties: s.GetSavedProperties(),
		ChatHistory:     []any{},
		Preferences:     map[string]any{},
		SearchHistory:   []string{},
	}
}

// HasDataToMigrate é amplo de propósito: qualquer sessão existente conta,
// porque o backend pode ter histórico de chat associado a ela.
func (s *Service) HasDataToMigrate() bool {
	return len(s.GetSavedProperties()) > 0 || s.persistedSessionID() != ""
}

// GetMigrationSummary conta o que seria preservado ao criar uma conta
func (s *Service) GetMigrationSummary() MigrationSummary {
	id := s.persistedSessionID()
	return MigrationSummary{
		SavedProperties: len(s.GetSavedProperties()),
		HasSessionData:  id != "",
		SessionID:       id,
	}
}

// === Migração ===

// MigrateToUser envia a sessão anônima para a conta do usuário.
// Retorna nil, nil quando não há sessão; erros de transporte/servidor vão para o chamador.
func (s *Service) MigrateToUser(ctx context.Context, userID string) (*api.MigrationResult, error) {
	sessionID := s.persistedSessionID()
	if sessionID == "" {
		log.Printf("[SESSION] No session data to migrate")
		return nil, nil
	}

	result, err := s.backend.MigrateSession(ctx, api.MigrateSessionRequest{
		SessionID: sessionID,
		LocalData: &api.LocalData{SavedProperties: s.GetSavedProperties()},
	})
	if err != nil {
		log.Printf("[SESSION] Session migration for user %s failed: %v", userID, err)
		return nil, fmt.Errorf("migrate session: %w", err)
	}

	log.Printf("[SESSION] Session migration completed for user %s (%d items)", userID, len(result.MigratedItems))
	s.MigrationCompleted.Publish(*result)
	return result, nil
}

// CleanupAnonymousData remove os imóveis salvos locais; o session id é mantido
func (s *Service) CleanupAnonymousData() {
	s.mu.Lock()
	err := s.store.Remove(localstore.KeySavedProperties)
	s.mu.Unlock()

	if err != nil {
		log.Printf("[SESSION] Warning: failed to clean anonymous data: %v", err)
		return
	}
	log.Printf("[SESSION] Anonymous session data cleaned up")
}

// SubscribeMigrationCompleted registra fn em MigrationCompleted
func (s *Service) SubscribeMigrationCompleted(fn func(api.MigrationResult)) func() {
	return s.MigrationCompleted.Subscribe(fn)
}

// === Imóveis salvos ===

// GetSavedProperties retorna a lista local; conteúdo ilegível conta como vazio
func (s *Service) GetSavedProperties() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.savedLocked()
}

func (s *Service) savedLocked() []string {
	raw, ok, err := s.store.Get(localstore.KeySavedProperties)
	if err != nil {
		log.Printf("[SESSION] Warning: failed to read saved properties: %v", err)
		return []string{}
	}
	if !ok || raw == "" {
		return []string{}
	}

	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		log.Printf("[SESSION] Warning: ignoring unreadable saved properties: %v", err)
		return []string{}
	}
	if ids == nil {
		ids = []string{}
	}
	return ids
}

// UpdateSavedProperties substitui a lista (duplicatas são descartadas)
func (s *Service) UpdateSavedProperties(ids []string) error {
	s.mu.Lock()
	updated, err := s.writeLocked(ids)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.PropertiesUpdated.Publish(updated)
	return nil
}

func (s *Service) writeLocked(ids []string) ([]string, error) {
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(unique, id) {
			unique = append(unique, id)
		}
	}

	data, err := json.Marshal(unique)
	if err != nil {
		return nil, fmt.Errorf("encode saved properties: %w", err)
	}
	if err := s.store.Set(localstore.KeySavedProperties, string(data)); err != nil {
		return nil, fmt.Errorf("store saved properties: %w", err)
	}
	return slices.Clone(unique), nil
}

// AddSavedProperty é idempotente
func (s *Service) AddSavedProperty(id string) error {
	return s.modify(func(current []string) ([]string, bool) {
		if id == "" || slices.Contains(current, id) {
			return current, false
		}
		return append(current, id), true
	})
}

// RemoveSavedProperty é um no-op para ids ausentes
func (s *Service) RemoveSavedProperty(id string) error {
	return s.modify(func(current []string) ([]string, bool) {
		idx := slices.Index(current, id)
		if idx < 0 {
			return current, false
		}
		return slices.Delete(current, idx, idx+1), true
	})
}

func (s *Service) modify(fn func(current []string) ([]string, bool)) error {
	s.mu.Lock()
	next, changed := fn(s.savedLocked())
	if !changed {
		s.mu.Unlock()
		return nil
	}
	updated, err := s.writeLocked(next)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.PropertiesUpdated.Publish(updated)
	return nil
}

// IsPropertySaved indica se o imóvel está na lista
func (s *Service) IsPropertySaved(id string) bool {
	return slices.Contains(s.GetSavedProperties(), id)
}

// SyncWithBackend envia os imóveis salvos ao backend. Falhas são apenas registradas.
func (s *Service) SyncWithBackend(ctx context.Context) {
	sessionID := s.GetCurrentSessionID()
	saved := s.GetSavedProperties()
	if len(saved) == 0 {
		return
	}

	if err := s.backend.SyncSavedProperties(ctx, sessionID, saved); err != nil {
		log.Printf("[SESSION] Warning: failed to sync saved properties: %v", err)
		return
	}
	log.Printf("[SESSION] Synced %d saved properties", len(saved))
}
