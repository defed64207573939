// Package localstore define o armazenamento local chave/valor do cliente (o equivalente
// ao localStorage do navegador) e os backends baseados em keychain e em memória.
package localstore

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/zalando/go-keyring"
)

// Chaves persistidas. Os nomes seguem os usados pelo front-end web para manter compatibilidade.
const (
	KeyAccessToken     = "auth_access_token"
	KeyRefreshToken    = "auth_refresh_token"
	KeyUserProfile     = "auth_user_profile"
	KeySessionID       = "chat_session_id"
	KeySavedProperties = "savedProperties"
)

// Store é um armazenamento síncrono chave/valor de strings.
// Get retorna ok=false (sem erro) quando a chave não existe.
type Store interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Remove(key string) error
}

// === Keychain ===

// KeyringStore guarda valores no keychain do sistema operacional
type KeyringStore struct {
	service string
}

// NewKeyringStore cria um store no keychain sob o serviço informado
func NewKeyringStore(service string) *KeyringStore {
	return &KeyringStore{service: service}
}

func (k *KeyringStore) Get(key string) (string, bool, error) {
	value, err := keyring.Get(k.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("keyring get %s: %w", key, err)
	}
	return value, true, nil
}

func (k *KeyringStore) Set(key, value string) error {
	if err := keyring.Set(k.service, key, value); err != nil {
		return fmt.Errorf("keyring set %s: %w", key, err)
	}
	return nil
}

func (k *KeyringStore) Remove(key string) error {
	if err := keyring.Delete(k.service, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete %s: %w", key, err)
	}
	return nil
}

// Probe verifica se o keychain está acessível (ex: Linux headless sem Secret Service)
func (k *KeyringStore) Probe() error {
	const probeKey = "_homescout_probe"
	if err := keyring.Set(k.service, probeKey, "ok"); err != nil {
		return fmt.Errorf("keyring unavailable: %w", err)
	}
	if err := keyring.Delete(k.service, probeKey); err != nil {
		log.Printf("[STORE] Warning: failed to delete keyring probe: %v", err)
	}
	return nil
}

// === Memória ===

// MemoryStore é um Store volátil, útil para sessões efêmeras do CLI e para testes
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore cria um store vazio em memória
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStore) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
