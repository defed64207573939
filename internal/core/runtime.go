// Package core monta o runtime de autenticação compartilhado pelo app desktop e pelo CLI.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"homescout/internal/api"
	"homescout/internal/auth"
	"homescout/internal/config"
	"homescout/internal/database"
	fw "homescout/internal/filewatcher"
	"homescout/internal/localstore"
	"homescout/internal/security"
	"homescout/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Nomes dos eventos emitidos para a UI
const (
	EventTokenExpired       = "auth:token_expired"
	EventTokenRefreshed     = "auth:token_refreshed"
	EventMigrationCompleted = "auth:migration_completed"
	EventPropertiesUpdated  = "session:properties_updated"
	EventStateChanged       = "auth:state"
	EventDeepLinkFailed     = "auth:deep_link_failed"
)

// EmitFunc entrega um evento nomeado para a UI (runtime.EventsEmit no app desktop)
type EmitFunc func(eventName string, data interface{})

// Options ajusta a montagem do runtime
type Options struct {
	Emit EmitFunc
	// SecretStore guarda os tokens; nil usa o keychain com fallback para o banco
	SecretStore localstore.Store
	// LocalStore guarda perfil em cache, session id e imóveis salvos; nil usa o banco
	LocalStore localstore.Store
	// DB é usado no lugar de abrir o banco em cfg.DBPath
	DB    *database.Service
	Clock clockwork.Clock
	// MarkerPath sobrescreve config.TokenMarkerPath()
	MarkerPath     string
	DisableWatcher bool
}

// Runtime reúne os serviços de uma instância do app
type Runtime struct {
	Config   config.Config
	DB       *database.Service
	API      *api.Client
	Tokens   *auth.TokenStore
	Sessions *session.Service
	Auth     *auth.Service
	OAuth    *auth.OAuthFlow
	Watcher  fw.IWatcher

	emit      EmitFunc
	sanitizer *security.LogSanitizer
	ownsDB    bool
	unsubs    []func()

	mu          sync.Mutex
	metricsSrv  *http.Server
	metricsAddr string
	started     bool
	closed      bool
}

// New monta o runtime sem iniciar nada que bloqueie ou faça rede
func New(cfg config.Config, opts Options) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Emit == nil {
		opts.Emit = func(string, interface{}) {}
	}

	r := &Runtime{
		Config:    cfg,
		DB:        opts.DB,
		emit:      opts.Emit,
		sanitizer: security.NewLogSanitizer(),
	}

	if r.DB == nil && (opts.LocalStore == nil || opts.SecretStore == nil) {
		db, err := database.NewService(cfg.DBPath)
		if err != nil {
			log.Printf("[HOMESCOUT] Error initializing database: %v", err)
		} else {
			r.DB = db
			r.ownsDB = true
			log.Printf("[HOMESCOUT] Database initialized at %s", db.Path())
		}
	}

	localStore := opts.LocalStore
	if localStore == nil {
		if r.DB != nil {
			localStore = r.DB
		} else {
			log.Println("[HOMESCOUT] Warning: no database, local data will not persist")
			localStore = localstore.NewMemoryStore()
		}
	}
	secretStore := opts.SecretStore
	if secretStore == nil {
		secretStore = r.selectSecretStore(cfg.KeyringService, localStore)
	}

	r.API = api.New(api.Config{
		BaseURL: cfg.APIBaseURL,
		Timeout: cfg.RequestTimeout,
	})
	r.Tokens = auth.NewTokenStore(secretStore, r.API, auth.TokenStoreOptions{
		LeadTime: cfg.RefreshLeadTime,
		Clock:    opts.Clock,
	})
	r.API.SetTokenSource(r.Tokens)

	r.Sessions = session.NewService(localStore, r.API, session.Options{SyncSchedule: cfg.SessionSyncSchedule})
	r.API.SetSessionIDFunc(r.Sessions.GetCurrentSessionID)

	r.Auth = auth.NewService(r.API, r.Tokens, r.Sessions, auth.Options{Cache: localStore, Clock: opts.Clock})
	r.OAuth = auth.NewOAuthFlow(auth.OAuthConfig{
		GoogleClientID: cfg.GoogleClientID,
		AppleClientID:  cfg.AppleClientID,
		CallbackPort:   cfg.CallbackPort,
	})

	if !opts.DisableWatcher && !cfg.DisableInstanceSync {
		markerPath := opts.MarkerPath
		if markerPath == "" {
			markerPath = config.TokenMarkerPath()
		}
		watcher, err := fw.NewService(markerPath)
		if err != nil {
			log.Printf("[HOMESCOUT] Error initializing instance watcher: %v", err)
		} else {
			r.Watcher = watcher
			r.Tokens.SetNotifier(watcher)
			watcher.OnChange(func(fw.Marker) { r.Tokens.Reload() })
		}
	}

	r.bridgeEvents()
	return r, nil
}

// selectSecretStore prefere o keychain; sem ele os tokens vão para o armazenamento local
func (r *Runtime) selectSecretStore(service string, fallback localstore.Store) localstore.Store {
	keyring := localstore.NewKeyringStore(service)
	if err := keyring.Probe(); err != nil {
		log.Printf("[HOMESCOUT] Keychain unavailable, storing tokens locally: %v", err)
		return fallback
	}
	return keyring
}

// bridgeEvents repassa os tópicos internos para a UI e para a auditoria
func (r *Runtime) bridgeEvents() {
	r.unsubs = append(r.unsubs,
		r.Tokens.Expired.Subscribe(func(ev auth.ExpiredEvent) {
			r.emit(EventTokenExpired, ev)
			r.audit(EventTokenExpired, ev)
		}),
		r.Tokens.Refreshed.Subscribe(func(ev auth.RefreshedEvent) {
			r.emit(EventTokenRefreshed, ev)
		}),
		r.Sessions.MigrationCompleted.Subscribe(func(res api.MigrationResult) {
			r.emit(EventMigrationCompleted, res)
		}),
		r.Sessions.PropertiesUpdated.Subscribe(func(ids []string) {
			r.emit(EventPropertiesUpdated, ids)
		}),
		r.Auth.Subscribe(func(ev auth.AuthEvent) {
			r.emit(ev.Name(), ev)
			r.audit(ev.Name(), ev.Payload)
		}),
		r.Auth.StateChanged.Subscribe(func(st auth.AuthState) {
			r.emit(EventStateChanged, st)
		}),
	)
}

// audit grava o evento no banco com o payload sanitizado
func (r *Runtime) audit(eventType string, payload any) {
	if r.DB == nil {
		return
	}

	raw := ""
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			raw = r.sanitizer.Sanitize(string(data))
		}
	}

	entry := &database.AuthEventLog{
		Type:      eventType,
		SessionID: r.Auth.State().SessionID,
		UserID:    r.Tokens.CurrentUserID(),
		Payload:   raw,
	}
	if err := r.DB.RecordAuthEvent(entry); err != nil {
		log.Printf("[HOMESCOUT] Warning: failed to record auth event %s: %v", eventType, err)
	}
}

// Start liga o watcher, o servidor de métricas e inicializa a autenticação
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started || r.closed {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	if r.Watcher != nil {
		if err := r.Watcher.Start(); err != nil {
			log.Printf("[HOMESCOUT] Instance sync disabled: %v", err)
		}
	}

	if r.Config.MetricsAddr != "" {
		if err := r.startMetrics(r.Config.MetricsAddr); err != nil {
			log.Printf("[HOMESCOUT] Metrics server disabled: %v", err)
		}
	}

	if err := r.Auth.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize auth: %w", err)
	}
	log.Println("[HOMESCOUT] Auth runtime initialized")
	return nil
}

func (r *Runtime) startMetrics(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"breaker": r.API.BreakerState().String(),
		})
	})

	srv := &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}
	r.mu.Lock()
	r.metricsSrv = srv
	r.metricsAddr = listener.Addr().String()
	r.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[HOMESCOUT] Metrics server error: %v", err)
		}
	}()
	log.Printf("[HOMESCOUT] Metrics available at http://%s/metrics", listener.Addr())
	return nil
}

// MetricsAddr retorna o endereço real do servidor de métricas ("" quando desligado)
func (r *Runtime) MetricsAddr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metricsAddr
}

// Close para timers, sincronização, watcher e servidores. Idempotente.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	srv := r.metricsSrv
	r.mu.Unlock()

	r.OAuth.Cancel()
	r.Auth.Dispose()
	r.Sessions.Dispose()

	for _, unsub := range r.unsubs {
		unsub()
	}

	var errs []error
	if r.Watcher != nil {
		if err := r.Watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close watcher: %w", err))
		}
	}
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
		cancel()
	}
	if r.DB != nil && r.ownsDB {
		if err := r.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
