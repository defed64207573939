package database

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"homescout/internal/config"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// maxAuthEvents limita o tamanho do log de auditoria
const maxAuthEvents = 1000

// Service encapsula o acesso ao SQLite via GORM
type Service struct {
	db   *gorm.DB
	path string
}

// NewService abre (ou cria) o banco local. preferredPath vem da configuração e pode ser vazio.
func NewService(preferredPath string) (*Service, error) {
	dbPath, db, err := openWritableDatabase(preferredPath)
	if err != nil {
		return nil, err
	}

	svc, err := newService(db, dbPath)
	if err != nil {
		return nil, err
	}

	// Definir permissão 0600 no arquivo do banco
	if err := os.Chmod(dbPath, 0600); err != nil {
		log.Printf("[DB] Warning: failed to chmod %s: %v", dbPath, err)
	}

	log.Printf("[DB] Database initialized at %s", dbPath)
	return svc, nil
}

// OpenMemory abre um banco volátil em memória (CLI efêmero e testes)
func OpenMemory() (*Service, error) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory sqlite: %w", err)
	}

	// Uma única conexão: cada conexão nova em ":memory:" seria um banco vazio.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	return newService(db, ":memory:")
}

func newService(db *gorm.DB, path string) (*Service, error) {
	if err := db.AutoMigrate(&LocalEntry{}, &AuthEventLog{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate: %w", err)
	}
	return &Service{db: db, path: path}, nil
}

func openWritableDatabase(preferredPath string) (string, *gorm.DB, error) {
	candidates := make([]string, 0, 4)
	if override := strings.TrimSpace(os.Getenv("HOMESCOUT_DB_PATH")); override != "" {
		candidates = append(candidates, override)
	}
	if p := strings.TrimSpace(preferredPath); p != "" {
		candidates = append(candidates, p)
	}
	candidates = append(candidates, config.DBPath())

	if cwd, err := os.Getwd(); err == nil && strings.TrimSpace(cwd) != "" {
		candidates = append(candidates, filepath.Join(cwd, ".homescout", config.DBFileName))
	}
	candidates = append(candidates, filepath.Join(os.TempDir(), config.AppName, config.DBFileName))

	var lastErr error
	for _, candidate := range candidates {
		path := strings.TrimSpace(candidate)
		if path == "" {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			lastErr = err
			continue
		}

		if !isLikelyWritable(path) {
			lastErr = fmt.Errorf("path not writable: %s", path)
			continue
		}

		db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		})
		if err != nil {
			lastErr = err
			continue
		}

		sqlDB, err := db.DB()
		if err != nil {
			lastErr = err
			continue
		}

		sqlDB.Exec("PRAGMA journal_mode=WAL")
		sqlDB.Exec("PRAGMA busy_timeout=5000")
		sqlDB.Exec("PRAGMA synchronous=NORMAL")

		// Probe de escrita para evitar abrir DB readonly em ambientes sandbox.
		probeErr := db.Exec("CREATE TABLE IF NOT EXISTS _homescout_write_probe (id INTEGER PRIMARY KEY AUTOINCREMENT)").Error
		if probeErr == nil {
			probeErr = db.Exec("INSERT INTO _homescout_write_probe DEFAULT VALUES").Error
		}
		if probeErr == nil {
			_ = db.Exec("DELETE FROM _homescout_write_probe").Error
		}

		if probeErr != nil {
			lastErr = probeErr
			_ = sqlDB.Close()
			continue
		}

		return path, db, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no database path candidates available")
	}

	return "", nil, fmt.Errorf("failed to open writable database: %w", lastErr)
}

func isLikelyWritable(path string) bool {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// Path retorna o arquivo em uso
func (s *Service) Path() string {
	return s.path
}

// Close fecha a conexão com o banco
func (s *Service) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// === Local storage (chave/valor) ===

// Get implementa localstore.Store
func (s *Service) Get(key string) (string, bool, error) {
	var entry LocalEntry
	err := s.db.Where("key = ?", key).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return entry.Value, true, nil
}

// Set grava ou substitui o valor da chave
func (s *Service) Set(key, value string) error {
	entry := LocalEntry{Key: key, Value: value, UpdatedAt: time.Now()}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Remove apaga a chave; chave inexistente não é erro
func (s *Service) Remove(key string) error {
	if err := s.db.Where("key = ?", key).Delete(&LocalEntry{}).Error; err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// === AuthEventLog ===

// RecordAuthEvent salva um evento de autenticação e aplica retenção das últimas entradas.
func (s *Service) RecordAuthEvent(event *AuthEventLog) error {
	if event == nil {
		return fmt.Errorf("auth event is nil")
	}
	if strings.TrimSpace(event.Type) == "" {
		return fmt.Errorf("auth event type is required")
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(event).Error; err != nil {
			return err
		}

		return tx.Exec(`
			DELETE FROM auth_event_logs
			WHERE id NOT IN (
				SELECT id
				FROM auth_event_logs
				ORDER BY created_at DESC, id DESC
				LIMIT ?
			)
		`, maxAuthEvents).Error
	})
}

// ListAuthEvents lista os eventos mais recentes primeiro
func (s *Service) ListAuthEvents(limit int) ([]AuthEventLog, error) {
	if limit <= 0 {
		limit = 100
	}

	var logs []AuthEventLog
	err := s.db.Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}
