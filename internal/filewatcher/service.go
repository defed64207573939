package filewatcher

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

const defaultDebounce = 200 * time.Millisecond

// Service implementa IWatcher usando fsnotify sobre o diretório do arquivo de aviso
type Service struct {
	mu         sync.RWMutex
	watcher    *fsnotify.Watcher
	path       string
	instanceID string
	handlers   []func(Marker)
	debounce   *time.Timer
	delay      time.Duration
	recent     map[string]time.Time
	window     time.Duration
	seq        uint64
	loopOn     bool
	done       chan struct{}
	closed     bool
	rawLogs    bool
}

var _ IWatcher = (*Service)(nil)

// NewService cria o watcher para o arquivo de aviso em markerPath
func NewService(markerPath string) (*Service, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Service{
		watcher:    watcher,
		path:       filepath.Clean(markerPath),
		instanceID: uuid.NewString(),
		handlers:   make([]func(Marker), 0),
		delay:      defaultDebounce,
		recent:     make(map[string]time.Time),
		window:     5 * time.Second,
		done:       make(chan struct{}),
		rawLogs:    readEnvBool("HOMESCOUT_WATCHER_DEBUG_RAW"),
	}, nil
}

// InstanceID identifica esta instância nos avisos
func (s *Service) InstanceID() string {
	return s.instanceID
}

// Start observa o diretório do aviso: a escrita é feita por rename, então o arquivo em si
// é substituído a cada aviso.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("watcher is closed")
	}
	if s.loopOn {
		return nil
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create marker dir: %w", err)
	}
	if err := s.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	s.loopOn = true
	go s.eventLoop()

	log.Printf("[WATCHER] Watching %s (instance %s)", s.path, s.instanceID)
	return nil
}

// OnChange registra um handler para receber avisos de outras instâncias
func (s *Service) OnChange(handler func(marker Marker)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// Announce grava o aviso de forma atômica (arquivo temporário + rename)
func (s *Service) Announce(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.seq++
	marker := Marker{
		InstanceID: s.instanceID,
		Reason:     reason,
		Seq:        s.seq,
		At:         time.Now().UTC(),
	}
	s.mu.Unlock()

	if err := writeMarker(s.path, marker); err != nil {
		log.Printf("[WATCHER] Warning: failed to announce %s: %v", reason, err)
	}
}

func writeMarker(path string, marker Marker) error {
	data, err := json.Marshal(marker)
	if err != nil {
		return err
	}

	tmp := path + ".tmp-" + marker.InstanceID
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func readMarker(path string) (Marker, error) {
	var marker Marker
	data, err := os.ReadFile(path)
	if err != nil {
		return marker, err
	}
	if err := json.Unmarshal(data, &marker); err != nil {
		return marker, fmt.Errorf("invalid marker: %w", err)
	}
	return marker, nil
}

// Close encerra o watcher
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.debounce != nil {
		s.debounce.Stop()
	}

	close(s.done)
	return s.watcher.Close()
}

// === Event Loop ===

func (s *Service) eventLoop() {
	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if s.rawLogs {
				log.Printf("[WATCHER][raw] op=%s path=%s", event.Op.String(), event.Name)
			}

			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			// Debounce: uma rajada de eventos vira uma leitura só
			s.mu.Lock()
			if s.debounce != nil {
				s.debounce.Stop()
			}
			s.debounce = time.AfterFunc(s.delay, s.handleDebounced)
			s.mu.Unlock()

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[WATCHER] Error: %v", err)
		}
	}
}

func (s *Service) handleDebounced() {
	marker, err := readMarker(s.path)
	if err != nil {
		// Rename concorrente: o próximo evento traz a versão completa
		log.Printf("[WATCHER] Warning: could not read marker: %v", err)
		return
	}

	if marker.InstanceID == s.instanceID {
		return
	}
	if !s.shouldDeliver(marker) {
		return
	}

	log.Printf("[WATCHER] Tokens changed in instance %s (%s)", marker.InstanceID, marker.Reason)

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return
	}
	handlers := make([]func(Marker), len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.RUnlock()

	for _, handler := range handlers {
		handler(marker)
	}
}

func (s *Service) shouldDeliver(marker Marker) bool {
	key := markerKey(marker)
	now := time.Now()
	cutoff := now.Add(-3 * s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ts := range s.recent {
		if ts.Before(cutoff) {
			delete(s.recent, k)
		}
	}

	if _, exists := s.recent[key]; exists {
		return false
	}

	s.recent[key] = now
	return true
}

func markerKey(marker Marker) string {
	var b strings.Builder
	b.Grow(64)
	b.WriteString(marker.InstanceID)
	b.WriteString("|")
	b.WriteString(strconv.FormatUint(marker.Seq, 10))
	return b.String()
}

func readEnvBool(key string) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	return value == "1" || value == "true" || value == "yes" || value == "on"
}
