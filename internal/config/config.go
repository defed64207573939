package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

const (
	// AppName é o nome do aplicativo
	AppName = "HomeScout"

	// AppVersion é a versão atual
	AppVersion = "1.0.0"

	// AppBundleID é o bundle identifier macOS (também usado como serviço do keychain)
	AppBundleID = "com.homescout.app"

	// DeepLinkScheme é o scheme para deep links (homescout://)
	DeepLinkScheme = "homescout"

	// DBFileName é o nome do arquivo SQLite
	DBFileName = "homescout_data.db"

	// ConfigFileName é o arquivo YAML opcional dentro do DataDir
	ConfigFileName = "config.yaml"

	// TokenMarkerFileName é o arquivo usado para avisar outras instâncias sobre mudanças de token
	TokenMarkerFileName = "token_state.json"

	// DefaultRefreshLeadTime é a antecedência do refresh automático antes do exp do access token
	DefaultRefreshLeadTime = 120 * time.Second

	// DefaultSessionSyncSchedule sincroniza os imóveis salvos a cada 5 minutos
	DefaultSessionSyncSchedule = "@every 5m"

	// DefaultCallbackPort é a porta preferida do servidor local de callback OAuth
	DefaultCallbackPort = 9877
)

// Config reúne os parâmetros de runtime do cliente.
// Ordem de precedência: defaults -> arquivo YAML -> variáveis de ambiente.
type Config struct {
	APIBaseURL          string        `yaml:"apiBaseUrl" env:"HOMESCOUT_API_URL"`
	RequestTimeout      time.Duration `yaml:"requestTimeout" env:"HOMESCOUT_REQUEST_TIMEOUT"`
	RefreshLeadTime     time.Duration `yaml:"refreshLeadTime" env:"HOMESCOUT_REFRESH_LEAD_TIME"`
	SessionSyncSchedule string        `yaml:"sessionSyncSchedule" env:"HOMESCOUT_SESSION_SYNC_SCHEDULE"`
	DBPath              string        `yaml:"dbPath" env:"HOMESCOUT_DB_PATH"`
	KeyringService      string        `yaml:"keyringService" env:"HOMESCOUT_KEYRING_SERVICE"`
	CallbackPort        int           `yaml:"callbackPort" env:"HOMESCOUT_CALLBACK_PORT"`
	MetricsAddr         string        `yaml:"metricsAddr" env:"HOMESCOUT_METRICS_ADDR"`
	GoogleClientID      string        `yaml:"googleClientId" env:"HOMESCOUT_GOOGLE_CLIENT_ID"`
	AppleClientID       string        `yaml:"appleClientId" env:"HOMESCOUT_APPLE_CLIENT_ID"`
	DisableInstanceSync bool          `yaml:"disableInstanceSync" env:"HOMESCOUT_DISABLE_INSTANCE_SYNC"`
}

// Default retorna a configuração padrão
func Default() Config {
	return Config{
		APIBaseURL:          "http://localhost:3000/api",
		RequestTimeout:      10 * time.Second,
		RefreshLeadTime:     DefaultRefreshLeadTime,
		SessionSyncSchedule: DefaultSessionSyncSchedule,
		KeyringService:      AppBundleID,
		CallbackPort:        DefaultCallbackPort,
	}
}

// Load monta a configuração a partir dos defaults, do YAML em path (se existir) e do ambiente.
// Um path vazio usa ConfigPath().
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate verifica os campos obrigatórios
func (c Config) Validate() error {
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return fmt.Errorf("config: apiBaseUrl is required")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: requestTimeout must be positive")
	}
	if c.RefreshLeadTime < 0 {
		return fmt.Errorf("config: refreshLeadTime cannot be negative")
	}
	if strings.TrimSpace(c.SessionSyncSchedule) == "" {
		return fmt.Errorf("config: sessionSyncSchedule is required")
	}
	return nil
}

// DataDir retorna o diretório raiz de dados do app
func DataDir() string {
	if override := strings.TrimSpace(os.Getenv("HOMESCOUT_DATA_DIR")); override != "" {
		return override
	}
	base, err := os.UserConfigDir()
	if err != nil || base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, AppName)
}

// DBPath retorna o caminho do arquivo SQLite
func DBPath() string {
	return filepath.Join(DataDir(), DBFileName)
}

// ConfigPath retorna o caminho do arquivo YAML de configuração
func ConfigPath() string {
	return filepath.Join(DataDir(), ConfigFileName)
}

// TokenMarkerPath retorna o caminho do marcador de mudanças de token
func TokenMarkerPath() string {
	return filepath.Join(DataDir(), TokenMarkerFileName)
}

// LogDir retorna o diretório de logs
func LogDir() string {
	return filepath.Join(DataDir(), "logs")
}

// EnsureDataDirs cria os diretórios necessários se não existirem
func EnsureDataDirs() error {
	dirs := []string{
		DataDir(),
		LogDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	return nil
}
