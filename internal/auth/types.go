package auth

import (
	"time"

	"homescout/internal/api"
)

// AuthState é o estado de autenticação exposto à UI (apenas em memória).
// Invariante: IsAuthenticated == (User != nil).
type AuthState struct {
	IsAuthenticated bool             `json:"isAuthenticated"`
	User            *api.UserProfile `json:"user"`
	// CachedUser é o perfil em cache usado como placeholder quando não há token válido.
	// Nunca é autoritativo.
	CachedUser *api.UserProfile `json:"cachedUser,omitempty"`
	// Tokens não atravessa a ponte para o webview.
	Tokens      *api.TokenPair `json:"-"`
	SessionID   string         `json:"sessionId"`
	Loading     bool           `json:"loading"`
	Initialized bool           `json:"initialized"`
	Error       string         `json:"error,omitempty"`
}

// AuthEventType identifica transições relevantes do orquestrador
type AuthEventType string

const (
	EventLoginSuccess     AuthEventType = "login_success"
	EventLoginFailed      AuthEventType = "login_failed"
	EventRegisterSuccess  AuthEventType = "register_success"
	EventRegisterFailed   AuthEventType = "register_failed"
	EventLogout           AuthEventType = "logout"
	EventTokenRefresh     AuthEventType = "token_refresh"
	EventSessionMigration AuthEventType = "session_migration"
	EventProfileUpdated   AuthEventType = "profile_updated"
)

// AuthEvent é publicado a cada transição; o nome externo é "auth:<type>"
type AuthEvent struct {
	Type      AuthEventType `json:"type"`
	Payload   any           `json:"payload,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Name retorna o nome do evento no runtime da UI
func (e AuthEvent) Name() string {
	return "auth:" + string(e.Type)
}

// Motivos de expiração da sessão
const (
	ReasonRefreshFailed  = "refresh_failed"
	ReasonNoRefreshToken = "no_refresh_token"
	ReasonExternalLogout = "external_logout"
)

// ExpiredEvent é publicado quando a sessão deixa de ser válida sem ação do usuário
type ExpiredEvent struct {
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// RefreshedEvent é publicado após um novo par de tokens ser adotado.
// External indica que o par veio de outra instância do app.
type RefreshedEvent struct {
	ExpiresAt time.Time `json:"expiresAt"`
	External  bool      `json:"external"`
}
