package api

import "time"

// TokenPair é o par de tokens emitido pelo backend
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// UserStatus representa o estado da conta
type UserStatus string

const (
	StatusActive              UserStatus = "active"
	StatusSuspended           UserStatus = "suspended"
	StatusPendingVerification UserStatus = "pending_verification"
)

// UserTier representa o plano do usuário
type UserTier string

const (
	TierAnonymous  UserTier = "anonymous"
	TierRegistered UserTier = "registered"
	TierPremium    UserTier = "premium"
)

// UserProfile é o perfil retornado por /user/profile
type UserProfile struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	Phone         string     `json:"phone,omitempty"`
	Avatar        string     `json:"avatar,omitempty"`
	Status        UserStatus `json:"status"`
	Tier          UserTier   `json:"tier"`
	EmailVerified bool       `json:"emailVerified"`
	PhoneVerified bool       `json:"phoneVerified"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastLoginAt   time.Time  `json:"lastLoginAt"`
}

// MigrationResult é o resultado de migrar dados anônimos para a conta
type MigrationResult struct {
	Success       bool     `json:"success"`
	MigratedItems []string `json:"migratedItems"`
	Errors        []string `json:"errors,omitempty"`
}

// AuthResponse é o payload de login, registro, OAuth e magic link
type AuthResponse struct {
	User            UserProfile      `json:"user"`
	Tokens          TokenPair        `json:"tokens"`
	MigrationResult *MigrationResult `json:"migrationResult,omitempty"`
}

// LoginCredentials são os dados do formulário de login
type LoginCredentials struct {
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required,min=6"`
	RememberMe bool   `json:"rememberMe,omitempty"`
}

// RegistrationData são os dados do formulário de cadastro.
// SessionID é preenchido pelo orquestrador quando há dados anônimos a migrar.
type RegistrationData struct {
	Email            string `json:"email" validate:"required,email"`
	Password         string `json:"password" validate:"required,min=8,strongpassword"`
	ConfirmPassword  string `json:"confirmPassword" validate:"required,eqfield=Password"`
	Name             string `json:"name" validate:"required,min=2"`
	Phone            string `json:"phone,omitempty" validate:"omitempty,e164"`
	AgreeToTerms     bool   `json:"agreeToTerms" validate:"required"`
	MarketingConsent bool   `json:"marketingConsent,omitempty"`
	SessionID        string `json:"sessionId,omitempty"`
}

// MagicLinkPurpose indica para que o link será usado
type MagicLinkPurpose string

const (
	MagicLinkLogin         MagicLinkPurpose = "login"
	MagicLinkRegister      MagicLinkPurpose = "register"
	MagicLinkPasswordReset MagicLinkPurpose = "password_reset"
)

// MagicLinkRequest solicita o envio de um magic link por email
type MagicLinkRequest struct {
	Email   string           `json:"email" validate:"required,email"`
	Purpose MagicLinkPurpose `json:"purpose" validate:"required,oneof=login register password_reset"`
}

// ProfileUpdate contém apenas os campos alterados (nil = não alterar)
type ProfileUpdate struct {
	Name   *string `json:"name,omitempty" validate:"omitempty,min=2"`
	Phone  *string `json:"phone,omitempty" validate:"omitempty,e164"`
	Avatar *string `json:"avatar,omitempty" validate:"omitempty,url"`
}

// BudgetRange é a faixa de preço desejada
type BudgetRange struct {
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Currency string  `json:"currency"`
}

// NotificationPreferences controla os canais de notificação
type NotificationPreferences struct {
	PriceAlerts   bool `json:"priceAlerts"`
	NewListings   bool `json:"newListings"`
	MarketReports bool `json:"marketReports"`
	Email         bool `json:"email"`
	Push          bool `json:"push"`
	SMS           bool `json:"sms"`
}

// AssistantPreferences controla o tom do assistente de busca
type AssistantPreferences struct {
	CommunicationStyle string `json:"communicationStyle" validate:"omitempty,oneof=professional casual detailed"`
	Language           string `json:"language" validate:"omitempty,oneof=en zh-CN zh-TW"`
	ResponseLength     string `json:"responseLength" validate:"omitempty,oneof=brief moderate detailed"`
}

// UserPreferences são as preferências de busca do usuário autenticado
type UserPreferences struct {
	PreferredLocations []string                `json:"preferredLocations"`
	BudgetRange        BudgetRange             `json:"budgetRange"`
	PropertyTypes      []string                `json:"propertyTypes"`
	MinBedrooms        *int                    `json:"minBedrooms,omitempty"`
	MinBathrooms       *int                    `json:"minBathrooms,omitempty"`
	MinCarSpaces       *int                    `json:"minCarSpaces,omitempty"`
	MustHaveFeatures   []string                `json:"mustHaveFeatures"`
	AvoidFeatures      []string                `json:"avoidFeatures"`
	Notifications      NotificationPreferences `json:"notifications"`
	AIAssistant        AssistantPreferences    `json:"aiAssistant"`
}

// LocalData é o snapshot local enviado junto com a migração
type LocalData struct {
	SavedProperties []string `json:"savedProperties"`
}

// MigrateSessionRequest é o corpo de /user/migrate-session
type MigrateSessionRequest struct {
	SessionID string     `json:"sessionId"`
	LocalData *LocalData `json:"localData,omitempty"`
}

// OAuthRequest é o corpo de /auth/oauth/{provider}
type OAuthRequest struct {
	Code         string `json:"code"`
	State        string `json:"state,omitempty"`
	CodeVerifier string `json:"codeVerifier,omitempty"`
	RedirectURI  string `json:"redirectUri,omitempty"`
}
