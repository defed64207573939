package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Register cria a conta. data.SessionID permite ao backend migrar a sessão anônima.
func (c *Client) Register(ctx context.Context, data RegistrationData) (*AuthResponse, error) {
	var out AuthResponse
	err := c.call(ctx, request{
		method:  http.MethodPost,
		route:   "/auth/register",
		body:    data,
		public:  true,
		failMsg: "Registration failed",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Login autentica com email e senha
func (c *Client) Login(ctx context.Context, creds LoginCredentials) (*AuthResponse, error) {
	var out AuthResponse
	err := c.call(ctx, request{
		method:  http.MethodPost,
		route:   "/auth/login",
		body:    creds,
		public:  true,
		failMsg: "Login failed",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout invalida o refresh token no backend
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	return c.call(ctx, request{
		method:    http.MethodPost,
		route:     "/auth/logout",
		body:      map[string]string{"refreshToken": refreshToken},
		noRefresh: true,
		failMsg:   "Logout failed",
	}, nil)
}

// Refresh troca o refresh token por um novo par. Não passa pelo retry de 401.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	var out struct {
		Tokens TokenPair `json:"tokens"`
	}
	err := c.call(ctx, request{
		method:  http.MethodPost,
		route:   "/auth/refresh",
		body:    map[string]string{"refreshToken": refreshToken},
		public:  true,
		failMsg: "Token refresh failed",
	}, &out)
	if err == nil && (out.Tokens.AccessToken == "" || out.Tokens.RefreshToken == "") {
		err = errors.New("token refresh returned an incomplete token pair")
	}
	if err != nil {
		tokenRefreshTotal.WithLabelValues("failure").Inc()
		return TokenPair{}, err
	}
	tokenRefreshTotal.WithLabelValues("success").Inc()
	return out.Tokens, nil
}

// LoginWithOAuth troca o code do provedor (google, apple) por uma sessão
func (c *Client) LoginWithOAuth(ctx context.Context, provider string, req OAuthRequest) (*AuthResponse, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider != "google" && provider != "apple" {
		return nil, fmt.Errorf("unsupported oauth provider: %q", provider)
	}

	var out AuthResponse
	err := c.call(ctx, request{
		method:  http.MethodPost,
		route:   "/auth/oauth/" + provider,
		body:    req,
		public:  true,
		failMsg: "OAuth login failed",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMagicLink envia o link de acesso por email
func (c *Client) SendMagicLink(ctx context.Context, req MagicLinkRequest) error {
	return c.call(ctx, request{
		method:  http.MethodPost,
		route:   "/auth/magic-link/send",
		body:    req,
		public:  true,
		failMsg: "Failed to send magic link",
	}, nil)
}

// VerifyMagicLink troca o token do link por uma sessão
func (c *Client) VerifyMagicLink(ctx context.Context, token string) (*AuthResponse, error) {
	var out AuthResponse
	err := c.call(ctx, request{
		method:  http.MethodGet,
		route:   "/auth/magic-link/verify",
		path:    "/auth/magic-link/verify?token=" + url.QueryEscape(token),
		public:  true,
		failMsg: "Magic link verification failed",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProfile busca o perfil do usuário autenticado
func (c *Client) GetProfile(ctx context.Context) (*UserProfile, error) {
	var out UserProfile
	err := c.call(ctx, request{
		method:  http.MethodGet,
		route:   "/user/profile",
		failMsg: "Failed to get user profile",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateProfile aplica as alterações e retorna o perfil confirmado pelo servidor
func (c *Client) UpdateProfile(ctx context.Context, update ProfileUpdate) (*UserProfile, error) {
	var out UserProfile
	err := c.call(ctx, request{
		method:  http.MethodPut,
		route:   "/user/profile",
		body:    update,
		failMsg: "Failed to update user profile",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetPreferences(ctx context.Context) (*UserPreferences, error) {
	var out UserPreferences
	err := c.call(ctx, request{
		method:  http.MethodGet,
		route:   "/user/preferences",
		failMsg: "Failed to get user preferences",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdatePreferences(ctx context.Context, prefs UserPreferences) (*UserPreferences, error) {
	var out UserPreferences
	err := c.call(ctx, request{
		method:  http.MethodPut,
		route:   "/user/preferences",
		body:    prefs,
		failMsg: "Failed to update user preferences",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// MigrateSession associa a sessão anônima à conta autenticada
func (c *Client) MigrateSession(ctx context.Context, req MigrateSessionRequest) (*MigrationResult, error) {
	var out MigrationResult
	err := c.call(ctx, request{
		method:  http.MethodPost,
		route:   "/user/migrate-session",
		body:    req,
		failMsg: "Session migration failed",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ChangePassword(ctx context.Context, currentPassword, newPassword string) error {
	return c.call(ctx, request{
		method: http.MethodPost,
		route:  "/user/change-password",
		body: map[string]string{
			"currentPassword": currentPassword,
			"newPassword":     newPassword,
		},
		failMsg: "Password change failed",
	}, nil)
}

func (c *Client) SendEmailVerification(ctx context.Context) error {
	return c.call(ctx, request{
		method:  http.MethodPost,
		route:   "/user/send-email-verification",
		failMsg: "Failed to send email verification",
	}, nil)
}

func (c *Client) VerifyEmail(ctx context.Context, token string) error {
	return c.call(ctx, request{
		method:  http.MethodPost,
		route:   "/user/verify-email",
		body:    map[string]string{"token": token},
		failMsg: "Email verification failed",
	}, nil)
}

// DeleteAccount remove a conta; a senha é confirmada pelo backend
func (c *Client) DeleteAccount(ctx context.Context, password string) error {
	return c.call(ctx, request{
		method:  http.MethodDelete,
		route:   "/user/account",
		body:    map[string]string{"password": password},
		failMsg: "Account deletion failed",
	}, nil)
}

// SyncSavedProperties envia o snapshot local de imóveis salvos da sessão anônima
func (c *Client) SyncSavedProperties(ctx context.Context, sessionID string, propertyIDs []string) error {
	if propertyIDs == nil {
		propertyIDs = []string{}
	}
	return c.call(ctx, request{
		method: http.MethodPost,
		route:  "/session/sync-properties",
		body: map[string]any{
			"sessionId":  sessionID,
			"properties": propertyIDs,
		},
		failMsg: "Saved properties sync failed",
	}, nil)
}
