package session

import (
	"context"

	"homescout/internal/api"
)

// AnonymousUserData é a visão local de uma sessão anônima.
// ChatHistory e SearchHistory ficam vazios: vêm do backend, não do armazenamento local.
type AnonymousUserData struct {
	SessionID       string         `json:"sessionId"`
	SavedProperties []string       `json:"savedProperties"`
	ChatHistory     []any          `json:"chatHistory"`
	Preferences     map[string]any `json:"preferences"`
	SearchHistory   []string       `json:"searchHistory"`
}

// MigrationSummary resume o que seria preservado ao criar uma conta
type MigrationSummary struct {
	SavedProperties int    `json:"savedProperties"`
	HasSessionData  bool   `json:"hasSessionData"`
	SessionID       string `json:"sessionId"`
}

// MigrationPrompt é a mensagem exibida para incentivar o cadastro
type MigrationPrompt struct {
	Show    bool     `json:"show"`
	Message string   `json:"message"`
	Items   []string `json:"items"`
}

// Backend são os endpoints usados pela sessão anônima (implementado por api.Client)
type Backend interface {
	MigrateSession(ctx context.Context, req api.MigrateSessionRequest) (*api.MigrationResult, error)
	SyncSavedProperties(ctx context.Context, sessionID string, propertyIDs []string) error
}
