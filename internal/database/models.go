package database

import "time"

// LocalEntry é uma entrada do armazenamento local chave/valor (perfil em cache,
// session id anônimo, imóveis salvos e, sem keychain, os tokens).
type LocalEntry struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"type:text;not null" json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AuthEventLog armazena eventos de autenticação para auditoria/suporte.
// Payload já chega sanitizado (sem tokens).
type AuthEventLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Type      string    `gorm:"index;not null" json:"type"`
	SessionID string    `gorm:"index" json:"sessionId"`
	UserID    string    `gorm:"index" json:"userId"`
	Payload   string    `gorm:"type:text" json:"payload"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`
}
