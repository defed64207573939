package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/sony/gobreaker/v2"
)

var (
	// ErrUnauthorized casa com qualquer *Error de status 401
	ErrUnauthorized = errors.New("unauthorized")
	// ErrSessionExpired indica que o 401 não pôde ser recuperado com refresh
	ErrSessionExpired = errors.New("session expired")
	// ErrCircuitOpen é retornado enquanto o backend está marcado como indisponível
	ErrCircuitOpen = gobreaker.ErrOpenState
)

const genericErrorSummary = "backend returned an error"

// Error é um erro de aplicação retornado pelo backend (envelope success=false ou status não-2xx)
type Error struct {
	Status  int
	Code    string
	Message string
	Field   string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if text := http.StatusText(e.Status); text != "" {
		return text
	}
	return genericErrorSummary
}

func (e *Error) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == http.StatusUnauthorized
}

// ErrorMessage extrai a mensagem amigável de err para exibição na UI
func ErrorMessage(err error, fallback string) string {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "Service temporarily unavailable, please try again shortly"
	}
	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return msg
	}
	return fallback
}

// FieldOf retorna o campo do formulário associado ao erro, se houver
func FieldOf(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Field
	}
	return ""
}

// summarizeErrorBody produz uma mensagem segura a partir de um corpo de erro fora do envelope.
// Só campos descritivos conhecidos são aproveitados; o corpo nunca é ecoado.
func summarizeErrorBody(body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return genericErrorSummary
	}

	for _, key := range []string{"error_description", "message", "msg"} {
		if v, ok := payload[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}

	switch v := payload["error"].(type) {
	case string:
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	case map[string]any:
		if msg, ok := v["message"].(string); ok && strings.TrimSpace(msg) != "" {
			return strings.TrimSpace(msg)
		}
	}

	return genericErrorSummary
}
