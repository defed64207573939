package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformedToken indica um token cujo payload não pôde ser decodificado
var ErrMalformedToken = errors.New("malformed token")

// Claims é o subconjunto do payload do access token que o cliente inspeciona.
// A assinatura não é verificada aqui: quem valida é o backend.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

var claimsParser = jwt.NewParser()

// DecodeClaims decodifica o payload do JWT sem verificar a assinatura
func DecodeClaims(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMalformedToken
	}

	claims := &Claims{}
	if _, _, err := claimsParser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return claims, nil
}

// expiryOf retorna o exp do token; ok=false quando ausente ou ilegível
func expiryOf(token string) (time.Time, bool) {
	claims, err := DecodeClaims(token)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
