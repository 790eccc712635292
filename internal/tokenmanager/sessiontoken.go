package tokenmanager

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// sseClaims identify the account and request a reconnecting SSE stream
// is resuming, carried in an HS256-signed JWT.
type sseClaims struct {
	AccountID string `json:"account_id"`
	RequestID string `json:"request_id"`
	jwt.RegisteredClaims
}

// IssueSSEReconnectToken signs a short-lived token a client can present
// to resume an interrupted stream without replaying the original
// request body.
func (m *Manager) IssueSSEReconnectToken(accountID, requestID string) (string, error) {
	if m.cfg.SessionJWTSecret == "" {
		return "", fmt.Errorf("session_jwt_secret is not configured")
	}
	now := time.Now()
	claims := sseClaims{
		AccountID: accountID,
		RequestID: requestID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.SessionJWTTTL)),
			Issuer:    "relaygate",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.cfg.SessionJWTSecret))
}

// VerifySSEReconnectToken validates a reconnect token and returns the
// account and request ids it was issued for.
func (m *Manager) VerifySSEReconnectToken(raw string) (accountID, requestID string, err error) {
	if m.cfg.SessionJWTSecret == "" {
		return "", "", fmt.Errorf("session_jwt_secret is not configured")
	}
	var claims sseClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method.Alg())
		}
		return []byte(m.cfg.SessionJWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer("relaygate"))
	if err != nil || !token.Valid {
		return "", "", fmt.Errorf("invalid or expired reconnect token: %w", err)
	}
	return claims.AccountID, claims.RequestID, nil
}
