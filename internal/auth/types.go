package auth

import (
	"time"
)

// SessionClaims identify a linked chat user inside a session token
type SessionClaims struct {
	SessionID string `json:"sessionId"`
	ChatID    int64  `json:"chatId"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"firstName,omitempty"`
}

// SessionToken is a signed token and its expiry
type SessionToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Config holds authentication configuration
type Config struct {
	SessionDuration time.Duration `json:"session_duration"`
	CookieName      string        `json:"cookie_name"`
}

// DefaultConfig returns default authentication configuration
func DefaultConfig() Config {
	return Config{
		SessionDuration: 7 * 24 * time.Hour,
		CookieName:      "mp_session",
	}
}

// Error types for authentication
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

// ErrUnauthorized covers every failed authentication: missing, malformed,
// expired, wrongly signed or revoked tokens are indistinguishable to callers.
var ErrUnauthorized = AuthError{Code: "not_authorized", Message: "not authorized"}
