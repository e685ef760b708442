// Package session bridges chat identities and web sessions: the bot issues
// a short-lived link code, the web client redeems it for a signed session.
package session

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"metapulse/internal/auth"
	"metapulse/internal/logging"
)

// Link is the outcome of redeeming a code
type Link struct {
	Profile Profile           `json:"profile"`
	Token   auth.SessionToken `json:"token"`
}

// Linker ties the code authority, the registry and token signing together
type Linker struct {
	codes    *LinkCodeAuthority
	registry *Registry
	tokens   *auth.JWTManager
	logger   *logging.Logger
}

// NewLinker creates a linker
func NewLinker(codes *LinkCodeAuthority, registry *Registry, tokens *auth.JWTManager, logger *logging.Logger) *Linker {
	if logger == nil {
		logger = logging.Default()
	}
	return &Linker{
		codes:    codes,
		registry: registry,
		tokens:   tokens,
		logger:   logger.WithComponent("session"),
	}
}

// IssueCode creates a link code for a chat user
func (l *Linker) IssueCode(chat ChatProfile) (LinkCode, error) {
	code, err := l.codes.Issue(chat)
	if err != nil {
		return LinkCode{}, err
	}
	l.logger.Info("Link code issued", "chat_id", chat.ChatID)
	return code, nil
}

// Link redeems code and opens a new session for its chat identity
func (l *Linker) Link(code string) (Link, error) {
	chat, err := l.codes.Consume(code)
	if err != nil {
		return Link{}, err
	}

	sessionID := uuid.New().String()
	token, err := l.tokens.GenerateSessionToken(auth.SessionClaims{
		SessionID: sessionID,
		ChatID:    chat.ChatID,
		Username:  chat.Username,
		FirstName: chat.FirstName,
	})
	if err != nil {
		return Link{}, fmt.Errorf("failed to create session: %w", err)
	}

	profile := l.registry.Register(sessionID, chat)
	l.logger.Info("Session linked", "session_id", sessionID, "chat_id", chat.ChatID)

	return Link{Profile: profile, Token: token}, nil
}

// Authenticate verifies token and requires its session to still be registered
func (l *Linker) Authenticate(token string) (*auth.SessionClaims, error) {
	claims, err := l.tokens.ValidateSessionToken(token)
	if err != nil {
		return nil, auth.ErrUnauthorized
	}
	if _, ok := l.registry.Lookup(claims.SessionID); !ok {
		return nil, auth.ErrUnauthorized
	}
	return claims, nil
}

// Profile returns the registry mirror of an active session
func (l *Linker) Profile(sessionID string) (Profile, error) {
	p, ok := l.registry.Lookup(sessionID)
	if !ok {
		return Profile{}, auth.ErrUnauthorized
	}
	return p, nil
}

// Revoke ends a session; later authentication with its token fails
func (l *Linker) Revoke(sessionID string) {
	if l.registry.Revoke(sessionID) {
		l.logger.Info("Session revoked", "session_id", sessionID)
	}
}

// IsClientError reports whether err stems from bad caller input rather than
// an internal failure
func IsClientError(err error) bool {
	return errors.Is(err, ErrCodeRequired) || errors.Is(err, ErrCodeNotFound)
}
