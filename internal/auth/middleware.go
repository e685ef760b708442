package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// Context keys for session data
	ContextKeySessionID = "session_id"
	ContextKeyClaims    = "session_claims"
)

// Authenticator resolves a bearer token into an active session
type Authenticator interface {
	Authenticate(token string) (*SessionClaims, error)
}

// Middleware rejects requests without an active session. The cookie token is
// tried first; an Authorization: Bearer token is tried when the cookie is
// missing or no longer valid.
func Middleware(authenticator Authenticator, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var claims *SessionClaims
		for _, token := range ExtractTokens(c, cookieName) {
			if found, err := authenticator.Authenticate(token); err == nil && found != nil {
				claims = found
				break
			}
		}
		if claims == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": ErrUnauthorized.Code,
			})
			return
		}

		c.Set(ContextKeySessionID, claims.SessionID)
		c.Set(ContextKeyClaims, claims)

		c.Next()
	}
}

// ExtractTokens returns the session tokens carried by the request, cookie
// first, without duplicates
func ExtractTokens(c *gin.Context, cookieName string) []string {
	var tokens []string
	if cookieName != "" {
		if cookie, err := c.Cookie(cookieName); err == nil && cookie != "" {
			tokens = append(tokens, cookie)
		}
	}

	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		if bearer := strings.TrimSpace(parts[1]); bearer != "" && (len(tokens) == 0 || tokens[0] != bearer) {
			tokens = append(tokens, bearer)
		}
	}
	return tokens
}

// GetSessionID extracts the session ID from the Gin context
func GetSessionID(c *gin.Context) string {
	return c.GetString(ContextKeySessionID)
}

// GetSessionClaims extracts the session claims from the Gin context
func GetSessionClaims(c *gin.Context) *SessionClaims {
	if claims, exists := c.Get(ContextKeyClaims); exists {
		return claims.(*SessionClaims)
	}
	return nil
}
