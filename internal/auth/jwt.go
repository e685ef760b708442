package auth

import (
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const issuer = "metapulse"

// JWTManager handles session token operations
type JWTManager struct {
	secret   []byte
	duration time.Duration
	now      func() time.Time
}

// Claims represents the JWT claims
type Claims struct {
	SessionClaims
	jwt.RegisteredClaims
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(secret string, duration time.Duration) *JWTManager {
	if duration <= 0 {
		duration = DefaultConfig().SessionDuration
	}
	return &JWTManager{
		secret:   deriveSigningKey(secret),
		duration: duration,
		now:      time.Now,
	}
}

// deriveSigningKey stretches the configured secret into a 32-byte HS256 key
func deriveSigningKey(secret string) []byte {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(issuer+"-session"))
	if _, err := io.ReadFull(r, key); err != nil {
		// unreachable for a 32-byte key
		panic(err)
	}
	return key
}

// Duration returns the session lifetime
func (m *JWTManager) Duration() time.Duration {
	return m.duration
}

// GenerateSessionToken signs claims into a token valid for the session lifetime
func (m *JWTManager) GenerateSessionToken(claims SessionClaims) (SessionToken, error) {
	now := m.now()
	expiresAt := now.Add(m.duration)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		SessionClaims: claims,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.SessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	})

	signedToken, err := token.SignedString(m.secret)
	if err != nil {
		return SessionToken{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return SessionToken{Token: signedToken, ExpiresAt: expiresAt.UTC()}, nil
}

// ValidateSessionToken verifies signature and expiry and returns the claims.
// Every failure is reported as ErrUnauthorized.
func (m *JWTManager) ValidateSessionToken(tokenString string) (*SessionClaims, error) {
	if tokenString == "" {
		return nil, ErrUnauthorized
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.SessionID == "" {
		return nil, ErrUnauthorized
	}

	return &claims.SessionClaims, nil
}
