package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	// CodeLength is the number of characters in a link code
	CodeLength = 6
	// CodeTTL is how long an issued code stays redeemable
	CodeTTL = 5 * time.Minute

	// 32 symbols without I, O, 0 or 1
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	maxAttempts  = 16
)

var (
	// ErrCodeRequired is returned for an empty code
	ErrCodeRequired = errors.New("link code required")
	// ErrCodeNotFound covers unknown, already used and expired codes
	ErrCodeNotFound = errors.New("link code not found or expired")
)

// ChatProfile is the chat identity a link code was issued for
type ChatProfile struct {
	ChatID    int64  `json:"chatId"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"firstName,omitempty"`
}

// LinkCode is handed to the chat user
type LinkCode struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type pendingCode struct {
	profile   ChatProfile
	expiresAt time.Time
	timer     *time.Timer
}

// LinkCodeAuthority issues single-use codes that bind a chat identity to a
// later web session
type LinkCodeAuthority struct {
	mu    sync.Mutex
	codes map[string]*pendingCode
	ttl   time.Duration
	now   func() time.Time
}

// NewLinkCodeAuthority creates an authority with the default TTL
func NewLinkCodeAuthority() *LinkCodeAuthority {
	return &LinkCodeAuthority{
		codes: make(map[string]*pendingCode),
		ttl:   CodeTTL,
		now:   time.Now,
	}
}

// Issue creates a fresh code for profile
func (a *LinkCodeAuthority) Issue(profile ChatProfile) (LinkCode, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var code string
	for attempt := 0; ; attempt++ {
		if attempt == maxAttempts {
			return LinkCode{}, fmt.Errorf("failed to allocate unique link code after %d attempts", maxAttempts)
		}
		c, err := randomCode()
		if err != nil {
			return LinkCode{}, err
		}
		if _, taken := a.codes[c]; !taken {
			code = c
			break
		}
	}

	entry := &pendingCode{
		profile:   profile,
		expiresAt: a.now().Add(a.ttl),
	}
	entry.timer = time.AfterFunc(a.ttl, func() { a.expire(code, entry) })
	a.codes[code] = entry

	return LinkCode{Code: code, ExpiresAt: entry.expiresAt}, nil
}

// Consume redeems a code exactly once. Input is trimmed and upper-cased.
func (a *LinkCodeAuthority) Consume(code string) (ChatProfile, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return ChatProfile{}, ErrCodeRequired
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.codes[code]
	if !ok {
		return ChatProfile{}, ErrCodeNotFound
	}
	delete(a.codes, code)
	entry.timer.Stop()

	if !a.now().Before(entry.expiresAt) {
		return ChatProfile{}, ErrCodeNotFound
	}
	return entry.profile, nil
}

// Pending returns the number of live codes
func (a *LinkCodeAuthority) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.codes)
}

// Close cancels every outstanding sweep timer
func (a *LinkCodeAuthority) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for code, entry := range a.codes {
		entry.timer.Stop()
		delete(a.codes, code)
	}
}

// expire runs from the sweep timer; the entry check skips a code that was
// consumed and reissued in the meantime
func (a *LinkCodeAuthority) expire(code string, entry *pendingCode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if current, ok := a.codes[code]; ok && current == entry {
		delete(a.codes, code)
	}
}

func randomCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate link code: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}
