/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Logic:       Per-user bearer token issuance with a live-token
             cache (no clock reset on reuse) and a single-slot,
             non-blocking permit semaphore that enforces "one
             in-flight chat request per user, reject don't queue".
Context:     The permit is a buffer-size-1 channel acquired with a
             bare select/default — a narrower variant of the
             gateway's per-org Semaphore, which uses a configurable
             buffer and a time.After wait. Here there is never a
             wait: a busy user is rejected immediately.
Suitability: L3 — token lifecycle plus a concurrency primitive
             that must never let two requests hold the same slot.
──────────────────────────────────────────────────────────────
*/

package tokenmanager

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lemonhall/chatgate/apperror"
)

// entry is one user's live token plus its dedicated single-slot permit.
type entry struct {
	token     string
	expiresAt time.Time
	permit    chan struct{} // buffered 1; a token in the channel means free
}

// Manager issues and reuses bearer tokens, and grants non-blocking,
// single-in-flight permits per user.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	secret  []byte
}

func New(secret string, ttl time.Duration) *Manager {
	return &Manager{
		entries: make(map[string]*entry),
		ttl:     ttl,
		secret:  []byte(secret),
	}
}

// pruneLocked removes username's entry if it has expired. Caller must hold m.mu.
func (m *Manager) pruneLocked(username string, now time.Time) {
	if e, ok := m.entries[username]; ok && now.After(e.expiresAt) {
		delete(m.entries, username)
	}
}

// GetOrIssue returns username's live token if one exists, otherwise mints a
// fresh token (via mint) with a fresh single-permit slot and a fresh expiry.
// Reusing a live token never resets its clock.
func (m *Manager) GetOrIssue(username string, mint func() (string, error)) (token string, expiresIn time.Duration, err error) {
	now := time.Now()

	m.mu.Lock()
	m.pruneLocked(username, now)
	if e, ok := m.entries[username]; ok {
		token = e.token
		expiresIn = e.expiresAt.Sub(now)
		m.mu.Unlock()
		return token, expiresIn, nil
	}
	m.mu.Unlock()

	token, err = mint()
	if err != nil {
		return "", 0, apperror.Wrap(apperror.KindInternal, "mint token", err)
	}

	permit := make(chan struct{}, 1)
	permit <- struct{}{}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another goroutine may have raced us; the first writer wins, matching
	// the insert-if-absent resolution used by the quota engine's lazy load.
	if e, ok := m.entries[username]; ok && !now.After(e.expiresAt) {
		return e.token, e.expiresAt.Sub(now), nil
	}
	m.entries[username] = &entry{
		token:     token,
		expiresAt: now.Add(m.ttl),
		permit:    permit,
	}
	return token, m.ttl, nil
}

// MintHS256 signs a {sub, exp} JWT for username, expiring after the
// manager's configured TTL.
func (m *Manager) MintHS256(username string) (string, error) {
	claims := jwt.MapClaims{
		"sub": username,
		"exp": time.Now().Add(m.ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// VerifyHS256 parses and validates a bearer token, returning the subject.
func (m *Manager) VerifyHS256(tokenString string) (string, error) {
	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return "", apperror.New(apperror.KindUnauthorized, "invalid bearer token")
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", apperror.New(apperror.KindUnauthorized, "invalid bearer token claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", apperror.New(apperror.KindUnauthorized, "invalid bearer token subject")
	}
	return sub, nil
}

// AcquirePermit grants username's single in-flight slot without blocking.
// It fails with KindTokenExpired if username has no live token entry, or
// KindTooManyRequests if the slot is already held.
func (m *Manager) AcquirePermit(username string) (release func(), err error) {
	now := time.Now()

	m.mu.Lock()
	m.pruneLocked(username, now)
	e, ok := m.entries[username]
	m.mu.Unlock()

	if !ok {
		return nil, apperror.New(apperror.KindTokenExpired, "token expired or not issued")
	}

	select {
	case <-e.permit:
		return func() { e.permit <- struct{}{} }, nil
	default:
		return nil, apperror.New(apperror.KindTooManyRequests, "a request for this user is already in flight")
	}
}
