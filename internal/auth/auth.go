// Package auth validates the daemon's bearer credential and issues the
// single-use attach tokens that gate WebSocket upgrades.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const tokenTTL = 30 * time.Second

// ConsumeResult enumerates why consume() accepted or rejected a token.
type ConsumeResult int

const (
	ConsumeOK ConsumeResult = iota
	ConsumeInvalid
	ConsumeExpired
	ConsumeMismatch
	ConsumeAlreadyUsed
)

type tokenEntry struct {
	sessionID string
	expiresAt time.Time
	used      bool
}

// Authenticator holds the pre-shared key and the live attach-token table.
type Authenticator struct {
	psk    string
	logger *slog.Logger

	mu     sync.Mutex
	tokens map[string]*tokenEntry
}

func New(psk string, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		psk:    psk,
		logger: logger,
		tokens: make(map[string]*tokenEntry),
	}
}

// Authorize reports whether the request carries a bearer credential
// matching the configured PSK, compared in constant time.
func (a *Authenticator) Authorize(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	supplied := strings.TrimPrefix(header, prefix)
	// ConstantTimeCompare returns 0 at once for unequal-length slices;
	// a length mismatch is itself not a valid credential, so it is
	// rejected directly.
	want := []byte(a.psk)
	got := []byte(supplied)
	if len(want) != len(got) {
		// still run a comparison of the PSK against itself before
		// rejecting, so the rejection path does comparable work.
		subtle.ConstantTimeCompare(want, want)
		return false
	}
	return subtle.ConstantTimeCompare(want, got) == 1
}

// Generate mints a single-use, 30s-TTL attach token for sessionID.
func (a *Authenticator) Generate(sessionID string) string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is
		// broken; there is nothing sensible to do but panic.
		panic("auth: crypto/rand unavailable: " + err.Error())
	}
	token := base64.URLEncoding.EncodeToString(buf)

	a.mu.Lock()
	a.tokens[token] = &tokenEntry{
		sessionID: sessionID,
		expiresAt: time.Now().Add(tokenTTL),
	}
	a.mu.Unlock()
	return token
}

// Consume atomically looks up and marks a token used. A mismatched
// session id or any rejection leaves the entry in place for the sweep.
func (a *Authenticator) Consume(token, sessionID string) ConsumeResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.tokens[token]
	if !ok {
		return ConsumeInvalid
	}
	if time.Now().After(entry.expiresAt) {
		return ConsumeExpired
	}
	if entry.used {
		return ConsumeAlreadyUsed
	}
	if entry.sessionID != sessionID {
		return ConsumeMismatch
	}
	entry.used = true
	return ConsumeOK
}

// Sweep removes expired token entries. Intended to run on a periodic
// schedule owned by Config/Bootstrap.
func (a *Authenticator) Sweep() {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	for tok, entry := range a.tokens {
		if now.After(entry.expiresAt) {
			delete(a.tokens, tok)
		}
	}
}

var canonicalUUID = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// ValidSessionID rejects anything that is not the canonical 8-4-4-4-12
// hex UUID v4 form. Called before a session id is ever interpolated
// into a subprocess argument.
func ValidSessionID(id string) bool {
	if !canonicalUUID.MatchString(id) {
		return false
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return parsed.Version() == 4
}
