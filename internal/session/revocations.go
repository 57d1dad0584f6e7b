package session

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Revocations remembers bearer tokens an upstream has rejected so the same
// session is refused at the edge until the token would have expired anyway.
// Only digests are stored.
type Revocations struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewRevocations creates an empty revocation set.
func NewRevocations() *Revocations {
	return &Revocations{entries: make(map[string]time.Time), now: time.Now}
}

func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Revoke records token as rejected until expiresAt.
func (r *Revocations) Revoke(token string, expiresAt time.Time) {
	if r == nil || token == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for k, exp := range r.entries {
		if !now.Before(exp) {
			delete(r.entries, k)
		}
	}
	r.entries[digest(token)] = expiresAt
}

// IsRevoked reports whether token was revoked and has not yet expired.
func (r *Revocations) IsRevoked(token string) bool {
	if r == nil || token == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.entries[digest(token)]
	return ok && r.now().Before(exp)
}

// Len returns the number of tracked tokens, expired ones included.
func (r *Revocations) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
