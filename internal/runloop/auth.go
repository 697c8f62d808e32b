package runloop

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"net/http"

	"golang.org/x/crypto/argon2"
)

// argon2 parameters for bearer-token verification. These are tuned
// for a short per-request hash (not password storage at rest), so the
// cost is kept low relative to typical password-hashing guidance.
const (
	argonTime    = 1
	argonMemory  = 16 * 1024 // KiB
	argonThreads = 2
	argonKeyLen  = 32
)

// TokenAuth gates HTTP handlers behind a bearer token, verified by
// comparing an argon2id hash of the presented token against a
// precomputed hash of the expected token (constant-time), rather than
// comparing the raw token value.
type TokenAuth struct {
	salt         []byte
	expectedHash []byte
}

// NewTokenAuth derives a TokenAuth from a plaintext token (e.g. loaded
// from config or an environment variable at startup).
func NewTokenAuth(token string) (*TokenAuth, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate auth salt: %w", err)
	}
	return &TokenAuth{
		salt:         salt,
		expectedHash: argon2.IDKey([]byte(token), salt, argonTime, argonMemory, argonThreads, argonKeyLen),
	}, nil
}

// Verify reports whether presented matches the configured token.
func (a *TokenAuth) Verify(presented string) bool {
	hash := argon2.IDKey([]byte(presented), a.salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(hash, a.expectedHash) == 1
}

// Middleware wraps next, rejecting requests whose "Authorization:
// Bearer <token>" header doesn't verify.
func (a *TokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix || !a.Verify(auth[len(prefix):]) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
