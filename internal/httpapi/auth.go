package httpapi

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const bcryptCost = 10

// prehash keeps tokens within bcrypt's 72-byte input limit.
func prehash(token string) []byte {
	h := sha256.Sum256([]byte(token))
	return h[:]
}

// HashAdminToken returns the bcrypt hash to configure in place of a
// plaintext admin token.
func HashAdminToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(prehash(token), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash: %w", err)
	}
	return string(hash), nil
}

// AdminAuth checks bearer tokens against a plaintext token or a bcrypt
// hash. Tokens that passed bcrypt are remembered by digest.
type AdminAuth struct {
	token string
	hash  []byte

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]bool
}

// NewAdminAuth returns nil when neither token nor hash is set.
func NewAdminAuth(token, bcryptHash string) (*AdminAuth, error) {
	if token == "" && bcryptHash == "" {
		return nil, nil
	}
	a := &AdminAuth{token: token, verified: make(map[[sha256.Size]byte]bool)}
	if bcryptHash != "" {
		if _, err := bcrypt.Cost([]byte(bcryptHash)); err != nil {
			return nil, fmt.Errorf("admin token hash: %w", err)
		}
		a.hash = []byte(bcryptHash)
	}
	return a, nil
}

// Check reports whether provided is the admin token.
func (a *AdminAuth) Check(provided string) bool {
	if provided == "" {
		return false
	}
	if a.token != "" && subtle.ConstantTimeCompare([]byte(provided), []byte(a.token)) == 1 {
		return true
	}
	if a.hash == nil {
		return false
	}
	digest := sha256.Sum256([]byte(provided))
	a.mu.RLock()
	ok := a.verified[digest]
	a.mu.RUnlock()
	if ok {
		return true
	}
	if bcrypt.CompareHashAndPassword(a.hash, digest[:]) != nil {
		return false
	}
	a.mu.Lock()
	a.verified[digest] = true
	a.mu.Unlock()
	return true
}

func adminAuthMiddleware(a *AdminAuth) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if a == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || !a.Check(strings.TrimSpace(token)) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="cdnrewriter"`)
				jsonError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
