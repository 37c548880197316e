// Package auth guards administrative routes with a static API key.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	gserr "github.com/bleepstore/gridstore/internal/errors"
)

// DenyFunc renders a rejected request.
type DenyFunc func(w http.ResponseWriter, r *http.Request, err *gserr.APIError)

// KeyFromRequest returns the API key presented by r, from
// "Authorization: Bearer <key>" or, failing that, the X-API-Key header.
func KeyFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// Verifier checks presented keys against the configured one.
type Verifier struct {
	sum [sha256.Size]byte
	set bool
}

// NewVerifier returns a verifier for apiKey. An empty key disables checks.
func NewVerifier(apiKey string) *Verifier {
	if apiKey == "" {
		return &Verifier{}
	}
	return &Verifier{sum: sha256.Sum256([]byte(apiKey)), set: true}
}

// Enabled reports whether a key is configured.
func (v *Verifier) Enabled() bool { return v.set }

// Verify reports whether key matches. Comparison is constant time over
// fixed-size digests.
func (v *Verifier) Verify(key string) bool {
	if !v.set {
		return true
	}
	if key == "" {
		return false
	}
	sum := sha256.Sum256([]byte(key))
	return subtle.ConstantTimeCompare(sum[:], v.sum[:]) == 1
}

// Middleware returns HTTP middleware that requires the API key on requests
// for which protect returns true. Other requests, and every request when no
// key is configured, pass through.
func Middleware(v *Verifier, protect func(*http.Request) bool, deny DenyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !v.Enabled() || !protect(r) {
				next.ServeHTTP(w, r)
				return
			}
			if !v.Verify(KeyFromRequest(r)) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="gridstore"`)
				deny(w, r, gserr.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
