// Package httpauth checks the shared API token on incoming requests.
package httpauth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Allowed reports whether r carries token, either as
//
//	Authorization: Bearer <token>
//
// or as the query parameter ?token=<token>. An empty token allows everything.
func Allowed(r *http.Request, token string) bool {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return true
	}
	if got := r.URL.Query().Get("token"); got != "" {
		return equal(got, tok)
	}
	if ah := r.Header.Get("Authorization"); ah != "" {
		const p = "Bearer "
		if strings.HasPrefix(ah, p) {
			return equal(strings.TrimSpace(strings.TrimPrefix(ah, p)), tok)
		}
	}
	return false
}

// Wrap rejects requests that do not pass Allowed.
func Wrap(token string, h http.Handler) http.Handler {
	if strings.TrimSpace(token) == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !Allowed(r, token) {
			Unauthorized(w)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func Unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
