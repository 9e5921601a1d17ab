package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type principalKey struct{}

// openPrincipal is assumed when no API tokens are configured, which keeps
// local development usable without a token exchange.
const openPrincipal = "local"

// Principal returns the authenticated caller id, or "" outside the
// authenticated surface.
func Principal(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.tokens) == 0 {
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), openPrincipal)))
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		principal, ok := s.lookupToken(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
	})
}

// lookupToken walks every configured token so the comparison time does not
// depend on which one matches.
func (s *Server) lookupToken(token string) (string, bool) {
	var principal string
	found := false
	for t, p := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(t)) == 1 {
			principal, found = p, true
		}
	}
	return principal, found
}

func withPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}
