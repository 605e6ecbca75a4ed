package api

import (
	"net/http"

	"github.com/mattjoyce/fanout/internal/auth"
)

// authMiddleware resolves the caller's principal. With no credentials
// configured every request gets full scope.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.Enabled(s.config.APIKey, s.config.Tokens) {
			p := auth.Principal{Scopes: map[string]struct{}{auth.ScopeAll: {}}}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
			return
		}

		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error(), "unauthorized")
			return
		}
		p, ok := auth.Authenticate(token, s.config.APIKey, s.config.Tokens)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid API key", "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok || !auth.HasAnyScope(p, scopes...) {
				s.writeError(w, http.StatusForbidden, "insufficient scope", "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
