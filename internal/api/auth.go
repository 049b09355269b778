package api

import (
	"net/http"

	"github.com/mattjoyce/rollout/internal/auth"
)

// authMiddleware resolves the bearer token to a principal. With no
// credentials configured every request is refused.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Enabled() {
			s.writeError(w, http.StatusUnauthorized, "API authentication is not configured")
			return
		}
		token, err := auth.BearerToken(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="rollout"`)
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		principal, ok := s.auth.Authenticate(token)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="rollout", error="invalid_token"`)
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.NewContext(r.Context(), principal)))
	})
}

func (s *Server) requireScopes(scopes ...auth.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ := auth.FromContext(r.Context())
			if !principal.Can(scopes...) {
				s.logger.Warn("scope check failed", "principal", principal.Name, "path", r.URL.Path, "required", scopes)
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
