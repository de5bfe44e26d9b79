package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/safeguardhq/safeguard/internal/fault"
	"github.com/safeguardhq/safeguard/internal/identity"
)

type ctxKey int

const principalKey ctxKey = iota

// requireAuth verifies the bearer token and stores the principal in the
// request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, s.log, fault.New(fault.Authentication, fault.ReasonInvalidToken, "missing bearer token"))
			return
		}
		principal, err := s.identity.Verify(r.Context(), strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			writeError(w, s.log, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), principalKey, principal)))
	})
}

func principalFrom(r *http.Request) *identity.Principal {
	p, _ := r.Context().Value(principalKey).(*identity.Principal)
	return p
}
