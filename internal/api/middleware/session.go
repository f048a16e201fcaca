package middleware

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/metahuman-os/metahuman/internal/storage"
	"github.com/metahuman-os/metahuman/pkg/models"
)

// SessionStore is the slice of the identity store the session
// middleware needs.
type SessionStore interface {
	ValidateSession(ctx context.Context, id string) *models.Session
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// Session resolves the session cookie into a request-local UserContext.
// An absent, invalid, or expired cookie degrades to anonymous; it never
// rejects here. Rejection is the policy gate's job.
func Session(store SessionStore, router *storage.Router) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uc := &UserContext{Role: models.RoleAnonymous}

			if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
				if sess := store.ValidateSession(r.Context(), cookie.Value); sess != nil {
					user, err := store.GetUser(r.Context(), sess.UserID)
					if err != nil {
						// Session outlived its user; treat as anonymous.
						log.Debug().Str("session_user", sess.UserID).Msg("Session references missing user")
					} else {
						uc = &UserContext{
							User:        user,
							Session:     sess,
							Role:        sess.Role,
							ProfileRoot: router.ProfileRoot(user),
						}
					}
				}
			}

			next.ServeHTTP(w, r.WithContext(SetUserContext(r.Context(), uc)))
		})
	}
}
