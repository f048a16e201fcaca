// Package middleware implements the request pipeline: session
// resolution, request-local user context, policy gates, logging, and
// tracing. Handlers never touch cookies or the identity store directly.
package middleware

import (
	"context"

	"github.com/metahuman-os/metahuman/pkg/models"
)

// SessionCookie is the session cookie name.
const SessionCookie = "mh_session"

// UserContext is the request-local identity: the resolved user, their
// session, the effective role, and the profile root every filesystem
// decision for this request must use. It is never process-global.
type UserContext struct {
	User    *models.User
	Session *models.Session
	Role    models.Role

	// ProfileRoot is empty for anonymous requests.
	ProfileRoot string
}

// Anonymous reports whether the request carries no valid session.
func (uc *UserContext) Anonymous() bool {
	return uc == nil || uc.User == nil
}

// Username returns the username or "" for anonymous requests.
func (uc *UserContext) Username() string {
	if uc.Anonymous() {
		return ""
	}
	return uc.User.Username
}

type contextKey string

const userContextKey contextKey = "metahuman-user-context"

// SetUserContext stores the user context in the request context.
func SetUserContext(ctx context.Context, uc *UserContext) context.Context {
	return context.WithValue(ctx, userContextKey, uc)
}

// GetUserContext retrieves the user context. Every request that passed
// the session middleware has one; a missing value reads as anonymous.
func GetUserContext(ctx context.Context) *UserContext {
	if uc, ok := ctx.Value(userContextKey).(*UserContext); ok {
		return uc
	}
	return &UserContext{Role: models.RoleAnonymous}
}
