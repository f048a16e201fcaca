package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/metahuman-os/metahuman/internal/audit"
	"github.com/metahuman-os/metahuman/internal/policy"
	"github.com/metahuman-os/metahuman/pkg/models"
)

// RequireOwner restricts a route group to the owner role. Unlike
// Guard it carries no mode semantics, so owner reads stay available
// under high security.
func RequireOwner(auditor *audit.Auditor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uc := GetUserContext(r.Context())
			if uc.Role == models.RoleOwner {
				next.ServeHTTP(w, r)
				return
			}

			auditor.Security(models.AuditWarn, "policy_denied", uc.Username(), map[string]string{
				"operation": "owner_only",
				"reason":    policy.ReasonRoleDenied,
			})

			status := http.StatusForbidden
			kind := "FORBIDDEN"
			if uc.Anonymous() {
				status = http.StatusUnauthorized
				kind = "UNAUTHENTICATED"
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]string{
				"error":  kind,
				"reason": policy.ReasonRoleDenied,
			})
		})
	}
}

// Guard enforces the security policy for a route group: the declared
// operation is checked against the caller's role and the process-wide
// cognitive mode. Missing session → 401, role/mode violation → 403.
// Denials are audited as security events with the stable reason code.
func Guard(holder *policy.ModeHolder, auditor *audit.Auditor, op policy.Operation) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uc := GetUserContext(r.Context())
			mode, _ := holder.Mode()

			decision := policy.Decide(uc.Role, mode, op)
			if decision.Allow {
				next.ServeHTTP(w, r)
				return
			}

			auditor.Security(models.AuditWarn, "policy_denied", uc.Username(), map[string]string{
				"operation": string(op),
				"reason":    decision.Reason,
			})

			status := http.StatusForbidden
			kind := "FORBIDDEN"
			if uc.Anonymous() {
				status = http.StatusUnauthorized
				kind = "UNAUTHENTICATED"
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]string{
				"error":  kind,
				"reason": decision.Reason,
			})
		})
	}
}
