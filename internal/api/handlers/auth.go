package handlers

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metahuman-os/metahuman/internal/api/middleware"
	"github.com/metahuman-os/metahuman/internal/coreerr"
	"github.com/metahuman-os/metahuman/pkg/models"
)

type registerRequest struct {
	Username          string `json:"username"`
	Password          string `json:"password"`
	DisplayName       string `json:"displayName,omitempty"`
	ProfileVisibility string `json:"profileVisibility,omitempty"`
	UseLoginPassword  bool   `json:"useLoginPassword,omitempty"`
}

// Register creates an account, its profile tree, and a fresh session.
// The first registered user becomes the owner. Recovery codes are
// returned exactly once, here.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}

	meta := models.UserMetadata{
		DisplayName:      req.DisplayName,
		UseLoginPassword: req.UseLoginPassword,
	}
	if req.ProfileVisibility != "" {
		meta.ProfileVisibility = models.ProfileVisibility(req.ProfileVisibility)
	}

	user, err := h.Identity.CreateUser(r.Context(), req.Username, req.Password, "", meta)
	if err != nil {
		respondCoreError(w, err)
		return
	}

	if err := h.Router.CreateProfileTree(h.Router.DefaultProfileRoot(user.Username)); err != nil {
		// Roll the account back; a user without a profile tree is
		// worse than a failed registration.
		h.Identity.DeleteUser(r.Context(), user.ID)
		respondCoreError(w, err)
		return
	}

	codes, err := h.Identity.GenerateRecoveryCodes(r.Context(), user.ID)
	if err != nil {
		respondCoreError(w, err)
		return
	}

	sess, err := h.Identity.CreateSession(r.Context(), user.ID, user.Role, r.UserAgent(), r.RemoteAddr)
	if err != nil {
		respondCoreError(w, err)
		return
	}
	h.setSessionCookie(w, sess.ID, sess.ExpiresAt)

	h.Auditor.Action("user_registered", user.Username, map[string]string{
		"role": string(user.Role),
	})
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"user":          user,
		"recoveryCodes": codes,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login verifies credentials and opens a session. When the profile
// vault is keyed by the login password, a successful login also
// unlocks the key cache.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, err := h.Identity.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		respondCoreError(w, err)
		return
	}
	if user == nil {
		h.Auditor.Security(models.AuditWarn, "login_failed", req.Username, nil)
		respondError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	if user.Metadata.UseLoginPassword {
		root := h.Router.ProfileRoot(user)
		if err := h.Keys.Unlock(root, user.ID, req.Password); err != nil {
			// Login still succeeds; the vault stays locked.
			log.Debug().Err(err).Str("user", user.Username).Msg("Vault unlock on login failed")
		}
	}

	sess, err := h.Identity.CreateSession(r.Context(), user.ID, user.Role, r.UserAgent(), r.RemoteAddr)
	if err != nil {
		respondCoreError(w, err)
		return
	}
	h.setSessionCookie(w, sess.ID, sess.ExpiresAt)

	h.Auditor.Action("user_login", user.Username, nil)
	respondJSON(w, http.StatusOK, map[string]interface{}{"user": user})
}

// Logout deletes the session, locks the vault key, and clears the
// cookie.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	uc := middleware.GetUserContext(r.Context())
	if uc.Session != nil {
		h.Identity.DeleteSession(r.Context(), uc.Session.ID)
	}
	if !uc.Anonymous() {
		h.Keys.Lock(uc.User.ID)
		h.Auditor.Action("user_logout", uc.Username(), nil)
	}
	h.clearSessionCookie(w)
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Me returns the caller's identity, or a null user for anonymous.
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	uc := middleware.GetUserContext(r.Context())
	if uc.Anonymous() {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"user": nil,
			"role": models.RoleAnonymous,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user":      uc.User,
		"role":      uc.Role,
		"expiresAt": uc.Session.ExpiresAt,
	})
}

type resetPasswordRequest struct {
	Username     string `json:"username"`
	RecoveryCode string `json:"recoveryCode"`
	NewPassword  string `json:"newPassword"`
}

// ResetPassword consumes one recovery code and sets a new password.
// All sessions of the user are invalidated.
func (h *Handlers) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !decodeBody(w, r, &req) {
		return
	}

	// Validate the replacement before touching the code: recovery
	// codes are one-shot and must not burn on a bad password.
	if len(req.NewPassword) < 6 {
		respondCoreError(w, coreerr.WithReason(coreerr.Validation, "WEAK_PASSWORD",
			"password must be at least 6 characters"))
		return
	}

	if !h.Identity.ConsumeRecoveryCode(r.Context(), req.Username, req.RecoveryCode) {
		h.Auditor.Security(models.AuditWarn, "recovery_code_rejected", req.Username, nil)
		respondCoreError(w, coreerr.WithReason(coreerr.Forbidden, "invalid_recovery_code",
			"recovery code not accepted"))
		return
	}
	if err := h.Identity.ResetPassword(r.Context(), req.Username, req.NewPassword); err != nil {
		respondCoreError(w, err)
		return
	}

	h.Auditor.Security(models.AuditInfo, "password_reset", req.Username, nil)
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── Cookies ──────────────────────────────────────────────────

func (h *Handlers) setSessionCookie(w http.ResponseWriter, id string, expires time.Time) {
	cookie := &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    id,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
	if h.Config.CrossOriginCookies {
		cookie.SameSite = http.SameSiteNoneMode
		cookie.Secure = true
	}
	http.SetCookie(w, cookie)
}

func (h *Handlers) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}
