package handlers

import (
	"net/http"

	"github.com/metahuman-os/metahuman/internal/api/middleware"
	"github.com/metahuman-os/metahuman/internal/coreerr"
	"github.com/metahuman-os/metahuman/internal/storage"
	"github.com/metahuman-os/metahuman/internal/vault"
	"github.com/metahuman-os/metahuman/pkg/models"
)

type profileSummary struct {
	Username    string                   `json:"username"`
	DisplayName string                   `json:"displayName,omitempty"`
	Visibility  models.ProfileVisibility `json:"visibility"`
	Role        models.Role              `json:"role,omitempty"`
	Encrypted   bool                     `json:"encrypted"`
}

// ListProfiles lists profiles. Anonymous callers see only public ones,
// and never role information.
func (h *Handlers) ListProfiles(w http.ResponseWriter, r *http.Request) {
	uc := middleware.GetUserContext(r.Context())
	users, err := h.Identity.ListUsers(r.Context())
	if err != nil {
		respondCoreError(w, err)
		return
	}

	out := make([]profileSummary, 0, len(users))
	for _, u := range users {
		visibility := u.Metadata.ProfileVisibility
		if uc.Anonymous() && visibility != models.VisibilityPublic {
			continue
		}
		entry := profileSummary{
			Username:    u.Username,
			DisplayName: u.Metadata.DisplayName,
			Visibility:  visibility,
			Encrypted:   vault.IsEncrypted(h.Router.ProfileRoot(u)),
		}
		if !uc.Anonymous() {
			entry.Role = u.Role
		}
		out = append(out, entry)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"profiles": out})
}

// CreateProfile lets the owner provision accounts without going
// through self-registration.
func (h *Handlers) CreateProfile(w http.ResponseWriter, r *http.Request) {
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

	user, err := h.Identity.CreateUser(r.Context(), req.Username, req.Password, models.RoleStandard, meta)
	if err != nil {
		respondCoreError(w, err)
		return
	}
	if err := h.Router.CreateProfileTree(h.Router.DefaultProfileRoot(user.Username)); err != nil {
		h.Identity.DeleteUser(r.Context(), user.ID)
		respondCoreError(w, err)
		return
	}

	h.Auditor.Action("profile_created", middleware.GetUserContext(r.Context()).Username(), map[string]string{
		"username": user.Username,
	})
	respondJSON(w, http.StatusCreated, map[string]interface{}{"user": user})
}

type deleteProfileRequest struct {
	Username string `json:"username"`
	Confirm  string `json:"confirm"`
}

// DeleteProfile removes an account, its sessions, and its profile
// directory. Owners may delete anyone; others only themselves. The
// confirmation field must echo the username exactly.
func (h *Handlers) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	uc := middleware.GetUserContext(r.Context())

	var req deleteProfileRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Confirm != req.Username {
		respondCoreError(w, coreerr.New(coreerr.Validation, "confirmation must match the username"))
		return
	}
	if uc.Role != models.RoleOwner && uc.Username() != req.Username {
		respondCoreError(w, coreerr.WithReason(coreerr.Forbidden, "role_denied",
			"only the owner may delete other profiles"))
		return
	}

	target, err := h.Identity.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		respondCoreError(w, err)
		return
	}
	profileRoot := h.Router.ProfileRoot(target)

	if _, err := h.Identity.DeleteUser(r.Context(), target.ID); err != nil {
		respondCoreError(w, err)
		return
	}
	h.Keys.Lock(target.ID)
	if err := h.Router.RemoveProfileTree(profileRoot); err != nil {
		respondCoreError(w, err)
		return
	}

	h.Auditor.Security(models.AuditInfo, "profile_deleted", uc.Username(), map[string]string{
		"username": req.Username,
	})
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ── Profile path ─────────────────────────────────────────────

// GetProfilePath reports the caller's configured and effective profile
// roots.
func (h *Handlers) GetProfilePath(w http.ResponseWriter, r *http.Request) {
	uc := middleware.GetUserContext(r.Context())
	respondJSON(w, http.StatusOK, map[string]string{
		"configured": uc.User.Metadata.ProfilePath,
		"default":    h.Router.DefaultProfileRoot(uc.Username()),
		"effective":  uc.ProfileRoot,
	})
}

type setProfilePathRequest struct {
	Path string `json:"path"`
}

// SetProfilePath relocates the caller's profile root. An empty path
// reverts to the default location. The tree is migrated before the
// metadata changes, so a failed move never strands the profile.
func (h *Handlers) SetProfilePath(w http.ResponseWriter, r *http.Request) {
	uc := middleware.GetUserContext(r.Context())

	var req setProfilePathRequest
	if !decodeBody(w, r, &req) {
		return
	}

	target := req.Path
	var warnings []string
	if target == "" {
		target = h.Router.DefaultProfileRoot(uc.Username())
	} else {
		var err error
		warnings, err = storage.ValidateProfilePath(target)
		if err != nil {
			respondCoreError(w, err)
			return
		}
	}

	if err := storage.MigrateProfile(uc.ProfileRoot, target); err != nil {
		respondCoreError(w, err)
		return
	}

	meta := uc.User.Metadata
	meta.ProfilePath = req.Path
	if err := h.Identity.UpdateUserMetadata(r.Context(), uc.User.ID, meta); err != nil {
		respondCoreError(w, err)
		return
	}

	h.Auditor.Action("profile_path_changed", uc.Username(), map[string]string{
		"path": target,
	})
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"effective": target,
		"warnings":  warnings,
	})
}

// ── Encryption ───────────────────────────────────────────────

type encryptRequest struct {
	Password         string `json:"password"`
	UseLoginPassword bool   `json:"useLoginPassword,omitempty"`
}

// EncryptProfile encrypts the caller's profile, streaming progress as
// SSE. The connection going away cancels after the current file.
func (h *Handlers) EncryptProfile(w http.ResponseWriter, r *http.Request) {
	uc := middleware.GetUserContext(r.Context())

	var req encryptRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Password == "" {
		respondCoreError(w, coreerr.New(coreerr.Validation, "password is required"))
		return
	}

	send, ok := sseStream(w)
	if !ok {
		return
	}

	mode := models.VaultSeparatePassword
	if req.UseLoginPassword {
		mode = models.VaultLoginPassword
	}

	ctx := r.Context()
	_, err := vault.EncryptProfile(uc.ProfileRoot, req.Password, mode, func(ev models.ProgressEvent) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return send("progress", ev)
	})
	if err != nil {
		h.Auditor.Security(models.AuditError, "profile_encrypt_failed", uc.Username(), nil)
		send("error", map[string]string{"error": coreerr.PublicMessage(err)})
		return
	}

	if req.UseLoginPassword != uc.User.Metadata.UseLoginPassword {
		meta := uc.User.Metadata
		meta.UseLoginPassword = req.UseLoginPassword
		h.Identity.UpdateUserMetadata(ctx, uc.User.ID, meta)
	}

	h.Auditor.Security(models.AuditInfo, "profile_encrypted", uc.Username(), nil)
	send("complete", map[string]string{"status": "encrypted"})
}

type decryptRequest struct {
	Password string `json:"password"`
}

// DecryptProfile reverses encryption, streaming progress as SSE.
func (h *Handlers) DecryptProfile(w http.ResponseWriter, r *http.Request) {
	uc := middleware.GetUserContext(r.Context())

	var req decryptRequest
	if !decodeBody(w, r, &req) {
		return
	}

	send, ok := sseStream(w)
	if !ok {
		return
	}

	ctx := r.Context()
	processed, failed, err := vault.DecryptProfile(uc.ProfileRoot, req.Password, func(ev models.ProgressEvent) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return send("progress", ev)
	})
	if err != nil {
		h.Auditor.Security(models.AuditError, "profile_decrypt_failed", uc.Username(), nil)
		send("error", map[string]string{"error": coreerr.PublicMessage(err)})
		return
	}

	h.Keys.Lock(uc.User.ID)
	h.Auditor.Security(models.AuditInfo, "profile_decrypted", uc.Username(), nil)
	send("complete", map[string]interface{}{
		"status":    "decrypted",
		"processed": processed,
		"failed":    failed,
	})
}
