// Package models defines the domain records shared across the MetaHuman
// core: users, sessions, cognitive modes, agent records, training
// datasets, and audit events.
package models

import (
	"time"
)

// ── Roles ────────────────────────────────────────────────────

// Role is the access level attached to a user and its sessions.
type Role string

const (
	RoleOwner     Role = "owner"
	RoleStandard  Role = "standard"
	RoleGuest     Role = "guest"
	RoleAnonymous Role = "anonymous"
)

// SessionTTL returns the maximum session duration for a role.
func (r Role) SessionTTL() time.Duration {
	switch r {
	case RoleOwner, RoleStandard:
		return 24 * time.Hour
	case RoleGuest:
		return time.Hour
	default:
		return 30 * time.Minute
	}
}

// ── Cognitive Mode ───────────────────────────────────────────

// CognitiveMode is the process-wide operating mode. Together with the
// role it determines write permissions.
type CognitiveMode string

const (
	ModeDualConsciousness CognitiveMode = "dual-consciousness"
	ModeAgent             CognitiveMode = "agent"
	ModeEmulation         CognitiveMode = "emulation"
	ModeHighSecurity      CognitiveMode = "high-security"
)

// Valid reports whether m is one of the known cognitive modes.
func (m CognitiveMode) Valid() bool {
	switch m {
	case ModeDualConsciousness, ModeAgent, ModeEmulation, ModeHighSecurity:
		return true
	}
	return false
}

// ── User ─────────────────────────────────────────────────────

// ProfileVisibility controls whether anonymous visitors can see a
// profile in listings.
type ProfileVisibility string

const (
	VisibilityPublic  ProfileVisibility = "public"
	VisibilityPrivate ProfileVisibility = "private"
)

// UserMetadata carries optional per-user settings.
type UserMetadata struct {
	DisplayName       string            `json:"display_name,omitempty"`
	Email             string            `json:"email,omitempty"`
	ProfileVisibility ProfileVisibility `json:"profile_visibility,omitempty"`

	// ProfilePath is a user-chosen absolute profile root (removable
	// drive, secondary disk). Empty means the default location under
	// the system root.
	ProfilePath string `json:"profile_path,omitempty"`

	// UseLoginPassword marks that the profile vault is keyed by the
	// login password, so login can unlock it.
	UseLoginPassword bool `json:"use_login_password,omitempty"`
}

// User is an account record. The password hash and salt never leave
// the identity store in API responses.
type User struct {
	ID           string       `json:"id"`
	Username     string       `json:"username"`
	PasswordHash string       `json:"password_hash,omitempty"`
	PasswordSalt string       `json:"password_salt,omitempty"`
	Role         Role         `json:"role"`
	CreatedAt    time.Time    `json:"created_at"`
	Metadata     UserMetadata `json:"metadata"`
}

// Public returns a copy safe to serialize in API responses.
func (u *User) Public() *User {
	cp := *u
	cp.PasswordHash = ""
	cp.PasswordSalt = ""
	return &cp
}

// ── Session ──────────────────────────────────────────────────

// SessionMetadata carries optional session-scoped state.
type SessionMetadata struct {
	ActiveProfile  string   `json:"active_profile,omitempty"`
	SourceProfile  string   `json:"source_profile,omitempty"`
	MergedProfiles []string `json:"merged_profiles,omitempty"`
}

// Session is a browser or CLI session bound to one user.
type Session struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Role      Role            `json:"role"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	UserAgent string          `json:"user_agent,omitempty"`
	IP        string          `json:"ip,omitempty"`
	Metadata  SessionMetadata `json:"metadata"`
}

// Expired reports whether the session is past its expiry.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// ── Agent Records ────────────────────────────────────────────

// TriggerType describes what causes a scheduled agent to fire.
type TriggerType string

const (
	TriggerInterval  TriggerType = "interval"
	TriggerTimeOfDay TriggerType = "time-of-day"
	TriggerActivity  TriggerType = "activity"
	TriggerEvent     TriggerType = "event"
)

// AgentRecord tracks one live background agent process.
// Invariant: at most one live record per (user, name).
type AgentRecord struct {
	Name        string      `json:"name"`
	PID         int         `json:"pid"`
	User        string      `json:"user"`
	StartedAt   time.Time   `json:"started_at"`
	TriggerType TriggerType `json:"trigger_type"`

	// TriggerState is free-form trigger bookkeeping (last fire time,
	// next scheduled fire) for display purposes.
	TriggerState map[string]string `json:"trigger_state,omitempty"`
}

// AgentConfig is one entry of a user's etc/agents.json.
type AgentConfig struct {
	Enabled bool        `json:"enabled"`
	Type    TriggerType `json:"type"`

	// Interval in seconds, for interval triggers.
	Interval int `json:"interval,omitempty"`

	// Schedule is "HH:MM" local time, for time-of-day triggers.
	Schedule string `json:"schedule,omitempty"`

	// InactivityThreshold in seconds, for activity triggers.
	InactivityThreshold int `json:"inactivityThreshold,omitempty"`

	// AgentPath is a script/binary entry point. Mutually exclusive
	// with Task.
	AgentPath string `json:"agentPath,omitempty"`

	// Task is an inline operator goal run instead of a script.
	Task string `json:"task,omitempty"`

	RunOnBoot bool `json:"runOnBoot,omitempty"`

	// Essential agents keep running under HEADLESS_RUNTIME.
	Essential bool `json:"essential,omitempty"`
}

// AgentsFile is the shape of etc/agents.json: agent name → config.
type AgentsFile map[string]AgentConfig

// ── Training / Adapters ──────────────────────────────────────

// DatasetStatus is derived from the files present in a dataset dir.
type DatasetStatus string

const (
	DatasetBuilt     DatasetStatus = "built"     // instructions.jsonl present
	DatasetApproved  DatasetStatus = "approved"  // approved.json present
	DatasetTrained   DatasetStatus = "trained"   // adapter artifact present
	DatasetEvaluated DatasetStatus = "evaluated" // eval.json present
	DatasetRejected  DatasetStatus = "rejected"  // moved under _rejected/
	DatasetEmpty     DatasetStatus = "empty"     // directory only
)

// Dataset summarizes one out/adapters/<date>/ directory.
type Dataset struct {
	Date      string        `json:"date"`
	Status    DatasetStatus `json:"status"`
	PairCount int           `json:"pair_count,omitempty"`
	Eval      *EvalResult   `json:"eval,omitempty"`
	Approved  *Approval     `json:"approved,omitempty"`
	Artifacts []string      `json:"artifacts,omitempty"`
}

// Approval is the approved.json record gating training.
type Approval struct {
	ApprovedAt   time.Time `json:"approvedAt"`
	ApprovedBy   string    `json:"approvedBy"`
	Notes        string    `json:"notes,omitempty"`
	PairCount    int       `json:"pairCount"`
	AutoApproved bool      `json:"autoApproved"`
	DryRun       bool      `json:"dryRun"`
}

// Rejection is the rejected.json record written when a dataset is
// moved under _rejected/.
type Rejection struct {
	RejectedAt time.Time `json:"rejectedAt"`
	RejectedBy string    `json:"rejectedBy"`
	Reason     string    `json:"reason,omitempty"`
}

// EvalResult is the eval.json record gating activation.
type EvalResult struct {
	Score  float64 `json:"score"`
	Passed bool    `json:"passed"`
}

// AdapterStatus tracks whether the staged adapter has been loaded by
// the local model server.
type AdapterStatus string

const (
	AdapterReadyForLoad AdapterStatus = "ready_for_ollama_load"
	AdapterLoaded       AdapterStatus = "loaded"
)

// AdapterPair names the two adapters of a dual activation.
type AdapterPair struct {
	Historical string `json:"historical"`
	Recent     string `json:"recent"`
}

// ActiveAdapter is the durable record of the currently staged or
// loaded model adapter.
type ActiveAdapter struct {
	ModelName       string        `json:"modelName"`
	Dataset         string        `json:"dataset"`
	ActivatedAt     time.Time     `json:"activatedAt"`
	ActivatedBy     string        `json:"activatedBy"`
	Status          AdapterStatus `json:"status"`
	BaseModel       string        `json:"baseModel"`
	AdapterPath     string        `json:"adapterPath"`
	GGUFAdapterPath string        `json:"ggufAdapterPath,omitempty"`
	IsDualAdapter   bool          `json:"isDualAdapter"`
	Adapters        *AdapterPair  `json:"adapters,omitempty"`
}

// ── Audit ────────────────────────────────────────────────────

// AuditCategory groups audit events.
type AuditCategory string

const (
	AuditAction   AuditCategory = "action"
	AuditSecurity AuditCategory = "security"
)

// AuditLevel is the severity of an audit event.
type AuditLevel string

const (
	AuditInfo  AuditLevel = "info"
	AuditWarn  AuditLevel = "warn"
	AuditError AuditLevel = "error"
)

// AuditEvent is one NDJSON line under logs/audit/<date>.ndjson.
// Details must never contain passwords or session ids.
type AuditEvent struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Category  AuditCategory     `json:"category"`
	Level     AuditLevel        `json:"level"`
	Event     string            `json:"event"`
	Actor     string            `json:"actor"`
	Details   map[string]string `json:"details,omitempty"`
}

// ── Vault ────────────────────────────────────────────────────

// VaultPasswordMode records which password keys a profile vault.
type VaultPasswordMode string

const (
	VaultSeparatePassword VaultPasswordMode = "separate"
	VaultLoginPassword    VaultPasswordMode = "loginPassword"
)

// VaultMetadata is the per-profile encryption metadata file.
type VaultMetadata struct {
	Version            int               `json:"version"`
	Algorithm          string            `json:"algorithm"` // "aes-256-gcm"
	KDF                string            `json:"kdf"`       // "pbkdf2-sha512"
	Iterations         int               `json:"iterations"`
	SaltB64            string            `json:"saltB64"`
	CreatedAt          time.Time         `json:"createdAt"`
	EncryptedFileCount int               `json:"encryptedFileCount"`
	PasswordMode       VaultPasswordMode `json:"passwordMode"`
}

// ProgressStatus is the state of one streamed progress step.
type ProgressStatus string

const (
	ProgressRunning  ProgressStatus = "running"
	ProgressComplete ProgressStatus = "complete"
	ProgressError    ProgressStatus = "error"
)

// ProgressEvent is one record of a streamed long-running operation
// (encryption, decryption, full-cycle training).
type ProgressEvent struct {
	Step     string         `json:"step"`
	Status   ProgressStatus `json:"status"`
	Message  string         `json:"message,omitempty"`
	Progress int            `json:"progress"` // 0..100
	Error    string         `json:"error,omitempty"`
}
