// Package identity owns users, sessions, and recovery codes. The store
// is an in-memory map set persisted as a debounced JSON snapshot under
// <root>/state/identity.json; it is the single writer of that file and
// readers always see an atomic snapshot.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/pbkdf2"

	"github.com/metahuman-os/metahuman/internal/coreerr"
	"github.com/metahuman-os/metahuman/pkg/models"
)

const (
	hashIterations  = 100_000
	saltBytes       = 32
	recoveryCodeLen = 5 // groups of 4 hex chars
	recoveryCodes   = 8
)

var usernameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{3,50}$`)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Users         map[string]*models.User    `json:"users"`          // key: id
	Sessions      map[string]*models.Session `json:"sessions"`       // key: id
	RecoveryCodes map[string][]string        `json:"recovery_codes"` // key: user id → code hashes
}

// Store implements the identity plane.
type Store struct {
	mu            sync.RWMutex
	users         map[string]*models.User    // key: id
	byUsername    map[string]string          // username → id
	sessions      map[string]*models.Session // key: id
	recoveryCodes map[string][]string        // user id → sha256 hex hashes

	snapshotPath string
	saveMu       sync.Mutex
	saveCh       chan struct{}
	doneCh       chan struct{}
}

// NewStore creates the identity store and loads any existing snapshot.
func NewStore(snapshotPath string) *Store {
	s := &Store{
		users:         make(map[string]*models.User),
		byUsername:    make(map[string]string),
		sessions:      make(map[string]*models.Session),
		recoveryCodes: make(map[string][]string),
		snapshotPath:  snapshotPath,
		saveCh:        make(chan struct{}, 1),
		doneCh:        make(chan struct{}),
	}

	if snapshotPath != "" {
		if err := os.MkdirAll(filepath.Dir(snapshotPath), 0o700); err != nil {
			log.Warn().Err(err).Msg("Cannot create identity state dir, persistence disabled")
			s.snapshotPath = ""
		} else {
			s.loadSnapshot()
			go s.saveLoop()
		}
	}

	return s
}

// Close flushes the snapshot and stops the save loop.
func (s *Store) Close() error {
	if s.snapshotPath != "" {
		close(s.doneCh)
		s.saveSnapshot()
	}
	return nil
}

// ── Users ────────────────────────────────────────────────────

// CreateUser registers a new account. The first user in an empty store
// becomes the owner regardless of the requested role.
func (s *Store) CreateUser(_ context.Context, username, password string, role models.Role, meta models.UserMetadata) (*models.User, error) {
	if !usernameRe.MatchString(username) {
		return nil, coreerr.WithReason(coreerr.Validation, "INVALID_USERNAME",
			"username must be 3-50 characters of letters, digits, _ or -")
	}
	if len(password) < 6 {
		return nil, coreerr.WithReason(coreerr.Validation, "WEAK_PASSWORD",
			"password must be at least 6 characters")
	}

	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, err, "generate salt")
	}
	hash := hashPassword(password, salt)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byUsername[username]; taken {
		return nil, coreerr.WithReason(coreerr.Conflict, "USERNAME_TAKEN",
			"username %q is taken", username)
	}

	if len(s.users) == 0 {
		role = models.RoleOwner
	} else if role == "" || role == models.RoleOwner {
		role = models.RoleStandard
	}
	if meta.ProfileVisibility == "" {
		meta.ProfileVisibility = models.VisibilityPrivate
	}

	user := &models.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: base64.StdEncoding.EncodeToString(hash),
		PasswordSalt: base64.StdEncoding.EncodeToString(salt),
		Role:         role,
		CreatedAt:    time.Now().UTC(),
		Metadata:     meta,
	}
	s.users[user.ID] = user
	s.byUsername[username] = user.ID
	s.requestSave()

	log.Info().Str("username", username).Str("role", string(role)).Msg("User created")
	return user.Public(), nil
}

// Authenticate verifies credentials. Returns (nil, nil) for a wrong
// username or password; the comparison is constant-time either way.
func (s *Store) Authenticate(_ context.Context, username, password string) (*models.User, error) {
	s.mu.RLock()
	id, ok := s.byUsername[username]
	var user *models.User
	if ok {
		user = s.users[id]
	}
	s.mu.RUnlock()

	// Hash against a throwaway salt for unknown users so response
	// timing does not reveal whether the username exists.
	salt := make([]byte, saltBytes)
	stored := make([]byte, sha512.Size)
	if user != nil {
		salt, _ = base64.StdEncoding.DecodeString(user.PasswordSalt)
		stored, _ = base64.StdEncoding.DecodeString(user.PasswordHash)
	}
	candidate := hashPassword(password, salt)

	if subtle.ConstantTimeCompare(candidate, stored) != 1 || user == nil {
		return nil, nil
	}
	return user.Public(), nil
}

// GetUser returns a user by id.
func (s *Store) GetUser(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, coreerr.New(coreerr.NotFound, "user not found")
	}
	return user.Public(), nil
}

// GetUserByUsername returns a user by username.
func (s *Store) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byUsername[username]
	if !ok {
		return nil, coreerr.New(coreerr.NotFound, "user not found")
	}
	return s.users[id].Public(), nil
}

// ListUsers returns all users.
func (s *Store) ListUsers(_ context.Context) ([]*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u.Public())
	}
	return out, nil
}

// UpdateUserMetadata replaces a user's metadata.
func (s *Store) UpdateUserMetadata(_ context.Context, id string, meta models.UserMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return coreerr.New(coreerr.NotFound, "user not found")
	}
	user.Metadata = meta
	s.requestSave()
	return nil
}

// DeleteUser removes a user and every session bound to it. The caller
// is responsible for removing the profile directory through the
// storage router.
func (s *Store) DeleteUser(_ context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return nil, coreerr.New(coreerr.NotFound, "user not found")
	}
	delete(s.users, id)
	delete(s.byUsername, user.Username)
	delete(s.recoveryCodes, id)
	for sid, sess := range s.sessions {
		if sess.UserID == id {
			delete(s.sessions, sid)
		}
	}
	s.requestSave()

	log.Info().Str("username", user.Username).Msg("User deleted")
	return user.Public(), nil
}

// ── Sessions ─────────────────────────────────────────────────

// CreateSession opens a session with a role-bounded expiry.
func (s *Store) CreateSession(_ context.Context, userID string, role models.Role, userAgent, ip string) (*models.Session, error) {
	now := time.Now().UTC()
	sess := &models.Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		Role:      role,
		CreatedAt: now,
		ExpiresAt: now.Add(role.SessionTTL()),
		UserAgent: userAgent,
		IP:        ip,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	s.requestSave()
	return sess, nil
}

// ValidateSession returns the session for id, lazily deleting it once
// expired. Expired or unknown sessions return nil.
func (s *Store) ValidateSession(_ context.Context, id string) *models.Session {
	if id == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	if sess.Expired(time.Now().UTC()) {
		delete(s.sessions, id)
		s.requestSave()
		return nil
	}
	cp := *sess
	return &cp
}

// UpdateSessionMetadata replaces a live session's metadata.
func (s *Store) UpdateSessionMetadata(_ context.Context, id string, meta models.SessionMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return coreerr.New(coreerr.NotFound, "session not found")
	}
	sess.Metadata = meta
	s.requestSave()
	return nil
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(_ context.Context, id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	s.requestSave()
}

// SweepExpiredSessions removes every expired session and returns the
// count removed.
func (s *Store) SweepExpiredSessions(_ context.Context) int {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		s.requestSave()
	}
	return removed
}

// ── Recovery codes ───────────────────────────────────────────

// GenerateRecoveryCodes replaces a user's recovery codes and returns
// the plaintext codes exactly once. Only hashes are stored.
func (s *Store) GenerateRecoveryCodes(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return nil, coreerr.New(coreerr.NotFound, "user not found")
	}

	codes := make([]string, recoveryCodes)
	hashes := make([]string, recoveryCodes)
	for i := range codes {
		code, err := randomCode()
		if err != nil {
			return nil, coreerr.Wrap(coreerr.Internal, err, "generate recovery code")
		}
		codes[i] = code
		hashes[i] = hashCode(code)
	}
	s.recoveryCodes[userID] = hashes
	s.requestSave()
	return codes, nil
}

// ConsumeRecoveryCode burns one recovery code for a username. A
// matching code is removed from the store before returning.
func (s *Store) ConsumeRecoveryCode(_ context.Context, username, code string) bool {
	target := hashCode(code)

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byUsername[username]
	if !ok {
		return false
	}
	hashes := s.recoveryCodes[id]
	for i, h := range hashes {
		if subtle.ConstantTimeCompare([]byte(h), []byte(target)) == 1 {
			s.recoveryCodes[id] = append(hashes[:i], hashes[i+1:]...)
			s.requestSave()
			return true
		}
	}
	return false
}

// ResetPassword sets a new password for a user; the caller must have
// consumed a recovery code first.
func (s *Store) ResetPassword(_ context.Context, username, newPassword string) error {
	if len(newPassword) < 6 {
		return coreerr.WithReason(coreerr.Validation, "WEAK_PASSWORD",
			"password must be at least 6 characters")
	}

	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return coreerr.Wrap(coreerr.Internal, err, "generate salt")
	}
	hash := hashPassword(newPassword, salt)

	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byUsername[username]
	if !ok {
		return coreerr.New(coreerr.NotFound, "user not found")
	}
	user := s.users[id]
	user.PasswordHash = base64.StdEncoding.EncodeToString(hash)
	user.PasswordSalt = base64.StdEncoding.EncodeToString(salt)

	// A password reset invalidates every open session for the user.
	for sid, sess := range s.sessions {
		if sess.UserID == id {
			delete(s.sessions, sid)
		}
	}
	s.requestSave()
	return nil
}

// ── Hashing ──────────────────────────────────────────────────

func hashPassword(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, hashIterations, sha512.Size, sha512.New)
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func randomCode() (string, error) {
	buf := make([]byte, 2*recoveryCodeLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	code := ""
	for i := 0; i < recoveryCodeLen; i++ {
		if i > 0 {
			code += "-"
		}
		code += hex.EncodeToString(buf[i*2 : i*2+2])
	}
	return code, nil
}

// ── Persistence ──────────────────────────────────────────────

// requestSave signals the background goroutine to persist. Writes are
// debounced so bursts of changes produce one snapshot.
func (s *Store) requestSave() {
	if s.snapshotPath == "" {
		return
	}
	select {
	case s.saveCh <- struct{}{}:
	default:
	}
}

func (s *Store) saveLoop() {
	for {
		select {
		case <-s.doneCh:
			return
		case <-s.saveCh:
			time.Sleep(200 * time.Millisecond) // coalesce bursts
			s.saveSnapshot()
		}
	}
}

func (s *Store) saveSnapshot() {
	s.mu.RLock()
	snap := snapshot{
		Users:         s.users,
		Sessions:      s.sessions,
		RecoveryCodes: s.recoveryCodes,
	}
	data, err := json.MarshalIndent(&snap, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		log.Warn().Err(err).Msg("Cannot marshal identity snapshot")
		return
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		log.Warn().Err(err).Msg("Cannot write identity snapshot")
		return
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		log.Warn().Err(err).Msg("Cannot install identity snapshot")
	}
}

func (s *Store) loadSnapshot() {
	data, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return // first boot
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Msg("Corrupt identity snapshot, starting empty")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Users != nil {
		s.users = snap.Users
	}
	if snap.Sessions != nil {
		s.sessions = snap.Sessions
	}
	if snap.RecoveryCodes != nil {
		s.recoveryCodes = snap.RecoveryCodes
	}
	for id, u := range s.users {
		s.byUsername[u.Username] = id
	}

	log.Info().
		Int("users", len(s.users)).
		Int("sessions", len(s.sessions)).
		Msg("Identity snapshot loaded")
}

// HasOwner reports whether an owner account exists.
func (s *Store) HasOwner() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Role == models.RoleOwner {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer for debug logging without secrets.
func (s *Store) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("identity.Store{users:%d sessions:%d}", len(s.users), len(s.sessions))
}
