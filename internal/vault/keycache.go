package vault

import (
	"sync"

	"github.com/metahuman-os/metahuman/internal/coreerr"
	"github.com/metahuman-os/metahuman/pkg/models"
)

// KeyCache holds derived vault keys in memory, keyed by user id. Used
// for profiles keyed by the login password so a login can unlock the
// vault for the session. Entries are zeroized on removal; nothing here
// ever reaches disk or logs.
type KeyCache struct {
	mu   sync.Mutex
	keys map[string][]byte
}

// NewKeyCache creates an empty key cache.
func NewKeyCache() *KeyCache {
	return &KeyCache{keys: make(map[string][]byte)}
}

// Unlock verifies the password against the profile's verification blob
// and caches the derived key for the user. Only valid for vaults in
// loginPassword mode.
func (c *KeyCache) Unlock(profileRoot, userID, password string) error {
	meta, err := ReadMetadata(profileRoot)
	if err != nil {
		return err
	}
	if meta.PasswordMode != models.VaultLoginPassword {
		return coreerr.WithReason(coreerr.Precondition, "separate_password",
			"vault is keyed by a separate password")
	}

	ok, err := VerifyPassword(profileRoot, password)
	if err != nil {
		return err
	}
	if !ok {
		return coreerr.WithReason(coreerr.Validation, "wrong_password",
			"password verification failed")
	}

	salt, err := saltFromMetadata(meta)
	if err != nil {
		return err
	}
	key := DeriveKey(password, salt)

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.keys[userID]; ok {
		zero(old)
	}
	c.keys[userID] = key
	return nil
}

// Get returns a copy of the cached key for a user.
func (c *KeyCache) Get(userID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.keys[userID]
	if !ok {
		return nil, false
	}
	cp := make([]byte, len(key))
	copy(cp, key)
	return cp, true
}

// Lock removes and zeroizes the cached key for a user. Called on
// logout, session timeout, or explicit lock.
func (c *KeyCache) Lock(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key, ok := c.keys[userID]; ok {
		zero(key)
		delete(c.keys, userID)
	}
}

// LockAll clears every cached key. Called on shutdown.
func (c *KeyCache) LockAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, key := range c.keys {
		zero(key)
		delete(c.keys, id)
	}
}
