package vault

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/metahuman-os/metahuman/internal/coreerr"
	"github.com/metahuman-os/metahuman/pkg/models"
)

// seedProfile lays out a small profile with files inside and outside the
// covered subtrees.
func seedProfile(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"persona/core.json":                `{"name":"test"}`,
		"memory/episodic/2025/evt-1.json":  `{"what":"something happened"}`,
		"memory/semantic/facts.json":       `{"sky":"blue"}`,
		"etc/agents.json":                  `{"agents":[]}`,
		"logs/audit/2025-01-01.ndjson":     `{"action":"login"}`,
		"out/adapters/2025-01-01/eval.txt": "passed",
	}
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	root := seedProfile(t)

	n, err := EncryptProfile(root, "vault-pass", models.VaultLoginPassword, nil)
	if err != nil {
		t.Fatalf("EncryptProfile failed: %v", err)
	}
	if n != 4 {
		t.Errorf("encrypted %d files, want 4 (covered subtrees only)", n)
	}
	if !IsEncrypted(root) {
		t.Fatal("IsEncrypted = false after encryption")
	}

	// Covered files are replaced by .enc siblings.
	if _, err := os.Stat(filepath.Join(root, "persona", "core.json")); !os.IsNotExist(err) {
		t.Error("plaintext persona file still present")
	}
	if _, err := os.Stat(filepath.Join(root, "persona", "core.json.enc")); err != nil {
		t.Error("encrypted persona file missing")
	}
	// Uncovered subtrees are untouched.
	if data, err := os.ReadFile(filepath.Join(root, "logs", "audit", "2025-01-01.ndjson")); err != nil || string(data) != `{"action":"login"}` {
		t.Errorf("audit log touched by encryption: %s, %v", data, err)
	}

	processed, failed, err := DecryptProfile(root, "vault-pass", nil)
	if err != nil {
		t.Fatalf("DecryptProfile failed: %v", err)
	}
	if processed != 4 || failed != 0 {
		t.Errorf("decrypt processed=%d failed=%d, want 4/0", processed, failed)
	}
	if IsEncrypted(root) {
		t.Error("metadata still present after full decryption")
	}
	data, err := os.ReadFile(filepath.Join(root, "persona", "core.json"))
	if err != nil || string(data) != `{"name":"test"}` {
		t.Errorf("round trip lost content: %s, %v", data, err)
	}
}

func TestEncryptRefusesTwice(t *testing.T) {
	root := seedProfile(t)
	if _, err := EncryptProfile(root, "vault-pass", models.VaultSeparatePassword, nil); err != nil {
		t.Fatalf("EncryptProfile failed: %v", err)
	}
	_, err := EncryptProfile(root, "other-pass", models.VaultSeparatePassword, nil)
	if coreerr.KindOf(err) != coreerr.Conflict || coreerr.ReasonOf(err) != "already_encrypted" {
		t.Errorf("second encrypt: kind=%s reason=%q", coreerr.KindOf(err), coreerr.ReasonOf(err))
	}
}

func TestDecryptWrongPassword(t *testing.T) {
	root := seedProfile(t)
	if _, err := EncryptProfile(root, "vault-pass", models.VaultSeparatePassword, nil); err != nil {
		t.Fatalf("EncryptProfile failed: %v", err)
	}

	_, _, err := DecryptProfile(root, "wrong-pass", nil)
	if coreerr.KindOf(err) != coreerr.Validation || coreerr.ReasonOf(err) != "wrong_password" {
		t.Fatalf("wrong password: kind=%s reason=%q", coreerr.KindOf(err), coreerr.ReasonOf(err))
	}
	// No file may have been touched by the failed attempt.
	if _, err := os.Stat(filepath.Join(root, "persona", "core.json.enc")); err != nil {
		t.Error("encrypted file missing after rejected decryption")
	}
	if !IsEncrypted(root) {
		t.Error("vault metadata removed by rejected decryption")
	}
}

func TestVerifyPassword(t *testing.T) {
	root := seedProfile(t)

	if _, err := VerifyPassword(root, "anything"); coreerr.ReasonOf(err) != "not_encrypted" {
		t.Errorf("unencrypted profile reason = %q", coreerr.ReasonOf(err))
	}

	if _, err := EncryptProfile(root, "vault-pass", models.VaultSeparatePassword, nil); err != nil {
		t.Fatalf("EncryptProfile failed: %v", err)
	}
	if ok, err := VerifyPassword(root, "vault-pass"); err != nil || !ok {
		t.Errorf("correct password: ok=%v err=%v", ok, err)
	}
	if ok, err := VerifyPassword(root, "wrong"); err != nil || ok {
		t.Errorf("wrong password: ok=%v err=%v", ok, err)
	}
}

func TestEncryptionCancellation(t *testing.T) {
	root := seedProfile(t)

	calls := 0
	sink := func(ev models.ProgressEvent) error {
		calls++
		if calls >= 3 {
			return context.Canceled
		}
		return nil
	}
	_, err := EncryptProfile(root, "vault-pass", models.VaultSeparatePassword, sink)
	if coreerr.KindOf(err) != coreerr.Transient {
		t.Fatalf("cancelled encrypt kind = %s, want TRANSIENT", coreerr.KindOf(err))
	}
	// A cancelled run never installs metadata, so it never looks done.
	if IsEncrypted(root) {
		t.Error("cancelled encryption installed vault metadata")
	}
}

func TestKeyCache(t *testing.T) {
	root := seedProfile(t)
	if _, err := EncryptProfile(root, "login-pass", models.VaultLoginPassword, nil); err != nil {
		t.Fatalf("EncryptProfile failed: %v", err)
	}

	c := NewKeyCache()
	if err := c.Unlock(root, "u-1", "wrong"); coreerr.ReasonOf(err) != "wrong_password" {
		t.Errorf("wrong password reason = %q", coreerr.ReasonOf(err))
	}
	if err := c.Unlock(root, "u-1", "login-pass"); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	key, ok := c.Get("u-1")
	if !ok || len(key) != keySize {
		t.Fatalf("Get = %d bytes, %v", len(key), ok)
	}

	c.Lock("u-1")
	if _, ok := c.Get("u-1"); ok {
		t.Error("key survived Lock")
	}
}

func TestKeyCacheSeparateMode(t *testing.T) {
	root := seedProfile(t)
	if _, err := EncryptProfile(root, "vault-pass", models.VaultSeparatePassword, nil); err != nil {
		t.Fatalf("EncryptProfile failed: %v", err)
	}

	c := NewKeyCache()
	err := c.Unlock(root, "u-1", "vault-pass")
	if coreerr.KindOf(err) != coreerr.Precondition || coreerr.ReasonOf(err) != "separate_password" {
		t.Errorf("separate-mode unlock: kind=%s reason=%q", coreerr.KindOf(err), coreerr.ReasonOf(err))
	}
}
