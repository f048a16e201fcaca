// Package vault implements per-profile at-rest encryption: PBKDF2
// derived keys, AES-256-GCM per file, a metadata file plus a small
// verification blob so a candidate password can be checked without
// touching user data. Keys never touch disk.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/pbkdf2"

	"github.com/metahuman-os/metahuman/internal/coreerr"
	"github.com/metahuman-os/metahuman/pkg/models"
)

const (
	// MetadataFile sits at the profile root once encrypted.
	MetadataFile = ".mh-vault.json"
	// VerifyFile is the encrypted sentinel used for password checks.
	VerifyFile = ".mh-vault.verify"

	encSuffix  = ".enc"
	iterations = 100_000
	keySize    = 32
	saltSize   = 32
	nonceSize  = 12
)

// encryptedSubtrees are the profile subtrees covered by the vault, in
// deterministic traversal order.
var encryptedSubtrees = []string{"etc", "memory", "persona"}

var verifySentinel = []byte("metahuman-vault-v1")

// ProgressSink receives progress events. Returning an error cancels
// the operation cooperatively: the current file is finished, then the
// traversal stops.
type ProgressSink func(models.ProgressEvent) error

// DeriveKey computes the AES key for a password and salt.
func DeriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, keySize, sha512.New)
}

// IsEncrypted reports whether a profile root carries vault metadata.
func IsEncrypted(root string) bool {
	_, err := os.Stat(filepath.Join(root, MetadataFile))
	return err == nil
}

// ReadMetadata loads the vault metadata for a profile root.
func ReadMetadata(root string) (*models.VaultMetadata, error) {
	data, err := os.ReadFile(filepath.Join(root, MetadataFile))
	if err != nil {
		return nil, coreerr.WithReason(coreerr.Precondition, "not_encrypted",
			"profile is not encrypted")
	}
	var meta models.VaultMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, err, "corrupt vault metadata")
	}
	return &meta, nil
}

// ── Encrypt ──────────────────────────────────────────────────

// EncryptProfile encrypts every regular file under the covered
// subtrees in place, then installs the metadata and verification
// files. Refuses when metadata is already present. Returns the number
// of files encrypted.
func EncryptProfile(root, password string, mode models.VaultPasswordMode, sink ProgressSink) (int, error) {
	if IsEncrypted(root) {
		return 0, coreerr.WithReason(coreerr.Conflict, "already_encrypted",
			"profile is already encrypted")
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return 0, coreerr.Wrap(coreerr.Internal, err, "generate salt")
	}
	key := DeriveKey(password, salt)
	defer zero(key)

	files, err := collectFiles(root, false)
	if err != nil {
		return 0, err
	}

	emit(sink, models.ProgressEvent{Step: "encrypt", Status: models.ProgressRunning,
		Message: fmt.Sprintf("encrypting %d files", len(files))})

	processed := 0
	for i, path := range files {
		if err := encryptFile(path, key); err != nil {
			// Per-file failure: leave the file in place and continue;
			// partial encryption is recoverable, reverting is not.
			log.Warn().Err(err).Msg("File encryption failed, skipping")
			continue
		}
		processed++

		pct := (i + 1) * 100 / len(files)
		if cancelErr := emit(sink, models.ProgressEvent{Step: "encrypt",
			Status: models.ProgressRunning, Progress: pct}); cancelErr != nil {
			return processed, coreerr.New(coreerr.Transient, "encryption cancelled after %d files", processed)
		}
	}
	if len(files) == 0 {
		emit(sink, models.ProgressEvent{Step: "encrypt", Status: models.ProgressRunning, Progress: 100})
	}

	// Verification blob first, metadata last, so a crashed run never
	// looks like a completed vault.
	verify, err := seal(key, verifySentinel)
	if err != nil {
		return processed, coreerr.Wrap(coreerr.Internal, err, "seal verification blob")
	}
	if err := writeDurable(filepath.Join(root, VerifyFile), verify); err != nil {
		return processed, err
	}

	meta := models.VaultMetadata{
		Version:            1,
		Algorithm:          "aes-256-gcm",
		KDF:                "pbkdf2-sha512",
		Iterations:         iterations,
		SaltB64:            base64.StdEncoding.EncodeToString(salt),
		CreatedAt:          time.Now().UTC(),
		EncryptedFileCount: processed,
		PasswordMode:       mode,
	}
	data, _ := json.MarshalIndent(&meta, "", "  ")
	if err := writeDurable(filepath.Join(root, MetadataFile), data); err != nil {
		return processed, err
	}

	emit(sink, models.ProgressEvent{Step: "encrypt", Status: models.ProgressComplete,
		Progress: 100, Message: fmt.Sprintf("filesProcessed:%d", processed)})
	log.Info().Int("files", processed).Str("root", root).Msg("Profile encrypted")
	return processed, nil
}

// ── Decrypt ──────────────────────────────────────────────────

// DecryptProfile verifies the password, then reverses the encryption
// for every *.enc file. Per-file failures are counted and left in
// place. On full success the metadata and verification files are
// removed.
func DecryptProfile(root, password string, sink ProgressSink) (processed, failed int, err error) {
	ok, err := VerifyPassword(root, password)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, coreerr.WithReason(coreerr.Validation, "wrong_password",
			"password verification failed")
	}

	meta, err := ReadMetadata(root)
	if err != nil {
		return 0, 0, err
	}
	salt, err := saltFromMetadata(meta)
	if err != nil {
		return 0, 0, err
	}
	key := DeriveKey(password, salt)
	defer zero(key)

	files, err := collectFiles(root, true)
	if err != nil {
		return 0, 0, err
	}

	emit(sink, models.ProgressEvent{Step: "decrypt", Status: models.ProgressRunning,
		Message: fmt.Sprintf("decrypting %d files", len(files))})

	for i, path := range files {
		if derr := decryptFile(path, key); derr != nil {
			log.Warn().Err(derr).Msg("File decryption failed, leaving encrypted")
			failed++
		} else {
			processed++
		}

		pct := (i + 1) * 100 / max(len(files), 1)
		if cancelErr := emit(sink, models.ProgressEvent{Step: "decrypt",
			Status: models.ProgressRunning, Progress: pct}); cancelErr != nil {
			return processed, failed, coreerr.New(coreerr.Transient,
				"decryption cancelled after %d files", processed)
		}
	}

	if failed == 0 {
		os.Remove(filepath.Join(root, MetadataFile))
		os.Remove(filepath.Join(root, VerifyFile))
	}

	emit(sink, models.ProgressEvent{Step: "decrypt", Status: models.ProgressComplete,
		Progress: 100, Message: fmt.Sprintf("filesProcessed:%d filesFailed:%d", processed, failed)})
	log.Info().Int("files", processed).Int("failed", failed).Str("root", root).Msg("Profile decrypted")
	return processed, failed, nil
}

// VerifyPassword checks a candidate password against the verification
// blob without decrypting any user file.
func VerifyPassword(root, password string) (bool, error) {
	meta, err := ReadMetadata(root)
	if err != nil {
		return false, err
	}
	salt, err := saltFromMetadata(meta)
	if err != nil {
		return false, err
	}

	blob, err := os.ReadFile(filepath.Join(root, VerifyFile))
	if err != nil {
		return false, coreerr.Wrap(coreerr.Internal, err, "missing verification blob")
	}

	key := DeriveKey(password, salt)
	defer zero(key)

	plain, err := open(key, blob)
	if err != nil {
		return false, nil
	}
	return bytes.Equal(plain, verifySentinel), nil
}

// ── File operations ──────────────────────────────────────────

// encryptFile writes path+".enc" with fsync before deleting the
// plaintext, so a crash leaves either both files or the plaintext.
func encryptFile(path string, key []byte) error {
	plain, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	sealed, err := seal(key, plain)
	if err != nil {
		return err
	}
	if err := writeDurable(path+encSuffix, sealed); err != nil {
		return err
	}
	return os.Remove(path)
}

func decryptFile(path string, key []byte) error {
	sealed, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	plain, err := open(key, sealed)
	if err != nil {
		return err
	}
	target := strings.TrimSuffix(path, encSuffix)
	if err := writeDurable(target, plain); err != nil {
		return err
	}
	return os.Remove(path)
}

// seal produces [nonce(12) | ciphertext | tag(16)].
func seal(key, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func open(key, sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
}

// collectFiles walks the covered subtrees in sorted order, returning
// plaintext files (encrypted=false) or *.enc files (encrypted=true).
func collectFiles(root string, encrypted bool) ([]string, error) {
	var files []string
	for _, sub := range encryptedSubtrees {
		dir := filepath.Join(root, sub)
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
			isEnc := strings.HasSuffix(path, encSuffix)
			if isEnc == encrypted {
				files = append(files, path)
			}
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return nil, coreerr.Wrap(coreerr.Internal, err, "walk profile subtree")
		}
	}
	sort.Strings(files)
	return files, nil
}

func writeDurable(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, err, "open file")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return coreerr.Wrap(coreerr.Internal, err, "write file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return coreerr.Wrap(coreerr.Internal, err, "sync file")
	}
	return f.Close()
}

func saltFromMetadata(meta *models.VaultMetadata) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(meta.SaltB64)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, err, "corrupt vault salt")
	}
	return salt, nil
}

func emit(sink ProgressSink, ev models.ProgressEvent) error {
	if sink == nil {
		return nil
	}
	return sink(ev)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
