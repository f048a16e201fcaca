package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/metahuman-os/metahuman/internal/coreerr"
	"github.com/metahuman-os/metahuman/pkg/models"
)

func testUser(username string) *models.User {
	return &models.User{ID: "u-" + username, Username: username}
}

func TestResolveCategories(t *testing.T) {
	root := t.TempDir()
	rt := NewRouter(root)
	user := testUser("mallory")

	tests := []struct {
		category Category
		sub      string
		rel      string
		want     string
	}{
		{CategoryMemory, "", "episodic/2025/evt-1.json", "memory/episodic/2025/evt-1.json"},
		{CategoryConfig, "", "agents.json", "etc/agents.json"},
		{CategoryTraining, "", "2025-01-02/eval.json", "out/adapters/2025-01-02/eval.json"},
		{CategoryCache, "", "embeddings.bin", "state/cache/embeddings.bin"},
		{CategoryVoice, "samples", "a.wav", "voice/samples/a.wav"},
	}

	profile := rt.DefaultProfileRoot(user.Username)
	for _, tt := range tests {
		got, err := rt.Resolve(PathRef{Category: tt.category, Subcategory: tt.sub, Relative: tt.rel, User: user})
		if err != nil {
			t.Errorf("Resolve(%s, %q) failed: %v", tt.category, tt.rel, err)
			continue
		}
		want := filepath.Join(profile, filepath.FromSlash(tt.want))
		if got != want {
			t.Errorf("Resolve(%s, %q) = %q, want %q", tt.category, tt.rel, got, want)
		}
	}
}

func TestResolveRefusesTraversal(t *testing.T) {
	rt := NewRouter(t.TempDir())
	user := testUser("mallory")

	bad := []string{
		"../other-user/persona/core.json",
		"a/../../escape",
		"/etc/passwd",
		"node_modules/evil",
		"sub/bin/sh",
	}
	for _, rel := range bad {
		_, err := rt.Resolve(PathRef{Category: CategoryMemory, Relative: rel, User: user})
		if err == nil {
			t.Errorf("Resolve accepted %q", rel)
			continue
		}
		if coreerr.KindOf(err) != coreerr.Validation {
			t.Errorf("Resolve(%q) kind = %s, want VALIDATION", rel, coreerr.KindOf(err))
		}
		// The refusal must never echo the attempted path.
		if strings.Contains(err.Error(), "escape") || strings.Contains(err.Error(), "passwd") {
			t.Errorf("error leaks the attempted path: %v", err)
		}
	}
}

func TestResolveSystemRequiresInternal(t *testing.T) {
	rt := NewRouter(t.TempDir())

	if _, err := rt.Resolve(PathRef{Category: CategorySystem, Subcategory: "logs"}); err == nil {
		t.Fatal("system path resolved for a non-internal caller")
	}
	got, err := rt.Resolve(PathRef{Category: CategorySystem, Subcategory: "logs", Internal: true})
	if err != nil {
		t.Fatalf("internal system path failed: %v", err)
	}
	if got != filepath.Join(rt.Root(), "logs") {
		t.Errorf("system logs = %q", got)
	}
}

func TestProfileRootFallback(t *testing.T) {
	rt := NewRouter(t.TempDir())

	var fallbackUser string
	rt.OnFallback = func(username, badPath string) { fallbackUser = username }

	user := testUser("drifter")
	user.Metadata.ProfilePath = "/nonexistent/mount/profile"

	got := rt.ProfileRoot(user)
	if got != rt.DefaultProfileRoot("drifter") {
		t.Errorf("ProfileRoot = %q, want default", got)
	}
	if fallbackUser != "drifter" {
		t.Errorf("fallback callback not invoked, got %q", fallbackUser)
	}
}

func TestValidateProfilePath(t *testing.T) {
	if _, err := ValidateProfilePath("relative/path"); err == nil {
		t.Error("accepted relative path")
	}
	if _, err := ValidateProfilePath("/etc/metahuman"); err == nil {
		t.Error("accepted reserved system directory")
	}
	if _, err := ValidateProfilePath(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("accepted nonexistent path")
	}

	dir := t.TempDir()
	if _, err := ValidateProfilePath(dir); err != nil {
		t.Errorf("rejected usable directory: %v", err)
	}
}

func TestCreateProfileTree(t *testing.T) {
	rt := NewRouter(t.TempDir())
	root := rt.DefaultProfileRoot("newborn")

	if err := rt.CreateProfileTree(root); err != nil {
		t.Fatalf("CreateProfileTree failed: %v", err)
	}
	for _, sub := range []string{"persona", "memory/episodic", "etc", "out/adapters", "logs/audit"} {
		if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(sub))); err != nil {
			t.Errorf("missing subtree %s", sub)
		}
	}

	if err := rt.CreateProfileTree(root); coreerr.KindOf(err) != coreerr.Conflict {
		t.Errorf("second create kind = %s, want CONFLICT", coreerr.KindOf(err))
	}

	if err := rt.RemoveProfileTree(root); err != nil {
		t.Fatalf("RemoveProfileTree failed: %v", err)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Error("profile root still present after removal")
	}
}

func TestMigrateProfile(t *testing.T) {
	rt := NewRouter(t.TempDir())
	old := rt.DefaultProfileRoot("mover")
	if err := rt.CreateProfileTree(old); err != nil {
		t.Fatalf("CreateProfileTree failed: %v", err)
	}
	marker := filepath.Join(old, "persona", "core.json")
	if err := os.WriteFile(marker, []byte(`{"name":"mover"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "relocated")
	if err := MigrateProfile(old, dest); err != nil {
		t.Fatalf("MigrateProfile failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dest, "persona", "core.json"))
	if err != nil || string(data) != `{"name":"mover"}` {
		t.Errorf("migrated content wrong: %s, %v", data, err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("old root still present after migration")
	}
}
