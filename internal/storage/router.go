// Package storage centralizes every filesystem path decision. Handlers
// and agents never concatenate paths themselves: they ask the Router to
// resolve a (category, subcategory, relative) reference under the
// active user's profile root, and the Router either returns a path
// strictly inside that root or refuses.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/metahuman-os/metahuman/internal/coreerr"
	"github.com/metahuman-os/metahuman/pkg/models"
)

// Category is the logical class of a path request.
type Category string

const (
	CategoryMemory   Category = "memory"
	CategoryVoice    Category = "voice"
	CategoryConfig   Category = "config"
	CategoryOutput   Category = "output"
	CategoryTraining Category = "training"
	CategoryCache    Category = "cache"
	CategorySystem   Category = "system"
)

// categorySubtree maps a category to its subtree under the profile root.
var categorySubtree = map[Category]string{
	CategoryMemory:   "memory",
	CategoryVoice:    "voice",
	CategoryConfig:   "etc",
	CategoryOutput:   "out",
	CategoryTraining: "out/adapters",
	CategoryCache:    "state/cache",
}

// systemSubtree maps system subcategories to directories under the
// installation root. Only internal callers may resolve these.
var systemSubtree = map[string]string{
	"logs":   "logs",
	"agents": "agents",
	"brain":  "brain",
	"etc":    "etc",
}

// PathRef is a logical path request.
type PathRef struct {
	Category    Category
	Subcategory string
	Relative    string
	User        *models.User

	// Internal marks a trusted in-process caller; required for the
	// system category.
	Internal bool
}

// Router resolves logical path references to absolute paths.
type Router struct {
	root string // installation root

	// OnFallback is invoked when a user's custom profile path fails
	// validation at request time and the default root is used instead.
	OnFallback func(username, badPath string)
}

// NewRouter creates a Router rooted at the installation root.
func NewRouter(root string) *Router {
	return &Router{root: root}
}

// Root returns the installation root.
func (rt *Router) Root() string { return rt.root }

// DefaultProfileRoot returns the default profile directory for a username.
func (rt *Router) DefaultProfileRoot(username string) string {
	return filepath.Join(rt.root, "profiles", username)
}

// ProfileRoot determines the profile root for a user. A configured
// custom path that fails validation (unmounted drive, revoked perms)
// falls back to the default location; the fallback is reported, never
// silently redirected elsewhere.
func (rt *Router) ProfileRoot(user *models.User) string {
	if user == nil {
		return ""
	}
	custom := user.Metadata.ProfilePath
	if custom == "" {
		return rt.DefaultProfileRoot(user.Username)
	}
	if _, err := ValidateProfilePath(custom); err != nil {
		log.Warn().
			Str("user", user.Username).
			Err(err).
			Msg("Custom profile path invalid, falling back to default")
		if rt.OnFallback != nil {
			rt.OnFallback(user.Username, custom)
		}
		return rt.DefaultProfileRoot(user.Username)
	}
	return custom
}

// Resolve maps a PathRef to an absolute path, or refuses.
func (rt *Router) Resolve(ref PathRef) (string, error) {
	if ref.Category == CategorySystem {
		if !ref.Internal {
			return "", coreerr.WithReason(coreerr.Forbidden, "system_path_denied",
				"system paths are not available to request-level callers")
		}
		sub, ok := systemSubtree[ref.Subcategory]
		if !ok {
			return "", coreerr.New(coreerr.Validation, "unknown system subcategory %q", ref.Subcategory)
		}
		return rt.join(filepath.Join(rt.root, sub), ref.Relative)
	}

	subtree, ok := categorySubtree[ref.Category]
	if !ok {
		return "", coreerr.New(coreerr.Validation, "unknown path category %q", ref.Category)
	}
	if ref.User == nil {
		return "", coreerr.New(coreerr.Validation, "path request without a user")
	}

	base := filepath.Join(rt.ProfileRoot(ref.User), subtree)
	if ref.Subcategory != "" {
		if err := checkRelative(ref.Subcategory); err != nil {
			return "", err
		}
		base = filepath.Join(base, ref.Subcategory)
	}
	return rt.join(base, ref.Relative)
}

// join appends a relative path under base, enforcing the traversal rules.
func (rt *Router) join(base, rel string) (string, error) {
	if rel == "" {
		return base, nil
	}
	if err := checkRelative(rel); err != nil {
		return "", err
	}

	full := filepath.Join(base, rel)

	// filepath.Join cleans the path; verify the result stayed inside.
	if !within(full, base) {
		return "", pathDenied()
	}

	// If the target (or base) already exists, resolve symlinks and
	// re-check so a planted link cannot step outside the root.
	if resolved, err := filepath.EvalSymlinks(full); err == nil {
		resolvedBase, berr := filepath.EvalSymlinks(base)
		if berr != nil {
			resolvedBase = base
		}
		if !within(resolved, resolvedBase) {
			return "", pathDenied()
		}
	}

	return full, nil
}

func checkRelative(rel string) error {
	if filepath.IsAbs(rel) {
		return pathDenied()
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == ".." {
			return pathDenied()
		}
	}
	for _, frag := range forbiddenFragments {
		if strings.Contains(filepath.ToSlash(rel)+"/", "/"+frag) ||
			strings.HasPrefix(filepath.ToSlash(rel)+"/", frag) {
			return pathDenied()
		}
	}
	return nil
}

func within(path, root string) bool {
	path = filepath.Clean(path)
	root = filepath.Clean(root)
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// pathDenied never echoes the offending path back to the caller.
func pathDenied() error {
	return coreerr.WithReason(coreerr.Validation, "path_denied", "path refused")
}

// ── Profile path validation ──────────────────────────────────

var forbiddenRoots = []string{
	"/etc", "/var", "/usr", "/bin", "/sbin", "/root",
	"/proc", "/sys", "/dev", "/boot", "/lib", "/lib64",
}

var forbiddenFragments = []string{
	"brain/", "packages/", "apps/", "bin/", "node_modules/",
}

// ValidateProfilePath checks a user-chosen absolute profile root. It
// returns non-fatal warnings (world-accessible permissions) and an
// error when the path is unusable or lands in a reserved location.
func ValidateProfilePath(path string) ([]string, error) {
	if !filepath.IsAbs(path) {
		return nil, coreerr.New(coreerr.Validation, "profile path must be absolute")
	}

	clean := filepath.Clean(path)
	for _, root := range forbiddenRoots {
		if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return nil, coreerr.WithReason(coreerr.Validation, "path_denied",
				"profile path is inside a reserved system directory")
		}
	}
	for _, frag := range forbiddenFragments {
		if strings.Contains(filepath.ToSlash(clean)+"/", "/"+frag) {
			return nil, coreerr.WithReason(coreerr.Validation, "path_denied",
				"profile path contains a reserved directory name")
		}
	}

	info, err := os.Stat(clean)
	if err != nil {
		return nil, coreerr.New(coreerr.Validation, "profile path does not exist")
	}
	if !info.IsDir() {
		return nil, coreerr.New(coreerr.Validation, "profile path is not a directory")
	}

	// Writability probe.
	probe := filepath.Join(clean, ".mh-write-probe")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return nil, coreerr.New(coreerr.Validation, "profile path is not writable")
	}
	os.Remove(probe)

	var warnings []string
	if info.Mode().Perm()&0o007 != 0 {
		warnings = append(warnings, fmt.Sprintf("profile path %s is world-accessible", clean))
	}
	return warnings, nil
}
