package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metahuman-os/metahuman/internal/coreerr"
)

// profileSubtree is the standard layout created for every new profile.
var profileSubtree = []string{
	"persona",
	"persona/archive",
	"memory/episodic",
	"memory/tasks/active",
	"memory/tasks/completed",
	"state",
	"etc",
	"out/adapters",
	"logs/audit",
	"logs/run",
}

// CreateProfileTree builds the standard profile layout at root. The
// tree is staged under a temporary sibling and renamed into place so a
// crashed registration never leaves a half-built profile.
func (rt *Router) CreateProfileTree(root string) error {
	if _, err := os.Stat(root); err == nil {
		return coreerr.New(coreerr.Conflict, "profile directory already exists")
	}

	parent := filepath.Dir(root)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return coreerr.Wrap(coreerr.Internal, err, "create profiles directory")
	}

	staging := filepath.Join(parent, fmt.Sprintf(".%s.staging-%d", filepath.Base(root), time.Now().UnixNano()))
	for _, sub := range profileSubtree {
		if err := os.MkdirAll(filepath.Join(staging, sub), 0o700); err != nil {
			os.RemoveAll(staging)
			return coreerr.Wrap(coreerr.Internal, err, "create profile subtree")
		}
	}

	// Current-year episodic directory.
	year := time.Now().Format("2006")
	if err := os.MkdirAll(filepath.Join(staging, "memory", "episodic", year), 0o700); err != nil {
		os.RemoveAll(staging)
		return coreerr.Wrap(coreerr.Internal, err, "create episodic year directory")
	}

	if err := os.Rename(staging, root); err != nil {
		os.RemoveAll(staging)
		return coreerr.Wrap(coreerr.Internal, err, "install profile directory")
	}

	log.Info().Str("root", root).Msg("Profile tree created")
	return nil
}

// RemoveProfileTree deletes a profile directory. The tree is renamed
// aside first so a concurrent reader never sees a partially-deleted
// profile, then removed.
func (rt *Router) RemoveProfileTree(root string) error {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}

	doomed := filepath.Join(filepath.Dir(root), fmt.Sprintf(".%s.removing-%d", filepath.Base(root), time.Now().UnixNano()))
	if err := os.Rename(root, doomed); err != nil {
		return coreerr.Wrap(coreerr.Internal, err, "detach profile directory")
	}
	if err := os.RemoveAll(doomed); err != nil {
		return coreerr.Wrap(coreerr.Internal, err, "remove profile directory")
	}

	log.Info().Str("root", root).Msg("Profile tree removed")
	return nil
}
