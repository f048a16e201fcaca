package storage

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/metahuman-os/metahuman/internal/coreerr"
)

// MigrateProfile moves a profile tree to a new root. A plain rename is
// atomic on the same filesystem; across devices the tree is copied
// first and the old root removed only after the copy fully succeeds,
// so a failed migration always leaves the original intact.
func MigrateProfile(oldRoot, newRoot string) error {
	if oldRoot == newRoot {
		return nil
	}
	if _, err := os.Stat(oldRoot); err != nil {
		return coreerr.New(coreerr.NotFound, "profile directory not found")
	}
	if entries, err := os.ReadDir(newRoot); err == nil && len(entries) > 0 {
		return coreerr.New(coreerr.Conflict, "destination directory is not empty")
	}

	if err := os.Rename(oldRoot, newRoot); err == nil {
		log.Info().Str("from", oldRoot).Str("to", newRoot).Msg("Profile migrated")
		return nil
	}

	// Cross-device: copy, verify, then remove the original.
	if err := copyTree(oldRoot, newRoot); err != nil {
		os.RemoveAll(newRoot)
		return coreerr.Wrap(coreerr.Internal, err, "copy profile tree")
	}
	if err := os.RemoveAll(oldRoot); err != nil {
		log.Warn().Err(err).Str("root", oldRoot).Msg("Old profile root left behind after migration")
	}
	log.Info().Str("from", oldRoot).Str("to", newRoot).Msg("Profile migrated across devices")
	return nil
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
