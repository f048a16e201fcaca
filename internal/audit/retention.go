package audit

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultArchiveAfterDays is how long audit days stay as plain
	// NDJSON before being compressed in place.
	DefaultArchiveAfterDays = 30

	// DefaultRetentionDays is how long audit days are kept at all.
	DefaultRetentionDays = 400
)

// Janitor compresses and eventually purges aged audit day-files.
// Archiving is fail-safe: the plaintext file is removed only after the
// compressed copy is fully written and synced.
type Janitor struct {
	dirs         func() []string
	archiveAfter time.Duration
	retention    time.Duration
	interval     time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewJanitor creates a janitor over the audit directories returned by
// dirs (system plus one per profile, re-evaluated every cycle).
func NewJanitor(dirs func() []string, interval time.Duration) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	return &Janitor{
		dirs:         dirs,
		archiveAfter: DefaultArchiveAfterDays * 24 * time.Hour,
		retention:    DefaultRetentionDays * 24 * time.Hour,
		interval:     interval,
		stop:         make(chan struct{}),
	}
}

// Start runs the janitor loop until Stop.
func (j *Janitor) Start() {
	j.done = make(chan struct{})
	go func() {
		defer close(j.done)
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-j.stop:
				return
			case <-ticker.C:
				j.Sweep(time.Now())
			}
		}
	}()
}

// Stop ends the loop. Safe to call on a janitor that never started.
func (j *Janitor) Stop() {
	close(j.stop)
	if j.done != nil {
		<-j.done
	}
}

// Sweep runs one retention cycle over every audit directory.
func (j *Janitor) Sweep(now time.Time) {
	archived, purged := 0, 0
	for _, dir := range j.dirs() {
		a, p := j.sweepDir(dir, now)
		archived += a
		purged += p
	}
	if archived > 0 || purged > 0 {
		log.Info().Int("archived", archived).Int("purged", purged).Msg("Audit retention cycle")
	}
}

func (j *Janitor) sweepDir(dir string, now time.Time) (archived, purged int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		day, compressed, ok := parseDayFile(e.Name())
		if !ok {
			continue
		}
		age := now.Sub(day)
		path := filepath.Join(dir, e.Name())

		if age > j.retention {
			if err := os.Remove(path); err == nil {
				purged++
			}
			continue
		}
		if !compressed && age > j.archiveAfter {
			if err := compressFile(path); err != nil {
				log.Warn().Err(err).Str("file", e.Name()).Msg("Audit archive failed, keeping plaintext")
				continue
			}
			archived++
		}
	}
	return archived, purged
}

// parseDayFile recognizes YYYY-MM-DD.ndjson and .ndjson.gz names.
func parseDayFile(name string) (day time.Time, compressed bool, ok bool) {
	base := name
	if strings.HasSuffix(base, ".gz") {
		compressed = true
		base = strings.TrimSuffix(base, ".gz")
	}
	if !strings.HasSuffix(base, ".ndjson") {
		return time.Time{}, false, false
	}
	day, err := time.Parse("2006-01-02", strings.TrimSuffix(base, ".ndjson"))
	if err != nil {
		return time.Time{}, false, false
	}
	return day, compressed, true
}

func compressFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		out.Close()
		os.Remove(path + ".gz")
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(path + ".gz")
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
