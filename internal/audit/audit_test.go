package audit

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/metahuman-os/metahuman/pkg/models"
)

func readEvents(t *testing.T, path string) []models.AuditEvent {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	var out []models.AuditEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev models.AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("corrupt audit line: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func dayFile(dir string) string {
	return filepath.Join(dir, time.Now().UTC().Format("2006-01-02")+".ndjson")
}

func TestEmitRouting(t *testing.T) {
	systemDir := t.TempDir()
	profileDir := t.TempDir()

	a := New(systemDir, func(username string) (string, bool) {
		if username == "alice" {
			return profileDir, true
		}
		return "", false
	})

	a.Action("login", "alice", map[string]string{"ip": "127.0.0.1"})
	a.Security(models.AuditWarn, "policy_denied", "alice", map[string]string{"operation": "write_profile"})
	a.Security(models.AuditWarn, "login_failed", "", nil)

	profile := readEvents(t, dayFile(profileDir))
	if len(profile) != 2 {
		t.Fatalf("profile log has %d events, want 2", len(profile))
	}
	if profile[0].Event != "login" || profile[0].Category != models.AuditAction {
		t.Errorf("first profile event = %+v", profile[0])
	}
	if profile[0].Details["ip"] != "127.0.0.1" {
		t.Errorf("details lost: %+v", profile[0].Details)
	}

	// Only security events and anonymous events reach the system log.
	system := readEvents(t, dayFile(systemDir))
	if len(system) != 2 {
		t.Fatalf("system log has %d events, want 2", len(system))
	}
	for _, ev := range system {
		if ev.Event == "login" {
			t.Error("plain action copied to system log")
		}
	}
}

func TestSubscribe(t *testing.T) {
	a := New(t.TempDir(), func(string) (string, bool) { return "", false })
	ch := a.Subscribe()
	defer a.Unsubscribe(ch)

	a.Action("mode_changed", "alice", nil)
	select {
	case ev := <-ch:
		if ev.Event != "mode_changed" || ev.Actor != "alice" {
			t.Errorf("subscriber got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}
}

// ── Retention ────────────────────────────────────────────────

func writeDay(t *testing.T, dir, day, content string, gz bool) string {
	t.Helper()
	name := day + ".ndjson"
	if gz {
		name += ".gz"
	}
	path := filepath.Join(dir, name)
	if gz {
		f, err := os.Create(path)
		if err != nil {
			t.Fatal(err)
		}
		zw := gzip.NewWriter(f)
		zw.Write([]byte(content))
		zw.Close()
		f.Close()
	} else if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestJanitorSweep(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	fresh := writeDay(t, dir, "2026-08-20", `{"event":"recent"}`+"\n", false)
	aged := writeDay(t, dir, "2026-06-01", `{"event":"aged"}`+"\n", false)
	archived := writeDay(t, dir, "2026-01-01", `{"event":"old"}`+"\n", true)
	ancient := writeDay(t, dir, "2025-01-01", `{"event":"ancient"}`+"\n", false)
	stray := filepath.Join(dir, "notes.txt")
	os.WriteFile(stray, []byte("keep me"), 0o600)

	j := NewJanitor(func() []string { return []string{dir} }, time.Hour)
	j.Sweep(now)

	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh day file touched")
	}
	if _, err := os.Stat(aged); !os.IsNotExist(err) {
		t.Error("aged plaintext not removed after archiving")
	}
	zf, err := os.Open(aged + ".gz")
	if err != nil {
		t.Fatalf("aged file not archived: %v", err)
	}
	zr, err := gzip.NewReader(zf)
	if err != nil {
		t.Fatalf("bad gzip: %v", err)
	}
	data, _ := io.ReadAll(zr)
	zf.Close()
	if string(data) != `{"event":"aged"}`+"\n" {
		t.Errorf("archive content = %q", data)
	}

	if _, err := os.Stat(archived); err != nil {
		t.Error("within-retention archive removed")
	}
	if _, err := os.Stat(ancient); !os.IsNotExist(err) {
		t.Error("ancient day file not purged")
	}
	if _, err := os.Stat(stray); err != nil {
		t.Error("non-audit file touched")
	}

	// Stop on a never-started janitor must not hang.
	j.Stop()
}

func TestParseDayFile(t *testing.T) {
	tests := []struct {
		name       string
		ok         bool
		compressed bool
	}{
		{"2026-08-24.ndjson", true, false},
		{"2026-08-24.ndjson.gz", true, true},
		{"notes.txt", false, false},
		{"audit.ndjson", false, false},
	}
	for _, tt := range tests {
		_, compressed, ok := parseDayFile(tt.name)
		if ok != tt.ok || compressed != tt.compressed {
			t.Errorf("parseDayFile(%q) = ok:%v compressed:%v", tt.name, ok, compressed)
		}
	}
}
