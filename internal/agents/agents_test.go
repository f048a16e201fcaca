package agents

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/metahuman-os/metahuman/internal/coreerr"
	"github.com/metahuman-os/metahuman/pkg/models"
)

// ── LogBuffer ────────────────────────────────────────────────

func TestLogBufferRing(t *testing.T) {
	b := NewLogBuffer(3)
	for _, line := range []string{"one", "two", "three", "four"} {
		b.Append("alice", "night-dreamer", "stdout", line)
	}

	recent := b.Recent(10)
	if len(recent) != 3 {
		t.Fatalf("Recent returned %d lines, want 3", len(recent))
	}
	if recent[0].Line != "two" || recent[2].Line != "four" {
		t.Errorf("ring kept wrong lines: %q .. %q", recent[0].Line, recent[2].Line)
	}

	last := b.Recent(1)
	if len(last) != 1 || last[0].Line != "four" {
		t.Errorf("Recent(1) = %v", last)
	}
}

func TestLogBufferSubscribe(t *testing.T) {
	b := NewLogBuffer(16)
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Append("alice", "night-dreamer", "stderr", "warming up")
	select {
	case got := <-ch:
		if got.Line != "warming up" || got.Stream != "stderr" {
			t.Errorf("subscriber got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the line")
	}
}

func TestLogBufferCloseEndsSubscribers(t *testing.T) {
	b := NewLogBuffer(16)
	ch := b.Subscribe()

	b.Close()
	if _, open := <-ch; open {
		t.Error("subscriber channel still open after Close")
	}

	// The tailer's deferred Unsubscribe runs after Close; it must not
	// close the channel a second time.
	b.Unsubscribe(ch)

	// Appends after Close are dropped.
	b.Append("alice", "night-dreamer", "stdout", "late")
	if got := b.Recent(10); len(got) != 0 {
		t.Errorf("Close did not stop appends: %v", got)
	}
}

// ── Registry ─────────────────────────────────────────────────

func TestRegistryDuplicateLiveRecord(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "registry.json"))

	rec := &models.AgentRecord{Name: "night-dreamer", User: "alice", PID: os.Getpid(), StartedAt: time.Now()}
	if err := r.Register(rec); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	dup := &models.AgentRecord{Name: "night-dreamer", User: "alice", PID: os.Getpid()}
	err := r.Register(dup)
	if coreerr.KindOf(err) != coreerr.Conflict || coreerr.ReasonOf(err) != "agent_running" {
		t.Errorf("duplicate register: kind=%s reason=%q", coreerr.KindOf(err), coreerr.ReasonOf(err))
	}

	// Same agent name for another user is fine.
	other := &models.AgentRecord{Name: "night-dreamer", User: "bob", PID: os.Getpid()}
	if err := r.Register(other); err != nil {
		t.Errorf("cross-user register failed: %v", err)
	}

	if got := r.List("alice"); len(got) != 1 {
		t.Errorf("List(alice) = %d records, want 1", len(got))
	}
	if got := r.List(""); len(got) != 2 {
		t.Errorf("List() = %d records, want 2", len(got))
	}

	r.Deregister("alice", "night-dreamer")
	if _, ok := r.Get("alice", "night-dreamer"); ok {
		t.Error("record survived Deregister")
	}
}

func TestRegistryPurgeStale(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "registry.json"))

	live := &models.AgentRecord{Name: "live", User: "alice", PID: os.Getpid()}
	// Pid 1 belongs to init and stays alive; an impossible pid does not.
	dead := &models.AgentRecord{Name: "dead", User: "alice", PID: 1 << 28}
	if err := r.Register(live); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(dead); err != nil {
		t.Fatal(err)
	}

	if purged := r.PurgeStale(); purged != 1 {
		t.Errorf("PurgeStale removed %d, want 1", purged)
	}
	if _, ok := r.Get("alice", "dead"); ok {
		t.Error("dead record survived purge")
	}
	if _, ok := r.Get("alice", "live"); !ok {
		t.Error("live record purged")
	}
}

func TestRegistryReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")

	r := NewRegistry(path)
	rec := &models.AgentRecord{Name: "survivor", User: "alice", PID: os.Getpid(),
		TriggerState: map[string]string{"nextFire": "soon"}}
	if err := r.Register(rec); err != nil {
		t.Fatal(err)
	}

	reloaded := NewRegistry(path)
	got, ok := reloaded.Get("alice", "survivor")
	if !ok {
		t.Fatal("record lost across reload")
	}
	if got.TriggerState["nextFire"] != "soon" {
		t.Errorf("trigger state lost: %+v", got.TriggerState)
	}
}

// ── Schedule parsing ─────────────────────────────────────────

func TestParseTimeOfDay(t *testing.T) {
	sched := parseTimeOfDay("03:30")
	if sched == nil {
		t.Fatal("parseTimeOfDay rejected 03:30")
	}
	from := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	next := sched.Next(from)
	if next.Hour() != 3 || next.Minute() != 30 {
		t.Errorf("next fire = %v, want 03:30", next)
	}
	if !next.After(from) {
		t.Errorf("next fire %v not after %v", next, from)
	}

	for _, bad := range []string{"", "0330", "25:00", "aa:bb"} {
		if parseTimeOfDay(bad) != nil {
			t.Errorf("parseTimeOfDay accepted %q", bad)
		}
	}
}
