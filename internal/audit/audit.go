// Package audit writes the append-only NDJSON audit trail. Events land
// in the acting user's profile under logs/audit/<YYYY-MM-DD>.ndjson,
// with a copy of security events in the system log. Live subscribers
// (the scheduler's activity trigger) receive every event as it is
// emitted.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/metahuman-os/metahuman/pkg/models"
)

// ProfileDirFunc maps a username to its audit directory. The second
// return is false for anonymous or unknown actors, whose events only
// reach the system log.
type ProfileDirFunc func(username string) (string, bool)

// Auditor appends audit events and broadcasts them to subscribers.
type Auditor struct {
	systemDir  string
	profileDir ProfileDirFunc

	mu   sync.Mutex
	subs map[chan models.AuditEvent]struct{}
}

// New creates an Auditor. systemDir is the installation-level audit
// directory (<root>/logs/audit).
func New(systemDir string, profileDir ProfileDirFunc) *Auditor {
	return &Auditor{
		systemDir:  systemDir,
		profileDir: profileDir,
		subs:       make(map[chan models.AuditEvent]struct{}),
	}
}

// Emit records one audit event. Details must never contain passwords
// or session ids; callers pass stable event names and small values.
func (a *Auditor) Emit(category models.AuditCategory, level models.AuditLevel, event, actor string, details map[string]string) {
	ev := models.AuditEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Category:  category,
		Level:     level,
		Event:     event,
		Actor:     actor,
		Details:   details,
	}

	if dir, ok := a.profileDir(actor); ok {
		a.append(dir, ev)
	}
	if category == models.AuditSecurity || actor == "" {
		a.append(a.systemDir, ev)
	}

	a.mu.Lock()
	for ch := range a.subs {
		select {
		case ch <- ev:
		default:
			// subscriber too slow, drop for them
		}
	}
	a.mu.Unlock()
}

// Action is shorthand for an info-level action event.
func (a *Auditor) Action(event, actor string, details map[string]string) {
	a.Emit(models.AuditAction, models.AuditInfo, event, actor, details)
}

// Security is shorthand for a security event at the given level.
func (a *Auditor) Security(level models.AuditLevel, event, actor string, details map[string]string) {
	a.Emit(models.AuditSecurity, level, event, actor, details)
}

func (a *Auditor) append(dir string, ev models.AuditEvent) {
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("Cannot create audit directory")
		return
	}

	path := filepath.Join(dir, ev.Timestamp.Format("2006-01-02")+".ndjson")
	line, err := json.Marshal(ev)
	if err != nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Cannot open audit log")
		return
	}
	defer f.Close()
	f.Write(append(line, '\n'))
}

// Subscribe returns a channel receiving every subsequent audit event.
// Call Unsubscribe when done to avoid leaks.
func (a *Auditor) Subscribe() chan models.AuditEvent {
	ch := make(chan models.AuditEvent, 64)
	a.mu.Lock()
	a.subs[ch] = struct{}{}
	a.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (a *Auditor) Unsubscribe(ch chan models.AuditEvent) {
	a.mu.Lock()
	delete(a.subs, ch)
	a.mu.Unlock()
	close(ch)
}
