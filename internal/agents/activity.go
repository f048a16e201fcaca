package agents

import (
	"sync"
	"time"

	"github.com/metahuman-os/metahuman/internal/audit"
	"github.com/metahuman-os/metahuman/pkg/models"
)

// ActivityMonitor tracks the last user-originated write per user by
// watching the audit stream. The scheduler's activity triggers read it
// to decide when a user has gone idle.
type ActivityMonitor struct {
	mu   sync.RWMutex
	last map[string]time.Time // username → last activity

	ch   chan models.AuditEvent
	stop chan struct{}
}

// NewActivityMonitor subscribes to the auditor and starts tracking.
func NewActivityMonitor(auditor *audit.Auditor) *ActivityMonitor {
	m := &ActivityMonitor{
		last: make(map[string]time.Time),
		ch:   auditor.Subscribe(),
		stop: make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *ActivityMonitor) run() {
	for {
		select {
		case <-m.stop:
			return
		case ev, ok := <-m.ch:
			if !ok {
				return
			}
			// Only action events count as user activity; security
			// events (denials, fallbacks) do not reset idleness.
			if ev.Category != models.AuditAction || ev.Actor == "" {
				continue
			}
			m.mu.Lock()
			m.last[ev.Actor] = ev.Timestamp
			m.mu.Unlock()
		}
	}
}

// Touch records activity directly, used when a user context performs a
// write outside the audited HTTP surface.
func (m *ActivityMonitor) Touch(username string) {
	m.mu.Lock()
	m.last[username] = time.Now().UTC()
	m.mu.Unlock()
}

// IdleSince returns how long a user has been idle. Users never seen
// are idle since the monitor started tracking them (zero time =
// maximal idleness).
func (m *ActivityMonitor) IdleSince(username string, now time.Time) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	last, ok := m.last[username]
	if !ok {
		return 1<<62 - 1
	}
	return now.Sub(last)
}

// Stop ends the monitor goroutine.
func (m *ActivityMonitor) Stop() {
	close(m.stop)
}
