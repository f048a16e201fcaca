// Package agents supervises background workers: the registry of live
// agent processes, the spawner that runs them, and the scheduler that
// decides when they fire.
package agents

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/metahuman-os/metahuman/internal/coreerr"
	"github.com/metahuman-os/metahuman/pkg/models"
)

func recordKey(user, name string) string {
	return user + "/" + name
}

// Registry tracks running agents, in memory and mirrored to a registry
// file so records survive a core restart and stale pids can be purged.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*models.AgentRecord // key: user/name

	filePath string
	saveMu   sync.Mutex
}

// NewRegistry creates a registry mirrored at filePath and loads any
// records a previous run left behind. Call PurgeStale afterwards to
// drop records whose processes are gone.
func NewRegistry(filePath string) *Registry {
	r := &Registry{
		records:  make(map[string]*models.AgentRecord),
		filePath: filePath,
	}
	r.load()
	return r
}

// Register adds a record. Rejects a duplicate live record for the same
// (user, name).
func (r *Registry) Register(rec *models.AgentRecord) error {
	key := recordKey(rec.User, rec.Name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.records[key]; ok && pidAlive(existing.PID) {
		return coreerr.WithReason(coreerr.Conflict, "agent_running",
			"agent %s is already running for %s", rec.Name, rec.User)
	}
	r.records[key] = rec
	r.save()
	return nil
}

// Deregister removes a record after the agent exits.
func (r *Registry) Deregister(user, name string) {
	r.mu.Lock()
	delete(r.records, recordKey(user, name))
	r.save()
	r.mu.Unlock()
}

// Get returns the live record for (user, name).
func (r *Registry) Get(user, name string) (*models.AgentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[recordKey(user, name)]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// List returns all records, optionally filtered by user ("" = all).
func (r *Registry) List(user string) []*models.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.AgentRecord, 0, len(r.records))
	for _, rec := range r.records {
		if user != "" && rec.User != user {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

// PurgeStale removes records whose pid is no longer alive. Runs on
// scheduler start, periodically, and on demand.
func (r *Registry) PurgeStale() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	purged := 0
	for key, rec := range r.records {
		if !pidAlive(rec.PID) {
			delete(r.records, key)
			purged++
		}
	}
	if purged > 0 {
		r.save()
		log.Info().Int("count", purged).Msg("Stale agent records purged")
	}
	return purged
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}

// save mirrors the records to the registry file. Callers hold r.mu.
func (r *Registry) save() {
	if r.filePath == "" {
		return
	}
	out := make([]*models.AgentRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return
	}

	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	tmp := r.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		log.Warn().Err(err).Msg("Cannot write agent registry")
		return
	}
	if err := os.Rename(tmp, r.filePath); err != nil {
		log.Warn().Err(err).Msg("Cannot install agent registry")
	}
}

func (r *Registry) load() {
	if r.filePath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.filePath), 0o700); err != nil {
		log.Warn().Err(err).Msg("Cannot create registry dir")
		r.filePath = ""
		return
	}
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		return
	}
	var recs []*models.AgentRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		log.Warn().Err(err).Msg("Corrupt agent registry, starting empty")
		return
	}
	for _, rec := range recs {
		r.records[recordKey(rec.User, rec.Name)] = rec
	}
	log.Info().Int("records", len(recs)).Msg("Agent registry loaded")
}
