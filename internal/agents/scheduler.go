package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/metahuman-os/metahuman/internal/storage"
	"github.com/metahuman-os/metahuman/pkg/models"
)

// UserLister is the slice of the identity store the scheduler needs.
type UserLister interface {
	ListUsers(ctx context.Context) ([]*models.User, error)
}

// triggerState is per-agent scheduling bookkeeping.
type triggerState struct {
	cfg  models.AgentConfig
	cron cron.Schedule // time-of-day only

	next    time.Time // next fire for interval / time-of-day
	pending bool      // a fire was due while the agent was running

	idleFired bool // activity trigger fired for the current idle period
}

// Scheduler reconciles each user's etc/agents.json against the set of
// running agents. Users are iterated sequentially; every invocation
// runs under a freshly-built user context so no profile root leaks
// across users. Config edits are picked up via fsnotify and applied at
// the next tick; in-flight runs always drain.
type Scheduler struct {
	users    UserLister
	router   *storage.Router
	registry *Registry
	spawner  *Spawner
	activity *ActivityMonitor

	headless bool
	tick     time.Duration

	mu      sync.Mutex
	states  map[string]map[string]*triggerState // user → agent → state
	dirty   map[string]bool                     // user → reload config at next tick
	watched map[string]string                   // watched dir → username

	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithTick overrides the reconcile interval (tests use short ticks).
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// NewScheduler creates the scheduler. headless pauses every
// non-essential agent.
func NewScheduler(users UserLister, router *storage.Router, registry *Registry, spawner *Spawner, activity *ActivityMonitor, headless bool, opts ...Option) *Scheduler {
	s := &Scheduler{
		users:    users,
		router:   router,
		registry: registry,
		spawner:  spawner,
		activity: activity,
		headless: headless,
		tick:     5 * time.Second,
		states:   make(map[string]map[string]*triggerState),
		dirty:    make(map[string]bool),
		watched:  make(map[string]string),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start purges stale registry records, loads every user's agent
// configuration, and begins the reconcile loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.registry.PurgeStale()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable, hot reload disabled")
	} else {
		s.watcher = watcher
		go s.watchLoop()
	}

	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return err
	}
	for _, u := range users {
		s.loadUser(u)
	}

	go s.run(ctx)
	log.Info().
		Int("users", len(users)).
		Bool("headless", s.headless).
		Msg("Agent scheduler started")
	return nil
}

// Stop ends the loop; running agents are left to drain.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
	if s.watcher != nil {
		s.watcher.Close()
	}
}

// ReloadUser marks a user's configuration for reload at the next tick.
func (s *Scheduler) ReloadUser(username string) {
	s.mu.Lock()
	s.dirty[username] = true
	s.mu.Unlock()
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	purgeEvery := 12 // registry sweep every N ticks
	tickCount := 0

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			tickCount++
			if tickCount%purgeEvery == 0 {
				s.registry.PurgeStale()
			}
			s.reconcile(ctx)
		}
	}
}

// reconcile applies dirty configs, then walks users sequentially and
// fires whatever is due.
func (s *Scheduler) reconcile(ctx context.Context) {
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Cannot list users for scheduling")
		return
	}

	now := time.Now()
	for _, u := range users {
		s.mu.Lock()
		needsLoad := s.dirty[u.Username] || s.states[u.Username] == nil
		delete(s.dirty, u.Username)
		s.mu.Unlock()
		if needsLoad {
			s.loadUser(u)
		}
		s.reconcileUser(ctx, u, now)
	}
}

func (s *Scheduler) reconcileUser(ctx context.Context, user *models.User, now time.Time) {
	s.mu.Lock()
	states := s.states[user.Username]
	s.mu.Unlock()

	for name, st := range states {
		if !st.cfg.Enabled {
			continue
		}
		if s.headless && !st.cfg.Essential {
			continue
		}

		due := false
		switch st.cfg.Type {
		case models.TriggerInterval:
			if !st.next.IsZero() && !now.Before(st.next) {
				due = true
			}
		case models.TriggerTimeOfDay:
			if st.cron != nil && !st.next.IsZero() && !now.Before(st.next) {
				due = true
			}
		case models.TriggerActivity:
			idle := s.activity.IdleSince(user.Username, now.UTC())
			threshold := time.Duration(st.cfg.InactivityThreshold) * time.Second
			if idle >= threshold && threshold > 0 {
				if !st.idleFired {
					due = true
				}
			} else {
				st.idleFired = false
			}
		case models.TriggerEvent:
			// reserved for explicit triggers
		}

		if !due && !st.pending {
			continue
		}

		if s.spawner.IsRunning(user.Username, name) {
			// Coalesce: at most one pending run.
			st.pending = true
			s.advance(st, now)
			continue
		}
		st.pending = false
		s.advance(st, now)
		if st.cfg.Type == models.TriggerActivity {
			st.idleFired = true
		}

		if err := s.fire(ctx, user, name, st.cfg); err != nil {
			log.Warn().
				Err(err).
				Str("agent", name).
				Str("user", user.Username).
				Msg("Agent launch failed")
		}
	}
}

// advance computes the next fire time after now.
func (s *Scheduler) advance(st *triggerState, now time.Time) {
	switch st.cfg.Type {
	case models.TriggerInterval:
		st.next = now.Add(time.Duration(st.cfg.Interval) * time.Second)
	case models.TriggerTimeOfDay:
		if st.cron != nil {
			// No catch-up: the next occurrence strictly after now.
			st.next = st.cron.Next(now)
		}
	}
}

// fire spawns one agent under a fresh user context.
func (s *Scheduler) fire(ctx context.Context, user *models.User, name string, cfg models.AgentConfig) error {
	profileRoot := s.router.ProfileRoot(user)

	spec := SpawnSpec{
		User:        user.Username,
		Name:        name,
		TriggerType: cfg.Type,
		WorkDir:     profileRoot,
	}
	if cfg.AgentPath != "" {
		spec.Path = cfg.AgentPath
	} else if cfg.Task != "" {
		spec.Path = filepath.Join(s.router.Root(), "agents", "operator")
		spec.Task = cfg.Task
	} else {
		return fmt.Errorf("agent %s has neither agentPath nor task", name)
	}

	_, err := s.spawner.Start(ctx, spec)
	return err
}

// ── Configuration loading ────────────────────────────────────

// loadUser reads <profile>/etc/agents.json and rebuilds trigger state.
// Agents that disappeared from the config are dropped from the desired
// set but never killed; their current run drains.
func (s *Scheduler) loadUser(user *models.User) {
	path := filepath.Join(s.router.ProfileRoot(user), "etc", "agents.json")
	s.watchDir(filepath.Dir(path), user.Username)

	cfgs, ok := s.readConfig(path)
	if !ok {
		// Corrupt config: keep the previous trigger state until a
		// valid write lands.
		return
	}

	now := time.Now()
	fresh := make(map[string]*triggerState, len(cfgs))

	s.mu.Lock()
	old := s.states[user.Username]
	for name, cfg := range cfgs {
		st := &triggerState{cfg: cfg}
		if prev, ok := old[name]; ok && prev.cfg == cfg {
			// Unchanged entry keeps its schedule position.
			fresh[name] = prev
			continue
		}
		switch cfg.Type {
		case models.TriggerInterval:
			if cfg.RunOnBoot {
				st.next = now
			} else {
				st.next = now.Add(time.Duration(cfg.Interval) * time.Second)
			}
		case models.TriggerTimeOfDay:
			if sched := parseTimeOfDay(cfg.Schedule); sched != nil {
				st.cron = sched
				st.next = sched.Next(now)
			} else {
				log.Warn().
					Str("agent", name).
					Str("schedule", cfg.Schedule).
					Msg("Invalid time-of-day schedule, agent disabled")
				st.cfg.Enabled = false
			}
		}
		fresh[name] = st
	}
	s.states[user.Username] = fresh
	s.mu.Unlock()

	log.Debug().
		Str("user", user.Username).
		Int("agents", len(cfgs)).
		Msg("Agent configuration loaded")
}

// readConfig returns the parsed agents file. A missing file is an
// empty, valid config; a file that fails to parse reports ok=false so
// the caller can hold on to the previous state.
func (s *Scheduler) readConfig(path string) (models.AgentsFile, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.AgentsFile{}, true
	}
	var cfgs models.AgentsFile
	if err := json.Unmarshal(data, &cfgs); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Corrupt agents.json, keeping previous config")
		return nil, false
	}
	return cfgs, true
}

// parseTimeOfDay converts "HH:MM" into a cron schedule in local time.
func parseTimeOfDay(schedule string) cron.Schedule {
	parts := strings.SplitN(schedule, ":", 2)
	if len(parts) != 2 {
		return nil
	}
	sched, err := cron.ParseStandard(fmt.Sprintf("%s %s * * *", parts[1], parts[0]))
	if err != nil {
		return nil
	}
	return sched
}

// ── Hot reload ───────────────────────────────────────────────

func (s *Scheduler) watchDir(dir, username string) {
	if s.watcher == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watched[dir]; ok {
		return
	}
	if err := s.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("Cannot watch config dir")
		return
	}
	s.watched[dir] = username
}

func (s *Scheduler) watchLoop() {
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != "agents.json" {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			s.mu.Lock()
			username := s.watched[filepath.Dir(ev.Name)]
			if username != "" {
				s.dirty[username] = true
			}
			s.mu.Unlock()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}
