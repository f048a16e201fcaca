package agents

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/metahuman-os/metahuman/internal/audit"
	"github.com/metahuman-os/metahuman/internal/coreerr"
	"github.com/metahuman-os/metahuman/pkg/models"
)

const (
	// readyWindow bounds agent start-up: if the child produces no
	// output and its pid is gone before this elapses, the launch is
	// marked failed.
	readyWindow = 10 * time.Second

	// stopGrace is the per-agent wait between SIGTERM and SIGKILL.
	stopGrace = 5 * time.Second

	logBufferSize = 1000
)

type agentProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{} // closed when Wait returns
	exit   int
}

// Spawner starts and stops agent child processes, pumping their output
// into per-agent log buffers and keeping the registry in sync.
type Spawner struct {
	registry *Registry
	auditor  *audit.Auditor

	mu      sync.Mutex
	running map[string]*agentProcess // key: user/name
	logs    map[string]*LogBuffer
}

// NewSpawner creates a Spawner backed by the registry.
func NewSpawner(registry *Registry, auditor *audit.Auditor) *Spawner {
	return &Spawner{
		registry: registry,
		auditor:  auditor,
		running:  make(map[string]*agentProcess),
		logs:     make(map[string]*LogBuffer),
	}
}

// SpawnSpec describes one agent launch.
type SpawnSpec struct {
	User        string
	Name        string
	TriggerType models.TriggerType

	// Path is the agent entry point. For inline operator tasks the
	// scheduler passes the operator runner and sets Task.
	Path string
	Args []string
	Task string

	// WorkDir is the user's profile root; the agent runs inside it.
	WorkDir string

	// Env is merged over the parent environment.
	Env map[string]string
}

// Start launches an agent process. The child gets its own process
// group so a later stop can take down the whole tree.
func (s *Spawner) Start(ctx context.Context, spec SpawnSpec) (*models.AgentRecord, error) {
	key := recordKey(spec.User, spec.Name)

	s.mu.Lock()
	if _, ok := s.running[key]; ok {
		s.mu.Unlock()
		return nil, coreerr.WithReason(coreerr.Conflict, "agent_running",
			"agent %s is already running for %s", spec.Name, spec.User)
	}
	s.mu.Unlock()

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, spec.Path, spec.Args...)
	cmd.Dir = spec.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	env := os.Environ()
	env = append(env,
		"MH_USER="+spec.User,
		"MH_AGENT="+spec.Name,
		"MH_PROFILE_ROOT="+spec.WorkDir,
	)
	if spec.Task != "" {
		env = append(env, "MH_TASK="+spec.Task)
	}
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, coreerr.Wrap(coreerr.Internal, err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, coreerr.Wrap(coreerr.Internal, err, "stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, coreerr.Wrap(coreerr.Internal, err, "start agent process")
	}

	rec := &models.AgentRecord{
		Name:        spec.Name,
		PID:         cmd.Process.Pid,
		User:        spec.User,
		StartedAt:   time.Now().UTC(),
		TriggerType: spec.TriggerType,
	}
	if err := s.registry.Register(rec); err != nil {
		cancel()
		cmd.Process.Kill()
		return nil, err
	}

	buf := NewLogBuffer(logBufferSize)
	proc := &agentProcess{cmd: cmd, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.running[key] = proc
	s.logs[key] = buf
	s.mu.Unlock()

	firstLine := make(chan struct{}, 1)
	go s.pump(buf, spec, "stdout", stdout, firstLine)
	go s.pump(buf, spec, "stderr", stderr, firstLine)

	// Monitor: reap the child, record the exit, release tracking.
	go func() {
		err := cmd.Wait()
		exit := 0
		if err != nil {
			exit = -1
			if ee, ok := err.(*exec.ExitError); ok {
				exit = ee.ExitCode()
			}
		}
		proc.exit = exit
		close(proc.done)

		s.mu.Lock()
		delete(s.running, key)
		s.mu.Unlock()
		s.registry.Deregister(spec.User, spec.Name)
		buf.Close()

		log.Info().
			Str("agent", spec.Name).
			Str("user", spec.User).
			Int("pid", rec.PID).
			Int("exit", exit).
			Msg("Agent process exited")
	}()

	// Readiness: first output line, or still-alive pid at the window
	// end. An early exit with no output is a failed launch.
	select {
	case <-firstLine:
	case <-proc.done:
		return nil, coreerr.New(coreerr.Internal, "agent %s exited during startup", spec.Name)
	case <-time.After(readyWindow):
		if !pidAlive(rec.PID) {
			return nil, coreerr.New(coreerr.Internal, "agent %s died during startup", spec.Name)
		}
	case <-ctx.Done():
		s.Stop(spec.User, spec.Name)
		return nil, ctx.Err()
	}

	log.Info().
		Str("agent", spec.Name).
		Str("user", spec.User).
		Int("pid", rec.PID).
		Msg("Agent started")
	return rec, nil
}

func (s *Spawner) pump(buf *LogBuffer, spec SpawnSpec, stream string, r interface{ Read([]byte) (int, error) }, firstLine chan struct{}) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		select {
		case firstLine <- struct{}{}:
		default:
		}
		buf.Append(spec.User, spec.Name, stream, scanner.Text())
	}
}

// Stop terminates one agent: SIGTERM to the process group, a bounded
// grace wait, then SIGKILL. Emits one audit record with the exit code.
func (s *Spawner) Stop(user, name string) error {
	key := recordKey(user, name)

	s.mu.Lock()
	proc, ok := s.running[key]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	pid := proc.cmd.Process.Pid
	// Negative pid signals the whole process group.
	syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case <-proc.done:
	case <-time.After(stopGrace):
		syscall.Kill(-pid, syscall.SIGKILL)
		<-proc.done
	}
	proc.cancel()

	if s.auditor != nil {
		s.auditor.Action("agent_stopped", user, map[string]string{
			"agent": name,
			"exit":  strconv.Itoa(proc.exit),
		})
	}
	return nil
}

// StopAll terminates every running agent concurrently and waits for
// all of them.
func (s *Spawner) StopAll(ctx context.Context) error {
	s.mu.Lock()
	keys := make([]SpawnSpec, 0, len(s.running))
	for key := range s.running {
		user, name := splitKey(key)
		keys = append(keys, SpawnSpec{User: user, Name: name})
	}
	s.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, k := range keys {
		k := k
		g.Go(func() error {
			return s.Stop(k.User, k.Name)
		})
	}
	err := g.Wait()
	log.Info().Int("count", len(keys)).Msg("All agents stopped")
	return err
}

// IsRunning reports whether (user, name) has a live process.
func (s *Spawner) IsRunning(user, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[recordKey(user, name)]
	return ok
}

// Logs returns the log buffer for a running or recently-run agent.
func (s *Spawner) Logs(user, name string) *LogBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logs[recordKey(user, name)]
}

// Wait blocks until the named agent exits or the context ends.
func (s *Spawner) Wait(ctx context.Context, user, name string) (int, error) {
	s.mu.Lock()
	proc, ok := s.running[recordKey(user, name)]
	s.mu.Unlock()
	if !ok {
		return 0, nil
	}
	select {
	case <-proc.done:
		return proc.exit, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func splitKey(key string) (user, name string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
