package training

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/metahuman-os/metahuman/internal/agents"
	"github.com/metahuman-os/metahuman/internal/audit"
	"github.com/metahuman-os/metahuman/internal/coreerr"
	"github.com/metahuman-os/metahuman/internal/modelserver"
	"github.com/metahuman-os/metahuman/internal/storage"
	"github.com/metahuman-os/metahuman/pkg/models"
)

const (
	pidFileRel = "logs/run/full-cycle.pid"

	// cancelGrace is the wait between SIGTERM and SIGKILL during a
	// process-table sweep.
	cancelGrace = 3 * time.Second
)

// cycleAgents are the pipeline workers, used both to run steps and to
// find strays during cancellation.
var cycleAgents = []string{"adapter-builder", "ai-dataset-builder", "lora-trainer", "eval-adapter", "full-cycle"}

// ProgressSink receives pipeline progress. A non-nil return cancels the
// cycle cooperatively (SSE client went away).
type ProgressSink func(models.ProgressEvent) error

// FullCycleOptions configures one pipeline run.
type FullCycleOptions struct {
	// Date selects the dataset (YYYY-MM-DD); empty means today.
	Date      string
	StartedBy string

	// AutoApprove writes approved.json after a successful build. When
	// false (or in dry-run) the cycle stops after the build step and
	// waits for manual approval.
	AutoApprove bool
	DryRun      bool

	// Dual and Load are passed through to activation.
	Dual bool
	Load bool
}

// Orchestrator drives the full training pipeline: build, approve,
// train, evaluate, activate. One cycle per user at a time.
type Orchestrator struct {
	router    *storage.Router
	datasets  *Datasets
	activator *Activator
	spawner   *agents.Spawner
	model     *modelserver.Client
	auditor   *audit.Auditor

	mu     sync.Mutex
	active map[string]context.CancelFunc // username → cancel
}

// NewOrchestrator wires the orchestrator.
func NewOrchestrator(router *storage.Router, datasets *Datasets, activator *Activator, spawner *agents.Spawner, model *modelserver.Client, auditor *audit.Auditor) *Orchestrator {
	return &Orchestrator{
		router:    router,
		datasets:  datasets,
		activator: activator,
		spawner:   spawner,
		model:     model,
		auditor:   auditor,
		active:    make(map[string]context.CancelFunc),
	}
}

// Running reports whether a cycle is live for the user.
func (o *Orchestrator) Running(username string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[username]
	return ok
}

// RunFullCycle executes the pipeline for one user, streaming progress
// to sink. Blocks until the cycle finishes, fails, or is cancelled.
func (o *Orchestrator) RunFullCycle(ctx context.Context, user *models.User, opts FullCycleOptions, sink ProgressSink) error {
	if opts.Date == "" {
		opts.Date = time.Now().Format("2006-01-02")
	}

	o.mu.Lock()
	if _, ok := o.active[user.Username]; ok {
		o.mu.Unlock()
		return coreerr.WithReason(coreerr.Conflict, "cycle_running",
			"a full cycle is already running for %s", user.Username)
	}
	cycleCtx, cancel := context.WithCancel(ctx)
	o.active[user.Username] = cancel
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.active, user.Username)
		o.mu.Unlock()
		o.removePidFile(user)
	}()

	o.auditor.Action("full_cycle_started", user.Username, map[string]string{
		"dataset": opts.Date,
		"dryRun":  strconv.FormatBool(opts.DryRun),
	})

	err := o.run(cycleCtx, user, opts, sink)
	if err != nil {
		o.auditor.Action("full_cycle_failed", user.Username, map[string]string{
			"dataset": opts.Date,
			"error":   err.Error(),
		})
		emit(sink, "cycle", models.ProgressError, coreerr.PublicMessage(err), 100, err)
		return err
	}
	o.auditor.Action("full_cycle_completed", user.Username, map[string]string{
		"dataset": opts.Date,
	})
	return nil
}

func (o *Orchestrator) run(ctx context.Context, user *models.User, opts FullCycleOptions, sink ProgressSink) error {
	// Build.
	if err := emit(sink, "build", models.ProgressRunning, "building dataset "+opts.Date, 5, nil); err != nil {
		return err
	}
	if err := o.runStep(ctx, user, "adapter-builder", opts.Date); err != nil {
		return err
	}
	ds, err := o.datasets.Get(user, opts.Date)
	if err != nil {
		return err
	}
	if ds.Status == models.DatasetEmpty {
		return coreerr.New(coreerr.Precondition, "builder produced no instructions for %s", opts.Date)
	}
	if err := emit(sink, "build", models.ProgressComplete,
		fmt.Sprintf("pairs:%d", ds.PairCount), 25, nil); err != nil {
		return err
	}

	// Approve.
	if !opts.AutoApprove || opts.DryRun {
		emit(sink, "approve", models.ProgressComplete, "awaiting manual approval", 100, nil)
		return nil
	}
	if ds.Approved == nil {
		if _, err := o.datasets.Approve(user, opts.Date, "auto-approval", "", true, false); err != nil {
			return err
		}
	}
	if err := emit(sink, "approve", models.ProgressComplete, "", 35, nil); err != nil {
		return err
	}

	// Train. The trainer itself refuses to run without approved.json;
	// check here too so the failure is a clean precondition.
	if err := emit(sink, "train", models.ProgressRunning, "training adapter", 40, nil); err != nil {
		return err
	}
	ds, err = o.datasets.Get(user, opts.Date)
	if err != nil {
		return err
	}
	if ds.Approved == nil {
		return coreerr.WithReason(coreerr.Precondition, "not_approved",
			"dataset %s is not approved", opts.Date)
	}
	if err := o.runStep(ctx, user, "lora-trainer", opts.Date); err != nil {
		return err
	}
	if err := emit(sink, "train", models.ProgressComplete, "", 70, nil); err != nil {
		return err
	}

	// Evaluate.
	if err := emit(sink, "eval", models.ProgressRunning, "evaluating adapter", 75, nil); err != nil {
		return err
	}
	if err := o.runStep(ctx, user, "eval-adapter", opts.Date); err != nil {
		return err
	}
	ds, err = o.datasets.Get(user, opts.Date)
	if err != nil {
		return err
	}
	if ds.Eval == nil || !ds.Eval.Passed {
		return coreerr.WithReason(coreerr.Precondition, "eval_not_passed",
			"dataset %s did not pass evaluation", opts.Date)
	}
	if err := emit(sink, "eval", models.ProgressComplete,
		fmt.Sprintf("score:%.2f", ds.Eval.Score), 85, nil); err != nil {
		return err
	}

	// Activate.
	if err := emit(sink, "activate", models.ProgressRunning, "activating adapter", 90, nil); err != nil {
		return err
	}
	record, err := o.activator.Activate(ctx, user, ActivateOptions{
		Date:        opts.Date,
		ActivatedBy: opts.StartedBy,
		Dual:        opts.Dual,
		Load:        opts.Load,
	})
	if err != nil {
		return err
	}
	return emit(sink, "activate", models.ProgressComplete, string(record.Status), 100, nil)
}

// runStep spawns one pipeline worker and waits for a clean exit. The
// worker's process-group id goes to the durable pid file so a cancel
// can reach the whole tree even after a core restart.
func (o *Orchestrator) runStep(ctx context.Context, user *models.User, agentName, date string) error {
	rec, err := o.spawner.Start(ctx, agents.SpawnSpec{
		User:        user.Username,
		Name:        agentName,
		TriggerType: models.TriggerEvent,
		Path:        filepath.Join(o.router.Root(), "agents", agentName),
		Args:        []string{date},
		WorkDir:     o.router.ProfileRoot(user),
	})
	if err != nil {
		return err
	}
	o.writePidFile(user, rec.PID)

	exit, err := o.spawner.Wait(ctx, user.Username, agentName)
	if err != nil {
		// The waiter went away (client disconnect, cancel). The worker
		// must not outlive the cycle slot it belongs to.
		o.spawner.Stop(user.Username, agentName)
		return err
	}
	if exit != 0 {
		return coreerr.New(coreerr.Internal, "%s exited with code %d", agentName, exit)
	}
	return nil
}

// ── Cancellation ─────────────────────────────────────────────

// Cancel stops a running cycle: terminate the recorded process group,
// sweep the process table for stray pipeline workers owned by the
// user, ask the model server to unload, and remove the pid file. The
// pid file is removed even when every other step fails.
func (o *Orchestrator) Cancel(ctx context.Context, user *models.User) ([]int, error) {
	o.mu.Lock()
	if cancel, ok := o.active[user.Username]; ok {
		cancel()
	}
	o.mu.Unlock()

	var killed []int

	if pgid, ok := o.readPidFile(user); ok {
		if err := syscall.Kill(-pgid, syscall.SIGTERM); err == nil {
			killed = append(killed, pgid)
		}
	}

	killed = append(killed, o.sweepStrays(user.Username)...)

	if o.model != nil {
		if err := o.model.UnloadModel(ctx, fmt.Sprintf("metahuman-%s", user.Username)); err != nil {
			log.Warn().Err(err).Str("user", user.Username).Msg("Model unload during cancel failed")
		}
	}

	o.removePidFile(user)
	o.auditor.Action("full_cycle_cancelled", user.Username, map[string]string{
		"killed": strconv.Itoa(len(killed)),
	})
	return killed, nil
}

// sweepStrays finds pipeline workers in the process table by name and
// owning username, terminates them, and escalates after a grace wait.
func (o *Orchestrator) sweepStrays(username string) []int {
	procs, err := process.Processes()
	if err != nil {
		log.Warn().Err(err).Msg("Process table scan failed")
		return nil
	}

	var matched []*process.Process
	for _, p := range procs {
		name, err := p.Name()
		if err != nil || !cycleAgentName(name) {
			cmdline, cerr := p.Cmdline()
			if cerr != nil || !cycleAgentName(cmdline) {
				continue
			}
		}
		owner, err := p.Username()
		if err != nil || owner != username {
			// Agent processes carry the profile owner in their env.
			environ, eerr := p.Environ()
			if eerr != nil || !hasEnv(environ, "MH_USER="+username) {
				continue
			}
		}
		matched = append(matched, p)
	}
	if len(matched) == 0 {
		return nil
	}

	pids := make([]int, 0, len(matched))
	for _, p := range matched {
		if err := p.Terminate(); err == nil {
			pids = append(pids, int(p.Pid))
		}
	}

	deadline := time.Now().Add(cancelGrace)
	for time.Now().Before(deadline) {
		alive := false
		for _, p := range matched {
			if up, err := p.IsRunning(); err == nil && up {
				alive = true
				break
			}
		}
		if !alive {
			return pids
		}
		time.Sleep(100 * time.Millisecond)
	}
	for _, p := range matched {
		if up, err := p.IsRunning(); err == nil && up {
			p.Kill()
		}
	}
	return pids
}

func cycleAgentName(s string) bool {
	for _, name := range cycleAgents {
		if strings.Contains(s, name) {
			return true
		}
	}
	return false
}

func hasEnv(environ []string, entry string) bool {
	for _, e := range environ {
		if e == entry {
			return true
		}
	}
	return false
}

// ── Pid file ─────────────────────────────────────────────────

func (o *Orchestrator) pidFilePath(user *models.User) string {
	return filepath.Join(o.router.ProfileRoot(user), filepath.FromSlash(pidFileRel))
}

func (o *Orchestrator) writePidFile(user *models.User, pid int) {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		pgid = pid
	}
	path := o.pidFilePath(user)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		log.Warn().Err(err).Msg("Cannot create run dir")
		return
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pgid)), 0o600); err != nil {
		log.Warn().Err(err).Msg("Cannot write cycle pid file")
	}
}

func (o *Orchestrator) readPidFile(user *models.User) (int, bool) {
	data, err := os.ReadFile(o.pidFilePath(user))
	if err != nil {
		return 0, false
	}
	pgid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pgid <= 0 {
		return 0, false
	}
	return pgid, true
}

func (o *Orchestrator) removePidFile(user *models.User) {
	os.Remove(o.pidFilePath(user))
}

// emit sends one progress event; a sink error cancels the cycle.
func emit(sink ProgressSink, step string, status models.ProgressStatus, msg string, progress int, cause error) error {
	if sink == nil {
		return nil
	}
	ev := models.ProgressEvent{
		Step:     step,
		Status:   status,
		Message:  msg,
		Progress: progress,
	}
	if cause != nil {
		ev.Error = coreerr.PublicMessage(cause)
	}
	return sink(ev)
}
