package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"scriptsched/internal/storage"
	"scriptsched/pkg/logx"
)

type Config struct {
	// Interpreter is split on spaces and prepended to the script path.
	Interpreter  string
	EnvAllowlist []string
	ExtraEnv     map[string]string
	// LogDir overrides the per-script "<task>_logs" directory.
	LogDir string
	// KillGrace is the wait between SIGTERM and SIGKILL.
	KillGrace time.Duration
}

const DefaultKillGrace = 5 * time.Second

type childProc struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}
}

func (p *childProc) Done() <-chan struct{} { return p.done }

type Runner struct {
	mu      sync.RWMutex
	cfg     Config
	tracker *Tracker
	log     logx.Logger
	lookup  func(string) (string, bool)
}

func New(cfg Config, tracker *Tracker, log logx.Logger) *Runner {
	if tracker == nil {
		tracker = NewTracker()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{tracker: tracker, log: log, lookup: os.LookupEnv}
	r.Apply(cfg)
	return r
}

func (r *Runner) Apply(cfg Config) {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Runner) Tracker() *Tracker { return r.tracker }

func (r *Runner) config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Run executes one attempt of task and blocks until it ends, the task
// deadline passes or ctx is cancelled. It never panics and never returns an
// error: every failure is folded into the Outcome.
func (r *Runner) Run(ctx context.Context, task storage.Task, run storage.Run) (out Outcome) {
	cfg := r.config()
	started := time.Now()
	out.Started = started
	log := r.log.With(logx.String("task", task.Name), logx.String("run_id", run.ID))

	defer func() {
		if p := recover(); p != nil {
			out = exception("runner panic: %v", p)
			log.Error("runner panic", logx.Any("panic", p))
		}
		if out.Started.IsZero() {
			out.Started = started
		}
		if out.Finished.IsZero() {
			out.Finished = time.Now()
		}
	}()

	script, err := filepath.Abs(task.ScriptPath)
	if err != nil {
		return exception("resolve script path: %v", err)
	}
	if fi, err := os.Stat(script); err != nil {
		return exception("script not accessible: %v", err)
	} else if fi.IsDir() {
		return exception("script path %s is a directory", script)
	}

	logPath := LogPath(cfg.LogDir, script, task.Name, run.ID, started)
	f, err := openLog(logPath)
	if err != nil {
		return exception("open log: %v", err)
	}
	defer func() {
		writeFooter(f, out)
		_ = f.Close()
	}()
	out.LogPath = logPath

	if err := writeHeader(f, logHeader{
		Task:        task.Name,
		RunID:       run.ID,
		Attempt:     run.RetryAttempt,
		Started:     started,
		Script:      script,
		Interpreter: cfg.Interpreter,
	}); err != nil {
		return r.fail(exception("write log header: %v", err), logPath)
	}

	argv := append(strings.Fields(cfg.Interpreter), script)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = filepath.Dir(script)
	cmd.Env = BuildEnv(cfg.EnvAllowlist, r.runEnv(cfg, task, run), r.lookup)
	cmd.Stdout = f
	cmd.Stderr = f
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(f, "launch failed: %v\n", err)
		return r.fail(exception("launch: %v", err), logPath)
	}

	proc := &childProc{cmd: cmd, pid: cmd.Process.Pid, done: make(chan struct{})}
	r.tracker.register(Handle{RunID: run.ID, TaskID: task.ID, TaskName: task.Name, PID: proc.pid, StartedAt: started}, proc)
	defer r.tracker.unregister(run.ID)

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		close(proc.done)
		waitErr <- err
	}()

	timeout := task.Timeout()
	if timeout <= 0 {
		timeout = time.Duration(storage.DefaultTimeoutSeconds) * time.Second
	}
	log.Info("task started", logx.Int("pid", proc.pid), logx.Duration("timeout", timeout), logx.String("log", logPath))

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case err := <-waitErr:
		out = classifyExit(err)
	case <-deadline.C:
		log.Error("task timed out", logx.Duration("timeout", timeout))
		r.stop(proc, cfg.KillGrace, waitErr)
		out = Outcome{Kind: KindTimeout, ExitCode: -1, Detail: fmt.Sprintf("Timed out after %d seconds", int(timeout/time.Second))}
	case <-ctx.Done():
		log.Warn("task interrupted by shutdown")
		r.stop(proc, cfg.KillGrace, waitErr)
		out = Outcome{Kind: KindFailed, ExitCode: -1, Detail: "terminated by engine shutdown", Interrupted: true}
	}
	out.LogPath = logPath
	out.Started = started
	out.Finished = time.Now()
	return out
}

// fail stamps an early exception so the log footer is complete.
func (r *Runner) fail(o Outcome, logPath string) Outcome {
	o.LogPath = logPath
	o.Finished = time.Now()
	return o
}

// runEnv adds the attempt identity to the configured extra variables.
func (r *Runner) runEnv(cfg Config, task storage.Task, run storage.Run) map[string]string {
	env := make(map[string]string, len(cfg.ExtraEnv)+3)
	for k, v := range cfg.ExtraEnv {
		env[k] = v
	}
	env["SCRIPTSCHED_TASK"] = task.Name
	env["SCRIPTSCHED_RUN_ID"] = run.ID
	env["SCRIPTSCHED_ATTEMPT"] = strconv.Itoa(run.RetryAttempt)
	return env
}

// stop sends SIGTERM to the group, waits grace, then SIGKILL. It waits for
// the process to be reaped after the kill, bounded by another grace period.
func (r *Runner) stop(p *childProc, grace time.Duration, waitErr <-chan error) {
	if err := p.Terminate(); err != nil {
		r.log.Warn("terminate failed", logx.Int("pid", p.pid), logx.Err(err))
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-waitErr:
		// Members of the group may outlive the leader.
		_ = p.Kill()
		return
	case <-t.C:
	}
	if err := p.Kill(); err != nil {
		r.log.Warn("kill failed", logx.Int("pid", p.pid), logx.Err(err))
	}
	t.Reset(grace)
	select {
	case <-waitErr:
	case <-t.C:
		r.log.Error("process did not exit after kill", logx.Int("pid", p.pid))
	}
}

func classifyExit(err error) Outcome {
	if err == nil {
		return Outcome{Kind: KindSuccess, ExitCode: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		detail := fmt.Sprintf("exit code %d", code)
		if code < 0 {
			detail = "terminated by signal: " + exitErr.String()
		}
		return Outcome{Kind: KindFailed, ExitCode: code, Detail: detail}
	}
	return exception("wait: %v", err)
}
