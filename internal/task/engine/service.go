package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"scriptsched/internal/alert"
	rtsup "scriptsched/internal/runtime/supervisor"
	"scriptsched/internal/storage"
	"scriptsched/internal/task/deps"
	"scriptsched/internal/task/retry"
	"scriptsched/internal/task/runner"
	"scriptsched/internal/task/scheduler"
	"scriptsched/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Deps are the collaborators of the coordinator. Store and Exec are
// required; the rest degrade to no-ops when nil.
type Deps struct {
	Store    storage.Store
	Trigger  Trigger
	Resolver *deps.Resolver
	Exec     Executor
	Tracker  *runner.Tracker
	Retry    *retry.Manager
	Alerts   *alert.Emitter
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	store    storage.Store
	trigger  Trigger
	resolver *deps.Resolver
	exec     Executor
	tracker  *runner.Tracker
	retry    *retry.Manager
	alerts   *alert.Emitter

	q        chan job
	sup      *rtsup.Supervisor
	stopping bool

	slots    slotSet
	inFlight atomic.Int32

	hmu     sync.Mutex
	history []HistoryItem

	droppedBusy      atomic.Uint64
	deferredRetries  atomic.Uint64
	droppedQueueFull atomic.Uint64
	skipped          atomic.Uint64
	lastBusyWarnAt   atomic.Int64

	now func() time.Time
}

type request struct {
	task    storage.Task
	source  storage.TriggerSource
	attempt int
}

func New(cfg Config, d Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		store:    d.Store,
		trigger:  d.Trigger,
		resolver: d.Resolver,
		exec:     d.Exec,
		tracker:  d.Tracker,
		retry:    d.Retry,
		alerts:   d.Alerts,
		now:      time.Now,
	}
	if s.alerts == nil {
		s.alerts = alert.New(d.Store, log)
	}
	return s
}

// Apply updates drain, kill and retention settings. Pool size changes take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.q != nil
	s.mu.Unlock()
	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.log.Warn("worker pool size changes apply after restart",
			logx.Int("workers", cfg.Workers), logx.Int("queue_size", cfg.QueueSize))
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) location() *time.Location {
	if s.trigger == nil {
		return time.Local
	}
	return s.trigger.Location()
}

// Start fails runs orphaned by a previous process and launches the worker
// pool and the retention loop. It is idempotent.
func (s *Service) Start(ctx context.Context) error {
	if s.store == nil || s.exec == nil {
		return errors.New("engine: store and executor are required")
	}
	s.mu.Lock()
	if s.q != nil {
		s.mu.Unlock()
		return nil
	}
	cfg := s.cfg
	s.mu.Unlock()

	if n, err := s.store.FailOrphanedRuns(ctx, s.now(), "orphaned by restart"); err != nil {
		s.log.Warn("orphan recovery failed", logx.Err(err))
	} else if n > 0 {
		s.log.Warn("runs orphaned by restart marked failed", logx.Int64("count", n))
	}

	q := make(chan job, cfg.QueueSize)
	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "engine"))),
		// A dying worker is restarted; it never takes the app down.
		rtsup.WithCancelOnError(false),
	)

	s.mu.Lock()
	s.q = q
	s.sup = sup
	s.stopping = false
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, q)
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	if cfg.Retention.Enabled {
		sup.GoRestart("retention", func(c context.Context) error {
			s.retentionLoop(c)
			return c.Err()
		})
	}

	s.log.Info("engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
	return nil
}

// Stop rejects new fires, interrupts live attempts, force-stops whatever is
// still alive after the kill grace and waits for the workers up to the
// drain grace. Jobs still queued are closed as skipped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.q == nil || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	q, sup, cfg := s.q, s.sup, s.cfg
	s.mu.Unlock()

	sup.Cancel()
	if s.tracker != nil {
		if n := s.tracker.TerminateAll(ctx, cfg.KillGrace); n > 0 {
			s.log.Warn("terminated live task processes", logx.Int("count", n))
		}
	}

	wctx, cancel := context.WithTimeout(ctx, cfg.DrainGrace)
	err := sup.Wait(wctx)
	cancel()
	if wctx.Err() != nil {
		s.log.Warn("engine drain timed out", logx.Duration("grace", cfg.DrainGrace), logx.Int("in_flight", int(s.inFlight.Load())))
	} else if err != nil {
		s.log.Warn("engine stopped with worker error", logx.Err(err))
	}

	fctx, fcancel := finalizeCtx(ctx)
	defer fcancel()
drain:
	for {
		select {
		case j := <-q:
			s.finish(fctx, &j.run, storage.RunSkipped, "engine stopped before start")
			s.slots.release(j.task.ID)
		default:
			break drain
		}
	}

	s.mu.Lock()
	s.q = nil
	s.sup = nil
	s.stopping = false
	s.mu.Unlock()
	s.log.Info("engine stopped")
}

// Dispatch handles a fire from the trigger loop. Failures are logged: the
// fire is abandoned for this tick.
func (s *Service) Dispatch(ctx context.Context, f scheduler.Fire) {
	task, err := s.store.GetTask(ctx, f.TaskID)
	if err != nil {
		s.log.Warn("fire abandoned: task lookup failed", logx.Int64("task_id", f.TaskID), logx.String("task", f.TaskName), logx.Err(err))
		return
	}
	if !task.Active {
		s.log.Debug("fire ignored: task inactive", logx.String("task", task.Name))
		return
	}
	src := f.Source
	if src == "" {
		src = storage.TriggerSchedule
	}
	_, err = s.submit(ctx, request{task: task, source: src, attempt: f.Attempt})
	switch {
	case err == nil, errors.Is(err, ErrDependenciesUnsatisfied), errors.Is(err, ErrQueueFull):
	case errors.Is(err, ErrAlreadyRunning) && src == storage.TriggerRetry && s.retry != nil:
		s.deferredRetries.Add(1)
		s.retry.Defer(task, f.Attempt, s.config().RetryBusyDelay)
	case errors.Is(err, ErrAlreadyRunning):
		if s.shouldWarn(s.now()) {
			s.log.Warn("fire dropped: task already running", logx.String("task", task.Name), logx.String("source", string(src)), logx.Int64("dropped_busy", int64(s.droppedBusy.Load())))
		}
	default:
		s.log.Warn("fire abandoned", logx.String("task", task.Name), logx.String("source", string(src)), logx.Err(err))
	}
}

// RunNow starts task name outside its schedule. The dependency gate and the
// single-instance rule still apply.
func (s *Service) RunNow(ctx context.Context, name string) (storage.Run, error) {
	task, err := s.lookup(ctx, name)
	if err != nil {
		return storage.Run{}, err
	}
	if !task.Active {
		return storage.Run{}, fmt.Errorf("%w: %s", ErrTaskInactive, task.Name)
	}
	return s.submit(ctx, request{task: task, source: storage.TriggerManual})
}

func (s *Service) submit(ctx context.Context, req request) (storage.Run, error) {
	s.mu.Lock()
	up, stopping := s.q != nil, s.stopping
	s.mu.Unlock()
	switch {
	case stopping:
		return storage.Run{}, ErrStopping
	case !up:
		return storage.Run{}, ErrStopped
	}

	task := req.task
	if !s.slots.tryAcquire(task.ID, s.now()) {
		s.droppedBusy.Add(1)
		return storage.Run{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, task.Name)
	}
	release := true
	defer func() {
		if release {
			s.slots.release(task.ID)
		}
	}()

	run := storage.Run{
		ID:           uuid.NewString(),
		TaskID:       task.ID,
		TaskName:     task.Name,
		Status:       storage.RunPending,
		StartedAt:    s.now(),
		TriggeredBy:  req.source,
		RetryAttempt: req.attempt,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return storage.Run{}, fmt.Errorf("create run for %s: %w", task.Name, err)
	}
	log := s.log.With(logx.String("task", task.Name), logx.String("run_id", run.ID))

	// Retries were gated when the first attempt was dispatched.
	if req.source != storage.TriggerRetry && s.resolver != nil {
		ok, missing, err := s.resolver.Check(ctx, task.ID)
		if err != nil {
			s.finish(ctx, &run, storage.RunSkipped, "dependency check failed: "+err.Error())
			return run, fmt.Errorf("check dependencies of %s: %w", task.Name, err)
		}
		if !ok {
			s.skipped.Add(1)
			log.Info("dependencies not satisfied", logx.Any("missing", missingNames(missing)))
			s.finish(ctx, &run, storage.RunSkipped, "Dependencies not satisfied")
			s.emit(ctx, alert.For(storage.SeverityWarning, alert.TypeDependencyNotMet, task.ID, run.ID,
				fmt.Sprintf("Task %s skipped due to unmet dependencies", task.Name)))
			return run, ErrDependenciesUnsatisfied
		}
	}

	at := s.now()
	if err := s.store.UpdateRunStatus(ctx, run.ID, storage.RunUpdate{Status: storage.RunRunning, At: at}); err != nil {
		s.finish(ctx, &run, storage.RunFailed, "mark running: "+err.Error())
		return run, fmt.Errorf("mark run %s running: %w", run.ID, err)
	}
	run.Status = storage.RunRunning
	run.StartedAt = at

	s.mu.Lock()
	q := s.q
	if q == nil || s.stopping {
		s.mu.Unlock()
		s.finish(ctx, &run, storage.RunSkipped, "engine stopped before start")
		return run, ErrStopped
	}
	select {
	case q <- job{task: task, run: run, enqueuedAt: at}:
		release = false
		s.mu.Unlock()
		log.Debug("run queued", logx.String("source", string(req.source)), logx.Int("attempt", req.attempt))
		return run, nil
	default:
	}
	s.mu.Unlock()

	s.droppedQueueFull.Add(1)
	log.Error("run skipped: queue full", logx.Int("queue_cap", cap(q)))
	s.finish(ctx, &run, storage.RunSkipped, "queue full")
	s.emit(ctx, alert.For(storage.SeverityError, alert.TypeQueueFull, task.ID, run.ID,
		fmt.Sprintf("Task %s skipped: execution queue full (%d)", task.Name, cap(q))))
	return run, ErrQueueFull
}

// finish writes a terminal status for a run that never reached a worker or
// could not be finalized normally.
func (s *Service) finish(ctx context.Context, run *storage.Run, status storage.RunStatus, msg string) {
	at := s.now()
	err := s.store.UpdateRunStatus(ctx, run.ID, storage.RunUpdate{Status: status, At: at, ErrorMessage: msg})
	if err != nil && !errors.Is(err, storage.ErrRunTerminal) {
		s.log.Error("run status not recorded", logx.String("run_id", run.ID), logx.String("status", string(status)), logx.Err(err))
	}
	run.Status = status
	run.ErrorMessage = msg
	run.CompletedAt = &at
	s.record(*run, 0, 0)
}

func (s *Service) emit(ctx context.Context, a storage.Alert) {
	if s.alerts != nil {
		s.alerts.Emit(ctx, a)
	}
}

// Reload re-reads the active task set and resyncs the trigger engine.
// Schedules that cannot be built raise schedule_error alerts; a failed read
// raises a critical scheduler_error alert.
func (s *Service) Reload(ctx context.Context) ([]*scheduler.ConfigError, error) {
	if s.trigger == nil {
		return nil, errors.New("engine: no trigger engine")
	}
	rows, err := s.store.GetActiveTasksWithSchedule(ctx)
	if err != nil {
		s.emit(ctx, storage.Alert{Severity: storage.SeverityCritical, Type: alert.TypeSchedulerError,
			Message: fmt.Sprintf("Failed to load tasks from database: %v", err)})
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	errs := s.trigger.Sync(ctx, rows)
	for _, ce := range errs {
		s.emit(ctx, alert.For(storage.SeverityError, alert.TypeScheduleError, ce.TaskID, "",
			fmt.Sprintf("Failed to schedule task %s: %v", ce.Task, ce.Err)))
	}
	s.log.Info("tasks loaded", logx.Int("tasks", len(rows)), logx.Int("rejected", len(errs)), logx.Int("entries", s.trigger.Len()))
	return errs, nil
}

func (s *Service) lookup(ctx context.Context, name string) (storage.Task, error) {
	task, err := s.store.GetTaskByName(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, strings.TrimSpace(name))
	}
	return task, err
}

// CreateTask stores a new task. Active tasks only fire once a schedule is set.
func (s *Service) CreateTask(ctx context.Context, t storage.Task) (storage.Task, error) {
	return s.store.CreateTask(ctx, t)
}

// UpdateTask patches task name and reloads the trigger set.
func (s *Service) UpdateTask(ctx context.Context, name string, p storage.TaskPatch) (storage.Task, error) {
	task, err := s.lookup(ctx, name)
	if err != nil {
		return storage.Task{}, err
	}
	task, err = s.store.UpdateTask(ctx, task.ID, p)
	if err != nil {
		return storage.Task{}, err
	}
	s.reloadAfterChange(ctx)
	return task, nil
}

// SetSchedule validates and stores a schedule for task name, replacing the
// previous one, and reloads the trigger set.
func (s *Service) SetSchedule(ctx context.Context, name string, typ storage.ScheduleType, cfg json.RawMessage) (storage.Schedule, error) {
	task, err := s.lookup(ctx, name)
	if err != nil {
		return storage.Schedule{}, err
	}
	sc := storage.Schedule{TaskID: task.ID, Type: typ, Config: cfg, Active: true}
	if _, err := scheduler.Build(sc, s.location()); err != nil {
		return storage.Schedule{}, &scheduler.ConfigError{TaskID: task.ID, Task: task.Name, Err: err}
	}
	saved, err := s.store.AddSchedule(ctx, sc)
	if err != nil {
		return storage.Schedule{}, err
	}
	s.reloadAfterChange(ctx)
	return saved, nil
}

// AddDependency records that task name depends on dependsOn. Cycles are
// not detected.
func (s *Service) AddDependency(ctx context.Context, name, dependsOn string, cond storage.DepCondition) (storage.Dependency, error) {
	if cond == "" {
		cond = storage.DepSuccess
	}
	if !cond.Valid() {
		return storage.Dependency{}, fmt.Errorf("unknown dependency condition %q", cond)
	}
	task, err := s.lookup(ctx, name)
	if err != nil {
		return storage.Dependency{}, err
	}
	on, err := s.lookup(ctx, dependsOn)
	if err != nil {
		return storage.Dependency{}, err
	}
	return s.store.AddDependency(ctx, storage.Dependency{TaskID: task.ID, DependsOnID: on.ID, DependsOnName: on.Name, Condition: cond})
}

func (s *Service) reloadAfterChange(ctx context.Context) {
	if s.trigger == nil {
		return
	}
	if _, err := s.Reload(ctx); err != nil {
		s.log.Warn("reload after change failed", logx.Err(err))
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q, running, sup := s.cfg, s.q, s.q != nil && !s.stopping, s.sup
	s.mu.Unlock()

	snap := Snapshot{
		Running:          running,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		Busy:             s.slots.held(),
		DroppedBusy:      s.droppedBusy.Load(),
		DeferredRetries:  s.deferredRetries.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		Skipped:          s.skipped.Load(),
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	snap.Goroutines = sup.Counters()
	if s.tracker != nil {
		snap.Live = s.tracker.Snapshot()
	}
	if s.trigger != nil {
		snap.Entries = s.trigger.Len()
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) record(run storage.Run, queueDelay, dur time.Duration) {
	item := HistoryItem{
		RunID:      run.ID,
		Task:       run.TaskName,
		Status:     run.Status,
		Source:     string(run.TriggeredBy),
		QueueDelay: queueDelay,
		Duration:   dur,
		Finished:   s.now(),
		Error:      run.ErrorMessage,
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) shouldWarn(now time.Time) bool {
	prev := s.lastBusyWarnAt.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return s.lastBusyWarnAt.CompareAndSwap(prev, n)
}

func missingNames(m []deps.Unsatisfied) []string {
	out := make([]string, 0, len(m))
	for _, u := range m {
		out = append(out, u.String())
	}
	return out
}

// finalizeCtx detaches from shutdown cancellation so terminal statuses are
// still written while the engine stops.
func finalizeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}
