// Package retry decides whether a failed attempt is tried again and
// schedules the follow-up fire.
package retry

import (
	"context"
	"fmt"
	"time"

	"scriptsched/internal/alert"
	"scriptsched/internal/storage"
	"scriptsched/internal/task/runner"
	"scriptsched/pkg/logx"
)

// Scheduler accepts one-shot retry fires.
type Scheduler interface {
	ScheduleRetry(taskID int64, taskName string, at time.Time, attempt int)
}

type Emitter interface {
	Emit(ctx context.Context, a storage.Alert) (storage.Alert, bool)
}

// Decision is the result of Handle. Retry is false when nothing was scheduled.
type Decision struct {
	Retry     bool
	Attempt   int
	At        time.Time
	Exhausted bool
}

type Manager struct {
	sched  Scheduler
	alerts Emitter
	log    logx.Logger
	now    func() time.Time
}

func New(sched Scheduler, alerts Emitter, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{sched: sched, alerts: alerts, log: log, now: time.Now}
}

// Handle inspects the outcome of run. Only plain failures are retried:
// timeouts, launch exceptions and shutdown interruptions are final. Once
// max_retries is reached a task_failed alert is raised instead.
func (m *Manager) Handle(ctx context.Context, task storage.Task, run storage.Run, out runner.Outcome) Decision {
	if out.Kind != runner.KindFailed || out.Interrupted {
		return Decision{}
	}
	if run.RetryAttempt < task.MaxRetries {
		d := Decision{Retry: true, Attempt: run.RetryAttempt + 1, At: m.now().Add(task.RetryDelay())}
		m.log.Info("retrying task",
			logx.String("task", task.Name),
			logx.Int("attempt", d.Attempt),
			logx.Int("max_retries", task.MaxRetries),
			logx.Duration("delay", task.RetryDelay()),
		)
		m.sched.ScheduleRetry(task.ID, task.Name, d.At, d.Attempt)
		return d
	}
	if m.alerts != nil {
		msg := fmt.Sprintf("Task %s failed after %d retries", task.Name, run.RetryAttempt)
		m.alerts.Emit(ctx, alert.For(storage.SeverityError, alert.TypeTaskFailed, task.ID, run.ID, msg))
	}
	return Decision{Exhausted: true, Attempt: run.RetryAttempt}
}

// Defer re-arms a retry fire that found the task still running. The attempt
// number is kept, so the chain still ends in a retry run or an alert.
func (m *Manager) Defer(task storage.Task, attempt int, delay time.Duration) time.Time {
	at := m.now().Add(delay)
	m.log.Info("retry deferred: task busy",
		logx.String("task", task.Name),
		logx.Int("attempt", attempt),
		logx.Duration("delay", delay),
	)
	m.sched.ScheduleRetry(task.ID, task.Name, at, attempt)
	return at
}
