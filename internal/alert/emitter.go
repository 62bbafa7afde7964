// Package alert records operator-facing alerts and fans them out to
// optional notifiers. Emission never fails the caller.
package alert

import (
	"context"
	"strings"
	"sync"
	"time"

	"scriptsched/internal/storage"
	"scriptsched/pkg/logx"
)

// Alert types raised by the engine.
const (
	TypeScheduleError    = "schedule_error"
	TypeSchedulerError   = "scheduler_error"
	TypeSchedulerCrash   = "scheduler_crash"
	TypeDependencyNotMet = "dependency_not_met"
	TypeQueueFull        = "queue_full"
	TypeTaskTimeout      = "task_timeout"
	TypeTaskFailed       = "task_failed"
	TypeTaskException    = "task_exception"
	TypeTaskError        = "task_error"
)

type Store interface {
	CreateAlert(ctx context.Context, a storage.Alert) (storage.Alert, error)
}

// Notifier receives a copy of every persisted alert. Notify must not block;
// implementations queue and deliver on their own goroutines.
type Notifier interface {
	Notify(a storage.Alert)
}

type Emitter struct {
	store Store
	log   logx.Logger

	mu        sync.RWMutex
	notifiers []Notifier
}

func New(store Store, log logx.Logger) *Emitter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Emitter{store: store, log: log}
}

// SetNotifiers replaces the notifier set. Used on config reload.
func (e *Emitter) SetNotifiers(ns ...Notifier) {
	out := make([]Notifier, 0, len(ns))
	for _, n := range ns {
		if n != nil {
			out = append(out, n)
		}
	}
	e.mu.Lock()
	e.notifiers = out
	e.mu.Unlock()
}

// Emit persists a and hands it to the notifiers. A store failure is logged
// and swallowed; the returned bool reports whether the alert was stored.
func (e *Emitter) Emit(ctx context.Context, a storage.Alert) (storage.Alert, bool) {
	if a.Severity == "" {
		a.Severity = storage.SeverityError
	}
	a.Message = strings.TrimSpace(a.Message)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	stored := false
	if e.store != nil {
		saved, err := e.store.CreateAlert(ctx, a)
		if err != nil {
			e.log.Error("alert not recorded", logx.String("type", a.Type), logx.String("severity", string(a.Severity)), logx.String("message", a.Message), logx.Err(err))
		} else {
			a = saved
			stored = true
		}
	}

	log := e.log.Warn
	switch a.Severity {
	case storage.SeverityError:
		log = e.log.Error
	case storage.SeverityCritical:
		log = e.log.Critical
	}
	log("alert", logx.String("type", a.Type), logx.String("message", a.Message), logx.String("run_id", a.RunID))

	e.mu.RLock()
	ns := e.notifiers
	e.mu.RUnlock()
	for _, n := range ns {
		n.Notify(a)
	}
	return a, stored
}

// For builds an alert about a task run.
func For(sev storage.Severity, typ string, taskID int64, runID, msg string) storage.Alert {
	id := taskID
	return storage.Alert{Severity: sev, Type: typ, TaskID: &id, RunID: runID, Message: msg}
}

// Rank orders severities; unknown values rank lowest.
func Rank(s storage.Severity) int {
	switch s {
	case storage.SeverityWarning:
		return 1
	case storage.SeverityError:
		return 2
	case storage.SeverityCritical:
		return 3
	}
	return 0
}
