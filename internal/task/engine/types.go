// Package engine is the execution coordinator. It turns fires into runs,
// gates them on dependencies, executes them on a bounded worker pool and
// hands each outcome to retries and alerts.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	rtsup "scriptsched/internal/runtime/supervisor"
	"scriptsched/internal/storage"
	"scriptsched/internal/task/runner"
	"scriptsched/internal/task/scheduler"
)

type Config struct {
	Workers   int
	QueueSize int
	// DrainGrace bounds how long Stop waits for workers.
	DrainGrace time.Duration
	// KillGrace is passed to the tracker when shutdown force-stops children.
	KillGrace time.Duration
	// RetryBusyDelay is how long a retry fire that found its task busy waits
	// before trying again.
	RetryBusyDelay time.Duration

	Retention RetentionConfig
}

type RetentionConfig struct {
	Enabled    bool
	SuccessAge time.Duration
	FailedAge  time.Duration
	Interval   time.Duration
}

const (
	DefaultWorkers    = 10
	DefaultQueueSize  = 100
	DefaultDrainGrace = 30 * time.Second
	DefaultRetryBusy  = 5 * time.Second

	DefaultSuccessAge        = 30 * 24 * time.Hour
	DefaultFailedAge         = 90 * 24 * time.Hour
	DefaultRetentionInterval = 24 * time.Hour
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = DefaultDrainGrace
	}
	if c.RetryBusyDelay <= 0 {
		c.RetryBusyDelay = DefaultRetryBusy
	}
	if c.KillGrace <= 0 {
		c.KillGrace = runner.DefaultKillGrace
	}
	if c.Retention.SuccessAge <= 0 {
		c.Retention.SuccessAge = DefaultSuccessAge
	}
	if c.Retention.FailedAge <= 0 {
		c.Retention.FailedAge = DefaultFailedAge
	}
	if c.Retention.Interval <= 0 {
		c.Retention.Interval = DefaultRetentionInterval
	}
	return c
}

// Trigger is the scheduler surface the coordinator drives.
type Trigger interface {
	Sync(ctx context.Context, rows []storage.TaskSchedule) []*scheduler.ConfigError
	Len() int
	Location() *time.Location
}

// Executor runs one attempt. *runner.Runner implements it.
type Executor interface {
	Run(ctx context.Context, task storage.Task, run storage.Run) runner.Outcome
}

// slotSet holds the single-instance slot of every task with a live run,
// from pending through finalization.
type slotSet struct {
	mu   sync.Mutex
	busy map[int64]time.Time
}

func (s *slotSet) tryAcquire(taskID int64, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy == nil {
		s.busy = map[int64]time.Time{}
	}
	if _, ok := s.busy[taskID]; ok {
		return false
	}
	s.busy[taskID] = now
	return true
}

func (s *slotSet) release(taskID int64) {
	s.mu.Lock()
	delete(s.busy, taskID)
	s.mu.Unlock()
}

func (s *slotSet) held() []int64 {
	s.mu.Lock()
	out := make([]int64, 0, len(s.busy))
	for id := range s.busy {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type job struct {
	task       storage.Task
	run        storage.Run
	enqueuedAt time.Time
}

// HistoryItem is a finished attempt kept in memory for diagnostics.
type HistoryItem struct {
	RunID      string            `json:"run_id"`
	Task       string            `json:"task"`
	Status     storage.RunStatus `json:"status"`
	Source     string            `json:"source"`
	QueueDelay time.Duration     `json:"queue_delay"`
	Duration   time.Duration     `json:"duration"`
	Finished   time.Time         `json:"finished"`
	Error      string            `json:"error,omitempty"`
}

// Snapshot is a lightweight view for the admin API and health metrics.
type Snapshot struct {
	Running  bool            `json:"running"`
	Workers  int             `json:"workers"`
	QueueLen int             `json:"queue_len"`
	QueueCap int             `json:"queue_cap"`
	InFlight int             `json:"in_flight"`
	Busy     []int64         `json:"busy_task_ids"`
	Live     []runner.Handle `json:"live"`
	Entries  int             `json:"scheduled_entries"`

	DroppedBusy      uint64 `json:"dropped_busy"`
	DeferredRetries  uint64 `json:"deferred_retries"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	Skipped          uint64 `json:"skipped_dependencies"`

	History []HistoryItem `json:"history"`

	// Goroutines lists the engine's live workers and loops.
	Goroutines rtsup.Counters `json:"goroutines"`
}

const historySize = 200
