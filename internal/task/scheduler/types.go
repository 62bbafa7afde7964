// Package scheduler is the trigger engine: it owns every task's next fire
// time and hands due fires to a Dispatcher from a single loop goroutine.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"scriptsched/internal/storage"
)

type Config struct {
	// Timezone is an IANA zone name; empty means the host zone.
	Timezone string
	// MisfireGrace is how late a fire may be evaluated and still run.
	MisfireGrace time.Duration
	// Coalesce collapses several missed fires of one entry into a single fire.
	Coalesce bool
}

const DefaultMisfireGrace = 300 * time.Second

// Fire is one due trigger handed to the Dispatcher.
type Fire struct {
	TaskID     int64
	TaskName   string
	ScheduleID int64
	DueAt      time.Time
	Source     storage.TriggerSource
	// Attempt is the retry attempt carried by retry fires (0 otherwise).
	Attempt int
}

// Dispatcher receives due fires. It must not block for long: the trigger
// loop is single threaded.
type Dispatcher interface {
	Dispatch(ctx context.Context, f Fire)
}

// NextRunStore persists computed next fire times for reporting.
type NextRunStore interface {
	SetNextRunTime(ctx context.Context, scheduleID int64, next *time.Time) error
}

type entry struct {
	key        string
	taskID     int64
	taskName   string
	scheduleID int64
	sched      cron.Schedule
	schedType  storage.ScheduleType
	config     string
	next       time.Time
	source     storage.TriggerSource
	attempt    int
}

// EntryInfo describes one scheduled entry for introspection.
type EntryInfo struct {
	Key      string                `json:"key"`
	TaskID   int64                 `json:"task_id"`
	TaskName string                `json:"task_name"`
	Type     storage.ScheduleType  `json:"type,omitempty"`
	Source   storage.TriggerSource `json:"source"`
	Attempt  int                   `json:"attempt,omitempty"`
	Next     time.Time             `json:"next"`
}
