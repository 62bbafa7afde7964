package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"scriptsched/pkg/logx"
)

// Store is the persistence API consumed by the engine and the admin surface.
// Each call commits independently.
type Store interface {
	CreateTask(ctx context.Context, t Task) (Task, error)
	GetTask(ctx context.Context, id int64) (Task, error)
	GetTaskByName(ctx context.Context, name string) (Task, error)
	ListTasks(ctx context.Context) ([]Task, error)
	UpdateTask(ctx context.Context, id int64, p TaskPatch) (Task, error)
	GetActiveTasksWithSchedule(ctx context.Context) ([]TaskSchedule, error)

	AddSchedule(ctx context.Context, s Schedule) (Schedule, error)
	SetNextRunTime(ctx context.Context, scheduleID int64, next *time.Time) error

	AddDependency(ctx context.Context, d Dependency) (Dependency, error)
	GetDependencies(ctx context.Context, taskID int64) ([]Dependency, error)

	CreateRun(ctx context.Context, r Run) error
	UpdateRunStatus(ctx context.Context, id string, u RunUpdate) error
	GetRun(ctx context.Context, id string) (Run, error)
	GetRecentRuns(ctx context.Context, taskID int64, limit int) ([]Run, error)
	GetRunningRuns(ctx context.Context) ([]Run, error)
	HasRunSince(ctx context.Context, taskID int64, since time.Time, statuses []RunStatus) (bool, error)
	FailOrphanedRuns(ctx context.Context, at time.Time, msg string) (int64, error)
	PurgeRuns(ctx context.Context, statuses []RunStatus, before time.Time) ([]string, error)

	CreateAlert(ctx context.Context, a Alert) (Alert, error)
	GetUnacknowledgedAlerts(ctx context.Context, severity Severity, limit int) ([]Alert, error)
	AcknowledgeAlert(ctx context.Context, id int64, by string) error

	UpsertHeartbeat(ctx context.Context, h Heartbeat) error
	GetHeartbeats(ctx context.Context, freshness time.Duration) ([]Heartbeat, error)

	Close() error
}

// Open initializes the configured store and applies migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
