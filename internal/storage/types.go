package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("storage: not found")
	ErrRunTerminal = errors.New("storage: run already in a terminal status")
	ErrConflict    = errors.New("storage: conflict")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file at Path
//   - "postgres": PostgreSQL reachable through DSN
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only
	MaxOpenConns int           // postgres only
}

type Task struct {
	ID                int64     `json:"id"`
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	ScriptPath        string    `json:"script_path"`
	Active            bool      `json:"active"`
	MaxRetries        int       `json:"max_retries"`
	RetryDelaySeconds int       `json:"retry_delay_seconds"`
	TimeoutSeconds    int       `json:"timeout_seconds"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

const (
	DefaultMaxRetries        = 3
	DefaultRetryDelaySeconds = 300
	DefaultTimeoutSeconds    = 3600
)

func (t Task) RetryDelay() time.Duration { return time.Duration(t.RetryDelaySeconds) * time.Second }
func (t Task) Timeout() time.Duration    { return time.Duration(t.TimeoutSeconds) * time.Second }

// TaskPatch updates only the non-nil fields.
type TaskPatch struct {
	Description       *string `json:"description,omitempty"`
	ScriptPath        *string `json:"script_path,omitempty"`
	Active            *bool   `json:"active,omitempty"`
	MaxRetries        *int    `json:"max_retries,omitempty"`
	RetryDelaySeconds *int    `json:"retry_delay_seconds,omitempty"`
	TimeoutSeconds    *int    `json:"timeout_seconds,omitempty"`
}

type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleDate     ScheduleType = "date"
)

type Schedule struct {
	ID          int64           `json:"id"`
	TaskID      int64           `json:"task_id"`
	Type        ScheduleType    `json:"type"`
	Config      json.RawMessage `json:"config"`
	Active      bool            `json:"active"`
	NextRunTime *time.Time      `json:"next_run_time,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TaskSchedule pairs an active task with its active schedule.
type TaskSchedule struct {
	Task     Task
	Schedule Schedule
}

type DepCondition string

const (
	DepSuccess    DepCondition = "success"
	DepCompletion DepCondition = "completion"
	DepFailure    DepCondition = "failure"
)

// Statuses returns the run statuses that satisfy the condition.
func (c DepCondition) Statuses() []RunStatus {
	switch c {
	case DepCompletion:
		return []RunStatus{RunSuccess, RunFailed}
	case DepFailure:
		return []RunStatus{RunFailed}
	default:
		return []RunStatus{RunSuccess}
	}
}

func (c DepCondition) Valid() bool {
	return c == DepSuccess || c == DepCompletion || c == DepFailure
}

type Dependency struct {
	ID            int64        `json:"id"`
	TaskID        int64        `json:"task_id"`
	DependsOnID   int64        `json:"depends_on_task_id"`
	DependsOnName string       `json:"depends_on_name,omitempty"`
	Condition     DepCondition `json:"condition"`
}

type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunTimeout RunStatus = "timeout"
	RunSkipped RunStatus = "skipped"
)

func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunTimeout, RunSkipped:
		return true
	}
	return false
}

type TriggerSource string

const (
	TriggerSchedule TriggerSource = "schedule"
	TriggerManual   TriggerSource = "manual"
	TriggerRetry    TriggerSource = "retry"
)

type Run struct {
	ID           string        `json:"id"`
	TaskID       int64         `json:"task_id"`
	TaskName     string        `json:"task_name,omitempty"`
	Status       RunStatus     `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Duration     time.Duration `json:"duration"`
	ExitCode     *int          `json:"exit_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	LogPath      string        `json:"log_path,omitempty"`
	TriggeredBy  TriggerSource `json:"triggered_by"`
	RetryAttempt int           `json:"retry_attempt"`
}

// RunUpdate moves a run to Status at At. Terminal statuses record
// completed_at and Duration; RunRunning resets started_at to At.
type RunUpdate struct {
	Status       RunStatus
	At           time.Time
	Duration     time.Duration
	ExitCode     *int
	ErrorMessage string
	LogPath      string
}

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

type Alert struct {
	ID             int64          `json:"id"`
	Severity       Severity       `json:"severity"`
	Type           string         `json:"type"`
	Message        string         `json:"message"`
	TaskID         *int64         `json:"task_id,omitempty"`
	RunID          string         `json:"run_id,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedBy string         `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthOffline  HealthStatus = "offline"
)

type Heartbeat struct {
	Service  string         `json:"service"`
	Host     string         `json:"host"`
	Status   HealthStatus   `json:"status"`
	LastSeen time.Time      `json:"last_seen"`
	Metrics  map[string]any `json:"metrics,omitempty"`
}
