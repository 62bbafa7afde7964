package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"scriptsched/pkg/logx"
)

// sqlStore implements Store over database/sql for both dialects.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect dialect
}

type scanner interface{ Scan(dest ...any) error }

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(q), args...)
}

func (s *sqlStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(q), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(q), args...)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

// ---- tasks ----

const taskCols = `id, name, description, script_path, active, max_retries, retry_delay_seconds, timeout_seconds, created_at, updated_at`

func scanTask(sc scanner) (Task, error) {
	var (
		t                  Task
		active             int
		created, updatedAt string
	)
	if err := sc.Scan(&t.ID, &t.Name, &t.Description, &t.ScriptPath, &active, &t.MaxRetries, &t.RetryDelaySeconds, &t.TimeoutSeconds, &created, &updatedAt); err != nil {
		return Task{}, err
	}
	t.Active = active != 0
	t.CreatedAt, _ = parseTS(created)
	t.UpdatedAt, _ = parseTS(updatedAt)
	return t, nil
}

func (s *sqlStore) CreateTask(ctx context.Context, t Task) (Task, error) {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" || strings.TrimSpace(t.ScriptPath) == "" {
		return Task{}, errors.New("storage: task name and script path are required")
	}
	if t.MaxRetries < 0 {
		t.MaxRetries = DefaultMaxRetries
	}
	if t.RetryDelaySeconds < 0 {
		t.RetryDelaySeconds = DefaultRetryDelaySeconds
	}
	if t.TimeoutSeconds <= 0 {
		t.TimeoutSeconds = DefaultTimeoutSeconds
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	err := s.queryRow(ctx, `INSERT INTO tasks (name, description, script_path, active, max_retries, retry_delay_seconds, timeout_seconds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		t.Name, t.Description, t.ScriptPath, boolInt(t.Active), t.MaxRetries, t.RetryDelaySeconds, t.TimeoutSeconds, ts(now), ts(now),
	).Scan(&t.ID)
	if isUniqueViolation(err) {
		return Task{}, fmt.Errorf("task %q: %w", t.Name, ErrConflict)
	}
	if err != nil {
		return Task{}, err
	}
	return t, nil
}

func (s *sqlStore) GetTask(ctx context.Context, id int64) (Task, error) {
	t, err := scanTask(s.queryRow(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, err
}

func (s *sqlStore) GetTaskByName(ctx context.Context, name string) (Task, error) {
	t, err := scanTask(s.queryRow(ctx, `SELECT `+taskCols+` FROM tasks WHERE name = ?`, strings.TrimSpace(name)))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, err
}

func (s *sqlStore) ListTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.query(ctx, `SELECT `+taskCols+` FROM tasks ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateTask(ctx context.Context, id int64, p TaskPatch) (Task, error) {
	sets := []string{}
	args := []any{}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Description != nil {
		add("description", *p.Description)
	}
	if p.ScriptPath != nil {
		add("script_path", *p.ScriptPath)
	}
	if p.Active != nil {
		add("active", boolInt(*p.Active))
	}
	if p.MaxRetries != nil {
		add("max_retries", *p.MaxRetries)
	}
	if p.RetryDelaySeconds != nil {
		add("retry_delay_seconds", *p.RetryDelaySeconds)
	}
	if p.TimeoutSeconds != nil {
		add("timeout_seconds", *p.TimeoutSeconds)
	}
	if len(sets) == 0 {
		return s.GetTask(ctx, id)
	}
	add("updated_at", ts(time.Now()))
	args = append(args, id)

	res, err := s.exec(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return Task{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Task{}, ErrNotFound
	}
	return s.GetTask(ctx, id)
}

func (s *sqlStore) GetActiveTasksWithSchedule(ctx context.Context) ([]TaskSchedule, error) {
	rows, err := s.query(ctx, `SELECT t.id, t.name, t.description, t.script_path, t.active, t.max_retries, t.retry_delay_seconds, t.timeout_seconds, t.created_at, t.updated_at,
			s.id, s.task_id, s.schedule_type, s.config, s.active, s.next_run_time, s.created_at
		FROM tasks t JOIN schedules s ON s.task_id = t.id
		WHERE t.active = 1 AND s.active = 1
		ORDER BY t.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskSchedule
	for rows.Next() {
		var (
			row                          TaskSchedule
			tActive, sActive             int
			tCreated, tUpdated, sCreated string
			cfg                          string
			next                         sql.NullString
		)
		if err := rows.Scan(&row.Task.ID, &row.Task.Name, &row.Task.Description, &row.Task.ScriptPath, &tActive, &row.Task.MaxRetries, &row.Task.RetryDelaySeconds, &row.Task.TimeoutSeconds, &tCreated, &tUpdated,
			&row.Schedule.ID, &row.Schedule.TaskID, &row.Schedule.Type, &cfg, &sActive, &next, &sCreated); err != nil {
			return nil, err
		}
		row.Task.Active = tActive != 0
		row.Task.CreatedAt, _ = parseTS(tCreated)
		row.Task.UpdatedAt, _ = parseTS(tUpdated)
		row.Schedule.Config = json.RawMessage(cfg)
		row.Schedule.Active = sActive != 0
		row.Schedule.NextRunTime = nullTime(next)
		row.Schedule.CreatedAt, _ = parseTS(sCreated)
		out = append(out, row)
	}
	return out, rows.Err()
}

// ---- schedules ----

// AddSchedule stores sc as the task's only active schedule.
func (s *sqlStore) AddSchedule(ctx context.Context, sc Schedule) (Schedule, error) {
	switch sc.Type {
	case ScheduleCron, ScheduleInterval, ScheduleDate:
	default:
		return Schedule{}, fmt.Errorf("storage: unknown schedule type %q", sc.Type)
	}
	if len(sc.Config) == 0 || !json.Valid(sc.Config) {
		return Schedule{}, errors.New("storage: schedule config must be valid JSON")
	}
	sc.Active = true
	sc.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Schedule{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`UPDATE schedules SET active = 0 WHERE task_id = ?`), sc.TaskID); err != nil {
		return Schedule{}, err
	}
	err = tx.QueryRowContext(ctx, s.dialect.rebind(`INSERT INTO schedules (task_id, schedule_type, config, active, created_at) VALUES (?, ?, ?, 1, ?) RETURNING id`),
		sc.TaskID, string(sc.Type), string(sc.Config), ts(sc.CreatedAt)).Scan(&sc.ID)
	if err != nil {
		return Schedule{}, err
	}
	if err := tx.Commit(); err != nil {
		return Schedule{}, err
	}
	return sc, nil
}

func (s *sqlStore) SetNextRunTime(ctx context.Context, scheduleID int64, next *time.Time) error {
	var v any
	if next != nil {
		v = ts(*next)
	}
	_, err := s.exec(ctx, `UPDATE schedules SET next_run_time = ? WHERE id = ?`, v, scheduleID)
	return err
}

// ---- dependencies ----

func (s *sqlStore) AddDependency(ctx context.Context, d Dependency) (Dependency, error) {
	if d.Condition == "" {
		d.Condition = DepSuccess
	}
	if !d.Condition.Valid() {
		return Dependency{}, fmt.Errorf("storage: unknown dependency condition %q", d.Condition)
	}
	err := s.queryRow(ctx, `INSERT INTO dependencies (task_id, depends_on_task_id, dep_condition) VALUES (?, ?, ?) RETURNING id`,
		d.TaskID, d.DependsOnID, string(d.Condition)).Scan(&d.ID)
	if isUniqueViolation(err) {
		return Dependency{}, fmt.Errorf("dependency %d->%d: %w", d.TaskID, d.DependsOnID, ErrConflict)
	}
	if err != nil {
		return Dependency{}, err
	}
	return d, nil
}

func (s *sqlStore) GetDependencies(ctx context.Context, taskID int64) ([]Dependency, error) {
	rows, err := s.query(ctx, `SELECT d.id, d.task_id, d.depends_on_task_id, t.name, d.dep_condition
		FROM dependencies d JOIN tasks t ON t.id = d.depends_on_task_id
		WHERE d.task_id = ? ORDER BY d.id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Dependency
	for rows.Next() {
		var d Dependency
		if err := rows.Scan(&d.ID, &d.TaskID, &d.DependsOnID, &d.DependsOnName, &d.Condition); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ---- runs ----

const runCols = `r.id, r.task_id, t.name, r.status, r.started_at, r.completed_at, r.duration_ms, r.exit_code, r.error_message, r.log_path, r.triggered_by, r.retry_attempt`

func scanRun(sc scanner) (Run, error) {
	var (
		r         Run
		started   string
		completed sql.NullString
		durMS     sql.NullInt64
		exit      sql.NullInt64
		errMsg    sql.NullString
		logPath   sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.TaskID, &r.TaskName, &r.Status, &started, &completed, &durMS, &exit, &errMsg, &logPath, &r.TriggeredBy, &r.RetryAttempt); err != nil {
		return Run{}, err
	}
	r.StartedAt, _ = parseTS(started)
	r.CompletedAt = nullTime(completed)
	r.Duration = time.Duration(durMS.Int64) * time.Millisecond
	if exit.Valid {
		code := int(exit.Int64)
		r.ExitCode = &code
	}
	r.ErrorMessage = errMsg.String
	r.LogPath = logPath.String
	return r, nil
}

func (s *sqlStore) CreateRun(ctx context.Context, r Run) error {
	if r.ID == "" {
		return errors.New("storage: run id is required")
	}
	if r.Status == "" {
		r.Status = RunPending
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.exec(ctx, `INSERT INTO runs (id, task_id, status, started_at, triggered_by, retry_attempt) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, string(r.Status), ts(r.StartedAt), string(r.TriggeredBy), r.RetryAttempt)
	return err
}

// UpdateRunStatus applies u unless the run already reached a terminal status,
// in which case it returns ErrRunTerminal and leaves the row untouched.
func (s *sqlStore) UpdateRunStatus(ctx context.Context, id string, u RunUpdate) error {
	if u.At.IsZero() {
		u.At = time.Now()
	}
	var exit any
	if u.ExitCode != nil {
		exit = *u.ExitCode
	}
	guard := ` WHERE id = ? AND status NOT IN ('success', 'failed', 'timeout', 'skipped')`

	var (
		res sql.Result
		err error
	)
	switch {
	case u.Status.Terminal():
		res, err = s.exec(ctx, `UPDATE runs SET status = ?, completed_at = ?, duration_ms = ?, exit_code = ?,
			error_message = COALESCE(?, error_message), log_path = COALESCE(?, log_path)`+guard,
			string(u.Status), ts(u.At), u.Duration.Milliseconds(), exit, nullStr(u.ErrorMessage), nullStr(u.LogPath), id)
	case u.Status == RunRunning:
		res, err = s.exec(ctx, `UPDATE runs SET status = ?, started_at = ?, log_path = COALESCE(?, log_path)`+guard,
			string(u.Status), ts(u.At), nullStr(u.LogPath), id)
	case u.Status == RunPending:
		res, err = s.exec(ctx, `UPDATE runs SET status = ?`+guard, string(u.Status), id)
	default:
		return fmt.Errorf("storage: unknown run status %q", u.Status)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetRun(ctx, id); err != nil {
		return err
	}
	return ErrRunTerminal
}

func (s *sqlStore) GetRun(ctx context.Context, id string) (Run, error) {
	r, err := scanRun(s.queryRow(ctx, `SELECT `+runCols+` FROM runs r JOIN tasks t ON t.id = r.task_id WHERE r.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return r, err
}

func (s *sqlStore) listRuns(ctx context.Context, q string, args ...any) ([]Run, error) {
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRecentRuns returns newest first. taskID 0 lists every task.
func (s *sqlStore) GetRecentRuns(ctx context.Context, taskID int64, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	base := `SELECT ` + runCols + ` FROM runs r JOIN tasks t ON t.id = r.task_id`
	if taskID > 0 {
		return s.listRuns(ctx, base+` WHERE r.task_id = ? ORDER BY r.started_at DESC LIMIT ?`, taskID, limit)
	}
	return s.listRuns(ctx, base+` ORDER BY r.started_at DESC LIMIT ?`, limit)
}

func (s *sqlStore) GetRunningRuns(ctx context.Context) ([]Run, error) {
	return s.listRuns(ctx, `SELECT `+runCols+` FROM runs r JOIN tasks t ON t.id = r.task_id
		WHERE r.status IN ('pending', 'running') ORDER BY r.started_at`)
}

func (s *sqlStore) HasRunSince(ctx context.Context, taskID int64, since time.Time, statuses []RunStatus) (bool, error) {
	if len(statuses) == 0 {
		return false, nil
	}
	args := []any{taskID, ts(since)}
	for _, st := range statuses {
		args = append(args, string(st))
	}
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM runs WHERE task_id = ? AND started_at >= ? AND status IN (`+placeholders(len(statuses))+`) LIMIT 1`, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// FailOrphanedRuns finalizes runs a previous process left non-terminal.
func (s *sqlStore) FailOrphanedRuns(ctx context.Context, at time.Time, msg string) (int64, error) {
	res, err := s.exec(ctx, `UPDATE runs SET status = 'failed', completed_at = ?, error_message = ? WHERE status IN ('pending', 'running')`, ts(at), msg)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeRuns deletes runs in the given statuses started before the cutoff and
// returns their log paths.
func (s *sqlStore) PurgeRuns(ctx context.Context, statuses []RunStatus, before time.Time) ([]string, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := []any{ts(before)}
	for _, st := range statuses {
		args = append(args, string(st))
	}
	rows, err := s.query(ctx, `DELETE FROM runs WHERE started_at < ? AND status IN (`+placeholders(len(statuses))+`) RETURNING log_path`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var p sql.NullString
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		if p.String != "" {
			paths = append(paths, p.String)
		}
	}
	return paths, rows.Err()
}

// ---- alerts ----

func (s *sqlStore) CreateAlert(ctx context.Context, a Alert) (Alert, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	var details any
	if len(a.Details) > 0 {
		b, err := json.Marshal(a.Details)
		if err != nil {
			return Alert{}, err
		}
		details = string(b)
	}
	var taskID any
	if a.TaskID != nil {
		taskID = *a.TaskID
	}
	err := s.queryRow(ctx, `INSERT INTO alerts (severity, alert_type, message, task_id, run_id, details, created_at) VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		string(a.Severity), a.Type, a.Message, taskID, nullStr(a.RunID), details, ts(a.CreatedAt)).Scan(&a.ID)
	if err != nil {
		return Alert{}, err
	}
	return a, nil
}

// GetUnacknowledgedAlerts returns newest first. An empty severity matches all.
func (s *sqlStore) GetUnacknowledgedAlerts(ctx context.Context, severity Severity, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, severity, alert_type, message, task_id, run_id, details, acknowledged, acknowledged_by, acknowledged_at, created_at FROM alerts WHERE acknowledged = 0`
	args := []any{}
	if severity != "" {
		q += ` AND severity = ?`
		args = append(args, string(severity))
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Alert
	for rows.Next() {
		var (
			a        Alert
			taskID   sql.NullInt64
			runID    sql.NullString
			details  sql.NullString
			acked    int
			ackBy    sql.NullString
			ackAt    sql.NullString
			creation string
		)
		if err := rows.Scan(&a.ID, &a.Severity, &a.Type, &a.Message, &taskID, &runID, &details, &acked, &ackBy, &ackAt, &creation); err != nil {
			return nil, err
		}
		if taskID.Valid {
			id := taskID.Int64
			a.TaskID = &id
		}
		a.RunID = runID.String
		if details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &a.Details)
		}
		a.Acknowledged = acked != 0
		a.AcknowledgedBy = ackBy.String
		a.AcknowledgedAt = nullTime(ackAt)
		a.CreatedAt, _ = parseTS(creation)
		out = append(out, a)
	}
	return out, rows.Err()
}

// AcknowledgeAlert is idempotent; a second acknowledgement keeps the first actor.
func (s *sqlStore) AcknowledgeAlert(ctx context.Context, id int64, by string) error {
	res, err := s.exec(ctx, `UPDATE alerts SET acknowledged = 1, acknowledged_by = ?, acknowledged_at = ? WHERE id = ? AND acknowledged = 0`,
		nullStr(by), ts(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var one int
	err = s.queryRow(ctx, `SELECT 1 FROM alerts WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// ---- heartbeats ----

func (s *sqlStore) UpsertHeartbeat(ctx context.Context, h Heartbeat) error {
	if h.LastSeen.IsZero() {
		h.LastSeen = time.Now()
	}
	var metrics any
	if len(h.Metrics) > 0 {
		b, err := json.Marshal(h.Metrics)
		if err != nil {
			return err
		}
		metrics = string(b)
	}
	_, err := s.exec(ctx, `INSERT INTO heartbeats (service_name, host, status, last_seen, metrics) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (service_name, host) DO UPDATE SET status = excluded.status, last_seen = excluded.last_seen, metrics = excluded.metrics`,
		h.Service, h.Host, string(h.Status), ts(h.LastSeen), metrics)
	return err
}

// GetHeartbeats returns heartbeats seen within freshness (all when freshness <= 0).
func (s *sqlStore) GetHeartbeats(ctx context.Context, freshness time.Duration) ([]Heartbeat, error) {
	q := `SELECT service_name, host, status, last_seen, metrics FROM heartbeats`
	args := []any{}
	if freshness > 0 {
		q += ` WHERE last_seen >= ?`
		args = append(args, ts(time.Now().Add(-freshness)))
	}
	q += ` ORDER BY service_name, host`

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Heartbeat
	for rows.Next() {
		var (
			h       Heartbeat
			seen    string
			metrics sql.NullString
		)
		if err := rows.Scan(&h.Service, &h.Host, &h.Status, &seen, &metrics); err != nil {
			return nil, err
		}
		h.LastSeen, _ = parseTS(seen)
		if metrics.String != "" {
			_ = json.Unmarshal([]byte(metrics.String), &h.Metrics)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ---- helpers ----

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := parseTS(ns.String)
	if err != nil {
		return nil
	}
	return &t
}
