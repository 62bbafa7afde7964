package storage

import (
	"context"
	"strconv"
	"strings"
	"time"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Timestamps are stored as fixed-width UTC text so that lexical order equals
// chronological order on both dialects.
const tsLayout = "2006-01-02T15:04:05.000000Z"

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) (time.Time, error) { return time.Parse(tsLayout, s) }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id {{pk}},
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		script_path TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		max_retries INTEGER NOT NULL DEFAULT 3,
		retry_delay_seconds INTEGER NOT NULL DEFAULT 300,
		timeout_seconds INTEGER NOT NULL DEFAULT 3600,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS schedules (
		id {{pk}},
		task_id BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		schedule_type TEXT NOT NULL,
		config TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		next_run_time TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_task ON schedules(task_id, active)`,
	`CREATE TABLE IF NOT EXISTS dependencies (
		id {{pk}},
		task_id BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		depends_on_task_id BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		dep_condition TEXT NOT NULL DEFAULT 'success',
		UNIQUE(task_id, depends_on_task_id)
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		task_id BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		duration_ms BIGINT,
		exit_code INTEGER,
		error_message TEXT,
		log_path TEXT,
		triggered_by TEXT NOT NULL,
		retry_attempt INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_task_started ON runs(task_id, started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id {{pk}},
		severity TEXT NOT NULL,
		alert_type TEXT NOT NULL,
		message TEXT NOT NULL,
		task_id BIGINT,
		run_id TEXT,
		details TEXT,
		acknowledged INTEGER NOT NULL DEFAULT 0,
		acknowledged_by TEXT,
		acknowledged_at TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_unacked ON alerts(acknowledged, created_at)`,
	`CREATE TABLE IF NOT EXISTS heartbeats (
		service_name TEXT NOT NULL,
		host TEXT NOT NULL,
		status TEXT NOT NULL,
		last_seen TEXT NOT NULL,
		metrics TEXT,
		PRIMARY KEY (service_name, host)
	)`,
}

func (d dialect) ddl(stmt string) string {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d == dialectPostgres {
		pk = "BIGSERIAL PRIMARY KEY"
	}
	return strings.ReplaceAll(stmt, "{{pk}}", pk)
}

// rebind rewrites '?' placeholders to '$n' for postgres.
func (d dialect) rebind(q string) string {
	if d != dialectPostgres || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *sqlStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, s.dialect.ddl(stmt)); err != nil {
			return err
		}
	}
	return nil
}
