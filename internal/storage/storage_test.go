package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"scriptsched/pkg/logx"
)

func testStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustTask(t *testing.T, st Store, name string) Task {
	t.Helper()
	task, err := st.CreateTask(context.Background(), Task{Name: name, ScriptPath: "/opt/jobs/" + name + ".sh", Active: true, MaxRetries: -1, RetryDelaySeconds: -1})
	if err != nil {
		t.Fatalf("create task %s: %v", name, err)
	}
	return task
}

func TestCreateTaskDefaultsAndConflict(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	task := mustTask(t, st, "etl")
	if task.ID == 0 || task.MaxRetries != 3 || task.RetryDelaySeconds != 300 || task.TimeoutSeconds != 3600 {
		t.Fatalf("unexpected defaults: %+v", task)
	}
	if _, err := st.CreateTask(ctx, Task{Name: "etl", ScriptPath: "/x"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate name err=%v, want ErrConflict", err)
	}
	got, err := st.GetTaskByName(ctx, "etl")
	if err != nil || got.ID != task.ID {
		t.Fatalf("GetTaskByName: %+v, %v", got, err)
	}
	if _, err := st.GetTaskByName(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing task err=%v", err)
	}

	off := false
	upd, err := st.UpdateTask(ctx, task.ID, TaskPatch{Active: &off})
	if err != nil || upd.Active {
		t.Fatalf("UpdateTask: %+v, %v", upd, err)
	}
}

func TestAddScheduleReplacesPrevious(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()
	task := mustTask(t, st, "report")

	if _, err := st.AddSchedule(ctx, Schedule{TaskID: task.ID, Type: ScheduleCron, Config: json.RawMessage(`{"minute":"0"}`)}); err != nil {
		t.Fatalf("add schedule: %v", err)
	}
	second, err := st.AddSchedule(ctx, Schedule{TaskID: task.ID, Type: ScheduleInterval, Config: json.RawMessage(`{"minutes":5}`)})
	if err != nil {
		t.Fatalf("add schedule: %v", err)
	}

	rows, err := st.GetActiveTasksWithSchedule(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(rows) != 1 || rows[0].Schedule.ID != second.ID || rows[0].Schedule.Type != ScheduleInterval {
		t.Fatalf("active schedules = %+v", rows)
	}

	next := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := st.SetNextRunTime(ctx, second.ID, &next); err != nil {
		t.Fatalf("set next: %v", err)
	}
	rows, _ = st.GetActiveTasksWithSchedule(ctx)
	if rows[0].Schedule.NextRunTime == nil || !rows[0].Schedule.NextRunTime.Equal(next) {
		t.Fatalf("next run time = %v", rows[0].Schedule.NextRunTime)
	}

	if _, err := st.AddSchedule(ctx, Schedule{TaskID: task.ID, Type: "weekly", Config: json.RawMessage(`{}`)}); err == nil {
		t.Fatalf("expected unknown schedule type error")
	}
}

func TestRunStatusIsWriteOnceTerminal(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()
	task := mustTask(t, st, "sync")

	if err := st.CreateRun(ctx, Run{ID: "r1", TaskID: task.ID, TriggeredBy: TriggerManual}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := st.UpdateRunStatus(ctx, "r1", RunUpdate{Status: RunRunning}); err != nil {
		t.Fatalf("running: %v", err)
	}
	code := 0
	if err := st.UpdateRunStatus(ctx, "r1", RunUpdate{Status: RunSuccess, ExitCode: &code, Duration: 1500 * time.Millisecond, LogPath: "/tmp/x.log"}); err != nil {
		t.Fatalf("success: %v", err)
	}

	for _, next := range []RunStatus{RunFailed, RunRunning, RunTimeout, RunSkipped, RunPending} {
		bad := 9
		err := st.UpdateRunStatus(ctx, "r1", RunUpdate{Status: next, ExitCode: &bad, ErrorMessage: "late"})
		if !errors.Is(err, ErrRunTerminal) {
			t.Fatalf("update to %s err=%v, want ErrRunTerminal", next, err)
		}
	}

	r, err := st.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if r.Status != RunSuccess || r.ExitCode == nil || *r.ExitCode != 0 || r.ErrorMessage != "" || r.CompletedAt == nil {
		t.Fatalf("run mutated after terminal: %+v", r)
	}
	if r.Duration != 1500*time.Millisecond || r.LogPath != "/tmp/x.log" || r.TaskName != "sync" {
		t.Fatalf("unexpected run fields: %+v", r)
	}
	if err := st.UpdateRunStatus(ctx, "nope", RunUpdate{Status: RunFailed}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing run err=%v", err)
	}
}

func TestHasRunSinceMatchesStatusAndWindow(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()
	task := mustTask(t, st, "upstream")

	now := time.Now()
	old := now.Add(-48 * time.Hour)
	_ = st.CreateRun(ctx, Run{ID: "old", TaskID: task.ID, StartedAt: old, TriggeredBy: TriggerSchedule})
	_ = st.UpdateRunStatus(ctx, "old", RunUpdate{Status: RunSuccess, At: old})
	_ = st.CreateRun(ctx, Run{ID: "new", TaskID: task.ID, StartedAt: now, TriggeredBy: TriggerSchedule})
	_ = st.UpdateRunStatus(ctx, "new", RunUpdate{Status: RunFailed, At: now})

	since := now.Add(-time.Hour)
	cases := []struct {
		cond DepCondition
		want bool
	}{
		{DepSuccess, false},
		{DepCompletion, true},
		{DepFailure, true},
	}
	for _, tc := range cases {
		got, err := st.HasRunSince(ctx, task.ID, since, tc.cond.Statuses())
		if err != nil {
			t.Fatalf("%s: %v", tc.cond, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.cond, got, tc.want)
		}
	}
	if ok, _ := st.HasRunSince(ctx, task.ID, old.Add(-time.Minute), DepSuccess.Statuses()); !ok {
		t.Fatalf("wide window should see the old success")
	}
}

func TestDependenciesAndOrphansAndPurge(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()
	a := mustTask(t, st, "a")
	b := mustTask(t, st, "b")

	if _, err := st.AddDependency(ctx, Dependency{TaskID: b.ID, DependsOnID: a.ID}); err != nil {
		t.Fatalf("add dep: %v", err)
	}
	if _, err := st.AddDependency(ctx, Dependency{TaskID: b.ID, DependsOnID: a.ID, Condition: DepFailure}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate dep err=%v", err)
	}
	deps, err := st.GetDependencies(ctx, b.ID)
	if err != nil || len(deps) != 1 || deps[0].DependsOnName != "a" || deps[0].Condition != DepSuccess {
		t.Fatalf("deps=%+v err=%v", deps, err)
	}

	_ = st.CreateRun(ctx, Run{ID: "p", TaskID: a.ID, TriggeredBy: TriggerSchedule})
	_ = st.CreateRun(ctx, Run{ID: "q", TaskID: b.ID, TriggeredBy: TriggerSchedule})
	_ = st.UpdateRunStatus(ctx, "q", RunUpdate{Status: RunRunning})
	running, _ := st.GetRunningRuns(ctx)
	if len(running) != 2 {
		t.Fatalf("running=%d", len(running))
	}
	n, err := st.FailOrphanedRuns(ctx, time.Now(), "orphaned by restart")
	if err != nil || n != 2 {
		t.Fatalf("orphans n=%d err=%v", n, err)
	}

	old := time.Now().Add(-100 * 24 * time.Hour)
	_ = st.CreateRun(ctx, Run{ID: "ancient", TaskID: a.ID, StartedAt: old, TriggeredBy: TriggerSchedule})
	_ = st.UpdateRunStatus(ctx, "ancient", RunUpdate{Status: RunSuccess, At: old, LogPath: "/tmp/ancient.log"})
	paths, err := st.PurgeRuns(ctx, []RunStatus{RunSuccess}, time.Now().Add(-30*24*time.Hour))
	if err != nil || len(paths) != 1 || paths[0] != "/tmp/ancient.log" {
		t.Fatalf("purge paths=%v err=%v", paths, err)
	}
	if _, err := st.GetRun(ctx, "ancient"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ancient run should be gone: %v", err)
	}
}

func TestAlertsAndHeartbeats(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()
	task := mustTask(t, st, "t")

	a, err := st.CreateAlert(ctx, Alert{Severity: SeverityWarning, Type: "dependency_not_met", Message: "m", TaskID: &task.ID, Details: map[string]any{"k": "v"}})
	if err != nil || a.ID == 0 {
		t.Fatalf("create alert: %+v %v", a, err)
	}
	_, _ = st.CreateAlert(ctx, Alert{Severity: SeverityCritical, Type: "scheduler_crash", Message: "x"})

	warn, _ := st.GetUnacknowledgedAlerts(ctx, SeverityWarning, 0)
	if len(warn) != 1 || warn[0].Details["k"] != "v" || warn[0].TaskID == nil {
		t.Fatalf("warnings=%+v", warn)
	}
	if err := st.AcknowledgeAlert(ctx, a.ID, "ops"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := st.AcknowledgeAlert(ctx, a.ID, "other"); err != nil {
		t.Fatalf("second ack should be a no-op: %v", err)
	}
	if err := st.AcknowledgeAlert(ctx, 999, "ops"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ack missing err=%v", err)
	}
	all, _ := st.GetUnacknowledgedAlerts(ctx, "", 0)
	if len(all) != 1 || all[0].Type != "scheduler_crash" {
		t.Fatalf("unacked=%+v", all)
	}

	if err := st.UpsertHeartbeat(ctx, Heartbeat{Service: "scriptsched", Host: "h1", Status: HealthHealthy, Metrics: map[string]any{"cpu": 1.5}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := st.UpsertHeartbeat(ctx, Heartbeat{Service: "scriptsched", Host: "h1", Status: HealthWarning}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	_ = st.UpsertHeartbeat(ctx, Heartbeat{Service: "scriptsched", Host: "stale", Status: HealthHealthy, LastSeen: time.Now().Add(-time.Hour)})

	hbs, err := st.GetHeartbeats(ctx, 5*time.Minute)
	if err != nil || len(hbs) != 1 || hbs[0].Status != HealthWarning {
		t.Fatalf("heartbeats=%+v err=%v", hbs, err)
	}
}

func TestRebindPostgres(t *testing.T) {
	t.Parallel()
	got := dialectPostgres.rebind("SELECT 1 FROM runs WHERE a = ? AND b IN (?, ?)")
	want := "SELECT 1 FROM runs WHERE a = $1 AND b IN ($2, $3)"
	if got != want {
		t.Fatalf("rebind=%q", got)
	}
	if dialectSQLite.rebind("a = ?") != "a = ?" {
		t.Fatalf("sqlite must keep '?'")
	}
}
