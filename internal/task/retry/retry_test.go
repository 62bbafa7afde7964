package retry

import (
	"context"
	"testing"
	"time"

	"scriptsched/internal/storage"
	"scriptsched/internal/task/runner"
	"scriptsched/pkg/logx"
)

type scheduled struct {
	taskID  int64
	at      time.Time
	attempt int
}

type fakeSched struct{ got []scheduled }

func (f *fakeSched) ScheduleRetry(taskID int64, _ string, at time.Time, attempt int) {
	f.got = append(f.got, scheduled{taskID, at, attempt})
}

type fakeAlerts struct{ got []storage.Alert }

func (f *fakeAlerts) Emit(_ context.Context, a storage.Alert) (storage.Alert, bool) {
	f.got = append(f.got, a)
	return a, true
}

func TestHandle(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	task := storage.Task{ID: 9, Name: "etl", MaxRetries: 2, RetryDelaySeconds: 60}
	failed := runner.Outcome{Kind: runner.KindFailed, ExitCode: 1}

	cases := []struct {
		name        string
		attempt     int
		out         runner.Outcome
		wantRetry   bool
		wantAttempt int
		wantAlert   bool
	}{
		{"first failure retries", 0, failed, true, 1, false},
		{"second failure retries", 1, failed, true, 2, false},
		{"exhausted alerts", 2, failed, false, 2, true},
		{"timeout is final", 0, runner.Outcome{Kind: runner.KindTimeout}, false, 0, false},
		{"exception is final", 0, runner.Outcome{Kind: runner.KindException}, false, 0, false},
		{"success", 0, runner.Outcome{Kind: runner.KindSuccess}, false, 0, false},
		{"shutdown interruption", 0, runner.Outcome{Kind: runner.KindFailed, Interrupted: true}, false, 0, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fs, fa := &fakeSched{}, &fakeAlerts{}
			m := New(fs, fa, logx.Nop())
			m.now = func() time.Time { return now }

			d := m.Handle(context.Background(), task, storage.Run{ID: "r", RetryAttempt: tc.attempt}, tc.out)
			if d.Retry != tc.wantRetry || d.Attempt != tc.wantAttempt {
				t.Fatalf("decision=%+v", d)
			}
			if tc.wantRetry {
				if len(fs.got) != 1 || fs.got[0].attempt != tc.wantAttempt || !fs.got[0].at.Equal(now.Add(time.Minute)) {
					t.Fatalf("scheduled=%+v", fs.got)
				}
			} else if len(fs.got) != 0 {
				t.Fatalf("unexpected retry %+v", fs.got)
			}
			if tc.wantAlert {
				if len(fa.got) != 1 || fa.got[0].Type != "task_failed" || fa.got[0].Severity != storage.SeverityError || fa.got[0].Message != "Task etl failed after 2 retries" {
					t.Fatalf("alerts=%+v", fa.got)
				}
			} else if len(fa.got) != 0 {
				t.Fatalf("unexpected alerts %+v", fa.got)
			}
		})
	}
}

func TestZeroMaxRetriesAlertsImmediately(t *testing.T) {
	t.Parallel()

	fs, fa := &fakeSched{}, &fakeAlerts{}
	m := New(fs, fa, logx.Nop())
	d := m.Handle(context.Background(), storage.Task{ID: 1, Name: "once"}, storage.Run{ID: "r"}, runner.Outcome{Kind: runner.KindFailed, ExitCode: 2})
	if d.Retry || !d.Exhausted || len(fs.got) != 0 || len(fa.got) != 1 {
		t.Fatalf("decision=%+v sched=%v alerts=%v", d, fs.got, fa.got)
	}
}

func TestDeferKeepsAttempt(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sched := &fakeSched{}
	alerts := &fakeAlerts{}
	m := New(sched, alerts, logx.Nop())
	m.now = func() time.Time { return now }

	at := m.Defer(storage.Task{ID: 4, Name: "etl", MaxRetries: 1}, 1, 5*time.Second)
	if !at.Equal(now.Add(5 * time.Second)) {
		t.Fatalf("at=%v", at)
	}
	if len(sched.got) != 1 || sched.got[0] != (scheduled{4, at, 1}) {
		t.Fatalf("scheduled=%+v", sched.got)
	}
	if len(alerts.got) != 0 {
		t.Fatalf("deferral raised alerts: %+v", alerts.got)
	}
}
