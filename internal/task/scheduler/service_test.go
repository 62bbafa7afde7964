package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"scriptsched/internal/storage"
	"scriptsched/pkg/logx"
)

type recordDispatcher struct {
	mu    sync.Mutex
	fires []Fire
	ch    chan Fire
}

func (r *recordDispatcher) Dispatch(_ context.Context, f Fire) {
	r.mu.Lock()
	r.fires = append(r.fires, f)
	r.mu.Unlock()
	if r.ch != nil {
		r.ch <- f
	}
}

type memNext struct {
	mu   sync.Mutex
	next map[int64]*time.Time
}

func (m *memNext) SetNextRunTime(_ context.Context, id int64, next *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.next == nil {
		m.next = map[int64]*time.Time{}
	}
	m.next[id] = next
	return nil
}

func row(taskID, schedID int64, name string, typ storage.ScheduleType, cfg string) storage.TaskSchedule {
	return storage.TaskSchedule{
		Task:     storage.Task{ID: taskID, Name: name, Active: true},
		Schedule: storage.Schedule{ID: schedID, TaskID: taskID, Type: typ, Config: json.RawMessage(cfg), Active: true},
	}
}

func newTestService(now time.Time, cfg Config) (*Service, *memNext) {
	st := &memNext{}
	s := New(cfg, &recordDispatcher{}, st, logx.Nop())
	s.now = func() time.Time { return now }
	return s, st
}

func TestSyncComputesNextAndReportsConfigErrors(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s, st := newTestService(start, Config{Timezone: "UTC"})

	errs := s.Sync(context.Background(), []storage.TaskSchedule{
		row(1, 10, "every-minute", storage.ScheduleCron, `{"minute":"*/1","hour":"*","day":"*","month":"*","day_of_week":"*"}`),
		row(2, 20, "half-minute", storage.ScheduleInterval, `{"seconds":30}`),
		row(3, 30, "broken", storage.ScheduleCron, `{"minute":"99"}`),
	})
	if len(errs) != 1 || errs[0].Task != "broken" || errs[0].TaskID != 3 {
		t.Fatalf("config errors=%v", errs)
	}
	if s.Len() != 2 {
		t.Fatalf("entries=%d", s.Len())
	}
	if got := st.next[10]; got == nil || !got.Equal(start.Add(time.Minute)) {
		t.Fatalf("cron next=%v", got)
	}
	if got := st.next[20]; got == nil || !got.Equal(start.Add(30*time.Second)) {
		t.Fatalf("interval next=%v", got)
	}
}

func TestTickReportsAllDueInOrderAndAdvances(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s, _ := newTestService(start, Config{Timezone: "UTC", Coalesce: true})
	s.Sync(context.Background(), []storage.TaskSchedule{
		row(1, 10, "b-task", storage.ScheduleInterval, `{"seconds":30}`),
		row(2, 20, "a-task", storage.ScheduleInterval, `{"seconds":30}`),
		row(3, 30, "minute", storage.ScheduleCron, `{"minute":"*"}`),
	})

	fires, _, wait := s.tick(start.Add(30 * time.Second))
	if len(fires) != 2 || fires[0].TaskName != "a-task" || fires[1].TaskName != "b-task" {
		t.Fatalf("fires=%+v", fires)
	}
	if !fires[0].DueAt.Equal(start.Add(30*time.Second)) || fires[0].Source != storage.TriggerSchedule {
		t.Fatalf("fire=%+v", fires[0])
	}
	if wait != 30*time.Second {
		t.Fatalf("wait=%v", wait)
	}

	fires, _, _ = s.tick(start.Add(60 * time.Second))
	if len(fires) != 3 {
		t.Fatalf("simultaneous due entries dropped: %+v", fires)
	}
}

func TestTickCoalesceAndMisfireGrace(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name     string
		coalesce bool
		interval string
		late     time.Duration
		want     int
	}{
		{"coalesced catch-up", true, `{"minutes":1}`, 3*time.Minute + 10*time.Second, 1},
		{"every missed fire within grace", false, `{"minutes":1}`, 3*time.Minute + 10*time.Second, 3},
		{"only fires inside grace survive", false, `{"minutes":1}`, time.Hour, 6},
		{"beyond grace is skipped", true, `{"hours":1}`, time.Hour + 30*time.Minute, 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, _ := newTestService(start, Config{Timezone: "UTC", Coalesce: tc.coalesce, MisfireGrace: 5 * time.Minute})
			s.Sync(context.Background(), []storage.TaskSchedule{row(1, 10, "m", storage.ScheduleInterval, tc.interval)})

			now := start.Add(tc.late)
			fires, updates, _ := s.tick(now)
			if len(fires) != tc.want {
				t.Fatalf("fires=%d want %d", len(fires), tc.want)
			}
			if len(updates) != 1 || !updates[0].next.After(now) {
				t.Fatalf("next not advanced past now: %+v", updates)
			}
		})
	}
}

func TestSyncKeepsUnchangedEntriesAndRetries(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s, _ := newTestService(start, Config{Timezone: "UTC"})
	r := row(1, 10, "i", storage.ScheduleInterval, `{"seconds":30}`)
	s.Sync(context.Background(), []storage.TaskSchedule{r})
	s.ScheduleRetry(1, "i", start.Add(5*time.Minute), 1)

	s.now = func() time.Time { return start.Add(10 * time.Second) }
	s.Sync(context.Background(), []storage.TaskSchedule{r})
	var sched, retry *EntryInfo
	for _, e := range s.Entries() {
		e := e
		if e.Source == storage.TriggerRetry {
			retry = &e
		} else {
			sched = &e
		}
	}
	if sched == nil || !sched.Next.Equal(start.Add(30*time.Second)) {
		t.Fatalf("unchanged schedule was recomputed: %+v", sched)
	}
	if retry == nil || retry.Attempt != 1 {
		t.Fatalf("retry lost on sync: %+v", retry)
	}

	s.Sync(context.Background(), nil)
	if es := s.Entries(); len(es) != 1 || es[0].Source != storage.TriggerRetry {
		t.Fatalf("schedule should be removed, retry kept: %+v", es)
	}
}

func TestSyncFiresLateDateWithinGrace(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		late time.Duration
		want int
	}{
		{"inside grace", 30 * time.Second, 1},
		{"at grace", 300 * time.Second, 1},
		{"beyond grace", 301 * time.Second, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			now := at.Add(tc.late)
			s, st := newTestService(now, Config{Timezone: "UTC", MisfireGrace: 300 * time.Second})
			r := row(4, 40, "once", storage.ScheduleDate, `{"run_date":"2026-05-01T08:00:00Z"}`)
			if errs := s.Sync(context.Background(), []storage.TaskSchedule{r}); len(errs) != 0 {
				t.Fatalf("errs=%v", errs)
			}
			fires, updates, _ := s.tick(now)
			if len(fires) != tc.want {
				t.Fatalf("fires=%+v, want %d", fires, tc.want)
			}
			if tc.want == 0 {
				if got := st.next[40]; got != nil {
					t.Fatalf("expired date kept next=%v", got)
				}
				return
			}
			if !fires[0].DueAt.Equal(at) || fires[0].Source != storage.TriggerSchedule {
				t.Fatalf("fire=%+v", fires[0])
			}
			if len(updates) != 1 || !updates[0].next.IsZero() {
				t.Fatalf("updates=%+v", updates)
			}

			// A reload of the same definition must not fire it again.
			s.Sync(context.Background(), []storage.TaskSchedule{r})
			if fires, _, _ := s.tick(now.Add(time.Second)); len(fires) != 0 || s.Len() != 0 {
				t.Fatalf("date fired twice: %+v", fires)
			}
		})
	}
}

func TestRetryFiresOnceWithAttempt(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s, _ := newTestService(start, Config{Timezone: "UTC"})
	s.ScheduleRetry(7, "flaky", start.Add(300*time.Second), 2)

	if fires, _, _ := s.tick(start.Add(299 * time.Second)); len(fires) != 0 {
		t.Fatalf("retry fired early")
	}
	fires, _, _ := s.tick(start.Add(301 * time.Second))
	if len(fires) != 1 || fires[0].Source != storage.TriggerRetry || fires[0].Attempt != 2 || fires[0].TaskID != 7 {
		t.Fatalf("fires=%+v", fires)
	}
	if s.Len() != 0 {
		t.Fatalf("retry entry not removed after firing")
	}
}

func TestRunDispatchesAndStops(t *testing.T) {
	t.Parallel()

	d := &recordDispatcher{ch: make(chan Fire, 4)}
	s := New(Config{Timezone: "UTC"}, d, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.ScheduleRetry(1, "soon", time.Now().Add(50*time.Millisecond), 1)
	select {
	case f := <-d.ch:
		if f.TaskName != "soon" {
			t.Fatalf("fire=%+v", f)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("retry never dispatched")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run err=%v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}

type panicDispatcher struct{}

func (panicDispatcher) Dispatch(context.Context, Fire) { panic("dispatch exploded") }

func TestRunPanicIsFatal(t *testing.T) {
	t.Parallel()

	s := New(Config{}, panicDispatcher{}, nil, logx.Nop())
	var fatal error
	s.OnFatal(func(err error) { fatal = err })
	s.ScheduleRetry(1, "x", time.Now(), 1)

	err := s.Run(context.Background())
	if err == nil || fatal == nil {
		t.Fatalf("panic should surface: err=%v fatal=%v", err, fatal)
	}
}
