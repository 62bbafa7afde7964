package scheduler

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"scriptsched/internal/storage"
)

func sched(typ storage.ScheduleType, cfg string) storage.Schedule {
	return storage.Schedule{ID: 1, TaskID: 1, Type: typ, Config: json.RawMessage(cfg)}
}

func TestCronExprDefaults(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   CronFields
		want string
	}{
		{CronFields{Minute: "*/1", Hour: "*", Day: "*", Month: "*", DayOfWeek: "*"}, "0 */1 * * * *"},
		{CronFields{Minute: "*/5"}, "0 */5 * * * *"},
		{CronFields{Hour: "3"}, "0 0 3 * * *"},
		{CronFields{DayOfWeek: "mon-fri", Hour: "9", Minute: "30"}, "0 30 9 * * mon-fri"},
		{CronFields{Month: "6"}, "0 0 0 1 6 *"},
		{CronFields{Second: "15"}, "15 * * * * *"},
	}
	for _, tc := range cases {
		got, err := CronExpr(tc.in)
		if err != nil {
			t.Fatalf("%+v: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%+v: got %q want %q", tc.in, got, tc.want)
		}
	}
	if _, err := CronExpr(CronFields{}); err == nil {
		t.Fatalf("empty cron should fail")
	}
}

func TestCronEveryMinuteFromNoon(t *testing.T) {
	t.Parallel()

	s, err := Build(sched(storage.ScheduleCron, `{"minute":"*/1","hour":"*","day":"*","month":"*","day_of_week":"*"}`), time.UTC)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	created := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	want := time.Date(2026, 3, 10, 12, 1, 0, 0, time.UTC)
	if got := s.Next(created); !got.Equal(want) {
		t.Fatalf("next=%v want %v", got, want)
	}
}

func TestCronUsesLocation(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC-6", -6*3600)
	s, err := Build(sched(storage.ScheduleCron, `{"hour":"2"}`), loc)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	from := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	got := s.Next(from)
	if got.In(loc).Hour() != 2 || !got.Equal(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("next=%v", got)
	}
}

func TestIntervalThirtySeconds(t *testing.T) {
	t.Parallel()

	s, err := Build(sched(storage.ScheduleInterval, `{"seconds":30}`), time.UTC)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	fired := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	if got := s.Next(fired); !got.Equal(fired.Add(30 * time.Second)) {
		t.Fatalf("next=%v", got)
	}

	long, err := Build(sched(storage.ScheduleInterval, `{"weeks":1,"days":1,"hours":1,"minutes":1,"seconds":1}`), time.UTC)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := long.Next(fired).Sub(fired); got != 8*24*time.Hour+time.Hour+time.Minute+time.Second {
		t.Fatalf("long interval=%v", got)
	}
}

func TestDateFiresOnce(t *testing.T) {
	t.Parallel()

	s, err := Build(sched(storage.ScheduleDate, `{"run_date":"2026-05-01T08:00:00Z"}`), time.UTC)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	if got := s.Next(at.Add(-time.Hour)); !got.Equal(at) {
		t.Fatalf("next=%v", got)
	}
	if got := s.Next(at); !got.IsZero() {
		t.Fatalf("date schedule fired twice: %v", got)
	}

	loc := time.FixedZone("X", 3600)
	local, err := Build(sched(storage.ScheduleDate, `{"run_date":"2026-05-01 08:00:00"}`), loc)
	if err != nil {
		t.Fatalf("build local: %v", err)
	}
	if got := local.Next(time.Time{}); !got.Equal(time.Date(2026, 5, 1, 7, 0, 0, 0, time.UTC)) {
		t.Fatalf("local date=%v", got)
	}
}

func TestBuildRejectsBadConfig(t *testing.T) {
	t.Parallel()

	bad := []storage.Schedule{
		sched(storage.ScheduleCron, `{"minute":"61"}`),
		sched(storage.ScheduleCron, `{"minutes":"5"}`),
		sched(storage.ScheduleInterval, `{}`),
		sched(storage.ScheduleInterval, `{"seconds":-5}`),
		sched(storage.ScheduleDate, `{"run_date":"tomorrow"}`),
		sched("weekly", `{}`),
	}
	for _, sc := range bad {
		if _, err := Build(sc, time.UTC); err == nil {
			t.Fatalf("%s %s: expected error", sc.Type, sc.Config)
		}
	}
}

func TestConfigErrorUnwraps(t *testing.T) {
	t.Parallel()

	base := errors.New("bad field")
	err := error(&ConfigError{TaskID: 3, Task: "x", Err: base})
	var ce *ConfigError
	if !errors.As(err, &ce) || !errors.Is(err, base) {
		t.Fatalf("ConfigError should unwrap")
	}
}
