package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"scriptsched/internal/storage"
)

// ConfigError marks a schedule definition that cannot be turned into a
// trigger. The task is left out of scheduling until it is fixed and reloaded.
type ConfigError struct {
	TaskID int64
	Task   string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("schedule for task %q: %v", e.Task, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// CronFields is the "cron" schedule config. Empty fields are unset: fields
// more significant than the least significant explicit one become "*", the
// rest take their minimum (so {"minute":"*/5"} fires at second 0).
// DayOfWeek follows cron numbering, 0 = Sunday.
type CronFields struct {
	Second    string `json:"second,omitempty"`
	Minute    string `json:"minute,omitempty"`
	Hour      string `json:"hour,omitempty"`
	Day       string `json:"day,omitempty"`
	Month     string `json:"month,omitempty"`
	DayOfWeek string `json:"day_of_week,omitempty"`
}

type IntervalFields struct {
	Weeks   int `json:"weeks,omitempty"`
	Days    int `json:"days,omitempty"`
	Hours   int `json:"hours,omitempty"`
	Minutes int `json:"minutes,omitempty"`
	Seconds int `json:"seconds,omitempty"`
}

func (f IntervalFields) Duration() time.Duration {
	return time.Duration(f.Weeks)*7*24*time.Hour +
		time.Duration(f.Days)*24*time.Hour +
		time.Duration(f.Hours)*time.Hour +
		time.Duration(f.Minutes)*time.Minute +
		time.Duration(f.Seconds)*time.Second
}

type DateFields struct {
	RunDate string `json:"run_date"`
}

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// dateLayouts are tried after RFC 3339 and read in the scheduler location.
var dateLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Build turns a stored schedule into a cron.Schedule evaluated in loc.
// A zero time from Next means the schedule will not fire again.
func Build(sc storage.Schedule, loc *time.Location) (cron.Schedule, error) {
	if loc == nil {
		loc = time.Local
	}
	switch sc.Type {
	case storage.ScheduleCron:
		var f CronFields
		if err := decodeStrict(sc.Config, &f); err != nil {
			return nil, err
		}
		return buildCron(f, loc)

	case storage.ScheduleInterval:
		var f IntervalFields
		if err := decodeStrict(sc.Config, &f); err != nil {
			return nil, err
		}
		if f.Weeks < 0 || f.Days < 0 || f.Hours < 0 || f.Minutes < 0 || f.Seconds < 0 {
			return nil, errors.New("interval fields must be >= 0")
		}
		d := f.Duration()
		if d < time.Second {
			return nil, errors.New("interval must be at least one second")
		}
		return cron.Every(d), nil

	case storage.ScheduleDate:
		var f DateFields
		if err := decodeStrict(sc.Config, &f); err != nil {
			return nil, err
		}
		at, err := parseRunDate(f.RunDate, loc)
		if err != nil {
			return nil, err
		}
		return onceSchedule{at: at}, nil

	default:
		return nil, fmt.Errorf("unknown schedule type %q", sc.Type)
	}
}

func decodeStrict(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// CronExpr renders f as a six-field expression (seconds first).
func CronExpr(f CronFields) (string, error) {
	fields := []struct{ val, min string }{
		{f.Month, "1"},
		{f.Day, "1"},
		{f.DayOfWeek, "*"},
		{f.Hour, "0"},
		{f.Minute, "0"},
		{f.Second, "0"},
	}
	last := -1
	for i, fd := range fields {
		if strings.TrimSpace(fd.val) != "" {
			last = i
		}
	}
	if last < 0 {
		return "", errors.New("cron schedule needs at least one field")
	}
	out := make([]string, len(fields))
	for i, fd := range fields {
		v := strings.TrimSpace(fd.val)
		switch {
		case v != "":
			if strings.ContainsAny(v, " \t") {
				return "", fmt.Errorf("cron field %q must not contain spaces", v)
			}
			out[i] = v
		case i > last:
			out[i] = fd.min
		default:
			out[i] = "*"
		}
	}
	// second minute hour dom month dow
	return strings.Join([]string{out[5], out[4], out[3], out[1], out[0], out[2]}, " "), nil
}

func buildCron(f CronFields, loc *time.Location) (cron.Schedule, error) {
	expr, err := CronExpr(f)
	if err != nil {
		return nil, err
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cron %q: %w", expr, err)
	}
	if spec, ok := sched.(*cron.SpecSchedule); ok {
		spec.Location = loc
	}
	return sched, nil
}

func parseRunDate(raw string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, errors.New("run_date is required")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("run_date %q is not an ISO-8601 timestamp", raw)
}

// onceSchedule fires a single time.
type onceSchedule struct{ at time.Time }

func (o onceSchedule) Next(t time.Time) time.Time {
	if o.at.After(t) {
		return o.at
	}
	return time.Time{}
}

// PreviewNext lists up to n upcoming fire times after from.
func PreviewNext(sched cron.Schedule, from time.Time, n int) []time.Time {
	var out []time.Time
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}
