package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"scriptsched/internal/storage"
	"scriptsched/pkg/logx"
)

type fakeSampler struct {
	s   Sample
	err error
}

func (f fakeSampler) Sample(context.Context, string) (Sample, error) { return f.s, f.err }

// switchSampler fails while err is set.
type switchSampler struct {
	mu  sync.Mutex
	s   Sample
	err error
}

func (f *switchSampler) Sample(context.Context, string) (Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.s, f.err
}

func (f *switchSampler) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type hbStore struct {
	mu  sync.Mutex
	got []storage.Heartbeat
}

func (h *hbStore) UpsertHeartbeat(_ context.Context, hb storage.Heartbeat) error {
	h.mu.Lock()
	h.got = append(h.got, hb)
	h.mu.Unlock()
	return nil
}

func (h *hbStore) last() storage.Heartbeat {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.got[len(h.got)-1]
}

func (h *hbStore) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.got)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		s    Sample
		want storage.HealthStatus
	}{
		{"idle", Sample{CPUPercent: 10, MemPercent: 40, DiskPercent: 50}, storage.HealthHealthy},
		{"at threshold", Sample{CPUPercent: 90, MemPercent: 90, DiskPercent: 95}, storage.HealthHealthy},
		{"cpu", Sample{CPUPercent: 91}, storage.HealthWarning},
		{"memory", Sample{MemPercent: 99}, storage.HealthWarning},
		{"disk wins", Sample{CPUPercent: 99, DiskPercent: 96}, storage.HealthCritical},
	}
	for _, tc := range cases {
		if got := Classify(tc.s, Config{}); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
	if got := Classify(Sample{CPUPercent: 60}, Config{CPUWarn: 50}); got != storage.HealthWarning {
		t.Fatalf("custom threshold: %s", got)
	}
}

func TestCheckUpsertsHeartbeat(t *testing.T) {
	t.Parallel()

	st := &hbStore{}
	m := New(Config{ServiceName: "sched", Host: "box"}, st,
		fakeSampler{s: Sample{CPUPercent: 12.34, MemPercent: 95, DiskPercent: 40, DiskFree: 2 << 30}},
		func() (int, int) { return 2, 7 }, logx.Nop())

	hb, err := m.Check(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if hb.Status != storage.HealthWarning || hb.Service != "sched" || hb.Host != "box" {
		t.Fatalf("hb=%+v", hb)
	}
	if hb.Metrics["running_tasks"] != 2 || hb.Metrics["scheduled_entries"] != 7 || hb.Metrics["cpu_percent"] != 12.3 {
		t.Fatalf("metrics=%v", hb.Metrics)
	}
	if hb.Metrics["disk_free"] != "2.1 GB" {
		t.Fatalf("disk_free=%v", hb.Metrics["disk_free"])
	}
	if st.len() != 1 || m.Last().Status != storage.HealthWarning {
		t.Fatalf("heartbeat not stored")
	}
}

func TestSampleFailureSkipsHeartbeat(t *testing.T) {
	t.Parallel()

	st := &hbStore{}
	sampler := &switchSampler{s: Sample{CPUPercent: 5, MemPercent: 20, DiskPercent: 30}}
	m := New(Config{Host: "box"}, st, sampler, nil, logx.Nop())
	if _, err := m.Check(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}

	sampler.fail(errors.New("disk: no such path"))
	hb, err := m.Check(context.Background())
	if err == nil || err.Error() != "disk: no such path" {
		t.Fatalf("err=%v", err)
	}
	if hb.Status != "" {
		t.Fatalf("heartbeat built from a failed sample: %+v", hb)
	}
	if st.len() != 1 || st.last().Status != storage.HealthHealthy || m.Last().Status != storage.HealthHealthy {
		t.Fatalf("failed sample overwrote the heartbeat: stored=%d last=%+v", st.len(), st.last())
	}
}

func TestApplyIntervalResetsRun(t *testing.T) {
	t.Parallel()

	st := &hbStore{}
	m := New(Config{Host: "box", Interval: time.Hour}, st, fakeSampler{}, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	m.Apply(Config{Host: "box", Interval: 10 * time.Millisecond})
	deadline := time.Now().Add(5 * time.Second)
	for st.len() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("interval change ignored: %d checks", st.len())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunAndOffline(t *testing.T) {
	t.Parallel()

	st := &hbStore{}
	m := New(Config{Host: "box", Interval: 10 * time.Millisecond}, st, fakeSampler{}, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for st.len() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d checks", st.len())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	m.Offline(context.Background())
	if hb := st.last(); hb.Status != storage.HealthOffline || hb.Service != DefaultServiceName {
		t.Fatalf("offline hb=%+v", hb)
	}
}

func TestSystemdDisabledIsNoop(t *testing.T) {
	t.Parallel()

	s := Systemd{}
	s.Ready()
	s.Stopping()
	if err := s.Watchdog(context.Background()); err != nil {
		t.Fatalf("watchdog: %v", err)
	}
}

type fakeProber struct {
	states []UnitState
	err    error
	asked  []string
}

func (f *fakeProber) Probe(_ context.Context, units []string) ([]UnitState, error) {
	f.asked = units
	return f.states, f.err
}

func (f *fakeProber) Close() error { return nil }

func TestUnitsDegradeHeartbeat(t *testing.T) {
	t.Parallel()

	p := &fakeProber{states: []UnitState{
		{Name: "postgresql.service", Active: "active", Sub: "running", Load: "loaded"},
		{Name: "nfs-mount.service", Active: "failed", Sub: "failed", Load: "loaded"},
		{Name: "gone.service", Active: "unknown", Sub: "not-found", Load: "not-found"},
	}}
	m := New(Config{Host: "box", Units: []string{"postgresql", "nfs-mount", "gone"}}, &hbStore{}, fakeSampler{}, nil, logx.Nop())
	m.SetUnitProber(p)

	hb, err := m.Check(context.Background())
	if err != nil || hb.Status != storage.HealthWarning {
		t.Fatalf("status=%s err=%v", hb.Status, err)
	}
	units, _ := hb.Metrics["units"].(map[string]string)
	if units["postgresql.service"] != "active/running" || units["nfs-mount.service"] != "failed/failed" || units["gone.service"] != "not-found" {
		t.Fatalf("units=%v", units)
	}
	if len(p.asked) != 3 {
		t.Fatalf("asked=%v", p.asked)
	}

	p.err = errors.New("bus down")
	if hb, _ := m.Check(context.Background()); hb.Metrics["units_error"] != "bus down" || hb.Status != storage.HealthHealthy {
		t.Fatalf("hb=%+v", hb)
	}
}

func TestUnitName(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{"nginx": "nginx.service", "backup.timer": "backup.timer", " x ": "x.service", "": ""} {
		if got := unitName(in); got != want {
			t.Fatalf("%q: got %q want %q", in, got, want)
		}
	}
}
