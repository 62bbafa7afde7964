// Package health samples the host and the engine on a fixed interval and
// keeps the service heartbeat current.
package health

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"scriptsched/internal/storage"
	"scriptsched/pkg/logx"
)

type Config struct {
	ServiceName string
	Host        string
	Interval    time.Duration
	DiskPath    string

	CPUWarn      float64
	MemWarn      float64
	DiskCritical float64

	// Units are systemd units the scripts rely on. A unit that is not
	// active degrades the heartbeat to warning.
	Units []string
}

const (
	DefaultServiceName  = "scriptsched"
	DefaultInterval     = 30 * time.Second
	DefaultCPUWarn      = 90
	DefaultMemWarn      = 90
	DefaultDiskCritical = 95
)

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = DefaultServiceName
	}
	if strings.TrimSpace(c.Host) == "" {
		if h, err := os.Hostname(); err == nil {
			c.Host = h
		} else {
			c.Host = "localhost"
		}
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.DiskPath == "" {
		c.DiskPath = "/"
	}
	if c.CPUWarn <= 0 {
		c.CPUWarn = DefaultCPUWarn
	}
	if c.MemWarn <= 0 {
		c.MemWarn = DefaultMemWarn
	}
	if c.DiskCritical <= 0 {
		c.DiskCritical = DefaultDiskCritical
	}
	return c
}

type Store interface {
	UpsertHeartbeat(ctx context.Context, h storage.Heartbeat) error
}

// EngineStats reports live attempts and scheduled entries.
type EngineStats func() (running, entries int)

type Monitor struct {
	mu      sync.Mutex
	cfg     Config
	store   Store
	sampler Sampler
	stats   EngineStats
	units   UnitProber
	log     logx.Logger
	started time.Time
	last    storage.Heartbeat
	now     func() time.Time
	// reset wakes Run when Apply changes the interval.
	reset chan struct{}
}

func New(cfg Config, store Store, sampler Sampler, stats EngineStats, log logx.Logger) *Monitor {
	if sampler == nil {
		sampler = HostSampler{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{cfg: cfg.withDefaults(), store: store, sampler: sampler, stats: stats, log: log, started: time.Now(), now: time.Now, reset: make(chan struct{}, 1)}
}

func (m *Monitor) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	m.mu.Lock()
	changed := m.cfg.Interval != cfg.Interval
	m.cfg = cfg
	m.mu.Unlock()
	if changed {
		select {
		case m.reset <- struct{}{}:
		default:
		}
	}
}

// SetUnitProber enables unit probing for Config.Units.
func (m *Monitor) SetUnitProber(p UnitProber) {
	m.mu.Lock()
	m.units = p
	m.mu.Unlock()
}

func (m *Monitor) config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Classify maps a sample to a status. Disk pressure is critical; CPU or
// memory pressure is a warning.
func Classify(s Sample, cfg Config) storage.HealthStatus {
	cfg = cfg.withDefaults()
	switch {
	case s.DiskPercent > cfg.DiskCritical:
		return storage.HealthCritical
	case s.CPUPercent > cfg.CPUWarn, s.MemPercent > cfg.MemWarn:
		return storage.HealthWarning
	}
	return storage.HealthHealthy
}

// Check takes one sample and upserts the heartbeat. A failed sample is
// logged and returned; the heartbeat is left untouched for that cycle.
func (m *Monitor) Check(ctx context.Context) (storage.Heartbeat, error) {
	cfg := m.config()
	s, err := m.sampler.Sample(ctx, cfg.DiskPath)
	if err != nil {
		m.log.Warn("health sample failed; heartbeat skipped", logx.String("disk_path", cfg.DiskPath), logx.Err(err))
		return storage.Heartbeat{}, err
	}

	hb := storage.Heartbeat{Service: cfg.ServiceName, Host: cfg.Host, LastSeen: m.now(), Status: Classify(s, cfg)}
	metrics := map[string]any{
		"uptime_seconds": int64(m.now().Sub(m.started).Seconds()),
		"cpu_percent":    round1(s.CPUPercent),
		"memory_percent": round1(s.MemPercent),
		"disk_percent":   round1(s.DiskPercent),
		"disk_free":      humanize.Bytes(s.DiskFree),
		"memory_used":    humanize.Bytes(s.MemUsed),
		"load1":          round1(s.Load1),
	}
	m.probeUnits(ctx, cfg, &hb, metrics)
	if m.stats != nil {
		running, entries := m.stats()
		metrics["running_tasks"] = running
		metrics["scheduled_entries"] = entries
	}
	hb.Metrics = metrics

	if hb.Status != storage.HealthHealthy {
		m.log.Warn("host health degraded", logx.String("status", string(hb.Status)), logx.Any("metrics", metrics))
	} else {
		m.log.Debug("health check", logx.Any("metrics", metrics))
	}
	m.upsert(ctx, hb)

	m.mu.Lock()
	m.last = hb
	m.mu.Unlock()
	return hb, nil
}

func (m *Monitor) probeUnits(ctx context.Context, cfg Config, hb *storage.Heartbeat, metrics map[string]any) {
	m.mu.Lock()
	p := m.units
	m.mu.Unlock()
	if p == nil || len(cfg.Units) == 0 {
		return
	}
	states, err := p.Probe(ctx, cfg.Units)
	if err != nil {
		m.log.Warn("unit probe failed", logx.Err(err))
		metrics["units_error"] = err.Error()
		return
	}
	units := make(map[string]string, len(states))
	for _, u := range states {
		units[u.Name] = u.String()
		if !u.Up() && hb.Status == storage.HealthHealthy {
			hb.Status = storage.HealthWarning
		}
	}
	metrics["units"] = units
}

// Last returns the most recent heartbeat written by Check.
func (m *Monitor) Last() storage.Heartbeat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Run checks once immediately and then every interval until ctx ends. An
// interval changed through Apply takes effect without a restart.
func (m *Monitor) Run(ctx context.Context) error {
	_, _ = m.Check(ctx)
	interval := m.config().Interval
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.reset:
			if next := m.config().Interval; next != interval {
				m.log.Info("health interval changed", logx.Duration("from", interval), logx.Duration("to", next))
				interval = next
				t.Reset(interval)
			}
		case <-t.C:
			_, _ = m.Check(ctx)
		}
	}
}

// Offline records that the service stopped.
func (m *Monitor) Offline(ctx context.Context) {
	cfg := m.config()
	m.mu.Lock()
	metrics := m.last.Metrics
	m.mu.Unlock()
	m.upsert(ctx, storage.Heartbeat{Service: cfg.ServiceName, Host: cfg.Host, Status: storage.HealthOffline, LastSeen: m.now(), Metrics: metrics})
}

func (m *Monitor) upsert(ctx context.Context, hb storage.Heartbeat) {
	if m.store == nil {
		return
	}
	if err := m.store.UpsertHeartbeat(ctx, hb); err != nil {
		m.log.Warn("heartbeat not recorded", logx.String("status", string(hb.Status)), logx.Err(err))
	}
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
