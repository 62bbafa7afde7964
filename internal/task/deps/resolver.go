// Package deps decides whether a task's prerequisites have run recently
// enough for the task to start.
package deps

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"scriptsched/internal/storage"
	"scriptsched/pkg/logx"
)

// Store is the slice of storage the resolver reads.
type Store interface {
	GetDependencies(ctx context.Context, taskID int64) ([]storage.Dependency, error)
	HasRunSince(ctx context.Context, taskID int64, since time.Time, statuses []storage.RunStatus) (bool, error)
}

type Policy string

const (
	// CalendarDay looks back to local midnight of the evaluation time.
	CalendarDay Policy = "calendar_day"
	// Rolling looks back a fixed duration.
	Rolling Policy = "rolling"
)

type Config struct {
	Policy  Policy
	Rolling time.Duration
	// Attempts bounds store reads per evaluation; Backoff separates them.
	Attempts int
	Backoff  time.Duration
}

const (
	DefaultAttempts = 3
	DefaultBackoff  = 100 * time.Millisecond
)

// Unsatisfied lists the edges that did not match. It is returned alongside
// false so callers can explain a skip.
type Unsatisfied struct {
	DependsOn string
	Condition storage.DepCondition
}

func (u Unsatisfied) String() string {
	return fmt.Sprintf("%s (%s)", u.DependsOn, u.Condition)
}

type Resolver struct {
	mu    sync.RWMutex
	cfg   Config
	store Store
	loc   func() *time.Location
	now   func() time.Time
	log   logx.Logger
}

// New builds a resolver. loc supplies the scheduler timezone used for the
// calendar day window; nil means the host zone.
func New(cfg Config, store Store, loc func() *time.Location, log logx.Logger) *Resolver {
	if loc == nil {
		loc = func() *time.Location { return time.Local }
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Resolver{store: store, loc: loc, now: time.Now, log: log}
	r.Apply(cfg)
	return r
}

func (r *Resolver) Apply(cfg Config) {
	cfg.Policy = Policy(strings.ToLower(strings.TrimSpace(string(cfg.Policy))))
	if cfg.Policy != Rolling || cfg.Rolling <= 0 {
		cfg.Policy = CalendarDay
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Resolver) config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// WindowStart returns the earliest started_at that counts at now.
func (r *Resolver) WindowStart(now time.Time) time.Time {
	cfg := r.config()
	if cfg.Policy == Rolling {
		return now.Add(-cfg.Rolling)
	}
	local := now.In(r.loc())
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, local.Location())
}

// IsSatisfied reports whether every dependency edge of taskID has a
// matching run inside the window. A task without edges is satisfied.
func (r *Resolver) IsSatisfied(ctx context.Context, taskID int64) (bool, error) {
	ok, _, err := r.Check(ctx, taskID)
	return ok, err
}

// Check is IsSatisfied plus the list of edges that failed to match.
func (r *Resolver) Check(ctx context.Context, taskID int64) (bool, []Unsatisfied, error) {
	cfg := r.config()

	var edges []storage.Dependency
	err := r.retry(ctx, cfg, func() error {
		var err error
		edges, err = r.store.GetDependencies(ctx, taskID)
		return err
	})
	if err != nil {
		return false, nil, fmt.Errorf("load dependencies of task %d: %w", taskID, err)
	}
	if len(edges) == 0 {
		return true, nil, nil
	}

	since := r.WindowStart(r.now())
	var missing []Unsatisfied
	for _, e := range edges {
		var found bool
		err := r.retry(ctx, cfg, func() error {
			var err error
			found, err = r.store.HasRunSince(ctx, e.DependsOnID, since, e.Condition.Statuses())
			return err
		})
		if err != nil {
			return false, nil, fmt.Errorf("check dependency %d of task %d: %w", e.DependsOnID, taskID, err)
		}
		if !found {
			name := e.DependsOnName
			if name == "" {
				name = fmt.Sprintf("task %d", e.DependsOnID)
			}
			missing = append(missing, Unsatisfied{DependsOn: name, Condition: e.Condition})
		}
	}
	return len(missing) == 0, missing, nil
}

func (r *Resolver) retry(ctx context.Context, cfg Config, fn func() error) error {
	var err error
	for i := 0; i < cfg.Attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if i == cfg.Attempts-1 {
			break
		}
		r.log.Warn("dependency lookup failed; retrying", logx.Int("attempt", i+1), logx.Err(err))
		t := time.NewTimer(cfg.Backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}
