package runner

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Handle describes a live attempt. Snapshots hand out copies only.
type Handle struct {
	RunID     string    `json:"run_id"`
	TaskID    int64     `json:"task_id"`
	TaskName  string    `json:"task_name"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// process is the control surface the tracker needs over a child.
type process interface {
	Terminate() error
	Kill() error
	Done() <-chan struct{}
}

type tracked struct {
	h    Handle
	proc process
}

// Tracker maps run ids to live child processes.
type Tracker struct {
	mu    sync.Mutex
	procs map[string]tracked
}

func NewTracker() *Tracker {
	return &Tracker{procs: map[string]tracked{}}
}

func (t *Tracker) register(h Handle, p process) {
	t.mu.Lock()
	t.procs[h.RunID] = tracked{h: h, proc: p}
	t.mu.Unlock()
}

func (t *Tracker) unregister(runID string) {
	t.mu.Lock()
	delete(t.procs, runID)
	t.mu.Unlock()
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}

// Snapshot lists live attempts, oldest first.
func (t *Tracker) Snapshot() []Handle {
	t.mu.Lock()
	out := make([]Handle, 0, len(t.procs))
	for _, p := range t.procs {
		out = append(out, p.h)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// TerminateAll asks every live process to stop, waits up to grace and then
// kills whatever is left. It returns the number of processes signalled.
// Only the shutdown path calls it.
func (t *Tracker) TerminateAll(ctx context.Context, grace time.Duration) int {
	t.mu.Lock()
	live := make([]tracked, 0, len(t.procs))
	for _, p := range t.procs {
		live = append(live, p)
	}
	t.mu.Unlock()
	if len(live) == 0 {
		return 0
	}

	for _, p := range live {
		_ = p.proc.Terminate()
	}
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
wait:
	for _, p := range live {
		select {
		case <-p.proc.Done():
		case <-deadline.C:
			break wait
		case <-ctx.Done():
			break wait
		}
	}
	for _, p := range live {
		select {
		case <-p.proc.Done():
		default:
			_ = p.proc.Kill()
		}
	}
	return len(live)
}
