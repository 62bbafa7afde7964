package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"scriptsched/internal/storage"
	"scriptsched/pkg/logx"
)

// maxSleep bounds how long the loop sleeps so wall-clock jumps are noticed.
const maxSleep = time.Minute

// maxCatchUp bounds how many missed fires of one entry are walked per tick.
const maxCatchUp = 10000

type Service struct {
	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	entries map[string]*entry
	seq     uint64
	// fired maps exhausted one-shot schedule keys to the definition that fired.
	fired map[string]string

	log        logx.Logger
	dispatcher Dispatcher
	store      NextRunStore
	now        func() time.Time
	wake       chan struct{}
	onFatal    func(error)
}

func New(cfg Config, d Dispatcher, store NextRunStore, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		entries:    map[string]*entry{},
		fired:      map[string]string{},
		log:        log,
		dispatcher: d,
		store:      store,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
	}
	s.Apply(cfg)
	return s
}

// SetDispatcher wires the consumer of due fires. Call before Run.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	s.dispatcher = d
	s.mu.Unlock()
}

// OnFatal registers a hook invoked once the loop dies from a panic.
func (s *Service) OnFatal(fn func(error)) {
	s.mu.Lock()
	s.onFatal = fn
	s.mu.Unlock()
}

// Apply updates timezone and misfire policy. Existing cron entries keep their
// old location until the next Sync.
func (s *Service) Apply(cfg Config) {
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = DefaultMisfireGrace
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}
	s.mu.Lock()
	s.cfg = cfg
	s.loc = loc
	s.mu.Unlock()
}

func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func scheduleKey(scheduleID int64) string { return "schedule:" + strconv.FormatInt(scheduleID, 10) }

// Sync replaces the schedule entries with rows. Entries whose definition did
// not change keep their pending fire time; pending retries are untouched.
// Rows that cannot be built are skipped and returned as ConfigErrors.
func (s *Service) Sync(ctx context.Context, rows []storage.TaskSchedule) []*ConfigError {
	var (
		errs    []*ConfigError
		updates []nextUpdate
	)

	s.mu.Lock()
	now := s.now()
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		key := scheduleKey(row.Schedule.ID)
		sig := string(row.Schedule.Type) + "|" + string(row.Schedule.Config) + "|" + s.loc.String()
		seen[key] = struct{}{}

		if cur, ok := s.entries[key]; ok && cur.config == sig {
			cur.taskName = row.Task.Name
			continue
		}
		sched, err := Build(row.Schedule, s.loc)
		if err != nil {
			delete(s.entries, key)
			errs = append(errs, &ConfigError{TaskID: row.Task.ID, Task: row.Task.Name, Err: err})
			continue
		}
		next := sched.Next(now)
		if next.IsZero() {
			next = s.lateOnce(key, sig, sched, now)
		}
		if next.IsZero() {
			delete(s.entries, key)
			s.log.Info("schedule has no future fire; not scheduled", logx.String("task", row.Task.Name), logx.String("type", string(row.Schedule.Type)))
			updates = append(updates, nextUpdate{scheduleID: row.Schedule.ID})
			continue
		}
		s.entries[key] = &entry{
			key:        key,
			taskID:     row.Task.ID,
			taskName:   row.Task.Name,
			scheduleID: row.Schedule.ID,
			sched:      sched,
			schedType:  row.Schedule.Type,
			config:     sig,
			next:       next,
			source:     storage.TriggerSchedule,
		}
		updates = append(updates, nextUpdate{scheduleID: row.Schedule.ID, next: next})
		s.log.Debug("task scheduled", logx.String("task", row.Task.Name), logx.Time("next", next.In(s.loc)))
	}
	for key, e := range s.entries {
		if e.source != storage.TriggerSchedule {
			continue
		}
		if _, ok := seen[key]; !ok {
			delete(s.entries, key)
			s.log.Debug("task unscheduled", logx.String("task", e.taskName))
		}
	}
	for key := range s.fired {
		if _, ok := seen[key]; !ok {
			delete(s.fired, key)
		}
	}
	s.mu.Unlock()

	s.persist(ctx, updates)
	s.poke()
	return errs
}

// lateOnce returns the fire time of a date schedule that is already past
// but still inside the misfire grace, unless that definition has fired.
// Caller holds s.mu.
func (s *Service) lateOnce(key, sig string, sched cron.Schedule, now time.Time) time.Time {
	o, ok := sched.(onceSchedule)
	if !ok || o.at.After(now) || now.Sub(o.at) > s.cfg.MisfireGrace {
		return time.Time{}
	}
	if s.fired[key] == sig {
		return time.Time{}
	}
	return o.at
}

// ScheduleRetry adds a one-shot retry fire for task at the given time.
func (s *Service) ScheduleRetry(taskID int64, taskName string, at time.Time, attempt int) {
	s.mu.Lock()
	s.seq++
	key := fmt.Sprintf("retry:%d:%d:%d", taskID, attempt, s.seq)
	s.entries[key] = &entry{
		key:      key,
		taskID:   taskID,
		taskName: taskName,
		sched:    onceSchedule{at: at},
		next:     at,
		source:   storage.TriggerRetry,
		attempt:  attempt,
	}
	s.mu.Unlock()
	s.log.Info("retry scheduled", logx.String("task", taskName), logx.Int("attempt", attempt), logx.Time("at", at))
	s.poke()
}

// Len counts scheduled entries, pending retries included.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Service) Entries() []EntryInfo {
	s.mu.Lock()
	out := make([]EntryInfo, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, EntryInfo{
			Key:      e.key,
			TaskID:   e.taskID,
			TaskName: e.taskName,
			Type:     e.schedType,
			Source:   e.source,
			Attempt:  e.attempt,
			Next:     e.next.In(s.loc),
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Next.Equal(out[j].Next) {
			return out[i].Next.Before(out[j].Next)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

type nextUpdate struct {
	scheduleID int64
	next       time.Time
}

func (s *Service) persist(ctx context.Context, updates []nextUpdate) {
	if s.store == nil {
		return
	}
	for _, u := range updates {
		var next *time.Time
		if !u.next.IsZero() {
			n := u.next
			next = &n
		}
		if err := s.store.SetNextRunTime(ctx, u.scheduleID, next); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("persist next run time failed", logx.Int64("schedule_id", u.scheduleID), logx.Err(err))
		}
	}
}

// tick advances every entry that is due at now and returns the fires to
// dispatch in due-time order, plus the delay until the next due entry.
func (s *Service) tick(now time.Time) ([]Fire, []nextUpdate, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		fires   []Fire
		updates []nextUpdate
	)
	grace := s.cfg.MisfireGrace
	for key, e := range s.entries {
		if e.next.After(now) {
			continue
		}
		var missed []time.Time
		t := e.next
		for i := 0; !t.IsZero() && !t.After(now); i++ {
			if i >= maxCatchUp {
				t = e.sched.Next(now)
				break
			}
			missed = append(missed, t)
			t = e.sched.Next(t)
		}

		due := missed[:0:0]
		skipped := 0
		for _, m := range missed {
			if now.Sub(m) <= grace {
				due = append(due, m)
			} else {
				skipped++
			}
		}
		if skipped > 0 {
			s.log.Warn("fire missed beyond misfire grace; skipped",
				logx.String("task", e.taskName),
				logx.Int("missed", skipped),
				logx.Duration("grace", grace),
			)
		}
		if s.cfg.Coalesce && len(due) > 1 {
			due = due[len(due)-1:]
		}
		for _, d := range due {
			fires = append(fires, Fire{
				TaskID:     e.taskID,
				TaskName:   e.taskName,
				ScheduleID: e.scheduleID,
				DueAt:      d,
				Source:     e.source,
				Attempt:    e.attempt,
			})
		}

		e.next = t
		if t.IsZero() {
			delete(s.entries, key)
			if e.source == storage.TriggerSchedule {
				s.fired[key] = e.config
			}
		}
		if e.scheduleID != 0 {
			updates = append(updates, nextUpdate{scheduleID: e.scheduleID, next: t})
		}
	}

	sort.SliceStable(fires, func(i, j int) bool {
		if !fires[i].DueAt.Equal(fires[j].DueAt) {
			return fires[i].DueAt.Before(fires[j].DueAt)
		}
		return fires[i].TaskName < fires[j].TaskName
	})

	wait := maxSleep
	for _, e := range s.entries {
		if d := e.next.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return fires, updates, wait
}

// Run is the trigger loop. It returns nil on cancellation. A panic inside
// the loop is fatal: it is logged, reported through OnFatal and returned.
func (s *Service) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("trigger loop panic: %v", r)
			s.log.Critical("trigger loop crashed", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			s.mu.Lock()
			fn := s.onFatal
			s.mu.Unlock()
			if fn != nil {
				fn(err)
			}
		}
	}()

	s.mu.Lock()
	d := s.dispatcher
	s.mu.Unlock()
	if d == nil {
		return errors.New("scheduler: no dispatcher")
	}
	s.log.Info("trigger loop started", logx.Int("entries", s.Len()))

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("trigger loop stopped")
			return nil
		case <-timer.C:
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		fires, updates, wait := s.tick(s.now())
		for _, f := range fires {
			if ctx.Err() != nil {
				return nil
			}
			d.Dispatch(ctx, f)
		}
		s.persist(ctx, updates)
		timer.Reset(wait)
	}
}
