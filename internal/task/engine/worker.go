package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"scriptsched/internal/alert"
	"scriptsched/internal/storage"
	"scriptsched/internal/task/runner"
	"scriptsched/pkg/logx"
)

func (s *Service) worker(ctx context.Context, q <-chan job) {
	for {
		// A cancelled context wins over queued work.
		select {
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case j := <-q:
			s.execute(ctx, j)
		}
	}
}

func (s *Service) execute(ctx context.Context, j job) {
	defer s.slots.release(j.task.ID)

	fctx, cancel := finalizeCtx(ctx)
	defer cancel()
	if ctx.Err() != nil {
		s.finish(fctx, &j.run, storage.RunSkipped, "engine stopped before start")
		return
	}

	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	start := s.now()
	queueDelay := start.Sub(j.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	log := s.log.With(logx.String("task", j.task.Name), logx.String("run_id", j.run.ID))

	defer func() {
		if p := recover(); p != nil {
			log.Error("task.panic", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			s.finish(fctx, &j.run, storage.RunFailed, fmt.Sprintf("panic: %v", p))
			s.emit(fctx, alert.For(storage.SeverityError, alert.TypeTaskError, j.task.ID, j.run.ID,
				fmt.Sprintf("Error executing task %s: %v", j.task.Name, p)))
		}
	}()

	log.Debug("task.started", logx.Duration("queue_delay", queueDelay), logx.Int("attempt", j.run.RetryAttempt))
	out := s.exec.Run(ctx, j.task, j.run)
	s.finalize(fctx, &j, out, queueDelay, log)
	s.handoff(fctx, j, out)
}

// finalize writes the terminal status of an executed attempt.
func (s *Service) finalize(ctx context.Context, j *job, out runner.Outcome, queueDelay time.Duration, log logx.Logger) {
	status := out.Status()
	msg := ""
	switch {
	case out.Kind == runner.KindSuccess:
	case out.Kind == runner.KindFailed && !out.Interrupted && out.ExitCode >= 0:
		msg = fmt.Sprintf("Task %s failed with exit code %d", j.task.Name, out.ExitCode)
	default:
		msg = out.Detail
	}
	var code *int
	if out.HasExitCode() {
		c := out.ExitCode
		code = &c
	}
	finished := out.Finished
	if finished.IsZero() {
		finished = s.now()
	}

	err := s.store.UpdateRunStatus(ctx, j.run.ID, storage.RunUpdate{
		Status:       status,
		At:           finished,
		Duration:     out.Duration(),
		ExitCode:     code,
		ErrorMessage: msg,
		LogPath:      out.LogPath,
	})
	if err != nil && !errors.Is(err, storage.ErrRunTerminal) {
		log.Error("run status not recorded", logx.String("status", string(status)), logx.Err(err))
	}

	j.run.Status = status
	j.run.ErrorMessage = msg
	j.run.LogPath = out.LogPath
	j.run.ExitCode = code
	j.run.CompletedAt = &finished
	j.run.Duration = out.Duration()
	s.record(j.run, queueDelay, out.Duration())

	fields := []logx.Field{
		logx.String("status", string(status)),
		logx.Duration("dur", out.Duration()),
		logx.String("log", out.LogPath),
	}
	switch {
	case status == storage.RunSuccess:
		log.Info("task.completed", fields...)
	case out.Interrupted:
		log.Warn("task.interrupted", fields...)
	default:
		log.Error("task.failed", append(fields, logx.String("detail", out.Detail))...)
	}
}

// handoff routes the outcome: failures go to the retry manager, timeouts
// and launch exceptions raise alerts.
func (s *Service) handoff(ctx context.Context, j job, out runner.Outcome) {
	switch out.Kind {
	case runner.KindTimeout:
		secs := j.task.TimeoutSeconds
		if secs <= 0 {
			secs = storage.DefaultTimeoutSeconds
		}
		s.emit(ctx, alert.For(storage.SeverityError, alert.TypeTaskTimeout, j.task.ID, j.run.ID,
			fmt.Sprintf("Task %s timed out after %d seconds", j.task.Name, secs)))
	case runner.KindException:
		s.emit(ctx, alert.For(storage.SeverityCritical, alert.TypeTaskException, j.task.ID, j.run.ID,
			fmt.Sprintf("Exception executing task %s: %s", j.task.Name, out.Detail)))
	case runner.KindFailed:
		if s.retry != nil {
			s.retry.Handle(ctx, j.task, j.run, out)
		}
	}
}
