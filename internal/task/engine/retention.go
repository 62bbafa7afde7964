package engine

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"scriptsched/internal/storage"
	"scriptsched/pkg/logx"
)

func (s *Service) retentionLoop(ctx context.Context) {
	if _, err := s.Purge(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("retention purge failed", logx.Err(err))
	}
	t := time.NewTicker(s.config().Retention.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.Purge(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("retention purge failed", logx.Err(err))
			}
		}
	}
}

// Purge deletes finished runs past their retention age together with their
// log files. It returns the number of log files removed.
func (s *Service) Purge(ctx context.Context) (int, error) {
	cfg := s.config().Retention
	now := s.now()
	classes := []struct {
		statuses []storage.RunStatus
		age      time.Duration
	}{
		{[]storage.RunStatus{storage.RunSuccess, storage.RunSkipped}, cfg.SuccessAge},
		{[]storage.RunStatus{storage.RunFailed, storage.RunTimeout}, cfg.FailedAge},
	}
	removed := 0
	for _, c := range classes {
		paths, err := s.store.PurgeRuns(ctx, c.statuses, now.Add(-c.age))
		if err != nil {
			return removed, err
		}
		for _, p := range paths {
			if err := os.Remove(p); err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					s.log.Warn("remove run log failed", logx.String("path", p), logx.Err(err))
				}
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		s.log.Info("retention purge", logx.Int("logs_removed", removed))
	}
	return removed, nil
}
