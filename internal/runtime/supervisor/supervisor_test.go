package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoCancelOnError(t *testing.T) {
	t.Parallel()

	sup := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")
	sup.Go("fails", func(ctx context.Context) error { return boom })
	sup.Go("waits", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); !errors.Is(err, boom) {
		t.Fatalf("Wait err=%v, want boom", err)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()

	sup := New(context.Background())
	sup.Go0("panics", func(ctx context.Context) { panic("bad") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err == nil {
		t.Fatalf("expected panic to surface as Err")
	}
}

func TestGoRestartRetriesUntilClean(t *testing.T) {
	t.Parallel()

	sup := New(context.Background())
	var calls atomic.Int32
	sup.GoRestart("flaky", func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = sup.Wait(ctx)
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls=%d, want 3", got)
	}
}

func TestWaitBoundedByContext(t *testing.T) {
	t.Parallel()

	sup := New(context.Background())
	release := make(chan struct{})
	sup.Go0("stubborn", func(ctx context.Context) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	sup.Cancel()
	if err := sup.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait err=%v, want deadline", err)
	}
	if c := sup.Counters(); c.Active != 1 || len(c.Names) != 1 {
		t.Fatalf("counters=%+v", c)
	}
	close(release)
}
