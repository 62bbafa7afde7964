// Package runner launches one isolated child process per run attempt and
// reports how it ended as an Outcome value.
package runner

import (
	"fmt"
	"time"

	"scriptsched/internal/storage"
)

type Kind int

const (
	KindSuccess Kind = iota
	KindFailed
	KindTimeout
	KindException
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindFailed:
		return "failed"
	case KindTimeout:
		return "timeout"
	case KindException:
		return "exception"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the terminal result of one attempt. ExitCode is meaningful for
// KindSuccess and KindFailed only.
type Outcome struct {
	Kind     Kind
	ExitCode int
	Detail   string
	LogPath  string
	Started  time.Time
	Finished time.Time
	// Interrupted is set when the process was stopped by engine shutdown
	// rather than by its own exit or the task deadline.
	Interrupted bool
}

func (o Outcome) Duration() time.Duration {
	if o.Started.IsZero() || o.Finished.Before(o.Started) {
		return 0
	}
	return o.Finished.Sub(o.Started)
}

// Status maps the outcome to the run status it finalizes. Exceptions are
// recorded as failed runs.
func (o Outcome) Status() storage.RunStatus {
	switch o.Kind {
	case KindSuccess:
		return storage.RunSuccess
	case KindTimeout:
		return storage.RunTimeout
	default:
		return storage.RunFailed
	}
}

// HasExitCode reports whether ExitCode came from the process.
func (o Outcome) HasExitCode() bool {
	return (o.Kind == KindSuccess || o.Kind == KindFailed) && o.ExitCode >= 0
}

func exception(format string, args ...any) Outcome {
	return Outcome{Kind: KindException, ExitCode: -1, Detail: fmt.Sprintf(format, args...)}
}
