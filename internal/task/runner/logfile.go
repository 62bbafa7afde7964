package runner

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const logStampLayout = "20060102_150405"

// LogPath returns the log file for an attempt. With baseDir empty the file
// lives next to the script in "<task>_logs".
func LogPath(baseDir, scriptPath, taskName, runID string, at time.Time) string {
	dir := baseDir
	if strings.TrimSpace(dir) == "" {
		dir = filepath.Join(filepath.Dir(scriptPath), taskName+"_logs")
	} else {
		dir = filepath.Join(dir, taskName)
	}
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s_%s.log", taskName, at.Format(logStampLayout), short))
}

// openLog creates the attempt's log exclusively; an existing file is an error
// because each attempt owns its own log.
func openLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("log file %s already exists", path)
	}
	return f, err
}

type logHeader struct {
	Task        string
	RunID       string
	Attempt     int
	Started     time.Time
	Script      string
	Interpreter string
}

func writeHeader(w io.Writer, h logHeader) error {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Task Execution: %s ===\n", h.Task)
	fmt.Fprintf(&b, "Run ID: %s\n", h.RunID)
	if h.Attempt > 0 {
		fmt.Fprintf(&b, "Retry attempt: %d\n", h.Attempt)
	}
	fmt.Fprintf(&b, "Started: %s\n", h.Started.Format(time.RFC3339))
	fmt.Fprintf(&b, "Script: %s\n", h.Script)
	if h.Interpreter != "" {
		fmt.Fprintf(&b, "Interpreter: %s\n", h.Interpreter)
	}
	b.WriteString(strings.Repeat("=", 50))
	b.WriteString("\n\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func writeFooter(w io.Writer, o Outcome) {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", 50))
	fmt.Fprintf(&b, "\nFinished: %s status=%s", o.Finished.Format(time.RFC3339), o.Kind)
	if o.HasExitCode() {
		fmt.Fprintf(&b, " exit=%d", o.ExitCode)
	}
	fmt.Fprintf(&b, " duration=%s\n", o.Duration().Round(time.Millisecond))
	if o.Detail != "" {
		fmt.Fprintf(&b, "Detail: %s\n", o.Detail)
	}
	_, _ = io.WriteString(w, b.String())
}
