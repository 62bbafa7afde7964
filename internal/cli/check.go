package cli

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"scriptsched/internal/config"
	"scriptsched/internal/storage"
	"scriptsched/internal/task/scheduler"
	"scriptsched/pkg/logx"
)

var ErrInvalidSchedules = errors.New("some schedules are invalid")

func newCheckCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config and preview the next fire times of every active schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewManager(flagConfig).Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			loc := time.Local
			if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
				if loc, err = time.LoadLocation(tz); err != nil {
					return err
				}
			}

			st, err := storage.Open(storage.Config{
				Driver:      cfg.Storage.Driver,
				Path:        cfg.Storage.Path,
				DSN:         cfg.Storage.DSN,
				BusyTimeout: config.MustDuration(cfg.Storage.BusyTimeout, 5*time.Second),
			}, logx.Nop())
			if err != nil {
				return fmt.Errorf("storage: %w", err)
			}
			defer st.Close()

			rows, err := st.GetActiveTasksWithSchedule(cmd.Context())
			if err != nil {
				return fmt.Errorf("load tasks: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok: %s (timezone %s)\n", flagConfig, loc)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK\tTYPE\tNEXT")
			now := time.Now()
			bad := 0
			for _, r := range rows {
				sched, err := scheduler.Build(r.Schedule, loc)
				if err != nil {
					bad++
					fmt.Fprintf(tw, "%s\t%s\tinvalid: %v\n", r.Task.Name, r.Schedule.Type, err)
					continue
				}
				next := scheduler.PreviewNext(sched, now, count)
				if len(next) == 0 {
					fmt.Fprintf(tw, "%s\t%s\t(no future fires)\n", r.Task.Name, r.Schedule.Type)
					continue
				}
				fires := make([]string, len(next))
				for i, t := range next {
					fires[i] = t.In(loc).Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Task.Name, r.Schedule.Type, strings.Join(fires, ", "))
			}
			_ = tw.Flush()
			fmt.Fprintf(out, "%d active schedules, %d invalid\n", len(rows), bad)
			if bad > 0 {
				return ErrInvalidSchedules
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "next", "n", 3, "fire times to preview per schedule")
	return cmd
}
