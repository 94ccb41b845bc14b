package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/ems/app"
	"github.com/kilianp07/ems/core/timeutil"
)

var (
	rollingFrom  string
	rollingTo    string
	rollingEvery time.Duration
)

var rollingCmd = &cobra.Command{
	Use:   "rolling",
	Short: "Replay the controller over a historical window",
	RunE:  runRolling,
}

func init() {
	rollingCmd.Flags().StringVar(&rollingFrom, "from", "", "first step time in RFC3339")
	rollingCmd.Flags().StringVar(&rollingTo, "to", "", "last step time in RFC3339")
	rollingCmd.Flags().DurationVar(&rollingEvery, "every", time.Hour, "time between steps")
	_ = rollingCmd.MarkFlagRequired("from")
	_ = rollingCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(rollingCmd)
}

func runRolling(cmd *cobra.Command, args []string) error {
	from, err := time.Parse(time.RFC3339, rollingFrom)
	if err != nil {
		return fmt.Errorf("--from: %w", err)
	}
	to, err := time.Parse(time.RFC3339, rollingTo)
	if err != nil {
		return fmt.Errorf("--to: %w", err)
	}
	if to.Before(from) {
		return errors.New("--to is before --from")
	}
	return withService(func(ctx context.Context, svc *app.Service) error {
		reports, err := svc.Rolling(ctx, timeutil.Interval{Start: from, End: to}, rollingEvery)
		out := cmd.OutOrStdout()
		failed := 0
		for _, rep := range reports {
			if rep.Err != nil {
				failed++
				fmt.Fprintf(out, "%s\t%s\t%v\n", rep.At.Format(time.RFC3339), rep.State, rep.Err)
				continue
			}
			fmt.Fprintf(out, "%s\t%s\tobjective=%.4f\n", rep.At.Format(time.RFC3339), rep.State, rep.Result.Objective)
		}
		if len(reports) > 0 {
			fmt.Fprintf(out, "run %s: %d steps, %d failed\n", reports[0].RunID, len(reports), failed)
		}
		return err
	})
}
