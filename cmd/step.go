package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/ems/app"
	"github.com/kilianp07/ems/core/optimizer"
)

var stepAt string

var stepCmd = &cobra.Command{
	Use:   "step",
	Short: "Run a single dispatch step and print the plan",
	RunE:  runStep,
}

func init() {
	stepCmd.Flags().StringVar(&stepAt, "at", "", "step time in RFC3339, now when empty")
	rootCmd.AddCommand(stepCmd)
}

func runStep(cmd *cobra.Command, args []string) error {
	var at time.Time
	if stepAt != "" {
		t, err := time.Parse(time.RFC3339, stepAt)
		if err != nil {
			return fmt.Errorf("--at: %w", err)
		}
		at = t
	}
	return withService(func(ctx context.Context, svc *app.Service) error {
		r, err := svc.Step(ctx, at)
		return reportStep(cmd, r, err)
	})
}

// reportStep prints the plan whenever one was produced, which includes a
// step whose result sinks failed, and returns err.
func reportStep(cmd *cobra.Command, r *optimizer.DispatchResult, err error) error {
	if r == nil {
		return err
	}
	if perr := printPlan(cmd, r); perr != nil && err == nil {
		return perr
	}
	return err
}

func printPlan(cmd *cobra.Command, r *optimizer.DispatchResult) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "time\tload\tgeneration\tgrid\tbattery\tsoc\n")
	for i, ts := range r.Timestamps {
		soc := "-"
		if r.HasBattery() {
			soc = fmt.Sprintf("%.3f", r.SOC[i+1])
		}
		fmt.Fprintf(w, "%s\t%.3f\t%.3f\t%.3f\t%.3f\t%s\n", ts.Format(time.RFC3339),
			r.Load[i], r.Generation[i], r.PowerSupplyFlow[i], r.BatteryEnergyFlow[i], soc)
	}
	fmt.Fprintf(w, "objective\t%.4f\t%s\n", r.Objective, r.Status.Summary)
	return w.Flush()
}
