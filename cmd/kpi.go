package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/ems/config"
	"github.com/kilianp07/ems/core/factory"
	"github.com/kilianp07/ems/core/results"
	"github.com/kilianp07/ems/infra/kpi"
)

var (
	backfillFrom    string
	backfillTo      string
	backfillBackend string
	backfillResults string
	backfillKPI     string
)

var kpiBackfillCmd = &cobra.Command{
	Use:   "kpi-backfill",
	Short: "Rebuild daily energy KPIs from stored results",
	RunE:  runKPIBackfill,
}

func init() {
	f := kpiBackfillCmd.Flags()
	f.StringVar(&backfillFrom, "from", "", "first result time in RFC3339, all when empty")
	f.StringVar(&backfillTo, "to", "", "last result time in RFC3339, all when empty")
	f.StringVar(&backfillBackend, "backend", "sqlite", "results store backend")
	f.StringVar(&backfillResults, "results", "results.db", "results store path")
	f.StringVar(&backfillKPI, "kpi", "kpi.db", "kpi database path")
	rootCmd.AddCommand(kpiBackfillCmd)
}

func parseOptional(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}

func runKPIBackfill(cmd *cobra.Command, args []string) error {
	from, err := parseOptional("from", backfillFrom)
	if err != nil {
		return err
	}
	to, err := parseOptional("to", backfillTo)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	loc, err := cfg.Simulation.Loc()
	if err != nil {
		return err
	}
	store, err := results.NewStore(factory.ModuleConfig{
		Type: backfillBackend,
		Conf: map[string]any{"path": backfillResults},
	})
	if err != nil {
		return err
	}
	defer store.Close()
	kstore, err := kpi.NewSQLiteStore(backfillKPI, cfg.System.Name, loc)
	if err != nil {
		return err
	}
	defer kstore.Close()

	ctx := context.Background()
	history, err := store.Query(ctx, results.Query{Start: from, End: to, Status: results.StatusCompleted})
	if err != nil {
		return err
	}
	n, err := kpi.Backfill(ctx, kstore, history)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d of %d results added to %s\n", n, len(history), backfillKPI)
	return nil
}
