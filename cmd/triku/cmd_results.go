package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/atlasmap-sc/triku/internal/config"
	"github.com/atlasmap-sc/triku/internal/counts"
	"github.com/atlasmap-sc/triku/internal/resultstore"
)

func newResultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Inspect runs stored in SQLite",
	}
	cmd.PersistentFlags().String("sqlite", "", "SQLite database (defaults to output.sqlite_path)")

	cmd.AddCommand(
		newResultsListCmd(),
		newResultsShowCmd(),
		newResultsDeleteCmd(),
		newResultsPruneCmd(),
	)
	return cmd
}

// openStore opens the database named by --sqlite or the configuration.
func openStore(cmd *cobra.Command) (*resultstore.Store, *config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if path, _ := cmd.Flags().GetString("sqlite"); path != "" {
		cfg.Output.SQLitePath = path
	}
	if cfg.Output.SQLitePath == "" {
		return nil, nil, counts.Configurationf("no SQLite database configured; pass --sqlite")
	}
	store, err := resultstore.NewStore(cfg.Output.SQLitePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open result store: %w", err)
	}
	return store, cfg, nil
}

func newResultsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := store.ListRuns(limit)
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				if runs == nil {
					runs = []*resultstore.Run{}
				}
				return json.NewEncoder(out).Encode(map[string]interface{}{
					"runs":        runs,
					"total_count": len(runs),
				})
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs stored")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tSTATUS\tCELLS\tGENES\tSELECTED\tCREATED\tINPUT")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
					r.ID, r.Status, r.NCells, r.NGenes, r.NSelected, r.CreatedAt.Format("2006-01-02 15:04"), r.Input)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("limit", 50, "Maximum number of runs")
	return cmd
}

func newResultsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its top genes",
		Long: `Show a stored run and its per-gene results.

Examples:
  triku results show 3f0c... --selected
  triku results show 3f0c... --order-by mean --limit 100 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(args[0])
			if err != nil {
				return fmt.Errorf("failed to load run: %w", err)
			}
			if run == nil {
				return counts.InvalidInputf("run %s not found", args[0])
			}

			orderBy, _ := cmd.Flags().GetString("order-by")
			offset, _ := cmd.Flags().GetInt("offset")
			limit, _ := cmd.Flags().GetInt("limit")
			selected, _ := cmd.Flags().GetBool("selected")
			genes, total, err := store.QueryGenes(run.ID, orderBy, offset, limit, selected)
			if err != nil {
				return fmt.Errorf("failed to query genes: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				return json.NewEncoder(out).Encode(map[string]interface{}{
					"run":   run,
					"genes": genes,
					"total": total,
				})
			}

			fmt.Fprintf(out, "Run %s (%s)\n", run.ID, run.Status)
			fmt.Fprintf(out, "  input:    %s\n", run.Input)
			fmt.Fprintf(out, "  cells:    %d, genes: %d, selected: %d\n", run.NCells, run.NGenes, run.NSelected)
			fmt.Fprintf(out, "  cutoff:   %.6g (knn %d, %s neighbors)\n", run.Cutoff, run.Params.KNN, run.Params.NeighborSource)
			if run.Error != "" {
				fmt.Fprintf(out, "  error:    %s\n", run.Error)
			}
			fmt.Fprintf(out, "Showing %d of %d genes\n", len(genes), total)

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "GENE\tDISTANCE\tUNCORRECTED\tRANDOM\tMEAN\tZEROS\tHV")
			for _, g := range genes {
				fmt.Fprintf(w, "%s\t%.4g\t%.4g\t%.4g\t%.4g\t%.3f\t%v\n",
					g.Gene, g.Distance, g.DistanceUncorrected, g.DistanceRandom, g.Mean, g.ProportionZeros, g.HighlyVariable)
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("order-by", "distance", "Order by distance, distance_uncorrected, mean, gene or index")
	cmd.Flags().Int("offset", 0, "Skip this many genes")
	cmd.Flags().Int("limit", 20, "Maximum genes to show (0 = all)")
	cmd.Flags().Bool("selected", false, "Only highly variable genes")
	return cmd
}

func newResultsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>...",
		Short: "Delete stored runs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			for _, id := range args {
				if err := store.DeleteRun(id); err != nil {
					return fmt.Errorf("failed to delete run %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
			}
			return nil
		},
	}
}

func newResultsPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete runs older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			days := cfg.Output.RetentionDays
			if cmd.Flags().Changed("days") {
				days, _ = cmd.Flags().GetInt("days")
			}
			n, err := store.DeleteExpiredRuns(days)
			if err != nil {
				return fmt.Errorf("failed to prune runs: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d runs older than %d days\n", n, days)
			return nil
		},
	}
	cmd.Flags().Int("days", 0, "Retention in days (defaults to output.retention_days)")
	return cmd
}
