package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/atlasmap-sc/triku/internal/cache"
	"github.com/atlasmap-sc/triku/internal/config"
	"github.com/atlasmap-sc/triku/internal/logging"
	"github.com/atlasmap-sc/triku/internal/render"
	"github.com/atlasmap-sc/triku/internal/resultstore"
	"github.com/atlasmap-sc/triku/internal/service"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [input]",
		Short: "Select highly variable genes of a count matrix",
		Long: `Run highly variable gene selection on a cells x genes count matrix.

Flags override values from the configuration file. The input path may be
given as the only argument or with --input.

Examples:
  triku run data/pbmc.zarr
  triku run --format csv --n-features 500 counts.csv
  triku run --config triku.yaml --sqlite runs.db --plot elbow.png`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Input.Path = args[0]
			}
			if err := applyRunFlags(cmd, cfg); err != nil {
				return err
			}
			return runSelection(cmd, cfg)
		},
	}

	f := cmd.Flags()
	f.String("input", "", "Path to the count matrix")
	f.String("format", "", "Input format: zarr, csv, tsv or soma")
	f.String("measurement", "", "SOMA measurement to read")
	f.Int("n-features", 0, "Select exactly this many genes (0 = automatic cutoff)")
	f.Int("knn", 0, "Number of neighbors (0 = 0.5*sqrt(cells))")
	f.Float64("stringency", 0, "Cutoff stringency in [-1, 1]")
	f.Bool("background-correction", true, "Subtract distances of a randomized matrix")
	f.Bool("use-precomputed-neighbors", true, "Use neighbors stored with the input when present")
	f.Int("n-components", 0, "Principal components used for neighbors")
	f.String("metric", "", "Neighbor distance: cosine, euclidean, manhattan or correlation")
	f.String("neighbor-mode", "", "Neighbor computation: pca or random")
	f.String("background-neighbors", "", "Neighbors of the randomized matrix: original or randomized")
	f.Int("n-windows", 0, "Mean windows for median subtraction")
	f.Int("min-knn", 0, "Minimum expressing cells for a gene to be scored")
	f.Int64("seed", 0, "Random seed")
	f.Int("workers", 0, "Worker goroutines (0 = all cores but one)")
	f.String("verbosity", "", "Log level: debug, triku, info, warning, error or critical")
	f.String("tsv", "", "Write the result table here ('-' for stdout)")
	f.String("sqlite", "", "Store the run in this SQLite database")
	f.String("plot", "", "Write the cutoff curve PNG here")
	f.String("plot-gene", "", "Also plot the null distribution of this gene (needs triku verbosity)")
	f.Bool("no-cache", false, "Disable null distribution and neighbor caches")

	return cmd
}

// applyRunFlags copies explicitly set flags over the loaded configuration.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	t := &cfg.Triku

	var err error
	setString := func(name string, dst *string) {
		if err == nil && f.Changed(name) {
			*dst, err = f.GetString(name)
		}
	}
	setInt := func(name string, dst *int) {
		if err == nil && f.Changed(name) {
			*dst, err = f.GetInt(name)
		}
	}
	setBool := func(name string, dst *bool) {
		if err == nil && f.Changed(name) {
			*dst, err = f.GetBool(name)
		}
	}

	setString("input", &cfg.Input.Path)
	setString("format", &cfg.Input.Format)
	setString("measurement", &cfg.Input.Measurement)
	setInt("n-features", &t.NFeatures)
	setInt("knn", &t.KNN)
	setBool("background-correction", &t.ApplyBackgroundCorrection)
	setBool("use-precomputed-neighbors", &t.UsePrecomputedNeighbors)
	setInt("n-components", &t.NComponents)
	setString("metric", &t.Metric)
	setString("neighbor-mode", &t.NeighborMode)
	setString("background-neighbors", &t.BackgroundNeighbors)
	setInt("n-windows", &t.NWindows)
	setInt("min-knn", &t.MinKNN)
	setInt("workers", &t.Workers)
	setString("verbosity", &t.Verbosity)
	setString("tsv", &cfg.Output.TSVPath)
	setString("sqlite", &cfg.Output.SQLitePath)
	setString("plot", &cfg.Output.PlotPath)
	if err == nil && f.Changed("stringency") {
		t.Stringency, err = f.GetFloat64("stringency")
	}
	if err == nil && f.Changed("seed") {
		t.RandomSeed, err = f.GetInt64("seed")
	}
	if err == nil && f.Changed("no-cache") {
		var off bool
		off, err = f.GetBool("no-cache")
		cfg.Cache.Enabled = !off
	}
	return err
}

func runSelection(cmd *cobra.Command, cfg *config.Config) error {
	log, err := logging.New(cfg.Triku.Verbosity, os.Stderr)
	if err != nil {
		return err
	}
	if err := cfg.Triku.Validate(); err != nil {
		return err
	}

	var cm *cache.Manager
	if cfg.Cache.Enabled {
		cm, err = cache.NewManager(cfg.Cache.ManagerConfig())
		if err != nil {
			return fmt.Errorf("failed to initialize cache: %w", err)
		}
		defer cm.Close()
	}

	src, closeSrc, err := openSource(cfg.Input)
	defer closeSrc()
	if err != nil {
		return err
	}
	log.Infof("[Run] input %s (%s)", cfg.Input.Path, cfg.Input.Format)

	var store *resultstore.Store
	var run *resultstore.Run
	if cfg.Output.SQLitePath != "" {
		store, err = resultstore.NewStore(cfg.Output.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open result store: %w", err)
		}
		defer store.Close()
		if n, err := store.DeleteExpiredRuns(cfg.Output.RetentionDays); err != nil {
			log.Warnf("[Run] failed to prune expired runs: %v", err)
		} else if n > 0 {
			log.Infof("[Run] pruned %d expired runs", n)
		}
		if run, err = store.CreateRun(cfg.Input.Path); err != nil {
			return fmt.Errorf("failed to create run: %w", err)
		}
	}

	svc := service.NewTrikuService(cfg.Triku, cm, log)
	res, err := svc.Run(cmd.Context(), src)
	if err != nil {
		if run != nil {
			if ferr := store.FailRun(run.ID, err.Error()); ferr != nil {
				log.Warnf("[Run] failed to record failure: %v", ferr)
			}
		}
		return err
	}
	if cm != nil {
		logging.Triku(log, "[Run] cache stats: %v", cm.Stats())
	}

	if run != nil {
		if err := store.CompleteRun(run.ID, res); err != nil {
			return fmt.Errorf("failed to store run: %w", err)
		}
		log.Infof("[Run] stored run %s", run.ID)
	}
	if err := writeTable(cfg.Output.TSVPath, cmd.OutOrStdout(), res); err != nil {
		return err
	}
	plotGene, _ := cmd.Flags().GetString("plot-gene")
	if err := writePlots(cfg.Output, plotGene, res, log); err != nil {
		return err
	}

	jsonOut, _ := cmd.Flags().GetBool("json")
	if jsonOut {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(summarize(run, res))
	}
	if cfg.Output.TSVPath != "-" {
		fmt.Fprintf(cmd.OutOrStdout(), "%d of %d genes selected (cutoff %.4g, knn %d) in %s\n",
			len(res.Selected()), len(res.Genes), res.Cutoff, res.Params.KNN, res.Elapsed.Round(time.Millisecond))
	}
	return nil
}

func writeTable(path string, stdout io.Writer, res *service.Result) error {
	switch path {
	case "":
		return nil
	case "-":
		return resultstore.WriteTSV(stdout, res)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := resultstore.WriteTSV(f, res); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

func writePlots(out config.OutputConfig, gene string, res *service.Result, log *logrus.Logger) error {
	if out.PlotPath == "" {
		return nil
	}
	r := render.NewCurveRenderer(render.Config{
		Width:           out.PlotWidth,
		Height:          out.PlotHeight,
		DefaultColormap: out.Colormap,
	})
	png, err := r.RenderCurve(res)
	if err != nil {
		return fmt.Errorf("failed to render cutoff curve: %w", err)
	}
	if err := os.WriteFile(out.PlotPath, png, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", out.PlotPath, err)
	}
	log.Infof("[Run] wrote %s", out.PlotPath)

	if gene == "" {
		return nil
	}
	png, err = r.RenderNull(res, gene)
	if err != nil {
		return fmt.Errorf("failed to render null distribution: %w", err)
	}
	ext := filepath.Ext(out.PlotPath)
	path := strings.TrimSuffix(out.PlotPath, ext) + "_" + gene + ext
	if err := os.WriteFile(path, png, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	log.Infof("[Run] wrote %s", path)
	return nil
}

type runSummary struct {
	RunID     string         `json:"run_id,omitempty"`
	NCells    int            `json:"n_cells"`
	NGenes    int            `json:"n_genes"`
	NSelected int            `json:"n_selected"`
	Cutoff    float64        `json:"cutoff"`
	ElapsedMS int64          `json:"elapsed_ms"`
	Params    service.Params `json:"params"`
	Selected  []string       `json:"selected"`
}

func summarize(run *resultstore.Run, res *service.Result) runSummary {
	s := runSummary{
		NCells:    res.NCells,
		NGenes:    len(res.Genes),
		Cutoff:    res.Cutoff,
		ElapsedMS: res.Elapsed.Milliseconds(),
		Params:    res.Params,
		Selected:  res.Selected(),
	}
	s.NSelected = len(s.Selected)
	if run != nil {
		s.RunID = run.ID
	}
	return s
}
