// Package main provides a batch analysis runner: load a yield series,
// run the detector ensemble once, print the results, and optionally
// persist the run.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/quantfold/jgb-regime/internal/config"
	"github.com/quantfold/jgb-regime/internal/data"
	"github.com/quantfold/jgb-regime/internal/metrics"
	"github.com/quantfold/jgb-regime/internal/pipeline"
	"github.com/quantfold/jgb-regime/internal/regime"
	"github.com/quantfold/jgb-regime/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (optional)")
	csvPath := flag.String("csv", "", "Yield series CSV (overrides config)")
	eventsPath := flag.String("events", "", "Policy events YAML (overrides config)")
	save := flag.Bool("save", false, "Persist the run to the configured database")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *csvPath != "" {
		cfg.Data.YieldCSV = *csvPath
	}
	if *eventsPath != "" {
		cfg.Data.EventsFile = *eventsPath
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger, cfg, *save); err != nil {
		logger.Fatal("analysis failed", zap.Error(err))
	}
}

func run(logger *zap.Logger, cfg config.Config, save bool) error {
	yields, err := data.LoadSeriesCSV(cfg.Data.YieldCSV)
	if err != nil {
		return fmt.Errorf("load yield series: %w", err)
	}

	report := data.NewQualityValidator(logger).Validate(yields, "yield")
	if !report.IsUsable {
		return fmt.Errorf("yield series failed quality screening (score %d, %d issues)",
			report.Score, len(report.Issues))
	}

	var events []types.PolicyEvent
	if cfg.Data.EventsFile != "" {
		events, err = data.LoadEvents(cfg.Data.EventsFile)
		if err != nil {
			return fmt.Errorf("load events: %w", err)
		}
	}

	m := metrics.New(prometheus.NewRegistry())
	detectors := regime.DefaultDetectors(logger,
		cfg.Detectors.Markov, cfg.Detectors.HMM, cfg.Detectors.Entropy, cfg.Detectors.GARCH)
	pipe := pipeline.New(logger, cfg.Pipeline, detectors, m)

	input := regime.BuildInput(yields, regime.DefaultFeatureConfig())
	result, err := pipe.Run(context.Background(), input, events)
	if err != nil {
		return err
	}

	printSummary(result, yields)
	printDetectors(result)
	if result.Validation != nil {
		printValidation(result.Validation)
	}

	if save {
		store, err := data.OpenStore(logger, cfg.Data.DatabasePath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()
		if err := store.SaveRun(context.Background(), result); err != nil {
			return fmt.Errorf("save run: %w", err)
		}
		fmt.Printf("\nRun %s saved to %s\n", result.RunID, cfg.Data.DatabasePath)
	}
	return nil
}

func printSummary(result *pipeline.Result, yields types.TimeSeries) {
	fmt.Printf("\nRun %s\n", result.RunID)
	fmt.Printf("Observations: %d (%s to %s)\n",
		yields.Len(), yields.First().Format("2006-01-02"), yields.Last().Format("2006-01-02"))
	fmt.Printf("Conviction band: %s", result.Band)
	if !math.IsNaN(float64(result.Latest)) {
		fmt.Printf(" (p=%.3f)", float64(result.Latest))
	}
	fmt.Printf("\nDuration: %s\n\n", result.Duration)
}

func printDetectors(result *pipeline.Result) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Detector", "Kind", "Status", "Weight")

	for _, name := range []string{regime.DetectorMarkov, regime.DetectorHMM, regime.DetectorEntropy, regime.DetectorGARCH} {
		out, ok := result.Outputs[name]
		if !ok {
			continue
		}
		status := "ok"
		if out.Failed() {
			flags := make([]string, len(out.Flags))
			for i, f := range out.Flags {
				flags[i] = string(f)
			}
			status = strings.Join(flags, ",")
		}
		table.Append(out.Detector, string(out.Kind), status,
			fmt.Sprintf("%.2f", result.Ensemble.Weights[name]))
	}
	table.Render()
}

func printValidation(report *types.ValidationReport) {
	fmt.Printf("\nEvent validation: %d/%d detected (%.0f%%), %d excluded\n",
		report.Detected, report.Evaluated, report.DetectionRate*100, report.Excluded)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Date", "Event", "Detected", "Lead/Lag", "Peak")

	for _, r := range report.Results {
		detected := "no"
		if r.Detected {
			detected = "yes"
		}
		if r.InsufficientCoverage {
			detected = "excluded"
		}
		leadLag := "-"
		if r.LeadLagDays != nil {
			leadLag = fmt.Sprintf("%+dd", *r.LeadLagDays)
		}
		peak := "-"
		if !math.IsNaN(float64(r.PeakProbability)) {
			peak = fmt.Sprintf("%.3f", float64(r.PeakProbability))
		}
		table.Append(r.Event.Date.Format("2006-01-02"), r.Event.Label, detected, leadLag, peak)
	}
	table.Render()

	if report.Detected > 0 {
		fmt.Printf("Mean lead/lag: %+.1f trading days\n", report.MeanLeadLag)
	}
}
