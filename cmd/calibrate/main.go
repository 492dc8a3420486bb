// Package main fits the SOAR covariance parameters (q0, L) so that generated
// perturbations match a target amplitude and lag-1 correlation.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gocarina/gocsv"
	"gonum.org/v1/gonum/optimize"

	"github.com/pthm-cable/oceannoise/config"
)

// EvalRecord is one row of calibrate_log.csv.
type EvalRecord struct {
	Eval      int     `csv:"eval"`
	Objective float64 `csv:"objective"`
	Q0        float64 `csv:"soar_q0"`
	L         float64 `csv:"soar_l"`
	Std       float64 `csv:"std"`
	Lag1      float64 `csv:"lag1"`
}

// formatDuration formats a duration as HH:MM:SS or MM:SS for shorter durations.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Base config YAML file (empty = use defaults)")
	seeds := flag.Int("seeds", 3, "Number of seeds per evaluation")
	maxEvals := flag.Int("max-evals", 0, "Maximum number of evaluations (0 = calibrate.max_iterations)")
	outputDir := flag.String("output", "", "Output directory for results")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if *outputDir == "" {
		logger.Error("--output is required")
		os.Exit(2)
	}
	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		logger.Error("failed to create output directory", "error", err)
		os.Exit(1)
	}

	baseCfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *maxEvals <= 0 {
		*maxEvals = baseCfg.Calibrate.MaxIterations
	}

	params := NewParamVector(baseCfg.Grid.DX)

	evalSeeds := make([]uint64, *seeds)
	for i := range evalSeeds {
		evalSeeds[i] = uint64(i*1000 + 42)
	}
	evaluator := NewFitnessEvaluator(params, evalSeeds, baseCfg)

	initX := params.Normalize(params.DefaultVector())
	settings := &optimize.Settings{
		FuncEvaluations: *maxEvals,
		Concurrent:      0, // Sequential evaluation
	}
	method := &optimize.NelderMead{}

	logPath := filepath.Join(*outputDir, "calibrate_log.csv")
	logFile, err := os.Create(logPath)
	if err != nil {
		logger.Error("failed to create log file", "error", err)
		os.Exit(1)
	}
	defer logFile.Close()
	headerWritten := false

	evalCount := 0
	bestObjective := failedObjective
	var bestParams []float64
	startTime := time.Now()

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			raw := params.Clamp(params.Denormalize(x))
			objective := evaluator.Evaluate(raw)
			evalCount++

			if objective < bestObjective {
				bestObjective = objective
				bestParams = append([]float64(nil), raw...)
			}

			m := evaluator.LastMeasurement()
			rec := []EvalRecord{{Eval: evalCount, Objective: objective, Q0: raw[0], L: raw[1], Std: m.Std, Lag1: m.Lag1}}
			var werr error
			if !headerWritten {
				werr = gocsv.Marshal(rec, logFile)
				headerWritten = true
			} else {
				werr = gocsv.MarshalWithoutHeaders(rec, logFile)
			}
			if werr != nil {
				logger.Error("failed to write evaluation log", "error", err)
			}

			elapsed := time.Since(startTime)
			avgPerEval := elapsed / time.Duration(evalCount)
			remaining := time.Duration(*maxEvals-evalCount) * avgPerEval
			fmt.Printf("Eval %d/%d: q0=%.4g l=%.4g std=%.4g lag1=%.3f objective=%.3g (best=%.3g) | elapsed: %s, ETA: %s\n",
				evalCount, *maxEvals, raw[0], raw[1], m.Std, m.Lag1, objective, bestObjective,
				formatDuration(elapsed), formatDuration(remaining))

			return objective
		},
	}

	fmt.Printf("Starting Nelder-Mead calibration: target std=%.4g lag1=%.3f, max_evals=%d, seeds=%d\n",
		baseCfg.Calibrate.TargetStd, baseCfg.Calibrate.TargetLag1, *maxEvals, *seeds)

	result, err := optimize.Minimize(problem, initX, settings, method)
	if err != nil {
		logger.Warn("optimization ended", "error", err)
	}
	if bestParams == nil && result != nil {
		bestParams = params.Clamp(params.Denormalize(result.X))
	}
	if bestParams == nil {
		logger.Error("no parameters evaluated")
		os.Exit(1)
	}

	fmt.Printf("\nCalibration complete after %d evaluations in %s\n", evalCount, formatDuration(time.Since(startTime)))
	fmt.Printf("Best objective: %.6g\n", bestObjective)
	fmt.Println("\nBest parameters:")
	for i, spec := range params.Specs {
		fmt.Printf("  %s (%s): %.6g\n", spec.Name, spec.Path, bestParams[i])
	}

	bestCfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to reload config", "error", err)
		os.Exit(1)
	}
	params.ApplyToConfig(bestCfg, bestParams)

	configOutPath := filepath.Join(*outputDir, "best_config.yaml")
	if err := bestCfg.WriteYAML(configOutPath); err != nil {
		logger.Error("failed to write best config", "error", err)
		os.Exit(1)
	}
	fmt.Printf("\nBest config saved to: %s\n", configOutPath)
}
