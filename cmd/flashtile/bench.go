package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/flashtile/internal/bench"
	"github.com/samcharles93/flashtile/internal/logger"
)

func benchCmd() *cli.Command {
	var (
		suitePath  string
		reportPath string
		warmupRuns int64
		benchRuns  int64
		backward   bool
	)

	flags := append([]cli.Flag{}, shapeFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "suite",
			Usage:       "YAML suite file (overrides shape flags)",
			Destination: &suitePath,
		},
		&cli.StringFlag{
			Name:        "report",
			Aliases:     []string{"o"},
			Usage:       "write JSON report to this path",
			Destination: &reportPath,
		},
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of timed runs",
			Value:       3,
			Destination: &benchRuns,
		},
		&cli.BoolFlag{
			Name:        "backward",
			Usage:       "also time the backward pass",
			Destination: &backward,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Time the attention engine over a suite of shapes",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			var suite *bench.Suite
			if suitePath != "" {
				loaded, err := bench.LoadSuite(suitePath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				suite = loaded
			} else {
				suite = &bench.Suite{
					Name: "cli",
					Cases: []bench.Case{{
						Name:     "cli",
						Batch:    int(batch),
						Heads:    int(heads),
						SeqLen:   int(seqLen),
						HeadDim:  int(headDim),
						TileRows: int(tileRows),
						TileCols: int(tileCols),
						Causal:   causal,
						Backward: backward,
						Warmup:   int(warmupRuns),
						Runs:     int(benchRuns),
					}},
				}
			}

			runner := &bench.Runner{Log: log}
			report, err := runner.Run(ctx, suite)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			printReport(report)

			if reportPath != "" {
				f, err := os.Create(reportPath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: create report: %v", err), 1)
				}
				defer func() { _ = f.Close() }()
				if err := report.Write(f); err != nil {
					return cli.Exit(fmt.Sprintf("error: write report: %v", err), 1)
				}
				log.Info("report written", "path", reportPath, "run_id", report.RunID)
			}
			return nil
		},
	}
}

func printReport(r *bench.Report) {
	fmt.Println("=== flashtile bench ===")
	fmt.Printf("Run:        %s\n", r.RunID)
	fmt.Printf("CPUs:       %d\n", r.System.CPUs)
	fmt.Printf("GOMAXPROCS: %d\n", r.System.GoMaxProcs)
	fmt.Println()

	fmt.Printf("%-16s %10s %10s %10s %10s %10s\n",
		"Case", "Fwd avg", "Fwd min", "GFLOP/s", "Bwd avg", "Bwd min")
	for _, res := range r.Results {
		bwdAvg, bwdMin := "-", "-"
		if res.Case.Backward {
			bwdAvg = res.BackwardAvg.Round(time.Microsecond).String()
			bwdMin = res.BackwardMin.Round(time.Microsecond).String()
		}
		fmt.Printf("%-16s %10s %10s %10.2f %10s %10s\n",
			res.Case.Name,
			res.ForwardAvg.Round(time.Microsecond),
			res.ForwardMin.Round(time.Microsecond),
			res.ForwardGFLOPS,
			bwdAvg, bwdMin)
	}
}
