package main

import "github.com/urfave/cli/v3"

var (
	batch    int64
	heads    int64
	seqLen   int64
	headDim  int64
	tileRows int64
	tileCols int64
	causal   bool
)

func shapeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "batch",
			Aliases:     []string{"b"},
			Usage:       "batch size",
			Value:       1,
			Destination: &batch,
		},
		&cli.Int64Flag{
			Name:        "heads",
			Aliases:     []string{"H"},
			Usage:       "number of attention heads",
			Value:       8,
			Destination: &heads,
		},
		&cli.Int64Flag{
			Name:        "seq-len",
			Aliases:     []string{"s"},
			Usage:       "sequence length",
			Value:       512,
			Destination: &seqLen,
		},
		&cli.Int64Flag{
			Name:        "head-dim",
			Aliases:     []string{"d"},
			Usage:       "feature dimension per head",
			Value:       64,
			Destination: &headDim,
		},
		&cli.Int64Flag{
			Name:        "tile-rows",
			Usage:       "query-axis tile size (0 = engine default)",
			Destination: &tileRows,
		},
		&cli.Int64Flag{
			Name:        "tile-cols",
			Usage:       "key-axis tile size (0 = engine default)",
			Destination: &tileCols,
		},
		&cli.BoolFlag{
			Name:        "causal",
			Usage:       "apply causal masking",
			Destination: &causal,
		},
	}
}
