package main

import (
	"context"
	"fmt"
	"math"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/flashtile/internal/logger"
	"github.com/samcharles93/flashtile/internal/refattn"
	"github.com/samcharles93/flashtile/pkg/flash"
	"github.com/samcharles93/flashtile/pkg/tensor"
)

func verifyCmd() *cli.Command {
	var (
		seed      int64
		tolerance float64
		backward  bool
	)

	flags := append([]cli.Flag{}, shapeFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "random seed for the input tensors",
			Value:       42,
			Destination: &seed,
		},
		&cli.Float64Flag{
			Name:        "tolerance",
			Usage:       "max allowed absolute error vs the reference",
			Value:       1e-3,
			Destination: &tolerance,
		},
		&cli.BoolFlag{
			Name:        "backward",
			Usage:       "also verify gradients",
			Value:       true,
			Destination: &backward,
		},
	)

	return &cli.Command{
		Name:  "verify",
		Usage: "Compare the tiled engine against a direct reference",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			b, h, s, d := int(batch), int(heads), int(seqLen), int(headDim)
			cfg := flash.Config{
				Scale:    float32(1.0 / math.Sqrt(float64(d))),
				Causal:   causal,
				TileRows: int(tileRows),
				TileCols: int(tileCols),
			}

			q := tensor.New(b, h, s, d)
			k := tensor.New(b, h, s, d)
			v := tensor.New(b, h, s, d)
			q.FillRand(seed)
			k.FillRand(seed + 1)
			v.FillRand(seed + 2)

			log.Info("verifying forward", "batch", b, "heads", h, "seq", s, "dim", d, "causal", causal)
			out, stats, err := flash.Forward(ctx, q, k, v, cfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: forward: %v", err), 1)
			}
			want := refattn.Forward(q, k, v, cfg.Scale, cfg.Causal)
			maxErr := maxAbsDiff(out, want)
			fmt.Printf("forward  max abs error: %.3e\n", maxErr)
			failed := maxErr > tolerance

			if backward {
				dOut := tensor.New(b, h, s, d)
				dOut.FillRand(seed + 3)
				dq, dk, dv, err := flash.Backward(ctx, q, k, v, out, stats, dOut, cfg)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: backward: %v", err), 1)
				}
				wq, wk, wv := refattn.Gradients(q, k, v, dOut, cfg.Scale, cfg.Causal)
				for _, g := range []struct {
					name      string
					got, want *tensor.Tensor
				}{
					{"dQuery", dq, wq},
					{"dKey", dk, wk},
					{"dValue", dv, wv},
				} {
					e := maxAbsDiff(g.got, g.want)
					fmt.Printf("%-8s max abs error: %.3e\n", g.name, e)
					if e > tolerance {
						failed = true
					}
				}
			}

			if failed {
				return cli.Exit(fmt.Sprintf("verification failed (tolerance %.1e)", tolerance), 1)
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func maxAbsDiff(a, b *tensor.Tensor) float64 {
	var maxErr float64
	for bi := 0; bi < a.Shape[0]; bi++ {
		for hi := 0; hi < a.Shape[1]; hi++ {
			for i := 0; i < a.Shape[2]; i++ {
				for j := 0; j < a.Shape[3]; j++ {
					diff := math.Abs(float64(a.At(bi, hi, i, j) - b.At(bi, hi, i, j)))
					if diff > maxErr {
						maxErr = diff
					}
				}
			}
		}
	}
	return maxErr
}
