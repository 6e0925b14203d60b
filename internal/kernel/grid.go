package kernel

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Grid is the index space of one kernel launch: one independent task
// per (batch, head, tile) triple.
type Grid struct {
	Batch, Heads, Tiles int
}

// Tasks returns the number of tasks in the grid.
func (g Grid) Tasks() int {
	return g.Batch * g.Heads * g.Tiles
}

// Launch runs task once for every (b, h, t) in the grid, fanning out
// across at most GOMAXPROCS goroutines. Tasks are independent; the only
// ordering guarantee is that Launch returns after all of them finish.
// Cancelling ctx stops new tasks from being issued.
func Launch(ctx context.Context, g Grid, task func(b, h, t int)) error {
	eg := new(errgroup.Group)
	eg.SetLimit(runtime.GOMAXPROCS(0))

	perBatch := g.Heads * g.Tiles
	total := g.Tasks()
	for idx := 0; idx < total; idx++ {
		if ctx.Err() != nil {
			break
		}
		b := idx / perBatch
		h := (idx % perBatch) / g.Tiles
		t := idx % g.Tiles
		eg.Go(func() error {
			task(b, h, t)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
