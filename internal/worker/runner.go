package worker

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/dossier/internal/telemetry"
)

// Runner processes several runs with bounded concurrency.
type Runner struct {
	proc        *Processor
	concurrency int
	logger      *zap.Logger
}

// NewRunner returns a Runner. concurrency below one means one.
func NewRunner(proc *Processor, concurrency int, logger *zap.Logger) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{proc: proc, concurrency: concurrency, logger: telemetry.OrNop(logger)}
}

// RunAll processes every run id and returns outcomes in input order. One
// run failing never stops the others; a cancelled ctx skips runs not yet
// started.
func (r *Runner) RunAll(ctx context.Context, runIDs []string) []Outcome {
	outcomes := make([]Outcome, len(runIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, id := range runIDs {
		if err := gctx.Err(); err != nil {
			outcomes[i] = Outcome{RunID: id, Err: err}
			continue
		}
		g.Go(func() error {
			outcomes[i] = r.proc.Process(gctx, id)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	r.logger.Info("batch finished", zap.Int("runs", len(runIDs)), zap.Int("failed", failed))
	return outcomes
}
