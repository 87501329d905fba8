package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/dossier/internal/protocol"
)

func runCMD(cfgPath *string) *cobra.Command {
	var pending bool
	var watch bool
	var interval time.Duration
	var batch int
	var force bool

	var run = &cobra.Command{
		Use:   "run [run-id...]",
		Short: "Execute the research protocol and synthesis for runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !pending && !watch {
				return fmt.Errorf("give run ids, --pending or --watch")
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, *cfgPath, protocol.WithForce(force))
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if watch {
				return a.proc.Start(ctx, a.runner, interval, batch)
			}
			ids := args
			if pending {
				runs, err := a.pg.ListRunsByStatus(ctx, protocol.RunPending, batch)
				if err != nil {
					return err
				}
				for _, r := range runs {
					ids = append(ids, r.ID)
				}
			}
			return runOnce(ctx, cmd, a, ids)
		},
	}
	run.Flags().BoolVar(&pending, "pending", false, "also process pending runs")
	run.Flags().BoolVar(&watch, "watch", false, "keep polling for pending runs")
	run.Flags().DurationVar(&interval, "interval", 10*time.Second, "poll interval with --watch")
	run.Flags().IntVar(&batch, "batch", 20, "max pending runs per poll")
	run.Flags().BoolVar(&force, "force", false, "re-execute runs left in running state")
	return run
}

func runOnce(ctx context.Context, cmd *cobra.Command, a *app, ids []string) error {
	out := cmd.OutOrStdout()
	failed := 0
	for _, o := range a.runner.RunAll(ctx, ids) {
		if o.Skipped {
			fmt.Fprintf(out, "%s\tskipped\tclaimed by another worker\n", o.RunID)
			continue
		}
		if o.Err != nil {
			failed++
			fmt.Fprintf(out, "%s\tfailed\t%v\n", o.RunID, o.Err)
			continue
		}
		fmt.Fprintf(out, "%s\tok\t%d sections, %d citations, %s\n",
			o.RunID, len(o.Bundle.Sections), len(o.Bundle.Citations), o.Duration.Round(time.Millisecond))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d runs failed", failed, len(ids))
	}
	return nil
}
