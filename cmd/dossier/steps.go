package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/dossier/internal/protocol"
)

func stepsCMD() *cobra.Command {
	var primary, secondary string
	var steps = &cobra.Command{
		Use:   "steps",
		Short: "List the research step catalogue",
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := protocol.DefaultSteps()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CODE\tKIND\tTOKENS\tNAME")
			var total int64
			for _, s := range defs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.Code, s.Kind, s.EstimatedTokens, s.Name)
				total += s.EstimatedTokens
			}
			fmt.Fprintf(w, "\t\t%d\ttotal\n", total)
			if err := w.Flush(); err != nil {
				return err
			}
			if primary != "" {
				out := cmd.OutOrStdout()
				fmt.Fprintln(out)
				for _, s := range defs {
					fmt.Fprintf(out, "%s: %s\n", s.Code, s.BuildQuery(primary, secondary))
				}
			}
			return nil
		},
	}
	steps.Flags().StringVar(&primary, "primary", "", "preview queries for this entity name")
	steps.Flags().StringVar(&secondary, "secondary", "", "secondary entity name for comparative queries")
	return steps
}
