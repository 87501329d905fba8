package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/dossier/internal/synthesis"
)

func synthesizeCMD(cfgPath *string) *cobra.Command {
	var format string
	var cached bool

	var synth = &cobra.Command{
		Use:   "synthesize <run-id>",
		Short: "Rebuild the synthesis bundle of a run from its step results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "markdown" && format != "json" {
				return fmt.Errorf("unknown format %q", format)
			}
			ctx := cmd.Context()
			var (
				a      *app
				err    error
				bundle *synthesis.Bundle
			)
			if cached {
				a, err = loadBase(ctx, *cfgPath)
			} else {
				a, err = newApp(ctx, *cfgPath)
			}
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if cached {
				bundle, err = a.store.LoadSynthesisBundle(ctx, args[0])
			} else {
				bundle, err = a.engine.BuildRun(ctx, a.store, args[0])
			}
			if err != nil {
				return err
			}
			return writeBundle(cmd, bundle, format)
		},
	}
	synth.Flags().StringVar(&format, "format", "markdown", "output format: markdown or json")
	synth.Flags().BoolVar(&cached, "cached", false, "print the last saved bundle instead of rebuilding")
	return synth
}

func writeBundle(cmd *cobra.Command, b *synthesis.Bundle, format string) error {
	out := cmd.OutOrStdout()
	if format == "json" {
		body := b.RenderedJSON
		if len(body) == 0 {
			var err error
			if body, err = synthesis.RenderJSON(b); err != nil {
				return err
			}
		}
		_, err := fmt.Fprintln(out, string(body))
		return err
	}
	text := b.RenderedText
	if text == "" {
		text = synthesis.RenderMarkdown(b)
	}
	_, err := fmt.Fprint(out, text)
	return err
}
