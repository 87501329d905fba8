package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/dossier/internal/protocol"
)

func entityCMD(cfgPath *string) *cobra.Command {
	var e protocol.Entity
	var entity = &cobra.Command{
		Use:   "entity",
		Short: "Manage researched entities",
	}
	var add = &cobra.Command{
		Use:   "add",
		Short: "Register an entity and print its id",
		RunE: func(cmd *cobra.Command, args []string) error {
			if e.Name == "" {
				return fmt.Errorf("--name is required")
			}
			ctx := cmd.Context()
			a, err := loadBase(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.close(ctx)
			id, err := a.pg.CreateEntity(ctx, e)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	add.Flags().StringVar(&e.Name, "name", "", "entity name")
	add.Flags().StringVar(&e.Website, "website", "", "entity website")
	add.Flags().StringVar(&e.Industry, "industry", "", "industry")
	add.Flags().StringVar(&e.Description, "description", "", "short description")
	add.Flags().StringSliceVar(&e.Tags, "tag", nil, "tag (repeatable)")
	entity.AddCommand(add)
	return entity
}

func enqueueCMD(cfgPath *string) *cobra.Command {
	var primary, secondary string
	var enqueue = &cobra.Command{
		Use:   "enqueue",
		Short: "Create a pending run for one entity or a pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			if primary == "" {
				return fmt.Errorf("--primary is required")
			}
			if primary == secondary {
				return fmt.Errorf("--secondary must differ from --primary")
			}
			ctx := cmd.Context()
			a, err := loadBase(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.close(ctx)
			for _, id := range []string{primary, secondary} {
				if id == "" {
					continue
				}
				if _, err := a.pg.GetEntity(ctx, id); err != nil {
					return err
				}
			}
			runID, err := a.pg.CreateRun(ctx, primary, secondary)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), runID)
			return nil
		},
	}
	enqueue.Flags().StringVar(&primary, "primary", "", "primary entity id")
	enqueue.Flags().StringVar(&secondary, "secondary", "", "secondary entity id for a comparative run")
	return enqueue
}
