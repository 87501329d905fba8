package main

import (
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/dossier/config"
	"github.com/mohammad-safakhou/dossier/internal/store"
)

func migrateCMD(cfgPath *string) *cobra.Command {
	var direction string
	var steps int
	var dsn string

	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				cfg, err := config.LoadConfig(*cfgPath)
				if err != nil {
					return err
				}
				dsn = cfg.Storage.Postgres.DSN()
			}
			return store.Migrate(dsn, direction, steps)
		},
	}
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	migrate.Flags().StringVar(&dsn, "dsn", "", "postgres DSN (default from config)")
	return migrate
}
