// cmd/tollgate/migrate.go
package main

import (
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"tollgate/internal/config"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the SQL schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup("migrate")
			if err != nil {
				return err
			}
			if cfg.Store == config.StoreMemory {
				return errors.New("the memory store has no schema")
			}
			_, sql, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer sql.Close()
			if err := migrate(cmd.Context(), sql); err != nil {
				return err
			}
			log.Info().Str("store", cfg.Store).Msg("Schema is up to date")
			return nil
		},
	}
}
