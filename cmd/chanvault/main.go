package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chanvault/chanvault/internal/config"
	"github.com/chanvault/chanvault/internal/db"
)

func main() {
	root := &cobra.Command{
		Use:          "chanvault",
		Short:        "Telegram channel media ingestion and approval service",
		SilenceUsage: true,
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run migrations and start the HTTP server and ingestion pipeline",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return db.Migrate(cfg.Postgres)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
