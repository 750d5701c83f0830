package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"solar-history/internal/config"
	"solar-history/pkg/database"
	"solar-history/pkg/logging"
	"solar-history/pkg/metrics"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		direction  string
	)

	cmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply or revert the period_artifacts schema of the postgres store",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if direction != "up" && direction != "down" {
				return fmt.Errorf("unknown direction %q, expected up or down", direction)
			}

			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			logger := logging.NewStructuredLogger("solar-history-migrate", "1.0.0", logging.ParseLevel(cfg.Logging.Level))
			metricsCollector := metrics.NewCollector("solar_history_migrate", prometheus.NewRegistry())

			db, err := database.NewPostgresDB(&database.Config{
				Host:            cfg.Database.Host,
				Port:            cfg.Database.Port,
				User:            cfg.Database.User,
				Password:        cfg.Database.Password,
				Database:        cfg.Database.Database,
				SSLMode:         cfg.Database.SSLMode,
				MaxOpenConns:    1,
				MaxIdleConns:    1,
				ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
				ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
			}, logger, metricsCollector)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			name, err := db.Migrate(ctx, direction)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Migration %s completed successfully\n", name)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default ./solar-history.yaml)")
	cmd.Flags().StringVar(&direction, "direction", "up", "migration direction: up or down")

	return cmd
}
