package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/stretch-coach/internal/config"
	"github.com/zhouzirui/stretch-coach/internal/logger"
)

// app is filled by the root command before any subcommand runs.
type app struct {
	cfg *config.Config
	log zerolog.Logger
}

func main() {
	a := &app{}

	root := &cobra.Command{
		Use:           "coach",
		Short:         "stretch-coach: streaming stretching guidance chat",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			envErr := godotenv.Load()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			a.cfg = cfg
			a.log = logger.New(cfg.Log, os.Stderr)
			if envErr != nil {
				a.log.Debug().Err(envErr).Msg("no .env file, using process environment only")
			}
			return nil
		},
	}

	root.AddCommand(
		chatCmd(a),
		sessionCmd(a),
		migrateCmd(a),
		serveCmd(a),
		watchCmd(a),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "coach:", err)
		os.Exit(1)
	}
}
