// Command infravault serves the encrypted risk ledger API.
//
//	infravault                # run the server
//	infravault check-config   # validate the environment and exit
//	infravault version
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mbd888/infravault/internal/config"
	"github.com/mbd888/infravault/internal/logging"
	"github.com/mbd888/infravault/internal/server"
)

// Set by -ldflags at release time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "infravault",
		Short:         "Encrypted risk ledger for critical-infrastructure networks",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "check-config",
			Short: "Load and validate configuration from the environment",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load()
				if err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "invalid configuration:", err)
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok: env=%s oracle=%s auth=%s postgres=%t redis=%t\n",
					cfg.Env, cfg.OracleMode, cfg.AuthPolicy, cfg.DatabaseURL != "", cfg.RedisAddr != "")
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print build information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "infravault %s (%s, built %s)\n", Version, Commit, BuildTime)
			},
		},
	)
	return root
}

func serve(ctx context.Context) error {
	if Version != "dev" {
		server.Version = Version
	}

	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		return err
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting infravault",
		"version", Version,
		"commit", Commit,
		"env", cfg.Env,
		"oracle_mode", cfg.OracleMode,
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisAddr != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		return err
	}
	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", "error", err)
		return err
	}
	return nil
}
