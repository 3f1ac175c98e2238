// Command migrate applies the embedded goose migrations to the database
// named by --database-url or DATABASE_URL.
//
//	migrate up
//	migrate down
//	migrate status
//	migrate up-to 3
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/mbd888/infravault/internal/logging"
	"github.com/mbd888/infravault/migrations"
)

func main() {
	_ = godotenv.Load()

	var (
		dsn     string
		timeout time.Duration
	)
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the infravault Postgres schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dsn, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "abort the migration after this long")

	goose := func(name, short string, nargs cobra.PositionalArgs) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: short,
			Args:  nargs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()
				return run(ctx, dsn, cmd.Name(), args)
			},
		}
	}
	root.AddCommand(
		goose("up", "Apply all pending migrations", cobra.NoArgs),
		goose("down", "Roll back the last migration", cobra.NoArgs),
		goose("redo", "Roll back and re-apply the last migration", cobra.NoArgs),
		goose("status", "Show applied and pending migrations", cobra.NoArgs),
		goose("version", "Print the current schema version", cobra.NoArgs),
		goose("up-to VERSION", "Apply migrations up to VERSION", cobra.ExactArgs(1)),
		goose("down-to VERSION", "Roll back to VERSION", cobra.ExactArgs(1)),
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		logging.New("info", "text").Error("migrate failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, dsn, command string, args []string) error {
	if dsn == "" {
		return fmt.Errorf("--database-url or DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return migrations.Run(ctx, db, command, args...)
}
