// Package cli implements infravaultctl, the command-line client for the
// infravault ledger.
package cli

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/infravault/pkg/client"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server  string
	APIKey  string
	Format  string // "json" | "text"
	Timeout time.Duration
	Verbose bool

	// newClient is swapped in tests.
	newClient func(server, apiKey string) *client.Client
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for infravaultctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{
		newClient: func(server, apiKey string) *client.Client {
			return client.New(server, apiKey)
		},
	}

	cmd := &cobra.Command{
		Use:   "infravaultctl",
		Short: "Operate an infravault risk ledger",
		Long: `infravaultctl submits encrypted infrastructure networks, drives the
analysis and reveal oracle round trips, and inspects the audit log.

The server URL and API key default to $INFRAVAULT_API_URL and
$INFRAVAULT_API_KEY.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVarP(&opts.Server, "server", "s", envOr("INFRAVAULT_API_URL", "http://localhost:8080"), "server base URL")
	cmd.PersistentFlags().StringVarP(&opts.APIKey, "api-key", "k", os.Getenv("INFRAVAULT_API_KEY"), "API key")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 60*time.Second, "overall command timeout")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	// Add subcommands
	cmd.AddCommand(newInfoCommand(opts))
	cmd.AddCommand(newEncryptCommand(opts))
	cmd.AddCommand(newSubmitCommand(opts))
	cmd.AddCommand(newAssessCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newAnalyzeCommand(opts))
	cmd.AddCommand(newRevealCommand(opts))
	cmd.AddCommand(newResultCommand(opts))
	cmd.AddCommand(newEventsCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))
	cmd.AddCommand(newReceiptsCommand(opts))
	cmd.AddCommand(newWebhooksCommand(opts))
	cmd.AddCommand(newAdminCommand(opts))

	return cmd
}

func (o *RootOptions) client() *client.Client {
	return o.newClient(o.Server, o.APIKey)
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
