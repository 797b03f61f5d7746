package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"xusd/cmd/internal/credential"
)

const (
	defaultEndpoint = "http://127.0.0.1:7081"
	defaultTokenEnv = "XUSD_API_TOKEN"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Endpoint string
	Token    string
	TokenEnv string
	Format   string // "json" | "text"
	Timeout  time.Duration

	client *Client
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the xusdctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "xusdctl",
		Short:         "Operate an XUSD vault through vaultd",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			source := credential.NewSource(opts.TokenEnv, "vaultd API token")
			if opts.Token != "" {
				source = credential.Static(opts.Token, "vaultd API token")
			}
			opts.client = NewClient(opts.Endpoint, opts.Timeout, source.Get)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Endpoint, "endpoint", defaultEndpoint, "vaultd base URL")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", "", "bearer token (overrides --token-env)")
	cmd.PersistentFlags().StringVar(&opts.TokenEnv, "token-env", defaultTokenEnv, "environment variable holding the bearer token")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 15*time.Second, "request timeout")

	cmd.AddCommand(newViewCommands(opts)...)
	cmd.AddCommand(newUserCommands(opts)...)
	cmd.AddCommand(newAdminCommand(opts))
	cmd.AddCommand(newEventsCommand(opts))
	cmd.AddCommand(newTokenCommand())

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
