// Package main provides the downloader CLI: it keeps a local copy of the
// power and energy history of every Tesla energy site on an account.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

// globalOptions are the flags shared by every command
type globalOptions struct {
	configPath string
	email      string
	debug      bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "solar-history",
		Short: "Incrementally download Tesla energy site history",
		Long: `solar-history downloads the power (per day) and energy (per month)
history of Tesla energy sites into per-period artifacts. Repeated runs only
fetch the current period and periods that were never completed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default ./solar-history.yaml)")
	rootCmd.PersistentFlags().StringVarP(&opts.email, "email", "e", "", "account email used to pick the cached access token")
	rootCmd.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "debug logging")

	rootCmd.AddCommand(newDownloadCommand(opts))
	rootCmd.AddCommand(newSitesCommand(opts))
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "solar-history %s\n", version)
		},
	}
}
