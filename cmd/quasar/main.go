package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	// version is set at build time with -ldflags "-X main.version=...".
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quasar",
		Short: "Quasar language worker",
		Long:  "Run Go functions for a host orchestrator over its event stream",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (json, yaml or toml)")
	rootCmd.AddCommand(serveCmd(), indexCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the worker version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "quasar %s\n", version)
		},
	}
}
