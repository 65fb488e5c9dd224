package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildRunCmd creates the "run" command that starts the fleet.
func buildRunCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect every configured account",
		Long: `Connect every account in the roster and keep it connected.

Each account reconnects on its own; an account with invalid configuration is
reported and skipped without affecting the others. Accounts with avatar
cycling enabled also launch a browser session.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Use ACCOUNTS_PATH or /data/accounts.json
  autoclient run

  # Explicit roster with debug logging
  autoclient run --config ./accounts.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFleet(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to roster file (YAML, JSON or JSON5)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}

// buildValidateCmd creates the "validate" command.
func buildValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the roster without connecting",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to roster file")
	return cmd
}

// buildIdentifyCmd creates the "identify" command.
func buildIdentifyCmd() *cobra.Command {
	var (
		configPath string
		update     bool
	)

	cmd := &cobra.Command{
		Use:   "identify <account>",
		Short: "Print the identify frame an account would send",
		Long: `Print the identify frame an account would send on connect, with the token
redacted. With --update, print the presence update frame instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIdentify(cmd, configPath, args[0], update)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to roster file")
	cmd.Flags().BoolVar(&update, "update", false, "Print the presence update frame")
	return cmd
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "autoclient %s\ncommit: %s\nbuilt: %s\n", version, commit, date)
		},
	}
}
