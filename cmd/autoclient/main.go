// Package main provides the CLI entry point for discord-autoclient, which
// keeps a fleet of accounts online on the Discord gateway with a configured
// presence and optionally cycles their avatars on a schedule.
//
// # Basic Usage
//
// Run every account in the roster:
//
//	autoclient run --config /data/accounts.json
//
// Check a roster without connecting:
//
//	autoclient validate --config accounts.yaml
//
// # Environment Variables
//
//   - ACCOUNTS_PATH: roster path (default: /data/accounts.json)
//   - PROFILES_PATH: browser profile directory for avatar cycling (default: /srv/profiles)
//   - BROWSER_PATH: Chromium executable (default: /usr/bin/chromium)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "autoclient",
		Short: "Keep Discord accounts online with a custom presence",
		Long: `autoclient holds one gateway session per configured account, re-identifying
with the account's presence whenever the connection drops.

Accounts with avatar cycling enabled also get a headless browser session that
changes the profile picture on a cron schedule.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildValidateCmd(),
		buildIdentifyCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
