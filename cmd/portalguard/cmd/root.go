// Package cmd provides the CLI commands for portalguard.
package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/portalguard/internal/config"
)

var cfgFile string
var devMode bool

var rootCmd = &cobra.Command{
	Use:   "portalguard",
	Short: "portalguard - session and request-resilience layer",
	Long: `portalguard keeps an authenticated session with a remote API alive and
makes calls to it resilient.

It refreshes tokens before they expire, queues calls during a refresh,
retries transient failures, caches reads, queues writes while offline and
replays them when the network returns, and keeps a local error log.

Quick start:
  1. Create a config file with api.base_url: portalguard.yaml
  2. Run: portalguard login <username>
  3. Run: portalguard request GET /me

Configuration:
  Config is loaded from portalguard.yaml in the current directory,
  $HOME/.portalguard/, or /etc/portalguard/. A .env file in the current
  directory is loaded first.

  Environment variables can override config values with the PORTALGUARD_ prefix.
  Example: PORTALGUARD_API_BASE_URL=https://api.example.com`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./portalguard.yaml)")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging)")
}

func initConfig() {
	// .env is optional; values already in the environment win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env: %v\n", err)
	}
	config.InitViper(cfgFile)
}
