// Package cmd provides the CLI commands for WardGate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Ward-Gate/wardgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "wardgate",
	Short: "WardGate - trust perimeter for AI agent gateways",
	Long: `WardGate is the trust perimeter of an AI agent gateway: it authenticates
clients, rate-limits credential failures, gates tool calls behind policy,
confines plugins to least-privilege sandboxes, and blocks SSRF on outbound
fetches.

Quick start:
  1. Create a config file: wardgate.yaml
  2. Run: wardgate start

Configuration:
  Config is loaded from wardgate.yaml in the current directory,
  $HOME/.wardgate/, or /etc/wardgate/.

  Environment variables can override config values with the WARDGATE_ prefix.
  Example: WARDGATE_SERVER_ADDR=127.0.0.1:9090

Commands:
  start       Start the gateway server
  stop        Stop the running server
  hash-key    Generate an argon2id hash for a token or password
  gen-cert    Generate the self-signed TLS certificate pair
  version     Print version information`,
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./wardgate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
