// Package cmd provides the CLI commands for toolscope.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/toolscope/toolscope/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "toolscope",
	Short: "toolscope - MCP meta-proxy with curated toolsets",
	Long: `toolscope aggregates tools from many MCP servers and exposes a
curated, dynamically re-scoped toolset to a single MCP client over stdio.

Downstream servers are configured once; the client builds named toolsets
from the aggregated catalog and equips the one it needs, keeping its tool
list small while the full catalog stays one mode switch away.

Quick start:
  1. Create a config file: toolscope.yaml with a servers section
  2. Point your MCP client at: toolscope serve

Configuration:
  Config is loaded from toolscope.yaml in the current directory,
  $HOME/.toolscope/, or /etc/toolscope/.

  Environment variables can override config values with the TOOLSCOPE_ prefix.
  Example: TOOLSCOPE_ROUTING_CALL_TIMEOUT=30s

Commands:
  serve       Serve the MCP endpoint on stdin/stdout
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./toolscope.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
