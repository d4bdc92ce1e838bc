// Package cmd provides the CLI commands for GAP.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mikekelly/gap/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gap",
	Short: "GAP - Gated Agent Proxy",
	Long: `GAP is a localhost HTTPS proxy that lets AI agents call upstream APIs
without ever possessing the credentials.

An agent authenticates with a bearer token and issues ordinary HTTPS
requests through the proxy. GAP terminates TLS with a locally trusted CA,
runs the matching plugin's transform with that plugin's credentials, and
relays the re-encrypted request to the origin. Hosts without an installed
plugin are refused. Credentials are write-only: they can be set and
deleted, never read back.

Quick start:
  1. gap init                      initialize with a master password
  2. gap token create my-agent     issue an agent token (shown once)
  3. gap plugin install exa.js     install a plugin
  4. gap credential set exa api_key
  5. gap start                     run the proxy (default 127.0.0.1:9443)

Configuration:
  Config is loaded from gap.yaml in the current directory, $HOME/.gap/,
  or /etc/gap/. Environment variables override with the GAP_ prefix,
  e.g. GAP_PROXY_ADDR=127.0.0.1:9443. GAP_DATA_DIR moves the on-disk
  store.`,
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./gap.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
