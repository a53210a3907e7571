// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command immp runs a message-bridging host described by a YAML file: plugs
// connect to chat networks, channels name rooms on them and hooks process
// every message that passes through.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "immp",
	Short: "A modular message bridge",
	Long: `immp connects chat networks through plugs and relays, filters and
archives their messages through hooks, all configured from one YAML file.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "immp %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "immp.yaml", "path to the config file")
	rootCmd.AddCommand(runCmd, checkCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
