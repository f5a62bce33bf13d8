// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the mcpbroker command-line
// application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/addielabs/mcpbroker/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "mcpbroker",
	DisableAutoGenTag: true,
	Short:             "mcpbroker is an OAuth 2.1 broker for MCP clients",
	Long: `mcpbroker terminates OAuth 2.1 authorization-code-with-PKCE flows for
MCP (Model Context Protocol) clients while delegating end-user authentication
to an upstream OpenID Connect identity provider. It issues its own short-lived
single-use authorization codes and relays the upstream provider's tokens.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the mcpbroker CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Fatalf("Failed to bind debug flag: %v", err)
	}

	viper.SetEnvPrefix("MCPBROKER")
	viper.AutomaticEnv()

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
