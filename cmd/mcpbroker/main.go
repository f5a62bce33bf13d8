// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the MCP OAuth broker.
package main

import (
	"os"

	"github.com/addielabs/mcpbroker/cmd/mcpbroker/app"
	"github.com/addielabs/mcpbroker/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
