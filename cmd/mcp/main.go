// RPC tester MCP server.
// Exposes tester tools over MCP stdio transport.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/rpctester/internal/chain/evm"
	"github.com/gateway-fm/rpctester/internal/config"
	mcptools "github.com/gateway-fm/rpctester/internal/mcp"
)

func main() {
	settings, err := config.LoadSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "settings: %v\n", err)
		os.Exit(1)
	}
	// stdout carries the protocol.
	logger := settings.NewLogger(os.Stderr)

	s := server.NewMCPServer(
		"rpctester",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	tools := &mcptools.Tools{
		Dialer: evm.NewDialer(evm.Config{Logger: logger}),
		Logger: logger,
	}
	if url := os.Getenv("RPCTESTER_URL"); url != "" {
		tools.Client = mcptools.NewClient(url)
	}
	mcptools.RegisterTools(s, tools)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
