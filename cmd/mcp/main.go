// Command infravault-mcp exposes the risk ledger API as MCP tools over
// stdio. Stdout carries the protocol, so logs go to stderr.
package main

import (
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/infravault/internal/mcpserver"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := mcpserver.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("serving MCP over stdio", "api", cfg.APIURL)

	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg)); err != nil {
		logger.Error("mcp server stopped", "error", err)
		os.Exit(1)
	}
}
