package mcpserver

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/infravault/pkg/client"
)

// Config holds the configuration for connecting to an infravault server.
type Config struct {
	APIURL      string        // Base URL, e.g. "http://localhost:8080"
	APIKey      string        // API key, e.g. "sk_..."
	WaitTimeout time.Duration // How long assess_network waits for each oracle round trip
}

// ConfigFromEnv reads INFRAVAULT_API_URL, INFRAVAULT_API_KEY and
// INFRAVAULT_WAIT_TIMEOUT, loading a .env file first when one exists.
func ConfigFromEnv() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		APIURL: os.Getenv("INFRAVAULT_API_URL"),
		APIKey: os.Getenv("INFRAVAULT_API_KEY"),
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "http://localhost:8080"
	}
	if cfg.APIKey == "" {
		return Config{}, errors.New("INFRAVAULT_API_KEY is required")
	}
	if v := os.Getenv("INFRAVAULT_WAIT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("INFRAVAULT_WAIT_TIMEOUT must be a positive duration, got %q", v)
		}
		cfg.WaitTimeout = d
	}
	return cfg, nil
}

// NewMCPServer creates a configured MCP server with all infravault tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("infravault", "0.1.0")
	h := NewHandlers(client.New(cfg.APIURL, cfg.APIKey), cfg.WaitTimeout)

	s.AddTool(ToolServerInfo, h.HandleServerInfo)
	s.AddTool(ToolSubmitNetwork, h.HandleSubmitNetwork)
	s.AddTool(ToolAssessNetwork, h.HandleAssessNetwork)
	s.AddTool(ToolNetworkStatus, h.HandleNetworkStatus)
	s.AddTool(ToolRequestAnalysis, h.HandleRequestAnalysis)
	s.AddTool(ToolRequestReveal, h.HandleRequestReveal)
	s.AddTool(ToolGetResult, h.HandleGetResult)
	s.AddTool(ToolListEvents, h.HandleListEvents)
	s.AddTool(ToolVerifyReceipt, h.HandleVerifyReceipt)

	return s
}
