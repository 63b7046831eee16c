// Stakehold MCP Server - exposes the escrow operator API as MCP tools for LLMs
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/stakehold/internal/auth"
	"github.com/mbd888/stakehold/internal/mcpserver"
)

// Version is set at build time
var Version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL: envOrDefault("STAKEHOLD_API_URL", "http://localhost:8080"),
	}

	if secret := os.Getenv("OPERATOR_JWT_SECRET"); secret != "" {
		iss, err := auth.NewIssuer([]byte(secret))
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid OPERATOR_JWT_SECRET: %v\n", err)
			os.Exit(1)
		}
		cfg.Token = mcpserver.IssuerTokens(iss, "mcp", time.Hour)
	} else {
		fmt.Fprintln(os.Stderr, "OPERATOR_JWT_SECRET not set; requests are sent without a token")
	}

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
