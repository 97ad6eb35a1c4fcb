package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	apiAddr  string
	apiUser  string
	apiToken string
)

var rootCmd = &cobra.Command{
	Use:   "mcpgate",
	Short: "Permission-checked gateway in front of MCP tool servers",
	Long: `mcpgate sits between AI clients and Model Context Protocol servers.
Every tool call is checked against policies and allow-lists, routed to the
server that owns the tool, and recorded in the audit log.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", envOr("MCPGATE_API", "http://127.0.0.1:7480"), "mcpgate API address")
	rootCmd.PersistentFlags().StringVar(&apiUser, "user", envOr("MCPGATE_USER", os.Getenv("USER")), "Identity sent to the API when no token is set")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("MCPGATE_TOKEN"), "Bearer token for the API")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(serversCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(tuiCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
