package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fentz26/mcpgate/internal/mcp"
	"github.com/spf13/cobra"
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Manage MCP servers behind the gateway",
}

var serversListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered servers",
	RunE:  runServersList,
}

var serversAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register and connect a server",
	Example: `  mcpgate servers add fs --stdio "npx -y @modelcontextprotocol/server-filesystem /tmp"
  mcpgate servers add search --sse https://search.internal/sse --header Authorization="Bearer x"
  mcpgate servers add kb --ws wss://kb.internal/mcp`,
	Args: cobra.ExactArgs(1),
	RunE: runServersAdd,
}

var serversRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Disconnect and unregister a server",
	Args:  cobra.ExactArgs(1),
	RunE:  runServersRemove,
}

var serversRefreshCmd = &cobra.Command{
	Use:   "refresh <id>",
	Short: "Re-list a server's tools",
	Args:  cobra.ExactArgs(1),
	RunE:  runServersRefresh,
}

var (
	addID            string
	addStdio         string
	addSSE           string
	addWS            string
	addHeaders       []string
	addEnv           []string
	addTimeout       uint64
	addNoReconnect   bool
	addMaxReconnects uint32
)

func init() {
	serversCmd.AddCommand(serversListCmd, serversAddCmd, serversRemoveCmd, serversRefreshCmd)

	serversAddCmd.Flags().StringVar(&addID, "id", "", "Server id (generated when empty)")
	serversAddCmd.Flags().StringVar(&addStdio, "stdio", "", "Command line for a stdio server")
	serversAddCmd.Flags().StringVar(&addSSE, "sse", "", "URL of an SSE server")
	serversAddCmd.Flags().StringVar(&addWS, "ws", "", "URL of a WebSocket server")
	serversAddCmd.Flags().StringArrayVar(&addHeaders, "header", nil, "HTTP header KEY=VALUE for sse/ws servers (repeatable)")
	serversAddCmd.Flags().StringArrayVar(&addEnv, "env", nil, "Environment KEY=VALUE for stdio servers (repeatable)")
	serversAddCmd.Flags().Uint64Var(&addTimeout, "timeout", 0, "Connection timeout in seconds")
	serversAddCmd.Flags().BoolVar(&addNoReconnect, "no-reconnect", false, "Do not reconnect after failures")
	serversAddCmd.Flags().Uint32Var(&addMaxReconnects, "max-reconnects", 0, "Reconnect attempts before giving up")
}

func runServersList(cmd *cobra.Command, args []string) error {
	var servers []mcp.ServerConnection
	if err := apiGet("/servers", &servers); err != nil {
		return err
	}
	if len(servers) == 0 {
		fmt.Println("No servers registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tENDPOINT\tSTATUS\tFAILURES\tLAST CHECK")
	for _, s := range servers {
		last := "-"
		if s.LastHealthCheck != nil {
			last = s.LastHealthCheck.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", s.ID, s.Name, s.Endpoint.String(), s.Status, s.FailureCount, last)
	}
	return w.Flush()
}

func runServersAdd(cmd *cobra.Command, args []string) error {
	endpoint, err := endpointFromFlags()
	if err != nil {
		return err
	}
	cfg := mcp.ServerConfig{
		ID:                    addID,
		Name:                  args[0],
		Endpoint:              endpoint,
		ConnectionTimeoutSecs: addTimeout,
		AutoReconnect:         !addNoReconnect,
		MaxReconnectAttempts:  addMaxReconnects,
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var conn mcp.ServerConnection
	if err := apiPost("/servers", cfg, &conn); err != nil {
		return err
	}
	fmt.Printf("✓ Registered %s (%s) status=%s\n", conn.Name, conn.ID, conn.Status)
	return nil
}

func endpointFromFlags() (mcp.ServerEndpoint, error) {
	set := 0
	for _, v := range []string{addStdio, addSSE, addWS} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return mcp.ServerEndpoint{}, fmt.Errorf("exactly one of --stdio, --sse or --ws is required")
	}

	headers, err := parseKeyValues(addHeaders)
	if err != nil {
		return mcp.ServerEndpoint{}, err
	}

	switch {
	case addStdio != "":
		fields := strings.Fields(addStdio)
		ep := mcp.StdioServer(fields[0], fields[1:]...)
		env, err := parseKeyValues(addEnv)
		if err != nil {
			return mcp.ServerEndpoint{}, err
		}
		ep.Stdio.Env = env
		return ep, nil
	case addSSE != "":
		ep := mcp.SSEServer(addSSE)
		ep.SSE.Headers = headers
		return ep, nil
	default:
		ep := mcp.WebSocketServer(addWS)
		ep.WebSocket.Headers = headers
		return ep, nil
	}
}

func parseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid KEY=VALUE pair %q", p)
		}
		out[k] = v
	}
	return out, nil
}

func runServersRemove(cmd *cobra.Command, args []string) error {
	if err := apiDelete("/servers/" + url.PathEscape(args[0])); err != nil {
		return err
	}
	fmt.Printf("✓ Removed %s\n", args[0])
	return nil
}

func runServersRefresh(cmd *cobra.Command, args []string) error {
	var conn mcp.ServerConnection
	if err := apiPost("/servers/"+url.PathEscape(args[0])+"/refresh", nil, &conn); err != nil {
		return err
	}
	fmt.Printf("✓ Refreshed %s status=%s\n", conn.ID, conn.Status)
	return nil
}
