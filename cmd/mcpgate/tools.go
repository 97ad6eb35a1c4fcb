package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/fentz26/mcpgate/internal/gateway"
	"github.com/fentz26/mcpgate/internal/mcp"
	"github.com/fentz26/mcpgate/internal/models"
	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List, search and call tools you are permitted to use",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List permitted tools",
	RunE:  runToolsList,
}

var toolsSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search permitted tools by name and description",
	Args:  cobra.ExactArgs(1),
	RunE:  runToolsSearch,
}

var toolsCallCmd = &cobra.Command{
	Use:     "call <tool> [json-arguments]",
	Short:   "Execute a tool through the gateway",
	Example: `  mcpgate tools call file_read '{"path": "/tmp/notes.txt"}'`,
	Args:    cobra.RangeArgs(1, 2),
	RunE:    runToolsCall,
}

func init() {
	toolsCmd.AddCommand(toolsListCmd, toolsSearchCmd, toolsCallCmd)
}

func runToolsList(cmd *cobra.Command, args []string) error {
	var tools []mcp.ToolRegistration
	if err := apiGet("/tools", &tools); err != nil {
		return err
	}
	if len(tools) == 0 {
		fmt.Println("No tools available.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSERVER\tCALLS\tDESCRIPTION")
	for _, t := range tools {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", t.Definition.Name, t.Definition.ServerID, t.CallCount, t.Definition.Description)
	}
	return w.Flush()
}

func runToolsSearch(cmd *cobra.Command, args []string) error {
	var results []gateway.ScoredTool
	if err := apiGet("/tools/search?q="+url.QueryEscape(args[0]), &results); err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Printf("No tools match %q.\n", args[0])
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCORE\tNAME\tSERVER\tDESCRIPTION")
	for _, r := range results {
		fmt.Fprintf(w, "%.1f\t%s\t%s\t%s\n", r.Score, r.Definition.Name, r.Definition.ServerID, r.Definition.Description)
	}
	return w.Flush()
}

func runToolsCall(cmd *cobra.Command, args []string) error {
	arguments := json.RawMessage(`{}`)
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("arguments must be valid JSON")
		}
		arguments = json.RawMessage(args[1])
	}

	var result models.ToolResult
	body := map[string]json.RawMessage{"arguments": arguments}
	if err := apiPost("/tools/"+url.PathEscape(args[0])+"/call", body, &result); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "✓ %s on %s (%dms)\n", result.ToolName, result.ServerID, result.ExecutionMs)
	return printJSON(result.Content)
}

func printJSON(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
