package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fentz26/mcpgate/internal/models"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent audit entries",
	RunE:  runAudit,
}

var (
	auditTool  string
	auditUser  string
	auditEvent string
	auditLimit int
)

func init() {
	auditCmd.Flags().StringVar(&auditTool, "tool", "", "Filter by tool name")
	auditCmd.Flags().StringVar(&auditUser, "user-id", "", "Filter by user id")
	auditCmd.Flags().StringVar(&auditEvent, "event", "", "Filter by event type")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum entries to show")
}

func runAudit(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if auditTool != "" {
		q.Set("tool", auditTool)
	}
	if auditUser != "" {
		q.Set("user", auditUser)
	}
	if auditEvent != "" {
		q.Set("event", auditEvent)
	}
	q.Set("limit", strconv.Itoa(auditLimit))

	var entries []models.AuditEntry
	if err := apiGet("/audit?"+q.Encode(), &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No audit entries.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tEVENT\tUSER\tTOOL\tSERVER\tOK\tMS\tERROR")
	for _, e := range entries {
		ok := "✓"
		if !e.Success {
			ok = "✗"
		}
		errText := e.ErrorCategory
		if e.ErrorMessage != "" {
			errText = e.ErrorCategory + ": " + e.ErrorMessage
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			e.Timestamp.Format(time.RFC3339), e.EventType, e.User.UserID, e.ToolName, e.ServerID, ok, e.DurationMs, errText)
	}
	return w.Flush()
}
