package main

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fentz26/mcpgate/internal/models"
	"github.com/spf13/cobra"
)

var approvalsCmd = &cobra.Command{
	Use:     "approvals",
	Aliases: []string{"approval"},
	Short:   "Review calls waiting for approval",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List approval requests",
	RunE:  runApprovalsList,
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending request",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return decide(args[0], "approve") },
}

var approvalsRejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a pending request",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return decide(args[0], "reject") },
}

var approvalsExecCmd = &cobra.Command{
	Use:   "exec <id>",
	Short: "Execute an approved request",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprovalsExec,
}

var (
	approvalStatus string
	approvalReason string
)

func init() {
	approvalsCmd.AddCommand(approvalsListCmd, approvalsApproveCmd, approvalsRejectCmd, approvalsExecCmd)

	approvalsListCmd.Flags().StringVar(&approvalStatus, "status", "", "Filter by status (pending, approved, rejected, completed, failed)")
	approvalsApproveCmd.Flags().StringVar(&approvalReason, "reason", "", "Reason recorded with the decision")
	approvalsRejectCmd.Flags().StringVar(&approvalReason, "reason", "", "Reason recorded with the decision")
}

func runApprovalsList(cmd *cobra.Command, args []string) error {
	path := "/approvals"
	if approvalStatus != "" {
		path += "?status=" + url.QueryEscape(approvalStatus)
	}
	var reqs []models.ApprovalRequest
	if err := apiGet(path, &reqs); err != nil {
		return err
	}
	if len(reqs) == 0 {
		fmt.Println("No approval requests.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTOOL\tUSER\tCREATED\tDECIDED BY")
	for _, r := range reqs {
		decided := r.DecidedBy
		if decided == "" {
			decided = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Status, r.ToolName, r.User.UserID, r.CreatedAt.Format(time.RFC3339), decided)
	}
	return w.Flush()
}

func decide(id, action string) error {
	var req models.ApprovalRequest
	if err := apiPost("/approvals/"+url.PathEscape(id)+"/"+action, map[string]string{"reason": approvalReason}, &req); err != nil {
		return err
	}
	fmt.Printf("✓ %s is now %s\n", req.ID, req.Status)
	return nil
}

func runApprovalsExec(cmd *cobra.Command, args []string) error {
	var out struct {
		Approval models.ApprovalRequest `json:"approval"`
		Result   models.ToolResult      `json:"result"`
	}
	if err := apiPost("/approvals/"+url.PathEscape(args[0])+"/execute", nil, &out); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "✓ %s %s (%dms)\n", out.Approval.ID, out.Approval.Status, out.Result.ExecutionMs)
	return printJSON(out.Result.Content)
}
