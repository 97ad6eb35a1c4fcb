package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fentz26/mcpgate/internal/permissions"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage permission policies and allow-lists",
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List policies in evaluation order",
	RunE:  runPolicyList,
}

var policyAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Add or replace a policy",
	Example: `  mcpgate policy add eng --priority 10 --rule "file_* group:eng allow" --rule "shell_* all require_approval"
  mcpgate policy add ops --file ops-policy.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runPolicyAdd,
}

var policyRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a policy",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyRemove,
}

var policyCheckCmd = &cobra.Command{
	Use:   "check <tool> [json-arguments]",
	Short: "Show what the gateway would decide for a call",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runPolicyCheck,
}

var policyAllowCmd = &cobra.Command{
	Use:   "allow <bundle-id> <tool>...",
	Short: "Create an allow-list and assign it to users",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runPolicyAllow,
}

var policyAllowListsCmd = &cobra.Command{
	Use:   "allowlists",
	Short: "List allow-lists",
	RunE:  runPolicyAllowLists,
}

var (
	policyName     string
	policyPriority int32
	policyRules    []string
	policyFile     string
	policyDisabled bool

	allowUsers []string
	allowTTL   time.Duration
)

func init() {
	policyCmd.AddCommand(policyListCmd, policyAddCmd, policyRemoveCmd, policyCheckCmd, policyAllowCmd, policyAllowListsCmd)

	policyAddCmd.Flags().StringVar(&policyName, "name", "", "Display name")
	policyAddCmd.Flags().Int32Var(&policyPriority, "priority", 0, "Higher priorities are evaluated first")
	policyAddCmd.Flags().StringArrayVar(&policyRules, "rule", nil, `Rule as "PATTERN SUBJECT DECISION" (repeatable)`)
	policyAddCmd.Flags().StringVar(&policyFile, "file", "", "Read the policy from a YAML file")
	policyAddCmd.Flags().BoolVar(&policyDisabled, "disabled", false, "Add the policy disabled")

	policyAllowCmd.Flags().StringSliceVar(&allowUsers, "user", nil, "Users to assign the allow-list to")
	policyAllowCmd.Flags().DurationVar(&allowTTL, "ttl", 0, "Expire the allow-list after this duration")
}

func runPolicyList(cmd *cobra.Command, args []string) error {
	var policies []permissions.Policy
	if err := apiGet("/policies", &policies); err != nil {
		return err
	}
	if len(policies) == 0 {
		fmt.Println("No policies. Every call falls through to the default policy.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPRIORITY\tENABLED\tPATTERN\tSUBJECT\tDECISION")
	for _, p := range policies {
		enabled := "✓"
		if !p.Enabled {
			enabled = "✗"
		}
		if len(p.Rules) == 0 {
			fmt.Fprintf(w, "%s\t%d\t%s\t-\t-\t-\n", p.ID, p.Priority, enabled)
			continue
		}
		for i, r := range p.Rules {
			id, prio, en := p.ID, fmt.Sprint(p.Priority), enabled
			if i > 0 {
				id, prio, en = "", "", ""
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", id, prio, en, r.ToolPattern, r.Subject, r.Decision)
		}
	}
	return w.Flush()
}

func runPolicyAdd(cmd *cobra.Command, args []string) error {
	p, err := policyFromFlags(args[0])
	if err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if err := apiPost("/policies", p, nil); err != nil {
		return err
	}
	fmt.Printf("✓ Policy %s saved (%d rules)\n", p.ID, len(p.Rules))
	return nil
}

func policyFromFlags(id string) (permissions.Policy, error) {
	p := permissions.Policy{ID: id, Name: policyName, Priority: policyPriority, Enabled: !policyDisabled}
	if policyFile != "" {
		data, err := os.ReadFile(policyFile)
		if err != nil {
			return p, fmt.Errorf("reading policy file: %w", err)
		}
		if err := yaml.Unmarshal(data, &p); err != nil {
			return p, fmt.Errorf("parsing policy file: %w", err)
		}
		p.ID = id
	}
	for _, raw := range policyRules {
		r, err := parseRule(raw)
		if err != nil {
			return p, err
		}
		r.ID = fmt.Sprintf("%s-%d", id, len(p.Rules)+1)
		p.Rules = append(p.Rules, r)
	}
	if p.Name == "" {
		p.Name = id
	}
	return p, nil
}

// parseRule reads "PATTERN SUBJECT DECISION", for example "file_* group:eng allow".
func parseRule(s string) (permissions.Rule, error) {
	fields := strings.Fields(s)
	if len(fields) != 3 {
		return permissions.Rule{}, fmt.Errorf("invalid rule %q, want \"PATTERN SUBJECT DECISION\"", s)
	}
	subject, err := permissions.ParseSubject(fields[1])
	if err != nil {
		return permissions.Rule{}, err
	}
	decision, err := permissions.ParseDecision(fields[2])
	if err != nil {
		return permissions.Rule{}, err
	}
	return permissions.Rule{ToolPattern: fields[0], Subject: subject, Decision: decision}, nil
}

func runPolicyRemove(cmd *cobra.Command, args []string) error {
	if err := apiDelete("/policies/" + url.PathEscape(args[0])); err != nil {
		return err
	}
	fmt.Printf("✓ Policy %s removed\n", args[0])
	return nil
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{"tool_name": args[0]}
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("arguments must be valid JSON")
		}
		body["arguments"] = json.RawMessage(args[1])
	}

	var res permissions.Result
	if err := apiPost("/permissions/check", body, &res); err != nil {
		return err
	}
	switch res.Kind {
	case permissions.ResultAllowed:
		fmt.Printf("✓ %s: allowed\n", args[0])
	case permissions.ResultRequiresApproval:
		fmt.Printf("? %s: requires approval (%s)\n", args[0], strings.Join(res.Approvers, ", "))
	default:
		fmt.Printf("✗ %s: denied: %s\n", args[0], res.Reason)
	}
	return nil
}

func runPolicyAllow(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{
		"bundle_id": args[0],
		"tools":     args[1:],
		"users":     allowUsers,
	}
	if allowTTL > 0 {
		body["expires_at"] = time.Now().Add(allowTTL).UTC()
	}

	var list permissions.AllowList
	if err := apiPost("/allowlists", body, &list); err != nil {
		return err
	}
	fmt.Printf("✓ Allow-list %s created with %d tools\n", list.ID, len(list.Tools))
	return nil
}

func runPolicyAllowLists(cmd *cobra.Command, args []string) error {
	var lists []permissions.AllowList
	if err := apiGet("/allowlists", &lists); err != nil {
		return err
	}
	if len(lists) == 0 {
		fmt.Println("No allow-lists.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tBUNDLE\tEXPIRES\tTOOLS")
	for _, l := range lists {
		expires := "never"
		if l.ExpiresAt != nil {
			expires = l.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", l.ID, l.BundleID, expires, strings.Join(l.Tools, ","))
	}
	return w.Flush()
}
