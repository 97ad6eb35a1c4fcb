// Package tui provides the interactive terminal dashboard for mcpgate.
package tui

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/mcpgate/internal/gateway"
	"github.com/fentz26/mcpgate/internal/mcp"
	"github.com/fentz26/mcpgate/internal/models"
)

var (
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	tabStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 1)

	activeTabStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 1)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

// Views shown by the dashboard.
const (
	viewServers   = "servers"
	viewTools     = "tools"
	viewApprovals = "approvals"
)

var views = []string{viewServers, viewTools, viewApprovals}

// RefreshInterval is how often the dashboard polls the API.
const RefreshInterval = 2 * time.Second

// App is the dashboard model.
type App struct {
	client      *Client
	input       textinput.Model
	suggestions *Suggestions

	servers   table.Model
	tools     table.Model
	approvals table.Model

	health       *Health
	toolList     []mcp.ToolRegistration
	search       []gateway.ScoredTool
	searchQuery  string
	pending      []models.ApprovalRequest
	daemonOnline bool

	mode    string
	message string
	width   int
	height  int
}

// New creates a dashboard talking to apiAddr as user, or with token.
func New(apiAddr, user, token string) *App {
	ti := textinput.New()
	ti.Placeholder = "Type: /search <q> | /call <tool> <json> | /approve <id> | /exec <id>"
	ti.Focus()
	ti.CharLimit = 512
	ti.Width = 80

	a := &App{
		client:      NewClient(apiAddr, user, token),
		input:       ti,
		suggestions: NewSuggestions(),
		servers: newTable([]table.Column{
			{Title: "ID", Width: 14},
			{Title: "NAME", Width: 18},
			{Title: "STATUS", Width: 13},
			{Title: "FAILS", Width: 5},
			{Title: "LAST CHECK", Width: 10},
			{Title: "LAST ERROR", Width: 40},
		}),
		tools: newTable([]table.Column{
			{Title: "TOOL", Width: 24},
			{Title: "SERVER", Width: 14},
			{Title: "CALLS", Width: 6},
			{Title: "AVG MS", Width: 8},
			{Title: "SCORE", Width: 5},
			{Title: "DESCRIPTION", Width: 40},
		}),
		approvals: newTable([]table.Column{
			{Title: "ID", Width: 36},
			{Title: "TOOL", Width: 20},
			{Title: "USER", Width: 14},
			{Title: "STATUS", Width: 10},
			{Title: "CREATED", Width: 20},
		}),
		mode: viewServers,
	}
	a.focusActive()
	return a
}

func newTable(cols []table.Column) table.Model {
	t := table.New(
		table.WithColumns(cols),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(mutedColor).
		BorderBottom(true).
		Bold(true).
		Foreground(cyanColor)
	s.Selected = s.Selected.
		Foreground(fgColor).
		Background(primaryColor).
		Bold(true)
	t.SetStyles(s)
	return t
}

// Run starts the dashboard.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.refresh(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit

		case "esc":
			if a.searchQuery != "" {
				a.searchQuery = ""
				a.search = nil
				a.syncTools()
				return a, nil
			}

		case "tab":
			if a.suggestions.IsVisible() {
				if selected := a.suggestions.Selected(); selected != nil {
					a.input.SetValue(selected.Text + " ")
					a.input.CursorEnd()
					a.suggestions.Update("")
				}
				return a, nil
			}
			a.switchView(1)
			return a, nil

		case "shift+tab":
			a.switchView(-1)
			return a, nil

		case "up", "down", "pgup", "pgdown":
			if a.suggestions.IsVisible() {
				if msg.String() == "up" {
					a.suggestions.Prev()
				} else {
					a.suggestions.Next()
				}
				return a, nil
			}
			t := a.activeTable()
			var cmd tea.Cmd
			*t, cmd = t.Update(msg)
			return a, cmd

		case "enter":
			if a.suggestions.IsVisible() {
				if selected := a.suggestions.Selected(); selected != nil {
					a.input.SetValue(selected.Text + " ")
					a.input.CursorEnd()
					a.suggestions.Update("")
				}
				return a, nil
			}
			cmd := strings.TrimSpace(a.input.Value())
			if cmd != "" {
				a.input.SetValue("")
				a.suggestions.Update("")
				return a, a.executeCommand(cmd)
			}
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 6
		h := msg.Height - 12
		if h < 3 {
			h = 3
		}
		for _, t := range []*table.Model{&a.servers, &a.tools, &a.approvals} {
			t.SetHeight(h)
			t.SetWidth(msg.Width - 2)
		}

	case healthMsg:
		a.daemonOnline = true
		a.health = msg.health
		a.syncServers()

	case toolsMsg:
		a.toolList = msg.tools
		a.syncTools()

	case searchMsg:
		a.searchQuery = msg.query
		a.search = msg.results
		a.mode = viewTools
		a.focusActive()
		a.syncTools()
		a.message = fmt.Sprintf("✓ %d tools match %q", len(msg.results), msg.query)

	case approvalsMsg:
		a.pending = msg.approvals
		a.syncApprovals()

	case tickMsg:
		return a, tea.Batch(a.refresh(), a.tickCmd())

	case commandResultMsg:
		a.message = msg.message
		return a, a.refresh()

	case errMsg:
		a.message = "Error: " + msg.err.Error()
		if _, isAPI := msg.err.(*APIError); !isAPI {
			a.daemonOnline = false
		}
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)

	a.suggestions.Update(a.input.Value())
	if strings.HasPrefix(a.input.Value(), "@") {
		names := make([]string, 0, len(a.toolList))
		for _, t := range a.toolList {
			names = append(names, t.Definition.Name)
		}
		a.suggestions.SetTools(names)
	}

	return a, tea.Batch(cmds...)
}

func (a *App) switchView(step int) {
	idx := 0
	for i, v := range views {
		if v == a.mode {
			idx = i
		}
	}
	idx = (idx + step + len(views)) % len(views)
	a.mode = views[idx]
	a.focusActive()
}

func (a *App) focusActive() {
	a.servers.Blur()
	a.tools.Blur()
	a.approvals.Blur()
	a.activeTable().Focus()
}

func (a *App) activeTable() *table.Model {
	switch a.mode {
	case viewTools:
		return &a.tools
	case viewApprovals:
		return &a.approvals
	default:
		return &a.servers
	}
}

func (a *App) syncServers() {
	if a.health == nil {
		a.servers.SetRows(nil)
		return
	}
	rows := make([]table.Row, 0, len(a.health.Gateway.Servers))
	for _, s := range a.health.Gateway.Servers {
		lastCheck := "never"
		if s.LastHealthCheck != nil {
			lastCheck = s.LastHealthCheck.Local().Format("15:04:05")
		}
		rows = append(rows, table.Row{
			s.ServerID,
			s.Name,
			string(s.Status),
			fmt.Sprintf("%d", s.FailureCount),
			lastCheck,
			truncate(s.LastError, 40),
		})
	}
	a.servers.SetRows(rows)
}

func (a *App) syncTools() {
	var rows []table.Row
	if a.searchQuery != "" {
		for _, t := range a.search {
			rows = append(rows, toolRow(t.ToolRegistration, fmt.Sprintf("%.1f", t.Score)))
		}
	} else {
		for _, t := range a.toolList {
			rows = append(rows, toolRow(t, ""))
		}
	}
	a.tools.SetRows(rows)
}

func toolRow(t mcp.ToolRegistration, score string) table.Row {
	return table.Row{
		t.Definition.Name,
		t.Definition.ServerID,
		fmt.Sprintf("%d", t.CallCount),
		fmt.Sprintf("%.1f", t.AvgExecutionMs),
		score,
		truncate(t.Definition.Description, 40),
	}
}

func (a *App) syncApprovals() {
	rows := make([]table.Row, 0, len(a.pending))
	for _, r := range a.pending {
		rows = append(rows, table.Row{
			r.ID,
			r.ToolName,
			r.User.UserID,
			string(r.Status),
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		})
	}
	a.approvals.SetRows(rows)
}

// selectedApproval returns the id under the cursor in the approvals view.
func (a *App) selectedApproval() string {
	row := a.approvals.SelectedRow()
	if len(row) == 0 {
		return ""
	}
	return row[0]
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := onlineStyle.Render("● GATEWAY")
	if !a.daemonOnline {
		daemonStatus = offlineStyle.Render("○ GATEWAY")
	}

	header := titleStyle.Render("mcpgate") + "  " + daemonStatus
	if a.health != nil {
		header += "  " + a.formatOverall(a.health.Gateway.Overall)
		header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(
			fmt.Sprintf("[%d servers, %d tools]", len(a.health.Gateway.Servers), len(a.toolList)))
	}
	b.WriteString(header + "\n")

	var tabs []string
	for _, v := range views {
		label := strings.ToUpper(v)
		if v == viewApprovals && len(a.pending) > 0 {
			label += fmt.Sprintf(" (%d)", countPending(a.pending))
		}
		if v == a.mode {
			tabs = append(tabs, activeTabStyle.Render(label))
		} else {
			tabs = append(tabs, tabStyle.Render(label))
		}
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, tabs...) + "\n")

	if a.mode == viewTools && a.searchQuery != "" {
		b.WriteString(lipgloss.NewStyle().Foreground(mutedColor).Render(fmt.Sprintf(" Search: %q (Esc to clear)", a.searchQuery)) + "\n")
	}
	b.WriteString(a.activeTable().View())

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Render(a.input.View()))
	if a.suggestions.IsVisible() {
		b.WriteString("\n")
		b.WriteString(a.suggestions.Render(a.width))
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case viewServers:
		status = " ↑↓:nav | Tab:next view | /refresh <id> | Ctrl+C:quit"
	case viewTools:
		status = " ↑↓:nav | Tab:next view | /search <q> | /call <tool> <json> | Ctrl+C:quit"
	case viewApprovals:
		status = " ↑↓:nav | Tab:next view | /approve | /reject | /exec | Ctrl+C:quit"
	}
	b.WriteString(statusBarStyle.Width(a.width).Render(status))

	return b.String()
}

func (a *App) formatOverall(s mcp.HealthState) string {
	switch s {
	case mcp.HealthHealthy:
		return lipgloss.NewStyle().Foreground(successColor).Render("● HEALTHY")
	case mcp.HealthDegraded:
		return lipgloss.NewStyle().Foreground(warningColor).Render("◐ DEGRADED")
	default:
		return lipgloss.NewStyle().Foreground(errorColor).Render("✗ UNHEALTHY")
	}
}

func countPending(reqs []models.ApprovalRequest) int {
	n := 0
	for _, r := range reqs {
		if r.Status == models.ApprovalPending {
			n++
		}
	}
	return n
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func (a *App) refresh() tea.Cmd {
	return tea.Batch(a.fetchHealth(), a.fetchTools(), a.fetchApprovals())
}

func (a *App) fetchHealth() tea.Cmd {
	return func() tea.Msg {
		h, err := a.client.Health()
		if err != nil {
			return errMsg{err}
		}
		return healthMsg{h}
	}
}

func (a *App) fetchTools() tea.Cmd {
	return func() tea.Msg {
		tools, err := a.client.ListTools()
		if err != nil {
			return errMsg{err}
		}
		return toolsMsg{tools}
	}
}

func (a *App) fetchApprovals() tea.Cmd {
	return func() tea.Msg {
		reqs, err := a.client.ListApprovals("")
		if err != nil {
			// Approvals may be disabled; keep the rest of the dashboard quiet.
			return approvalsMsg{}
		}
		return approvalsMsg{reqs}
	}
}

type tickMsg time.Time

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(RefreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) executeCommand(input string) tea.Cmd {
	input = strings.TrimPrefix(input, "/")
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}

	cmd := parts[0]
	args := parts[1:]

	switch cmd {
	case "q", "quit", "exit":
		return tea.Quit
	case "search":
		if len(args) < 1 {
			return result("Usage: search <query>")
		}
		query := strings.Join(args, " ")
		return func() tea.Msg {
			results, err := a.client.SearchTools(query)
			if err != nil {
				return errMsg{err}
			}
			return searchMsg{query: query, results: results}
		}
	}

	// Resolved before the closure runs so the cursor reflects this keypress.
	approvalID := ""
	if len(args) > 0 {
		approvalID = args[0]
	} else if a.mode == viewApprovals {
		approvalID = a.selectedApproval()
	}

	return func() tea.Msg {
		switch cmd {
		case "refresh":
			if len(args) < 1 {
				return commandResultMsg{"✓ Refreshed"}
			}
			if err := a.client.RefreshServer(args[0]); err != nil {
				return errMsg{err}
			}
			return commandResultMsg{"✓ Server refreshed: " + args[0]}

		case "call":
			if len(args) < 1 {
				return commandResultMsg{"Usage: call <tool> [json-arguments]"}
			}
			var raw json.RawMessage
			if len(args) > 1 {
				raw = json.RawMessage(strings.Join(args[1:], " "))
				if !json.Valid(raw) {
					return commandResultMsg{"Error: arguments must be valid JSON"}
				}
			}
			res, err := a.client.CallTool(args[0], raw)
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{fmt.Sprintf("✓ %s on %s (%dms): %s", res.ToolName, res.ServerID, res.ExecutionMs, truncate(string(res.Content), 80))}

		case "approve", "reject":
			if approvalID == "" {
				return commandResultMsg{"Usage: " + cmd + " <approval-id>"}
			}
			reason := ""
			if len(args) > 1 {
				reason = strings.Join(args[1:], " ")
			}
			decide, verb := a.client.Reject, "Rejected"
			if cmd == "approve" {
				decide, verb = a.client.Approve, "Approved"
			}
			if err := decide(approvalID, reason); err != nil {
				return errMsg{err}
			}
			return commandResultMsg{fmt.Sprintf("✓ %s %s", verb, approvalID)}

		case "exec":
			if approvalID == "" {
				return commandResultMsg{"Usage: exec <approval-id>"}
			}
			req, err := a.client.ExecuteApproval(approvalID)
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{fmt.Sprintf("✓ %s %s", req.ToolName, req.Status)}

		default:
			return commandResultMsg{fmt.Sprintf("Unknown: %s (try: search, call, approve, reject, exec, refresh)", cmd)}
		}
	}
}

func result(message string) tea.Cmd {
	return func() tea.Msg { return commandResultMsg{message} }
}
