package tui

import (
	"github.com/fentz26/mcpgate/internal/gateway"
	"github.com/fentz26/mcpgate/internal/mcp"
	"github.com/fentz26/mcpgate/internal/models"
)

// Health mirrors the API health response.
type Health struct {
	OK      bool             `json:"ok"`
	DB      string           `json:"db"`
	Version string           `json:"version"`
	Gateway mcp.HealthReport `json:"gateway"`
}

type healthMsg struct {
	health *Health
}

type toolsMsg struct {
	tools []mcp.ToolRegistration
}

type searchMsg struct {
	query   string
	results []gateway.ScoredTool
}

type approvalsMsg struct {
	approvals []models.ApprovalRequest
}

type commandResultMsg struct {
	message string
}

type errMsg struct {
	err error
}
