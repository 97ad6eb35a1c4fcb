package gateway

import (
	"sort"
	"strings"

	"github.com/fentz26/mcpgate/internal/mcp"
	"github.com/fentz26/mcpgate/internal/models"
)

// Search relevance scores.
const (
	scoreExactName     = 1.0
	scoreNameSubstring = 0.8
	scoreOtherMatch    = 0.5
)

// ScoredTool is a search hit with its relevance.
type ScoredTool struct {
	mcp.ToolRegistration
	Score float64 `json:"score"`
}

// ListTools returns the tools user may call outright. Tools that are denied
// or need approval are hidden.
func (g *Gateway) ListTools(user models.UserContext) []mcp.ToolRegistration {
	all := g.router.Tools()
	out := make([]mcp.ToolRegistration, 0, len(all))
	for _, t := range all {
		if g.perms.Check(t.Definition.Name, user).IsAllowed() {
			out = append(out, t)
		}
	}
	return out
}

// SearchTools matches query against the tools user may call and orders the
// hits by relevance.
func (g *Gateway) SearchTools(query string, user models.UserContext) []ScoredTool {
	q := strings.ToLower(query)
	hits := g.router.SearchTools(query)

	out := make([]ScoredTool, 0, len(hits))
	for _, t := range hits {
		if !g.perms.Check(t.Definition.Name, user).IsAllowed() {
			continue
		}
		name := strings.ToLower(t.Definition.Name)
		score := scoreOtherMatch
		switch {
		case name == q:
			score = scoreExactName
		case strings.Contains(name, q):
			score = scoreNameSubstring
		}
		out = append(out, ScoredTool{ToolRegistration: t, Score: score})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}
