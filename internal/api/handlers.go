package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/fentz26/mcpgate/internal/gateway"
	"github.com/fentz26/mcpgate/internal/mcp"
	"github.com/fentz26/mcpgate/internal/models"
	"github.com/fentz26/mcpgate/internal/permissions"
	"github.com/fentz26/mcpgate/internal/store"
	"github.com/gin-gonic/gin"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool             `json:"ok"`
	DB      string           `json:"db"`
	Version string           `json:"version"`
	Time    string           `json:"time"`
	Gateway mcp.HealthReport `json:"gateway"`
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
		Gateway: s.gw.HealthCheck(),
	}
	status := http.StatusOK
	if s.store != nil {
		if err := s.store.Ping(c.Request.Context()); err != nil {
			resp.OK = false
			resp.DB = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, resp)
}

// --- Tools ---

func (s *Server) listTools(c *gin.Context) {
	tools := s.gw.ListTools(currentUser(c))
	if tools == nil {
		tools = []mcp.ToolRegistration{}
	}
	c.JSON(http.StatusOK, tools)
}

func (s *Server) searchTools(c *gin.Context) {
	results := s.gw.SearchTools(c.Query("q"), currentUser(c))
	if results == nil {
		results = []gateway.ScoredTool{}
	}
	c.JSON(http.StatusOK, results)
}

type callToolRequest struct {
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) callTool(c *gin.Context) {
	var req callToolRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid json")
			return
		}
	}
	if len(req.Arguments) == 0 {
		req.Arguments = json.RawMessage(`{}`)
	}

	result, err := s.gw.ExecuteTool(c.Request.Context(), c.Param("name"), req.Arguments, currentUser(c))
	if err != nil {
		if gateway.KindOf(err) == gateway.KindExecution {
			c.JSON(statusFor(err), gin.H{
				"error":   errorCode(err),
				"message": err.Error(),
				"result":  result,
			})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// --- Servers ---

func (s *Server) listServers(c *gin.Context) {
	servers := s.gw.Servers()
	if servers == nil {
		servers = []mcp.ServerConnection{}
	}
	c.JSON(http.StatusOK, servers)
}

func (s *Server) registerServer(c *gin.Context) {
	var cfg mcp.ServerConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if err := cfg.Validate(); err != nil {
		badRequest(c, err.Error())
		return
	}

	id, err := s.gw.RegisterServer(c.Request.Context(), cfg, currentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	conn, _ := s.gw.Router().Server(id)
	c.JSON(http.StatusCreated, conn)
}

func (s *Server) unregisterServer(c *gin.Context) {
	if err := s.gw.UnregisterServer(c.Request.Context(), c.Param("id"), currentUser(c)); err != nil {
		if gateway.KindOf(err) == gateway.KindServerNotAvailable {
			notFound(c, err.Error())
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unregistered"})
}

func (s *Server) refreshServer(c *gin.Context) {
	id := c.Param("id")
	if err := s.gw.RefreshServer(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	conn, _ := s.gw.Router().Server(id)
	c.JSON(http.StatusOK, conn)
}

// --- Policies and allow-lists ---

func (s *Server) listPolicies(c *gin.Context) {
	c.JSON(http.StatusOK, s.gw.Permissions().Policies())
}

func (s *Server) addPolicy(c *gin.Context) {
	var p permissions.Policy
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if err := p.Validate(); err != nil {
		badRequest(c, err.Error())
		return
	}
	s.gw.Permissions().AddPolicy(p)
	c.JSON(http.StatusCreated, p)
}

func (s *Server) removePolicy(c *gin.Context) {
	if !s.gw.Permissions().RemovePolicy(c.Param("id")) {
		notFound(c, "policy not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

type createAllowListRequest struct {
	BundleID  string     `json:"bundle_id"`
	Tools     []string   `json:"tools"`
	Users     []string   `json:"users,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (s *Server) listAllowLists(c *gin.Context) {
	c.JSON(http.StatusOK, s.gw.Permissions().AllowLists())
}

func (s *Server) createAllowList(c *gin.Context) {
	var req createAllowListRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if req.BundleID == "" {
		badRequest(c, "bundle_id is required")
		return
	}

	pm := s.gw.Permissions()
	list := pm.CreateAllowList(req.BundleID, req.Tools, req.ExpiresAt)
	for _, u := range req.Users {
		pm.AssignAllowList(u, list.ID)
	}
	c.JSON(http.StatusCreated, list)
}

type assignRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) assignAllowList(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		badRequest(c, "user_id is required")
		return
	}
	if !s.gw.Permissions().AssignAllowList(req.UserID, c.Param("id")) {
		notFound(c, "allow list not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "assigned"})
}

func (s *Server) removeAllowList(c *gin.Context) {
	if !s.gw.Permissions().RemoveAllowList(c.Param("id")) {
		notFound(c, "allow list not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

type checkRequest struct {
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (s *Server) checkPermission(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ToolName == "" {
		badRequest(c, "tool_name is required")
		return
	}
	c.JSON(http.StatusOK, s.gw.CheckPermission(req.ToolName, req.Arguments, currentUser(c)))
}

// --- Approvals ---

type decisionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) listApprovals(c *gin.Context) {
	if s.approvals == nil {
		unavailable(c, "approvals are disabled")
		return
	}
	reqs, err := s.approvals.List(c.Request.Context(), models.ApprovalStatus(c.Query("status")))
	if err != nil {
		writeError(c, err)
		return
	}
	user := currentUser(c)
	visible := make([]models.ApprovalRequest, 0, len(reqs))
	for _, r := range reqs {
		if s.canSee(user, &r) {
			visible = append(visible, r)
		}
	}
	c.JSON(http.StatusOK, visible)
}

// canSee reports whether user may read or act on req as its owner.
// Administrators may act on every request.
func (s *Server) canSee(user models.UserContext, req *models.ApprovalRequest) bool {
	return isAdmin(s.opts, user) || (user.UserID != AnonymousUser && req.User.UserID == user.UserID)
}

// ownedApproval loads the request named in the path and aborts with 403
// unless the caller owns it or is an administrator.
func (s *Server) ownedApproval(c *gin.Context) (*models.ApprovalRequest, bool) {
	req, err := s.approvals.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if !s.canSee(currentUser(c), req) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Approval belongs to another user",
		})
		return nil, false
	}
	return req, true
}

func (s *Server) getApproval(c *gin.Context) {
	if s.approvals == nil {
		unavailable(c, "approvals are disabled")
		return
	}
	req, ok := s.ownedApproval(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *Server) approve(c *gin.Context) { s.decide(c, true) }
func (s *Server) reject(c *gin.Context) { s.decide(c, false) }

func (s *Server) decide(c *gin.Context, approve bool) {
	if s.approvals == nil {
		unavailable(c, "approvals are disabled")
		return
	}
	var body decisionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, "invalid json")
			return
		}
	}
	// Approve is admin-only at the route; reject also lets the owner withdraw.
	if _, ok := s.ownedApproval(c); !ok {
		return
	}

	decide := s.approvals.Reject
	if approve {
		decide = s.approvals.Approve
	}
	req, err := decide(c.Request.Context(), c.Param("id"), currentUser(c).UserID, body.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *Server) executeApproval(c *gin.Context) {
	if s.approvals == nil {
		unavailable(c, "approvals are disabled")
		return
	}
	if _, ok := s.ownedApproval(c); !ok {
		return
	}
	req, result, err := s.approvals.Execute(c.Request.Context(), c.Param("id"))
	if err != nil {
		if req == nil {
			writeError(c, err)
			return
		}
		c.JSON(statusFor(err), gin.H{
			"error":    errorCode(err),
			"message":  err.Error(),
			"approval": req,
			"result":   result,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"approval": req,
		"result":   result,
	})
}

// --- Audit ---

func (s *Server) listAudit(c *gin.Context) {
	if s.store == nil {
		unavailable(c, "audit store is not configured")
		return
	}
	f := store.AuditFilter{
		ToolName:  c.Query("tool"),
		UserID:    c.Query("user"),
		EventType: models.AuditEventType(c.Query("event")),
		Limit:     100,
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	entries, err := s.store.ListAuditEntries(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	c.JSON(http.StatusOK, entries)
}
