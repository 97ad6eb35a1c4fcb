// Package api exposes the gateway over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fentz26/mcpgate/internal/approval"
	"github.com/fentz26/mcpgate/internal/gateway"
	"github.com/fentz26/mcpgate/internal/logger"
	"github.com/fentz26/mcpgate/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Options configures the HTTP server.
type Options struct {
	Addr string
	// JWTSecret verifies HS256 bearer tokens. Empty disables token checks.
	JWTSecret string
	// AllowAnonymous admits unauthenticated callers when JWTSecret is empty.
	AllowAnonymous bool
	CORSOrigins    []string

	// Callers matching any of these may change servers, policies and
	// allow-lists, decide approvals and read the audit log.
	AdminUsers  []string
	AdminGroups []string
	AdminRoles  []string
}

// Server provides the HTTP API for mcpgate.
type Server struct {
	gw        *gateway.Gateway
	approvals *approval.Service
	store     *store.Store
	opts      Options

	handler http.Handler
	server  *http.Server
}

// NewServer creates a server. approvals and st may be nil, in which case the
// corresponding endpoints answer 503.
func NewServer(gw *gateway.Gateway, approvals *approval.Service, st *store.Store, opts Options) *Server {
	s := &Server{
		gw:        gw,
		approvals: approvals,
		store:     st,
		opts:      opts,
	}
	s.handler = s.routes()
	return s
}

// Handler returns the CORS-wrapped router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", s.handleHealth)

	v1 := r.Group("/")
	v1.Use(Authentication(s.opts))

	admin := RequireAdmin(s.opts)

	tools := v1.Group("/tools")
	{
		tools.GET("", s.listTools)
		tools.GET("/search", s.searchTools)
		tools.POST("/:name/call", s.callTool)
	}

	servers := v1.Group("/servers")
	{
		servers.GET("", s.listServers)
		servers.POST("", admin, s.registerServer)
		servers.DELETE("/:id", admin, s.unregisterServer)
		servers.POST("/:id/refresh", admin, s.refreshServer)
	}

	policies := v1.Group("/policies")
	{
		policies.GET("", s.listPolicies)
		policies.POST("", admin, s.addPolicy)
		policies.DELETE("/:id", admin, s.removePolicy)
	}

	lists := v1.Group("/allowlists", admin)
	{
		lists.GET("", s.listAllowLists)
		lists.POST("", s.createAllowList)
		lists.POST("/:id/assign", s.assignAllowList)
		lists.DELETE("/:id", s.removeAllowList)
	}

	v1.POST("/permissions/check", s.checkPermission)

	approvals := v1.Group("/approvals")
	{
		approvals.GET("", s.listApprovals)
		approvals.GET("/:id", s.getApproval)
		approvals.POST("/:id/approve", admin, s.approve)
		approvals.POST("/:id/reject", s.reject)
		approvals.POST("/:id/execute", s.executeApproval)
	}

	v1.GET("/audit", admin, s.listAudit)

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", HeaderUser, HeaderGroups, HeaderRoles},
		AllowCredentials: len(s.opts.CORSOrigins) > 0,
	}).Handler(r)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}

	logger.WithField("addr", s.opts.Addr).Info("Starting mcpgate API")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("HTTP request")
	}
}
