package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fentz26/mcpgate/internal/api"
	"github.com/fentz26/mcpgate/internal/approval"
	"github.com/fentz26/mcpgate/internal/audit"
	"github.com/fentz26/mcpgate/internal/config"
	"github.com/fentz26/mcpgate/internal/credentials"
	"github.com/fentz26/mcpgate/internal/gateway"
	"github.com/fentz26/mcpgate/internal/logger"
	"github.com/fentz26/mcpgate/internal/mcp"
	"github.com/fentz26/mcpgate/internal/models"
	"github.com/fentz26/mcpgate/internal/permissions"
	"github.com/fentz26/mcpgate/internal/store"
	"github.com/fentz26/mcpgate/internal/transport"
	"github.com/spf13/cobra"
)

var (
	serveConfig string
	serveListen string
	serveDB     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway daemon",
	Long:  `Start the gateway: connect configured MCP servers and serve the HTTP API.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfig, "config", "", "Config file (default ~/.mcpgate/config.yaml)")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "API listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveDB, "db", "", "SQLite database path (overrides config)")
}

// systemUser attributes startup registrations in the audit log.
var systemUser = models.UserContext{UserID: "system"}

func loadConfig() (*config.Config, error) {
	if serveConfig == "" {
		return config.LoadFromHome()
	}
	config.LoadDotEnv(".env")
	return config.Load(serveConfig)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Listen = serveListen
	}
	if serveDB != "" {
		cfg.DBPath = serveDB
	}

	logger.Init(cfg.LogLevel)
	log := logger.GetLogger()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	st, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	auditLog, err := buildAudit(ctx, cfg, st)
	if err != nil {
		st.Close()
		return err
	}
	creds, err := buildCredentials(ctx, cfg)
	if err != nil {
		st.Close()
		return err
	}

	router := mcp.NewRouter(mcp.NewToolRegistry())
	perms := permissions.NewManager(cfg.Gateway.DefaultPolicy)
	for _, id := range cfg.ApplyPolicies(perms) {
		log.WithField("allow_list", id).Debug("allow-list created")
	}

	pool := transport.NewPool(router, nil, creds)
	approvals := approval.NewService(st, auditLog)

	gw := gateway.New(cfg.Gateway, gateway.Deps{
		Permissions: perms,
		Router:      router,
		Backend:     pool,
		Audit:       auditLog,
		Credentials: creds,
		Approvals:   approvals,
	})
	approvals.SetExecutor(gw)

	for _, sc := range cfg.Servers {
		id, err := gw.RegisterServer(ctx, sc, systemUser)
		if err != nil {
			log.WithError(err).WithField("server", sc.Name).Warn("server registration failed")
			continue
		}
		log.WithField("server_id", id).WithField("server", sc.Name).Info("server registered")
	}

	monitor := transport.NewMonitor(pool, router, cfg.Gateway.HealthCheckInterval())
	monitor.Start()

	server := api.NewServer(gw, approvals, st, api.Options{
		Addr:           cfg.Listen,
		JWTSecret:      cfg.Auth.JWTSecret,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
		CORSOrigins:    cfg.Auth.CORSOrigins,
		AdminUsers:     cfg.Auth.AdminUsers,
		AdminGroups:    cfg.Auth.AdminGroups,
		AdminRoles:     cfg.Auth.AdminRoles,
	})

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Listen).Info("mcpgate API listening")
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		runErr = fmt.Errorf("server error: %w", err)
	}

	monitor.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("API shutdown")
	}
	if err := pool.Close(); err != nil {
		log.WithError(err).Warn("closing server sessions")
	}
	if err := st.Close(); err != nil {
		log.WithError(err).Warn("closing store")
	}

	log.Info("mcpgate stopped")
	return runErr
}

func buildAudit(ctx context.Context, cfg *config.Config, st *store.Store) (audit.Logger, error) {
	var sinks []audit.Logger
	if cfg.Audit.SQLite {
		sinks = append(sinks, audit.NewStoreLogger(st))
	}
	if cfg.Audit.Log {
		sinks = append(sinks, audit.NewLogrusLogger(logger.GetLogger()))
	}
	if cfg.Audit.DynamoDBTable != "" {
		d, err := audit.NewDynamoLoggerFromEnv(ctx, cfg.Audit.AWSRegion, cfg.Audit.DynamoDBTable)
		if err != nil {
			return nil, fmt.Errorf("failed to configure DynamoDB audit sink: %w", err)
		}
		sinks = append(sinks, d)
	}
	return audit.Multi(sinks...), nil
}

func buildCredentials(ctx context.Context, cfg *config.Config) (credentials.Manager, error) {
	chain := credentials.Chain{credentials.NewStatic(cfg.Credentials.Static)}
	if r := cfg.Credentials.Redis; r.Addr != "" {
		client, err := credentials.DialRedis(ctx, r.Addr, r.Password, r.DB)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		chain = append(chain, credentials.NewRedisProvider(client, r.KeyPrefix))
	}
	return chain, nil
}
