// Package config loads the mcpgate configuration file and environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/mcpgate/internal/credentials"
	"github.com/fentz26/mcpgate/internal/gateway"
	"github.com/fentz26/mcpgate/internal/mcp"
	"github.com/fentz26/mcpgate/internal/permissions"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	// Listen is the HTTP API address.
	Listen string `yaml:"listen"`
	// DBPath is the SQLite file holding audit entries and approvals.
	DBPath string `yaml:"db_path"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Gateway     gateway.Config       `yaml:"gateway"`
	Auth        AuthConfig           `yaml:"auth"`
	Audit       AuditConfig          `yaml:"audit"`
	Credentials CredentialsConfig    `yaml:"credentials"`
	Servers     []mcp.ServerConfig   `yaml:"servers,omitempty"`
	Policies    []permissions.Policy `yaml:"policies,omitempty"`
	AllowLists  []AllowListConfig    `yaml:"allow_lists,omitempty"`
}

// AuthConfig controls how API callers are identified.
type AuthConfig struct {
	// JWTSecret verifies HS256 bearer tokens. Empty disables token checks.
	JWTSecret string `yaml:"jwt_secret,omitempty"`
	// AllowAnonymous admits requests without a token when no secret is set.
	AllowAnonymous bool `yaml:"allow_anonymous"`
	// CORSOrigins lists allowed browser origins.
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
	// Administrators may register servers, edit policies and allow-lists,
	// approve calls and read the audit log.
	AdminUsers  []string `yaml:"admin_users,omitempty"`
	AdminGroups []string `yaml:"admin_groups,omitempty"`
	AdminRoles  []string `yaml:"admin_roles,omitempty"`
}

// AuditConfig selects audit sinks.
type AuditConfig struct {
	SQLite        bool   `yaml:"sqlite"`
	Log           bool   `yaml:"log"`
	DynamoDBTable string `yaml:"dynamodb_table,omitempty"`
	AWSRegion     string `yaml:"aws_region,omitempty"`
}

// CredentialsConfig declares credential providers, consulted static first.
type CredentialsConfig struct {
	Static []credentials.Credentials `yaml:"static,omitempty"`
	Redis  RedisConfig               `yaml:"redis"`
}

// RedisConfig points at a Redis credential backend. Empty Addr disables it.
type RedisConfig struct {
	Addr      string `yaml:"addr,omitempty"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix,omitempty"`
}

// AllowListConfig creates an allow-list at startup and assigns it to users.
type AllowListConfig struct {
	BundleID  string     `yaml:"bundle_id"`
	Tools     []string   `yaml:"tools"`
	Users     []string   `yaml:"users,omitempty"`
	ExpiresAt *time.Time `yaml:"expires_at,omitempty"`
}

// DefaultConfig returns a configuration that listens locally and denies
// every tool until a policy allows it.
func DefaultConfig() *Config {
	return &Config{
		Listen:   "127.0.0.1:7480",
		DBPath:   defaultDBPath(),
		LogLevel: "info",
		Gateway:  gateway.DefaultConfig(),
		Auth: AuthConfig{
			AllowAnonymous: true,
			AdminRoles:     []string{"admin"},
		},
		Audit: AuditConfig{
			SQLite: true,
			Log:    true,
		},
		Credentials: CredentialsConfig{
			Redis: RedisConfig{KeyPrefix: credentials.DefaultKeyPrefix},
		},
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "mcpgate.db"
	}
	return filepath.Join(home, ".mcpgate", "mcpgate.db")
}

// DefaultPath returns ~/.mcpgate/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home dir: %w", err)
	}
	return filepath.Join(home, ".mcpgate", "config.yaml"), nil
}

// Load reads a YAML file and applies environment overrides. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromHome loads ~/.mcpgate/config.yaml, after reading .env from the
// working directory if one exists.
func LoadFromHome() (*Config, error) {
	LoadDotEnv(".env")

	path, err := DefaultPath()
	if err != nil {
		cfg := DefaultConfig()
		cfg.applyEnv()
		return cfg, nil
	}
	return Load(path)
}

// LoadDotEnv loads variables from envPath into the process environment.
// Variables already set are not overwritten and a missing file is ignored.
func LoadDotEnv(envPath string) {
	_ = godotenv.Load(envPath)
}

// Save writes cfg as YAML, creating parent directories if needed.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Listen = getEnvOrDefault("MCPGATE_LISTEN", c.Listen)
	c.DBPath = getEnvOrDefault("MCPGATE_DB", c.DBPath)
	c.LogLevel = getEnvOrDefault("MCPGATE_LOG_LEVEL", c.LogLevel)
	c.Auth.JWTSecret = getEnvOrDefault("MCPGATE_JWT_SECRET", c.Auth.JWTSecret)
	c.Credentials.Redis.Addr = getEnvOrDefault("MCPGATE_REDIS_ADDR", c.Credentials.Redis.Addr)
	c.Audit.DynamoDBTable = getEnvOrDefault("MCPGATE_AUDIT_DYNAMODB_TABLE", c.Audit.DynamoDBTable)
	c.Audit.AWSRegion = getEnvOrDefault("AWS_REGION", c.Audit.AWSRegion)
	if v := os.Getenv("MCPGATE_ADMIN_USERS"); v != "" {
		c.Auth.AdminUsers = splitCSV(v)
	}
	if v := os.Getenv("MCPGATE_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Credentials.Redis.DB = n
		}
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path cannot be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q, must be: debug, info, warn, or error", c.LogLevel)
	}
	if err := c.Gateway.Validate(); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	if c.Audit.DynamoDBTable != "" && c.Audit.AWSRegion == "" {
		return fmt.Errorf("audit.aws_region is required with audit.dynamodb_table")
	}

	seen := make(map[string]bool, len(c.Servers))
	for i := range c.Servers {
		s := &c.Servers[i]
		if err := s.Validate(); err != nil {
			return fmt.Errorf("servers[%d]: %w", i, err)
		}
		if s.ID != "" {
			if seen[s.ID] {
				return fmt.Errorf("servers[%d]: duplicate id %q", i, s.ID)
			}
			seen[s.ID] = true
		}
	}

	for i := range c.Policies {
		if err := c.Policies[i].Validate(); err != nil {
			return fmt.Errorf("policies[%d]: %w", i, err)
		}
	}

	for i, a := range c.AllowLists {
		if a.BundleID == "" {
			return fmt.Errorf("allow_lists[%d]: bundle_id cannot be empty", i)
		}
	}
	return nil
}

// ApplyPolicies installs the configured policies and allow-lists into pm.
// It returns the ids of the created allow-lists in declaration order.
func (c *Config) ApplyPolicies(pm *permissions.Manager) []string {
	for _, p := range c.Policies {
		pm.AddPolicy(p)
	}

	ids := make([]string, 0, len(c.AllowLists))
	for _, a := range c.AllowLists {
		list := pm.CreateAllowList(a.BundleID, a.Tools, a.ExpiresAt)
		for _, u := range a.Users {
			pm.AssignAllowList(u, list.ID)
		}
		ids = append(ids, list.ID)
	}
	return ids
}
