package gateway

import (
	"fmt"
	"time"

	"github.com/fentz26/mcpgate/internal/permissions"
)

// AuditPolicy selects which events are written to the audit log.
type AuditPolicy string

const (
	// AuditStandard records permission denials and tool executions.
	AuditStandard AuditPolicy = "standard"
	// AuditAll additionally records routing failures.
	AuditAll AuditPolicy = "all"
	// AuditNone records nothing.
	AuditNone AuditPolicy = "none"
)

// Config controls gateway behaviour.
type Config struct {
	Enabled                 bool                 `yaml:"enabled" json:"enabled"`
	DefaultPolicy           permissions.Decision `yaml:"default_policy" json:"default_policy"`
	ExecutionTimeoutSecs    uint64               `yaml:"execution_timeout_secs" json:"execution_timeout_secs"`
	AuditEnabled            bool                 `yaml:"audit_enabled" json:"audit_enabled"`
	AuditPolicy             AuditPolicy          `yaml:"audit_policy,omitempty" json:"audit_policy,omitempty"`
	RedactArguments         bool                 `yaml:"redact_arguments" json:"redact_arguments"`
	MaxConcurrentExecutions int                  `yaml:"max_concurrent_executions,omitempty" json:"max_concurrent_executions,omitempty"`
	HealthCheckIntervalSecs uint64               `yaml:"health_check_interval_secs" json:"health_check_interval_secs"`
	ConditionMode           string               `yaml:"condition_mode,omitempty" json:"condition_mode,omitempty"`
	ApprovalsEnabled        bool                 `yaml:"approvals_enabled" json:"approvals_enabled"`
}

// DefaultConfig returns a gateway configuration with secure defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		DefaultPolicy:           permissions.Deny,
		ExecutionTimeoutSecs:    30,
		AuditEnabled:            true,
		AuditPolicy:             AuditStandard,
		RedactArguments:         false,
		HealthCheckIntervalSecs: 30,
		ConditionMode:           string(permissions.ConditionsReject),
		ApprovalsEnabled:        true,
	}
}

// Validate checks enumerated fields and canonicalizes default_policy.
func (c *Config) Validate() error {
	d, err := permissions.ParseDecision(string(c.DefaultPolicy))
	if err != nil {
		return fmt.Errorf("default_policy: %w", err)
	}
	c.DefaultPolicy = d
	switch c.AuditPolicy {
	case "", AuditStandard, AuditAll, AuditNone:
	default:
		return fmt.Errorf("invalid audit_policy %q, must be: standard, all, or none", c.AuditPolicy)
	}
	if _, err := permissions.ParseConditionMode(c.ConditionMode); err != nil {
		return fmt.Errorf("condition_mode: %w", err)
	}
	if c.MaxConcurrentExecutions < 0 {
		return fmt.Errorf("max_concurrent_executions cannot be negative")
	}
	return nil
}

// ExecutionTimeout returns the per-call deadline, zero meaning none.
func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutSecs) * time.Second
}

// HealthCheckInterval returns the monitor tick.
func (c *Config) HealthCheckInterval() time.Duration {
	if c.HealthCheckIntervalSecs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.HealthCheckIntervalSecs) * time.Second
}

func (c *Config) auditPolicy() AuditPolicy {
	if !c.AuditEnabled {
		return AuditNone
	}
	if c.AuditPolicy == "" {
		return AuditStandard
	}
	return c.AuditPolicy
}
