package permissions

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/mcpgate/internal/models"
)

// ConditionKind identifies the variant of a rule condition.
type ConditionKind string

const (
	ConditionTimeRange      ConditionKind = "time_range"
	ConditionDayOfWeek      ConditionKind = "day_of_week"
	ConditionArgumentEquals ConditionKind = "argument_equals"
	ConditionRateLimit      ConditionKind = "rate_limit"
	ConditionCustom         ConditionKind = "custom"
)

// Condition narrows when a rule applies. Only the fields of its Kind are used.
type Condition struct {
	Kind ConditionKind `yaml:"kind" json:"kind"`

	// time_range: "HH:MM" bounds in UTC, End exclusive. Start > End wraps midnight.
	Start string `yaml:"start,omitempty" json:"start,omitempty"`
	End   string `yaml:"end,omitempty" json:"end,omitempty"`

	// day_of_week: lowercase English day names or three-letter abbreviations.
	Days []string `yaml:"days,omitempty" json:"days,omitempty"`

	// argument_equals: top-level argument key and its expected string form.
	Argument string `yaml:"argument,omitempty" json:"argument,omitempty"`
	Value    string `yaml:"value,omitempty" json:"value,omitempty"`

	// rate_limit
	MaxCalls   int `yaml:"max_calls,omitempty" json:"max_calls,omitempty"`
	WindowSecs int `yaml:"window_secs,omitempty" json:"window_secs,omitempty"`

	// custom
	Name   string            `yaml:"name,omitempty" json:"name,omitempty"`
	Params map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// ErrConditionNotImplemented is returned by evaluators for variants they
// cannot decide.
var ErrConditionNotImplemented = errors.New("condition not implemented")

// EvalContext carries what a condition may inspect.
type EvalContext struct {
	Tool      string
	User      models.UserContext
	Arguments json.RawMessage
	Now       time.Time
}

// ConditionEvaluator decides each condition variant.
type ConditionEvaluator interface {
	TimeRange(c Condition, ec EvalContext) (bool, error)
	DayOfWeek(c Condition, ec EvalContext) (bool, error)
	ArgumentEquals(c Condition, ec EvalContext) (bool, error)
	RateLimit(c Condition, ec EvalContext) (bool, error)
	Custom(c Condition, ec EvalContext) (bool, error)
}

// ConditionMode selects how rules carrying conditions are treated.
type ConditionMode string

const (
	// ConditionsIgnore treats every condition as satisfied.
	ConditionsIgnore ConditionMode = "ignore"
	// ConditionsReject evaluates conditions and makes a rule with any
	// unsatisfied or unimplemented condition not match.
	ConditionsReject ConditionMode = "reject"
)

// ParseConditionMode converts a configuration string into a ConditionMode.
func ParseConditionMode(s string) (ConditionMode, error) {
	switch ConditionMode(strings.ToLower(strings.TrimSpace(s))) {
	case ConditionsIgnore:
		return ConditionsIgnore, nil
	case ConditionsReject, "":
		return ConditionsReject, nil
	}
	return "", fmt.Errorf("invalid condition mode %q, must be: ignore or reject", s)
}

func evaluateConditions(ev ConditionEvaluator, mode ConditionMode, conds []Condition, ec EvalContext) bool {
	if mode == ConditionsIgnore || len(conds) == 0 {
		return true
	}
	for _, c := range conds {
		ok, err := dispatchCondition(ev, c, ec)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

func dispatchCondition(ev ConditionEvaluator, c Condition, ec EvalContext) (bool, error) {
	switch c.Kind {
	case ConditionTimeRange:
		return ev.TimeRange(c, ec)
	case ConditionDayOfWeek:
		return ev.DayOfWeek(c, ec)
	case ConditionArgumentEquals:
		return ev.ArgumentEquals(c, ec)
	case ConditionRateLimit:
		return ev.RateLimit(c, ec)
	case ConditionCustom:
		return ev.Custom(c, ec)
	}
	return false, fmt.Errorf("unknown condition kind %q: %w", c.Kind, ErrConditionNotImplemented)
}

// CustomFunc decides a named custom condition.
type CustomFunc func(c Condition, ec EvalContext) bool

// DefaultEvaluator decides time, day and argument conditions. Rate limits
// are not tracked at check time, so RateLimit reports not implemented.
type DefaultEvaluator struct {
	mu     sync.RWMutex
	custom map[string]CustomFunc
}

// NewDefaultEvaluator creates an evaluator with no custom conditions.
func NewDefaultEvaluator() *DefaultEvaluator {
	return &DefaultEvaluator{custom: make(map[string]CustomFunc)}
}

// RegisterCustom installs the function deciding custom conditions named name.
func (e *DefaultEvaluator) RegisterCustom(name string, fn CustomFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.custom[name] = fn
}

// TimeRange implements ConditionEvaluator.
func (e *DefaultEvaluator) TimeRange(c Condition, ec EvalContext) (bool, error) {
	start, err := parseClock(c.Start)
	if err != nil {
		return false, err
	}
	end, err := parseClock(c.End)
	if err != nil {
		return false, err
	}
	now := ec.Now.UTC()
	minute := now.Hour()*60 + now.Minute()
	if start <= end {
		return minute >= start && minute < end, nil
	}
	return minute >= start || minute < end, nil
}

// DayOfWeek implements ConditionEvaluator.
func (e *DefaultEvaluator) DayOfWeek(c Condition, ec EvalContext) (bool, error) {
	today := strings.ToLower(ec.Now.UTC().Weekday().String())
	for _, d := range c.Days {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == today || (len(d) == 3 && strings.HasPrefix(today, d)) {
			return true, nil
		}
	}
	return false, nil
}

// ArgumentEquals implements ConditionEvaluator.
func (e *DefaultEvaluator) ArgumentEquals(c Condition, ec EvalContext) (bool, error) {
	if len(ec.Arguments) == 0 {
		return false, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal(ec.Arguments, &args); err != nil {
		return false, nil
	}
	v, ok := args[c.Argument]
	if !ok {
		return false, nil
	}
	if s, ok := v.(string); ok {
		return s == c.Value, nil
	}
	return fmt.Sprint(v) == c.Value, nil
}

// RateLimit implements ConditionEvaluator.
func (e *DefaultEvaluator) RateLimit(c Condition, ec EvalContext) (bool, error) {
	return false, ErrConditionNotImplemented
}

// Custom implements ConditionEvaluator.
func (e *DefaultEvaluator) Custom(c Condition, ec EvalContext) (bool, error) {
	e.mu.RLock()
	fn, ok := e.custom[c.Name]
	e.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("custom condition %q: %w", c.Name, ErrConditionNotImplemented)
	}
	return fn(c, ec), nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
