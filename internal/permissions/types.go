// Package permissions evaluates whether a caller may execute a tool, using
// per-user allow-lists and priority-ordered policies.
package permissions

import (
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/mcpgate/internal/models"
)

// Decision is the outcome a rule or default policy prescribes.
type Decision string

const (
	Allow           Decision = "allow"
	Deny            Decision = "deny"
	RequireApproval Decision = "require_approval"
)

// ParseDecision converts a configuration string into a Decision.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return Allow, nil
	case "deny":
		return Deny, nil
	case "require_approval", "requireapproval", "approval":
		return RequireApproval, nil
	}
	return "", fmt.Errorf("invalid decision %q, must be: allow, deny, or require_approval", s)
}

// canonical maps accepted spellings onto the Decision constants. Unknown
// values are returned unchanged and evaluate as Deny.
func canonical(d Decision) Decision {
	if parsed, err := ParseDecision(string(d)); err == nil {
		return parsed
	}
	return d
}

// SubjectKind selects how a rule's subject is compared with the caller.
type SubjectKind string

const (
	SubjectUser  SubjectKind = "user"
	SubjectGroup SubjectKind = "group"
	SubjectRole  SubjectKind = "role"
	SubjectAll   SubjectKind = "all"
)

// Subject names who a rule applies to. Name is ignored for SubjectAll.
type Subject struct {
	Kind SubjectKind `yaml:"kind" json:"kind"`
	Name string      `yaml:"name,omitempty" json:"name,omitempty"`
}

// User returns a subject matching exactly one user id.
func User(id string) Subject { return Subject{Kind: SubjectUser, Name: id} }

// Group returns a subject matching members of a group.
func Group(name string) Subject { return Subject{Kind: SubjectGroup, Name: name} }

// Role returns a subject matching holders of a role.
func Role(name string) Subject { return Subject{Kind: SubjectRole, Name: name} }

// All returns a subject matching every caller.
func All() Subject { return Subject{Kind: SubjectAll} }

// ParseSubject parses "user:<id>", "group:<name>", "role:<name>" or "all".
func ParseSubject(s string) (Subject, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "all") || s == "*" {
		return All(), nil
	}
	kind, name, ok := strings.Cut(s, ":")
	if !ok {
		return Subject{}, fmt.Errorf("invalid subject %q, want kind:name or all", s)
	}
	sub := Subject{Kind: SubjectKind(strings.ToLower(kind)), Name: name}
	if err := sub.Validate(); err != nil {
		return Subject{}, err
	}
	return sub, nil
}

// Validate checks the kind and that non-"all" subjects carry a name.
func (s Subject) Validate() error {
	switch s.Kind {
	case SubjectAll:
		return nil
	case SubjectUser, SubjectGroup, SubjectRole:
		if s.Name == "" {
			return fmt.Errorf("%s subject requires a name", s.Kind)
		}
		return nil
	}
	return fmt.Errorf("invalid subject kind %q, must be: user, group, role, or all", s.Kind)
}

// String renders the subject in ParseSubject form.
func (s Subject) String() string {
	if s.Kind == SubjectAll {
		return "all"
	}
	return string(s.Kind) + ":" + s.Name
}

// Matches reports whether the subject covers the given user.
func (s Subject) Matches(u models.UserContext) bool {
	switch s.Kind {
	case SubjectUser:
		return u.UserID == s.Name
	case SubjectGroup:
		return u.InGroup(s.Name)
	case SubjectRole:
		return u.HasRole(s.Name)
	case SubjectAll:
		return true
	}
	return false
}

// Rule maps a tool pattern and subject to a decision.
type Rule struct {
	ID          string      `yaml:"id" json:"id"`
	ToolPattern string      `yaml:"tool_pattern" json:"tool_pattern"`
	Subject     Subject     `yaml:"subject" json:"subject"`
	Decision    Decision    `yaml:"decision" json:"decision"`
	Conditions  []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
}

// Policy is an ordered set of rules evaluated at a given priority.
// Higher priorities are evaluated first.
type Policy struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	Rules    []Rule `yaml:"rules" json:"rules"`
	Priority int32  `yaml:"priority" json:"priority"`
	Enabled  bool   `yaml:"enabled" json:"enabled"`
}

// Validate checks the policy id and each rule's pattern, subject and
// decision, rewriting decisions to their canonical form.
func (p *Policy) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("policy id cannot be empty")
	}
	for i := range p.Rules {
		r := &p.Rules[i]
		if r.ToolPattern == "" {
			return fmt.Errorf("rules[%d]: tool_pattern cannot be empty", i)
		}
		d, err := ParseDecision(string(r.Decision))
		if err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
		r.Decision = d
		if err := r.Subject.Validate(); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
	}
	return nil
}

func clonePolicy(p Policy) Policy {
	c := p
	if p.Rules != nil {
		c.Rules = make([]Rule, len(p.Rules))
		for i, r := range p.Rules {
			c.Rules[i] = r
			if r.Conditions != nil {
				c.Rules[i].Conditions = append([]Condition(nil), r.Conditions...)
			}
		}
	}
	return c
}

// AllowList restricts a user to a fixed set of tools, optionally until an
// expiry time.
type AllowList struct {
	ID          string     `json:"id"`
	BundleID    string     `json:"bundle_id"`
	Tools       []string   `json:"tools"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Description string     `json:"description,omitempty"`

	set map[string]struct{}
}

// Expired reports whether the list has passed its expiry at the given time.
func (a *AllowList) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// Contains reports whether the tool is part of the list.
func (a *AllowList) Contains(tool string) bool {
	if a.set == nil {
		for _, t := range a.Tools {
			if t == tool {
				return true
			}
		}
		return false
	}
	_, ok := a.set[tool]
	return ok
}

func newAllowList(id, bundleID string, tools []string, createdAt time.Time, expiresAt *time.Time) *AllowList {
	a := &AllowList{
		ID:        id,
		BundleID:  bundleID,
		CreatedAt: createdAt,
		set:       make(map[string]struct{}, len(tools)),
	}
	if expiresAt != nil {
		t := *expiresAt
		a.ExpiresAt = &t
	}
	for _, t := range tools {
		if _, dup := a.set[t]; dup {
			continue
		}
		a.set[t] = struct{}{}
		a.Tools = append(a.Tools, t)
	}
	if a.Tools == nil {
		a.Tools = []string{}
	}
	return a
}

func cloneAllowList(a *AllowList) AllowList {
	c := *a
	c.Tools = append([]string(nil), a.Tools...)
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		c.ExpiresAt = &t
	}
	c.set = nil
	return c
}

// ResultKind tags a permission check result.
type ResultKind string

const (
	ResultAllowed          ResultKind = "allowed"
	ResultDenied           ResultKind = "denied"
	ResultRequiresApproval ResultKind = "requires_approval"
)

// Result is the outcome of a permission check. Callers must switch on Kind.
type Result struct {
	Kind      ResultKind `json:"kind"`
	Reason    string     `json:"reason,omitempty"`
	Approvers []string   `json:"approvers,omitempty"`
}

// Allowed returns an allowing result.
func Allowed() Result { return Result{Kind: ResultAllowed} }

// Denied returns a denying result with a reason.
func Denied(reason string) Result { return Result{Kind: ResultDenied, Reason: reason} }

// RequiresApproval returns a result asking for approval from the given approvers.
func RequiresApproval(approvers []string) Result {
	if approvers == nil {
		approvers = []string{}
	}
	return Result{Kind: ResultRequiresApproval, Approvers: approvers}
}

// IsAllowed reports whether the result grants execution.
func (r Result) IsAllowed() bool { return r.Kind == ResultAllowed }

func fromDecision(d Decision) Result {
	switch canonical(d) {
	case Allow:
		return Allowed()
	case RequireApproval:
		return RequiresApproval(nil)
	}
	return Denied("Default policy: deny")
}
