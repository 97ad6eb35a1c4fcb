package permissions

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/mcpgate/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func user(id string) models.UserContext {
	return models.UserContext{UserID: id}
}

func allowAll(id string, priority int32) Policy {
	return Policy{
		ID:       id,
		Name:     id,
		Priority: priority,
		Enabled:  true,
		Rules: []Rule{
			{ID: id + "-rule", ToolPattern: "*", Subject: All(), Decision: Allow},
		},
	}
}

func TestCheck_DefaultPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy Decision
		want   ResultKind
		reason string
	}{
		{name: "deny", policy: Deny, want: ResultDenied, reason: "Default policy: deny"},
		{name: "allow", policy: Allow, want: ResultAllowed},
		{name: "require approval", policy: RequireApproval, want: ResultRequiresApproval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(tt.policy)
			for _, tool := range []string{"file_read", "bash", "", "a?b*"} {
				got := m.Check(tool, user("user1"))
				assert.Equal(t, tt.want, got.Kind, "tool %q", tool)
				assert.Equal(t, tt.reason, got.Reason)
			}
		})
	}
}

func TestCheck_RequiresApprovalHasEmptyApprovers(t *testing.T) {
	m := NewManager(RequireApproval)
	got := m.Check("deploy", user("user1"))
	require.Equal(t, ResultRequiresApproval, got.Kind)
	assert.NotNil(t, got.Approvers)
	assert.Empty(t, got.Approvers)
}

func TestCheck_PatternPolicy(t *testing.T) {
	m := NewManager(Deny)
	m.AddPolicy(Policy{
		ID:       "files",
		Priority: 100,
		Enabled:  true,
		Rules: []Rule{
			{ID: "r1", ToolPattern: "file_*", Subject: All(), Decision: Allow},
		},
	})

	assert.True(t, m.Check("file_read", user("user1")).IsAllowed())
	assert.Equal(t, ResultDenied, m.Check("bash", user("user1")).Kind)
}

func TestCheck_PriorityOverride(t *testing.T) {
	deny := Policy{
		ID:       "deny-all",
		Priority: 10,
		Enabled:  true,
		Rules:    []Rule{{ID: "d", ToolPattern: "*", Subject: All(), Decision: Deny}},
	}
	admin := Policy{
		ID:       "admin",
		Priority: 100,
		Enabled:  true,
		Rules:    []Rule{{ID: "a", ToolPattern: "*", Subject: User("admin"), Decision: Allow}},
	}

	orders := map[string][]Policy{
		"low first":  {deny, admin},
		"high first": {admin, deny},
	}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			m := NewManager(Allow)
			for _, p := range order {
				m.AddPolicy(p)
			}
			assert.True(t, m.Check("anything", user("admin")).IsAllowed())
			got := m.Check("anything", user("user1"))
			assert.Equal(t, ResultDenied, got.Kind)
			assert.Equal(t, "Denied by rule: d", got.Reason)
		})
	}
}

func TestCheck_DenyUsesRuleDescription(t *testing.T) {
	m := NewManager(Allow)
	m.AddPolicy(Policy{
		ID:       "p",
		Enabled:  true,
		Priority: 1,
		Rules: []Rule{
			{ID: "no-shell", ToolPattern: "bash", Subject: All(), Decision: Deny, Description: "Shell access is disabled"},
		},
	})
	assert.Equal(t, "Shell access is disabled", m.Check("bash", user("u")).Reason)
}

func TestCheck_EqualPriorityKeepsInsertionOrder(t *testing.T) {
	m := NewManager(Deny)
	m.AddPolicy(Policy{
		ID: "first", Priority: 50, Enabled: true,
		Rules: []Rule{{ID: "f", ToolPattern: "*", Subject: All(), Decision: RequireApproval}},
	})
	m.AddPolicy(Policy{
		ID: "second", Priority: 50, Enabled: true,
		Rules: []Rule{{ID: "s", ToolPattern: "*", Subject: All(), Decision: Allow}},
	})

	assert.Equal(t, ResultRequiresApproval, m.Check("tool", user("u")).Kind)

	ids := []string{}
	for _, p := range m.Policies() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"first", "second"}, ids)
}

func TestCheck_DisabledPolicySkipped(t *testing.T) {
	m := NewManager(Deny)
	p := allowAll("off", 100)
	p.Enabled = false
	m.AddPolicy(p)
	assert.Equal(t, ResultDenied, m.Check("tool", user("u")).Kind)
}

func TestCheck_SubjectMatching(t *testing.T) {
	m := NewManager(Deny)
	m.AddPolicy(Policy{
		ID: "subjects", Priority: 1, Enabled: true,
		Rules: []Rule{
			{ID: "g", ToolPattern: "db_*", Subject: Group("data"), Decision: Allow},
			{ID: "r", ToolPattern: "deploy", Subject: Role("release"), Decision: RequireApproval},
		},
	})

	analyst := models.UserContext{UserID: "ann", Groups: []string{"data"}}
	releaser := models.UserContext{UserID: "rel", Roles: []string{"release"}}

	assert.True(t, m.Check("db_query", analyst).IsAllowed())
	assert.Equal(t, ResultDenied, m.Check("db_query", releaser).Kind)
	assert.Equal(t, ResultRequiresApproval, m.Check("deploy", releaser).Kind)
	assert.Equal(t, ResultDenied, m.Check("deploy", analyst).Kind)
}

func TestAllowList_RestrictsEvenAllowAll(t *testing.T) {
	m := NewManager(Deny)
	list := m.CreateAllowList("bundle-1", []string{"file_read"}, nil)
	require.True(t, m.AssignAllowList("user1", list.ID))
	m.AddPolicy(allowAll("everything", 1000))

	assert.True(t, m.Check("file_read", user("user1")).IsAllowed())

	got := m.Check("bash", user("user1"))
	assert.Equal(t, ResultDenied, got.Kind)
	assert.Contains(t, got.Reason, "not in allow list")

	// Users without an allow-list are unaffected.
	assert.True(t, m.Check("bash", user("user2")).IsAllowed())
}

func TestAllowList_PresenceDoesNotGrant(t *testing.T) {
	m := NewManager(Deny)
	list := m.CreateAllowList("bundle", []string{"file_read"}, nil)
	m.AssignAllowList("user1", list.ID)

	got := m.Check("file_read", user("user1"))
	assert.Equal(t, ResultDenied, got.Kind)
	assert.Equal(t, "Default policy: deny", got.Reason)
}

func TestAllowList_Expired(t *testing.T) {
	m := NewManager(Allow)
	past := time.Now().Add(-time.Hour)
	list := m.CreateAllowList("bundle-x", []string{"file_read"}, &past)
	m.AssignAllowList("user1", list.ID)
	m.AddPolicy(allowAll("everything", 1))

	got := m.Check("file_read", user("user1"))
	assert.Equal(t, ResultDenied, got.Kind)
	assert.Contains(t, got.Reason, "expired")
	assert.Contains(t, got.Reason, "bundle-x")
}

func TestAllowList_ExpiryIsLazy(t *testing.T) {
	m := NewManager(Allow)
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	expires := clock.Add(time.Minute)
	list := m.CreateAllowList("b", []string{"t"}, &expires)
	m.AssignAllowList("u", list.ID)

	assert.True(t, m.Check("t", user("u")).IsAllowed())

	clock = clock.Add(2 * time.Minute)
	assert.Equal(t, ResultDenied, m.Check("t", user("u")).Kind)

	_, ok := m.AllowList(list.ID)
	assert.True(t, ok, "expired lists are not swept")
}

func TestAllowList_LastAssignmentWins(t *testing.T) {
	m := NewManager(Allow)
	a := m.CreateAllowList("a", []string{"tool_a"}, nil)
	b := m.CreateAllowList("b", []string{"tool_b"}, nil)
	m.AssignAllowList("u", a.ID)
	m.AssignAllowList("u", b.ID)

	assert.Equal(t, ResultDenied, m.Check("tool_a", user("u")).Kind)
	assert.True(t, m.Check("tool_b", user("u")).IsAllowed())

	got, ok := m.AllowListForUser("u")
	require.True(t, ok)
	assert.Equal(t, "b", got.BundleID)
}

func TestAllowList_UnknownIDsTolerated(t *testing.T) {
	m := NewManager(Allow)
	assert.False(t, m.AssignAllowList("u", "missing"))
	assert.False(t, m.RemoveAllowList("missing"))
	assert.True(t, m.Check("t", user("u")).IsAllowed())
}

func TestAllowList_RemoveClearsAssignments(t *testing.T) {
	m := NewManager(Allow)
	l := m.CreateAllowList("b", []string{"only"}, nil)
	m.AssignAllowList("u", l.ID)
	require.True(t, m.RemoveAllowList(l.ID))

	assert.True(t, m.Check("other", user("u")).IsAllowed())
	_, ok := m.AllowListForUser("u")
	assert.False(t, ok)
}

func TestCreateAllowList_DedupesTools(t *testing.T) {
	m := NewManager(Deny)
	l := m.CreateAllowList("b", []string{"x", "y", "x"}, nil)
	assert.NotEmpty(t, l.ID)
	assert.Equal(t, []string{"x", "y"}, l.Tools)
}

func TestRemovePolicy(t *testing.T) {
	m := NewManager(Deny)
	m.AddPolicy(allowAll("p1", 1))

	assert.False(t, m.RemovePolicy("nope"))
	assert.True(t, m.RemovePolicy("p1"))
	assert.Empty(t, m.Policies())
	assert.Equal(t, ResultDenied, m.Check("t", user("u")).Kind)
}

func TestPoliciesReturnsCopies(t *testing.T) {
	m := NewManager(Deny)
	m.AddPolicy(allowAll("p1", 1))

	ps := m.Policies()
	ps[0].Rules[0].Decision = Deny

	assert.True(t, m.Check("t", user("u")).IsAllowed())
}

func TestConditions_Modes(t *testing.T) {
	limited := Policy{
		ID: "limited", Priority: 10, Enabled: true,
		Rules: []Rule{{
			ID: "rl", ToolPattern: "*", Subject: All(), Decision: Allow,
			Conditions: []Condition{{Kind: ConditionRateLimit, MaxCalls: 5, WindowSecs: 60}},
		}},
	}

	m := NewManager(Deny)
	m.AddPolicy(limited)
	assert.Equal(t, ResultDenied, m.Check("t", user("u")).Kind, "unimplemented condition rejects the rule")

	m.SetConditionMode(ConditionsIgnore)
	assert.True(t, m.Check("t", user("u")).IsAllowed(), "ignored conditions always pass")
}

func TestConditions_TimeAndDay(t *testing.T) {
	m := NewManager(Deny)
	// 2026-03-04 is a Wednesday.
	m.now = func() time.Time { return time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC) }

	m.AddPolicy(Policy{
		ID: "office", Priority: 1, Enabled: true,
		Rules: []Rule{{
			ID: "hours", ToolPattern: "*", Subject: All(), Decision: Allow,
			Conditions: []Condition{
				{Kind: ConditionTimeRange, Start: "09:00", End: "17:00"},
				{Kind: ConditionDayOfWeek, Days: []string{"mon", "wednesday"}},
			},
		}},
	})
	assert.True(t, m.Check("t", user("u")).IsAllowed())

	m.now = func() time.Time { return time.Date(2026, 3, 4, 18, 0, 0, 0, time.UTC) }
	assert.Equal(t, ResultDenied, m.Check("t", user("u")).Kind)

	m.now = func() time.Time { return time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC) }
	assert.Equal(t, ResultDenied, m.Check("t", user("u")).Kind)
}

func TestConditions_TimeRangeWrapsMidnight(t *testing.T) {
	ev := NewDefaultEvaluator()
	c := Condition{Kind: ConditionTimeRange, Start: "22:00", End: "06:00"}

	ok, err := ev.TimeRange(c, EvalContext{Now: time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.TimeRange(c, EvalContext{Now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = ev.TimeRange(Condition{Start: "bad", End: "06:00"}, EvalContext{})
	assert.Error(t, err)
}

func TestConditions_ArgumentEquals(t *testing.T) {
	m := NewManager(Deny)
	m.AddPolicy(Policy{
		ID: "readonly", Priority: 1, Enabled: true,
		Rules: []Rule{{
			ID: "ro", ToolPattern: "db_query", Subject: All(), Decision: Allow,
			Conditions: []Condition{{Kind: ConditionArgumentEquals, Argument: "mode", Value: "read"}},
		}},
	})

	read := json.RawMessage(`{"mode":"read","sql":"select 1"}`)
	write := json.RawMessage(`{"mode":"write"}`)

	assert.True(t, m.CheckWithArguments("db_query", read, user("u")).IsAllowed())
	assert.Equal(t, ResultDenied, m.CheckWithArguments("db_query", write, user("u")).Kind)
	assert.Equal(t, ResultDenied, m.Check("db_query", user("u")).Kind)
}

func TestConditions_Custom(t *testing.T) {
	ev := NewDefaultEvaluator()
	ev.RegisterCustom("vip", func(c Condition, ec EvalContext) bool {
		return ec.User.Attributes["tier"] == c.Params["tier"]
	})

	m := NewManager(Deny)
	m.SetConditionEvaluator(ev)
	m.AddPolicy(Policy{
		ID: "vip", Priority: 1, Enabled: true,
		Rules: []Rule{{
			ID: "v", ToolPattern: "*", Subject: All(), Decision: Allow,
			Conditions: []Condition{{Kind: ConditionCustom, Name: "vip", Params: map[string]string{"tier": "gold"}}},
		}},
	})

	gold := models.UserContext{UserID: "g", Attributes: map[string]string{"tier": "gold"}}
	assert.True(t, m.Check("t", gold).IsAllowed())
	assert.Equal(t, ResultDenied, m.Check("t", user("plain")).Kind)
}

func TestParseDecision(t *testing.T) {
	for in, want := range map[string]Decision{
		"allow": Allow, "DENY": Deny, "require_approval": RequireApproval, " approval ": RequireApproval,
	} {
		got, err := ParseDecision(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseDecision("maybe")
	assert.Error(t, err)
}

func TestDecisionAliasesEvaluateAsCanonical(t *testing.T) {
	tests := []struct {
		decision Decision
		want     ResultKind
	}{
		{"Allow", ResultAllowed},
		{"ALLOW", ResultAllowed},
		{"approval", ResultRequiresApproval},
		{"requireapproval", ResultRequiresApproval},
		{"Deny", ResultDenied},
	}
	for _, tt := range tests {
		t.Run(string(tt.decision), func(t *testing.T) {
			p := Policy{ID: "p", Enabled: true, Rules: []Rule{
				{ID: "r", ToolPattern: "file_*", Subject: All(), Decision: tt.decision},
			}}

			unvalidated := NewManager(Deny)
			unvalidated.AddPolicy(p)
			assert.Equal(t, tt.want, unvalidated.Check("file_read", user("u")).Kind)

			require.NoError(t, p.Validate())
			assert.Contains(t, []Decision{Allow, Deny, RequireApproval}, p.Rules[0].Decision)
			m := NewManager(Deny)
			m.AddPolicy(p)
			assert.Equal(t, tt.want, m.Check("file_read", user("u")).Kind)

			assert.Equal(t, tt.want, NewManager(tt.decision).Check("other", user("u")).Kind)
		})
	}

	m := NewManager(Deny)
	m.SetDefaultPolicy("ALLOW")
	assert.Equal(t, Allow, m.DefaultPolicy())
}

func TestParseSubject(t *testing.T) {
	tests := []struct {
		in   string
		want Subject
	}{
		{"user:alice", User("alice")},
		{"Group:dev", Group("dev")},
		{"role:admin", Role("admin")},
		{"all", All()},
		{"*", All()},
	}
	for _, tt := range tests {
		got, err := ParseSubject(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
		if tt.in != "*" && tt.in != "Group:dev" {
			assert.Equal(t, tt.in, got.String())
		}
	}

	for _, bad := range []string{"alice", "user:", "team:x"} {
		_, err := ParseSubject(bad)
		assert.Error(t, err, bad)
	}
}

func TestCheck_ConcurrentWithWrites(t *testing.T) {
	m := NewManager(Deny)
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			m.AddPolicy(allowAll(fmt.Sprintf("p%d", i), int32(i)))
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = m.Check("tool", user("u"))
			}
		}()
	}
	wg.Wait()

	assert.Len(t, m.Policies(), 8)
	assert.True(t, m.Check("tool", user("u")).IsAllowed())
}
