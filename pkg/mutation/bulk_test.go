package mutation

import (
	"context"
	"testing"

	"github.com/jmylchreest/triage/pkg/findings"
	"github.com/jmylchreest/triage/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func succeededKeys(r *BulkResult) []string {
	var out []string
	for _, f := range r.Succeeded {
		out = append(out, f.Key)
	}
	return out
}

func TestBulkGlobalValidationFailsEverything(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(newIssue("I1", findings.StatusOpen, ""), newIssue("I2", findings.StatusOpen, ""))
	c := NewCoordinator(newTestMutator(s, &recordingSink{}))
	mc := NewContext("alice", t1)

	tests := []struct {
		name  string
		keys  []string
		ops   Operations
		param string
	}{
		{"no keys", nil, Operations{Transition: workflow.Confirm}, "issues"},
		{"no operations", []string{"I1"}, Operations{}, "actions"},
		{"unknown assignee", []string{"I1", "I2"}, Operations{Assign: strPtr("nobody")}, "assign"},
		{"unknown transition", []string{"I1"}, Operations{Transition: "plan"}, "do_transition"},
		{"unknown severity", []string{"I1"}, Operations{Severity: "URGENT"}, "set_severity"},
		{"blank comment", []string{"I1"}, Operations{Comment: "  "}, "text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := c.Execute(ctx, tt.keys, tt.ops, mc)
			require.ErrorIs(t, err, findings.ErrValidation)
			assert.Nil(t, res)
			assert.Equal(t, tt.param, findings.ParamOf(err))
			assert.Empty(t, s.saves)
		})
	}
}

func TestBulkKeyCap(t *testing.T) {
	c := NewCoordinator(newTestMutator(newMemStore(), &recordingSink{}))
	keys := make([]string, findings.MaxFindingKeys+1)
	for i := range keys {
		keys[i] = "k"
	}
	_, err := c.Execute(context.Background(), keys, Operations{Transition: workflow.Confirm}, NewContext("alice", t1))
	assert.ErrorIs(t, err, findings.ErrValidation)
}

func TestBulkIsolatesLocalFailures(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(
		newIssue("I1", findings.StatusOpen, ""),
		newIssue("I2", findings.StatusResolved, findings.ResolutionFixed), // severity precondition fails
		newIssue("I3", findings.StatusConfirmed, ""),
		newIssue("I4", findings.StatusOpen, ""), // save fails
	)
	s.failSave["I4"] = true
	sink := &recordingSink{}
	r := &refresherMock{}
	r.On("RefreshMeasures", mock.Anything, []string{"b-main"}).Return(nil).Once()
	c := NewCoordinator(newTestMutator(s, sink, WithMeasureRefresher(r)))

	keys := []string{"I1", "I2", "missing", "I3", "I4"}
	res, err := c.Execute(ctx, keys, Operations{
		Assign:   strPtr("bob"),
		Severity: findings.SeverityCritical,
		Comment:  "triaged in bulk",
	}, NewTransitionContext("alice", t1))
	require.NoError(t, err)

	assert.Equal(t, []string{"I1", "I3"}, succeededKeys(res))
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 3, res.Failures)
	assert.Equal(t, 0, res.Ignored)

	// Nothing outside the success list was persisted.
	assert.Equal(t, []string{"I1", "I3"}, s.saves)
	assert.Empty(t, s.findings["I2"].Assignee)

	for _, k := range []string{"I1", "I3"} {
		f := s.findings[k]
		assert.Equal(t, "bob", f.Assignee)
		assert.Equal(t, findings.SeverityCritical, f.Severity)
		assert.Equal(t, t1, f.UpdatedAt)
	}
	assert.Len(t, s.comments, 2)

	// Events: assignee + severity per mutated finding.
	assert.Len(t, s.events, 4)

	require.Len(t, sink.events, 2)
	assert.Equal(t, "I1", sink.events[0].FindingKey)
	r.AssertExpectations(t)
}

func TestBulkAppliesOperationsInFixedOrder(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(newIssue("I1", findings.StatusOpen, ""))
	c := NewCoordinator(newTestMutator(s, &recordingSink{}))

	res, err := c.Execute(ctx, []string{"I1"}, Operations{
		Comment:    "confirmed",
		Severity:   findings.SeverityMinor,
		Transition: workflow.Confirm,
		Assign:     strPtr("alice"),
	}, NewTransitionContext("alice", t1))
	require.NoError(t, err)
	require.Equal(t, []string{"I1"}, succeededKeys(res))

	var fields []string
	for _, e := range s.events {
		fields = append(fields, e.Field)
	}
	assert.Equal(t, []string{findings.FieldAssignee, findings.FieldStatus, findings.FieldSeverity}, fields)
	assert.Len(t, s.comments, 1)
	assert.Equal(t, []string{"I1"}, s.saves)
}

func TestBulkSeverityAfterResolveFailsFinding(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(newIssue("I1", findings.StatusOpen, ""))
	c := NewCoordinator(newTestMutator(s, &recordingSink{}))

	res, err := c.Execute(ctx, []string{"I1"}, Operations{
		Transition: workflow.ResolveFixed,
		Severity:   findings.SeverityMinor,
	}, NewTransitionContext("alice", t1))
	require.NoError(t, err)
	assert.Empty(t, res.Succeeded)
	assert.Equal(t, 1, res.Failures)
	assert.Empty(t, s.saves)
	assert.Equal(t, findings.StatusOpen, s.findings["I1"].Status)
}

func TestBulkIgnoresUnchangedFindings(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(
		newIssue("I1", findings.StatusConfirmed, ""),
		newIssue("I2", findings.StatusOpen, ""),
		newIssue("I2", findings.StatusOpen, ""),
	)
	c := NewCoordinator(newTestMutator(s, &recordingSink{}))

	res, err := c.Execute(ctx, []string{"I1", "I2", "I2"}, Operations{Transition: workflow.Confirm}, NewTransitionContext("bob", t1))
	require.NoError(t, err)
	assert.Equal(t, []string{"I2"}, succeededKeys(res))
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 1, res.Ignored)
	assert.Equal(t, 0, res.Failures)
}

func TestBulkTransitionOfOtherKindFails(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(newHotspot("H1"), newIssue("I1", findings.StatusOpen, ""))
	c := NewCoordinator(newTestMutator(s, &recordingSink{}))

	res, err := c.Execute(ctx, []string{"H1", "I1"}, Operations{Transition: workflow.ResolveAsSafe}, NewTransitionContext("alice", t1))
	require.NoError(t, err)
	assert.Equal(t, []string{"H1"}, succeededKeys(res))
	assert.Equal(t, 1, res.Failures)
	assert.Equal(t, findings.ResolutionSafe, s.findings["H1"].Resolution)
}

func TestBulkPermissionFailureIsLocal(t *testing.T) {
	ctx := context.Background()
	other := newIssue("I2", findings.StatusOpen, "")
	other.ProjectKey = "projectB"
	s := newMemStore(newIssue("I1", findings.StatusOpen, ""), other)
	c := NewCoordinator(newTestMutator(s, &recordingSink{}))

	res, err := c.Execute(ctx, []string{"I1", "I2"}, Operations{Comment: "seen"}, NewContext("bob", t1))
	require.NoError(t, err)
	assert.Equal(t, []string{"I1"}, succeededKeys(res))
	assert.Equal(t, 1, res.Failures)
}

func TestBulkUnchangedFindingStillNeedsPermission(t *testing.T) {
	ctx := context.Background()
	h := newHotspot("H1")
	h.Status, h.Resolution = findings.StatusReviewed, findings.ResolutionSafe
	s := newMemStore(h)
	c := NewCoordinator(newTestMutator(s, &recordingSink{}))

	res, err := c.Execute(ctx, []string{"H1"}, Operations{Transition: workflow.ResolveAsSafe}, NewTransitionContext("bob", t1))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Ignored)
	assert.Equal(t, 1, res.Failures)

	res, err = c.Execute(ctx, []string{"H1"}, Operations{Transition: workflow.ResolveAsSafe}, NewTransitionContext("alice", t1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ignored)
	assert.Empty(t, s.saves)
}
