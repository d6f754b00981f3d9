package authz

import (
	"context"
	"testing"

	"github.com/jmylchreest/triage/pkg/workflow"
	"github.com/stretchr/testify/assert"
)

func testGrants() Grants {
	return Grants{
		Users: []User{{Login: "alice", Name: "Alice"}, {Login: "bob"}, {Login: "root"}},
		Projects: map[string]map[string][]string{
			"projectA": {
				"alice": {"browse", "securityhotspotadmin"},
				"bob":   {"browse"},
			},
			"projectB": {
				"bob": {"admin"},
			},
		},
		Global: map[string][]string{"root": {"admin"}},
	}
}

func TestHasPermission(t *testing.T) {
	ctx := context.Background()
	p := NewStatic(testGrants())

	tests := []struct {
		actor   string
		perm    workflow.Permission
		project string
		want    bool
	}{
		{"alice", workflow.PermBrowse, "projectA", true},
		{"alice", workflow.PermSecurityHotspotAdmin, "projectA", true},
		{"alice", workflow.PermIssueAdmin, "projectA", false},
		{"alice", workflow.PermBrowse, "projectB", false},
		{"bob", workflow.PermSecurityHotspotAdmin, "projectA", false},
		{"bob", workflow.PermIssueAdmin, "projectB", true},
		{"root", workflow.PermSecurityHotspotAdmin, "anything", true},
		{"", workflow.PermBrowse, "projectA", false},
		{"mallory", workflow.PermBrowse, "projectA", false},
	}
	for _, tt := range tests {
		t.Run(tt.actor+"/"+string(tt.perm)+"/"+tt.project, func(t *testing.T) {
			assert.Equal(t, tt.want, p.HasPermission(ctx, tt.actor, tt.perm, tt.project))
		})
	}
}

func TestLookupUser(t *testing.T) {
	ctx := context.Background()
	p := NewStatic(testGrants())

	u, ok := p.LookupUser(ctx, "alice")
	assert.True(t, ok)
	assert.Equal(t, "Alice", u.Name)
	assert.True(t, p.UserExists(ctx, "bob"))
	assert.False(t, p.UserExists(ctx, "mallory"))
}

func TestReplace(t *testing.T) {
	ctx := context.Background()
	p := NewStatic(testGrants())
	assert.True(t, p.HasPermission(ctx, "alice", workflow.PermBrowse, "projectA"))

	p.Replace(Grants{Users: []User{{Login: "carol"}}})
	assert.False(t, p.HasPermission(ctx, "alice", workflow.PermBrowse, "projectA"))
	assert.False(t, p.UserExists(ctx, "alice"))
	assert.True(t, p.UserExists(ctx, "carol"))
}
