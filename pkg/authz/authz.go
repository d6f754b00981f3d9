// Package authz answers permission questions from a static grant table that
// can be swapped at runtime.
package authz

import (
	"context"
	"slices"
	"sync/atomic"

	"github.com/jmylchreest/triage/pkg/workflow"
)

// User is a known identity that findings can be assigned to.
type User struct {
	Login string `json:"login" koanf:"login"`
	Name  string `json:"name" koanf:"name"`
}

// Grants is the configured permission table.
type Grants struct {
	Users []User `json:"users" koanf:"users"`
	// Projects maps project key -> login -> permissions.
	Projects map[string]map[string][]string `json:"grants" koanf:"grants"`
	// Global maps login -> permissions held on every project.
	Global map[string][]string `json:"global" koanf:"global"`
}

type snapshot struct {
	users    map[string]User
	projects map[string]map[string][]string
	global   map[string][]string
}

// Static is a Provider backed by Grants.
type Static struct {
	current atomic.Pointer[snapshot]
}

// NewStatic builds a provider from g.
func NewStatic(g Grants) *Static {
	s := &Static{}
	s.Replace(g)
	return s
}

// Replace swaps the grant table atomically.
func (s *Static) Replace(g Grants) {
	snap := &snapshot{
		users:    make(map[string]User, len(g.Users)),
		projects: g.Projects,
		global:   g.Global,
	}
	for _, u := range g.Users {
		snap.users[u.Login] = u
	}
	s.current.Store(snap)
}

// HasPermission reports whether actor holds perm on projectKey. A global or
// project "admin" grant implies every permission.
func (s *Static) HasPermission(_ context.Context, actor string, perm workflow.Permission, projectKey string) bool {
	if actor == "" {
		return false
	}
	snap := s.current.Load()
	if holds(snap.global[actor], perm) {
		return true
	}
	return holds(snap.projects[projectKey][actor], perm)
}

func holds(granted []string, perm workflow.Permission) bool {
	return slices.Contains(granted, string(perm)) || slices.Contains(granted, string(workflow.PermAdmin))
}

// LookupUser returns the user with the given login.
func (s *Static) LookupUser(_ context.Context, login string) (User, bool) {
	u, ok := s.current.Load().users[login]
	return u, ok
}

// UserExists reports whether login is a known user.
func (s *Static) UserExists(ctx context.Context, login string) bool {
	_, ok := s.LookupUser(ctx, login)
	return ok
}
