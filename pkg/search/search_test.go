package search

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jmylchreest/triage/pkg/authz"
	"github.com/jmylchreest/triage/pkg/findings"
	"github.com/jmylchreest/triage/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	day0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	day1 = day0.AddDate(0, 0, 1)
	day2 = day0.AddDate(0, 0, 2)
	day3 = day0.AddDate(0, 0, 3)
)

func at(line int) findings.Locations {
	return findings.Locations{Primary: &findings.TextRange{StartLine: line, EndLine: line}}
}

func hotspot(key, project, branch, prob, category string, created time.Time) findings.Finding {
	return findings.Finding{
		Key: key, Type: findings.TypeSecurityHotspot, Status: findings.StatusToReview,
		ProjectKey: project, BranchID: branch, RuleKey: "go:S2068", VulnerabilityProbability: prob,
		SecurityCategory: category, CreatedAt: created,
	}
}

func issue(key string, typ findings.Type, branch string, created time.Time) findings.Finding {
	return findings.Finding{
		Key: key, Type: typ, Status: findings.StatusOpen, Severity: findings.SeverityMajor,
		ProjectKey: "projectA", BranchID: branch, RuleKey: "go:S1234", FilePath: "src/" + key + ".go",
		Locations: at(1), CreatedAt: created,
	}
}

func searchFixture() *store.Fixture {
	h1 := hotspot("H1", "projectA", "a-main", findings.ProbabilityMedium, "auth", day0)
	h1.FilePath = "src/auth/login.go"
	h1.NewCodeReference = true
	h1.SecurityStandards = []string{"owaspAsvs-4.0:2.2.4", "cwe:798"}

	h2 := hotspot("H2", "projectA", "a-main", findings.ProbabilityHigh, "weak-cryptography", day1)
	h2.FilePath = "src/crypto/hash.go"
	h2.SecurityStandards = []string{"owaspAsvs-4.0:2.1.1"}

	h3 := hotspot("H3", "projectB", "b-main", findings.ProbabilityMedium, "auth", day2)
	h3.Status = findings.StatusReviewed
	h3.Resolution = findings.ResolutionSafe
	h3.FilePath = "cmd/main.go"

	h4 := hotspot("H4", "projectB", "b-main", findings.ProbabilityLow, "dos", day0)
	h4.FilePath = "cmd/server.go"

	i1 := issue("I1", findings.TypeBug, "a-main", day0)
	i1.Assignee = "alice"
	i2 := issue("I2", findings.TypeVulnerability, "a-main", day1)
	i2.SecurityStandards = []string{"cwe:79"}

	return &store.Fixture{
		Projects: []findings.Project{
			{Key: "projectA", Name: "Project A"},
			{Key: "projectB", Name: "Project B"},
			{Key: "app", Name: "App", Qualifier: findings.QualifierApplication},
		},
		Branches: []findings.Branch{
			{ID: "a-main", ProjectKey: "projectA", Name: "main", Kind: findings.BranchMain},
			{ID: "a-feat", ProjectKey: "projectA", Name: "feature/x", Kind: findings.BranchFeature},
			{ID: "a-pr", ProjectKey: "projectA", Name: "42", Kind: findings.BranchPullRequest},
			{ID: "b-main", ProjectKey: "projectB", Name: "main", Kind: findings.BranchMain},
			{ID: "app-main", ProjectKey: "app", Name: "main", Kind: findings.BranchMain, Constituents: []string{"a-main", "b-main"}},
		},
		Snapshots: []findings.Snapshot{
			{BranchID: "a-main", AnalysisDate: day1, PeriodMode: findings.PeriodReferenceBranch},
			{BranchID: "b-main", AnalysisDate: day1, PeriodMode: findings.PeriodNumberOfDays, PeriodDate: &day1},
		},
		Findings: []findings.Finding{
			h1, h2, h3, h4, i1, i2,
			issue("I3", findings.TypeBug, "a-feat", day0),
			issue("I5", findings.TypeCodeSmell, "a-pr", day0),
		},
	}
}

func testGrants() *authz.Static {
	return authz.NewStatic(authz.Grants{
		Projects: map[string]map[string][]string{
			"projectA": {"alice": {"browse"}, "bob": {"browse"}},
			"projectB": {"alice": {"browse"}},
			"app":      {"alice": {"browse"}, "bob": {"browse"}},
		},
	})
}

func setupResolver(t *testing.T, opts ...Option) (*Resolver, *store.Store, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "triage-search-test-*")
	require.NoError(t, err)

	s, err := store.Open(tmpDir, store.WithMemIndex(), store.WithClock(func() time.Time { return day2 }))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to open store: %v", err)
	}
	cleanup := func() {
		s.Close()
		os.RemoveAll(tmpDir)
	}
	if _, err := s.Import(context.Background(), searchFixture()); err != nil {
		cleanup()
		t.Fatalf("import failed: %v", err)
	}

	opts = append([]Option{WithClock(func() time.Time { return day3 })}, opts...)
	return New(s, s, testGrants(), opts...), s, cleanup
}

func keysOf(fs []*findings.Finding) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Key
	}
	return out
}

// fakeIndex serves canned results.
type fakeIndex struct {
	status store.IndexStatus
	keys   []string
	total  int
	last   store.IndexQuery
}

func (f *fakeIndex) Search(_ context.Context, q store.IndexQuery) (store.IndexResult, error) {
	f.last = q
	return store.IndexResult{Keys: f.keys, Total: f.total}, nil
}

func (f *fakeIndex) IndexStatus(context.Context) (store.IndexStatus, error) {
	return f.status, nil
}

// =============================================================================
// Request validation
// =============================================================================

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name  string
		req   Request
		actor string
		param string
	}{
		{"no project or keys", Request{Hotspots: true}, "alice", "project"},
		{"branch without project", Request{Keys: []string{"H1"}, Branch: "x"}, "alice", "branch"},
		{"branch and pull request", Request{Project: "p", Branch: "x", PullRequest: "1"}, "alice", "branch"},
		{"status with keys only", Request{Hotspots: true, Keys: []string{"H1"}, Status: findings.StatusToReview}, "alice", "status"},
		{"issue status on hotspots", Request{Hotspots: true, Project: "p", Status: findings.StatusOpen}, "alice", "status"},
		{"hotspot resolution without reviewed", Request{Hotspots: true, Project: "p", Status: findings.StatusToReview, Resolution: findings.ResolutionSafe}, "alice", "resolution"},
		{"issue resolution while open", Request{Project: "p", Status: findings.StatusOpen, Resolution: findings.ResolutionFixed}, "alice", "resolution"},
		{"hotspot type on issues", Request{Project: "p", Types: []findings.Type{findings.TypeSecurityHotspot}}, "alice", "types"},
		{"onlyMine anonymous", Request{Project: "p", OnlyMine: true}, "", "onlyMine"},
		{"unknown standard", Request{Project: "p", Standards: map[findings.Taxonomy][]string{"nist": {"1"}}}, "alice", "nist"},
		{"asvs level", Request{Project: "p", ASVSLevel: 4}, "alice", "owaspAsvsLevel"},
		{"bad glob", Request{Project: "p", Files: []string{"src/[a"}}, "alice", "files"},
		{"page size", Request{Project: "p", PageSize: 501}, "alice", "ps"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.req.Validate(tc.actor)
			require.ErrorIs(t, err, findings.ErrValidation)
			assert.Equal(t, tc.param, findings.ParamOf(err))
		})
	}

	t.Run("too many keys", func(t *testing.T) {
		keys := make([]string, findings.MaxFindingKeys+1)
		for i := range keys {
			keys[i] = "k"
		}
		_, err := (&Request{Hotspots: true, Keys: keys}).Validate("alice")
		require.ErrorIs(t, err, findings.ErrValidation)
		assert.Equal(t, "hotspots", findings.ParamOf(err))
	})

	t.Run("defaults", func(t *testing.T) {
		page, err := (&Request{Project: "p", Status: findings.StatusResolved, Resolution: findings.ResolutionFixed}).Validate("alice")
		require.NoError(t, err)
		assert.Equal(t, 1, page.Page)
		assert.Equal(t, 100, page.PageSize)
	})

	t.Run("closed issues carry resolutions", func(t *testing.T) {
		_, err := (&Request{Project: "p", Status: findings.StatusClosed, Resolution: findings.ResolutionRemoved}).Validate("alice")
		require.NoError(t, err)

		_, err = (&Request{Project: "p", Status: findings.StatusConfirmed, Resolution: findings.ResolutionFixed}).Validate("alice")
		assert.ErrorIs(t, err, findings.ErrValidation)
	})
}

// =============================================================================
// Index-backed search
// =============================================================================

func TestSearchScopes(t *testing.T) {
	r, _, cleanup := setupResolver(t)
	defer cleanup()
	ctx := context.Background()

	tests := []struct {
		name  string
		req   Request
		want  []string
		total int
	}{
		{"main branch hotspots", Request{Hotspots: true, Project: "projectA"}, []string{"H2", "H1"}, 2},
		{"feature branch issues", Request{Project: "projectA", Branch: "feature/x"}, []string{"I3"}, 1},
		{"pull request issues", Request{Project: "projectA", PullRequest: "42"}, []string{"I5"}, 1},
		{"second page", Request{Hotspots: true, Project: "projectA", Page: 2, PageSize: 1}, []string{"H1"}, 2},
		{"status filter", Request{Hotspots: true, Project: "projectB", Status: findings.StatusReviewed, Resolution: findings.ResolutionSafe}, []string{"H3"}, 1},
		{"only mine", Request{Project: "projectA", OnlyMine: true}, []string{"I1"}, 1},
		{"file glob", Request{Hotspots: true, Project: "projectA", Files: []string{"src/auth/**"}}, []string{"H1"}, 1},
		{"issue types", Request{Project: "projectA", Types: []findings.Type{findings.TypeVulnerability}}, []string{"I2"}, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := r.Search(ctx, tc.req, "alice")
			require.NoError(t, err)
			assert.Equal(t, tc.want, keysOf(res.Findings))
			assert.Equal(t, tc.total, res.Paging.Total)
			assert.False(t, res.Degraded)
		})
	}
}

func TestSearchErrors(t *testing.T) {
	r, _, cleanup := setupResolver(t)
	defer cleanup()
	ctx := context.Background()

	t.Run("result window", func(t *testing.T) {
		_, err := r.Search(ctx, Request{Hotspots: true, Project: "projectA", Page: 21, PageSize: 500}, "alice")
		assert.ErrorIs(t, err, findings.ErrValidation)
	})

	t.Run("unknown project", func(t *testing.T) {
		_, err := r.Search(ctx, Request{Hotspots: true, Project: "nope"}, "alice")
		assert.ErrorIs(t, err, findings.ErrNotFound)
	})

	t.Run("unknown branch", func(t *testing.T) {
		_, err := r.Search(ctx, Request{Hotspots: true, Project: "projectA", Branch: "gone"}, "alice")
		assert.ErrorIs(t, err, findings.ErrNotFound)
	})

	t.Run("no browse permission", func(t *testing.T) {
		_, err := r.Search(ctx, Request{Hotspots: true, Project: "projectB"}, "bob")
		assert.ErrorIs(t, err, findings.ErrPermissionDenied)
	})

	t.Run("application needs every constituent", func(t *testing.T) {
		_, err := r.Search(ctx, Request{Hotspots: true, Project: "app"}, "bob")
		assert.ErrorIs(t, err, findings.ErrPermissionDenied)
	})
}

func TestSearchKeysOnly(t *testing.T) {
	r, _, cleanup := setupResolver(t)
	defer cleanup()
	ctx := context.Background()

	res, err := r.Search(ctx, Request{Hotspots: true, Keys: []string{"H3", "missing", "H1"}}, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"H1"}, keysOf(res.Findings))

	res, err = r.Search(ctx, Request{Hotspots: true, Keys: []string{"H3"}}, "bob")
	require.NoError(t, err)
	assert.Empty(t, res.Findings)
	assert.Equal(t, 0, res.Paging.Total)

	res, err = r.Search(ctx, Request{Hotspots: true, Keys: []string{"H1", "I1"}}, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"H1"}, keysOf(res.Findings), "issues are not hotspots")
}

func TestSearchNewCode(t *testing.T) {
	r, _, cleanup := setupResolver(t)
	defer cleanup()
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
		want []string
	}{
		{"reference branch", Request{Hotspots: true, Project: "projectA", InNewCodePeriod: true}, []string{"H1"}},
		{"period date", Request{Hotspots: true, Project: "projectB", InNewCodePeriod: true}, []string{"H3"}},
		{"never analyzed", Request{Project: "projectA", Branch: "feature/x", InNewCodePeriod: true}, []string{}},
		{"ignored for pull requests", Request{Project: "projectA", PullRequest: "42", InNewCodePeriod: true}, []string{"I5"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := r.Search(ctx, tc.req, "alice")
			require.NoError(t, err)
			assert.Equal(t, tc.want, keysOf(res.Findings))
		})
	}
}

func TestResolveNewCodePeriod(t *testing.T) {
	r, _, cleanup := setupResolver(t)
	defer cleanup()
	ctx := context.Background()

	p, err := r.ResolveNewCodePeriod(ctx, "a-main")
	require.NoError(t, err)
	assert.Equal(t, NewCodePeriod{ReferenceBranch: true}, p)

	p, err = r.ResolveNewCodePeriod(ctx, "b-main")
	require.NoError(t, err)
	assert.False(t, p.ReferenceBranch)
	assert.True(t, p.PeriodStart.Equal(day1))

	p, err = r.ResolveNewCodePeriod(ctx, "a-feat")
	require.NoError(t, err)
	assert.True(t, p.PeriodStart.Equal(day3), "unanalyzed branch starts now")
}

func TestApplicationSearch(t *testing.T) {
	r, s, cleanup := setupResolver(t)
	defer cleanup()
	ctx := context.Background()

	constituents, err := s.ApplicationBranches(ctx, "app-main")
	require.NoError(t, err)
	nc, err := r.ResolveApplicationNewCode(ctx, constituents)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"projectA": {}}, nc.ReferenceProjects)
	require.Contains(t, nc.PeriodStarts, "projectB")
	assert.True(t, nc.PeriodStarts["projectB"].Equal(day1))
	assert.NotContains(t, nc.PeriodStarts, "projectA")

	res, err := r.Search(ctx, Request{Hotspots: true, Project: "app"}, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"H1", "H2", "H3", "H4"}, keysOf(res.Findings))
	assert.Equal(t, "H2", res.Findings[0].Key)

	res, err = r.Search(ctx, Request{Hotspots: true, Project: "app", InNewCodePeriod: true}, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"H1", "H3"}, keysOf(res.Findings))
}

func TestSearchStandards(t *testing.T) {
	r, _, cleanup := setupResolver(t)
	defer cleanup()
	ctx := context.Background()

	asvs := map[findings.Taxonomy][]string{findings.TaxonomyOWASPASVS40: {"2"}}

	res, err := r.Search(ctx, Request{Hotspots: true, Project: "projectA", Standards: asvs, ASVSLevel: 1}, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"H2"}, keysOf(res.Findings))

	res, err = r.Search(ctx, Request{Hotspots: true, Project: "projectA", Standards: asvs}, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"H2", "H1"}, keysOf(res.Findings), "default level includes level 3 requirements")

	cwe := map[findings.Taxonomy][]string{findings.TaxonomyCWE: {"79"}}
	res, err = r.Search(ctx, Request{Project: "projectA", Standards: cwe}, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"I2"}, keysOf(res.Findings))

	res, err = r.Search(ctx, Request{Project: "projectA", Standards: cwe, Types: []findings.Type{findings.TypeBug}}, "alice")
	require.NoError(t, err)
	assert.Empty(t, res.Findings, "standards only apply to vulnerabilities")
}

func TestSearchIndexNotReady(t *testing.T) {
	_, s, cleanup := setupResolver(t)
	defer cleanup()

	idx := &fakeIndex{status: store.IndexResyncing}
	r := New(s, idx, testGrants())
	_, err := r.Search(context.Background(), Request{Hotspots: true, Project: "projectA"}, "alice")
	assert.ErrorIs(t, err, findings.ErrIndexNotReady)

	t.Run("request matching nothing", func(t *testing.T) {
		stale := New(s, &fakeIndex{status: store.IndexStale}, testGrants())
		cwe := map[findings.Taxonomy][]string{findings.TaxonomyCWE: {"79"}}
		_, err := stale.Search(context.Background(), Request{Project: "projectA", Standards: cwe, Types: []findings.Type{findings.TypeBug}}, "alice")
		assert.ErrorIs(t, err, findings.ErrIndexNotReady)
	})
}

func TestSearchRehydratesInIndexOrder(t *testing.T) {
	_, s, cleanup := setupResolver(t)
	defer cleanup()

	idx := &fakeIndex{status: store.IndexReady, keys: []string{"I2", "gone", "I1"}, total: 3}
	r := New(s, idx, testGrants())
	res, err := r.Search(context.Background(), Request{Project: "projectA", Page: 2, PageSize: 5}, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"I2", "I1"}, keysOf(res.Findings))
	assert.Equal(t, 3, res.Paging.Total)
	assert.Equal(t, 5, idx.last.From)
	assert.Equal(t, 5, idx.last.Size)
	assert.Equal(t, []string{"a-main"}, idx.last.BranchIDs)
}

// =============================================================================
// Degraded listing
// =============================================================================

func TestList(t *testing.T) {
	r, _, cleanup := setupResolver(t)
	defer cleanup()
	ctx := context.Background()

	res, err := r.List(ctx, Request{Hotspots: true, Project: "projectA", PageSize: 1}, "alice")
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, []string{"H2"}, keysOf(res.Findings))
	assert.Equal(t, 1, res.Paging.Total, "degraded total is the page size")

	res, err = r.List(ctx, Request{Hotspots: true, Project: "projectB", InNewCodePeriod: true}, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"H3"}, keysOf(res.Findings))

	_, err = r.List(ctx, Request{Hotspots: true, Project: "projectA",
		Standards: map[findings.Taxonomy][]string{findings.TaxonomyCWE: {"798"}}}, "alice")
	assert.ErrorIs(t, err, findings.ErrValidation)

	_, err = r.List(ctx, Request{Hotspots: true, Project: "projectB"}, "bob")
	assert.ErrorIs(t, err, findings.ErrPermissionDenied)
}
