package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jmylchreest/triage/pkg/authz"
	"github.com/jmylchreest/triage/pkg/findings"
	"github.com/jmylchreest/triage/pkg/metrics"
	"github.com/jmylchreest/triage/pkg/store"
	"github.com/jmylchreest/triage/pkg/triage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)

func setupTestServer(t *testing.T) (http.Handler, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "triage-server-test-*")
	require.NoError(t, err)
	st, err := store.Open(tmpDir, store.WithMemIndex())
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to open store: %v", err)
	}
	cleanup := func() {
		st.Close()
		os.RemoveAll(tmpDir)
	}

	created := now.AddDate(0, 0, -3)
	fx := &store.Fixture{
		Projects: []findings.Project{{Key: "projectA", Name: "Project A"}},
		Branches: []findings.Branch{{ID: "a-main", ProjectKey: "projectA", Name: "main", Kind: findings.BranchMain}},
		Findings: []findings.Finding{
			{Key: "H1", Type: findings.TypeSecurityHotspot, Status: findings.StatusToReview, ProjectKey: "projectA",
				BranchID: "a-main", RuleKey: "go:S2068", VulnerabilityProbability: findings.ProbabilityHigh,
				SecurityStandards: []string{"cwe:798"}, CreatedAt: created},
			{Key: "H2", Type: findings.TypeSecurityHotspot, Status: findings.StatusToReview, ProjectKey: "projectA",
				BranchID: "a-main", RuleKey: "go:S4790", VulnerabilityProbability: findings.ProbabilityLow, CreatedAt: created},
			{Key: "I1", Type: findings.TypeBug, Status: findings.StatusOpen, Severity: findings.SeverityMajor,
				ProjectKey: "projectA", BranchID: "a-main", RuleKey: "go:S1234", CreatedAt: created},
		},
	}
	if _, err := st.Import(context.Background(), fx); err != nil {
		cleanup()
		t.Fatalf("import failed: %v", err)
	}

	az := authz.NewStatic(authz.Grants{
		Users: []authz.User{{Login: "alice"}, {Login: "bob"}},
		Projects: map[string]map[string][]string{
			"projectA": {"alice": {"admin"}, "bob": {"browse"}},
		},
	})
	svc := triage.New(st, az, triage.WithClock(func() time.Time { return now }))

	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(reg))
	api := NewWebAPI(zerolog.New(zerolog.NewTestWriter(t)), svc, Config{Addr: ":0", Gatherer: reg})
	return api.Handler(), cleanup
}

func do(t *testing.T, h http.Handler, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type searchPage struct {
	Findings []findings.Finding `json:"findings"`
	Paging   struct {
		PageIndex int `json:"pageIndex"`
		PageSize  int `json:"pageSize"`
		Total     int `json:"total"`
	} `json:"paging"`
	Degraded bool `json:"degraded"`
}

func keysOf(fs []findings.Finding) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Key
	}
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	h, cleanup := setupTestServer(t)
	defer cleanup()

	w := do(t, h, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody[map[string]string](t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ready", body["index"])

	w = do(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestSearchEndpoint(t *testing.T) {
	h, cleanup := setupTestServer(t)
	defer cleanup()

	w := do(t, h, http.MethodGet, "/api/v1/findings/search?kind=hotspots&project=projectA&ps=1", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	page := decodeBody[searchPage](t, w)
	assert.Equal(t, []string{"H1"}, keysOf(page.Findings))
	assert.Equal(t, 2, page.Paging.Total)

	w = do(t, h, http.MethodGet, "/api/v1/findings/search?kind=hotspots&project=projectA&cwe=798", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"H1"}, keysOf(decodeBody[searchPage](t, w).Findings))

	w = do(t, h, http.MethodGet, "/api/v1/findings/list?project=projectA", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page = decodeBody[searchPage](t, w)
	assert.True(t, page.Degraded)
	assert.Equal(t, []string{"I1"}, keysOf(page.Findings))
}

func TestSearchEndpointErrors(t *testing.T) {
	h, cleanup := setupTestServer(t)
	defer cleanup()

	tests := []struct {
		name   string
		query  url.Values
		actor  string
		status int
		param  string
	}{
		{"missing project", url.Values{"kind": {"hotspots"}}, "bob", http.StatusBadRequest, "project"},
		{"bad page size", url.Values{"project": {"projectA"}, "ps": {"many"}}, "bob", http.StatusBadRequest, "ps"},
		{"bad kind", url.Values{"project": {"projectA"}, "kind": {"tasks"}}, "bob", http.StatusBadRequest, "kind"},
		{"anonymous", url.Values{"project": {"projectA"}}, "", http.StatusForbidden, ""},
		{"unknown project", url.Values{"project": {"nope"}}, "bob", http.StatusNotFound, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, h, http.MethodGet, "/api/v1/findings/search?"+tc.query.Encode(), tc.actor, nil)
			require.Equal(t, tc.status, w.Code, w.Body.String())
			body := decodeBody[errorBody](t, w)
			assert.NotEmpty(t, body.Error)
			assert.Equal(t, tc.param, body.Param)
		})
	}
}

func TestFindingLifecycleEndpoints(t *testing.T) {
	h, cleanup := setupTestServer(t)
	defer cleanup()

	w := do(t, h, http.MethodGet, "/api/v1/findings/H1", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	shown := decodeBody[struct {
		Key         string   `json:"key"`
		Transitions []string `json:"transitions"`
	}](t, w)
	assert.Equal(t, "H1", shown.Key)
	assert.Contains(t, shown.Transitions, "resolveassafe")

	w = do(t, h, http.MethodGet, "/api/v1/findings/H1/transitions", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody[map[string][]string](t, w)["transitions"])

	w = do(t, h, http.MethodPost, "/api/v1/findings/H1/transition", "bob", map[string]string{"transition": "resolveassafe"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/findings/H1/transition", "alice", map[string]string{"status": "REVIEWED", "resolution": "SAFE"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decodeBody[mutationResponse](t, w)
	assert.True(t, res.Changed)
	assert.Equal(t, findings.StatusReviewed, res.Finding.Status)

	w = do(t, h, http.MethodPost, "/api/v1/findings/H1/transition", "alice", map[string]string{"transition": "resolveassafe"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.False(t, decodeBody[mutationResponse](t, w).Changed)

	w = do(t, h, http.MethodPost, "/api/v1/findings/I1/transition", "alice", map[string]string{"transition": "reopen"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/findings/I1/severity", "alice", map[string]string{"severity": "BLOCKER"})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/findings/I1/assign", "alice", map[string]string{"assignee": "bob"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bob", decodeBody[mutationResponse](t, w).Finding.Assignee)

	w = do(t, h, http.MethodGet, "/api/v1/findings/I1/changelog", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[map[string][]findings.ChangeEvent](t, w)["changelog"], 2)

	w = do(t, h, http.MethodGet, "/api/v1/findings/nope", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/branches/a-main/measures", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decodeBody[findings.Measures](t, w).HotspotsReviewed)
}

func TestCommentEndpoints(t *testing.T) {
	h, cleanup := setupTestServer(t)
	defer cleanup()

	w := do(t, h, http.MethodPost, "/api/v1/findings/I1/comments", "bob", map[string]string{"text": "on it"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	c := decodeBody[findings.Comment](t, w)
	assert.Equal(t, "bob", c.Author)

	w = do(t, h, http.MethodPut, "/api/v1/comments/"+c.Key, "alice", map[string]string{"text": "mine now"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, h, http.MethodPut, "/api/v1/comments/"+c.Key, "bob", map[string]string{"text": "done"})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/findings/I1/comments", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	comments := decodeBody[map[string][]findings.Comment](t, w)["comments"]
	require.Len(t, comments, 1)
	assert.Equal(t, "done", comments[0].Text)

	w = do(t, h, http.MethodDelete, "/api/v1/comments/"+c.Key, "bob", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/findings/I1/comments", "bob", map[string]string{"text": strings.Repeat("x", findings.MaxCommentLength+1)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBulkEndpoint(t *testing.T) {
	h, cleanup := setupTestServer(t)
	defer cleanup()

	w := do(t, h, http.MethodPost, "/api/v1/findings/bulk", "alice", map[string]any{
		"keys":       []string{"H1", "H2", "I1"},
		"transition": "resolveasacknowledged",
		"comment":    "triaged",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decodeBody[struct {
		Total    int `json:"total"`
		Failures int `json:"failures"`
		Ignored  int `json:"ignored"`
	}](t, w)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 1, res.Failures)

	w = do(t, h, http.MethodPost, "/api/v1/findings/bulk", "alice", map[string]any{"keys": []string{"I1"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestBodyLimit(t *testing.T) {
	h, cleanup := setupTestServer(t)
	defer cleanup()

	big := `{"text":"` + strings.Repeat("a", MaxRequestBodySize) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/findings/I1/comments", strings.NewReader(big))
	req.Header.Set(ActorHeader, "bob")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{findings.Validation("p", "bad"), http.StatusBadRequest},
		{findings.Denied("no"), http.StatusForbidden},
		{findings.NotFound("gone"), http.StatusNotFound},
		{findings.InvalidTransition("nope"), http.StatusConflict},
		{findings.IndexNotReady(errors.New("stale")), http.StatusServiceUnavailable},
		{errors.New("disk"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, StatusOf(tc.err), tc.err.Error())
	}
}

func TestParseSearchRequest(t *testing.T) {
	q := url.Values{
		"kind":            {"hotspots"},
		"hotspots":        {"H1,H2", "H3"},
		"owaspAsvs-4.0":   {"2"},
		"owaspAsvsLevel":  {"1"},
		"inNewCodePeriod": {"true"},
		"files":           {"src/**"},
		"p":               {"2"},
	}
	req, err := ParseSearchRequest(q)
	require.NoError(t, err)
	assert.True(t, req.Hotspots)
	assert.Equal(t, []string{"H1", "H2", "H3"}, req.Keys)
	assert.Equal(t, []string{"2"}, req.Standards[findings.TaxonomyOWASPASVS40])
	assert.Equal(t, 1, req.ASVSLevel)
	assert.True(t, req.InNewCodePeriod)
	assert.Equal(t, []string{"src/**"}, req.Files)
	assert.Equal(t, 2, req.Page)

	_, err = ParseSearchRequest(url.Values{"onlyMine": {"maybe"}})
	assert.ErrorIs(t, err, findings.ErrValidation)
}
