// Package search resolves faceted finding searches: request validation,
// authorization, new-code boundaries, index queries and re-hydration from
// the store, plus a store-only degraded mode.
package search

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jmylchreest/triage/pkg/findings"
	"github.com/jmylchreest/triage/pkg/metrics"
	"github.com/jmylchreest/triage/pkg/paging"
	"github.com/jmylchreest/triage/pkg/store"
	"github.com/jmylchreest/triage/pkg/workflow"
	"github.com/rs/zerolog"
)

// Store is the persistent store as seen by the resolver.
type Store interface {
	LoadByKeys(ctx context.Context, keys []string) ([]*findings.Finding, error)
	LoadProject(ctx context.Context, key string) (*findings.Project, error)
	LoadBranch(ctx context.Context, projectKey, name string, kind findings.BranchKind) (*findings.Branch, error)
	LoadMainBranch(ctx context.Context, projectKey string) (*findings.Branch, error)
	ApplicationBranches(ctx context.Context, appBranchID string) ([]*findings.Branch, error)
	LoadLastAnalysisSnapshot(ctx context.Context, branchID string) (*findings.Snapshot, error)
	Query(ctx context.Context, q store.StoreQuery) ([]*findings.Finding, error)
}

// Index is the external search index.
type Index interface {
	Search(ctx context.Context, q store.IndexQuery) (store.IndexResult, error)
	IndexStatus(ctx context.Context) (store.IndexStatus, error)
}

// Authorizer answers permission questions.
type Authorizer interface {
	HasPermission(ctx context.Context, actor string, perm workflow.Permission, projectKey string) bool
}

// Result is one page of findings in result order.
type Result struct {
	Findings []*findings.Finding `json:"findings"`
	Paging   paging.Info         `json:"paging"`
	// Degraded is set when the page was served from the store without the
	// index; Paging.Total is then the page size, not the match count.
	Degraded bool `json:"degraded,omitempty"`
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the clock used for new-code boundaries.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Resolver) { r.logger = l.With().Str("component", "search").Logger() }
}

// WithDefaultASVSLevel sets the ASVS level used when a request names none.
func WithDefaultASVSLevel(level int) Option {
	return func(r *Resolver) { r.asvsLevel = level }
}

// Resolver answers search requests.
type Resolver struct {
	store     Store
	index     Index
	authz     Authorizer
	now       func() time.Time
	logger    zerolog.Logger
	asvsLevel int
}

// New returns a Resolver.
func New(s Store, idx Index, authz Authorizer, opts ...Option) *Resolver {
	r := &Resolver{
		store:     s,
		index:     idx,
		authz:     authz,
		now:       time.Now,
		logger:    zerolog.Nop(),
		asvsLevel: findings.DefaultASVSLevel,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// scope is the resolved target of a request.
type scope struct {
	project      *findings.Project
	branch       *findings.Branch
	constituents []*findings.Branch
}

func (s *scope) branchIDs() []string {
	if s.constituents == nil {
		return []string{s.branch.ID}
	}
	ids := make([]string, len(s.constituents))
	for i, b := range s.constituents {
		ids[i] = b.ID
	}
	return ids
}

// Search validates and authorizes req, then serves it from the index. A
// search index known to be behind the store is rejected with
// findings.ErrIndexNotReady; callers may fall back to List.
func (r *Resolver) Search(ctx context.Context, req Request, actor string) (*Result, error) {
	start := time.Now()
	page, err := req.Validate(actor)
	if err != nil {
		metrics.ObserveSearchRejected("validation")
		return nil, err
	}
	if err := page.CheckWindow(); err != nil {
		metrics.ObserveSearchRejected("validation")
		return nil, err
	}

	filter, ok, err := r.prepare(ctx, req, actor, true)
	if err != nil {
		return nil, err
	}

	status, err := r.index.IndexStatus(ctx)
	if err != nil {
		return nil, err
	}
	if status != store.IndexReady {
		metrics.ObserveSearchRejected("index_not_ready")
		return nil, findings.IndexNotReady(fmt.Errorf("index is %s", status))
	}
	if !ok {
		return &Result{Findings: []*findings.Finding{}, Paging: page.Known(0)}, nil
	}

	res, err := r.index.Search(ctx, store.IndexQuery{
		Filter:   filter,
		Hotspots: req.Hotspots,
		From:     page.Offset(),
		Size:     page.PageSize,
	})
	if err != nil {
		return nil, err
	}

	fs, err := r.rehydrate(ctx, res.Keys)
	if err != nil {
		return nil, err
	}
	metrics.ObserveSearch(metrics.ModeIndex, time.Since(start))
	return &Result{Findings: fs, Paging: page.Known(res.Total)}, nil
}

// List serves req from the store alone. Security standard facets are not
// supported and the reported total is the size of the returned page.
func (r *Resolver) List(ctx context.Context, req Request, actor string) (*Result, error) {
	start := time.Now()
	page, err := req.Validate(actor)
	if err != nil {
		metrics.ObserveSearchRejected("validation")
		return nil, err
	}
	if len(req.Standards) > 0 {
		metrics.ObserveSearchRejected("validation")
		return nil, findings.Validation("standards", "Security standard filters are not supported while the search index is unavailable")
	}

	filter, ok, err := r.prepare(ctx, req, actor, false)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Result{Findings: []*findings.Finding{}, Paging: page.Approximate(0), Degraded: true}, nil
	}

	all, err := r.store.Query(ctx, store.StoreQuery{Filter: filter, Hotspots: req.Hotspots})
	if err != nil {
		return nil, err
	}
	fs, _ := paging.Paginate(all, page)
	metrics.ObserveSearch(metrics.ModeDegraded, time.Since(start))
	return &Result{Findings: fs, Paging: page.Approximate(len(fs)), Degraded: true}, nil
}

// prepare authorizes req and builds its filter. ok is false when the request
// can match nothing.
func (r *Resolver) prepare(ctx context.Context, req Request, actor string, withStandards bool) (store.Filter, bool, error) {
	var f store.Filter

	if req.Hotspots {
		f.Types = []findings.Type{findings.TypeSecurityHotspot}
	} else {
		f.Types = slices.Clone(req.Types)
		if len(f.Types) == 0 {
			f.Types = slices.Clone(findings.IssueTypes)
		}
	}

	if req.Project == "" {
		keys, err := r.browsableKeys(ctx, req.Keys, actor)
		if err != nil {
			return f, false, err
		}
		if len(keys) == 0 {
			return f, false, nil
		}
		f.Keys = keys
	} else {
		sc, err := r.resolveScope(ctx, req, actor)
		if err != nil {
			return f, false, err
		}
		f.BranchIDs = sc.branchIDs()
		if len(f.BranchIDs) == 0 {
			return f, false, nil
		}
		f.Keys = slices.Clone(req.Keys)
		if req.InNewCodePeriod && req.PullRequest == "" {
			if sc.constituents != nil {
				nc, err := r.ResolveApplicationNewCode(ctx, sc.constituents)
				if err != nil {
					return f, false, err
				}
				f.NewCode = nc.filter()
			} else {
				nc, err := r.ResolveNewCodePeriod(ctx, sc.branch.ID)
				if err != nil {
					return f, false, err
				}
				f.NewCode = nc.filter()
			}
		}
	}

	if req.Status != "" {
		f.Statuses = []findings.Status{req.Status}
	}
	if req.Resolution != "" {
		f.Resolutions = []findings.Resolution{req.Resolution}
	}
	if req.OnlyMine {
		f.Assignee = actor
	}
	f.Files = slices.Clone(req.Files)

	if withStandards && len(req.Standards) > 0 {
		f.Standards = r.standards(req)
		if !req.Hotspots {
			f.Types = slices.DeleteFunc(f.Types, func(t findings.Type) bool { return t != findings.TypeVulnerability })
			if len(f.Types) == 0 {
				return f, false, nil
			}
		}
	}
	return f, true, nil
}

func (r *Resolver) standards(req Request) map[findings.Taxonomy][]string {
	level := req.ASVSLevel
	if level == 0 {
		level = r.asvsLevel
	}
	out := make(map[findings.Taxonomy][]string, len(req.Standards))
	for t, codes := range req.Standards {
		if t == findings.TaxonomyOWASPASVS40 {
			out[t] = findings.ExpandASVS(codes, level)
			continue
		}
		out[t] = slices.Clone(codes)
	}
	return out
}

func (r *Resolver) resolveScope(ctx context.Context, req Request, actor string) (*scope, error) {
	p, err := r.store.LoadProject(ctx, req.Project)
	if err != nil {
		return nil, err
	}
	if !r.authz.HasPermission(ctx, actor, workflow.PermBrowse, p.Key) {
		return nil, findings.Denied("Insufficient privileges")
	}

	var b *findings.Branch
	switch {
	case req.PullRequest != "":
		b, err = r.store.LoadBranch(ctx, p.Key, req.PullRequest, findings.BranchPullRequest)
	case req.Branch != "":
		b, err = r.store.LoadBranch(ctx, p.Key, req.Branch, findings.BranchFeature)
	default:
		b, err = r.store.LoadMainBranch(ctx, p.Key)
	}
	if err != nil {
		return nil, err
	}

	sc := &scope{project: p, branch: b}
	if !p.IsApplication() {
		return sc, nil
	}

	constituents, err := r.store.ApplicationBranches(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	for _, c := range constituents {
		if !r.authz.HasPermission(ctx, actor, workflow.PermBrowse, c.ProjectKey) {
			return nil, findings.Denied("Insufficient privileges")
		}
	}
	sc.constituents = constituents
	if sc.constituents == nil {
		sc.constituents = []*findings.Branch{}
	}
	return sc, nil
}

// browsableKeys keeps the requested keys whose findings exist and belong to a
// project the actor may browse.
func (r *Resolver) browsableKeys(ctx context.Context, keys []string, actor string) ([]string, error) {
	fs, err := r.store.LoadByKeys(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(fs))
	for _, f := range fs {
		if r.authz.HasPermission(ctx, actor, workflow.PermBrowse, f.ProjectKey) {
			out = append(out, f.Key)
		}
	}
	return out, nil
}

// rehydrate loads the findings for keys and returns them in keys order. Keys
// missing from the store are skipped.
func (r *Resolver) rehydrate(ctx context.Context, keys []string) ([]*findings.Finding, error) {
	if len(keys) == 0 {
		return []*findings.Finding{}, nil
	}
	loaded, err := r.store.LoadByKeys(ctx, keys)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]*findings.Finding, len(loaded))
	for _, f := range loaded {
		byKey[f.Key] = f
	}
	out := make([]*findings.Finding, 0, len(keys))
	for _, k := range keys {
		f, ok := byKey[k]
		if !ok {
			r.logger.Debug().Str("key", k).Msg("indexed finding missing from store")
			continue
		}
		out = append(out, f)
	}
	return out, nil
}
