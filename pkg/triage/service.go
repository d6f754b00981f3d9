// Package triage binds the store, authorization, mutation and search
// components into the operations offered by the HTTP API, the MCP server and
// the CLI.
package triage

import (
	"context"
	"time"

	"github.com/jmylchreest/triage/pkg/findings"
	"github.com/jmylchreest/triage/pkg/mutation"
	"github.com/jmylchreest/triage/pkg/notify"
	"github.com/jmylchreest/triage/pkg/search"
	"github.com/jmylchreest/triage/pkg/store"
	"github.com/jmylchreest/triage/pkg/workflow"
	"github.com/rs/zerolog"
)

// Authorizer answers permission and user questions.
type Authorizer interface {
	HasPermission(ctx context.Context, actor string, perm workflow.Permission, projectKey string) bool
	UserExists(ctx context.Context, login string) bool
}

// Option configures a Service.
type Option func(*options)

type options struct {
	notifier  notify.Sink
	now       func() time.Time
	logger    zerolog.Logger
	asvsLevel int
}

// WithNotifier sets the sink receiving change notifications.
func WithNotifier(s notify.Sink) Option {
	return func(o *options) { o.notifier = s }
}

// WithClock overrides the mutation and new-code clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger handed to every component.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDefaultASVSLevel sets the OWASP ASVS level searches use by default.
func WithDefaultASVSLevel(level int) Option {
	return func(o *options) { o.asvsLevel = level }
}

// Service is the transport-independent entry point.
type Service struct {
	store    *store.Store
	authz    Authorizer
	mutator  *mutation.Mutator
	bulk     *mutation.Coordinator
	resolver *search.Resolver
	now      func() time.Time
	logger   zerolog.Logger
}

// New wires a Service over st.
func New(st *store.Store, az Authorizer, opts ...Option) *Service {
	o := options{
		notifier:  notify.Discard{},
		now:       time.Now,
		logger:    zerolog.Nop(),
		asvsLevel: findings.DefaultASVSLevel,
	}
	for _, fn := range opts {
		fn(&o)
	}

	m := mutation.New(st, az, az,
		mutation.WithNotifier(o.notifier),
		mutation.WithMeasureRefresher(st),
		mutation.WithLogger(o.logger),
	)
	return &Service{
		store:   st,
		authz:   az,
		mutator: m,
		bulk:    mutation.NewCoordinator(m),
		resolver: search.New(st, st, az,
			search.WithClock(o.now),
			search.WithLogger(o.logger),
			search.WithDefaultASVSLevel(o.asvsLevel),
		),
		now:    o.now,
		logger: o.logger.With().Str("component", "findings").Logger(),
	}
}

// Store exposes the underlying store for maintenance commands.
func (s *Service) Store() *store.Store {
	return s.store
}

// Finding loads a finding the actor may browse.
func (s *Service) Finding(ctx context.Context, key, actor string) (*findings.Finding, error) {
	f, err := s.store.LoadByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if !s.authz.HasPermission(ctx, actor, workflow.PermBrowse, f.ProjectKey) {
		return nil, findings.Denied("Insufficient privileges")
	}
	return f, nil
}

// TransitionsFor returns the transitions applicable to f that actor holds the
// permission for.
func (s *Service) TransitionsFor(ctx context.Context, f *findings.Finding, actor string) []workflow.Transition {
	out := []workflow.Transition{}
	if !s.authz.HasPermission(ctx, actor, workflow.PermBrowse, f.ProjectKey) {
		return out
	}
	for _, t := range workflow.TransitionsAvailable(f) {
		if s.authz.HasPermission(ctx, actor, t.Permission, f.ProjectKey) {
			out = append(out, t)
		}
	}
	return out
}

// Transition moves the finding to (status, resolution).
func (s *Service) Transition(ctx context.Context, key, actor string, status findings.Status, resolution findings.Resolution) (*mutation.Result, error) {
	f, err := s.Finding(ctx, key, actor)
	if err != nil {
		return nil, err
	}
	return s.mutator.Transition(ctx, f, status, resolution, mutation.NewTransitionContext(actor, s.now()))
}

// DoTransition applies the named transition.
func (s *Service) DoTransition(ctx context.Context, key, actor, transition string) (*mutation.Result, error) {
	f, err := s.Finding(ctx, key, actor)
	if err != nil {
		return nil, err
	}
	t, ok := workflow.Lookup(transition, f.IsHotspot())
	if !ok {
		if workflow.Known(transition) {
			return nil, findings.InvalidTransition("Transition '%s' does not apply to finding '%s'", transition, key)
		}
		return nil, findings.Validation("transition", "Unknown transition '%s'", transition)
	}
	if current := workflow.StateOf(f); current != t.Target && !t.From(current) {
		return nil, findings.InvalidTransition("Transition '%s' cannot be applied from %s", transition, workflow.StateOf(f))
	}
	return s.mutator.Transition(ctx, f, t.Target.Status, t.Target.Resolution, mutation.NewTransitionContext(actor, s.now()))
}

// Assign sets or clears the assignee.
func (s *Service) Assign(ctx context.Context, key, actor, assignee string) (*mutation.Result, error) {
	f, err := s.store.LoadByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.mutator.Assign(ctx, f, assignee, mutation.NewContext(actor, s.now()))
}

// SetSeverity changes the severity of an unresolved issue.
func (s *Service) SetSeverity(ctx context.Context, key, actor string, severity findings.Severity) (*mutation.Result, error) {
	f, err := s.store.LoadByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.mutator.SetSeverity(ctx, f, severity, mutation.NewContext(actor, s.now()))
}

// AddComment adds a comment to the finding.
func (s *Service) AddComment(ctx context.Context, key, actor, text string) (*findings.Comment, error) {
	f, err := s.store.LoadByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	res, err := s.mutator.AddComment(ctx, f, text, mutation.NewContext(actor, s.now()))
	if err != nil {
		return nil, err
	}
	return &res.Comments[0], nil
}

// EditComment replaces the text of a comment authored by actor.
func (s *Service) EditComment(ctx context.Context, commentKey, actor, text string) (*findings.Comment, error) {
	c, err := s.store.LoadComment(ctx, commentKey)
	if err != nil {
		return nil, err
	}
	if err := s.mutator.EditComment(ctx, c, text, mutation.NewContext(actor, s.now())); err != nil {
		return nil, err
	}
	return c, nil
}

// DeleteComment removes a comment authored by actor.
func (s *Service) DeleteComment(ctx context.Context, commentKey, actor string) error {
	c, err := s.store.LoadComment(ctx, commentKey)
	if err != nil {
		return err
	}
	return s.mutator.DeleteComment(ctx, c, mutation.NewContext(actor, s.now()))
}

// Comments lists the comments of a finding the actor may browse.
func (s *Service) Comments(ctx context.Context, key, actor string) ([]findings.Comment, error) {
	if _, err := s.Finding(ctx, key, actor); err != nil {
		return nil, err
	}
	return s.store.ListComments(ctx, key)
}

// Changelog lists the change events of a finding the actor may browse.
func (s *Service) Changelog(ctx context.Context, key, actor string) ([]findings.ChangeEvent, error) {
	if _, err := s.Finding(ctx, key, actor); err != nil {
		return nil, err
	}
	return s.store.Changelog(ctx, key)
}

// Bulk applies ops to every key. Aggregate measures are refreshed once the
// batch is done when it includes a transition.
func (s *Service) Bulk(ctx context.Context, keys []string, ops mutation.Operations, actor string) (*mutation.BulkResult, error) {
	mc := mutation.NewContext(actor, s.now())
	if ops.Transition != "" {
		mc = mutation.NewTransitionContext(actor, s.now())
	}
	return s.bulk.Execute(ctx, keys, ops, mc)
}

// Search runs an index-backed search.
func (s *Service) Search(ctx context.Context, req search.Request, actor string) (*search.Result, error) {
	return s.resolver.Search(ctx, req, actor)
}

// List runs a store-backed search that does not depend on the index.
func (s *Service) List(ctx context.Context, req search.Request, actor string) (*search.Result, error) {
	return s.resolver.List(ctx, req, actor)
}

// Measures returns the aggregate measures of a branch the actor may browse.
func (s *Service) Measures(ctx context.Context, branchID, actor string) (*findings.Measures, error) {
	b, err := s.store.LoadBranchByID(ctx, branchID)
	if err != nil {
		return nil, err
	}
	if !s.authz.HasPermission(ctx, actor, workflow.PermBrowse, b.ProjectKey) {
		return nil, findings.Denied("Insufficient privileges")
	}
	return s.store.Measures(ctx, branchID)
}

// Reindex rebuilds the search index and returns the number of indexed findings.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	n, err := s.store.Reindex(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.Info().Int("findings", n).Msg("search index rebuilt")
	return n, nil
}
