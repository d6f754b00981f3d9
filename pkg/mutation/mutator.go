// Package mutation applies single-item and bulk changes to findings,
// recording change events and comments.
package mutation

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/jmylchreest/triage/pkg/findings"
	"github.com/jmylchreest/triage/pkg/metrics"
	"github.com/jmylchreest/triage/pkg/notify"
	"github.com/jmylchreest/triage/pkg/workflow"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Store loads and persists findings. Save writes the finding together with
// the events and new comments produced for it in one transaction.
type Store interface {
	LoadByKey(ctx context.Context, key string) (*findings.Finding, error)
	Save(ctx context.Context, f *findings.Finding, events []findings.ChangeEvent, comments []findings.Comment) error
	UpdateComment(ctx context.Context, c *findings.Comment) error
	DeleteComment(ctx context.Context, key string) error
	LoadBranchByID(ctx context.Context, id string) (*findings.Branch, error)
}

// Authorizer answers permission questions.
type Authorizer interface {
	HasPermission(ctx context.Context, actor string, perm workflow.Permission, projectKey string) bool
}

// Users resolves assignee identities.
type Users interface {
	UserExists(ctx context.Context, login string) bool
}

// MeasureRefresher recomputes aggregate measures of branches.
type MeasureRefresher interface {
	RefreshMeasures(ctx context.Context, branchIDs []string) error
}

// Result is the outcome of a single-item mutation. Changed is false for
// no-ops, in which case no events were produced and nothing was persisted.
type Result struct {
	Finding  *findings.Finding
	Events   []findings.ChangeEvent
	Comments []findings.Comment
	Changed  bool
}

// Option configures a Mutator.
type Option func(*Mutator)

// WithNotifier sets the sink receiving change notifications.
func WithNotifier(s notify.Sink) Option {
	return func(m *Mutator) { m.notifier = s }
}

// WithMeasureRefresher sets the collaborator recomputing measures.
func WithMeasureRefresher(r MeasureRefresher) Option {
	return func(m *Mutator) { m.measures = r }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Mutator) { m.logger = l.With().Str("component", "mutation").Logger() }
}

// WithIDGenerator overrides the generator of event and comment keys.
func WithIDGenerator(gen func() string) Option {
	return func(m *Mutator) { m.newID = gen }
}

// Mutator applies one mutation to one finding. It performs no locking; the
// store provides the transaction boundary.
type Mutator struct {
	store    Store
	authz    Authorizer
	users    Users
	notifier notify.Sink
	measures MeasureRefresher
	newID    func() string
	logger   zerolog.Logger
}

// New returns a Mutator.
func New(store Store, authz Authorizer, users Users, opts ...Option) *Mutator {
	m := &Mutator{
		store:    store,
		authz:    authz,
		users:    users,
		notifier: notify.Discard{},
		newID:    func() string { return ulid.Make().String() },
		logger:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// =============================================================================
// Public operations
// =============================================================================

// Transition moves f to (status, resolution). Requesting the current state
// is a no-op. f itself is never modified; the result carries the updated copy.
func (m *Mutator) Transition(ctx context.Context, f *findings.Finding, status findings.Status, resolution findings.Resolution, mc Context) (*Result, error) {
	requested := workflow.State{Status: status, Resolution: resolution}
	if err := workflow.CheckTarget(f.IsHotspot(), requested); err != nil {
		return nil, err
	}
	// Permissions are checked before the no-op comparison.
	if err := m.checkBrowse(ctx, f, mc); err != nil {
		return nil, err
	}
	if f.IsHotspot() && !m.authz.HasPermission(ctx, mc.Actor(), workflow.PermSecurityHotspotAdmin, f.ProjectKey) {
		return nil, findings.Denied("Insufficient privileges")
	}
	t, noop, err := workflow.Resolve(f.IsHotspot(), workflow.StateOf(f), requested)
	if err != nil {
		return nil, err
	}
	if noop {
		return &Result{Finding: f}, nil
	}

	work := f.Clone()
	events, err := m.applyTransition(ctx, work, t, mc)
	if err != nil {
		return nil, err
	}
	if err := m.store.Save(ctx, work, events, nil); err != nil {
		return nil, err
	}
	metrics.ObserveTransition(t.Key)

	m.refresh(ctx, mc, work.BranchID)
	if work.IsHotspot() {
		m.notifyFeatureBranch(ctx, work, mc)
	}
	return &Result{Finding: work, Events: events, Changed: true}, nil
}

// Assign sets or clears (assignee == "") the assignee of f.
func (m *Mutator) Assign(ctx context.Context, f *findings.Finding, assignee string, mc Context) (*Result, error) {
	if assignee != "" && !m.users.UserExists(ctx, assignee) {
		return nil, findings.NotFound("User '%s' not found", assignee)
	}
	work := f.Clone()
	events, err := m.applyAssign(ctx, work, assignee, mc)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return &Result{Finding: f}, nil
	}
	if err := m.store.Save(ctx, work, events, nil); err != nil {
		return nil, err
	}
	return &Result{Finding: work, Events: events, Changed: true}, nil
}

// SetSeverity changes the severity of an unresolved issue.
func (m *Mutator) SetSeverity(ctx context.Context, f *findings.Finding, severity findings.Severity, mc Context) (*Result, error) {
	if !severity.Valid() {
		return nil, findings.Validation("severity", "Value of parameter 'severity' (%s) must be one of: %v", severity, findings.Severities)
	}
	work := f.Clone()
	events, err := m.applySeverity(ctx, work, severity, mc)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return &Result{Finding: f}, nil
	}
	if err := m.store.Save(ctx, work, events, nil); err != nil {
		return nil, err
	}
	return &Result{Finding: work, Events: events, Changed: true}, nil
}

// AddComment appends a comment authored by the context actor.
func (m *Mutator) AddComment(ctx context.Context, f *findings.Finding, text string, mc Context) (*Result, error) {
	if err := checkCommentText(text); err != nil {
		return nil, err
	}
	work := f.Clone()
	c, err := m.newComment(ctx, work, text, mc)
	if err != nil {
		return nil, err
	}
	work.UpdatedAt = mc.Time()
	comments := []findings.Comment{c}
	if err := m.store.Save(ctx, work, nil, comments); err != nil {
		return nil, err
	}
	return &Result{Finding: work, Comments: comments, Changed: true}, nil
}

// EditComment replaces the text of c. Only the author may edit. c is updated
// in place once the change is persisted.
func (m *Mutator) EditComment(ctx context.Context, c *findings.Comment, text string, mc Context) error {
	if err := checkCommentText(text); err != nil {
		return err
	}
	if c.Author != mc.Actor() {
		return findings.Denied("Only the author of a comment can edit it")
	}
	updated := *c
	updated.Text = text
	updated.UpdatedAt = mc.Time()
	if err := m.store.UpdateComment(ctx, &updated); err != nil {
		return err
	}
	*c = updated
	return nil
}

// DeleteComment removes c. Only the author may delete.
func (m *Mutator) DeleteComment(ctx context.Context, c *findings.Comment, mc Context) error {
	if c.Author != mc.Actor() {
		return findings.Denied("Only the author of a comment can delete it")
	}
	return m.store.DeleteComment(ctx, c.Key)
}

// =============================================================================
// In-memory steps shared with the bulk coordinator. They validate, mutate the
// given working copy and return the events produced; nothing is persisted.
// =============================================================================

func (m *Mutator) checkBrowse(ctx context.Context, f *findings.Finding, mc Context) error {
	if !m.authz.HasPermission(ctx, mc.Actor(), workflow.PermBrowse, f.ProjectKey) {
		return findings.Denied("Insufficient privileges")
	}
	return nil
}

func (m *Mutator) applyTransition(ctx context.Context, f *findings.Finding, t workflow.Transition, mc Context) ([]findings.ChangeEvent, error) {
	if err := m.checkBrowse(ctx, f, mc); err != nil {
		return nil, err
	}
	if !m.authz.HasPermission(ctx, mc.Actor(), t.Permission, f.ProjectKey) {
		return nil, findings.Denied("Insufficient privileges")
	}
	if !t.From(workflow.StateOf(f)) {
		return nil, findings.InvalidTransition("transition '%s' cannot be applied from %s", t.Key, workflow.StateOf(f))
	}

	var events []findings.ChangeEvent
	if f.Status != t.Target.Status {
		events = append(events, m.event(f, findings.FieldStatus, string(f.Status), string(t.Target.Status), mc))
		f.Status = t.Target.Status
	}
	if f.Resolution != t.Target.Resolution {
		events = append(events, m.event(f, findings.FieldResolution, string(f.Resolution), string(t.Target.Resolution), mc))
		f.Resolution = t.Target.Resolution
	}
	f.UpdatedAt = mc.Time()
	return events, nil
}

func (m *Mutator) applyAssign(ctx context.Context, f *findings.Finding, assignee string, mc Context) ([]findings.ChangeEvent, error) {
	if err := m.checkBrowse(ctx, f, mc); err != nil {
		return nil, err
	}
	if assignee != "" && !m.authz.HasPermission(ctx, assignee, workflow.PermBrowse, f.ProjectKey) {
		return nil, findings.Denied("User '%s' cannot be assigned: no browse permission on project '%s'", assignee, f.ProjectKey)
	}
	if f.Assignee == assignee {
		return nil, nil
	}
	ev := m.event(f, findings.FieldAssignee, f.Assignee, assignee, mc)
	f.Assignee = assignee
	f.UpdatedAt = mc.Time()
	return []findings.ChangeEvent{ev}, nil
}

func (m *Mutator) applySeverity(ctx context.Context, f *findings.Finding, severity findings.Severity, mc Context) ([]findings.ChangeEvent, error) {
	if f.IsHotspot() {
		return nil, findings.Validation("severity", "Severity cannot be changed on a security hotspot")
	}
	if f.IsResolved() {
		return nil, findings.Validation("severity", "Severity cannot be changed on resolved finding '%s'", f.Key)
	}
	if !m.authz.HasPermission(ctx, mc.Actor(), workflow.PermIssueAdmin, f.ProjectKey) {
		return nil, findings.Denied("Insufficient privileges")
	}
	if f.Severity == severity {
		return nil, nil
	}
	ev := m.event(f, findings.FieldSeverity, string(f.Severity), string(severity), mc)
	f.Severity = severity
	f.UpdatedAt = mc.Time()
	return []findings.ChangeEvent{ev}, nil
}

func (m *Mutator) newComment(ctx context.Context, f *findings.Finding, text string, mc Context) (findings.Comment, error) {
	if err := m.checkBrowse(ctx, f, mc); err != nil {
		return findings.Comment{}, err
	}
	return findings.Comment{
		Key:        m.newID(),
		FindingKey: f.Key,
		Author:     mc.Actor(),
		Text:       text,
		CreatedAt:  mc.Time(),
		UpdatedAt:  mc.Time(),
	}, nil
}

func (m *Mutator) event(f *findings.Finding, field, oldValue, newValue string, mc Context) findings.ChangeEvent {
	return findings.ChangeEvent{
		Key:        m.newID(),
		FindingKey: f.Key,
		Field:      field,
		Old:        oldValue,
		New:        newValue,
		Actor:      mc.Actor(),
		CreatedAt:  mc.Time(),
	}
}

func checkCommentText(text string) error {
	if strings.TrimSpace(text) == "" {
		return findings.Validation("text", "Comment text must not be empty")
	}
	if n := utf8.RuneCountInString(text); n > findings.MaxCommentLength {
		return findings.Validation("text", "Comment text is too long (%d characters, maximum is %d)", n, findings.MaxCommentLength)
	}
	return nil
}

// refresh recomputes measures when the context asks for it. Failures are
// logged; measures are downstream of the mutation.
func (m *Mutator) refresh(ctx context.Context, mc Context, branchIDs ...string) {
	if !mc.RefreshAggregateMeasures() || m.measures == nil || len(branchIDs) == 0 {
		return
	}
	if err := m.measures.RefreshMeasures(ctx, branchIDs); err != nil {
		m.logger.Warn().Err(err).Strs("branches", branchIDs).Msg("measure refresh failed")
	}
}

// notifyFeatureBranch publishes a change event unless f lives on a main branch.
func (m *Mutator) notifyFeatureBranch(ctx context.Context, f *findings.Finding, mc Context) {
	b, err := m.store.LoadBranchByID(ctx, f.BranchID)
	if err != nil {
		m.logger.Warn().Err(err).Str("finding", f.Key).Msg("cannot resolve branch for notification")
		return
	}
	if b.IsMain() {
		return
	}
	m.notifier.Publish(ctx, notify.FindingChanged(f, mc.Actor(), mc.Time()))
}
