package mutation

import (
	"context"

	"github.com/jmylchreest/triage/pkg/findings"
	"github.com/jmylchreest/triage/pkg/metrics"
	"github.com/jmylchreest/triage/pkg/notify"
	"github.com/jmylchreest/triage/pkg/workflow"
	"github.com/rs/zerolog"
)

// Operations is a batch of requested changes. Empty fields are not requested;
// Assign is a pointer so that unassigning ("") can be requested.
type Operations struct {
	Assign     *string           `json:"assign,omitempty"`
	Transition string            `json:"transition,omitempty"`
	Severity   findings.Severity `json:"severity,omitempty"`
	Comment    string            `json:"comment,omitempty"`
}

// Empty reports whether no operation is requested.
func (o Operations) Empty() bool {
	return o.Assign == nil && o.Transition == "" && o.Severity == "" && o.Comment == ""
}

// BulkResult lists the findings actually mutated. Failed findings are only
// counted; they are logged but not itemized.
type BulkResult struct {
	Succeeded []*findings.Finding `json:"succeeded"`
	Total     int                 `json:"total"`
	Ignored   int                 `json:"ignored"`
	Failures  int                 `json:"failures"`
}

// Coordinator applies a batch of operations to many findings, one finding at
// a time, isolating per-finding failures.
type Coordinator struct {
	m      *Mutator
	logger zerolog.Logger
}

// NewCoordinator returns a Coordinator using m for per-finding steps.
func NewCoordinator(m *Mutator) *Coordinator {
	return &Coordinator{m: m, logger: m.logger.With().Str("component", "bulk").Logger()}
}

// Validate checks the parameters shared by every finding of the batch.
func (c *Coordinator) Validate(ctx context.Context, keys []string, ops Operations) error {
	if len(keys) == 0 {
		return findings.Validation("issues", "At least one finding key must be provided")
	}
	if len(keys) > findings.MaxFindingKeys {
		return findings.Validation("issues", "Number of finding keys must be less than %d (got %d)", findings.MaxFindingKeys, len(keys))
	}
	if ops.Empty() {
		return findings.Validation("actions", "At least one action must be provided")
	}
	if ops.Assign != nil && *ops.Assign != "" && !c.m.users.UserExists(ctx, *ops.Assign) {
		return findings.Validation("assign", "Unknown user: %s", *ops.Assign)
	}
	if ops.Transition != "" && !workflow.Known(ops.Transition) {
		return findings.Validation("do_transition", "Unknown transition '%s'", ops.Transition)
	}
	if ops.Severity != "" && !ops.Severity.Valid() {
		return findings.Validation("set_severity", "Value of parameter 'set_severity' (%s) must be one of: %v", ops.Severity, findings.Severities)
	}
	if ops.Comment != "" {
		if err := checkCommentText(ops.Comment); err != nil {
			return err
		}
	}
	return nil
}

// Execute validates the batch once, then processes keys sequentially in the
// requested order. For each finding the operations run in the fixed order
// assignment, transition, severity, comment, and the finding is persisted
// once. A finding whose operations fail is skipped without persisting.
// Duplicate keys are processed once.
func (c *Coordinator) Execute(ctx context.Context, keys []string, ops Operations, mc Context) (*BulkResult, error) {
	if err := c.Validate(ctx, keys, ops); err != nil {
		return nil, err
	}

	res := &BulkResult{Succeeded: []*findings.Finding{}}
	seen := make(map[string]bool, len(keys))
	var touched []string
	touchedSet := make(map[string]bool)

	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		res.Total++

		f, changed, err := c.apply(ctx, key, ops, mc)
		switch {
		case err != nil:
			res.Failures++
			metrics.ObserveBulkItem(metrics.OutcomeFailed)
			c.logger.Warn().Err(err).Str("key", key).Msg("bulk change skipped finding")
			continue
		case !changed:
			res.Ignored++
			metrics.ObserveBulkItem(metrics.OutcomeIgnored)
			continue
		}

		res.Succeeded = append(res.Succeeded, f)
		metrics.ObserveBulkItem(metrics.OutcomeSucceeded)
		if !touchedSet[f.BranchID] {
			touchedSet[f.BranchID] = true
			touched = append(touched, f.BranchID)
		}
	}

	c.m.refresh(ctx, mc, touched...)
	for _, f := range res.Succeeded {
		c.m.notifier.Publish(ctx, notify.FindingChanged(f, mc.Actor(), mc.Time()))
	}

	c.logger.Info().
		Int("total", res.Total).
		Int("succeeded", len(res.Succeeded)).
		Int("ignored", res.Ignored).
		Int("failures", res.Failures).
		Msg("bulk change done")
	return res, nil
}

// apply runs every requested operation on a working copy of the finding and
// persists it when anything changed.
func (c *Coordinator) apply(ctx context.Context, key string, ops Operations, mc Context) (*findings.Finding, bool, error) {
	f, err := c.m.store.LoadByKey(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if err := c.m.checkBrowse(ctx, f, mc); err != nil {
		return nil, false, err
	}
	work := f.Clone()

	var events []findings.ChangeEvent
	var comments []findings.Comment
	var transition string

	if ops.Assign != nil {
		evs, err := c.m.applyAssign(ctx, work, *ops.Assign, mc)
		if err != nil {
			return nil, false, err
		}
		events = append(events, evs...)
	}

	if ops.Transition != "" {
		t, ok := workflow.Lookup(ops.Transition, work.IsHotspot())
		if !ok {
			return nil, false, findings.InvalidTransition("transition '%s' does not apply to finding '%s'", ops.Transition, key)
		}
		if !c.m.authz.HasPermission(ctx, mc.Actor(), t.Permission, work.ProjectKey) {
			return nil, false, findings.Denied("Insufficient privileges")
		}
		if workflow.StateOf(work) != t.Target {
			evs, err := c.m.applyTransition(ctx, work, t, mc)
			if err != nil {
				return nil, false, err
			}
			events = append(events, evs...)
			transition = t.Key
		}
	}

	if ops.Severity != "" {
		evs, err := c.m.applySeverity(ctx, work, ops.Severity, mc)
		if err != nil {
			return nil, false, err
		}
		events = append(events, evs...)
	}

	if ops.Comment != "" {
		cm, err := c.m.newComment(ctx, work, ops.Comment, mc)
		if err != nil {
			return nil, false, err
		}
		comments = append(comments, cm)
		work.UpdatedAt = mc.Time()
	}

	if len(events) == 0 && len(comments) == 0 {
		return f, false, nil
	}
	if err := c.m.store.Save(ctx, work, events, comments); err != nil {
		return nil, false, err
	}
	if transition != "" {
		metrics.ObserveTransition(transition)
	}
	return work, true, nil
}
