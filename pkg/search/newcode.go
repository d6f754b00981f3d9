package search

import (
	"context"
	"slices"
	"time"

	"github.com/jmylchreest/triage/pkg/findings"
	"github.com/jmylchreest/triage/pkg/store"
)

// NewCodePeriod is the new-code boundary of one branch: either everything
// flagged new against the reference branch, or everything created since
// PeriodStart.
type NewCodePeriod struct {
	ReferenceBranch bool      `json:"referenceBranch,omitempty"`
	PeriodStart     time.Time `json:"periodStart,omitzero"`
}

// ApplicationNewCode holds the per-project boundaries of an application's
// constituent branches. The two strategies are kept in separate collections:
// a project appears in exactly one of them.
type ApplicationNewCode struct {
	ReferenceProjects map[string]struct{}  `json:"referenceProjects"`
	PeriodStarts      map[string]time.Time `json:"periodStarts"`
}

func (p NewCodePeriod) filter() *store.NewCodeFilter {
	return &store.NewCodeFilter{ReferenceBranch: p.ReferenceBranch, Since: p.PeriodStart}
}

func (a ApplicationNewCode) filter() *store.NewCodeFilter {
	refs := make([]string, 0, len(a.ReferenceProjects))
	for p := range a.ReferenceProjects {
		refs = append(refs, p)
	}
	slices.Sort(refs)
	starts := make(map[string]time.Time, len(a.PeriodStarts))
	for p, t := range a.PeriodStarts {
		starts[p] = t
	}
	return &store.NewCodeFilter{ReferenceProjects: refs, PeriodStarts: starts}
}

func periodOf(snap *findings.Snapshot, now time.Time) NewCodePeriod {
	switch {
	case snap == nil:
		return NewCodePeriod{PeriodStart: now}
	case snap.PeriodMode == findings.PeriodReferenceBranch:
		return NewCodePeriod{ReferenceBranch: true}
	case snap.PeriodDate != nil:
		return NewCodePeriod{PeriodStart: *snap.PeriodDate}
	default:
		return NewCodePeriod{PeriodStart: now}
	}
}

// ResolveNewCodePeriod derives the new-code boundary of a branch from its last
// analysis. A branch never analyzed starts its period now.
func (r *Resolver) ResolveNewCodePeriod(ctx context.Context, branchID string) (NewCodePeriod, error) {
	snap, err := r.store.LoadLastAnalysisSnapshot(ctx, branchID)
	if err != nil {
		return NewCodePeriod{}, err
	}
	return periodOf(snap, r.now()), nil
}

// ResolveApplicationNewCode partitions the constituent branches of an
// application by new-code strategy.
func (r *Resolver) ResolveApplicationNewCode(ctx context.Context, constituents []*findings.Branch) (ApplicationNewCode, error) {
	out := ApplicationNewCode{
		ReferenceProjects: map[string]struct{}{},
		PeriodStarts:      map[string]time.Time{},
	}
	now := r.now()
	for _, b := range constituents {
		snap, err := r.store.LoadLastAnalysisSnapshot(ctx, b.ID)
		if err != nil {
			return ApplicationNewCode{}, err
		}
		p := periodOf(snap, now)
		if p.ReferenceBranch {
			out.ReferenceProjects[b.ProjectKey] = struct{}{}
			continue
		}
		out.PeriodStarts[b.ProjectKey] = p.PeriodStart
	}
	return out, nil
}
