// Package workflow holds the fixed status/resolution transition tables for
// issues and security hotspots.
package workflow

import (
	"github.com/jmylchreest/triage/pkg/findings"
)

// Permission required to perform a transition on a finding's project.
type Permission string

const (
	PermBrowse               Permission = "browse"
	PermIssueAdmin           Permission = "issueadmin"
	PermSecurityHotspotAdmin Permission = "securityhotspotadmin"
	PermAdmin                Permission = "admin"
)

// Transition keys.
const (
	Confirm       = "confirm"
	Unconfirm     = "unconfirm"
	Reopen        = "reopen"
	ResolveFixed  = "resolve"
	FalsePositive = "falsepositive"
	WontFix       = "wontfix"

	ResolveAsReviewed     = "resolveasreviewed"
	ResolveAsSafe         = "resolveassafe"
	ResolveAsAcknowledged = "resolveasacknowledged"
	ResetAsToReview       = "resetastoreview"
)

// State is a (status, resolution) pair.
type State struct {
	Status     findings.Status     `json:"status"`
	Resolution findings.Resolution `json:"resolution,omitempty"`
}

func (s State) String() string {
	if s.Resolution == findings.ResolutionNone {
		return string(s.Status)
	}
	return string(s.Status) + "/" + string(s.Resolution)
}

// StateOf returns the current state of f.
func StateOf(f *findings.Finding) State {
	return State{Status: f.Status, Resolution: f.Resolution}
}

// source matches a state. anyResolution accepts every resolution of Status.
type source struct {
	status        findings.Status
	anyResolution bool
}

func (s source) matches(st State) bool {
	if st.Status != s.status {
		return false
	}
	return s.anyResolution || st.Resolution == findings.ResolutionNone
}

// Transition is a named, permission-gated move to one target state.
type Transition struct {
	Key        string
	Hotspot    bool
	Target     State
	Permission Permission
	sources    []source
}

// From reports whether t can be applied from st.
func (t Transition) From(st State) bool {
	for _, s := range t.sources {
		if s.matches(st) {
			return true
		}
	}
	return false
}

var unresolvedIssue = []source{
	{status: findings.StatusOpen},
	{status: findings.StatusConfirmed},
	{status: findings.StatusReopened},
}

var issueTransitions = []Transition{
	{
		Key:        Confirm,
		Target:     State{Status: findings.StatusConfirmed},
		Permission: PermBrowse,
		sources:    []source{{status: findings.StatusOpen}, {status: findings.StatusReopened}},
	},
	{
		Key:        Unconfirm,
		Target:     State{Status: findings.StatusReopened},
		Permission: PermBrowse,
		sources:    []source{{status: findings.StatusConfirmed}},
	},
	{
		Key:        Reopen,
		Target:     State{Status: findings.StatusReopened},
		Permission: PermBrowse,
		sources:    []source{{status: findings.StatusResolved, anyResolution: true}},
	},
	{
		Key:        ResolveFixed,
		Target:     State{Status: findings.StatusResolved, Resolution: findings.ResolutionFixed},
		Permission: PermBrowse,
		sources:    unresolvedIssue,
	},
	{
		Key:        FalsePositive,
		Target:     State{Status: findings.StatusResolved, Resolution: findings.ResolutionFalsePositive},
		Permission: PermIssueAdmin,
		sources:    unresolvedIssue,
	},
	{
		Key:        WontFix,
		Target:     State{Status: findings.StatusResolved, Resolution: findings.ResolutionWontFix},
		Permission: PermIssueAdmin,
		sources:    unresolvedIssue,
	},
}

// A reviewed hotspot may move between resolutions.
var hotspotReviewable = []source{
	{status: findings.StatusToReview},
	{status: findings.StatusReviewed, anyResolution: true},
}

var hotspotTransitions = []Transition{
	{
		Key:        ResolveAsReviewed,
		Hotspot:    true,
		Target:     State{Status: findings.StatusReviewed, Resolution: findings.ResolutionFixed},
		Permission: PermSecurityHotspotAdmin,
		sources:    hotspotReviewable,
	},
	{
		Key:        ResolveAsSafe,
		Hotspot:    true,
		Target:     State{Status: findings.StatusReviewed, Resolution: findings.ResolutionSafe},
		Permission: PermSecurityHotspotAdmin,
		sources:    hotspotReviewable,
	},
	{
		Key:        ResolveAsAcknowledged,
		Hotspot:    true,
		Target:     State{Status: findings.StatusReviewed, Resolution: findings.ResolutionAcknowledged},
		Permission: PermSecurityHotspotAdmin,
		sources:    hotspotReviewable,
	},
	{
		Key:        ResetAsToReview,
		Hotspot:    true,
		Target:     State{Status: findings.StatusToReview},
		Permission: PermSecurityHotspotAdmin,
		sources:    []source{{status: findings.StatusReviewed, anyResolution: true}},
	},
}

// Table returns the transitions of the workflow followed by f.
func Table(f *findings.Finding) []Transition {
	if f.IsHotspot() {
		return hotspotTransitions
	}
	return issueTransitions
}

// Lookup returns the transition with the given key for the given kind.
func Lookup(key string, hotspot bool) (Transition, bool) {
	table := issueTransitions
	if hotspot {
		table = hotspotTransitions
	}
	for _, t := range table {
		if t.Key == key {
			return t, true
		}
	}
	return Transition{}, false
}

// Known reports whether key names a transition of either workflow.
func Known(key string) bool {
	_, issue := Lookup(key, false)
	_, hotspot := Lookup(key, true)
	return issue || hotspot
}

// TransitionsAvailable returns the transitions applicable from f's current
// state, leaving out those whose target is the current state.
func TransitionsAvailable(f *findings.Finding) []Transition {
	current := StateOf(f)
	var out []Transition
	for _, t := range Table(f) {
		if t.From(current) && t.Target != current {
			out = append(out, t)
		}
	}
	return out
}

// Resolve maps a requested state onto the transition reaching it from the
// current state. It returns noop=true, and no transition, when current and
// requested are equal. A requested pair that is not a well-formed target is a
// validation error; a well-formed target that cannot be reached from current
// is an InvalidTransition error.
func Resolve(hotspot bool, current, requested State) (t Transition, noop bool, err error) {
	if err := CheckTarget(hotspot, requested); err != nil {
		return Transition{}, false, err
	}
	if current == requested {
		return Transition{}, true, nil
	}
	table := issueTransitions
	if hotspot {
		table = hotspotTransitions
	}
	for _, t := range table {
		if t.Target == requested && t.From(current) {
			return t, false, nil
		}
	}
	return Transition{}, false, findings.InvalidTransition("transition from %s to %s is not allowed", current, requested)
}

// CheckTarget rejects pairs that no transition can have as target. It does
// not depend on the current state.
func CheckTarget(hotspot bool, requested State) error {
	if hotspot {
		switch requested.Status {
		case findings.StatusToReview:
			if requested.Resolution != findings.ResolutionNone {
				return findings.Validation("resolution", "Parameter 'resolution' must not be specified when Parameter 'status' has value '%s'", findings.StatusToReview)
			}
		case findings.StatusReviewed:
			switch requested.Resolution {
			case findings.ResolutionFixed, findings.ResolutionSafe, findings.ResolutionAcknowledged:
			case findings.ResolutionNone:
				return findings.Validation("resolution", "Parameter 'resolution' must be specified when Parameter 'status' has value '%s'", findings.StatusReviewed)
			default:
				return findings.Validation("resolution", "Value '%s' of parameter 'resolution' is not valid for a security hotspot", requested.Resolution)
			}
		default:
			return findings.Validation("status", "Value '%s' of parameter 'status' is not valid for a security hotspot", requested.Status)
		}
		return nil
	}

	switch requested.Status {
	case findings.StatusConfirmed, findings.StatusReopened:
		if requested.Resolution != findings.ResolutionNone {
			return findings.Validation("resolution", "Parameter 'resolution' must not be specified when Parameter 'status' has value '%s'", requested.Status)
		}
	case findings.StatusResolved:
		switch requested.Resolution {
		case findings.ResolutionFixed, findings.ResolutionFalsePositive, findings.ResolutionWontFix:
		case findings.ResolutionNone:
			return findings.Validation("resolution", "Parameter 'resolution' must be specified when Parameter 'status' has value '%s'", findings.StatusResolved)
		default:
			return findings.Validation("resolution", "Value '%s' of parameter 'resolution' cannot be set manually", requested.Resolution)
		}
	default:
		return findings.Validation("status", "Value '%s' of parameter 'status' cannot be set manually", requested.Status)
	}
	return nil
}
