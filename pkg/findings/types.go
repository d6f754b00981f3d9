// Package findings defines the finding model shared by the workflow,
// mutation and search packages.
package findings

import (
	"slices"
	"time"
)

// Type classifies a finding.
type Type string

const (
	TypeCodeSmell       Type = "CODE_SMELL"
	TypeBug             Type = "BUG"
	TypeVulnerability   Type = "VULNERABILITY"
	TypeSecurityHotspot Type = "SECURITY_HOTSPOT"
)

// IssueTypes are the types handled by the ordinary issue workflow.
var IssueTypes = []Type{TypeCodeSmell, TypeBug, TypeVulnerability}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	return t == TypeSecurityHotspot || slices.Contains(IssueTypes, t)
}

// Status is the lifecycle status of a finding.
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusConfirmed Status = "CONFIRMED"
	StatusReopened  Status = "REOPENED"
	StatusResolved  Status = "RESOLVED"
	StatusClosed    Status = "CLOSED"

	StatusToReview Status = "TO_REVIEW"
	StatusReviewed Status = "REVIEWED"
)

// IssueStatuses and HotspotStatuses list the statuses valid per kind.
var (
	IssueStatuses   = []Status{StatusOpen, StatusConfirmed, StatusReopened, StatusResolved, StatusClosed}
	HotspotStatuses = []Status{StatusToReview, StatusReviewed}
)

// Resolution is the terminal disposition of a finding. The zero value means
// no resolution.
type Resolution string

const (
	ResolutionNone          Resolution = ""
	ResolutionFixed         Resolution = "FIXED"
	ResolutionWontFix       Resolution = "WONTFIX"
	ResolutionFalsePositive Resolution = "FALSE-POSITIVE"
	ResolutionRemoved       Resolution = "REMOVED"
	ResolutionSafe          Resolution = "SAFE"
	ResolutionAcknowledged  Resolution = "ACKNOWLEDGED"
)

// IssueResolutions and HotspotResolutions list the resolutions valid per kind.
var (
	IssueResolutions   = []Resolution{ResolutionFixed, ResolutionWontFix, ResolutionFalsePositive, ResolutionRemoved}
	HotspotResolutions = []Resolution{ResolutionFixed, ResolutionSafe, ResolutionAcknowledged}
)

// Severity of an ordinary issue.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityMinor    Severity = "MINOR"
	SeverityMajor    Severity = "MAJOR"
	SeverityCritical Severity = "CRITICAL"
	SeverityBlocker  Severity = "BLOCKER"
)

// Severities in ascending order.
var Severities = []Severity{SeverityInfo, SeverityMinor, SeverityMajor, SeverityCritical, SeverityBlocker}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return slices.Contains(Severities, s)
}

// Vulnerability probabilities attached to hotspots.
const (
	ProbabilityHigh   = "HIGH"
	ProbabilityMedium = "MEDIUM"
	ProbabilityLow    = "LOW"
)

// ProbabilityRank returns HIGH=3, MEDIUM=2, LOW=1 and 0 for anything else.
func ProbabilityRank(p string) int {
	switch p {
	case ProbabilityHigh:
		return 3
	case ProbabilityMedium:
		return 2
	case ProbabilityLow:
		return 1
	default:
		return 0
	}
}

// TextRange is a region of a source file. Lines are 1-indexed.
type TextRange struct {
	StartLine   int `json:"startLine" yaml:"startLine"`
	StartOffset int `json:"startOffset,omitempty" yaml:"startOffset,omitempty"`
	EndLine     int `json:"endLine" yaml:"endLine"`
	EndOffset   int `json:"endOffset,omitempty" yaml:"endOffset,omitempty"`
}

// Location is a range in a component with an optional message.
type Location struct {
	ComponentKey string    `json:"component,omitempty" yaml:"component,omitempty"`
	Range        TextRange `json:"range" yaml:"range"`
	Message      string    `json:"msg,omitempty" yaml:"msg,omitempty"`
}

// Flow is an ordered list of secondary locations.
type Flow struct {
	Locations []Location `json:"locations" yaml:"locations"`
}

// Locations holds the primary range and the flows of a finding as flat values.
type Locations struct {
	Primary *TextRange `json:"primary,omitempty" yaml:"primary,omitempty"`
	Flows   []Flow     `json:"flows,omitempty" yaml:"flows,omitempty"`
}

// Finding is an issue or security hotspot.
type Finding struct {
	Key                      string     `json:"key" yaml:"key"`
	Type                     Type       `json:"type" yaml:"type"`
	RuleKey                  string     `json:"rule" yaml:"rule"`
	Status                   Status     `json:"status" yaml:"status"`
	Resolution               Resolution `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	Severity                 Severity   `json:"severity,omitempty" yaml:"severity,omitempty"`
	Assignee                 string     `json:"assignee,omitempty" yaml:"assignee,omitempty"`
	Message                  string     `json:"message" yaml:"message"`
	ProjectKey               string     `json:"project" yaml:"project"`
	BranchID                 string     `json:"branchId" yaml:"branchId"`
	ComponentKey             string     `json:"component" yaml:"component"`
	FilePath                 string     `json:"file,omitempty" yaml:"file,omitempty"`
	Locations                Locations  `json:"locations" yaml:"locations"`
	SecurityCategory         string     `json:"securityCategory,omitempty" yaml:"securityCategory,omitempty"`
	VulnerabilityProbability string     `json:"vulnerabilityProbability,omitempty" yaml:"vulnerabilityProbability,omitempty"`
	SecurityStandards        []string   `json:"securityStandards,omitempty" yaml:"securityStandards,omitempty"`
	// NewCodeReference is set by analysis when the finding is new relative to
	// the reference branch of its branch.
	NewCodeReference bool      `json:"newCodeReference,omitempty" yaml:"newCodeReference,omitempty"`
	CreatedAt        time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// IsHotspot reports whether the finding follows the hotspot review workflow.
func (f *Finding) IsHotspot() bool {
	return f.Type == TypeSecurityHotspot
}

// Line returns the primary start line, or 0 for file-level findings.
func (f *Finding) Line() int {
	if f.Locations.Primary == nil {
		return 0
	}
	return f.Locations.Primary.StartLine
}

// IsResolved reports whether the finding carries a resolution.
func (f *Finding) IsResolved() bool {
	return f.Resolution != ResolutionNone
}

// Clone returns a deep copy of f.
func (f *Finding) Clone() *Finding {
	c := *f
	if f.Locations.Primary != nil {
		r := *f.Locations.Primary
		c.Locations.Primary = &r
	}
	if f.Locations.Flows != nil {
		c.Locations.Flows = make([]Flow, len(f.Locations.Flows))
		for i, fl := range f.Locations.Flows {
			c.Locations.Flows[i] = Flow{Locations: slices.Clone(fl.Locations)}
		}
	}
	c.SecurityStandards = slices.Clone(f.SecurityStandards)
	return &c
}

// Validate checks the field invariants of a finding: a resolution is present
// exactly when the status is terminal for its kind.
func (f *Finding) Validate() error {
	if f.Key == "" {
		return Validation("key", "finding key must not be empty")
	}
	if !f.Type.Valid() {
		return Validation("type", "unknown finding type '%s'", f.Type)
	}
	if f.IsHotspot() {
		if !slices.Contains(HotspotStatuses, f.Status) {
			return Validation("status", "status '%s' is not valid for a security hotspot", f.Status)
		}
		if f.Resolution != ResolutionNone && !slices.Contains(HotspotResolutions, f.Resolution) {
			return Validation("resolution", "resolution '%s' is not valid for a security hotspot", f.Resolution)
		}
		if (f.Status == StatusReviewed) != f.IsResolved() {
			return Validation("resolution", "hotspot resolution must be set if and only if status is %s", StatusReviewed)
		}
		return nil
	}
	if !slices.Contains(IssueStatuses, f.Status) {
		return Validation("status", "status '%s' is not valid for an issue", f.Status)
	}
	if f.Resolution != ResolutionNone && !slices.Contains(IssueResolutions, f.Resolution) {
		return Validation("resolution", "resolution '%s' is not valid for an issue", f.Resolution)
	}
	terminal := f.Status == StatusResolved || f.Status == StatusClosed
	if terminal != f.IsResolved() {
		return Validation("resolution", "issue resolution must be set if and only if status is %s or %s", StatusResolved, StatusClosed)
	}
	if f.Severity != "" && !f.Severity.Valid() {
		return Validation("severity", "unknown severity '%s'", f.Severity)
	}
	return nil
}

// Changed field names recorded on change events.
const (
	FieldStatus     = "status"
	FieldResolution = "resolution"
	FieldAssignee   = "assignee"
	FieldSeverity   = "severity"
)

// ChangeEvent is one append-only field diff on a finding.
type ChangeEvent struct {
	Key        string    `json:"key" yaml:"key"`
	FindingKey string    `json:"finding" yaml:"finding"`
	Field      string    `json:"field" yaml:"field"`
	Old        string    `json:"old,omitempty" yaml:"old,omitempty"`
	New        string    `json:"new,omitempty" yaml:"new,omitempty"`
	Actor      string    `json:"actor" yaml:"actor"`
	CreatedAt  time.Time `json:"createdAt" yaml:"createdAt"`
}

// Comment is a text entry on a finding. Only its author may edit or delete it.
type Comment struct {
	Key        string    `json:"key" yaml:"key"`
	FindingKey string    `json:"finding" yaml:"finding"`
	Author     string    `json:"author" yaml:"author"`
	Text       string    `json:"text" yaml:"text"`
	CreatedAt  time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// Component qualifiers.
const (
	QualifierProject     = "TRK"
	QualifierApplication = "APP"
)

// Project is a top-level component: a project or an application aggregate.
type Project struct {
	Key       string `json:"key" yaml:"key"`
	Name      string `json:"name" yaml:"name"`
	Qualifier string `json:"qualifier" yaml:"qualifier"`
}

// IsApplication reports whether p aggregates other projects.
func (p *Project) IsApplication() bool {
	return p.Qualifier == QualifierApplication
}

// BranchKind describes how a branch relates to its project.
type BranchKind string

const (
	BranchMain        BranchKind = "MAIN"
	BranchFeature     BranchKind = "BRANCH"
	BranchPullRequest BranchKind = "PULL_REQUEST"
)

// Branch is a branch or pull request of a project. Application branches list
// the project branches they aggregate in Constituents.
type Branch struct {
	ID           string     `json:"id" yaml:"id"`
	ProjectKey   string     `json:"project" yaml:"project"`
	Name         string     `json:"name" yaml:"name"`
	Kind         BranchKind `json:"kind" yaml:"kind"`
	Constituents []string   `json:"constituents,omitempty" yaml:"constituents,omitempty"`
}

// IsMain reports whether b is the main branch of its project.
func (b *Branch) IsMain() bool {
	return b.Kind == BranchMain
}

// Period modes recorded on analysis snapshots.
const (
	PeriodReferenceBranch  = "REFERENCE_BRANCH"
	PeriodPreviousVersion  = "PREVIOUS_VERSION"
	PeriodNumberOfDays     = "NUMBER_OF_DAYS"
	PeriodSpecificAnalysis = "SPECIFIC_ANALYSIS"
)

// Snapshot is the last analysis recorded for a branch.
type Snapshot struct {
	BranchID     string     `json:"branchId" yaml:"branchId"`
	AnalysisDate time.Time  `json:"analysisDate" yaml:"analysisDate"`
	PeriodMode   string     `json:"periodMode,omitempty" yaml:"periodMode,omitempty"`
	PeriodDate   *time.Time `json:"periodDate,omitempty" yaml:"periodDate,omitempty"`
}

// Measures are per-branch aggregates derived from the branch's findings.
type Measures struct {
	BranchID         string    `json:"branchId" yaml:"branchId"`
	OpenIssues       int       `json:"openIssues" yaml:"openIssues"`
	ConfirmedIssues  int       `json:"confirmedIssues" yaml:"confirmedIssues"`
	HotspotsToReview int       `json:"hotspotsToReview" yaml:"hotspotsToReview"`
	HotspotsReviewed int       `json:"hotspotsReviewed" yaml:"hotspotsReviewed"`
	ReviewedPercent  float64   `json:"reviewedPercent" yaml:"reviewedPercent"`
	ComputedAt       time.Time `json:"computedAt" yaml:"computedAt"`
}
