package search

import (
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/jmylchreest/triage/pkg/findings"
	"github.com/jmylchreest/triage/pkg/paging"
)

// Request is a faceted search for hotspots or issues.
type Request struct {
	// Hotspots selects security hotspots; otherwise ordinary issues are searched.
	Hotspots bool `json:"hotspots"`

	Project     string   `json:"project,omitempty"`
	Branch      string   `json:"branch,omitempty"`
	PullRequest string   `json:"pullRequest,omitempty"`
	Keys        []string `json:"keys,omitempty"`

	Status     findings.Status     `json:"status,omitempty"`
	Resolution findings.Resolution `json:"resolution,omitempty"`
	// Types narrows issue searches. Ignored for hotspots.
	Types []findings.Type `json:"types,omitempty"`

	Standards map[findings.Taxonomy][]string `json:"standards,omitempty"`
	// ASVSLevel applies to the OWASP ASVS filter. Zero selects the default.
	ASVSLevel int `json:"owaspAsvsLevel,omitempty"`

	InNewCodePeriod bool     `json:"inNewCodePeriod,omitempty"`
	OnlyMine        bool     `json:"onlyMine,omitempty"`
	Files           []string `json:"files,omitempty"`

	Page     int `json:"p,omitempty"`
	PageSize int `json:"ps,omitempty"`
}

func (r *Request) keysParam() string {
	if r.Hotspots {
		return "hotspots"
	}
	return "issues"
}

// Validate checks the request shape. It performs no I/O and runs before any
// authorization check.
func (r *Request) Validate(actor string) (paging.Request, error) {
	if r.Project == "" && len(r.Keys) == 0 {
		return paging.Request{}, findings.Validation("project", "A value must be provided for either parameter 'project' or parameter '%s'", r.keysParam())
	}
	if r.Branch != "" && r.Project == "" {
		return paging.Request{}, findings.Validation("branch", "Parameter 'branch' must be used with parameter 'project'")
	}
	if r.PullRequest != "" && r.Project == "" {
		return paging.Request{}, findings.Validation("pullRequest", "Parameter 'pullRequest' must be used with parameter 'project'")
	}
	if r.Branch != "" && r.PullRequest != "" {
		return paging.Request{}, findings.Validation("branch", "Only one of parameters 'branch' and 'pullRequest' can be provided")
	}
	if len(r.Keys) > findings.MaxFindingKeys {
		return paging.Request{}, findings.Validation(r.keysParam(), "Number of keys must be less than or equal to %d (got %d)", findings.MaxFindingKeys, len(r.Keys))
	}
	if len(r.Keys) > 0 && r.Project == "" {
		if r.Status != "" {
			return paging.Request{}, findings.Validation("status", "Parameter 'status' can't be used with parameter '%s'", r.keysParam())
		}
		if r.Resolution != "" {
			return paging.Request{}, findings.Validation("resolution", "Parameter 'resolution' can't be used with parameter '%s'", r.keysParam())
		}
	}
	if err := r.validateStatus(); err != nil {
		return paging.Request{}, err
	}
	if !r.Hotspots {
		for _, t := range r.Types {
			if !slices.Contains(findings.IssueTypes, t) {
				return paging.Request{}, findings.Validation("types", "Value of parameter 'types' (%s) must be one of: %v", t, findings.IssueTypes)
			}
		}
	}
	if r.OnlyMine {
		if actor == "" {
			return paging.Request{}, findings.Validation("onlyMine", "Parameter 'onlyMine' requires user to be logged in")
		}
		if r.Project == "" {
			return paging.Request{}, findings.Validation("onlyMine", "Parameter 'onlyMine' can be used with parameter 'project' only")
		}
	}
	for t := range r.Standards {
		if !t.Valid() {
			return paging.Request{}, findings.Validation(string(t), "Unknown security standard '%s'", t)
		}
	}
	if r.ASVSLevel < 0 || r.ASVSLevel > 3 {
		return paging.Request{}, findings.Validation("owaspAsvsLevel", "Value of parameter 'owaspAsvsLevel' (%d) must be one of: [1, 2, 3]", r.ASVSLevel)
	}
	for _, p := range r.Files {
		if !doublestar.ValidatePattern(p) {
			return paging.Request{}, findings.Validation("files", "Invalid file pattern '%s'", p)
		}
	}
	return paging.New(r.Page, r.PageSize)
}

func (r *Request) validateStatus() error {
	if r.Hotspots {
		if r.Status != "" && !slices.Contains(findings.HotspotStatuses, r.Status) {
			return findings.Validation("status", "Value of parameter 'status' (%s) must be one of: %v", r.Status, findings.HotspotStatuses)
		}
		if r.Resolution == "" {
			return nil
		}
		if !slices.Contains(findings.HotspotResolutions, r.Resolution) {
			return findings.Validation("resolution", "Value of parameter 'resolution' (%s) must be one of: %v", r.Resolution, findings.HotspotResolutions)
		}
		if r.Status != findings.StatusReviewed {
			return findings.Validation("resolution", "Value '%s' of parameter 'resolution' can only be provided if value of parameter 'status' is '%s'", r.Resolution, findings.StatusReviewed)
		}
		return nil
	}

	if r.Status != "" && !slices.Contains(findings.IssueStatuses, r.Status) {
		return findings.Validation("status", "Value of parameter 'status' (%s) must be one of: %v", r.Status, findings.IssueStatuses)
	}
	if r.Resolution == "" {
		return nil
	}
	if !slices.Contains(findings.IssueResolutions, r.Resolution) {
		return findings.Validation("resolution", "Value of parameter 'resolution' (%s) must be one of: %v", r.Resolution, findings.IssueResolutions)
	}
	if r.Status != findings.StatusResolved && r.Status != findings.StatusClosed {
		return findings.Validation("resolution", "Value '%s' of parameter 'resolution' can only be provided if value of parameter 'status' is '%s' or '%s'", r.Resolution, findings.StatusResolved, findings.StatusClosed)
	}
	return nil
}
