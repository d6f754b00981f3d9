package findings

import (
	"cmp"
	"slices"
)

// CompareHotspots orders hotspots by vulnerability probability (highest
// first), then security category, rule, project, file, line and key.
func CompareHotspots(a, b *Finding) int {
	if c := cmp.Compare(ProbabilityRank(b.VulnerabilityProbability), ProbabilityRank(a.VulnerabilityProbability)); c != 0 {
		return c
	}
	if c := cmp.Compare(a.SecurityCategory, b.SecurityCategory); c != 0 {
		return c
	}
	if c := cmp.Compare(a.RuleKey, b.RuleKey); c != 0 {
		return c
	}
	return CompareIssues(a, b)
}

// CompareIssues orders issues by project, file, line and key.
func CompareIssues(a, b *Finding) int {
	if c := cmp.Compare(a.ProjectKey, b.ProjectKey); c != 0 {
		return c
	}
	if c := cmp.Compare(a.FilePath, b.FilePath); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Line(), b.Line()); c != 0 {
		return c
	}
	return cmp.Compare(a.Key, b.Key)
}

// Sort orders fs in place using the hotspot or issue ordering.
func Sort(fs []*Finding, hotspots bool) {
	if hotspots {
		slices.SortStableFunc(fs, CompareHotspots)
		return
	}
	slices.SortStableFunc(fs, CompareIssues)
}
