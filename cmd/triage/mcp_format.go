package main

import (
	"fmt"
	"strings"

	"github.com/jmylchreest/triage/pkg/findings"
	"github.com/jmylchreest/triage/pkg/mutation"
	"github.com/jmylchreest/triage/pkg/workflow"
)

// formatFindingLine renders one finding as a markdown list item.
func formatFindingLine(f *findings.Finding) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "- **%s** [%s", f.Key, f.Status)
	if f.Resolution != "" {
		fmt.Fprintf(&sb, "/%s", f.Resolution)
	}
	sb.WriteString("]")
	if f.IsHotspot() {
		if f.VulnerabilityProbability != "" {
			fmt.Fprintf(&sb, " %s probability", strings.ToLower(f.VulnerabilityProbability))
		}
	} else {
		fmt.Fprintf(&sb, " %s %s", f.Severity, f.Type)
	}
	if f.FilePath != "" {
		fmt.Fprintf(&sb, " `%s", f.FilePath)
		if n := f.Line(); n > 0 {
			fmt.Fprintf(&sb, ":%d", n)
		}
		sb.WriteString("`")
	}
	fmt.Fprintf(&sb, ": %s", truncate(f.Message, 120))
	if f.Assignee != "" {
		fmt.Fprintf(&sb, " _(assigned: %s)_", f.Assignee)
	}
	sb.WriteString("\n")
	return sb.String()
}

func formatFindingDetail(f *findings.Finding, comments []findings.Comment, transitions []workflow.Transition) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", f.Key)
	fmt.Fprintf(&sb, "%s\n\n", f.Message)
	fmt.Fprintf(&sb, "- Type: %s\n", f.Type)
	fmt.Fprintf(&sb, "- Rule: %s\n", f.RuleKey)
	fmt.Fprintf(&sb, "- Status: %s", f.Status)
	if f.Resolution != "" {
		fmt.Fprintf(&sb, " (%s)", f.Resolution)
	}
	sb.WriteString("\n")
	if f.IsHotspot() {
		fmt.Fprintf(&sb, "- Category: %s\n", f.SecurityCategory)
		fmt.Fprintf(&sb, "- Probability: %s\n", f.VulnerabilityProbability)
	} else {
		fmt.Fprintf(&sb, "- Severity: %s\n", f.Severity)
	}
	if f.Assignee != "" {
		fmt.Fprintf(&sb, "- Assignee: %s\n", f.Assignee)
	}
	fmt.Fprintf(&sb, "- Project: %s\n", f.ProjectKey)
	if f.FilePath != "" {
		fmt.Fprintf(&sb, "- Location: %s:%d\n", f.FilePath, f.Line())
	}
	if len(f.SecurityStandards) > 0 {
		fmt.Fprintf(&sb, "- Standards: %s\n", strings.Join(f.SecurityStandards, ", "))
	}

	sb.WriteString("\n## Available transitions\n\n")
	if len(transitions) == 0 {
		sb.WriteString("None.\n")
	}
	for _, t := range transitions {
		fmt.Fprintf(&sb, "- `%s` → %s\n", t.Key, t.Target)
	}

	if len(comments) > 0 {
		sb.WriteString("\n## Comments\n\n")
		for _, c := range comments {
			fmt.Fprintf(&sb, "- **[%s]** %s: %s\n", c.CreatedAt.Format("2006-01-02 15:04"), c.Author, c.Text)
		}
	}
	return sb.String()
}

func formatMutation(res *mutation.Result) string {
	if !res.Changed {
		return fmt.Sprintf("No change to %s.\n\n%s", res.Finding.Key, formatFindingLine(res.Finding))
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Updated %s:\n\n", res.Finding.Key)
	for _, e := range res.Events {
		fmt.Fprintf(&sb, "- %s: %q → %q\n", e.Field, e.Old, e.New)
	}
	sb.WriteString("\n")
	sb.WriteString(formatFindingLine(res.Finding))
	return sb.String()
}
