package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jmylchreest/triage/pkg/findings"
	"github.com/jmylchreest/triage/pkg/workflow"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

// render writes v in the selected format. table draws the table form; when
// nil, table output falls back to YAML.
func render(w io.Writer, format string, v any, table func(*tablewriter.Table) error) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		return writeYAML(w, v)
	case formatTable, "":
		if table == nil {
			return writeYAML(w, v)
		}
		t := tablewriter.NewWriter(w)
		if err := table(t); err != nil {
			return err
		}
		return t.Render()
	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func findingsTable(list []*findings.Finding) func(*tablewriter.Table) error {
	return func(t *tablewriter.Table) error {
		t.Header("Key", "Type", "Status", "Resolution", "Severity", "Assignee", "File", "Line", "Message")
		for _, f := range list {
			if err := t.Append(findingRow(f)); err != nil {
				return err
			}
		}
		return nil
	}
}

func findingRow(f *findings.Finding) []string {
	line := ""
	if n := f.Line(); n > 0 {
		line = strconv.Itoa(n)
	}
	severity := string(f.Severity)
	if f.IsHotspot() {
		severity = f.VulnerabilityProbability
	}
	return []string{
		f.Key,
		string(f.Type),
		string(f.Status),
		string(f.Resolution),
		severity,
		f.Assignee,
		f.FilePath,
		line,
		truncate(f.Message, 60),
	}
}

func transitionsTable(list []workflow.Transition) func(*tablewriter.Table) error {
	return func(t *tablewriter.Table) error {
		t.Header("Transition", "Status", "Resolution", "Permission")
		for _, tr := range list {
			if err := t.Append([]string{tr.Key, string(tr.Target.Status), string(tr.Target.Resolution), string(tr.Permission)}); err != nil {
				return err
			}
		}
		return nil
	}
}

func commentsTable(list []findings.Comment) func(*tablewriter.Table) error {
	return func(t *tablewriter.Table) error {
		t.Header("Key", "Author", "Created", "Text")
		for _, c := range list {
			if err := t.Append([]string{c.Key, c.Author, c.CreatedAt.Format("2006-01-02 15:04"), truncate(c.Text, 60)}); err != nil {
				return err
			}
		}
		return nil
	}
}

func changelogTable(list []findings.ChangeEvent) func(*tablewriter.Table) error {
	return func(t *tablewriter.Table) error {
		t.Header("When", "Actor", "Field", "Old", "New")
		for _, e := range list {
			if err := t.Append([]string{e.CreatedAt.Format("2006-01-02 15:04:05"), e.Actor, e.Field, e.Old, e.New}); err != nil {
				return err
			}
		}
		return nil
	}
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
