package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmylchreest/triage/pkg/findings"
	"github.com/jmylchreest/triage/pkg/mutation"
	"github.com/jmylchreest/triage/pkg/search"
	"github.com/jmylchreest/triage/pkg/server"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// =============================================================================
// Search and list
// =============================================================================

// searchFlags mirror the HTTP search parameters so both front ends parse a
// request the same way.
type searchFlags struct {
	kind        string
	project     string
	branch      string
	pullRequest string
	keys        []string
	status      string
	resolution  string
	types       []string
	files       []string
	standards   []string
	asvsLevel   int
	newCode     bool
	onlyMine    bool
	page        int
	pageSize    int
}

func (sf *searchFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&sf.kind, "kind", "issues", "finding kind: issues or hotspots")
	f.StringVar(&sf.project, "project", "", "project or application key")
	f.StringVar(&sf.branch, "branch", "", "branch name (default: main branch)")
	f.StringVar(&sf.pullRequest, "pull-request", "", "pull request id")
	f.StringSliceVar(&sf.keys, "keys", nil, "finding keys (instead of --project)")
	f.StringVar(&sf.status, "status", "", "status filter")
	f.StringVar(&sf.resolution, "resolution", "", "resolution filter")
	f.StringSliceVar(&sf.types, "types", nil, "issue types")
	f.StringSliceVar(&sf.files, "files", nil, "file paths or globs")
	f.StringArrayVar(&sf.standards, "standard", nil, "security standard filter as taxonomy=code[,code] (repeatable)")
	f.IntVar(&sf.asvsLevel, "asvs-level", 0, "OWASP ASVS level (1-3)")
	f.BoolVar(&sf.newCode, "new-code", false, "only findings in the new-code period")
	f.BoolVar(&sf.onlyMine, "only-mine", false, "only findings assigned to the actor")
	f.IntVarP(&sf.page, "page", "p", 0, "page number (1-based)")
	f.IntVar(&sf.pageSize, "page-size", 0, "page size")
}

// query encodes the flags as search query parameters.
func (sf *searchFlags) query() (map[string][]string, error) {
	q := map[string][]string{}
	set := func(name, v string) {
		if v != "" {
			q[name] = []string{v}
		}
	}
	set("kind", sf.kind)
	set("project", sf.project)
	set("branch", sf.branch)
	set("pullRequest", sf.pullRequest)
	set("status", sf.status)
	set("resolution", sf.resolution)
	set("types", strings.Join(sf.types, ","))
	set("files", strings.Join(sf.files, ","))
	if len(sf.keys) > 0 {
		name := "issues"
		if sf.kind == "hotspots" {
			name = "hotspots"
		}
		set(name, strings.Join(sf.keys, ","))
	}
	for _, s := range sf.standards {
		taxonomy, codes, ok := strings.Cut(s, "=")
		if !ok || codes == "" || !findings.Taxonomy(taxonomy).Valid() {
			return nil, fmt.Errorf("invalid --standard %q: want taxonomy=code[,code] with one of %v", s, findings.Taxonomies)
		}
		q[taxonomy] = append(q[taxonomy], codes)
	}
	if sf.asvsLevel != 0 {
		set("owaspAsvsLevel", strconv.Itoa(sf.asvsLevel))
	}
	if sf.newCode {
		set("inNewCodePeriod", "true")
	}
	if sf.onlyMine {
		set("onlyMine", "true")
	}
	if sf.page != 0 {
		set("p", strconv.Itoa(sf.page))
	}
	if sf.pageSize != 0 {
		set("ps", strconv.Itoa(sf.pageSize))
	}
	return q, nil
}

func (sf *searchFlags) request() (search.Request, error) {
	q, err := sf.query()
	if err != nil {
		return search.Request{}, err
	}
	return server.ParseSearchRequest(q)
}

func (cli *CLI) newSearchCmd() *cobra.Command {
	var sf searchFlags
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search findings using the index",
		Example: `  triage search --kind hotspots --project my-project --status TO_REVIEW
  triage search --project my-project --standard cwe=89 --new-code`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cli.runSearch(cmd.Context(), &sf, false)
		},
	}
	sf.register(cmd)
	return cmd
}

func (cli *CLI) newListCmd() *cobra.Command {
	var sf searchFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List findings straight from the store",
		Long: `List serves the same filters as search, except security standards, without
the search index. Use it while the index is rebuilding.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cli.runSearch(cmd.Context(), &sf, true)
		},
	}
	sf.register(cmd)
	return cmd
}

// runSearch runs an index search, or a store listing when fromStore is set.
func (cli *CLI) runSearch(ctx context.Context, sf *searchFlags, fromStore bool) error {
	actor, err := cli.requireActor()
	if err != nil {
		return err
	}
	req, err := sf.request()
	if err != nil {
		return err
	}
	return cli.withApp(ctx, func(ctx context.Context, a *app) error {
		run := a.svc.Search
		if fromStore {
			run = a.svc.List
		}
		res, err := run(ctx, req, actor)
		if err != nil {
			return err
		}
		return render(cli.out, cli.format, res, func(t *tablewriter.Table) error {
			if err := findingsTable(res.Findings)(t); err != nil {
				return err
			}
			footer := fmt.Sprintf("page %d/%d, %d total", res.Paging.PageIndex, res.Paging.Pages(), res.Paging.Total)
			if res.Degraded {
				footer += " (degraded)"
			}
			t.Footer("", "", "", "", "", "", "", "", footer)
			return nil
		})
	})
}

// =============================================================================
// Single finding
// =============================================================================

type findingView struct {
	Finding     *findings.Finding `json:"finding" yaml:"finding"`
	Transitions []string          `json:"transitions" yaml:"transitions"`
}

func (cli *CLI) newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <key>",
		Short: "Show a finding and the transitions available to the actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := cli.requireActor()
			if err != nil {
				return err
			}
			return cli.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				f, err := a.svc.Finding(ctx, args[0], actor)
				if err != nil {
					return err
				}
				transitions := a.svc.TransitionsFor(ctx, f, actor)
				view := findingView{Finding: f, Transitions: []string{}}
				for _, t := range transitions {
					view.Transitions = append(view.Transitions, t.Key)
				}
				if cli.format != formatTable {
					return render(cli.out, cli.format, view, nil)
				}
				if err := render(cli.out, cli.format, f, findingsTable([]*findings.Finding{f})); err != nil {
					return err
				}
				return render(cli.out, cli.format, nil, transitionsTable(transitions))
			})
		},
	}
}

// mutationOutput prints the finding after a single-item change.
func (cli *CLI) mutationOutput(res *mutation.Result) error {
	if !res.Changed {
		fmt.Fprintf(cli.errOut, "%s: no change\n", res.Finding.Key)
	}
	return render(cli.out, cli.format, res.Finding, findingsTable([]*findings.Finding{res.Finding}))
}

func (cli *CLI) newTransitionCmd() *cobra.Command {
	var status, resolution string
	cmd := &cobra.Command{
		Use:   "transition <key> [transition]",
		Short: "Apply a workflow transition",
		Long: `Issue transitions: confirm, unconfirm, reopen, resolve, falsepositive, wontfix.
Hotspot transitions: resolveasreviewed, resolveassafe, resolveasacknowledged, resetastoreview.

Instead of a transition key, --status and --resolution name the target state.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			byState := cmd.Flags().Changed("status")
			if byState == (len(args) == 2) {
				return fmt.Errorf("give either a transition or --status")
			}
			if !byState && cmd.Flags().Changed("resolution") {
				return fmt.Errorf("--resolution requires --status")
			}
			actor, err := cli.requireActor()
			if err != nil {
				return err
			}
			return cli.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				var res *mutation.Result
				var err error
				if byState {
					res, err = a.svc.Transition(ctx, args[0], actor,
						findings.Status(strings.ToUpper(status)), findings.Resolution(strings.ToUpper(resolution)))
				} else {
					res, err = a.svc.DoTransition(ctx, args[0], actor, args[1])
				}
				if err != nil {
					return err
				}
				return cli.mutationOutput(res)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "target status")
	cmd.Flags().StringVar(&resolution, "resolution", "", "target resolution")
	return cmd
}

func (cli *CLI) newAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <key> [login]",
		Short: "Assign a finding, or unassign it when no login is given",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := cli.requireActor()
			if err != nil {
				return err
			}
			assignee := ""
			if len(args) == 2 {
				assignee = args[1]
			}
			return cli.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				res, err := a.svc.Assign(ctx, args[0], actor, assignee)
				if err != nil {
					return err
				}
				return cli.mutationOutput(res)
			})
		},
	}
}

func (cli *CLI) newSeverityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "severity <key> <INFO|MINOR|MAJOR|CRITICAL|BLOCKER>",
		Short: "Change the severity of an open issue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := cli.requireActor()
			if err != nil {
				return err
			}
			return cli.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				res, err := a.svc.SetSeverity(ctx, args[0], actor, findings.Severity(strings.ToUpper(args[1])))
				if err != nil {
					return err
				}
				return cli.mutationOutput(res)
			})
		},
	}
}

func (cli *CLI) newChangelogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "changelog <key>",
		Short: "Show the change history of a finding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := cli.requireActor()
			if err != nil {
				return err
			}
			return cli.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				events, err := a.svc.Changelog(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return render(cli.out, cli.format, events, changelogTable(events))
			})
		},
	}
}

func (cli *CLI) newMeasuresCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "measures <branch-id>",
		Short: "Show aggregate measures of a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := cli.requireActor()
			if err != nil {
				return err
			}
			return cli.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				m, err := a.svc.Measures(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return render(cli.out, cli.format, m, func(t *tablewriter.Table) error {
					t.Header("Open", "Confirmed", "To review", "Reviewed", "Reviewed %")
					return t.Append([]string{
						strconv.Itoa(m.OpenIssues),
						strconv.Itoa(m.ConfirmedIssues),
						strconv.Itoa(m.HotspotsToReview),
						strconv.Itoa(m.HotspotsReviewed),
						strconv.FormatFloat(m.ReviewedPercent, 'f', 1, 64),
					})
				})
			})
		},
	}
}

// =============================================================================
// Comments
// =============================================================================

func (cli *CLI) newCommentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "comment",
		Short: "Manage finding comments",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list <finding-key>",
			Short: "List the comments of a finding",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				actor, err := cli.requireActor()
				if err != nil {
					return err
				}
				return cli.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
					comments, err := a.svc.Comments(ctx, args[0], actor)
					if err != nil {
						return err
					}
					return render(cli.out, cli.format, comments, commentsTable(comments))
				})
			},
		},
		&cobra.Command{
			Use:   "add <finding-key> <text>",
			Short: "Add a comment",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				actor, err := cli.requireActor()
				if err != nil {
					return err
				}
				return cli.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
					c, err := a.svc.AddComment(ctx, args[0], actor, args[1])
					if err != nil {
						return err
					}
					return render(cli.out, cli.format, c, commentsTable([]findings.Comment{*c}))
				})
			},
		},
		&cobra.Command{
			Use:   "edit <comment-key> <text>",
			Short: "Edit one of your comments",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				actor, err := cli.requireActor()
				if err != nil {
					return err
				}
				return cli.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
					c, err := a.svc.EditComment(ctx, args[0], actor, args[1])
					if err != nil {
						return err
					}
					return render(cli.out, cli.format, c, commentsTable([]findings.Comment{*c}))
				})
			},
		},
		&cobra.Command{
			Use:   "delete <comment-key>",
			Short: "Delete one of your comments",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				actor, err := cli.requireActor()
				if err != nil {
					return err
				}
				return cli.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
					if err := a.svc.DeleteComment(ctx, args[0], actor); err != nil {
						return err
					}
					fmt.Fprintf(cli.out, "deleted comment %s\n", args[0])
					return nil
				})
			},
		},
	)
	return cmd
}

// =============================================================================
// Bulk
// =============================================================================

type bulkFlags struct {
	assign     string
	unassign   bool
	transition string
	severity   string
	comment    string
}

func (bf *bulkFlags) operations(cmd *cobra.Command) (mutation.Operations, error) {
	ops := mutation.Operations{
		Transition: bf.transition,
		Severity:   findings.Severity(strings.ToUpper(bf.severity)),
		Comment:    bf.comment,
	}
	switch {
	case bf.unassign && cmd.Flags().Changed("assign"):
		return ops, fmt.Errorf("--assign and --unassign are mutually exclusive")
	case bf.unassign:
		empty := ""
		ops.Assign = &empty
	case cmd.Flags().Changed("assign"):
		ops.Assign = &bf.assign
	}
	if ops.Empty() {
		return ops, fmt.Errorf("nothing to do: pass at least one of --assign, --unassign, --transition, --severity, --comment")
	}
	return ops, nil
}

func (cli *CLI) newBulkCmd() *cobra.Command {
	var bf bulkFlags
	cmd := &cobra.Command{
		Use:   "bulk <key>...",
		Short: "Apply the same change to many findings",
		Long: `Bulk applies assignment, a transition, a severity change and a comment to each
finding in turn. Findings the actor cannot browse are ignored; findings where
an operation fails are counted as failures and left unchanged.`,
		Example: `  triage bulk AX01 AX02 --transition confirm --comment "triaged"
  triage bulk AX01 AX02 --unassign`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := cli.requireActor()
			if err != nil {
				return err
			}
			ops, err := bf.operations(cmd)
			if err != nil {
				return err
			}
			return cli.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				res, err := a.svc.Bulk(ctx, args, ops, actor)
				if err != nil {
					return err
				}
				return render(cli.out, cli.format, res, func(t *tablewriter.Table) error {
					if err := findingsTable(res.Succeeded)(t); err != nil {
						return err
					}
					t.Footer("", "", "", "", "", "", "", "",
						fmt.Sprintf("%d total, %d succeeded, %d ignored, %d failed", res.Total, len(res.Succeeded), res.Ignored, res.Failures))
					return nil
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&bf.assign, "assign", "", "assign to login")
	f.BoolVar(&bf.unassign, "unassign", false, "clear the assignee")
	f.StringVar(&bf.transition, "transition", "", "transition to apply")
	f.StringVar(&bf.severity, "severity", "", "new severity")
	f.StringVar(&bf.comment, "comment", "", "comment to add")
	return cmd
}
