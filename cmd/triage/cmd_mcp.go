package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jmylchreest/triage/internal/logging"
	"github.com/jmylchreest/triage/internal/version"
	"github.com/jmylchreest/triage/pkg/findings"
	"github.com/jmylchreest/triage/pkg/mutation"
	"github.com/jmylchreest/triage/pkg/notify"
	"github.com/jmylchreest/triage/pkg/search"
	"github.com/jmylchreest/triage/pkg/server"
	"github.com/jmylchreest/triage/pkg/triage"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func (cli *CLI) newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve findings tools over MCP (stdio)",
		Long: `mcp starts a Model Context Protocol server on stdin/stdout. Tool calls act as
mcp.actor from the configuration, or --actor when given. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cli.loadConfig()
			if err != nil {
				return err
			}
			actor := cfg.MCP.Actor
			if cli.actor != "" {
				actor = cli.actor
			}
			if actor == "" {
				return fmt.Errorf("no MCP actor: set mcp.actor or pass --actor")
			}
			logger := logging.New(cfg.Log.Level, cfg.Log.JSON, cli.errOut)
			a, err := newApp(cfg, logger, notify.NewLogSink(logger))
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s := newMCPServer(a.svc, actor, logger)
			logger.Info().Str("version", version.Short()).Str("actor", actor).Msg("MCP server ready on stdio")
			return s.server.Run(ctx, &mcp.StdioTransport{})
		},
	}
}

// MCPServer exposes the triage service as MCP tools.
type MCPServer struct {
	svc    *triage.Service
	actor  string
	logger zerolog.Logger
	server *mcp.Server
}

func newMCPServer(svc *triage.Service, actor string, logger zerolog.Logger) *MCPServer {
	s := &MCPServer{
		svc:    svc,
		actor:  actor,
		logger: logger.With().Str("component", "mcp").Logger(),
	}
	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    version.ApplicationName,
		Version: version.Short(),
	}, nil)
	s.registerTools()
	return s
}

// =============================================================================
// Tool inputs
// =============================================================================

type SearchInput struct {
	Kind            string   `json:"kind,omitempty" jsonschema:"issues (default) or hotspots"`
	Project         string   `json:"project,omitempty" jsonschema:"Project or application key. Required unless keys are given."`
	Branch          string   `json:"branch,omitempty" jsonschema:"Branch name. Defaults to the main branch."`
	PullRequest     string   `json:"pullRequest,omitempty" jsonschema:"Pull request id"`
	Keys            []string `json:"keys,omitempty" jsonschema:"Finding keys to fetch instead of a project scope"`
	Status          string   `json:"status,omitempty" jsonschema:"Status filter, e.g. OPEN, CONFIRMED, TO_REVIEW, REVIEWED"`
	Resolution      string   `json:"resolution,omitempty" jsonschema:"Resolution filter; requires status"`
	Types           []string `json:"types,omitempty" jsonschema:"Issue types: CODE_SMELL, BUG, VULNERABILITY"`
	Files           []string `json:"files,omitempty" jsonschema:"File paths or glob patterns"`
	Standards       []string `json:"standards,omitempty" jsonschema:"Security standard filters as taxonomy:code, e.g. cwe:89 or owaspTop10-2021:a3"`
	ASVSLevel       int      `json:"asvsLevel,omitempty" jsonschema:"OWASP ASVS level 1-3, used with owaspAsvs-4.0 filters"`
	InNewCodePeriod bool     `json:"inNewCodePeriod,omitempty" jsonschema:"Only findings in the new-code period"`
	OnlyMine        bool     `json:"onlyMine,omitempty" jsonschema:"Only findings assigned to me"`
	Page            int      `json:"page,omitempty" jsonschema:"Page number, starting at 1"`
	PageSize        int      `json:"pageSize,omitempty" jsonschema:"Page size (default 100)"`
}

type ShowInput struct {
	Key string `json:"key" jsonschema:"Finding key"`
}

type TransitionInput struct {
	Key        string `json:"key" jsonschema:"Finding key"`
	Transition string `json:"transition" jsonschema:"Transition name, e.g. confirm, resolve, falsepositive, wontfix, resolveasreviewed, resolveassafe"`
	Comment    string `json:"comment,omitempty" jsonschema:"Optional comment added after the transition"`
}

type AssignInput struct {
	Key      string `json:"key" jsonschema:"Finding key"`
	Assignee string `json:"assignee,omitempty" jsonschema:"Login to assign. Empty to unassign."`
}

type CommentInput struct {
	Key  string `json:"key" jsonschema:"Finding key"`
	Text string `json:"text" jsonschema:"Comment text"`
}

type BulkInput struct {
	Keys       []string `json:"keys" jsonschema:"Finding keys to change"`
	Assign     *string  `json:"assign,omitempty" jsonschema:"Login to assign. Empty string unassigns."`
	Transition string   `json:"transition,omitempty" jsonschema:"Transition to apply to every finding"`
	Severity   string   `json:"severity,omitempty" jsonschema:"New severity for issues: INFO, MINOR, MAJOR, CRITICAL, BLOCKER"`
	Comment    string   `json:"comment,omitempty" jsonschema:"Comment to add to every changed finding"`
}

// =============================================================================
// Registration
// =============================================================================

func (s *MCPServer) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name: "findings_search",
		Description: `Search issues or security hotspots of a project, branch or pull request.

Filter by status, resolution, type, file, security standard (cwe:89,
owaspTop10-2021:a3, owaspAsvs-4.0:2.1.1, ...), new-code period or assignment.
Results are paged; page 1 is the first page.`,
	}, s.handleSearch)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "finding_show",
		Description: `Show one finding with its comments and the workflow transitions you may apply to it.`,
	}, s.handleShow)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: "finding_transition",
		Description: `Apply a workflow transition to a finding.

**Issues:** confirm, unconfirm, reopen, resolve, falsepositive, wontfix
**Hotspots:** resolveasreviewed (fixed), resolveassafe, resolveasacknowledged, resetastoreview`,
	}, s.handleTransition)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "finding_assign",
		Description: `Assign a finding to a user, or unassign it with an empty assignee.`,
	}, s.handleAssign)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "finding_comment",
		Description: `Add a comment to a finding.`,
	}, s.handleComment)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: "findings_bulk_change",
		Description: `Apply the same assignment, transition, severity and comment to many findings.

Findings you cannot browse are ignored. Findings where an operation fails are
counted as failures and left unchanged; the rest are still changed.`,
	}, s.handleBulk)
}

// =============================================================================
// Handlers
// =============================================================================

func (in SearchInput) request() (search.Request, error) {
	q := map[string][]string{
		"project":     {in.Project},
		"branch":      {in.Branch},
		"pullRequest": {in.PullRequest},
		"status":      {in.Status},
		"resolution":  {in.Resolution},
		"types":       {strings.Join(in.Types, ",")},
		"files":       {strings.Join(in.Files, ",")},
		"kind":        {in.Kind},
	}
	keysParam := "issues"
	if in.Kind == "hotspots" {
		keysParam = "hotspots"
	}
	q[keysParam] = []string{strings.Join(in.Keys, ",")}
	for _, s := range in.Standards {
		taxonomy, codes, ok := strings.Cut(s, ":")
		if !ok || !findings.Taxonomy(taxonomy).Valid() {
			return search.Request{}, findings.Validation("standards", "Standard filter '%s' must be taxonomy:code with a known taxonomy", s)
		}
		q[taxonomy] = append(q[taxonomy], codes)
	}
	req, err := server.ParseSearchRequest(q)
	if err != nil {
		return req, err
	}
	req.ASVSLevel = in.ASVSLevel
	req.InNewCodePeriod = in.InNewCodePeriod
	req.OnlyMine = in.OnlyMine
	req.Page = in.Page
	req.PageSize = in.PageSize
	return req, nil
}

func (s *MCPServer) handleSearch(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, any, error) {
	s.logger.Debug().Str("tool", "findings_search").Str("project", input.Project).Str("kind", input.Kind).Msg("tool call")
	req, err := input.request()
	if err != nil {
		return errorResult(err.Error()), nil, nil
	}
	res, err := s.svc.Search(ctx, req, s.actor)
	if err != nil {
		return errorResult(err.Error()), nil, nil
	}
	if len(res.Findings) == 0 {
		return textResult("No findings found."), nil, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d findings (page %d of %d):\n\n", res.Paging.Total, res.Paging.PageIndex, res.Paging.Pages())
	for _, f := range res.Findings {
		sb.WriteString(formatFindingLine(f))
	}
	return textResult(sb.String()), nil, nil
}

func (s *MCPServer) handleShow(ctx context.Context, _ *mcp.CallToolRequest, input ShowInput) (*mcp.CallToolResult, any, error) {
	s.logger.Debug().Str("tool", "finding_show").Str("key", input.Key).Msg("tool call")
	f, err := s.svc.Finding(ctx, input.Key, s.actor)
	if err != nil {
		return errorResult(err.Error()), nil, nil
	}
	comments, err := s.svc.Comments(ctx, input.Key, s.actor)
	if err != nil {
		return errorResult(err.Error()), nil, nil
	}
	return textResult(formatFindingDetail(f, comments, s.svc.TransitionsFor(ctx, f, s.actor))), nil, nil
}

func (s *MCPServer) handleTransition(ctx context.Context, _ *mcp.CallToolRequest, input TransitionInput) (*mcp.CallToolResult, any, error) {
	s.logger.Debug().Str("tool", "finding_transition").Str("key", input.Key).Str("transition", input.Transition).Msg("tool call")
	res, err := s.svc.DoTransition(ctx, input.Key, s.actor, input.Transition)
	if err != nil {
		return errorResult(err.Error()), nil, nil
	}
	if input.Comment != "" {
		if _, err := s.svc.AddComment(ctx, input.Key, s.actor, input.Comment); err != nil {
			return errorResult("transition applied but comment failed: " + err.Error()), nil, nil
		}
	}
	return textResult(formatMutation(res)), nil, nil
}

func (s *MCPServer) handleAssign(ctx context.Context, _ *mcp.CallToolRequest, input AssignInput) (*mcp.CallToolResult, any, error) {
	s.logger.Debug().Str("tool", "finding_assign").Str("key", input.Key).Msg("tool call")
	res, err := s.svc.Assign(ctx, input.Key, s.actor, input.Assignee)
	if err != nil {
		return errorResult(err.Error()), nil, nil
	}
	return textResult(formatMutation(res)), nil, nil
}

func (s *MCPServer) handleComment(ctx context.Context, _ *mcp.CallToolRequest, input CommentInput) (*mcp.CallToolResult, any, error) {
	s.logger.Debug().Str("tool", "finding_comment").Str("key", input.Key).Msg("tool call")
	c, err := s.svc.AddComment(ctx, input.Key, s.actor, input.Text)
	if err != nil {
		return errorResult(err.Error()), nil, nil
	}
	return textResult(fmt.Sprintf("Added comment %s to %s.", c.Key, c.FindingKey)), nil, nil
}

func (s *MCPServer) handleBulk(ctx context.Context, _ *mcp.CallToolRequest, input BulkInput) (*mcp.CallToolResult, any, error) {
	s.logger.Debug().Str("tool", "findings_bulk_change").Int("keys", len(input.Keys)).Msg("tool call")
	ops := mutation.Operations{
		Assign:     input.Assign,
		Transition: input.Transition,
		Severity:   findings.Severity(strings.ToUpper(input.Severity)),
		Comment:    input.Comment,
	}
	res, err := s.svc.Bulk(ctx, input.Keys, ops, s.actor)
	if err != nil {
		return errorResult(err.Error()), nil, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d of %d findings changed (%d ignored, %d failed).\n", len(res.Succeeded), res.Total, res.Ignored, res.Failures)
	if len(res.Succeeded) > 0 {
		sb.WriteString("\n")
		for _, f := range res.Succeeded {
			sb.WriteString(formatFindingLine(f))
		}
	}
	return textResult(sb.String()), nil, nil
}

// =============================================================================
// Result helpers
// =============================================================================

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func errorResult(message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "Error: " + message}},
		IsError: true,
	}
}
