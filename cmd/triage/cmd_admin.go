package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jmylchreest/triage/pkg/store"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func (cli *CLI) newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <fixture>...",
		Short: "Import projects, branches, snapshots and findings",
		Long: `Import loads analysis fixtures (JSON, or YAML for .yaml/.yml files) into the
store and indexes the imported findings. Records with existing keys are
replaced.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				var total store.ImportStats
				for _, path := range args {
					fx, err := store.LoadFixture(path)
					if err != nil {
						return err
					}
					stats, err := a.store.Import(ctx, fx)
					if err != nil {
						return fmt.Errorf("import %s: %w", path, err)
					}
					a.logger.Info().Str("path", path).Int("findings", stats.Findings).Msg("fixture imported")
					total.Projects += stats.Projects
					total.Branches += stats.Branches
					total.Snapshots += stats.Snapshots
					total.Findings += stats.Findings
					total.Comments += stats.Comments
				}
				return render(cli.out, cli.format, total, func(t *tablewriter.Table) error {
					t.Header("Projects", "Branches", "Snapshots", "Findings", "Comments")
					return t.Append([]string{
						strconv.Itoa(total.Projects),
						strconv.Itoa(total.Branches),
						strconv.Itoa(total.Snapshots),
						strconv.Itoa(total.Findings),
						strconv.Itoa(total.Comments),
					})
				})
			})
		},
	}
}

func (cli *CLI) newReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the search index from the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cli.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				n, err := a.svc.Reindex(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cli.out, "indexed %d findings\n", n)
				return nil
			})
		},
	}
}
