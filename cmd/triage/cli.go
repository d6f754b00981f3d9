package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jmylchreest/triage/internal/config"
	"github.com/jmylchreest/triage/internal/logging"
	"github.com/jmylchreest/triage/internal/version"
	"github.com/jmylchreest/triage/pkg/authz"
	"github.com/jmylchreest/triage/pkg/notify"
	"github.com/jmylchreest/triage/pkg/store"
	"github.com/jmylchreest/triage/pkg/triage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Options configure the CLI.
type Options struct {
	Output    io.Writer
	ErrOutput io.Writer
}

// CLI is the triage command tree.
type CLI struct {
	out     io.Writer
	errOut  io.Writer
	rootCmd *cobra.Command

	configFile string
	dataDir    string
	actor      string
	format     string
	logLevel   string
}

// NewCLI builds the command tree.
func NewCLI(opts Options) *CLI {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.ErrOutput == nil {
		opts.ErrOutput = os.Stderr
	}
	cli := &CLI{out: opts.Output, errOut: opts.ErrOutput}
	cli.rootCmd = cli.newRootCmd()
	return cli
}

// Execute runs the command named by os.Args.
func (cli *CLI) Execute() error {
	return cli.rootCmd.Execute()
}

// SetArgs overrides os.Args, for tests.
func (cli *CLI) SetArgs(args []string) {
	cli.rootCmd.SetArgs(args)
}

func (cli *CLI) newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "triage",
		Short: "Triage code-analysis findings",
		Long: `triage tracks the review lifecycle of issues and security hotspots.

Findings are imported from analysis fixtures, then reviewed through workflow
transitions, assignment, severity changes and comments, individually or in
bulk. Searches facet on status, type, security standards and the new-code
period of a branch.

Quick start:
  triage import findings.yaml
  triage search --kind hotspots --project my-project --actor alice
  triage transition AX0001 resolveasreviewed --actor alice
  triage serve`,
		Version:       version.Short(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(cli.out)
	cmd.SetErr(cli.errOut)

	flags := cmd.PersistentFlags()
	flags.StringVar(&cli.configFile, "config", "", "config file (JSON)")
	flags.StringVar(&cli.dataDir, "data-dir", "", "data directory (overrides config)")
	flags.StringVar(&cli.actor, "actor", os.Getenv("TRIAGE_ACTOR"), "login to act as (default $TRIAGE_ACTOR)")
	flags.StringVarP(&cli.format, "format", "o", formatTable, "output format: table, json or yaml")
	flags.StringVar(&cli.logLevel, "log-level", "", "log level (overrides config)")

	cmd.AddCommand(
		cli.newServeCmd(),
		cli.newMCPCmd(),
		cli.newImportCmd(),
		cli.newReindexCmd(),
		cli.newSearchCmd(),
		cli.newListCmd(),
		cli.newShowCmd(),
		cli.newTransitionCmd(),
		cli.newAssignCmd(),
		cli.newSeverityCmd(),
		cli.newCommentCmd(),
		cli.newBulkCmd(),
		cli.newChangelogCmd(),
		cli.newMeasuresCmd(),
		cli.newVersionCmd(),
	)
	return cmd
}

func (cli *CLI) newVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if asJSON || cli.format == formatJSON {
				fmt.Fprintln(cli.out, version.JSON())
				return nil
			}
			fmt.Fprintln(cli.out, version.String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print build information as JSON")
	return cmd
}

// app holds everything a command needs once configuration is loaded.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  *store.Store
	authz  *authz.Static
	svc    *triage.Service
}

func (a *app) Close() error {
	return a.store.Close()
}

func (cli *CLI) loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(cli.configFile)
	if err != nil {
		return nil, err
	}
	if cli.dataDir != "" {
		cfg.DataDir = cli.dataDir
	}
	if cli.logLevel != "" {
		cfg.Log.Level = cli.logLevel
	}
	return cfg, nil
}

// openApp loads configuration and opens the store. Logs go to errOut so that
// stdout carries only command output.
func (cli *CLI) openApp() (*app, error) {
	cfg, err := cli.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.JSON, cli.errOut)
	return newApp(cfg, logger, notify.NewLogSink(logger))
}

func newApp(cfg *config.Config, logger zerolog.Logger, notifier notify.Sink) (*app, error) {
	st, err := store.Open(cfg.DataDir, store.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	az := authz.NewStatic(cfg.Authz)
	svc := triage.New(st, az,
		triage.WithNotifier(notifier),
		triage.WithLogger(logger),
		triage.WithDefaultASVSLevel(cfg.Search.ASVSDefaultLevel),
	)
	return &app{cfg: cfg, logger: logger, store: st, authz: az, svc: svc}, nil
}

// withApp runs fn against an opened app and closes it afterwards.
func (cli *CLI) withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	a, err := cli.openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func (cli *CLI) requireActor() (string, error) {
	if cli.actor == "" {
		return "", fmt.Errorf("no actor: pass --actor or set TRIAGE_ACTOR")
	}
	return cli.actor, nil
}
