package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/yourorg/rerunner/internal/config"
	"github.com/yourorg/rerunner/internal/devops"
	"github.com/yourorg/rerunner/internal/junit"
	"github.com/yourorg/rerunner/internal/report"
	"github.com/yourorg/rerunner/internal/runner"
	"github.com/yourorg/rerunner/internal/secret"
	"github.com/yourorg/rerunner/internal/store"
	"github.com/yourorg/rerunner/pkg/types"
)

const defaultConfigContent = `provider:
  base_url: "https://dev.azure.com"
  organization: ""
  artifact_name: "junit-xml"
  report_entry: "junit-xml/junit-results.xml"
  insecure_skip_verify: false

client:
  cache_ttl: 5m
  cache_capacity: 200
  max_concurrent: 5
  rate_limit: 100
  rate_window: 1m
  retries: 3
  retry_base_delay: 500ms
  timeout: 120s

secret:
  key: ""

runner:
  repo_path: ""
  command:
    - npx
    - playwright
    - test
  batch_workers: 4
  staging_dir: "./ExtractedReport"

server:
  host: "127.0.0.1"
  port: 4000
  cors_origin: "*"

log:
  level: "info"
  format: "text"
`

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOpts struct {
	cfgPath string
	debug   bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOpts{}

	root := &cobra.Command{
		Use:           "rerunner",
		Short:         "Rerun failed Playwright tests from Azure DevOps builds",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.cfgPath, "config", "", "config file path")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug output")

	root.AddCommand(newInitCmd())
	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newBuildsCmd(opts))
	root.AddCommand(newTestsCmd(opts))
	root.AddCommand(newRerunCmd(opts))
	root.AddCommand(newTokenCmd(opts))
	root.AddCommand(newCredsCmd(opts))

	return root
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize ~/.rerunner directory and default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			baseDir := filepath.Join(home, ".rerunner")
			if err := os.MkdirAll(baseDir, 0o755); err != nil {
				return err
			}

			cfgFile := filepath.Join(baseDir, "config.yaml")
			if _, err := os.Stat(cfgFile); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(cfgFile, []byte(defaultConfigContent), 0o600); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "created", cfgFile)
			} else if err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "exists", cfgFile)
			} else {
				return err
			}

			dbPath := filepath.Join(baseDir, "rerunner.db")
			s, err := store.NewSQLiteStore(dbPath)
			if err != nil {
				return err
			}
			defer s.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "database ready", dbPath)
			fmt.Fprintln(cmd.OutOrStdout(), "please set provider.organization, secret.key and runner.repo_path in", cfgFile)
			return nil
		},
	}
}

func newServeCmd(opts *rootOpts) *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{Use: "serve", Short: "Start HTTP service", RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(opts.cfgPath, opts.debug)
		if err != nil {
			return err
		}
		defer a.Close()
		if cmd.Flags().Changed("host") {
			a.cfg.Server.Host = host
		}
		if cmd.Flags().Changed("port") {
			a.cfg.Server.Port = port
		}
		if err := a.cfg.ValidateServe(); err != nil {
			return err
		}
		srv, err := a.server()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return srv.ListenAndServe(ctx, a.cfg.Addr())
	}}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "server host")
	cmd.Flags().IntVar(&port, "port", 4000, "server port")
	return cmd
}

type credFlags struct {
	user  string
	token string
}

func (f *credFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.user, "user", "", "stored user id")
	cmd.Flags().StringVar(&f.token, "token", "", "encrypted token (ivHex:cipherHex)")
}

func newBuildsCmd(opts *rootOpts) *cobra.Command {
	var creds credFlags
	var project, rangeName string
	cmd := &cobra.Command{Use: "builds", Short: "List partially succeeded builds in a date range", RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(opts.cfgPath, opts.debug)
		if err != nil {
			return err
		}
		defer a.Close()
		sess, err := a.session(creds.user, creds.token)
		if err != nil {
			return err
		}
		builds, err := a.devops.ListBuildsInRange(cmd.Context(), sess, project, rangeName)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "BUILD\tPIPELINE\tFINISHED\tPASSED/TOTAL")
		for _, b := range builds {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d/%d\n", b.BuildID, b.PipelineName, b.Date, b.PassedTests, b.TotalTests)
		}
		return w.Flush()
	}}
	creds.register(cmd)
	cmd.Flags().StringVar(&project, "project", "", "project id or name")
	cmd.Flags().StringVar(&rangeName, "range", "today", "today, yesterday, current_week, last_week, current_month or last_month")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newTestsCmd(opts *rootOpts) *cobra.Command {
	var creds credFlags
	var project string
	var buildID int
	cmd := &cobra.Command{Use: "tests", Short: "Show the test report of a build", RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(opts.cfgPath, opts.debug)
		if err != nil {
			return err
		}
		defer a.Close()
		rep, err := fetchReport(cmd.Context(), a, creds, project, buildID)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rep)
	}}
	creds.register(cmd)
	cmd.Flags().StringVar(&project, "project", "", "project id or name")
	cmd.Flags().IntVar(&buildID, "build", 0, "build id")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("build")
	return cmd
}

func newRerunCmd(opts *rootOpts) *cobra.Command {
	var creds credFlags
	var project, modeName, env, ids, format string
	var buildID int
	cmd := &cobra.Command{Use: "rerun", Short: "Rerun failed tests of a build locally", RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := runner.ParseMode(modeName)
		if err != nil {
			return err
		}
		a, err := newApp(opts.cfgPath, opts.debug)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.cfg.ValidateServe(); err != nil {
			return err
		}
		rep, err := fetchReport(cmd.Context(), a, creds, project, buildID)
		if err != nil {
			return err
		}
		selected, err := selectTests(rep.FailedTests, ids)
		if err != nil {
			return err
		}
		if len(selected) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no failed tests to rerun")
			return nil
		}
		outcomes, err := a.runner.Rerun(cmd.Context(), selected, mode, env)
		if err != nil {
			return err
		}
		run := &types.RunSummary{ID: uuid.NewString(), Mode: string(mode), Env: env, Outcomes: outcomes, CreatedAt: time.Now()}
		return printRun(cmd.OutOrStdout(), run, format)
	}}
	creds.register(cmd)
	cmd.Flags().StringVar(&project, "project", "", "project id or name")
	cmd.Flags().IntVar(&buildID, "build", 0, "build id")
	cmd.Flags().StringVar(&modeName, "mode", "batch", "interactive (debug) or batch (run)")
	cmd.Flags().StringVar(&env, "env", "", "target environment label passed as TEST_ENV")
	cmd.Flags().StringVar(&ids, "ids", "", "comma separated failed test ids (default: all)")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text, markdown, yaml or json")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("build")
	return cmd
}

func newTokenCmd(opts *rootOpts) *cobra.Command {
	token := &cobra.Command{Use: "token", Short: "Manage personal access tokens"}
	token.AddCommand(&cobra.Command{
		Use:   "encrypt <pat>",
		Short: "Encrypt a personal access token with secret.key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, err := loadCodec(opts.cfgPath)
			if err != nil {
				return err
			}
			out, err := codec.Encrypt(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	})
	return token
}

func newCredsCmd(opts *rootOpts) *cobra.Command {
	creds := &cobra.Command{Use: "creds", Short: "Manage stored credentials"}

	var id, team, username string
	set := &cobra.Command{
		Use:   "set <pat>",
		Short: "Store an encrypted personal access token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts.cfgPath, opts.debug)
			if err != nil {
				return err
			}
			defer a.Close()
			tok, err := a.codec.Encrypt(args[0])
			if err != nil {
				return err
			}
			c := &types.Credential{UserID: id, Team: team, Username: username, Token: tok}
			if err := a.store.PutCredential(c); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "stored", c.UserID)
			return nil
		},
	}
	set.Flags().StringVar(&id, "id", "", "user id (generated when empty)")
	set.Flags().StringVar(&team, "team", "", "team name")
	set.Flags().StringVar(&username, "username", "", "user name")

	list := &cobra.Command{Use: "list", Short: "List stored credentials", RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(opts.cfgPath, opts.debug)
		if err != nil {
			return err
		}
		defer a.Close()
		all, err := a.store.ListCredentials()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTEAM\tUSERNAME\tUPDATED")
		for _, c := range all {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.UserID, c.Team, c.Username, c.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	}}

	del := &cobra.Command{Use: "delete <id>", Short: "Delete a stored credential", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(opts.cfgPath, opts.debug)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.store.DeleteCredential(args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "deleted", args[0])
		return nil
	}}

	creds.AddCommand(set, list, del)
	return creds
}

func loadCodec(cfgPath string) (*secret.Codec, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return secret.New(cfg.Secret.Key)
}

func fetchReport(ctx context.Context, a *app, creds credFlags, project string, buildID int) (*types.Report, error) {
	sess, err := a.session(creds.user, creds.token)
	if err != nil {
		return nil, err
	}
	ref := devops.BuildRef{Project: project, BuildID: buildID}
	return a.fetcher.FetchAndParse(ctx, sess, ref, a.cfg.Provider.ArtifactName, junit.Parse)
}

// selectTests picks tests by id from a comma separated list. An empty list
// selects everything.
func selectTests(tests []types.TestIdentity, ids string) ([]types.TestIdentity, error) {
	if strings.TrimSpace(ids) == "" {
		return tests, nil
	}
	byID := make(map[int]types.TestIdentity, len(tests))
	for _, t := range tests {
		byID[t.ID] = t
	}
	var out []types.TestIdentity
	for _, field := range strings.Split(ids, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return nil, fmt.Errorf("invalid test id %q", field)
		}
		t, ok := byID[n]
		if !ok {
			return nil, fmt.Errorf("no failed test with id %d", n)
		}
		out = append(out, t)
	}
	return out, nil
}

func printRun(w io.Writer, run *types.RunSummary, format string) error {
	switch format {
	case "markdown", "md":
		return report.RenderMarkdown(w, run)
	case "yaml":
		return report.RenderYAML(w, run)
	case "json":
		return printJSON(w, run)
	case "text", "":
		for _, o := range run.Outcomes {
			fmt.Fprintf(w, "%-6s %s\n", o.Status, o.Title)
		}
		fmt.Fprintf(w, "%d of %d passed\n", run.Passed(), len(run.Outcomes))
		return nil
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
