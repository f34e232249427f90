package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/shpitdev/routecrawl/internal/app"
	"github.com/shpitdev/routecrawl/internal/config"
	"github.com/shpitdev/routecrawl/internal/crawl"
	"github.com/shpitdev/routecrawl/internal/telemetry"
	"github.com/shpitdev/routecrawl/internal/version"
	"github.com/shpitdev/routecrawl/pkg/pipeline/redact"
	"github.com/spf13/cobra"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitUsage   = 2
)

// runtimeError marks failures raised after a job started. Everything else
// cobra returns (bad flags, unknown commands) is a usage error.
type runtimeError struct{ err error }

func (e *runtimeError) Error() string { return e.err.Error() }
func (e *runtimeError) Unwrap() error { return e.err }

// runFlags are the options that shape a run but are not part of the job
// config.
type runFlags struct {
	configPath string
	logJSON    bool
	dryRun     bool
	summary    bool
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root, err := newRootCmd(stdout, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config error: %s\n", errorText(err))
		return exitUsage
	}
	if args == nil {
		// cobra falls back to os.Args on nil.
		args = []string{}
	}
	root.SetArgs(args)
	err = root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	_, _ = fmt.Fprintf(stderr, "routecrawl: %s\n", errorText(err))
	return exitCode(err)
}

// errorText redacts secrets from err. A configuration error keeps its option
// name readable; only the reason is redacted.
func errorText(err error) string {
	var ce *crawl.ConfigurationError
	if errors.As(err, &ce) {
		return (&crawl.ConfigurationError{Option: ce.Option, Reason: redact.Secrets(ce.Reason)}).Error()
	}
	return redact.Secrets(err.Error())
}

func exitCode(err error) int {
	var re *runtimeError
	switch {
	case err == nil:
		return exitOK
	case crawl.IsConfigurationError(err), crawl.IsInputDataError(err):
		return exitUsage
	case errors.As(err, &re):
		return exitRuntime
	}
	return exitUsage
}

func newRootCmd(stdout, stderr io.Writer) (*cobra.Command, error) {
	env, err := config.FromEnv()
	if err != nil {
		return nil, err
	}

	var flags config.Config
	var rf runFlags

	root := &cobra.Command{
		Use:           "routecrawl",
		Short:         "routecrawl batch-queries routing and public-transport APIs for rows of a CSV file.",
		SilenceErrors: true,
		SilenceUsage:  true,
		// A bare "routecrawl" prints help and exits 2.
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = cmd.Help()
			return errors.New("a job command is required")
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&rf.configPath, "config", "", "YAML (.yaml/.yml) or JSON5 config file; explicit flags override it")
	pf.BoolVar(&rf.logJSON, "log-json", false, "Log JSON lines instead of console text")
	pf.BoolVar(&rf.dryRun, "dry-run", false, "Print the planned request URLs (redacted) without sending them")
	pf.BoolVar(&rf.summary, "summary", false, "Render a run summary table on stderr")

	pf.StringVar(&flags.LogLevel, config.FlagName("log_level"), env.LogLevel, "Log level: debug, info, warn, error (env: LOG_LEVEL)")
	pf.StringVarP(&flags.Output, config.FlagName("output"), "o", env.Output, `Output path, "-" for stdout`)
	pf.StringVar(&flags.Format, config.FlagName("format"), env.Format, "Output format: jsonl, csv, msgpack, sqlite (default: from the output extension)")
	pf.IntVar(&flags.Workers, config.FlagName("workers"), env.Workers, "Number of concurrent request workers (env: WORKERS)")
	pf.IntVar(&flags.MaxRetries, config.FlagName("max_retries"), env.MaxRetries, "Max retries per request for transient failures (env: MAX_RETRIES)")
	pf.DurationVar(durationVar(&flags.RequestTimeout), config.FlagName("request_timeout"), durationOf(env.RequestTimeout), "Per-request timeout (env: REQUEST_TIMEOUT)")
	pf.Float64Var(&flags.RateLimitRPS, config.FlagName("rate_limit_rps"), env.RateLimitRPS, "Global request rate limit (RPS), 0 disables (env: RATE_LIMIT_RPS)")
	pf.BoolVar(&flags.FailFast, config.FlagName("fail_fast"), env.FailFast, "Abort on the first failed request (env: FAIL_FAST)")
	pf.IntVar(&flags.CacheSize, config.FlagName("cache_size"), env.CacheSize, "Response memo entries, 0 disables")
	pf.DurationVar(durationVar(&flags.CacheTTL), config.FlagName("cache_ttl"), durationOf(env.CacheTTL), "Response memo expiry, 0 keeps entries for the run")
	pf.StringVar(&flags.UserAgent, config.FlagName("user_agent"), env.UserAgent, "User-Agent header")
	pf.StringVar(&flags.ORSBaseURL, config.FlagName("ors_base_url"), env.ORSBaseURL, "openrouteservice base URL")
	pf.StringVar(&flags.VBBBaseURL, config.FlagName("vbb_base_url"), env.VBBBaseURL, "VBB REST base URL")

	for _, job := range crawl.Jobs {
		root.AddCommand(newJobCmd(job, env, &flags, &rf))
	}
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the routecrawl version.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Current)
		},
	})
	return root, nil
}

func newJobCmd(job *crawl.Job, env config.Config, flags *config.Config, rf *runFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   job.Name,
		Short: job.Description,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runJob(cmd, job, env, *flags, *rf)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.SourceCSV, config.FlagName("source_csv"), "", fmt.Sprintf("Source CSV (required columns: %s)", strings.Join(job.Columns, ", ")))
	if job.Paired {
		f.StringVar(&flags.DestinationCSV, config.FlagName("destination_csv"), "", "Destination CSV (same columns as the source)")
	}
	if job.Products {
		f.StringVar(&flags.ExcludedProducts, config.FlagName("excluded_products"), "", "Comma separated transit products to exclude (e.g. bus,tram)")
	}
	switch job {
	case crawl.Directions:
		f.StringVar(&flags.APIKey, config.FlagName("api_key"), env.APIKey, "openrouteservice API key (env: ORS_API_KEY)")
		f.StringVar(&flags.Profile, config.FlagName("profile"), env.Profile, "openrouteservice routing profile")
	case crawl.Journeys:
		f.StringVar(&flags.Departure, config.FlagName("departure"), "", "Departure time (ISO 8601); excludes --arrival")
		f.StringVar(&flags.Arrival, config.FlagName("arrival"), "", "Arrival time (ISO 8601); excludes --departure")
	}
	return cmd
}

func runJob(cmd *cobra.Command, job *crawl.Job, env, flags config.Config, rf runFlags) error {
	ctx := cmd.Context()

	cfg := env
	if rf.configPath != "" {
		file, err := config.ReadFile(rf.configPath)
		if err != nil {
			return err
		}
		if cfg, err = config.Merge(cfg, file); err != nil {
			return err
		}
	}
	config.Apply(&cfg, flags, func(key string) bool {
		fl := cmd.Flags().Lookup(config.FlagName(key))
		return fl != nil && fl.Changed
	})
	cfg.Job = job.Name

	level, err := telemetry.ParseLevel(cfg.LogLevel)
	if err != nil {
		return &crawl.ConfigurationError{Option: "log_level", Reason: err.Error()}
	}
	logger := telemetry.NewLogger(cmd.ErrOrStderr(), level, rf.logJSON)
	slog.SetDefault(logger)

	tel, err := telemetry.SetupFromEnv(ctx, "routecrawl", version.Current)
	if err != nil {
		logger.Warn("trace export disabled", "error", err.Error())
	}
	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("trace shutdown", "error", err.Error())
		}
	}()

	_, err = app.Run(ctx, app.Options{
		Config:  cfg,
		DryRun:  rf.dryRun,
		Summary: rf.summary,
		Stdout:  cmd.OutOrStdout(),
		Stderr:  cmd.ErrOrStderr(),
		Logger:  logger,
		Tracer:  tel.Tracer("github.com/shpitdev/routecrawl"),
	})
	if err != nil {
		return &runtimeError{err: err}
	}
	return nil
}

func durationVar(d *config.Duration) *time.Duration { return (*time.Duration)(d) }

func durationOf(d config.Duration) time.Duration { return time.Duration(d) }
