package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shpitdev/routecrawl/internal/config"
	"github.com/shpitdev/routecrawl/internal/crawl"
	"github.com/shpitdev/routecrawl/internal/transport"
	"github.com/shpitdev/routecrawl/pkg/pipeline/core"
	"github.com/shpitdev/routecrawl/pkg/pipeline/io/local"
	"github.com/shpitdev/routecrawl/pkg/pipeline/redact"
	"github.com/shpitdev/routecrawl/pkg/pipeline/worker"
	"go.opentelemetry.io/otel/trace"
)

// Fetcher performs one descriptor request and returns the decoded-ready body.
type Fetcher interface {
	Fetch(ctx context.Context, d crawl.Descriptor) ([]byte, error)
}

// Options configures Run.
type Options struct {
	Config config.Config

	// DryRun prints the planned URLs instead of dispatching them.
	DryRun bool
	// Summary renders the run summary as a table on Stderr.
	Summary bool

	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger

	// HTTPClient and Tracer are passed to the transport client.
	HTTPClient *http.Client
	Tracer     trace.Tracer
	// Fetcher replaces the transport client entirely.
	Fetcher Fetcher
}

// Summary describes a finished run.
type Summary struct {
	RunID       string
	Job         string
	Descriptors int
	Records     int
	Misses      int
	Errors      int
	CacheHits   int64
	Fetches     int64
	Duration    time.Duration
}

// Run executes one crawl: validate, load, plan, dispatch, annotate, emit.
// Configuration and input problems are returned before any request is made.
func Run(ctx context.Context, opts Options) (Summary, error) {
	runStart := time.Now()
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg := opts.Config

	job, err := cfg.Validate()
	if err != nil {
		return Summary{}, err
	}
	params := cfg.Params()
	format, err := cfg.OutputFormat()
	if err != nil {
		return Summary{}, &crawl.ConfigurationError{Option: "format", Reason: err.Error()}
	}

	runID := fmt.Sprintf("run-%d", runStart.UnixNano())
	logger := opts.Logger.With("run", runID, "job", job.Name)
	sum := Summary{RunID: runID, Job: job.Name}

	srcIn := &local.CSVInput{Path: cfg.SourceCSV, Required: job.Columns}
	sources, err := srcIn.Load(ctx)
	if err != nil {
		return sum, err
	}
	var destinations []crawl.Row
	if job.Paired {
		dstIn := &local.CSVInput{Path: cfg.DestinationCSV, Required: job.Columns}
		if destinations, err = dstIn.Load(ctx); err != nil {
			return sum, err
		}
	}

	wopts := cfg.WorkerOptions()
	logger.Info("run start",
		"source", cfg.SourceCSV,
		"source_rows", len(sources),
		"destination_rows", len(destinations),
		"planned", job.Count(sources, destinations),
		"output", cfg.Output,
		"format", string(format),
		"workers", wopts.Workers,
		"max_retries", wopts.MaxRetries,
		"timeout", wopts.RequestTimeout,
		"rate_limit_rps", wopts.RateLimitRPS,
		"fail_fast", wopts.FailurePolicy == worker.FailurePolicyFailFast,
	)

	descriptors := slices.Collect(job.Plan(params, sources, destinations))
	sum.Descriptors = len(descriptors)

	if opts.DryRun {
		for _, d := range descriptors {
			u, err := d.URL()
			if err != nil {
				return sum, err
			}
			if _, err := fmt.Fprintln(opts.Stdout, redact.URL(u)); err != nil {
				return sum, err
			}
		}
		sum.Duration = time.Since(runStart)
		logger.Info("dry run complete", "descriptors", sum.Descriptors)
		return sum, nil
	}

	var sink local.RecordSink
	sinkOpts := local.SinkOptions{Columns: Columns(job, srcIn.Header), Job: job.Name}
	if cfg.Output == "" || cfg.Output == "-" {
		sink, err = local.NewSink(opts.Stdout, nil, format, sinkOpts)
	} else {
		sink, err = local.Open(cfg.Output, format, sinkOpts)
	}
	if err != nil {
		return sum, &crawl.ConfigurationError{Option: "output", Reason: err.Error()}
	}

	var client *transport.Client
	fetcher := opts.Fetcher
	if fetcher == nil {
		client = transport.New(transport.Options{
			UserAgent:  cfg.UserAgent,
			CacheSize:  cfg.CacheSize,
			CacheTTL:   time.Duration(cfg.CacheTTL),
			HTTPClient: opts.HTTPClient,
			Tracer:     opts.Tracer,
			Logger:     logger,
		})
		fetcher = client
	}
	fetcher = newTracedFetcher(fetcher, logger, wopts)

	var processor core.Processor[crawl.Descriptor, []byte] = core.ProcessFunc[crawl.Descriptor, []byte](fetcher.Fetch)
	failFast := wopts.FailurePolicy == worker.FailurePolicyFailFast
	onResult := func(res worker.Result[crawl.Descriptor, []byte]) error {
		records, missed, err := annotate(job, params, res)
		if err != nil {
			sum.Errors++
			logger.Warn("request failed",
				"seq", res.Input.Seq,
				"attempts", res.Attempts,
				"error", redact.Secrets(err.Error()),
			)
		}
		if missed {
			sum.Misses++
		}
		for _, rec := range records {
			if err := local.EmitSeq(ctx, sink, res.Input.Seq, rec); err != nil {
				return fmt.Errorf("emit record %d: %w", res.Input.Seq, err)
			}
			sum.Records++
		}
		// Fetch failures already stop the pool under fail-fast.
		if err != nil && res.Err == nil && failFast {
			return fmt.Errorf("annotate descriptor %d: %w", res.Input.Seq, err)
		}
		return nil
	}

	_, runErr := worker.ProcessAllWithCallback(ctx, descriptors, processor.Process, onResult, wopts)
	closeErr := sink.Close()
	if client != nil {
		st := client.Stats()
		sum.CacheHits, sum.Fetches = st.Hits, st.Fetches
	}
	sum.Duration = time.Since(runStart)

	if runErr != nil {
		logger.Error("run failed", "error", redact.Secrets(runErr.Error()), "records", sum.Records)
		return sum, runErr
	}
	if closeErr != nil {
		return sum, fmt.Errorf("close output: %w", closeErr)
	}

	logger.Info("run complete",
		"descriptors", sum.Descriptors,
		"records", sum.Records,
		"misses", sum.Misses,
		"errors", sum.Errors,
		"cache_hits", sum.CacheHits,
		"fetches", sum.Fetches,
		"duration", sum.Duration.Round(time.Millisecond),
	)
	if opts.Summary {
		RenderSummary(opts.Stderr, sum)
	}
	return sum, nil
}

// annotate turns one worker result into output records. A failed request or
// an unusable response becomes a single error record and err is set.
func annotate(job *crawl.Job, p crawl.Params, res worker.Result[crawl.Descriptor, []byte]) (records []crawl.Record, missed bool, err error) {
	d := res.Input
	err = res.Err
	if err == nil {
		recs, aerr := job.Annotate(p, res.Output, d)
		if aerr == nil {
			return recs, isMiss(job, recs), nil
		}
		err = aerr
	}
	return []crawl.Record{errorRecord(job, d, err)}, false, err
}

func isMiss(job *crawl.Job, recs []crawl.Record) bool {
	if len(recs) == 0 {
		return true
	}
	if job.Paired {
		return false
	}
	id, ok := recs[0]["stop_id"]
	return ok && id == nil
}

func errorRecord(job *crawl.Job, d crawl.Descriptor, err error) crawl.Record {
	var rec crawl.Record
	if job.Paired {
		rec = crawl.Record{
			"source":      d.Source,
			"destination": d.Destination,
		}
	} else {
		rec = d.Source.Record(len(job.OutputColumns) + 2)
		for _, c := range job.OutputColumns {
			rec[c] = nil
		}
	}
	rec["status"] = "error"
	rec["error"] = redact.Secrets(err.Error())
	return rec
}

// Columns returns the tabular header for a job. Single-sided jobs keep the
// input header in front of the stop fields; paired jobs emit the response
// shape with the originating rows attached.
func Columns(job *crawl.Job, inputHeader []string) []string {
	var cols []string
	if !job.Paired {
		cols = append(cols, inputHeader...)
	}
	add := func(c string) {
		if !slices.Contains(cols, c) {
			cols = append(cols, c)
		}
	}
	for _, c := range job.OutputColumns {
		add(c)
	}
	if job.Paired {
		add("source")
		add("destination")
	}
	add("status")
	add("error")
	return cols
}

// RenderSummary writes the summary as a table.
func RenderSummary(w io.Writer, s Summary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Job", "Descriptors", "Records", "Misses", "Errors", "Cache hits", "Fetches", "Duration"})
	t.AppendRow(table.Row{
		s.Job,
		s.Descriptors,
		s.Records,
		s.Misses,
		s.Errors,
		s.CacheHits,
		s.Fetches,
		s.Duration.Round(time.Millisecond),
	})
	t.SetStyle(table.StyleRounded)
	t.Render()
}
