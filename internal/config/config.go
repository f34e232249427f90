// Package config resolves the options of one crawl run from built-in
// defaults, the environment, an optional YAML or JSON5 file and explicitly
// set command-line flags, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"github.com/shpitdev/routecrawl/internal/crawl"
	"github.com/shpitdev/routecrawl/pkg/pipeline/io/local"
	"github.com/shpitdev/routecrawl/pkg/pipeline/worker"
	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

const (
	DefaultWorkers        = 4
	DefaultMaxRetries     = 3
	DefaultRequestTimeout = 30 * time.Second
	DefaultCacheSize      = 1024
	DefaultCacheTTL       = time.Hour
	DefaultOutput         = "-"
	DefaultLogLevel       = "info"
)

// Duration is a time.Duration that decodes from strings like "30s" in both
// YAML and JSON5 files.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) String() string { return time.Duration(d).String() }

// Config is the full option set of a run. The yaml tag doubles as the file
// key and, with underscores turned into dashes, as the flag name.
type Config struct {
	Job string `yaml:"job" json:"job" validate:"required"`

	APIKey  string `yaml:"api_key" json:"api_key"`
	Profile string `yaml:"profile" json:"profile"`

	SourceCSV      string `yaml:"source_csv" json:"source_csv" validate:"required"`
	DestinationCSV string `yaml:"destination_csv" json:"destination_csv"`

	Departure        string `yaml:"departure" json:"departure"`
	Arrival          string `yaml:"arrival" json:"arrival"`
	ExcludedProducts string `yaml:"excluded_products" json:"excluded_products"`

	ORSBaseURL string `yaml:"ors_base_url" json:"ors_base_url" validate:"omitempty,url"`
	VBBBaseURL string `yaml:"vbb_base_url" json:"vbb_base_url" validate:"omitempty,url"`

	Output string `yaml:"output" json:"output"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=jsonl ndjson json csv msgpack mpk sqlite db"`

	Workers        int      `yaml:"workers" json:"workers" validate:"gte=0"`
	MaxRetries     int      `yaml:"max_retries" json:"max_retries" validate:"gte=0"`
	RequestTimeout Duration `yaml:"request_timeout" json:"request_timeout" validate:"gte=0"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps" json:"rate_limit_rps" validate:"gte=0"`
	FailFast       bool     `yaml:"fail_fast" json:"fail_fast"`

	CacheSize int      `yaml:"cache_size" json:"cache_size" validate:"gte=0"`
	CacheTTL  Duration `yaml:"cache_ttl" json:"cache_ttl" validate:"gte=0"`

	UserAgent string `yaml:"user_agent" json:"user_agent"`
	LogLevel  string `yaml:"log_level" json:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// Defaults returns the built-in option values.
func Defaults() Config {
	return Config{
		Profile:        crawl.DefaultProfile,
		ORSBaseURL:     crawl.DefaultORSBaseURL,
		VBBBaseURL:     crawl.DefaultVBBBaseURL,
		Output:         DefaultOutput,
		Workers:        DefaultWorkers,
		MaxRetries:     DefaultMaxRetries,
		RequestTimeout: Duration(DefaultRequestTimeout),
		CacheSize:      DefaultCacheSize,
		CacheTTL:       Duration(DefaultCacheTTL),
		LogLevel:       DefaultLogLevel,
	}
}

// FromEnv layers the environment over Defaults.
func FromEnv() (Config, error) {
	c := Defaults()
	var err error

	if v := strings.TrimSpace(os.Getenv("ORS_API_KEY")); v != "" {
		c.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if c.Workers, err = envInt("WORKERS", c.Workers); err != nil {
		return Config{}, err
	}
	if c.MaxRetries, err = envInt("MAX_RETRIES", c.MaxRetries); err != nil {
		return Config{}, err
	}
	timeout, err := envDuration("REQUEST_TIMEOUT", time.Duration(c.RequestTimeout))
	if err != nil {
		return Config{}, err
	}
	c.RequestTimeout = Duration(timeout)
	if c.RateLimitRPS, err = envFloat("RATE_LIMIT_RPS", c.RateLimitRPS); err != nil {
		return Config{}, err
	}
	if c.FailFast, err = envBool("FAIL_FAST"); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ReadFile decodes a config file. Files ending in .yaml or .yml are YAML,
// everything else is read as JSON5.
func ReadFile(path string) (Config, error) {
	var out Config
	b, err := os.ReadFile(path)
	if err != nil {
		return out, &crawl.ConfigurationError{Option: "config", Reason: err.Error()}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &out)
	default:
		err = json5.Unmarshal(b, &out)
	}
	if err != nil {
		return out, &crawl.ConfigurationError{Option: "config", Reason: fmt.Sprintf("%s: %v", path, err)}
	}
	return out, nil
}

// Merge overlays the non-zero values of file onto base.
//
// Zero values in the file never win: "workers: 0" or "fail_fast: false"
// keep the base value. Use a flag to force a zero.
func Merge(base, file Config) (Config, error) {
	if err := mergo.Merge(&base, file, mergo.WithOverride); err != nil {
		return Config{}, fmt.Errorf("merge config: %w", err)
	}
	return base, nil
}

// Apply copies the fields of flags whose key was set on the command line
// onto dst. Unlike Merge, zero values are copied too.
func Apply(dst *Config, flags Config, changed func(key string) bool) {
	src := reflect.ValueOf(flags)
	out := reflect.ValueOf(dst).Elem()
	t := src.Type()
	for i := range t.NumField() {
		if changed(Key(t.Field(i))) {
			out.Field(i).Set(src.Field(i))
		}
	}
}

// Key returns the file key of a Config field.
func Key(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
	return name
}

// FlagName turns a file key into its flag spelling.
func FlagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

var validate = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return Key(f)
	})
	return v
}()

// Validate checks the merged config and returns the job it selects. Every
// failure is a *crawl.ConfigurationError.
func (c Config) Validate() (*crawl.Job, error) {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return nil, &crawl.ConfigurationError{Option: fe.Field(), Reason: describe(fe)}
		}
		return nil, &crawl.ConfigurationError{Reason: err.Error()}
	}

	job, ok := crawl.Lookup(c.Job)
	if !ok {
		return nil, &crawl.ConfigurationError{Option: "job", Reason: fmt.Sprintf("unknown job %q", c.Job)}
	}
	if job.Paired && strings.TrimSpace(c.DestinationCSV) == "" {
		return nil, &crawl.ConfigurationError{Option: "destination_csv", Reason: "required for " + job.Name}
	}
	if _, err := c.OutputFormat(); err != nil {
		return nil, &crawl.ConfigurationError{Option: "format", Reason: err.Error()}
	}
	if err := job.Validate(c.Params()); err != nil {
		return nil, err
	}
	return job, nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "url":
		return fmt.Sprintf("%q is not a valid URL", fe.Value())
	case "oneof":
		return fmt.Sprintf("%v is not one of: %s", fe.Value(), fe.Param())
	case "gte":
		return "must be >= " + fe.Param()
	}
	return fmt.Sprintf("failed %q check", fe.Tag())
}

// Params converts the job options.
func (c Config) Params() crawl.Params {
	return crawl.Params{
		ORSBaseURL:       c.ORSBaseURL,
		VBBBaseURL:       c.VBBBaseURL,
		APIKey:           c.APIKey,
		Profile:          c.Profile,
		Departure:        c.Departure,
		Arrival:          c.Arrival,
		ExcludedProducts: crawl.ParseProducts(c.ExcludedProducts),
	}
}

// WorkerOptions converts the pipeline options.
func (c Config) WorkerOptions() worker.Options {
	policy := worker.FailurePolicyPartialOutput
	if c.FailFast {
		policy = worker.FailurePolicyFailFast
	}
	return worker.Options{
		Workers:        c.Workers,
		MaxRetries:     c.MaxRetries,
		RequestTimeout: time.Duration(c.RequestTimeout),
		RateLimitRPS:   c.RateLimitRPS,
		FailurePolicy:  policy,
		Ordered:        true,
	}
}

// OutputFormat resolves --format, falling back to the output extension.
func (c Config) OutputFormat() (local.Format, error) {
	if strings.TrimSpace(c.Format) != "" {
		return local.ParseFormat(c.Format)
	}
	return local.FormatFromPath(c.Output), nil
}

func envInt(varName string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return 0, &crawl.ConfigurationError{Option: varName, Reason: fmt.Sprintf("invalid %q: %v", v, err)}
	}
	return out, nil
}

func envFloat(varName string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, &crawl.ConfigurationError{Option: varName, Reason: fmt.Sprintf("invalid %q: %v", v, err)}
	}
	return out, nil
}

func envDuration(varName string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		return 0, &crawl.ConfigurationError{Option: varName, Reason: fmt.Sprintf("invalid %q: %v", v, err)}
	}
	return out, nil
}

func envBool(varName string) (bool, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return false, nil
	}
	out, err := strconv.ParseBool(v)
	if err != nil {
		return false, &crawl.ConfigurationError{Option: varName, Reason: fmt.Sprintf("invalid %q: %v", v, err)}
	}
	return out, nil
}
