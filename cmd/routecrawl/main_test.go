package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shpitdev/routecrawl/internal/crawl"
	"github.com/shpitdev/routecrawl/internal/mockapi"
	"github.com/shpitdev/routecrawl/internal/version"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestExitCode(t *testing.T) {
	require.Equal(t, exitOK, exitCode(nil))
	require.Equal(t, exitUsage, exitCode(&crawl.ConfigurationError{Option: "x", Reason: "y"}))
	require.Equal(t, exitUsage, exitCode(&runtimeError{err: &crawl.InputDataError{Reason: "empty"}}))
	require.Equal(t, exitRuntime, exitCode(&runtimeError{err: errors.New("boom")}))
	require.Equal(t, exitUsage, exitCode(errors.New(`unknown flag: --nope`)))
}

func TestVersion(t *testing.T) {
	code, stdout, _ := run(t, "version")
	require.Equal(t, exitOK, code)
	require.Equal(t, version.Current+"\n", stdout)
}

func TestUsageErrors(t *testing.T) {
	code, _, _ := run(t)
	require.Equal(t, exitUsage, code)

	code, _, _ = run(t, "teleport")
	require.Equal(t, exitUsage, code)

	code, _, _ = run(t, "stops-by-radius", "--nope")
	require.Equal(t, exitUsage, code)
}

func TestMissingOptionIsConfigurationError(t *testing.T) {
	t.Setenv("ORS_API_KEY", "")

	src := writeFile(t, "src.csv", "lat,lng\n52.52,13.40\n")
	code, _, stderr := run(t, "directions", "--source-csv", src, "--destination-csv", src)
	require.Equal(t, exitUsage, code)
	require.Contains(t, stderr, "configuration error: api_key: required")
}

func TestErrorTextKeepsOptionName(t *testing.T) {
	err := &runtimeError{err: &crawl.ConfigurationError{Option: "api_key", Reason: "required for the directions job"}}
	require.Equal(t, "configuration error: api_key: required for the directions job", errorText(err))

	err = &runtimeError{err: &crawl.ConfigurationError{Option: "config", Reason: "run.yaml: bad value api_key=s3cr3t"}}
	got := errorText(err)
	require.True(t, strings.HasPrefix(got, "configuration error: config: "), got)
	require.NotContains(t, got, "s3cr3t")

	require.NotContains(t, errorText(errors.New("GET /x?api_key=s3cr3t: 403")), "s3cr3t")
}

func TestStopsByRadiusAgainstMock(t *testing.T) {
	mock := mockapi.New(nil)
	ts := httptest.NewServer(mock.Handler())
	defer ts.Close()

	src := writeFile(t, "src.csv", "lat,lng\n52.521508,13.411267\n")
	code, stdout, stderr := run(t, "stops-by-radius",
		"--source-csv", src,
		"--vbb-base-url", ts.URL,
		"--log-level", "error",
	)
	require.Equal(t, exitOK, code, stderr)
	require.Contains(t, stdout, `"stop_id":"900000100003"`)
	require.Len(t, mock.Calls(), 1)
}

func TestConfigFileWithFlagOverride(t *testing.T) {
	mock := mockapi.New(nil)
	ts := httptest.NewServer(mock.Handler())
	defer ts.Close()

	src := writeFile(t, "src.csv", "lat,lng\n52.521508,13.411267\n")
	cfgPath := writeFile(t, "run.yaml", "source_csv: "+src+"\nvbb_base_url: http://127.0.0.1:1\nworkers: 2\n")

	code, stdout, stderr := run(t, "stops-by-radius",
		"--config", cfgPath,
		"--vbb-base-url", ts.URL,
		"--dry-run",
	)
	require.Equal(t, exitOK, code, stderr)
	require.True(t, strings.HasPrefix(stdout, ts.URL+"/stops/nearby?"), stdout)
	require.Empty(t, mock.Calls())
}

func TestRuntimeFailureExitsOne(t *testing.T) {
	mock := mockapi.New(nil)
	mock.FailNext("/stops/nearby", 400, 1)
	ts := httptest.NewServer(mock.Handler())
	defer ts.Close()

	src := writeFile(t, "src.csv", "lat,lng\n52.521508,13.411267\n")
	code, _, stderr := run(t, "stops-by-radius",
		"--source-csv", src,
		"--vbb-base-url", ts.URL,
		"--fail-fast",
		"--log-level", "error",
	)
	require.Equal(t, exitRuntime, code)
	require.Contains(t, stderr, "status=400")
}
