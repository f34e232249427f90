package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/shpitdev/routecrawl/internal/mockapi"
)

func main() {
	addr := defaultString("MOCK_API_ADDR", ":8080")
	apiKey := defaultString("MOCK_API_KEY", "")
	failPaths := defaultString("MOCK_API_FAIL_PATHS", "")

	fs := flag.NewFlagSet("mock-api", flag.ExitOnError)
	fs.StringVar(&addr, "addr", addr, "Listen address")
	fs.StringVar(&apiKey, "api-key", apiKey, "Require this api_key on directions requests (env: MOCK_API_KEY)")
	fs.StringVar(&failPaths, "fail-paths", failPaths, "Comma-separated paths whose first request answers 503 (env: MOCK_API_FAIL_PATHS)")
	_ = fs.Parse(os.Args[1:])

	srv := mockapi.New(nil)
	srv.RequireAPIKey(apiKey)
	for _, p := range splitCSV(failPaths) {
		srv.FailNext(p, http.StatusServiceUnavailable, 1)
	}

	_, _ = fmt.Fprintf(os.Stdout, "mock-api listening on %s (stops=%d)\n", addr, len(mockapi.DefaultStops))
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		v := strings.TrimSpace(p)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func defaultString(envVar string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(envVar))
	if v == "" {
		return fallback
	}
	return v
}
