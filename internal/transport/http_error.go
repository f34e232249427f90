package transport

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shpitdev/routecrawl/pkg/pipeline/redact"
)

// apiErrorEnvelope covers the error bodies of both upstream APIs:
// openrouteservice sends {"error":{"code":..,"message":..}}, VBB REST sends
// {"message":..} or {"msg":..}.
type apiErrorEnvelope struct {
	Message string `json:"message"`
	Msg     string `json:"msg"`
	Error   struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// HTTPError is a sanitized summary of a non-2xx API response.
type HTTPError struct {
	URL        string
	StatusCode int
	Status     string
	Code       int
	Message    string

	// Snippet is a redacted, truncated hint for responses without a known
	// error envelope.
	Snippet string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "http error"
	}
	parts := []string{fmt.Sprintf("api error: url=%s status=%s", e.URL, strings.TrimSpace(e.Status))}
	if e.Code != 0 {
		parts = append(parts, fmt.Sprintf("code=%d", e.Code))
	}
	if strings.TrimSpace(e.Message) != "" {
		parts = append(parts, "message="+strings.TrimSpace(e.Message))
	}
	if strings.TrimSpace(e.Snippet) != "" {
		parts = append(parts, "body="+strings.TrimSpace(e.Snippet))
	}
	return strings.Join(parts, " ")
}

// Retryable reports whether the status is worth another attempt.
func (e *HTTPError) Retryable() bool {
	return e != nil && (e.StatusCode == 429 || e.StatusCode >= 500)
}

func newHTTPError(url string, statusCode int, status string, body []byte) *HTTPError {
	h := &HTTPError{
		URL:        redact.URL(url),
		StatusCode: statusCode,
		Status:     status,
	}

	var env apiErrorEnvelope
	if len(body) > 0 && json.Unmarshal(body, &env) == nil {
		msg := firstNonEmpty(env.Error.Message, env.Message, env.Msg)
		if msg != "" || env.Error.Code != 0 {
			h.Code = env.Error.Code
			h.Message = redact.Secrets(msg)
			return h
		}
	}

	h.Snippet = redactAndTruncate(body)
	return h
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func redactAndTruncate(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	const max = 256
	b := body
	if len(b) > max {
		b = b[:max]
	}
	s := redact.Secrets(string(b))
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(body) > max {
		return s + "..."
	}
	return s
}
