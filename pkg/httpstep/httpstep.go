// Package httpstep implements C4: a single HTTP attempt with timeout,
// response classification, and JSON body parsing. Grounded on
// probe/reporter.go's http.Client+context-timeout shape and
// probe/executor.go's attempt classification, generalized from shell exit
// codes to HTTP status classes.
package httpstep

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/yourorg/workflow-core/pkg/wfstate"
)

// DefaultMaxBodyBytes is §4.4's default cap of 64 MiB on a response body.
const DefaultMaxBodyBytes = 64 << 20

// Request describes one HTTP attempt.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration

	// MaxBodyBytes overrides DefaultMaxBodyBytes when non-zero.
	MaxBodyBytes int64
}

// Attempt is the outcome of one successful HTTP attempt: its status code
// and parsed body. A failed attempt is reported by Do as a classified
// *EngineError instead.
type Attempt struct {
	StatusCode int
	Value      json.RawMessage
}

// Client executes single HTTP attempts. A Client is shared across a
// workflow run to amortize connection pooling (§5 "HTTP connection pooling
// is shared across the workflow").
type Client struct {
	HTTPClient *http.Client
}

// NewClient builds a Client with a shared *http.Client. The Timeout on the
// shared client itself is left at zero; every request carries its own
// context deadline instead, since per-attempt timeouts vary per step.
func NewClient() *Client {
	return &Client{HTTPClient: &http.Client{}}
}

// Do issues one HTTP attempt and classifies the result per §4.4. Dotted-path
// extraction (extract_fields) is applied by C8 once the final — possibly
// polled — response is known, not here.
func (c *Client) Do(ctx context.Context, req Request) (*Attempt, *wfstate.EngineError) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, wfstate.Wrap(wfstate.KindConfigError, err, "failed to build request: %s", err.Error())
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded {
			return nil, wfstate.Wrap(wfstate.KindTimeout, err, "request timed out after %s", timeout)
		}
		if ctx.Err() != nil {
			return nil, wfstate.Wrap(wfstate.KindCancelled, err, "request cancelled")
		}
		return nil, wfstate.Wrap(wfstate.KindNetworkError, err, "%s", err.Error())
	}
	defer resp.Body.Close()

	maxBody := req.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, wfstate.Wrap(wfstate.KindNetworkError, err, "failed reading response body: %s", err.Error())
	}

	class := classify(resp.StatusCode)
	value := parseBody(raw)

	if class == classSuccess {
		return &Attempt{StatusCode: resp.StatusCode, Value: value}, nil
	}

	msg := fmt.Sprintf("unexpected status %d", resp.StatusCode)
	engineErr := wfstate.NewEngineError(wfstate.KindHTTPError, "%s", msg).
		WithHTTPStatus(resp.StatusCode).
		MarkRetryable(class == classRetryable)
	return nil, engineErr
}

type statusClass int

const (
	classSuccess statusClass = iota
	classRetryable
	classNonRetryable
)

func classify(status int) statusClass {
	switch {
	case status >= 200 && status < 300:
		return classSuccess
	case status == http.StatusRequestTimeout, status == 425, status == http.StatusTooManyRequests:
		return classRetryable
	case status >= 500:
		return classRetryable
	default:
		return classNonRetryable
	}
}

// parseBody attempts to parse raw as JSON; on failure it exposes the raw
// text as {"text": "..."} per §4.4.
func parseBody(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage("null")
	}
	var probe interface{}
	if json.Unmarshal(trimmed, &probe) == nil {
		return json.RawMessage(trimmed)
	}
	wrapped, err := json.Marshal(map[string]string{"text": string(raw)})
	if err != nil {
		return json.RawMessage(`{"text":""}`)
	}
	return json.RawMessage(wrapped)
}
