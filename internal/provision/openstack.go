package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds every provisioning HTTP call
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response ends up in logs
const maxErrorBody = 512

// Options configures the OpenStack-style clients
type Options struct {
	Endpoint   string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	// Namer returns a fresh name for each created resource
	Namer func() string
}

type apiClient struct {
	endpoint string
	token    string
	timeout  time.Duration
	http     *http.Client
}

func newAPIClient(opts Options) *apiClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	return &apiClient{
		endpoint: strings.TrimRight(opts.Endpoint, "/"),
		token:    opts.Token,
		timeout:  timeout,
		http:     hc,
	}
}

// do sends one request with its own deadline. A non-2xx status becomes a
// classified *Error; out may be nil when the body is not needed.
func (c *apiClient) do(ctx context.Context, op, method, path string, in, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return 0, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("X-Auth-Token", c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, Classify(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, StatusError(op, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, Classify(op, fmt.Errorf("decode response: %w", err))
		}
	}
	return resp.StatusCode, nil
}

// discard deletes a resource that Acquire will not hand out. When the delete
// fails the resource is recorded as the Orphan of the returned error.
func discard(ctx context.Context, c Client, id string, timeout time.Duration, op string, cause error) *Error {
	pe := Classify(op, cause)
	if err := releaseDetached(ctx, c, id, timeout); err != nil {
		pe.Orphan = id
		pe.OrphanErr = err
	}
	return pe
}

// releaseDetached releases a resource even when ctx is already cancelled
func releaseDetached(ctx context.Context, c Client, id string, timeout time.Duration) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return c.Release(rctx, id)
}
