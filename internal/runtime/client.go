package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	tethererrors "tether/internal/errors"
	"tether/internal/httpclient"
	"tether/internal/logging"
	"tether/internal/observability"
)

// ErrSessionNotFound is returned when the runtime no longer knows a session.
var ErrSessionNotFound = errors.New("remote session not found")

const (
	// defaultPollTimeout bounds status and message-list calls; they must
	// return quickly to keep the poll loop responsive.
	defaultPollTimeout = 15 * time.Second

	// maxResponseBytes bounds any single runtime response body.
	maxResponseBytes = 32 << 20

	// directoryHeader scopes a call to a workspace directory.
	directoryHeader = "x-directory"
)

// Config configures the runtime client.
type Config struct {
	BaseURL     string
	PollTimeout time.Duration
}

// Client is a thin request/response wrapper around the remote agent runtime
// HTTP API. Prompt calls deliberately carry no response timeout: an agent turn
// can run arbitrarily long and is only ended early via context cancellation.
type Client struct {
	baseURL string
	poll    *http.Client // short timeout, used by status/message polls
	prompt  *http.Client // no timeout, used by prompt calls
	logger  logging.Logger
	tracer  trace.Tracer
}

// Option customizes the client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *Client) { c.logger = logging.OrNop(logger) }
}

// WithTracer sets the tracer used to wrap runtime calls.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// NewClient creates a runtime client for the given base URL.
func NewClient(config Config, opts ...Option) *Client {
	pollTimeout := config.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	c := &Client{
		baseURL: config.BaseURL,
		poll:    httpclient.New(pollTimeout),
		prompt:  httpclient.New(0),
		logger:  logging.Nop(),
		tracer:  tracenoop.NewTracerProvider().Tracer("tether"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health reports whether the runtime answers its health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", "", nil)
	if err != nil {
		return err
	}
	resp, err := c.poll.Do(req)
	if err != nil {
		return fmt.Errorf("runtime unreachable: %w", err)
	}
	return httpclient.DecodeJSON(resp, maxResponseBytes, nil)
}

// CreateSession creates a remote session and returns its identifier.
func (c *Client) CreateSession(ctx context.Context, title, workspaceDir string) (string, error) {
	ctx, span := c.tracer.Start(ctx, observability.SpanRuntimeCreateSession)
	defer span.End()

	body := map[string]string{"title": title}
	req, err := c.newRequest(ctx, http.MethodPost, "/session", workspaceDir, body)
	if err != nil {
		return "", err
	}
	resp, err := c.poll.Do(req)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := httpclient.DecodeJSON(resp, maxResponseBytes, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("create session: runtime returned empty session id")
	}
	return out.ID, nil
}

// GetSession verifies a remote session still exists.
// Returns ErrSessionNotFound when the runtime answers 404.
func (c *Client) GetSession(ctx context.Context, remoteSessionID, workspaceDir string) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/session/"+url.PathEscape(remoteSessionID), workspaceDir, nil)
	if err != nil {
		return err
	}
	resp, err := c.poll.Do(req)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		_ = httpclient.DecodeJSON(resp, maxResponseBytes, nil)
		return ErrSessionNotFound
	}
	if err := checkStatus(resp); err != nil {
		return err
	}
	return httpclient.DecodeJSON(resp, maxResponseBytes, nil)
}

// Prompt sends a prompt to a remote session. The call blocks until the agent
// turn completes; there is no response timeout, cancellation happens solely
// through ctx.
func (c *Client) Prompt(ctx context.Context, remoteSessionID, workspaceDir string, prompt PromptRequest) error {
	ctx, span := c.tracer.Start(ctx, observability.SpanRuntimePrompt)
	defer span.End()

	path := "/session/" + url.PathEscape(remoteSessionID) + "/message"
	req, err := c.newRequest(ctx, http.MethodPost, path, workspaceDir, prompt)
	if err != nil {
		return err
	}
	resp, err := c.prompt.Do(req)
	if err != nil {
		return fmt.Errorf("prompt: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return err
	}
	return httpclient.DecodeJSON(resp, maxResponseBytes, nil)
}

// ListMessages fetches the full message list of a remote session. The runtime
// has no delta API; reconciliation against tracked state happens client-side.
func (c *Client) ListMessages(ctx context.Context, remoteSessionID, workspaceDir string) ([]Message, error) {
	ctx, span := c.tracer.Start(ctx, observability.SpanRuntimeListMessages)
	defer span.End()

	path := "/session/" + url.PathEscape(remoteSessionID) + "/message"
	req, err := c.newRequest(ctx, http.MethodGet, path, workspaceDir, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.poll.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var out []Message
	if err := httpclient.DecodeJSON(resp, maxResponseBytes, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetStatus fetches the status document covering every remote session.
func (c *Client) GetStatus(ctx context.Context, workspaceDir string) (map[string]SessionStatus, error) {
	ctx, span := c.tracer.Start(ctx, observability.SpanRuntimeGetStatus)
	defer span.End()

	req, err := c.newRequest(ctx, http.MethodGet, "/session/status", workspaceDir, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.poll.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	out := make(map[string]SessionStatus)
	if err := httpclient.DecodeJSON(resp, maxResponseBytes, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Abort asks the runtime to stop generating for a session.
func (c *Client) Abort(ctx context.Context, remoteSessionID, workspaceDir string) error {
	ctx, span := c.tracer.Start(ctx, observability.SpanRuntimeAbort)
	defer span.End()

	path := "/session/" + url.PathEscape(remoteSessionID) + "/abort"
	req, err := c.newRequest(ctx, http.MethodPost, path, workspaceDir, nil)
	if err != nil {
		return err
	}
	resp, err := c.poll.Do(req)
	if err != nil {
		return fmt.Errorf("abort: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return err
	}
	return httpclient.DecodeJSON(resp, maxResponseBytes, nil)
}

func (c *Client) newRequest(ctx context.Context, method, path, workspaceDir string, body any) (*http.Request, error) {
	var payload *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		payload = bytes.NewReader(data)
	} else {
		payload = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if workspaceDir != "" {
		req.Header.Set(directoryHeader, workspaceDir)
	}
	return req, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := httpclient.ReadAllWithLimit(resp.Body, 4096)
	_ = resp.Body.Close()
	return &tethererrors.APIError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
}
