// Package github is a small REST client for the GitHub operations the
// pipeline performs: comments, labels, issues and pull requests.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lucasnoah/autopr/internal/config"
)

const apiVersion = "2022-11-28"

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Method     string
	URL        string
	Body       string
	// Retryable is set when the request was retried until the budget ran out.
	Retryable bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github %s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// TransientError wraps a failure that survived every retry.
type TransientError struct {
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient failure (network error or
// retryable status) that exhausted its retries. Everything else is fatal.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// Options configure the retry policy.
type Options struct {
	BaseURL    string
	Token      string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Client talks to the GitHub REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(n int64) int64
	now    func() time.Time
}

// NewClient creates a client. httpClient may be nil.
func NewClient(opts Options, httpClient *http.Client, logger *slog.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.github.com"
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 60 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		http:       httpClient,
		logger:     logger,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		sleep:      sleepCtx,
		jitter:     rand.Int64N,
		now:        time.Now,
	}
}

// NewFromConfig creates a client from the github settings.
func NewFromConfig(cfg config.GitHubConfig, logger *slog.Logger) *Client {
	return NewClient(Options{
		BaseURL:    cfg.BaseURL,
		Token:      cfg.Token,
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay.Std(),
		MaxDelay:   cfg.MaxDelay.Std(),
	}, &http.Client{Timeout: cfg.Timeout.Std()}, logger)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// do sends a request, retrying transient failures, and decodes a JSON
// response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
	}

	endpoint := c.baseURL + path
	for attempt := 0; ; attempt++ {
		resp, err := c.send(ctx, method, endpoint, payload)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !isNetworkError(err) {
				return err
			}
			if attempt >= c.maxRetries {
				return &TransientError{Attempts: attempt + 1, Err: err}
			}
			if err := c.wait(ctx, attempt, nil, method, path, err); err != nil {
				return err
			}
			continue
		}

		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if readErr != nil {
				return fmt.Errorf("read %s %s: %w", method, path, readErr)
			}
			if out != nil && len(data) > 0 {
				if err := json.Unmarshal(data, out); err != nil {
					return fmt.Errorf("decode %s %s: %w", method, path, err)
				}
			}
			return nil
		}

		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Method:     method,
			URL:        endpoint,
			Body:       truncate(strings.TrimSpace(string(data)), 500),
		}
		if !retryableStatus(resp) {
			return apiErr
		}
		apiErr.Retryable = true
		if attempt >= c.maxRetries {
			return &TransientError{Attempts: attempt + 1, Err: apiErr}
		}
		if err := c.wait(ctx, attempt, resp.Header, method, path, apiErr); err != nil {
			return err
		}
	}
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", "autopr")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func (c *Client) wait(ctx context.Context, attempt int, h http.Header, method, path string, cause error) error {
	d := c.backoff(attempt, h)
	c.logger.Warn("github request failed, retrying",
		"method", method, "path", path, "attempt", attempt+1, "delay", d, "error", cause)
	return c.sleep(ctx, d)
}

// backoff is full-jitter exponential backoff unless the response names a delay.
func (c *Client) backoff(attempt int, h http.Header) time.Duration {
	if d, ok := c.serverDelay(h); ok {
		return min(d, c.maxDelay)
	}
	ceiling := c.baseDelay << attempt
	if ceiling <= 0 || ceiling > c.maxDelay {
		ceiling = c.maxDelay
	}
	return time.Duration(c.jitter(int64(ceiling) + 1))
}

func (c *Client) serverDelay(h http.Header) (time.Duration, bool) {
	if h == nil {
		return 0, false
	}
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second, true
		}
		if t, err := http.ParseTime(v); err == nil {
			return max(t.Sub(c.now()), 0), true
		}
	}
	if h.Get("X-RateLimit-Remaining") == "0" {
		if reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil {
			return max(time.Unix(reset, 0).Sub(c.now()), 0), true
		}
	}
	return 0, false
}

func retryableStatus(resp *http.Response) bool {
	switch resp.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	case http.StatusForbidden:
		return resp.Header.Get("X-RateLimit-Remaining") == "0"
	}
	return false
}

// isNetworkError reports whether a transport error is worth retrying: a
// timeout, a failed dial or read, or a connection cut mid-response. Request
// construction errors such as an unsupported scheme are not.
func isNetworkError(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true
		}
		err = urlErr.Err
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func repoPath(owner, repo string) string {
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo)
}

// ValidateIssueNumber checks that an issue number is positive.
func ValidateIssueNumber(n int) error {
	if n <= 0 {
		return fmt.Errorf("invalid issue number %d: must be positive", n)
	}
	return nil
}

// CreateComment posts a comment on an issue.
func (c *Client) CreateComment(ctx context.Context, owner, repo string, number int, body string) error {
	if err := ValidateIssueNumber(number); err != nil {
		return err
	}
	path := fmt.Sprintf("%s/issues/%d/comments", repoPath(owner, repo), number)
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"body": body}, nil); err != nil {
		return fmt.Errorf("create comment on #%d: %w", number, err)
	}
	return nil
}

// AddLabel adds label to an issue.
func (c *Client) AddLabel(ctx context.Context, owner, repo string, number int, label string) error {
	return c.AddLabels(ctx, owner, repo, number, []string{label})
}

// AddLabels adds labels to an issue or pull request.
func (c *Client) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	if err := ValidateIssueNumber(number); err != nil {
		return err
	}
	if len(labels) == 0 {
		return nil
	}
	path := fmt.Sprintf("%s/issues/%d/labels", repoPath(owner, repo), number)
	if err := c.do(ctx, http.MethodPost, path, map[string][]string{"labels": labels}, nil); err != nil {
		return fmt.Errorf("add labels to #%d: %w", number, err)
	}
	return nil
}

// RemoveLabel removes label from an issue. A label that is not present is not an error.
func (c *Client) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	if err := ValidateIssueNumber(number); err != nil {
		return err
	}
	path := fmt.Sprintf("%s/issues/%d/labels/%s", repoPath(owner, repo), number, url.PathEscape(label))
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("remove label %q from #%d: %w", label, number, err)
	}
	return nil
}

// HealthCheck reports whether the API answers with the configured token.
func (c *Client) HealthCheck(ctx context.Context) bool {
	if err := c.do(ctx, http.MethodGet, "/rate_limit", nil, nil); err != nil {
		c.logger.Warn("github health check failed", "error", err)
		return false
	}
	return true
}
