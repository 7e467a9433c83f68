package source

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/rflorenc/artifact-migration-workbench/internal/metrics"
	"github.com/rflorenc/artifact-migration-workbench/internal/models"
	"github.com/rflorenc/artifact-migration-workbench/internal/secrets"
)

// StatusError is a non-2xx answer that is not worth retrying.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// Options tunes the HTTP client shared by registry implementations.
type Options struct {
	Timeout        time.Duration // per request, 0 = no client timeout
	Retries        uint64
	InitialBackoff time.Duration
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
}

// Client is a retrying HTTP client bound to one source connection.
type Client struct {
	baseURL        string
	kind           string
	cred           secrets.Credential
	httpClient     *http.Client
	retries        uint64
	initialBackoff time.Duration
	metrics        *metrics.Metrics
	log            *zap.Logger
}

// NewClient creates a Client from a Connection and its credential capability.
func NewClient(conn *models.Connection, cred secrets.Credential, opts Options) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if conn.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if cred == nil {
		cred = secrets.Anonymous
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	initial := opts.InitialBackoff
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	return &Client{
		baseURL: conn.BaseURL(),
		kind:    string(conn.Kind),
		cred:    cred,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Re-apply credentials on redirects within the registry
				if len(via) > 0 && req.URL.Host == via[0].URL.Host {
					cred.Authorize(req)
				}
				return nil
			},
		},
		retries:        opts.Retries,
		initialBackoff: initial,
		metrics:        opts.Metrics,
		log:            log.With(zap.String("source", conn.Name)),
	}
}

// resolve turns a registry-relative path into an absolute URL.
func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// Do performs an authenticated GET with retries and returns the open response
// on success. Credentials rejected (401/403) and other 4xx answers are not
// retried; network errors, 429 and 5xx are retried with exponential backoff.
// A transient error that outlasts the retry budget becomes a ConnectionError.
func (c *Client) Do(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	u := c.resolve(path)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var resp *http.Response
	transient := false
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("creating request: %w", err))
		}
		c.cred.Authorize(req)
		req.Header.Set("Accept", "application/json")

		r, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			transient = true
			c.metrics.SourceRequest(c.kind, "error")
			return fmt.Errorf("GET %s: %w", u, err)
		}

		if r.StatusCode >= 200 && r.StatusCode < 300 {
			c.metrics.SourceRequest(c.kind, "ok")
			resp = r
			return nil
		}

		body, _ := io.ReadAll(io.LimitReader(r.Body, 512))
		r.Body.Close()
		statusErr := &StatusError{Method: http.MethodGet, URL: u, Code: r.StatusCode, Body: truncate(string(body), 200)}
		c.metrics.SourceRequest(c.kind, fmt.Sprintf("%dxx", r.StatusCode/100))

		switch {
		case r.StatusCode == http.StatusUnauthorized || r.StatusCode == http.StatusForbidden:
			transient = false
			return backoff.Permanent(&models.ConnectionError{Op: "GET " + path, Auth: true, Err: statusErr})
		case r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500:
			transient = true
			return statusErr
		default:
			transient = false
			return backoff.Permanent(statusErr)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.retries), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		c.log.Debug("retrying source request", zap.String("url", u), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if transient {
			return nil, &models.ConnectionError{Op: "GET " + path, Err: err}
		}
		return nil, err
	}
	return resp, nil
}

// GetJSON performs a retried GET and unmarshals the response into dest.
func (c *Client) GetJSON(ctx context.Context, path string, params url.Values, dest interface{}) (http.Header, error) {
	resp, err := c.Do(ctx, path, params)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return resp.Header, nil
}

// Open streams the body at path. The caller closes the reader.
func (c *Client) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	resp, err := c.Do(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// IsAuthError reports whether err means the registry rejected the credentials.
func IsAuthError(err error) bool {
	var connErr *models.ConnectionError
	return errors.As(err, &connErr) && connErr.Auth
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
