package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/guseggert/hostgateway/gateway/channel"
	"github.com/guseggert/hostgateway/gateway/command"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Client talks to a gateway over its REST API, and opens channel connections to it.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	tlsClientConfig          *tls.Config
	customizeRetryableClient func(*retryablehttp.Client)
	waitInterval             time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("gateway_client").Sugar()
	}
}

// WithClientTLS makes the client use HTTPS with tlsConfig, see ClientTLSConfig.
func WithClientTLS(tlsConfig *tls.Config) ClientOption {
	return func(c *Client) {
		c.tlsClientConfig = tlsConfig
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the gateway listening on addr ("host:port").
func NewClient(addr string, opts ...ClientOption) *Client {
	c := &Client{
		Logger:       zap.NewNop().Sugar(),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	scheme := "http"
	transport := &http.Transport{}
	if c.tlsClientConfig != nil {
		scheme = "https"
		transport.TLSClientConfig = c.tlsClientConfig
	}
	c.baseURL = fmt.Sprintf("%s://%s", scheme, addr)

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: transport}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c
}

// Channel returns a client for the gateway's event channel that shares this client's transport.
func (c *Client) Channel() *channel.Client {
	return &channel.Client{
		HTTPClient: c.HTTPClient,
		URL:        c.baseURL + "/ws",
		Logger:     c.Logger.Named("channel_client"),
	}
}

// Get fetches path and decodes the JSON response into v. Non-2xx responses with a result body
// are decoded too, and reported as an error.
func (c *Client) Get(ctx context.Context, path string, query url.Values, v any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, u, nil, v)
}

func (c *Client) Post(ctx context.Context, path string, body any, v any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	return c.do(ctx, http.MethodPost, c.baseURL+path, r, v)
}

// StatusError is returned for responses with a non-2xx status code.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status code %d: %s", e.StatusCode, e.Body)
}

func (c *Client) do(ctx context.Context, method, u string, body io.Reader, v any) error {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if v != nil && len(b) > 0 {
		if err := json.Unmarshal(b, v); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return nil
}

func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var health HealthResponse
	err := c.Get(ctx, "/api/linux/health", nil, &health)
	return health, err
}

// Execute runs line through the gateway's security gate. An empty allowed uses the gateway's default list.
func (c *Client) Execute(ctx context.Context, line string, allowed []string) (command.Result, error) {
	var res command.Result
	err := c.Post(ctx, "/api/linux/execute", ExecuteRequest{Command: line, AllowedCommands: allowed}, &res)
	return res, err
}

// Result fetches one of the GET routes that answer with a command result.
func (c *Client) Result(ctx context.Context, path string, query url.Values) (command.Result, error) {
	var res command.Result
	err := c.Get(ctx, path, query, &res)
	return res, err
}

func (c *Client) History(ctx context.Context, limit int) (HistoryResponse, error) {
	var history HistoryResponse
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	err := c.Get(ctx, "/api/history", q, &history)
	return history, err
}

// WaitForServer polls the health route until it answers.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.Health(ctx)
			if err == nil {
				c.Logger.Debug("health check succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got health check error: %s", err)
		}
	}
}
