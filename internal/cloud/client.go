package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"irbt-go/internal/retry"
)

// Authenticator signs API requests and can renew its credentials.
// *Session implements it.
type Authenticator interface {
	Discovery() (DiscoveryInfo, error)
	Sign(ctx context.Context, req *http.Request, body []byte) error
	Reauthenticate(ctx context.Context) error
}

// Client issues signed requests against the authenticated API gateway.
// A 403 triggers one re-authentication and one retry of the same request.
type Client struct {
	auth   Authenticator
	http   *http.Client
	policy retry.Policy
	logger *slog.Logger
}

// NewClient creates an API client. A nil httpClient uses http.DefaultClient.
func NewClient(auth Authenticator, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		auth:   auth,
		http:   httpClient,
		logger: logger.With("component", "api"),
	}
	c.policy = retry.Once(IsAuthExpired)
	c.policy.OnRetry = func(_ int, err error) {
		c.logger.Warn("credentials rejected, re-authenticating", "err", err)
	}
	return c
}

// Get fetches a JSON document. segments are joined below the versioned base URL.
func (c *Client) Get(ctx context.Context, segments []string, query url.Values) (json.RawMessage, error) {
	body, err := c.GetRaw(ctx, segments, query)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("cloud GET %s: response is not JSON", strings.Join(segments, "/"))
	}
	return json.RawMessage(body), nil
}

// GetRaw fetches a resource and returns the body without decoding it.
func (c *Client) GetRaw(ctx context.Context, segments []string, query url.Values) ([]byte, error) {
	return c.request(ctx, http.MethodGet, segments, query, nil)
}

// Post sends body as JSON and returns the raw response body.
func (c *Client) Post(ctx context.Context, segments []string, query url.Values, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	return c.request(ctx, http.MethodPost, segments, query, payload)
}

func (c *Client) request(ctx context.Context, method string, segments []string, query url.Values, payload []byte) ([]byte, error) {
	target, err := c.url(segments, query)
	if err != nil {
		return nil, err
	}

	var body []byte
	err = c.policy.Do(ctx,
		func(ctx context.Context) error {
			var err error
			body, err = c.once(ctx, method, target, payload)
			return err
		},
		c.auth.Reauthenticate,
	)

	var rerr *retry.RecoveryError
	if errors.As(err, &rerr) {
		status := http.StatusForbidden
		var trigger *RequestError
		if errors.As(rerr.Trigger, &trigger) {
			status = trigger.Status
		}
		return nil, &RequestError{Method: method, URL: target, Status: status, Err: rerr.Err}
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) once(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.auth.Sign(ctx, req, payload); err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloud %s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("cloud %s %s: read body: %w", method, target, err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("cloud request failed", "method", method, "url", target, "status", resp.StatusCode)
		return nil, &RequestError{Method: method, URL: target, Status: resp.StatusCode}
	}
	return body, nil
}

func (c *Client) url(segments []string, query url.Values) (string, error) {
	disc, err := c.auth.Discovery()
	if err != nil {
		return "", err
	}
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u := disc.AuthBaseURL + "/" + apiVersion + "/" + strings.Join(escaped, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u, nil
}
