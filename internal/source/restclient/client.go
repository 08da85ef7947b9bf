// Package restclient is the JSON-over-HTTP client shared by the REST
// fetchers. It sends bearer tokens, retries HTTP 429 with backoff and maps
// failures to source.ProviderError.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nhle/inbox-sync/internal/model"
	"github.com/nhle/inbox-sync/internal/source"
)

// ErrorDecoder extracts a readable message from a provider error body.
// It returns "" when the body is not in the provider's error format.
type ErrorDecoder func(body []byte) string

// Client talks to one provider API rooted at baseURL.
type Client struct {
	provider     model.ProviderKind
	baseURL      string
	token        string
	httpClient   *http.Client
	maxRetries   int
	decodeErrors ErrorDecoder
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithErrorDecoder sets the provider-specific error body decoder.
func WithErrorDecoder(d ErrorDecoder) Option {
	return func(c *Client) { c.decodeErrors = d }
}

// WithMaxRetries overrides how many times a 429 is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// New creates a client for provider. token is sent as a Bearer credential.
func New(provider model.ProviderKind, baseURL, token string, opts ...Option) *Client {
	c := &Client{
		provider: provider,
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get performs an HTTP GET with query parameters and decodes the JSON
// response into result.
func (c *Client) Get(
	ctx context.Context,
	path string,
	query url.Values,
	result any,
) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, path, nil, "", result)
}

// Post sends body as JSON and decodes the JSON response into result.
func (c *Client) Post(
	ctx context.Context,
	path string,
	body any,
	result any,
) error {
	var data []byte
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
	}
	return c.do(ctx, http.MethodPost, path, data, "application/json", result)
}

// PostForm sends form as application/x-www-form-urlencoded.
func (c *Client) PostForm(
	ctx context.Context,
	path string,
	form url.Values,
	result any,
) error {
	return c.do(
		ctx, http.MethodPost, path,
		[]byte(form.Encode()), "application/x-www-form-urlencoded",
		result,
	)
}

func (c *Client) do(
	ctx context.Context,
	method string,
	path string,
	body []byte,
	contentType string,
	result any,
) error {
	endpoint := c.baseURL + path

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}

		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("Accept", "application/json")
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return source.NewProviderError(
				c.provider, fmt.Sprintf("%s %s", method, path), err,
			)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return source.NewProviderError(c.provider, "reading response body", readErr)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := retryAfterDuration(resp, attempt)
			lastErr = fmt.Errorf("rate limited (429) on %s %s", method, path)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
				continue
			}
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return source.NewAuthError(
				c.provider,
				fmt.Sprintf("%s rejected the credentials (%d)", c.baseURL, resp.StatusCode),
			)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			msg := ""
			if c.decodeErrors != nil {
				msg = c.decodeErrors(respBody)
			}
			if msg == "" {
				msg = strings.TrimSpace(string(respBody))
			}
			return &source.ProviderError{
				Provider: c.provider,
				Message: fmt.Sprintf(
					"unexpected status %d on %s %s: %s",
					resp.StatusCode, method, path, msg,
				),
			}
		}

		if result == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}

		if err := json.Unmarshal(respBody, result); err != nil {
			return source.NewProviderError(
				c.provider,
				fmt.Sprintf("unmarshaling response from %s %s", method, path),
				err,
			)
		}
		return nil
	}

	return source.NewProviderError(
		c.provider,
		fmt.Sprintf("max retries (%d) exceeded", c.maxRetries),
		lastErr,
	)
}

// retryAfterDuration reads the Retry-After header and falls back to
// exponential backoff capped at 30s.
func retryAfterDuration(resp *http.Response, attempt int) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}

	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}
