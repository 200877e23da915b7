// Package sdk provides the client-side library for a cleaker ledger
// deployment. All traffic is HTTP/JSON against the daemon's surface.
package sdk

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

	"github.com/cleaker-dev/cleaker-ledger/pkg/schema"
)

// Client talks to one ledger deployment. It implements the Cleaker
// interface. Safe for concurrent use.
type Client struct {
	origin string
	host   string // optional Host header override for namespace addressing
	httpc  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHost overrides the Host header sent with every request, letting
// a client address a user subdomain namespace (alice.cleaker.me)
// through any reachable origin.
func WithHost(host string) Option {
	return func(c *Client) { c.host = host }
}

// WithHTTPClient swaps the underlying HTTP client (tests, custom TLS).
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) { c.httpc = httpc }
}

// Connect validates the origin URL and returns a client. The origin
// is the deployment's base URL, e.g. "http://localhost:8161".
func Connect(origin string, opts ...Option) (*Client, error) {
	origin = strings.TrimRight(strings.TrimSpace(origin), "/")
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("sdk: invalid origin %q", origin)
	}

	c := &Client{
		origin: origin,
		httpc:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// errorBody is the daemon's uniform failure shape.
type errorBody struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// do sends one request and decodes the response into out. Transport
// errors are retried up to 3 times with backoff; HTTP-level failures
// are not retried (the daemon's writes are not idempotent).
func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("sdk: encode request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.origin+path, reqBody)
		if err != nil {
			return 0, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.host != "" {
			req.Host = c.host
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return resp.StatusCode, fmt.Errorf("sdk: decode response: %w", err)
			}
		}
		if resp.StatusCode >= 500 {
			var e errorBody
			_ = json.Unmarshal(data, &e)
			if e.Error == "" {
				e.Error = resp.Status
			}
			return resp.StatusCode, fmt.Errorf("sdk: server error: %s", e.Error)
		}
		return resp.StatusCode, nil
	}
	return 0, fmt.Errorf("sdk: request failed after 3 attempts: %w", lastErr)
}

// Bootstrap fetches the deployment's addressing hints.
func (c *Client) Bootstrap(ctx context.Context) (schema.BootstrapResponse, error) {
	var out schema.BootstrapResponse
	_, err := c.do(ctx, http.MethodGet, "/__bootstrap", nil, &out)
	return out, err
}

// Append writes one block under the request-derived namespace.
func (c *Client) Append(ctx context.Context, payload map[string]any) (schema.AppendResponse, error) {
	var out schema.AppendResponse
	status, err := c.do(ctx, http.MethodPost, "/", payload, &out)
	if err != nil {
		return out, err
	}
	if status != http.StatusOK {
		return out, fmt.Errorf("sdk: append rejected (status %d)", status)
	}
	return out, nil
}

// Blocks reads the aggregate feed, newest first.
func (c *Client) Blocks(ctx context.Context, q BlockQuery) (schema.BlocksResponse, error) {
	path := "/blocks"
	if q.Selector != "" {
		path = "/" + strings.Trim(q.Selector, "/")
	}

	params := url.Values{}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.IdentityHash != "" {
		params.Set("identityHash", q.IdentityHash)
	}
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var out schema.BlocksResponse
	_, err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Resolve answers a dotted or slash-separated semantic path query.
func (c *Client) Resolve(ctx context.Context, path string) (any, error) {
	urlPath := "/" + strings.Trim(strings.ReplaceAll(path, ".", "/"), "/")

	var out schema.ResolveResponse
	status, err := c.do(ctx, http.MethodGet, urlPath, nil, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrPathNotFound
	}
	return out.Value, nil
}

// ClaimUser claims a username, binding it to an identity hash and
// public key.
func (c *Client) ClaimUser(ctx context.Context, username, identityHash, publicKey string) error {
	body := map[string]any{
		"username":     username,
		"identityHash": identityHash,
		"publicKey":    publicKey,
	}
	var out errorBody
	status, err := c.do(ctx, http.MethodPost, "/users", body, &out)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return ErrUsernameTaken
	}
	return fmt.Errorf("sdk: claim rejected: %s", out.Error)
}

// GetUser looks up a claimed username.
func (c *Client) GetUser(ctx context.Context, username string) (schema.UserResponse, error) {
	var out schema.UserResponse
	status, err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(username), nil, &out)
	if err != nil {
		return out, err
	}
	if status == http.StatusNotFound {
		return out, ErrUserNotFound
	}
	return out, nil
}

// EnrollFace stores a face template for a username. The template may
// be a raw vector or a metadata-wrapped object.
func (c *Client) EnrollFace(ctx context.Context, username string, template any) (schema.EnrollResponse, error) {
	body := map[string]any{"username": username, "template": template}
	var out schema.EnrollResponse
	status, err := c.do(ctx, http.MethodPost, "/faces/enroll", body, &out)
	if err != nil {
		return out, err
	}
	if status != http.StatusOK {
		return out, fmt.Errorf("sdk: enroll rejected (status %d)", status)
	}
	return out, nil
}

// MatchFace scores a probe vector against the username's enrolled
// template. A nil threshold uses the server default.
func (c *Client) MatchFace(ctx context.Context, username string, probe []float64, threshold *float64, version string) (schema.MatchResponse, error) {
	body := map[string]any{"username": username, "template": probe}
	if threshold != nil {
		body["threshold"] = *threshold
	}
	if version != "" {
		body["version"] = version
	}
	var out schema.MatchResponse
	status, err := c.do(ctx, http.MethodPost, "/faces/match", body, &out)
	if err != nil {
		return out, err
	}
	if status != http.StatusOK {
		return out, fmt.Errorf("sdk: match rejected (status %d)", status)
	}
	return out, nil
}
