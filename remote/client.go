// Package remote implements the HTTP client for the central authority that
// edge nodes upload to and resynchronize from.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hupe1980/edgevec/codec"
	"github.com/hupe1980/edgevec/model"
)

const apiKeyHeader = "X-API-Key"

// ErrUnavailable wraps transport-level failures: the authority could not be
// reached at all. Callers treat it as retryable.
var ErrUnavailable = errors.New("remote: authority unavailable")

// StatusError is returned when the authority answered with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote: authority returned status %d: %s", e.StatusCode, e.Body)
}

// Client talks to the central authority. All requests carry the API key
// header and honor the passed context.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	codec      codec.Codec
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, e.g. to set transport
// timeouts or a proxy.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a client for the authority at baseURL.
func New(baseURL, apiKey string, optFns ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
		codec:      codec.Default,
	}
	for _, fn := range optFns {
		fn(c)
	}
	return c
}

// Upsert pushes a batch of points to the authority. A nil error means the
// whole batch was accepted; any failure means none of it may be acked.
func (c *Client) Upsert(ctx context.Context, points []model.Point) error {
	body, err := c.codec.Marshal(points)
	if err != nil {
		return fmt.Errorf("remote: encode batch: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/upsert", nil, body)
	if err != nil {
		return err
	}
	return drain(resp)
}

// FetchFullSnapshot requests a full snapshot of the given shard. The caller
// streams the snapshot from the returned reader and must close it.
func (c *Client) FetchFullSnapshot(ctx context.Context, shardID int) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/snapshots/full", shardQuery(shardID), nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// FetchPartialSnapshot requests a delta on top of the local baseline
// described by manifest. The caller must close the returned reader.
func (c *Client) FetchPartialSnapshot(ctx context.Context, manifest model.Manifest, shardID int) (io.ReadCloser, error) {
	body, err := c.codec.Marshal(map[string]any{"manifest": manifest})
	if err != nil {
		return nil, fmt.Errorf("remote: encode manifest: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/snapshots/partial", shardQuery(shardID), body)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// EnsureCollection asks the authority to create the collection for the given
// vector dimension if it does not exist yet. Safe to call on every startup.
func (c *Client) EnsureCollection(ctx context.Context, dim int) error {
	body, err := c.codec.Marshal(map[string]int{"dimension": dim})
	if err != nil {
		return fmt.Errorf("remote: encode collection request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPut, "/api/collection", nil, body)
	if err != nil {
		return err
	}
	return drain(resp)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("remote: build request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}

	return resp, nil
}

func shardQuery(shardID int) url.Values {
	return url.Values{"shard_id": []string{strconv.Itoa(shardID)}}
}

func drain(resp *http.Response) error {
	defer resp.Body.Close()
	_, err := io.Copy(io.Discard, resp.Body)
	return err
}
