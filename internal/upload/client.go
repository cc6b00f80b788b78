// Package upload delivers queued position fixes to the tracking backend
// over HTTP. Protocol selection (single fix vs batch) is the pipeline's
// policy; this client only exposes the two calls.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/overland-data/tripline/internal/trip"
)

const (
	singlePath = "/v1/positions"
	batchPath  = "/v1/positions/batch"
)

// Client uploads fixes to a tripline-compatible backend. Any transport or
// server error is reported uniformly; the caller decides whether to retry.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, e.g. for tests or
// custom timeouts.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient returns a client posting to the given base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type batchRequest struct {
	Positions []trip.PositionFix `json:"positions"`
}

// SendOne uploads a single fix over the single-fix protocol.
func (c *Client) SendOne(ctx context.Context, fix trip.PositionFix) error {
	return c.post(ctx, singlePath, fix)
}

// SendBatch uploads a set of fixes over the batch protocol.
func (c *Client) SendBatch(ctx context.Context, fixes []trip.PositionFix) error {
	return c.post(ctx, batchPath, batchRequest{Positions: fixes})
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: server returned %s", path, resp.Status)
	}
	return nil
}
