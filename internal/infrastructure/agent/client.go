// Package agent talks to the vulnzero node agent over its local HTTP
// API. Every managed asset runs the agent; its Address field is the
// host:port the agent listens on.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vulnzero/vulnzero/rollout-server/internal/domain"
)

type Client struct {
	HTTP *http.Client
	Now  func() time.Time
}

func NewClient() *Client {
	return &Client{
		HTTP: &http.Client{Timeout: 30 * time.Second},
		Now:  time.Now,
	}
}

type patchRequest struct {
	PatchRef string `json:"patch_ref"`
}

func (c *Client) Apply(ctx context.Context, asset domain.Asset, patchRef string) error {
	return c.post(ctx, asset, "/v1/patch/apply", patchRef)
}

func (c *Client) Revert(ctx context.Context, asset domain.Asset, patchRef string) error {
	return c.post(ctx, asset, "/v1/patch/revert", patchRef)
}

func (c *Client) post(ctx context.Context, asset domain.Asset, path, patchRef string) error {
	body, err := json.Marshal(patchRequest{PatchRef: patchRef})
	if err != nil {
		return fmt.Errorf("failed to encode patch request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(asset, path, nil), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("agent call to %s failed: %w", asset.Address, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("agent on %s returned %d: %s", asset.Address, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

type metricsResponse struct {
	Metrics map[string]float64 `json:"metrics"`
}

// Sample reads the requested metrics from the asset's agent. Metrics
// the agent does not report are silently absent from the result.
func (c *Client) Sample(ctx context.Context, asset domain.Asset, metrics []string) ([]domain.MetricPoint, error) {
	q := url.Values{"name": metrics}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(asset, "/v1/metrics", q), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build agent request: %w", err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent call to %s failed: %w", asset.Address, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent on %s returned %d", asset.Address, resp.StatusCode)
	}

	var payload metricsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode metrics from %s: %w", asset.Address, err)
	}

	at := c.Now()
	points := make([]domain.MetricPoint, 0, len(metrics))
	for _, name := range metrics {
		value, ok := payload.Metrics[name]
		if !ok {
			continue
		}
		points = append(points, domain.MetricPoint{Metric: name, Value: value, At: at})
	}
	return points, nil
}

func (c *Client) endpoint(asset domain.Asset, path string, query url.Values) string {
	u := url.URL{Scheme: "http", Host: asset.Address, Path: path}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}
