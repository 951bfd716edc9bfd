package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fleetdesk/fleettrack/internal/tracking"
	"github.com/fleetdesk/fleettrack/pkg/core"
)

// Client talks to a running fleettrack server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Healthcheck checks if the server is reachable and ready.
func (c *Client) Healthcheck(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil)
}

// State returns the controller status.
func (c *Client) State(ctx context.Context) (tracking.Status, error) {
	var st tracking.Status
	err := c.do(ctx, http.MethodGet, "/api/state", &st)
	return st, err
}

// Entities lists tracked vehicles matching query.
func (c *Client) Entities(ctx context.Context, query string) ([]core.TrackedEntity, error) {
	path := "/api/entities"
	if query != "" {
		path += "?q=" + url.QueryEscape(query)
	}
	var out []core.TrackedEntity
	err := c.do(ctx, http.MethodGet, path, &out)
	return out, err
}

// Select makes id the selected vehicle on the server's map.
func (c *Client) Select(ctx context.Context, id string) (core.TrackedEntity, error) {
	var out core.TrackedEntity
	err := c.do(ctx, http.MethodPost, "/api/entities/"+url.PathEscape(id)+"/select", &out)
	return out, err
}

// HistoryReport is the decoded history endpoint response.
type HistoryReport struct {
	Path   core.HistoryPath `json:"path"`
	Length float64          `json:"lengthMeters"`
}

// History reads the trailing window for id without drawing it.
func (c *Client) History(ctx context.Context, id string, hours int) (HistoryReport, error) {
	path := "/api/entities/" + url.PathEscape(id) + "/history"
	if hours > 0 {
		path += "?hours=" + strconv.Itoa(hours)
	}
	var out HistoryReport
	err := c.do(ctx, http.MethodGet, path, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var body errorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(raw, &body) == nil && body.Error != "" {
			return fmt.Errorf("%s %s returned status %d: %s", method, path, resp.StatusCode, body.Error)
		}
		return fmt.Errorf("%s %s returned status %d", method, path, resp.StatusCode)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
