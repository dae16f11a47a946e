package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/zhaobenny/callcost/cli/internal/config"
	"github.com/zhaobenny/callcost/internal/model"
)

const (
	batchSize = 500
	// Calls logged shortly before the last sync may have been written after
	// it ran; the server ignores the duplicates this resends.
	syncOverlap = time.Hour
)

// Client talks to the callcost server
type Client struct {
	cfg        *config.Config
	httpClient *http.Client
}

// IngestRequest is the body of POST /api/calls
type IngestRequest struct {
	ClientID   string              `json:"client_id"`
	ClientName string              `json:"client_name"`
	Calls      []model.CallSummary `json:"calls"`
}

// IngestResponse represents the ingest API response
type IngestResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
	Inserted   int    `json:"inserted"`
	Duplicates int    `json:"duplicates"`
	Error      string `json:"error,omitempty"`
}

// SyncStatusResponse represents the sync status response
type SyncStatusResponse struct {
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

type feedResponse[T any] struct {
	Status string `json:"status"`
	Data   T      `json:"data"`
	Error  string `json:"error"`
}

// NewClient creates a new sync client
func NewClient(cfg *config.Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := strings.TrimRight(c.cfg.Server, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// GetSyncStatus gets the last sync time from the server
func (c *Client) GetSyncStatus(ctx context.Context) (*time.Time, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/sync/status", url.Values{"client_id": {c.cfg.ClientID}}, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var status SyncStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	if status.Error != "" {
		return nil, fmt.Errorf("%s", status.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	return status.LastSyncAt, nil
}

// Push sends calls to the server in batches and returns how many were newly
// stored and how many the server already had
func (c *Client) Push(ctx context.Context, calls []model.CallSummary) (inserted, duplicates int, err error) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	for start := 0; start < len(calls); start += batchSize {
		end := min(start+batchSize, len(calls))
		resp, err := c.push(ctx, IngestRequest{
			ClientID:   c.cfg.ClientID,
			ClientName: hostname,
			Calls:      calls[start:end],
		})
		if err != nil {
			return inserted, duplicates, err
		}
		inserted += resp.Inserted
		duplicates += resp.Duplicates
	}
	return inserted, duplicates, nil
}

func (c *Client) push(ctx context.Context, body IngestRequest) (*IngestResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/calls", nil, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ingest IngestResponse
	if err := json.NewDecoder(resp.Body).Decode(&ingest); err != nil {
		return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	if !ingest.Success {
		msg := ingest.Error
		if msg == "" {
			msg = ingest.Message
		}
		if msg == "" {
			msg = fmt.Sprintf("server returned status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("%s", msg)
	}

	return &ingest, nil
}

// FetchSummaries reads the call summary feed. Zero since/until leave the
// window open.
func (c *Client) FetchSummaries(ctx context.Context, since, until time.Time) ([]model.CallSummary, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	if !until.IsZero() {
		q.Set("until", until.UTC().Format(time.RFC3339))
	}

	var calls []model.CallSummary
	if err := c.getFeed(ctx, "/analytics/summaries", q, &calls); err != nil {
		return nil, err
	}
	return calls, nil
}

// FetchTotals reads the server-side totals for all stored calls
func (c *Client) FetchTotals(ctx context.Context) (model.Totals, error) {
	var totals model.Totals
	err := c.getFeed(ctx, "/analytics/totals", nil, &totals)
	return totals, err
}

func (c *Client) getFeed(ctx context.Context, path string, q url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	feed := feedResponse[json.RawMessage]{}
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	if feed.Status != "success" {
		if feed.Error == "" {
			return fmt.Errorf("server returned status %d", resp.StatusCode)
		}
		return fmt.Errorf("%s", feed.Error)
	}
	return json.Unmarshal(feed.Data, out)
}

// SelectNew returns the calls to push after lastSync. Calls whose timestamp
// cannot be parsed are always included.
func SelectNew(calls []model.CallSummary, lastSync *time.Time) []model.CallSummary {
	if lastSync == nil {
		return calls
	}
	cutoff := lastSync.Add(-syncOverlap)

	var out []model.CallSummary
	for _, call := range calls {
		ts, ok := model.ParseTimestamp(call.Timestamp, time.UTC)
		if !ok || ts.After(cutoff) {
			out = append(out, call)
		}
	}
	return out
}
