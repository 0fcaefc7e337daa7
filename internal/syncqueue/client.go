package syncqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client hands incremental-sync ranges off to the extraction pipeline.
// Fire-and-forget from the caller's perspective: the pipeline owns
// fetching and processing the messages in the range.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type syncTask struct {
	ConnectionID string `json:"connection_id"`
	FromCursor   uint64 `json:"from_cursor"`
	ToCursor     uint64 `json:"to_cursor"`
}

// EnqueueSync submits the (fromCursor, toCursor] history range for the
// connection to the extraction pipeline
func (c *Client) EnqueueSync(ctx context.Context, connectionID string, fromCursor, toCursor uint64) error {
	task := syncTask{
		ConnectionID: connectionID,
		FromCursor:   fromCursor,
		ToCursor:     toCursor,
	}

	jsonData, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal sync task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/internal/sync-tasks", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send sync task: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sync pipeline error (status %d): %s", resp.StatusCode, string(body))
	}

	return nil
}
