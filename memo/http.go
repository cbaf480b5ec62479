package memo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxBodySize bounds how much of a response HTTPFetcher reads.
const maxBodySize = 32 << 20

// HTTPFetcher fetches resources by URL with GET. Non-2xx responses fail.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher using client, or a client with a 30 second
// timeout when client is nil.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFetcher{client: client}
}

func (h *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}
