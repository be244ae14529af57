package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"sharedlog/pkg/entry"
	"sharedlog/pkg/types"
)

const remoteTimeout = 5 * time.Second

// HTTPClient читает блоки и головы лога у другого пира по HTTP
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: remoteTimeout,
		},
	}
}

func (c *HTTPClient) logURL(log string) string {
	return c.baseURL + "/api/logs/" + url.PathEscape(log)
}

// Entry fetches and verifies one entry. Not found is (nil, false, nil).
func (c *HTTPClient) Entry(ctx context.Context, log string, hash types.Hash) (*entry.Entry, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.logURL(log)+"/blocks/"+url.PathEscape(hash), nil)
	if err != nil {
		return nil, false, fmt.Errorf("create GET request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("execute GET request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("GET failed with status %d: %s", resp.StatusCode, string(body))
	}

	e, err := entry.DecodeHash(hash, body)
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// Heads returns the remote heads of log.
func (c *HTTPClient) Heads(ctx context.Context, log string) ([]types.Hash, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.logURL(log)+"/heads", nil)
	if err != nil {
		return nil, fmt.Errorf("create GET request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute GET request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("GET failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Value []types.Hash `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return result.Value, nil
}
