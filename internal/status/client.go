// Package status reads a running node's /statusz endpoint and renders it for
// the `lodge status` command.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dyluth/lodge/internal/health"
)

// DefaultTimeout bounds a single status request.
const DefaultTimeout = 5 * time.Second

// Fetch requests {baseURL}/statusz and decodes the response.
// baseURL may omit the scheme, in which case http is assumed.
func Fetch(ctx context.Context, client *http.Client, baseURL string) (*health.StatusResponse, error) {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if baseURL == "" {
		return nil, fmt.Errorf("status address cannot be empty")
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+"/statusz", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build status request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach node: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("node returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var status health.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}
	return &status, nil
}
