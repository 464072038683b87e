package dispenser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Confirmer reports a terminal dispense outcome back to the backend.
// The backend call is idempotent per event id, so callers may retry it
// freely after a partition.
type Confirmer interface {
	ConfirmDispense(ctx context.Context, sessionID string, req ConfirmRequest) (*ConfirmResponse, error)
}

type ConfirmRequest struct {
	ProductID  string `json:"product_id"`
	Slot       int    `json:"slot"`
	Success    bool   `json:"success"`
	EventID    string `json:"event_id"`
	RetryCount int    `json:"retry_count,omitempty"`
}

type ConfirmResponse struct {
	AlreadyProcessed bool `json:"already_processed"`
}

type backendClient struct {
	baseURL string
	cli     *http.Client
}

func NewBackendClient(baseURL string) Confirmer {
	return &backendClient{
		baseURL: baseURL,
		cli: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *backendClient) ConfirmDispense(ctx context.Context, sessionID string, in ConfirmRequest) (*ConfirmResponse, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal confirm request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/sessions/%s/confirm", c.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build confirm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("confirm returned status %d", resp.StatusCode)
	}

	var out ConfirmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode confirm response: %w", err)
	}

	return &out, nil
}
