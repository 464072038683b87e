package dispenser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrDispenseFailed means the hardware ran the motor and reported that
// no product came out. Anything else returned from Dispense is a
// transport fault in reaching the hardware, which gets its own retry
// tier.
var ErrDispenseFailed = errors.New("actuator reported dispense failure")

// Actuator drives the physical dispense mechanism. Implementations
// must be safe to call with the same token twice: the token identifies
// the dispatch event so the hardware bridge can ignore duplicates.
type Actuator interface {
	Dispense(ctx context.Context, slot int, token string) error
}

// httpActuator talks to the on-device hardware bridge daemon.
type httpActuator struct {
	baseURL string
	cli     *http.Client
}

func NewHTTPActuator(baseURL string) Actuator {
	return &httpActuator{
		baseURL: baseURL,
		cli: &http.Client{
			Timeout: 30 * time.Second, // motor runs take seconds
		},
	}
}

type dispenseRequest struct {
	Slot  int    `json:"slot"`
	Token string `json:"token"`
}

type dispenseResponse struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

func (a *httpActuator) Dispense(ctx context.Context, slot int, token string) error {
	body, err := json.Marshal(dispenseRequest{Slot: slot, Token: token})
	if err != nil {
		return fmt.Errorf("failed to marshal dispense request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/dispense", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build dispense request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.cli.Do(req)
	if err != nil {
		return fmt.Errorf("actuator unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("actuator returned status %d", resp.StatusCode)
	}

	var out dispenseResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("failed to decode actuator response: %w", err)
	}

	if !out.OK {
		return fmt.Errorf("%w: %s", ErrDispenseFailed, out.Detail)
	}

	return nil
}
