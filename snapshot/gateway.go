package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultAPIURL is the canonical refinement-service endpoint.
const DefaultAPIURL = "https://api.predicatelabs.com"

// gatewayTimeoutDefault bounds refinement calls unless overridden.
const gatewayTimeoutDefault = 30 * time.Second

// apiURL is the endpoint used for refinement calls; package tests override it.
var apiURL = DefaultAPIURL

// gatewayPayload is the refinement request body.
type gatewayPayload struct {
	RawElements []Element `json:"raw_elements"`
	URL         string    `json:"url"`
	Viewport    *Viewport `json:"viewport,omitempty"`
	Goal        string    `json:"goal,omitempty"`
	Options     *Options  `json:"options,omitempty"`
}

// gatewayErrorBody is the structured error shape the service returns.
type gatewayErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// refineSnapshot POSTs the raw snapshot to the refinement service and returns
// the re-ranked result. Structured service errors come back as *GatewayError.
func refineSnapshot(ctx context.Context, raw *Snapshot, opts *Options) (*Snapshot, error) {
	timeout := gatewayTimeoutDefault
	if opts.GatewayTimeoutS > 0 {
		timeout = time.Duration(opts.GatewayTimeoutS * float64(time.Second))
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload := gatewayPayload{
		RawElements: raw.Elements,
		URL:         raw.URL,
		Viewport:    raw.Viewport,
		Goal:        opts.Goal,
		Options:     opts,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode gateway payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/v1/snapshot", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+opts.APIKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		gerr := &GatewayError{StatusCode: resp.StatusCode, Body: string(respBody)}
		var parsed gatewayErrorBody
		if json.Unmarshal(respBody, &parsed) == nil {
			gerr.Code = parsed.Code
			gerr.Message = parsed.Message
			if gerr.Message == "" {
				gerr.Message = parsed.Error
			}
		}
		if gerr.Message == "" {
			gerr.Message = http.StatusText(resp.StatusCode)
		}
		return nil, gerr
	}

	var snap Snapshot
	if err := json.Unmarshal(respBody, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return &snap, nil
}
