package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/meanderhq/meander-go/internal/event"
)

const (
	trackPath = "/v1/track"
	batchPath = "/v1/batch"

	// Response bodies are diagnostics only; reads stop here.
	maxResponseBytes = 1 << 20
)

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	// Endpoint is the backend base URL, e.g. "https://api.example.com".
	Endpoint string
	// APIKey is sent as the X-Api-Key header on every request.
	APIKey string
	// Client overrides the default http.Client (10s timeout).
	Client *http.Client
}

// HTTP is the production Transport: JSON over HTTP.
type HTTP struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTP creates an HTTP transport.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("transport: endpoint is required")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTP{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		client:   client,
	}, nil
}

// TrackEvent implements Transport.
func (h *HTTP) TrackEvent(ctx context.Context, ev event.Event) (TrackResponse, error) {
	var resp TrackResponse
	if err := h.post(ctx, trackPath, ev, &resp); err != nil {
		return TrackResponse{}, err
	}
	if resp.EventID == "" {
		resp.EventID = ev.ID
	}
	return resp, nil
}

// SendBatch implements Transport.
func (h *HTTP) SendBatch(ctx context.Context, events []event.Event) (BatchResult, error) {
	payload := struct {
		Events []event.Event `json:"events"`
	}{Events: events}

	var result BatchResult
	if err := h.post(ctx, batchPath, payload, &result); err != nil {
		return BatchResult{}, err
	}
	return result, nil
}

func (h *HTTP) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("transport: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("X-Api-Key", h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("transport: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("transport: decode response: %w", err)
		}
	}
	return nil
}
