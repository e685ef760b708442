package market

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"metapulse/internal/logging"
)

// DefaultEndpoint is the screener feed of freshly listed token profiles
const DefaultEndpoint = "https://api.dexscreener.com/token-profiles/latest/v1"

// ErrUnexpectedPayload is returned when the feed body has no token list
var ErrUnexpectedPayload = errors.New("unexpected market payload")

// Source fetches the latest market data
type Source interface {
	FetchLatest(ctx context.Context) (Snapshot, error)
}

// Client talks to the DexScreener HTTP API
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *logging.Logger
	now        func() time.Time
}

// NewClient creates a screener client. An empty endpoint uses DefaultEndpoint.
func NewClient(endpoint string, timeout time.Duration, logger *logging.Logger) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.WithComponent("market"),
		now:        time.Now,
	}
}

// FetchLatest downloads and normalizes the current token list
func (c *Client) FetchLatest(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("market request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("market API error (status %d): %s", resp.StatusCode, truncate(body, 200))
	}

	raw, err := decodeRecords(body)
	if err != nil {
		return Snapshot{}, err
	}

	tokens := NormalizeTokens(raw)
	c.logger.Debug("Market feed fetched", "records", len(raw), "tokens", len(tokens))

	return NewSnapshot(tokens, c.now()), nil
}

// decodeRecords accepts a bare array or an object wrapping it in data or profiles
func decodeRecords(body []byte) ([]map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var payload interface{}
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to parse market payload: %w", err)
	}

	var list []interface{}
	switch p := payload.(type) {
	case []interface{}:
		list = p
	case map[string]interface{}:
		if data, ok := p["data"].([]interface{}); ok {
			list = data
		} else if profiles, ok := p["profiles"].([]interface{}); ok {
			list = profiles
		} else {
			return nil, ErrUnexpectedPayload
		}
	default:
		return nil, ErrUnexpectedPayload
	}

	records := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			records = append(records, m)
		}
	}
	return records, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
