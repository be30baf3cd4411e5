// Package remote submits batched intents to the system of record.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/records"
	"go.uber.org/zap"
)

const (
	defaultTimeout   = 30 * time.Second
	maxErrorBodySize = 4 << 10
	// StatusFulfilled marks an item the remote accepted.
	StatusFulfilled = "fulfilled"
	// StatusRejected marks an item the remote refused.
	StatusRejected = "rejected"
)

var (
	errMissingBaseURL = errors.New("remote: base url is required")
	errMissingTokens  = errors.New("remote: token source is required")
)

// RemoteError reports a non-success HTTP answer for a whole batch.
type RemoteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote: unexpected status %d: %s", e.StatusCode, e.Body)
}

// TokenSource provides the bearer credential for each call.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Outcome is the remote's verdict for one submitted item.
type Outcome struct {
	Status   string             `json:"status"`
	EntityID string             `json:"entityId"`
	Type     records.EntityType `json:"type"`
	Error    string             `json:"error,omitempty"`
}

// Fulfilled reports whether the remote applied the item.
func (o Outcome) Fulfilled() bool {
	return strings.EqualFold(o.Status, StatusFulfilled)
}

type submitRequest struct {
	Items []json.RawMessage `json:"items"`
}

type wrappedOutcomes struct {
	Results []Outcome `json:"results"`
}

// ClientConfig wires the remote client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     TokenSource
	Logger     *zap.Logger
}

// Client posts one request per entity type and operation pair.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	tokens     TokenSource
	logger     *zap.Logger
}

// NewClient validates the base URL and applies defaults.
func NewClient(cfg ClientConfig) (*Client, error) {
	trimmed := strings.TrimSpace(cfg.BaseURL)
	if trimmed == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(strings.TrimRight(trimmed, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("remote: base url %q must be absolute", trimmed)
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokens
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: parsed, httpClient: httpClient, tokens: cfg.Tokens, logger: logger}, nil
}

// Submit posts items to /api/{type}/{operation} and returns the per-item outcomes.
func (c *Client) Submit(ctx context.Context, entityType records.EntityType, operation records.Operation, items []json.RawMessage) ([]Outcome, error) {
	body, err := json.Marshal(submitRequest{Items: items})
	if err != nil {
		return nil, err
	}
	endpoint := c.baseURL.JoinPath("api", entityType.String(), string(operation))

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("remote: token unavailable: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodySize))
		remoteErr := &RemoteError{StatusCode: response.StatusCode, Body: strings.TrimSpace(string(snippet))}
		c.logger.Warn("remote batch refused",
			zap.String("entity_type", entityType.String()),
			zap.String("operation", string(operation)),
			zap.Int("status", response.StatusCode))
		return nil, remoteErr
	}

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}
	return decodeOutcomes(payload)
}

func decodeOutcomes(payload []byte) ([]Outcome, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return []Outcome{}, nil
	}
	if trimmed[0] == '[' {
		var outcomes []Outcome
		if err := json.Unmarshal(trimmed, &outcomes); err != nil {
			return nil, fmt.Errorf("remote: undecodable outcomes: %w", err)
		}
		return outcomes, nil
	}
	var wrapped wrappedOutcomes
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("remote: undecodable outcomes: %w", err)
	}
	if wrapped.Results == nil {
		return []Outcome{}, nil
	}
	return wrapped.Results, nil
}
