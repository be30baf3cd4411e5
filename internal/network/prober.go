package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultProbeTimeout = 5 * time.Second

var errMissingProbeURL = errors.New("network: probe url is required")

// Prober measures the round trip to a reference endpoint.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// HTTPProber issues GET requests against a reference URL.
type HTTPProber struct {
	url    string
	client *http.Client
	clock  func() time.Time
}

// NewHTTPProber constructs a prober. A nil client gets a five second timeout.
func NewHTTPProber(url string, client *http.Client) (*HTTPProber, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil, errMissingProbeURL
	}
	if client == nil {
		client = &http.Client{Timeout: defaultProbeTimeout}
	}
	return &HTTPProber{url: trimmed, client: client, clock: time.Now}, nil
}

// Probe returns the request latency. Transport errors and non-2xx answers are failures.
func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return 0, err
	}
	started := p.clock()
	response, err := p.client.Do(request)
	if err != nil {
		return 0, err
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 64<<10))
	latency := p.clock().Sub(started)
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return latency, fmt.Errorf("network: probe answered %d", response.StatusCode)
	}
	return latency, nil
}
