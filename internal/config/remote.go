package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// RemoteProvider is a koanf provider that fetches a namespace document from
// an Apollo style configuration service:
//
//	GET {URL}/configfiles/json/{AppID}/{Cluster}/{Namespace}
//
// The response is a JSON object, either nested or keyed by dotted paths.
type RemoteProvider struct {
	ctx    context.Context
	cfg    RemoteConfig
	client *http.Client
}

// NewRemoteProvider creates a provider bound to ctx for the fetch.
func NewRemoteProvider(ctx context.Context, cfg RemoteConfig, client *http.Client) *RemoteProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteProvider{ctx: ctx, cfg: cfg, client: client}
}

// Endpoint returns the document URL.
func (p *RemoteProvider) Endpoint() string {
	return fmt.Sprintf("%s/configfiles/json/%s/%s/%s",
		strings.TrimSuffix(p.cfg.URL, "/"),
		url.PathEscape(p.cfg.AppID),
		url.PathEscape(p.cfg.Cluster),
		url.PathEscape(p.cfg.Namespace))
}

// ReadBytes fetches the raw document.
func (p *RemoteProvider) ReadBytes() ([]byte, error) {
	ctx := p.ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Endpoint(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating remote config request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching remote config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote config service returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading remote config: %w", err)
	}
	return body, nil
}

// Read is not supported; the document must go through a parser.
func (p *RemoteProvider) Read() (map[string]interface{}, error) {
	return nil, errors.New("remote provider does not support this method")
}
