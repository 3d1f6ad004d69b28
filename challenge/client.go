// Package challenge fetches one-time nonces from the verification server.
package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// ErrNetwork is returned for transport failures, non-2xx responses and
// malformed challenge bodies.
var ErrNetwork = errors.New("challenge: network error")

// DefaultPath is the challenge endpoint relative to BaseURL.
const DefaultPath = "/challenge"

const maxBodySize = 64 << 10

// Client fetches nonces with a single HTTP GET. It does not retry; retry
// policy belongs to the caller.
type Client struct {
	// BaseURL of the verification server including scheme.
	BaseURL string

	// Path overrides DefaultPath when set.
	Path string

	// HTTPClient to use. Nil selects http.DefaultClient.
	HTTPClient *http.Client
}

type challengeResponse struct {
	Nonce string `json:"nonce"`
}

// FetchNonce requests a fresh nonce.
func (c *Client) FetchNonce(ctx context.Context) (string, error) {
	path := c.Path
	if path == "" {
		path = DefaultPath
	}
	uri, err := url.JoinPath(c.BaseURL, path)
	if err != nil {
		return "", fmt.Errorf("parsing challenge URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", fmt.Errorf("creating challenge request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: requesting challenge: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", fmt.Errorf("%w: reading challenge response: %v", ErrNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: challenge endpoint returned %d: %s", ErrNetwork, resp.StatusCode, string(body))
	}

	var parsed challengeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: parsing challenge response: %v", ErrNetwork, err)
	}
	if parsed.Nonce == "" {
		return "", fmt.Errorf("%w: challenge response has no nonce", ErrNetwork)
	}
	return parsed.Nonce, nil
}
