// Package keyserver downloads public keys from a VKS compatible keyserver.
package keyserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/islishude/sett/internal/crypt"
)

const maxKeySize = 1 << 20

var ErrKeyNotFound = fmt.Errorf("keyserver: %w", crypt.ErrKeyNotFound)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid keyserver url %q: %w", baseURL, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("invalid keyserver url %q: scheme must be http or https", baseURL)
	}
	return &Client{
		BaseURL: strings.TrimSuffix(u.String(), "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Fetch returns the key published for fingerprint.
func (c *Client) Fetch(ctx context.Context, fingerprint string) ([]byte, error) {
	fpr, err := crypt.NormalizeFingerprint(fingerprint)
	if err != nil {
		return nil, err
	}
	endpoint := c.BaseURL + "/vks/v1/by-fingerprint/" + url.PathEscape(fpr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("keyserver request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, fpr)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("keyserver returned %s for %s", resp.Status, fpr)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxKeySize {
		return nil, errors.New("keyserver response exceeds size limit")
	}
	return body, nil
}
