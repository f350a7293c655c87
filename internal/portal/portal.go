// Package portal talks to the data transfer portal that approves data
// transfer requests (DTR) and sender keys.
package portal

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

	"github.com/islishude/sett/internal/metadata"
)

const maxResponseSize = 1 << 20

// ErrRejected reports a package or key the portal refused.
var ErrRejected = errors.New("portal: rejected")

// KeyStatus is the approval state the portal holds for a key.
type KeyStatus string

const (
	KeyApproved KeyStatus = "APPROVED"
	KeyPending  KeyStatus = "PENDING"
	KeyRejected KeyStatus = "REJECTED"
	KeyRevoked  KeyStatus = "REVOKED"
	KeyUnknown  KeyStatus = "UNKNOWN"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid portal url %q: %w", baseURL, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("invalid portal url %q: scheme must be http or https", baseURL)
	}
	return &Client{
		BaseURL: strings.TrimSuffix(u.String(), "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type packageRequest struct {
	Metadata string `json:"metadata"`
	FileName string `json:"file_name"`
}

type packageResponse struct {
	ProjectCode string `json:"project_code"`
}

// VerifyPackage asks the portal whether the transfer described by m is
// allowed and returns the project code of its data transfer request.
func (c *Client) VerifyPackage(ctx context.Context, m metadata.Metadata, fileName string) (string, error) {
	doc, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	var out packageResponse
	if err := c.post(ctx, "/backend/data-package/check/", packageRequest{Metadata: string(doc), FileName: fileName}, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.ProjectCode) == "" {
		return "", errors.New("portal response has no project code")
	}
	return out.ProjectCode, nil
}

type keyStatusRequest struct {
	Fingerprints []string `json:"fingerprints"`
}

type keyStatusEntry struct {
	Fingerprint string    `json:"fingerprint"`
	Status      KeyStatus `json:"status"`
}

// KeyStatus returns the approval state of every fingerprint. Keys the
// portal does not list are reported as KeyUnknown.
func (c *Client) KeyStatus(ctx context.Context, fingerprints []string) (map[string]KeyStatus, error) {
	var entries []keyStatusEntry
	if err := c.post(ctx, "/backend/pgpkey/status/", keyStatusRequest{Fingerprints: fingerprints}, &entries); err != nil {
		return nil, err
	}
	out := make(map[string]KeyStatus, len(fingerprints))
	for _, f := range fingerprints {
		out[strings.ToUpper(f)] = KeyUnknown
	}
	for _, e := range entries {
		fpr := strings.ToUpper(e.Fingerprint)
		if _, ok := out[fpr]; ok {
			out[fpr] = e.Status
		}
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("portal request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return err
	}
	if len(data) > maxResponseSize {
		return errors.New("portal response exceeds size limit")
	}
	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: %s", ErrRejected, detail(data, resp.Status))
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("portal returned %s", resp.Status)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding portal response: %w", err)
	}
	return nil
}

// detail extracts the portal's error message, falling back to status.
func detail(data []byte, status string) string {
	var v struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(data, &v) == nil && v.Detail != "" {
		return v.Detail
	}
	return status
}
