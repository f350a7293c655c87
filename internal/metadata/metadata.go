// Package metadata defines the metadata.json document carried in every
// package and its detached signature.
package metadata

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/islishude/sett/internal/crypt"
)

const (
	Version         = "0.7"
	TimestampLayout = "2006-01-02T15:04:05-0700"
)

type Purpose string

const (
	PurposeProduction Purpose = "PRODUCTION"
	PurposeTest       Purpose = "TEST"
)

// ParsePurpose accepts an empty value as "no purpose".
func ParsePurpose(v string) (*Purpose, error) {
	switch p := Purpose(strings.ToUpper(strings.TrimSpace(v))); p {
	case "":
		return nil, nil
	case PurposeProduction, PurposeTest:
		return &p, nil
	default:
		return nil, fmt.Errorf("invalid purpose %q: expected %s or %s", v, PurposeProduction, PurposeTest)
	}
}

type Metadata struct {
	TransferID           *int     `json:"transfer_id"`
	Sender               string   `json:"sender"`
	Recipients           []string `json:"recipients"`
	Timestamp            string   `json:"timestamp"`
	Checksum             string   `json:"checksum"`
	ChecksumAlgorithm    string   `json:"checksum_algorithm"`
	CompressionAlgorithm string   `json:"compression_algorithm"`
	Purpose              *Purpose `json:"purpose"`
	Version              string   `json:"version"`
}

func FormatTimestamp(t time.Time) string { return t.Format(TimestampLayout) }

func (m Metadata) Time() (time.Time, error) {
	return time.Parse(TimestampLayout, m.Timestamp)
}

func (m Metadata) Validate() error {
	var errs []error
	if _, err := crypt.NormalizeFingerprint(m.Sender); err != nil {
		errs = append(errs, fmt.Errorf("sender: %w", err))
	}
	if len(m.Recipients) == 0 {
		errs = append(errs, errors.New("recipients: at least one is required"))
	}
	for _, r := range m.Recipients {
		if _, err := crypt.NormalizeFingerprint(r); err != nil {
			errs = append(errs, fmt.Errorf("recipients: %w", err))
		}
	}
	if b, err := hex.DecodeString(m.Checksum); err != nil || len(b) != 32 {
		errs = append(errs, fmt.Errorf("checksum: %q is not a SHA-256 digest", m.Checksum))
	}
	if m.ChecksumAlgorithm != "SHA256" {
		errs = append(errs, fmt.Errorf("checksum_algorithm: unsupported %q", m.ChecksumAlgorithm))
	}
	if m.TransferID != nil && *m.TransferID < 0 {
		errs = append(errs, errors.New("transfer_id: must not be negative"))
	}
	if m.Purpose != nil {
		if _, err := ParsePurpose(string(*m.Purpose)); err != nil {
			errs = append(errs, fmt.Errorf("purpose: %w", err))
		}
	}
	if _, err := m.Time(); err != nil {
		errs = append(errs, fmt.Errorf("timestamp: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid metadata: %w", errors.Join(errs...))
	}
	return nil
}

func Encode(m Metadata) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.MarshalIndent(m, "", "  ")
}

func Decode(data []byte) (Metadata, error) {
	var m Metadata
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&m); err != nil {
		return Metadata{}, fmt.Errorf("parsing metadata: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Metadata{}, err
	}
	return m, nil
}
