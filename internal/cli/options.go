package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/islishude/sett/internal/compress"
	"github.com/islishude/sett/internal/crypt"
	"github.com/islishude/sett/internal/metadata"
)

type Mode string

const (
	ModeNone     Mode = ""
	ModeEncrypt  Mode = "encrypt"
	ModeDecrypt  Mode = "decrypt"
	ModeTransfer Mode = "transfer"
	ModeCheck    Mode = "check"
)

// Options carries one command. Only the struct matching Mode is read.
type Options struct {
	Mode     Mode
	Encrypt  EncryptOptions
	Decrypt  DecryptOptions
	Transfer TransferOptions
	Check    CheckOptions
}

type EncryptOptions struct {
	Files      []string
	Sender     string
	Recipients []string
	TransferID *int
	Purpose    string
	// Output is a directory or a file name. Empty writes to the configured
	// output directory.
	Output           string
	Prefix           string
	Suffix           string
	Compression      string
	CompressionLevel *int
	DryRun           bool
	IgnoreDiskSpace  bool
	Password         []byte
}

type DecryptOptions struct {
	Packages    []string
	OutputDir   string
	DecryptOnly bool
	DryRun      bool
	Password    []byte
}

type TransferOptions struct {
	Packages []string
	// Connection names a configured destination; To is a destination URL
	// overlaid on it, or used alone.
	Connection string
	To         string
	Envelope   string
	DryRun     bool
}

type CheckOptions struct {
	Packages []string
}

func (o Options) Validate() error {
	switch o.Mode {
	case ModeEncrypt:
		return o.Encrypt.Validate()
	case ModeDecrypt:
		return o.Decrypt.Validate()
	case ModeTransfer:
		return o.Transfer.Validate()
	case ModeCheck:
		return o.Check.Validate()
	case ModeNone:
		return errors.New("no command specified")
	default:
		return fmt.Errorf("unsupported command %q", o.Mode)
	}
}

func (o EncryptOptions) Validate() error {
	if len(o.Files) == 0 {
		return errors.New("no input files given")
	}
	if strings.TrimSpace(o.Sender) == "" {
		return errors.New("option --sender is required")
	}
	if _, err := crypt.NormalizeFingerprint(o.Sender); err != nil {
		return fmt.Errorf("option --sender: %w", err)
	}
	if len(o.Recipients) == 0 {
		return errors.New("option --recipient is required")
	}
	for _, r := range o.Recipients {
		if _, err := crypt.NormalizeFingerprint(r); err != nil {
			return fmt.Errorf("option --recipient: %w", err)
		}
	}
	if o.TransferID != nil && *o.TransferID < 0 {
		return errors.New("option --transfer-id must not be negative")
	}
	if _, err := metadata.ParsePurpose(o.Purpose); err != nil {
		return fmt.Errorf("option --purpose: %w", err)
	}
	if o.CompressionLevel != nil {
		if l := *o.CompressionLevel; l < compress.MinLevel || l > compress.MaxLevel {
			return fmt.Errorf("option --compression-level requires an integer between %d and %d", compress.MinLevel, compress.MaxLevel)
		}
	}
	if o.Compression != "" && compress.FromString(o.Compression) == compress.Auto {
		return fmt.Errorf("unsupported compression %q", o.Compression)
	}
	for _, v := range []string{o.Prefix, o.Suffix} {
		if strings.ContainsAny(v, `/\`) {
			return fmt.Errorf("package name part %q must not contain path separators", v)
		}
	}
	return nil
}

func (o DecryptOptions) Validate() error {
	if len(o.Packages) == 0 {
		return errors.New("no package given")
	}
	return nil
}

func (o TransferOptions) Validate() error {
	if len(o.Packages) == 0 {
		return errors.New("no package given")
	}
	if o.Connection == "" && o.To == "" {
		return errors.New("one of --connection or --to is required")
	}
	if strings.ContainsAny(o.Envelope, `/\`) {
		return fmt.Errorf("envelope %q must not contain path separators", o.Envelope)
	}
	return nil
}

func (o CheckOptions) Validate() error {
	if len(o.Packages) == 0 {
		return errors.New("no package given")
	}
	return nil
}

// ParseTransferID reads the optional --transfer-id value.
func ParseTransferID(v string) (*int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	id, err := strconv.Atoi(v)
	if err != nil || id < 0 {
		return nil, fmt.Errorf("option --transfer-id requires a non-negative integer, got %q", v)
	}
	return &id, nil
}

// SplitList expands comma separated flag values, so that --recipient a,b
// and --recipient a --recipient b are equivalent.
func SplitList(values []string) []string {
	var out []string
	for _, v := range values {
		for part := range strings.SplitSeq(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
