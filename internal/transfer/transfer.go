// Package transfer uploads finished packages to a remote destination.
//
// Every SFTP upload follows the same envelope protocol: a fresh directory
// is created under the destination, each file is written as <name>.part,
// its size is checked and it is renamed into place. An empty done.txt is
// written last and is the only signal that the envelope is complete.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDestinationMissing     = errors.New("destination directory does not exist")
	ErrDestinationNotWritable = errors.New("destination directory is not writable")
	ErrSizeMismatch           = errors.New("uploaded size does not match local size")
	// ErrSetupUnsupported tells the dispatcher to try the next backend.
	ErrSetupUnsupported = errors.New("backend does not support this connection")
)

const (
	SentinelName = "done.txt"
	PartSuffix   = ".part"
	// EnvelopeLayout names envelopes after the upload start time.
	EnvelopeLayout = "20060102T150405"
)

type Protocol string

const (
	ProtocolSFTP        Protocol = "sftp"
	ProtocolS3          Protocol = "s3"
	ProtocolLiquidFiles Protocol = "liquidfiles"
)

// Connection describes one transfer destination. It is read from the
// configuration file and never modified by an upload.
type Connection struct {
	Protocol Protocol `yaml:"protocol"`

	// SFTP
	Host            string `yaml:"host,omitempty"`
	Port            int    `yaml:"port,omitempty"`
	User            string `yaml:"user,omitempty"`
	DestinationDir  string `yaml:"destination_dir,omitempty"`
	KeyPath         string `yaml:"key_path,omitempty"`
	KeyPassword     string `yaml:"key_password,omitempty"`
	Password        string `yaml:"password,omitempty"`
	JumpHost        string `yaml:"jump_host,omitempty"`
	KnownHosts      string `yaml:"known_hosts,omitempty"`
	InsecureHostKey bool   `yaml:"insecure_host_key,omitempty"`
	DisableNative   bool   `yaml:"disable_native,omitempty"`

	// S3
	Bucket       string `yaml:"bucket,omitempty"`
	Prefix       string `yaml:"prefix,omitempty"`
	Region       string `yaml:"region,omitempty"`
	Endpoint     string `yaml:"endpoint,omitempty"`
	AccessKey    string `yaml:"access_key,omitempty"`
	SecretKey    string `yaml:"secret_key,omitempty"`
	SessionToken string `yaml:"session_token,omitempty"`
	PathStyle    bool   `yaml:"path_style,omitempty"`

	// LiquidFiles; Host carries the server URL.
	APIKey     string   `yaml:"api_key,omitempty"`
	Recipients []string `yaml:"recipients,omitempty"`
	Subject    string   `yaml:"subject,omitempty"`
	Message    string   `yaml:"message,omitempty"`
}

func (c Connection) Validate() error {
	var missing []string
	need := func(v, name string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	switch c.Protocol {
	case ProtocolSFTP:
		need(c.Host, "host")
		need(c.User, "user")
		need(c.DestinationDir, "destination_dir")
	case ProtocolS3:
		need(c.Bucket, "bucket")
	case ProtocolLiquidFiles:
		need(c.Host, "host")
		need(c.APIKey, "api_key")
		if len(c.Recipients) == 0 {
			missing = append(missing, "recipients")
		}
	default:
		return fmt.Errorf("unsupported transfer protocol %q", c.Protocol)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s connection is missing %s", c.Protocol, strings.Join(missing, ", "))
	}
	return nil
}

// TwoFactorFunc returns a one time code for the given server prompt. It
// may block until the user answers.
type TwoFactorFunc func(ctx context.Context, prompt string) (string, error)
