// Package config loads the sett YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/islishude/sett/internal/compress"
	"github.com/islishude/sett/internal/crypt"
	"github.com/islishude/sett/internal/transfer"
)

// Config is the top-level configuration
type Config struct {
	// LegacyMode selects the OpenPGP backend instead of age with SSH keys.
	LegacyMode       bool     `yaml:"legacy_mode"`
	KeysDir          string   `yaml:"keys_dir"`
	KeyserverURL     string   `yaml:"keyserver_url"`
	AutoDownloadKeys bool     `yaml:"auto_download_keys"`
	AllowedSigners   []string `yaml:"allowed_signers"`

	// MaxCPU bounds checksum workers; 0 uses every core.
	MaxCPU            int    `yaml:"max_cpu"`
	Compression       string `yaml:"compression"`
	CompressionLevel  int    `yaml:"compression_level"`
	OutputDir         string `yaml:"output_dir"`
	PackageNamePrefix string `yaml:"package_name_prefix"`
	PackageNameSuffix string `yaml:"package_name_suffix"`
	IgnoreDiskSpace   bool   `yaml:"ignore_disk_space"`

	// PortalURL is the data transfer portal consulted by VerifyDTR and
	// VerifyKeyApproval.
	PortalURL         string `yaml:"portal_url"`
	VerifyDTR         bool   `yaml:"verify_dtr"`
	VerifyKeyApproval bool   `yaml:"verify_key_approval"`

	Connections map[string]transfer.Connection `yaml:"connections"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		KeysDir:          defaultKeysDir(),
		KeyserverURL:     "https://keys.openpgp.org",
		AutoDownloadKeys: true,
		Compression:      string(compress.Gzip),
		CompressionLevel: compress.DefaultLevel,
		Connections:      make(map[string]transfer.Connection),
	}
}

func defaultKeysDir() string {
	if d := os.Getenv("XDG_DATA_HOME"); d != "" {
		return filepath.Join(d, "sett", "keys")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".sett", "keys")
	}
	return filepath.Join(home, ".local", "share", "sett", "keys")
}

// Load reads the file at path on top of the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if cfg.Connections == nil {
		cfg.Connections = make(map[string]transfer.Connection)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDefault loads the file FindConfigFile reports, or the defaults with
// environment overrides when there is none.
func LoadDefault() (*Config, error) {
	if path, ok := FindConfigFile(); ok {
		return Load(path)
	}
	cfg := DefaultConfig()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FindConfigFile returns $SETT_CONFIG, or the first existing file among
// $XDG_CONFIG_HOME/sett/config.yaml and ~/.config/sett/config.yaml.
func FindConfigFile() (string, bool) {
	if p := strings.TrimSpace(os.Getenv("SETT_CONFIG")); p != "" {
		return p, true
	}
	var candidates []string
	if d := os.Getenv("XDG_CONFIG_HOME"); d != "" {
		candidates = append(candidates, filepath.Join(d, "sett", "config.yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "sett", "config.yaml"))
	}
	for _, p := range candidates {
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
			return p, true
		}
	}
	return "", false
}

func (c *Config) applyEnv() {
	if v, ok := boolFromEnv("SETT_LEGACY_MODE"); ok {
		c.LegacyMode = v
	}
	c.KeysDir = defaultString(os.Getenv("SETT_KEYS_DIR"), c.KeysDir)
	c.KeyserverURL = defaultString(os.Getenv("SETT_KEYSERVER_URL"), c.KeyserverURL)
	c.OutputDir = defaultString(os.Getenv("SETT_OUTPUT_DIR"), c.OutputDir)
	c.PortalURL = defaultString(os.Getenv("SETT_PORTAL_URL"), c.PortalURL)
	if v, ok := boolFromEnv("SETT_VERIFY_DTR"); ok {
		c.VerifyDTR = v
	}
	if v, ok := intFromEnv("SETT_MAX_CPU"); ok {
		c.MaxCPU = v
	}
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.KeysDir) == "" {
		errs = append(errs, errors.New("keys_dir must not be empty"))
	}
	if c.MaxCPU < 0 {
		errs = append(errs, fmt.Errorf("max_cpu must not be negative, got %d", c.MaxCPU))
	}
	if compress.FromString(c.Compression) == compress.Auto {
		errs = append(errs, fmt.Errorf("unknown compression %q", c.Compression))
	}
	if c.CompressionLevel < compress.MinLevel || c.CompressionLevel > compress.MaxLevel {
		errs = append(errs, fmt.Errorf("compression_level must be between %d and %d, got %d", compress.MinLevel, compress.MaxLevel, c.CompressionLevel))
	}
	if (c.VerifyDTR || c.VerifyKeyApproval) && strings.TrimSpace(c.PortalURL) == "" {
		errs = append(errs, errors.New("portal_url is required when verify_dtr or verify_key_approval is set"))
	}
	for _, fpr := range c.AllowedSigners {
		if _, err := crypt.NormalizeFingerprint(fpr); err != nil {
			errs = append(errs, fmt.Errorf("allowed_signers: %w", err))
		}
	}
	for _, name := range c.ConnectionNames() {
		if err := c.Connections[name].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("connection %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Connection returns the named transfer destination.
func (c *Config) Connection(name string) (transfer.Connection, error) {
	conn, ok := c.Connections[name]
	if !ok {
		return transfer.Connection{}, fmt.Errorf("no connection named %q in the configuration (known: %s)", name, strings.Join(c.ConnectionNames(), ", "))
	}
	return conn, nil
}

func (c *Config) ConnectionNames() []string {
	names := make([]string, 0, len(c.Connections))
	for n := range c.Connections {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// PGPDir holds the OpenPGP keyrings used in legacy mode.
func (c *Config) PGPDir() string { return filepath.Join(c.KeysDir, "pgp") }

// SSHDir holds the SSH keys used by the default backend.
func (c *Config) SSHDir() string { return filepath.Join(c.KeysDir, "ssh") }

func (c *Config) TrustPolicy() crypt.TrustPolicy {
	return crypt.TrustPolicy{AllowedSigners: c.AllowedSigners}
}

func intFromEnv(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	x, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return x, true
}

func boolFromEnv(key string) (bool, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, false
	}
	x, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return x, true
}

func defaultString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
