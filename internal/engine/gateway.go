package engine

import (
	"fmt"
	"log/slog"

	"github.com/islishude/sett/internal/config"
	"github.com/islishude/sett/internal/crypt"
	"github.com/islishude/sett/internal/crypt/modern"
	"github.com/islishude/sett/internal/crypt/pgp"
	"github.com/islishude/sett/internal/keyserver"
)

// NewGateway builds the crypto backend selected by cfg. It is the only
// place legacy_mode is read.
func NewGateway(cfg *config.Config, logger *slog.Logger) (crypt.Gateway, error) {
	var fetcher crypt.KeyFetcher
	if cfg.AutoDownloadKeys && cfg.KeyserverURL != "" {
		ks, err := keyserver.New(cfg.KeyserverURL)
		if err != nil {
			return nil, fmt.Errorf("init keyserver: %w", err)
		}
		fetcher = ks
	}
	if cfg.LegacyMode {
		b, err := pgp.New(pgp.Options{Dir: cfg.PGPDir(), Fetcher: fetcher, AutoDownload: cfg.AutoDownloadKeys})
		if err != nil {
			return nil, err
		}
		logger.Debug("using OpenPGP backend", "keys_dir", cfg.PGPDir())
		return b, nil
	}
	b, err := modern.New(modern.Options{Dir: cfg.SSHDir(), Fetcher: fetcher, AutoDownload: cfg.AutoDownloadKeys})
	if err != nil {
		return nil, err
	}
	logger.Debug("using age backend", "keys_dir", cfg.SSHDir())
	return b, nil
}
