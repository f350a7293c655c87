package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/islishude/sett/internal/crypt"
	"github.com/islishude/sett/internal/metadata"
	"github.com/islishude/sett/internal/portal"
)

// Portal approves data transfer requests and keys.
type Portal interface {
	VerifyPackage(ctx context.Context, m metadata.Metadata, fileName string) (string, error)
	KeyStatus(ctx context.Context, fingerprints []string) (map[string]portal.KeyStatus, error)
}

// unknownChecksum stands in for the payload digest before the payload
// exists.
var unknownChecksum = strings.Repeat("0", 64)

func (r *Runner) portalClient() (Portal, error) {
	if r.portal != nil {
		return r.portal, nil
	}
	if strings.TrimSpace(r.cfg.PortalURL) == "" {
		return nil, errors.New("no portal url configured")
	}
	c, err := portal.New(r.cfg.PortalURL)
	if err != nil {
		return nil, err
	}
	r.portal = c
	return c, nil
}

// checkKeyApproval fails unless the portal approved every key in ids.
func (r *Runner) checkKeyApproval(ctx context.Context, ids []crypt.Identity) error {
	p, err := r.portalClient()
	if err != nil {
		return err
	}
	statuses, err := p.KeyStatus(ctx, fingerprints(ids))
	if err != nil {
		return fmt.Errorf("key approval: %w", err)
	}
	var errs []error
	for _, id := range ids {
		if s := statuses[id.Fingerprint]; s != portal.KeyApproved {
			errs = append(errs, fmt.Errorf("key %s is not approved (status %s)", id, s))
		}
	}
	return errors.Join(errs...)
}

// verifyTransfer checks the data transfer request of a package about to be
// built and returns its project code.
func (r *Runner) verifyTransfer(ctx context.Context, log *slog.Logger, m metadata.Metadata) (string, error) {
	if m.TransferID == nil {
		return "", errors.New("a transfer id is required when DTR verification is enabled")
	}
	if m.Purpose == nil {
		return "", errors.New("a purpose is required when DTR verification is enabled")
	}
	p, err := r.portalClient()
	if err != nil {
		return "", err
	}
	code, err := p.VerifyPackage(ctx, m, "missing")
	if err != nil {
		return "", fmt.Errorf("DTR %d: %w", *m.TransferID, err)
	}
	log.Info("DTR verified", "transfer_id", *m.TransferID, "project", code)
	return code, nil
}
