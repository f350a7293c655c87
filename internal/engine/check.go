package engine

import (
	"context"
	"fmt"

	"github.com/islishude/sett/internal/archive"
	"github.com/islishude/sett/internal/cli"
	"github.com/islishude/sett/internal/crypt"
	"github.com/islishude/sett/internal/locator"
	"github.com/islishude/sett/internal/metadata"
	"github.com/islishude/sett/internal/transfer"
)

type CheckReport struct {
	Package  string
	Metadata metadata.Metadata
	Sender   crypt.Identity
}

// Check verifies the package shape and metadata signature without
// decrypting anything.
func (r *Runner) Check(ctx context.Context, pkg string) (*CheckReport, error) {
	log := r.logger.With("workflow", "check", "package", pkg)
	m, sender, err := r.verifyPackage(ctx, pkg, log)
	if err != nil {
		return nil, err
	}
	log.Info("package is valid", "sender", sender.String(), "recipients", len(m.Recipients))
	return &CheckReport{Package: pkg, Metadata: m, Sender: sender}, nil
}

// Transfer uploads packages as one envelope. Every package must pass the
// shape check before anything is sent.
func (r *Runner) Transfer(ctx context.Context, opts cli.TransferOptions) (*transfer.Report, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	conn, err := r.connection(opts)
	if err != nil {
		return nil, err
	}
	for _, pkg := range opts.Packages {
		if err := archive.CheckPackage(pkg); err != nil {
			return nil, err
		}
	}
	return r.dispatcher.Upload(ctx, conn, opts.Packages, transfer.UploadOptions{
		Envelope:  opts.Envelope,
		Progress:  r.Progress,
		TwoFactor: r.TwoFactor,
		DryRun:    opts.DryRun,
	})
}

// connection resolves the named connection and overlays a --to URL on it.
func (r *Runner) connection(opts cli.TransferOptions) (transfer.Connection, error) {
	var conn transfer.Connection
	if opts.Connection != "" {
		c, err := r.cfg.Connection(opts.Connection)
		if err != nil {
			return transfer.Connection{}, err
		}
		conn = c
	}
	if opts.To != "" {
		ref, err := locator.ParseDestination(opts.To)
		if err != nil {
			return transfer.Connection{}, err
		}
		if opts.Connection != "" && conn.Protocol != transfer.Protocol(ref.Kind) {
			return transfer.Connection{}, fmt.Errorf("--to is a %s destination but connection %q uses %s", ref.Kind, opts.Connection, conn.Protocol)
		}
		conn = ref.Apply(conn)
	}
	return conn, nil
}
