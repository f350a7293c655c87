package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/islishude/sett/internal/archive"
	"github.com/islishude/sett/internal/checksum"
	"github.com/islishude/sett/internal/cli"
	"github.com/islishude/sett/internal/compress"
	"github.com/islishude/sett/internal/crypt"
	"github.com/islishude/sett/internal/metadata"
	"github.com/islishude/sett/internal/progress"
	"github.com/islishude/sett/internal/storage/local"
)

// ErrPayloadChecksum reports a payload whose ciphertext does not match the
// checksum recorded in its signed metadata.
var ErrPayloadChecksum = errors.New("encrypted payload does not match the metadata checksum")

type DecryptReport struct {
	Package string
	// Output is the unpacked directory, or the decrypted archive in
	// decrypt only mode.
	Output   string
	Metadata metadata.Metadata
	Sender   crypt.Identity
	Files    []string
	DryRun   bool
}

// Decrypt opens one package. The signature is verified before anything is
// decrypted, and on failure the output directory created by this call is
// removed.
func (r *Runner) Decrypt(ctx context.Context, pkg string, opts cli.DecryptOptions) (_ *DecryptReport, retErr error) {
	start := r.now()
	log := r.logger.With("workflow", "decrypt", "package", pkg)

	m, sender, err := r.verifyPackage(ctx, pkg, log)
	if err != nil {
		return nil, err
	}
	report := &DecryptReport{Package: pkg, Metadata: m, Sender: sender}

	candidates, err := r.gateway.SecretKeys(m.Recipients)
	if err != nil {
		return nil, fmt.Errorf("package %s: %w; check that you have the right key", pkg, err)
	}
	keys, err := r.unlock(candidates, opts.Password)
	if err != nil {
		return nil, fmt.Errorf("package %s: %w", pkg, err)
	}
	r.state(log, stateKeyMatched)
	parent := opts.OutputDir
	if parent == "" {
		parent = r.cfg.OutputDir
	}
	if parent == "" {
		parent = "."
	}
	if err := local.CheckWritableDir(parent); err != nil {
		return nil, err
	}
	if opts.DryRun {
		report.DryRun = true
		log.Info("dry run completed", "sender", sender.String())
		return report, nil
	}

	dir, err := local.UniqueDir(parent, outputDirName(pkg))
	if err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	log = log.With("output", dir)
	defer func() {
		if retErr == nil {
			return
		}
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("removing partial output", "error", err)
		}
	}()

	comp := compress.FromString(m.CompressionAlgorithm)
	if opts.DecryptOnly {
		out, err := local.CreateOutput(filepath.Join(dir, decryptedName(comp)))
		if err != nil {
			return nil, err
		}
		defer out.Close() //nolint:errcheck
		err = r.decryptPayload(ctx, pkg, m, keys, sender, opts.Password, func(plain io.Reader) error {
			_, err := io.Copy(out, plain)
			return err
		})
		if err != nil {
			return nil, err
		}
		if err := out.Commit(); err != nil {
			return nil, err
		}
		r.state(log, stateDecrypted)
		report.Output = out.Name()
		r.state(log, stateDone)
		log.Info("decryption complete", "duration", r.now().Sub(start))
		return report, nil
	}

	var extracted []string
	err = r.decryptPayload(ctx, pkg, m, keys, sender, opts.Password, func(plain io.Reader) error {
		cr, _, err := compress.NewReader(io.NopCloser(plain), comp, "")
		if err != nil {
			return err
		}
		defer cr.Close() //nolint:errcheck
		if err := archive.UnpackFromStream(ctx, cr, dir, &extracted); err != nil {
			return err
		}
		_, err = io.Copy(io.Discard, cr)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.state(log, stateDecrypted)
	if err := archive.CheckExtracted(dir, extracted); err != nil {
		return nil, err
	}
	r.state(log, stateUnpacked)

	if err := verifyManifest(ctx, dir, r.cfg.MaxCPU); err != nil {
		return nil, fmt.Errorf("package %s: %w", pkg, err)
	}
	r.state(log, stateChecksumVerified)

	report.Output = dir
	report.Files = extracted
	r.state(log, stateDone)
	log.Info("decryption complete", "files", len(extracted), "duration", r.now().Sub(start))
	return report, nil
}

// verifyPackage checks the package shape and its metadata signature.
func (r *Runner) verifyPackage(ctx context.Context, pkg string, log *slog.Logger) (metadata.Metadata, crypt.Identity, error) {
	if err := archive.CheckPackage(pkg); err != nil {
		return metadata.Metadata{}, crypt.Identity{}, err
	}
	r.state(log, stateShapeVerified)
	members, err := archive.ExtractMultiple(pkg, archive.MetadataFile, archive.SignatureFile)
	if err != nil {
		return metadata.Metadata{}, crypt.Identity{}, fmt.Errorf("reading package %s: %w", pkg, err)
	}
	doc, err := members[0].Bytes()
	if err != nil {
		return metadata.Metadata{}, crypt.Identity{}, err
	}
	sig, err := members[1].Bytes()
	if err != nil {
		return metadata.Metadata{}, crypt.Identity{}, err
	}
	m, sender, err := r.signer().Verify(ctx, doc, sig)
	if err != nil {
		return metadata.Metadata{}, crypt.Identity{}, fmt.Errorf("package %s: %w", pkg, err)
	}
	r.state(log, stateSignatureVerified)
	return m, sender, nil
}

// unlock keeps the candidate keys that password opens. A password that
// opens none of them is reported as such, not as a key mismatch.
func (r *Runner) unlock(candidates []crypt.Identity, password []byte) ([]crypt.Identity, error) {
	var (
		keys    []crypt.Identity
		lastErr error
	)
	for _, id := range candidates {
		if err := r.gateway.CheckPassword(id, password); err != nil {
			lastErr = err
			continue
		}
		keys = append(keys, id)
	}
	if len(keys) > 0 {
		return keys, nil
	}
	if errors.Is(lastErr, crypt.ErrWrongPassword) {
		return nil, fmt.Errorf("%w; check your password", lastErr)
	}
	return nil, lastErr
}

// decryptPayload streams the encrypted member through the gateway into
// sink. The ciphertext hash is compared with the metadata after the
// stream has been read to its end, which also completes the embedded
// signature check.
func (r *Runner) decryptPayload(ctx context.Context, pkg string, m metadata.Metadata, keys []crypt.Identity, sender crypt.Identity, password []byte, sink func(io.Reader) error) error {
	rc, size, err := archive.OpenMember(pkg, archive.DataFile)
	if err != nil {
		return err
	}
	defer rc.Close() //nolint:errcheck

	tracker := progress.NewTracker(size, r.Progress)
	hashed := checksum.NewReader(progress.Reader(contextReader{ctx: ctx, r: rc}, tracker))
	plain, err := r.gateway.Decrypt(hashed, keys, sender, password)
	if err != nil {
		return fmt.Errorf("decrypting %s: %w", pkg, err)
	}
	if err := sink(plain); err != nil {
		return fmt.Errorf("decrypting %s: %w", pkg, err)
	}
	if _, err := io.Copy(io.Discard, plain); err != nil {
		return fmt.Errorf("decrypting %s: %w", pkg, err)
	}
	if _, err := io.Copy(io.Discard, hashed); err != nil {
		return fmt.Errorf("reading %s: %w", pkg, err)
	}
	if got := hashed.Sum(); !strings.EqualFold(got, m.Checksum) {
		return fmt.Errorf("%w: %s has %s, metadata records %s", ErrPayloadChecksum, pkg, got, m.Checksum)
	}
	tracker.Complete()
	return nil
}

func verifyManifest(ctx context.Context, dir string, workers int) error {
	f, err := os.Open(filepath.Join(dir, archive.ChecksumFile))
	if err != nil {
		return fmt.Errorf("reading %s: %w", archive.ChecksumFile, err)
	}
	entries, err := checksum.Parse(f)
	_ = f.Close()
	if err != nil {
		return err
	}
	return checksum.Verify(ctx, dir, entries, workers)
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
