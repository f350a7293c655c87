package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/islishude/sett/internal/cli"
	"github.com/islishude/sett/internal/config"
	"github.com/islishude/sett/internal/crypt"
	"github.com/islishude/sett/internal/metadata"
	"github.com/islishude/sett/internal/progress"
	"github.com/islishude/sett/internal/transfer"
)

const (
	ExitSuccess = 0
	ExitWarning = 1
	ExitFatal   = 2
)

// Workflow states, logged as they are reached.
const (
	stateInputValidated    = "INPUT_VALIDATED"
	stateManifestBuilt     = "MANIFEST_BUILT"
	statePayloadCompressed = "PAYLOAD_COMPRESSED"
	statePayloadEncrypted  = "PAYLOAD_ENCRYPTED"
	stateMetadataSigned    = "METADATA_SIGNED"
	stateContainerAssembly = "CONTAINER_ASSEMBLED"

	stateShapeVerified     = "SHAPE_VERIFIED"
	stateSignatureVerified = "SIGNATURE_VERIFIED"
	stateKeyMatched        = "KEY_MATCHED"
	stateDecrypted         = "DECRYPTED"
	stateUnpacked          = "UNPACKED"
	stateChecksumVerified  = "CHECKSUM_VERIFIED"

	stateDone = "DONE"
)

type Runner struct {
	cfg        *config.Config
	gateway    crypt.Gateway
	dispatcher *transfer.Dispatcher
	portal     Portal
	logger     *slog.Logger
	stdout     io.Writer
	now        func() time.Time

	// Progress receives the completed fraction of the running workflow.
	Progress progress.Func
	// TwoFactor answers second factor prompts of transfer servers.
	TwoFactor transfer.TwoFactorFunc
}

type RunResult struct {
	ExitCode int
	Err      error
}

// New builds a runner with the crypto backend and transfer backends
// selected by cfg.
func New(cfg *config.Config, stdout io.Writer, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	gw, err := NewGateway(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init crypto backend: %w", err)
	}
	return NewWithGateway(cfg, gw, stdout, logger), nil
}

func NewWithGateway(cfg *config.Config, gw crypt.Gateway, stdout io.Writer, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if stdout == nil {
		stdout = io.Discard
	}
	return &Runner{
		cfg:        cfg,
		gateway:    gw,
		dispatcher: transfer.NewDispatcher(logger),
		logger:     logger,
		stdout:     stdout,
		now:        time.Now,
	}
}

func (r *Runner) Run(ctx context.Context, opts cli.Options) RunResult {
	if err := opts.Validate(); err != nil {
		return RunResult{ExitCode: ExitFatal, Err: err}
	}
	switch opts.Mode {
	case cli.ModeEncrypt:
		warnings, err := r.runEncrypt(ctx, opts.Encrypt)
		return classifyResult(err, warnings)
	case cli.ModeDecrypt:
		warnings, err := r.runDecrypt(ctx, opts.Decrypt)
		return classifyResult(err, warnings)
	case cli.ModeTransfer:
		warnings, err := r.runTransfer(ctx, opts.Transfer)
		return classifyResult(err, warnings)
	case cli.ModeCheck:
		warnings, err := r.runCheck(ctx, opts.Check)
		return classifyResult(err, warnings)
	default:
		return RunResult{ExitCode: ExitFatal, Err: fmt.Errorf("unsupported mode %q", opts.Mode)}
	}
}

func classifyResult(err error, warnings int) RunResult {
	if err != nil {
		return RunResult{ExitCode: ExitFatal, Err: err}
	}
	if warnings > 0 {
		return RunResult{ExitCode: ExitWarning}
	}
	return RunResult{ExitCode: ExitSuccess}
}

func (r *Runner) runEncrypt(ctx context.Context, opts cli.EncryptOptions) (int, error) {
	report, err := r.Encrypt(ctx, opts)
	if err != nil {
		return 0, err
	}
	if report.DryRun {
		_, _ = fmt.Fprintf(r.stdout, "dry run: would write %s (%d files, %s)\n", report.Output, report.Files, humanize.IBytes(uint64(report.InputSize)))
		return report.Warnings, nil
	}
	_, _ = fmt.Fprintln(r.stdout, report.Output)
	return report.Warnings, nil
}

func (r *Runner) runDecrypt(ctx context.Context, opts cli.DecryptOptions) (int, error) {
	for _, pkg := range opts.Packages {
		report, err := r.Decrypt(ctx, pkg, opts)
		if err != nil {
			return 0, err
		}
		if report.DryRun {
			_, _ = fmt.Fprintf(r.stdout, "dry run: %s can be decrypted (sender %s)\n", pkg, report.Sender)
			continue
		}
		_, _ = fmt.Fprintln(r.stdout, report.Output)
	}
	return 0, nil
}

func (r *Runner) runTransfer(ctx context.Context, opts cli.TransferOptions) (int, error) {
	report, err := r.Transfer(ctx, opts)
	if err != nil {
		return 0, err
	}
	if opts.DryRun {
		_, _ = fmt.Fprintf(r.stdout, "dry run: would upload %d packages as envelope %s\n", len(report.Files), report.Envelope)
		return 0, nil
	}
	_, _ = fmt.Fprintln(r.stdout, report.Location)
	return 0, nil
}

// runCheck checks every package and reports all failures together.
func (r *Runner) runCheck(ctx context.Context, opts cli.CheckOptions) (int, error) {
	var errs []error
	for _, pkg := range opts.Packages {
		report, err := r.Check(ctx, pkg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_, _ = fmt.Fprintf(r.stdout, "%s: ok, signed by %s\n", pkg, report.Sender)
	}
	return 0, errors.Join(errs...)
}

func (r *Runner) signer() metadata.Signer {
	return metadata.Signer{Gateway: r.gateway, Policy: r.cfg.TrustPolicy()}
}

func (r *Runner) state(log *slog.Logger, name string) {
	log.Debug("state reached", "state", name)
}
