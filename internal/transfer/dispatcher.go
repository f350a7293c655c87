package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/islishude/sett/internal/progress"
)

// File is one local package queued for upload.
type File struct {
	Path string
	Name string
	Size int64
}

type UploadOptions struct {
	// Envelope overrides the time based envelope directory name.
	Envelope  string
	Progress  progress.Func
	TwoFactor TwoFactorFunc
	DryRun    bool
}

// Backend is one way of reaching a destination. Setup returns
// ErrSetupUnsupported when the backend cannot serve conn, in which case the
// dispatcher moves on to the next backend registered for the protocol.
type Backend interface {
	Name() string
	Setup(ctx context.Context, conn Connection, opts UploadOptions, log *slog.Logger) (Session, error)
}

// Session is a connected backend. Close is always called.
type Session interface {
	Upload(ctx context.Context, envelope string, files []File, tracker *progress.Tracker) (string, error)
	Close() error
}

type Report struct {
	Session  string
	Backend  string
	Envelope string
	// Location is the remote envelope directory, object prefix or message.
	Location string
	Files    []File
	Duration time.Duration
}

type Dispatcher struct {
	logger   *slog.Logger
	backends map[Protocol][]Backend
	now      func() time.Time
}

// NewDispatcher registers the default backends: native OpenSSH sftp ahead
// of the library client, S3 and LiquidFiles.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{logger: logger, backends: map[Protocol][]Backend{}, now: time.Now}
	d.Register(ProtocolSFTP, NativeSFTP{}, LibrarySFTP{})
	d.Register(ProtocolS3, S3{})
	d.Register(ProtocolLiquidFiles, LiquidFiles{})
	return d
}

// Register replaces the ordered backend list for p.
func (d *Dispatcher) Register(p Protocol, backends ...Backend) {
	d.backends[p] = backends
}

// Upload sends paths to conn as one batch. Files are uploaded one at a
// time in the given order.
func (d *Dispatcher) Upload(ctx context.Context, conn Connection, paths []string, opts UploadOptions) (*Report, error) {
	start := d.now()
	if err := conn.Validate(); err != nil {
		return nil, err
	}
	files, err := statFiles(paths)
	if err != nil {
		return nil, err
	}
	envelope := opts.Envelope
	if envelope == "" {
		envelope = start.UTC().Format(EnvelopeLayout)
	}
	if err := validateEnvelope(envelope); err != nil {
		return nil, err
	}
	report := &Report{Session: uuid.NewString(), Envelope: envelope, Files: files}
	log := d.logger.With("session", report.Session, "protocol", string(conn.Protocol), "envelope", envelope)
	if opts.DryRun {
		log.Info("dry run, nothing uploaded", "files", len(files))
		return report, nil
	}

	sess, backend, err := d.setup(ctx, conn, opts, log)
	if err != nil {
		return nil, err
	}
	report.Backend = backend
	log = log.With("backend", backend)
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			log.Warn("closing transfer session", "error", cerr)
		}
	}()

	var total int64
	for _, f := range files {
		total += f.Size
	}
	tracker := progress.NewTracker(total, opts.Progress)
	location, err := sess.Upload(ctx, envelope, files, tracker)
	report.Location = location
	if err != nil {
		return report, err
	}
	tracker.Complete()
	report.Duration = d.now().Sub(start)
	log.Info("transfer complete", "location", location, "duration", report.Duration)
	return report, nil
}

// setup walks the backend list once. The first backend that does not
// report ErrSetupUnsupported is used for the whole batch.
func (d *Dispatcher) setup(ctx context.Context, conn Connection, opts UploadOptions, log *slog.Logger) (Session, string, error) {
	backends := d.backends[conn.Protocol]
	if len(backends) == 0 {
		return nil, "", fmt.Errorf("no transfer backend for protocol %q", conn.Protocol)
	}
	var unsupported []error
	for _, b := range backends {
		sess, err := b.Setup(ctx, conn, opts, log.With("backend", b.Name()))
		if errors.Is(err, ErrSetupUnsupported) {
			log.Info("transfer backend unavailable, trying next", "backend", b.Name(), "reason", err)
			unsupported = append(unsupported, fmt.Errorf("%s: %w", b.Name(), err))
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("connecting with %s: %w", b.Name(), err)
		}
		return sess, b.Name(), nil
	}
	return nil, "", fmt.Errorf("no usable transfer backend: %w", errors.Join(unsupported...))
}

func statFiles(paths []string) ([]File, error) {
	if len(paths) == 0 {
		return nil, errors.New("no files to transfer")
	}
	seen := make(map[string]bool, len(paths))
	files := make([]File, 0, len(paths))
	for _, p := range paths {
		if hasControl(p) {
			return nil, fmt.Errorf("cannot transfer %q: control characters in path", p)
		}
		st, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !st.Mode().IsRegular() {
			return nil, fmt.Errorf("%s is not a regular file", p)
		}
		name := filepath.Base(p)
		if name == SentinelName || seen[name] {
			return nil, fmt.Errorf("cannot transfer %s: name %q is reserved or duplicated", p, name)
		}
		seen[name] = true
		files = append(files, File{Path: p, Name: name, Size: st.Size()})
	}
	return files, nil
}

// hasControl reports whether s holds a control character. Such names
// cannot be passed safely to line based remote commands.
func hasControl(s string) bool {
	return strings.ContainsFunc(s, unicode.IsControl)
}

func validateEnvelope(name string) error {
	if name == "." || name == ".." || strings.ContainsAny(name, "/\\") || hasControl(name) {
		return fmt.Errorf("invalid envelope directory name %q", name)
	}
	return nil
}
