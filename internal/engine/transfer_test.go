package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/islishude/sett/internal/cli"
	"github.com/islishude/sett/internal/compress"
	"github.com/islishude/sett/internal/transfer"
	"github.com/islishude/sett/internal/transfer/sftptest"
)

func TestTransferToMissingDestination(t *testing.T) {
	f := newFixture(t, false)
	src := writeTree(t)
	level := 6
	opts := f.encryptOptions(src)
	opts.CompressionLevel = &level
	report := f.encrypt(t, opts)
	if report.Metadata.CompressionAlgorithm != string(compress.Gzip) {
		t.Fatalf("compression_algorithm = %q", report.Metadata.CompressionAlgorithm)
	}

	srv := sftptest.Start(t, nil)
	root := t.TempDir()
	f.cfg.Connections["dcc"] = transfer.Connection{
		Protocol:       transfer.ProtocolSFTP,
		Host:           srv.Host,
		Port:           srv.Port,
		User:           "chuck",
		DestinationDir: filepath.Join(root, "missing"),
		KeyPath:        srv.KeyPath,
		KnownHosts:     srv.KnownHosts,
		DisableNative:  true,
	}
	_, err := f.runner.Transfer(context.Background(), cli.TransferOptions{
		Packages:   []string{report.Output},
		Connection: "dcc",
	})
	if !errors.Is(err, transfer.ErrDestinationMissing) {
		t.Fatalf("Transfer() error = %v, want ErrDestinationMissing", err)
	}
	assertEmptyDir(t, root)
}

func TestTransferUpload(t *testing.T) {
	f := newFixture(t, false)
	report := f.encrypt(t, f.encryptOptions(writeTree(t)))

	srv := sftptest.Start(t, nil)
	dest := t.TempDir()
	f.cfg.Connections["dcc"] = transfer.Connection{
		Protocol:       transfer.ProtocolSFTP,
		Host:           srv.Host,
		Port:           srv.Port,
		User:           "chuck",
		DestinationDir: dest,
		KeyPath:        srv.KeyPath,
		KnownHosts:     srv.KnownHosts,
		DisableNative:  true,
	}
	got, err := f.runner.Transfer(context.Background(), cli.TransferOptions{
		Packages:   []string{report.Output},
		Connection: "dcc",
		Envelope:   "batch",
	})
	if err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}
	uploaded, err := os.ReadFile(filepath.Join(dest, "batch", filepath.Base(report.Output)))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if int64(len(uploaded)) != report.OutputSize {
		t.Fatalf("uploaded %d bytes, want %d", len(uploaded), report.OutputSize)
	}
	if _, err := os.Stat(filepath.Join(dest, "batch", transfer.SentinelName)); err != nil {
		t.Fatalf("sentinel missing: %v", err)
	}
	if got.Envelope != "batch" {
		t.Fatalf("Transfer() envelope = %s", got.Envelope)
	}
}

func TestTransferRejectsInvalidPackage(t *testing.T) {
	f := newFixture(t, false)
	bogus := filepath.Join(t.TempDir(), "bogus.tar")
	if err := os.WriteFile(bogus, []byte("not a tar"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	_, err := f.runner.Transfer(context.Background(), cli.TransferOptions{
		Packages: []string{bogus},
		To:       "sftp://chuck@example.org/inbox",
		DryRun:   true,
	})
	if err == nil {
		t.Fatalf("Transfer() of an invalid package succeeded")
	}
}

func TestConnectionOverlay(t *testing.T) {
	f := newFixture(t, false)
	f.cfg.Connections["dcc"] = transfer.Connection{
		Protocol:       transfer.ProtocolSFTP,
		Host:           "old.example.org",
		User:           "chuck",
		DestinationDir: "/old",
		KeyPath:        "/keys/id",
	}

	conn, err := f.runner.connection(cli.TransferOptions{Connection: "dcc", To: "sftp://new.example.org/inbox"})
	if err != nil {
		t.Fatalf("connection() error = %v", err)
	}
	if conn.Host != "new.example.org" || conn.DestinationDir != "/inbox" || conn.User != "chuck" || conn.KeyPath != "/keys/id" {
		t.Fatalf("connection() = %+v", conn)
	}

	if _, err := f.runner.connection(cli.TransferOptions{Connection: "dcc", To: "s3://bucket/prefix"}); err == nil {
		t.Fatalf("connection() accepted a protocol mismatch")
	}
	if _, err := f.runner.connection(cli.TransferOptions{Connection: "nope"}); err == nil {
		t.Fatalf("connection() accepted an unknown name")
	}
}
