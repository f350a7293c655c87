package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/islishude/sett/internal/progress"
)

// NativeSFTP drives the OpenSSH sftp client in batch mode. All commands of
// an upload share one multiplexed connection. It declines connections that
// need a jump host, a password or an interactive prompt.
type NativeSFTP struct {
	// Binary defaults to "sftp" on PATH.
	Binary string
	run    commandRunner
}

type commandRunner func(ctx context.Context, name string, args []string, stdin string) (stdout, stderr []byte, err error)

func execRunner(ctx context.Context, name string, args []string, stdin string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = strings.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func (NativeSFTP) Name() string { return "sftp-native" }

func (n NativeSFTP) Setup(ctx context.Context, conn Connection, _ UploadOptions, log *slog.Logger) (Session, error) {
	switch {
	case conn.DisableNative:
		return nil, fmt.Errorf("%w: disabled in configuration", ErrSetupUnsupported)
	case conn.JumpHost != "":
		return nil, fmt.Errorf("%w: jump hosts are handled by the library client", ErrSetupUnsupported)
	case conn.Password != "" || conn.KeyPassword != "":
		return nil, fmt.Errorf("%w: password authentication needs a prompt", ErrSetupUnsupported)
	}
	bin := n.Binary
	run := n.run
	if run == nil {
		if bin == "" {
			bin = "sftp"
		}
		p, err := exec.LookPath(bin)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSetupUnsupported, err)
		}
		bin, run = p, execRunner
	}
	ctlDir, err := os.MkdirTemp("", "sett-ssh-")
	if err != nil {
		return nil, err
	}
	fsys := &nativeFS{bin: bin, run: run, conn: conn, control: filepath.Join(ctlDir, "ctl")}
	// The first command opens the master connection. A failure here means this
	// backend cannot authenticate non-interactively.
	if _, err := fsys.batch(ctx, "pwd"); err != nil {
		_ = fsys.exit(ctx)
		_ = os.RemoveAll(ctlDir)
		return nil, fmt.Errorf("%w: %v", ErrSetupUnsupported, err)
	}
	return &nativeSession{fs: fsys, conn: conn, log: log, ctlDir: ctlDir}, nil
}

type nativeSession struct {
	fs     *nativeFS
	conn   Connection
	log    *slog.Logger
	ctlDir string
}

func (s *nativeSession) Upload(ctx context.Context, envelope string, files []File, tracker *progress.Tracker) (string, error) {
	return uploadEnvelope(ctx, s.fs, s.conn.DestinationDir, envelope, files, tracker, s.log)
}

func (s *nativeSession) Close() error {
	if err := s.fs.exit(context.Background()); err != nil {
		s.log.Debug("stopping ssh master connection", "error", err)
	}
	return os.RemoveAll(s.ctlDir)
}

type nativeFS struct {
	bin     string
	run     commandRunner
	conn    Connection
	control string
}

func (f *nativeFS) args() []string {
	args := []string{
		"-b", "-",
		"-o", "BatchMode=yes",
		"-o", "ControlMaster=auto",
		"-o", "ControlPath=" + f.control,
		"-o", "ControlPersist=60",
	}
	if f.conn.Port != 0 {
		args = append(args, "-P", strconv.Itoa(f.conn.Port))
	}
	if f.conn.KeyPath != "" {
		args = append(args, "-i", f.conn.KeyPath)
	}
	if f.conn.KnownHosts != "" {
		args = append(args, "-o", "UserKnownHostsFile="+f.conn.KnownHosts)
	}
	if f.conn.InsecureHostKey {
		args = append(args, "-o", "StrictHostKeyChecking=no")
	}
	return append(args, f.conn.User+"@"+f.conn.Host)
}

// batch runs commands in one sftp invocation, which stops at the first
// failing command.
func (f *nativeFS) batch(ctx context.Context, commands ...string) ([]byte, error) {
	for _, c := range commands {
		if hasControl(c) {
			return nil, fmt.Errorf("refusing sftp command with control characters: %q", c)
		}
	}
	stdout, stderr, err := f.run(ctx, f.bin, f.args(), strings.Join(commands, "\n")+"\n")
	if err != nil {
		return stdout, classifyNative(stderr, err)
	}
	return stdout, nil
}

func (f *nativeFS) exit(ctx context.Context) error {
	args := []string{"-o", "ControlPath=" + f.control, "-O", "exit", f.conn.User + "@" + f.conn.Host}
	_, _, err := f.run(ctx, "ssh", args, "")
	return err
}

func classifyNative(stderr []byte, err error) error {
	msg := strings.TrimSpace(string(stderr))
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "no such file"), strings.Contains(lower, "not found"):
		return fmt.Errorf("%s: %w", msg, fs.ErrNotExist)
	case strings.Contains(lower, "permission denied"):
		return fmt.Errorf("%s: %w", msg, fs.ErrPermission)
	case msg == "":
		return err
	default:
		return fmt.Errorf("%s: %w", msg, err)
	}
}

func quote(p string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(p) + `"`
}

func (f *nativeFS) Stat(ctx context.Context, p string) (remoteInfo, error) {
	// cd succeeds only for directories; ls -ln reports a file's size.
	if _, err := f.batch(ctx, "cd "+quote(p)); err == nil {
		return remoteInfo{IsDir: true}, nil
	}
	out, err := f.batch(ctx, "ls -ln "+quote(p))
	if err != nil {
		return remoteInfo{}, err
	}
	return parseLsLine(out, p)
}

// parseLsLine reads the size column of the line listing p.
func parseLsLine(out []byte, p string) (remoteInfo, error) {
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 9 || strings.HasPrefix(line, "sftp>") {
			continue
		}
		size, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			continue
		}
		return remoteInfo{Size: size, IsDir: strings.HasPrefix(fields[0], "d")}, nil
	}
	return remoteInfo{}, fmt.Errorf("%s: %w", p, fs.ErrNotExist)
}

func (f *nativeFS) Mkdir(ctx context.Context, p string) error {
	_, err := f.batch(ctx, "mkdir "+quote(p))
	return err
}

func (f *nativeFS) Put(ctx context.Context, local File, remote string, tracker *progress.Tracker) error {
	if _, err := f.batch(ctx, "put "+quote(local.Path)+" "+quote(remote)); err != nil {
		return err
	}
	tracker.Add(local.Size)
	return nil
}

func (f *nativeFS) Rename(ctx context.Context, from, to string) error {
	_, err := f.batch(ctx, "rename "+quote(from)+" "+quote(to))
	return err
}

func (f *nativeFS) Remove(ctx context.Context, p string) error {
	_, err := f.batch(ctx, "rm "+quote(p))
	return err
}

func (f *nativeFS) Touch(ctx context.Context, p string) error {
	empty, err := os.CreateTemp("", "sett-empty-")
	if err != nil {
		return err
	}
	_ = empty.Close()
	defer os.Remove(empty.Name()) //nolint:errcheck
	_, err = f.batch(ctx, "put "+quote(empty.Name())+" "+quote(p))
	return err
}
