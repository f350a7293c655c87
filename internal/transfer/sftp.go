package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/islishude/sett/internal/progress"
)

// LibrarySFTP speaks SSH and SFTP in process. It handles every connection
// the native backend declines: jump hosts, passwords and interactive second
// factors.
type LibrarySFTP struct{}

func (LibrarySFTP) Name() string { return "sftp-library" }

func (LibrarySFTP) Setup(ctx context.Context, conn Connection, opts UploadOptions, log *slog.Logger) (Session, error) {
	sess := &librarySession{conn: conn, log: log}
	cfg, err := sess.clientConfig(ctx, conn.User, opts)
	if err != nil {
		return nil, err
	}
	target := hostPort(conn.Host, conn.Port)
	if conn.JumpHost != "" {
		jumpUser, jumpAddr := splitJumpHost(conn.JumpHost, conn.User)
		jumpCfg, err := sess.clientConfig(ctx, jumpUser, opts)
		if err != nil {
			_ = sess.Close()
			return nil, err
		}
		sess.jump, err = dialSSH(ctx, nil, jumpAddr, jumpCfg)
		if err != nil {
			_ = sess.Close()
			return nil, fmt.Errorf("connecting to jump host %s: %w", jumpAddr, err)
		}
		log.Debug("connected to jump host", "addr", jumpAddr)
	}
	sess.ssh, err = dialSSH(ctx, sess.jump, target, cfg)
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("connecting to %s: %w", target, err)
	}
	sess.client, err = sftp.NewClient(sess.ssh)
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("starting sftp subsystem on %s: %w", target, err)
	}
	return sess, nil
}

type librarySession struct {
	conn   Connection
	log    *slog.Logger
	agent  net.Conn
	jump   *ssh.Client
	ssh    *ssh.Client
	client *sftp.Client
}

func (s *librarySession) Upload(ctx context.Context, envelope string, files []File, tracker *progress.Tracker) (string, error) {
	return uploadEnvelope(ctx, sftpFS{c: s.client}, s.conn.DestinationDir, envelope, files, tracker, s.log)
}

func (s *librarySession) Close() error {
	var errs []error
	if s.client != nil {
		errs = append(errs, s.client.Close())
	}
	if s.ssh != nil {
		errs = append(errs, s.ssh.Close())
	}
	if s.jump != nil {
		errs = append(errs, s.jump.Close())
	}
	if s.agent != nil {
		errs = append(errs, s.agent.Close())
	}
	for i, err := range errs {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			errs[i] = nil
		}
	}
	return errors.Join(errs...)
}

// clientConfig offers, in order: the configured key file or else the SSH
// agent, the configured password, and keyboard-interactive prompts that are
// answered with the password or the second factor callback.
func (s *librarySession) clientConfig(ctx context.Context, user string, opts UploadOptions) (*ssh.ClientConfig, error) {
	hostKeys, err := hostKeyCallback(s.conn)
	if err != nil {
		return nil, err
	}
	var methods []ssh.AuthMethod
	switch {
	case s.conn.KeyPath != "":
		signer, err := loadSigner(s.conn.KeyPath, s.conn.KeyPassword)
		if err != nil {
			return nil, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	case os.Getenv("SSH_AUTH_SOCK") != "":
		if s.agent == nil {
			c, err := net.Dial("unix", os.Getenv("SSH_AUTH_SOCK"))
			if err != nil {
				s.log.Debug("ssh agent unavailable", "error", err)
				break
			}
			s.agent = c
		}
		methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(s.agent).Signers))
	}
	if s.conn.Password != "" {
		methods = append(methods, ssh.Password(s.conn.Password))
	}
	if s.conn.Password != "" || opts.TwoFactor != nil {
		methods = append(methods, ssh.KeyboardInteractive(s.challenge(ctx, opts.TwoFactor)))
	}
	if len(methods) == 0 {
		return nil, errors.New("no ssh authentication method: configure key_path or password, or start an ssh agent")
	}
	return &ssh.ClientConfig{User: user, Auth: methods, HostKeyCallback: hostKeys}, nil
}

func (s *librarySession) challenge(ctx context.Context, twoFactor TwoFactorFunc) ssh.KeyboardInteractiveChallenge {
	return func(_, instruction string, questions []string, _ []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i, q := range questions {
			if s.conn.Password != "" && strings.Contains(strings.ToLower(q), "password") {
				answers[i] = s.conn.Password
				continue
			}
			if twoFactor == nil {
				return nil, fmt.Errorf("server asked %q and no second factor prompt is available", q)
			}
			prompt := strings.TrimSpace(strings.TrimSpace(instruction) + " " + q)
			code, err := twoFactor(ctx, prompt)
			if err != nil {
				return nil, fmt.Errorf("reading second factor: %w", err)
			}
			answers[i] = code
		}
		return answers, nil
	}
}

func loadSigner(path, passphrase string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		if passphrase == "" {
			return nil, fmt.Errorf("ssh key %s is encrypted: set key_password", path)
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	}
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key %s: %w", path, err)
	}
	return signer, nil
}

func hostKeyCallback(conn Connection) (ssh.HostKeyCallback, error) {
	if conn.InsecureHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	file := conn.KnownHosts
	if file == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		file = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(file)
	if err != nil {
		return nil, fmt.Errorf("loading known hosts %s: %w", file, err)
	}
	return cb, nil
}

// dialSSH connects directly, or through via when it is set.
func dialSSH(ctx context.Context, via *ssh.Client, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	var nc net.Conn
	var err error
	if via != nil {
		nc, err = via.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		nc, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(nc, addr, cfg)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func hostPort(host string, port int) string {
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// splitJumpHost parses [user@]host[:port].
func splitJumpHost(v, defaultUser string) (user, addr string) {
	user = defaultUser
	if u, h, ok := strings.Cut(v, "@"); ok {
		user, v = u, h
	}
	host, port, err := net.SplitHostPort(v)
	if err != nil {
		return user, hostPort(v, 22)
	}
	p, _ := strconv.Atoi(port)
	return user, hostPort(host, p)
}

type sftpFS struct {
	c *sftp.Client
}

func (f sftpFS) Stat(_ context.Context, p string) (remoteInfo, error) {
	fi, err := f.c.Stat(p)
	if err != nil {
		return remoteInfo{}, err
	}
	return remoteInfo{Size: fi.Size(), IsDir: fi.IsDir()}, nil
}

func (f sftpFS) Mkdir(_ context.Context, p string) error { return f.c.Mkdir(p) }

func (f sftpFS) Put(ctx context.Context, local File, remote string, tracker *progress.Tracker) error {
	src, err := os.Open(local.Path)
	if err != nil {
		return err
	}
	defer src.Close() //nolint:errcheck
	dst, err := f.c.OpenFile(remote, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, progress.Reader(contextReader{ctx: ctx, r: src}, tracker))
	if cerr := dst.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (f sftpFS) Rename(_ context.Context, from, to string) error { return f.c.Rename(from, to) }

func (f sftpFS) Remove(_ context.Context, p string) error { return f.c.Remove(p) }

func (f sftpFS) Touch(_ context.Context, p string) error {
	w, err := f.c.Create(p)
	if err != nil {
		return err
	}
	return w.Close()
}

// contextReader stops a copy once ctx is done.
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
