// Package sftptest runs an SFTP server for tests.
package sftptest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Server is a running in-process SFTP server backed by the local file
// system. Clients authenticate with the key at KeyPath.
type Server struct {
	Addr       string
	Host       string
	Port       int
	KnownHosts string
	KeyPath    string
}

func newSigner(t testing.TB) (ssh.Signer, ed25519.PrivateKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("NewSignerFromKey() error = %v", err)
	}
	return signer, priv
}

// Start serves SFTP until the test ends. It also forwards direct-tcpip
// channels, so the server can act as its own jump host. configure may
// adjust the server config, e.g. to add keyboard-interactive auth.
func Start(t testing.TB, configure func(*ssh.ServerConfig)) Server {
	t.Helper()
	dir := t.TempDir()
	hostSigner, _ := newSigner(t)
	clientSigner, clientKey := newSigner(t)

	block, err := ssh.MarshalPrivateKey(clientKey, "")
	if err != nil {
		t.Fatalf("MarshalPrivateKey() error = %v", err)
	}
	keyPath := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == string(clientSigner.PublicKey().Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	if configure != nil {
		configure(cfg)
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSH(nc, cfg)
		}
	}()

	addr := ln.Addr().String()
	line := knownhosts.Line([]string{knownhosts.Normalize(addr)}, hostSigner.PublicKey())
	kh := filepath.Join(dir, "known_hosts")
	if err := os.WriteFile(kh, []byte(line+"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort() error = %v", err)
	}
	p, _ := strconv.Atoi(port)
	return Server{Addr: addr, Host: host, Port: p, KnownHosts: kh, KeyPath: keyPath}
}

func serveSSH(nc net.Conn, cfg *ssh.ServerConfig) {
	defer nc.Close() //nolint:errcheck
	sc, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		return
	}
	defer sc.Close() //nolint:errcheck
	go ssh.DiscardRequests(reqs)
	for nch := range chans {
		switch nch.ChannelType() {
		case "session":
			ch, requests, err := nch.Accept()
			if err != nil {
				return
			}
			go serveSession(ch, requests)
		case "direct-tcpip":
			var target struct {
				Host     string
				Port     uint32
				OrigHost string
				OrigPort uint32
			}
			if err := ssh.Unmarshal(nch.ExtraData(), &target); err != nil {
				_ = nch.Reject(ssh.ConnectionFailed, err.Error())
				continue
			}
			upstream, err := net.Dial("tcp", net.JoinHostPort(target.Host, strconv.Itoa(int(target.Port))))
			if err != nil {
				_ = nch.Reject(ssh.ConnectionFailed, err.Error())
				continue
			}
			ch, requests, err := nch.Accept()
			if err != nil {
				_ = upstream.Close()
				return
			}
			go ssh.DiscardRequests(requests)
			go func() {
				_, _ = io.Copy(ch, upstream)
				_ = ch.Close()
			}()
			go func() {
				_, _ = io.Copy(upstream, ch)
				_ = upstream.Close()
			}()
		default:
			_ = nch.Reject(ssh.UnknownChannelType, "unsupported")
		}
	}
}

func serveSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close() //nolint:errcheck
	for req := range requests {
		ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
		_ = req.Reply(ok, nil)
		if !ok {
			continue
		}
		srv, err := sftp.NewServer(ch)
		if err != nil {
			return
		}
		_ = srv.Serve()
		_ = srv.Close()
		return
	}
}
