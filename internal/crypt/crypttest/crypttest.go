// Package crypttest generates throwaway keys for tests of the crypto
// backends and the workflows built on them.
package crypttest

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"golang.org/x/crypto/ssh"

	"github.com/islishude/sett/internal/crypt"
)

// Key is generated key material for either backend.
type Key struct {
	Name        string
	Fingerprint string
	// Public is the armored OpenPGP public key or the authorized_keys line.
	Public []byte
	// Secret is the binary OpenPGP secret key or the OpenSSH private key.
	Secret []byte
}

// NewPGPKey creates an OpenPGP key pair, protected by passphrase if set.
func NewPGPKey(t testing.TB, name, passphrase string) Key {
	t.Helper()
	e, err := openpgp.NewEntity(name, "", name+"@example.org", nil)
	if err != nil {
		t.Fatalf("NewEntity() error = %v", err)
	}
	var pub bytes.Buffer
	aw, err := armor.Encode(&pub, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatalf("armor.Encode() error = %v", err)
	}
	if err := e.Serialize(aw); err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	if err := aw.Close(); err != nil {
		t.Fatalf("armor Close() error = %v", err)
	}
	if passphrase != "" {
		if err := e.PrivateKey.Encrypt([]byte(passphrase)); err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		for _, sk := range e.Subkeys {
			if err := sk.PrivateKey.Encrypt([]byte(passphrase)); err != nil {
				t.Fatalf("Encrypt(subkey) error = %v", err)
			}
		}
	}
	var sec bytes.Buffer
	if err := e.SerializePrivateWithoutSigning(&sec, nil); err != nil {
		t.Fatalf("SerializePrivateWithoutSigning() error = %v", err)
	}
	return Key{
		Name:        name,
		Fingerprint: crypt.FormatFingerprint(e.PrimaryKey.Fingerprint),
		Public:      pub.Bytes(),
		Secret:      sec.Bytes(),
	}
}

// InstallPGP appends k to the keyrings in dir. The public key is always
// installed; the secret key only when secret is true.
func InstallPGP(t testing.TB, dir string, k Key, secret bool) {
	t.Helper()
	block, err := armor.Decode(bytes.NewReader(k.Public))
	if err != nil {
		t.Fatalf("armor.Decode() error = %v", err)
	}
	var pub bytes.Buffer
	if _, err := pub.ReadFrom(block.Body); err != nil {
		t.Fatalf("reading armored key: %v", err)
	}
	appendFile(t, filepath.Join(dir, "pubring.gpg"), pub.Bytes())
	if secret {
		appendFile(t, filepath.Join(dir, "secring.gpg"), k.Secret)
	}
}

// NewSSHKey creates an ed25519 key pair, protected by passphrase if set.
func NewSSHKey(t testing.TB, name, passphrase string) Key {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, name)
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, name, []byte(passphrase))
	}
	if err != nil {
		t.Fatalf("MarshalPrivateKey() error = %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("NewPublicKey() error = %v", err)
	}
	line := bytes.TrimSpace(ssh.MarshalAuthorizedKey(sshPub))
	line = append(line, []byte(" "+name+"\n")...)
	sum := sha256.Sum256(sshPub.Marshal())
	return Key{
		Name:        name,
		Fingerprint: crypt.FormatFingerprint(sum[:]),
		Public:      line,
		Secret:      pem.EncodeToMemory(block),
	}
}

// InstallSSH writes k into dir as <name>.pub and, when secret is true,
// <name>.
func InstallSSH(t testing.TB, dir string, k Key, secret bool) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, k.Name+".pub"), k.Public, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if secret {
		if err := os.WriteFile(filepath.Join(dir, k.Name), k.Secret, 0o600); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}
}

func appendFile(t testing.TB, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

// StaticFetcher serves keys from memory, keyed by fingerprint.
type StaticFetcher map[string][]byte

func (s StaticFetcher) Fetch(_ context.Context, fingerprint string) ([]byte, error) {
	if b, ok := s[fingerprint]; ok {
		return b, nil
	}
	return nil, crypt.ErrKeyNotFound
}
