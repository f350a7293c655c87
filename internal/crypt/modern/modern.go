// Package modern is the embedded backend: payloads are encrypted with age to
// OpenSSH ed25519 keys and signed with the sender's SSH key.
//
// Key files live in one directory: <name>.pub holds an authorized_keys line
// and <name>, when present, the matching OpenSSH private key. A key line may
// carry the OpenSSH expiry-time option, and revoked_keys lists keys that are
// no longer accepted, in the format of sshd's RevokedKeys file.
package modern

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"filippo.io/age"
	"filippo.io/age/agessh"
	"golang.org/x/crypto/ssh"

	"github.com/islishude/sett/internal/crypt"
)

const RevokedKeys = "revoked_keys"

type Options struct {
	Dir          string
	Fetcher      crypt.KeyFetcher
	AutoDownload bool
}

type Backend struct {
	dir          string
	fetcher      crypt.KeyFetcher
	autoDownload bool
	mu           sync.Mutex
}

var _ crypt.Gateway = (*Backend)(nil)

func New(opts Options) (*Backend, error) {
	if opts.Dir == "" {
		return nil, errors.New("modern: keys directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("modern: creating keys directory: %w", err)
	}
	return &Backend{dir: opts.Dir, fetcher: opts.Fetcher, autoDownload: opts.AutoDownload}, nil
}

func (b *Backend) Name() string { return "modern" }

// Fingerprint is the upper case hex SHA-256 of the wire form of pub.
func Fingerprint(pub ssh.PublicKey) string {
	sum := sha256.Sum256(pub.Marshal())
	return crypt.FormatFingerprint(sum[:])
}

type key struct {
	pub        ssh.PublicKey
	comment    string
	options    []string
	publicPath string
}

// usable rejects keys listed in revoked or past their expiry-time option.
func (k key) usable(now time.Time, revoked map[string]bool) error {
	fpr := Fingerprint(k.pub)
	if revoked[fpr] {
		return fmt.Errorf("%w: %s is revoked", crypt.ErrKeyInvalid, fpr)
	}
	for _, opt := range k.options {
		name, value, ok := strings.Cut(opt, "=")
		if !ok || !strings.EqualFold(name, "expiry-time") {
			continue
		}
		expiry, err := parseExpiry(strings.Trim(value, `"`))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", crypt.ErrKeyInvalid, fpr, err)
		}
		if !now.Before(expiry) {
			return fmt.Errorf("%w: %s expired on %s", crypt.ErrKeyInvalid, fpr, expiry.Format(time.DateTime))
		}
	}
	return nil
}

// parseExpiry reads the YYYYMMDD[HHMM[SS]][Z] timestamps of the OpenSSH
// expiry-time option. Without Z the time is local.
func parseExpiry(v string) (time.Time, error) {
	loc := time.Local
	if strings.HasSuffix(v, "Z") {
		v, loc = strings.TrimSuffix(v, "Z"), time.UTC
	}
	for _, layout := range []string{"20060102", "200601021504", "20060102150405"} {
		if len(v) == len(layout) {
			return time.ParseInLocation(layout, v, loc)
		}
	}
	return time.Time{}, fmt.Errorf("invalid expiry-time %q", v)
}

func (k key) privatePath() string { return strings.TrimSuffix(k.publicPath, ".pub") }

func (k key) hasSecret() bool {
	st, err := os.Stat(k.privatePath())
	return err == nil && st.Mode().IsRegular()
}

func (k key) identity() crypt.Identity {
	return crypt.Identity{Fingerprint: Fingerprint(k.pub), UserID: k.comment, Secret: k.hasSecret()}
}

func (b *Backend) keys() (map[string]key, error) {
	matches, err := filepath.Glob(filepath.Join(b.dir, "*.pub"))
	if err != nil {
		return nil, err
	}
	out := make(map[string]key, len(matches))
	for _, p := range matches {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		pub, comment, options, _, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", p, err)
		}
		if pub.Type() != ssh.KeyAlgoED25519 {
			continue
		}
		out[Fingerprint(pub)] = key{pub: pub, comment: comment, options: options, publicPath: p}
	}
	return out, nil
}

func (b *Backend) key(fingerprint string) (key, error) {
	fpr, err := crypt.NormalizeFingerprint(fingerprint)
	if err != nil {
		return key{}, err
	}
	all, err := b.keys()
	if err != nil {
		return key{}, err
	}
	k, ok := all[fpr]
	if !ok {
		return key{}, fmt.Errorf("%w: %s", crypt.ErrKeyNotFound, fpr)
	}
	return k, nil
}

// revoked reads the fingerprints listed in the revoked_keys file.
func (b *Backend) revoked() (map[string]bool, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, RevokedKeys))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for i, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		pub, _, _, _, err := ssh.ParseAuthorizedKey(line)
		if err != nil {
			return nil, fmt.Errorf("parsing %s line %d: %w", RevokedKeys, i+1, err)
		}
		out[Fingerprint(pub)] = true
	}
	return out, nil
}

// Lookup resolves fingerprint to a usable public key. Revoked and expired
// keys are rejected with crypt.ErrKeyInvalid.
func (b *Backend) Lookup(ctx context.Context, fingerprint string) (crypt.Identity, error) {
	revoked, err := b.revoked()
	if err != nil {
		return crypt.Identity{}, err
	}
	k, err := b.key(fingerprint)
	if err == nil {
		if err := k.usable(time.Now(), revoked); err != nil {
			return crypt.Identity{}, err
		}
		return k.identity(), nil
	}
	if !errors.Is(err, crypt.ErrKeyNotFound) || !b.autoDownload || b.fetcher == nil {
		return crypt.Identity{}, err
	}
	fpr, _ := crypt.NormalizeFingerprint(fingerprint)
	data, err := b.fetcher.Fetch(ctx, fpr)
	if err != nil {
		return crypt.Identity{}, fmt.Errorf("downloading key %s: %w", fpr, err)
	}
	return b.importKey(data, fpr, revoked)
}

// importKey stores the authorized_keys line in data as <fingerprint>.pub
// when it is the usable key fpr.
func (b *Backend) importKey(data []byte, fpr string, revoked map[string]bool) (crypt.Identity, error) {
	pub, comment, options, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return crypt.Identity{}, fmt.Errorf("parsing public key: %w", err)
	}
	if pub.Type() != ssh.KeyAlgoED25519 {
		return crypt.Identity{}, fmt.Errorf("unsupported key type %s", pub.Type())
	}
	if got := Fingerprint(pub); got != fpr {
		return crypt.Identity{}, fmt.Errorf("%w: keyserver returned %s for %s", crypt.ErrKeyNotFound, got, fpr)
	}
	if err := (key{pub: pub, options: options}).usable(time.Now(), revoked); err != nil {
		return crypt.Identity{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var line []byte
	if len(options) > 0 {
		line = append(line, strings.Join(options, ",")+" "...)
	}
	line = append(line, bytes.TrimSpace(ssh.MarshalAuthorizedKey(pub))...)
	if comment != "" {
		line = append(line, ' ')
		line = append(line, comment...)
	}
	line = append(line, '\n')
	if err := os.WriteFile(filepath.Join(b.dir, fpr+".pub"), line, 0o644); err != nil {
		return crypt.Identity{}, err
	}
	return crypt.Identity{Fingerprint: fpr, UserID: comment}, nil
}

func (b *Backend) SecretKeys(fingerprints []string) ([]crypt.Identity, error) {
	all, err := b.keys()
	if err != nil {
		return nil, err
	}
	var out []crypt.Identity
	for _, v := range fingerprints {
		fpr, err := crypt.NormalizeFingerprint(v)
		if err != nil {
			return nil, err
		}
		if k, ok := all[fpr]; ok && k.hasSecret() {
			out = append(out, k.identity())
		}
	}
	if len(out) == 0 {
		return nil, crypt.ErrNoSecretKey
	}
	return out, nil
}

func (b *Backend) CheckPassword(id crypt.Identity, password []byte) error {
	_, err := b.privateKey(id.Fingerprint, password)
	return err
}

func (b *Backend) privateKey(fingerprint string, password []byte) (ed25519.PrivateKey, error) {
	k, err := b.key(fingerprint)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(k.privatePath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", crypt.ErrNoSecretKey, fingerprint)
	}
	if err != nil {
		return nil, err
	}
	raw, err := ssh.ParseRawPrivateKey(data)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		if len(password) == 0 {
			return nil, fmt.Errorf("%w: key %s requires a password", crypt.ErrWrongPassword, fingerprint)
		}
		raw, err = ssh.ParseRawPrivateKeyWithPassphrase(data, password)
	}
	if errors.Is(err, x509.IncorrectPasswordError) {
		return nil, fmt.Errorf("%w: key %s", crypt.ErrWrongPassword, fingerprint)
	}
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", k.privatePath(), err)
	}
	var priv ed25519.PrivateKey
	switch v := raw.(type) {
	case ed25519.PrivateKey:
		priv = v
	case *ed25519.PrivateKey:
		priv = *v
	default:
		return nil, fmt.Errorf("private key %s is %T, expected ed25519", k.privatePath(), raw)
	}
	derived, err := ssh.NewPublicKey(priv.Public())
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(derived.Marshal(), k.pub.Marshal()) {
		return nil, fmt.Errorf("private key %s does not match %s", k.privatePath(), k.publicPath)
	}
	return priv, nil
}

func (b *Backend) Encrypt(dst io.Writer, recipients []crypt.Identity, signer crypt.Identity, password []byte) (io.WriteCloser, error) {
	to := make([]age.Recipient, 0, len(recipients))
	for _, r := range recipients {
		k, err := b.key(r.Fingerprint)
		if err != nil {
			return nil, fmt.Errorf("recipient %s: %w", r.Fingerprint, err)
		}
		rcpt, err := agessh.NewEd25519Recipient(k.pub)
		if err != nil {
			return nil, fmt.Errorf("recipient %s: %w", r.Fingerprint, err)
		}
		to = append(to, rcpt)
	}
	priv, err := b.privateKey(signer.Fingerprint, password)
	if err != nil {
		return nil, err
	}
	sshSigner, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, err
	}
	aw, err := age.Encrypt(dst, to...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	return newSigningWriter(aw, sshSigner), nil
}

func (b *Backend) Decrypt(src io.Reader, recipients []crypt.Identity, signer crypt.Identity, password []byte) (io.Reader, error) {
	var ids []age.Identity
	var unlockErr error
	for _, r := range recipients {
		priv, err := b.privateKey(r.Fingerprint, password)
		if err != nil {
			unlockErr = err
			continue
		}
		id, err := agessh.NewEd25519Identity(priv)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		if unlockErr == nil {
			unlockErr = crypt.ErrNoSecretKey
		}
		return nil, unlockErr
	}
	k, err := b.key(signer.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crypt.ErrUnknownSigner, err)
	}
	r, err := age.Decrypt(src, ids...)
	if err != nil {
		var nomatch *age.NoIdentityMatchError
		if errors.As(err, &nomatch) {
			return nil, crypt.ErrNoSecretKey
		}
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return newVerifyingReader(r, k.pub), nil
}

// detachedSignature is the binary wire form written by Sign. Verify only
// accepts the exact bytes Marshal produces for it.
type detachedSignature struct {
	PublicKey []byte
	Signature []byte
}

func (b *Backend) Sign(data []byte, signer crypt.Identity, password []byte) ([]byte, error) {
	priv, err := b.privateKey(signer.Fingerprint, password)
	if err != nil {
		return nil, err
	}
	s, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, err
	}
	sig, err := s.Sign(rand.Reader, data)
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	return ssh.Marshal(detachedSignature{PublicKey: s.PublicKey().Marshal(), Signature: ssh.Marshal(sig)}), nil
}

func (b *Backend) Verify(ctx context.Context, data, signature []byte) (crypt.Identity, error) {
	pub, sig, err := parseSignature(signature)
	if err != nil {
		return crypt.Identity{}, fmt.Errorf("%w: %v", crypt.ErrBadSignature, err)
	}
	id, err := b.Lookup(ctx, Fingerprint(pub))
	if err != nil {
		return crypt.Identity{}, fmt.Errorf("%w: %v", crypt.ErrUnknownSigner, err)
	}
	if err := pub.Verify(data, sig); err != nil {
		return crypt.Identity{}, fmt.Errorf("%w: %v", crypt.ErrBadSignature, err)
	}
	id.Secret = false
	return id, nil
}

// parseSignature decodes a detached signature and rejects every encoding
// other than the one Sign writes, so no byte of it can change unnoticed.
func parseSignature(data []byte) (ssh.PublicKey, *ssh.Signature, error) {
	var ds detachedSignature
	if err := ssh.Unmarshal(data, &ds); err != nil {
		return nil, nil, fmt.Errorf("malformed signature: %w", err)
	}
	if !bytes.Equal(ssh.Marshal(ds), data) {
		return nil, nil, errors.New("malformed signature: non-canonical encoding")
	}
	pub, err := ssh.ParsePublicKey(ds.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	if !bytes.Equal(pub.Marshal(), ds.PublicKey) {
		return nil, nil, errors.New("malformed signature: non-canonical public key")
	}
	var sig ssh.Signature
	if err := ssh.Unmarshal(ds.Signature, &sig); err != nil {
		return nil, nil, fmt.Errorf("malformed signature: %w", err)
	}
	if len(sig.Rest) != 0 || !bytes.Equal(ssh.Marshal(sig), ds.Signature) {
		return nil, nil, errors.New("malformed signature: trailing data")
	}
	return pub, &sig, nil
}
