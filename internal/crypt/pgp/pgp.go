// Package pgp is the legacy OpenPGP backend. Keys live in binary keyrings
// (pubring.gpg, secring.gpg) under a single directory.
package pgp

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	pgperrors "github.com/ProtonMail/go-crypto/openpgp/errors"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/islishude/sett/internal/crypt"
)

const (
	PublicKeyring = "pubring.gpg"
	SecretKeyring = "secring.gpg"
)

type Options struct {
	Dir          string
	Fetcher      crypt.KeyFetcher
	AutoDownload bool
}

type Backend struct {
	dir          string
	fetcher      crypt.KeyFetcher
	autoDownload bool
	config       *packet.Config
	mu           sync.Mutex
}

var _ crypt.Gateway = (*Backend)(nil)

func New(opts Options) (*Backend, error) {
	if opts.Dir == "" {
		return nil, errors.New("pgp: keys directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("pgp: creating keys directory: %w", err)
	}
	return &Backend{dir: opts.Dir, fetcher: opts.Fetcher, autoDownload: opts.AutoDownload}, nil
}

func (b *Backend) Name() string { return "pgp" }

// Lookup resolves fingerprint to a usable public key. Revoked and expired
// keys are rejected with crypt.ErrKeyInvalid.
func (b *Backend) Lookup(ctx context.Context, fingerprint string) (crypt.Identity, error) {
	fpr, err := crypt.NormalizeFingerprint(fingerprint)
	if err != nil {
		return crypt.Identity{}, err
	}
	e, err := b.publicEntity(fpr)
	if errors.Is(err, crypt.ErrKeyNotFound) && b.autoDownload && b.fetcher != nil {
		e, err = b.download(ctx, fpr)
	}
	if err != nil {
		return crypt.Identity{}, err
	}
	if err := checkUsable(e, time.Now()); err != nil {
		return crypt.Identity{}, err
	}
	return identity(e), nil
}

// download fetches fpr from the keyserver and appends only that key to
// the public keyring.
func (b *Backend) download(ctx context.Context, fpr string) (*openpgp.Entity, error) {
	data, err := b.fetcher.Fetch(ctx, fpr)
	if err != nil {
		return nil, fmt.Errorf("downloading key %s: %w", fpr, err)
	}
	list, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	if err != nil {
		list, err = openpgp.ReadKeyRing(bytes.NewReader(data))
	}
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	e := find(list, fpr)
	if e == nil {
		return nil, fmt.Errorf("%w: keyserver returned no key for %s", crypt.ErrKeyNotFound, fpr)
	}
	if err := checkUsable(e, time.Now()); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := e.Serialize(&buf); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(b.dir, PublicKeyring), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return nil, err
	}
	return e, f.Close()
}

func checkUsable(e *openpgp.Entity, now time.Time) error {
	fpr := crypt.FormatFingerprint(e.PrimaryKey.Fingerprint)
	if e.Revoked(now) {
		return fmt.Errorf("%w: %s is revoked", crypt.ErrKeyInvalid, fpr)
	}
	if sig, _ := e.PrimarySelfSignature(); sig != nil && e.PrimaryKey.KeyExpired(sig, now) {
		return fmt.Errorf("%w: %s has expired", crypt.ErrKeyInvalid, fpr)
	}
	return nil
}

func (b *Backend) SecretKeys(fingerprints []string) ([]crypt.Identity, error) {
	ring, err := b.readRing(SecretKeyring)
	if err != nil {
		return nil, err
	}
	var out []crypt.Identity
	for _, v := range fingerprints {
		fpr, err := crypt.NormalizeFingerprint(v)
		if err != nil {
			return nil, err
		}
		if e := find(ring, fpr); e != nil && e.PrivateKey != nil {
			out = append(out, identity(e))
		}
	}
	if len(out) == 0 {
		return nil, crypt.ErrNoSecretKey
	}
	return out, nil
}

func (b *Backend) CheckPassword(id crypt.Identity, password []byte) error {
	_, err := b.unlockedEntity(id.Fingerprint, password)
	return err
}

func (b *Backend) Encrypt(dst io.Writer, recipients []crypt.Identity, signer crypt.Identity, password []byte) (io.WriteCloser, error) {
	public, err := b.publicRing()
	if err != nil {
		return nil, err
	}
	to := make([]*openpgp.Entity, 0, len(recipients))
	for _, r := range recipients {
		e := find(public, r.Fingerprint)
		if e == nil {
			return nil, fmt.Errorf("%w: recipient %s", crypt.ErrKeyNotFound, r.Fingerprint)
		}
		to = append(to, e)
	}
	sig, err := b.unlockedEntity(signer.Fingerprint, password)
	if err != nil {
		return nil, err
	}
	w, err := openpgp.Encrypt(dst, to, sig, &openpgp.FileHints{IsBinary: true}, b.config)
	if err != nil {
		return nil, fmt.Errorf("creating openpgp encryptor: %w", err)
	}
	return w, nil
}

func (b *Backend) Decrypt(src io.Reader, recipients []crypt.Identity, signer crypt.Identity, password []byte) (io.Reader, error) {
	var keyring openpgp.EntityList
	var unlockErr error
	for _, r := range recipients {
		e, err := b.unlockedEntity(r.Fingerprint, password)
		if err != nil {
			unlockErr = err
			continue
		}
		keyring = append(keyring, e)
	}
	if len(keyring) == 0 {
		if unlockErr == nil {
			unlockErr = crypt.ErrNoSecretKey
		}
		return nil, unlockErr
	}
	public, err := b.publicRing()
	if err != nil {
		return nil, err
	}
	if e := find(public, signer.Fingerprint); e != nil {
		keyring = append(keyring, e)
	}
	prompt := func([]openpgp.Key, bool) ([]byte, error) { return nil, crypt.ErrNoSecretKey }
	md, err := openpgp.ReadMessage(src, keyring, prompt, b.config)
	if err != nil {
		if errors.Is(err, pgperrors.ErrKeyIncorrect) {
			return nil, crypt.ErrNoSecretKey
		}
		return nil, fmt.Errorf("reading openpgp message: %w", err)
	}
	return &verifyingReader{md: md, signer: signer.Fingerprint}, nil
}

// verifyingReader checks the embedded signature once the body is drained.
type verifyingReader struct {
	md     *openpgp.MessageDetails
	signer string
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.md.UnverifiedBody.Read(p)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, io.EOF) {
		return n, mapSignatureError(err)
	}
	switch {
	case !v.md.IsSigned:
		return n, fmt.Errorf("%w: payload is not signed", crypt.ErrBadSignature)
	case v.md.SignedBy == nil:
		return n, fmt.Errorf("%w: payload signer %X is not in the keyring", crypt.ErrUnknownSigner, v.md.SignedByKeyId)
	case v.md.SignatureError != nil:
		return n, mapSignatureError(v.md.SignatureError)
	case crypt.FormatFingerprint(v.md.SignedBy.Entity.PrimaryKey.Fingerprint) != v.signer:
		return n, fmt.Errorf("%w: payload signed by an unexpected key", crypt.ErrBadSignature)
	}
	return n, io.EOF
}

func mapSignatureError(err error) error {
	var se pgperrors.SignatureError
	switch {
	case errors.Is(err, pgperrors.ErrUnknownIssuer):
		return fmt.Errorf("%w: %v", crypt.ErrUnknownSigner, err)
	case errors.As(err, &se):
		return fmt.Errorf("%w: %v", crypt.ErrBadSignature, err)
	default:
		return err
	}
}

func (b *Backend) Sign(data []byte, signer crypt.Identity, password []byte) ([]byte, error) {
	e, err := b.unlockedEntity(signer.Fingerprint, password)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := openpgp.DetachSign(&buf, e, bytes.NewReader(data), b.config); err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	return buf.Bytes(), nil
}

func (b *Backend) Verify(ctx context.Context, data, signature []byte) (crypt.Identity, error) {
	sig, err := parseSignature(data, signature)
	if err != nil {
		return crypt.Identity{}, fmt.Errorf("%w: %v", crypt.ErrBadSignature, err)
	}
	public, err := b.publicRing()
	if err != nil {
		return crypt.Identity{}, err
	}
	e, err := openpgp.CheckDetachedSignature(public, bytes.NewReader(data), bytes.NewReader(signature), b.config)
	if errors.Is(err, pgperrors.ErrUnknownIssuer) && b.autoDownload && b.fetcher != nil {
		if len(sig.IssuerFingerprint) == 0 {
			return crypt.Identity{}, fmt.Errorf("%w: signature does not carry an issuer fingerprint", crypt.ErrUnknownSigner)
		}
		if _, lerr := b.Lookup(ctx, crypt.FormatFingerprint(sig.IssuerFingerprint)); lerr != nil {
			return crypt.Identity{}, fmt.Errorf("%w: %v", crypt.ErrUnknownSigner, lerr)
		}
		if public, err = b.publicRing(); err != nil {
			return crypt.Identity{}, err
		}
		e, err = openpgp.CheckDetachedSignature(public, bytes.NewReader(data), bytes.NewReader(signature), b.config)
	}
	if err != nil {
		if mapped := mapSignatureError(err); mapped != err {
			return crypt.Identity{}, mapped
		}
		return crypt.Identity{}, fmt.Errorf("%w: %v", crypt.ErrBadSignature, err)
	}
	if err := checkUsable(e, time.Now()); err != nil {
		return crypt.Identity{}, fmt.Errorf("%w: %w", crypt.ErrBadSignature, err)
	}
	id := identity(e)
	id.Secret = false
	return id, nil
}

// parseSignature reads the single signature packet in raw and rejects the
// encodings OpenPGP verification tolerates but Sign never writes: trailing
// packets, long packet headers, unhashed subpackets, padded MPIs and v4
// hash tags that do not match data. Any change to raw then fails.
func parseSignature(data, raw []byte) (*packet.Signature, error) {
	r := bytes.NewReader(raw)
	p, err := packet.Read(r)
	if err != nil {
		return nil, fmt.Errorf("malformed signature: %w", err)
	}
	sig, ok := p.(*packet.Signature)
	if !ok {
		return nil, fmt.Errorf("malformed signature: unexpected packet %T", p)
	}
	if r.Len() != 0 {
		return nil, errors.New("malformed signature: trailing data")
	}
	var buf bytes.Buffer
	if err := sig.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("malformed signature: %w", err)
	}
	if !bytes.Equal(buf.Bytes(), raw) {
		return nil, errors.New("malformed signature: non-canonical encoding")
	}
	if n, err := unhashedLength(raw, sig); err != nil || n != 0 {
		return nil, errors.New("malformed signature: unhashed subpackets")
	}
	for _, f := range []interface {
		Bytes() []byte
		BitLength() uint16
	}{sig.RSASignature, sig.DSASigR, sig.DSASigS, sig.ECDSASigR, sig.ECDSASigS, sig.EdDSASigR, sig.EdDSASigS} {
		if f == nil {
			continue
		}
		v := f.Bytes()
		want := uint16(0)
		if len(v) > 0 {
			want = 8*uint16(len(v)-1) + uint16(bits.Len8(v[0]))
		}
		if f.BitLength() != want {
			return nil, errors.New("malformed signature: non-minimal integer")
		}
	}
	if sig.Version == 4 {
		if !sig.Hash.Available() {
			return nil, fmt.Errorf("malformed signature: unsupported hash %v", sig.Hash)
		}
		h := sig.Hash.New()
		_, _ = h.Write(data)
		if err := packet.VerifyHashTag(h, sig); err != nil {
			return nil, err
		}
	}
	return sig, nil
}

// unhashedLength returns the size of the unhashed subpacket area of raw,
// which must be in the new packet format Serialize writes.
func unhashedLength(raw []byte, sig *packet.Signature) (int, error) {
	if len(raw) < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	off := 2
	switch {
	case raw[1] == 255:
		off = 6
	case raw[1] >= 192:
		off = 3
	}
	width := 2
	if sig.Version == 6 {
		width = 4
	}
	if len(sig.HashSuffix) < 4+width {
		return 0, io.ErrUnexpectedEOF
	}
	var hashed int
	if width == 4 {
		hashed = int(binary.BigEndian.Uint32(sig.HashSuffix[4:8]))
	} else {
		hashed = int(binary.BigEndian.Uint16(sig.HashSuffix[4:6]))
	}
	off += 4 + width + hashed
	if len(raw) < off+width {
		return 0, io.ErrUnexpectedEOF
	}
	if width == 4 {
		return int(binary.BigEndian.Uint32(raw[off:])), nil
	}
	return int(binary.BigEndian.Uint16(raw[off:])), nil
}
// unlockedEntity reads the secret key fresh from disk and decrypts its
// private material with password.
func (b *Backend) unlockedEntity(fingerprint string, password []byte) (*openpgp.Entity, error) {
	ring, err := b.readRing(SecretKeyring)
	if err != nil {
		return nil, err
	}
	e := find(ring, fingerprint)
	if e == nil || e.PrivateKey == nil {
		return nil, fmt.Errorf("%w: %s", crypt.ErrNoSecretKey, fingerprint)
	}
	keys := []*packet.PrivateKey{e.PrivateKey}
	for _, sk := range e.Subkeys {
		if sk.PrivateKey != nil {
			keys = append(keys, sk.PrivateKey)
		}
	}
	for _, k := range keys {
		if !k.Encrypted {
			continue
		}
		if len(password) == 0 {
			return nil, fmt.Errorf("%w: key %s requires a password", crypt.ErrWrongPassword, fingerprint)
		}
		if err := k.Decrypt(password); err != nil {
			return nil, fmt.Errorf("%w: key %s", crypt.ErrWrongPassword, fingerprint)
		}
	}
	return e, nil
}

func (b *Backend) publicEntity(fpr string) (*openpgp.Entity, error) {
	public, err := b.publicRing()
	if err != nil {
		return nil, err
	}
	if e := find(public, fpr); e != nil {
		return e, nil
	}
	return nil, fmt.Errorf("%w: %s", crypt.ErrKeyNotFound, fpr)
}

// publicRing holds the public keyring followed by the secret keyring, so
// local key pairs resolve without a separate public export.
func (b *Backend) publicRing() (openpgp.EntityList, error) {
	pub, err := b.readRing(PublicKeyring)
	if err != nil {
		return nil, err
	}
	sec, err := b.readRing(SecretKeyring)
	if err != nil {
		return nil, err
	}
	return append(pub, sec...), nil
}

func (b *Backend) readRing(name string) (openpgp.EntityList, error) {
	f, err := os.Open(filepath.Join(b.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck
	list, err := openpgp.ReadKeyRing(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return list, nil
}

func find(list openpgp.EntityList, fpr string) *openpgp.Entity {
	for _, e := range list {
		if crypt.FormatFingerprint(e.PrimaryKey.Fingerprint) == fpr {
			return e
		}
	}
	return nil
}

func identity(e *openpgp.Entity) crypt.Identity {
	id := crypt.Identity{
		Fingerprint: crypt.FormatFingerprint(e.PrimaryKey.Fingerprint),
		Secret:      e.PrivateKey != nil,
	}
	if pi := e.PrimaryIdentity(); pi != nil && pi.UserId != nil {
		id.UserID = pi.UserId.Name
	}
	return id
}
