// Package crypt defines the boundary to the encryption and signing backend.
// Callers depend on Gateway only; the concrete backend is chosen once from
// configuration.
package crypt

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrNoSecretKey         = errors.New("no secret key able to decrypt this data is present")
	ErrWrongPassword       = errors.New("wrong password for secret key")
	ErrBadSignature        = errors.New("signature verification failed")
	ErrUnknownSigner       = errors.New("signer key is unknown")
	ErrSignerNotAuthorized = errors.New("signer key is not authorized")
	ErrKeyNotFound         = errors.New("key not found")
	ErrKeyInvalid          = errors.New("key is revoked or expired")
)

// Identity is a key known to a backend.
type Identity struct {
	Fingerprint string
	UserID      string
	Secret      bool
}

func (i Identity) String() string {
	if i.UserID == "" {
		return i.Fingerprint
	}
	return fmt.Sprintf("%s (%s)", i.UserID, i.Fingerprint)
}

// Gateway encrypts, decrypts, signs and verifies on behalf of the package
// workflows.
type Gateway interface {
	Name() string
	// Lookup resolves a public key, downloading it when the backend has a
	// KeyFetcher and auto download is enabled.
	Lookup(ctx context.Context, fingerprint string) (Identity, error)
	// SecretKeys returns the local secret keys among fingerprints, or
	// ErrNoSecretKey when there are none.
	SecretKeys(fingerprints []string) ([]Identity, error)
	CheckPassword(id Identity, password []byte) error
	// Encrypt returns a writer whose plaintext is encrypted to recipients
	// and signed by signer. Closing it flushes but does not close dst.
	Encrypt(dst io.Writer, recipients []Identity, signer Identity, password []byte) (io.WriteCloser, error)
	// Decrypt returns the plaintext of src. A signature that does not
	// verify against signer surfaces as ErrBadSignature no later than EOF.
	Decrypt(src io.Reader, recipients []Identity, signer Identity, password []byte) (io.Reader, error)
	// Sign returns a detached signature over data.
	Sign(data []byte, signer Identity, password []byte) ([]byte, error)
	// Verify checks a detached signature and returns the signing key.
	Verify(ctx context.Context, data, signature []byte) (Identity, error)
}

// KeyFetcher downloads public key material by fingerprint.
type KeyFetcher interface {
	Fetch(ctx context.Context, fingerprint string) ([]byte, error)
}

// FormatFingerprint renders raw fingerprint bytes as upper case hex.
func FormatFingerprint(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// NormalizeFingerprint strips spaces and an optional 0x prefix and upper
// cases a fingerprint, rejecting anything that is not 40 or 64 hex digits.
func NormalizeFingerprint(v string) (string, error) {
	s := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(v), " ", ""))
	s = strings.TrimPrefix(s, "0X")
	if len(s) != 40 && len(s) != 64 {
		return "", fmt.Errorf("invalid fingerprint %q: expected 40 or 64 hex digits", v)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("invalid fingerprint %q: %w", v, err)
	}
	return s, nil
}

// TrustPolicy restricts which verified signers are accepted.
type TrustPolicy struct {
	// AllowedSigners lists fingerprints; empty accepts any known key.
	AllowedSigners []string
}

func (p TrustPolicy) Authorize(id Identity) error {
	if len(p.AllowedSigners) == 0 {
		return nil
	}
	for _, fpr := range p.AllowedSigners {
		if n, err := NormalizeFingerprint(fpr); err == nil && n == id.Fingerprint {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrSignerNotAuthorized, id)
}
