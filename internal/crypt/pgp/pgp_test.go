package pgp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/islishude/sett/internal/crypt"
	"github.com/islishude/sett/internal/crypt/crypttest"
)

func newBackend(t *testing.T, opts Options) *Backend {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	b, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return b
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	b := newBackend(t, Options{})
	sender := crypttest.NewPGPKey(t, "sender", "")
	recipient := crypttest.NewPGPKey(t, "recipient", "secret")
	crypttest.InstallPGP(t, b.dir, sender, true)
	crypttest.InstallPGP(t, b.dir, recipient, true)

	signer := crypt.Identity{Fingerprint: sender.Fingerprint}
	to := []crypt.Identity{{Fingerprint: recipient.Fingerprint}}
	var ct bytes.Buffer
	w, err := b.Encrypt(&ct, to, signer, nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	payload := bytes.Repeat([]byte("payload "), 4096)
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	r, err := b.Decrypt(bytes.NewReader(ct.Bytes()), to, signer, []byte("secret"))
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("plaintext mismatch")
	}

	_, err = b.Decrypt(bytes.NewReader(ct.Bytes()), to, signer, []byte("wrong"))
	if !errors.Is(err, crypt.ErrWrongPassword) {
		t.Fatalf("Decrypt(wrong password) error = %v, want ErrWrongPassword", err)
	}
}

func TestDecryptWithoutMatchingKey(t *testing.T) {
	b := newBackend(t, Options{})
	sender := crypttest.NewPGPKey(t, "sender", "")
	recipient := crypttest.NewPGPKey(t, "recipient", "")
	crypttest.InstallPGP(t, b.dir, sender, true)
	crypttest.InstallPGP(t, b.dir, recipient, false)

	if _, err := b.SecretKeys([]string{recipient.Fingerprint}); !errors.Is(err, crypt.ErrNoSecretKey) {
		t.Fatalf("SecretKeys() error = %v, want ErrNoSecretKey", err)
	}
	var ct bytes.Buffer
	signer := crypt.Identity{Fingerprint: sender.Fingerprint}
	w, err := b.Encrypt(&ct, []crypt.Identity{{Fingerprint: recipient.Fingerprint}}, signer, nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	_, _ = w.Write([]byte("x"))
	_ = w.Close()
	// Only the sender's secret key is available and it is not a recipient.
	_, err = b.Decrypt(bytes.NewReader(ct.Bytes()), []crypt.Identity{signer}, signer, nil)
	if !errors.Is(err, crypt.ErrNoSecretKey) {
		t.Fatalf("Decrypt() error = %v, want ErrNoSecretKey", err)
	}
}

func TestDecryptRejectsWrongSigner(t *testing.T) {
	b := newBackend(t, Options{})
	sender := crypttest.NewPGPKey(t, "sender", "")
	other := crypttest.NewPGPKey(t, "other", "")
	crypttest.InstallPGP(t, b.dir, sender, true)
	crypttest.InstallPGP(t, b.dir, other, true)

	me := crypt.Identity{Fingerprint: sender.Fingerprint}
	var ct bytes.Buffer
	w, err := b.Encrypt(&ct, []crypt.Identity{me}, me, nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	_, _ = w.Write([]byte("data"))
	_ = w.Close()
	r, err := b.Decrypt(&ct, []crypt.Identity{me}, crypt.Identity{Fingerprint: other.Fingerprint}, nil)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if _, err := io.ReadAll(r); !errors.Is(err, crypt.ErrBadSignature) {
		t.Fatalf("ReadAll() error = %v, want ErrBadSignature", err)
	}
}

func TestSignVerify(t *testing.T) {
	b := newBackend(t, Options{})
	sender := crypttest.NewPGPKey(t, "sender", "pw")
	crypttest.InstallPGP(t, b.dir, sender, true)
	id := crypt.Identity{Fingerprint: sender.Fingerprint}

	if err := b.CheckPassword(id, []byte("nope")); !errors.Is(err, crypt.ErrWrongPassword) {
		t.Fatalf("CheckPassword() error = %v, want ErrWrongPassword", err)
	}
	if err := b.CheckPassword(id, []byte("pw")); err != nil {
		t.Fatalf("CheckPassword() error = %v", err)
	}
	doc := []byte(`{"sender":"x"}`)
	sig, err := b.Sign(doc, id, []byte("pw"))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	got, err := b.Verify(context.Background(), doc, sig)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got.Fingerprint != sender.Fingerprint || got.UserID != "sender" {
		t.Fatalf("Verify() = %+v", got)
	}
	tampered := append([]byte(nil), doc...)
	tampered[2] ^= 0x01
	if _, err := b.Verify(context.Background(), tampered, sig); !errors.Is(err, crypt.ErrBadSignature) {
		t.Fatalf("Verify(tampered) error = %v, want ErrBadSignature", err)
	}
}

func TestVerifyDownloadsUnknownSigner(t *testing.T) {
	signerDir := newBackend(t, Options{})
	sender := crypttest.NewPGPKey(t, "sender", "")
	crypttest.InstallPGP(t, signerDir.dir, sender, true)
	sig, err := signerDir.Sign([]byte("doc"), crypt.Identity{Fingerprint: sender.Fingerprint}, nil)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	offline := newBackend(t, Options{})
	if _, err := offline.Verify(context.Background(), []byte("doc"), sig); !errors.Is(err, crypt.ErrUnknownSigner) {
		t.Fatalf("Verify() error = %v, want ErrUnknownSigner", err)
	}

	online := newBackend(t, Options{
		AutoDownload: true,
		Fetcher:      crypttest.StaticFetcher{sender.Fingerprint: sender.Public},
	})
	id, err := online.Verify(context.Background(), []byte("doc"), sig)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id.Fingerprint != sender.Fingerprint {
		t.Fatalf("Verify() fingerprint = %s", id.Fingerprint)
	}
	if _, err := online.Lookup(context.Background(), sender.Fingerprint); err != nil {
		t.Fatalf("Lookup() after download error = %v", err)
	}
}

func TestVerifyRejectsEveryBitFlip(t *testing.T) {
	b := newBackend(t, Options{})
	sender := crypttest.NewPGPKey(t, "sender", "")
	crypttest.InstallPGP(t, b.dir, sender, true)
	doc := []byte(`{"sender":"x","recipients":["y"]}`)
	sig, err := b.Sign(doc, crypt.Identity{Fingerprint: sender.Fingerprint}, nil)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if _, err := b.Verify(context.Background(), doc, sig); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	for i := range sig {
		for bit := 0; bit < 8; bit++ {
			bad := append([]byte(nil), sig...)
			bad[i] ^= 1 << bit
			if _, err := b.Verify(context.Background(), doc, bad); err == nil {
				t.Fatalf("Verify() accepted signature with byte %d bit %d flipped", i, bit)
			}
		}
	}
	if _, err := b.Verify(context.Background(), doc, append(append([]byte(nil), sig...), sig...)); !errors.Is(err, crypt.ErrBadSignature) {
		t.Fatalf("Verify() with trailing packet error = %v, want ErrBadSignature", err)
	}
}

// writePublic serializes e into the public keyring of dir.
func writePublic(t *testing.T, dir string, e *openpgp.Entity) string {
	t.Helper()
	var buf bytes.Buffer
	if err := e.Serialize(&buf); err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, PublicKeyring), buf.Bytes(), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return crypt.FormatFingerprint(e.PrimaryKey.Fingerprint)
}

func TestLookupRejectsUnusableKeys(t *testing.T) {
	t.Run("expired", func(t *testing.T) {
		b := newBackend(t, Options{})
		past := time.Now().Add(-48 * time.Hour)
		e, err := openpgp.NewEntity("old", "", "old@example.org", &packet.Config{
			Time:            func() time.Time { return past },
			KeyLifetimeSecs: 3600,
		})
		if err != nil {
			t.Fatalf("NewEntity() error = %v", err)
		}
		fpr := writePublic(t, b.dir, e)
		if _, err := b.Lookup(context.Background(), fpr); !errors.Is(err, crypt.ErrKeyInvalid) {
			t.Fatalf("Lookup() error = %v, want ErrKeyInvalid", err)
		}
	})
	t.Run("revoked", func(t *testing.T) {
		b := newBackend(t, Options{})
		e, err := openpgp.NewEntity("gone", "", "gone@example.org", nil)
		if err != nil {
			t.Fatalf("NewEntity() error = %v", err)
		}
		if err := e.RevokeKey(packet.KeyCompromised, "lost", nil); err != nil {
			t.Fatalf("RevokeKey() error = %v", err)
		}
		fpr := writePublic(t, b.dir, e)
		if _, err := b.Lookup(context.Background(), fpr); !errors.Is(err, crypt.ErrKeyInvalid) {
			t.Fatalf("Lookup() error = %v, want ErrKeyInvalid", err)
		}
	})
}

func TestLookupImportsOnlyRequestedKey(t *testing.T) {
	wanted := crypttest.NewPGPKey(t, "wanted", "")
	extra := crypttest.NewPGPKey(t, "extra", "")
	bundle := append(append([]byte(nil), wanted.Public...), extra.Public...)
	b := newBackend(t, Options{
		AutoDownload: true,
		Fetcher:      crypttest.StaticFetcher{wanted.Fingerprint: bundle},
	})
	if _, err := b.Lookup(context.Background(), wanted.Fingerprint); err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	ring, err := b.readRing(PublicKeyring)
	if err != nil {
		t.Fatalf("readRing() error = %v", err)
	}
	if len(ring) != 1 || find(ring, wanted.Fingerprint) == nil {
		t.Fatalf("public keyring holds %d keys, want only %s", len(ring), wanted.Fingerprint)
	}
}
