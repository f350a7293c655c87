package metadata

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/islishude/sett/internal/crypt"
	"github.com/islishude/sett/internal/crypt/crypttest"
	"github.com/islishude/sett/internal/crypt/modern"
)

func sample(sender, recipient string) Metadata {
	id := 42
	p := PurposeTest
	return Metadata{
		TransferID:           &id,
		Sender:               sender,
		Recipients:           []string{recipient},
		Timestamp:            FormatTimestamp(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		Checksum:             strings.Repeat("0a", 32),
		ChecksumAlgorithm:    "SHA256",
		CompressionAlgorithm: "gzip",
		Purpose:              &p,
		Version:              Version,
	}
}

func TestValidate(t *testing.T) {
	fpr := strings.Repeat("A", 40)
	if err := sample(fpr, fpr).Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	cases := map[string]func(*Metadata){
		"sender":     func(m *Metadata) { m.Sender = "nope" },
		"recipients": func(m *Metadata) { m.Recipients = nil },
		"checksum":   func(m *Metadata) { m.Checksum = "abc" },
		"purpose":    func(m *Metadata) { p := Purpose("OTHER"); m.Purpose = &p },
		"timestamp":  func(m *Metadata) { m.Timestamp = "yesterday" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			m := sample(fpr, fpr)
			mutate(&m)
			err := m.Validate()
			if err == nil || !strings.Contains(err.Error(), name) {
				t.Fatalf("Validate() error = %v, want mention of %s", err, name)
			}
		})
	}
}

func TestDecodeNullableFields(t *testing.T) {
	doc := `{"transfer_id": null, "sender": "` + strings.Repeat("B", 40) + `", "recipients": ["` + strings.Repeat("C", 40) + `"],
		"timestamp": "2024-03-01T12:00:00+0000", "checksum": "` + strings.Repeat("ff", 32) + `",
		"checksum_algorithm": "SHA256", "compression_algorithm": "", "purpose": null, "version": "0.7"}`
	m, err := Decode([]byte(doc))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if m.TransferID != nil || m.Purpose != nil || m.CompressionAlgorithm != "" {
		t.Fatalf("Decode() = %+v", m)
	}
}

func TestParsePurpose(t *testing.T) {
	if p, err := ParsePurpose("production"); err != nil || *p != PurposeProduction {
		t.Fatalf("ParsePurpose() = %v, %v", p, err)
	}
	if p, err := ParsePurpose(""); err != nil || p != nil {
		t.Fatalf("ParsePurpose(\"\") = %v, %v", p, err)
	}
	if _, err := ParsePurpose("staging"); err == nil {
		t.Fatalf("ParsePurpose(staging) expected error")
	}
}

func newSigner(t *testing.T, policy crypt.TrustPolicy) (Signer, crypttest.Key, crypttest.Key) {
	t.Helper()
	dir := t.TempDir()
	gw, err := modern.New(modern.Options{Dir: dir})
	if err != nil {
		t.Fatalf("modern.New() error = %v", err)
	}
	sender := crypttest.NewSSHKey(t, "sender", "")
	other := crypttest.NewSSHKey(t, "other", "")
	crypttest.InstallSSH(t, dir, sender, true)
	crypttest.InstallSSH(t, dir, other, true)
	return Signer{Gateway: gw, Policy: policy}, sender, other
}

func TestSignVerify(t *testing.T) {
	s, sender, other := newSigner(t, crypt.TrustPolicy{})
	m := sample(sender.Fingerprint, other.Fingerprint)
	doc, sig, err := s.Sign(m, crypt.Identity{Fingerprint: sender.Fingerprint}, nil)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	got, id, err := s.Verify(context.Background(), doc, sig)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id.Fingerprint != sender.Fingerprint || *got.TransferID != 42 {
		t.Fatalf("Verify() = %+v, %+v", got, id)
	}
}

func TestVerifyTamperedDocument(t *testing.T) {
	s, sender, other := newSigner(t, crypt.TrustPolicy{})
	doc, sig, err := s.Sign(sample(sender.Fingerprint, other.Fingerprint), crypt.Identity{Fingerprint: sender.Fingerprint}, nil)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	for i := 0; i < len(doc); i += 7 {
		bad := append([]byte(nil), doc...)
		bad[i] ^= 0x04
		if _, _, err := s.Verify(context.Background(), bad, sig); err == nil {
			t.Fatalf("Verify() accepted document with byte %d flipped", i)
		}
	}
}

func TestVerifySenderMismatch(t *testing.T) {
	s, sender, other := newSigner(t, crypt.TrustPolicy{})
	// Declares "other" as sender but is signed by "sender".
	doc, sig, err := s.Sign(sample(other.Fingerprint, other.Fingerprint), crypt.Identity{Fingerprint: sender.Fingerprint}, nil)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if _, _, err := s.Verify(context.Background(), doc, sig); !errors.Is(err, crypt.ErrBadSignature) {
		t.Fatalf("Verify() error = %v, want ErrBadSignature", err)
	}
}

func TestVerifyTrustPolicy(t *testing.T) {
	s, sender, other := newSigner(t, crypt.TrustPolicy{})
	s.Policy = crypt.TrustPolicy{AllowedSigners: []string{other.Fingerprint}}
	doc, sig, err := s.Sign(sample(sender.Fingerprint, other.Fingerprint), crypt.Identity{Fingerprint: sender.Fingerprint}, nil)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if _, _, err := s.Verify(context.Background(), doc, sig); !errors.Is(err, crypt.ErrSignerNotAuthorized) {
		t.Fatalf("Verify() error = %v, want ErrSignerNotAuthorized", err)
	}
}
