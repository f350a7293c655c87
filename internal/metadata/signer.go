package metadata

import (
	"context"
	"fmt"

	"github.com/islishude/sett/internal/crypt"
)

// Signer binds metadata documents to the sender's key.
type Signer struct {
	Gateway crypt.Gateway
	Policy  crypt.TrustPolicy
}

// Sign encodes m and returns the document together with a detached
// signature over its exact bytes.
func (s Signer) Sign(m Metadata, signer crypt.Identity, password []byte) (doc, sig []byte, err error) {
	doc, err = Encode(m)
	if err != nil {
		return nil, nil, err
	}
	sig, err = s.Gateway.Sign(doc, signer, password)
	if err != nil {
		return nil, nil, fmt.Errorf("signing metadata: %w", err)
	}
	return doc, sig, nil
}

// Verify checks sig over doc, requires the signing key to be the declared
// sender and applies the trust policy. Nothing from doc is trusted before
// the signature verifies.
func (s Signer) Verify(ctx context.Context, doc, sig []byte) (Metadata, crypt.Identity, error) {
	id, err := s.Gateway.Verify(ctx, doc, sig)
	if err != nil {
		return Metadata{}, crypt.Identity{}, fmt.Errorf("verifying metadata signature: %w", err)
	}
	m, err := Decode(doc)
	if err != nil {
		return Metadata{}, crypt.Identity{}, err
	}
	sender, _ := crypt.NormalizeFingerprint(m.Sender)
	if id.Fingerprint != sender {
		return Metadata{}, crypt.Identity{}, fmt.Errorf("%w: metadata signed by %s but sender is %s", crypt.ErrBadSignature, id.Fingerprint, sender)
	}
	if err := s.Policy.Authorize(id); err != nil {
		return Metadata{}, crypt.Identity{}, err
	}
	return m, id, nil
}
