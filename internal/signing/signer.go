// Package signing signs evidence commitments and verifies presented evidence bundles.
package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/secure-systems-lab/go-securesystemslib/dsse"

	"github.com/Wikid82/cerberus/internal/models"
)

const (
	// EvidencePayloadType identifies the (content_hash, log_index, root_hash) binding.
	EvidencePayloadType = "application/vnd.cerberus.evidence+json"
	// AlgorithmEd25519 is the only signature algorithm produced by this package.
	AlgorithmEd25519 = "ed25519"
)

var ErrNoSignature = errors.New("bundle has no signature")

// Verifier checks signatures made by a known identity.
type Verifier interface {
	// Identity is the key ID signatures from this verifier carry.
	Identity() string
	Verify(payloadType string, payload []byte, sig models.Signature, identity string) bool
}

// Signer produces signatures over typed payloads. Implementations are chosen once at
// startup: Local for ephemeral or file keys, authority.Client for a remote authority.
type Signer interface {
	Verifier
	Sign(ctx context.Context, payloadType string, payload []byte) (models.Signature, error)
}

// Binding ties a decision's content hash to its position in the log. Signing the
// binding rather than the content alone prevents replaying a signature against a
// different index or root.
type Binding struct {
	ContentHash models.Hash `json:"content_hash"`
	LogIndex    uint64      `json:"log_index"`
	RootHash    models.Hash `json:"root_hash"`
}

// Payload returns the canonical bytes of the binding.
func (b Binding) Payload() []byte {
	// fixed struct field order and fixed-width hex make this encoding canonical
	raw, _ := json.Marshal(b)
	return raw
}

// KeyID derives a stable identity from an ed25519 public key.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "ed25519:" + hex.EncodeToString(sum[:16])
}

// PublicKeyVerifier verifies signatures from a single ed25519 public key.
type PublicKeyVerifier struct {
	pub ed25519.PublicKey
	id  string
}

// NewPublicKeyVerifier returns a verifier for pub.
func NewPublicKeyVerifier(pub ed25519.PublicKey) *PublicKeyVerifier {
	return &PublicKeyVerifier{pub: pub, id: KeyID(pub)}
}

// Identity implements Verifier.
func (v *PublicKeyVerifier) Identity() string { return v.id }

// PublicKey returns the verification key.
func (v *PublicKeyVerifier) PublicKey() ed25519.PublicKey { return v.pub }

// Verify implements Verifier. The signature is checked over the DSSE pre-authentication
// encoding of payloadType and payload.
func (v *PublicKeyVerifier) Verify(payloadType string, payload []byte, sig models.Signature, identity string) bool {
	if identity != v.id || sig.KeyID != v.id || sig.Algorithm != AlgorithmEd25519 {
		return false
	}
	if len(sig.Value) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(v.pub, dsse.PAE(payloadType, payload), sig.Value)
}

// Local signs with an in-process ed25519 key.
type Local struct {
	*PublicKeyVerifier
	priv ed25519.PrivateKey
}

// NewLocal returns a signer for priv.
func NewLocal(priv ed25519.PrivateKey) *Local {
	pub := priv.Public().(ed25519.PublicKey)
	return &Local{PublicKeyVerifier: NewPublicKeyVerifier(pub), priv: priv}
}

// Sign implements Signer.
func (l *Local) Sign(_ context.Context, payloadType string, payload []byte) (models.Signature, error) {
	return models.Signature{
		KeyID:     l.Identity(),
		Algorithm: AlgorithmEd25519,
		Value:     ed25519.Sign(l.priv, dsse.PAE(payloadType, payload)),
	}, nil
}
