package signing

import (
	"github.com/Wikid82/cerberus/internal/models"
	"github.com/Wikid82/cerberus/internal/transparency"
)

// Result is the outcome of verifying a bundle. Failures are reported here, not as errors.
type Result struct {
	Verified bool   `json:"verified"`
	Reason   string `json:"reason"`
}

func failed(reason string) Result { return Result{Verified: false, Reason: reason} }

// VerifyBundle checks that the bundle's inclusion proof rebuilds its recorded root from
// its content hash, and that the signature covers (content_hash, log_index, root_hash).
// Both checks must pass. The caller is responsible for recomputing the content hash
// from the decision.
func VerifyBundle(v Verifier, b *models.EvidenceBundle) Result {
	if !b.Anchored() {
		return failed("bundle is not anchored in the transparency log")
	}
	if b.Signature == nil {
		return failed(ErrNoSignature.Error())
	}
	if b.InclusionProof.LeafIndex != *b.LogIndex {
		return failed("inclusion proof is for a different log index")
	}
	if !transparency.Verify(b.ContentHash, *b.InclusionProof, *b.RootHash) {
		return failed("merkle root mismatch")
	}
	binding := Binding{ContentHash: b.ContentHash, LogIndex: *b.LogIndex, RootHash: *b.RootHash}
	if !v.Verify(EvidencePayloadType, binding.Payload(), *b.Signature, v.Identity()) {
		return failed("signature mismatch")
	}
	return Result{Verified: true, Reason: "signature and inclusion proof valid"}
}
