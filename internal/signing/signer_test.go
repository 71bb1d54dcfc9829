package signing

import (
	"context"
	"crypto/sha256"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/cerberus/internal/models"
	"github.com/Wikid82/cerberus/internal/transparency"
)

func TestLocal_SignVerify(t *testing.T) {
	ctx := context.Background()
	signer, err := NewEphemeral()
	require.NoError(t, err)

	payload := []byte(`{"hello":"world"}`)
	sig, err := signer.Sign(ctx, EvidencePayloadType, payload)
	require.NoError(t, err)
	assert.Equal(t, signer.Identity(), sig.KeyID)
	assert.Equal(t, AlgorithmEd25519, sig.Algorithm)

	assert.True(t, signer.Verify(EvidencePayloadType, payload, sig, signer.Identity()))
	// payload type is part of the signed message
	assert.False(t, signer.Verify(transparency.TreeHeadPayloadType, payload, sig, signer.Identity()))
	assert.False(t, signer.Verify(EvidencePayloadType, []byte(`{"hello":"there"}`), sig, signer.Identity()))
	assert.False(t, signer.Verify(EvidencePayloadType, payload, sig, "ed25519:someone-else"))

	other, err := NewEphemeral()
	require.NoError(t, err)
	assert.False(t, other.Verify(EvidencePayloadType, payload, sig, other.Identity()))

	truncated := sig
	truncated.Value = sig.Value[:10]
	assert.False(t, signer.Verify(EvidencePayloadType, payload, truncated, signer.Identity()))
}

func TestLoadOrCreate_PersistsKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "signing.pem")

	first, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.FileExists(t, path+".pub")

	second, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, first.Identity(), second.Identity())

	sig, err := first.Sign(context.Background(), EvidencePayloadType, []byte("x"))
	require.NoError(t, err)
	assert.True(t, second.Verify(EvidencePayloadType, []byte("x"), sig, second.Identity()))
}

func TestParseKeys_Errors(t *testing.T) {
	_, err := ParsePrivateKey([]byte("not pem"))
	assert.Error(t, err)
	_, err = ParsePublicKey([]byte("not pem"))
	assert.Error(t, err)

	signer, err := NewEphemeral()
	require.NoError(t, err)
	pubPEM, err := EncodePublicKey(signer.PublicKey())
	require.NoError(t, err)
	pub, err := ParsePublicKey(pubPEM)
	require.NoError(t, err)
	assert.Equal(t, signer.Identity(), KeyID(pub))

	// a public key block is not accepted as a private key
	_, err = ParsePrivateKey(pubPEM)
	assert.Error(t, err)
}

func anchoredBundle(t *testing.T, signer Signer) *models.EvidenceBundle {
	t.Helper()
	ctx := context.Background()
	log := transparency.NewLog(nil)
	for i := 0; i < 4; i++ {
		_, err := log.Append(ctx, sha256.Sum256([]byte{byte(i)}))
		require.NoError(t, err)
	}

	content := models.Hash(sha256.Sum256([]byte("decision")))
	res, err := log.Append(ctx, content)
	require.NoError(t, err)

	binding := Binding{ContentHash: content, LogIndex: res.Entry.Index, RootHash: res.RootHash}
	sig, err := signer.Sign(ctx, EvidencePayloadType, binding.Payload())
	require.NoError(t, err)

	idx := res.Entry.Index
	root := res.RootHash
	proof := res.Proof
	return &models.EvidenceBundle{
		ContentHash:    content,
		Signature:      &sig,
		LogIndex:       &idx,
		RootHash:       &root,
		InclusionProof: &proof,
	}
}

func TestVerifyBundle(t *testing.T) {
	signer, err := NewEphemeral()
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		res := VerifyBundle(signer, anchoredBundle(t, signer))
		assert.True(t, res.Verified, res.Reason)
	})

	t.Run("flipped content hash bit", func(t *testing.T) {
		b := anchoredBundle(t, signer)
		b.ContentHash[7] ^= 0x04
		res := VerifyBundle(signer, b)
		assert.False(t, res.Verified)
		assert.Equal(t, "merkle root mismatch", res.Reason)
	})

	t.Run("flipped signature bit", func(t *testing.T) {
		b := anchoredBundle(t, signer)
		b.Signature.Value[0] ^= 0x01
		res := VerifyBundle(signer, b)
		assert.False(t, res.Verified)
		assert.Equal(t, "signature mismatch", res.Reason)
	})

	t.Run("flipped sibling hash bit", func(t *testing.T) {
		b := anchoredBundle(t, signer)
		require.NotEmpty(t, b.InclusionProof.Hashes)
		b.InclusionProof.Hashes[0][31] ^= 0x80
		res := VerifyBundle(signer, b)
		assert.False(t, res.Verified)
	})

	t.Run("replayed against another index", func(t *testing.T) {
		b := anchoredBundle(t, signer)
		other := *b.LogIndex + 1
		b.LogIndex = &other
		res := VerifyBundle(signer, b)
		assert.False(t, res.Verified)
	})

	t.Run("unanchored", func(t *testing.T) {
		res := VerifyBundle(signer, &models.EvidenceBundle{})
		assert.False(t, res.Verified)
	})

	t.Run("unsigned", func(t *testing.T) {
		b := anchoredBundle(t, signer)
		b.Signature = nil
		res := VerifyBundle(signer, b)
		assert.False(t, res.Verified)
		assert.Equal(t, ErrNoSignature.Error(), res.Reason)
	})

	t.Run("wrong verifier", func(t *testing.T) {
		other, err := NewEphemeral()
		require.NoError(t, err)
		res := VerifyBundle(other, anchoredBundle(t, signer))
		assert.False(t, res.Verified)
	})
}
