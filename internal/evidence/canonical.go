package evidence

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/Wikid82/cerberus/internal/models"
)

// CanonicalDecision encodes d deterministically. Struct fields marshal in declaration
// order and map keys sorted, so only the timestamps need normalizing.
func CanonicalDecision(d models.Decision) ([]byte, error) {
	d.Timestamp = d.Timestamp.UTC()
	d.Quota.ResetAt = d.Quota.ResetAt.UTC()
	if len(d.Metadata) == 0 {
		d.Metadata = nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode decision: %w", err)
	}
	return raw, nil
}

// ContentHash is the SHA-256 of the canonical decision. It is the transparency log leaf.
func ContentHash(d models.Decision) (models.Hash, error) {
	raw, err := CanonicalDecision(d)
	if err != nil {
		return models.Hash{}, err
	}
	return sha256.Sum256(raw), nil
}
