package models

import (
	"encoding/hex"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// HashSize is the length of every leaf and node hash in the transparency log.
const HashSize = 32

// Hash is a SHA-256 digest. It encodes as lowercase hex in JSON.
type Hash [HashSize]byte

// ParseHash decodes a hex digest.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decode hash: %w", err)
	}
	if len(raw) != HashSize {
		return h, fmt.Errorf("decode hash: want %d bytes, got %d", HashSize, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// InclusionProof carries the sibling hashes needed to rebuild the root of a tree of
// TreeSize leaves from the leaf at LeafIndex.
type InclusionProof struct {
	LeafIndex uint64 `json:"leaf_index"`
	TreeSize  uint64 `json:"tree_size"`
	Hashes    []Hash `json:"hashes"`
}

// LogEntry is a persisted transparency log leaf. Index is assigned by the log and never reused.
type LogEntry struct {
	Index          uint64    `json:"index" gorm:"primaryKey;autoIncrement:false"`
	LeafHash       string    `json:"leaf_hash" gorm:"size:64;index"`
	IntegratedTime int64     `json:"integrated_time"` // unix seconds
	CreatedAt      time.Time `json:"created_at"`
}

// BeforeCreate stamps the integration time when the caller did not provide one.
func (e *LogEntry) BeforeCreate(tx *gorm.DB) error {
	if e.IntegratedTime == 0 {
		e.IntegratedTime = time.Now().Unix()
	}
	return nil
}

// SignedTreeHead is a signed commitment to the log root at a given size.
type SignedTreeHead struct {
	TreeSize  uint64    `json:"tree_size"`
	RootHash  Hash      `json:"root_hash"`
	Timestamp time.Time `json:"timestamp"`
	Signature Signature `json:"signature"`
}

// Signature is a detached signature and the identity of the key that produced it.
type Signature struct {
	KeyID     string `json:"key_id"`
	Algorithm string `json:"alg"`
	Value     []byte `json:"sig"`
}
