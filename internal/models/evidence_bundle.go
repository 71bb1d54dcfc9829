package models

import (
	"time"
)

// VerificationStatus tracks how far a bundle got through the evidence pipeline.
type VerificationStatus string

const (
	StatusPending  VerificationStatus = "pending"
	StatusVerified VerificationStatus = "verified"
	StatusFailed   VerificationStatus = "failed"
)

// EvidenceBundle binds a decision to its position and proof in the transparency log.
// It is stored as opaque JSON in the evidence store under BundleID.
type EvidenceBundle struct {
	BundleID           string             `json:"bundle_id"`
	Decision           Decision           `json:"decision"`
	ContentHash        Hash               `json:"content_hash"`
	Signature          *Signature         `json:"signature,omitempty"`
	LogIndex           *uint64            `json:"log_index,omitempty"`
	RootHash           *Hash              `json:"root_hash,omitempty"`
	InclusionProof     *InclusionProof    `json:"inclusion_proof,omitempty"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	Attempts           int                `json:"attempts"`
	LastError          string             `json:"last_error,omitempty"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// Anchored reports whether the bundle already has a position in the log.
func (b *EvidenceBundle) Anchored() bool {
	return b.LogIndex != nil && b.RootHash != nil && b.InclusionProof != nil
}

// BundleIndex is the queryable projection of a bundle used for listing and retry scheduling.
type BundleIndex struct {
	BundleID      string             `json:"bundle_id" gorm:"primaryKey;size:64"`
	DecisionID    string             `json:"decision_id" gorm:"uniqueIndex"`
	ClientKey     string             `json:"client_key" gorm:"index"`
	Outcome       Outcome            `json:"outcome" gorm:"index"`
	Guardrail     string             `json:"guardrail"`
	ShadowMode    bool               `json:"shadow_mode"`
	DecisionTime  time.Time          `json:"decision_time" gorm:"index"`
	Status        VerificationStatus `json:"status" gorm:"index"`
	Attempts      int                `json:"attempts"`
	NextAttemptAt *time.Time         `json:"next_attempt_at,omitempty" gorm:"index"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// EvidenceBlob is the row type of the database-backed evidence store.
type EvidenceBlob struct {
	ID        string    `gorm:"primaryKey;size:128"`
	Data      []byte
	UpdatedAt time.Time
}
