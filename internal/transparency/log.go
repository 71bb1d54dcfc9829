package transparency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Wikid82/cerberus/internal/logger"
	"github.com/Wikid82/cerberus/internal/metrics"
	"github.com/Wikid82/cerberus/internal/models"
)

// TreeHeadPayloadType identifies signed tree head payloads.
const TreeHeadPayloadType = "application/vnd.cerberus.treehead+json"

// AppendResult is returned when a leaf is integrated into the log.
type AppendResult struct {
	Entry    models.LogEntry       `json:"entry"`
	RootHash models.Hash           `json:"root_hash"`
	Proof    models.InclusionProof `json:"inclusion_proof"`
}

// Service is the transparency log as seen by the evidence pipeline. The local Log and
// the remote authority client both implement it.
type Service interface {
	Append(ctx context.Context, leaf models.Hash) (*AppendResult, error)
	Prove(ctx context.Context, index, size uint64) (models.InclusionProof, error)
	Root(ctx context.Context, size uint64) (models.Hash, error)
}

// RootSigner signs tree head payloads.
type RootSigner interface {
	Sign(ctx context.Context, payloadType string, payload []byte) (models.Signature, error)
}

// Log is a persistent transparency log backed by an in-memory Merkle tree.
// Appends are serialized; proofs and roots are served from tree snapshots.
type Log struct {
	db   *gorm.DB
	tree *Tree
	mu   sync.Mutex
	now  func() time.Time
}

// NewLog returns a log persisted to db. A nil db keeps the log in memory only.
func NewLog(db *gorm.DB) *Log {
	return &Log{db: db, tree: NewTree(), now: time.Now}
}

// Load replays persisted entries into the tree. Call once before serving.
func (l *Log) Load(ctx context.Context) error {
	if l.db == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var entries []models.LogEntry
	if err := l.db.WithContext(ctx).Order(clause.OrderByColumn{Column: clause.Column{Name: "index"}}).Find(&entries).Error; err != nil {
		return fmt.Errorf("load log entries: %w", err)
	}
	for i, e := range entries {
		if e.Index != uint64(i) {
			return fmt.Errorf("log entries not contiguous: expected index %d, found %d", i, e.Index)
		}
		leaf, err := models.ParseHash(e.LeafHash)
		if err != nil {
			return fmt.Errorf("log entry %d: %w", e.Index, err)
		}
		l.tree.Append(leaf)
	}
	metrics.SetTreeSize(l.tree.Size())
	logger.Log().WithField("tree_size", len(entries)).Info("transparency log loaded")
	return nil
}

// Append persists leaf at the next index and returns its entry, the new root and the
// inclusion proof at the new size.
func (l *Log) Append(ctx context.Context, leaf models.Hash) (*AppendResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := models.LogEntry{
		Index:          l.tree.Size(),
		LeafHash:       leaf.String(),
		IntegratedTime: l.now().Unix(),
	}
	if l.db != nil {
		if err := l.db.WithContext(ctx).Create(&entry).Error; err != nil {
			return nil, fmt.Errorf("persist log entry %d: %w", entry.Index, err)
		}
	}

	index, root := l.tree.Append(leaf)
	proof, err := l.tree.Prove(index, index+1)
	if err != nil {
		return nil, err
	}
	metrics.SetTreeSize(index + 1)

	return &AppendResult{Entry: entry, RootHash: root, Proof: proof}, nil
}

// Prove returns the inclusion proof for index at the given tree size.
func (l *Log) Prove(_ context.Context, index, size uint64) (models.InclusionProof, error) {
	return l.tree.Prove(index, size)
}

// Root returns the root hash at the given tree size.
func (l *Log) Root(_ context.Context, size uint64) (models.Hash, error) {
	return l.tree.Root(size)
}

// Size returns the current number of leaves.
func (l *Log) Size() uint64 {
	return l.tree.Size()
}

// SignedTreeHead signs the current root.
func (l *Log) SignedTreeHead(ctx context.Context, signer RootSigner) (*models.SignedTreeHead, error) {
	size := l.tree.Size()
	root, err := l.tree.Root(size)
	if err != nil {
		return nil, err
	}
	sth := &models.SignedTreeHead{TreeSize: size, RootHash: root, Timestamp: l.now().UTC().Truncate(time.Second)}
	payload, err := TreeHeadPayload(sth)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(ctx, TreeHeadPayloadType, payload)
	if err != nil {
		return nil, fmt.Errorf("sign tree head: %w", err)
	}
	sth.Signature = sig
	return sth, nil
}

// TreeHeadPayload is the byte string covered by a tree head signature.
func TreeHeadPayload(sth *models.SignedTreeHead) ([]byte, error) {
	return json.Marshal(struct {
		TreeSize  uint64      `json:"tree_size"`
		RootHash  models.Hash `json:"root_hash"`
		Timestamp int64       `json:"timestamp"`
	}{sth.TreeSize, sth.RootHash, sth.Timestamp.Unix()})
}
