package transparency

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/Wikid82/cerberus/internal/models"
)

var (
	ErrIndexOutOfRange = errors.New("leaf index out of range")
	ErrInvalidTreeSize = errors.New("invalid tree size")
)

const nodePrefix = 0x01

// EmptyRoot is the root of a tree with no leaves.
var EmptyRoot = models.Hash(sha256.Sum256(nil))

// HashChildren combines two sibling nodes into their parent.
func HashChildren(left, right models.Hash) models.Hash {
	var buf [1 + 2*models.HashSize]byte
	buf[0] = nodePrefix
	copy(buf[1:], left[:])
	copy(buf[1+models.HashSize:], right[:])
	return sha256.Sum256(buf[:])
}

// Tree is an append-only binary Merkle tree. Adjacent nodes are paired level by
// level; an unpaired last node is carried up unchanged.
//
// Only complete subtrees are stored: levels[j][k] covers leaves [k<<j, (k+1)<<j).
// Those nodes never change once written, so the root and proofs for any historical
// size can be derived from them plus the partial right edge at that size.
type Tree struct {
	mu     sync.RWMutex
	levels [][]models.Hash
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{levels: [][]models.Hash{nil}}
}

// Append adds a leaf at the next index and returns that index and the new root.
func (t *Tree) Append(leaf models.Hash) (uint64, models.Hash) {
	t.mu.Lock()
	t.levels[0] = append(t.levels[0], leaf)
	index := uint64(len(t.levels[0]) - 1)

	node := leaf
	for j := 0; len(t.levels[j])%2 == 0; j++ {
		n := len(t.levels[j])
		node = HashChildren(t.levels[j][n-2], node)
		if j+1 == len(t.levels) {
			t.levels = append(t.levels, nil)
		}
		t.levels[j+1] = append(t.levels[j+1], node)
	}
	snap := t.snapshotLocked()
	t.mu.Unlock()

	return index, snap.root()
}

// Size returns the number of leaves.
func (t *Tree) Size() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint64(len(t.levels[0]))
}

// Root returns the root at the given historical size.
func (t *Tree) Root(size uint64) (models.Hash, error) {
	snap := t.snapshot()
	if size > snap.size {
		return models.Hash{}, fmt.Errorf("%w: %d exceeds %d", ErrInvalidTreeSize, size, snap.size)
	}
	snap.size = size
	return snap.root(), nil
}

// Leaf returns the leaf hash at index.
func (t *Tree) Leaf(index uint64) (models.Hash, error) {
	snap := t.snapshot()
	if index >= snap.size {
		return models.Hash{}, ErrIndexOutOfRange
	}
	return snap.levels[0][index], nil
}

// Prove returns the inclusion proof of leaf index in the tree of the given size.
func (t *Tree) Prove(index, size uint64) (models.InclusionProof, error) {
	snap := t.snapshot()
	if size == 0 || size > snap.size {
		return models.InclusionProof{}, fmt.Errorf("%w: %d (log has %d leaves)", ErrInvalidTreeSize, size, snap.size)
	}
	if index >= size {
		return models.InclusionProof{}, fmt.Errorf("%w: %d >= %d", ErrIndexOutOfRange, index, size)
	}
	snap.size = size

	proof := models.InclusionProof{LeafIndex: index, TreeSize: size}
	idx, width := index, size
	for level := 0; width > 1; level++ {
		switch {
		case idx%2 == 1:
			proof.Hashes = append(proof.Hashes, snap.node(level, idx-1))
		case idx+1 < width:
			proof.Hashes = append(proof.Hashes, snap.node(level, idx+1))
		}
		idx /= 2
		width = (width + 1) / 2
	}
	return proof, nil
}

// RootFromProof recomputes the root implied by leaf and proof.
func RootFromProof(leaf models.Hash, proof models.InclusionProof) (models.Hash, error) {
	if proof.TreeSize == 0 || proof.LeafIndex >= proof.TreeSize {
		return models.Hash{}, ErrIndexOutOfRange
	}
	node := leaf
	used := 0
	idx, width := proof.LeafIndex, proof.TreeSize
	for width > 1 {
		switch {
		case idx%2 == 1:
			if used == len(proof.Hashes) {
				return models.Hash{}, errors.New("proof too short")
			}
			node = HashChildren(proof.Hashes[used], node)
			used++
		case idx+1 < width:
			if used == len(proof.Hashes) {
				return models.Hash{}, errors.New("proof too short")
			}
			node = HashChildren(node, proof.Hashes[used])
			used++
		}
		idx /= 2
		width = (width + 1) / 2
	}
	if used != len(proof.Hashes) {
		return models.Hash{}, errors.New("proof too long")
	}
	return node, nil
}

// Verify reports whether proof shows leaf is included under expectedRoot.
func Verify(leaf models.Hash, proof models.InclusionProof, expectedRoot models.Hash) bool {
	root, err := RootFromProof(leaf, proof)
	if err != nil {
		return false
	}
	return bytes.Equal(root[:], expectedRoot[:])
}

// snapshot is a read-only view of the tree at a fixed size. Stored nodes are never
// rewritten, so the captured slices stay valid after the lock is released.
type snapshot struct {
	levels [][]models.Hash
	size   uint64
}

func (t *Tree) snapshot() snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

func (t *Tree) snapshotLocked() snapshot {
	levels := make([][]models.Hash, len(t.levels))
	copy(levels, t.levels)
	return snapshot{levels: levels, size: uint64(len(t.levels[0]))}
}

func (s snapshot) root() models.Hash {
	if s.size == 0 {
		return EmptyRoot
	}
	level := 0
	for width := s.size; width > 1; width = (width + 1) / 2 {
		level++
	}
	return s.node(level, 0)
}

// node returns the node at (level, k) of the tree of s.size leaves.
func (s snapshot) node(level int, k uint64) models.Hash {
	if (k+1)<<uint(level) <= s.size {
		return s.levels[level][k]
	}
	// Partial right-edge node: rebuild from the level below.
	left, right := 2*k, 2*k+1
	belowWidth := (s.size + (1 << uint(level-1)) - 1) >> uint(level-1)
	if right < belowWidth {
		return HashChildren(s.node(level-1, left), s.node(level-1, right))
	}
	return s.node(level-1, left)
}
