package hash

import (
	"fmt"
)

// MerkleProof proves that LeafHash is the LeafIndex-th leaf under a root.
// Directions[i] is true when Siblings[i] sits to the right of the running hash.
type MerkleProof struct {
	LeafHash   string   `json:"leaf_hash"`
	LeafIndex  int      `json:"leaf_index"`
	Siblings   []string `json:"siblings"`
	Directions []bool   `json:"directions"`
}

// MerkleTree is built over leaf hashes in insertion order. Odd levels pair the
// last node with itself.
type MerkleTree struct {
	alg    Algorithm
	leaves []string
	levels [][]string
}

func NewMerkleTree(alg Algorithm) *MerkleTree {
	return &MerkleTree{
		alg:    alg,
		leaves: make([]string, 0),
	}
}

func (mt *MerkleTree) AddLeafHash(hash string) {
	mt.leaves = append(mt.leaves, hash)
	mt.levels = nil
}

func (mt *MerkleTree) build() {
	if mt.levels != nil || len(mt.leaves) == 0 {
		return
	}

	level := make([]string, len(mt.leaves))
	copy(level, mt.leaves)
	mt.levels = [][]string{level}

	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, mt.combine(level[i], right))
		}
		mt.levels = append(mt.levels, next)
		level = next
	}
}

func (mt *MerkleTree) combine(left, right string) string {
	return mt.alg.HexString(left + right)
}

// GetRoot returns the root hash, or "" for an empty tree.
func (mt *MerkleTree) GetRoot() string {
	if len(mt.leaves) == 0 {
		return ""
	}
	mt.build()
	return mt.levels[len(mt.levels)-1][0]
}

func (mt *MerkleTree) GetProof(leafIndex int) (*MerkleProof, error) {
	if leafIndex < 0 || leafIndex >= len(mt.leaves) {
		return nil, fmt.Errorf("leaf index out of range: %d", leafIndex)
	}
	mt.build()

	proof := &MerkleProof{
		LeafHash:   mt.leaves[leafIndex],
		LeafIndex:  leafIndex,
		Siblings:   make([]string, 0),
		Directions: make([]bool, 0),
	}

	idx := leafIndex
	for _, level := range mt.levels[:len(mt.levels)-1] {
		if idx%2 == 0 {
			sibling := level[idx]
			if idx+1 < len(level) {
				sibling = level[idx+1]
			}
			proof.Siblings = append(proof.Siblings, sibling)
			proof.Directions = append(proof.Directions, true)
		} else {
			proof.Siblings = append(proof.Siblings, level[idx-1])
			proof.Directions = append(proof.Directions, false)
		}
		idx /= 2
	}

	return proof, nil
}

// Verify recomputes the root from the proof with alg and compares it to expectedRoot.
func (mp *MerkleProof) Verify(alg Algorithm, expectedRoot string) bool {
	if len(mp.Siblings) != len(mp.Directions) {
		return false
	}

	currentHash := mp.LeafHash
	for i, sibling := range mp.Siblings {
		if mp.Directions[i] {
			currentHash = alg.HexString(currentHash + sibling)
		} else {
			currentHash = alg.HexString(sibling + currentHash)
		}
	}

	return currentHash == expectedRoot
}
