package ledger

import (
	"fmt"
	"sort"

	"github.com/votechain/votechain/internal/block"
	"github.com/votechain/votechain/internal/hash"
	"github.com/votechain/votechain/internal/registry"
	"github.com/votechain/votechain/internal/verify"
)

// Tally counts votes per candidate id. Every registered candidate is present,
// with zero when it has no votes. Votes for candidates removed after they were
// cast are still counted under their id.
func (l *Ledger) Tally() map[string]int {
	blocks, candidates := l.view()
	return tally(blocks, candidates)
}

func (l *Ledger) view() ([]block.Block, []registry.Candidate) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.blocks[:len(l.blocks):len(l.blocks)], l.registry.List()
}

func tally(blocks []block.Block, candidates []registry.Candidate) map[string]int {
	counts := make(map[string]int, len(candidates))
	for _, c := range candidates {
		counts[c.ID] = 0
	}
	for i := 1; i < len(blocks); i++ {
		counts[blocks[i].CandidateID]++
	}
	return counts
}

type Standing struct {
	CandidateID string  `json:"candidate_id"`
	Name        string  `json:"display_name"`
	Votes       int     `json:"votes"`
	Percentage  float64 `json:"percentage"`
	Registered  bool    `json:"registered"`
}

// Results returns the tally ordered by votes, most first. Ties keep registry
// order, and unregistered ids follow registered ones sorted by id.
func (l *Ledger) Results() []Standing {
	blocks, candidates := l.view()
	counts := tally(blocks, candidates)

	total := 0
	for _, n := range counts {
		total += n
	}

	registered := make(map[string]bool, len(candidates))
	standings := make([]Standing, 0, len(counts))
	for _, c := range candidates {
		registered[c.ID] = true
		standings = append(standings, Standing{CandidateID: c.ID, Name: c.Name, Votes: counts[c.ID], Registered: true})
	}

	var orphans []string
	for id := range counts {
		if !registered[id] {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	for _, id := range orphans {
		standings = append(standings, Standing{CandidateID: id, Name: id, Votes: counts[id]})
	}

	for i := range standings {
		if total > 0 {
			standings[i].Percentage = float64(standings[i].Votes) * 100 / float64(total)
		}
	}

	sort.SliceStable(standings, func(i, j int) bool {
		return standings[i].Votes > standings[j].Votes
	})
	return standings
}

type Info struct {
	Blocks     int            `json:"blocks"`
	Votes      int            `json:"votes"`
	Candidates int            `json:"candidates"`
	TipIndex   uint64         `json:"tip_index"`
	TipHash    string         `json:"tip_hash"`
	MerkleRoot string         `json:"merkle_root"`
	Algorithm  hash.Algorithm `json:"hash_algorithm"`
	Integrity  verify.Result  `json:"integrity"`
}

// Info summarizes the chain and runs an in-memory integrity check.
func (l *Ledger) Info() Info {
	blocks, candidates := l.view()
	tip := blocks[len(blocks)-1]

	return Info{
		Blocks:     len(blocks),
		Votes:      len(blocks) - 1,
		Candidates: len(candidates),
		TipIndex:   tip.Index,
		TipHash:    tip.BlockHash,
		MerkleRoot: merkleTree(l.alg, blocks).GetRoot(),
		Algorithm:  l.alg,
		Integrity:  verify.VerifyChain(blocks, l.alg),
	}
}

// Receipt proves a block's hash is part of the chain's Merkle root at the time
// it was issued.
type Receipt struct {
	Block     block.Block       `json:"block"`
	Algorithm hash.Algorithm    `json:"hash_algorithm"`
	Root      string            `json:"merkle_root"`
	Proof     *hash.MerkleProof `json:"proof"`
}

// Verify checks the receipt offline against its own root.
func (r *Receipt) Verify() bool {
	if r.Proof == nil || r.Proof.LeafHash != r.Block.BlockHash {
		return false
	}
	if block.ComputeHash(r.Algorithm, r.Block) != r.Block.BlockHash {
		return false
	}
	return r.Proof.Verify(r.Algorithm, r.Root)
}

func (l *Ledger) Receipt(index uint64) (*Receipt, error) {
	blocks := l.snapshot()
	if index >= uint64(len(blocks)) {
		return nil, fmt.Errorf("%w: %d", ErrBlockNotFound, index)
	}

	tree := merkleTree(l.alg, blocks)
	proof, err := tree.GetProof(int(index))
	if err != nil {
		return nil, fmt.Errorf("failed to build receipt: %w", err)
	}

	return &Receipt{
		Block:     blocks[index],
		Algorithm: l.alg,
		Root:      tree.GetRoot(),
		Proof:     proof,
	}, nil
}

func merkleTree(alg hash.Algorithm, blocks []block.Block) *hash.MerkleTree {
	tree := hash.NewMerkleTree(alg)
	for _, b := range blocks {
		tree.AddLeafHash(b.BlockHash)
	}
	return tree
}
