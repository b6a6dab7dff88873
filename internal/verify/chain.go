package verify

import (
	"strconv"

	"github.com/votechain/votechain/internal/block"
	"github.com/votechain/votechain/internal/hash"
)

// Kind classifies the first problem found in a chain.
type Kind string

const (
	IndexGap       Kind = "IndexGap"
	HashMismatch   Kind = "HashMismatch"
	LinkMismatch   Kind = "LinkMismatch"
	DuplicateVoter Kind = "DuplicateVoter"
	// Divergence means persisted state differs from the in-memory chain.
	Divergence Kind = "Divergence"
)

// Failure locates the first offending block. Expected and Actual hold the
// compared values; for DuplicateVoter Expected is the index of the earlier
// block carrying the same voter digest.
type Failure struct {
	Index    uint64 `json:"index"`
	Kind     Kind   `json:"kind"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

type Result struct {
	Checked int      `json:"checked"`
	Failure *Failure `json:"failure,omitempty"`
}

func (r Result) OK() bool {
	return r.Failure == nil
}

// Err returns an *IntegrityError for a failed result and nil otherwise.
func (r Result) Err() error {
	if r.Failure == nil {
		return nil
	}
	return &IntegrityError{Failure: *r.Failure}
}

func fail(checked int, index uint64, kind Kind, expected, actual string) Result {
	return Result{
		Checked: checked,
		Failure: &Failure{Index: index, Kind: kind, Expected: expected, Actual: actual},
	}
}

// VerifyChain walks blocks in order and stops at the first failure. For each
// block it checks, in order, the index, the recomputed hash, the link to the
// previous block, and that the voter digest was not seen before. Genesis is
// held to the same rules with the zero hash as its predecessor. An empty chain
// fails at index 0 with IndexGap.
func VerifyChain(blocks []block.Block, alg hash.Algorithm) Result {
	if len(blocks) == 0 {
		return fail(0, 0, IndexGap, "0", "")
	}

	seen := make(map[string]uint64, len(blocks))
	previous := hash.ZeroHash

	for i, b := range blocks {
		expectedIndex := uint64(i)
		if b.Index != expectedIndex {
			return fail(i, expectedIndex, IndexGap, strconv.FormatUint(expectedIndex, 10), strconv.FormatUint(b.Index, 10))
		}

		if computed := block.ComputeHash(alg, b); computed != b.BlockHash {
			return fail(i, b.Index, HashMismatch, computed, b.BlockHash)
		}

		if b.PreviousHash != previous {
			return fail(i, b.Index, LinkMismatch, previous, b.PreviousHash)
		}

		if i > 0 {
			if first, dup := seen[b.VoterIDHash]; dup {
				return fail(i, b.Index, DuplicateVoter, strconv.FormatUint(first, 10), b.VoterIDHash)
			}
			seen[b.VoterIDHash] = b.Index
		}

		previous = b.BlockHash
	}

	return Result{Checked: len(blocks)}
}

// Compare reports the first index where persisted differs from memory. Both
// slices are expected to have passed VerifyChain.
func Compare(memory, persisted []block.Block) Result {
	n := len(memory)
	if len(persisted) < n {
		n = len(persisted)
	}

	for i := 0; i < n; i++ {
		if memory[i].BlockHash != persisted[i].BlockHash {
			return fail(i, memory[i].Index, Divergence, memory[i].BlockHash, persisted[i].BlockHash)
		}
	}

	if len(memory) != len(persisted) {
		return fail(n, uint64(n), Divergence,
			strconv.Itoa(len(memory))+" blocks", strconv.Itoa(len(persisted))+" blocks")
	}

	return Result{Checked: n}
}
