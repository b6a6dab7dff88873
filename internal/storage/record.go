package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/votechain/votechain/internal/block"
	"github.com/votechain/votechain/internal/hash"
)

var (
	// ErrNotFound is returned when a key, registry, or snapshot has never been written.
	ErrNotFound = errors.New("not found")

	// ErrCorruptSnapshot is returned when persisted data does not decode into
	// well-formed records.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")

	// ErrNotEmpty is returned by Restore when the store already holds blocks.
	ErrNotEmpty = errors.New("store already holds blocks")
)

// BlockRecord is the persisted shape of a block. Fields are plain strings so a
// missing or malformed field is detected instead of silently zero-filled.
type BlockRecord struct {
	Index        *uint64 `json:"index"`
	Timestamp    string  `json:"timestamp"`
	VoterIDHash  string  `json:"voter_id_hash"`
	CandidateID  string  `json:"candidate_id"`
	PreviousHash string  `json:"previous_hash"`
	BlockHash    string  `json:"block_hash"`
}

func EncodeBlock(b block.Block) BlockRecord {
	idx := b.Index
	return BlockRecord{
		Index:        &idx,
		Timestamp:    b.Timestamp.UTC().Format(block.TimeFormat),
		VoterIDHash:  b.VoterIDHash,
		CandidateID:  b.CandidateID,
		PreviousHash: b.PreviousHash,
		BlockHash:    b.BlockHash,
	}
}

// Decode validates the record shape and converts it to a block. It does not
// check hashes or links; that is the verifier's job.
func (r BlockRecord) Decode() (block.Block, error) {
	if r.Index == nil {
		return block.Block{}, fmt.Errorf("%w: block record missing index", ErrCorruptSnapshot)
	}
	ts, err := time.Parse(block.TimeFormat, r.Timestamp)
	if err != nil {
		return block.Block{}, fmt.Errorf("%w: block %d has invalid timestamp %q", ErrCorruptSnapshot, *r.Index, r.Timestamp)
	}
	for name, v := range map[string]string{
		"voter_id_hash": r.VoterIDHash,
		"previous_hash": r.PreviousHash,
		"block_hash":    r.BlockHash,
	} {
		if !hash.IsDigest(v) {
			return block.Block{}, fmt.Errorf("%w: block %d has invalid %s", ErrCorruptSnapshot, *r.Index, name)
		}
	}
	if strings.TrimSpace(r.CandidateID) == "" {
		return block.Block{}, fmt.Errorf("%w: block %d has empty candidate_id", ErrCorruptSnapshot, *r.Index)
	}

	return block.Block{
		Index:        *r.Index,
		Timestamp:    ts.UTC(),
		VoterIDHash:  r.VoterIDHash,
		CandidateID:  r.CandidateID,
		PreviousHash: r.PreviousHash,
		BlockHash:    r.BlockHash,
	}, nil
}

func EncodeBlocks(blocks []block.Block) []BlockRecord {
	out := make([]BlockRecord, len(blocks))
	for i, b := range blocks {
		out[i] = EncodeBlock(b)
	}
	return out
}

func DecodeBlocks(records []BlockRecord) ([]block.Block, error) {
	out := make([]block.Block, 0, len(records))
	for _, r := range records {
		b, err := r.Decode()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
