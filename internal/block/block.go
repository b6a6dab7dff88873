// Package block defines the immutable vote record stored in the ledger and the
// canonical encoding its hash is computed over.
//
// The encoding is, in order:
//
//	index          uint64, big-endian, 8 bytes
//	timestamp      uint32 big-endian length, then RFC 3339 (nanoseconds, UTC) in UTF-8
//	voter_id_hash  uint32 big-endian length, then UTF-8
//	candidate_id   uint32 big-endian length, then UTF-8
//	previous_hash  uint32 big-endian length, then UTF-8
//
// block_hash is the lowercase hex digest of those bytes under the ledger's algorithm.
package block

import (
	"encoding/binary"
	"time"

	"github.com/votechain/votechain/internal/hash"
)

const (
	// TimeFormat is the timestamp layout used for hashing and snapshots.
	TimeFormat = time.RFC3339Nano

	GenesisCandidateID = "SYSTEM_INITIALIZED"
)

type Block struct {
	Index        uint64    `json:"index"`
	Timestamp    time.Time `json:"timestamp"`
	VoterIDHash  string    `json:"voter_id_hash"`
	CandidateID  string    `json:"candidate_id"`
	PreviousHash string    `json:"previous_hash"`
	BlockHash    string    `json:"block_hash"`
}

// New builds a block and seals it with its hash. Inputs are assumed valid.
func New(alg hash.Algorithm, index uint64, voterIDHash, candidateID, previousHash string, timestamp time.Time) Block {
	b := Block{
		Index:        index,
		Timestamp:    Normalize(timestamp),
		VoterIDHash:  voterIDHash,
		CandidateID:  candidateID,
		PreviousHash: previousHash,
	}
	b.BlockHash = ComputeHash(alg, b)
	return b
}

// Genesis returns block 0 for a chain created at ts.
func Genesis(alg hash.Algorithm, ts time.Time) Block {
	return New(alg, 0, hash.ZeroHash, GenesisCandidateID, hash.ZeroHash, ts)
}

// Normalize drops the monotonic clock reading, converts to UTC, and truncates to
// microseconds so the timestamp survives every storage backend unchanged.
func Normalize(ts time.Time) time.Time {
	return ts.Round(0).UTC().Truncate(time.Microsecond)
}

// Encode returns the canonical byte encoding of the hashed fields of b.
func Encode(b Block) []byte {
	ts := b.Timestamp.UTC().Format(TimeFormat)
	fields := []string{ts, b.VoterIDHash, b.CandidateID, b.PreviousHash}

	size := 8
	for _, f := range fields {
		size += 4 + len(f)
	}

	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint64(buf, b.Index)
	for _, f := range fields {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(f)))
		buf = append(buf, f...)
	}
	return buf
}

// ComputeHash recomputes the hash of b from its stored fields, ignoring b.BlockHash.
func ComputeHash(alg hash.Algorithm, b Block) string {
	return alg.Hex(Encode(b))
}

// IsGenesis reports whether b has the genesis shape. It does not check the hash.
func (b Block) IsGenesis() bool {
	return b.Index == 0 &&
		b.PreviousHash == hash.ZeroHash &&
		b.VoterIDHash == hash.ZeroHash &&
		b.CandidateID == GenesisCandidateID
}

// ShortHash returns the first 16 characters of the block hash for display.
func (b Block) ShortHash() string {
	return short(b.BlockHash)
}

func short(h string) string {
	if len(h) <= 16 {
		return h
	}
	return h[:16]
}
