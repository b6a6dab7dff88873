package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/google/renameio/v2"

	"github.com/votechain/votechain/internal/block"
	"github.com/votechain/votechain/internal/hash"
	"github.com/votechain/votechain/internal/registry"
)

// Snapshot is the portable JSON form of a whole ledger.
type Snapshot struct {
	HashAlgorithm string               `json:"hash_algorithm"`
	Blocks        []BlockRecord        `json:"blocks"`
	Candidates    []registry.Candidate `json:"candidates"`
}

func NewSnapshot(alg hash.Algorithm, blocks []block.Block, candidates []registry.Candidate) *Snapshot {
	return &Snapshot{
		HashAlgorithm: alg.String(),
		Blocks:        EncodeBlocks(blocks),
		Candidates:    candidates,
	}
}

// Decode validates the snapshot and returns its algorithm, blocks, and candidates.
func (s *Snapshot) Decode() (hash.Algorithm, []block.Block, []registry.Candidate, error) {
	alg, err := hash.Parse(s.HashAlgorithm)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if len(s.Blocks) == 0 {
		return "", nil, nil, fmt.Errorf("%w: snapshot has no blocks", ErrCorruptSnapshot)
	}
	blocks, err := DecodeBlocks(s.Blocks)
	if err != nil {
		return "", nil, nil, err
	}
	if _, err := registry.New(s.Candidates); err != nil {
		return "", nil, nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return alg, blocks, s.Candidates, nil
}

// WriteSnapshot writes s to path, atomically replacing any existing file.
func WriteSnapshot(path string, s *Snapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

func ReadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("snapshot %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return &s, nil
}
