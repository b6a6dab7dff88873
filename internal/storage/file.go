package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/votechain/votechain/internal/block"
	"github.com/votechain/votechain/internal/registry"
)

const (
	BlocksFile     = "blocks.json"
	CandidatesFile = "candidates.json"
	MetadataFile   = "metadata.json"
)

// FileStore keeps the ledger as human-readable JSON files in a directory. Each
// write replaces the whole file through a temp file and rename. Every read goes
// to disk, so edits made behind the store's back are seen.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	fsStore := &FileStore{dir: dir}

	// Fail on unreadable files now rather than on the first vote.
	if _, err := fsStore.readBlocks(); err != nil {
		return nil, err
	}
	if _, err := fsStore.readMetadata(); err != nil {
		return nil, err
	}

	return fsStore, nil
}

func (f *FileStore) path(name string) string {
	return filepath.Join(f.dir, name)
}

func (f *FileStore) readBlocks() ([]BlockRecord, error) {
	var records []BlockRecord
	if err := readJSON(f.path(BlocksFile), &records); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return records, nil
}

func (f *FileStore) readMetadata() (map[string]string, error) {
	var metadata map[string]string
	if err := readJSON(f.path(MetadataFile), &metadata); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if metadata == nil {
		metadata = make(map[string]string)
	}
	return metadata, nil
}

func (f *FileStore) Close() error {
	return nil
}

func (f *FileStore) AppendBlock(ctx context.Context, b block.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.readBlocks()
	if err != nil {
		return err
	}
	if n := len(records); n > 0 && records[n-1].Index != nil && *records[n-1].Index >= b.Index {
		return fmt.Errorf("block %d already stored", b.Index)
	}

	return writeJSON(f.path(BlocksFile), append(records, EncodeBlock(b)))
}

func (f *FileStore) LoadBlocks(ctx context.Context) ([]block.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.readBlocks()
	if err != nil {
		return nil, err
	}
	return DecodeBlocks(records)
}

func (f *FileStore) LoadCandidates(ctx context.Context) ([]registry.Candidate, error) {
	var candidates []registry.Candidate
	if err := readJSON(f.path(CandidatesFile), &candidates); err != nil {
		return nil, err
	}
	if _, err := registry.New(candidates); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return candidates, nil
}

func (f *FileStore) SaveCandidates(ctx context.Context, candidates []registry.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return writeJSON(f.path(CandidatesFile), candidates)
}

func (f *FileStore) SetMetadata(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	metadata, err := f.readMetadata()
	if err != nil {
		return err
	}
	metadata[key] = value
	return writeJSON(f.path(MetadataFile), metadata)
}

func (f *FileStore) GetMetadata(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	metadata, err := f.readMetadata()
	if err != nil {
		return "", err
	}
	value, ok := metadata[key]
	if !ok {
		return "", fmt.Errorf("metadata key %s: %w", key, ErrNotFound)
	}
	return value, nil
}

// Restore writes a whole ledger into a store that has no blocks yet.
// blocks.json is written last: until it exists the store still counts as
// empty, so a failed restore can simply be run again.
func (f *FileStore) Restore(ctx context.Context, metadata map[string]string, candidates []registry.Candidate, blocks []block.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.readBlocks()
	if err != nil {
		return err
	}
	if len(records) > 0 {
		return fmt.Errorf("%w: %d blocks", ErrNotEmpty, len(records))
	}

	current, err := f.readMetadata()
	if err != nil {
		return err
	}
	for k, v := range metadata {
		current[k] = v
	}

	if err := writeJSON(f.path(MetadataFile), current); err != nil {
		return err
	}
	if err := writeJSON(f.path(CandidatesFile), candidates); err != nil {
		return err
	}
	return writeJSON(f.path(BlocksFile), EncodeBlocks(blocks))
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", filepath.Base(path), ErrNotFound)
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptSnapshot, filepath.Base(path), err)
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := renameio.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
