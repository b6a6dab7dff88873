package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/votechain/votechain/internal/block"
	"github.com/votechain/votechain/internal/registry"
)

var (
	BlocksBucket     = []byte("blocks")
	CandidatesBucket = []byte("candidates")
	MetadataBucket   = []byte("metadata")

	registryKey = []byte("registry")
)

// Storage persists the ledger in a bbolt file. Every write is a single bbolt
// transaction, so an interrupted write leaves the previous state intact.
type Storage struct {
	db *bolt.DB
}

func New(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{BlocksBucket, CandidatesBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// BlockKey encodes a block index as a bbolt key that sorts in chain order.
func BlockKey(index uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, index)
	return key
}

func (s *Storage) AppendBlock(ctx context.Context, b block.Block) error {
	data, err := json.Marshal(EncodeBlock(b))
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BlocksBucket)
		key := BlockKey(b.Index)
		if bucket.Get(key) != nil {
			return fmt.Errorf("block %d already stored", b.Index)
		}
		return bucket.Put(key, data)
	})
}

func (s *Storage) LoadBlocks(ctx context.Context) ([]block.Block, error) {
	var blocks []block.Block

	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(BlocksBucket).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var rec BlockRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("%w: block key %x: %v", ErrCorruptSnapshot, k, err)
			}
			b, err := rec.Decode()
			if err != nil {
				return err
			}
			blocks = append(blocks, b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return blocks, nil
}

func (s *Storage) LoadCandidates(ctx context.Context) ([]registry.Candidate, error) {
	var candidates []registry.Candidate

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(CandidatesBucket).Get(registryKey)
		if data == nil {
			return fmt.Errorf("candidate registry: %w", ErrNotFound)
		}
		if err := json.Unmarshal(data, &candidates); err != nil {
			return fmt.Errorf("%w: candidate registry: %v", ErrCorruptSnapshot, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := registry.New(candidates); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return candidates, nil
}

func (s *Storage) SaveCandidates(ctx context.Context, candidates []registry.Candidate) error {
	data, err := json.Marshal(candidates)
	if err != nil {
		return fmt.Errorf("failed to marshal candidates: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(CandidatesBucket).Put(registryKey, data)
	})
}

func (s *Storage) SetMetadata(ctx context.Context, key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		return bucket.Put([]byte(key), []byte(value))
	})
}

func (s *Storage) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		data := bucket.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("metadata key %s: %w", key, ErrNotFound)
		}
		value = string(data)
		return nil
	})

	return value, err
}

// Restore writes metadata, candidates, and blocks in one bbolt transaction.
// It fails with ErrNotEmpty, writing nothing, when blocks are already stored.
func (s *Storage) Restore(ctx context.Context, metadata map[string]string, candidates []registry.Candidate, blocks []block.Block) error {
	registryData, err := json.Marshal(candidates)
	if err != nil {
		return fmt.Errorf("failed to marshal candidates: %w", err)
	}
	blockData := make([][]byte, len(blocks))
	for i, b := range blocks {
		if blockData[i], err = json.Marshal(EncodeBlock(b)); err != nil {
			return fmt.Errorf("failed to marshal block %d: %w", b.Index, err)
		}
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BlocksBucket)
		if k, _ := bucket.Cursor().First(); k != nil {
			return fmt.Errorf("%w: found block key %x", ErrNotEmpty, k)
		}

		meta := tx.Bucket(MetadataBucket)
		for k, v := range metadata {
			if err := meta.Put([]byte(k), []byte(v)); err != nil {
				return fmt.Errorf("failed to store metadata %s: %w", k, err)
			}
		}
		if err := tx.Bucket(CandidatesBucket).Put(registryKey, registryData); err != nil {
			return fmt.Errorf("failed to store candidates: %w", err)
		}
		for i, b := range blocks {
			if err := bucket.Put(BlockKey(b.Index), blockData[i]); err != nil {
				return fmt.Errorf("failed to store block %d: %w", b.Index, err)
			}
		}
		return nil
	})
}
