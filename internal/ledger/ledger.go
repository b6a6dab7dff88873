// Package ledger owns the vote chain: it validates and appends votes, keeps the
// duplicate-vote index, administers the candidate registry, and derives the
// tally. Every mutation is persisted before it becomes visible in memory.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/votechain/votechain/internal/block"
	"github.com/votechain/votechain/internal/hash"
	"github.com/votechain/votechain/internal/registry"
	"github.com/votechain/votechain/internal/storage"
	"github.com/votechain/votechain/internal/verify"
)

// MetadataHashAlgorithm is the metadata key recording the chain's digest algorithm.
const MetadataHashAlgorithm = "hash_algorithm"

type Options struct {
	Algorithm hash.Algorithm
	// Candidates seeds the registry when the store has none. Nil means
	// registry.Defaults().
	Candidates []registry.Candidate
	Now        func() time.Time
	Logger     *slog.Logger
}

type Ledger struct {
	store  Store
	alg    hash.Algorithm
	now    func() time.Time
	logger *slog.Logger

	mu       sync.RWMutex
	blocks   []block.Block
	voted    map[string]struct{}
	registry *registry.Registry
	closed   bool
}

// Open loads the chain and registry from store, creating the genesis block and
// seeding candidates on first use.
func Open(ctx context.Context, store Store, opts Options) (*Ledger, error) {
	alg := opts.Algorithm
	if alg == "" {
		alg = hash.SHA256
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := &Ledger{
		store:  store,
		alg:    alg,
		now:    now,
		logger: logger,
		voted:  make(map[string]struct{}),
	}

	if err := l.checkAlgorithm(ctx); err != nil {
		return nil, err
	}
	if err := l.loadChain(ctx); err != nil {
		return nil, err
	}
	if err := l.loadRegistry(ctx, opts.Candidates); err != nil {
		return nil, err
	}

	logger.Info("Ledger opened",
		"blocks", len(l.blocks),
		"candidates", l.registry.Len(),
		"algorithm", alg,
	)
	return l, nil
}

func (l *Ledger) checkAlgorithm(ctx context.Context) error {
	stored, err := l.store.GetMetadata(ctx, MetadataHashAlgorithm)
	if errors.Is(err, storage.ErrNotFound) {
		if err := l.store.SetMetadata(ctx, MetadataHashAlgorithm, l.alg.String()); err != nil {
			return &PersistenceError{Op: "record hash algorithm", Err: err}
		}
		return nil
	}
	if err != nil {
		return &PersistenceError{Op: "read hash algorithm", Err: err}
	}

	if stored != l.alg.String() {
		return fmt.Errorf("%w: chain uses %s, configured %s", ErrAlgorithmMismatch, stored, l.alg)
	}
	return nil
}

func (l *Ledger) loadChain(ctx context.Context) error {
	blocks, err := l.store.LoadBlocks(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrCorruptSnapshot) {
			return fmt.Errorf("failed to load chain: %w", err)
		}
		return &PersistenceError{Op: "load chain", Err: err}
	}

	if len(blocks) == 0 {
		genesis := block.Genesis(l.alg, l.now())
		if err := l.store.AppendBlock(ctx, genesis); err != nil {
			return &PersistenceError{Op: "store genesis block", Err: err}
		}
		blocks = []block.Block{genesis}
		l.logger.Info("Created genesis block", "hash", genesis.ShortHash())
	}

	l.blocks = blocks
	for _, b := range blocks[1:] {
		l.voted[b.VoterIDHash] = struct{}{}
	}
	return nil
}

func (l *Ledger) loadRegistry(ctx context.Context, seed []registry.Candidate) error {
	candidates, err := l.store.LoadCandidates(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if seed == nil {
			seed = registry.Defaults()
		}
		candidates = make([]registry.Candidate, len(seed))
		for i, c := range seed {
			candidates[i] = registry.Candidate{ID: registry.NormalizeID(c.ID), Name: strings.TrimSpace(c.Name)}
		}
		if _, err := registry.New(candidates); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedInput, err)
		}
		if err := l.store.SaveCandidates(ctx, candidates); err != nil {
			return &PersistenceError{Op: "seed candidates", Err: err}
		}
	case errors.Is(err, storage.ErrCorruptSnapshot):
		return fmt.Errorf("failed to load candidates: %w", err)
	case err != nil:
		return &PersistenceError{Op: "load candidates", Err: err}
	}

	reg, err := registry.New(candidates)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrCorruptSnapshot, err)
	}
	l.registry = reg
	return nil
}

func (l *Ledger) Algorithm() hash.Algorithm {
	return l.alg
}

// CastVote records one vote. The block is durable before it is visible to
// readers; on any error the ledger is unchanged.
func (l *Ledger) CastVote(ctx context.Context, rawVoterID, candidateID string) (block.Block, error) {
	voterID := strings.TrimSpace(rawVoterID)
	if voterID == "" {
		return block.Block{}, fmt.Errorf("%w: voter id is empty", ErrMalformedInput)
	}
	candidate := registry.NormalizeID(candidateID)
	if candidate == "" {
		return block.Block{}, fmt.Errorf("%w: candidate id is empty", ErrMalformedInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return block.Block{}, &PersistenceError{Op: "append block", Err: errClosed}
	}

	if !l.registry.Contains(candidate) {
		return block.Block{}, fmt.Errorf("%w: %s", ErrUnknownCandidate, candidate)
	}

	digest := l.alg.HexString(voterID)
	if _, ok := l.voted[digest]; ok {
		return block.Block{}, ErrDuplicateVote
	}

	tip := l.blocks[len(l.blocks)-1]
	b := block.New(l.alg, tip.Index+1, digest, candidate, tip.BlockHash, l.now())

	if err := l.store.AppendBlock(ctx, b); err != nil {
		l.logger.Error("Failed to persist vote", "index", b.Index, "error", err)
		return block.Block{}, &PersistenceError{Op: "append block", Err: err}
	}

	l.blocks = append(l.blocks, b)
	l.voted[digest] = struct{}{}

	l.logger.Info("Vote recorded",
		"index", b.Index,
		"candidate", candidate,
		"hash", b.ShortHash(),
	)
	return b, nil
}

var errClosed = errors.New("ledger is closed")

// HasVoted reports whether a vote from rawVoterID is already on the chain.
func (l *Ledger) HasVoted(rawVoterID string) (bool, error) {
	voterID := strings.TrimSpace(rawVoterID)
	if voterID == "" {
		return false, fmt.Errorf("%w: voter id is empty", ErrMalformedInput)
	}
	digest := l.alg.HexString(voterID)

	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.voted[digest]
	return ok, nil
}

func (l *Ledger) Candidates() []registry.Candidate {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.registry.List()
}

// AddCandidate registers a candidate, or renames it when the id exists.
func (l *Ledger) AddCandidate(ctx context.Context, id, name string) (registry.Candidate, error) {
	c := registry.Candidate{ID: registry.NormalizeID(id), Name: strings.TrimSpace(name)}
	if c.ID == "" || c.Name == "" {
		return registry.Candidate{}, fmt.Errorf("%w: candidate id and name are required", ErrMalformedInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	next, err := l.registry.With(c)
	if err != nil {
		return registry.Candidate{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	if err := l.replaceRegistry(ctx, next); err != nil {
		return registry.Candidate{}, err
	}

	l.logger.Info("Candidate registered", "id", c.ID, "name", c.Name)
	return c, nil
}

// RemoveCandidate unregisters a candidate. Votes already cast for it stay on
// the chain and in the tally.
func (l *Ledger) RemoveCandidate(ctx context.Context, id string) error {
	id = registry.NormalizeID(id)

	l.mu.Lock()
	defer l.mu.Unlock()

	next, err := l.registry.Without(id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownCandidate, id)
	}
	if err := l.replaceRegistry(ctx, next); err != nil {
		return err
	}

	l.logger.Info("Candidate removed", "id", id)
	return nil
}

// replaceRegistry persists then installs candidates. Callers hold the write lock.
func (l *Ledger) replaceRegistry(ctx context.Context, candidates []registry.Candidate) error {
	if l.closed {
		return &PersistenceError{Op: "save candidates", Err: errClosed}
	}

	reg, err := registry.New(candidates)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	if err := l.store.SaveCandidates(ctx, candidates); err != nil {
		return &PersistenceError{Op: "save candidates", Err: err}
	}
	l.registry = reg
	return nil
}

// snapshot returns the current chain without copying. Blocks are never
// mutated and appends never touch indices below the returned length.
func (l *Ledger) snapshot() []block.Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.blocks[:len(l.blocks):len(l.blocks)]
}

// Chain returns a copy of the chain in index order.
func (l *Ledger) Chain() []block.Block {
	blocks := l.snapshot()
	out := make([]block.Block, len(blocks))
	copy(out, blocks)
	return out
}

// Block returns the block at index.
func (l *Ledger) Block(index uint64) (block.Block, error) {
	blocks := l.snapshot()
	if index >= uint64(len(blocks)) {
		return block.Block{}, fmt.Errorf("%w: %d", ErrBlockNotFound, index)
	}
	return blocks[index], nil
}

// VerifyIntegrity checks the in-memory chain. It does not block writers for
// longer than taking the snapshot.
func (l *Ledger) VerifyIntegrity() verify.Result {
	return verify.VerifyChain(l.snapshot(), l.alg)
}

// VerifyPersisted reloads the chain from the store, verifies it, and compares
// it with memory. Writers are held off while the store is read so a vote in
// flight cannot show up as a divergence.
func (l *Ledger) VerifyPersisted(ctx context.Context) (verify.Result, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	persisted, err := l.store.LoadBlocks(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrCorruptSnapshot) {
			return verify.Result{}, fmt.Errorf("failed to load persisted chain: %w", err)
		}
		return verify.Result{}, &PersistenceError{Op: "load persisted chain", Err: err}
	}

	if result := verify.VerifyChain(persisted, l.alg); !result.OK() {
		return result, nil
	}
	return verify.Compare(l.blocks, persisted), nil
}

// Refresh adopts blocks that another writer appended to a shared store. The
// persisted chain must verify and extend the in-memory chain unchanged;
// otherwise nothing is adopted and VerifyPersisted reports the problem. The
// candidate registry is not reloaded.
func (l *Ledger) Refresh(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, &PersistenceError{Op: "load chain", Err: errClosed}
	}

	persisted, err := l.store.LoadBlocks(ctx)
	if err != nil {
		return 0, &PersistenceError{Op: "load chain", Err: err}
	}
	if len(persisted) <= len(l.blocks) {
		return 0, nil
	}
	if !verify.VerifyChain(persisted, l.alg).OK() {
		return 0, nil
	}
	if !verify.Compare(l.blocks, persisted[:len(l.blocks)]).OK() {
		return 0, nil
	}

	added := persisted[len(l.blocks):]
	for _, b := range added {
		l.blocks = append(l.blocks, b)
		l.voted[b.VoterIDHash] = struct{}{}
	}

	l.logger.Info("Adopted blocks from store",
		"added", len(added),
		"tip", l.blocks[len(l.blocks)-1].Index,
	)
	return len(added), nil
}

// Snapshot returns the exportable form of the ledger.
func (l *Ledger) Snapshot() *storage.Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return storage.NewSnapshot(l.alg, l.blocks, l.registry.List())
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.store.Close()
}

// Import writes a verified snapshot into an empty store and opens a ledger on
// it. The snapshot's algorithm replaces opts.Algorithm. The store writes the
// snapshot as a unit, so a failed import can be retried on the same store.
func Import(ctx context.Context, store Store, snap *storage.Snapshot, opts Options) (*Ledger, error) {
	alg, blocks, candidates, err := snap.Decode()
	if err != nil {
		return nil, err
	}
	if err := verify.VerifyChain(blocks, alg).Err(); err != nil {
		return nil, fmt.Errorf("refusing to import: %w", err)
	}

	existing, err := store.LoadBlocks(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "load chain", Err: err}
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("%w: %d blocks", ErrStoreNotEmpty, len(existing))
	}

	metadata := map[string]string{MetadataHashAlgorithm: alg.String()}
	if err := store.Restore(ctx, metadata, candidates, blocks); err != nil {
		if errors.Is(err, storage.ErrNotEmpty) {
			return nil, fmt.Errorf("%w: %v", ErrStoreNotEmpty, err)
		}
		return nil, &PersistenceError{Op: "restore ledger", Err: err}
	}

	opts.Algorithm = alg
	return Open(ctx, store, opts)
}
