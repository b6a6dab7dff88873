package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/votechain/votechain/internal/block"
	"github.com/votechain/votechain/internal/hash"
	"github.com/votechain/votechain/internal/registry"
	"github.com/votechain/votechain/internal/storage"
	"github.com/votechain/votechain/internal/verify"
)

type memStore struct {
	mu         sync.Mutex
	blocks     []block.Block
	candidates []registry.Candidate
	saved      bool
	metadata   map[string]string

	appendErr  error
	saveErr    error
	loadErr    error
	restoreErr error
	closed     bool
}

func newMemStore() *memStore {
	return &memStore{metadata: make(map[string]string)}
}

func (m *memStore) LoadBlocks(ctx context.Context) ([]block.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	out := make([]block.Block, len(m.blocks))
	copy(out, m.blocks)
	return out, nil
}

func (m *memStore) AppendBlock(ctx context.Context, b block.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.blocks = append(m.blocks, b)
	return nil
}

func (m *memStore) LoadCandidates(ctx context.Context) ([]registry.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.saved {
		return nil, storage.ErrNotFound
	}
	out := make([]registry.Candidate, len(m.candidates))
	copy(out, m.candidates)
	return out, nil
}

func (m *memStore) SaveCandidates(ctx context.Context, candidates []registry.Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.candidates = append([]registry.Candidate(nil), candidates...)
	m.saved = true
	return nil
}

func (m *memStore) GetMetadata(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.metadata[key]
	if !ok {
		return "", fmt.Errorf("metadata key %s: %w", key, storage.ErrNotFound)
	}
	return v, nil
}

func (m *memStore) SetMetadata(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[key] = value
	return nil
}

func (m *memStore) Restore(ctx context.Context, metadata map[string]string, candidates []registry.Candidate, blocks []block.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.blocks) > 0 {
		return storage.ErrNotEmpty
	}
	if m.restoreErr != nil {
		return m.restoreErr
	}
	for k, v := range metadata {
		m.metadata[k] = v
	}
	m.candidates = append([]registry.Candidate(nil), candidates...)
	m.saved = true
	m.blocks = append([]block.Block(nil), blocks...)
	return nil
}

func (m *memStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func testClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func testOptions(candidates ...registry.Candidate) Options {
	return Options{
		Candidates: candidates,
		Now:        testClock(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func openMem(t *testing.T, candidates ...registry.Candidate) (*Ledger, *memStore) {
	t.Helper()
	store := newMemStore()
	l, err := Open(context.Background(), store, testOptions(candidates...))
	require.NoError(t, err)
	return l, store
}

func abc() []registry.Candidate {
	return []registry.Candidate{{ID: "A", Name: "Ann"}, {ID: "B", Name: "Ben"}, {ID: "C", Name: "Cat"}}
}

func TestOpenCreatesGenesis(t *testing.T) {
	l, store := openMem(t)

	chain := l.Chain()
	require.Len(t, chain, 1)
	require.Equal(t, uint64(0), chain[0].Index)
	require.Equal(t, hash.ZeroHash, chain[0].PreviousHash)
	require.Equal(t, hash.ZeroHash, chain[0].VoterIDHash)
	require.Equal(t, block.GenesisCandidateID, chain[0].CandidateID)

	require.Len(t, store.blocks, 1)
	require.Equal(t, "sha256", store.metadata[MetadataHashAlgorithm])
	require.Equal(t, registry.Defaults(), l.Candidates())
	require.True(t, l.VerifyIntegrity().OK())
}

func TestOpenSeedsNormalizedCandidates(t *testing.T) {
	l, store := openMem(t, registry.Candidate{ID: " cand009 ", Name: " Dana "})

	require.Equal(t, []registry.Candidate{{ID: "CAND009", Name: "Dana"}}, l.Candidates())
	require.Equal(t, l.Candidates(), store.candidates)
}

func TestOpenRejectsInvalidSeed(t *testing.T) {
	store := newMemStore()
	_, err := Open(context.Background(), store, testOptions(
		registry.Candidate{ID: "A", Name: "x"}, registry.Candidate{ID: "a", Name: "y"}))
	require.ErrorIs(t, err, ErrMalformedInput)
}

func TestOpenAlgorithmMismatch(t *testing.T) {
	store := newMemStore()
	_, err := Open(context.Background(), store, testOptions())
	require.NoError(t, err)

	opts := testOptions()
	opts.Algorithm = hash.Blake2b256
	_, err = Open(context.Background(), store, opts)
	require.ErrorIs(t, err, ErrAlgorithmMismatch)
}

func TestOpenLoadErrors(t *testing.T) {
	t.Run("corrupt", func(t *testing.T) {
		store := newMemStore()
		store.loadErr = fmt.Errorf("%w: bad record", storage.ErrCorruptSnapshot)
		_, err := Open(context.Background(), store, testOptions())
		require.ErrorIs(t, err, storage.ErrCorruptSnapshot)
	})

	t.Run("unavailable", func(t *testing.T) {
		store := newMemStore()
		store.loadErr = errors.New("disk gone")
		_, err := Open(context.Background(), store, testOptions())
		require.ErrorIs(t, err, ErrPersistence)
	})

	t.Run("genesis not stored", func(t *testing.T) {
		store := newMemStore()
		store.appendErr = errors.New("read-only")
		_, err := Open(context.Background(), store, testOptions())
		require.ErrorIs(t, err, ErrPersistence)
	})
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	l, _ := openMem(t,
		registry.Candidate{ID: "CAND001", Name: "Alice"},
		registry.Candidate{ID: "CAND002", Name: "Bob"},
	)

	b, err := l.CastVote(ctx, "voter1", "CAND001")
	require.NoError(t, err)
	require.Equal(t, uint64(1), b.Index)

	_, err = l.CastVote(ctx, "voter1", "CAND002")
	require.ErrorIs(t, err, ErrDuplicateVote)

	b, err = l.CastVote(ctx, "voter2", "CAND002")
	require.NoError(t, err)
	require.Equal(t, uint64(2), b.Index)

	require.True(t, l.VerifyIntegrity().OK())
	require.Equal(t, map[string]int{"CAND001": 1, "CAND002": 1}, l.Tally())
}

func TestCastVoteRejections(t *testing.T) {
	ctx := context.Background()
	l, _ := openMem(t, abc()...)
	_, err := l.CastVote(ctx, "voter1", "A")
	require.NoError(t, err)

	tests := []struct {
		name      string
		voter     string
		candidate string
		want      error
	}{
		{"empty voter", "", "A", ErrMalformedInput},
		{"blank voter", "   ", "A", ErrMalformedInput},
		{"empty candidate", "voter2", " ", ErrMalformedInput},
		{"unknown candidate", "voter2", "Z", ErrUnknownCandidate},
		{"duplicate voter", "voter1", "B", ErrDuplicateVote},
		{"duplicate voter with padding", "  voter1 ", "B", ErrDuplicateVote},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.CastVote(ctx, tt.voter, tt.candidate)
			require.ErrorIs(t, err, tt.want)
			require.Len(t, l.Chain(), 2)
		})
	}
}

func TestCastVoteNormalizesCandidate(t *testing.T) {
	l, _ := openMem(t)

	b, err := l.CastVote(context.Background(), "voter1", " cand002")
	require.NoError(t, err)
	require.Equal(t, "CAND002", b.CandidateID)
}

func TestCastVoteNeverStoresRawID(t *testing.T) {
	l, store := openMem(t)

	b, err := l.CastVote(context.Background(), "alice@example.org", "CAND001")
	require.NoError(t, err)
	require.Equal(t, hash.SHA256.HexString("alice@example.org"), b.VoterIDHash)
	require.True(t, hash.IsDigest(store.blocks[1].VoterIDHash))
}

func TestCastVotePersistenceFailure(t *testing.T) {
	ctx := context.Background()
	l, store := openMem(t)
	before := l.Chain()

	store.appendErr = errors.New("disk full")
	_, err := l.CastVote(ctx, "voter1", "CAND001")
	require.ErrorIs(t, err, ErrPersistence)

	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "append block", pe.Op)
	require.ErrorIs(t, err, store.appendErr)

	require.Equal(t, before, l.Chain())
	voted, err := l.HasVoted("voter1")
	require.NoError(t, err)
	require.False(t, voted)
	require.Equal(t, 0, l.Tally()["CAND001"])

	store.appendErr = nil
	b, err := l.CastVote(ctx, "voter1", "CAND001")
	require.NoError(t, err)
	require.Equal(t, uint64(1), b.Index)
}

func TestChainInvariants(t *testing.T) {
	for _, alg := range []hash.Algorithm{hash.SHA256, hash.Blake2b256} {
		t.Run(alg.String(), func(t *testing.T) {
			opts := testOptions()
			opts.Algorithm = alg
			l, err := Open(context.Background(), newMemStore(), opts)
			require.NoError(t, err)

			for i := 0; i < 20; i++ {
				_, err := l.CastVote(context.Background(), fmt.Sprintf("voter-%d", i), fmt.Sprintf("CAND00%d", i%3+1))
				require.NoError(t, err)
			}

			chain := l.Chain()
			require.Len(t, chain, 21)
			for i := 1; i < len(chain); i++ {
				require.Equal(t, uint64(i), chain[i].Index)
				require.Equal(t, chain[i-1].BlockHash, chain[i].PreviousHash)
			}
			for _, b := range chain {
				require.Equal(t, b.BlockHash, block.ComputeHash(alg, b))
			}
			require.True(t, l.VerifyIntegrity().OK())
		})
	}
}

func TestChainReturnsCopy(t *testing.T) {
	l, _ := openMem(t)
	_, err := l.CastVote(context.Background(), "voter1", "CAND001")
	require.NoError(t, err)

	chain := l.Chain()
	chain[1].CandidateID = "CAND003"

	require.Equal(t, "CAND001", l.Chain()[1].CandidateID)
	require.True(t, l.VerifyIntegrity().OK())
}

func TestTally(t *testing.T) {
	ctx := context.Background()
	l, _ := openMem(t, abc()...)

	require.Equal(t, map[string]int{"A": 0, "B": 0, "C": 0}, l.Tally())

	for i, c := range []string{"A", "B", "A"} {
		_, err := l.CastVote(ctx, fmt.Sprintf("voter%d", i), c)
		require.NoError(t, err)
	}
	require.Equal(t, map[string]int{"A": 2, "B": 1, "C": 0}, l.Tally())
}

func TestTallyKeepsVotesForRemovedCandidate(t *testing.T) {
	ctx := context.Background()
	l, _ := openMem(t, abc()...)

	_, err := l.CastVote(ctx, "voter1", "C")
	require.NoError(t, err)
	require.NoError(t, l.RemoveCandidate(ctx, "c"))

	require.Equal(t, map[string]int{"A": 0, "B": 0, "C": 1}, l.Tally())

	_, err = l.CastVote(ctx, "voter2", "C")
	require.ErrorIs(t, err, ErrUnknownCandidate)
}

func TestResults(t *testing.T) {
	ctx := context.Background()
	l, _ := openMem(t, abc()...)

	for i, c := range []string{"B", "C", "B", "C", "B"} {
		_, err := l.CastVote(ctx, fmt.Sprintf("voter%d", i), c)
		require.NoError(t, err)
	}
	require.NoError(t, l.RemoveCandidate(ctx, "C"))

	results := l.Results()
	require.Len(t, results, 3)

	require.Equal(t, "B", results[0].CandidateID)
	require.Equal(t, "Ben", results[0].Name)
	require.Equal(t, 3, results[0].Votes)
	require.InDelta(t, 60.0, results[0].Percentage, 0.001)
	require.True(t, results[0].Registered)

	require.Equal(t, "C", results[1].CandidateID)
	require.False(t, results[1].Registered)
	require.InDelta(t, 40.0, results[1].Percentage, 0.001)

	require.Equal(t, "A", results[2].CandidateID)
	require.Equal(t, 0.0, results[2].Percentage)
}

func TestResultsNoVotes(t *testing.T) {
	l, _ := openMem(t, abc()...)

	results := l.Results()
	require.Len(t, results, 3)
	for i, id := range []string{"A", "B", "C"} {
		require.Equal(t, id, results[i].CandidateID)
		require.Zero(t, results[i].Percentage)
	}
}

func TestCandidateAdministration(t *testing.T) {
	ctx := context.Background()
	l, store := openMem(t, abc()...)

	c, err := l.AddCandidate(ctx, " d ", " Dee ")
	require.NoError(t, err)
	require.Equal(t, registry.Candidate{ID: "D", Name: "Dee"}, c)
	require.Len(t, l.Candidates(), 4)
	require.Equal(t, l.Candidates(), store.candidates)

	_, err = l.AddCandidate(ctx, "A", "Annie")
	require.NoError(t, err)
	require.Equal(t, "Annie", l.Candidates()[0].Name)
	require.Len(t, l.Candidates(), 4)

	_, err = l.AddCandidate(ctx, "", "Nobody")
	require.ErrorIs(t, err, ErrMalformedInput)

	require.ErrorIs(t, l.RemoveCandidate(ctx, "Z"), ErrUnknownCandidate)
	require.NoError(t, l.RemoveCandidate(ctx, "b"))
	require.Equal(t, []string{"A", "C", "D"}, ids(l.Candidates()))

	store.saveErr = errors.New("disk full")
	_, err = l.AddCandidate(ctx, "E", "Eve")
	require.ErrorIs(t, err, ErrPersistence)
	require.ErrorIs(t, l.RemoveCandidate(ctx, "A"), ErrPersistence)
	require.Equal(t, []string{"A", "C", "D"}, ids(l.Candidates()))

	_, err = l.CastVote(ctx, "voter1", "E")
	require.ErrorIs(t, err, ErrUnknownCandidate)
}

func hashes(blocks []block.Block) []string {
	out := make([]string, len(blocks))
	for i, b := range blocks {
		out[i] = b.BlockHash
	}
	return out
}

func ids(candidates []registry.Candidate) []string {
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.ID
	}
	return out
}

func TestVerifyIntegrityDetectsTampering(t *testing.T) {
	ctx := context.Background()

	for k := 1; k <= 5; k++ {
		t.Run(fmt.Sprintf("block %d", k), func(t *testing.T) {
			l, _ := openMem(t)
			for i := 0; i < 5; i++ {
				_, err := l.CastVote(ctx, fmt.Sprintf("voter%d", i), "CAND001")
				require.NoError(t, err)
			}

			l.blocks[k].CandidateID = "CAND002"

			result := l.VerifyIntegrity()
			require.False(t, result.OK())
			require.GreaterOrEqual(t, result.Failure.Index, uint64(k))
			require.Equal(t, verify.HashMismatch, result.Failure.Kind)
		})
	}
}

func TestVerifyPersisted(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Ledger, *memStore) {
		l, store := openMem(t)
		for i := 0; i < 3; i++ {
			_, err := l.CastVote(ctx, fmt.Sprintf("voter%d", i), "CAND002")
			require.NoError(t, err)
		}
		return l, store
	}

	t.Run("consistent", func(t *testing.T) {
		l, _ := setup(t)
		result, err := l.VerifyPersisted(ctx)
		require.NoError(t, err)
		require.True(t, result.OK())
		require.Equal(t, 4, result.Checked)
	})

	t.Run("tampered store", func(t *testing.T) {
		l, store := setup(t)
		store.blocks[2].CandidateID = "CAND003"

		result, err := l.VerifyPersisted(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(2), result.Failure.Index)
		require.Equal(t, verify.HashMismatch, result.Failure.Kind)
		require.True(t, l.VerifyIntegrity().OK())
	})

	t.Run("rewritten store", func(t *testing.T) {
		l, store := setup(t)
		tip := store.blocks[2]
		store.blocks[3] = block.New(hash.SHA256, 3, hash.SHA256.HexString("mallory"), "CAND001", tip.BlockHash, time.Now())

		result, err := l.VerifyPersisted(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(3), result.Failure.Index)
		require.Equal(t, verify.Divergence, result.Failure.Kind)
	})

	t.Run("truncated store", func(t *testing.T) {
		l, store := setup(t)
		store.blocks = store.blocks[:2]

		result, err := l.VerifyPersisted(ctx)
		require.NoError(t, err)
		require.Equal(t, verify.Divergence, result.Failure.Kind)
	})

	t.Run("unreadable store", func(t *testing.T) {
		l, store := setup(t)
		store.loadErr = errors.New("io error")

		_, err := l.VerifyPersisted(ctx)
		require.ErrorIs(t, err, ErrPersistence)
	})
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (writer, watcher *Ledger, store *memStore) {
		writer, store = openMem(t)
		watcher, err := Open(ctx, store, testOptions())
		require.NoError(t, err)
		for i := 0; i < 2; i++ {
			_, err := writer.CastVote(ctx, fmt.Sprintf("voter%d", i), "CAND001")
			require.NoError(t, err)
		}
		return writer, watcher, store
	}

	t.Run("adopts appended blocks", func(t *testing.T) {
		writer, watcher, _ := setup(t)

		result, err := watcher.VerifyPersisted(ctx)
		require.NoError(t, err)
		require.Equal(t, verify.Divergence, result.Failure.Kind)

		added, err := watcher.Refresh(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, added)
		require.Equal(t, writer.Chain(), watcher.Chain())

		voted, err := watcher.HasVoted("voter1")
		require.NoError(t, err)
		require.True(t, voted)

		result, err = watcher.VerifyPersisted(ctx)
		require.NoError(t, err)
		require.True(t, result.OK())

		added, err = watcher.Refresh(ctx)
		require.NoError(t, err)
		require.Zero(t, added)
	})

	t.Run("ignores tampered store", func(t *testing.T) {
		_, watcher, store := setup(t)
		store.blocks[1].CandidateID = "CAND002"

		added, err := watcher.Refresh(ctx)
		require.NoError(t, err)
		require.Zero(t, added)
		require.Len(t, watcher.Chain(), 1)

		result, err := watcher.VerifyPersisted(ctx)
		require.NoError(t, err)
		require.Equal(t, verify.HashMismatch, result.Failure.Kind)
	})

	t.Run("ignores rewritten prefix", func(t *testing.T) {
		_, watcher, store := setup(t)
		store.blocks[0] = block.Genesis(hash.SHA256, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
		first := store.blocks[1]
		store.blocks[1] = block.New(hash.SHA256, 1, first.VoterIDHash, first.CandidateID, store.blocks[0].BlockHash, first.Timestamp)
		second := store.blocks[2]
		store.blocks[2] = block.New(hash.SHA256, 2, second.VoterIDHash, second.CandidateID, store.blocks[1].BlockHash, second.Timestamp)

		added, err := watcher.Refresh(ctx)
		require.NoError(t, err)
		require.Zero(t, added)
	})

	t.Run("unreadable store", func(t *testing.T) {
		_, watcher, store := setup(t)
		store.loadErr = errors.New("io error")

		_, err := watcher.Refresh(ctx)
		require.ErrorIs(t, err, ErrPersistence)
	})
}

func TestReceipt(t *testing.T) {
	ctx := context.Background()
	l, _ := openMem(t)
	for i := 0; i < 6; i++ {
		_, err := l.CastVote(ctx, fmt.Sprintf("voter%d", i), "CAND003")
		require.NoError(t, err)
	}

	info := l.Info()
	for i := uint64(0); i < 7; i++ {
		r, err := l.Receipt(i)
		require.NoError(t, err)
		require.Equal(t, i, r.Block.Index)
		require.Equal(t, info.MerkleRoot, r.Root)
		require.True(t, r.Verify())
	}

	r, err := l.Receipt(3)
	require.NoError(t, err)
	r.Block.CandidateID = "CAND001"
	require.False(t, r.Verify())

	_, err = l.Receipt(7)
	require.ErrorIs(t, err, ErrBlockNotFound)

	_, err = l.Block(99)
	require.ErrorIs(t, err, ErrBlockNotFound)
}

func TestInfo(t *testing.T) {
	ctx := context.Background()
	l, _ := openMem(t, abc()...)
	b, err := l.CastVote(ctx, "voter1", "A")
	require.NoError(t, err)

	info := l.Info()
	require.Equal(t, 2, info.Blocks)
	require.Equal(t, 1, info.Votes)
	require.Equal(t, 3, info.Candidates)
	require.Equal(t, b.Index, info.TipIndex)
	require.Equal(t, b.BlockHash, info.TipHash)
	require.Equal(t, hash.SHA256, info.Algorithm)
	require.True(t, info.Integrity.OK())
	require.True(t, hash.IsDigest(info.MerkleRoot))
}

func TestConcurrentCastVote(t *testing.T) {
	ctx := context.Background()
	l, store := openMem(t)

	const voters = 40
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		accepted   int
		duplicates int
	)
	for i := 0; i < voters*2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.CastVote(ctx, fmt.Sprintf("voter%d", i%voters), "CAND001")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrDuplicateVote):
				duplicates++
			default:
				assert.NoError(t, err)
			}
		}(i)

		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.VerifyIntegrity()
			_ = l.Tally()
		}()
	}
	wg.Wait()

	require.Equal(t, voters, accepted)
	require.Equal(t, voters, duplicates)
	require.Len(t, l.Chain(), voters+1)
	require.True(t, l.VerifyIntegrity().OK())
	require.Equal(t, l.Chain(), store.blocks)
}

func TestReopenWithBoltStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "votechain.db")

	store, err := storage.New(path)
	require.NoError(t, err)
	l, err := Open(ctx, store, testOptions(abc()...))
	require.NoError(t, err)

	_, err = l.CastVote(ctx, "voter1", "A")
	require.NoError(t, err)
	_, err = l.CastVote(ctx, "voter2", "B")
	require.NoError(t, err)
	_, err = l.AddCandidate(ctx, "D", "Dee")
	require.NoError(t, err)
	before := l.Chain()
	require.NoError(t, l.Close())

	store, err = storage.New(path)
	require.NoError(t, err)
	l, err = Open(ctx, store, testOptions())
	require.NoError(t, err)
	defer l.Close()

	after := l.Chain()
	require.Len(t, after, len(before))
	for i := range before {
		require.Equal(t, before[i].BlockHash, after[i].BlockHash)
		require.True(t, before[i].Timestamp.Equal(after[i].Timestamp))
	}
	require.Equal(t, []string{"A", "B", "C", "D"}, ids(l.Candidates()))

	_, err = l.CastVote(ctx, "voter1", "C")
	require.ErrorIs(t, err, ErrDuplicateVote)

	result, err := l.VerifyPersisted(ctx)
	require.NoError(t, err)
	require.True(t, result.OK())
}

func TestReopenWithFileStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := storage.NewFileStore(dir)
	require.NoError(t, err)
	opts := testOptions()
	opts.Algorithm = hash.Blake2b256
	l, err := Open(ctx, store, opts)
	require.NoError(t, err)
	_, err = l.CastVote(ctx, "voter1", "CAND001")
	require.NoError(t, err)
	require.NoError(t, l.Close())

	store, err = storage.NewFileStore(dir)
	require.NoError(t, err)
	l, err = Open(ctx, store, opts)
	require.NoError(t, err)

	require.Len(t, l.Chain(), 2)
	require.True(t, l.VerifyIntegrity().OK())
	require.Equal(t, map[string]int{"CAND001": 1, "CAND002": 0, "CAND003": 0}, l.Tally())
}

func rewriteBlocksFile(t *testing.T, dir string, edit func([]storage.BlockRecord)) {
	t.Helper()
	path := filepath.Join(dir, storage.BlocksFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var records []storage.BlockRecord
	require.NoError(t, json.Unmarshal(data, &records))
	edit(records)
	data, err = json.MarshalIndent(records, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))
}

func TestVerifyPersistedFileStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := storage.NewFileStore(dir)
	require.NoError(t, err)
	l, err := Open(ctx, store, testOptions())
	require.NoError(t, err)
	defer l.Close()
	_, err = l.CastVote(ctx, "voter1", "CAND001")
	require.NoError(t, err)

	result, err := l.VerifyPersisted(ctx)
	require.NoError(t, err)
	require.True(t, result.OK())

	rewriteBlocksFile(t, dir, func(records []storage.BlockRecord) {
		records[1].CandidateID = "CAND002"
	})

	result, err = l.VerifyPersisted(ctx)
	require.NoError(t, err)
	require.False(t, result.OK())
	require.Equal(t, uint64(1), result.Failure.Index)
	require.Equal(t, verify.HashMismatch, result.Failure.Kind)
	require.True(t, l.VerifyIntegrity().OK())
}

func TestRefreshFileStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	open := func() *Ledger {
		store, err := storage.NewFileStore(dir)
		require.NoError(t, err)
		l, err := Open(ctx, store, testOptions())
		require.NoError(t, err)
		return l
	}
	writer, watcher := open(), open()
	defer writer.Close()
	defer watcher.Close()

	_, err := writer.CastVote(ctx, "voter1", "CAND003")
	require.NoError(t, err)

	added, err := watcher.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, added)
	require.Equal(t, hashes(writer.Chain()), hashes(watcher.Chain()))

	_, err = watcher.CastVote(ctx, "voter1", "CAND001")
	require.ErrorIs(t, err, ErrDuplicateVote)
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	src, _ := openMem(t, abc()...)
	for i, c := range []string{"A", "C"} {
		_, err := src.CastVote(ctx, fmt.Sprintf("voter%d", i), c)
		require.NoError(t, err)
	}
	snap := src.Snapshot()

	t.Run("into empty store", func(t *testing.T) {
		dst, err := Import(ctx, newMemStore(), snap, testOptions())
		require.NoError(t, err)
		require.Equal(t, hashes(src.Chain()), hashes(dst.Chain()))
		require.Equal(t, src.Candidates(), dst.Candidates())
		require.Equal(t, src.Tally(), dst.Tally())

		_, err = dst.CastVote(ctx, "voter0", "B")
		require.ErrorIs(t, err, ErrDuplicateVote)
	})

	t.Run("into used store", func(t *testing.T) {
		_, store := openMem(t)
		_, err := Import(ctx, store, snap, testOptions())
		require.ErrorIs(t, err, ErrStoreNotEmpty)
	})

	t.Run("tampered snapshot", func(t *testing.T) {
		bad := *snap
		bad.Blocks = append([]storage.BlockRecord(nil), snap.Blocks...)
		bad.Blocks[1].CandidateID = "B"

		_, err := Import(ctx, newMemStore(), &bad, testOptions())
		var ie *verify.IntegrityError
		require.ErrorAs(t, err, &ie)
		require.Equal(t, uint64(1), ie.Failure.Index)
	})

	t.Run("lower-case candidate id", func(t *testing.T) {
		bad := *snap
		bad.Candidates = []registry.Candidate{{ID: "a", Name: "Ann"}}

		store := newMemStore()
		_, err := Import(ctx, store, &bad, testOptions())
		require.ErrorIs(t, err, storage.ErrCorruptSnapshot)
		require.Empty(t, store.blocks)
	})

	t.Run("failed restore can be retried", func(t *testing.T) {
		store := newMemStore()
		store.restoreErr = errors.New("disk full")

		_, err := Import(ctx, store, snap, testOptions())
		require.ErrorIs(t, err, ErrPersistence)
		require.Empty(t, store.blocks)
		require.False(t, store.saved)

		store.restoreErr = nil
		dst, err := Import(ctx, store, snap, testOptions())
		require.NoError(t, err)
		require.Equal(t, hashes(src.Chain()), hashes(dst.Chain()))
	})

	t.Run("into bolt store", func(t *testing.T) {
		store, err := storage.New(filepath.Join(t.TempDir(), "votechain.db"))
		require.NoError(t, err)
		dst, err := Import(ctx, store, snap, testOptions())
		require.NoError(t, err)
		defer dst.Close()

		require.Equal(t, hashes(src.Chain()), hashes(dst.Chain()))
		require.Equal(t, src.Candidates(), dst.Candidates())
		result, err := dst.VerifyPersisted(ctx)
		require.NoError(t, err)
		require.True(t, result.OK())
	})
}

func TestClose(t *testing.T) {
	l, store := openMem(t)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	require.True(t, store.closed)

	_, err := l.CastVote(context.Background(), "voter1", "CAND001")
	require.ErrorIs(t, err, ErrPersistence)
	_, err = l.AddCandidate(context.Background(), "X", "Xavier")
	require.ErrorIs(t, err, ErrPersistence)
}
