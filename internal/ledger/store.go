package ledger

import (
	"context"

	"github.com/votechain/votechain/internal/block"
	"github.com/votechain/votechain/internal/registry"
)

// Store is the persistence boundary of the ledger. Implementations serialize
// and deserialize; they never decide what a valid chain is.
//
// LoadCandidates and GetMetadata return an error matching storage.ErrNotFound
// when nothing has been saved yet. AppendBlock must either store the block
// durably or leave the previous state intact.
//
// Restore fills a store that has no blocks with a whole ledger. It fails with
// an error matching storage.ErrNotEmpty when blocks exist, and a failed
// Restore leaves the store without blocks so it can be retried.
type Store interface {
	LoadBlocks(ctx context.Context) ([]block.Block, error)
	AppendBlock(ctx context.Context, b block.Block) error
	LoadCandidates(ctx context.Context) ([]registry.Candidate, error)
	SaveCandidates(ctx context.Context, candidates []registry.Candidate) error
	GetMetadata(ctx context.Context, key string) (string, error)
	SetMetadata(ctx context.Context, key, value string) error
	Restore(ctx context.Context, metadata map[string]string, candidates []registry.Candidate, blocks []block.Block) error
	Close() error
}
