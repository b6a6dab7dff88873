package verify

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/votechain/votechain/internal/alert"
	"github.com/votechain/votechain/internal/block"
	"github.com/votechain/votechain/internal/cdc"
	"github.com/votechain/votechain/internal/hash"
	"github.com/votechain/votechain/internal/storage"
)

// AppendOnlyGuard watches change events on the PostgreSQL ledger tables. Any
// UPDATE, DELETE, or TRUNCATE of the blocks table is tampering, and so is an
// inserted block that does not recompute or does not extend the known tip.
type AppendOnlyGuard struct {
	alg          hash.Algorithm
	logger       *slog.Logger
	alertManager *alert.Manager

	mu       sync.Mutex
	tip      *block.Block
	inserted int
}

func NewAppendOnlyGuard(alg hash.Algorithm, logger *slog.Logger) *AppendOnlyGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &AppendOnlyGuard{alg: alg, logger: logger}
}

func (g *AppendOnlyGuard) SetAlertManager(am *alert.Manager) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.alertManager = am
}

// SetTip records the last block known to be valid so inserts can be checked
// for linkage.
func (g *AppendOnlyGuard) SetTip(b block.Block) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tip = &b
}

// Inserted returns how many valid block inserts have been observed.
func (g *AppendOnlyGuard) Inserted() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inserted
}

func (g *AppendOnlyGuard) HandleChange(event *cdc.ChangeEvent) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch event.TableName {
	case storage.BlocksTable:
	case storage.CandidatesTable, storage.MetadataTable:
		g.logger.Info("Ledger table changed",
			"table", event.TableName,
			"operation", event.Operation,
		)
		return nil
	default:
		return nil
	}

	if event.Operation != cdc.OperationInsert {
		return g.tampered(event, recordID(event.PrimaryKey), "append-only ledger table modified")
	}

	rec, err := storage.RecordFromRow(event.NewData)
	if err != nil {
		return g.tampered(event, recordID(event.NewData), err.Error())
	}
	b, err := rec.Decode()
	if err != nil {
		return g.tampered(event, recordID(event.NewData), err.Error())
	}
	id := fmt.Sprintf("%d", b.Index)

	if computed := block.ComputeHash(g.alg, b); computed != b.BlockHash {
		return g.tampered(event, id, fmt.Sprintf("block hash does not recompute (stored %s, computed %s)",
			b.ShortHash(), computed[:16]))
	}

	if g.tip != nil {
		if b.Index != g.tip.Index+1 {
			return g.tampered(event, id, fmt.Sprintf("out of sequence insert, expected index %d", g.tip.Index+1))
		}
		if b.PreviousHash != g.tip.BlockHash {
			return g.tampered(event, id, "block does not link to chain tip")
		}
	}

	g.tip = &b
	g.inserted++
	g.logger.Debug("Block appended",
		"index", b.Index,
		"hash", b.ShortHash(),
		"candidate", b.CandidateID,
	)

	return nil
}

func (g *AppendOnlyGuard) tampered(event *cdc.ChangeEvent, id, details string) error {
	err := NewTamperingError(event.TableName, string(event.Operation), details)

	g.logger.Error("TAMPERING DETECTED",
		"table", event.TableName,
		"operation", event.Operation,
		"block", id,
		"details", details,
	)

	if g.alertManager != nil {
		if alertErr := g.alertManager.SendTamperAlert(event.TableName, string(event.Operation), id, details); alertErr != nil {
			g.logger.Warn("Failed to send tamper alert", "error", alertErr)
		}
	}

	return err
}

func recordID(row map[string]interface{}) string {
	if v, ok := row[storage.ColumnIndex]; ok && v != nil {
		return fmt.Sprintf("%v", v)
	}
	return "unknown"
}
