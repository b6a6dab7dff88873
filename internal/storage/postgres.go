package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/votechain/votechain/internal/block"
	"github.com/votechain/votechain/internal/registry"
)

const (
	BlocksTable     = "vote_blocks"
	CandidatesTable = "vote_candidates"
	MetadataTable   = "vote_metadata"
)

// Columns of BlocksTable.
const (
	ColumnIndex        = "block_index"
	ColumnTimestamp    = "ts"
	ColumnVoterIDHash  = "voter_id_hash"
	ColumnCandidateID  = "candidate_id"
	ColumnPreviousHash = "previous_hash"
	ColumnBlockHash    = "block_hash"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ` + BlocksTable + ` (
		` + ColumnIndex + ` BIGINT PRIMARY KEY,
		` + ColumnTimestamp + ` TEXT NOT NULL,
		` + ColumnVoterIDHash + ` TEXT NOT NULL,
		` + ColumnCandidateID + ` TEXT NOT NULL,
		` + ColumnPreviousHash + ` TEXT NOT NULL,
		` + ColumnBlockHash + ` TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ` + CandidatesTable + ` (
		position INTEGER PRIMARY KEY,
		candidate_id TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ` + MetadataTable + ` (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

const (
	insertBlockSQL = `INSERT INTO ` + BlocksTable + ` (` + ColumnIndex + `, ` + ColumnTimestamp + `, ` + ColumnVoterIDHash + `, ` +
		ColumnCandidateID + `, ` + ColumnPreviousHash + `, ` + ColumnBlockHash + `) VALUES ($1, $2, $3, $4, $5, $6)`
	insertCandidateSQL = `INSERT INTO ` + CandidatesTable + ` (position, candidate_id, display_name) VALUES ($1, $2, $3)`
	upsertMetadataSQL  = `INSERT INTO ` + MetadataTable + ` (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`
)

// PostgresStore persists the ledger in PostgreSQL tables. Writes run in a
// transaction so a failed write leaves no partial rows.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresStore) AppendBlock(ctx context.Context, b block.Block) error {
	rec := EncodeBlock(b)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, insertBlockSQL,
		int64(b.Index), rec.Timestamp, rec.VoterIDHash, rec.CandidateID, rec.PreviousHash, rec.BlockHash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert block %d: %w", b.Index, err)
	}

	return tx.Commit(ctx)
}

func (p *PostgresStore) LoadBlocks(ctx context.Context) ([]block.Block, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+ColumnIndex+`, `+ColumnTimestamp+`, `+ColumnVoterIDHash+`, `+ColumnCandidateID+`, `+
			ColumnPreviousHash+`, `+ColumnBlockHash+` FROM `+BlocksTable+` ORDER BY `+ColumnIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer rows.Close()

	var blocks []block.Block
	for rows.Next() {
		var (
			idx int64
			rec BlockRecord
		)
		if err := rows.Scan(&idx, &rec.Timestamp, &rec.VoterIDHash, &rec.CandidateID, &rec.PreviousHash, &rec.BlockHash); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		u := uint64(idx)
		rec.Index = &u

		b, err := rec.Decode()
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blocks: %w", err)
	}

	return blocks, nil
}

func (p *PostgresStore) LoadCandidates(ctx context.Context) ([]registry.Candidate, error) {
	// An empty saved registry and a never-saved one both have zero rows; the
	// metadata marker tells them apart.
	if _, err := p.GetMetadata(ctx, registryMetadataKey); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx,
		`SELECT candidate_id, display_name FROM `+CandidatesTable+` ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	defer rows.Close()

	candidates := make([]registry.Candidate, 0)
	for rows.Next() {
		var c registry.Candidate
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candidates: %w", err)
	}

	if _, err := registry.New(candidates); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return candidates, nil
}

const registryMetadataKey = "registry_initialized"

func (p *PostgresStore) SaveCandidates(ctx context.Context, candidates []registry.Candidate) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM `+CandidatesTable); err != nil {
		return fmt.Errorf("failed to clear candidates: %w", err)
	}

	batch := &pgx.Batch{}
	for i, c := range candidates {
		batch.Queue(insertCandidateSQL, i, c.ID, c.Name)
	}
	batch.Queue(`INSERT INTO `+MetadataTable+` (key, value) VALUES ($1, 'true')
		ON CONFLICT (key) DO NOTHING`, registryMetadataKey)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save candidates: %w", err)
	}

	return tx.Commit(ctx)
}

func (p *PostgresStore) SetMetadata(ctx context.Context, key, value string) error {
	_, err := p.pool.Exec(ctx, upsertMetadataSQL, key, value)
	if err != nil {
		return fmt.Errorf("failed to set metadata %s: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := p.pool.QueryRow(ctx, `SELECT value FROM `+MetadataTable+` WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("metadata key %s: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("failed to get metadata %s: %w", key, err)
	}
	return value, nil
}

// Restore writes metadata, candidates, and blocks in one transaction. It fails
// with ErrNotEmpty, writing nothing, when the blocks table has rows.
func (p *PostgresStore) Restore(ctx context.Context, metadata map[string]string, candidates []registry.Candidate, blocks []block.Block) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var stored int64
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM `+BlocksTable).Scan(&stored); err != nil {
		return fmt.Errorf("failed to count blocks: %w", err)
	}
	if stored > 0 {
		return fmt.Errorf("%w: %d blocks", ErrNotEmpty, stored)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM `+CandidatesTable); err != nil {
		return fmt.Errorf("failed to clear candidates: %w", err)
	}

	batch := &pgx.Batch{}
	for k, v := range metadata {
		batch.Queue(upsertMetadataSQL, k, v)
	}
	batch.Queue(upsertMetadataSQL, registryMetadataKey, "true")
	for i, c := range candidates {
		batch.Queue(insertCandidateSQL, i, c.ID, c.Name)
	}
	for _, b := range blocks {
		rec := EncodeBlock(b)
		batch.Queue(insertBlockSQL,
			int64(b.Index), rec.Timestamp, rec.VoterIDHash, rec.CandidateID, rec.PreviousHash, rec.BlockHash)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to restore ledger: %w", err)
	}

	return tx.Commit(ctx)
}

// RecordFromRow rebuilds a block record from a BlocksTable row delivered as
// column name → text value, the form logical replication produces.
func RecordFromRow(row map[string]interface{}) (BlockRecord, error) {
	text := func(col string) string {
		if v, ok := row[col].(string); ok {
			return v
		}
		return ""
	}

	raw := text(ColumnIndex)
	idx, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return BlockRecord{}, fmt.Errorf("%w: invalid %s %q", ErrCorruptSnapshot, ColumnIndex, raw)
	}

	return BlockRecord{
		Index:        &idx,
		Timestamp:    text(ColumnTimestamp),
		VoterIDHash:  text(ColumnVoterIDHash),
		CandidateID:  text(ColumnCandidateID),
		PreviousHash: text(ColumnPreviousHash),
		BlockHash:    text(ColumnBlockHash),
	}, nil
}
