package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/votechain/votechain/internal/storage"
)

// flip changes the first character of a hex digest so it stays well formed.
func flip(h string) string {
	if h == "" {
		return h
	}
	if h[0] == 'a' {
		return "b" + h[1:]
	}
	return "a" + h[1:]
}

func tamper(rec *storage.BlockRecord, field string) error {
	switch field {
	case "candidate":
		if rec.CandidateID == "CAND001" {
			rec.CandidateID = "CAND002"
		} else {
			rec.CandidateID = "CAND001"
		}
	case "voter":
		rec.VoterIDHash = flip(rec.VoterIDHash)
	case "previous":
		rec.PreviousHash = flip(rec.PreviousHash)
	case "hash":
		rec.BlockHash = flip(rec.BlockHash)
	default:
		return fmt.Errorf("unknown field %q (valid: candidate, voter, previous, hash)", field)
	}
	return nil
}

func main() {
	if len(os.Args) != 3 && len(os.Args) != 4 {
		fmt.Fprintf(os.Stderr, "Usage: %s <boltdb-path> <block-index> [candidate|voter|previous|hash]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "This tool rewrites one stored block in place, bypassing the ledger\n")
		os.Exit(1)
	}

	dbPath := os.Args[1]
	index, err := strconv.ParseUint(os.Args[2], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid block index %q: %v\n", os.Args[2], err)
		os.Exit(1)
	}
	field := "candidate"
	if len(os.Args) == 4 {
		field = os.Args[3]
	}

	fmt.Printf("Opening BoltDB: %s\n", dbPath)
	fmt.Printf("Target block: %d (%s)\n", index, field)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open BoltDB: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(storage.BlocksBucket)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", storage.BlocksBucket)
		}

		key := storage.BlockKey(index)
		data := bucket.Get(key)
		if data == nil {
			return fmt.Errorf("block %d not found", index)
		}

		var rec storage.BlockRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to decode block %d: %w", index, err)
		}

		fmt.Printf("  Original: candidate=%s hash=%s\n", rec.CandidateID, rec.BlockHash)
		if err := tamper(&rec, field); err != nil {
			return err
		}
		fmt.Printf("  Tampered: candidate=%s hash=%s\n", rec.CandidateID, rec.BlockHash)

		corrupted, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal tampered block: %w", err)
		}
		if err := bucket.Put(key, corrupted); err != nil {
			return fmt.Errorf("failed to save tampered block: %w", err)
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("✓ Block rewritten; run `votechain verify` to see it detected")
}
