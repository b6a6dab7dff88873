package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownCandidate = errors.New("unknown candidate")
	ErrDuplicateVote    = errors.New("voter has already voted")
	ErrMalformedInput   = errors.New("malformed input")
	ErrBlockNotFound    = errors.New("block not found")

	// ErrPersistence matches every *PersistenceError.
	ErrPersistence = errors.New("persistence failure")

	ErrAlgorithmMismatch = errors.New("hash algorithm mismatch")
	ErrStoreNotEmpty     = errors.New("store already holds a chain")
)

// PersistenceError means the store rejected a write or read. When returned
// from a mutating operation the in-memory ledger was left unchanged, so the
// vote or registry change did not take effect.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}
