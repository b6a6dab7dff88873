package cdc

import (
	"time"
)

type OperationType string

const (
	OperationInsert   OperationType = "INSERT"
	OperationUpdate   OperationType = "UPDATE"
	OperationDelete   OperationType = "DELETE"
	OperationTruncate OperationType = "TRUNCATE"
)

// ChangeEvent is one row change, or one truncated table, read from the
// replication stream. Timestamp is the commit time of the transaction.
type ChangeEvent struct {
	Schema        string
	TableName     string
	Operation     OperationType
	Timestamp     time.Time
	NewData       map[string]interface{}
	OldData       map[string]interface{}
	PrimaryKey    map[string]interface{}
	TransactionID uint32
	LSN           uint64
}

type EventHandler interface {
	HandleChange(event *ChangeEvent) error
}

// TableStats counts the events seen for one table.
type TableStats map[OperationType]int

// TamperingDetector is implemented by handler errors that report tampering
// rather than a failure to process the event. The manager counts them and
// keeps streaming.
type TamperingDetector interface {
	error
	IsTampering() bool
	GetTableName() string
	GetOperation() string
}
