package verify

import (
	"fmt"
)

// IntegrityError is returned when a chain fails verification. The core only
// reports it; nothing is repaired.
type IntegrityError struct {
	Failure Failure
}

func (e *IntegrityError) Error() string {
	f := e.Failure
	if f.Expected == "" && f.Actual == "" {
		return fmt.Sprintf("integrity violation: %s at block %d", f.Kind, f.Index)
	}
	return fmt.Sprintf("integrity violation: %s at block %d (expected %s, got %s)",
		f.Kind, f.Index, f.Expected, f.Actual)
}

// TamperingError reports a change to a ledger table that did not come through
// the ledger.
type TamperingError struct {
	TableName string
	Operation string
	Message   string
}

func (e *TamperingError) Error() string {
	return fmt.Sprintf("TAMPERING DETECTED: %s on %s: %s",
		e.Operation, e.TableName, e.Message)
}

func (e *TamperingError) IsTampering() bool {
	return true
}

func (e *TamperingError) GetTableName() string {
	return e.TableName
}

func (e *TamperingError) GetOperation() string {
	return e.Operation
}

func NewTamperingError(tableName, operation, message string) *TamperingError {
	return &TamperingError{
		TableName: tableName,
		Operation: operation,
		Message:   message,
	}
}
