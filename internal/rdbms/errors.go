package rdbms

import (
	"errors"
	"fmt"

	"github.com/roach88/golemexec/internal/oplog"
)

// TransactionRecoveryError means replay found a transaction whose outcome
// cannot be reconciled with what the oplog recorded. It fails the worker.
type TransactionRecoveryError struct {
	BeginIndex    oplog.Index
	TransactionID string
	Status        TransactionStatus
	Reason        string
}

func (e *TransactionRecoveryError) Error() string {
	return fmt.Sprintf("cannot recover transaction %s begun at oplog index %d (database reports %s): %s",
		e.TransactionID, e.BeginIndex, e.Status, e.Reason)
}

// Permanent marks the error as not retryable.
func (e *TransactionRecoveryError) Permanent() bool { return true }

// IsTransactionRecovery reports whether err is an unrecoverable transaction.
func IsTransactionRecovery(err error) bool {
	var te *TransactionRecoveryError
	return errors.As(err, &te)
}

// ErrTransactionClosed is returned by statements on a committed or rolled
// back transaction.
var ErrTransactionClosed = errors.New("transaction is closed")
