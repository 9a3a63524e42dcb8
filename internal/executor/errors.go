package executor

import (
	"errors"
	"fmt"

	"github.com/roach88/golemexec/internal/durability"
	"github.com/roach88/golemexec/internal/oplog"
	"github.com/roach88/golemexec/internal/rdbms"
)

// ExecutorError is an error reported by the executor API or recorded for a
// failed host call (RPC results carry it to the caller's oplog).
//
// ExecutorError includes structured fields for diagnostics.
type ExecutorError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Worker identifies the affected worker, if any.
	Worker string

	// Details contains additional context.
	Details map[string]string
}

// ErrorCode categorizes executor errors.
type ErrorCode string

const (
	// ErrCodeWorkerNotFound indicates the worker has no oplog.
	ErrCodeWorkerNotFound ErrorCode = "WORKER_NOT_FOUND"

	// ErrCodeWorkerExists indicates a worker with the same id already exists.
	ErrCodeWorkerExists ErrorCode = "WORKER_EXISTS"

	// ErrCodeComponentNotFound indicates the component version is not registered.
	ErrCodeComponentNotFound ErrorCode = "COMPONENT_NOT_FOUND"

	// ErrCodeWorkerFailed indicates the worker failed permanently.
	ErrCodeWorkerFailed ErrorCode = "WORKER_FAILED"

	// ErrCodeInterrupted indicates the invocation was interrupted.
	ErrCodeInterrupted ErrorCode = "INTERRUPTED"

	// ErrCodeExited indicates the worker exited.
	ErrCodeExited ErrorCode = "EXITED"

	// ErrCodeInvalidRequest indicates a request the worker cannot serve.
	ErrCodeInvalidRequest ErrorCode = "INVALID_REQUEST"

	// ErrCodeCancelled indicates a queued invocation was cancelled.
	ErrCodeCancelled ErrorCode = "CANCELLED"

	// ErrCodeShuttingDown indicates the executor stopped before answering.
	ErrCodeShuttingDown ErrorCode = "SHUTTING_DOWN"
)

// Error implements the error interface.
func (e *ExecutorError) Error() string {
	if e.Worker != "" {
		return fmt.Sprintf("%s: %s (worker=%s)", e.Code, e.Message, e.Worker)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorCode is the code recorded when the error is the result of a host call.
func (e *ExecutorError) ErrorCode() string { return string(e.Code) }

func newError(code ErrorCode, worker oplog.WorkerID, format string, args ...any) *ExecutorError {
	return &ExecutorError{Code: code, Message: fmt.Sprintf(format, args...), Worker: worker.String()}
}

func hasCode(err error, code ErrorCode) bool {
	var ee *ExecutorError
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	// Recorded RPC failures keep only the code.
	var re *durability.RecordedError
	if errors.As(err, &re) {
		return re.Code == string(code)
	}
	return false
}

// IsWorkerNotFound reports whether err is a missing worker.
// Uses errors.As to handle wrapped errors.
func IsWorkerNotFound(err error) bool { return hasCode(err, ErrCodeWorkerNotFound) }

// IsWorkerExists reports whether err is a duplicate worker.
func IsWorkerExists(err error) bool { return hasCode(err, ErrCodeWorkerExists) }

// IsComponentNotFound reports whether err is an unregistered component.
func IsComponentNotFound(err error) bool { return hasCode(err, ErrCodeComponentNotFound) }

// IsWorkerFailed reports whether err is a permanently failed worker.
func IsWorkerFailed(err error) bool { return hasCode(err, ErrCodeWorkerFailed) }

// IsInterrupted reports whether err is an interrupted invocation.
func IsInterrupted(err error) bool { return hasCode(err, ErrCodeInterrupted) }

// IsExited reports whether err is an exited worker.
func IsExited(err error) bool { return hasCode(err, ErrCodeExited) }

// IsInvalidRequest reports whether err is a rejected request.
func IsInvalidRequest(err error) bool { return hasCode(err, ErrCodeInvalidRequest) }

// IsCancelled reports whether err is a cancelled invocation.
func IsCancelled(err error) bool { return hasCode(err, ErrCodeCancelled) }

// InvalidShardError is returned by a Router when the target worker is not
// owned by the executor it was sent to. Callers retry with backoff after
// refreshing their routing.
type InvalidShardError struct {
	Worker oplog.WorkerID
	Shard  int
}

func (e *InvalidShardError) Error() string {
	return fmt.Sprintf("worker %s is not owned by shard %d", e.Worker, e.Shard)
}

// ErrorCode implements durability.Coded.
func (e *InvalidShardError) ErrorCode() string { return "INVALID_SHARD" }

// IsInvalidShard reports whether err is a routing miss.
func IsInvalidShard(err error) bool {
	var se *InvalidShardError
	return errors.As(err, &se)
}

// ErrExit is returned by a component to stop the worker for good.
var ErrExit = errors.New("worker exited")

// MemoryLimitError is returned by Host.GrowMemory when the worker would
// exceed the executor's memory limit. It is not retried.
type MemoryLimitError struct {
	Requested uint64
	Limit     uint64
}

func (e *MemoryLimitError) Error() string {
	return fmt.Sprintf("memory limit exceeded: %d bytes requested, limit is %d", e.Requested, e.Limit)
}

// classify maps an attempt failure to the kind recorded in its Error entry.
func classify(err error) oplog.WorkerErrorKind {
	var mem *MemoryLimitError
	switch {
	case durability.IsNonDeterminism(err):
		return oplog.ErrNonDeterminism
	case errors.As(err, &mem):
		return oplog.ErrExceededMemoryLimit
	case IsInvalidRequest(err):
		return oplog.ErrInvalidRequest
	case oplog.IsDurabilityError(err), errors.Is(err, durability.ErrPoisoned):
		return oplog.ErrDurability
	case durability.IsFatal(err), rdbms.IsTransactionRecovery(err):
		return oplog.ErrPermanent
	default:
		return oplog.ErrUnknown
	}
}
