package durability

import (
	"errors"
	"fmt"

	"github.com/roach88/golemexec/internal/oplog"
)

// NonDeterminismError means replay diverged from the recorded history: the
// component made a different call, or the same call with different
// arguments, than it did live. It is fatal to the worker.
type NonDeterminismError struct {
	Index    oplog.Index
	Expected string
	Actual   string
}

func (e *NonDeterminismError) Error() string {
	return fmt.Sprintf("non-determinism at oplog index %d: recorded %s, replayed %s", e.Index, e.Expected, e.Actual)
}

// IsNonDeterminism reports whether err is a replay divergence.
// Uses errors.As to handle wrapped errors.
func IsNonDeterminism(err error) bool {
	var nd *NonDeterminismError
	return errors.As(err, &nd)
}

// RecordedError is a host call failure as it was recorded. Live and
// replayed executions of a call both return it, so the component observes
// the same error either way.
type RecordedError struct {
	Code    string
	Message string
}

func (e *RecordedError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Coded errors choose the code recorded for them.
type Coded interface {
	ErrorCode() string
}

// RemoteWriteUnknownError means a non-idempotent remote write started but
// its completion was never recorded, so it cannot be safely retried.
type RemoteWriteUnknownError struct {
	BeginIndex oplog.Index
}

func (e *RemoteWriteUnknownError) Error() string {
	return fmt.Sprintf("non-idempotent remote write begun at oplog index %d was not completed and cannot be retried", e.BeginIndex)
}

// IsRemoteWriteUnknown reports whether err is an unresolvable remote write.
func IsRemoteWriteUnknown(err error) bool {
	var rw *RemoteWriteUnknownError
	return errors.As(err, &rw)
}

// ErrPoisoned is returned by every durable operation after a durability
// write failed in the current attempt.
var ErrPoisoned = errors.New("worker attempt aborted after durability failure")

// Permanent is implemented by capability errors that must fail the worker
// without retrying.
type Permanent interface {
	Permanent() bool
}

// IsFatal reports whether err must fail the worker without retrying.
func IsFatal(err error) bool {
	if IsNonDeterminism(err) || IsRemoteWriteUnknown(err) || oplog.IsPayloadCorrupted(err) {
		return true
	}
	var p Permanent
	return errors.As(err, &p) && p.Permanent()
}
