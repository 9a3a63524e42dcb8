package oplog

import (
	"errors"
	"fmt"
)

var (
	// ErrIndexConflict means an append did not continue the stored log.
	// It indicates two writers for one worker.
	ErrIndexConflict = errors.New("oplog index conflict")

	// ErrNotFound is returned when reading an index outside the retained log.
	ErrNotFound = errors.New("oplog entry not found")

	// ErrClosed is returned by operations on a closed Oplog.
	ErrClosed = errors.New("oplog closed")
)

// DurabilityError is returned by FallibleAdd when an entry could not be made
// durable. The caller's effect may already have happened; the current
// invocation attempt must abort.
type DurabilityError struct {
	Worker WorkerID
	Kind   Kind
	Err    error
}

func (e *DurabilityError) Error() string {
	return fmt.Sprintf("durability write failed for %s on %s: %v", e.Kind, e.Worker, e.Err)
}

func (e *DurabilityError) Unwrap() error { return e.Err }

// IsDurabilityError reports whether err is a failed fallible add.
// Uses errors.As to handle wrapped errors.
func IsDurabilityError(err error) bool {
	var de *DurabilityError
	return errors.As(err, &de)
}

// PayloadCorruptedError is returned when a downloaded payload does not match
// its recorded hash. It is never retried and never papered over.
type PayloadCorruptedError struct {
	Worker  WorkerID
	Payload ExternalPayload
	Actual  PayloadHash
	Cause   error
}

func (e *PayloadCorruptedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("payload %s of %s is corrupted: %v", e.Payload.ID, e.Worker, e.Cause)
	}
	return fmt.Sprintf("payload %s of %s is corrupted: expected hash %s, got %s",
		e.Payload.ID, e.Worker, e.Payload.Hash, e.Actual)
}

func (e *PayloadCorruptedError) Unwrap() error { return e.Cause }

// IsPayloadCorrupted reports whether err is a payload integrity failure.
func IsPayloadCorrupted(err error) bool {
	var pe *PayloadCorruptedError
	return errors.As(err, &pe)
}
