package oplog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Index is the 1-based position of an entry in a worker's oplog.
type Index uint64

const (
	// None marks an absent index.
	None Index = 0
	// Initial is the index of the Create entry.
	Initial Index = 1
)

// Next returns the following index.
func (i Index) Next() Index { return i + 1 }

// Prev returns the preceding index, saturating at None.
func (i Index) Prev() Index {
	if i == None {
		return None
	}
	return i - 1
}

func (i Index) String() string { return strconv.FormatUint(uint64(i), 10) }

// WorkerID identifies a worker: a named instance of a component.
type WorkerID struct {
	ComponentID uuid.UUID `msgpack:"component_id" json:"component_id"`
	Name        string    `msgpack:"name" json:"name"`
}

func (w WorkerID) String() string {
	return w.ComponentID.String() + "/" + w.Name
}

// ParseWorkerID parses the "<component-uuid>/<name>" form produced by String.
func ParseWorkerID(s string) (WorkerID, error) {
	comp, name, ok := strings.Cut(s, "/")
	if !ok || name == "" {
		return WorkerID{}, fmt.Errorf("invalid worker id %q: expected <component-id>/<name>", s)
	}
	id, err := uuid.Parse(comp)
	if err != nil {
		return WorkerID{}, fmt.Errorf("invalid worker id %q: %w", s, err)
	}
	return WorkerID{ComponentID: id, Name: name}, nil
}

// ComponentVersion is a monotonically increasing component revision.
type ComponentVersion uint64

// ResourceID identifies a resource handle owned by a worker.
type ResourceID uint64

// PersistenceLevel controls whether oplog writes happen at all.
type PersistenceLevel uint8

const (
	// Smart records every durable host call. It is the default.
	Smart PersistenceLevel = iota
	// PersistRemoteSideEffects records only remote effects; local reads
	// and writes execute live even during replay.
	PersistRemoteSideEffects
	// PersistNothing turns add and fallible add into no-ops.
	PersistNothing
)

func (l PersistenceLevel) String() string {
	switch l {
	case Smart:
		return "smart"
	case PersistRemoteSideEffects:
		return "persist-remote-side-effects"
	case PersistNothing:
		return "persist-nothing"
	default:
		return fmt.Sprintf("persistence(%d)", uint8(l))
	}
}

// CommitLevel selects how far a commit goes.
type CommitLevel uint8

const (
	// Immediate flushes buffered entries to storage.
	Immediate CommitLevel = iota
	// Always flushes and waits for the configured replica count.
	Always
	// DurableOnly flushes unless persistence is off.
	DurableOnly
)

func (l CommitLevel) String() string {
	switch l {
	case Immediate:
		return "immediate"
	case Always:
		return "always"
	case DurableOnly:
		return "durable-only"
	default:
		return fmt.Sprintf("commit(%d)", uint8(l))
	}
}

// FunctionKind classifies a host call by the visibility of its side effect.
type FunctionKind uint8

const (
	ReadLocal FunctionKind = iota
	WriteLocal
	ReadRemote
	WriteRemote
	WriteRemoteBatched
)

func (k FunctionKind) String() string {
	switch k {
	case ReadLocal:
		return "read-local"
	case WriteLocal:
		return "write-local"
	case ReadRemote:
		return "read-remote"
	case WriteRemote:
		return "write-remote"
	case WriteRemoteBatched:
		return "write-remote-batched"
	default:
		return fmt.Sprintf("function-kind(%d)", uint8(k))
	}
}

// DurableFunctionType is the tag recorded with every ImportedFunctionInvoked.
// For WriteRemoteBatched, BatchBegin is None on the call that opens a batch
// and the batch's BeginRemoteWrite index on every later call.
type DurableFunctionType struct {
	Kind       FunctionKind `msgpack:"kind" json:"kind"`
	BatchBegin Index        `msgpack:"batch_begin,omitempty" json:"batch_begin,omitempty"`
}

// Constructors for each function type.
func ReadLocalFn() DurableFunctionType   { return DurableFunctionType{Kind: ReadLocal} }
func WriteLocalFn() DurableFunctionType  { return DurableFunctionType{Kind: WriteLocal} }
func ReadRemoteFn() DurableFunctionType  { return DurableFunctionType{Kind: ReadRemote} }
func WriteRemoteFn() DurableFunctionType { return DurableFunctionType{Kind: WriteRemote} }
func WriteRemoteBatchedFn(begin Index) DurableFunctionType {
	return DurableFunctionType{Kind: WriteRemoteBatched, BatchBegin: begin}
}

// IsRemoteWrite reports whether the call changes state outside the worker.
func (t DurableFunctionType) IsRemoteWrite() bool {
	return t.Kind == WriteRemote || t.Kind == WriteRemoteBatched
}

// IsLocal reports whether the call only touches worker-local state.
func (t DurableFunctionType) IsLocal() bool {
	return t.Kind == ReadLocal || t.Kind == WriteLocal
}

func (t DurableFunctionType) String() string {
	if t.Kind == WriteRemoteBatched {
		if t.BatchBegin == None {
			return "write-remote-batched(none)"
		}
		return fmt.Sprintf("write-remote-batched(%d)", t.BatchBegin)
	}
	return t.Kind.String()
}

// Region is an inclusive range of oplog indexes.
type Region struct {
	Start Index `msgpack:"start" json:"start"`
	End   Index `msgpack:"end" json:"end"`
}

// Contains reports whether idx lies within the region.
func (r Region) Contains(idx Index) bool {
	return idx >= r.Start && idx <= r.End
}

func (r Region) String() string {
	return fmt.Sprintf("[%d..%d]", r.Start, r.End)
}

// WorkerErrorKind categorizes a recorded worker failure.
type WorkerErrorKind uint8

const (
	// ErrUnknown is an error raised by the component itself.
	ErrUnknown WorkerErrorKind = iota
	// ErrStackOverflow and ErrOutOfMemory are resource traps.
	ErrStackOverflow
	ErrOutOfMemory
	// ErrInvalidRequest is a caller error; it is not retried.
	ErrInvalidRequest
	// ErrNonDeterminism is raised by replay; it is not retried.
	ErrNonDeterminism
	// ErrDurability is a failed fallible add.
	ErrDurability
	// ErrExceededMemoryLimit is not retried.
	ErrExceededMemoryLimit
	// ErrPermanent is a capability failure that must not be retried, such
	// as a remote write or transaction whose outcome cannot be recovered.
	ErrPermanent
)

func (k WorkerErrorKind) String() string {
	switch k {
	case ErrUnknown:
		return "unknown"
	case ErrStackOverflow:
		return "stack-overflow"
	case ErrOutOfMemory:
		return "out-of-memory"
	case ErrInvalidRequest:
		return "invalid-request"
	case ErrNonDeterminism:
		return "non-determinism"
	case ErrDurability:
		return "durability"
	case ErrExceededMemoryLimit:
		return "exceeded-memory-limit"
	case ErrPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("worker-error(%d)", uint8(k))
	}
}

// Retryable reports whether a failure of this kind may be retried.
func (k WorkerErrorKind) Retryable() bool {
	switch k {
	case ErrInvalidRequest, ErrNonDeterminism, ErrExceededMemoryLimit, ErrPermanent:
		return false
	default:
		return true
	}
}

// WorkerError is the failure recorded in an Error entry.
type WorkerError struct {
	Kind    WorkerErrorKind `msgpack:"kind" json:"kind"`
	Message string          `msgpack:"message" json:"message"`
}

func (e WorkerError) String() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Message
}

// LogLevel of a Log entry.
type LogLevel uint8

const (
	LogTrace LogLevel = iota
	LogDebug
	LogInfo
	LogWarn
	LogError
	LogCritical
	LogStdout
	LogStderr
)

func (l LogLevel) String() string {
	names := [...]string{"trace", "debug", "info", "warn", "error", "critical", "stdout", "stderr"}
	if int(l) < len(names) {
		return names[l]
	}
	return fmt.Sprintf("log(%d)", uint8(l))
}

// UpdateMode selects how a component update is applied.
type UpdateMode uint8

const (
	// AutomaticUpdate replays the existing oplog against the new version.
	AutomaticUpdate UpdateMode = iota
	// SnapshotUpdate is accepted in the log format but not executed here.
	SnapshotUpdate
)

// UpdateDescription is carried by PendingUpdate.
type UpdateDescription struct {
	TargetVersion ComponentVersion `msgpack:"target_version" json:"target_version"`
	Mode          UpdateMode       `msgpack:"mode" json:"mode"`
}

// WorkerInvocation is a queued invocation recorded by PendingWorkerInvocation.
type WorkerInvocation struct {
	IdempotencyKey string  `msgpack:"idempotency_key" json:"idempotency_key"`
	FunctionName   string  `msgpack:"function_name" json:"function_name"`
	Params         Payload `msgpack:"params" json:"params"`
}

// AgentKey identifies an agent instance inside a worker.
type AgentKey struct {
	AgentType string `msgpack:"agent_type" json:"agent_type"`
	AgentID   string `msgpack:"agent_id" json:"agent_id"`
}

func (k AgentKey) String() string { return k.AgentType + "(" + k.AgentID + ")" }
