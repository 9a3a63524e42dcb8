package oplog

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/golemexec/internal/retry"
)

// Entry is a sealed interface over every recordable event. Each variant is
// a pointer to one of the structs in this file.
//
// CRITICAL: Every switch over entries must handle every Kind. New variants
// must be added to Kind, kindNames, newEntry, and the public projection.
type Entry interface {
	Kind() Kind
	Time() time.Time
	stamp(t time.Time)
	normalize()
}

// Stamp carries the wall-clock timestamp common to all variants.
type Stamp struct {
	Timestamp time.Time `msgpack:"ts"`
}

// Time returns the entry timestamp.
func (s *Stamp) Time() time.Time { return s.Timestamp }

func (s *Stamp) stamp(t time.Time) {
	if s.Timestamp.IsZero() {
		s.Timestamp = t.UTC()
	}
}

// msgpack decodes timestamps in the local zone.
func (s *Stamp) normalize() { s.Timestamp = s.Timestamp.UTC() }

// Kind is the variant tag. The numeric values are the on-disk tags and
// must never be reused.
type Kind uint8

const (
	KindCreate Kind = iota + 1
	KindImportedFunctionInvoked
	KindExportedFunctionInvoked
	KindExportedFunctionCompleted
	KindSuspend
	KindError
	KindNoOp
	KindJump
	KindInterrupted
	KindExited
	KindChangeRetryPolicy
	KindBeginAtomicRegion
	KindEndAtomicRegion
	KindBeginRemoteWrite
	KindEndRemoteWrite
	KindPendingWorkerInvocation
	KindPendingUpdate
	KindSuccessfulUpdate
	KindFailedUpdate
	KindGrowMemory
	KindCreateResource
	KindDropResource
	KindDescribeResource
	KindLog
	KindRestart
	KindActivatePlugin
	KindDeactivatePlugin
	KindRevert
	KindCancelPendingInvocation
	KindStartSpan
	KindFinishSpan
	KindSetSpanAttribute
	KindChangePersistenceLevel
	KindBeginRemoteTransaction
	KindPreCommitRemoteTransaction
	KindPreRollbackRemoteTransaction
	KindCommittedRemoteTransaction
	KindRolledBackRemoteTransaction
	KindCreateAgentInstance
	KindDropAgentInstance

	// KindUnknown is never written; it tags entries this binary cannot decode.
	KindUnknown Kind = 255
)

var kindNames = map[Kind]string{
	KindCreate:                       "Create",
	KindImportedFunctionInvoked:      "ImportedFunctionInvoked",
	KindExportedFunctionInvoked:      "ExportedFunctionInvoked",
	KindExportedFunctionCompleted:    "ExportedFunctionCompleted",
	KindSuspend:                      "Suspend",
	KindError:                        "Error",
	KindNoOp:                         "NoOp",
	KindJump:                         "Jump",
	KindInterrupted:                  "Interrupted",
	KindExited:                       "Exited",
	KindChangeRetryPolicy:            "ChangeRetryPolicy",
	KindBeginAtomicRegion:            "BeginAtomicRegion",
	KindEndAtomicRegion:              "EndAtomicRegion",
	KindBeginRemoteWrite:             "BeginRemoteWrite",
	KindEndRemoteWrite:               "EndRemoteWrite",
	KindPendingWorkerInvocation:      "PendingWorkerInvocation",
	KindPendingUpdate:                "PendingUpdate",
	KindSuccessfulUpdate:             "SuccessfulUpdate",
	KindFailedUpdate:                 "FailedUpdate",
	KindGrowMemory:                   "GrowMemory",
	KindCreateResource:               "CreateResource",
	KindDropResource:                 "DropResource",
	KindDescribeResource:             "DescribeResource",
	KindLog:                          "Log",
	KindRestart:                      "Restart",
	KindActivatePlugin:               "ActivatePlugin",
	KindDeactivatePlugin:             "DeactivatePlugin",
	KindRevert:                       "Revert",
	KindCancelPendingInvocation:      "CancelPendingInvocation",
	KindStartSpan:                    "StartSpan",
	KindFinishSpan:                   "FinishSpan",
	KindSetSpanAttribute:             "SetSpanAttribute",
	KindChangePersistenceLevel:       "ChangePersistenceLevel",
	KindBeginRemoteTransaction:       "BeginRemoteTransaction",
	KindPreCommitRemoteTransaction:   "PreCommitRemoteTransaction",
	KindPreRollbackRemoteTransaction: "PreRollbackRemoteTransaction",
	KindCommittedRemoteTransaction:   "CommittedRemoteTransaction",
	KindRolledBackRemoteTransaction:  "RolledBackRemoteTransaction",
	KindCreateAgentInstance:          "CreateAgentInstance",
	KindDropAgentInstance:            "DropAgentInstance",
	KindUnknown:                      "Unknown",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind maps a name produced by String back to its Kind.
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// AllKinds returns every writable kind in tag order.
func AllKinds() []Kind {
	kinds := make([]Kind, 0, len(kindNames))
	for k := KindCreate; k <= KindDropAgentInstance; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// IsHint reports whether the replay cursor steps over entries of this kind.
// Hints describe worker state (pending work, updates, resources, failures)
// that the executor reconstructs by scanning the log; they never stand in
// for a host call result.
func (k Kind) IsHint() bool {
	switch k {
	case KindSuspend, KindError, KindNoOp, KindJump, KindInterrupted, KindExited,
		KindPendingWorkerInvocation, KindPendingUpdate, KindSuccessfulUpdate, KindFailedUpdate,
		KindGrowMemory, KindCreateResource, KindDropResource, KindDescribeResource,
		KindLog, KindRestart, KindActivatePlugin, KindDeactivatePlugin, KindRevert,
		KindCancelPendingInvocation, KindCreateAgentInstance, KindDropAgentInstance, KindUnknown:
		return true
	default:
		return false
	}
}

// IsRemoteTransactionMarker reports whether the kind is one of the five
// remote transaction markers.
func (k Kind) IsRemoteTransactionMarker() bool {
	switch k {
	case KindBeginRemoteTransaction, KindPreCommitRemoteTransaction, KindPreRollbackRemoteTransaction,
		KindCommittedRemoteTransaction, KindRolledBackRemoteTransaction:
		return true
	default:
		return false
	}
}

// Create is always the entry at Initial.
type Create struct {
	Stamp
	WorkerID          WorkerID          `msgpack:"worker_id"`
	ComponentVersion  ComponentVersion  `msgpack:"component_version"`
	Args              []string          `msgpack:"args"`
	Env               map[string]string `msgpack:"env"`
	Parent            *WorkerID         `msgpack:"parent,omitempty"`
	ComponentSize     uint64            `msgpack:"component_size"`
	InitialMemorySize uint64            `msgpack:"initial_memory_size"`
	InitialPlugins    []string          `msgpack:"initial_plugins"`
}

// ImportedFunctionInvoked records a completed host call.
type ImportedFunctionInvoked struct {
	Stamp
	FunctionName string              `msgpack:"function_name"`
	Request      Payload             `msgpack:"request"`
	Response     Payload             `msgpack:"response"`
	FunctionType DurableFunctionType `msgpack:"function_type"`
}

// ExportedFunctionInvoked opens an externally triggered invocation.
type ExportedFunctionInvoked struct {
	Stamp
	FunctionName   string    `msgpack:"function_name"`
	Request        Payload   `msgpack:"request"`
	IdempotencyKey string    `msgpack:"idempotency_key"`
	TraceID        string    `msgpack:"trace_id,omitempty"`
	TraceStates    []string  `msgpack:"trace_states,omitempty"`
	SpanStack      []SpanRef `msgpack:"span_stack,omitempty"`
}

// SpanRef names a span in the invocation context stack.
type SpanRef struct {
	SpanID trace.SpanID `msgpack:"span_id"`
}

// ExportedFunctionCompleted closes an invocation with its result.
type ExportedFunctionCompleted struct {
	Stamp
	Response     Payload `msgpack:"response"`
	ConsumedFuel int64   `msgpack:"consumed_fuel"`
}

// Suspend marks that the worker stopped running without failing.
type Suspend struct{ Stamp }

// Error records a failed invocation attempt. RetryFrom is the index replay
// restarts from when the attempt is retried.
type Error struct {
	Stamp
	Error     WorkerError `msgpack:"error"`
	RetryFrom Index       `msgpack:"retry_from"`
}

// NoOp occupies an index without meaning; used to overwrite nothing.
type NoOp struct{ Stamp }

// Jump marks Region as skipped by every later replay.
type Jump struct {
	Stamp
	Jump Region `msgpack:"jump"`
}

// Interrupted marks an explicit interrupt request.
type Interrupted struct{ Stamp }

// Exited marks that the component called exit.
type Exited struct{ Stamp }

// ChangeRetryPolicy overrides the worker retry policy from this point on.
type ChangeRetryPolicy struct {
	Stamp
	NewPolicy retry.Config `msgpack:"new_policy"`
}

// BeginAtomicRegion opens a region that is discarded on replay unless closed.
type BeginAtomicRegion struct{ Stamp }

// EndAtomicRegion closes the region opened at BeginIndex.
type EndAtomicRegion struct {
	Stamp
	BeginIndex Index `msgpack:"begin_index"`
}

// BeginRemoteWrite opens a non-idempotent remote write.
type BeginRemoteWrite struct{ Stamp }

// EndRemoteWrite closes the write opened at BeginIndex.
type EndRemoteWrite struct {
	Stamp
	BeginIndex Index `msgpack:"begin_index"`
}

// PendingWorkerInvocation durably queues an invocation.
type PendingWorkerInvocation struct {
	Stamp
	Invocation WorkerInvocation `msgpack:"invocation"`
}

// PendingUpdate queues a component update.
type PendingUpdate struct {
	Stamp
	Description UpdateDescription `msgpack:"description"`
}

// SuccessfulUpdate records that the worker now runs TargetVersion.
type SuccessfulUpdate struct {
	Stamp
	TargetVersion    ComponentVersion `msgpack:"target_version"`
	NewComponentSize uint64           `msgpack:"new_component_size"`
	NewActivePlugins []string         `msgpack:"new_active_plugins"`
}

// FailedUpdate records that updating to TargetVersion failed.
type FailedUpdate struct {
	Stamp
	TargetVersion ComponentVersion `msgpack:"target_version"`
	Details       string           `msgpack:"details,omitempty"`
}

// GrowMemory records linear memory growth.
type GrowMemory struct {
	Stamp
	Delta uint64 `msgpack:"delta"`
}

// CreateResource records a new resource handle.
type CreateResource struct {
	Stamp
	ID           ResourceID `msgpack:"id"`
	ResourceType string     `msgpack:"resource_type"`
}

// DropResource records that a resource handle was dropped.
type DropResource struct {
	Stamp
	ID           ResourceID `msgpack:"id"`
	ResourceType string     `msgpack:"resource_type"`
}

// DescribeResource attaches constructor parameters to a resource.
type DescribeResource struct {
	Stamp
	ID           ResourceID `msgpack:"id"`
	ResourceType string     `msgpack:"resource_type"`
	Params       Payload    `msgpack:"params"`
}

// Log records a line emitted by the component.
type Log struct {
	Stamp
	Level   LogLevel `msgpack:"level"`
	Context string   `msgpack:"context"`
	Message string   `msgpack:"message"`
}

// Restart marks that the worker was started again: recovered after a
// crash, or resumed after an interrupt or suspension.
type Restart struct{ Stamp }

// ActivatePlugin records a plugin activation.
type ActivatePlugin struct {
	Stamp
	Plugin string `msgpack:"plugin"`
}

// DeactivatePlugin records a plugin deactivation.
type DeactivatePlugin struct {
	Stamp
	Plugin string `msgpack:"plugin"`
}

// Revert drops a region of history; the region is skipped like a Jump.
type Revert struct {
	Stamp
	DroppedRegion Region `msgpack:"dropped_region"`
}

// CancelPendingInvocation removes a queued invocation.
type CancelPendingInvocation struct {
	Stamp
	IdempotencyKey string `msgpack:"idempotency_key"`
}

// StartSpan opens an invocation-context span.
type StartSpan struct {
	Stamp
	SpanID        trace.SpanID      `msgpack:"span_id"`
	Parent        trace.SpanID      `msgpack:"parent"`
	LinkedContext trace.SpanID      `msgpack:"linked_context"`
	Attributes    map[string]string `msgpack:"attributes"`
}

// FinishSpan closes a span.
type FinishSpan struct {
	Stamp
	SpanID trace.SpanID `msgpack:"span_id"`
}

// SetSpanAttribute sets one attribute on an open span.
type SetSpanAttribute struct {
	Stamp
	SpanID trace.SpanID `msgpack:"span_id"`
	Key    string       `msgpack:"key"`
	Value  string       `msgpack:"value"`
}

// ChangePersistenceLevel records a persistence level switch.
type ChangePersistenceLevel struct {
	Stamp
	Level PersistenceLevel `msgpack:"level"`
}

// BeginRemoteTransaction opens a remote transaction. OriginalBeginIndex is
// set when the transaction is a retry of one begun earlier.
type BeginRemoteTransaction struct {
	Stamp
	TransactionID      string `msgpack:"transaction_id"`
	OriginalBeginIndex Index  `msgpack:"original_begin_index,omitempty"`
}

// PreCommitRemoteTransaction is written before the remote commit is issued.
type PreCommitRemoteTransaction struct {
	Stamp
	BeginIndex Index `msgpack:"begin_index"`
}

// PreRollbackRemoteTransaction is written before the remote rollback is issued.
type PreRollbackRemoteTransaction struct {
	Stamp
	BeginIndex Index `msgpack:"begin_index"`
}

// CommittedRemoteTransaction is written after the remote commit succeeded.
type CommittedRemoteTransaction struct {
	Stamp
	BeginIndex Index `msgpack:"begin_index"`
}

// RolledBackRemoteTransaction is written after the remote rollback succeeded.
type RolledBackRemoteTransaction struct {
	Stamp
	BeginIndex Index `msgpack:"begin_index"`
}

// CreateAgentInstance records a new agent inside the worker.
type CreateAgentInstance struct {
	Stamp
	Key        AgentKey `msgpack:"key"`
	Parameters Payload  `msgpack:"parameters"`
}

// DropAgentInstance records that an agent was dropped.
type DropAgentInstance struct {
	Stamp
	Key AgentKey `msgpack:"key"`
}

// Unknown holds an entry written by a newer binary. It is carried through
// replay as a hint and rendered opaquely.
type Unknown struct {
	Stamp
	Tag     uint8  `msgpack:"tag"`
	Version uint8  `msgpack:"version"`
	Raw     []byte `msgpack:"raw"`
}

func (*Create) Kind() Kind                       { return KindCreate }
func (*ImportedFunctionInvoked) Kind() Kind      { return KindImportedFunctionInvoked }
func (*ExportedFunctionInvoked) Kind() Kind      { return KindExportedFunctionInvoked }
func (*ExportedFunctionCompleted) Kind() Kind    { return KindExportedFunctionCompleted }
func (*Suspend) Kind() Kind                      { return KindSuspend }
func (*Error) Kind() Kind                        { return KindError }
func (*NoOp) Kind() Kind                         { return KindNoOp }
func (*Jump) Kind() Kind                         { return KindJump }
func (*Interrupted) Kind() Kind                  { return KindInterrupted }
func (*Exited) Kind() Kind                       { return KindExited }
func (*ChangeRetryPolicy) Kind() Kind            { return KindChangeRetryPolicy }
func (*BeginAtomicRegion) Kind() Kind            { return KindBeginAtomicRegion }
func (*EndAtomicRegion) Kind() Kind              { return KindEndAtomicRegion }
func (*BeginRemoteWrite) Kind() Kind             { return KindBeginRemoteWrite }
func (*EndRemoteWrite) Kind() Kind               { return KindEndRemoteWrite }
func (*PendingWorkerInvocation) Kind() Kind      { return KindPendingWorkerInvocation }
func (*PendingUpdate) Kind() Kind                { return KindPendingUpdate }
func (*SuccessfulUpdate) Kind() Kind             { return KindSuccessfulUpdate }
func (*FailedUpdate) Kind() Kind                 { return KindFailedUpdate }
func (*GrowMemory) Kind() Kind                   { return KindGrowMemory }
func (*CreateResource) Kind() Kind               { return KindCreateResource }
func (*DropResource) Kind() Kind                 { return KindDropResource }
func (*DescribeResource) Kind() Kind             { return KindDescribeResource }
func (*Log) Kind() Kind                          { return KindLog }
func (*Restart) Kind() Kind                      { return KindRestart }
func (*ActivatePlugin) Kind() Kind               { return KindActivatePlugin }
func (*DeactivatePlugin) Kind() Kind             { return KindDeactivatePlugin }
func (*Revert) Kind() Kind                       { return KindRevert }
func (*CancelPendingInvocation) Kind() Kind      { return KindCancelPendingInvocation }
func (*StartSpan) Kind() Kind                    { return KindStartSpan }
func (*FinishSpan) Kind() Kind                   { return KindFinishSpan }
func (*SetSpanAttribute) Kind() Kind             { return KindSetSpanAttribute }
func (*ChangePersistenceLevel) Kind() Kind       { return KindChangePersistenceLevel }
func (*BeginRemoteTransaction) Kind() Kind       { return KindBeginRemoteTransaction }
func (*PreCommitRemoteTransaction) Kind() Kind   { return KindPreCommitRemoteTransaction }
func (*PreRollbackRemoteTransaction) Kind() Kind { return KindPreRollbackRemoteTransaction }
func (*CommittedRemoteTransaction) Kind() Kind   { return KindCommittedRemoteTransaction }
func (*RolledBackRemoteTransaction) Kind() Kind  { return KindRolledBackRemoteTransaction }
func (*CreateAgentInstance) Kind() Kind          { return KindCreateAgentInstance }
func (*DropAgentInstance) Kind() Kind            { return KindDropAgentInstance }
func (*Unknown) Kind() Kind                      { return KindUnknown }

// newEntry allocates the zero value of the variant for k.
func newEntry(k Kind) (Entry, bool) {
	switch k {
	case KindCreate:
		return &Create{}, true
	case KindImportedFunctionInvoked:
		return &ImportedFunctionInvoked{}, true
	case KindExportedFunctionInvoked:
		return &ExportedFunctionInvoked{}, true
	case KindExportedFunctionCompleted:
		return &ExportedFunctionCompleted{}, true
	case KindSuspend:
		return &Suspend{}, true
	case KindError:
		return &Error{}, true
	case KindNoOp:
		return &NoOp{}, true
	case KindJump:
		return &Jump{}, true
	case KindInterrupted:
		return &Interrupted{}, true
	case KindExited:
		return &Exited{}, true
	case KindChangeRetryPolicy:
		return &ChangeRetryPolicy{}, true
	case KindBeginAtomicRegion:
		return &BeginAtomicRegion{}, true
	case KindEndAtomicRegion:
		return &EndAtomicRegion{}, true
	case KindBeginRemoteWrite:
		return &BeginRemoteWrite{}, true
	case KindEndRemoteWrite:
		return &EndRemoteWrite{}, true
	case KindPendingWorkerInvocation:
		return &PendingWorkerInvocation{}, true
	case KindPendingUpdate:
		return &PendingUpdate{}, true
	case KindSuccessfulUpdate:
		return &SuccessfulUpdate{}, true
	case KindFailedUpdate:
		return &FailedUpdate{}, true
	case KindGrowMemory:
		return &GrowMemory{}, true
	case KindCreateResource:
		return &CreateResource{}, true
	case KindDropResource:
		return &DropResource{}, true
	case KindDescribeResource:
		return &DescribeResource{}, true
	case KindLog:
		return &Log{}, true
	case KindRestart:
		return &Restart{}, true
	case KindActivatePlugin:
		return &ActivatePlugin{}, true
	case KindDeactivatePlugin:
		return &DeactivatePlugin{}, true
	case KindRevert:
		return &Revert{}, true
	case KindCancelPendingInvocation:
		return &CancelPendingInvocation{}, true
	case KindStartSpan:
		return &StartSpan{}, true
	case KindFinishSpan:
		return &FinishSpan{}, true
	case KindSetSpanAttribute:
		return &SetSpanAttribute{}, true
	case KindChangePersistenceLevel:
		return &ChangePersistenceLevel{}, true
	case KindBeginRemoteTransaction:
		return &BeginRemoteTransaction{}, true
	case KindPreCommitRemoteTransaction:
		return &PreCommitRemoteTransaction{}, true
	case KindPreRollbackRemoteTransaction:
		return &PreRollbackRemoteTransaction{}, true
	case KindCommittedRemoteTransaction:
		return &CommittedRemoteTransaction{}, true
	case KindRolledBackRemoteTransaction:
		return &RolledBackRemoteTransaction{}, true
	case KindCreateAgentInstance:
		return &CreateAgentInstance{}, true
	case KindDropAgentInstance:
		return &DropAgentInstance{}, true
	default:
		return nil, false
	}
}

// TransactionBeginIndex returns the BeginIndex of a remote transaction end
// marker, or None for any other entry.
func TransactionBeginIndex(e Entry) Index {
	switch v := e.(type) {
	case *PreCommitRemoteTransaction:
		return v.BeginIndex
	case *PreRollbackRemoteTransaction:
		return v.BeginIndex
	case *CommittedRemoteTransaction:
		return v.BeginIndex
	case *RolledBackRemoteTransaction:
		return v.BeginIndex
	default:
		return None
	}
}
