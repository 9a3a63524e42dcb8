package executor

import (
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/golemexec/internal/oplog"
	"github.com/roach88/golemexec/internal/retry"
)

// Status is the lifecycle state of a worker.
type Status int

const (
	// Idle workers wait for invocations.
	Idle Status = iota
	// Running workers are executing (or replaying) an invocation.
	Running
	// Suspended workers ran out of fuel; they resume by replay on demand.
	Suspended
	// Interrupted workers were stopped on request; they resume by replay.
	Interrupted
	// Retrying workers failed an attempt and wait for their backoff.
	Retrying
	// Failed workers exhausted their retries or hit a permanent error.
	Failed
	// Exited workers stopped for good on their own request.
	Exited
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Interrupted:
		return "interrupted"
	case Retrying:
		return "retrying"
	case Failed:
		return "failed"
	case Exited:
		return "exited"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// IsFinal reports whether the worker can never run again (short of a revert).
func (s Status) IsFinal() bool {
	return s == Failed || s == Exited
}

// Resource is a live resource handle of a worker.
type Resource struct {
	ID     oplog.ResourceID
	Type   string
	Params oplog.Payload
}

// WorkerState is everything the executor derives from a worker's oplog.
type WorkerState struct {
	WorkerID oplog.WorkerID
	Args     []string
	Env      map[string]string
	Parent   *oplog.WorkerID

	Status           Status
	ComponentVersion oplog.ComponentVersion
	ComponentSize    uint64
	// InitialMemory is the memory the worker was created with; MemorySize
	// adds every recorded growth.
	InitialMemory uint64
	MemorySize    uint64

	// PendingUpdates are accepted updates not yet attempted, oldest first.
	PendingUpdates []oplog.UpdateDescription
	// LastFailedUpdate is the most recent update that did not apply.
	LastFailedUpdate *oplog.FailedUpdate

	ActivePlugins []string
	Resources     map[oplog.ResourceID]Resource
	Agents        []oplog.AgentKey

	// Pending is the durable invocation queue, oldest first.
	Pending []oplog.WorkerInvocation
	// Results maps idempotency keys of completed invocations to their
	// recorded responses.
	Results map[string]oplog.Payload
	// InFlight is the invocation started but not completed, if any.
	InFlight      *oplog.ExportedFunctionInvoked
	InFlightIndex oplog.Index

	// Invocations counts completed invocations.
	Invocations  int
	ConsumedFuel int64

	// ConsecutiveErrors counts failed attempts since the last success.
	ConsecutiveErrors uint32
	LastError         *oplog.WorkerError

	// RetryPolicy is the effective policy: the worker's override if it set
	// one, otherwise the executor default.
	RetryPolicy           retry.Config
	RetryPolicyOverridden bool

	Skipped   *oplog.Regions
	LastIndex oplog.Index
}

// NextRetry returns the decision for the worker's current error streak.
func (s *WorkerState) NextRetry(jitter retry.Jitter) retry.Decision {
	retryable := s.LastError == nil || s.LastError.Kind.Retryable()
	return s.RetryPolicy.Decide(s.ConsecutiveErrors, retryable, jitter)
}

// ErrNoCreate is returned by CalculateState for a log that does not start
// with a Create entry.
var ErrNoCreate = errors.New("oplog does not start with a Create entry")

// CalculateState folds a worker's oplog into its state.
//
// Entries inside Jump and Revert regions are ignored, with one exception:
// Error entries hidden by a Jump still count towards the retry budget.
// Jumps are written when replay discards an incomplete region and re-runs
// it, which must not reset the number of attempts already spent.
func CalculateState(records []oplog.Record, defaults retry.Config) (*WorkerState, error) {
	if len(records) == 0 {
		return nil, ErrNoCreate
	}
	create, ok := records[0].Entry.(*oplog.Create)
	if !ok || records[0].Index != oplog.Initial {
		return nil, fmt.Errorf("%w: found %s at %d", ErrNoCreate, records[0].Entry.Kind(), records[0].Index)
	}

	skipped := oplog.RegionsOf(records)
	reverted := oplog.NewRegions()
	for _, r := range records {
		if rev, ok := r.Entry.(*oplog.Revert); ok {
			reverted.Add(rev.DroppedRegion)
		}
	}

	s := &WorkerState{
		WorkerID:         create.WorkerID,
		Args:             create.Args,
		Env:              create.Env,
		Parent:           create.Parent,
		Status:           Idle,
		ComponentVersion: create.ComponentVersion,
		ComponentSize:    create.ComponentSize,
		InitialMemory:    create.InitialMemorySize,
		MemorySize:       create.InitialMemorySize,
		Resources:        make(map[oplog.ResourceID]Resource),
		Results:          make(map[string]oplog.Payload),
		RetryPolicy:      defaults,
		Skipped:          skipped,
	}
	plugins := make(map[string]bool)
	for _, p := range create.InitialPlugins {
		plugins[p] = true
	}
	agents := make(map[oplog.AgentKey]bool)

	for _, r := range records[1:] {
		if r.Index > s.LastIndex {
			s.LastIndex = r.Index
		}
		if skipped.Contains(r.Index) {
			if e, ok := r.Entry.(*oplog.Error); ok && !reverted.Contains(r.Index) {
				s.ConsecutiveErrors++
				s.LastError = &e.Error
			}
			continue
		}

		switch e := r.Entry.(type) {
		case *oplog.ExportedFunctionInvoked:
			s.InFlight = e
			s.InFlightIndex = r.Index
			s.Pending = removeInvocation(s.Pending, e.IdempotencyKey)
			s.Status = Running

		case *oplog.ExportedFunctionCompleted:
			if s.InFlight != nil {
				s.Results[s.InFlight.IdempotencyKey] = e.Response
			}
			s.InFlight = nil
			s.InFlightIndex = oplog.None
			s.Invocations++
			s.ConsumedFuel += e.ConsumedFuel
			s.ConsecutiveErrors = 0
			s.LastError = nil
			s.Status = Idle

		case *oplog.Error:
			s.ConsecutiveErrors++
			s.LastError = &e.Error
			if s.NextRetry(nil).Retry {
				s.Status = Retrying
			} else {
				s.Status = Failed
			}

		case *oplog.Suspend:
			s.Status = Suspended
		case *oplog.Interrupted:
			s.Status = Interrupted
		case *oplog.Exited:
			s.Status = Exited

		case *oplog.Restart:
			if !s.Status.IsFinal() {
				s.Status = s.resumed()
			}
		case *oplog.Revert:
			s.ConsecutiveErrors = 0
			s.LastError = nil
			if s.Status != Exited {
				s.Status = s.resumed()
			}

		case *oplog.ChangeRetryPolicy:
			s.RetryPolicy = e.NewPolicy
			s.RetryPolicyOverridden = true

		case *oplog.PendingWorkerInvocation:
			s.Pending = append(s.Pending, e.Invocation)
		case *oplog.CancelPendingInvocation:
			s.Pending = removeInvocation(s.Pending, e.IdempotencyKey)

		case *oplog.PendingUpdate:
			s.PendingUpdates = append(s.PendingUpdates, e.Description)
		case *oplog.SuccessfulUpdate:
			s.PendingUpdates = removeUpdate(s.PendingUpdates, e.TargetVersion)
			s.ComponentVersion = e.TargetVersion
			s.ComponentSize = e.NewComponentSize
			plugins = make(map[string]bool)
			for _, p := range e.NewActivePlugins {
				plugins[p] = true
			}
		case *oplog.FailedUpdate:
			s.PendingUpdates = removeUpdate(s.PendingUpdates, e.TargetVersion)
			s.LastFailedUpdate = e

		case *oplog.ActivatePlugin:
			plugins[e.Plugin] = true
		case *oplog.DeactivatePlugin:
			delete(plugins, e.Plugin)

		case *oplog.GrowMemory:
			s.MemorySize += e.Delta

		case *oplog.CreateResource:
			s.Resources[e.ID] = Resource{ID: e.ID, Type: e.ResourceType}
		case *oplog.DescribeResource:
			res := s.Resources[e.ID]
			res.ID, res.Type, res.Params = e.ID, e.ResourceType, e.Params
			s.Resources[e.ID] = res
		case *oplog.DropResource:
			delete(s.Resources, e.ID)

		case *oplog.CreateAgentInstance:
			agents[e.Key] = true
		case *oplog.DropAgentInstance:
			delete(agents, e.Key)
		}
	}

	s.ActivePlugins = sortedKeys(plugins)
	for k := range agents {
		s.Agents = append(s.Agents, k)
	}
	sort.Slice(s.Agents, func(i, j int) bool { return s.Agents[i].String() < s.Agents[j].String() })
	return s, nil
}

// resumed is the status of a worker that starts running again.
func (s *WorkerState) resumed() Status {
	if s.InFlight != nil {
		return Running
	}
	return Idle
}

// HasPending reports whether an invocation with key is queued.
func (s *WorkerState) HasPending(key string) bool {
	for _, inv := range s.Pending {
		if inv.IdempotencyKey == key {
			return true
		}
	}
	return false
}

func removeInvocation(queue []oplog.WorkerInvocation, key string) []oplog.WorkerInvocation {
	for i, inv := range queue {
		if inv.IdempotencyKey == key {
			return append(queue[:i:i], queue[i+1:]...)
		}
	}
	return queue
}

func removeUpdate(queue []oplog.UpdateDescription, target oplog.ComponentVersion) []oplog.UpdateDescription {
	for i, u := range queue {
		if u.TargetVersion == target {
			return append(queue[:i:i], queue[i+1:]...)
		}
	}
	return queue
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
