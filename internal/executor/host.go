package executor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/golemexec/internal/durability"
	"github.com/roach88/golemexec/internal/ir"
	"github.com/roach88/golemexec/internal/kv"
	"github.com/roach88/golemexec/internal/oplog"
	"github.com/roach88/golemexec/internal/rdbms"
	"github.com/roach88/golemexec/internal/retry"
)

// Host is the capability surface a component instance sees. Every method
// that observes or changes the outside world goes through the worker's
// durability controller, so a replay observes what the live run observed.
//
// A Host belongs to one attempt of one worker and is only used from the
// worker's goroutine.
type Host struct {
	w       *worker
	ctl     *durability.Controller
	fuel    *FuelMeter
	version oplog.ComponentVersion
	memory  uint64

	// invocation is the index of the running invocation's
	// ExportedFunctionInvoked entry; rpcSeq numbers its outgoing calls.
	invocation oplog.Index
	rpcSeq     uint64

	spans        []trace.SpanID
	nextResource oplog.ResourceID
	resources    map[oplog.ResourceID]string
	conns        map[string]*rdbms.Conn
	kv           *kv.Durable
}

func newHost(w *worker, ctl *durability.Controller, version oplog.ComponentVersion) *Host {
	return &Host{
		w:         w,
		ctl:       ctl,
		fuel:      NewFuelMeter(w.exec.opts.fuel),
		version:   version,
		memory:    w.state.InitialMemory,
		resources: make(map[oplog.ResourceID]string),
		conns:     make(map[string]*rdbms.Conn),
	}
}

// beginInvocation prepares the per-invocation counters.
func (h *Host) beginInvocation(index oplog.Index) {
	h.invocation = index
	h.rpcSeq = 0
	h.spans = h.spans[:0]
	h.fuel.Reset()
}

// endInvocation releases what the invocation left open: every active
// database transaction is dropped, which rolls it back durably. Connections
// are visited in address order so replay drops them in the recorded order.
func (h *Host) endInvocation(ctx context.Context) error {
	addresses := make([]string, 0, len(h.conns))
	for address := range h.conns {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)
	for _, address := range addresses {
		if err := h.conns[address].DropOpen(ctx); err != nil {
			return fmt.Errorf("drop open transactions on %s: %w", address, err)
		}
	}
	return nil
}

// WorkerID returns the id of the worker running this instance.
func (h *Host) WorkerID() oplog.WorkerID { return h.w.id }

// Args returns the worker's command line arguments.
func (h *Host) Args() []string { return h.w.state.Args }

// Env returns the worker's environment.
func (h *Host) Env() map[string]string { return h.w.state.Env }

// ComponentVersion returns the version this instance runs.
func (h *Host) ComponentVersion() oplog.ComponentVersion { return h.version }

// IsLive reports whether effects are currently performed rather than replayed.
func (h *Host) IsLive() bool { return h.ctl.IsLive() }

// Now returns the wall-clock time, durably.
func (h *Host) Now(ctx context.Context) (time.Time, error) {
	v, err := h.ctl.Invoke(ctx, durability.Call{
		Function: "wasi::clocks::wall-clock::now",
		Type:     oplog.ReadLocalFn(),
		Request:  ir.IRNull{},
	}, func(context.Context) (ir.IRValue, error) {
		return ir.IRInt(h.w.exec.clock.Now().UnixNano()), nil
	})
	if err != nil {
		return time.Time{}, err
	}
	n, ok := v.(ir.IRInt)
	if !ok {
		return time.Time{}, fmt.Errorf("recorded time is %T", v)
	}
	return time.Unix(0, int64(n)).UTC(), nil
}

// RandomBytes returns n random bytes, durably.
func (h *Host) RandomBytes(ctx context.Context, n int) ([]byte, error) {
	if n < 0 {
		return nil, newError(ErrCodeInvalidRequest, h.w.id, "cannot generate %d random bytes", n)
	}
	v, err := h.ctl.Invoke(ctx, durability.Call{
		Function: "wasi::random::get-random-bytes",
		Type:     oplog.ReadLocalFn(),
		Request:  ir.IRInt(n),
	}, func(context.Context) (ir.IRValue, error) {
		buf := make([]byte, n)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		return ir.IRString(hex.EncodeToString(buf)), nil
	})
	if err != nil {
		return nil, err
	}
	s, ok := v.(ir.IRString)
	if !ok {
		return nil, fmt.Errorf("recorded random bytes are %T", v)
	}
	return hex.DecodeString(string(s))
}

// NewUUID returns a random UUID, durably.
func (h *Host) NewUUID(ctx context.Context) (uuid.UUID, error) {
	v, err := h.ctl.Invoke(ctx, durability.Call{
		Function: "golem::api::generate-uuid",
		Type:     oplog.ReadLocalFn(),
		Request:  ir.IRNull{},
	}, func(context.Context) (ir.IRValue, error) {
		id, err := uuid.NewRandom()
		if err != nil {
			return nil, err
		}
		return ir.IRString(id.String()), nil
	})
	if err != nil {
		return uuid.UUID{}, err
	}
	s, ok := v.(ir.IRString)
	if !ok {
		return uuid.UUID{}, fmt.Errorf("recorded uuid is %T", v)
	}
	return uuid.Parse(string(s))
}

// Durable runs a custom capability call through the durability controller.
// It is how components reach effects the host has no dedicated method for.
func (h *Host) Durable(ctx context.Context, call durability.Call, live durability.LiveFunc) (ir.IRValue, error) {
	return h.ctl.Invoke(ctx, call, live)
}

// RDBMS returns the durable database connection for address.
func (h *Host) RDBMS(address string) (*rdbms.Conn, error) {
	if h.w.exec.opts.rdbms == nil {
		return nil, newError(ErrCodeInvalidRequest, h.w.id, "no database driver is configured")
	}
	if c, ok := h.conns[address]; ok {
		return c, nil
	}
	c := rdbms.Connect(h.w.exec.opts.rdbms, h.ctl, address, rdbms.Options{
		Policy:   h.w.exec.opts.recovery,
		Observer: h.w.exec.opts.observer,
		Logger:   h.w.exec.logger,
	})
	h.conns[address] = c
	return c, nil
}

// KV returns the durable key-value store.
func (h *Host) KV() (*kv.Durable, error) {
	if h.w.exec.opts.kv == nil {
		return nil, newError(ErrCodeInvalidRequest, h.w.id, "no key-value store is configured")
	}
	if h.kv == nil {
		h.kv = kv.NewDurable(h.w.exec.opts.kv, h.ctl)
	}
	return h.kv, nil
}

// StartSpan opens a span as a child of the innermost open span.
func (h *Host) StartSpan(ctx context.Context, name string, attrs map[string]string) (trace.SpanID, error) {
	var parent trace.SpanID
	if len(h.spans) > 0 {
		parent = h.spans[len(h.spans)-1]
	}
	id, err := h.ctl.StartSpan(ctx, name, parent, attrs)
	if err != nil {
		return trace.SpanID{}, err
	}
	h.spans = append(h.spans, id)
	return id, nil
}

// FinishSpan closes a span opened by StartSpan.
func (h *Host) FinishSpan(ctx context.Context, id trace.SpanID) error {
	if err := h.ctl.FinishSpan(ctx, id); err != nil {
		return err
	}
	for i := len(h.spans) - 1; i >= 0; i-- {
		if h.spans[i] == id {
			h.spans = append(h.spans[:i], h.spans[i+1:]...)
			break
		}
	}
	return nil
}

// SetSpanAttribute sets an attribute of an open span.
func (h *Host) SetSpanAttribute(ctx context.Context, id trace.SpanID, key, value string) error {
	return h.ctl.SetSpanAttribute(ctx, id, key, value)
}

// CreateResource allocates a resource handle. Handles are numbered in
// creation order, so a replay hands out the same ids.
func (h *Host) CreateResource(ctx context.Context, resourceType string, params ir.IRValue) (oplog.ResourceID, error) {
	h.nextResource++
	id := h.nextResource
	h.resources[id] = resourceType
	h.ctl.AddHint(&oplog.CreateResource{ID: id, ResourceType: resourceType})
	if params == nil || !h.ctl.IsLive() {
		return id, nil
	}
	payload, err := h.payload(ctx, params)
	if err != nil {
		return oplog.ResourceID(0), err
	}
	h.ctl.AddHint(&oplog.DescribeResource{ID: id, ResourceType: resourceType, Params: payload})
	return id, nil
}

// DropResource releases a resource handle.
func (h *Host) DropResource(id oplog.ResourceID) error {
	resourceType, ok := h.resources[id]
	if !ok {
		return newError(ErrCodeInvalidRequest, h.w.id, "resource %d does not exist", id)
	}
	delete(h.resources, id)
	h.ctl.AddHint(&oplog.DropResource{ID: id, ResourceType: resourceType})
	return nil
}

// CreateAgent records a new agent instance inside the worker.
func (h *Host) CreateAgent(ctx context.Context, key oplog.AgentKey, params ir.IRValue) error {
	if !h.ctl.IsLive() {
		return nil
	}
	var payload oplog.Payload
	if params != nil {
		var err error
		if payload, err = h.payload(ctx, params); err != nil {
			return err
		}
	}
	h.ctl.AddHint(&oplog.CreateAgentInstance{Key: key, Parameters: payload})
	return nil
}

// DropAgent records that an agent instance was dropped.
func (h *Host) DropAgent(key oplog.AgentKey) {
	h.ctl.AddHint(&oplog.DropAgentInstance{Key: key})
}

// BeginAtomicRegion opens a region that replay discards unless it was closed.
func (h *Host) BeginAtomicRegion(ctx context.Context) (oplog.Index, error) {
	return h.ctl.BeginAtomicRegion(ctx)
}

// EndAtomicRegion closes the region opened at begin.
func (h *Host) EndAtomicRegion(ctx context.Context, begin oplog.Index) error {
	return h.ctl.EndAtomicRegion(ctx, begin)
}

// SetPersistenceLevel switches the oplog persistence level until the end
// of the attempt.
func (h *Host) SetPersistenceLevel(ctx context.Context, level oplog.PersistenceLevel) error {
	return h.ctl.SetPersistenceLevel(ctx, level)
}

// SetIdempotence sets whether remote writes may be performed again when
// their outcome is unknown.
func (h *Host) SetIdempotence(assume bool) {
	h.ctl.SetAssumeIdempotence(assume)
}

// SetRetryPolicy overrides the worker's retry policy.
func (h *Host) SetRetryPolicy(ctx context.Context, policy retry.Config) error {
	return h.ctl.SetRetryPolicy(ctx, policy)
}

// RetryPolicy returns the retry policy in effect.
func (h *Host) RetryPolicy() retry.Config {
	if p, ok := h.ctl.RetryPolicy(); ok {
		return p
	}
	return h.w.state.RetryPolicy
}

// GetOplogIndex returns the index of the entry recording this call.
func (h *Host) GetOplogIndex(ctx context.Context) (oplog.Index, error) {
	return h.ctl.GetOplogIndex(ctx)
}

// SetOplogIndex rewinds the worker to just after target. The current
// invocation is abandoned and the worker restarts; the error returned must
// be passed up by the component.
func (h *Host) SetOplogIndex(ctx context.Context, target oplog.Index) error {
	return h.ctl.SetOplogIndex(ctx, target)
}

// Log writes a component log line. It is recorded and forwarded to
// connected clients while live; replayed log lines are not repeated.
func (h *Host) Log(level oplog.LogLevel, logContext, message string) {
	h.ctl.AddHint(&oplog.Log{Level: level, Context: logContext, Message: message})
	if !h.ctl.IsLive() {
		return
	}
	h.w.logger.Log(context.Background(), slogLevel(level), message, "context", logContext, "level", level.String())
	h.w.publish(Event{
		Kind:    EventLog,
		Level:   level,
		Context: logContext,
		Message: message,
	})
}

func slogLevel(l oplog.LogLevel) slog.Level {
	switch l {
	case oplog.LogTrace, oplog.LogDebug:
		return slog.LevelDebug
	case oplog.LogWarn:
		return slog.LevelWarn
	case oplog.LogError, oplog.LogCritical, oplog.LogStderr:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GrowMemory grows the worker's memory by delta bytes. Growing past the
// executor's memory limit fails the worker without retrying.
func (h *Host) GrowMemory(delta uint64) error {
	limit := h.w.exec.opts.maxMemory
	if limit > 0 && h.memory+delta > limit {
		return &MemoryLimitError{Requested: h.memory + delta, Limit: limit}
	}
	h.memory += delta
	h.ctl.AddHint(&oplog.GrowMemory{Delta: delta})
	return nil
}

// MemorySize returns the worker's current memory size.
func (h *Host) MemorySize() uint64 { return h.memory }

// ConsumeFuel charges n units against the invocation's fuel budget. Fuel
// is only charged while live. The returned *OutOfFuelError must be passed
// up by the component; the worker is then suspended.
func (h *Host) ConsumeFuel(n int64) error {
	if !h.ctl.IsLive() {
		return nil
	}
	return h.fuel.Consume(n)
}

// Exit stops the worker for good. The component returns the result:
//
//	return nil, host.Exit()
func (h *Host) Exit() error { return ErrExit }

func (h *Host) payload(ctx context.Context, v ir.IRValue) (oplog.Payload, error) {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return oplog.Payload{}, err
	}
	return h.ctl.Oplog().MakePayload(ctx, data)
}
