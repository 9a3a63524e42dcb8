// Package publicoplog projects oplog entries into a read-only view for
// operators and tooling.
//
// The projection replaces raw payload bytes with typed values, renders
// identifiers as strings, and gives every entry a stable JSON shape. It is
// always derived from the oplog and never written back: nothing in the
// executor reads it.
package publicoplog

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/golemexec/internal/ir"
	"github.com/roach88/golemexec/internal/oplog"
)

// Entry is the public form of one oplog entry.
type Entry struct {
	Index     oplog.Index `json:"index"`
	Kind      string      `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	Details   Details     `json:"details,omitempty"`
}

// Details holds the variant-specific fields of an Entry. Marker entries
// (Suspend, Restart, ...) have none.
//
// This is a sealed interface - only types in this package implement it.
type Details interface {
	summary() string
	fields(add func(field, value string))
}

// PayloadReader resolves payloads to their bytes. *oplog.Oplog implements
// it.
type PayloadReader interface {
	PayloadBytes(ctx context.Context, p oplog.Payload) ([]byte, error)
}

// Project converts one record.
//
// Payloads are decoded as canonical JSON values; external payloads are
// downloaded (and integrity checked) through r. A payload that cannot be
// resolved fails the projection.
func Project(ctx context.Context, r PayloadReader, rec oplog.Record) (Entry, error) {
	p := projector{ctx: ctx, r: r}
	details := p.details(rec.Entry)
	if p.err != nil {
		return Entry{}, fmt.Errorf("project entry %d (%s): %w", rec.Index, rec.Entry.Kind(), p.err)
	}
	return Entry{
		Index:     rec.Index,
		Kind:      rec.Entry.Kind().String(),
		Timestamp: rec.Entry.Time(),
		Details:   details,
	}, nil
}

// ProjectAll converts records in order.
func ProjectAll(ctx context.Context, r PayloadReader, records []oplog.Record) ([]Entry, error) {
	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		e, err := Project(ctx, r, rec)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// projector carries the first payload error through a conversion.
type projector struct {
	ctx context.Context
	r   PayloadReader
	err error
}

func (p *projector) value(payload oplog.Payload) ir.ValueAndType {
	if p.err != nil {
		return ir.NewValueAndType(nil)
	}
	data, err := p.r.PayloadBytes(p.ctx, payload)
	if err != nil {
		p.err = err
		return ir.NewValueAndType(nil)
	}
	if len(data) == 0 {
		return ir.NewValueAndType(nil)
	}
	v, err := ir.UnmarshalIRValue(data)
	if err != nil {
		p.err = fmt.Errorf("decode payload: %w", err)
		return ir.NewValueAndType(nil)
	}
	return ir.NewValueAndType(v)
}

func (p *projector) details(e oplog.Entry) Details {
	switch e := e.(type) {
	case *oplog.Create:
		d := &CreateDetails{
			WorkerID:          e.WorkerID.String(),
			ComponentVersion:  uint64(e.ComponentVersion),
			Args:              e.Args,
			Env:               e.Env,
			ComponentSize:     e.ComponentSize,
			InitialMemorySize: e.InitialMemorySize,
			InitialPlugins:    e.InitialPlugins,
		}
		if e.Parent != nil {
			d.Parent = e.Parent.String()
		}
		return d
	case *oplog.ImportedFunctionInvoked:
		return &ImportedFunctionInvokedDetails{
			FunctionName: e.FunctionName,
			Request:      p.value(e.Request),
			Response:     p.value(e.Response),
			FunctionType: e.FunctionType.String(),
		}
	case *oplog.ExportedFunctionInvoked:
		d := &ExportedFunctionInvokedDetails{
			FunctionName:   e.FunctionName,
			Request:        p.value(e.Request),
			IdempotencyKey: e.IdempotencyKey,
			TraceID:        e.TraceID,
			TraceStates:    e.TraceStates,
		}
		for _, s := range e.SpanStack {
			d.SpanStack = append(d.SpanStack, s.SpanID.String())
		}
		return d
	case *oplog.ExportedFunctionCompleted:
		return &ExportedFunctionCompletedDetails{Response: p.value(e.Response), ConsumedFuel: e.ConsumedFuel}
	case *oplog.Error:
		return &ErrorDetails{Kind: e.Error.Kind.String(), Message: e.Error.Message, RetryFrom: e.RetryFrom}
	case *oplog.Jump:
		return &RegionDetails{Start: e.Jump.Start, End: e.Jump.End}
	case *oplog.Revert:
		return &RegionDetails{Start: e.DroppedRegion.Start, End: e.DroppedRegion.End}
	case *oplog.ChangeRetryPolicy:
		return &RetryPolicyDetails{
			MaxAttempts:     e.NewPolicy.MaxAttempts,
			MinDelay:        e.NewPolicy.MinDelay.String(),
			MaxDelay:        e.NewPolicy.MaxDelay.String(),
			Multiplier:      e.NewPolicy.Multiplier,
			MaxJitterFactor: e.NewPolicy.MaxJitterFactor,
		}
	case *oplog.EndAtomicRegion:
		return &BeginIndexDetails{BeginIndex: e.BeginIndex}
	case *oplog.EndRemoteWrite:
		return &BeginIndexDetails{BeginIndex: e.BeginIndex}
	case *oplog.PreCommitRemoteTransaction:
		return &BeginIndexDetails{BeginIndex: e.BeginIndex}
	case *oplog.PreRollbackRemoteTransaction:
		return &BeginIndexDetails{BeginIndex: e.BeginIndex}
	case *oplog.CommittedRemoteTransaction:
		return &BeginIndexDetails{BeginIndex: e.BeginIndex}
	case *oplog.RolledBackRemoteTransaction:
		return &BeginIndexDetails{BeginIndex: e.BeginIndex}
	case *oplog.PendingWorkerInvocation:
		return &PendingInvocationDetails{
			IdempotencyKey: e.Invocation.IdempotencyKey,
			FunctionName:   e.Invocation.FunctionName,
			Params:         p.value(e.Invocation.Params),
		}
	case *oplog.PendingUpdate:
		mode := "automatic"
		if e.Description.Mode == oplog.SnapshotUpdate {
			mode = "snapshot"
		}
		return &PendingUpdateDetails{TargetVersion: uint64(e.Description.TargetVersion), Mode: mode}
	case *oplog.SuccessfulUpdate:
		return &SuccessfulUpdateDetails{
			TargetVersion:    uint64(e.TargetVersion),
			NewComponentSize: e.NewComponentSize,
			NewActivePlugins: e.NewActivePlugins,
		}
	case *oplog.FailedUpdate:
		return &FailedUpdateDetails{TargetVersion: uint64(e.TargetVersion), Details: e.Details}
	case *oplog.GrowMemory:
		return &GrowMemoryDetails{Delta: e.Delta}
	case *oplog.CreateResource:
		return &ResourceDetails{ID: uint64(e.ID), ResourceType: e.ResourceType}
	case *oplog.DropResource:
		return &ResourceDetails{ID: uint64(e.ID), ResourceType: e.ResourceType}
	case *oplog.DescribeResource:
		params := p.value(e.Params)
		return &ResourceDetails{ID: uint64(e.ID), ResourceType: e.ResourceType, Params: &params}
	case *oplog.Log:
		return &LogDetails{Level: e.Level.String(), Context: e.Context, Message: e.Message}
	case *oplog.ActivatePlugin:
		return &PluginDetails{Plugin: e.Plugin}
	case *oplog.DeactivatePlugin:
		return &PluginDetails{Plugin: e.Plugin}
	case *oplog.CancelPendingInvocation:
		return &CancelInvocationDetails{IdempotencyKey: e.IdempotencyKey}
	case *oplog.StartSpan:
		d := &StartSpanDetails{SpanID: e.SpanID.String(), Attributes: e.Attributes}
		if e.Parent.IsValid() {
			d.Parent = e.Parent.String()
		}
		if e.LinkedContext.IsValid() {
			d.LinkedContext = e.LinkedContext.String()
		}
		return d
	case *oplog.FinishSpan:
		return &SpanDetails{SpanID: e.SpanID.String()}
	case *oplog.SetSpanAttribute:
		return &SpanDetails{SpanID: e.SpanID.String(), Key: e.Key, Value: e.Value}
	case *oplog.ChangePersistenceLevel:
		return &PersistenceLevelDetails{Level: e.Level.String()}
	case *oplog.BeginRemoteTransaction:
		return &TransactionDetails{TransactionID: e.TransactionID, OriginalBeginIndex: e.OriginalBeginIndex}
	case *oplog.CreateAgentInstance:
		params := p.value(e.Parameters)
		return &AgentDetails{AgentType: e.Key.AgentType, AgentID: e.Key.AgentID, Parameters: &params}
	case *oplog.DropAgentInstance:
		return &AgentDetails{AgentType: e.Key.AgentType, AgentID: e.Key.AgentID}
	case *oplog.Unknown:
		return &UnknownDetails{Tag: e.Tag, Version: e.Version, Size: len(e.Raw)}
	default:
		// Suspend, NoOp, Interrupted, Exited, BeginAtomicRegion,
		// BeginRemoteWrite, Restart.
		return nil
	}
}
