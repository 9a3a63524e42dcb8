package durability

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/roach88/golemexec/internal/ir"
	"github.com/roach88/golemexec/internal/oplog"
)

// ErrLive is returned by Expect when replay is over and the caller must
// perform the operation live.
var ErrLive = errors.New("not replaying")

// Replayed is a consumed entry of a known variant.
type Replayed[T oplog.Entry] struct {
	Index oplog.Index
	Entry T
}

// Expect consumes the next replayable entry and requires it to be a T.
// It returns ErrLive when replay is over and a *NonDeterminismError when
// the recorded entry is of another kind.
func Expect[T oplog.Entry](ctx context.Context, c *Controller, name string) (Replayed[T], error) {
	rec, ok, err := c.ReadNext(ctx)
	if err != nil {
		return Replayed[T]{}, err
	}
	if !ok {
		return Replayed[T]{}, ErrLive
	}
	e, ok := rec.Entry.(T)
	if !ok {
		return Replayed[T]{}, c.nonDeterminism(rec.Index, describe(rec.Entry), name)
	}
	return Replayed[T]{Index: rec.Index, Entry: e}, nil
}

// Call describes one durable host call.
type Call struct {
	Function string
	Type     oplog.DurableFunctionType
	Request  ir.IRValue
}

// LiveFunc performs a host call for real.
type LiveFunc func(ctx context.Context) (ir.IRValue, error)

// Invoke runs a host call durably.
//
// Live, the call is performed and its request and response are recorded in
// an ImportedFunctionInvoked entry; remote calls are committed before the
// result is returned. On replay the recorded entry is consumed instead and
// its response returned; a different function name, function type or
// request is a *NonDeterminismError.
//
// Failures of the call itself are returned as *RecordedError on both paths.
// A call interrupted by ctx is not recorded.
func (c *Controller) Invoke(ctx context.Context, call Call, live LiveFunc) (ir.IRValue, error) {
	v, _, err := c.invoke(ctx, call, live)
	return v, err
}

// InvokeBatched runs the call that opens a batch of remote writes, typed
// WriteRemoteBatched(None), and also returns the index of the batch's
// BeginRemoteWrite. Later calls of the batch pass that index in their
// function type; EndBatch closes the batch.
func (c *Controller) InvokeBatched(ctx context.Context, call Call, live LiveFunc) (ir.IRValue, oplog.Index, error) {
	call.Type = oplog.WriteRemoteBatchedFn(oplog.None)
	return c.invoke(ctx, call, live)
}

func (c *Controller) invoke(ctx context.Context, call Call, live LiveFunc) (ir.IRValue, oplog.Index, error) {
	if c.poisoned != nil {
		return nil, oplog.None, c.poisoned
	}
	level := c.log.PersistenceLevel()
	if level == oplog.PersistNothing || (level == oplog.PersistRemoteSideEffects && call.Type.IsLocal()) {
		v, err := live(ctx)
		return v, oplog.None, err
	}

	request, err := ir.MarshalCanonical(call.Request)
	if err != nil {
		return nil, oplog.None, fmt.Errorf("encode request of %s: %w", call.Function, err)
	}

	begin, err := c.BeginFunction(ctx, call.Type)
	if err != nil {
		return nil, oplog.None, err
	}

	rec, replaying, err := c.ReadNext(ctx)
	if err != nil {
		return nil, oplog.None, err
	}
	if replaying {
		response, err := c.replayCall(ctx, call, request, rec)
		if err != nil {
			return nil, oplog.None, err
		}
		if err := c.EndFunction(ctx, call.Type, begin); err != nil {
			return nil, oplog.None, err
		}
		v, err := decodeResponse(response)
		return v, begin, err
	}

	value, callErr := live(ctx)
	if callErr != nil && ctx.Err() != nil {
		return nil, oplog.None, callErr
	}
	response, err := encodeResponse(value, callErr)
	if err != nil {
		return nil, oplog.None, fmt.Errorf("encode response of %s: %w", call.Function, err)
	}
	if err := c.record(ctx, call, request, response); err != nil {
		return nil, oplog.None, err
	}
	if err := c.EndFunction(ctx, call.Type, begin); err != nil {
		return nil, oplog.None, err
	}
	if !call.Type.IsLocal() {
		if err := c.Commit(ctx, oplog.DurableOnly); err != nil {
			return nil, oplog.None, err
		}
	}
	v, err := decodeResponse(response)
	return v, begin, err
}

func (c *Controller) replayCall(ctx context.Context, call Call, request []byte, rec oplog.Record) ([]byte, error) {
	inv, ok := rec.Entry.(*oplog.ImportedFunctionInvoked)
	if !ok || inv.FunctionName != call.Function {
		return nil, c.nonDeterminism(rec.Index, describe(rec.Entry), "ImportedFunctionInvoked("+call.Function+")")
	}
	if inv.FunctionType.Kind != call.Type.Kind {
		return nil, c.nonDeterminism(rec.Index,
			call.Function+" as "+inv.FunctionType.String(), call.Function+" as "+call.Type.String())
	}
	recorded, err := c.log.PayloadBytes(ctx, inv.Request)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(recorded, request) {
		return nil, c.nonDeterminism(rec.Index,
			call.Function+string(recorded), call.Function+string(request))
	}
	return c.log.PayloadBytes(ctx, inv.Response)
}

func (c *Controller) record(ctx context.Context, call Call, request, response []byte) error {
	reqPayload, err := c.log.MakePayload(ctx, request)
	if err != nil {
		c.poison(err)
		return err
	}
	respPayload, err := c.log.MakePayload(ctx, response)
	if err != nil {
		c.poison(err)
		return err
	}
	c.log.Add(&oplog.ImportedFunctionInvoked{
		FunctionName: call.Function,
		Request:      reqPayload,
		Response:     respPayload,
		FunctionType: call.Type,
	})
	return nil
}

// BeginFunction opens a durable call and returns the index the call is
// anchored to. Non-idempotent remote writes and the first call of a batch
// write a BeginRemoteWrite first; every other call is anchored to the
// current index.
//
// On replay an unterminated BeginRemoteWrite means the write may or may not
// have happened. When writes are assumed idempotent the recorded attempt is
// discarded and the write performed again; otherwise the worker fails with
// a *RemoteWriteUnknownError.
func (c *Controller) BeginFunction(ctx context.Context, typ oplog.DurableFunctionType) (oplog.Index, error) {
	marker := (typ.Kind == oplog.WriteRemote && !c.assumeIdempotence) ||
		(typ.Kind == oplog.WriteRemoteBatched && typ.BatchBegin == oplog.None)
	if !marker {
		return c.log.CurrentIndex(), nil
	}

	begin, err := Expect[*oplog.BeginRemoteWrite](ctx, c, "BeginRemoteWrite")
	switch {
	case err == nil:
		_, closed := c.LookAhead(begin.Index, func(_ oplog.Index, e oplog.Entry) bool {
			end, ok := e.(*oplog.EndRemoteWrite)
			return ok && end.BeginIndex == begin.Index
		})
		if closed {
			return begin.Index, nil
		}
		if !c.assumeIdempotence {
			return oplog.None, &RemoteWriteUnknownError{BeginIndex: begin.Index}
		}
		c.logger.Warn("remote write was not completed, performing it again",
			"begin_index", begin.Index)
		c.SkipRest(begin.Index)
	case !errors.Is(err, ErrLive):
		return oplog.None, err
	}

	idx := c.log.Add(&oplog.BeginRemoteWrite{})
	if err := c.Commit(ctx, oplog.DurableOnly); err != nil {
		return oplog.None, err
	}
	return idx, nil
}

// EndFunction closes a call opened by BeginFunction. Only a
// non-idempotent WriteRemote is closed here; batches are closed by EndBatch
// once their last call is done.
func (c *Controller) EndFunction(ctx context.Context, typ oplog.DurableFunctionType, begin oplog.Index) error {
	if typ.Kind != oplog.WriteRemote || c.assumeIdempotence {
		return nil
	}
	return c.endRemoteWrite(ctx, begin)
}

// EndBatch closes the batch opened at begin.
func (c *Controller) EndBatch(ctx context.Context, begin oplog.Index) error {
	if c.log.PersistenceLevel() == oplog.PersistNothing {
		return nil
	}
	if err := c.endRemoteWrite(ctx, begin); err != nil {
		return err
	}
	if c.IsLive() {
		return c.Commit(ctx, oplog.DurableOnly)
	}
	return nil
}

func (c *Controller) endRemoteWrite(ctx context.Context, begin oplog.Index) error {
	end, err := Expect[*oplog.EndRemoteWrite](ctx, c, "EndRemoteWrite")
	switch {
	case err == nil:
		if end.Entry.BeginIndex != begin {
			return c.nonDeterminism(end.Index,
				fmt.Sprintf("EndRemoteWrite(%d)", end.Entry.BeginIndex), fmt.Sprintf("EndRemoteWrite(%d)", begin))
		}
		return nil
	case errors.Is(err, ErrLive):
		c.log.Add(&oplog.EndRemoteWrite{BeginIndex: begin})
		return nil
	default:
		return err
	}
}

// encodeResponse renders a call outcome as canonical JSON: {"ok": value}
// or {"err": {"code": ..., "message": ...}}.
func encodeResponse(value ir.IRValue, callErr error) ([]byte, error) {
	if callErr == nil {
		if value == nil {
			value = ir.IRNull{}
		}
		return ir.MarshalCanonical(ir.Object(ir.O("ok", value)))
	}
	recorded := toRecorded(callErr)
	return ir.MarshalCanonical(ir.Object(ir.O("err", ir.Object(
		ir.O("code", ir.IRString(recorded.Code)),
		ir.O("message", ir.IRString(recorded.Message)),
	))))
}

func toRecorded(err error) *RecordedError {
	var recorded *RecordedError
	if errors.As(err, &recorded) {
		return recorded
	}
	code := "error"
	var coded Coded
	if errors.As(err, &coded) {
		code = coded.ErrorCode()
	}
	return &RecordedError{Code: code, Message: err.Error()}
}

func decodeResponse(data []byte) (ir.IRValue, error) {
	v, err := ir.UnmarshalIRValue(data)
	if err != nil {
		return nil, fmt.Errorf("decode recorded response: %w", err)
	}
	obj, ok := v.(ir.IRObject)
	if !ok {
		return nil, fmt.Errorf("decode recorded response: expected object, got %T", v)
	}
	if value, present := obj["ok"]; present {
		return value, nil
	}
	errObj, _ := obj["err"].(ir.IRObject)
	if errObj == nil {
		return nil, errors.New("decode recorded response: neither ok nor err")
	}
	code, _ := errObj["code"].(ir.IRString)
	message, _ := errObj["message"].(ir.IRString)
	return nil, &RecordedError{Code: string(code), Message: string(message)}
}
