package executor

import (
	"context"
	"fmt"

	"github.com/roach88/golemexec/internal/durability"
	"github.com/roach88/golemexec/internal/ir"
	"github.com/roach88/golemexec/internal/oplog"
	"github.com/roach88/golemexec/internal/retry"
)

// Router finds the executor that owns a worker. A router whose view of the
// shard assignment is stale returns *InvalidShardError; callers retry.
type Router interface {
	Owner(ctx context.Context, worker oplog.WorkerID) (*Executor, error)
}

// RouterFunc adapts a function to Router.
type RouterFunc func(ctx context.Context, worker oplog.WorkerID) (*Executor, error)

// Owner calls f.
func (f RouterFunc) Owner(ctx context.Context, worker oplog.WorkerID) (*Executor, error) {
	return f(ctx, worker)
}

// localRouter routes every worker to one executor.
type localRouter struct {
	exec *Executor
}

func (r localRouter) Owner(context.Context, oplog.WorkerID) (*Executor, error) {
	return r.exec, nil
}

// Call invokes a function of another worker and waits for its result.
//
// The call is a remote write: its result is recorded, and a replay returns
// the recorded result without calling again. The callee sees an
// idempotency key derived from the caller's position in its own oplog, so
// an invocation retried after a crash does not run the callee twice.
// Routing misses are retried with the executor's RPC retry policy.
func (h *Host) Call(ctx context.Context, target oplog.WorkerID, function string, params ...ir.IRValue) (ir.IRValue, error) {
	if target == h.w.id {
		return nil, newError(ErrCodeInvalidRequest, h.w.id, "a worker cannot call itself")
	}
	h.rpcSeq++
	key := rpcKey(h.w.id, h.invocation, h.rpcSeq)

	request := ir.Object(
		ir.O("target", ir.IRString(target.String())),
		ir.O("function", ir.IRString(function)),
		ir.O("params", ir.Array(params...)),
	)
	return h.ctl.Invoke(ctx, durability.Call{
		Function: "golem::rpc::invoke-and-await",
		Type:     oplog.WriteRemoteFn(),
		Request:  request,
	}, func(ctx context.Context) (ir.IRValue, error) {
		var result ir.IRValue
		err := retry.Do(ctx, h.w.exec.opts.rpcRetry, fmt.Sprintf("call %s on %s", function, target),
			func(ctx context.Context) error {
				owner, err := h.w.exec.opts.router.Owner(ctx, target)
				if err != nil {
					return err
				}
				result, err = owner.Invoke(ctx, target, Invocation{
					Function:       function,
					Params:         params,
					IdempotencyKey: key,
				})
				return err
			}, IsInvalidShard)
		return result, err
	})
}
