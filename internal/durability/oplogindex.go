package durability

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/golemexec/internal/ir"
	"github.com/roach88/golemexec/internal/oplog"
)

// ErrRestartRequested is returned by SetOplogIndex after the jump was
// recorded. The executor restarts the worker, which then replays up to the
// target and continues live from there.
var ErrRestartRequested = errors.New("worker restart requested")

// GetOplogIndex returns the index of the entry recording this very call.
// Passing it to SetOplogIndex later rewinds the worker to just after it.
func (c *Controller) GetOplogIndex(ctx context.Context) (oplog.Index, error) {
	v, err := c.Invoke(ctx, Call{
		Function: "golem::api::get-oplog-index",
		Type:     oplog.ReadLocalFn(),
		Request:  ir.IRNull{},
	}, func(context.Context) (ir.IRValue, error) {
		return ir.IRInt(c.log.CurrentIndex().Next()), nil
	})
	if err != nil {
		return oplog.None, err
	}
	n, ok := v.(ir.IRInt)
	if !ok || n < 0 {
		return oplog.None, fmt.Errorf("recorded oplog index is %T", v)
	}
	return oplog.Index(n), nil
}

// SetOplogIndex discards everything recorded after target. Live it records
// a Jump from target+1 to the jump itself and returns ErrRestartRequested.
// On replay the Jump already hides the discarded history, so it is never
// reached again.
func (c *Controller) SetOplogIndex(ctx context.Context, target oplog.Index) error {
	if c.poisoned != nil {
		return c.poisoned
	}
	current := c.log.CurrentIndex()
	if target < oplog.Initial || target >= current {
		return fmt.Errorf("set oplog index: %d is outside [%d, %d)", target, oplog.Initial, current)
	}
	if c.replay.regions.Contains(target) {
		return fmt.Errorf("set oplog index: %d lies in a skipped region", target)
	}
	jump := current.Next()
	if _, err := c.FallibleAdd(ctx, &oplog.Jump{Jump: oplog.Region{Start: target.Next(), End: jump}}); err != nil {
		return err
	}
	c.logger.Info("rewinding worker", "target", target, "jump_index", jump)
	return ErrRestartRequested
}
