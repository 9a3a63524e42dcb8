package rdbms

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/golemexec/internal/durability"
	"github.com/roach88/golemexec/internal/ir"
	"github.com/roach88/golemexec/internal/oplog"
)

// RecoveryPolicy decides what replay does with a transaction whose commit
// was requested but whose status the database cannot report.
type RecoveryPolicy int

const (
	// RecoveryRetry runs the transaction again. If the lost commit did
	// land, its statements are applied twice; only idempotent statements
	// are safe under this policy.
	RecoveryRetry RecoveryPolicy = iota
	// RecoveryFailSafe fails the worker with a *TransactionRecoveryError
	// and leaves the decision to an operator.
	RecoveryFailSafe
)

func (p RecoveryPolicy) String() string {
	if p == RecoveryFailSafe {
		return "fail-safe"
	}
	return "retry"
}

// ParseRecoveryPolicy maps a configuration name to a policy.
func ParseRecoveryPolicy(name string) (RecoveryPolicy, error) {
	switch name {
	case "", "retry":
		return RecoveryRetry, nil
	case "fail-safe":
		return RecoveryFailSafe, nil
	default:
		return RecoveryRetry, fmt.Errorf("unknown transaction recovery policy %q", name)
	}
}

// RecoveryObserver receives transaction recovery outcomes. The metrics
// collector implements it.
type RecoveryObserver interface {
	TransactionRecovered(outcome string)
}

// Options configures a Conn.
type Options struct {
	Policy   RecoveryPolicy
	Observer RecoveryObserver
	Logger   *slog.Logger
}

// Conn is one worker's durable connection to a database address.
type Conn struct {
	driver Driver
	ctl    *durability.Controller
	key    PoolKey
	opts   Options
	logger *slog.Logger

	streams uint64
	// open lists transactions begun on this connection, in begin order,
	// until DropOpen releases them.
	open []*Transaction
}

// Connect binds driver to a worker's controller for address.
func Connect(driver Driver, ctl *durability.Controller, address string, opts Options) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	key := PoolKey{Worker: ctl.Oplog().WorkerID(), Address: address}
	return &Conn{
		driver: driver,
		ctl:    ctl,
		key:    key,
		opts:   opts,
		logger: logger.With("component", "rdbms", "pool", key.String()),
	}
}

func (c *Conn) fn(op string) string {
	return "rdbms::" + c.driver.Name() + "::" + op
}

func (c *Conn) request(statement string, params []ir.IRValue) ir.IRObject {
	return ir.Object(
		ir.O("address", ir.IRString(c.key.Address)),
		ir.O("statement", ir.IRString(statement)),
		ir.O("params", paramsIR(params)),
	)
}

// Execute runs a statement outside a transaction and returns the number of
// affected rows.
func (c *Conn) Execute(ctx context.Context, statement string, params []ir.IRValue) (uint64, error) {
	v, err := c.ctl.Invoke(ctx, durability.Call{
		Function: c.fn("execute"),
		Type:     oplog.WriteRemoteFn(),
		Request:  c.request(statement, params),
	}, func(ctx context.Context) (ir.IRValue, error) {
		n, err := c.driver.Execute(ctx, c.key, statement, params)
		return ir.IRInt(n), err
	})
	if err != nil {
		return 0, err
	}
	return affected(v)
}

// Query runs a query outside a transaction.
func (c *Conn) Query(ctx context.Context, statement string, params []ir.IRValue) (*Result, error) {
	v, err := c.ctl.Invoke(ctx, durability.Call{
		Function: c.fn("query"),
		Type:     oplog.ReadRemoteFn(),
		Request:  c.request(statement, params),
	}, func(ctx context.Context) (ir.IRValue, error) {
		res, err := c.driver.Query(ctx, c.key, statement, params)
		if err != nil {
			return nil, err
		}
		return res.toIR(), nil
	})
	if err != nil {
		return nil, err
	}
	return resultFromIR(v)
}

// Statement is one entry of ExecuteBatch.
type Statement struct {
	SQL    string
	Params []ir.IRValue
}

// ExecuteBatch runs statements as one batch of remote writes outside a
// transaction. The batch is bracketed by BeginRemoteWrite/EndRemoteWrite:
// if a crash interrupts it, replay runs the whole batch again when writes
// are assumed idempotent and fails the worker otherwise.
func (c *Conn) ExecuteBatch(ctx context.Context, statements []Statement) ([]uint64, error) {
	if len(statements) == 0 {
		return nil, nil
	}
	out := make([]uint64, 0, len(statements))
	begin := oplog.None
	for i, s := range statements {
		call := durability.Call{
			Function: c.fn("execute"),
			Type:     oplog.WriteRemoteBatchedFn(begin),
			Request:  c.request(s.SQL, s.Params),
		}
		live := func(ctx context.Context) (ir.IRValue, error) {
			n, err := c.driver.Execute(ctx, c.key, s.SQL, s.Params)
			return ir.IRInt(n), err
		}
		var (
			v   ir.IRValue
			err error
		)
		if i == 0 {
			v, begin, err = c.ctl.InvokeBatched(ctx, call, live)
		} else {
			v, err = c.ctl.Invoke(ctx, call, live)
		}
		if err != nil {
			return out, err
		}
		n, err := affected(v)
		if err != nil {
			return out, err
		}
		out = append(out, n)
	}
	if err := c.ctl.EndBatch(ctx, begin); err != nil {
		return out, err
	}
	return out, nil
}

// DropOpen drops every transaction of this connection that is still
// active, in the order they were begun. The host calls it when an
// invocation returns, so a transaction the component forgot is rolled back
// and its markers are recorded inside the invocation that began it.
func (c *Conn) DropOpen(ctx context.Context) error {
	open := c.open
	c.open = nil
	var first error
	for _, t := range open {
		if t.state != txActive {
			continue
		}
		c.logger.Info("dropping transaction left open by the invocation", "transaction", t.id, "begin_index", t.begin)
		if err := t.Drop(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *Conn) track(t *Transaction) *Transaction {
	c.open = append(c.open, t)
	return t
}

func affected(v ir.IRValue) (uint64, error) {
	n, ok := v.(ir.IRInt)
	if !ok || n < 0 {
		return 0, fmt.Errorf("recorded row count is %T", v)
	}
	return uint64(n), nil
}
