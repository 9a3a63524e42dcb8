package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/golemexec/internal/durability"
	"github.com/roach88/golemexec/internal/ir"
	"github.com/roach88/golemexec/internal/oplog"
)

type commandKind int

const (
	cmdInvoke commandKind = iota
	cmdEnqueue
	cmdCancel
	cmdInterrupt
	cmdCrash
	cmdResume
	cmdRevert
	cmdUpdate
	cmdActivatePlugin
	cmdDeactivatePlugin
)

func (k commandKind) String() string {
	switch k {
	case cmdInvoke:
		return "invoke"
	case cmdEnqueue:
		return "enqueue"
	case cmdCancel:
		return "cancel"
	case cmdInterrupt:
		return "interrupt"
	case cmdCrash:
		return "crash"
	case cmdResume:
		return "resume"
	case cmdRevert:
		return "revert"
	case cmdUpdate:
		return "update"
	case cmdActivatePlugin:
		return "activate-plugin"
	case cmdDeactivatePlugin:
		return "deactivate-plugin"
	default:
		return fmt.Sprintf("command(%d)", int(k))
	}
}

type revertTarget struct {
	index       oplog.Index
	invocations int
}

// command is a request to a worker goroutine. Invocations are answered on
// result, everything else on reply. Both channels have a buffer of one and
// are written at most once.
type command struct {
	kind       commandKind
	invocation Invocation
	revert     revertTarget
	update     oplog.UpdateDescription
	plugin     string

	result chan invocationResult
	reply  chan error
}

func (c *command) ack() { c.fail(nil) }

func (c *command) fail(err error) {
	if c.result != nil {
		deliver(c.result, invocationResult{err: err})
	}
	if c.reply != nil {
		select {
		case c.reply <- err:
		default:
		}
	}
}

func deliver(ch chan invocationResult, r invocationResult) {
	select {
	case ch <- r:
	default:
	}
}

var (
	// errRestart ends an attempt so the worker starts over by replay.
	errRestart = errors.New("worker restart")

	// errStopped ends an attempt because the worker's queue was closed.
	errStopped = errors.New("worker stopped")
)

// signal is the cancellation cause of an attempt stopped by an interrupt
// or a simulated crash.
type signal struct {
	cmd *command
}

func (s *signal) Error() string { return s.cmd.kind.String() + " requested" }

// worker is the single writer of one worker's oplog.
//
// The goroutine started by run owns state, backlog, waiters and every
// attempt. Other goroutines reach it only through the command queue and
// signal; mu guards the fields they read.
type worker struct {
	id     oplog.WorkerID
	exec   *Executor
	logger *slog.Logger

	queue   *commandQueue
	backlog []*command
	ctx     context.Context
	stop    context.CancelFunc
	done    chan struct{}

	state      *WorkerState
	started    bool
	waiters    map[string][]chan invocationResult
	updating   *oplog.UpdateDescription
	retryTimer <-chan time.Time

	mu     sync.Mutex
	log    *oplog.Oplog
	status Status
	cancel context.CancelCauseFunc
	sigCmd *command

	subMu       sync.Mutex
	subscribers map[chan Event]struct{}
}

func newWorker(e *Executor, id oplog.WorkerID, log *oplog.Oplog) *worker {
	ctx, stop := context.WithCancel(context.Background())
	return &worker{
		id:      id,
		exec:    e,
		logger:  e.logger.With("worker", id.String()),
		queue:   newCommandQueue(),
		ctx:     ctx,
		stop:    stop,
		done:    make(chan struct{}),
		waiters: make(map[string][]chan invocationResult),
		log:     log,
	}
}

func (w *worker) oplog() *oplog.Oplog {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.log
}

// Status returns the worker's current status.
func (w *worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *worker) setStatus(s Status) {
	w.mu.Lock()
	from := w.status
	w.status = s
	w.mu.Unlock()
	if from == s {
		return
	}
	if o := w.exec.opts.observer; o != nil {
		o.WorkerStatusChanged(from, s)
	}
	w.logger.Debug("status changed", "from", from.String(), "to", s.String())
	w.publish(Event{Kind: EventStatusChanged, Status: s})
}

// refresh rebuilds the worker state from its oplog.
func (w *worker) refresh(ctx context.Context) error {
	records, err := w.oplog().ReadAll(ctx)
	if err != nil {
		return err
	}
	st, err := CalculateState(records, w.exec.opts.retry)
	if err != nil {
		return err
	}
	w.state = st
	if st.Status != Retrying {
		w.retryTimer = nil
	}
	w.setStatus(st.Status)
	return nil
}

// record appends lifecycle entries and commits them. Lifecycle entries are
// written even while the component switched persistence off.
func (w *worker) record(entries ...oplog.Entry) error {
	log := w.oplog()
	if level := log.PersistenceLevel(); level == oplog.PersistNothing {
		log.SwitchPersistenceLevel(oplog.Smart)
		defer log.SwitchPersistenceLevel(level)
	}
	for _, e := range entries {
		log.Add(e)
	}
	if _, err := log.Commit(w.ctx, oplog.DurableOnly); err != nil {
		return fmt.Errorf("record lifecycle entries of %s: %w", w.id, err)
	}
	return nil
}

func (w *worker) recordOrLog(entries ...oplog.Entry) {
	if err := w.record(entries...); err != nil {
		w.logger.Error("failed to record lifecycle entry", "error", err)
	}
}

// signal cancels the running attempt on behalf of cmd, or queues cmd when
// no attempt runs. It returns false if the worker is stopping.
func (w *worker) signal(cmd *command) bool {
	w.mu.Lock()
	if w.cancel != nil && w.sigCmd == nil {
		w.sigCmd = cmd
		w.cancel(&signal{cmd: cmd})
		w.mu.Unlock()
		return true
	}
	w.mu.Unlock()
	return w.queue.Enqueue(cmd)
}

func (w *worker) stopAndWait(ctx context.Context) error {
	w.stop()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the worker goroutine.
func (w *worker) run() {
	defer w.finish()
	for w.ctx.Err() == nil {
		if err := w.refresh(w.ctx); err != nil {
			if w.ctx.Err() == nil {
				w.logger.Error("failed to load worker state", "error", err)
			}
			return
		}
		if !w.runnable() {
			if !w.park() {
				return
			}
			continue
		}
		cmd, err := w.attempt()
		if !w.settle(cmd, err) {
			return
		}
	}
}

func (w *worker) runnable() bool {
	switch w.state.Status {
	case Running:
		return true
	case Idle:
		return w.started || len(w.state.Pending) > 0 || len(w.backlog) > 0 ||
			len(w.state.PendingUpdates) > 0
	default:
		return false
	}
}

// attempt runs one instance of the component until it fails, is signalled
// or the worker restarts. It returns the signal command, if any.
func (w *worker) attempt() (*command, error) {
	ctx, cancel := context.WithCancelCause(w.ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	err := w.runAttempt(ctx)

	w.mu.Lock()
	cmd := w.sigCmd
	w.cancel = nil
	w.sigCmd = nil
	w.mu.Unlock()
	cancel(nil)

	var sig *signal
	if cmd == nil && errors.As(err, &sig) {
		cmd = sig.cmd
	}
	return cmd, err
}

func (w *worker) runAttempt(ctx context.Context) error {
	a, err := w.newAttempt(ctx)
	if err != nil {
		return err
	}
	defer a.ctl.EndOpenSpans()
	return a.run(ctx)
}

// attempt is one instance of the component bound to a durability
// controller positioned at the start of the oplog.
type attempt struct {
	w      *worker
	ctl    *durability.Controller
	host   *Host
	inst   Instance
	info   ComponentInfo
	update *oplog.UpdateDescription
}

func (w *worker) newAttempt(ctx context.Context) (*attempt, error) {
	st := w.state
	version := st.ComponentVersion

	// Updates are applied between invocations only.
	var update *oplog.UpdateDescription
	if len(st.PendingUpdates) > 0 && st.InFlight == nil {
		u := st.PendingUpdates[0]
		update = &u
		version = u.TargetVersion
	}

	comp, info, err := w.exec.registry.Lookup(w.id.ComponentID, version)
	if err != nil {
		if update != nil {
			w.logger.Warn("update target is not registered", "target", version, "error", err)
			if err := w.record(&oplog.FailedUpdate{TargetVersion: version, Details: err.Error()}); err != nil {
				return nil, err
			}
			return nil, errRestart
		}
		return nil, err
	}

	log := w.oplog()
	log.SwitchPersistenceLevel(oplog.Smart)
	ctl, err := durability.New(ctx, log, durability.Options{
		NonIdempotentWrites: w.exec.opts.nonIdempotent,
		Tracer:              w.exec.opts.tracer,
		Observer:            w.exec.opts.observer,
		Logger:              w.exec.logger,
	})
	if err != nil {
		return nil, err
	}
	host := newHost(w, ctl, version)
	inst, err := comp.New(host)
	if err != nil {
		return nil, fmt.Errorf("instantiate component version %d: %w", version, err)
	}

	w.started = true
	w.updating = update
	if update != nil {
		w.logger.Info("updating worker", "from", st.ComponentVersion, "to", update.TargetVersion)
	}
	return &attempt{w: w, ctl: ctl, host: host, inst: inst, info: info, update: update}, nil
}

// run replays every recorded invocation, then serves commands live.
func (a *attempt) run(ctx context.Context) error {
	for {
		rec, err := durability.Expect[*oplog.ExportedFunctionInvoked](ctx, a.ctl, "ExportedFunctionInvoked")
		if errors.Is(err, durability.ErrLive) {
			break
		}
		if err != nil {
			return err
		}
		if err := a.execute(ctx, rec.Index, rec.Entry); err != nil {
			return err
		}
	}

	if a.update != nil {
		w := a.w
		if err := w.record(&oplog.SuccessfulUpdate{
			TargetVersion:    a.update.TargetVersion,
			NewComponentSize: a.info.Size,
			NewActivePlugins: w.state.ActivePlugins,
		}); err != nil {
			return err
		}
		w.logger.Info("worker updated", "version", a.update.TargetVersion)
		w.state.ComponentVersion = a.update.TargetVersion
		w.state.ComponentSize = a.info.Size
		w.state.PendingUpdates = removeUpdate(w.state.PendingUpdates, a.update.TargetVersion)
		w.updating = nil
		a.update = nil
	}
	return a.serve(ctx)
}

// serve handles commands and runs queued invocations until the attempt ends.
func (a *attempt) serve(ctx context.Context) error {
	w := a.w
	for {
		if cmd := w.nextCommand(); cmd != nil {
			if err := a.handle(ctx, cmd); err != nil {
				return err
			}
			continue
		}
		if len(w.state.Pending) > 0 {
			if err := a.runLive(ctx, w.state.Pending[0]); err != nil {
				return err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case _, ok := <-w.queue.Wait():
			if !ok {
				return errStopped
			}
		}
	}
}

func (w *worker) nextCommand() *command {
	if len(w.backlog) > 0 {
		cmd := w.backlog[0]
		w.backlog = w.backlog[1:]
		return cmd
	}
	cmd, ok := w.queue.TryDequeue()
	if !ok {
		return nil
	}
	return cmd
}

// handle serves a command while the instance is live.
func (a *attempt) handle(ctx context.Context, cmd *command) error {
	w := a.w
	switch cmd.kind {
	case cmdInvoke:
		if handled, _ := w.answerKnown(cmd); handled {
			return nil
		}
		inv := cmd.invocation
		if err := w.checkFunction(inv.Function); err != nil {
			cmd.fail(err)
			return nil
		}
		if len(w.state.Pending) > 0 {
			if err := w.enqueueDurable(inv); err != nil {
				cmd.fail(err)
				return nil
			}
			w.addWaiter(inv.IdempotencyKey, cmd.result)
			return nil
		}
		wi, err := w.workerInvocation(inv)
		if err != nil {
			cmd.fail(err)
			return nil
		}
		w.addWaiter(inv.IdempotencyKey, cmd.result)
		return a.runLive(ctx, wi)

	case cmdEnqueue:
		w.enqueue(cmd)
	case cmdCancel:
		w.cancelPending(cmd)
	case cmdInterrupt, cmdCrash:
		return &signal{cmd: cmd}
	case cmdResume:
		cmd.ack()
	case cmdRevert, cmdUpdate:
		if w.apply(cmd) {
			return errRestart
		}
	case cmdActivatePlugin, cmdDeactivatePlugin:
		w.apply(cmd)
	}
	return nil
}

// runLive starts a new invocation.
func (a *attempt) runLive(ctx context.Context, wi oplog.WorkerInvocation) error {
	w := a.w
	invoked := &oplog.ExportedFunctionInvoked{
		FunctionName:   wi.FunctionName,
		Request:        wi.Params,
		IdempotencyKey: wi.IdempotencyKey,
	}
	index := a.ctl.Add(invoked)
	if err := a.ctl.Commit(ctx, oplog.DurableOnly); err != nil {
		return err
	}
	w.state.Pending = removeInvocation(w.state.Pending, wi.IdempotencyKey)
	w.state.InFlight = invoked
	w.state.InFlightIndex = index
	w.setStatus(Running)
	w.publish(Event{Kind: EventInvocationStarted, Function: wi.FunctionName, IdempotencyKey: wi.IdempotencyKey})
	return a.execute(ctx, index, invoked)
}

// execute runs one invocation, replayed or live, and records or verifies
// its completion.
func (a *attempt) execute(ctx context.Context, index oplog.Index, inv *oplog.ExportedFunctionInvoked) error {
	w := a.w
	log := a.ctl.Oplog()
	data, err := log.PayloadBytes(ctx, inv.Request)
	if err != nil {
		return err
	}
	request, err := ir.UnmarshalIRValue(data)
	if err != nil {
		return fmt.Errorf("decode parameters of %s at %d: %w", inv.FunctionName, index, err)
	}
	params, ok := request.(ir.IRArray)
	if !ok {
		return fmt.Errorf("parameters of %s at %d are %T", inv.FunctionName, index, request)
	}

	a.host.beginInvocation(index)
	result, err := a.inst.Invoke(ctx, inv.FunctionName, []ir.IRValue(params))
	if err != nil {
		return fmt.Errorf("invoke %s: %w", inv.FunctionName, err)
	}
	if err := a.host.endInvocation(ctx); err != nil {
		return err
	}
	if result == nil {
		result = ir.IRNull{}
	}
	encoded, err := ir.MarshalCanonical(result)
	if err != nil {
		return fmt.Errorf("encode result of %s: %w", inv.FunctionName, err)
	}

	payload, live, err := a.complete(ctx, encoded)
	if err != nil {
		return err
	}

	key := inv.IdempotencyKey
	w.state.Results[key] = payload
	w.state.InFlight = nil
	w.state.InFlightIndex = oplog.None
	if live {
		w.state.Invocations++
		w.state.ConsumedFuel += a.host.fuel.Consumed()
		w.state.ConsecutiveErrors = 0
		w.state.LastError = nil
	}
	w.resolve(key, invocationResult{value: result})
	if live {
		w.setStatus(Idle)
		w.publish(Event{Kind: EventInvocationFinished, Function: inv.FunctionName, IdempotencyKey: key})
	}
	return nil
}

// complete records the completion of a live invocation, or checks a
// replayed one against the recorded result.
func (a *attempt) complete(ctx context.Context, result []byte) (oplog.Payload, bool, error) {
	log := a.ctl.Oplog()
	rec, err := durability.Expect[*oplog.ExportedFunctionCompleted](ctx, a.ctl, "ExportedFunctionCompleted")
	switch {
	case err == nil:
		recorded, err := log.PayloadBytes(ctx, rec.Entry.Response)
		if err != nil {
			return oplog.Payload{}, false, err
		}
		if !bytes.Equal(recorded, result) {
			if o := a.w.exec.opts.observer; o != nil {
				o.NonDeterminism()
			}
			a.w.logger.Error("replayed invocation result differs from recorded", "index", rec.Index)
			return oplog.Payload{}, false, &durability.NonDeterminismError{
				Index:    rec.Index,
				Expected: string(recorded),
				Actual:   string(result),
			}
		}
		return rec.Entry.Response, false, nil

	case errors.Is(err, durability.ErrLive):
		payload, err := log.MakePayload(ctx, result)
		if err != nil {
			return oplog.Payload{}, false, err
		}
		a.ctl.Add(&oplog.ExportedFunctionCompleted{Response: payload, ConsumedFuel: a.host.fuel.Consumed()})
		if err := a.ctl.Commit(ctx, a.w.exec.opts.commitLevel); err != nil {
			return oplog.Payload{}, false, err
		}
		return payload, true, nil

	default:
		return oplog.Payload{}, false, err
	}
}

// settle records the outcome of an attempt. It returns false when the
// worker must stop.
func (w *worker) settle(cmd *command, err error) bool {
	w.oplog().SwitchPersistenceLevel(oplog.Smart)
	update := w.updating
	w.updating = nil

	if w.ctx.Err() != nil {
		if cmd != nil {
			cmd.fail(newError(ErrCodeShuttingDown, w.id, "worker is stopping"))
		}
		return false
	}

	if cmd != nil {
		switch cmd.kind {
		case cmdInterrupt:
			if err := w.record(&oplog.Interrupted{}); err != nil {
				cmd.fail(err)
				return true
			}
			w.failInvocations(newError(ErrCodeInterrupted, w.id, "worker was interrupted"))
			w.logger.Info("worker interrupted")
		case cmdCrash:
			if err := w.reopen(); err != nil {
				cmd.fail(err)
				return false
			}
			w.recordOrLog(&oplog.Restart{})
			w.logger.Info("worker crashed, recovering")
		}
		cmd.ack()
		return true
	}

	switch {
	case err == nil, errors.Is(err, errRestart), errors.Is(err, durability.ErrRestartRequested):
		w.recordOrLog()
		return true
	case errors.Is(err, errStopped):
		return false
	case errors.Is(err, ErrExit):
		w.recordOrLog(&oplog.Exited{})
		w.failInvocations(newError(ErrCodeExited, w.id, "worker has exited"))
		w.logger.Info("worker exited")
		return true
	case IsOutOfFuel(err):
		w.recordOrLog(&oplog.Suspend{})
		w.logger.Info("worker suspended", "reason", err.Error())
		return true
	case update != nil:
		w.logger.Warn("update failed, keeping current version",
			"target", update.TargetVersion, "error", err)
		w.recordOrLog(&oplog.FailedUpdate{TargetVersion: update.TargetVersion, Details: err.Error()})
		return true
	}

	kind := classify(err)
	retryFrom := w.state.InFlightIndex
	if retryFrom == oplog.None {
		retryFrom = w.oplog().CurrentIndex()
	}
	if rerr := w.record(&oplog.Error{
		Error:     oplog.WorkerError{Kind: kind, Message: err.Error()},
		RetryFrom: retryFrom,
	}); rerr != nil {
		w.logger.Error("failed to record attempt failure", "error", rerr, "failure", err)
		return true
	}
	if rerr := w.refresh(w.ctx); rerr != nil {
		w.logger.Error("failed to load worker state", "error", rerr)
		return false
	}
	if w.state.Status == Failed {
		w.logger.Error("worker failed", "kind", kind.String(), "error", err,
			"attempts", w.state.ConsecutiveErrors)
		w.failInvocations(w.finalError())
		return true
	}
	w.logger.Warn("attempt failed, retrying", "kind", kind.String(), "error", err,
		"attempts", w.state.ConsecutiveErrors)
	if o := w.exec.opts.observer; o != nil {
		o.WorkerRetried(kind)
	}
	return true
}

// reopen drops the oplog handle with everything it buffered.
func (w *worker) reopen() error {
	log, err := oplog.Open(w.ctx, w.id, w.exec.storage, w.exec.oplogOptions())
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.log = log
	w.mu.Unlock()
	return nil
}

// park waits for a command or the retry timer while no attempt runs. It
// returns false when the worker must stop.
func (w *worker) park() bool {
	if w.state.Status == Retrying && w.retryTimer == nil {
		d := w.state.NextRetry(w.exec.opts.jitter)
		w.logger.Debug("waiting before retry", "delay", d.Delay, "attempts", w.state.ConsecutiveErrors)
		w.retryTimer = w.exec.clock.After(d.Delay)
	}
	for {
		for {
			cmd, ok := w.queue.TryDequeue()
			if !ok {
				break
			}
			if w.handleParked(cmd) {
				return true
			}
		}
		select {
		case <-w.ctx.Done():
			return false
		case <-w.retryTimer:
			w.retryTimer = nil
			w.recordOrLog(&oplog.Restart{})
			return true
		case _, ok := <-w.queue.Wait():
			if !ok {
				return false
			}
		}
	}
}

// handleParked serves a command while no attempt runs. It returns true
// when the worker state may have changed.
func (w *worker) handleParked(cmd *command) bool {
	switch cmd.kind {
	case cmdInvoke:
		handled, waiting := w.answerKnown(cmd)
		if handled && !waiting {
			return false
		}
		if !handled {
			if err := w.checkFunction(cmd.invocation.Function); err != nil {
				cmd.fail(err)
				return false
			}
			w.backlog = append(w.backlog, cmd)
		}
		w.resume(false)
		return true

	case cmdEnqueue:
		if w.state.Status.IsFinal() {
			cmd.fail(w.finalError())
			return false
		}
		// Queued invocations wait for an interrupted or suspended worker
		// to be resumed.
		w.enqueue(cmd)
		return true

	case cmdCancel:
		w.cancelPending(cmd)
		return true

	case cmdInterrupt:
		switch w.state.Status {
		case Idle, Retrying, Suspended:
			if err := w.record(&oplog.Interrupted{}); err != nil {
				cmd.fail(err)
				return false
			}
			w.failInvocations(newError(ErrCodeInterrupted, w.id, "worker was interrupted"))
		}
		cmd.ack()
		return true

	case cmdCrash:
		if err := w.reopen(); err != nil {
			cmd.fail(err)
			return false
		}
		if w.state.Status == Retrying {
			w.retryTimer = nil
			w.recordOrLog(&oplog.Restart{})
		}
		cmd.ack()
		return true

	case cmdResume:
		if w.state.Status.IsFinal() {
			cmd.fail(w.finalError())
			return false
		}
		w.resume(true)
		w.started = true
		cmd.ack()
		return true

	default:
		return w.apply(cmd)
	}
}

// resume records a Restart for a worker that stopped without failing for
// good. Retrying workers only restart early when forced.
func (w *worker) resume(force bool) {
	switch w.state.Status {
	case Interrupted, Suspended:
	case Retrying:
		if !force {
			return
		}
		w.retryTimer = nil
	default:
		return
	}
	w.recordOrLog(&oplog.Restart{})
}

// answerKnown answers an invocation whose idempotency key the worker has
// seen. waiting reports that the caller now waits for a queued or running
// invocation.
func (w *worker) answerKnown(cmd *command) (handled, waiting bool) {
	key := cmd.invocation.IdempotencyKey
	if p, ok := w.state.Results[key]; ok {
		v, err := w.decodeResult(p)
		deliver(cmd.result, invocationResult{value: v, err: err})
		return true, false
	}
	if w.state.Status.IsFinal() {
		cmd.fail(w.finalError())
		return true, false
	}
	inFlight := w.state.InFlight != nil && w.state.InFlight.IdempotencyKey == key
	if inFlight || w.state.HasPending(key) {
		w.addWaiter(key, cmd.result)
		return true, true
	}
	return false, false
}

func (w *worker) decodeResult(p oplog.Payload) (ir.IRValue, error) {
	data, err := w.oplog().PayloadBytes(w.ctx, p)
	if err != nil {
		return nil, err
	}
	return ir.UnmarshalIRValue(data)
}

func (w *worker) addWaiter(key string, ch chan invocationResult) {
	if ch == nil {
		return
	}
	w.waiters[key] = append(w.waiters[key], ch)
}

func (w *worker) resolve(key string, r invocationResult) {
	for _, ch := range w.waiters[key] {
		deliver(ch, r)
	}
	delete(w.waiters, key)
}

// failInvocations answers every waiting caller with err. Queued
// invocations stay queued.
func (w *worker) failInvocations(err error) {
	for key := range w.waiters {
		w.resolve(key, invocationResult{err: err})
	}
	kept := w.backlog[:0]
	for _, cmd := range w.backlog {
		if cmd.kind == cmdInvoke {
			cmd.fail(err)
			continue
		}
		kept = append(kept, cmd)
	}
	w.backlog = kept
}

func (w *worker) finalError() error {
	if w.state.Status == Exited {
		return newError(ErrCodeExited, w.id, "worker has exited")
	}
	if w.state.LastError != nil {
		return newError(ErrCodeWorkerFailed, w.id, "worker failed: %s", w.state.LastError.String())
	}
	return newError(ErrCodeWorkerFailed, w.id, "worker failed")
}

func (w *worker) workerInvocation(inv Invocation) (oplog.WorkerInvocation, error) {
	data, err := ir.MarshalCanonical(ir.Array(inv.Params...))
	if err != nil {
		return oplog.WorkerInvocation{}, fmt.Errorf("encode parameters of %s: %w", inv.Function, err)
	}
	payload, err := w.oplog().MakePayload(w.ctx, data)
	if err != nil {
		return oplog.WorkerInvocation{}, err
	}
	return oplog.WorkerInvocation{
		IdempotencyKey: inv.IdempotencyKey,
		FunctionName:   inv.Function,
		Params:         payload,
	}, nil
}

// enqueueDurable appends an invocation to the durable queue.
func (w *worker) enqueueDurable(inv Invocation) error {
	wi, err := w.workerInvocation(inv)
	if err != nil {
		return err
	}
	if err := w.record(&oplog.PendingWorkerInvocation{Invocation: wi}); err != nil {
		return err
	}
	w.state.Pending = append(w.state.Pending, wi)
	return nil
}

// enqueue serves cmdEnqueue. Known keys are accepted without queueing again.
func (w *worker) enqueue(cmd *command) {
	key := cmd.invocation.IdempotencyKey
	_, done := w.state.Results[key]
	inFlight := w.state.InFlight != nil && w.state.InFlight.IdempotencyKey == key
	if done || inFlight || w.state.HasPending(key) {
		cmd.ack()
		return
	}
	if err := w.checkFunction(cmd.invocation.Function); err != nil {
		cmd.fail(err)
		return
	}
	cmd.fail(w.enqueueDurable(cmd.invocation))
}

// checkFunction rejects functions the worker's component does not export,
// for components that declare their exports.
func (w *worker) checkFunction(name string) error {
	comp, _, err := w.exec.registry.Lookup(w.id.ComponentID, w.state.ComponentVersion)
	if err != nil {
		return err
	}
	if l, ok := comp.(FunctionLister); ok && !l.HasFunction(name) {
		return newError(ErrCodeInvalidRequest, w.id, "function %q is not exported by version %d", name, w.state.ComponentVersion)
	}
	return nil
}

func (w *worker) cancelPending(cmd *command) {
	key := cmd.invocation.IdempotencyKey
	if !w.state.HasPending(key) {
		if _, done := w.state.Results[key]; done || (w.state.InFlight != nil && w.state.InFlight.IdempotencyKey == key) {
			cmd.fail(newError(ErrCodeInvalidRequest, w.id, "invocation %s already started", key))
			return
		}
		cmd.fail(newError(ErrCodeInvalidRequest, w.id, "no queued invocation %s", key))
		return
	}
	if err := w.record(&oplog.CancelPendingInvocation{IdempotencyKey: key}); err != nil {
		cmd.fail(err)
		return
	}
	w.state.Pending = removeInvocation(w.state.Pending, key)
	w.resolve(key, invocationResult{err: newError(ErrCodeCancelled, w.id, "invocation %s was cancelled", key)})
	cmd.ack()
}

// apply serves the revert, update and plugin commands, which are handled
// the same way live and parked. It returns true when the worker must
// restart.
func (w *worker) apply(cmd *command) bool {
	var err error
	switch cmd.kind {
	case cmdRevert:
		err = w.revert(cmd.revert)
	case cmdUpdate:
		err = w.requestUpdate(cmd.update)
	case cmdActivatePlugin:
		err = w.activatePlugin(cmd.plugin)
	case cmdDeactivatePlugin:
		err = w.deactivatePlugin(cmd.plugin)
	}
	cmd.fail(err)
	if err != nil {
		return false
	}
	return cmd.kind == cmdRevert || cmd.kind == cmdUpdate
}

func (w *worker) revert(target revertTarget) error {
	log := w.oplog()
	current := log.CurrentIndex()
	var start oplog.Index

	if target.invocations > 0 {
		records, err := log.ReadAll(w.ctx)
		if err != nil {
			return err
		}
		skipped := oplog.RegionsOf(records)
		n := target.invocations
		for i := len(records) - 1; i >= 0 && n > 0; i-- {
			if _, ok := records[i].Entry.(*oplog.ExportedFunctionInvoked); ok && !skipped.Contains(records[i].Index) {
				n--
				start = records[i].Index
			}
		}
		if n > 0 {
			return newError(ErrCodeInvalidRequest, w.id, "worker has fewer than %d invocations", target.invocations)
		}
	} else {
		if target.index < oplog.Initial || target.index >= current {
			return newError(ErrCodeInvalidRequest, w.id, "cannot revert to %d, oplog ends at %d", target.index, current)
		}
		start = target.index.Next()
	}

	if err := w.record(&oplog.Revert{DroppedRegion: oplog.Region{Start: start, End: current}}); err != nil {
		return err
	}
	w.failInvocations(newError(ErrCodeInterrupted, w.id, "worker was reverted"))
	w.logger.Info("worker reverted", "dropped", oplog.Region{Start: start, End: current}.String())
	return nil
}

func (w *worker) requestUpdate(u oplog.UpdateDescription) error {
	if u.Mode == oplog.SnapshotUpdate {
		return newError(ErrCodeInvalidRequest, w.id, "snapshot-based updates are not supported")
	}
	if u.TargetVersion == w.state.ComponentVersion {
		return newError(ErrCodeInvalidRequest, w.id, "worker already runs version %d", u.TargetVersion)
	}
	if _, _, err := w.exec.registry.Lookup(w.id.ComponentID, u.TargetVersion); err != nil {
		return err
	}
	if err := w.record(&oplog.PendingUpdate{Description: u}); err != nil {
		return err
	}
	w.state.PendingUpdates = append(w.state.PendingUpdates, u)
	return nil
}

func (w *worker) activatePlugin(plugin string) error {
	for _, p := range w.state.ActivePlugins {
		if p == plugin {
			return nil
		}
	}
	if err := w.record(&oplog.ActivatePlugin{Plugin: plugin}); err != nil {
		return err
	}
	w.state.ActivePlugins = append(w.state.ActivePlugins, plugin)
	sort.Strings(w.state.ActivePlugins)
	return nil
}

func (w *worker) deactivatePlugin(plugin string) error {
	for i, p := range w.state.ActivePlugins {
		if p != plugin {
			continue
		}
		if err := w.record(&oplog.DeactivatePlugin{Plugin: plugin}); err != nil {
			return err
		}
		w.state.ActivePlugins = append(w.state.ActivePlugins[:i:i], w.state.ActivePlugins[i+1:]...)
		return nil
	}
	return newError(ErrCodeInvalidRequest, w.id, "plugin %q is not active", plugin)
}

// finish answers everything still waiting and releases the oplog.
func (w *worker) finish() {
	stopped := newError(ErrCodeShuttingDown, w.id, "worker stopped")
	for _, cmd := range w.queue.Close() {
		cmd.fail(stopped)
	}
	for _, cmd := range w.backlog {
		cmd.fail(stopped)
	}
	w.backlog = nil
	for key := range w.waiters {
		w.resolve(key, invocationResult{err: stopped})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.oplog().Close(ctx); err != nil {
		w.logger.Warn("failed to close oplog", "error", err)
	}

	w.exec.mu.Lock()
	if w.exec.workers[w.id] == w {
		delete(w.exec.workers, w.id)
	}
	w.exec.mu.Unlock()
	w.stop()
	close(w.done)
}
