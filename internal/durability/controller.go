// Package durability decides, for every host call a worker makes, whether
// to perform it and record the result (live) or to return the recorded
// result (replay).
//
// A Controller owns the replay cursor of one worker. Everything the
// component observes from outside flows through it: host call results,
// atomic region boundaries, persistence level and retry policy switches,
// and span identifiers. Given the same oplog, a replay therefore observes
// exactly what the live run observed.
//
// A Controller is driven by the worker's execution goroutine and is not
// safe for concurrent use.
package durability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/golemexec/internal/oplog"
	"github.com/roach88/golemexec/internal/retry"
)

// ReplayObserver receives replay activity. The metrics collector implements it.
type ReplayObserver interface {
	EntryReplayed(kind oplog.Kind)
	NonDeterminism()
}

// Options configures a Controller.
type Options struct {
	// NonIdempotentWrites disables the idempotence assumption for remote
	// writes: they are bracketed by BeginRemoteWrite/EndRemoteWrite and an
	// unterminated write fails the worker instead of being retried.
	NonIdempotentWrites bool

	// Skipped adds regions to step over beyond those declared in the log.
	Skipped []oplog.Region

	// Tracer receives spans started live. Nil disables export.
	Tracer trace.Tracer

	Observer ReplayObserver
	Logger   *slog.Logger
}

// Controller is the durability and replay controller of one worker.
type Controller struct {
	log    *oplog.Oplog
	replay *replayState
	logger *slog.Logger

	assumeIdempotence bool
	retryPolicy       *retry.Config
	poisoned          error

	tracer   trace.Tracer
	observer ReplayObserver
	spans    map[trace.SpanID]trace.Span
}

// New creates a controller positioned just after the Create entry. If the
// log holds anything beyond Create the controller starts in replay mode.
func New(ctx context.Context, log *oplog.Oplog, opts Options) (*Controller, error) {
	records, err := log.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load oplog for replay: %w", err)
	}
	regions := oplog.RegionsOf(records)
	for _, r := range opts.Skipped {
		regions.Add(r)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		log:               log,
		logger:            logger.With("component", "durability", "worker", log.WorkerID().String()),
		assumeIdempotence: !opts.NonIdempotentWrites,
		tracer:            opts.Tracer,
		observer:          opts.Observer,
		spans:             make(map[trace.SpanID]trace.Span),
	}
	c.replay = newReplayState(records, regions, c.onSkip)
	if c.replay.isReplay() {
		c.logger.Debug("starting in replay mode",
			"replay_target", c.replay.target, "skipped", regions.Count())
	}
	return c, nil
}

func (c *Controller) onSkip(idx oplog.Index, e oplog.Entry) {
	if u, ok := e.(*oplog.Unknown); ok {
		c.logger.Warn("skipping entry of unknown kind during replay",
			"index", idx, "tag", u.Tag, "version", u.Version)
	}
}

// Oplog returns the worker's log.
func (c *Controller) Oplog() *oplog.Oplog { return c.log }

// Mode returns Replay while recorded entries remain to be consumed.
func (c *Controller) Mode() Mode {
	if c.IsReplay() {
		return Replay
	}
	return Live
}

// IsLive reports whether effects are performed. With persistence off a
// worker is always live, even while recorded entries remain.
func (c *Controller) IsLive() bool {
	return !c.IsReplay()
}

// IsReplay reports whether recorded entries remain to be consumed.
func (c *Controller) IsReplay() bool {
	return c.log.PersistenceLevel() != oplog.PersistNothing && c.replay.isReplay()
}

// ReplayTarget returns the last index that existed when replay started.
func (c *Controller) ReplayTarget() oplog.Index { return c.replay.target }

// LastReplayed returns the index of the last consumed entry.
func (c *Controller) LastReplayed() oplog.Index { return c.replay.lastReplayed }

// Skipped returns the regions replay steps over.
func (c *Controller) Skipped() *oplog.Regions { return c.replay.regions }

// ReadNext consumes the next replayable entry. ok is false once replay is
// over; the caller then proceeds live.
func (c *Controller) ReadNext(ctx context.Context) (oplog.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return oplog.Record{}, false, err
	}
	if c.poisoned != nil {
		return oplog.Record{}, false, c.poisoned
	}
	if !c.IsReplay() {
		return oplog.Record{}, false, nil
	}
	rec, ok := c.replay.next()
	if !ok {
		c.logger.Debug("replay finished", "replay_target", c.replay.target)
		return oplog.Record{}, false, nil
	}
	if c.observer != nil {
		c.observer.EntryReplayed(rec.Entry.Kind())
	}
	if !c.replay.isReplay() {
		c.logger.Debug("replay finished", "replay_target", c.replay.target)
	}
	return rec, true, nil
}

// Peek returns the next replayable entry without consuming it.
func (c *Controller) Peek() (oplog.Record, bool) {
	if !c.IsReplay() {
		return oplog.Record{}, false
	}
	return c.replay.peek()
}

// LookAhead finds the first not yet replayed entry after from matching pred.
func (c *Controller) LookAhead(from oplog.Index, pred func(oplog.Index, oplog.Entry) bool) (oplog.Record, bool) {
	return c.replay.lookAhead(from, pred)
}

// SkipRest discards the recorded history from start to the replay target:
// a Jump over it is added so later replays skip it too, and the worker
// switches to live. It is how a region whose outcome is incomplete gets
// re-executed.
func (c *Controller) SkipRest(start oplog.Index) {
	region := oplog.Region{Start: start, End: c.replay.target}
	if region.End < region.Start {
		c.replay.switchToLive()
		return
	}
	c.log.Add(&oplog.Jump{Jump: region})
	c.replay.regions.Add(region)
	c.replay.switchToLive()
	c.logger.Info("discarded recorded region, continuing live", "region", region.String())
}

// Add buffers an entry.
func (c *Controller) Add(e oplog.Entry) oplog.Index {
	return c.log.Add(e)
}

// FallibleAdd durably adds an entry. A failure poisons the controller for
// the rest of the attempt.
func (c *Controller) FallibleAdd(ctx context.Context, e oplog.Entry) (oplog.Index, error) {
	if c.poisoned != nil {
		return oplog.None, c.poisoned
	}
	idx, err := c.log.FallibleAdd(ctx, e)
	if err != nil {
		c.poison(err)
		return oplog.None, err
	}
	return idx, nil
}

// Commit flushes buffered entries. A failure poisons the controller.
func (c *Controller) Commit(ctx context.Context, level oplog.CommitLevel) error {
	if _, err := c.log.Commit(ctx, level); err != nil {
		c.poison(err)
		return err
	}
	return nil
}

func (c *Controller) poison(err error) {
	if c.poisoned == nil {
		c.poisoned = fmt.Errorf("%w: %w", ErrPoisoned, err)
	}
}

// Poisoned returns the durability failure that ended this attempt, if any.
func (c *Controller) Poisoned() error { return c.poisoned }

// AssumeIdempotence reports whether remote writes may be re-executed.
func (c *Controller) AssumeIdempotence() bool { return c.assumeIdempotence }

// SetAssumeIdempotence changes the idempotence assumption. It is worker
// configuration, not recorded.
func (c *Controller) SetAssumeIdempotence(v bool) { c.assumeIdempotence = v }

// RetryPolicy returns the policy set by the component, if any.
func (c *Controller) RetryPolicy() (retry.Config, bool) {
	if c.retryPolicy == nil {
		return retry.Config{}, false
	}
	return *c.retryPolicy, true
}

// SetRetryPolicy overrides the worker retry policy. Live it is recorded;
// on replay the recorded change is consumed.
func (c *Controller) SetRetryPolicy(ctx context.Context, policy retry.Config) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	if _, err := Expect[*oplog.ChangeRetryPolicy](ctx, c, "ChangeRetryPolicy"); err != nil {
		if !errors.Is(err, ErrLive) {
			return err
		}
		c.log.Add(&oplog.ChangeRetryPolicy{NewPolicy: policy})
	}
	c.retryPolicy = &policy
	return nil
}

// SetPersistenceLevel switches the persistence level. The change itself is
// recorded while persistence is on, so a replay switches at the same point.
func (c *Controller) SetPersistenceLevel(ctx context.Context, level oplog.PersistenceLevel) error {
	current := c.log.PersistenceLevel()
	if current == level {
		return nil
	}
	if current == oplog.PersistNothing {
		c.log.SwitchPersistenceLevel(level)
		if _, err := Expect[*oplog.ChangePersistenceLevel](ctx, c, "ChangePersistenceLevel"); err != nil {
			if !errors.Is(err, ErrLive) {
				return err
			}
			c.log.Add(&oplog.ChangePersistenceLevel{Level: level})
		}
		return nil
	}
	if _, err := Expect[*oplog.ChangePersistenceLevel](ctx, c, "ChangePersistenceLevel"); err != nil {
		if !errors.Is(err, ErrLive) {
			return err
		}
		c.log.Add(&oplog.ChangePersistenceLevel{Level: level})
		if err := c.Commit(ctx, oplog.Immediate); err != nil {
			return err
		}
	}
	c.log.SwitchPersistenceLevel(level)
	return nil
}

// AddHint records a hint entry when live. Hints carry no result, so on
// replay there is nothing to consume.
func (c *Controller) AddHint(e oplog.Entry) {
	if !e.Kind().IsHint() {
		panic(fmt.Sprintf("durability: %s is not a hint", e.Kind()))
	}
	if c.IsLive() {
		c.log.Add(e)
	}
}

// nonDeterminism builds the error for a recorded entry that does not match
// what the component asked for.
func (c *Controller) nonDeterminism(idx oplog.Index, expected, actual string) error {
	if c.observer != nil {
		c.observer.NonDeterminism()
	}
	c.logger.Error("replay diverged from recorded history",
		"index", idx, "recorded", expected, "replayed", actual)
	return &NonDeterminismError{Index: idx, Expected: expected, Actual: actual}
}

// describe names an entry for non-determinism reports.
func describe(e oplog.Entry) string {
	if inv, ok := e.(*oplog.ImportedFunctionInvoked); ok {
		return "ImportedFunctionInvoked(" + inv.FunctionName + ")"
	}
	return e.Kind().String()
}
