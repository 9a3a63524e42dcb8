package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/golemexec/internal/oplog"
	"github.com/roach88/golemexec/internal/stream"
)

// EventKind identifies what a worker event reports.
type EventKind int

const (
	// EventInvocationStarted is published when an invocation starts live.
	EventInvocationStarted EventKind = iota
	// EventInvocationFinished is published when an invocation completes.
	EventInvocationFinished
	// EventLog carries a component log line.
	EventLog
	// EventStatusChanged is published on every status transition.
	EventStatusChanged
)

func (k EventKind) String() string {
	switch k {
	case EventInvocationStarted:
		return "invocation-started"
	case EventInvocationFinished:
		return "invocation-finished"
	case EventLog:
		return "log"
	case EventStatusChanged:
		return "status-changed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is an item of a worker's live event feed. Only live activity is
// published; replay is silent.
type Event struct {
	Kind   EventKind
	Time   time.Time
	Worker oplog.WorkerID

	// Invocation events.
	Function       string
	IdempotencyKey string

	// Log events.
	Level   oplog.LogLevel
	Context string
	Message string

	// Status events.
	Status Status
}

// subscriberBuffer bounds the events held for a slow subscriber. Events
// beyond it are dropped rather than stalling the worker.
const subscriberBuffer = 256

// publish fans an event out to the worker's subscribers without blocking.
func (w *worker) publish(ev Event) {
	ev.Worker = w.id
	if ev.Time.IsZero() {
		ev.Time = w.exec.clock.Now()
	}
	w.subMu.Lock()
	defer w.subMu.Unlock()
	for ch := range w.subscribers {
		select {
		case ch <- ev:
		default:
			w.logger.Warn("dropping event for slow subscriber", "event", ev.Kind.String())
		}
	}
}

func (w *worker) subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	w.subMu.Lock()
	defer w.subMu.Unlock()
	if w.subscribers == nil {
		w.subscribers = make(map[chan Event]struct{})
	}
	w.subscribers[ch] = struct{}{}
	return ch
}

func (w *worker) unsubscribe(ch chan Event) {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	delete(w.subscribers, ch)
}

// Connect streams a worker's live events until ctx is done, the bridge is
// closed or the worker stops. capacity bounds the events buffered ahead of
// the consumer.
func (e *Executor) Connect(ctx context.Context, id oplog.WorkerID, capacity int) (*stream.Bridge[Event], error) {
	w, err := e.worker(ctx, id)
	if err != nil {
		return nil, err
	}
	sub := w.subscribe()
	return stream.New(ctx, capacity, func(ctx context.Context, emit func(Event) error) error {
		defer w.unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-w.done:
				return nil
			case ev := <-sub:
				if err := emit(ev); err != nil {
					return err
				}
			}
		}
	}), nil
}
