package durability

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/golemexec/internal/oplog"
)

// BeginAtomicRegion opens a region whose effects only count if it is
// closed. On replay, a region that was never closed is discarded along with
// everything recorded after it, and a fresh region is opened live.
func (c *Controller) BeginAtomicRegion(ctx context.Context) (oplog.Index, error) {
	if c.poisoned != nil {
		return oplog.None, c.poisoned
	}
	begin, err := Expect[*oplog.BeginAtomicRegion](ctx, c, "BeginAtomicRegion")
	switch {
	case err == nil:
		_, closed := c.LookAhead(begin.Index, func(_ oplog.Index, e oplog.Entry) bool {
			end, ok := e.(*oplog.EndAtomicRegion)
			return ok && end.BeginIndex == begin.Index
		})
		if closed {
			return begin.Index, nil
		}
		c.logger.Info("atomic region was not closed, executing it again", "begin_index", begin.Index)
		c.SkipRest(begin.Index)
	case !errors.Is(err, ErrLive):
		return oplog.None, err
	}
	return c.log.Add(&oplog.BeginAtomicRegion{}), nil
}

// EndAtomicRegion closes the region opened at begin and commits it.
func (c *Controller) EndAtomicRegion(ctx context.Context, begin oplog.Index) error {
	end, err := Expect[*oplog.EndAtomicRegion](ctx, c, "EndAtomicRegion")
	switch {
	case err == nil:
		if end.Entry.BeginIndex != begin {
			return c.nonDeterminism(end.Index,
				fmt.Sprintf("EndAtomicRegion(%d)", end.Entry.BeginIndex), fmt.Sprintf("EndAtomicRegion(%d)", begin))
		}
		return nil
	case errors.Is(err, ErrLive):
		c.log.Add(&oplog.EndAtomicRegion{BeginIndex: begin})
		return c.Commit(ctx, oplog.Immediate)
	default:
		return err
	}
}

// StartSpan opens an invocation-context span and returns its id. The id is
// recorded, so a replay hands out the same ids. Live spans are also
// exported through the configured tracer.
func (c *Controller) StartSpan(ctx context.Context, name string, parent trace.SpanID, attrs map[string]string) (trace.SpanID, error) {
	started, err := Expect[*oplog.StartSpan](ctx, c, "StartSpan")
	switch {
	case err == nil:
		return started.Entry.SpanID, nil
	case !errors.Is(err, ErrLive):
		return trace.SpanID{}, err
	}

	var id trace.SpanID
	if c.tracer != nil {
		kv := make([]attribute.KeyValue, 0, len(attrs))
		for k, v := range attrs {
			kv = append(kv, attribute.String(k, v))
		}
		_, span := c.tracer.Start(ctx, name, trace.WithAttributes(kv...))
		id = span.SpanContext().SpanID()
		c.spans[id] = span
	}
	if !id.IsValid() {
		if _, err := rand.Read(id[:]); err != nil {
			return trace.SpanID{}, fmt.Errorf("generate span id: %w", err)
		}
	}
	c.log.Add(&oplog.StartSpan{SpanID: id, Parent: parent, Attributes: attrs})
	return id, nil
}

// FinishSpan closes a span opened by StartSpan.
func (c *Controller) FinishSpan(ctx context.Context, id trace.SpanID) error {
	_, err := Expect[*oplog.FinishSpan](ctx, c, "FinishSpan")
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, ErrLive):
		return err
	}
	if span, ok := c.spans[id]; ok {
		span.End()
		delete(c.spans, id)
	}
	c.log.Add(&oplog.FinishSpan{SpanID: id})
	return nil
}

// SetSpanAttribute sets an attribute on an open span.
func (c *Controller) SetSpanAttribute(ctx context.Context, id trace.SpanID, key, value string) error {
	_, err := Expect[*oplog.SetSpanAttribute](ctx, c, "SetSpanAttribute")
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, ErrLive):
		return err
	}
	if span, ok := c.spans[id]; ok {
		span.SetAttributes(attribute.String(key, value))
	}
	c.log.Add(&oplog.SetSpanAttribute{SpanID: id, Key: key, Value: value})
	return nil
}

// EndOpenSpans ends every exported span still open, at the end of an
// attempt.
func (c *Controller) EndOpenSpans() {
	for id, span := range c.spans {
		span.End()
		delete(c.spans, id)
	}
}
