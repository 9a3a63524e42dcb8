package rdbms

import (
	"context"
	"fmt"

	"github.com/roach88/golemexec/internal/durability"
	"github.com/roach88/golemexec/internal/ir"
	"github.com/roach88/golemexec/internal/oplog"
)

// DurableStream is a query result read row by row. Opening the stream and
// every row fetch are recorded, so a replay yields the same rows. When
// replay ends in the middle of a stream, the query is run again and the
// rows already consumed are skipped.
type DurableStream struct {
	conn      *Conn
	id        uint64
	statement string
	params    []ir.IRValue
	columns   []string

	live     RowStream
	consumed uint64
	done     bool
}

// QueryStream opens a streamed query outside a transaction.
func (c *Conn) QueryStream(ctx context.Context, statement string, params []ir.IRValue) (*DurableStream, error) {
	c.streams++
	s := &DurableStream{conn: c, id: c.streams, statement: statement, params: params}
	req := c.request(statement, params)
	req["stream"] = ir.IRInt(s.id)
	v, err := c.ctl.Invoke(ctx, durability.Call{
		Function: c.fn("query-stream"),
		Type:     oplog.ReadRemoteFn(),
		Request:  req,
	}, func(ctx context.Context) (ir.IRValue, error) {
		if err := s.open(ctx); err != nil {
			return nil, err
		}
		return ir.Strings(s.live.Columns()...), nil
	})
	if err != nil {
		return nil, err
	}
	cols, _ := v.(ir.IRArray)
	for _, col := range cols {
		name, ok := col.(ir.IRString)
		if !ok {
			return nil, fmt.Errorf("recorded column is %T", col)
		}
		s.columns = append(s.columns, string(name))
	}
	return s, nil
}

func (s *DurableStream) open(ctx context.Context) error {
	rs, err := s.conn.driver.QueryStream(ctx, s.conn.key, s.statement, s.params)
	if err != nil {
		return err
	}
	s.live = rs
	return nil
}

// Columns returns the column names.
func (s *DurableStream) Columns() []string { return s.columns }

// Next returns the next row; ok is false after the last one.
func (s *DurableStream) Next(ctx context.Context) ([]ir.IRValue, bool, error) {
	if s.done {
		return nil, false, nil
	}
	v, err := s.conn.ctl.Invoke(ctx, durability.Call{
		Function: s.conn.fn("query-stream::next"),
		Type:     oplog.ReadRemoteFn(),
		Request:  ir.Object(ir.O("stream", ir.IRInt(s.id)), ir.O("row", ir.IRInt(s.consumed))),
	}, s.fetch)
	if err != nil {
		return nil, false, err
	}
	row, ok := v.(ir.IRArray)
	if !ok {
		s.done = true
		return nil, false, nil
	}
	s.consumed++
	return []ir.IRValue(row), true, nil
}

func (s *DurableStream) fetch(ctx context.Context) (ir.IRValue, error) {
	if s.live == nil {
		if err := s.open(ctx); err != nil {
			return nil, err
		}
		for i := uint64(0); i < s.consumed; i++ {
			_, ok, err := s.live.Next(ctx)
			if err != nil {
				return nil, fmt.Errorf("resume query stream at row %d: %w", s.consumed, err)
			}
			if !ok {
				return nil, fmt.Errorf("resume query stream at row %d: result has only %d rows", s.consumed, i)
			}
		}
	}
	row, ok, err := s.live.Next(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return ir.IRNull{}, nil
	}
	return paramsIR(row), nil
}

// Close releases the underlying stream, if one was opened.
func (s *DurableStream) Close() error {
	s.done = true
	if s.live == nil {
		return nil
	}
	err := s.live.Close()
	s.live = nil
	return err
}
