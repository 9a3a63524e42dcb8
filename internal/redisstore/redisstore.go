// Package redisstore is the Redis oplog backend. It implements
// oplog.Storage and oplog.PayloadStore on a redigo connection pool.
//
// Each worker's log is a hash from index to encoded entry, next to two
// counters holding the first retained and the last appended index. Appends
// and prefix deletions run as Lua scripts so the contiguity check and the
// writes are one atomic step on the server.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"

	"github.com/roach88/golemexec/internal/oplog"
)

var (
	_ oplog.Storage      = (*Store)(nil)
	_ oplog.PayloadStore = (*Store)(nil)
)

// appendScript appends (index, data) pairs from ARGV[2:] if they continue
// the log, and registers the worker.
//
// KEYS: entries hash, head, first, workers set. ARGV[1]: worker id.
var appendScript = redis.NewScript(4, `
local head = tonumber(redis.call('GET', KEYS[2]) or '0')
local n = (#ARGV - 1) / 2
for i = 0, n - 1 do
  local idx = tonumber(ARGV[2 + 2 * i])
  if idx ~= head + 1 + i then
    return redis.error_reply('INDEXCONFLICT expected ' .. (head + 1 + i) .. ', got ' .. idx)
  end
end
for i = 0, n - 1 do
  redis.call('HSET', KEYS[1], ARGV[2 + 2 * i], ARGV[3 + 2 * i])
end
if redis.call('EXISTS', KEYS[3]) == 0 then
  redis.call('SET', KEYS[3], head + 1)
end
redis.call('SET', KEYS[2], head + n)
redis.call('SADD', KEYS[4], ARGV[1])
return head + n
`)

// deletePrefixScript removes indexes first..min(ARGV[1], head).
//
// KEYS: entries hash, head, first.
var deletePrefixScript = redis.NewScript(3, `
local head = tonumber(redis.call('GET', KEYS[2]) or '0')
local first = tonumber(redis.call('GET', KEYS[3]) or '0')
local last = math.min(tonumber(ARGV[1]), head)
if first == 0 or last < first then
  return 0
end
for idx = first, last do
  redis.call('HDEL', KEYS[1], idx)
end
redis.call('SET', KEYS[3], last + 1)
return last - first + 1
`)

// Store is the Redis backend.
type Store struct {
	pool   *redis.Pool
	prefix string
}

// New creates a store over pool. Every key starts with prefix.
func New(pool *redis.Pool, prefix string) *Store {
	if prefix == "" {
		prefix = "golem"
	}
	return &Store{pool: pool, prefix: prefix}
}

// NewPool creates a connection pool for the server at addr.
func NewPool(addr string, maxIdle int) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     maxIdle,
		IdleTimeout: 5 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", addr)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

func (s *Store) entriesKey(w oplog.WorkerID) string { return s.key("oplog", w.String()) }
func (s *Store) headKey(w oplog.WorkerID) string    { return s.key("oplog", w.String(), "head") }
func (s *Store) firstKey(w oplog.WorkerID) string   { return s.key("oplog", w.String(), "first") }
func (s *Store) workersKey() string                 { return s.key("workers") }
func (s *Store) payloadKey(w oplog.WorkerID) string { return s.key("payload", w.String()) }

func (s *Store) conn(ctx context.Context) (redis.Conn, error) {
	c, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("redis connection: %w", err)
	}
	return c, nil
}

// Append implements oplog.Storage.
func (s *Store) Append(ctx context.Context, worker oplog.WorkerID, records []oplog.RawRecord) error {
	if len(records) == 0 {
		return nil
	}
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	args := make([]any, 0, 5+2*len(records))
	args = append(args, s.entriesKey(worker), s.headKey(worker), s.firstKey(worker), s.workersKey(), worker.String())
	for _, r := range records {
		args = append(args, strconv.FormatUint(uint64(r.Index), 10), r.Data)
	}
	if _, err := appendScript.DoContext(ctx, c, args...); err != nil {
		var rerr redis.Error
		if errors.As(err, &rerr) && strings.Contains(string(rerr), "INDEXCONFLICT") {
			return fmt.Errorf("%w: %s %s", oplog.ErrIndexConflict, worker, rerr)
		}
		return fmt.Errorf("append to oplog of %s: %w", worker, err)
	}
	return nil
}

// Read implements oplog.Storage.
func (s *Store) Read(ctx context.Context, worker oplog.WorkerID, from oplog.Index, n int) ([]oplog.RawRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	first, last, err := s.bounds(ctx, c, worker)
	if err != nil {
		return nil, err
	}
	if first == oplog.None || from > last {
		return nil, nil
	}
	from = max(from, first)
	to := min(last, from+oplog.Index(n)-1)

	args := []any{s.entriesKey(worker)}
	for idx := from; idx <= to; idx++ {
		args = append(args, uint64(idx))
	}
	values, err := redis.ByteSlices(redis.DoContext(c, ctx, "HMGET", args...))
	if err != nil {
		return nil, fmt.Errorf("read oplog of %s: %w", worker, err)
	}
	records := make([]oplog.RawRecord, 0, len(values))
	for i, v := range values {
		if v == nil {
			return nil, fmt.Errorf("read oplog of %s: entry %d is missing", worker, from+oplog.Index(i))
		}
		records = append(records, oplog.RawRecord{Index: from + oplog.Index(i), Data: v})
	}
	return records, nil
}

func (s *Store) bounds(ctx context.Context, c redis.Conn, worker oplog.WorkerID) (oplog.Index, oplog.Index, error) {
	values, err := redis.Values(redis.DoContext(c, ctx, "MGET", s.firstKey(worker), s.headKey(worker)))
	if err != nil {
		return oplog.None, oplog.None, fmt.Errorf("bounds of %s: %w", worker, err)
	}
	var first, last uint64
	if _, err := redis.Scan(values, &first, &last); err != nil {
		return oplog.None, oplog.None, fmt.Errorf("bounds of %s: %w", worker, err)
	}
	if first > last {
		// Everything was deleted; the head survives.
		return oplog.None, oplog.Index(last), nil
	}
	return oplog.Index(first), oplog.Index(last), nil
}

// Bounds implements oplog.Storage.
func (s *Store) Bounds(ctx context.Context, worker oplog.WorkerID) (oplog.Index, oplog.Index, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return oplog.None, oplog.None, err
	}
	defer c.Close()
	return s.bounds(ctx, c, worker)
}

// DeletePrefix implements oplog.Storage.
func (s *Store) DeletePrefix(ctx context.Context, worker oplog.WorkerID, last oplog.Index) (uint64, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()
	n, err := redis.Uint64(deletePrefixScript.DoContext(ctx, c,
		s.entriesKey(worker), s.headKey(worker), s.firstKey(worker), uint64(last)))
	if err != nil {
		return 0, fmt.Errorf("delete prefix of %s: %w", worker, err)
	}
	return n, nil
}

// Delete implements oplog.Storage.
func (s *Store) Delete(ctx context.Context, worker oplog.WorkerID) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	for _, cmd := range [][]any{
		{"MULTI"},
		{"DEL", s.entriesKey(worker), s.headKey(worker), s.firstKey(worker)},
		{"SREM", s.workersKey(), worker.String()},
	} {
		if err := c.Send(cmd[0].(string), cmd[1:]...); err != nil {
			return fmt.Errorf("delete oplog of %s: %w", worker, err)
		}
	}
	if _, err := redis.DoContext(c, ctx, "EXEC"); err != nil {
		return fmt.Errorf("delete oplog of %s: %w", worker, err)
	}
	return nil
}

// Workers implements oplog.Storage.
func (s *Store) Workers(ctx context.Context) ([]oplog.WorkerID, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	names, err := redis.Strings(redis.DoContext(c, ctx, "SMEMBERS", s.workersKey()))
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	workers := make([]oplog.WorkerID, 0, len(names))
	for _, name := range names {
		w, err := oplog.ParseWorkerID(name)
		if err != nil {
			return nil, fmt.Errorf("list workers: %w", err)
		}
		workers = append(workers, w)
	}
	slices.SortFunc(workers, func(a, b oplog.WorkerID) int {
		return strings.Compare(a.String(), b.String())
	})
	return workers, nil
}

// WaitForReplicas implements oplog.Storage with the WAIT command.
func (s *Store) WaitForReplicas(ctx context.Context, n int, timeout time.Duration) (bool, error) {
	if n <= 0 {
		return true, nil
	}
	c, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer c.Close()
	acked, err := redis.Int(redis.DoContext(c, ctx, "WAIT", n, timeout.Milliseconds()))
	if err != nil {
		return false, fmt.Errorf("wait for %d replicas: %w", n, err)
	}
	return acked >= n, nil
}

// PutPayload implements oplog.PayloadStore.
func (s *Store) PutPayload(ctx context.Context, worker oplog.WorkerID, id uuid.UUID, data []byte) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	if _, err := redis.DoContext(c, ctx, "HSET", s.payloadKey(worker), id.String(), data); err != nil {
		return fmt.Errorf("put payload %s: %w", id, err)
	}
	return nil
}

// GetPayload implements oplog.PayloadStore.
func (s *Store) GetPayload(ctx context.Context, worker oplog.WorkerID, id uuid.UUID) ([]byte, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	data, err := redis.Bytes(redis.DoContext(c, ctx, "HGET", s.payloadKey(worker), id.String()))
	if errors.Is(err, redis.ErrNil) {
		return nil, fmt.Errorf("%w: %s", oplog.ErrPayloadNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get payload %s: %w", id, err)
	}
	return data, nil
}

// DeletePayloads implements oplog.PayloadStore.
func (s *Store) DeletePayloads(ctx context.Context, worker oplog.WorkerID) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	if _, err := redis.DoContext(c, ctx, "DEL", s.payloadKey(worker)); err != nil {
		return fmt.Errorf("delete payloads of %s: %w", worker, err)
	}
	return nil
}
