package kv

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/roach88/golemexec/internal/durability"
	"github.com/roach88/golemexec/internal/ir"
	"github.com/roach88/golemexec/internal/oplog"
)

// Host function names recorded for key-value calls.
const (
	FnGet    = "golem:keyvalue/get"
	FnSet    = "golem:keyvalue/set"
	FnDelete = "golem:keyvalue/delete"
	FnKeys   = "golem:keyvalue/keys"
)

// Durable is the worker-facing key-value capability. Values cross the
// durability boundary base64 encoded, since recorded values are JSON.
type Durable struct {
	store Store
	ctl   *durability.Controller
}

// NewDurable binds store to a worker's controller.
func NewDurable(store Store, ctl *durability.Controller) *Durable {
	return &Durable{store: store, ctl: ctl}
}

func request(bucket, key string) ir.IRObject {
	return ir.Object(ir.O("bucket", ir.IRString(bucket)), ir.O("key", ir.IRString(key)))
}

// Get reads key from bucket.
func (d *Durable) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	v, err := d.ctl.Invoke(ctx, durability.Call{
		Function: FnGet,
		Type:     oplog.ReadRemoteFn(),
		Request:  request(bucket, key),
	}, func(ctx context.Context) (ir.IRValue, error) {
		value, ok, err := d.store.Get(ctx, bucket, key)
		if err != nil || !ok {
			return ir.IRNull{}, err
		}
		return ir.IRString(base64.StdEncoding.EncodeToString(value)), nil
	})
	if err != nil {
		return nil, false, err
	}
	encoded, ok := v.(ir.IRString)
	if !ok {
		return nil, false, nil
	}
	value, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, false, fmt.Errorf("decode recorded value of %s/%s: %w", bucket, key, err)
	}
	return value, true, nil
}

// Set writes key in bucket.
func (d *Durable) Set(ctx context.Context, bucket, key string, value []byte) error {
	req := request(bucket, key)
	req["value"] = ir.IRString(base64.StdEncoding.EncodeToString(value))
	_, err := d.ctl.Invoke(ctx, durability.Call{
		Function: FnSet,
		Type:     oplog.WriteRemoteFn(),
		Request:  req,
	}, func(ctx context.Context) (ir.IRValue, error) {
		return ir.IRNull{}, d.store.Set(ctx, bucket, key, value)
	})
	return err
}

// Delete removes key from bucket.
func (d *Durable) Delete(ctx context.Context, bucket, key string) error {
	_, err := d.ctl.Invoke(ctx, durability.Call{
		Function: FnDelete,
		Type:     oplog.WriteRemoteFn(),
		Request:  request(bucket, key),
	}, func(ctx context.Context) (ir.IRValue, error) {
		return ir.IRNull{}, d.store.Delete(ctx, bucket, key)
	})
	return err
}

// Keys lists the keys of bucket.
func (d *Durable) Keys(ctx context.Context, bucket string) ([]string, error) {
	v, err := d.ctl.Invoke(ctx, durability.Call{
		Function: FnKeys,
		Type:     oplog.ReadRemoteFn(),
		Request:  ir.Object(ir.O("bucket", ir.IRString(bucket))),
	}, func(ctx context.Context) (ir.IRValue, error) {
		keys, err := d.store.Keys(ctx, bucket)
		if err != nil {
			return nil, err
		}
		return ir.Strings(keys...), nil
	})
	if err != nil {
		return nil, err
	}
	arr, _ := v.(ir.IRArray)
	keys := make([]string, 0, len(arr))
	for _, k := range arr {
		s, ok := k.(ir.IRString)
		if !ok {
			return nil, fmt.Errorf("recorded key of %s is %T", bucket, k)
		}
		keys = append(keys, string(s))
	}
	return keys, nil
}
