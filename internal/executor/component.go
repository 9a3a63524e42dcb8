package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/golemexec/internal/ir"
	"github.com/roach88/golemexec/internal/oplog"
)

// Component is a deployable program version. New instantiates it for one
// attempt of a worker; the instance lives until the attempt ends.
//
// A component must be deterministic given what Host returns: the same
// sequence of invocations and host call results must lead to the same
// host calls and the same invocation results.
type Component interface {
	New(host *Host) (Instance, error)
}

// Instance is a running component.
type Instance interface {
	// Invoke runs an exported function. A returned error traps the
	// invocation: the worker records it and retries or fails per its retry
	// policy. Returning ErrExit stops the worker.
	Invoke(ctx context.Context, function string, params []ir.IRValue) (ir.IRValue, error)
}

// InstanceFunc adapts a function to Instance.
type InstanceFunc func(ctx context.Context, function string, params []ir.IRValue) (ir.IRValue, error)

// Invoke calls f.
func (f InstanceFunc) Invoke(ctx context.Context, function string, params []ir.IRValue) (ir.IRValue, error) {
	return f(ctx, function, params)
}

// ComponentFunc adapts a constructor function to Component.
type ComponentFunc func(host *Host) (Instance, error)

// New calls f.
func (f ComponentFunc) New(host *Host) (Instance, error) { return f(host) }

// FunctionLister is implemented by components that declare their exported
// functions. Invocations of other functions are rejected before they are
// recorded.
type FunctionLister interface {
	HasFunction(name string) bool
}

// Exports builds a component from a table of exported functions. Each
// function receives the attempt's Host.
//
//	c := Exports(map[string]ExportFunc{
//	    "add": func(ctx context.Context, h *Host, p []ir.IRValue) (ir.IRValue, error) { ... },
//	})
func Exports(fns map[string]ExportFunc) Component {
	return exportTable(fns)
}

type exportTable map[string]ExportFunc

func (t exportTable) HasFunction(name string) bool {
	_, ok := t[name]
	return ok
}

func (t exportTable) New(host *Host) (Instance, error) {
	return InstanceFunc(func(ctx context.Context, function string, params []ir.IRValue) (ir.IRValue, error) {
		fn, ok := t[function]
		if !ok {
			return nil, newError(ErrCodeInvalidRequest, host.WorkerID(), "function %q is not exported", function)
		}
		return fn(ctx, host, params)
	}), nil
}

// ExportFunc is one exported function of a component built with Exports.
type ExportFunc func(ctx context.Context, host *Host, params []ir.IRValue) (ir.IRValue, error)

// ComponentInfo describes a registered component version.
type ComponentInfo struct {
	// Size is the component binary size recorded in Create and
	// SuccessfulUpdate entries.
	Size uint64

	// InitialMemory is the linear memory a fresh instance starts with.
	InitialMemory uint64

	// Plugins are activated for new workers of this version.
	Plugins []string
}

type registration struct {
	component Component
	info      ComponentInfo
}

// Registry holds the component versions the executor can run.
//
// Thread-safety: Registry is safe for concurrent use via internal RWMutex.
type Registry struct {
	mu       sync.RWMutex
	versions map[uuid.UUID]map[oplog.ComponentVersion]registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{versions: make(map[uuid.UUID]map[oplog.ComponentVersion]registration)}
}

// Register adds (or replaces) a component version.
func (r *Registry) Register(id uuid.UUID, version oplog.ComponentVersion, c Component, info ComponentInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byVersion, ok := r.versions[id]
	if !ok {
		byVersion = make(map[oplog.ComponentVersion]registration)
		r.versions[id] = byVersion
	}
	byVersion[version] = registration{component: c, info: info}
}

// Lookup returns a registered version.
func (r *Registry) Lookup(id uuid.UUID, version oplog.ComponentVersion) (Component, ComponentInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.versions[id][version]
	if !ok {
		return nil, ComponentInfo{}, &ExecutorError{
			Code:    ErrCodeComponentNotFound,
			Message: fmt.Sprintf("component %s version %d is not registered", id, version),
		}
	}
	return reg.component, reg.info, nil
}

// Latest returns the highest registered version of a component.
func (r *Registry) Latest(id uuid.UUID) (oplog.ComponentVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byVersion := r.versions[id]
	if len(byVersion) == 0 {
		return 0, &ExecutorError{
			Code:    ErrCodeComponentNotFound,
			Message: fmt.Sprintf("component %s has no registered versions", id),
		}
	}
	versions := make([]oplog.ComponentVersion, 0, len(byVersion))
	for v := range byVersion {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions[len(versions)-1], nil
}
