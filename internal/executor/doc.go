// Package executor runs durable workers.
//
// A worker is a named instance of a component. Everything it does is
// recorded in its oplog, and a worker is (re)started by replaying that log
// against a fresh component instance: host calls return their recorded
// results until the log is exhausted, then the worker continues live.
//
// ARCHITECTURE:
//
// Single-Writer Worker Loop:
// Every worker is driven by exactly one goroutine that owns its oplog and
// durability controller. External callers submit commands (invocations,
// interrupts, updates, reverts) to the worker's FIFO command queue; the
// loop applies them between invocations. Interrupts and simulated crashes
// also cancel the attempt in progress so they take effect mid-invocation.
//
// Attempts:
// An attempt opens a durability controller over the log, instantiates the
// component and replays the recorded invocations. It then serves queued
// invocations live until something ends it: a failure, an interrupt, a
// crash, an update, a revert or an exit. Failures are settled by the retry
// policy: retryable ones restart the worker by replay after a backoff,
// others mark it Failed.
//
// State:
// Worker status, completed invocation results (for idempotency keys),
// queued invocations, plugins, resources and update history are rebuilt
// from the oplog by CalculateState at the start of every attempt; nothing
// the executor keeps in memory is needed to recover a worker.
//
// CRITICAL PATTERNS:
//
// Components must be deterministic given the results of their host calls.
// Every effect must go through Host, which routes it through the worker's
// durability controller.
package executor
