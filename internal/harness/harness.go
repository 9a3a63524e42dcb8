package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/golemexec/internal/backend"
	"github.com/roach88/golemexec/internal/config"
	"github.com/roach88/golemexec/internal/executor"
	"github.com/roach88/golemexec/internal/ir"
	"github.com/roach88/golemexec/internal/metrics"
	"github.com/roach88/golemexec/internal/oplog"
	"github.com/roach88/golemexec/internal/rdbms"
)

const recoveriesMetric = "golem_transaction_recoveries_total"

// Options configures a scenario run.
type Options struct {
	// Dir holds the oplog and ledger databases. Empty uses a temporary
	// directory removed after the run.
	Dir string

	// Timeout bounds every invocation. Default: 30s.
	Timeout time.Duration

	// Logger receives executor logs. Default: discarded.
	Logger *slog.Logger
}

// Harness runs one scenario: an executor over a SQLite oplog, a SQLite
// ledger database the workers write to, and the fault injector.
type Harness struct {
	scenario *Scenario
	opts     Options
	logger   *slog.Logger

	cfg      *config.Config
	backend  *backend.Backend
	driver   *rdbms.SQLiteDriver
	policy   rdbms.RecoveryPolicy
	faults   *oplog.CountingFaults
	registry *executor.Registry
	metrics  *prometheus.Registry
	observer *metrics.Collector
	exec     *executor.Executor

	ledger  string
	workers []oplog.WorkerID
}

// Run executes a scenario and returns the result. A returned error means
// the scenario could not run; failed expectations are reported in the
// result.
//
// Execution flow:
//  1. Open a fresh SQLite oplog and ledger database
//  2. Arm the faults and create the workers
//  3. Create the ledger table and write every worker's rows concurrently
//  4. Apply the crash, then the repeated delete
//  5. Count every worker's rows twice and the ledger's rows directly
//  6. Evaluate the expectations
func Run(ctx context.Context, scenario *Scenario, opts Options) (*Result, error) {
	if err := scenario.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Dir == "" {
		dir, err := os.MkdirTemp("", "golem-scenario-")
		if err != nil {
			return nil, fmt.Errorf("failed to create scenario directory: %w", err)
		}
		defer os.RemoveAll(dir)
		opts.Dir = dir
	}

	h := &Harness{
		scenario: scenario,
		opts:     opts,
		logger:   opts.Logger.With("scenario", scenario.Name),
		ledger:   filepath.Join(opts.Dir, "ledger.db"),
	}
	if err := h.open(ctx); err != nil {
		return nil, err
	}
	defer h.close()

	result := NewResult()
	if err := h.execute(ctx, result); err != nil {
		return nil, err
	}
	EvaluateExpectations(scenario, result)
	return result, nil
}

func (h *Harness) open(ctx context.Context) error {
	s := h.scenario

	cfg := config.Default()
	cfg.Storage.Backend = "sqlite"
	cfg.Storage.Path = filepath.Join(h.opts.Dir, "oplog.db")
	cfg.Payloads.Backend = "sqlite"
	cfg.Retry = config.RetryConfig{
		MaxAttempts: 5,
		MinDelay:    config.Duration(time.Millisecond),
		MaxDelay:    config.Duration(20 * time.Millisecond),
		Multiplier:  2,
	}
	if s.Policy != "" {
		cfg.Executor.TransactionRecovery = s.Policy
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid executor configuration: %w", err)
	}
	policy, err := cfg.RecoveryPolicy()
	if err != nil {
		return err
	}
	h.cfg, h.policy = cfg, policy

	b, err := backend.Open(ctx, cfg, h.logger)
	if err != nil {
		return fmt.Errorf("failed to open backend: %w", err)
	}
	h.backend = b
	h.driver = rdbms.NewSQLiteDriver(h.logger)

	h.faults = oplog.NewCountingFaults()
	if s.FailOn != nil {
		kind, _ := s.FailOn.kind()
		h.faults.FailTimes(kind, s.FailOn.Count)
	}

	h.metrics = prometheus.NewRegistry()
	h.observer, err = metrics.NewCollector(h.metrics)
	if err != nil {
		return err
	}

	h.registry = executor.NewRegistry()
	h.registry.Register(LedgerComponentID, 1, ledger(h.ledger), executor.ComponentInfo{Size: 4096, InitialMemory: 65536})

	h.exec, err = h.start()
	return err
}

// start creates an executor over the harness's storage.
func (h *Harness) start() (*executor.Executor, error) {
	opts, err := h.backend.ExecutorOptions(
		executor.WithRDBMS(h.driver, h.policy),
		executor.WithFaults(h.faults),
		executor.WithObserver(h.observer),
	)
	if err != nil {
		return nil, err
	}
	return executor.New(h.registry, h.backend.Storage, opts...), nil
}

func (h *Harness) close() {
	if h.exec != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.Timeout)
		if err := h.exec.Shutdown(ctx); err != nil {
			h.logger.Warn("executor shutdown failed", "error", err)
		}
		cancel()
	}
	if h.driver != nil {
		_ = h.driver.Close()
	}
	if h.backend != nil {
		if err := h.backend.Close(); err != nil {
			h.logger.Warn("backend close failed", "error", err)
		}
	}
}

func (h *Harness) execute(ctx context.Context, result *Result) error {
	s := h.scenario

	for i := 1; i <= s.Workers; i++ {
		id := oplog.WorkerID{ComponentID: LedgerComponentID, Name: fmt.Sprintf("w%d", i)}
		if err := h.exec.CreateWorker(ctx, id, executor.CreateOptions{Version: 1}); err != nil {
			return fmt.Errorf("failed to create worker %s: %w", id.Name, err)
		}
		h.workers = append(h.workers, id)
	}

	v, err := h.invoke(ctx, h.workers[0], executor.Invocation{Function: "create_table"})
	result.AddTrace("create_table", h.workers[0].Name, v, err)
	if err != nil {
		return fmt.Errorf("failed to create the ledger table: %w", err)
	}

	if s.StatusNotFound > 0 {
		h.driver.LoseStatuses(s.StatusNotFound)
	}

	writeErrs := h.write(ctx, result)

	if err := h.crash(ctx, result); err != nil {
		return err
	}

	if s.Delete != nil {
		for i, id := range h.workers {
			if writeErrs[i] != nil {
				continue
			}
			h.delete(ctx, id, result)
		}
	}

	for i, id := range h.workers {
		if writeErrs[i] != nil {
			continue
		}
		h.count(ctx, id, result)
	}

	rows, err := h.ledgerRows(ctx)
	if err != nil {
		return err
	}
	result.Rows = rows

	for _, id := range h.workers {
		status, err := h.settle(ctx, id)
		if err != nil {
			return err
		}
		outcome := WorkerOutcome{Worker: id.Name, Status: status.String()}
		if s.FailOn != nil {
			kind, _ := s.FailOn.kind()
			outcome.Injected = h.faults.Injected(id, kind)
		}
		result.Workers = append(result.Workers, outcome)
	}

	recoveries, err := h.recoveries()
	if err != nil {
		return err
	}
	result.Recoveries = recoveries
	return nil
}

// write runs every worker's transaction concurrently and traces the
// answers in worker order.
func (h *Harness) write(ctx context.Context, result *Result) []error {
	s := h.scenario
	values := make([]ir.IRValue, len(h.workers))
	errs := make([]error, len(h.workers))

	var g errgroup.Group
	for i, id := range h.workers {
		g.Go(func() error {
			values[i], errs[i] = h.invoke(ctx, id, executor.Invocation{
				Function: "write",
				Params:   []ir.IRValue{ir.IRInt(s.RowsPerWorker), ir.IRString(s.End)},
			})
			return nil
		})
	}
	_ = g.Wait()

	for i, id := range h.workers {
		result.AddTrace("write", id.Name, values[i], errs[i])
		if errs[i] != nil {
			h.logger.Info("write failed", "worker", id.Name, "error", errs[i])
		}
	}
	return errs
}

func (h *Harness) crash(ctx context.Context, result *Result) error {
	mode := h.scenario.Crash
	if mode == "" || mode == CrashNone {
		return nil
	}
	for _, id := range h.workers {
		var err error
		switch mode {
		case CrashSimulate:
			err = h.exec.SimulateCrash(ctx, id)
		case CrashInterrupt, CrashRestart:
			err = h.exec.Interrupt(ctx, id)
		}
		if err != nil {
			return fmt.Errorf("failed to %s worker %s: %w", mode, id.Name, err)
		}
	}

	if mode == CrashRestart {
		stopCtx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
		err := h.exec.Shutdown(stopCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to stop executor: %w", err)
		}
		h.exec, err = h.start()
		if err != nil {
			return err
		}
		n, err := h.exec.RecoverAll(ctx)
		if err != nil {
			return fmt.Errorf("failed to recover workers: %w", err)
		}
		h.logger.Info("executor restarted", "workers", n)
	}
	result.AddTrace(mode, "", nil, nil)
	return nil
}

// delete sends the same delete invocation Repeat times; every answer must
// be the recorded answer of the first.
func (h *Harness) delete(ctx context.Context, id oplog.WorkerID, result *Result) {
	d := h.scenario.Delete
	inv := executor.Invocation{
		Function:       "delete",
		Params:         []ir.IRValue{ir.IRInt(d.Rows)},
		IdempotencyKey: id.Name + "-delete",
	}
	var first ir.IRValue
	for i := 0; i < d.Repeat; i++ {
		v, err := h.invoke(ctx, id, inv)
		result.AddTrace("delete", id.Name, v, err)
		switch {
		case err != nil:
			result.AddError(fmt.Sprintf("worker %s: delete #%d failed: %v", id.Name, i+1, err))
			return
		case i == 0:
			first = v
		case !ir.Equal(first, v):
			result.AddError(fmt.Sprintf("worker %s: delete #%d answered %s, first answer was %s",
				id.Name, i+1, ir.MustMarshalCanonical(v), ir.MustMarshalCanonical(first)))
		}
	}
}

// count queries the worker's rows twice; both answers must agree.
func (h *Harness) count(ctx context.Context, id oplog.WorkerID, result *Result) {
	var answers []ir.IRValue
	for range 2 {
		v, err := h.invoke(ctx, id, executor.Invocation{Function: "count"})
		result.AddTrace("count", id.Name, v, err)
		if err != nil {
			result.AddError(fmt.Sprintf("worker %s: count failed: %v", id.Name, err))
			return
		}
		answers = append(answers, v)
	}
	if !ir.Equal(answers[0], answers[1]) {
		result.AddError(fmt.Sprintf("worker %s: counted %s rows, then %s",
			id.Name, ir.MustMarshalCanonical(answers[0]), ir.MustMarshalCanonical(answers[1])))
	}
}

func (h *Harness) invoke(ctx context.Context, id oplog.WorkerID, inv executor.Invocation) (ir.IRValue, error) {
	ctx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	defer cancel()
	return h.exec.Invoke(ctx, id, inv)
}

// ledgerRows counts the ledger's rows outside any worker.
func (h *Harness) ledgerRows(ctx context.Context) (int64, error) {
	res, err := h.driver.Query(ctx, rdbms.PoolKey{Address: h.ledger}, countLedger, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count ledger rows: %w", err)
	}
	n, err := firstInt(res)
	return int64(n), err
}

// settle waits until the worker is neither running nor waiting to retry.
func (h *Harness) settle(ctx context.Context, id oplog.WorkerID) (executor.Status, error) {
	deadline := time.Now().Add(h.opts.Timeout)
	for {
		status, err := h.exec.Status(ctx, id)
		if err != nil {
			return status, fmt.Errorf("failed to read status of %s: %w", id.Name, err)
		}
		if status != executor.Running && status != executor.Retrying {
			return status, nil
		}
		if time.Now().After(deadline) {
			return status, fmt.Errorf("worker %s is still %s", id.Name, status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *Harness) recoveries() (map[string]int, error) {
	families, err := h.metrics.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}
	out := make(map[string]int)
	for _, mf := range families {
		if mf.GetName() != recoveriesMetric {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" {
					out[l.GetValue()] = int(m.GetCounter().GetValue())
				}
			}
		}
	}
	return out, nil
}
