package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/roach88/golemexec/internal/executor"
	"github.com/roach88/golemexec/internal/oplog"
	"github.com/roach88/golemexec/internal/rdbms"
)

// Scenario is one durable transaction scenario. Every worker writes its
// rows in one transaction; the scenario then optionally crashes the
// workers, deletes rows under a fixed idempotency key, and finally counts
// the rows each worker sees.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Workers is the number of workers writing concurrently.
	Workers int `yaml:"workers"`

	// RowsPerWorker is the number of rows each worker inserts.
	RowsPerWorker int `yaml:"rows_per_worker"`

	// End is how the transaction ends: commit, rollback or none (the
	// transaction is dropped, which rolls it back).
	End string `yaml:"end"`

	// Policy is the transaction recovery policy: retry (default) or
	// fail-safe.
	Policy string `yaml:"policy,omitempty"`

	// FailOn makes the first adds of one transaction marker fail on every
	// worker.
	FailOn *Fault `yaml:"fail_on,omitempty"`

	// StatusNotFound makes the next n transaction status lookups report
	// that the database no longer knows the transaction.
	StatusNotFound int `yaml:"status_not_found,omitempty"`

	// Crash is applied to every worker after the writes: simulate (drop
	// in-memory state and replay), interrupt, or restart (interrupt, then
	// replace the executor and recover all workers).
	Crash string `yaml:"crash,omitempty"`

	// Delete runs a delete under one idempotency key per worker.
	Delete *DeleteStep `yaml:"delete,omitempty"`

	// Expect is checked against the final state.
	Expect Expectations `yaml:"expect"`
}

// Fault selects an oplog entry kind and how many of its adds fail.
type Fault struct {
	Entry string `yaml:"entry"`
	Count int    `yaml:"count"`
}

// DeleteStep deletes a worker's first Rows rows. The invocation is sent
// Repeat times with the same idempotency key; every answer must match the
// first.
type DeleteStep struct {
	Rows   int `yaml:"rows"`
	Repeat int `yaml:"repeat"`
}

// Expectations describe the final state of a scenario.
type Expectations struct {
	// Rows is the number of rows left in the ledger table.
	Rows *int64 `yaml:"rows"`

	// Status is the final status of every worker.
	Status string `yaml:"status,omitempty"`

	// Injected is how many faults each worker hit.
	Injected *int `yaml:"injected,omitempty"`

	// Recoveries are minimum counts of transaction recovery outcomes.
	Recoveries map[string]int `yaml:"recoveries,omitempty"`

	// Error is a substring of the error every write must fail with.
	Error string `yaml:"error,omitempty"`
}

// Transaction endings.
const (
	EndCommit   = "commit"
	EndRollback = "rollback"
	EndNone     = "none"
)

// Crash modes.
const (
	CrashNone      = "none"
	CrashSimulate  = "simulate"
	CrashInterrupt = "interrupt"
	CrashRestart   = "restart"
)

var statusNames = func() map[string]bool {
	names := make(map[string]bool)
	for _, s := range []executor.Status{
		executor.Idle, executor.Running, executor.Suspended, executor.Interrupted,
		executor.Retrying, executor.Failed, executor.Exited,
	} {
		names[s.String()] = true
	}
	return names
}()

var recoveryOutcomes = map[string]bool{
	rdbms.OutcomeReplayed:  true,
	rdbms.OutcomeCommitted: true,
	rdbms.OutcomeRetried:   true,
	rdbms.OutcomeFailed:    true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is invalid.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := scenario.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every *.yaml file in dir, sorted by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	scenarios := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// Validate checks that required fields are present and valid.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if s.RowsPerWorker < 1 {
		return fmt.Errorf("rows_per_worker must be at least 1")
	}

	switch s.End {
	case EndCommit, EndRollback, EndNone:
	case "":
		return fmt.Errorf("end is required")
	default:
		return fmt.Errorf("end must be commit, rollback or none, got %q", s.End)
	}

	if _, err := rdbms.ParseRecoveryPolicy(s.Policy); err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	if s.FailOn != nil {
		if _, err := s.FailOn.kind(); err != nil {
			return fmt.Errorf("fail_on: %w", err)
		}
		if s.FailOn.Count < 1 {
			return fmt.Errorf("fail_on: count must be at least 1")
		}
	}
	if s.StatusNotFound < 0 {
		return fmt.Errorf("status_not_found must not be negative")
	}

	switch s.Crash {
	case "", CrashNone, CrashSimulate, CrashInterrupt, CrashRestart:
	default:
		return fmt.Errorf("crash must be none, simulate, interrupt or restart, got %q", s.Crash)
	}

	if s.Delete != nil {
		if s.End != EndCommit {
			return fmt.Errorf("delete: requires end: commit")
		}
		if s.Delete.Rows < 1 {
			return fmt.Errorf("delete: rows must be at least 1")
		}
		if s.Delete.Repeat < 1 {
			return fmt.Errorf("delete: repeat must be at least 1")
		}
	}

	return s.Expect.validate()
}

func (e *Expectations) validate() error {
	if e.Rows == nil {
		return fmt.Errorf("expect: rows is required")
	}
	if e.Status != "" && !statusNames[e.Status] {
		return fmt.Errorf("expect: unknown status %q", e.Status)
	}
	for outcome, n := range e.Recoveries {
		if !recoveryOutcomes[outcome] {
			return fmt.Errorf("expect: unknown recovery outcome %q", outcome)
		}
		if n < 0 {
			return fmt.Errorf("expect: recoveries[%s] must not be negative", outcome)
		}
	}
	return nil
}

func (f *Fault) kind() (oplog.Kind, error) {
	if f.Entry == "" {
		return 0, fmt.Errorf("entry is required")
	}
	kind, ok := oplog.ParseKind(f.Entry)
	if !ok {
		return 0, fmt.Errorf("unknown entry kind %q", f.Entry)
	}
	if !kind.IsRemoteTransactionMarker() {
		return 0, fmt.Errorf("%s is not a transaction marker", f.Entry)
	}
	return kind, nil
}
