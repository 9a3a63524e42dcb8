package harness

import "github.com/roach88/golemexec/internal/ir"

// TraceEvent is one step of a scenario run: an invocation answered by a
// worker, or a crash applied to all workers.
type TraceEvent struct {
	Step   string     `json:"step"`
	Worker string     `json:"worker,omitempty"`
	Result ir.IRValue `json:"result,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// WorkerOutcome is a worker's state at the end of a run.
type WorkerOutcome struct {
	Worker   string `json:"worker"`
	Status   string `json:"status"`
	Injected int    `json:"injected"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass indicates overall success: every expectation held.
	Pass bool `json:"pass"`

	// Trace lists the steps in scenario order. Concurrent writes appear in
	// worker order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failed expectations. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Rows is the number of rows left in the ledger table.
	Rows int64 `json:"rows"`

	Workers []WorkerOutcome `json:"workers"`

	// Recoveries counts transaction recovery outcomes.
	Recoveries map[string]int `json:"recoveries,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:       true,
		Trace:      []TraceEvent{},
		Errors:     []string{},
		Recoveries: make(map[string]int),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step to the trace.
func (r *Result) AddTrace(step, worker string, result ir.IRValue, err error) {
	ev := TraceEvent{Step: step, Worker: worker, Result: result}
	if err != nil {
		ev.Error = err.Error()
	}
	r.Trace = append(r.Trace, ev)
}

// Events returns the trace events of step, in order.
func (r *Result) Events(step string) []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Step == step {
			out = append(out, ev)
		}
	}
	return out
}
