package harness

import (
	"fmt"
	"sort"
	"strings"
)

// AssertionError is a failed expectation with enough context to debug it.
type AssertionError struct {
	Type     string       // expectation that failed
	Expected string       // human-readable expected outcome
	Actual   string       // human-readable actual outcome
	Trace    []TraceEvent // full trace for context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for i, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s", i+1, ev.Step)
		if ev.Worker != "" {
			fmt.Fprintf(&buf, " %s", ev.Worker)
		}
		switch {
		case ev.Error != "":
			fmt.Fprintf(&buf, " error=%q", ev.Error)
		case ev.Result != nil:
			fmt.Fprintf(&buf, " -> %v", ev.Result)
		}
		buf.WriteByte('\n')
	}
	return buf.String()
}

// EvaluateExpectations checks the scenario's expectations against result
// and records every failure in it.
func EvaluateExpectations(s *Scenario, result *Result) {
	for _, err := range checkExpectations(s, result) {
		result.AddError(err.Error())
	}
}

func checkExpectations(s *Scenario, result *Result) []error {
	e := s.Expect
	var errs []error
	fail := func(typ, expected, actual string) {
		errs = append(errs, &AssertionError{Type: typ, Expected: expected, Actual: actual, Trace: result.Trace})
	}

	if e.Rows != nil && result.Rows != *e.Rows {
		fail("rows", fmt.Sprintf("%d rows in the ledger", *e.Rows), fmt.Sprintf("%d rows", result.Rows))
	}

	for _, w := range result.Workers {
		if e.Status != "" && w.Status != e.Status {
			fail("status", fmt.Sprintf("worker %s is %s", w.Worker, e.Status), w.Status)
		}
		if e.Injected != nil && w.Injected != *e.Injected {
			fail("injected", fmt.Sprintf("%d faults injected into worker %s", *e.Injected, w.Worker),
				fmt.Sprintf("%d", w.Injected))
		}
	}

	outcomes := make([]string, 0, len(e.Recoveries))
	for outcome := range e.Recoveries {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)
	for _, outcome := range outcomes {
		if got, want := result.Recoveries[outcome], e.Recoveries[outcome]; got < want {
			fail("recoveries", fmt.Sprintf("at least %d %s recoveries", want, outcome), fmt.Sprintf("%d", got))
		}
	}

	for _, ev := range result.Events("write") {
		switch {
		case e.Error == "" && ev.Error != "":
			fail("write", fmt.Sprintf("worker %s writes its rows", ev.Worker), ev.Error)
		case e.Error != "" && ev.Error == "":
			fail("write", fmt.Sprintf("worker %s fails with %q", ev.Worker, e.Error), "write succeeded")
		case e.Error != "" && !strings.Contains(ev.Error, e.Error):
			fail("write", fmt.Sprintf("worker %s fails with %q", ev.Worker, e.Error), ev.Error)
		}
	}

	return errs
}
