package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/golemexec/internal/ir"
)

// Snapshot is the deterministic part of a result: the answers workers gave
// and the final state. Errors are left out; they carry transaction ids.
func Snapshot(name string, result *Result) ir.IRObject {
	trace := make(ir.IRArray, 0, len(result.Trace))
	for _, ev := range result.Trace {
		step := ir.Object(ir.O("step", ir.IRString(ev.Step)))
		if ev.Worker != "" {
			step["worker"] = ir.IRString(ev.Worker)
		}
		if ev.Result != nil {
			step["result"] = ev.Result
		}
		if ev.Error != "" {
			step["failed"] = ir.IRBool(true)
		}
		trace = append(trace, step)
	}
	workers := make(ir.IRArray, 0, len(result.Workers))
	for _, w := range result.Workers {
		workers = append(workers, ir.Object(
			ir.O("worker", ir.IRString(w.Worker)),
			ir.O("status", ir.IRString(w.Status)),
			ir.O("injected", ir.IRInt(w.Injected)),
		))
	}
	return ir.Object(
		ir.O("scenario", ir.IRString(name)),
		ir.O("rows", ir.IRInt(result.Rows)),
		ir.O("trace", trace),
		ir.O("workers", workers),
	)
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario, opts Options) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario, opts)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an already computed result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := ir.MarshalCanonical(Snapshot(name, result))
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
