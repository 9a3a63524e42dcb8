package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/golemexec/internal/backend"
	"github.com/roach88/golemexec/internal/oplog"
	"github.com/roach88/golemexec/internal/publicoplog"
)

const verifyPage = 256

// VerifyReport is the outcome of checking one worker's oplog.
type VerifyReport struct {
	Worker   string   `json:"worker"`
	First    uint64   `json:"first_index"`
	Last     uint64   `json:"last_index"`
	Entries  int      `json:"entries"`
	Payloads int      `json:"external_payloads"`
	Warnings []string `json:"warnings,omitempty"`
	Problems []string `json:"problems,omitempty"`
}

// OK reports whether no problems were found.
func (r *VerifyReport) OK() bool { return len(r.Problems) == 0 }

func (r *VerifyReport) problem(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [WORKER...]",
		Short: "Check oplog integrity",
		Long: `Check the integrity of worker oplogs.

For every worker (or the given ones) verify checks that:
- stored indexes are contiguous from the first retained index to the last
- every entry decodes
- a log that was never compacted starts with a Create entry
- every external payload exists and matches its recorded hash

Entries of unknown kinds are reported as warnings.
Exits with status 1 when any problem is found.

Examples:
  golem-oplog verify --config golem.yaml
  golem-oplog verify 9f3c.../w1 --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(rootOpts, cmd, args)
		},
	}
}

func runVerify(opts *RootOptions, cmd *cobra.Command, args []string) error {
	b, err := opts.openBackend(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	workers, err := workerArgs(cmd, b, args)
	if err != nil {
		return err
	}

	reports := make([]*VerifyReport, 0, len(workers))
	failed := 0
	for _, w := range workers {
		r, err := verifyWorker(cmd.Context(), b, w)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to verify worker %s", w), err)
		}
		if !r.OK() {
			failed++
			opts.Logger.Warn("oplog verification failed", "worker", r.Worker, "problems", len(r.Problems))
		}
		reports = append(reports, r)
	}

	out := opts.output(cmd)
	if out.JSON() {
		if err := out.WriteJSON(reports); err != nil {
			return err
		}
	} else {
		for _, r := range reports {
			status := "ok"
			if !r.OK() {
				status = "FAILED"
			}
			out.Printf("%s %s (%d entries, %d external payloads)\n", status, r.Worker, r.Entries, r.Payloads)
			for _, p := range r.Problems {
				out.Printf("  problem: %s\n", p)
			}
			for _, w := range r.Warnings {
				out.Printf("  warning: %s\n", w)
			}
		}
		out.Printf("%d workers checked, %d failed\n", len(reports), failed)
	}

	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d oplogs failed verification", failed, len(reports)))
	}
	return nil
}

// verifyWorker reads the stored records directly so that gaps and
// undecodable entries are reported instead of aborting the read.
func verifyWorker(ctx context.Context, b *backend.Backend, w oplog.WorkerID) (*VerifyReport, error) {
	first, last, err := b.Storage.Bounds(ctx, w)
	if err != nil {
		return nil, err
	}
	r := &VerifyReport{Worker: w.String(), First: uint64(first), Last: uint64(last)}
	if first == oplog.None {
		r.Warnings = append(r.Warnings, "oplog is empty")
		return r, nil
	}
	log, err := b.OpenOplog(ctx, w)
	if err != nil {
		return nil, err
	}

	expected := first
	for expected <= last {
		page, err := b.Storage.Read(ctx, w, expected, verifyPage)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			r.problem("entries %d..%d are missing", expected, last)
			break
		}
		for _, raw := range page {
			if raw.Index != expected {
				r.problem("expected index %d, found %d", expected, raw.Index)
			}
			expected = raw.Index.Next()
			r.Entries++
			checkEntry(ctx, r, log, raw)
		}
	}
	return r, nil
}

func checkEntry(ctx context.Context, r *VerifyReport, log *oplog.Oplog, raw oplog.RawRecord) {
	entry, err := oplog.Decode(raw.Data)
	if err != nil {
		r.problem("entry %d does not decode: %v", raw.Index, err)
		return
	}
	if raw.Index == oplog.Initial && entry.Kind() != oplog.KindCreate {
		r.problem("entry 1 is %s, not Create", entry.Kind())
	}
	if u, ok := entry.(*oplog.Unknown); ok {
		r.Warnings = append(r.Warnings, fmt.Sprintf("entry %d has unknown kind tag %d (version %d)", raw.Index, u.Tag, u.Version))
		return
	}

	for _, p := range oplog.EntryPayloads(entry) {
		if p.IsExternal() {
			r.Payloads++
		}
	}
	if _, err := publicoplog.Project(ctx, log, oplog.Record{Index: raw.Index, Entry: entry}); err != nil {
		var corrupted *oplog.PayloadCorruptedError
		switch {
		case errors.As(err, &corrupted):
			r.problem("entry %d: %v", raw.Index, corrupted)
		case errors.Is(err, oplog.ErrPayloadNotFound):
			r.problem("entry %d: external payload is missing", raw.Index)
		default:
			r.problem("entry %d: %v", raw.Index, err)
		}
	}
}
