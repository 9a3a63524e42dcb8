package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/golemexec/internal/backend"
	"github.com/roach88/golemexec/internal/executor"
	"github.com/roach88/golemexec/internal/oplog"
	"github.com/roach88/golemexec/internal/retry"
)

// StatusCompacted marks a worker whose Create entry was dropped by compact;
// its state can no longer be derived.
const StatusCompacted = "compacted"

// WorkerSummary describes one stored worker.
type WorkerSummary struct {
	Worker           string `json:"worker"`
	Status           string `json:"status"`
	ComponentVersion uint64 `json:"component_version,omitempty"`
	FirstIndex       uint64 `json:"first_index"`
	LastIndex        uint64 `json:"last_index"`
	Entries          uint64 `json:"entries"`
	Invocations      int    `json:"invocations"`
	Pending          int    `json:"pending_invocations"`
	MemorySize       uint64 `json:"memory_size"`
	LastError        string `json:"last_error,omitempty"`
}

// NewWorkersCommand creates the workers command.
func NewWorkersCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "workers [WORKER...]",
		Short: "List stored workers and their derived state",
		Long: `List workers with a stored oplog.

The status, component version, and counters are derived from the oplog
the same way the executor derives them when it loads a worker.

Examples:
  golem-oplog workers --config golem.yaml
  golem-oplog workers --config golem.yaml --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkers(rootOpts, cmd, args)
		},
	}
}

func runWorkers(opts *RootOptions, cmd *cobra.Command, args []string) error {
	b, err := opts.openBackend(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	workers, err := workerArgs(cmd, b, args)
	if err != nil {
		return err
	}
	policy, err := opts.Config.Policy()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid retry policy", err)
	}

	summaries := make([]WorkerSummary, 0, len(workers))
	for _, w := range workers {
		s, err := summarize(cmd.Context(), b, w, policy)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to read worker %s", w), err)
		}
		summaries = append(summaries, *s)
	}

	out := opts.output(cmd)
	if out.JSON() {
		return out.WriteJSON(summaries)
	}
	if len(summaries) == 0 {
		out.Printf("No workers found\n")
		return nil
	}
	rows := make([][]string, 0, len(summaries))
	for _, s := range summaries {
		version := "-"
		if s.Status != StatusCompacted {
			version = strconv.FormatUint(s.ComponentVersion, 10)
		}
		rows = append(rows, []string{
			s.Worker,
			s.Status,
			version,
			fmt.Sprintf("%d..%d", s.FirstIndex, s.LastIndex),
			strconv.Itoa(s.Invocations),
			strconv.Itoa(s.Pending),
			humanize.IBytes(s.MemorySize),
		})
	}
	return out.WriteTable([]string{"WORKER", "STATUS", "VERSION", "ENTRIES", "INVOCATIONS", "PENDING", "MEMORY"}, rows)
}

func summarize(ctx context.Context, b *backend.Backend, w oplog.WorkerID, policy retry.Config) (*WorkerSummary, error) {
	log, err := b.OpenOplog(ctx, w)
	if err != nil {
		return nil, err
	}
	s := &WorkerSummary{
		Worker:     w.String(),
		FirstIndex: uint64(log.FirstIndex()),
		LastIndex:  uint64(log.LastCommitted()),
		Entries:    log.Length(),
	}
	records, err := log.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	state, err := executor.CalculateState(records, policy)
	if errors.Is(err, executor.ErrNoCreate) && log.FirstIndex() > oplog.Initial {
		s.Status = StatusCompacted
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	s.Status = state.Status.String()
	s.ComponentVersion = uint64(state.ComponentVersion)
	s.Invocations = state.Invocations
	s.Pending = len(state.Pending)
	s.MemorySize = state.MemorySize
	if state.LastError != nil {
		s.LastError = state.LastError.String()
	}
	return s, nil
}
