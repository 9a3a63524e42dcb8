package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/golemexec/internal/executor"
	"github.com/roach88/golemexec/internal/oplog"
)

// CompactOptions holds flags for the compact command.
type CompactOptions struct {
	*RootOptions
	Through uint64
	Force   bool
}

// CompactResult reports what compact removed.
type CompactResult struct {
	Worker     string `json:"worker"`
	Dropped    uint64 `json:"dropped"`
	FirstIndex uint64 `json:"first_index"`
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompactOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compact WORKER",
		Short: "Drop the oldest entries of a worker's oplog",
		Long: `Drop every oplog entry up to and including --through.

A worker is recovered by replaying its oplog from the first entry, so
compacting a worker that may run again would lose its state. compact
refuses unless the worker has exited; --force skips the check.

Examples:
  golem-oplog compact 9f3c.../w1 --through 1200 --config golem.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact(opts, cmd, args[0])
		},
	}

	cmd.Flags().Uint64Var(&opts.Through, "through", 0, "last oplog index to drop (required)")
	_ = cmd.MarkFlagRequired("through")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "compact even if the worker may run again")

	return cmd
}

func runCompact(opts *CompactOptions, cmd *cobra.Command, arg string) error {
	w, err := parseWorker(arg)
	if err != nil {
		return err
	}
	if opts.Through == 0 {
		return NewExitError(ExitCommandError, "--through must be at least 1")
	}
	b, err := opts.openBackend(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx := cmd.Context()
	log, err := b.OpenOplog(ctx, w)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open oplog", err)
	}
	if log.Length() == 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("worker %s has no oplog", w))
	}

	if !opts.Force {
		policy, err := opts.Config.Policy()
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid retry policy", err)
		}
		records, err := log.ReadAll(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read oplog", err)
		}
		state, err := executor.CalculateState(records, policy)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to derive worker state", err)
		}
		if state.Status != executor.Exited {
			return NewExitError(ExitCommandError, fmt.Sprintf("worker %s is %s; only exited workers can be compacted (use --force to override)", w, state.Status))
		}
	}

	dropped, err := log.DropPrefix(ctx, oplog.Index(opts.Through))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to compact oplog", err)
	}
	result := CompactResult{Worker: w.String(), Dropped: dropped, FirstIndex: uint64(log.FirstIndex())}

	out := opts.output(cmd)
	if out.JSON() {
		return out.WriteJSON(result)
	}
	out.Printf("Dropped %d entries of %s; oplog now starts at %d\n", result.Dropped, result.Worker, result.FirstIndex)
	return nil
}
