package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/golemexec/internal/oplog"
	"github.com/roach88/golemexec/internal/publicoplog"
)

// DumpOptions holds flags for the dump command.
type DumpOptions struct {
	*RootOptions
	From  uint64
	Limit int
}

// NewDumpCommand creates the dump command.
func NewDumpCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DumpOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dump WORKER",
		Short: "Print a worker's oplog",
		Long: `Print a worker's oplog in its public form.

Payloads are decoded into typed values; external payloads are downloaded
and their hashes checked.

Examples:
  golem-oplog dump 9f3c.../shopping-cart-1 --config golem.yaml
  golem-oplog dump 9f3c.../shopping-cart-1 --from 120 --limit 20
  golem-oplog dump 9f3c.../shopping-cart-1 --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(opts, cmd, args[0])
		},
	}

	cmd.Flags().Uint64Var(&opts.From, "from", 1, "first oplog index to print")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "maximum number of entries (0 prints all)")

	return cmd
}

func runDump(opts *DumpOptions, cmd *cobra.Command, arg string) error {
	w, err := parseWorker(arg)
	if err != nil {
		return err
	}
	b, err := opts.openBackend(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	log, err := b.OpenOplog(cmd.Context(), w)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open oplog", err)
	}

	var entries []publicoplog.Entry
	after := oplog.Index(opts.From).Prev()
	err = publicoplog.Walk(cmd.Context(), log, after, func(e publicoplog.Entry) (bool, error) {
		entries = append(entries, e)
		return opts.Limit <= 0 || len(entries) < opts.Limit, nil
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read oplog", err)
	}

	out := opts.output(cmd)
	if out.JSON() {
		return publicoplog.WriteJSON(out.Writer, entries)
	}
	if len(entries) == 0 {
		out.Printf("No entries found for worker: %s\n", w)
		return nil
	}
	return publicoplog.WriteText(out.Writer, entries)
}
