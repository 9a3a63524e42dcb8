package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/golemexec/internal/publicoplog"
)

// SearchOptions holds flags for the search command.
type SearchOptions struct {
	*RootOptions
	Workers []string
	Limit   int
}

// SearchResult holds the matches in one worker's oplog.
type SearchResult struct {
	Worker  string              `json:"worker"`
	Entries []publicoplog.Entry `json:"entries"`
}

// NewSearchCommand creates the search command.
func NewSearchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SearchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Find oplog entries matching a query",
		Long: `Find oplog entries matching a query.

A query is a list of terms, all of which must match. A term is a word,
a "quoted phrase", or a /regular expression/, optionally scoped to a
field with field:term. Terms combine with AND, OR, NOT (or a leading -)
and parentheses.

Fields: ` + strings.Join(publicoplog.SearchFields, ", ") + `

Examples:
  golem-oplog search 'kind:Error' --config golem.yaml
  golem-oplog search 'function:add AND NOT key:retry' --worker 9f3c.../w1
  golem-oplog search 'kind:/Remote(Write|Transaction)/' --limit 10`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringSliceVarP(&opts.Workers, "worker", "w", nil, "worker to search (repeatable; default all)")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "maximum matches per worker (0 returns all)")

	return cmd
}

func runSearch(opts *SearchOptions, cmd *cobra.Command, query string) error {
	q, err := publicoplog.ParseQuery(query)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid query", err)
	}
	b, err := opts.openBackend(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	workers, err := workerArgs(cmd, b, opts.Workers)
	if err != nil {
		return err
	}

	results := make([]SearchResult, 0, len(workers))
	for _, w := range workers {
		log, err := b.OpenOplog(cmd.Context(), w)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open oplog", err)
		}
		matches, err := publicoplog.Search(cmd.Context(), log, q, opts.Limit)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to search worker %s", w), err)
		}
		if len(matches) > 0 {
			results = append(results, SearchResult{Worker: w.String(), Entries: matches})
		}
	}

	out := opts.output(cmd)
	if out.JSON() {
		return out.WriteJSON(results)
	}
	if len(results) == 0 {
		out.Printf("No entries match %s\n", q)
		return nil
	}
	for i, r := range results {
		if i > 0 {
			out.Printf("\n")
		}
		out.Printf("%s\n", r.Worker)
		if err := publicoplog.WriteText(out.Writer, r.Entries); err != nil {
			return err
		}
	}
	return nil
}
