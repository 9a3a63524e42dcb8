package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/golemexec/internal/backend"
	"github.com/roach88/golemexec/internal/config"
	"github.com/roach88/golemexec/internal/oplog"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// Set by the root command before any subcommand runs.
	Config *config.Config
	Logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of the oplog tool.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "golem-oplog",
		Short: "Inspect and maintain worker oplogs",
		Long: `Inspect and maintain the oplogs of durable workers.

The storage to open is read from the configuration file (--config);
without one, an empty in-memory storage is used.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log at debug level")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "configuration file")

	cmd.AddCommand(NewWorkersCommand(opts))
	cmd.AddCommand(NewDumpCommand(opts))
	cmd.AddCommand(NewSearchCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewCompactCommand(opts))
	cmd.AddCommand(NewServeMetricsCommand(opts))

	return cmd
}

func (o *RootOptions) loadConfig(cmd *cobra.Command) error {
	cfg := config.Default()
	if o.ConfigPath != "" {
		loaded, err := config.LoadFile(o.ConfigPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load configuration", err)
		}
		cfg = loaded
	}
	if o.Verbose {
		cfg.Logging.Level = "debug"
	}
	o.Config = cfg
	// Logs go to stderr so --format json output stays parseable.
	o.Logger = cfg.Logger(cmd.ErrOrStderr())
	return nil
}

func (o *RootOptions) output(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// openBackend opens the configured stores. The caller closes the result.
func (o *RootOptions) openBackend(cmd *cobra.Command) (*backend.Backend, error) {
	b, err := backend.Open(cmd.Context(), o.Config, o.Logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open storage", err)
	}
	return b, nil
}

// workerArgs resolves worker ids given on the command line, or every
// stored worker when none are given.
func workerArgs(cmd *cobra.Command, b *backend.Backend, args []string) ([]oplog.WorkerID, error) {
	if len(args) == 0 {
		workers, err := b.Storage.Workers(cmd.Context())
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to list workers", err)
		}
		return workers, nil
	}
	out := make([]oplog.WorkerID, 0, len(args))
	for _, arg := range args {
		w, err := parseWorker(arg)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func parseWorker(arg string) (oplog.WorkerID, error) {
	w, err := oplog.ParseWorkerID(arg)
	if err != nil {
		return oplog.WorkerID{}, WrapExitError(ExitCommandError, "invalid worker", err)
	}
	return w, nil
}
