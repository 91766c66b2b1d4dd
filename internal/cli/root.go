// Package cli implements logenctl, the operator command line for the Logen
// database, site directories and tokens.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/logen-app/logen/internal/app"
	"github.com/logen-app/logen/internal/config"
)

// ConfigLoader returns the configuration commands run against.
type ConfigLoader func() (*config.Config, error)

type rootOptions struct {
	load    ConfigLoader
	verbose bool
}

// NewRootCommand creates the logenctl root command.
func NewRootCommand(load ConfigLoader) *cobra.Command {
	opts := &rootOptions{load: load}

	root := &cobra.Command{
		Use:           "logenctl",
		Short:         "Operate the Logen wizard service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(newQueueCommand(opts))
	root.AddCommand(newSitesCommand(opts))
	root.AddCommand(newTokenCommand(opts))
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute(load ConfigLoader) {
	if err := NewRootCommand(load).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// withApp loads configuration, wires the services and runs fn.
func (o *rootOptions) withApp(ctx context.Context, fn func(*app.App) error) error {
	cfg, err := o.load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			slog.Warn("Failed to close services", "error", closeErr)
		}
	}()
	return fn(a)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
