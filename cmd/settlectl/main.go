// Command settlectl runs settlement batches and the adjustment workflow
// from the command line, for schedulers and operators.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/atmx/pv-engine/internal/app"
	"github.com/atmx/pv-engine/internal/config"
	"github.com/atmx/pv-engine/internal/logging"
)

var Version = "dev"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "settlectl",
		Short:         "Run PV engine settlement batches and adjustments",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)

	rootCmd.AddCommand(weeklyCmd())
	rootCmd.AddCommand(quarterlyCmd())
	rootCmd.AddCommand(releaseCmd())
	rootCmd.AddCommand(adjustCmd())
	rootCmd.AddCommand(settingsCmd())

	return rootCmd
}

// buildApp is replaced in tests.
var buildApp = func(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	logging.Setup(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return app.Build(ctx, cfg, nil)
}

// withApp wires the services and runs fn with a context cancelled on
// SIGINT/SIGTERM.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
