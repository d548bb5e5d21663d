package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/atmx/pv-engine/internal/app"
	"github.com/atmx/pv-engine/internal/model"
)

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or replace the live bonus settings",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective bonus settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				cfg, err := a.Settings.Current(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, cfg)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set [file]",
		Short: "Save a bonus settings JSON document (- reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readSettings(cmd, args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Settings.Save(ctx, cfg); err != nil {
					return err
				}
				saved, err := a.Settings.Current(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, saved)
			})
		},
	})
	return cmd
}

func readSettings(cmd *cobra.Command, path string) (model.BonusConfig, error) {
	var cfg model.BonusConfig

	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	}

	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode settings: %w", err)
	}
	return cfg, nil
}
