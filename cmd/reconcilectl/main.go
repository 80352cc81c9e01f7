package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"propdesk/config"
	"propdesk/internal/database"
	"propdesk/internal/service"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "reconcilectl",
		Short:         "Operator tools for mobile money reconciliation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(sweepCmd(), replayCmd(), exportReviewCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup wires services without live notifications; notifications are still stored and pushed.
func setup(ctx context.Context) (*service.Services, func(), error) {
	cfg := config.Load()
	logger := config.NewLogger(&cfg.Log)
	db, err := database.NewDB(&cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("database: %w", err)
	}
	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	events, err := service.NewEventPublisher(ctx, cfg.Events)
	if err != nil {
		return nil, nil, fmt.Errorf("events: %w", err)
	}
	svc := service.NewServices(cfg, db, service.Infra{Redis: rdb, Events: events}, logger)
	cleanup := func() {
		_ = events.Close()
		if rdb != nil {
			_ = rdb.Close()
		}
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return svc, cleanup, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Resolve stale initiated and pending transactions once",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			rep, err := svc.Sweeper.Run(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, rep)
		},
	}
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <callback-event-id>",
		Short: "Re-run a stored callback that was not applied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			res, err := svc.Receiver.ReplayCallback(cmd.Context(), args[0])
			if res != nil {
				if perr := printJSON(cmd, res); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func exportReviewCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export-review",
		Short: "Write flagged transactions and unmatched callbacks to an xlsx file",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := svc.Review.ExportReview(cmd.Context(), f); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "payment-review.xlsx", "output file")
	return cmd
}
