// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

// Command buffermon inspects and maintains a bridge buffer database.
//
// Exit codes: 0 success, 1 usage or runtime failure, 2 store unavailable,
// 3 store corruption.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/puente-io/puente/internal/bridge"
	"github.com/puente-io/puente/internal/buffer"
	"github.com/puente-io/puente/internal/config"
	"github.com/puente-io/puente/internal/logging"
	"github.com/puente-io/puente/internal/store"
)

const (
	exitOK = iota
	exitFailure
	exitStore
	exitIntegrity
)

var dbPath string

func main() {
	logging.Init(logging.Config{Level: "warn", Format: "console"})

	root := &cobra.Command{
		Use:           "buffermon",
		Short:         "Inspect and maintain a puente buffer database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "buffer.db", "path to the buffer database")

	root.AddCommand(
		statsCmd(),
		monitorCmd(),
		pendingCmd(),
		failedCmd(),
		cleanupCmd(),
		resetCmd(),
		exportCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "buffermon: %v\n", err)
		switch {
		case errors.Is(err, bridge.ErrIntegrity):
			os.Exit(exitIntegrity)
		case errors.Is(err, bridge.ErrStoreUnavailable):
			os.Exit(exitStore)
		default:
			os.Exit(exitFailure)
		}
	}
}

var errUsage = errors.New("usage")

func openStore(ctx context.Context) (*store.Store, error) {
	s, err := store.OpenShared(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.IntegrityCheck(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func withStore(fn func(ctx context.Context, s *store.Store) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(ctx, s)
	}
}

func bufferStats(ctx context.Context, s *store.Store) (*buffer.Stats, error) {
	// A default BufferConfig suffices: Stats only reads.
	return buffer.New(s, config.BufferConfig{}).Stats(ctx)
}

func printStats(st *buffer.Stats) {
	fmt.Printf("pending:     %d\n", st.Pending)
	fmt.Printf("processing:  %d\n", st.Processing)
	fmt.Printf("completed:   %d\n", st.Completed)
	fmt.Printf("failed:      %d\n", st.Failed)
	fmt.Printf("expired:     %d\n", st.Expired)
	fmt.Printf("archived:    %d\n", st.Archived)
	fmt.Printf("throughput:  %.1f msg/min\n", st.PerMinute)
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print current buffer statistics",
		RunE: withStore(func(ctx context.Context, s *store.Store) error {
			st, err := bufferStats(ctx, s)
			if err != nil {
				return err
			}
			printStats(st)
			return nil
		}),
	}
}

func monitorCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Continuously print buffer statistics",
		RunE: withStore(func(ctx context.Context, s *store.Store) error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				st, err := bufferStats(ctx, s)
				if err != nil {
					return err
				}
				fmt.Printf("%s  pending=%d processing=%d completed=%d failed=%d expired=%d  %.1f msg/min\n",
					time.Now().Format("15:04:05"),
					st.Pending, st.Processing, st.Completed, st.Failed, st.Expired, st.PerMinute)
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		}),
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "refresh interval")
	return cmd
}

func pendingCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List pending messages in claim order",
		RunE: withStore(func(ctx context.Context, s *store.Store) error {
			msgs, err := s.ListPending(ctx, limit)
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				fmt.Println("no pending messages")
				return nil
			}
			for _, m := range msgs {
				fmt.Printf("%-6d %-8s %-5s -> %-5s %-40s retries=%d age=%s\n",
					m.ID, m.Priority, m.Source, m.Destination, m.TopicOrNode,
					m.RetryCount, time.Since(m.CreatedAt).Round(time.Second))
			}
			return nil
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows to list")
	return cmd
}

func failedCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List archived failures, most recent first",
		RunE: withStore(func(ctx context.Context, s *store.Store) error {
			rows, err := s.ListFailed(ctx, limit)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Println("no archived failures")
				return nil
			}
			for _, fm := range rows {
				fmt.Printf("%-6d %-5s -> %-5s %-40s retries=%d %s  %s\n",
					fm.OriginalID, fm.Source, fm.Destination, fm.TopicOrNode,
					fm.RetryCount, fm.FailedAt.Format(time.RFC3339), fm.ErrorMessage)
			}
			return nil
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows to list")
	return cmd
}

func cleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove completed, expired and archived rows older than the retention window",
		RunE: withStore(func(ctx context.Context, s *store.Store) error {
			if days < 1 {
				return fmt.Errorf("%w: --days must be >= 1", errUsage)
			}
			cutoff := time.Now().UTC().AddDate(0, 0, -days)
			completed, err := s.Cleanup(ctx, cutoff)
			if err != nil {
				return err
			}
			expired, err := s.PruneExpired(ctx, cutoff)
			if err != nil {
				return err
			}
			archived, err := s.PruneArchive(ctx, cutoff)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d completed, %d expired, %d archived rows older than %d days\n",
				completed, expired, archived, days)
			return nil
		}),
	}
	cmd.Flags().IntVar(&days, "days", 7, "retention window in days")
	return cmd
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Return processing messages to pending",
		Long: `Return every processing message to pending, clearing worker leases.
Retry counts and last_error values are preserved. Use after an unclean
shutdown when the bridge is stopped.`,
		RunE: withStore(func(ctx context.Context, s *store.Store) error {
			n, err := s.ResetProcessing(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("reset %d messages to pending\n", n)
			return nil
		}),
	}
}

func exportCmd() *cobra.Command {
	var output string
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export hourly metric aggregates as JSON",
		RunE: withStore(func(ctx context.Context, s *store.Store) error {
			aggs, err := s.HourlyAggregates(ctx, time.Now().UTC().Add(-since))
			if err != nil {
				return err
			}
			top, err := s.TopTopics(ctx, 20)
			if err != nil {
				return err
			}
			doc := struct {
				GeneratedAt time.Time           `json:"generated_at"`
				Window      string              `json:"window"`
				Hourly      []store.HourlyMetric `json:"hourly"`
				TopTopics   []store.TopicCount  `json:"top_topics"`
			}{
				GeneratedAt: time.Now().UTC(),
				Window:      since.String(),
				Hourly:      aggs,
				TopTopics:   top,
			}

			data, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				fmt.Println(string(data))
				return nil
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", output)
			return nil
		}),
	}
	cmd.Flags().StringVar(&output, "output", "-", "output file, - for stdout")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "aggregate window")
	return cmd
}
