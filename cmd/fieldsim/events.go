// README: Tails visit events published by proptrack-api on Redis.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"proptrack/internal/infra"
	"proptrack/internal/modules/visit"
)

func newEventsCmd() *cobra.Command {
	var addr string
	var count int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print visit events from the Redis channel",
		Long: `Print visit events from the Redis channel until interrupted.

Examples:
  fieldsim events --redis localhost:6379
  fieldsim events -n 2   # exit after a check-in and check-out`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rdb, err := infra.NewRedis(ctx, addr)
			if err != nil {
				return err
			}
			defer rdb.Close()
			return tailEvents(ctx, visit.NewRedisEventSink(rdb), count, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&addr, "redis", envOrDefault("PROPTRACK_REDIS_ADDR", "localhost:6379"), "Redis address")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "exit after this many events (0 = never)")
	return cmd
}

type eventSource interface {
	Subscribe(ctx context.Context, fn func(visit.Event)) error
}

func tailEvents(ctx context.Context, src eventSource, count int, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	seen := make(chan struct{}, 1)
	n := 0
	err := src.Subscribe(ctx, func(e visit.Event) {
		fmt.Fprintf(out, "%s %-12s agent=%s property=%s visit=%s type=%s\n",
			e.At.Format(time.RFC3339), e.Kind, e.AgentID, e.PropertyID, e.VisitID, e.VisitType)
		n++
		if count > 0 && n >= count {
			select {
			case seen <- struct{}{}:
			default:
			}
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", visit.EventsChannel, err)
	}

	select {
	case <-ctx.Done():
	case <-seen:
	}
	return nil
}
