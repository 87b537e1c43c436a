// Command watch polls a running tracker and prints aggregate statistics as
// they change. With -tracked it also resolves one tracking id and reports
// whether that email has been clicked.
//
//	watch -api http://localhost:5000 -interval 5s -tracked 3f6c...
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nyashahama/click-tracker-backend/internal/client"
	"github.com/nyashahama/click-tracker-backend/internal/tracking"
	"github.com/nyashahama/click-tracker-backend/internal/worker"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(os.Args[1:], logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api", "http://localhost:5000", "tracker base URL")
	interval := fs.Duration("interval", 5*time.Second, "refresh interval")
	trackedID := fs.String("tracked", "", "tracking id to resolve once at startup")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(*apiURL, nil)

	var last tracking.AggregateStats
	observer := worker.NewObserver(c, c,
		worker.ObserverConfig{Interval: *interval},
		worker.Sinks{
			OnStats: func(s tracking.AggregateStats) {
				if s == last {
					return
				}
				last = s
				fmt.Printf("%s  total=%d clicked=%d rate=%.1f%%\n",
					time.Now().Format(time.TimeOnly), s.Total, s.ClickedCount, s.ClickRate*100)
			},
			OnTracked: func(rec tracking.EmailRecord) {
				status := "not clicked"
				if rec.Clicked && rec.ClickedAt != nil {
					status = "clicked at " + rec.ClickedAt.Format(time.RFC3339)
				}
				fmt.Printf("%s  %s (%s): %s\n", rec.ID, rec.Recipient, rec.Subject, status)
			},
			OnError: func(err error) {
				logger.Warn("refresh failed", "api", *apiURL, "error", err)
			},
		},
		logger,
	)

	if err := observer.Start(ctx); err != nil {
		return err
	}
	defer observer.Stop()

	if *trackedID != "" {
		_, err := observer.Resolve(ctx, *trackedID)
		if errors.Is(err, tracking.ErrNotFound) {
			fmt.Printf("%s  unknown tracking id\n", *trackedID)
		}
	}

	<-ctx.Done()
	return nil
}
