package session

import (
	"context"
	"log/slog"
	"time"
)

// SweepTask removes expired rows of one kind and reports how many went away.
type SweepTask struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

// StartSweeper runs every task once per interval until ctx is done.
func StartSweeper(ctx context.Context, interval time.Duration, tasks ...SweepTask) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", interval, "tasks", len(tasks))

		for {
			select {
			case <-ticker.C:
				Sweep(ctx, tasks...)
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep runs each task once. Failures are logged and do not stop later tasks.
func Sweep(ctx context.Context, tasks ...SweepTask) map[string]int64 {
	removed := make(map[string]int64, len(tasks))
	for _, task := range tasks {
		n, err := task.Run(ctx)
		if err != nil {
			slog.Error("Sweep task failed", "task", task.Name, "error", err)
			continue
		}
		removed[task.Name] = n
		if n > 0 {
			slog.Info("Sweep task removed expired rows", "task", task.Name, "count", n)
		}
	}
	return removed
}
