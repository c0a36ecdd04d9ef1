package recovery

import (
	"context"
	"log/slog"
	"time"
)

// Worker runs the recovery sweep on an interval.
type Worker struct {
	sweeper  *Sweeper
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(sweeper *Sweeper, interval time.Duration) *Worker {
	return &Worker{sweeper: sweeper, interval: interval}
}

// Start launches the periodic sweep loop.
func (w *Worker) Start(ctx context.Context) {
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go w.run(ctx)

	slog.Info("Recovery worker started", "interval", w.interval)
}

// Stop signals the loop to exit and waits for it to finish.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	slog.Info("Recovery worker stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.sweeper.Sweep(ctx); err != nil {
				slog.Warn("Recovery sweep failed", "error", err)
			}
			if _, err := w.sweeper.CleanupDeadProcesses(ctx); err != nil {
				slog.Warn("Dead PID cleanup failed", "error", err)
			}
		}
	}
}
