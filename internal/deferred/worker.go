package deferred

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

type Handler func(ctx context.Context, task Task) error

// Worker polls a Queue and hands due tasks to a Handler one at a time. Handler
// failures are logged and the task is dropped.
type Worker struct {
	queue    Queue
	handler  Handler
	interval time.Duration
	batch    int
	now      func() time.Time
	logger   zerolog.Logger
}

type WorkerOption func(*Worker)

func WithClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

func WithBatchSize(size int) WorkerOption {
	return func(w *Worker) {
		if size > 0 {
			w.batch = size
		}
	}
}

// NewWorker creates a Worker that polls queue every interval.
func NewWorker(queue Queue, handler Handler, interval time.Duration, logger zerolog.Logger, opts ...WorkerOption) *Worker {
	if interval <= 0 {
		interval = time.Second
	}
	w := &Worker{
		queue:    queue,
		handler:  handler,
		interval: interval,
		batch:    16,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With().Str("component", "deferred_worker").Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if _, err := w.RunDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error().Err(err).Msg("claim deferred tasks")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunDue claims and handles every task that is due now and returns how many
// tasks were handled.
func (w *Worker) RunDue(ctx context.Context) (int, error) {
	handled := 0
	for {
		tasks, err := w.queue.Claim(ctx, w.now(), w.batch)
		if err != nil {
			return handled, err
		}
		for _, task := range tasks {
			w.handle(ctx, task)
			handled++
		}
		if len(tasks) < w.batch {
			return handled, nil
		}
	}
}

func (w *Worker) handle(ctx context.Context, task Task) {
	started := w.now()
	logger := w.logger.With().Str("task", task.ID).Str("action", string(task.Action)).Str("exhibit", task.ExhibitID).Logger()
	if err := w.handler(ctx, task); err != nil {
		logger.Error().Err(err).Msg("deferred task failed")
		return
	}
	logger.Info().Dur("lag", started.Sub(task.DueAt)).Msg("deferred task done")
}
