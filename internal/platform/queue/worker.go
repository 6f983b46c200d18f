package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ActionHandler executes one chunk of a task. contextUID is the owning
// object, objectUIDs the chunk to process.
type ActionHandler func(ctx context.Context, contextUID uuid.UUID, objectUIDs []uuid.UUID) error

// Worker drains the task table on a ticker. Each pass claims due tasks,
// runs the registered handler on a chunk of the task's objects, and either
// requeues the remainder or settles the task.
type Worker struct {
	repo      Repo
	handlers  map[string]ActionHandler
	interval  time.Duration
	chunkSize int
	logger    zerolog.Logger
}

func NewWorker(repo Repo, interval time.Duration, chunkSize int, logger zerolog.Logger) *Worker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if chunkSize <= 0 {
		chunkSize = 10
	}
	return &Worker{
		repo:      repo,
		handlers:  make(map[string]ActionHandler),
		interval:  interval,
		chunkSize: chunkSize,
		logger:    logger.With().Str("component", "queue-worker").Logger(),
	}
}

// Register binds a handler to a task action. Must be called before Start.
func (w *Worker) Register(action string, h ActionHandler) {
	w.handlers[action] = h
}

// Start runs the drain loop until the context is cancelled.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", w.interval).Int("chunk_size", w.chunkSize).Msg("queue worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("queue worker stopped")
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.logger.Error().Err(err).Msg("queue pass failed")
			}
		}
	}
}

// RunOnce claims and processes one batch of due tasks.
func (w *Worker) RunOnce(ctx context.Context) error {
	tasks, err := w.repo.Claim(ctx, 10)
	if err != nil {
		return fmt.Errorf("claim tasks: %w", err)
	}
	for _, task := range tasks {
		w.process(ctx, task)
	}
	return nil
}

func (w *Worker) process(ctx context.Context, task *Task) {
	log := w.logger.With().Str("task", task.ShortID).Str("action", task.Action).Logger()

	handler, ok := w.handlers[task.Action]
	if !ok {
		log.Error().Msg("no handler registered for action")
		if err := w.repo.MarkFailed(ctx, task.ID, "no handler registered"); err != nil {
			log.Error().Err(err).Msg("failed to mark task failed")
		}
		return
	}

	chunk := task.ObjectUIDs
	if len(chunk) > w.chunkSize {
		chunk = chunk[:w.chunkSize]
	}

	if err := handler(ctx, task.ContextUID, chunk); err != nil {
		log.Warn().Err(err).Int("attempt", task.Attempts+1).Msg("task chunk failed")
		if err := w.repo.MarkFailed(ctx, task.ID, err.Error()); err != nil {
			log.Error().Err(err).Msg("failed to mark task failed")
		}
		return
	}

	remaining := task.ObjectUIDs[len(chunk):]
	if len(remaining) > 0 {
		log.Info().Int("processed", len(chunk)).Int("remaining", len(remaining)).Msg("chunk done, requeueing remainder")
		if err := w.repo.Requeue(ctx, task.ID, remaining, time.Now()); err != nil {
			log.Error().Err(err).Msg("failed to requeue remainder")
		}
		return
	}

	log.Info().Int("processed", len(chunk)).Msg("task done")
	if err := w.repo.MarkDone(ctx, task.ID); err != nil {
		log.Error().Err(err).Msg("failed to mark task done")
	}
}
