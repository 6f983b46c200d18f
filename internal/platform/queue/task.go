// Package queue defers expensive workflow work to a background worker. The
// receive path uses it to push per-sample reception out of the inbound HTTP
// request; everything else runs inline. When queueing is disabled the bridge
// reports so and callers fall back to synchronous processing.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Status is the lifecycle of a queued task.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Task is one unit of deferred work: an action applied to a set of objects
// under a context object (typically samples under a shipment).
type Task struct {
	ID         uuid.UUID   `db:"id" json:"id"`
	ShortID    string      `db:"short_id" json:"short_id"`
	Action     string      `db:"action" json:"action"`
	ContextUID uuid.UUID   `db:"context_uid" json:"context_uid"`
	ObjectUIDs []uuid.UUID `db:"object_uids" json:"object_uids"`
	Status     Status      `db:"status" json:"status"`
	Attempts   int         `db:"attempts" json:"attempts"`
	LastError  string      `db:"last_error" json:"last_error,omitempty"`
	RunAfter   time.Time   `db:"run_after" json:"run_after"`
	CreatedAt  time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time   `db:"updated_at" json:"updated_at"`
}

// Repo persists tasks.
type Repo interface {
	// Enqueue inserts the task unless an equivalent task (same action and
	// context) is already queued. Returns false when coalesced away.
	Enqueue(ctx context.Context, task *Task) (bool, error)
	// Claim atomically moves up to limit due tasks to running and returns
	// them.
	Claim(ctx context.Context, limit int) ([]*Task, error)
	// Requeue puts a running task back in the queue with the remaining
	// object UIDs.
	Requeue(ctx context.Context, id uuid.UUID, remaining []uuid.UUID, runAfter time.Time) error
	MarkDone(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	IsQueued(ctx context.Context, action string, contextUID uuid.UUID) (bool, error)
	List(ctx context.Context, limit, offset int) ([]*Task, int, error)
}

// Config carries the bridge settings.
type Config struct {
	Enabled bool
	// Delay is how long a fresh task waits before its first run.
	Delay time.Duration
}

// Bridge is the synchronous side of the queue: workflow code calls MaybeQueue
// and carries on.
type Bridge struct {
	cfg    Config
	repo   Repo
	logger zerolog.Logger
}

func NewBridge(cfg Config, repo Repo, logger zerolog.Logger) *Bridge {
	return &Bridge{
		cfg:    cfg,
		repo:   repo,
		logger: logger.With().Str("component", "queue").Logger(),
	}
}

// Enabled reports whether deferred processing is on. Callers use this to
// decide between queueing and inline processing.
func (b *Bridge) Enabled() bool {
	return b.cfg.Enabled
}

// MaybeQueue queues the action for the given objects. Returns nil with no
// error when queueing is disabled or when an equivalent task is already
// queued; the caller then either processes inline or trusts the pending task.
func (b *Bridge) MaybeQueue(ctx context.Context, action string, contextUID uuid.UUID, objectUIDs []uuid.UUID) (*Task, error) {
	if !b.cfg.Enabled {
		return nil, nil
	}
	now := time.Now()
	task := &Task{
		ID:         uuid.New(),
		Action:     action,
		ContextUID: contextUID,
		ObjectUIDs: objectUIDs,
		Status:     StatusQueued,
		RunAfter:   now.Add(b.cfg.Delay),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	task.ShortID = task.ID.String()[:8]

	inserted, err := b.repo.Enqueue(ctx, task)
	if err != nil {
		return nil, err
	}
	if !inserted {
		b.logger.Debug().Str("action", action).Str("context_uid", contextUID.String()).
			Msg("equivalent task already queued, coalesced")
		return nil, nil
	}
	b.logger.Info().Str("task", task.ShortID).Str("action", action).
		Int("objects", len(objectUIDs)).Time("run_after", task.RunAfter).
		Msg("task queued")
	return task, nil
}

// IsQueued reports whether a task for the action and context is pending.
// The read side uses this for the "Queued" indicator.
func (b *Bridge) IsQueued(ctx context.Context, action string, contextUID uuid.UUID) (bool, error) {
	if !b.cfg.Enabled {
		return false, nil
	}
	return b.repo.IsQueued(ctx, action, contextUID)
}
