package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type mockRepo struct {
	tasks      map[uuid.UUID]*Task
	order      []uuid.UUID
	enqueueErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{tasks: make(map[uuid.UUID]*Task)}
}

func (m *mockRepo) Enqueue(_ context.Context, task *Task) (bool, error) {
	if m.enqueueErr != nil {
		return false, m.enqueueErr
	}
	for _, t := range m.tasks {
		if t.Status == StatusQueued && t.Action == task.Action && t.ContextUID == task.ContextUID {
			return false, nil
		}
	}
	cp := *task
	m.tasks[task.ID] = &cp
	m.order = append(m.order, task.ID)
	return true, nil
}

func (m *mockRepo) Claim(_ context.Context, limit int) ([]*Task, error) {
	var out []*Task
	now := time.Now()
	for _, id := range m.order {
		t := m.tasks[id]
		if t.Status != StatusQueued || t.RunAfter.After(now) {
			continue
		}
		t.Status = StatusRunning
		t.Attempts++
		cp := *t
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *mockRepo) Requeue(_ context.Context, id uuid.UUID, remaining []uuid.UUID, runAfter time.Time) error {
	t := m.tasks[id]
	t.Status = StatusQueued
	t.ObjectUIDs = remaining
	t.RunAfter = runAfter
	return nil
}

func (m *mockRepo) MarkDone(_ context.Context, id uuid.UUID) error {
	m.tasks[id].Status = StatusDone
	return nil
}

func (m *mockRepo) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	m.tasks[id].Status = StatusFailed
	m.tasks[id].LastError = reason
	return nil
}

func (m *mockRepo) IsQueued(_ context.Context, action string, contextUID uuid.UUID) (bool, error) {
	for _, t := range m.tasks {
		if t.Action == action && t.ContextUID == contextUID && (t.Status == StatusQueued || t.Status == StatusRunning) {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRepo) List(_ context.Context, limit, offset int) ([]*Task, int, error) {
	var out []*Task
	for _, id := range m.order {
		out = append(out, m.tasks[id])
	}
	return out, len(out), nil
}

func uids(n int) []uuid.UUID {
	out := make([]uuid.UUID, n)
	for i := range out {
		out[i] = uuid.New()
	}
	return out
}

func TestMaybeQueue_Disabled(t *testing.T) {
	repo := newMockRepo()
	b := NewBridge(Config{Enabled: false}, repo, zerolog.Nop())

	task, err := b.MaybeQueue(context.Background(), "receive_inbound_samples", uuid.New(), uids(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task != nil {
		t.Error("expected nil task when queue is disabled")
	}
	if len(repo.tasks) != 0 {
		t.Error("expected nothing persisted when queue is disabled")
	}
}

func TestMaybeQueue_DelayAndShortID(t *testing.T) {
	repo := newMockRepo()
	b := NewBridge(Config{Enabled: true, Delay: 120 * time.Second}, repo, zerolog.Nop())

	before := time.Now()
	task, err := b.MaybeQueue(context.Background(), "receive_inbound_samples", uuid.New(), uids(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task == nil {
		t.Fatal("expected a task")
	}
	if task.Status != StatusQueued {
		t.Errorf("expected queued status, got %s", task.Status)
	}
	if got := task.RunAfter.Sub(before); got < 119*time.Second || got > 121*time.Second {
		t.Errorf("expected ~120s initial delay, got %v", got)
	}
	if len(task.ShortID) != 8 {
		t.Errorf("expected 8-char short id, got %q", task.ShortID)
	}
}

func TestMaybeQueue_CoalescesEquivalentTasks(t *testing.T) {
	repo := newMockRepo()
	b := NewBridge(Config{Enabled: true}, repo, zerolog.Nop())
	contextUID := uuid.New()

	first, err := b.MaybeQueue(context.Background(), "receive_inbound_samples", contextUID, uids(2))
	if err != nil || first == nil {
		t.Fatalf("expected first task, got %v, %v", first, err)
	}

	second, err := b.MaybeQueue(context.Background(), "receive_inbound_samples", contextUID, uids(2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != nil {
		t.Error("expected equivalent task to coalesce to nil")
	}
	if len(repo.tasks) != 1 {
		t.Errorf("expected one persisted task, got %d", len(repo.tasks))
	}

	// a different context queues independently
	third, err := b.MaybeQueue(context.Background(), "receive_inbound_samples", uuid.New(), uids(1))
	if err != nil || third == nil {
		t.Fatalf("expected third task for other context, got %v, %v", third, err)
	}
}

func TestIsQueued(t *testing.T) {
	repo := newMockRepo()
	b := NewBridge(Config{Enabled: true}, repo, zerolog.Nop())
	contextUID := uuid.New()

	queued, err := b.IsQueued(context.Background(), "receive_inbound_samples", contextUID)
	if err != nil || queued {
		t.Fatalf("expected not queued, got %v, %v", queued, err)
	}

	if _, err := b.MaybeQueue(context.Background(), "receive_inbound_samples", contextUID, uids(1)); err != nil {
		t.Fatal(err)
	}
	queued, err = b.IsQueued(context.Background(), "receive_inbound_samples", contextUID)
	if err != nil || !queued {
		t.Fatalf("expected queued, got %v, %v", queued, err)
	}

	disabled := NewBridge(Config{Enabled: false}, repo, zerolog.Nop())
	queued, err = disabled.IsQueued(context.Background(), "receive_inbound_samples", contextUID)
	if err != nil || queued {
		t.Fatal("disabled bridge must report not queued")
	}
}

func TestWorker_ProcessesInChunks(t *testing.T) {
	repo := newMockRepo()
	b := NewBridge(Config{Enabled: true}, repo, zerolog.Nop())
	contextUID := uuid.New()
	all := uids(5)

	task, err := b.MaybeQueue(context.Background(), "receive_inbound_samples", contextUID, all)
	if err != nil || task == nil {
		t.Fatal("expected task")
	}

	var calls [][]uuid.UUID
	w := NewWorker(repo, time.Second, 2, zerolog.Nop())
	w.Register("receive_inbound_samples", func(_ context.Context, ctxUID uuid.UUID, objectUIDs []uuid.UUID) error {
		if ctxUID != contextUID {
			t.Errorf("handler got wrong context uid")
		}
		calls = append(calls, objectUIDs)
		return nil
	})

	// 5 objects, chunk size 2: three passes to drain
	for i := 0; i < 3; i++ {
		if err := w.RunOnce(context.Background()); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
	}

	if len(calls) != 3 {
		t.Fatalf("expected 3 handler calls, got %d", len(calls))
	}
	if len(calls[0]) != 2 || len(calls[1]) != 2 || len(calls[2]) != 1 {
		t.Errorf("unexpected chunk sizes: %d, %d, %d", len(calls[0]), len(calls[1]), len(calls[2]))
	}
	if repo.tasks[task.ID].Status != StatusDone {
		t.Errorf("expected task done, got %s", repo.tasks[task.ID].Status)
	}
}

func TestWorker_HandlerFailureMarksTaskFailed(t *testing.T) {
	repo := newMockRepo()
	b := NewBridge(Config{Enabled: true}, repo, zerolog.Nop())

	task, _ := b.MaybeQueue(context.Background(), "receive_inbound_samples", uuid.New(), uids(2))

	w := NewWorker(repo, time.Second, 10, zerolog.Nop())
	w.Register("receive_inbound_samples", func(context.Context, uuid.UUID, []uuid.UUID) error {
		return errors.New("sample type has no local mapping")
	})
	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := repo.tasks[task.ID]
	if got.Status != StatusFailed {
		t.Errorf("expected failed status, got %s", got.Status)
	}
	if got.LastError != "sample type has no local mapping" {
		t.Errorf("expected failure reason recorded, got %q", got.LastError)
	}
}

func TestWorker_UnknownActionFails(t *testing.T) {
	repo := newMockRepo()
	b := NewBridge(Config{Enabled: true}, repo, zerolog.Nop())
	task, _ := b.MaybeQueue(context.Background(), "nonexistent_action", uuid.New(), uids(1))

	w := NewWorker(repo, time.Second, 10, zerolog.Nop())
	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if repo.tasks[task.ID].Status != StatusFailed {
		t.Errorf("expected failed status, got %s", repo.tasks[task.ID].Status)
	}
}

func TestWorker_RespectsRunAfter(t *testing.T) {
	repo := newMockRepo()
	b := NewBridge(Config{Enabled: true, Delay: time.Hour}, repo, zerolog.Nop())
	b.MaybeQueue(context.Background(), "receive_inbound_samples", uuid.New(), uids(1))

	called := false
	w := NewWorker(repo, time.Second, 10, zerolog.Nop())
	w.Register("receive_inbound_samples", func(context.Context, uuid.UUID, []uuid.UUID) error {
		called = true
		return nil
	})
	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("task must not run before its delay elapses")
	}
}
