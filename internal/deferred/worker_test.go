package deferred

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	seen  []Task
	fails map[Action]bool
}

func (r *recorder) handle(_ context.Context, task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, task)
	if r.fails[task.Action] {
		return errors.New("exhibit not found")
	}
	return nil
}

func (r *recorder) actions() []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Action, len(r.seen))
	for i, task := range r.seen {
		out[i] = task.Action
	}
	return out
}

func TestWorkerRunsSuppressThenPublishWhenDue(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	exhibitID := uuid.NewString()
	require.NoError(t, q.Enqueue(ctx, NewTask(ActionSuppress, exhibitID, "ann", now, 0)))
	require.NoError(t, q.Enqueue(ctx, NewTask(ActionPublish, exhibitID, "ann", now, 5*time.Second)))

	rec := &recorder{}
	w := NewWorker(q, rec.handle, time.Second, zerolog.Nop(), WithClock(func() time.Time { return now }))

	handled, err := w.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.Equal(t, []Action{ActionSuppress}, rec.actions())

	now = now.Add(5 * time.Second)
	handled, err = w.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.Equal(t, []Action{ActionSuppress, ActionPublish}, rec.actions())
}

func TestWorkerDropsFailedTasks(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, q.Enqueue(ctx, NewTask(ActionPublish, uuid.NewString(), "", now, 0)))

	rec := &recorder{fails: map[Action]bool{ActionPublish: true}}
	w := NewWorker(q, rec.handle, time.Second, zerolog.Nop(), WithClock(func() time.Time { return now }))

	handled, err := w.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestWorkerDrainsMoreThanOneBatch(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 7; i++ {
		require.NoError(t, q.Enqueue(ctx, NewTask(ActionSuppress, uuid.NewString(), "", now, 0)))
	}

	rec := &recorder{}
	w := NewWorker(q, rec.handle, time.Second, zerolog.Nop(), WithBatchSize(3), WithClock(func() time.Time { return now }))

	handled, err := w.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, handled)
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	q := NewMemoryQueue()
	rec := &recorder{}
	w := NewWorker(q, rec.handle, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, q.Enqueue(context.Background(), NewTask(ActionSuppress, uuid.NewString(), "", time.Now().Add(-time.Second), 0)))
	require.Eventually(t, func() bool { return len(rec.actions()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
