package deferred

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	queue, err := NewRedisQueue(context.Background(), "redis://"+s.Addr(), "test:deferred:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = queue.Close() })
	return queue, s
}

// runQueueSuite checks the Queue contract against any implementation.
func runQueueSuite(t *testing.T, newQueue func(t *testing.T) Queue) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("claims only due tasks in due order", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		exhibitID := uuid.NewString()

		require.NoError(t, q.Enqueue(ctx, NewTask(ActionPublish, exhibitID, "ann", base, 5*time.Second)))
		require.NoError(t, q.Enqueue(ctx, NewTask(ActionSuppress, exhibitID, "ann", base, 0)))

		tasks, err := q.Claim(ctx, base, 10)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, ActionSuppress, tasks[0].Action)
		assert.Equal(t, "ann", tasks[0].CreatedBy)

		tasks, err = q.Claim(ctx, base.Add(4*time.Second), 10)
		require.NoError(t, err)
		assert.Empty(t, tasks)

		tasks, err = q.Claim(ctx, base.Add(5*time.Second), 10)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, ActionPublish, tasks[0].Action)
		assert.Equal(t, exhibitID, tasks[0].ExhibitID)

		pending, err := q.Pending(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("re-enqueue replaces the pending copy", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		exhibitID := uuid.NewString()

		require.NoError(t, q.Enqueue(ctx, NewTask(ActionPublish, exhibitID, "ann", base, time.Second)))
		require.NoError(t, q.Enqueue(ctx, NewTask(ActionPublish, exhibitID, "bob", base.Add(time.Second), 5*time.Second)))

		pending, err := q.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "bob", pending[0].CreatedBy)

		tasks, err := q.Claim(ctx, base.Add(2*time.Second), 10)
		require.NoError(t, err)
		assert.Empty(t, tasks, "due time moved with the replacement")
	})

	t.Run("cancel removes a pending task", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		task := NewTask(ActionPublish, uuid.NewString(), "ann", base, time.Second)
		require.NoError(t, q.Enqueue(ctx, task))

		cancelled, err := q.Cancel(ctx, task.ID)
		require.NoError(t, err)
		assert.True(t, cancelled)

		cancelled, err = q.Cancel(ctx, task.ID)
		require.NoError(t, err)
		assert.False(t, cancelled)

		tasks, err := q.Claim(ctx, base.Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, tasks)
	})

	t.Run("claim respects the limit", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			require.NoError(t, q.Enqueue(ctx, NewTask(ActionSuppress, uuid.NewString(), "", base, time.Duration(i)*time.Millisecond)))
		}

		first, err := q.Claim(ctx, base.Add(time.Second), 3)
		require.NoError(t, err)
		assert.Len(t, first, 3)
		rest, err := q.Claim(ctx, base.Add(time.Second), 3)
		require.NoError(t, err)
		assert.Len(t, rest, 2)
	})
}

func TestMemoryQueueContract(t *testing.T) {
	runQueueSuite(t, func(t *testing.T) Queue { return NewMemoryQueue() })
}

func TestRedisQueueContract(t *testing.T) {
	runQueueSuite(t, func(t *testing.T) Queue {
		q, _ := setupRedisQueue(t)
		return q
	})
}

func TestRedisQueueKeepsPayloadsUnderPrefix(t *testing.T) {
	q, s := setupRedisQueue(t)
	ctx := context.Background()
	task := NewTask(ActionPublish, uuid.NewString(), "ann", time.Now(), time.Minute)
	require.NoError(t, q.Enqueue(ctx, task))

	assert.True(t, s.Exists("test:deferred:due"))
	assert.True(t, s.Exists("test:deferred:tasks"))
	keys, err := s.HKeys("test:deferred:tasks")
	require.NoError(t, err)
	assert.Equal(t, []string{task.ID}, keys)
	require.NoError(t, q.Ping(ctx))
}

func TestRedisQueueSkipsTasksClaimedElsewhere(t *testing.T) {
	q, s := setupRedisQueue(t)
	ctx := context.Background()
	now := time.Now()
	task := NewTask(ActionSuppress, uuid.NewString(), "", now, 0)
	require.NoError(t, q.Enqueue(ctx, task))

	other := NewRedisQueueWithClient(redis.NewClient(&redis.Options{Addr: s.Addr()}), "test:deferred:")
	defer other.Close()

	claimed, err := other.Claim(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	claimed, err = q.Claim(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestNewRedisQueueRejectsBadURL(t *testing.T) {
	_, err := NewRedisQueue(context.Background(), "://nope", "")
	require.Error(t, err)
}

func TestRedisQueueClaimRacingEnqueueKeepsReplacement(t *testing.T) {
	q, _ := setupRedisQueue(t)
	other := NewRedisQueueWithClient(redis.NewClient(&redis.Options{Addr: q.client.Options().Addr}), "test:deferred:")
	defer other.Close()
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 200; i++ {
		exhibitID := uuid.NewString()
		require.NoError(t, q.Enqueue(ctx, NewTask(ActionPublish, exhibitID, "first", now.Add(-time.Second), 0)))

		var (
			wg         sync.WaitGroup
			claimed    []Task
			claimErr   error
			enqueueErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			claimed, claimErr = q.Claim(ctx, now, 10)
		}()
		go func() {
			defer wg.Done()
			enqueueErr = other.Enqueue(ctx, NewTask(ActionPublish, exhibitID, "second", now, time.Hour))
		}()
		wg.Wait()
		require.NoError(t, claimErr)
		require.NoError(t, enqueueErr)

		for _, task := range claimed {
			assert.Equal(t, "first", task.CreatedBy, "a task due in an hour must not run now")
		}
		pending, err := q.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1, "the replacement stays queued")
		assert.Equal(t, "second", pending[0].CreatedBy)

		_, err = q.Cancel(ctx, pending[0].ID)
		require.NoError(t, err)
	}
}

func TestRedisQueueClaimSkipsDueEntryWithoutPayload(t *testing.T) {
	q, s := setupRedisQueue(t)
	ctx := context.Background()
	now := time.Now()
	task := NewTask(ActionSuppress, uuid.NewString(), "", now, 0)
	require.NoError(t, q.Enqueue(ctx, task))
	s.HDel("test:deferred:tasks", task.ID)

	claimed, err := q.Claim(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
	assert.False(t, s.Exists("test:deferred:due"), "orphan due entry is dropped")
}
