package deferred

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is the single-process Queue used when no Redis URL is set.
type MemoryQueue struct {
	mu    sync.Mutex
	tasks map[string]Task
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{tasks: map[string]Task{}}
}

func (q *MemoryQueue) Enqueue(_ context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks[task.ID] = task
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, now time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	due := make([]Task, 0)
	for _, task := range q.tasks {
		if !task.DueAt.After(now) {
			due = append(due, task)
		}
	}
	sortByDue(due)
	if len(due) > limit {
		due = due[:limit]
	}
	for _, task := range due {
		delete(q.tasks, task.ID)
	}
	return due, nil
}

func (q *MemoryQueue) Cancel(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.tasks[id]; !ok {
		return false, nil
	}
	delete(q.tasks, id)
	return true, nil
}

func (q *MemoryQueue) Pending(context.Context) ([]Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := make([]Task, 0, len(q.tasks))
	for _, task := range q.tasks {
		tasks = append(tasks, task)
	}
	sortByDue(tasks)
	return tasks, nil
}

func sortByDue(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].DueAt.Equal(tasks[j].DueAt) {
			return tasks[i].DueAt.Before(tasks[j].DueAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
