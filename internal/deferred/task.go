// Package deferred holds tasks that must run after a delay, such as the
// republish that follows an edit to a published exhibit.
package deferred

import (
	"context"
	"fmt"
	"time"
)

type Action string

const (
	ActionSuppress Action = "suppress"
	ActionPublish  Action = "publish"
)

// Task is one delayed action against an exhibit. Its ID is derived from the
// action and exhibit so enqueueing the same work again replaces the pending
// copy and moves its due time.
type Task struct {
	ID        string    `json:"id"`
	Action    Action    `json:"action"`
	ExhibitID string    `json:"exhibit_id"`
	DueAt     time.Time `json:"due_at"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by,omitempty"`
}

func TaskID(action Action, exhibitID string) string {
	return fmt.Sprintf("%s:%s", action, exhibitID)
}

func NewTask(action Action, exhibitID, user string, now time.Time, delay time.Duration) Task {
	return Task{
		ID:        TaskID(action, exhibitID),
		Action:    action,
		ExhibitID: exhibitID,
		DueAt:     now.Add(delay),
		CreatedAt: now,
		CreatedBy: user,
	}
}

// Queue stores tasks until they are due.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	// Claim removes and returns up to limit tasks due at or before now, earliest
	// first. A task is handed to exactly one claimer.
	Claim(ctx context.Context, now time.Time, limit int) ([]Task, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Pending(ctx context.Context) ([]Task, error)
}
