// Package lock grants advisory single-editor locks on exhibit records. Locks
// protect collaborative editing only; the publication engine ignores them.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dulibrarytech/exhibits-backend-sub001/internal/store"
)

// Status reports how an acquire attempt ended.
type Status string

const (
	Acquired             Status = "acquired"
	AlreadyLockedBySelf  Status = "already_locked_by_self"
	AlreadyLockedByOther Status = "already_locked_by_other"
)

// Result is the answer to Acquire: who holds the lock and since when.
type Result struct {
	Status   Status     `json:"status"`
	LockedBy string     `json:"locked_by"`
	LockedAt *time.Time `json:"locked_at,omitempty"`
}

type recordLocker interface {
	Lock(ctx context.Context, kind store.Kind, id string, req store.LockRequest) (store.LockState, bool, error)
	Unlock(ctx context.Context, kind store.Kind, id, user string, force bool) (bool, error)
}

// Manager hands out locks with an optional lease. A zero TTL keeps a lock until
// it is released.
type Manager struct {
	records recordLocker
	ttl     time.Duration
	now     func() time.Time
	logger  zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a lock manager over records. A zero ttl disables expiry.
func NewManager(records recordLocker, ttl time.Duration, opts ...Option) *Manager {
	m := &Manager{
		records: records,
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Acquire never fails on contention: the caller gets the holder back and decides
// whether to fall back to read-only access.
func (m *Manager) Acquire(ctx context.Context, kind store.Kind, id, user string) (Result, error) {
	if user == "" {
		return Result{}, &store.ValidationError{Field: "user", Value: user, Err: fmt.Errorf("user is required")}
	}
	now := m.now()
	req := store.LockRequest{User: user, At: now}
	if m.ttl > 0 {
		req.StaleBefore = now.Add(-m.ttl)
	}

	state, acquired, err := m.records.Lock(ctx, kind, id, req)
	if err != nil {
		return Result{}, fmt.Errorf("acquire lock %s %s: %w", kind, id, err)
	}

	result := Result{LockedBy: state.LockedBy, LockedAt: state.LockedAt}
	switch {
	case acquired:
		result.Status = Acquired
		m.logger.Debug().Str("kind", string(kind)).Str("id", id).Str("user", user).Msg("lock acquired")
	case state.LockedBy == user:
		result.Status = AlreadyLockedBySelf
	default:
		result.Status = AlreadyLockedByOther
	}
	return result, nil
}

// Release drops the lock held by user. force bypasses the ownership check.
func (m *Manager) Release(ctx context.Context, kind store.Kind, id, user string, force bool) (bool, error) {
	released, err := m.records.Unlock(ctx, kind, id, user, force)
	if err != nil {
		return false, fmt.Errorf("release lock %s %s: %w", kind, id, err)
	}
	if released && force {
		m.logger.Info().Str("kind", string(kind)).Str("id", id).Str("user", user).Msg("lock force released")
	}
	return released, nil
}

// HeldByOther reports whether record carries a live lock owned by someone other
// than user. Locks older than the lease do not count.
func (m *Manager) HeldByOther(record store.Record, user string) bool {
	if !record.IsLocked || record.LockedByUser == "" || record.LockedByUser == user {
		return false
	}
	if m.ttl > 0 && record.LockedAt != nil && record.LockedAt.Before(m.now().Add(-m.ttl)) {
		return false
	}
	return true
}
