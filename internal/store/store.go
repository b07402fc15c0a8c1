package store

import (
	"context"
	"time"
)

// Store is the content store contract shared by every record kind. Writes are
// scoped by parent id so a caller cannot mutate a record of another exhibit.
// For KindExhibit the parent id is ignored, except by SetPublished where it is
// the exhibit id itself.
type Store interface {
	Create(ctx context.Context, kind Kind, record Record) (Record, error)
	ListByParent(ctx context.Context, kind Kind, parentID string) ([]Record, error)
	Get(ctx context.Context, kind Kind, parentID, id string) (Record, error)
	Update(ctx context.Context, kind Kind, parentID, id string, patch Patch) (bool, error)
	SoftDelete(ctx context.Context, kind Kind, parentID, id string) (bool, error)
	Count(ctx context.Context, kind Kind, parentID string) (int, error)

	// SetPublished flips is_published on the exhibit (kind exhibit) or on every
	// live child of parentID.
	SetPublished(ctx context.Context, kind Kind, parentID string, value bool) (bool, error)
	SetPreview(ctx context.Context, exhibitID string, value bool) (bool, error)
	SetOrder(ctx context.Context, kind Kind, parentID, id string, order int) (bool, error)

	Lock(ctx context.Context, kind Kind, id string, req LockRequest) (LockState, bool, error)
	Unlock(ctx context.Context, kind Kind, id, user string, force bool) (bool, error)

	ListDeleted(ctx context.Context, kind Kind, parentID string) ([]Record, error)
	Restore(ctx context.Context, kind Kind, parentID, id string) (bool, error)
	Purge(ctx context.Context, kind Kind, parentID, id string) (bool, error)

	Ping(ctx context.Context) error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// LockRequest asks for the edit lock on behalf of User. A held lock whose
// locked_at is before StaleBefore may be taken over; a zero StaleBefore means
// locks never go stale.
type LockRequest struct {
	User        string
	At          time.Time
	StaleBefore time.Time
}

func (r LockRequest) isStale(lockedAt *time.Time) bool {
	if r.StaleBefore.IsZero() || lockedAt == nil {
		return false
	}
	return lockedAt.Before(r.StaleBefore)
}
