package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the Store contract against any implementation.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("create and read back", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		exhibit := mustCreate(t, s, KindExhibit, Record{ID: uuid.NewString(), Title: "Exhibit", HeroImage: "hero.jpg", CreatedBy: "ann"})
		assert.Equal(t, exhibit.ID, exhibit.ExhibitID)
		assert.Equal(t, "hero.jpg", exhibit.HeroImage)
		assert.False(t, exhibit.IsPublished)
		assert.JSONEq(t, `{}`, string(exhibit.Styles))

		heading := mustCreate(t, s, KindHeading, Record{
			ID: uuid.NewString(), ExhibitID: exhibit.ID, Text: "Intro", Styles: json.RawMessage(`{"color":"red"}`),
		})
		assert.Equal(t, exhibit.ID, heading.ParentID)
		assert.JSONEq(t, `{"color":"red"}`, string(heading.Styles))

		got, err := s.Get(ctx, KindHeading, exhibit.ID, heading.ID)
		require.NoError(t, err)
		assert.Equal(t, "Intro", got.Text)
	})

	t.Run("create rejects missing or deleted parent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Create(ctx, KindItem, Record{ID: uuid.NewString(), ExhibitID: uuid.NewString()})
		require.ErrorIs(t, err, ErrMissingParent)
		require.ErrorIs(t, err, ErrNotFound)

		exhibit := mustCreate(t, s, KindExhibit, Record{ID: uuid.NewString()})
		grid := mustCreate(t, s, KindGrid, Record{ID: uuid.NewString(), ExhibitID: exhibit.ID})
		ok, err := s.SoftDelete(ctx, KindGrid, exhibit.ID, grid.ID)
		require.NoError(t, err)
		require.True(t, ok)

		_, err = s.Create(ctx, KindGridItem, Record{ID: uuid.NewString(), ExhibitID: exhibit.ID, ParentID: grid.ID})
		require.ErrorIs(t, err, ErrMissingParent)
	})

	t.Run("malformed identifiers never reach the store", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Get(ctx, KindItem, "not-a-uuid", uuid.NewString())
		require.ErrorIs(t, err, ErrInvalidIdentifier)
		require.True(t, IsValidation(err))

		_, err = s.Count(ctx, KindHeading, "")
		require.ErrorIs(t, err, ErrInvalidIdentifier)

		_, err = s.SetPublished(ctx, KindExhibit, "DROP TABLE exhibits", true)
		require.ErrorIs(t, err, ErrInvalidIdentifier)

		_, err = s.Create(ctx, Kind("poster"), Record{ID: uuid.NewString()})
		require.ErrorIs(t, err, ErrInvalidKind)
	})

	t.Run("list is live only and ordered", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		exhibit := mustCreate(t, s, KindExhibit, Record{ID: uuid.NewString()})

		third := mustCreate(t, s, KindItem, Record{ID: uuid.NewString(), ExhibitID: exhibit.ID, Order: 2, Title: "c"})
		first := mustCreate(t, s, KindItem, Record{ID: uuid.NewString(), ExhibitID: exhibit.ID, Order: 0, Title: "a"})
		second := mustCreate(t, s, KindItem, Record{ID: uuid.NewString(), ExhibitID: exhibit.ID, Order: 1, Title: "b"})
		gone := mustCreate(t, s, KindItem, Record{ID: uuid.NewString(), ExhibitID: exhibit.ID, Order: 1, Title: "x"})
		_, err := s.SoftDelete(ctx, KindItem, exhibit.ID, gone.ID)
		require.NoError(t, err)

		items, err := s.ListByParent(ctx, KindItem, exhibit.ID)
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.Equal(t, []string{first.ID, second.ID, third.ID}, ids(items))

		count, err := s.Count(ctx, KindItem, exhibit.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, count)

		_, err = s.Get(ctx, KindItem, exhibit.ID, gone.ID)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("writes are scoped by parent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		own := mustCreate(t, s, KindExhibit, Record{ID: uuid.NewString()})
		other := mustCreate(t, s, KindExhibit, Record{ID: uuid.NewString()})
		item := mustCreate(t, s, KindItem, Record{ID: uuid.NewString(), ExhibitID: own.ID, Title: "mine"})

		title := "hijacked"
		ok, err := s.Update(ctx, KindItem, other.ID, item.ID, Patch{Title: &title})
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.SoftDelete(ctx, KindItem, other.ID, item.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.Get(ctx, KindItem, own.ID, item.ID)
		require.NoError(t, err)
		assert.Equal(t, "mine", got.Title)
	})

	t.Run("update patches only provided columns", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		exhibit := mustCreate(t, s, KindExhibit, Record{ID: uuid.NewString(), Title: "Old", Description: "keep"})

		title := "New"
		ok, err := s.Update(ctx, KindExhibit, "", exhibit.ID, Patch{Title: &title, UpdatedBy: "bob"})
		require.NoError(t, err)
		require.True(t, ok)

		got, err := s.Get(ctx, KindExhibit, "", exhibit.ID)
		require.NoError(t, err)
		assert.Equal(t, "New", got.Title)
		assert.Equal(t, "keep", got.Description)
		assert.Equal(t, "bob", got.UpdatedBy)
		assert.Equal(t, exhibit.ID, got.ID)
	})

	t.Run("set published flips every live child", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		exhibit := mustCreate(t, s, KindExhibit, Record{ID: uuid.NewString()})
		timeline := mustCreate(t, s, KindTimeline, Record{ID: uuid.NewString(), ExhibitID: exhibit.ID})
		live := mustCreate(t, s, KindTimelineItem, Record{ID: uuid.NewString(), ExhibitID: exhibit.ID, ParentID: timeline.ID})
		dead := mustCreate(t, s, KindTimelineItem, Record{ID: uuid.NewString(), ExhibitID: exhibit.ID, ParentID: timeline.ID})
		_, err := s.SoftDelete(ctx, KindTimelineItem, timeline.ID, dead.ID)
		require.NoError(t, err)

		ok, err := s.SetPublished(ctx, KindTimelineItem, timeline.ID, true)
		require.NoError(t, err)
		require.True(t, ok)

		got, err := s.Get(ctx, KindTimelineItem, timeline.ID, live.ID)
		require.NoError(t, err)
		assert.True(t, got.IsPublished)

		deleted, err := s.ListDeleted(ctx, KindTimelineItem, timeline.ID)
		require.NoError(t, err)
		require.Len(t, deleted, 1)
		assert.False(t, deleted[0].IsPublished)

		ok, err = s.SetPublished(ctx, KindHeading, exhibit.ID, true)
		require.NoError(t, err)
		assert.True(t, ok, "no children is still a successful flip")

		ok, err = s.SetPublished(ctx, KindExhibit, uuid.NewString(), true)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("preview and order", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		exhibit := mustCreate(t, s, KindExhibit, Record{ID: uuid.NewString()})
		grid := mustCreate(t, s, KindGrid, Record{ID: uuid.NewString(), ExhibitID: exhibit.ID})

		ok, err := s.SetPreview(ctx, exhibit.ID, true)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.SetOrder(ctx, KindGrid, exhibit.ID, grid.ID, 7)
		require.NoError(t, err)
		require.True(t, ok)

		got, err := s.Get(ctx, KindExhibit, "", exhibit.ID)
		require.NoError(t, err)
		assert.True(t, got.IsPreview)

		gotGrid, err := s.Get(ctx, KindGrid, exhibit.ID, grid.ID)
		require.NoError(t, err)
		assert.Equal(t, 7, gotGrid.Order)
	})

	t.Run("lock exclusivity and lease takeover", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		exhibit := mustCreate(t, s, KindExhibit, Record{ID: uuid.NewString()})
		item := mustCreate(t, s, KindItem, Record{ID: uuid.NewString(), ExhibitID: exhibit.ID})
		at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

		state, acquired, err := s.Lock(ctx, KindItem, item.ID, LockRequest{User: "ann", At: at})
		require.NoError(t, err)
		assert.True(t, acquired)
		assert.Equal(t, "ann", state.LockedBy)

		state, acquired, err = s.Lock(ctx, KindItem, item.ID, LockRequest{User: "bob", At: at.Add(time.Minute)})
		require.NoError(t, err)
		assert.False(t, acquired)
		assert.Equal(t, "ann", state.LockedBy)

		state, acquired, err = s.Lock(ctx, KindItem, item.ID, LockRequest{User: "ann", At: at.Add(2 * time.Minute)})
		require.NoError(t, err)
		assert.False(t, acquired)
		assert.Equal(t, "ann", state.LockedBy)
		require.NotNil(t, state.LockedAt)
		assert.True(t, state.LockedAt.Equal(at), "same-user acquire does not refresh the lease")

		state, acquired, err = s.Lock(ctx, KindItem, item.ID, LockRequest{User: "bob", At: at.Add(time.Hour), StaleBefore: at.Add(30 * time.Minute)})
		require.NoError(t, err)
		assert.True(t, acquired)
		assert.Equal(t, "bob", state.LockedBy)

		ok, err := s.Unlock(ctx, KindItem, item.ID, "ann", false)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.Unlock(ctx, KindItem, item.ID, "ann", true)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.Get(ctx, KindItem, exhibit.ID, item.ID)
		require.NoError(t, err)
		assert.False(t, got.IsLocked)
		assert.Empty(t, got.LockedByUser)

		_, _, err = s.Lock(ctx, KindItem, uuid.NewString(), LockRequest{User: "ann", At: at})
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("trash restore and purge", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		exhibit := mustCreate(t, s, KindExhibit, Record{ID: uuid.NewString()})
		heading := mustCreate(t, s, KindHeading, Record{ID: uuid.NewString(), ExhibitID: exhibit.ID})

		ok, err := s.Purge(ctx, KindHeading, exhibit.ID, heading.ID)
		require.NoError(t, err)
		assert.False(t, ok, "live records cannot be purged")

		_, err = s.SoftDelete(ctx, KindHeading, exhibit.ID, heading.ID)
		require.NoError(t, err)

		ok, err = s.Restore(ctx, KindHeading, exhibit.ID, heading.ID)
		require.NoError(t, err)
		require.True(t, ok)

		_, err = s.SoftDelete(ctx, KindHeading, exhibit.ID, heading.ID)
		require.NoError(t, err)
		ok, err = s.Purge(ctx, KindHeading, exhibit.ID, heading.ID)
		require.NoError(t, err)
		require.True(t, ok)

		deleted, err := s.ListDeleted(ctx, KindHeading, exhibit.ID)
		require.NoError(t, err)
		assert.Empty(t, deleted)

		ok, err = s.Restore(ctx, KindHeading, exhibit.ID, heading.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("restore requires a live parent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		exhibit := mustCreate(t, s, KindExhibit, Record{ID: uuid.NewString()})
		item := mustCreate(t, s, KindItem, Record{ID: uuid.NewString(), ExhibitID: exhibit.ID})
		_, err := s.SoftDelete(ctx, KindItem, exhibit.ID, item.ID)
		require.NoError(t, err)
		_, err = s.SoftDelete(ctx, KindExhibit, "", exhibit.ID)
		require.NoError(t, err)

		_, err = s.Restore(ctx, KindItem, exhibit.ID, item.ID)
		require.True(t, errors.Is(err, ErrMissingParent))
	})
}

func mustCreate(t *testing.T, s Store, kind Kind, record Record) Record {
	t.Helper()
	created, err := s.Create(context.Background(), kind, record)
	require.NoError(t, err)
	return created
}

func ids(records []Record) []string {
	out := make([]string, len(records))
	for i, record := range records {
		out[i] = record.ID
	}
	return out
}
