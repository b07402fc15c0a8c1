package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dulibrarytech/exhibits-backend-sub001/internal/media"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/publication"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/search"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/store"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/util"
)

const childDeleteLimit = 4

// RecordView is the wire form of a stored record.
type RecordView struct {
	Kind        store.Kind        `json:"kind"`
	ID          string            `json:"uuid"`
	ExhibitID   string            `json:"is_member_of_exhibit,omitempty"`
	ParentID    string            `json:"is_member_of,omitempty"`
	Type        string            `json:"type"`
	Title       string            `json:"title"`
	Text        string            `json:"text"`
	Description string            `json:"description"`
	Media       string            `json:"media"`
	Thumbnail   string            `json:"thumbnail"`
	HeroImage   string            `json:"hero_image,omitempty"`
	Styles      json.RawMessage   `json:"styles,omitempty"`
	Properties  json.RawMessage   `json:"properties,omitempty"`
	Order       int               `json:"order"`
	IsPublished bool              `json:"is_published"`
	IsPreview   bool              `json:"is_preview,omitempty"`
	IsDeleted   bool              `json:"is_deleted"`
	IsLocked    bool              `json:"is_locked"`
	LockedBy    string            `json:"locked_by_user,omitempty"`
	LockedAt    *time.Time        `json:"locked_at,omitempty"`
	State       publication.State `json:"state,omitempty"`
	CreatedBy   string            `json:"created_by"`
	UpdatedBy   string            `json:"updated_by"`
	Created     time.Time         `json:"created"`
	Updated     time.Time         `json:"updated"`
}

func viewOf(record store.Record) RecordView {
	view := RecordView{
		Kind:        record.Kind,
		ID:          record.ID,
		Type:        record.Type,
		Title:       record.Title,
		Text:        record.Text,
		Description: record.Description,
		Media:       record.Media,
		Thumbnail:   record.Thumbnail,
		Styles:      record.Styles,
		Properties:  record.Properties,
		Order:       record.Order,
		IsPublished: record.IsPublished,
		IsDeleted:   record.IsDeleted,
		IsLocked:    record.IsLocked,
		LockedBy:    record.LockedByUser,
		LockedAt:    record.LockedAt,
		CreatedBy:   record.CreatedBy,
		UpdatedBy:   record.UpdatedBy,
		Created:     record.Created,
		Updated:     record.Updated,
	}
	switch {
	case record.Kind == store.KindExhibit:
		view.HeroImage = record.HeroImage
		view.IsPreview = record.IsPreview
		view.State = publication.DeriveState(record)
	case record.Kind.IsNested():
		view.ExhibitID = record.ExhibitID
		view.ParentID = record.ParentID
	default:
		view.ExhibitID = record.ExhibitID
	}
	return view
}

func viewsOf(records []store.Record) []RecordView {
	views := make([]RecordView, len(records))
	for i, record := range records {
		views[i] = viewOf(record)
	}
	return views
}

func requireUser(user string) error {
	if user == "" {
		return &store.ValidationError{Field: "user", Value: user, Err: fmt.Errorf("user is required")}
	}
	return nil
}

func requireKind(kind store.Kind) error {
	if !kind.Valid() {
		return &store.ValidationError{Field: "kind", Value: string(kind), Err: store.ErrInvalidKind}
	}
	return nil
}

// CreateRecord inserts a record at the end of its siblings. A missing id is
// generated.
func (s *Service) CreateRecord(ctx context.Context, kind store.Kind, record store.Record, user string) Envelope {
	if err := requireKind(kind); err != nil {
		return s.failure("create", err)
	}
	if err := requireUser(user); err != nil {
		return s.failure("create", err)
	}
	if record.ID == "" {
		record.ID = util.NewID()
	}
	record.CreatedBy = user
	record.IsPublished = false
	record.IsPreview = false
	record.Order = 0

	if kind != store.KindExhibit {
		if !kind.IsNested() {
			if record.ExhibitID == "" {
				record.ExhibitID = record.ParentID
			}
			record.ParentID = record.ExhibitID
		}
		if err := store.ValidateID("parent_id", record.ParentID); err != nil {
			return s.failure("create", err)
		}
		order, err := s.orders.NextOrder(ctx, kind, record.ParentID)
		if err != nil {
			return s.failure("create", err)
		}
		record.Order = order
	}

	created, err := s.store.Create(ctx, kind, record)
	if err != nil {
		return s.failure("create", err)
	}
	data := map[string]any{"record": viewOf(created)}
	if kind != store.KindExhibit {
		s.afterChange(ctx, created, user, true, data)
	}
	env := success("Record created", data)
	env.httpStatus = http.StatusCreated
	return env
}

func (s *Service) GetRecord(ctx context.Context, kind store.Kind, parentID, id string) Envelope {
	record, err := s.store.Get(ctx, kind, parentID, id)
	if err != nil {
		return s.failure("get", err)
	}
	return success("Record", viewOf(record))
}

func (s *Service) ListRecords(ctx context.Context, kind store.Kind, parentID string) Envelope {
	records, err := s.store.ListByParent(ctx, kind, parentID)
	if err != nil {
		return s.failure("list", err)
	}
	return success(fmt.Sprintf("%d records", len(records)), viewsOf(records))
}

// UpdateRecord patches a record. Editing a published exhibit or one of its
// components schedules a republish; nested items are patched into the index
// in place.
func (s *Service) UpdateRecord(ctx context.Context, kind store.Kind, parentID, id string, patch store.Patch, user string) Envelope {
	if err := requireUser(user); err != nil {
		return s.failure("update", err)
	}
	if patch.IsEmpty() {
		return s.failure("update", domainError(http.StatusUnprocessableEntity, CodeValidation, "Nothing to update", nil))
	}
	current, err := s.store.Get(ctx, kind, parentID, id)
	if err != nil {
		return s.failure("update", err)
	}
	if s.locks.HeldByOther(current, user) {
		return lockedBy(current)
	}

	patch.UpdatedBy = user
	ok, err := s.store.Update(ctx, kind, parentID, id, patch)
	if err != nil {
		return s.failure("update", err)
	}
	if !ok {
		return s.failure("update", fmt.Errorf("update %s %s: %w", kind, id, store.ErrNotFound))
	}
	updated, err := s.store.Get(ctx, kind, parentID, id)
	if err != nil {
		return s.failure("update", err)
	}
	data := map[string]any{"record": viewOf(updated)}
	s.afterChange(ctx, updated, user, false, data)
	return success("Record updated", data)
}

// DeleteRecord soft-deletes one record and its nested items. Exhibits go
// through the full cascade.
func (s *Service) DeleteRecord(ctx context.Context, kind store.Kind, parentID, id, user string) Envelope {
	if kind == store.KindExhibit {
		return s.DeleteExhibit(ctx, id)
	}
	if err := requireUser(user); err != nil {
		return s.failure("delete", err)
	}
	current, err := s.store.Get(ctx, kind, parentID, id)
	if err != nil {
		return s.failure("delete", err)
	}
	if s.locks.HeldByOther(current, user) {
		return lockedBy(current)
	}

	var removed, failed []string
	if childKind, nests := kind.ChildKind(); nests {
		children, err := s.store.ListByParent(ctx, childKind, id)
		if err != nil {
			return s.failure("delete", err)
		}
		removed, failed = s.deleteChildren(ctx, childKind, id, children)
	}
	ok, err := s.store.SoftDelete(ctx, kind, parentID, id)
	if err != nil {
		return s.failure("delete", err)
	}
	if !ok {
		return s.failure("delete", fmt.Errorf("delete %s %s: %w", kind, id, store.ErrNotFound))
	}
	removed = append(removed, id)

	data := map[string]any{"id": id, "removed": removed}
	if len(failed) > 0 {
		data["failed"] = failed
	}
	if s.exhibitPublished(ctx, current.ExhibitID) {
		if kind.IsNested() {
			if err := s.index.PatchRemoveChild(ctx, current.ParentID, id); err != nil && !isNotFound(err) {
				s.logger.Warn().Err(err).Str("parent", current.ParentID).Str("id", id).Msg("remove nested item from index failed")
				data["republish"] = s.scheduleRepublish(ctx, current.ExhibitID, user)
			}
		} else {
			report := s.index.DeleteIDs(ctx, removed)
			data["index"] = report
			if !report.OK() {
				s.logger.Warn().Err(report.Err()).Str("id", id).Msg("remove component from index failed")
			}
		}
	}
	if len(failed) > 0 {
		return Envelope{
			Status:     StatusPartialFailure,
			Message:    fmt.Sprintf("Record deleted; %d of %d nested items could not be deleted", len(failed), len(failed)+len(removed)-1),
			Code:       CodePartialFailure,
			Data:       data,
			httpStatus: http.StatusMultiStatus,
		}
	}
	return success("Record deleted", data)
}

// deleteChildren soft-deletes every child and waits for all of them. A failed
// child is logged and reported; it never stops its siblings.
func (s *Service) deleteChildren(ctx context.Context, kind store.Kind, parentID string, children []store.Record) (removed, failed []string) {
	done := make([]bool, len(children))
	var g errgroup.Group
	g.SetLimit(childDeleteLimit)
	for i, child := range children {
		g.Go(func() error {
			ok, err := s.store.SoftDelete(ctx, kind, parentID, child.ID)
			if err != nil || !ok {
				s.logger.Error().Err(err).Str("kind", string(kind)).Str("parent", parentID).Str("id", child.ID).Msg("delete nested item failed")
				return nil
			}
			done[i] = true
			return nil
		})
	}
	_ = g.Wait()
	for i, child := range children {
		if done[i] {
			removed = append(removed, child.ID)
		} else {
			failed = append(failed, child.ID)
		}
	}
	return removed, failed
}

// nestedParentIn fails with not found unless parentID is a live grid or
// timeline of exhibitID.
func (s *Service) nestedParentIn(ctx context.Context, kind store.Kind, exhibitID, parentID string) error {
	if !kind.IsNested() {
		return &store.ValidationError{Field: "kind", Value: string(kind), Err: store.ErrInvalidKind}
	}
	if _, err := s.store.Get(ctx, kind.ParentKind(), exhibitID, parentID); err != nil {
		return fmt.Errorf("%s %s in exhibit %s: %w", kind.ParentKind(), parentID, exhibitID, err)
	}
	return nil
}

// ListNestedRecords lists the items of a grid or timeline reached through
// its exhibit.
func (s *Service) ListNestedRecords(ctx context.Context, kind store.Kind, exhibitID, parentID string) Envelope {
	if err := s.nestedParentIn(ctx, kind, exhibitID, parentID); err != nil {
		return s.failure("list", err)
	}
	return s.ListRecords(ctx, kind, parentID)
}

func (s *Service) GetNestedRecord(ctx context.Context, kind store.Kind, exhibitID, parentID, id string) Envelope {
	if err := s.nestedParentIn(ctx, kind, exhibitID, parentID); err != nil {
		return s.failure("get", err)
	}
	return s.GetRecord(ctx, kind, parentID, id)
}

func (s *Service) UpdateNestedRecord(ctx context.Context, kind store.Kind, exhibitID, parentID, id string, patch store.Patch, user string) Envelope {
	if err := s.nestedParentIn(ctx, kind, exhibitID, parentID); err != nil {
		return s.failure("update", err)
	}
	return s.UpdateRecord(ctx, kind, parentID, id, patch, user)
}

func (s *Service) DeleteNestedRecord(ctx context.Context, kind store.Kind, exhibitID, parentID, id, user string) Envelope {
	if err := s.nestedParentIn(ctx, kind, exhibitID, parentID); err != nil {
		return s.failure("delete", err)
	}
	return s.DeleteRecord(ctx, kind, parentID, id, user)
}

func lockedBy(record store.Record) Envelope {
	return Envelope{
		Status:     StatusLocked,
		Message:    fmt.Sprintf("Record is being edited by %s", record.LockedByUser),
		Code:       CodeLockConflict,
		Data:       map[string]any{"locked_by": record.LockedByUser, "locked_at": record.LockedAt},
		httpStatus: http.StatusConflict,
	}
}

func (s *Service) exhibitPublished(ctx context.Context, exhibitID string) bool {
	exhibit, err := s.store.Get(ctx, store.KindExhibit, "", exhibitID)
	if err != nil {
		s.logger.Warn().Err(err).Str("exhibit", exhibitID).Msg("read exhibit for index sync failed")
		return false
	}
	return exhibit.IsPublished
}

// afterChange keeps a published exhibit's index in line with a changed record
// and records what it did in data. New or restored records are indexed in
// place; edits to the exhibit or a component schedule a republish.
func (s *Service) afterChange(ctx context.Context, record store.Record, user string, added bool, data map[string]any) {
	if !s.exhibitPublished(ctx, record.ExhibitID) {
		return
	}
	if added || record.Kind.IsNested() {
		err := s.indexInPlace(ctx, record)
		if err == nil {
			data["indexed"] = true
			return
		}
		s.logger.Warn().Err(err).Str("kind", string(record.Kind)).Str("id", record.ID).Msg("incremental index failed, scheduling republish")
	}
	if tasks := s.scheduleRepublish(ctx, record.ExhibitID, user); tasks != nil {
		data["republish"] = tasks
	}
}

func (s *Service) indexInPlace(ctx context.Context, record store.Record) error {
	if !record.Kind.IsNested() {
		return s.publishComponent(ctx, record.Kind, record.ExhibitID, record.ID)
	}
	err := s.patchNested(ctx, record)
	if isNotFound(err) {
		// the parent grid or timeline has no document yet
		return s.publishComponent(ctx, record.Kind.ParentKind(), record.ExhibitID, record.ParentID)
	}
	return err
}

// patchNested marks a nested item published and writes it into the items of
// its indexed parent.
func (s *Service) patchNested(ctx context.Context, record store.Record) error {
	if !record.IsPublished {
		if _, err := s.store.SetPublished(ctx, record.Kind, record.ParentID, true); err != nil {
			return fmt.Errorf("publish %s %s: %w", record.Kind, record.ID, err)
		}
		record.IsPublished = true
	}
	return s.index.PatchAppendChild(ctx, record.ParentID, search.BuildDocument(record, nil))
}

// publishComponent flags a component of a published exhibit, and its nested
// items, published and indexes its document.
func (s *Service) publishComponent(ctx context.Context, kind store.Kind, exhibitID, id string) error {
	if _, err := s.store.SetPublished(ctx, kind, exhibitID, true); err != nil {
		return fmt.Errorf("publish %s %s: %w", kind, id, err)
	}
	if childKind, nests := kind.ChildKind(); nests {
		if _, err := s.store.SetPublished(ctx, childKind, id, true); err != nil {
			return fmt.Errorf("publish %s of %s: %w", childKind, id, err)
		}
	}
	return s.index.IndexComponent(ctx, kind, exhibitID, id)
}

// ListTrash lists the soft-deleted records of one parent, most recent first.
func (s *Service) ListTrash(ctx context.Context, kind store.Kind, parentID string) Envelope {
	records, err := s.store.ListDeleted(ctx, kind, parentID)
	if err != nil {
		return s.failure("list_trash", err)
	}
	return success(fmt.Sprintf("%d records in trash", len(records)), viewsOf(records))
}

func (s *Service) RestoreRecord(ctx context.Context, kind store.Kind, parentID, id, user string) Envelope {
	if err := requireUser(user); err != nil {
		return s.failure("restore", err)
	}
	ok, err := s.store.Restore(ctx, kind, parentID, id)
	if err != nil {
		return s.failure("restore", err)
	}
	if !ok {
		return s.failure("restore", fmt.Errorf("restore %s %s: %w", kind, id, store.ErrNotDeleted))
	}
	restored, err := s.store.Get(ctx, kind, parentID, id)
	if err != nil {
		return s.failure("restore", err)
	}
	data := map[string]any{"record": viewOf(restored)}
	if kind != store.KindExhibit {
		s.afterChange(ctx, restored, user, true, data)
	}
	return success("Record restored", data)
}

// PurgeRecord hard-deletes a trashed record and the media files it and its
// descendants reference. Media that cannot be removed is reported, not fatal.
func (s *Service) PurgeRecord(ctx context.Context, kind store.Kind, parentID, id string) Envelope {
	if err := store.ValidateScope(kind, parentID, id); err != nil {
		return s.failure("purge", err)
	}
	trashed, err := s.store.ListDeleted(ctx, kind, parentID)
	if err != nil {
		return s.failure("purge", err)
	}
	var target *store.Record
	for i := range trashed {
		if trashed[i].ID == id {
			target = &trashed[i]
			break
		}
	}
	if target == nil {
		return s.failure("purge", fmt.Errorf("purge %s %s: %w", kind, id, store.ErrNotDeleted))
	}

	paths, err := s.collectMedia(ctx, *target)
	if err != nil {
		return s.failure("purge", err)
	}
	ok, err := s.store.Purge(ctx, kind, parentID, id)
	if err != nil {
		return s.failure("purge", err)
	}
	if !ok {
		return s.failure("purge", fmt.Errorf("purge %s %s: %w", kind, id, store.ErrNotDeleted))
	}

	data := map[string]any{"id": id}
	if s.media == nil || len(paths) == 0 {
		return success("Record purged", data)
	}
	removed, err := media.RemoveAll(ctx, s.media, paths)
	data["media_removed"] = removed
	if err != nil {
		s.logger.Warn().Err(err).Str("id", id).Msg("media cleanup incomplete")
		return Envelope{
			Status:     StatusPartialFailure,
			Message:    fmt.Sprintf("Record purged; %d of %d media files could not be removed", len(paths)-len(removed), len(paths)),
			Code:       CodeMedia,
			Data:       data,
			httpStatus: http.StatusMultiStatus,
		}
	}
	return success("Record purged", data)
}

// collectMedia gathers the media paths of record and of every row the purge
// will cascade to, live or trashed.
func (s *Service) collectMedia(ctx context.Context, record store.Record) ([]string, error) {
	descend := func(kind store.Kind, parentID string) ([]store.Record, error) {
		live, err := s.store.ListByParent(ctx, kind, parentID)
		if err != nil {
			return nil, err
		}
		trashed, err := s.store.ListDeleted(ctx, kind, parentID)
		if err != nil {
			return nil, err
		}
		return append(live, trashed...), nil
	}

	paths := record.MediaPaths()
	parents := []store.Record{record}
	if record.Kind == store.KindExhibit {
		parents = nil
		for _, kind := range store.ComponentKinds {
			components, err := descend(kind, record.ID)
			if err != nil {
				return nil, err
			}
			for _, component := range components {
				paths = append(paths, component.MediaPaths()...)
			}
			parents = append(parents, components...)
		}
	}

	for _, parent := range parents {
		childKind, nests := parent.Kind.ChildKind()
		if !nests {
			continue
		}
		children, err := descend(childKind, parent.ID)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			paths = append(paths, child.MediaPaths()...)
		}
	}
	return paths, nil
}
