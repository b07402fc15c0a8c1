package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps every table in process memory. It backs local development
// (DATABASE_URL=memory) and the package tests of the engine.
type MemoryStore struct {
	mu      sync.RWMutex
	rows    map[Kind]map[string]*memoryRow
	seq     int64
	nowFunc func() time.Time
}

type memoryRow struct {
	record Record
	seq    int64
}

func NewMemoryStore() *MemoryStore {
	rows := make(map[Kind]map[string]*memoryRow, len(Kinds))
	for _, kind := range Kinds {
		rows[kind] = map[string]*memoryRow{}
	}
	return &MemoryStore{rows: rows, nowFunc: func() time.Time { return time.Now().UTC() }}
}

// SetClock replaces the time source used for created/updated stamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = now
}

func (s *MemoryStore) Create(_ context.Context, kind Kind, record Record) (Record, error) {
	record, err := validateRecord(kind, record)
	if err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if kind != KindExhibit {
		if err := s.requireParentLocked(kind, record.ParentID, record.ExhibitID); err != nil {
			return Record{}, err
		}
	}
	if _, exists := s.rows[kind][record.ID]; exists {
		return Record{}, &StoreError{Op: "create", Kind: kind, Err: fmt.Errorf("%w: %s", ErrDuplicate, record.ID)}
	}

	now := s.nowFunc()
	record.IsDeleted = false
	record.IsLocked = false
	record.LockedByUser = ""
	record.LockedAt = nil
	record.UpdatedBy = record.CreatedBy
	record.Created = now
	record.Updated = now
	if kind != KindExhibit {
		record.IsPreview = false
		record.HeroImage = ""
	}

	s.seq++
	s.rows[kind][record.ID] = &memoryRow{record: record, seq: s.seq}
	return record, nil
}

func (s *MemoryStore) requireParentLocked(kind Kind, parentID, exhibitID string) error {
	parentKind := kind.ParentKind()
	row, ok := s.rows[parentKind][parentID]
	if !ok || row.record.IsDeleted {
		return fmt.Errorf("%s %s: %w", parentKind, parentID, ErrMissingParent)
	}
	if kind.IsNested() && exhibitID != "" && row.record.ExhibitID != exhibitID {
		return fmt.Errorf("%s %s: %w", parentKind, parentID, ErrMissingParent)
	}
	return nil
}

func inScope(kind Kind, record Record, parentID string) bool {
	return kind == KindExhibit || record.ParentID == parentID
}

// liveRow returns the row only when it is live and belongs to parentID.
func (s *MemoryStore) liveRow(kind Kind, parentID, id string) (*memoryRow, bool) {
	row, ok := s.rows[kind][id]
	if !ok || row.record.IsDeleted || !inScope(kind, row.record, parentID) {
		return nil, false
	}
	return row, true
}

// liveByID ignores the parent; locks address records by id alone.
func (s *MemoryStore) liveByID(kind Kind, id string) (*memoryRow, bool) {
	row, ok := s.rows[kind][id]
	if !ok || row.record.IsDeleted {
		return nil, false
	}
	return row, true
}

func (s *MemoryStore) ListByParent(_ context.Context, kind Kind, parentID string) ([]Record, error) {
	if err := ValidateScope(kind, parentID, ""); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(kind, parentID, false), nil
}

func (s *MemoryStore) ListDeleted(_ context.Context, kind Kind, parentID string) ([]Record, error) {
	if err := ValidateScope(kind, parentID, ""); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(kind, parentID, true), nil
}

func (s *MemoryStore) collect(kind Kind, parentID string, deleted bool) []Record {
	rows := make([]*memoryRow, 0)
	for _, row := range s.rows[kind] {
		if row.record.IsDeleted == deleted && inScope(kind, row.record, parentID) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if deleted {
			if !rows[i].record.Updated.Equal(rows[j].record.Updated) {
				return rows[i].record.Updated.After(rows[j].record.Updated)
			}
			return rows[i].seq < rows[j].seq
		}
		if rows[i].record.Order != rows[j].record.Order {
			return rows[i].record.Order < rows[j].record.Order
		}
		return rows[i].seq < rows[j].seq
	})

	records := make([]Record, len(rows))
	for i, row := range rows {
		records[i] = row.record
	}
	return records
}

func (s *MemoryStore) Get(_ context.Context, kind Kind, parentID, id string) (Record, error) {
	if err := ValidateScope(kind, parentID, id); err != nil {
		return Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.liveRow(kind, parentID, id)
	if !ok {
		return Record{}, fmt.Errorf("get %s %s: %w", kind, id, ErrNotFound)
	}
	return row.record, nil
}

func (s *MemoryStore) Update(_ context.Context, kind Kind, parentID, id string, patch Patch) (bool, error) {
	if err := ValidateScope(kind, parentID, id); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.liveRow(kind, parentID, id)
	if !ok {
		return false, nil
	}
	record := &row.record
	assign := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	assign(&record.Type, patch.Type)
	assign(&record.Title, patch.Title)
	assign(&record.Text, patch.Text)
	assign(&record.Description, patch.Description)
	assign(&record.Media, patch.Media)
	assign(&record.Thumbnail, patch.Thumbnail)
	if kind == KindExhibit {
		assign(&record.HeroImage, patch.HeroImage)
	}
	if len(patch.Styles) > 0 {
		record.Styles = normalizeJSON(patch.Styles)
	}
	if len(patch.Properties) > 0 {
		record.Properties = normalizeJSON(patch.Properties)
	}
	record.UpdatedBy = patch.UpdatedBy
	record.Updated = s.nowFunc()
	return true, nil
}

func (s *MemoryStore) SoftDelete(_ context.Context, kind Kind, parentID, id string) (bool, error) {
	if err := ValidateScope(kind, parentID, id); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.liveRow(kind, parentID, id)
	if !ok {
		return false, nil
	}
	row.record.IsDeleted = true
	row.record.Updated = s.nowFunc()
	return true, nil
}

func (s *MemoryStore) Count(_ context.Context, kind Kind, parentID string) (int, error) {
	if err := ValidateScope(kind, parentID, ""); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, row := range s.rows[kind] {
		if !row.record.IsDeleted && inScope(kind, row.record, parentID) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) SetPublished(_ context.Context, kind Kind, parentID string, value bool) (bool, error) {
	if kind == KindExhibit {
		if err := ValidateID("exhibit_id", parentID); err != nil {
			return false, err
		}
	} else if err := ValidateScope(kind, parentID, ""); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	if kind == KindExhibit {
		row, ok := s.liveRow(kind, "", parentID)
		if !ok {
			return false, nil
		}
		row.record.IsPublished = value
		row.record.Updated = now
		return true, nil
	}
	for _, row := range s.rows[kind] {
		if !row.record.IsDeleted && row.record.ParentID == parentID {
			row.record.IsPublished = value
			row.record.Updated = now
		}
	}
	return true, nil
}

func (s *MemoryStore) SetPreview(_ context.Context, exhibitID string, value bool) (bool, error) {
	if err := ValidateID("exhibit_id", exhibitID); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.liveRow(KindExhibit, "", exhibitID)
	if !ok {
		return false, nil
	}
	row.record.IsPreview = value
	row.record.Updated = s.nowFunc()
	return true, nil
}

func (s *MemoryStore) SetOrder(_ context.Context, kind Kind, parentID, id string, order int) (bool, error) {
	if err := ValidateScope(kind, parentID, id); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.liveRow(kind, parentID, id)
	if !ok {
		return false, nil
	}
	row.record.Order = order
	row.record.Updated = s.nowFunc()
	return true, nil
}

func (s *MemoryStore) Lock(_ context.Context, kind Kind, id string, req LockRequest) (LockState, bool, error) {
	if !kind.Valid() {
		return LockState{}, false, &ValidationError{Field: "kind", Value: string(kind), Err: ErrInvalidKind}
	}
	if err := ValidateID("id", id); err != nil {
		return LockState{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.liveByID(kind, id)
	if !ok {
		return LockState{}, false, fmt.Errorf("lock %s %s: %w", kind, id, ErrNotFound)
	}
	record := &row.record

	acquired := false
	free := !record.IsLocked || record.LockedByUser == ""
	takeover := record.LockedByUser != req.User && req.isStale(record.LockedAt)
	if free || takeover {
		at := req.At
		record.IsLocked = true
		record.LockedByUser = req.User
		record.LockedAt = &at
		acquired = true
	}
	return LockState{Locked: record.IsLocked, LockedBy: record.LockedByUser, LockedAt: record.LockedAt}, acquired, nil
}

func (s *MemoryStore) Unlock(_ context.Context, kind Kind, id, user string, force bool) (bool, error) {
	if !kind.Valid() {
		return false, &ValidationError{Field: "kind", Value: string(kind), Err: ErrInvalidKind}
	}
	if err := ValidateID("id", id); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.liveByID(kind, id)
	if !ok {
		return false, nil
	}
	record := &row.record
	if !force && record.IsLocked && record.LockedByUser != user {
		return false, nil
	}
	record.IsLocked = false
	record.LockedByUser = ""
	record.LockedAt = nil
	return true, nil
}

func (s *MemoryStore) Restore(_ context.Context, kind Kind, parentID, id string) (bool, error) {
	if err := ValidateScope(kind, parentID, id); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if kind != KindExhibit {
		if err := s.requireParentLocked(kind, parentID, ""); err != nil {
			return false, err
		}
	}
	row, ok := s.rows[kind][id]
	if !ok || !row.record.IsDeleted || !inScope(kind, row.record, parentID) {
		return false, nil
	}
	row.record.IsDeleted = false
	row.record.Updated = s.nowFunc()
	return true, nil
}

func (s *MemoryStore) Purge(_ context.Context, kind Kind, parentID, id string) (bool, error) {
	if err := ValidateScope(kind, parentID, id); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[kind][id]
	if !ok || !row.record.IsDeleted || !inScope(kind, row.record, parentID) {
		return false, nil
	}
	delete(s.rows[kind], id)
	s.purgeDescendantsLocked(kind, id)
	return true, nil
}

// purgeDescendantsLocked drops the rows the foreign keys would cascade to.
func (s *MemoryStore) purgeDescendantsLocked(kind Kind, id string) {
	for childKind, rows := range s.rows {
		for childID, row := range rows {
			switch {
			case kind == KindExhibit && childKind != KindExhibit && row.record.ExhibitID == id:
				delete(rows, childID)
			case childKind.IsNested() && childKind.ParentKind() == kind && row.record.ParentID == id:
				delete(rows, childID)
			}
		}
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
