package store

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrInvalidKind       = errors.New("invalid record kind")
	ErrNotFound          = errors.New("record not found")
	ErrTimeout           = errors.New("store query timed out")
	ErrNotDeleted        = errors.New("record is not in the trash")
	ErrDuplicate         = errors.New("record already exists")
)

// ErrMissingParent is returned when a write references a parent that is absent
// or soft-deleted. It matches ErrNotFound.
var ErrMissingParent = fmt.Errorf("parent %w", ErrNotFound)

var uuidPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// ValidationError rejects input before any query is issued.
type ValidationError struct {
	Field string
	Value string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// StoreError wraps a failed query against a record table.
type StoreError struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *StoreError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// ValidateID checks a key against the canonical UUID pattern.
func ValidateID(field, id string) error {
	if !uuidPattern.MatchString(id) {
		return &ValidationError{Field: field, Value: id, Err: ErrInvalidIdentifier}
	}
	return nil
}

// ValidateScope checks the kind and the parent/record keys of a scoped call.
// Exhibits are roots, so their parent key is ignored.
func ValidateScope(kind Kind, parentID, id string) error {
	if !kind.Valid() {
		return &ValidationError{Field: "kind", Value: string(kind), Err: ErrInvalidKind}
	}
	if kind != KindExhibit {
		if err := ValidateID("parent_id", parentID); err != nil {
			return err
		}
	}
	if id != "" {
		return ValidateID("id", id)
	}
	return nil
}

// validateRecord checks the keys of a record about to be inserted and fills the
// implied parent fields.
func validateRecord(kind Kind, record Record) (Record, error) {
	if !kind.Valid() {
		return Record{}, &ValidationError{Field: "kind", Value: string(kind), Err: ErrInvalidKind}
	}
	record.Kind = kind
	if err := ValidateID("id", record.ID); err != nil {
		return Record{}, err
	}
	switch {
	case kind == KindExhibit:
		record.ExhibitID = record.ID
		record.ParentID = ""
	case kind.IsNested():
		if err := ValidateID("exhibit_id", record.ExhibitID); err != nil {
			return Record{}, err
		}
		if err := ValidateID("parent_id", record.ParentID); err != nil {
			return Record{}, err
		}
	default:
		if record.ExhibitID == "" {
			record.ExhibitID = record.ParentID
		}
		if err := ValidateID("exhibit_id", record.ExhibitID); err != nil {
			return Record{}, err
		}
		record.ParentID = record.ExhibitID
	}
	record.Styles = normalizeJSON(record.Styles)
	record.Properties = normalizeJSON(record.Properties)
	return record, nil
}

func IsValidation(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}
