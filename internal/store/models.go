package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind identifies one of the record tables that make up an exhibit tree.
type Kind string

const (
	KindExhibit      Kind = "exhibit"
	KindHeading      Kind = "heading"
	KindItem         Kind = "item"
	KindGrid         Kind = "grid"
	KindGridItem     Kind = "grid_item"
	KindTimeline     Kind = "timeline"
	KindTimelineItem Kind = "timeline_item"
)

// Kinds lists every record kind, root first.
var Kinds = []Kind{KindExhibit, KindHeading, KindItem, KindGrid, KindGridItem, KindTimeline, KindTimelineItem}

// ComponentKinds are the first-level children of an exhibit. They share one
// order sequence under their exhibit.
var ComponentKinds = []Kind{KindHeading, KindItem, KindGrid, KindTimeline}

func ParseKind(value string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range Kinds {
		if kind == known {
			return kind, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, value)
}

func (k Kind) Table() string {
	switch k {
	case KindExhibit:
		return "exhibits"
	case KindHeading:
		return "headings"
	case KindItem:
		return "items"
	case KindGrid:
		return "grids"
	case KindGridItem:
		return "grid_items"
	case KindTimeline:
		return "timelines"
	case KindTimelineItem:
		return "timeline_items"
	default:
		return ""
	}
}

// ParentColumn is the column that scopes a record to its direct parent.
func (k Kind) ParentColumn() string {
	switch k {
	case KindHeading, KindItem, KindGrid, KindTimeline:
		return "is_member_of_exhibit"
	case KindGridItem:
		return "is_member_of_grid"
	case KindTimelineItem:
		return "is_member_of_timeline"
	default:
		return ""
	}
}

// ParentKind returns the kind of the direct parent, or "" for exhibits.
func (k Kind) ParentKind() Kind {
	switch k {
	case KindHeading, KindItem, KindGrid, KindTimeline:
		return KindExhibit
	case KindGridItem:
		return KindGrid
	case KindTimelineItem:
		return KindTimeline
	default:
		return ""
	}
}

// ChildKind returns the nested item kind held by grids and timelines.
func (k Kind) ChildKind() (Kind, bool) {
	switch k {
	case KindGrid:
		return KindGridItem, true
	case KindTimeline:
		return KindTimelineItem, true
	default:
		return "", false
	}
}

// IsNested reports whether records of this kind live two levels below the exhibit.
func (k Kind) IsNested() bool {
	return k == KindGridItem || k == KindTimelineItem
}

func (k Kind) Valid() bool {
	return k.Table() != ""
}

// Record is one row of any exhibit table. Kind-specific attributes that have no
// dedicated column travel in Properties.
type Record struct {
	Kind         Kind
	ID           string
	ExhibitID    string
	ParentID     string
	Type         string
	Title        string
	Text         string
	Description  string
	Media        string
	Thumbnail    string
	HeroImage    string
	Styles       json.RawMessage
	Properties   json.RawMessage
	Order        int
	IsPublished  bool
	IsPreview    bool
	IsDeleted    bool
	IsLocked     bool
	LockedByUser string
	LockedAt     *time.Time
	CreatedBy    string
	UpdatedBy    string
	Created      time.Time
	Updated      time.Time
}

// Patch carries the mutable columns of an update. Nil fields are left untouched;
// identifier and parent columns are never patchable.
type Patch struct {
	Type        *string
	Title       *string
	Text        *string
	Description *string
	Media       *string
	Thumbnail   *string
	HeroImage   *string
	Styles      json.RawMessage
	Properties  json.RawMessage
	UpdatedBy   string
}

func (p Patch) IsEmpty() bool {
	return p.Type == nil && p.Title == nil && p.Text == nil && p.Description == nil &&
		p.Media == nil && p.Thumbnail == nil && p.HeroImage == nil &&
		len(p.Styles) == 0 && len(p.Properties) == 0
}

// LockState is the advisory edit lock currently held on a record.
type LockState struct {
	Locked   bool
	LockedBy string
	LockedAt *time.Time
}

// MediaPaths returns the non-empty media references carried by the record.
func (r Record) MediaPaths() []string {
	paths := make([]string, 0, 3)
	for _, path := range []string{r.Media, r.Thumbnail, r.HeroImage} {
		if strings.TrimSpace(path) != "" {
			paths = append(paths, path)
		}
	}
	return paths
}

func normalizeJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || !json.Valid(raw) {
		return json.RawMessage(`{}`)
	}
	return raw
}
