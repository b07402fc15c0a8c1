// Package publication drives publish, suppress, preview and delete across a
// whole exhibit tree, keeping the store flags and the search index in step.
package publication

import (
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/search"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/store"
)

// State is derived from record flags; nothing persists it.
type State string

const (
	StateDraft       State = "draft"
	StatePublished   State = "published"
	StateSuppressed  State = "suppressed"
	StatePreviewOnly State = "preview_only"
	StateDeleted     State = "deleted"
)

// DeriveState reads the state of an exhibit from its flags. Suppressed looks
// like Draft on disk, so it only appears as the result of Suppress.
func DeriveState(exhibit store.Record) State {
	switch {
	case exhibit.IsDeleted:
		return StateDeleted
	case exhibit.IsPublished:
		return StatePublished
	case exhibit.IsPreview:
		return StatePreviewOnly
	default:
		return StateDraft
	}
}

// Status is the overall result of a tree operation.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusNoContent      Status = "no_items"
	StatusPartialFailure Status = "partial_failure"
	StatusFailed         Status = "failed"
	StatusInvalid        Status = "invalid"
	StatusNotFound       Status = "not_found"
)

// Step is one store mutation issued during a tree operation.
type Step struct {
	Phase    int        `json:"phase"`
	Kind     store.Kind `json:"kind"`
	ParentID string     `json:"parent_id,omitempty"`
	ID       string     `json:"id,omitempty"`
	OK       bool       `json:"ok"`
	Error    string     `json:"error,omitempty"`
	err      error
}

// Outcome is the settled result of a tree operation.
type Outcome struct {
	Operation    string         `json:"operation"`
	ExhibitID    string         `json:"exhibit_id"`
	Status       Status         `json:"status"`
	Message      string         `json:"message"`
	State        State          `json:"state,omitempty"`
	Total        int            `json:"total"`
	Failed       int            `json:"failed"`
	Steps        []Step         `json:"steps,omitempty"`
	Compensation []Step         `json:"compensation,omitempty"`
	Index        *search.Report `json:"index,omitempty"`
	Err          error          `json:"-"`
}

func (o Outcome) Succeeded() bool {
	return o.Status == StatusSuccess || o.Status == StatusNoContent
}

func failedSteps(steps []Step) []Step {
	var failed []Step
	for _, step := range steps {
		if !step.OK {
			failed = append(failed, step)
		}
	}
	return failed
}

// firstErr returns the first collaborator error among failed steps.
func firstErr(steps []Step) error {
	for _, step := range steps {
		if step.err != nil {
			return step.err
		}
	}
	return nil
}
