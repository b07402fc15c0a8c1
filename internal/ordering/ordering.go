// Package ordering assigns and rewrites the integer position of records among
// their live siblings.
package ordering

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dulibrarytech/exhibits-backend-sub001/internal/store"
)

type orderStore interface {
	Count(ctx context.Context, kind store.Kind, parentID string) (int, error)
	SetOrder(ctx context.Context, kind store.Kind, parentID, id string, order int) (bool, error)
}

// Manager assigns and rewrites the order column of exhibit components.
type Manager struct {
	records     orderStore
	concurrency int
	logger      zerolog.Logger
}

// NewManager creates a Manager that runs at most concurrency moves at once.
func NewManager(records orderStore, concurrency int, logger zerolog.Logger) *Manager {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Manager{records: records, concurrency: concurrency, logger: logger}
}

// NextOrder returns the append position for a new record: the number of live
// siblings. Headings, items, grids and timelines share one sequence per exhibit.
func (m *Manager) NextOrder(ctx context.Context, kind store.Kind, parentID string) (int, error) {
	kinds := []store.Kind{kind}
	if kind.ParentKind() == store.KindExhibit {
		kinds = store.ComponentKinds
	}

	total := 0
	for _, sibling := range kinds {
		count, err := m.records.Count(ctx, sibling, parentID)
		if err != nil {
			return 0, fmt.Errorf("next order %s: %w", kind, err)
		}
		total += count
	}
	return total, nil
}

func (m *Manager) Reorder(ctx context.Context, kind store.Kind, parentID, id string, order int) (bool, error) {
	if order < 0 {
		return false, &store.ValidationError{Field: "order", Value: fmt.Sprint(order), Err: fmt.Errorf("order must not be negative")}
	}
	ok, err := m.records.SetOrder(ctx, kind, parentID, id, order)
	if err != nil {
		return false, fmt.Errorf("reorder %s %s: %w", kind, id, err)
	}
	return ok, nil
}

// Move is one (record, position) pair of a reorder batch.
type Move struct {
	Kind     store.Kind `json:"kind"`
	ParentID string     `json:"parent_id"`
	ID       string     `json:"id"`
	Order    int        `json:"order"`
}

type MoveResult struct {
	Move
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	err   error
}

func (r MoveResult) Err() error {
	return r.err
}

type BatchResult struct {
	Applied int          `json:"applied"`
	Failed  int          `json:"failed"`
	Moves   []MoveResult `json:"moves"`
}

// ApplyBatch applies every move independently. A failed move neither stops nor
// undoes the others, and gaps are left as sent.
func (m *Manager) ApplyBatch(ctx context.Context, moves []Move) BatchResult {
	results := make([]MoveResult, len(moves))

	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for i, move := range moves {
		g.Go(func() error {
			ok, err := m.Reorder(ctx, move.Kind, move.ParentID, move.ID, move.Order)
			result := MoveResult{Move: move, OK: ok && err == nil, err: err}
			switch {
			case err != nil:
				result.Error = err.Error()
				m.logger.Error().Err(err).Str("kind", string(move.Kind)).Str("id", move.ID).Msg("reorder failed")
			case !ok:
				result.Error = "record not found"
				m.logger.Warn().Str("kind", string(move.Kind)).Str("id", move.ID).Msg("reorder matched no live record")
			}
			results[i] = result
			return nil
		})
	}
	_ = g.Wait()

	batch := BatchResult{Moves: results}
	for _, result := range results {
		if result.OK {
			batch.Applied++
		} else {
			batch.Failed++
		}
	}
	return batch
}
