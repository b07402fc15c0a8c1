package publication

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dulibrarytech/exhibits-backend-sub001/internal/search"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/store"
)

type contentStore interface {
	Get(ctx context.Context, kind store.Kind, parentID, id string) (store.Record, error)
	ListByParent(ctx context.Context, kind store.Kind, parentID string) ([]store.Record, error)
	Count(ctx context.Context, kind store.Kind, parentID string) (int, error)
	SetPublished(ctx context.Context, kind store.Kind, parentID string, value bool) (bool, error)
	SetPreview(ctx context.Context, exhibitID string, value bool) (bool, error)
	SoftDelete(ctx context.Context, kind store.Kind, parentID, id string) (bool, error)
}

type indexSync interface {
	LoadTree(ctx context.Context, exhibitID string) (search.Tree, error)
	PublishTree(ctx context.Context, tree search.Tree) search.Report
	SuppressTree(ctx context.Context, tree search.Tree) search.Report
	DeleteIDs(ctx context.Context, ids []string) search.Report
	IndexPreview(ctx context.Context, tree search.Tree) error
	DeletePreview(ctx context.Context, exhibitID string) (bool, error)
}

// Options tune a Publisher.
type Options struct {
	// Concurrency bounds the store calls in flight within one phase.
	Concurrency int
	// Compensate resets the flags a failed publish already set.
	Compensate bool
}

// Publisher runs the whole-tree operations of an exhibit.
type Publisher struct {
	records contentStore
	index   indexSync
	opts    Options
	logger  zerolog.Logger
}

// NewPublisher creates a Publisher writing flags to records and documents through index.
func NewPublisher(records contentStore, index indexSync, opts Options, logger zerolog.Logger) *Publisher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Publisher{
		records: records,
		index:   index,
		opts:    opts,
		logger:  logger.With().Str("component", "publication").Logger(),
	}
}

// begin validates the exhibit id and loads the exhibit. A non-nil outcome means
// the operation ends here.
func (p *Publisher) begin(ctx context.Context, op, exhibitID string) (store.Record, *Outcome) {
	outcome := Outcome{Operation: op, ExhibitID: exhibitID}
	if err := store.ValidateID("exhibit_id", exhibitID); err != nil {
		outcome.Status, outcome.Message, outcome.Err = StatusInvalid, "Invalid exhibit id", err
		return store.Record{}, &outcome
	}
	exhibit, err := p.records.Get(ctx, store.KindExhibit, "", exhibitID)
	if errors.Is(err, store.ErrNotFound) {
		outcome.Status, outcome.Message, outcome.Err = StatusNotFound, "Exhibit not found", err
		return store.Record{}, &outcome
	}
	if err != nil {
		outcome.Status, outcome.Message, outcome.Err = StatusFailed, "Unable to read exhibit", err
		return store.Record{}, &outcome
	}
	return exhibit, nil
}

// Publish flags the whole tree published and indexes it. It runs detached from
// ctx cancellation once started.
func (p *Publisher) Publish(ctx context.Context, exhibitID string) Outcome {
	ctx = context.WithoutCancel(ctx)
	exhibit, done := p.begin(ctx, "publish", exhibitID)
	if done != nil {
		return *done
	}
	outcome := Outcome{Operation: "publish", ExhibitID: exhibitID, State: DeriveState(exhibit)}

	total, err := p.countComponents(ctx, exhibitID)
	if err != nil {
		outcome.Status, outcome.Message, outcome.Err = StatusFailed, "Unable to publish", err
		return outcome
	}
	if total == 0 {
		outcome.Status, outcome.Message = StatusNoContent, "Exhibit has no items to publish"
		return outcome
	}

	// Phase 2 runs after phase 1 even when phase 1 had failures.
	steps := p.runFlags(ctx, p.topLevelSteps(exhibitID), true)
	nested, listErrs := p.nestedSteps(ctx, exhibitID)
	steps = append(steps, listErrs...)
	steps = append(steps, p.runFlags(ctx, nested, true)...)
	outcome.Steps = steps
	outcome.Total = len(steps)

	if failed := failedSteps(steps); len(failed) > 0 {
		outcome.Failed = len(failed)
		outcome.Status, outcome.Message, outcome.Err = StatusFailed, "Unable to publish", firstErr(failed)
		p.logger.Error().Err(outcome.Err).Str("exhibit", exhibitID).Int("failed", len(failed)).Msg("publish flags failed")
		if p.opts.Compensate {
			outcome.Compensation = p.compensate(ctx, exhibitID, steps, nil)
		}
		return outcome
	}

	tree, err := p.index.LoadTree(ctx, exhibitID)
	if err != nil {
		outcome.Status, outcome.Message, outcome.Err = StatusFailed, "Unable to index exhibit", err
		p.logger.Error().Err(err).Str("exhibit", exhibitID).Msg("load tree for publish failed")
		if p.opts.Compensate {
			outcome.Compensation = p.compensate(ctx, exhibitID, steps, nil)
		}
		return outcome
	}

	report := p.index.PublishTree(ctx, tree)
	outcome.Index = &report
	if !report.OK() {
		outcome.Failed = len(report.Failures)
		outcome.Status, outcome.Message, outcome.Err = StatusFailed, "Unable to index exhibit", report.Err()
		p.logger.Error().Err(outcome.Err).Str("exhibit", exhibitID).Int("failed", len(report.Failures)).Msg("publish index failed")
		if p.opts.Compensate {
			outcome.Compensation = p.compensate(ctx, exhibitID, steps, &tree)
		}
		return outcome
	}

	outcome.Status, outcome.Message, outcome.State = StatusSuccess, "Exhibit published", StatePublished
	p.logger.Info().Str("exhibit", exhibitID).Int("documents", report.Succeeded).Msg("exhibit published")
	return outcome
}

// Suppress clears the published flags of the tree and removes its documents
// from the index. Documents that were never indexed are tolerated.
func (p *Publisher) Suppress(ctx context.Context, exhibitID string) Outcome {
	ctx = context.WithoutCancel(ctx)
	exhibit, done := p.begin(ctx, "suppress", exhibitID)
	if done != nil {
		return *done
	}
	outcome := Outcome{Operation: "suppress", ExhibitID: exhibitID, State: DeriveState(exhibit)}

	tree, err := p.index.LoadTree(ctx, exhibitID)
	if err != nil {
		outcome.Status, outcome.Message, outcome.Err = StatusFailed, "Unable to suppress", err
		return outcome
	}

	steps := p.runFlags(ctx, p.topLevelSteps(exhibitID), false)
	steps = append(steps, p.runFlags(ctx, nestedStepsOf(tree), false)...)
	outcome.Steps = steps
	outcome.Total = len(steps)

	report := p.index.SuppressTree(ctx, tree)
	outcome.Index = &report

	failed := failedSteps(steps)
	outcome.Failed = len(failed) + len(report.Failures)
	switch {
	case len(failed) > 0:
		outcome.Status, outcome.Message, outcome.Err = StatusFailed, "Unable to suppress", firstErr(failed)
	case !report.OK():
		outcome.Status, outcome.Message, outcome.Err = StatusFailed, "Unable to remove exhibit from index", report.Err()
	default:
		outcome.Status, outcome.Message, outcome.State = StatusSuccess, "Exhibit suppressed", StateSuppressed
		p.logger.Info().Str("exhibit", exhibitID).Int("removed", report.Succeeded).Int("absent", report.NotFound).Msg("exhibit suppressed")
		return outcome
	}
	p.logger.Error().Err(outcome.Err).Str("exhibit", exhibitID).Int("failed", outcome.Failed).Msg("suppress failed")
	return outcome
}

// Preview flags the exhibit only and indexes or removes its single preview
// document.
func (p *Publisher) Preview(ctx context.Context, exhibitID string, enable bool) Outcome {
	ctx = context.WithoutCancel(ctx)
	op := "preview"
	if !enable {
		op = "unpreview"
	}
	exhibit, done := p.begin(ctx, op, exhibitID)
	if done != nil {
		return *done
	}
	outcome := Outcome{Operation: op, ExhibitID: exhibitID, Total: 1}

	ok, err := p.records.SetPreview(ctx, exhibitID, enable)
	if err != nil || !ok {
		outcome.Failed = 1
		outcome.Status, outcome.Message, outcome.Err = StatusFailed, "Unable to update preview flag", err
		outcome.State = DeriveState(exhibit)
		return outcome
	}
	exhibit.IsPreview = enable
	outcome.State = DeriveState(exhibit)

	if !enable {
		if _, err := p.index.DeletePreview(ctx, exhibitID); err != nil {
			outcome.Failed = 1
			outcome.Status, outcome.Message, outcome.Err = StatusFailed, "Unable to remove preview", err
			return outcome
		}
		outcome.Status, outcome.Message = StatusSuccess, "Preview removed"
		return outcome
	}

	tree, err := p.index.LoadTree(ctx, exhibitID)
	if err == nil {
		err = p.index.IndexPreview(ctx, tree)
	}
	if err != nil {
		outcome.Failed = 1
		outcome.Status, outcome.Message, outcome.Err = StatusFailed, "Unable to build preview", err
		p.logger.Error().Err(err).Str("exhibit", exhibitID).Msg("preview failed")
		return outcome
	}
	outcome.Status, outcome.Message = StatusSuccess, "Preview built"
	return outcome
}

// Delete soft-deletes every live descendant, nested items first, then the
// exhibit, then removes every collected document from the index. Failures of
// individual children do not stop the rest.
func (p *Publisher) Delete(ctx context.Context, exhibitID string) Outcome {
	ctx = context.WithoutCancel(ctx)
	exhibit, done := p.begin(ctx, "delete", exhibitID)
	if done != nil {
		return *done
	}
	outcome := Outcome{Operation: "delete", ExhibitID: exhibitID, State: DeriveState(exhibit)}

	tree, err := p.index.LoadTree(ctx, exhibitID)
	if err != nil {
		outcome.Status, outcome.Message, outcome.Err = StatusFailed, "Unable to delete exhibit", err
		return outcome
	}

	var nested, components []Step
	for _, branch := range tree.Components {
		for _, child := range branch.Children {
			nested = append(nested, Step{Phase: 1, Kind: child.Kind, ParentID: child.ParentID, ID: child.ID})
		}
		components = append(components, Step{Phase: 2, Kind: branch.Record.Kind, ParentID: exhibitID, ID: branch.Record.ID})
	}

	steps := p.runDeletes(ctx, nested)
	steps = append(steps, p.runDeletes(ctx, components)...)
	childFailures := failedSteps(steps)

	exhibitStep := p.runDeletes(ctx, []Step{{Phase: 3, Kind: store.KindExhibit, ID: exhibitID}})
	steps = append(steps, exhibitStep...)
	outcome.Steps = steps
	outcome.Total = len(steps)

	report := p.index.DeleteIDs(ctx, tree.IDs())
	if _, err := p.index.DeletePreview(ctx, exhibitID); err != nil {
		report.Failures = append(report.Failures, search.Failure{ID: exhibitID, Error: err.Error()})
	}
	outcome.Index = &report

	children := len(steps) - 1
	outcome.Failed = len(childFailures)
	switch {
	case !exhibitStep[0].OK:
		outcome.Failed++
		outcome.Status, outcome.Err = StatusFailed, firstErr(exhibitStep)
		outcome.Message = "Unable to delete exhibit"
	case len(childFailures) > 0:
		outcome.Status, outcome.Err = StatusPartialFailure, firstErr(childFailures)
		outcome.Message = fmt.Sprintf("%d of %d components failed to delete", len(childFailures), children)
		outcome.State = StateDeleted
	case !report.OK():
		outcome.Status, outcome.Err = StatusPartialFailure, report.Err()
		outcome.Message = fmt.Sprintf("Exhibit deleted; %d index documents could not be removed", len(report.Failures))
		outcome.State = StateDeleted
	default:
		outcome.Status, outcome.Message, outcome.State = StatusSuccess, "Exhibit deleted", StateDeleted
		p.logger.Info().Str("exhibit", exhibitID).Int("records", len(steps)).Msg("exhibit deleted")
		return outcome
	}
	p.logger.Warn().Err(outcome.Err).Str("exhibit", exhibitID).Int("failed", outcome.Failed).Str("status", string(outcome.Status)).Msg("delete did not fully settle")
	return outcome
}

func (p *Publisher) countComponents(ctx context.Context, exhibitID string) (int, error) {
	counts := make([]int, len(store.ComponentKinds))
	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range store.ComponentKinds {
		g.Go(func() error {
			count, err := p.records.Count(gctx, kind, exhibitID)
			if err != nil {
				return fmt.Errorf("count %s: %w", kind, err)
			}
			counts[i] = count
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	total := 0
	for _, count := range counts {
		total += count
	}
	return total, nil
}

// topLevelSteps are the phase 1 flips: the exhibit itself plus every component kind.
func (p *Publisher) topLevelSteps(exhibitID string) []Step {
	steps := []Step{{Phase: 1, Kind: store.KindExhibit, ParentID: exhibitID}}
	for _, kind := range store.ComponentKinds {
		steps = append(steps, Step{Phase: 1, Kind: kind, ParentID: exhibitID})
	}
	return steps
}

// nestedSteps lists the live grids and timelines and returns one phase 2 flip
// per parent. Listing failures come back as failed steps.
func (p *Publisher) nestedSteps(ctx context.Context, exhibitID string) ([]Step, []Step) {
	var steps, failures []Step
	for _, parentKind := range []store.Kind{store.KindGrid, store.KindTimeline} {
		childKind, _ := parentKind.ChildKind()
		parents, err := p.records.ListByParent(ctx, parentKind, exhibitID)
		if err != nil {
			failures = append(failures, Step{Phase: 2, Kind: childKind, Error: err.Error(), err: err})
			continue
		}
		for _, parent := range parents {
			steps = append(steps, Step{Phase: 2, Kind: childKind, ParentID: parent.ID})
		}
	}
	return steps, failures
}

func nestedStepsOf(tree search.Tree) []Step {
	var steps []Step
	for _, branch := range tree.Components {
		if childKind, nests := branch.Record.Kind.ChildKind(); nests {
			steps = append(steps, Step{Phase: 2, Kind: childKind, ParentID: branch.Record.ID})
		}
	}
	return steps
}

func (p *Publisher) runFlags(ctx context.Context, steps []Step, value bool) []Step {
	return p.settle(ctx, steps, func(ctx context.Context, step Step) (bool, error) {
		return p.records.SetPublished(ctx, step.Kind, step.ParentID, value)
	})
}

func (p *Publisher) runDeletes(ctx context.Context, steps []Step) []Step {
	return p.settle(ctx, steps, func(ctx context.Context, step Step) (bool, error) {
		return p.records.SoftDelete(ctx, step.Kind, step.ParentID, step.ID)
	})
}

// settle runs every step concurrently and waits for all of them. Steps never
// fail the group, so one failure cannot cancel its siblings.
func (p *Publisher) settle(ctx context.Context, steps []Step, fn func(context.Context, Step) (bool, error)) []Step {
	results := make([]Step, len(steps))
	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for i, step := range steps {
		g.Go(func() error {
			ok, err := fn(ctx, step)
			step.OK = ok && err == nil
			step.err = err
			switch {
			case err != nil:
				step.Error = err.Error()
			case !ok:
				step.Error = "no live record matched"
				step.err = fmt.Errorf("%s under %s: %w", step.Kind, step.ParentID, store.ErrNotFound)
			}
			if !step.OK {
				p.logger.Error().Err(step.err).Str("kind", string(step.Kind)).Str("parent", step.ParentID).Str("id", step.ID).Msg("tree step failed")
			}
			results[i] = step
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// compensate resets the published flag on every flip that succeeded and, when
// documents were already indexed, removes them again.
func (p *Publisher) compensate(ctx context.Context, exhibitID string, steps []Step, tree *search.Tree) []Step {
	var undo []Step
	for _, step := range steps {
		if step.OK {
			undo = append(undo, Step{Phase: step.Phase, Kind: step.Kind, ParentID: step.ParentID})
		}
	}
	undo = p.runFlags(ctx, undo, false)

	if tree != nil {
		if report := p.index.SuppressTree(ctx, *tree); !report.OK() {
			p.logger.Error().Err(report.Err()).Str("exhibit", exhibitID).Msg("compensating index removal failed")
		}
	}

	failed := failedSteps(undo)
	event := p.logger.Warn()
	if len(failed) > 0 {
		event = p.logger.Error().Err(firstErr(failed))
	}
	event.Str("exhibit", exhibitID).Int("reset", len(undo)-len(failed)).Int("failed", len(failed)).Msg("publish compensated")
	return undo
}
