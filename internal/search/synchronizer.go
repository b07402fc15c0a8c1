package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dulibrarytech/exhibits-backend-sub001/internal/store"
)

type treeReader interface {
	Get(ctx context.Context, kind store.Kind, parentID, id string) (store.Record, error)
	ListByParent(ctx context.Context, kind store.Kind, parentID string) ([]store.Record, error)
}

// Synchronizer keeps the public and preview indexes in line with the store.
type Synchronizer struct {
	public      Index
	preview     Index
	records     treeReader
	concurrency int
	logger      zerolog.Logger

	patchMu    sync.Mutex
	patchLocks map[string]*sync.Mutex
}

// NewSynchronizer creates a Synchronizer over the public and preview indexes.
func NewSynchronizer(public, preview Index, records treeReader, concurrency int, logger zerolog.Logger) *Synchronizer {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Synchronizer{
		public:      public,
		preview:     preview,
		records:     records,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "index_sync").Logger(),
		patchLocks:  make(map[string]*sync.Mutex),
	}
}

// LoadTree reads the live content of an exhibit. Components are ordered by
// their shared order sequence.
func (s *Synchronizer) LoadTree(ctx context.Context, exhibitID string) (Tree, error) {
	exhibit, err := s.records.Get(ctx, store.KindExhibit, "", exhibitID)
	if err != nil {
		return Tree{}, fmt.Errorf("load exhibit: %w", err)
	}

	perKind := make([][]Branch, len(store.ComponentKinds))
	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range store.ComponentKinds {
		g.Go(func() error {
			branches, err := s.loadBranches(gctx, kind, exhibitID)
			if err != nil {
				return err
			}
			perKind[i] = branches
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Tree{}, err
	}

	tree := Tree{Exhibit: exhibit}
	for _, branches := range perKind {
		tree.Components = append(tree.Components, branches...)
	}
	sort.SliceStable(tree.Components, func(i, j int) bool {
		return tree.Components[i].Record.Order < tree.Components[j].Record.Order
	})
	return tree, nil
}

func (s *Synchronizer) loadBranches(ctx context.Context, kind store.Kind, exhibitID string) ([]Branch, error) {
	records, err := s.records.ListByParent(ctx, kind, exhibitID)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", kind, err)
	}
	branches := make([]Branch, 0, len(records))
	for _, record := range records {
		branch, err := s.loadBranch(ctx, record)
		if err != nil {
			return nil, err
		}
		branches = append(branches, branch)
	}
	return branches, nil
}

func (s *Synchronizer) loadBranch(ctx context.Context, record store.Record) (Branch, error) {
	branch := Branch{Record: record}
	childKind, nests := record.Kind.ChildKind()
	if !nests {
		return branch, nil
	}
	children, err := s.records.ListByParent(ctx, childKind, record.ID)
	if err != nil {
		return Branch{}, fmt.Errorf("load %s of %s: %w", childKind, record.ID, err)
	}
	branch.Children = children
	return branch, nil
}

// Upsert replaces the public document. The bool is true only once the index
// acknowledged the write.
func (s *Synchronizer) Upsert(ctx context.Context, doc Document) (bool, error) {
	if err := s.public.Upsert(ctx, doc); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes a public document. A missing document is tolerated and
// reported as (false, nil).
func (s *Synchronizer) Delete(ctx context.Context, id string) (bool, error) {
	return deleteTolerant(ctx, s.public, id)
}

func (s *Synchronizer) Get(ctx context.Context, id string) (Document, error) {
	return s.public.Get(ctx, id)
}

func (s *Synchronizer) GetPreview(ctx context.Context, exhibitID string) (Document, error) {
	return s.preview.Get(ctx, exhibitID)
}

func deleteTolerant(ctx context.Context, index Index, id string) (bool, error) {
	err := index.Delete(ctx, id)
	if errors.Is(err, ErrDocumentNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PublishTree upserts the exhibit document and one document per component.
func (s *Synchronizer) PublishTree(ctx context.Context, tree Tree) Report {
	docs := tree.Documents()
	ids := make([]string, len(docs))
	byID := make(map[string]Document, len(docs))
	for i, doc := range docs {
		ids[i] = doc.UUID
		byID[doc.UUID] = doc
	}
	return s.settle(ctx, "upsert", ids, func(ctx context.Context, id string) (bool, error) {
		return s.Upsert(ctx, byID[id])
	})
}

// SuppressTree removes every document of the tree. Nested item ids go first,
// then components, then the exhibit.
func (s *Synchronizer) SuppressTree(ctx context.Context, tree Tree) Report {
	var nested, top []string
	for _, branch := range tree.Components {
		for _, child := range branch.Children {
			nested = append(nested, child.ID)
		}
		top = append(top, branch.Record.ID)
	}
	top = append(top, tree.Exhibit.ID)

	report := s.DeleteIDs(ctx, nested)
	report.Merge(s.DeleteIDs(ctx, top))
	return report
}

// DeleteIDs deletes every id independently and reports the settled outcome.
func (s *Synchronizer) DeleteIDs(ctx context.Context, ids []string) Report {
	return s.settle(ctx, "delete", ids, s.Delete)
}

func (s *Synchronizer) IndexPreview(ctx context.Context, tree Tree) error {
	return s.preview.Upsert(ctx, tree.PreviewDocument())
}

func (s *Synchronizer) DeletePreview(ctx context.Context, exhibitID string) (bool, error) {
	return deleteTolerant(ctx, s.preview, exhibitID)
}

// IndexComponent rebuilds and upserts the document of one live component.
func (s *Synchronizer) IndexComponent(ctx context.Context, kind store.Kind, exhibitID, id string) error {
	record, err := s.records.Get(ctx, kind, exhibitID, id)
	if err != nil {
		return fmt.Errorf("index component: %w", err)
	}
	branch, err := s.loadBranch(ctx, record)
	if err != nil {
		return fmt.Errorf("index component: %w", err)
	}
	_, err = s.Upsert(ctx, BuildDocument(branch.Record, branch.Children))
	return err
}

// PatchAppendChild inserts child into the items of an indexed grid or timeline,
// replacing any entry with the same uuid, and re-upserts the parent.
func (s *Synchronizer) PatchAppendChild(ctx context.Context, parentDocID string, child Document) error {
	return s.patchItems(ctx, parentDocID, func(items []Document) []Document {
		return append(withoutItem(items, child.UUID), child)
	})
}

// PatchRemoveChild drops one entry from the items of an indexed grid or timeline.
func (s *Synchronizer) PatchRemoveChild(ctx context.Context, parentDocID, childID string) error {
	return s.patchItems(ctx, parentDocID, func(items []Document) []Document {
		return withoutItem(items, childID)
	})
}

func (s *Synchronizer) patchItems(ctx context.Context, parentDocID string, change func([]Document) []Document) error {
	lock := s.parentLock(parentDocID)
	lock.Lock()
	defer lock.Unlock()

	parent, err := s.public.Get(ctx, parentDocID)
	if err != nil {
		return fmt.Errorf("patch %s: %w", parentDocID, err)
	}
	parent.Items = change(parent.Items)
	sortItems(parent.Items)

	if err := s.public.Upsert(ctx, parent); err != nil {
		return fmt.Errorf("patch %s: %w", parentDocID, err)
	}
	return nil
}

func (s *Synchronizer) parentLock(parentDocID string) *sync.Mutex {
	s.patchMu.Lock()
	defer s.patchMu.Unlock()
	lock, ok := s.patchLocks[parentDocID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.patchLocks[parentDocID] = lock
	return lock
}

func withoutItem(items []Document, id string) []Document {
	kept := make([]Document, 0, len(items)+1)
	for _, item := range items {
		if item.UUID != id {
			kept = append(kept, item)
		}
	}
	return kept
}

func (s *Synchronizer) settle(ctx context.Context, op string, ids []string, fn func(context.Context, string) (bool, error)) Report {
	outcomes := make([]error, len(ids))
	acked := make([]bool, len(ids))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			ok, err := fn(ctx, id)
			acked[i] = ok
			outcomes[i] = err
			if err != nil {
				s.logger.Error().Err(err).Str("op", op).Str("id", id).Msg("index call failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Attempted: len(ids)}
	for i, id := range ids {
		switch {
		case outcomes[i] != nil:
			report.Failures = append(report.Failures, Failure{ID: id, Error: outcomes[i].Error(), err: outcomes[i]})
		case acked[i]:
			report.Succeeded++
		default:
			report.NotFound++
		}
	}
	return report
}

// Report summarizes a settle-all batch of index calls.
type Report struct {
	Attempted int       `json:"attempted"`
	Succeeded int       `json:"succeeded"`
	NotFound  int       `json:"not_found"`
	Failures  []Failure `json:"failures,omitempty"`
}

type Failure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
	err   error
}

func (r Report) OK() bool {
	return len(r.Failures) == 0
}

func (r *Report) Merge(other Report) {
	r.Attempted += other.Attempted
	r.Succeeded += other.Succeeded
	r.NotFound += other.NotFound
	r.Failures = append(r.Failures, other.Failures...)
}

// Err joins the failures, or returns nil when every call settled cleanly.
func (r Report) Err() error {
	if r.OK() {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, failure := range r.Failures {
		errs[i] = failure.err
	}
	return errors.Join(errs...)
}
