package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/dulibrarytech/exhibits-backend-sub001/internal/deferred"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/lock"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/media"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/ordering"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/publication"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/search"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/store"
)

const (
	StatusSuccess        = "success"
	StatusNoItems        = "no_items"
	StatusPartialFailure = "partial_failure"
	StatusLocked         = "locked"
	StatusFailed         = "failed"
	StatusInvalid        = "invalid"
	StatusNotFound       = "not_found"
)

// Envelope is the uniform result of every facade operation.
type Envelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`

	httpStatus int
}

func (e Envelope) HTTPStatus() int {
	if e.httpStatus == 0 {
		return http.StatusOK
	}
	return e.httpStatus
}

func (e Envelope) OK() bool {
	return e.Status == StatusSuccess || e.Status == StatusNoItems
}

type publisher interface {
	Publish(ctx context.Context, exhibitID string) publication.Outcome
	Suppress(ctx context.Context, exhibitID string) publication.Outcome
	Preview(ctx context.Context, exhibitID string, enable bool) publication.Outcome
	Delete(ctx context.Context, exhibitID string) publication.Outcome
}

type indexer interface {
	Get(ctx context.Context, id string) (search.Document, error)
	GetPreview(ctx context.Context, exhibitID string) (search.Document, error)
	PatchAppendChild(ctx context.Context, parentDocID string, child search.Document) error
	PatchRemoveChild(ctx context.Context, parentDocID, childID string) error
	DeleteIDs(ctx context.Context, ids []string) search.Report
	IndexComponent(ctx context.Context, kind store.Kind, exhibitID, id string) error
}

type locker interface {
	Acquire(ctx context.Context, kind store.Kind, id, user string) (lock.Result, error)
	Release(ctx context.Context, kind store.Kind, id, user string, force bool) (bool, error)
	HeldByOther(record store.Record, user string) bool
}

type orderer interface {
	NextOrder(ctx context.Context, kind store.Kind, parentID string) (int, error)
	ApplyBatch(ctx context.Context, moves []ordering.Move) ordering.BatchResult
}

// Deps are the collaborators of the facade. Media and Checks are optional.
type Deps struct {
	Store     store.Store
	Locks     locker
	Orders    orderer
	Publisher publisher
	Index     indexer
	Queue     deferred.Queue
	Media     media.Store
	Logger    zerolog.Logger

	// RepublishDelay separates the suppress and publish halves of a
	// republish-on-edit.
	RepublishDelay time.Duration
	Clock          func() time.Time
	// Checks are extra readiness probes keyed by dependency name.
	Checks map[string]func(context.Context) error
}

type Service struct {
	store          store.Store
	locks          locker
	orders         orderer
	publisher      publisher
	index          indexer
	queue          deferred.Queue
	media          media.Store
	logger         zerolog.Logger
	republishDelay time.Duration
	now            func() time.Time
	checks         map[string]func(context.Context) error
}

func New(deps Deps) *Service {
	now := deps.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:          deps.Store,
		locks:          deps.Locks,
		orders:         deps.Orders,
		publisher:      deps.Publisher,
		index:          deps.Index,
		queue:          deps.Queue,
		media:          deps.Media,
		logger:         deps.Logger.With().Str("component", "facade").Logger(),
		republishDelay: deps.RepublishDelay,
		now:            now,
		checks:         deps.Checks,
	}
}

func success(message string, data any) Envelope {
	return Envelope{Status: StatusSuccess, Message: message, Data: data, httpStatus: http.StatusOK}
}

// failure logs err and converts it into an envelope.
func (s *Service) failure(op string, err error) Envelope {
	mapped := mapError(err)
	event := s.logger.Error()
	if mapped.Status < http.StatusInternalServerError {
		event = s.logger.Warn()
	}
	event.Err(err).Str("op", op).Str("code", mapped.Code).Msg("operation failed")
	return Envelope{
		Status:     envelopeStatus(mapped.Code),
		Message:    mapped.Message,
		Code:       mapped.Code,
		Data:       mapped.Details,
		httpStatus: mapped.Status,
	}
}

func fromOutcome(outcome publication.Outcome) Envelope {
	env := Envelope{Message: outcome.Message, Data: outcome}
	switch outcome.Status {
	case publication.StatusSuccess:
		env.Status, env.httpStatus = StatusSuccess, http.StatusOK
	case publication.StatusNoContent:
		env.Status, env.Code, env.httpStatus = StatusNoItems, CodeNoContent, http.StatusOK
	case publication.StatusPartialFailure:
		env.Status, env.Code, env.httpStatus = StatusPartialFailure, CodePartialFailure, http.StatusMultiStatus
	default:
		mapped := domainError(http.StatusInternalServerError, CodeStore, outcome.Message, nil)
		if outcome.Err != nil {
			mapped = mapError(outcome.Err)
		}
		env.Code, env.httpStatus = mapped.Code, mapped.Status
		switch outcome.Status {
		case publication.StatusInvalid:
			env.Status = StatusInvalid
		case publication.StatusNotFound:
			env.Status = StatusNotFound
		default:
			env.Status = StatusFailed
		}
	}
	return env
}

// PublishExhibit flags the whole tree published and indexes it.
func (s *Service) PublishExhibit(ctx context.Context, exhibitID string) Envelope {
	return fromOutcome(s.publisher.Publish(ctx, exhibitID))
}

func (s *Service) SuppressExhibit(ctx context.Context, exhibitID string) Envelope {
	return fromOutcome(s.publisher.Suppress(ctx, exhibitID))
}

func (s *Service) BuildPreview(ctx context.Context, exhibitID string) Envelope {
	return fromOutcome(s.publisher.Preview(ctx, exhibitID, true))
}

func (s *Service) DeletePreview(ctx context.Context, exhibitID string) Envelope {
	return fromOutcome(s.publisher.Preview(ctx, exhibitID, false))
}

// DeleteExhibit cascades a soft delete through the exhibit and clears it from
// the index.
func (s *Service) DeleteExhibit(ctx context.Context, exhibitID string) Envelope {
	return fromOutcome(s.publisher.Delete(ctx, exhibitID))
}

// Reorder applies every move independently and reports each outcome.
func (s *Service) Reorder(ctx context.Context, moves []ordering.Move) Envelope {
	if len(moves) == 0 {
		return s.failure("reorder", domainError(http.StatusUnprocessableEntity, CodeValidation, "No moves given", nil))
	}
	result := s.orders.ApplyBatch(ctx, moves)
	switch {
	case result.Failed == 0:
		return success("Order updated", result)
	case result.Applied == 0:
		env := s.failure("reorder", firstMoveErr(result))
		env.Status, env.Message, env.Data = StatusFailed, "Unable to update order", result
		return env
	default:
		s.logger.Warn().Int("applied", result.Applied).Int("failed", result.Failed).Msg("reorder partially applied")
		return Envelope{
			Status:     StatusPartialFailure,
			Message:    fmt.Sprintf("%d of %d moves failed", result.Failed, len(moves)),
			Code:       CodePartialFailure,
			Data:       result,
			httpStatus: http.StatusMultiStatus,
		}
	}
}

func firstMoveErr(result ordering.BatchResult) error {
	for _, move := range result.Moves {
		if err := move.Err(); err != nil {
			return err
		}
	}
	return store.ErrNotFound
}

// LockForEdit takes the advisory edit lock. Contention is not an error: the
// caller gets the holder back with a locked status.
func (s *Service) LockForEdit(ctx context.Context, kind store.Kind, id, user string) Envelope {
	result, err := s.locks.Acquire(ctx, kind, id, user)
	if err != nil {
		return s.failure("lock", err)
	}
	switch result.Status {
	case lock.AlreadyLockedByOther:
		return Envelope{
			Status:     StatusLocked,
			Message:    fmt.Sprintf("Record is being edited by %s", result.LockedBy),
			Code:       CodeLockConflict,
			Data:       result,
			httpStatus: http.StatusConflict,
		}
	case lock.AlreadyLockedBySelf:
		return success("Record already locked by you", result)
	default:
		return success("Record locked", result)
	}
}

// Unlock releases the edit lock. force bypasses the ownership check.
func (s *Service) Unlock(ctx context.Context, kind store.Kind, id, user string, force bool) Envelope {
	released, err := s.locks.Release(ctx, kind, id, user, force)
	if err != nil {
		return s.failure("unlock", err)
	}
	if !released {
		return Envelope{
			Status:     StatusLocked,
			Message:    "Record is locked by another user",
			Code:       CodeLockConflict,
			Data:       map[string]any{"released": false},
			httpStatus: http.StatusConflict,
		}
	}
	return success("Record unlocked", map[string]any{"released": true})
}

// ExhibitState reports the publication state derived from the exhibit flags.
func (s *Service) ExhibitState(ctx context.Context, exhibitID string) Envelope {
	exhibit, err := s.store.Get(ctx, store.KindExhibit, "", exhibitID)
	if err != nil {
		return s.failure("exhibit_state", err)
	}
	return success("Exhibit state", map[string]any{
		"exhibit_id":   exhibit.ID,
		"state":        publication.DeriveState(exhibit),
		"is_published": exhibit.IsPublished,
		"is_preview":   exhibit.IsPreview,
	})
}

// GetIndexedRecord returns the public document stored for id.
func (s *Service) GetIndexedRecord(ctx context.Context, id string) Envelope {
	if err := store.ValidateID("id", id); err != nil {
		return s.failure("get_indexed", err)
	}
	doc, err := s.index.Get(ctx, id)
	if err != nil {
		return s.failure("get_indexed", err)
	}
	return success("Indexed record", doc)
}

func (s *Service) GetPreviewRecord(ctx context.Context, exhibitID string) Envelope {
	if err := store.ValidateID("exhibit_id", exhibitID); err != nil {
		return s.failure("get_preview", err)
	}
	doc, err := s.index.GetPreview(ctx, exhibitID)
	if err != nil {
		return s.failure("get_preview", err)
	}
	return success("Preview record", doc)
}

// scheduleRepublish queues a suppress due now and a publish due after the
// republish delay. Enqueueing again for the same exhibit pushes both back.
func (s *Service) scheduleRepublish(ctx context.Context, exhibitID, user string) []deferred.Task {
	now := s.now()
	// Tasks due at the same instant run in id order, which would put publish
	// first; keep publish strictly later.
	delay := max(s.republishDelay, time.Millisecond)
	tasks := []deferred.Task{
		deferred.NewTask(deferred.ActionSuppress, exhibitID, user, now, 0),
		deferred.NewTask(deferred.ActionPublish, exhibitID, user, now, delay),
	}
	for _, task := range tasks {
		if err := s.queue.Enqueue(ctx, task); err != nil {
			s.logger.Error().Err(err).Str("task", task.ID).Str("exhibit", exhibitID).Msg("enqueue republish failed")
			return nil
		}
	}
	s.logger.Info().Str("exhibit", exhibitID).Time("publish_at", tasks[1].DueAt).Msg("republish scheduled")
	return tasks
}

// HandleTask runs one deferred task. It is the handler of the deferred worker.
func (s *Service) HandleTask(ctx context.Context, task deferred.Task) error {
	var outcome publication.Outcome
	switch task.Action {
	case deferred.ActionSuppress:
		outcome = s.publisher.Suppress(ctx, task.ExhibitID)
	case deferred.ActionPublish:
		outcome = s.publisher.Publish(ctx, task.ExhibitID)
	default:
		return fmt.Errorf("unknown deferred action %q", task.Action)
	}
	if outcome.Succeeded() {
		return nil
	}
	if outcome.Err != nil {
		return fmt.Errorf("%s %s: %s: %w", task.Action, task.ExhibitID, outcome.Message, outcome.Err)
	}
	return fmt.Errorf("%s %s: %s", task.Action, task.ExhibitID, outcome.Message)
}

func (s *Service) PendingTasks(ctx context.Context) Envelope {
	tasks, err := s.queue.Pending(ctx)
	if err != nil {
		return s.failure("pending_tasks", err)
	}
	return success("Pending tasks", tasks)
}

// CancelRepublish drops both halves of a pending republish.
func (s *Service) CancelRepublish(ctx context.Context, exhibitID string) Envelope {
	if err := store.ValidateID("exhibit_id", exhibitID); err != nil {
		return s.failure("cancel_republish", err)
	}
	var cancelled []string
	for _, action := range []deferred.Action{deferred.ActionSuppress, deferred.ActionPublish} {
		id := deferred.TaskID(action, exhibitID)
		ok, err := s.queue.Cancel(ctx, id)
		if err != nil {
			return s.failure("cancel_republish", err)
		}
		if ok {
			cancelled = append(cancelled, id)
		}
	}
	if len(cancelled) == 0 {
		return s.failure("cancel_republish", domainError(http.StatusNotFound, CodeNotFound, "No pending republish", nil))
	}
	return success("Republish cancelled", map[string]any{"cancelled": cancelled})
}

// Ready runs the store ping and every registered check.
func (s *Service) Ready(ctx context.Context) (bool, map[string]any) {
	checks := map[string]any{}
	ready := true
	probe := func(name string, fn func(context.Context) error) {
		if err := fn(ctx); err != nil {
			ready = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			return
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	probe("database", s.store.Ping)
	for name, fn := range s.checks {
		probe(name, fn)
	}
	return ready, checks
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, search.ErrDocumentNotFound)
}
