package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/dulibrarytech/exhibits-backend-sub001/internal/auth"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/ordering"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/rbac"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/store"
)

// Authentication happens upstream; the gateway forwards the caller identity
// in these headers.
const (
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	verifier   *auth.Verifier
	logger     zerolog.Logger
}

type ServerOption func(*HTTPServer)

// WithTokenVerifier makes the server take the caller from a gateway-signed
// bearer token instead of the identity headers.
func WithTokenVerifier(verifier *auth.Verifier) ServerOption {
	return func(s *HTTPServer) { s.verifier = verifier }
}

func NewHTTPServer(service *Service, corsOrigin string, logger zerolog.Logger, opts ...ServerOption) *HTTPServer {
	s := &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		logger:     logger.With().Str("component", "http").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Actor is the caller of a request.
type Actor struct {
	UserID string
	Role   rbac.Role
}

type actorKey struct{}

func actorFrom(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorKey{}).(Actor)
	return actor
}

var collections = map[string]store.Kind{
	"headings":  store.KindHeading,
	"items":     store.KindItem,
	"grids":     store.KindGrid,
	"timelines": store.KindTimeline,
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(preflight)
	r.Use(s.identify)

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/api/ready", s.handleReady)

	r.Route("/api/exhibits", func(r chi.Router) {
		r.With(s.require(rbac.ActionRead)).Get("/", s.handleListExhibits)
		r.With(s.require(rbac.ActionWrite)).Post("/", s.handleCreateExhibit)

		r.Route("/{exhibitID}", func(r chi.Router) {
			r.With(s.require(rbac.ActionRead)).Get("/", s.handleGetExhibit)
			r.With(s.require(rbac.ActionWrite)).Put("/", s.handleUpdateExhibit)
			r.With(s.require(rbac.ActionDelete)).Delete("/", s.handleDeleteExhibit)
			r.With(s.require(rbac.ActionRead)).Get("/state", s.handleExhibitState)

			r.With(s.require(rbac.ActionPublish)).Post("/publish", s.handlePublish)
			r.With(s.require(rbac.ActionPublish)).Post("/suppress", s.handleSuppress)
			r.With(s.require(rbac.ActionPublish)).Post("/preview", s.handleBuildPreview)
			r.With(s.require(rbac.ActionPublish)).Delete("/preview", s.handleDeletePreview)
			r.With(s.require(rbac.ActionRead)).Get("/preview", s.handleGetPreview)
			r.With(s.require(rbac.ActionPublish)).Delete("/republish", s.handleCancelRepublish)
			r.With(s.require(rbac.ActionWrite)).Post("/reorder", s.handleReorder)

			r.With(s.require(rbac.ActionRead)).Get("/{collection}", s.handleListComponents)
			r.With(s.require(rbac.ActionWrite)).Post("/{collection}", s.handleCreateComponent)
			r.With(s.require(rbac.ActionRead)).Get("/{collection}/{id}", s.handleGetComponent)
			r.With(s.require(rbac.ActionWrite)).Put("/{collection}/{id}", s.handleUpdateComponent)
			r.With(s.require(rbac.ActionWrite)).Delete("/{collection}/{id}", s.handleDeleteComponent)

			r.With(s.require(rbac.ActionRead)).Get("/{collection}/{id}/items", s.handleListNested)
			r.With(s.require(rbac.ActionWrite)).Post("/{collection}/{id}/items", s.handleCreateNested)
			r.With(s.require(rbac.ActionRead)).Get("/{collection}/{id}/items/{itemID}", s.handleGetNested)
			r.With(s.require(rbac.ActionWrite)).Put("/{collection}/{id}/items/{itemID}", s.handleUpdateNested)
			r.With(s.require(rbac.ActionWrite)).Delete("/{collection}/{id}/items/{itemID}", s.handleDeleteNested)
		})
	})

	r.With(s.require(rbac.ActionWrite)).Post("/api/locks/{kind}/{id}", s.handleLock)
	r.With(s.require(rbac.ActionWrite)).Delete("/api/locks/{kind}/{id}", s.handleUnlock)

	r.With(s.require(rbac.ActionRead)).Get("/api/trash/{kind}", s.handleListTrash)
	r.With(s.require(rbac.ActionDelete)).Post("/api/trash/{kind}/{id}/restore", s.handleRestore)
	r.With(s.require(rbac.ActionAdmin)).Delete("/api/trash/{kind}/{id}", s.handlePurge)

	r.With(s.require(rbac.ActionRead)).Get("/api/index/{id}", s.handleGetIndexed)
	r.With(s.require(rbac.ActionPublish)).Get("/api/tasks", s.handlePendingTasks)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		requestID := middleware.GetReqID(r.Context())
		writer := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		status := writer.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

func preflight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.verifier == nil {
			actor := Actor{
				UserID: strings.TrimSpace(r.Header.Get(headerUserID)),
				Role:   rbac.Normalize(strings.TrimSpace(r.Header.Get(headerUserRole))),
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
			return
		}

		// No token leaves the request anonymous; require rejects it on
		// protected routes.
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := s.verifier.Parse(token)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("rejected bearer token")
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Invalid or expired token", nil)
			return
		}
		actor := Actor{UserID: claims.Subject, Role: rbac.Normalize(claims.Role)}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func (s *HTTPServer) require(action rbac.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := actorFrom(r.Context())
			if s.verifier != nil && actor.UserID == "" {
				writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Authentication required", nil)
				return
			}
			if !rbac.Can(actor.Role, action) {
				s.logger.Warn().Str("user", actor.UserID).Str("role", string(actor.Role)).Str("action", string(action)).Str("path", r.URL.Path).Msg("forbidden")
				writeError(w, http.StatusForbidden, CodeForbidden, "Forbidden", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ready, checks := s.service.Ready(ctx)
	status, statusCode := "ready", http.StatusOK
	if !ready {
		status, statusCode = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     ready,
		"status": status,
		"checks": checks,
	})
}

// RecordInput is the body of create and update requests. Omitted fields are
// left untouched on update.
type RecordInput struct {
	ID          string          `json:"uuid"`
	Type        *string         `json:"type"`
	Title       *string         `json:"title"`
	Text        *string         `json:"text"`
	Description *string         `json:"description"`
	Media       *string         `json:"media"`
	Thumbnail   *string         `json:"thumbnail"`
	HeroImage   *string         `json:"hero_image"`
	Styles      json.RawMessage `json:"styles"`
	Properties  json.RawMessage `json:"properties"`
}

func (in RecordInput) record() store.Record {
	deref := func(value *string) string {
		if value == nil {
			return ""
		}
		return *value
	}
	return store.Record{
		ID:          in.ID,
		Type:        deref(in.Type),
		Title:       deref(in.Title),
		Text:        deref(in.Text),
		Description: deref(in.Description),
		Media:       deref(in.Media),
		Thumbnail:   deref(in.Thumbnail),
		HeroImage:   deref(in.HeroImage),
		Styles:      in.Styles,
		Properties:  in.Properties,
	}
}

func (in RecordInput) patch() store.Patch {
	return store.Patch{
		Type:        in.Type,
		Title:       in.Title,
		Text:        in.Text,
		Description: in.Description,
		Media:       in.Media,
		Thumbnail:   in.Thumbnail,
		HeroImage:   in.HeroImage,
		Styles:      in.Styles,
		Properties:  in.Properties,
	}
}

func (s *HTTPServer) handleListExhibits(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.service.ListRecords(r.Context(), store.KindExhibit, ""))
}

func (s *HTTPServer) handleCreateExhibit(w http.ResponseWriter, r *http.Request) {
	var body RecordInput
	if !decodeOrReject(w, r, &body) {
		return
	}
	writeEnvelope(w, s.service.CreateRecord(r.Context(), store.KindExhibit, body.record(), actorFrom(r.Context()).UserID))
}

func (s *HTTPServer) handleGetExhibit(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.service.GetRecord(r.Context(), store.KindExhibit, "", chi.URLParam(r, "exhibitID")))
}

func (s *HTTPServer) handleUpdateExhibit(w http.ResponseWriter, r *http.Request) {
	var body RecordInput
	if !decodeOrReject(w, r, &body) {
		return
	}
	writeEnvelope(w, s.service.UpdateRecord(r.Context(), store.KindExhibit, "", chi.URLParam(r, "exhibitID"), body.patch(), actorFrom(r.Context()).UserID))
}

func (s *HTTPServer) handleDeleteExhibit(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.service.DeleteExhibit(r.Context(), chi.URLParam(r, "exhibitID")))
}

func (s *HTTPServer) handleExhibitState(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.service.ExhibitState(r.Context(), chi.URLParam(r, "exhibitID")))
}

func (s *HTTPServer) handlePublish(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.service.PublishExhibit(r.Context(), chi.URLParam(r, "exhibitID")))
}

func (s *HTTPServer) handleSuppress(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.service.SuppressExhibit(r.Context(), chi.URLParam(r, "exhibitID")))
}

func (s *HTTPServer) handleBuildPreview(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.service.BuildPreview(r.Context(), chi.URLParam(r, "exhibitID")))
}

func (s *HTTPServer) handleDeletePreview(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.service.DeletePreview(r.Context(), chi.URLParam(r, "exhibitID")))
}

func (s *HTTPServer) handleGetPreview(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.service.GetPreviewRecord(r.Context(), chi.URLParam(r, "exhibitID")))
}

func (s *HTTPServer) handleCancelRepublish(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.service.CancelRepublish(r.Context(), chi.URLParam(r, "exhibitID")))
}

type reorderInput struct {
	Moves []struct {
		Kind     string `json:"kind"`
		ParentID string `json:"parent_id"`
		ID       string `json:"uuid"`
		Order    int    `json:"order"`
	} `json:"moves"`
}

func (s *HTTPServer) handleReorder(w http.ResponseWriter, r *http.Request) {
	var body reorderInput
	if !decodeOrReject(w, r, &body) {
		return
	}
	exhibitID := chi.URLParam(r, "exhibitID")
	moves := make([]ordering.Move, 0, len(body.Moves))
	for _, in := range body.Moves {
		kind, err := store.ParseKind(in.Kind)
		if err != nil || kind == store.KindExhibit {
			writeError(w, http.StatusUnprocessableEntity, CodeValidation, fmt.Sprintf("Invalid kind %q", in.Kind), nil)
			return
		}
		parentID := in.ParentID
		if !kind.IsNested() {
			parentID = exhibitID
		}
		moves = append(moves, ordering.Move{Kind: kind, ParentID: parentID, ID: in.ID, Order: in.Order})
	}
	writeEnvelope(w, s.service.Reorder(r.Context(), moves))
}

// componentKind resolves the {collection} segment of a component route.
func componentKind(w http.ResponseWriter, r *http.Request) (store.Kind, bool) {
	kind, ok := collections[chi.URLParam(r, "collection")]
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "Route not found", nil)
	}
	return kind, ok
}

// nestedKind resolves the item kind under a grid or timeline route.
func nestedKind(w http.ResponseWriter, r *http.Request) (store.Kind, bool) {
	kind, ok := collections[chi.URLParam(r, "collection")]
	if ok {
		if child, nests := kind.ChildKind(); nests {
			return child, true
		}
	}
	writeError(w, http.StatusNotFound, CodeNotFound, "Route not found", nil)
	return "", false
}

func (s *HTTPServer) handleListComponents(w http.ResponseWriter, r *http.Request) {
	kind, ok := componentKind(w, r)
	if !ok {
		return
	}
	writeEnvelope(w, s.service.ListRecords(r.Context(), kind, chi.URLParam(r, "exhibitID")))
}

func (s *HTTPServer) handleCreateComponent(w http.ResponseWriter, r *http.Request) {
	kind, ok := componentKind(w, r)
	if !ok {
		return
	}
	var body RecordInput
	if !decodeOrReject(w, r, &body) {
		return
	}
	record := body.record()
	record.ExhibitID = chi.URLParam(r, "exhibitID")
	writeEnvelope(w, s.service.CreateRecord(r.Context(), kind, record, actorFrom(r.Context()).UserID))
}

func (s *HTTPServer) handleGetComponent(w http.ResponseWriter, r *http.Request) {
	kind, ok := componentKind(w, r)
	if !ok {
		return
	}
	writeEnvelope(w, s.service.GetRecord(r.Context(), kind, chi.URLParam(r, "exhibitID"), chi.URLParam(r, "id")))
}

func (s *HTTPServer) handleUpdateComponent(w http.ResponseWriter, r *http.Request) {
	kind, ok := componentKind(w, r)
	if !ok {
		return
	}
	var body RecordInput
	if !decodeOrReject(w, r, &body) {
		return
	}
	writeEnvelope(w, s.service.UpdateRecord(r.Context(), kind, chi.URLParam(r, "exhibitID"), chi.URLParam(r, "id"), body.patch(), actorFrom(r.Context()).UserID))
}

func (s *HTTPServer) handleDeleteComponent(w http.ResponseWriter, r *http.Request) {
	kind, ok := componentKind(w, r)
	if !ok {
		return
	}
	writeEnvelope(w, s.service.DeleteRecord(r.Context(), kind, chi.URLParam(r, "exhibitID"), chi.URLParam(r, "id"), actorFrom(r.Context()).UserID))
}

func (s *HTTPServer) handleListNested(w http.ResponseWriter, r *http.Request) {
	kind, ok := nestedKind(w, r)
	if !ok {
		return
	}
	writeEnvelope(w, s.service.ListNestedRecords(r.Context(), kind, chi.URLParam(r, "exhibitID"), chi.URLParam(r, "id")))
}

func (s *HTTPServer) handleCreateNested(w http.ResponseWriter, r *http.Request) {
	kind, ok := nestedKind(w, r)
	if !ok {
		return
	}
	var body RecordInput
	if !decodeOrReject(w, r, &body) {
		return
	}
	record := body.record()
	record.ExhibitID = chi.URLParam(r, "exhibitID")
	record.ParentID = chi.URLParam(r, "id")
	writeEnvelope(w, s.service.CreateRecord(r.Context(), kind, record, actorFrom(r.Context()).UserID))
}

func (s *HTTPServer) handleGetNested(w http.ResponseWriter, r *http.Request) {
	kind, ok := nestedKind(w, r)
	if !ok {
		return
	}
	writeEnvelope(w, s.service.GetNestedRecord(r.Context(), kind, chi.URLParam(r, "exhibitID"), chi.URLParam(r, "id"), chi.URLParam(r, "itemID")))
}

func (s *HTTPServer) handleUpdateNested(w http.ResponseWriter, r *http.Request) {
	kind, ok := nestedKind(w, r)
	if !ok {
		return
	}
	var body RecordInput
	if !decodeOrReject(w, r, &body) {
		return
	}
	writeEnvelope(w, s.service.UpdateNestedRecord(r.Context(), kind, chi.URLParam(r, "exhibitID"), chi.URLParam(r, "id"), chi.URLParam(r, "itemID"), body.patch(), actorFrom(r.Context()).UserID))
}

func (s *HTTPServer) handleDeleteNested(w http.ResponseWriter, r *http.Request) {
	kind, ok := nestedKind(w, r)
	if !ok {
		return
	}
	writeEnvelope(w, s.service.DeleteNestedRecord(r.Context(), kind, chi.URLParam(r, "exhibitID"), chi.URLParam(r, "id"), chi.URLParam(r, "itemID"), actorFrom(r.Context()).UserID))
}

func pathKind(w http.ResponseWriter, r *http.Request) (store.Kind, bool) {
	kind, err := store.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, CodeValidation, "Invalid kind", nil)
		return "", false
	}
	return kind, true
}

func (s *HTTPServer) handleLock(w http.ResponseWriter, r *http.Request) {
	kind, ok := pathKind(w, r)
	if !ok {
		return
	}
	writeEnvelope(w, s.service.LockForEdit(r.Context(), kind, chi.URLParam(r, "id"), actorFrom(r.Context()).UserID))
}

func (s *HTTPServer) handleUnlock(w http.ResponseWriter, r *http.Request) {
	kind, ok := pathKind(w, r)
	if !ok {
		return
	}
	actor := actorFrom(r.Context())
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if force && !rbac.Can(actor.Role, rbac.ActionAdmin) {
		writeError(w, http.StatusForbidden, CodeForbidden, "Forbidden", nil)
		return
	}
	writeEnvelope(w, s.service.Unlock(r.Context(), kind, chi.URLParam(r, "id"), actor.UserID, force))
}

func (s *HTTPServer) handleListTrash(w http.ResponseWriter, r *http.Request) {
	kind, ok := pathKind(w, r)
	if !ok {
		return
	}
	writeEnvelope(w, s.service.ListTrash(r.Context(), kind, r.URL.Query().Get("parent_id")))
}

func (s *HTTPServer) handleRestore(w http.ResponseWriter, r *http.Request) {
	kind, ok := pathKind(w, r)
	if !ok {
		return
	}
	writeEnvelope(w, s.service.RestoreRecord(r.Context(), kind, r.URL.Query().Get("parent_id"), chi.URLParam(r, "id"), actorFrom(r.Context()).UserID))
}

func (s *HTTPServer) handlePurge(w http.ResponseWriter, r *http.Request) {
	kind, ok := pathKind(w, r)
	if !ok {
		return
	}
	writeEnvelope(w, s.service.PurgeRecord(r.Context(), kind, r.URL.Query().Get("parent_id"), chi.URLParam(r, "id")))
}

func (s *HTTPServer) handleGetIndexed(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.service.GetIndexedRecord(r.Context(), chi.URLParam(r, "id")))
}

func (s *HTTPServer) handlePendingTasks(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.service.PendingTasks(r.Context()))
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID, X-User-ID, X-User-Role")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeEnvelope(w http.ResponseWriter, env Envelope) {
	writeJSON(w, env.HTTPStatus(), env)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeEnvelope(w, Envelope{
		Status:     envelopeStatus(code),
		Message:    message,
		Code:       code,
		Data:       details,
		httpStatus: status,
	})
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func decodeOrReject(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return false
	}
	return true
}
