package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dulibrarytech/exhibits-backend-sub001/internal/auth"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/rbac"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/store"
)

type httpResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T, opts ...func(*Deps)) (*harness, *httptest.Server) {
	t.Helper()
	h := newHarness(t, opts...)
	server := httptest.NewServer(NewHTTPServer(h.svc, "*", zerolog.Nop()).Handler())
	t.Cleanup(server.Close)
	return h, server
}

func call(t *testing.T, server *httptest.Server, method, path string, role rbac.Role, body string) (*http.Response, httpResponse) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerUserID, "curator")
	if role != "" {
		req.Header.Set(headerUserRole, string(role))
	}

	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded httpResponse
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), string(raw))
	}
	return resp, decoded
}

func createdID(t *testing.T, payload httpResponse) string {
	t.Helper()
	var data struct {
		Record struct {
			ID string `json:"uuid"`
		} `json:"record"`
	}
	require.NoError(t, json.Unmarshal(payload.Data, &data))
	require.NotEmpty(t, data.Record.ID)
	return data.Record.ID
}

func TestHealthEndpoint(t *testing.T) {
	_, server := newTestServer(t)

	resp, err := server.Client().Get(server.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestReadyEndpointReportsFailingDependency(t *testing.T) {
	_, server := newTestServer(t, func(d *Deps) {
		d.Checks = map[string]func(context.Context) error{
			"search": func(context.Context) error { return errors.New("meilisearch unreachable") },
		}
	})

	resp, err := server.Client().Get(server.URL + "/api/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body struct {
		OK     bool                         `json:"ok"`
		Status string                       `json:"status"`
		Checks map[string]map[string]string `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.OK)
	assert.Equal(t, "not_ready", body.Status)
	assert.Equal(t, "ok", body.Checks["database"]["status"])
	assert.Equal(t, "meilisearch unreachable", body.Checks["search"]["error"])
}

func TestPreflightIsAnswered(t *testing.T) {
	_, server := newTestServer(t)

	resp, _ := call(t, server, http.MethodOptions, "/api/exhibits/anything/publish", "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "GET,POST,PUT,DELETE,OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
}

func TestRolesGateRoutes(t *testing.T) {
	_, server := newTestServer(t)

	resp, payload := call(t, server, http.MethodPost, "/api/exhibits", "", `{"title":"Maps"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, CodeForbidden, payload.Code)
	assert.Equal(t, "forbidden", payload.Status)

	resp, payload = call(t, server, http.MethodPost, "/api/exhibits", rbac.RoleEditor, `{"title":"Maps"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, payload.Message)
	exhibitID := createdID(t, payload)

	resp, _ = call(t, server, http.MethodPost, "/api/exhibits/"+exhibitID+"/publish", rbac.RoleEditor, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = call(t, server, http.MethodDelete, "/api/trash/exhibit/"+exhibitID, rbac.RolePublisher, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = call(t, server, http.MethodGet, "/api/exhibits/"+exhibitID, rbac.RoleViewer, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBuildAndPublishExhibitOverHTTP(t *testing.T) {
	h, server := newTestServer(t)

	resp, payload := call(t, server, http.MethodPost, "/api/exhibits", rbac.RolePublisher, `{"title":"Maps"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, payload.Message)
	exhibitID := createdID(t, payload)

	resp, payload = call(t, server, http.MethodPost, "/api/exhibits/"+exhibitID+"/publish", rbac.RolePublisher, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StatusNoItems, payload.Status)

	resp, payload = call(t, server, http.MethodPost, "/api/exhibits/"+exhibitID+"/grids", rbac.RolePublisher, `{"title":"Atlas plates"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, payload.Message)
	gridID := createdID(t, payload)

	resp, payload = call(t, server, http.MethodPost, "/api/exhibits/"+exhibitID+"/grids/"+gridID+"/items", rbac.RolePublisher, `{"title":"Plate 1","media":"plates/1.jpg"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, payload.Message)

	resp, payload = call(t, server, http.MethodPost, "/api/exhibits/"+exhibitID+"/publish", rbac.RolePublisher, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, payload.Message)
	assert.Equal(t, StatusSuccess, payload.Status)
	assert.Equal(t, 2, h.public.Len())

	resp, payload = call(t, server, http.MethodGet, "/api/index/"+gridID, rbac.RoleViewer, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc struct {
		Items []struct {
			Title string `json:"title"`
			Media string `json:"media"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(payload.Data, &doc))
	require.Len(t, doc.Items, 1)
	assert.Equal(t, "plates/1.jpg", doc.Items[0].Media)

	resp, payload = call(t, server, http.MethodGet, "/api/exhibits/"+exhibitID+"/state", rbac.RoleViewer, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `"published"`, string(mustField(t, payload.Data, "state")))
}

func mustField(t *testing.T, raw json.RawMessage, field string) json.RawMessage {
	t.Helper()
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &fields))
	value, ok := fields[field]
	require.True(t, ok, "missing %s in %s", field, raw)
	return value
}

func TestLockRoutes(t *testing.T) {
	h, server := newTestServer(t)
	exhibit := h.create(t, store.KindExhibit, store.Record{Title: "Maps"})

	resp, payload := call(t, server, http.MethodPost, "/api/locks/exhibit/"+exhibit.ID, rbac.RoleEditor, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, payload.Message)

	resp, _ = call(t, server, http.MethodDelete, "/api/locks/exhibit/"+exhibit.ID+"?force=true", rbac.RoleEditor, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, payload = call(t, server, http.MethodDelete, "/api/locks/exhibit/"+exhibit.ID+"?force=true", rbac.RoleAdmin, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, payload.Message)

	resp, payload = call(t, server, http.MethodPost, "/api/locks/poster/"+exhibit.ID, rbac.RoleEditor, "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, StatusInvalid, payload.Status)
}

func TestRejectsBadRequests(t *testing.T) {
	h, server := newTestServer(t)
	exhibit := h.create(t, store.KindExhibit, store.Record{Title: "Maps"})

	resp, payload := call(t, server, http.MethodPost, "/api/exhibits", rbac.RoleEditor, `{"title":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeInvalidBody, payload.Code)

	resp, payload = call(t, server, http.MethodPost, "/api/exhibits", rbac.RoleEditor, `{"colour":"red"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeInvalidBody, payload.Code)

	resp, payload = call(t, server, http.MethodGet, "/api/exhibits/"+exhibit.ID+"/posters", rbac.RoleViewer, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, StatusNotFound, payload.Status)

	resp, _ = call(t, server, http.MethodGet, "/api/exhibits/"+exhibit.ID+"/headings/"+exhibit.ID+"/items", rbac.RoleViewer, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, payload = call(t, server, http.MethodGet, "/api/nowhere", rbac.RoleViewer, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeNotFound, payload.Code)

	resp, payload = call(t, server, http.MethodPost, "/api/exhibits/"+exhibit.ID+"/reorder", rbac.RoleEditor, `{"moves":[{"kind":"exhibit","uuid":"`+exhibit.ID+`","order":1}]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, CodeValidation, payload.Code)
}

func TestNestedRoutesStayInsideTheirExhibit(t *testing.T) {
	h, server := newTestServer(t)
	ctx := context.Background()
	home := h.create(t, store.KindExhibit, store.Record{Title: "Maps"})
	other := h.create(t, store.KindExhibit, store.Record{Title: "Letters"})
	grid := h.create(t, store.KindGrid, store.Record{ExhibitID: other.ID})
	item := h.create(t, store.KindGridItem, store.Record{ExhibitID: other.ID, ParentID: grid.ID, Title: "Original"})

	wrong := "/api/exhibits/" + home.ID + "/grids/" + grid.ID + "/items"
	resp, payload := call(t, server, http.MethodGet, wrong, rbac.RoleViewer, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, StatusNotFound, payload.Status)

	resp, _ = call(t, server, http.MethodGet, wrong+"/"+item.ID, rbac.RoleViewer, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = call(t, server, http.MethodPut, wrong+"/"+item.ID, rbac.RoleEditor, `{"title":"Changed"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = call(t, server, http.MethodDelete, wrong+"/"+item.ID, rbac.RoleEditor, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	stored, err := h.store.Get(ctx, store.KindGridItem, grid.ID, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "Original", stored.Title)

	right := "/api/exhibits/" + other.ID + "/grids/" + grid.ID + "/items/" + item.ID
	resp, payload = call(t, server, http.MethodPut, right, rbac.RoleEditor, `{"title":"Changed"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode, payload.Message)
	resp, _ = call(t, server, http.MethodDelete, right, rbac.RoleEditor, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBearerTokensReplaceIdentityHeaders(t *testing.T) {
	h := newHarness(t)
	verifier := auth.NewVerifier("gateway-secret")
	server := httptest.NewServer(NewHTTPServer(h.svc, "*", zerolog.Nop(), WithTokenVerifier(verifier)).Handler())
	t.Cleanup(server.Close)

	send := func(header string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, server.URL+"/api/exhibits", strings.NewReader(`{"title":"Maps"}`))
		require.NoError(t, err)
		req.Header.Set(headerUserID, "spoofed")
		req.Header.Set(headerUserRole, string(rbac.RoleAdmin))
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp, err := server.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, send("").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, send("Bearer forged").StatusCode)

	viewer, err := verifier.Issue(auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "reader", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Role:             string(rbac.RoleViewer),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, send("Bearer "+viewer).StatusCode)

	editor, err := verifier.Issue(auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "curator", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Role:             string(rbac.RoleEditor),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, send("Bearer "+editor).StatusCode)

	exhibits, err := h.store.ListByParent(context.Background(), store.KindExhibit, "")
	require.NoError(t, err)
	require.Len(t, exhibits, 1)
	assert.Equal(t, "curator", exhibits[0].CreatedBy)

	resp, err := server.Client().Get(server.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
