package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/researchstate/internal/store"
	"github.com/kittclouds/researchstate/internal/supervisor"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	db     *store.DB
	router *gin.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := store.Open(context.Background(), store.Options{
		Path: filepath.Join(t.TempDir(), "api.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &testServer{db: db, router: NewRouter(NewHandlers(db, nil))}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *bytes.Reader
	switch b := body.(type) {
	case nil:
		r = bytes.NewReader(nil)
	case string:
		r = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (ts *testServer) session(t *testing.T) string {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{"topic": "battery recycling"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[store.Session](t, w).ID
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Status        string           `json:"status"`
		SchemaVersion int              `json:"schemaVersion"`
		Engine        store.EngineInfo `json:"engine"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Positive(t, body.SchemaVersion)
	assert.NotEmpty(t, body.Engine.SQLite)
	assert.NotEmpty(t, body.Engine.Vec)
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	id := ts.session(t)

	w := ts.do(t, http.MethodGet, "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	sess := decode[store.Session](t, w)
	assert.Equal(t, "battery recycling", sess.Topic)
	assert.Equal(t, store.SessionInitializing, sess.Status)

	w = ts.do(t, http.MethodGet, "/api/v1/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decode[ErrorResponse](t, w).Code)

	w = ts.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{"researchType": "deep"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPut, "/api/v1/sessions/"+id+"/status", map[string]any{"status": "sleeping"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPut, "/api/v1/sessions/"+id+"/status", map[string]any{"status": "completed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, store.SessionCompleted, decode[store.Session](t, w).Status)

	w = ts.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/facts", map[string]any{
		"entity": "Acme", "attribute": "revenue", "value": "$10M",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "SESSION_CLOSED", decode[ErrorResponse](t, w).Code)

	w = ts.do(t, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = ts.do(t, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFactImportAndConflicts(t *testing.T) {
	ts := newTestServer(t)
	id := ts.session(t)

	raw := "```json\n" + `[
		{"entity": "Acme", "attribute": "revenue", "value": "$10M", "confidence": "high"},
		{"entity": "Acme", "attribute": "revenue", "value": "$14M", "confidence": "low"}
	]` + "\n```"
	w := ts.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/facts/import", raw)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[store.BatchResult](t, w)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 2, res.Created)
	assert.Empty(t, res.Errors)

	w = ts.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/facts/import", "the agent gave up")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/conflicts/detect", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	detected := decode[struct {
		Conflicts []store.Conflict `json:"conflicts"`
	}](t, w)
	require.Len(t, detected.Conflicts, 1)

	w = ts.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/conflicts/apply", map[string]any{"policy": "highest_confidence"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	applied := decode[struct {
		Resolved int `json:"resolved"`
	}](t, w)
	assert.Equal(t, 1, applied.Resolved)

	w = ts.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/conflicts?resolved=false", nil)
	require.Equal(t, http.StatusOK, w.Code)
	remaining := decode[struct {
		Conflicts []store.Conflict `json:"conflicts"`
	}](t, w)
	assert.Empty(t, remaining.Conflicts)

	w = ts.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/conflicts?resolved=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/facts/statistics?format=markdown", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/markdown"))
	assert.Contains(t, w.Body.String(), "Acme")
}

func TestEntityGraph(t *testing.T) {
	ts := newTestServer(t)
	id := ts.session(t)

	doc := `{"entities": [{"name": "Acme", "type": "company"}, {"name": "Globex", "type": "company"}],
		"relationships": [{"source": "Acme", "target": "Globex", "relation": "competes with"}]}`
	w := ts.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/entities/import", doc)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[store.BatchResult](t, w)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 1, res.Edges)

	w = ts.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/entities/find?name=acme", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	acme := decode[store.Entity](t, w)
	assert.Equal(t, "Acme", acme.Name)

	w = ts.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/entities/find?name=Initech", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/graph?format=dot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "digraph")
	assert.Contains(t, w.Body.String(), "competes_with")

	w = ts.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/graph?format=pdf", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCitationValidation(t *testing.T) {
	ts := newTestServer(t)
	id := ts.session(t)

	w := ts.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/citations", map[string]any{
		"claim": "Acme doubled output", "url": "https://example.com/acme", "quality": "b",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	cit := decode[store.Citation](t, w)
	assert.Equal(t, store.QualityB, cit.Quality)

	path := "/api/v1/citations/" + itoa(cit.ID) + "/validation"
	w = ts.do(t, http.MethodPut, path, map[string]any{"quality": "A", "urlAccessible": true, "complete": true})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(t, http.MethodPut, "/api/v1/citations/999/validation", map[string]any{"complete": true})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/citations/statistics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[store.CitationStats](t, w)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.QualityA)
}

func TestSweepEndpoint(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/supervisor/sweep", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	sup := supervisor.New(ts.db, time.Minute, supervisor.Thresholds{Workers: 1}, nil)
	router := NewRouter(NewHandlers(ts.db, nil).WithSupervisor(sup))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/supervisor/sweep", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, "/api/v1/sessions/missing", nil)

	w := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "researchstate_api_requests_total")
}

func itoa(v int64) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}
