package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/infravault/internal/reconciliation"
	"github.com/mbd888/infravault/internal/records"
	"github.com/mbd888/infravault/internal/tracker"
)

type recordingExpirer struct {
	store   tracker.Store
	expired []string
}

func (e *recordingExpirer) ExpirePending(ctx context.Context, req *tracker.PendingRequest) error {
	e.expired = append(e.expired, req.RequestID)
	_, err := e.store.Resolve(ctx, req.RequestID)
	return err
}

type env struct {
	router  *gin.Engine
	pending *tracker.MemoryStore
	expirer *recordingExpirer
	now     time.Time
}

func newEnv(t *testing.T, withReconciler bool) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	e := &env{
		pending: tracker.NewMemoryStore(),
		now:     time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
	}
	e.expirer = &recordingExpirer{store: e.pending}

	h := NewHandler().WithPendingStore(e.pending).WithExpirer(e.expirer)
	h.now = func() time.Time { return e.now }
	if withReconciler {
		h.WithReconciler(reconciliation.NewRunner(e.pending, records.NewMemoryStore(), 0, nil))
	}

	e.router = gin.New()
	h.RegisterRoutes(e.router.Group("/v1/admin"))
	return e
}

func (e *env) track(t *testing.T, id string, age time.Duration) {
	t.Helper()
	require.NoError(t, e.pending.Track(context.Background(), &tracker.PendingRequest{
		RequestID: id, Kind: tracker.KindAnalysis, TargetID: 7, CreatedAt: e.now.Add(-age),
	}))
}

func (e *env) do(method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestListPending(t *testing.T) {
	e := newEnv(t, false)
	e.track(t, "old", time.Hour)
	e.track(t, "fresh", time.Second)

	w := e.do(http.MethodGet, "/v1/admin/pending")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Requests []StuckRequest `json:"requests"`
		Count    int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, "old", body.Requests[0].RequestID)
	assert.Equal(t, "1h0m0s", body.Requests[0].Age)

	w = e.do(http.MethodGet, "/v1/admin/pending?olderThan=5m")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)

	w = e.do(http.MethodGet, "/v1/admin/pending?olderThan=soon")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExpirePending(t *testing.T) {
	e := newEnv(t, false)
	e.track(t, "stuck", time.Hour)

	w := e.do(http.MethodPost, "/v1/admin/pending/stuck/expire")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"stuck"}, e.expirer.expired)
	assert.Contains(t, w.Body.String(), `"expired":true`)

	n, err := e.pending.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	w = e.do(http.MethodPost, "/v1/admin/pending/stuck/expire")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Len(t, e.expirer.expired, 1)
}

func TestReconcile(t *testing.T) {
	e := newEnv(t, true)

	w := e.do(http.MethodGet, "/v1/admin/reconcile")
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Target network 7 does not exist in the empty record store.
	e.track(t, "orphan", time.Minute)

	w = e.do(http.MethodPost, "/v1/admin/reconcile")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Report reconciliation.Report `json:"report"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Report.Healthy)
	assert.Equal(t, 1, body.Report.MissingTargets)

	w = e.do(http.MethodGet, "/v1/admin/reconcile")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUnconfigured(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler().RegisterRoutes(r.Group("/admin"))

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/admin/pending"},
		{http.MethodPost, "/admin/pending/x/expire"},
		{http.MethodPost, "/admin/reconcile"},
		{http.MethodGet, "/admin/reconcile"},
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, tc.path)
	}
}
