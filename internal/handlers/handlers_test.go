package handlers

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Brownie44l1/plantid-api/internal/dataset"
	"github.com/Brownie44l1/plantid-api/internal/feedback"
	"github.com/Brownie44l1/plantid-api/internal/identify"
	"github.com/Brownie44l1/plantid-api/internal/metrics"
	"github.com/Brownie44l1/plantid-api/internal/model"
	"github.com/Brownie44l1/plantid-api/internal/predict"
	"github.com/Brownie44l1/plantid-api/internal/retrain"
	"github.com/Brownie44l1/plantid-api/internal/session"
	"github.com/Brownie44l1/plantid-api/internal/species"
	"github.com/Brownie44l1/plantid-api/internal/storage/sqlite"
)

type staticClassifier struct {
	probs []float64
	err   error
}

func (c *staticClassifier) Infer([]float32) ([]float64, error) {
	if c.err != nil {
		return nil, c.err
	}
	return append([]float64(nil), c.probs...), nil
}

type stubPreprocessor struct{}

func (stubPreprocessor) Prepare(raw []byte) ([]float32, error) {
	if bytes.Equal(raw, []byte("corrupt")) {
		return nil, model.ErrPreprocessing
	}
	return []float32{0}, nil
}

type testServer struct {
	handler    http.Handler
	classifier *staticClassifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	dir := t.TempDir()

	store, err := sqlite.Open(filepath.Join(dir, "plantid.db"), 100)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ds, err := dataset.NewStore(filepath.Join(dir, "dataset"), store, logger)
	require.NoError(t, err)

	catalog, err := species.NewCatalog([]string{"A", "B", "C", "D"})
	require.NoError(t, err)
	clf := &staticClassifier{probs: []float64{0.1, 0.6, 0.2, 0.1}}
	criteria := retrain.Criteria{MinTotalNewImages: 1, MinSpeciesWithNewImages: 1}

	registry := session.NewRegistry(session.RegistryConfig{Expiry: time.Hour, Capacity: 10, MaxAttempts: 3}, store, logger, m)
	svc := identify.NewService(
		predict.NewEngine(clf, catalog, logger, m),
		stubPreprocessor{},
		registry,
		feedback.NewRecorder(store, ds, criteria, logger, m),
		store.SpeciesLookup(logger),
		logger,
	)
	sched, err := retrain.NewScheduler("0 * * * *", ds, criteria, logger, m)
	require.NoError(t, err)

	h := NewHandler(svc, store, sched, Options{}, logger)
	return &testServer{
		handler:    h.Routes(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		classifier: clf,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) upload(t *testing.T, image []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", "leaf.jpg")
	require.NoError(t, err)
	_, err = fw.Write(image)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/sessions", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) newSession(t *testing.T) string {
	t.Helper()
	rec := s.upload(t, []byte{0xff, 0xd8, 0xff, 0xe0})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[session.View](t, rec).ID
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "healthy", decode[map[string]any](t, rec)["status"])
}

func TestSubmitRequiresImageField(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/sessions", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.upload(t, []byte("corrupt"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIdentificationFlow(t *testing.T) {
	s := newTestServer(t)
	id := s.newSession(t)

	rec := s.do(t, http.MethodPost, "/sessions/"+id+"/predict", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p := decode[identify.Prediction](t, rec)
	assert.Equal(t, "B", p.Result.Species)
	assert.Len(t, p.Result.Ranked, 4)

	rec = s.do(t, http.MethodPost, "/sessions/"+id+"/reject", speciesRequest{Species: "B"})
	require.Equal(t, http.StatusOK, rec.Code)
	rejected := decode[map[string]any](t, rec)
	assert.Equal(t, false, rejected["needs_manual_selection"])
	assert.Equal(t, float64(2), rejected["attempt_number"])

	rec = s.do(t, http.MethodGet, "/sessions/"+id+"/candidates?k=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cands := decode[map[string][]predict.Candidate](t, rec)["candidates"]
	require.Len(t, cands, 2)
	assert.Equal(t, "C", cands[0].Species)

	rec = s.do(t, http.MethodPost, "/sessions/"+id+"/predict", predictRequest{Exclude: []string{"C"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "A", decode[identify.Prediction](t, rec).Result.Species)

	rec = s.do(t, http.MethodPost, "/sessions/"+id+"/confirm", speciesRequest{Species: "A"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[feedback.Outcome](t, rec)
	assert.Equal(t, "A", out.Final.FinalSpecies)
	assert.True(t, out.Saved)
	require.NotNil(t, out.Assessment)
	assert.True(t, out.Assessment.Needed)

	rec = s.do(t, http.MethodPost, "/sessions/"+id+"/predict", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/admin/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"first_try_correct":0`)

	rec = s.do(t, http.MethodGet, "/admin/retrain?refresh=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"needed":true`)

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "plantid_sessions_created_total 1")
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)
	id := s.newSession(t)

	rec := s.do(t, http.MethodPost, "/sessions/"+id+"/confirm", speciesRequest{Species: "Z"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/sessions/"+id+"/reject", "not an object")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/sessions/"+id+"/candidates?k=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/sessions/"+id+"/predict", predictRequest{Exclude: []string{"A", "B", "C", "D"}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodPost, "/sessions/"+id+"/confirm", speciesRequest{Species: "B"})
	assert.Equal(t, http.StatusConflict, rec.Code, "nothing has been predicted yet")

	rec = s.do(t, http.MethodPost, "/sessions/unknown/predict", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	s.classifier.err = model.ErrModelUnavailable
	rec = s.do(t, http.MethodPost, "/sessions/"+id+"/predict", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestManualSelectionAndAbandon(t *testing.T) {
	s := newTestServer(t)

	id := s.newSession(t)
	rec := s.do(t, http.MethodPost, "/sessions/"+id+"/select", speciesRequest{Species: "Pilea peperomioides"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[feedback.Outcome](t, rec)
	assert.Equal(t, session.MethodManualSelection, out.Final.Method)
	assert.True(t, strings.HasPrefix(out.StoredFilename, "Pilea_peperomioides"))

	id = s.newSession(t)
	rec = s.do(t, http.MethodDelete, "/sessions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodGet, "/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPreflight(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/sessions", nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestConfirmWithoutBodyTakesLatestPrediction(t *testing.T) {
	s := newTestServer(t)
	id := s.newSession(t)

	rec := s.do(t, http.MethodPost, "/sessions/"+id+"/predict", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/sessions/"+id+"/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "B", decode[feedback.Outcome](t, rec).Final.FinalSpecies)
}
