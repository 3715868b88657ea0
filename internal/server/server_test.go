package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/discoverweekly/internal/database"
	"github.com/TobiSchelling/discoverweekly/internal/lidarr"
	"github.com/TobiSchelling/discoverweekly/internal/report"
)

type fakeOrchestrator struct {
	mu      sync.Mutex
	events  []lidarr.WebhookEvent
	touched []int64
	checked []int64
}

func (f *fakeOrchestrator) HandleLidarrEvent(_ context.Context, ev lidarr.WebhookEvent) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.touched, nil
}

func (f *fakeOrchestrator) CheckBatchCompletion(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = append(f.checked, id)
	return nil
}

type fakeBuilder struct {
	built []int64
	err   error
}

func (f *fakeBuilder) BuildFinalPlaylist(_ context.Context, id int64) error {
	f.built = append(f.built, id)
	return f.err
}

type harness struct {
	db    *database.DB
	srv   *Server
	orch  *fakeOrchestrator
	build *fakeBuilder
}

func newHarness(t *testing.T, token string) *harness {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{db: db, orch: &fakeOrchestrator{}, build: &fakeBuilder{}}
	h.srv, err = New(Deps{
		Store:        db,
		Orchestrator: h.orch,
		Playlists:    h.build,
		Reports:      report.NewComposer(db),
		WebhookToken: token,
	})
	require.NoError(t, err)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) createBatch(t *testing.T) int64 {
	t.Helper()
	b := &database.Batch{UserID: "alice", WeekStart: "2026-10-12", TargetSongCount: 40, Status: database.BatchDownloading}
	require.NoError(t, h.db.CreateBatch(context.Background(), b))
	return b.ID
}

func TestIndexRoute(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "No batches yet")

	h.createBatch(t)
	rec = h.do(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "alice")
	assert.Contains(t, body, "Week of Oct 12, 2026")
	assert.Contains(t, body, `class="status-downloading"`)
}

func TestBatchRoute(t *testing.T) {
	h := newHarness(t, "")
	id := h.createBatch(t)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/batches/"+strconv.FormatInt(id, 10), nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<h1>Discover Weekly: Week of Oct 12, 2026</h1>")
	assert.Contains(t, rec.Body.String(), "<strong>Status:</strong> downloading")

	rec = h.do(httptest.NewRequest(http.MethodGet, "/batches/999", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(httptest.NewRequest(http.MethodGet, "/batches/abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = h.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestScanComplete(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(httptest.NewRequest(http.MethodPost, "/api/batches/7/scan-complete", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","batch_id":7}`, rec.Body.String())
	assert.Equal(t, []int64{7}, h.build.built)

	h.build.err = errors.New("batch 8 failed during assembly")
	rec = h.do(httptest.NewRequest(http.MethodPost, "/api/batches/8/scan-complete", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = h.do(httptest.NewRequest(http.MethodGet, "/api/batches/7/scan-complete", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

const downloadEvent = `{"eventType":"Download","artist":{"id":3,"name":"Artist One"},"albums":[{"id":100,"title":"Alpha","foreignAlbumId":"rg-1"}],"downloadId":"dl-100"}`

func TestLidarrWebhook(t *testing.T) {
	h := newHarness(t, "")
	h.orch.touched = []int64{4, 5}

	rec := h.do(httptest.NewRequest(http.MethodPost, "/api/webhooks/lidarr", strings.NewReader(downloadEvent)))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"batches":[4,5]}`, rec.Body.String())

	h.srv.Close()
	require.Len(t, h.orch.events, 1)
	assert.Equal(t, lidarr.EventDownload, h.orch.events[0].EventType)
	assert.Equal(t, []int64{100}, h.orch.events[0].AlbumIDs())
	assert.ElementsMatch(t, []int64{4, 5}, h.orch.checked)

	rec = h.do(httptest.NewRequest(http.MethodPost, "/api/webhooks/lidarr", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLidarrWebhookToken(t *testing.T) {
	h := newHarness(t, "s3cret")

	rec := h.do(httptest.NewRequest(http.MethodPost, "/api/webhooks/lidarr", strings.NewReader(downloadEvent)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, h.orch.events)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/lidarr", strings.NewReader(downloadEvent))
	req.SetBasicAuth("lidarr", "s3cret")
	rec = h.do(req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, h.orch.events, 1)
}
