package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"audioscribe/internal/cost"
	"audioscribe/internal/jobs"
	"audioscribe/internal/metrics"
	"audioscribe/internal/models"
	"audioscribe/internal/redis"
	"audioscribe/internal/tempstore"
	"audioscribe/internal/transcription"
	"audioscribe/internal/worker"
)

type recordingScheduler struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (s *recordingScheduler) Submit(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.ids = append(s.ids, jobID)
	return nil
}

type staticTranscriber struct {
	text string
}

func (s *staticTranscriber) Transcribe(ctx context.Context, path string, progress transcription.Progress) (*transcription.Response, transcription.Outcome) {
	resp := &transcription.Response{Text: s.text, DurationSeconds: 10, Model: "whisper-1"}
	out := transcription.Outcome{Response: resp, Attempts: 1}
	if progress != nil {
		progress.OnAttempt(1)
		progress.OnDone(out)
	}
	return resp, out
}

type testServer struct {
	router  *gin.Engine
	handler *Handler
	jobs    *jobs.Store
	files   *tempstore.Store
	tracker *cost.Tracker
}

func newTestServer(t *testing.T, deps Deps) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	files, err := tempstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("tempstore: %v", err)
	}
	store := jobs.NewStore()
	t.Cleanup(store.Close)
	tracker := cost.NewTracker(cost.Config{PerMinuteRate: 0.006, DailyCeiling: 10, MonthlyCeiling: 100}, nil)

	deps.Jobs = store
	deps.Files = files
	deps.Tracker = tracker
	if deps.Scheduler == nil {
		deps.Scheduler = &recordingScheduler{}
	}
	if deps.MaxConcurrentUploads == 0 {
		deps.MaxConcurrentUploads = 4
	}
	if deps.MaxUploadBytes == 0 {
		deps.MaxUploadBytes = 1 << 20
	}

	h := NewHandler(deps)
	router := gin.New()
	h.RegisterRoutes(router)
	return &testServer{router: router, handler: h, jobs: store, files: files, tracker: tracker}
}

func wavBytes(size int) []byte {
	data := make([]byte, size)
	copy(data, "RIFF\x24\x00\x00\x00WAVEfmt ")
	return data
}

func uploadRequest(t *testing.T, field, filename string, content []byte, extra map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		part, err := mw.CreateFormFile(field, filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(content); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	for k, v := range extra {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/transcriptions", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func assertErrorCode(t *testing.T, rec *httptest.ResponseRecorder, want string) {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Error.Code != want {
		t.Fatalf("error code = %q, want %q (body %s)", body.Error.Code, want, rec.Body.String())
	}
	if body.Error.Message == "" {
		t.Fatalf("error message is empty")
	}
}

func TestUploadAcceptedAndSubmitted(t *testing.T) {
	sched := &recordingScheduler{}
	srv := newTestServer(t, Deps{Scheduler: sched})

	rec := serve(srv.router, uploadRequest(t, "audio", "meeting.wav", wavBytes(2048), map[string]string{"email": "a@example.com"}))
	assertStatus(t, rec, http.StatusAccepted)

	var body struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.JobID == "" || body.Status != string(models.JobStatusProcessing) {
		t.Fatalf("unexpected body %+v", body)
	}
	if len(sched.ids) != 1 || sched.ids[0] != body.JobID {
		t.Fatalf("scheduled %v", sched.ids)
	}

	job, err := srv.jobs.Get(body.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != models.JobStatusProcessing || job.FileName != "meeting.wav" || job.FileSize != 2048 {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Email != "a@example.com" || job.UploadID == "" {
		t.Fatalf("email/upload id not recorded: %+v", job)
	}
	if srv.files.Count() != 1 {
		t.Fatalf("expected stored upload, have %d files", srv.files.Count())
	}
	if srv.handler.Throttle().InFlight() != 0 {
		t.Fatalf("upload slot not released")
	}
}

func TestUploadRejectedWhenSlotsExhausted(t *testing.T) {
	srv := newTestServer(t, Deps{MaxConcurrentUploads: 1})
	if _, ok := srv.handler.Throttle().Acquire(); !ok {
		t.Fatalf("could not take the only slot")
	}

	rec := serve(srv.router, uploadRequest(t, "audio", "a.wav", wavBytes(128), nil))
	assertStatus(t, rec, http.StatusServiceUnavailable)
	assertErrorCode(t, rec, "SERVICE_UNAVAILABLE")
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}
	if stats := srv.jobs.Stats(); stats.Total != 0 {
		t.Fatalf("job created for rejected upload: %+v", stats)
	}
}

func TestUploadValidation(t *testing.T) {
	cases := []struct {
		name     string
		field    string
		filename string
		content  []byte
		extra    map[string]string
		status   int
		code     string
	}{
		{name: "missing file", field: "", status: http.StatusBadRequest, code: "MISSING_FILE"},
		{name: "wrong field", field: "file", filename: "a.wav", content: wavBytes(64), status: http.StatusBadRequest, code: "MISSING_FILE"},
		{name: "unsupported extension", field: "audio", filename: "notes.txt", content: wavBytes(64), status: http.StatusUnsupportedMediaType, code: "UNSUPPORTED_FORMAT"},
		{name: "text disguised as mp3", field: "audio", filename: "song.mp3", content: []byte("this is plainly a text document, not audio"), status: http.StatusUnsupportedMediaType, code: "INVALID_MIME_TYPE"},
		{name: "too large", field: "audio", filename: "big.wav", content: wavBytes(4096), status: http.StatusRequestEntityTooLarge, code: "FILE_TOO_LARGE"},
		{name: "bad email", field: "audio", filename: "a.wav", content: wavBytes(64), extra: map[string]string{"email": "nobody"}, status: http.StatusBadRequest, code: "BAD_REQUEST"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, Deps{MaxUploadBytes: 1024})
			rec := serve(srv.router, uploadRequest(t, tc.field, tc.filename, tc.content, tc.extra))
			assertStatus(t, rec, tc.status)
			assertErrorCode(t, rec, tc.code)
			if stats := srv.jobs.Stats(); stats.Total != 0 {
				t.Fatalf("job created for invalid upload: %+v", stats)
			}
			if srv.files.Count() != 0 {
				t.Fatalf("file kept for invalid upload")
			}
		})
	}
}

func TestUploadFailsJobWhenQueueFull(t *testing.T) {
	srv := newTestServer(t, Deps{Scheduler: &recordingScheduler{err: worker.ErrDispatcherBusy}})

	rec := serve(srv.router, uploadRequest(t, "audio", "a.wav", wavBytes(256), nil))
	assertStatus(t, rec, http.StatusServiceUnavailable)
	assertErrorCode(t, rec, "SERVICE_UNAVAILABLE")

	stats := srv.jobs.Stats()
	if stats.Total != 1 || stats.Failed != 1 {
		t.Fatalf("expected one failed job, got %+v", stats)
	}
	if srv.files.Count() != 0 {
		t.Fatalf("upload not removed after scheduling failure")
	}
}

func TestUploadRejectedWhileDraining(t *testing.T) {
	srv := newTestServer(t, Deps{})
	srv.handler.Close()

	rec := serve(srv.router, uploadRequest(t, "audio", "a.wav", wavBytes(64), nil))
	assertStatus(t, rec, http.StatusServiceUnavailable)
	assertErrorCode(t, rec, "SERVICE_UNAVAILABLE")
	if stats := srv.jobs.Stats(); stats.Total != 0 {
		t.Fatalf("job created while draining: %+v", stats)
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv := newTestServer(t, Deps{})
	rec := serve(srv.router, httptest.NewRequest(http.MethodGet, "/api/transcriptions/nope", nil))
	assertStatus(t, rec, http.StatusNotFound)
	assertErrorCode(t, rec, "JOB_NOT_FOUND")
}

func TestGetJobReleaseOnRead(t *testing.T) {
	srv := newTestServer(t, Deps{ReleaseOnRead: true})
	job, err := srv.jobs.Create("upload-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// non-terminal jobs survive a read
	rec := serve(srv.router, httptest.NewRequest(http.MethodGet, "/api/transcriptions/"+job.ID, nil))
	assertStatus(t, rec, http.StatusOK)

	if _, err := srv.jobs.Fail(job.ID, models.JobFailure{Code: "CONVERSION_FAILED", Message: "bad input"}); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	rec = serve(srv.router, httptest.NewRequest(http.MethodGet, "/api/transcriptions/"+job.ID, nil))
	assertStatus(t, rec, http.StatusOK)
	var got models.Job
	decodeJSON(t, rec.Body.Bytes(), &got)
	if got.Status != models.JobStatusFailed || got.Failure == nil || got.Failure.Code != "CONVERSION_FAILED" {
		t.Fatalf("unexpected job %+v", got)
	}

	rec = serve(srv.router, httptest.NewRequest(http.MethodGet, "/api/transcriptions/"+job.ID, nil))
	assertStatus(t, rec, http.StatusNotFound)
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]string
	ttls    map[string]time.Duration
	deleted []string
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (m *mapCache) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[key]
	if !ok {
		return "", redis.ErrCacheMiss
	}
	return v, nil
}

func (m *mapCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value.(string)
	m.ttls[key] = ttl
	return nil
}

func (m *mapCache) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
		m.deleted = append(m.deleted, k)
	}
	return nil
}

func (m *mapCache) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	return ok
}

func TestGetJobServedFromCacheAfterRemoval(t *testing.T) {
	cache := newMapCache()
	srv := newTestServer(t, Deps{Cache: cache, CacheTTL: time.Hour})
	job, err := srv.jobs.Create("upload-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec := serve(srv.router, httptest.NewRequest(http.MethodGet, "/api/transcriptions/"+job.ID, nil))
	assertStatus(t, rec, http.StatusOK)
	if cache.has(jobCachePrefix + job.ID) {
		t.Fatalf("pending job must not be cached")
	}

	if _, err := srv.jobs.StartProcessing(job.ID, "/tmp/a.wav", "a.wav", 10); err != nil {
		t.Fatalf("StartProcessing: %v", err)
	}
	if _, err := srv.jobs.Complete(job.ID, models.JobResult{Text: "hello"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	rec = serve(srv.router, httptest.NewRequest(http.MethodGet, "/api/transcriptions/"+job.ID, nil))
	assertStatus(t, rec, http.StatusOK)
	if !cache.has(jobCachePrefix + job.ID) {
		t.Fatalf("completed job was not cached")
	}
	if got := cache.ttls[jobCachePrefix+job.ID]; got != time.Hour {
		t.Fatalf("cache ttl = %v, want 1h", got)
	}

	if _, err := srv.jobs.Remove(job.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	rec = serve(srv.router, httptest.NewRequest(http.MethodGet, "/api/transcriptions/"+job.ID, nil))
	assertStatus(t, rec, http.StatusOK)
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content type = %q", ct)
	}
	var got models.Job
	decodeJSON(t, rec.Body.Bytes(), &got)
	if got.ID != job.ID || got.Status != models.JobStatusCompleted {
		t.Fatalf("unexpected cached job %+v", got)
	}
}

func TestGetJobReleaseOnReadEvictsCache(t *testing.T) {
	cache := newMapCache()
	srv := newTestServer(t, Deps{ReleaseOnRead: true, Cache: cache, CacheTTL: time.Hour})
	job, err := srv.jobs.Create("upload-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := srv.jobs.Fail(job.ID, models.JobFailure{Code: "CONVERSION_FAILED", Message: "bad input"}); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	rec := serve(srv.router, httptest.NewRequest(http.MethodGet, "/api/transcriptions/"+job.ID, nil))
	assertStatus(t, rec, http.StatusOK)
	if cache.has(jobCachePrefix + job.ID) {
		t.Fatalf("released job must not stay cached")
	}
	if len(cache.deleted) != 1 || cache.deleted[0] != jobCachePrefix+job.ID {
		t.Fatalf("expected eviction of %s, got %v", job.ID, cache.deleted)
	}
	rec = serve(srv.router, httptest.NewRequest(http.MethodGet, "/api/transcriptions/"+job.ID, nil))
	assertStatus(t, rec, http.StatusNotFound)
}

func TestUsageEndpoint(t *testing.T) {
	srv := newTestServer(t, Deps{})
	srv.tracker.Record(time.Now(), srv.tracker.Estimate(600, 0, "mp3"))

	rec := serve(srv.router, httptest.NewRequest(http.MethodGet, "/api/usage", nil))
	assertStatus(t, rec, http.StatusOK)
	var body struct {
		Usage struct {
			Daily struct {
				Cost float64 `json:"cost"`
			} `json:"daily"`
			PerMinuteRate float64 `json:"per_minute_rate"`
		} `json:"usage"`
		Jobs        jobs.Stats `json:"jobs"`
		UploadSlots int        `json:"upload_slots"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Usage.PerMinuteRate != 0.006 || body.UploadSlots != 4 {
		t.Fatalf("unexpected usage body %s", rec.Body.String())
	}
	if body.Usage.Daily.Cost < 0.0599 || body.Usage.Daily.Cost > 0.0601 {
		t.Fatalf("daily cost = %v", body.Usage.Daily.Cost)
	}
}

func TestMetricsRoute(t *testing.T) {
	srv := newTestServer(t, Deps{Metrics: metrics.NewMetrics()})
	rec := serve(srv.router, uploadRequest(t, "audio", "a.wav", wavBytes(64), nil))
	assertStatus(t, rec, http.StatusAccepted)

	rec = serve(srv.router, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assertStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "audioscribe_uploads_accepted_total 1") {
		t.Fatalf("accepted counter missing from metrics output")
	}
}

func TestUploadEndToEnd(t *testing.T) {
	srv := newTestServer(t, Deps{})
	pipeline := worker.NewPipeline(worker.PipelineDeps{
		Jobs:    srv.jobs,
		Files:   srv.files,
		Client:  &staticTranscriber{text: "hello world"},
		Tracker: srv.tracker,
	})
	dispatcher := worker.NewDispatcher(pipeline, worker.DispatcherConfig{MinWorkers: 1, MaxWorkers: 2, OnDrop: pipeline.Abort})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = dispatcher.Stop(ctx)
	})
	srv.handler.deps.Scheduler = dispatcher
	srv.handler.deps.Abort = pipeline.Abort

	rec := serve(srv.router, uploadRequest(t, "audio", "talk.wav", wavBytes(320000), nil))
	assertStatus(t, rec, http.StatusAccepted)
	var accepted struct {
		JobID string `json:"job_id"`
	}
	decodeJSON(t, rec.Body.Bytes(), &accepted)

	deadline := time.Now().Add(3 * time.Second)
	var job models.Job
	for {
		rec = serve(srv.router, httptest.NewRequest(http.MethodGet, "/api/transcriptions/"+accepted.JobID, nil))
		assertStatus(t, rec, http.StatusOK)
		decodeJSON(t, rec.Body.Bytes(), &job)
		if job.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never finished, last state %+v", job)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if job.Status != models.JobStatusCompleted || job.Result == nil {
		t.Fatalf("expected completed job, got %+v", job)
	}
	if job.Result.Text != "hello world" || job.Result.Cost != 0.001 || job.Result.WasConverted {
		t.Fatalf("unexpected result %+v", job.Result)
	}
	if srv.files.Count() != 0 {
		t.Fatalf("temp files left behind: %d", srv.files.Count())
	}
}
