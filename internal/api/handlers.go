package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"audioscribe/internal/apperr"
	"audioscribe/internal/cost"
	"audioscribe/internal/jobs"
	"audioscribe/internal/metrics"
	"audioscribe/internal/models"
	"audioscribe/internal/tempstore"
)

// multipart framing allowance on top of the file limit
const formOverhead = 1 << 20

const jsonContentType = "application/json; charset=utf-8"

var acceptedExts = map[string]bool{
	".mp3": true, ".mp4": true, ".mpeg": true, ".mpga": true, ".m4a": true,
	".wav": true, ".webm": true, ".ogg": true, ".oga": true, ".flac": true,
	".aac": true, ".opus": true, ".wma": true, ".amr": true, ".3gp": true,
}

// Scheduler hands an accepted job to the worker pool without blocking.
type Scheduler interface {
	Submit(jobID string) error
}

// Deps wires a Handler. Tracker, Metrics, Abort, RateLimit and Cache are optional.
type Deps struct {
	Jobs      *jobs.Store
	Files     *tempstore.Store
	Scheduler Scheduler
	Tracker   *cost.Tracker
	Metrics   *metrics.Metrics
	// Abort fails a job that could not be scheduled and removes its upload.
	Abort     func(jobID string, cause error)
	RateLimit gin.HandlerFunc
	// Cache serves finished jobs for CacheTTL after the store forgets them.
	Cache    JobCache
	CacheTTL time.Duration

	MaxConcurrentUploads int
	MaxUploadBytes       int64
	ReleaseOnRead        bool
}

// Handler wires HTTP routes to the job store and the worker pool.
type Handler struct {
	deps     Deps
	throttle *Throttle
	draining atomic.Bool
	now      func() time.Time
}

// NewHandler constructs a Handler instance.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		deps:     deps,
		throttle: NewThrottle(deps.MaxConcurrentUploads),
		now:      time.Now,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	upload := []gin.HandlerFunc{h.uploadAudio}
	if h.deps.RateLimit != nil {
		upload = append([]gin.HandlerFunc{h.deps.RateLimit}, upload...)
	}
	api.POST("/transcriptions", upload...)
	api.GET("/transcriptions/:id", h.getJob)
	api.GET("/usage", h.getUsage)
	if h.deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(h.deps.Metrics.Handler()))
	}
}

// Close stops accepting uploads. Requests already receiving a file finish.
func (h *Handler) Close() {
	h.draining.Store(true)
}

// Throttle exposes the upload slots so shutdown can wait for them.
func (h *Handler) Throttle() *Throttle {
	return h.throttle
}

func (h *Handler) uploadAudio(c *gin.Context) {
	if h.draining.Load() {
		h.reject(c, apperr.New(apperr.CodeServiceUnavailable, "server is shutting down"))
		return
	}
	uploadID, ok := h.throttle.Acquire()
	if !ok {
		c.Header("Retry-After", "5")
		h.reject(c, apperr.New(apperr.CodeServiceUnavailable, "too many concurrent uploads, try again shortly"))
		return
	}
	h.deps.Metrics.SetInflight(h.throttle.InFlight())
	defer func() {
		h.throttle.Release(uploadID)
		h.deps.Metrics.SetInflight(h.throttle.InFlight())
	}()

	limit := h.deps.MaxUploadBytes
	if limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+formOverhead)
	}

	header, err := c.FormFile("audio")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			h.reject(c, apperr.New(apperr.CodeFileTooLarge, "upload exceeds %d bytes", limit))
			return
		}
		h.reject(c, apperr.New(apperr.CodeMissingFile, "multipart field \"audio\" is required"))
		return
	}
	if limit > 0 && header.Size > limit {
		h.reject(c, apperr.New(apperr.CodeFileTooLarge, "upload of %d bytes exceeds %d bytes", header.Size, limit))
		return
	}
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !acceptedExts[ext] {
		h.reject(c, apperr.New(apperr.CodeUnsupportedFormat, "unsupported file extension %q", ext))
		return
	}
	email := strings.TrimSpace(c.PostForm("email"))
	if email != "" && !strings.Contains(email, "@") {
		h.reject(c, apperr.New(apperr.CodeBadRequest, "invalid email address"))
		return
	}

	src, err := header.Open()
	if err != nil {
		h.reject(c, apperr.Wrap(apperr.CodeInternal, err, "open upload"))
		return
	}
	defer src.Close()

	buf := make([]byte, 512)
	n, _ := io.ReadFull(src, buf)
	if !plausibleAudio(header.Header.Get("Content-Type"), http.DetectContentType(buf[:n])) {
		h.reject(c, apperr.New(apperr.CodeInvalidMimeType, "file content is not audio"))
		return
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		h.reject(c, apperr.Wrap(apperr.CodeInternal, err, "rewind upload"))
		return
	}

	job, err := h.deps.Jobs.Create(uploadID)
	if err != nil {
		h.reject(c, apperr.Wrap(apperr.CodeJobCreationFailed, err, "could not create job"))
		return
	}
	artifact, err := h.deps.Files.Save(job.ID, header.Filename, src, limit)
	if err != nil {
		appErr, ok := apperr.As(err)
		if !ok {
			appErr = apperr.Wrap(apperr.CodeInternal, err, "could not store upload")
		}
		h.failJob(job.ID, appErr)
		h.reject(c, appErr)
		return
	}
	if email != "" {
		if err := h.deps.Jobs.SetEmail(job.ID, email); err != nil {
			log.Printf("[api] set email for job %s: %v", job.ID, err)
		}
	}
	if _, err := h.deps.Jobs.StartProcessing(job.ID, artifact.Path, filepath.Base(header.Filename), artifact.Size); err != nil {
		_ = h.deps.Files.Remove(artifact)
		appErr := apperr.Wrap(apperr.CodeJobUpdateFailed, err, "could not start job")
		h.failJob(job.ID, appErr)
		h.reject(c, appErr)
		return
	}
	if err := h.deps.Scheduler.Submit(job.ID); err != nil {
		cause := apperr.Wrap(apperr.CodeServiceUnavailable, err, "processing queue is full")
		if h.deps.Abort != nil {
			h.deps.Abort(job.ID, cause)
		} else {
			_ = h.deps.Files.Remove(artifact)
			h.failJob(job.ID, cause)
		}
		c.Header("Retry-After", "30")
		h.reject(c, cause)
		return
	}

	h.deps.Metrics.UploadAccepted()
	log.Printf("[api] accepted upload %s as job %s (%d bytes)", filepath.Base(header.Filename), job.ID, artifact.Size)
	c.JSON(http.StatusAccepted, gin.H{
		"job_id": job.ID,
		"status": models.JobStatusProcessing,
	})
}

func (h *Handler) getJob(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()
	if body, ok := h.cachedJob(ctx, id); ok {
		c.Data(http.StatusOK, jsonContentType, body)
		return
	}
	job, err := h.deps.Jobs.Get(id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			abortError(c, apperr.New(apperr.CodeJobNotFound, "job %s not found", id))
			return
		}
		abortError(c, apperr.Wrap(apperr.CodeInternal, err, "load job"))
		return
	}
	release := h.deps.ReleaseOnRead && job.Status.Terminal()
	var body []byte
	if release {
		body, err = json.Marshal(job)
	} else {
		body, err = h.renderJob(ctx, job)
	}
	if err != nil {
		abortError(c, apperr.Wrap(apperr.CodeInternal, err, "encode job"))
		return
	}
	c.Data(http.StatusOK, jsonContentType, body)
	if release {
		if _, err := h.deps.Jobs.Remove(id); err != nil && !errors.Is(err, jobs.ErrNotFound) {
			log.Printf("[api] release job %s: %v", id, err)
		}
		h.evictJob(ctx, id)
	}
}

func (h *Handler) getUsage(c *gin.Context) {
	body := gin.H{
		"jobs":             h.deps.Jobs.Stats(),
		"inflight_uploads": h.throttle.InFlight(),
		"upload_slots":     h.throttle.Limit(),
	}
	if h.deps.Tracker != nil {
		body["usage"] = h.deps.Tracker.Snapshot(h.now())
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) failJob(jobID string, err *apperr.Error) {
	failure := models.JobFailure{Code: string(err.Code), Message: err.Message, Status: apperr.HTTPStatus(err.Code)}
	if _, ferr := h.deps.Jobs.Fail(jobID, failure); ferr != nil {
		log.Printf("[api] fail job %s: %v", jobID, ferr)
		return
	}
	h.deps.Metrics.JobFinished(models.JobStatusFailed)
}

func (h *Handler) reject(c *gin.Context, err *apperr.Error) {
	h.deps.Metrics.UploadRejected(string(err.Code))
	abortError(c, err)
}

func abortError(c *gin.Context, err *apperr.Error) {
	status := apperr.HTTPStatus(err.Code)
	if status >= http.StatusInternalServerError && err.Err != nil {
		log.Printf("[api] %s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{
		"code":    err.Code,
		"message": err.Message,
	}})
}

// plausibleAudio rejects uploads whose declared or sniffed type is clearly not media.
func plausibleAudio(declared, sniffed string) bool {
	if declared != "" {
		mt, _, err := mime.ParseMediaType(declared)
		if err != nil {
			return false
		}
		switch {
		case strings.HasPrefix(mt, "audio/"), strings.HasPrefix(mt, "video/"):
		case mt == "application/octet-stream", mt == "application/ogg":
		default:
			return false
		}
	}
	sniffed = strings.ToLower(sniffed)
	return !(strings.HasPrefix(sniffed, "text/") ||
		strings.HasPrefix(sniffed, "image/") ||
		strings.HasPrefix(sniffed, "application/pdf") ||
		strings.HasPrefix(sniffed, "application/zip"))
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
