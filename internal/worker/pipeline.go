package worker

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"audioscribe/internal/apperr"
	"audioscribe/internal/convert"
	"audioscribe/internal/cost"
	"audioscribe/internal/jobs"
	"audioscribe/internal/metrics"
	"audioscribe/internal/models"
	"audioscribe/internal/tempstore"
	"audioscribe/internal/transcription"
)

const handoffTimeout = 15 * time.Second

// Converter transcodes an artifact and probes durations.
type Converter interface {
	Convert(ctx context.Context, src *tempstore.Artifact) (convert.Result, error)
	Probe(ctx context.Context, path string) (float64, error)
}

// Transcriber is the retrying transcription client.
type Transcriber interface {
	Transcribe(ctx context.Context, path string, progress transcription.Progress) (*transcription.Response, transcription.Outcome)
}

// Archiver stores finished transcripts.
type Archiver interface {
	Archive(ctx context.Context, job *models.Job) error
}

// Notifier hands finished jobs to downstream delivery.
type Notifier interface {
	Completed(ctx context.Context, job *models.Job) error
}

// PipelineDeps wires a Pipeline. Archiver, Notifier and Metrics are optional.
type PipelineDeps struct {
	Jobs      *jobs.Store
	Files     *tempstore.Store
	Converter Converter
	Client    Transcriber
	Tracker   *cost.Tracker
	Metrics   *metrics.Metrics
	Archiver  Archiver
	Notifier  Notifier
}

// Pipeline runs one job from stored upload to terminal state.
type Pipeline struct {
	deps PipelineDeps
	now  func() time.Time
}

func NewPipeline(deps PipelineDeps) *Pipeline {
	return &Pipeline{deps: deps, now: time.Now}
}

// Run implements Runner. The job always ends completed or failed and every
// temp file it owned is removed after the terminal state is recorded.
func (p *Pipeline) Run(ctx context.Context, jobID string) {
	var src, target *tempstore.Artifact
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[pipeline] job %s panicked: %v", jobID, r)
			p.fail(jobID, apperr.New(apperr.CodeInternal, "pipeline panic: %v", r))
			p.cleanup(jobID, src, target)
		}
	}()

	job, err := p.deps.Jobs.Get(jobID)
	if err != nil {
		log.Printf("[pipeline] job %s vanished before start: %v", jobID, err)
		return
	}
	var ok bool
	src, ok = p.deps.Files.Lookup(job.FilePath)
	if !ok || src.Removed() {
		p.fail(jobID, apperr.New(apperr.CodeFileNotFound, "stored upload is gone"))
		return
	}
	target = src
	started := p.now()

	var (
		wasConverted bool
		convElapsed  time.Duration
	)
	if convert.NeedsConversion(src.Path) {
		p.annotate(jobID, "converting")
		res, err := p.deps.Converter.Convert(ctx, src)
		if err != nil {
			p.fail(jobID, err)
			p.cleanup(jobID, src)
			return
		}
		target = res.Artifact
		wasConverted = true
		convElapsed = res.Elapsed
		p.deps.Metrics.Converted(res.Elapsed.Seconds())
		debugLog("[pipeline] job %s converted %s -> %s in %s", jobID, src.Ext(), target.Ext(), res.Elapsed)
	}

	p.annotate(jobID, "transcribing")
	resp, outcome := p.deps.Client.Transcribe(ctx, target.Path, &jobProgress{pipeline: p, jobID: jobID})
	p.deps.Metrics.Transcribed(outcome.Elapsed.Seconds(), failureCode(outcome.Err))
	if outcome.Err != nil {
		p.fail(jobID, outcome.Err)
		p.cleanup(jobID, src, target)
		return
	}

	duration := resp.DurationSeconds
	if duration <= 0 && p.deps.Converter != nil {
		if probed, err := p.deps.Converter.Probe(ctx, target.Path); err == nil {
			duration = probed
		} else {
			debugLog("[pipeline] job %s probe failed: %v", jobID, err)
		}
	}
	est := p.deps.Tracker.Estimate(duration, target.Size, target.Ext())
	p.deps.Tracker.Record(p.now(), est)

	result := models.JobResult{
		Text:             resp.Text,
		Language:         resp.Language,
		Model:            resp.Model,
		DurationSeconds:  est.DurationSeconds,
		RetryCount:       outcome.Retries,
		ProcessingMillis: p.now().Sub(started).Milliseconds(),
		Cost:             est.Cost,
		CostEstimated:    est.Estimated,
		WasConverted:     wasConverted,
		ConversionMillis: convElapsed.Milliseconds(),
	}
	done, err := p.deps.Jobs.Complete(jobID, result)
	p.cleanup(jobID, src, target)
	if err != nil {
		log.Printf("[pipeline] complete job %s failed: %v", jobID, err)
		return
	}
	p.deps.Metrics.JobFinished(models.JobStatusCompleted)
	log.Printf("[pipeline] job %s completed: %d chars, %d retries, $%.4f", jobID, len(result.Text), result.RetryCount, result.Cost)
	p.handoff(done)
}

// Abort fails a job that never reached a worker and removes its upload.
func (p *Pipeline) Abort(jobID string, cause error) {
	var err error = apperr.Wrap(apperr.CodeServiceUnavailable, cause, "job could not be scheduled")
	if _, ok := apperr.As(cause); ok {
		err = cause
	}
	p.fail(jobID, err)
	if job, getErr := p.deps.Jobs.Get(jobID); getErr == nil && job.FilePath != "" {
		if a, ok := p.deps.Files.Lookup(job.FilePath); ok {
			p.cleanup(jobID, a)
		}
	}
}

func (p *Pipeline) annotate(jobID, msg string) {
	if err := p.deps.Jobs.Annotate(jobID, msg); err != nil {
		debugLog("[pipeline] annotate %s: %v", jobID, err)
	}
}

func (p *Pipeline) fail(jobID string, err error) {
	failure := failureOf(err)
	if _, ferr := p.deps.Jobs.Fail(jobID, failure); ferr != nil {
		log.Printf("[pipeline] fail job %s: %v", jobID, ferr)
		return
	}
	p.deps.Metrics.JobFinished(models.JobStatusFailed)
	log.Printf("[pipeline] job %s failed: %s %s", jobID, failure.Code, failure.Message)
}

// cleanup removes artifacts; the job's recorded path is cleared only once its file is gone.
func (p *Pipeline) cleanup(jobID string, artifacts ...*tempstore.Artifact) {
	for _, a := range artifacts {
		if a == nil || a.Removed() {
			continue
		}
		if err := p.deps.Files.Remove(a); err != nil {
			log.Printf("[pipeline] remove %s for job %s failed: %v", a.Path, jobID, err)
			continue
		}
		if a.Kind == tempstore.KindUpload {
			if err := p.deps.Jobs.ClearFile(jobID, a.Path); err != nil {
				debugLog("[pipeline] clear file for %s: %v", jobID, err)
			}
		}
	}
}

func (p *Pipeline) handoff(job *models.Job) {
	if job == nil || (p.deps.Archiver == nil && p.deps.Notifier == nil) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handoffTimeout)
	defer cancel()
	if p.deps.Archiver != nil {
		if err := p.deps.Archiver.Archive(ctx, job); err != nil {
			log.Printf("[pipeline] archive transcript for %s failed: %v", job.ID, err)
		}
	}
	if p.deps.Notifier != nil && job.Email != "" {
		if err := p.deps.Notifier.Completed(ctx, job); err != nil {
			log.Printf("[pipeline] completion hand-off for %s failed: %v", job.ID, err)
		}
	}
}

func failureOf(err error) models.JobFailure {
	e, ok := apperr.As(err)
	if !ok {
		return models.JobFailure{Code: string(apperr.CodeInternal), Message: err.Error()}
	}
	status := e.Status
	if status == 0 && e.Code != apperr.CodeInternal {
		status = apperr.HTTPStatus(e.Code)
	}
	msg := e.Message
	if e.Err != nil {
		if inner, ok := apperr.As(e.Err); ok && inner.Message != "" {
			msg = fmt.Sprintf("%s: %s", msg, inner.Message)
		}
	}
	return models.JobFailure{Code: string(e.Code), Message: strings.TrimSpace(msg), Status: status}
}

func failureCode(err error) string {
	if err == nil {
		return ""
	}
	return string(apperr.CodeOf(err))
}

// jobProgress mirrors transcription attempts onto the job record.
type jobProgress struct {
	pipeline *Pipeline
	jobID    string
}

func (j *jobProgress) OnAttempt(attempt int) {
	j.pipeline.deps.Metrics.Attempt()
	if attempt > 1 {
		j.pipeline.annotate(j.jobID, fmt.Sprintf("transcribing (attempt %d)", attempt))
	}
}

func (j *jobProgress) OnRetry(attempt int, delay time.Duration, err error) {
	j.pipeline.deps.Metrics.Retry()
	if serr := j.pipeline.deps.Jobs.SetRetryCount(j.jobID, attempt-1); serr != nil {
		debugLog("[pipeline] retry count for %s: %v", j.jobID, serr)
	}
	j.pipeline.annotate(j.jobID, fmt.Sprintf("retrying in %s after %s", delay.Round(time.Millisecond), apperr.CodeOf(err)))
}

// OnDone records the final retry count and a closing note while the job is
// still processing.
func (j *jobProgress) OnDone(outcome transcription.Outcome) {
	debugLog("[pipeline] job %s transcription finished: attempts=%d err=%v", j.jobID, outcome.Attempts, outcome.Err)
	if outcome.Attempts == 0 {
		return
	}
	if err := j.pipeline.deps.Jobs.SetRetryCount(j.jobID, outcome.Retries); err != nil {
		debugLog("[pipeline] retry count for %s: %v", j.jobID, err)
	}
	if outcome.Err != nil {
		j.pipeline.annotate(j.jobID, fmt.Sprintf("transcription failed after %s: %s", attemptsNote(outcome.Attempts), apperr.CodeOf(outcome.Err)))
		return
	}
	j.pipeline.annotate(j.jobID, fmt.Sprintf("transcribed after %s", attemptsNote(outcome.Attempts)))
}

func attemptsNote(n int) string {
	if n == 1 {
		return "1 attempt"
	}
	return fmt.Sprintf("%d attempts", n)
}
