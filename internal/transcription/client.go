package transcription

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"audioscribe/internal/apperr"
)

// supportedExts are the formats the transcription service accepts.
var supportedExts = map[string]bool{
	".flac": true,
	".m4a":  true,
	".mp3":  true,
	".mp4":  true,
	".mpeg": true,
	".mpga": true,
	".oga":  true,
	".ogg":  true,
	".wav":  true,
	".webm": true,
}

// Options tunes the retry loop.
type Options struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterRatio    float64
	RequestTimeout time.Duration
	MaxFileBytes   int64
}

// DefaultOptions mirrors the service limits of the hosted Whisper API.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:    5,
		BaseDelay:      time.Second,
		MaxDelay:       32 * time.Second,
		JitterRatio:    0.3,
		RequestTimeout: 10 * time.Minute,
		MaxFileBytes:   25 << 20,
	}
}

// Progress observes a single Transcribe call. Attempts are numbered from 1.
type Progress interface {
	OnAttempt(attempt int)
	OnRetry(attempt int, delay time.Duration, err error)
	OnDone(outcome Outcome)
}

// Outcome summarises a finished Transcribe call, successful or not.
type Outcome struct {
	Response *Response
	Attempts int
	Retries  int
	Elapsed  time.Duration
	Err      error
}

// Client wraps a Backend with pre-flight validation and retries.
type Client struct {
	backend Backend
	opts    Options

	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
	stat  func(name string) (os.FileInfo, error)
	now   func() time.Time
}

// NewClient applies defaults to zero-valued options.
func NewClient(backend Backend, opts Options) *Client {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = def.BaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = def.MaxDelay
	}
	if opts.JitterRatio < 0 {
		opts.JitterRatio = 0
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = def.MaxFileBytes
	}
	return &Client{
		backend: backend,
		opts:    opts,
		sleep:   sleepContext,
		rand:    rand.Float64,
		stat:    os.Stat,
		now:     time.Now,
	}
}

// Backend returns the wrapped backend name.
func (c *Client) Backend() string {
	return c.backend.Name()
}

// Transcribe submits the file at path. progress may be nil.
func (c *Client) Transcribe(ctx context.Context, path string, progress Progress) (*Response, Outcome) {
	started := c.now()
	outcome := c.run(ctx, path, progress)
	outcome.Elapsed = c.now().Sub(started)
	if progress != nil {
		progress.OnDone(outcome)
	}
	return outcome.Response, outcome
}

func (c *Client) run(ctx context.Context, path string, progress Progress) Outcome {
	audio, err := c.preflight(path)
	if err != nil {
		return Outcome{Err: err}
	}

	var lastErr error
	out := Outcome{}
	for n := 0; n < c.opts.MaxAttempts; n++ {
		if n > 0 {
			delay := c.retryDelay(n, lastErr)
			out.Retries++
			if progress != nil {
				progress.OnRetry(n+1, delay, lastErr)
			}
			debugLog("retry %d for %s in %s after %v", n, audio.Name(), delay, lastErr)
			if err := c.sleep(ctx, delay); err != nil {
				out.Err = classifyTransportError(err)
				return out
			}
		}

		out.Attempts++
		if progress != nil {
			progress.OnAttempt(n + 1)
		}
		resp, err := c.attempt(ctx, audio)
		if err == nil {
			out.Response = resp
			return out
		}
		lastErr = err
		if ctx.Err() != nil {
			out.Err = classifyTransportError(ctx.Err())
			return out
		}
		if !apperr.IsRetryable(err) {
			out.Err = err
			return out
		}
	}

	log.Printf("[transcription] %s failed after %d attempts: %v", audio.Name(), out.Attempts, lastErr)
	out.Err = &apperr.Error{
		Code:    apperr.CodeMaxRetriesExceeded,
		Message: fmt.Sprintf("gave up after %d attempts", out.Attempts),
		Status:  statusOf(lastErr),
		Err:     lastErr,
	}
	return out
}

func (c *Client) attempt(ctx context.Context, audio Audio) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	resp, err := c.backend.Transcribe(attemptCtx, audio)
	if err != nil {
		if _, ok := apperr.As(err); !ok {
			return nil, classifyTransportError(err)
		}
		return nil, err
	}
	if resp == nil {
		return nil, &apperr.Error{Code: apperr.CodeEmptyResponse, Message: "no response", Retryable: true}
	}
	return resp, nil
}

func (c *Client) preflight(path string) (Audio, error) {
	info, err := c.stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Audio{}, apperr.Wrap(apperr.CodeFileNotFound, err, "audio file does not exist")
		}
		return Audio{}, apperr.Wrap(apperr.CodeFileNotFound, err, "cannot access audio file")
	}
	if info.IsDir() {
		return Audio{}, apperr.New(apperr.CodeFileNotFound, "%s is a directory", path)
	}
	audio := fileAudio(path, info.Size())
	if info.Size() > c.opts.MaxFileBytes {
		return Audio{}, apperr.New(apperr.CodeFileTooLarge, "audio is %d bytes, limit is %d", info.Size(), c.opts.MaxFileBytes)
	}
	if !supportedExts[audio.Ext()] {
		return Audio{}, apperr.New(apperr.CodeUnsupportedFormat, "extension %q is not accepted by the transcription service", audio.Ext())
	}
	return audio, nil
}

// retryDelay honours an explicit rate-limit hint, else backs off with jitter.
func (c *Client) retryDelay(n int, lastErr error) time.Duration {
	if e, ok := apperr.As(lastErr); ok && e.Code == apperr.CodeRateLimit && e.RetryAfter > 0 {
		return e.RetryAfter
	}
	base := BackoffDelay(n, c.opts.BaseDelay, c.opts.MaxDelay)
	jitter := time.Duration(float64(base) * c.opts.JitterRatio * c.rand())
	return base + jitter
}

// BackoffDelay is the un-jittered delay before attempt n (n >= 1):
// min(base*2^n, max).
func BackoffDelay(n int, base, max time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func statusOf(err error) int {
	if e, ok := apperr.As(err); ok {
		return e.Status
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var debugEnabled = os.Getenv("AUDIOSCRIBE_DEBUG") == "1"

func debugLog(format string, args ...interface{}) {
	if !debugEnabled {
		return
	}
	log.Printf("[transcription][debug] "+format, args...)
}
