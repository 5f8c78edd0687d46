package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"audioscribe/internal/apperr"
	"audioscribe/internal/tempstore"
)

// directFormats are consumed by the transcription service without transcoding.
var directFormats = map[string]bool{
	".mp3":  true,
	".mp4":  true,
	".mpeg": true,
	".mpga": true,
	".m4a":  true,
	".wav":  true,
	".webm": true,
}

// NeedsConversion reports whether path must be transcoded before submission.
func NeedsConversion(path string) bool {
	return !directFormats[strings.ToLower(filepath.Ext(path))]
}

// Options fixes the normalized output format.
type Options struct {
	FFmpegPath  string
	FFprobePath string
	Codec       string
	Bitrate     string
	Channels    int
	SampleRate  int
	Timeout     time.Duration
}

// CommandLog captures one external command invocation result.
type CommandLog struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exitCode"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// Result describes a successful conversion.
type Result struct {
	Artifact *tempstore.Artifact
	Elapsed  time.Duration
	Log      CommandLog
}

// commandResult is an internal process execution response.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

// execRunner executes commands via os/exec.
type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// Adapter transcodes uploads the transcription service cannot read directly.
type Adapter struct {
	opts   Options
	store  *tempstore.Store
	runner commandRunner
	stat   func(name string) (os.FileInfo, error)
	now    func() time.Time
}

// New constructs the production adapter backed by ffmpeg.
func New(opts Options, store *tempstore.Store) *Adapter {
	return newAdapter(opts, store, &execRunner{})
}

func newAdapter(opts Options, store *tempstore.Store, runner commandRunner) *Adapter {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = "ffprobe"
	}
	if opts.Codec == "" {
		opts.Codec = "libmp3lame"
	}
	if opts.Bitrate == "" {
		opts.Bitrate = "64k"
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	return &Adapter{
		opts:   opts,
		store:  store,
		runner: runner,
		stat:   os.Stat,
		now:    time.Now,
	}
}

// Convert writes a normalized copy of src to a new artifact owned by the same job.
// The caller removes the returned artifact once transcription is over.
func (a *Adapter) Convert(ctx context.Context, src *tempstore.Artifact) (Result, error) {
	if src == nil || src.Removed() {
		return Result{}, apperr.New(apperr.CodeFileNotFound, "source artifact is gone")
	}
	if _, err := a.stat(src.Path); err != nil {
		return Result{}, apperr.Wrap(apperr.CodeFileNotFound, err, "cannot access source audio")
	}

	out := a.store.Reserve(src.Owner, outputExt(a.opts.Codec), tempstore.KindConverted)
	args := buildFFmpegArgs(src.Path, out.Path, a.opts)

	runCtx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()
	started := a.now()
	res, runErr := a.runner.Run(runCtx, a.opts.FFmpegPath, args...)
	elapsed := a.now().Sub(started)
	cmdLog := CommandLog{
		Command:  a.opts.FFmpegPath,
		Args:     args,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
	if runErr != nil {
		_ = a.store.Remove(out)
		return Result{}, &apperr.Error{
			Code:    apperr.CodeConversionFailed,
			Message: fmt.Sprintf("ffmpeg exited with %d: %s", res.ExitCode, lastLine(res.Stderr)),
			Err:     runErr,
		}
	}

	info, err := a.stat(out.Path)
	if err != nil || info.Size() == 0 {
		_ = a.store.Remove(out)
		return Result{}, &apperr.Error{
			Code:    apperr.CodeConversionFailed,
			Message: "ffmpeg completed but output file is missing or empty",
			Err:     err,
		}
	}
	out.Size = info.Size()
	return Result{Artifact: out, Elapsed: elapsed, Log: cmdLog}, nil
}

// Probe returns the duration of path in seconds using ffprobe.
func (a *Adapter) Probe(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}
	res, err := a.runner.Run(ctx, a.opts.FFprobePath, args...)
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(res.Stdout), 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration %q: %w", strings.TrimSpace(res.Stdout), err)
	}
	return seconds, nil
}

// buildFFmpegArgs builds CLI args for the normalized output format.
func buildFFmpegArgs(inputPath, outPath string, opts Options) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", strconv.Itoa(opts.Channels),
		"-ar", strconv.Itoa(opts.SampleRate),
		"-c:a", opts.Codec,
		"-b:a", opts.Bitrate,
		outPath,
	}
}

func outputExt(codec string) string {
	switch codec {
	case "aac":
		return ".m4a"
	case "pcm_s16le":
		return ".wav"
	case "libopus", "libvorbis":
		return ".webm"
	default:
		return ".mp3"
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
