package transcription

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Audio describes one already-resolved artifact. Open is called once per
// attempt; a stream is never reused across attempts.
type Audio struct {
	Path string
	Size int64
	Open func() (io.ReadCloser, error)
}

// Ext returns the lower-cased extension including the dot.
func (a Audio) Ext() string {
	return strings.ToLower(filepath.Ext(a.Path))
}

// Name is the filename presented to the remote service.
func (a Audio) Name() string {
	return filepath.Base(a.Path)
}

func fileAudio(path string, size int64) Audio {
	return Audio{
		Path: path,
		Size: size,
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}
}

// Response is the normalized transcription result.
type Response struct {
	Text            string  `json:"text"`
	Language        string  `json:"language,omitempty"`
	DurationSeconds float64 `json:"duration,omitempty"`
	Model           string  `json:"model,omitempty"`
}

// Backend performs exactly one transcription attempt. Errors must be
// classified *apperr.Error values so the retry loop can act on them.
type Backend interface {
	Transcribe(ctx context.Context, audio Audio) (*Response, error)
	Name() string
}

var mimeTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".mpga": "audio/mpeg",
	".mpeg": "audio/mpeg",
	".mp4":  "audio/mp4",
	".m4a":  "audio/mp4",
	".wav":  "audio/wav",
	".webm": "audio/webm",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".flac": "audio/flac",
}

func mimeForExt(ext string) string {
	if mt, ok := mimeTypes[ext]; ok {
		return mt
	}
	return "application/octet-stream"
}
