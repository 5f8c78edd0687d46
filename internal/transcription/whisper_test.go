package transcription

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"audioscribe/internal/apperr"
)

func TestWhisperBackendSendsMultipart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		if r.FormValue("model") != "whisper-1" || r.FormValue("response_format") != "verbose_json" || r.FormValue("language") != "en" {
			t.Errorf("unexpected fields: %v", r.MultipartForm.Value)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if header.Filename != "clip.wav" || string(data) != "RIFF" {
			t.Errorf("file = %s %q", header.Filename, data)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"text":" hello world ","language":"english","duration":10.0}`)
	}))
	defer server.Close()

	backend := NewWhisperBackend(WhisperConfig{
		BaseURL:  server.URL + "/v1/",
		APIKey:   "sk-test",
		Model:    "whisper-1",
		Language: "en",
	}, server.Client())
	resp, err := backend.Transcribe(context.Background(), fileAudio(writeAudio(t, "clip.wav", "RIFF"), 4))
	if err != nil {
		t.Fatalf("Transcribe error: %v", err)
	}
	if resp.Text != "hello world" || resp.DurationSeconds != 10 || resp.Model != "whisper-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestWhisperBackendClassifiesResponses(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		header    map[string]string
		body      string
		code      apperr.Code
		retryable bool
		after     time.Duration
	}{
		{"rate limited", 429, map[string]string{"Retry-After": "3"}, `{"error":{"message":"slow"}}`, apperr.CodeRateLimit, true, 3 * time.Second},
		{"unavailable", 503, nil, `oops`, apperr.CodeServerError, true, 0},
		{"gateway timeout", 504, nil, ``, apperr.CodeTimeout, true, 0},
		{"bad key", 401, nil, `{"error":"invalid key"}`, apperr.CodeInvalidAPIKey, false, 0},
		{"too large", 413, nil, ``, apperr.CodeFileTooLarge, false, 0},
		{"empty body", 200, nil, `   `, apperr.CodeEmptyResponse, true, 0},
		{"wrong shape", 200, nil, `{"transcript":"x"}`, apperr.CodeInvalidResponse, false, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.Copy(io.Discard, r.Body)
				for k, v := range tc.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer server.Close()

			backend := NewWhisperBackend(WhisperConfig{BaseURL: server.URL, Model: "whisper-1"}, server.Client())
			_, err := backend.Transcribe(context.Background(), fileAudio(writeAudio(t, "a.mp3", "x"), 1))
			e, ok := apperr.As(err)
			if !ok {
				t.Fatalf("expected classified error, got %v", err)
			}
			if e.Code != tc.code || e.Retryable != tc.retryable || e.RetryAfter != tc.after {
				t.Fatalf("got %+v", e)
			}
		})
	}
}

func TestParseRetryAfterPrefersMilliseconds(t *testing.T) {
	h := http.Header{}
	h.Set("retry-after-ms", "1500")
	h.Set("Retry-After", "9")
	if got := parseRetryAfter(h, time.Now()); got != 1500*time.Millisecond {
		t.Fatalf("got %s", got)
	}
}
