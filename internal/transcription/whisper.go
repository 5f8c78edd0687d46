package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"audioscribe/internal/apperr"
)

// WhisperConfig configures an OpenAI-compatible /audio/transcriptions endpoint.
type WhisperConfig struct {
	BaseURL  string
	APIKey   string
	Model    string
	Language string
}

// WhisperBackend posts multipart audio to an OpenAI-compatible service.
type WhisperBackend struct {
	cfg        WhisperConfig
	httpClient *http.Client
	now        func() time.Time
}

// NewWhisperBackend builds the backend. The per-attempt timeout is applied by
// Client, so the http.Client itself carries none.
func NewWhisperBackend(cfg WhisperConfig, httpClient *http.Client) *WhisperBackend {
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &WhisperBackend{cfg: cfg, httpClient: httpClient, now: time.Now}
}

func (b *WhisperBackend) Name() string {
	return "openai"
}

type whisperResponse struct {
	Text     *string `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

// Transcribe performs one attempt.
func (b *WhisperBackend) Transcribe(ctx context.Context, audio Audio) (*Response, error) {
	src, err := audio.Open()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeFileNotFound, err, "open audio")
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer src.Close()
		pw.CloseWithError(b.writeForm(mw, audio, src))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/audio/transcriptions", pr)
	if err != nil {
		pr.CloseWithError(err)
		return nil, &apperr.Error{Code: apperr.CodeInternal, Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus(resp.StatusCode, errorMessage(body), parseRetryAfter(resp.Header, b.now()))
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, &apperr.Error{
			Code:      apperr.CodeEmptyResponse,
			Message:   "transcription service returned an empty body",
			Status:    resp.StatusCode,
			Retryable: true,
		}
	}

	var parsed whisperResponse
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Text == nil {
		return nil, &apperr.Error{
			Code:    apperr.CodeInvalidResponse,
			Message: "unrecognized response shape",
			Status:  resp.StatusCode,
			Err:     err,
		}
	}
	return &Response{
		Text:            strings.TrimSpace(*parsed.Text),
		Language:        parsed.Language,
		DurationSeconds: parsed.Duration,
		Model:           b.cfg.Model,
	}, nil
}

func (b *WhisperBackend) writeForm(mw *multipart.Writer, audio Audio, src io.Reader) error {
	part, err := mw.CreateFormFile("file", audio.Name())
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("write audio data: %w", err)
	}
	fields := map[string]string{
		"model":           b.cfg.Model,
		"response_format": "verbose_json",
	}
	if b.cfg.Language != "" {
		fields["language"] = b.cfg.Language
	}
	for key, value := range fields {
		if err := mw.WriteField(key, value); err != nil {
			return fmt.Errorf("write field %s: %w", key, err)
		}
	}
	return mw.Close()
}
