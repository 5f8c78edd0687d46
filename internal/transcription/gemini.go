package transcription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"audioscribe/internal/apperr"
)

const geminiPrompt = "Transcribe this audio recording verbatim. Return only the transcript text."

// GeminiBackend transcribes through the Gemini API with inline audio.
type GeminiBackend struct {
	client *genai.Client
	model  string
}

// GeminiConfig selects the model. BaseURL is empty for the public endpoint.
type GeminiConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// NewGeminiBackend creates a genai client bound to cfg.APIKey.
func NewGeminiBackend(ctx context.Context, cfg GeminiConfig, httpClient *http.Client) (*GeminiBackend, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	clientCfg := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiBackend{client: client, model: cfg.Model}, nil
}

func (b *GeminiBackend) Name() string {
	return "gemini"
}

// Transcribe performs one attempt.
func (b *GeminiBackend) Transcribe(ctx context.Context, audio Audio) (*Response, error) {
	src, err := audio.Open()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeFileNotFound, err, "open audio")
	}
	data, err := io.ReadAll(src)
	src.Close()
	if err != nil {
		return nil, &apperr.Error{Code: apperr.CodeInternal, Message: "read audio", Err: err}
	}

	parts := []*genai.Part{
		genai.NewPartFromBytes(data, mimeForExt(audio.Ext())),
		genai.NewPartFromText(geminiPrompt),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := b.client.Models.GenerateContent(ctx, b.model, contents, nil)
	if err != nil {
		return nil, classifyGeminiError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, &apperr.Error{
			Code:      apperr.CodeEmptyResponse,
			Message:   "gemini returned no candidates",
			Retryable: true,
		}
	}
	return &Response{
		Text:  strings.TrimSpace(resp.Text()),
		Model: b.model,
	}, nil
}

func classifyGeminiError(err error) *apperr.Error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.Code, apiErr.Message, 0)
	}
	return classifyTransportError(err)
}
