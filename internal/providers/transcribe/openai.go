package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Transcriber converts a child's voice recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType, language string) (string, error)
}

// OpenAITranscriber implements Transcriber using the openai-go transcription endpoint.
type OpenAITranscriber struct {
	model string
	opts  []option.RequestOption
}

// Options configures the OpenAI transcriber.
type Options struct {
	APIKey         string
	Model          string
	BaseURL        string
	RequestOptions []option.RequestOption
}

// NewOpenAITranscriber validates the configuration and returns a transcriber.
func NewOpenAITranscriber(cfg Options) (*OpenAITranscriber, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("transcribe: openai api key missing")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "whisper-1"
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, cfg.RequestOptions...)
	return &OpenAITranscriber{model: model, opts: opts}, nil
}

// Transcribe returns the recognized text for the recording.
func (o *OpenAITranscriber) Transcribe(ctx context.Context, audio []byte, mimeType, language string) (string, error) {
	if len(audio) == 0 {
		return "", errors.New("transcribe: audio data is required")
	}
	filename := filenameForMIME(mimeType)

	client := openai.NewClient(o.opts...)
	params := openai.AudioTranscriptionNewParams{
		Model: openai.AudioModel(o.model),
		File:  openai.File(bytes.NewReader(audio), filename, mimeType),
	}
	if lang := strings.TrimSpace(language); lang != "" {
		params.Language = openai.String(lang)
	}
	resp, err := client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("transcribe: transcription request: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", errors.New("transcribe: empty transcript")
	}
	return text, nil
}

func filenameForMIME(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return "recording.m4a"
	case "audio/wav", "audio/x-wav":
		return "recording.wav"
	case "audio/ogg":
		return "recording.ogg"
	default:
		return "recording.mp3"
	}
}
