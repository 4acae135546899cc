package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Audio is a synthesized narration clip.
type Audio struct {
	Data []byte
	MIME string
}

// Synthesizer turns a story text into narrated audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, language string) (Audio, error)
}

// OpenAISynthesizer implements Synthesizer using the openai-go speech endpoint.
type OpenAISynthesizer struct {
	model string
	voice string
	opts  []option.RequestOption
}

// Options configures the OpenAI speech synthesizer.
type Options struct {
	APIKey         string
	Model          string
	Voice          string
	BaseURL        string
	RequestOptions []option.RequestOption
}

// NewOpenAISynthesizer validates the configuration and returns a synthesizer.
func NewOpenAISynthesizer(cfg Options) (*OpenAISynthesizer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("speech: openai api key missing")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "tts-1"
	}
	voice := strings.TrimSpace(cfg.Voice)
	if voice == "" {
		voice = "alloy"
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, cfg.RequestOptions...)
	return &OpenAISynthesizer{model: model, voice: voice, opts: opts}, nil
}

// Synthesize renders the text as MP3 narration.
func (o *OpenAISynthesizer) Synthesize(ctx context.Context, text, language string) (Audio, error) {
	if strings.TrimSpace(text) == "" {
		return Audio{}, errors.New("speech: text is required")
	}

	client := openai.NewClient(o.opts...)
	resp, err := client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(o.model),
		Input:          text,
		Voice:          openai.AudioSpeechNewParamsVoice(o.voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return Audio{}, fmt.Errorf("speech: synthesis request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, fmt.Errorf("speech: read audio: %w", err)
	}
	if len(data) == 0 {
		return Audio{}, errors.New("speech: empty audio response")
	}
	return Audio{Data: data, MIME: "audio/mpeg"}, nil
}
