package story

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Story is a generated title and body.
type Story struct {
	Title string
	Body  string
}

// Request carries the story source text and generation hints.
type Request struct {
	// Source is the caption, transcript, or typed text the story grows from.
	Source    string
	Language  string
	RequestID string
}

// Writer composes a short children's story from a source text.
type Writer interface {
	Compose(ctx context.Context, req Request) (Story, error)
}

// OpenAIWriter implements Writer using the official openai-go SDK (chat completions).
type OpenAIWriter struct {
	model string
	opts  []option.RequestOption
}

// Options configures the OpenAI story writer.
type Options struct {
	APIKey  string
	Model   string
	BaseURL string
	// Extra request options, e.g. a custom HTTP client in tests.
	RequestOptions []option.RequestOption
}

const systemPrompt = `You write very short bedtime stories for children aged four to eight.
Stories are gentle, positive and at most 200 words.
Respond with a JSON object: {"title": "...", "story": "..."} and nothing else.`

// NewOpenAIWriter validates the configuration and returns a writer.
func NewOpenAIWriter(cfg Options) (*OpenAIWriter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("story: openai api key missing")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, cfg.RequestOptions...)
	return &OpenAIWriter{model: model, opts: opts}, nil
}

// Compose generates a title and story body from the request source.
func (o *OpenAIWriter) Compose(ctx context.Context, req Request) (Story, error) {
	source := strings.TrimSpace(req.Source)
	if source == "" {
		return Story{}, errors.New("story: source text is required")
	}
	language := strings.TrimSpace(req.Language)
	if language == "" {
		language = "en"
	}

	client := openai.NewClient(o.opts...)
	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(fmt.Sprintf("Write the story in the language %q. It begins from this idea: %s", language, source)),
		},
	})
	if err != nil {
		return Story{}, fmt.Errorf("story: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Story{}, errors.New("story: empty choices")
	}
	parsed := parseStory(resp.Choices[0].Message.Content)
	if parsed.Body == "" {
		return Story{}, errors.New("story: empty story body")
	}
	return parsed, nil
}

type storyJSON struct {
	Title string `json:"title"`
	Story string `json:"story"`
}

// parseStory accepts the model output as JSON, optionally wrapped in a
// markdown fence. Anything unparseable falls back to first-line-as-title.
func parseStory(content string) Story {
	content = strings.TrimSpace(content)
	trimmed := strings.TrimPrefix(content, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	trimmed = strings.TrimSpace(trimmed)

	var decoded storyJSON
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil && strings.TrimSpace(decoded.Story) != "" {
		return Story{
			Title: strings.TrimSpace(decoded.Title),
			Body:  strings.TrimSpace(decoded.Story),
		}
	}

	lines := strings.SplitN(content, "\n", 2)
	if len(lines) == 2 {
		return Story{
			Title: strings.TrimSpace(lines[0]),
			Body:  strings.TrimSpace(lines[1]),
		}
	}
	return Story{Body: content}
}
