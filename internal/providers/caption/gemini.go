package caption

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"storyteller/internal/infra"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("caption: api key is required")

// Captioner describes an image in a short child-friendly sentence that
// seeds the story generator.
type Captioner interface {
	Caption(ctx context.Context, req Request) (string, error)
}

// Request captures the inputs for a caption call.
type Request struct {
	ImageData []byte
	MIMEType  string
	Language  string
	RequestID string
}

// Options configures the Gemini caption client.
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// GeminiCaptioner performs HTTP calls to the Gemini generateContent API
// with an inline image part.
type GeminiCaptioner struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

type generateContentRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewGeminiCaptioner constructs a client with sane defaults and injected dependencies.
func NewGeminiCaptioner(opts Options) (*GeminiCaptioner, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 45 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "gemini-1.5-flash"
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &GeminiCaptioner{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Model returns the configured model identifier.
func (c *GeminiCaptioner) Model() string {
	return c.model
}

// HasCredentials reports whether the client can perform remote calls.
func (c *GeminiCaptioner) HasCredentials() bool {
	return c.apiKey != ""
}

// Caption invokes the Gemini API once and returns a one-sentence caption.
func (c *GeminiCaptioner) Caption(ctx context.Context, req Request) (string, error) {
	if !c.HasCredentials() {
		return "", ErrMissingAPIKey
	}
	if len(req.ImageData) == 0 {
		return "", errors.New("caption: image data is required")
	}
	mime := strings.TrimSpace(req.MIMEType)
	if mime == "" {
		mime = "image/jpeg"
	}

	payload := generateContentRequest{
		Contents: []content{{
			Parts: []part{
				{Text: captionPrompt(req.Language)},
				{InlineData: &inlineData{
					MIMEType: mime,
					Data:     base64.StdEncoding.EncodeToString(req.ImageData),
				}},
			},
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("caption: encode request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("caption: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("caption: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("caption: read response: %w", err)
	}
	var decoded generateContentResponse
	if resp.StatusCode >= 300 {
		if err := json.Unmarshal(raw, &decoded); err == nil && decoded.Error.Message != "" {
			return "", fmt.Errorf("caption: %s (%d)", decoded.Error.Message, decoded.Error.Code)
		}
		return "", fmt.Errorf("caption: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("caption: decode response: %w", err)
	}
	text := firstCandidateText(decoded)
	if text == "" {
		return "", errors.New("caption: empty caption")
	}
	c.logger.Debug().
		Str("model", c.model).
		Str("request_id", req.RequestID).
		Msg("caption: generated image caption")
	return text, nil
}

func captionPrompt(language string) string {
	lang := strings.TrimSpace(language)
	if lang == "" {
		lang = "en"
	}
	return fmt.Sprintf(
		"Describe this child's drawing or photo in one short sentence suitable for a children's story. Respond in the language %q with no preamble.",
		lang,
	)
}

func firstCandidateText(resp generateContentResponse) string {
	for _, candidate := range resp.Candidates {
		for _, p := range candidate.Content.Parts {
			if text := strings.TrimSpace(p.Text); text != "" {
				return text
			}
		}
	}
	return ""
}
