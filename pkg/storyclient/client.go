package storyclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const reconnectDelay = time.Second

// API is the server surface the generation controller depends on. Client
// is the HTTP implementation; tests substitute fakes.
type API interface {
	CreateFromImage(ctx context.Context, ownerKey string, image []byte, mimeType, language string) (string, error)
	InitiateVoice(ctx context.Context, ownerKey, language string) (string, error)
	InitiateText(ctx context.Context, ownerKey, language string) (string, error)
	Transcribe(ctx context.Context, jobID string, audio []byte, mimeType string) (string, error)
	SubmitText(ctx context.Context, jobID, text string) error
	Fetch(ctx context.Context, jobID string) (*Job, error)
	SetFavorite(ctx context.Context, jobID string, favorite bool) (*Job, error)
}

// Client talks JSON over HTTP to the story backend. Request/response
// calls go through http, which carries a timeout; the change feed uses
// stream, the same client without one, since an event stream is held
// open for the life of the watch and a client timeout would sever it.
type Client struct {
	baseURL string
	http    *http.Client
	stream  *http.Client
	logger  zerolog.Logger
}

// ClientOptions configures the HTTP client.
type ClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// NewClient validates the configuration and returns a client.
func NewClient(opts ClientOptions) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("storyclient: base URL is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	streamClient := &http.Client{
		Transport:     httpClient.Transport,
		CheckRedirect: httpClient.CheckRedirect,
		Jar:           httpClient.Jar,
	}
	return &Client{baseURL: base, http: httpClient, stream: streamClient, logger: opts.Logger}, nil
}

type apiError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("storyclient: %s (%d %s)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("storyclient: request failed with status %d", e.Status)
}

// CreateFromImage uploads a photo and returns the new job's identifier.
func (c *Client) CreateFromImage(ctx context.Context, ownerKey string, image []byte, mimeType, language string) (string, error) {
	body := map[string]string{
		"ownerKey":  ownerKey,
		"imageData": base64.StdEncoding.EncodeToString(image),
		"mimeType":  mimeType,
		"language":  language,
	}
	var resp struct {
		JobID string `json:"jobId"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/from-image", body, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// InitiateVoice creates an empty voice job for a multi-step recording flow.
func (c *Client) InitiateVoice(ctx context.Context, ownerKey, language string) (string, error) {
	return c.initiate(ctx, "/v1/jobs/initiate-voice", ownerKey, language)
}

// InitiateText creates an empty text job to be finalized with SubmitText.
func (c *Client) InitiateText(ctx context.Context, ownerKey, language string) (string, error) {
	return c.initiate(ctx, "/v1/jobs/initiate-text", ownerKey, language)
}

func (c *Client) initiate(ctx context.Context, path, ownerKey, language string) (string, error) {
	body := map[string]string{"ownerKey": ownerKey, "language": language}
	var resp struct {
		JobID string `json:"jobId"`
	}
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// Transcribe sends a recording for speech-to-text and returns the text.
func (c *Client) Transcribe(ctx context.Context, jobID string, audio []byte, mimeType string) (string, error) {
	body := map[string]string{
		"audioData": base64.StdEncoding.EncodeToString(audio),
		"mimeType":  mimeType,
	}
	var resp struct {
		TranscribedText string `json:"transcribedText"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/transcribe", body, &resp); err != nil {
		return "", err
	}
	return resp.TranscribedText, nil
}

// SubmitText finalizes a job's source text and queues generation.
func (c *Client) SubmitText(ctx context.Context, jobID, text string) error {
	body := map[string]string{"text": text}
	return c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/submit-text", body, nil)
}

// Fetch reads the current job snapshot. Idempotent; never mutates state.
func (c *Client) Fetch(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// SetFavorite toggles the favorite flag and returns the updated snapshot.
func (c *Client) SetFavorite(ctx context.Context, jobID string, favorite bool) (*Job, error) {
	body := map[string]bool{"isFavorite": favorite}
	var job Job
	if err := c.do(ctx, http.MethodPut, "/v1/jobs/"+url.PathEscape(jobID)+"/favorite", body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Collection lists every job for an owner key, newest first.
func (c *Client) Collection(ctx context.Context, ownerKey string) ([]Job, error) {
	var resp struct {
		Items []Job `json:"items"`
	}
	path := "/v1/collection?ownerKey=" + url.QueryEscape(ownerKey)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// WatchCollection consumes the server-sent change feed for an owner key,
// invoking onChange for every change event. It reconnects after transport
// errors and returns only when ctx is cancelled.
func (c *Client) WatchCollection(ctx context.Context, ownerKey string, onChange func()) error {
	path := c.baseURL + "/v1/collection/events?ownerKey=" + url.QueryEscape(ownerKey)
	for {
		if err := c.streamEvents(ctx, path, onChange); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn().Err(err).Str("owner_key", ownerKey).Msg("change feed disconnected, reconnecting")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Client) streamEvents(ctx context.Context, url string, onChange func()) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("storyclient: change feed status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "event: change" {
			onChange()
		}
	}
	return scanner.Err()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("storyclient: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("storyclient: decode response: %w", err)
	}
	return nil
}
