package caption

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCaptionRequiresCredentials(t *testing.T) {
	client, err := NewGeminiCaptioner(Options{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Caption(context.Background(), Request{ImageData: []byte{0x01}})
	if err != ErrMissingAPIKey {
		t.Fatalf("err = %v, want ErrMissingAPIKey", err)
	}
}

func TestCaptionSendsInlineImage(t *testing.T) {
	var captured generateContentRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "gemini-1.5-flash:generateContent") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{
				map[string]any{"content": map[string]any{"parts": []any{
					map[string]any{"text": "  A brave cat sails a paper boat.  "},
				}}},
			},
		})
	}))
	defer server.Close()

	client, err := NewGeminiCaptioner(Options{APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	caption, err := client.Caption(context.Background(), Request{
		ImageData: []byte{0xde, 0xad, 0xbe, 0xef},
		MIMEType:  "image/png",
		Language:  "en",
	})
	if err != nil {
		t.Fatalf("caption: %v", err)
	}
	if caption != "A brave cat sails a paper boat." {
		t.Fatalf("caption = %q", caption)
	}
	if len(captured.Contents) != 1 || len(captured.Contents[0].Parts) != 2 {
		t.Fatalf("unexpected request shape: %+v", captured)
	}
	inline := captured.Contents[0].Parts[1].InlineData
	if inline == nil || inline.MIMEType != "image/png" || inline.Data == "" {
		t.Fatalf("inline data missing: %+v", inline)
	}
}

func TestCaptionSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": 400, "message": "invalid image"},
		})
	}))
	defer server.Close()

	client, err := NewGeminiCaptioner(Options{APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Caption(context.Background(), Request{ImageData: []byte{0x01}})
	if err == nil || !strings.Contains(err.Error(), "invalid image") {
		t.Fatalf("err = %v, want api error message", err)
	}
}
