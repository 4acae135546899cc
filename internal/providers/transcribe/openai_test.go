package transcribe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTranscribeReturnsText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.FormValue("language"); got != "de" {
			t.Errorf("language = %q, want de", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"text": " Es war einmal ein Drache. "})
	}))
	defer server.Close()

	tr, err := NewOpenAITranscriber(Options{APIKey: "test", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new transcriber: %v", err)
	}
	text, err := tr.Transcribe(context.Background(), []byte{0x01, 0x02}, "audio/mp4", "de")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "Es war einmal ein Drache." {
		t.Fatalf("text = %q", text)
	}
}

func TestTranscribeRequiresAudio(t *testing.T) {
	tr, err := NewOpenAITranscriber(Options{APIKey: "test"})
	if err != nil {
		t.Fatalf("new transcriber: %v", err)
	}
	if _, err := tr.Transcribe(context.Background(), nil, "audio/mp4", "en"); err == nil {
		t.Fatalf("expected error for empty audio")
	}
}

func TestFilenameForMIME(t *testing.T) {
	if got := filenameForMIME("audio/mp4"); !strings.HasSuffix(got, ".m4a") {
		t.Fatalf("filename = %q", got)
	}
	if got := filenameForMIME(""); !strings.HasSuffix(got, ".mp3") {
		t.Fatalf("filename = %q", got)
	}
}
