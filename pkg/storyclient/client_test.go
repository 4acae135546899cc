package storyclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(ClientOptions{BaseURL: srv.URL, Logger: zerolog.New(io.Discard)})
	require.NoError(t, err)
	return client, srv
}

func TestCreateFromImageEncodesPayload(t *testing.T) {
	var got map[string]string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/jobs/from-image", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"jobId":"job-42","state":"created"}`))
	}))

	jobID, err := client.CreateFromImage(context.Background(), "kid-1", []byte{0x89, 0x50}, "image/png", "de")
	require.NoError(t, err)
	require.Equal(t, "job-42", jobID)
	require.Equal(t, "kid-1", got["ownerKey"])
	require.Equal(t, "image/png", got["mimeType"])
	require.Equal(t, "de", got["language"])

	raw, err := base64.StdEncoding.DecodeString(got["imageData"])
	require.NoError(t, err)
	require.Equal(t, []byte{0x89, 0x50}, raw)
}

func TestFetchDecodesSnapshot(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/jobs/job-42", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"id":"job-42","ownerKey":"kid-1","inputKind":"image",
			"state":"audioGenerating",
			"payload":{"captionText":"a cat","title":"T","body":"B"}
		}`))
	}))

	job, err := client.Fetch(context.Background(), "job-42")
	require.NoError(t, err)
	require.Equal(t, "audioGenerating", job.State)
	require.Equal(t, "a cat", job.Payload.CaptionText)
}

func TestErrorResponsesCarryServerMessage(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"conflict","message":"job already submitted"}`))
	}))

	err := client.SubmitText(context.Background(), "job-42", "text")
	require.Error(t, err)
	require.Contains(t, err.Error(), "job already submitted")
	require.Contains(t, err.Error(), "409")
}

func TestCollectionListsItems(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "kid-1", r.URL.Query().Get("ownerKey"))
		_, _ = w.Write([]byte(`{"items":[{"id":"a","state":"approved"},{"id":"b","state":"created"}]}`))
	}))

	jobs, err := client.Collection(context.Background(), "kid-1")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "approved", jobs[0].State)
}

func TestStreamClientCarriesNoTimeout(t *testing.T) {
	base := &http.Client{Timeout: 5 * time.Second, Transport: http.DefaultTransport}
	client, err := NewClient(ClientOptions{BaseURL: "http://localhost", HTTPClient: base})
	require.NoError(t, err)

	require.Equal(t, 5*time.Second, client.http.Timeout)
	require.Zero(t, client.stream.Timeout, "event stream client must never time out")
	require.Same(t, base.Transport, client.stream.Transport)
}

func TestWatchCollectionOutlivesRequestTimeout(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		// First event only after the request client's timeout has elapsed.
		time.Sleep(80 * time.Millisecond)
		_, _ = fmt.Fprint(w, "event: change\ndata: {}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	client.http.Timeout = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = client.WatchCollection(ctx, "kid-1", cancel)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("change event never arrived")
	}
}

func TestWatchCollectionDeliversChangeEvents(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/collection/events", r.URL.Path)
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for i := 0; i < 3; i++ {
			_, _ = fmt.Fprint(w, "event: change\ndata: {}\n\n")
			flusher.Flush()
			time.Sleep(10 * time.Millisecond)
		}
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var changes int32
	done := make(chan struct{})
	go func() {
		_ = client.WatchCollection(ctx, "kid-1", func() {
			if atomic.AddInt32(&changes, 1) == 3 {
				cancel()
			}
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watch never finished")
	}
	require.EqualValues(t, 3, atomic.LoadInt32(&changes))
}
