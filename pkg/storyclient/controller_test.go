package storyclient

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// pollStep scripts one Fetch response: either a state or an error.
type pollStep struct {
	state string
	err   error
}

type scriptedAPI struct {
	mu         sync.Mutex
	steps      []pollStep
	fetchCalls int

	createdImage  int
	initiatedText int
	initiatedVoic int
	submittedText []string
	favorites     map[string]bool
}

func newScriptedAPI(steps ...pollStep) *scriptedAPI {
	return &scriptedAPI{steps: steps, favorites: map[string]bool{}}
}

func (a *scriptedAPI) CreateFromImage(ctx context.Context, ownerKey string, image []byte, mimeType, language string) (string, error) {
	a.createdImage++
	return "job-1", nil
}

func (a *scriptedAPI) InitiateVoice(ctx context.Context, ownerKey, language string) (string, error) {
	a.initiatedVoic++
	return "job-voice", nil
}

func (a *scriptedAPI) InitiateText(ctx context.Context, ownerKey, language string) (string, error) {
	a.initiatedText++
	return "job-text", nil
}

func (a *scriptedAPI) Transcribe(ctx context.Context, jobID string, audio []byte, mimeType string) (string, error) {
	return "heard text", nil
}

func (a *scriptedAPI) SubmitText(ctx context.Context, jobID, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submittedText = append(a.submittedText, jobID+":"+text)
	return nil
}

func (a *scriptedAPI) Fetch(ctx context.Context, jobID string) (*Job, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	step := a.steps[len(a.steps)-1]
	if a.fetchCalls < len(a.steps) {
		step = a.steps[a.fetchCalls]
	}
	a.fetchCalls++
	if step.err != nil {
		return nil, step.err
	}
	return &Job{ID: jobID, OwnerKey: "kid-1", State: step.state}, nil
}

func (a *scriptedAPI) SetFavorite(ctx context.Context, jobID string, favorite bool) (*Job, error) {
	a.favorites[jobID] = favorite
	return &Job{ID: jobID, OwnerKey: "kid-1", State: "approved", IsFavorite: favorite}, nil
}

// testController records sleeps instead of waiting.
func testController(api API, opts ControllerOptions) (*Controller, *[]time.Duration) {
	opts.Logger = zerolog.New(io.Discard)
	c := NewController(api, opts)
	slept := &[]time.Duration{}
	c.sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return ctx.Err()
	}
	return c, slept
}

func TestClassifyBucketsStates(t *testing.T) {
	cases := []struct {
		state    string
		outcome  Outcome
		terminal bool
	}{
		{"approved", OutcomeApproved, true},
		{"pendingApproval", OutcomePendingApproval, true},
		{"rejected", OutcomeRejected, true},
		{"created", "", false},
		{"captioning", "", false},
		{"transcribing", "", false},
		{"textGenerating", "", false},
		{"audioGenerating", "", false},
		{"dreaming", "", false}, // unknown future state stays non-terminal
		{"", "", false},
	}
	for _, tc := range cases {
		outcome, terminal := classify(tc.state)
		require.Equal(t, tc.terminal, terminal, "state %q", tc.state)
		require.Equal(t, tc.outcome, outcome, "state %q", tc.state)
	}
}

func TestAwaitResolvesAfterIntermediateStates(t *testing.T) {
	api := newScriptedAPI(
		pollStep{state: "captioning"},
		pollStep{state: "textGenerating"},
		pollStep{state: "audioGenerating"},
		pollStep{state: "approved"},
	)
	c, slept := testController(api, ControllerOptions{})

	result, err := c.Await(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeApproved, result.Outcome)
	require.True(t, result.Succeeded())
	require.Equal(t, 4, api.fetchCalls)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, *slept)
}

func TestAwaitTimesOutAtAttemptCap(t *testing.T) {
	steps := make([]pollStep, 30)
	for i := range steps {
		steps[i] = pollStep{state: "transcribing"}
	}
	api := newScriptedAPI(steps...)
	c, _ := testController(api, ControllerOptions{MaxAttempts: 20})

	result, err := c.Await(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeTimedOut, result.Outcome)
	require.Equal(t, 20, api.fetchCalls)
	require.NotNil(t, result.Job)
	require.Equal(t, "transcribing", result.Job.State)
}

func TestAwaitAbsorbsTransientPollErrors(t *testing.T) {
	api := newScriptedAPI(
		pollStep{err: errors.New("connection reset")},
		pollStep{state: "textGenerating"},
		pollStep{err: errors.New("gateway timeout")},
		pollStep{state: "pendingApproval"},
	)
	c, _ := testController(api, ControllerOptions{MaxAttempts: 3})

	result, err := c.Await(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, OutcomePendingApproval, result.Outcome)
	// Errors did not consume the two state-observing attempts.
	require.Equal(t, 4, api.fetchCalls)
}

func TestAwaitTerminatesWhenEveryPollFails(t *testing.T) {
	api := newScriptedAPI(pollStep{err: errors.New("down")})
	c, _ := testController(api, ControllerOptions{MaxAttempts: 5})

	result, err := c.Await(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeTimedOut, result.Outcome)
	require.Nil(t, result.Job)
	require.Equal(t, 10, api.fetchCalls) // hard ceiling: twice the budget
}

func TestAwaitAbandonedByCancellation(t *testing.T) {
	api := newScriptedAPI(pollStep{state: "captioning"})
	c, _ := testController(api, ControllerOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := c.Await(ctx, "job-1")
	require.ErrorIs(t, err, context.Canceled)
}

func TestSubmitTextCreatesJobWhenIDEmpty(t *testing.T) {
	api := newScriptedAPI(pollStep{state: "approved"})
	c, _ := testController(api, ControllerOptions{})

	result, err := c.SubmitText(context.Background(), "", "kid-1", "a story about rain", "en")
	require.NoError(t, err)
	require.Equal(t, OutcomeApproved, result.Outcome)
	require.Equal(t, 1, api.initiatedText)
	require.Equal(t, []string{"job-text:a story about rain"}, api.submittedText)
}

func TestSubmitTextReusesInitiatedJob(t *testing.T) {
	api := newScriptedAPI(pollStep{state: "pendingApproval"})
	c, _ := testController(api, ControllerOptions{})

	jobID, err := c.InitiateVoiceJob(context.Background(), "kid-1", "en")
	require.NoError(t, err)

	result, err := c.SubmitText(context.Background(), jobID, "kid-1", "edited transcript", "en")
	require.NoError(t, err)
	require.Equal(t, OutcomePendingApproval, result.Outcome)
	require.Zero(t, api.initiatedText)
	require.Equal(t, []string{"job-voice:edited transcript"}, api.submittedText)
}

type failingCreateAPI struct {
	*scriptedAPI
}

func (a failingCreateAPI) CreateFromImage(ctx context.Context, ownerKey string, image []byte, mimeType, language string) (string, error) {
	return "", errors.New("413 payload too large")
}

func TestSubmitFromImageSurfacesCreateErrorWithoutPolling(t *testing.T) {
	api := failingCreateAPI{newScriptedAPI(pollStep{state: "approved"})}
	c, _ := testController(api, ControllerOptions{})

	_, err := c.SubmitFromImage(context.Background(), "kid-1", []byte{0x01}, "image/png", "en")
	require.Error(t, err)
	require.Zero(t, api.fetchCalls)
}

func TestToggleFavoriteFiresMutationHook(t *testing.T) {
	api := newScriptedAPI()
	var notified []string
	c, _ := testController(api, ControllerOptions{
		OnMutation: func(ownerKey string) { notified = append(notified, ownerKey) },
	})

	job, err := c.ToggleFavorite(context.Background(), "job-1", true)
	require.NoError(t, err)
	require.True(t, job.IsFavorite)
	require.Equal(t, []string{"kid-1"}, notified)
}
