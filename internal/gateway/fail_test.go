package gateway

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/require"
)

type recordingTransport struct {
	mu     sync.Mutex
	events []*sentry.Event
}

func (transport *recordingTransport) Flush(time.Duration) bool {
	return true
}

func (transport *recordingTransport) Configure(sentry.ClientOptions) {}

func (transport *recordingTransport) SendEvent(event *sentry.Event) {
	transport.mu.Lock()
	defer transport.mu.Unlock()

	transport.events = append(transport.events, event)
}

func (transport *recordingTransport) Events() []*sentry.Event {
	transport.mu.Lock()
	defer transport.mu.Unlock()

	return append([]*sentry.Event{}, transport.events...)
}

func newRecordingRequest(t *testing.T) (*http.Request, *recordingTransport) {
	transport := &recordingTransport{}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:       "https://public@sentry.example.com/1",
		Transport: transport,
	})
	require.NoError(t, err)

	hub := sentry.NewHub(client, sentry.NewScope())
	request := httptest.NewRequest(http.MethodPut, "/some-key", nil)

	return request.WithContext(sentry.SetHubOnContext(request.Context(), hub)), transport
}

func TestFailReportsServerErrors(t *testing.T) {
	request, transport := newRecordingRequest(t)
	recorder := httptest.NewRecorder()

	fail(recorder, request, http.StatusBadGateway, "failed to finalize", "key", "some-key-1", "size", 42)

	require.Equal(t, http.StatusBadGateway, recorder.Code)
	require.JSONEq(t, `{"key":"some-key-1","message":"failed to finalize key=some-key-1 size=42"}`,
		recorder.Body.String())

	events := transport.Events()
	require.Len(t, events, 1)
	require.Equal(t, "failed to finalize", events[0].Message)
	require.Equal(t, sentry.LevelError, events[0].Level)
	require.Equal(t, "502", events[0].Tags["status"])
	require.Equal(t, sentry.Context{"key": "some-key-1", "size": "42"}, events[0].Contexts["Arguments"])
}

func TestFailDoesNotReportClientErrors(t *testing.T) {
	request, transport := newRecordingRequest(t)
	recorder := httptest.NewRecorder()

	fail(recorder, request, http.StatusConflict, "cache key already exists", "key", "some-key-1")

	require.Equal(t, http.StatusConflict, recorder.Code)
	require.Empty(t, transport.Events())
}
