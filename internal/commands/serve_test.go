package commands

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/cirruslabs/gha-cache-gateway/internal/cacheservice"
	"github.com/cirruslabs/gha-cache-gateway/internal/cacheservice/ghacache"
	"github.com/cirruslabs/gha-cache-gateway/internal/cacheservice/ghacachev2"
	"github.com/cirruslabs/gha-cache-gateway/internal/resultsmock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"
)

func TestDefaultProtocol(t *testing.T) {
	t.Setenv("ACTIONS_CACHE_SERVICE_V2", "")
	require.Equal(t, protocolV1, defaultProtocol())

	t.Setenv("ACTIONS_CACHE_SERVICE_V2", "true")
	require.Equal(t, protocolV2, defaultProtocol())

	t.Setenv("ACTIONS_CACHE_SERVICE_V2", "0")
	require.Equal(t, protocolV1, defaultProtocol())
}

func TestNewCacheClient(t *testing.T) {
	client, err := newCacheClient(protocolV2, "token", "http://results.example.com", "")
	require.NoError(t, err)
	require.IsType(t, &ghacachev2.Client{}, client)
	require.Implements(t, (*cacheservice.ArtifactClient)(nil), client)

	client, err = newCacheClient(protocolV1, "token", "", "http://cache.example.com/")
	require.NoError(t, err)
	require.IsType(t, &ghacache.Client{}, client)

	_, err = newCacheClient(protocolV2, "token", "", "http://cache.example.com/")
	require.Error(t, err)

	_, err = newCacheClient(protocolV1, "token", "http://results.example.com", "")
	require.Error(t, err)

	_, err = newCacheClient("v3", "token", "http://results.example.com", "http://cache.example.com/")
	require.Error(t, err)

	_, err = newCacheClient(protocolV2, "bad\ntoken", "http://results.example.com", "")
	require.Error(t, err)
}

func TestNewCacheClientTalksToService(t *testing.T) {
	mock := resultsmock.New(resultsmock.WithToken("token"))

	server := httptest.NewServer(mock)
	t.Cleanup(server.Close)

	client, err := newCacheClient(protocolV2, "token", server.URL, "")
	require.NoError(t, err)

	result, err := client.GetDownloadURL(context.Background(), "key", "version", nil)
	require.NoError(t, err)
	require.False(t, result.OK)

	require.Regexp(t, `^gha-cache-gateway/`, mock.LastUserAgent())
}

func TestWorkflowFromToken(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"scp": "Actions.ExampleScope Actions.Results:ce7f54c7:ca395085",
	})
	tokenString, err := token.SignedString([]byte("whatever"))
	require.NoError(t, err)

	ref, ok := workflowFromToken(tokenString)
	require.True(t, ok)
	require.Equal(t, cacheservice.WorkflowRef{
		WorkflowRunBackendID:    "ce7f54c7",
		WorkflowJobRunBackendID: "ca395085",
	}, ref)

	_, ok = workflowFromToken("not-a-jwt")
	require.False(t, ok)
}

func TestNewGatewayWithScopedToken(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"scp": "Actions.Results:ce7f54c7:ca395085",
	})
	tokenString, err := token.SignedString([]byte("whatever"))
	require.NoError(t, err)

	mock := resultsmock.New(resultsmock.WithToken(tokenString))

	backend := httptest.NewServer(mock)
	t.Cleanup(backend.Close)

	client, err := newCacheClient(protocolV2, tokenString, backend.URL, "")
	require.NoError(t, err)

	var gw http.Handler
	require.NotPanics(t, func() {
		gw = newGateway(client, tokenString)
	})

	server := httptest.NewServer(gw)
	t.Cleanup(server.Close)

	for _, path := range []string{"/_artifacts/logs", "/some-key"} {
		resp, err := http.Head(server.URL + path)
		require.NoError(t, err)
		require.Equal(t, http.StatusNotFound, resp.StatusCode, path)

		resp, err = http.Get(server.URL + path)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		require.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestInitLogger(t *testing.T) {
	logLevel, logFormat = "info", "text"
	require.NoError(t, initLogger(io.Discard))

	logLevel, logFormat = "info", "yaml"
	require.Error(t, initLogger(io.Discard))

	logLevel, logFormat = "chatty", "json"
	require.Error(t, initLogger(io.Discard))
}

func TestRunServerShutsDownGracefully(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)

	go func() {
		errCh <- runServer(ctx, listener, http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
			writer.WriteHeader(http.StatusTeapot)
		}))
	}()

	resp, err := http.Get("http://" + listener.Addr().String() + "/")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusTeapot, resp.StatusCode)

	cancel()
	require.NoError(t, <-errCh)
}

func TestServeRejectsUnsupportedProtocol(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetArgs([]string{"serve", "--protocol", "v3", "--token", "token", "--log-format", "text"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.ExecuteContext(context.Background())
	require.ErrorIs(t, err, ErrServe)
}

func TestNewLogWriter(t *testing.T) {
	logFile, logRotateSize = "", ""

	writer, err := newLogWriter(io.Discard)
	require.NoError(t, err)
	require.Equal(t, io.Discard, writer)

	logFile, logRotateSize = filepath.Join(t.TempDir(), "gateway.log"), "10 MB"
	defer func() {
		logFile, logRotateSize = "", ""
	}()

	writer, err = newLogWriter(io.Discard)
	require.NoError(t, err)
	require.IsType(t, &lumberjack.Logger{}, writer)
	require.Equal(t, 10, writer.(*lumberjack.Logger).MaxSize)

	logRotateSize = "ten megabytes"

	_, err = newLogWriter(io.Discard)
	require.Error(t, err)

	logRotateSize = "512 KB"

	_, err = newLogWriter(io.Discard)
	require.ErrorContains(t, err, "at least 1 MB")

	logRotateSize = "1 MB"

	writer, err = newLogWriter(io.Discard)
	require.NoError(t, err)
	require.Equal(t, 1, writer.(*lumberjack.Logger).MaxSize)
}
