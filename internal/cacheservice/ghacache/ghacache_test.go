package ghacache_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cirruslabs/gha-cache-gateway/internal/bearer"
	"github.com/cirruslabs/gha-cache-gateway/internal/blobtransfer"
	"github.com/cirruslabs/gha-cache-gateway/internal/cacheservice"
	"github.com/cirruslabs/gha-cache-gateway/internal/cacheservice/ghacache"
	"github.com/cirruslabs/gha-cache-gateway/internal/resultsmock"
	"github.com/stretchr/testify/require"
)

const token = "runtime-token"

func newClient(t *testing.T, mock *resultsmock.Mock) *ghacache.Client {
	t.Helper()

	server := httptest.NewServer(mock)
	t.Cleanup(server.Close)

	transport, err := bearer.New(token, "gha-cache-gateway/test", http.DefaultTransport)
	require.NoError(t, err)

	client, err := ghacache.New(server.URL+"/", token, &http.Client{Transport: transport})
	require.NoError(t, err)

	return client
}

func TestCacheEntryRoundtrip(t *testing.T) {
	ctx := context.Background()

	mock := resultsmock.New(resultsmock.WithToken(token))
	client := newClient(t, mock)

	value := "Hello, World!\n"

	download, err := client.GetDownloadURL(ctx, "key", "v1", []string{"key"})
	require.NoError(t, err)
	require.False(t, download.OK)

	create, err := client.CreateEntry(ctx, "key", "v1")
	require.NoError(t, err)
	require.True(t, create.OK)
	require.Equal(t, http.MethodPatch, create.Target.Method)
	require.True(t, create.Target.ContentRange)

	// The upload target is authenticated on its own
	n, err := blobtransfer.New(nil).Put(ctx, create.Target, strings.NewReader(value), int64(len(value)))
	require.NoError(t, err)
	require.EqualValues(t, len(value), n)

	finalize, err := client.FinalizeUpload(ctx, "key", "v1", int64(len(value)))
	require.NoError(t, err)
	require.True(t, finalize.OK)

	download, err = client.GetDownloadURL(ctx, "key", "v1", []string{"key"})
	require.NoError(t, err)
	require.True(t, download.OK)
	require.Equal(t, "key", download.MatchedKey)

	resp, err := http.Get(download.SignedDownloadURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, value, string(body))

	require.EqualValues(t, 1, mock.Calls(resultsmock.MethodReserveCache))
	require.EqualValues(t, 1, mock.Calls(resultsmock.MethodUploadCache))
	require.EqualValues(t, 1, mock.Calls(resultsmock.MethodCommitCache))
}

func TestEmptyEntry(t *testing.T) {
	ctx := context.Background()

	client := newClient(t, resultsmock.New(resultsmock.WithToken(token)))

	create, err := client.CreateEntry(ctx, "empty", "v1")
	require.NoError(t, err)
	require.True(t, create.OK)

	_, err = blobtransfer.New(nil).Put(ctx, create.Target, strings.NewReader(""), 0)
	require.NoError(t, err)

	finalize, err := client.FinalizeUpload(ctx, "empty", "v1", 0)
	require.NoError(t, err)
	require.True(t, finalize.OK)

	download, err := client.GetDownloadURL(ctx, "empty", "v1", []string{"empty"})
	require.NoError(t, err)
	require.True(t, download.OK)
}

func TestReserveTwiceIsRejected(t *testing.T) {
	ctx := context.Background()

	client := newClient(t, resultsmock.New(resultsmock.WithToken(token)))

	create, err := client.CreateEntry(ctx, "key", "v1")
	require.NoError(t, err)
	require.True(t, create.OK)

	create, err = client.CreateEntry(ctx, "key", "v1")
	require.NoError(t, err)
	require.False(t, create.OK)
}

func TestFinalizeWithoutReservationIsRejected(t *testing.T) {
	client := newClient(t, resultsmock.New(resultsmock.WithToken(token)))

	finalize, err := client.FinalizeUpload(context.Background(), "key", "v1", 1)
	require.NoError(t, err)
	require.False(t, finalize.OK)
}

func TestFinalizeWithWrongSizeIsRejected(t *testing.T) {
	ctx := context.Background()

	client := newClient(t, resultsmock.New(resultsmock.WithToken(token)))

	create, err := client.CreateEntry(ctx, "key", "v1")
	require.NoError(t, err)

	_, err = blobtransfer.New(nil).Put(ctx, create.Target, strings.NewReader("abc"), 3)
	require.NoError(t, err)

	finalize, err := client.FinalizeUpload(ctx, "key", "v1", 4)
	require.NoError(t, err)
	require.False(t, finalize.OK)
}

func TestTransportFailures(t *testing.T) {
	ctx := context.Background()

	mock := resultsmock.New(resultsmock.WithToken(token))
	client := newClient(t, mock)

	mock.SetFault(resultsmock.MethodReserveCache, resultsmock.FaultInternal)
	_, err := client.CreateEntry(ctx, "key", "v1")
	require.ErrorIs(t, err, cacheservice.ErrTransport)

	mock.SetFault(resultsmock.MethodGetCache, resultsmock.FaultInternal)
	_, err = client.GetDownloadURL(ctx, "key", "v1", nil)
	require.ErrorIs(t, err, cacheservice.ErrTransport)
}

func TestUnauthorized(t *testing.T) {
	server := httptest.NewServer(resultsmock.New(resultsmock.WithToken("another-token")))
	t.Cleanup(server.Close)

	client, err := ghacache.New(server.URL, token, nil)
	require.NoError(t, err)

	_, err = client.CreateEntry(context.Background(), "key", "v1")
	require.ErrorIs(t, err, cacheservice.ErrTransport)
}

func TestRestoreKeyMatchesByPrefix(t *testing.T) {
	ctx := context.Background()

	client := newClient(t, resultsmock.New(resultsmock.WithToken(token)))

	create, err := client.CreateEntry(ctx, "prefix-123", "v1")
	require.NoError(t, err)

	_, err = blobtransfer.New(nil).Put(ctx, create.Target, strings.NewReader("abc"), 3)
	require.NoError(t, err)

	finalize, err := client.FinalizeUpload(ctx, "prefix-123", "v1", 3)
	require.NoError(t, err)
	require.True(t, finalize.OK)

	download, err := client.GetDownloadURL(ctx, "prefix", "v1", []string{"prefix"})
	require.NoError(t, err)
	require.True(t, download.OK)
	require.Equal(t, "prefix-123", download.MatchedKey)
}
