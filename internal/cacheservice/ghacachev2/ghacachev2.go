// Package ghacachev2 talks to the GitHub Actions results service
// (cache service v2) over Twirp.
package ghacachev2

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/cirruslabs/gha-cache-gateway/internal/blobtransfer"
	"github.com/cirruslabs/gha-cache-gateway/internal/cacheservice"
	"github.com/cirruslabs/gha-cache-gateway/internal/cacheservice/resultsapi"
	"github.com/twitchtv/twirp"
)

// Interface guards
var (
	_ cacheservice.Client         = (*Client)(nil)
	_ cacheservice.ArtifactClient = (*Client)(nil)
)

const APIMountPoint = "/twirp/"

type Client struct {
	twirp *twirpClient
}

// New creates a client for the results service at resultsURL.
// httpClient is expected to authenticate the requests.
func New(resultsURL string, httpClient *http.Client, interceptors ...twirp.Interceptor) (*Client, error) {
	parsedURL, err := url.Parse(resultsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid results service URL %q: %w", resultsURL, err)
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("invalid results service URL %q: unsupported scheme %q",
			resultsURL, parsedURL.Scheme)
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		twirp: &twirpClient{
			httpClient:  httpClient,
			baseURL:     strings.TrimSuffix(parsedURL.String(), "/") + APIMountPoint,
			interceptor: twirp.ChainInterceptors(interceptors...),
		},
	}, nil
}

func (client *Client) CreateEntry(ctx context.Context, key string, version string) (*cacheservice.CreateEntryResult, error) {
	var resp resultsapi.CreateCacheEntryResponse

	err := client.twirp.call(ctx, resultsapi.CacheService, resultsapi.MethodCreateCacheEntry,
		&resultsapi.CreateCacheEntryRequest{
			Key:     key,
			Version: version,
		}, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create cache entry with key %q and version %q: %w",
			cacheservice.ErrTransport, key, version, err)
	}

	if !resp.OK {
		return &cacheservice.CreateEntryResult{}, nil
	}

	return &cacheservice.CreateEntryResult{
		OK:              true,
		SignedUploadURL: resp.SignedUploadURL,
		Target:          blobtransfer.AzureBlockBlob(resp.SignedUploadURL),
	}, nil
}

func (client *Client) FinalizeUpload(ctx context.Context, key string, version string, sizeBytes int64) (*cacheservice.FinalizeResult, error) {
	var resp resultsapi.FinalizeCacheEntryUploadResponse

	err := client.twirp.call(ctx, resultsapi.CacheService, resultsapi.MethodFinalizeCacheEntryUpload,
		&resultsapi.FinalizeCacheEntryUploadRequest{
			Key:       key,
			SizeBytes: resultsapi.Int64(sizeBytes),
			Version:   version,
		}, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to finalize cache entry with key %q and version %q: %w",
			cacheservice.ErrTransport, key, version, err)
	}

	return &cacheservice.FinalizeResult{
		OK:      resp.OK,
		EntryID: int64(resp.EntryID),
	}, nil
}

func (client *Client) GetDownloadURL(ctx context.Context, key string, version string, restoreKeys []string) (*cacheservice.DownloadResult, error) {
	var resp resultsapi.GetCacheEntryDownloadURLResponse

	err := client.twirp.call(ctx, resultsapi.CacheService, resultsapi.MethodGetCacheEntryDownloadURL,
		&resultsapi.GetCacheEntryDownloadURLRequest{
			Key:         key,
			RestoreKeys: restoreKeys,
			Version:     version,
		}, &resp)
	if err != nil {
		// Some implementations of the service answer
		// a miss with an error instead of "ok: false"
		if isTwirpNotFound(err) {
			return &cacheservice.DownloadResult{}, nil
		}

		return nil, fmt.Errorf("%w: failed to retrieve information about cache entry "+
			"with key %q and version %q: %w", cacheservice.ErrTransport, key, version, err)
	}

	if !resp.OK || resp.SignedDownloadURL == "" {
		return &cacheservice.DownloadResult{}, nil
	}

	return &cacheservice.DownloadResult{
		OK:                true,
		SignedDownloadURL: resp.SignedDownloadURL,
		MatchedKey:        resp.MatchedKey,
	}, nil
}

func isTwirpNotFound(err error) bool {
	var twerr twirp.Error

	return errors.As(err, &twerr) && twerr.Code() == twirp.NotFound
}
