// Package ghacache talks to the legacy GitHub Actions cache service (v1),
// a REST API mounted at "_apis/artifactcache" of ACTIONS_CACHE_URL.
package ghacache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cirruslabs/gha-cache-gateway/internal/blobtransfer"
	"github.com/cirruslabs/gha-cache-gateway/internal/cacheservice"
	"github.com/go-chi/render"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/samber/lo"
)

// Interface guard
//
// Ensures that Client struct implements cacheservice.Client interface.
var _ cacheservice.Client = (*Client)(nil)

const (
	APIMountPoint = "_apis/artifactcache/"

	acceptHeader = "application/json;api-version=6.0-preview.1"
)

type Client struct {
	baseURL       string
	authorization string
	httpClient    *http.Client

	// Cache ID of every reserved but not yet committed entry,
	// the commit call needs it
	reservations *xsync.MapOf[string, int64]
}

// New creates a client for the cache service at cacheURL. The token is
// only used for the upload target, since uploads don't go through
// httpClient, which is expected to authenticate the other requests.
func New(cacheURL string, token string, httpClient *http.Client) (*Client, error) {
	parsedURL, err := url.Parse(cacheURL)
	if err != nil {
		return nil, fmt.Errorf("invalid cache service URL %q: %w", cacheURL, err)
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("invalid cache service URL %q: unsupported scheme %q",
			cacheURL, parsedURL.Scheme)
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:       strings.TrimSuffix(parsedURL.String(), "/") + "/" + APIMountPoint,
		authorization: "Bearer " + token,
		httpClient:    httpClient,
		reservations:  xsync.NewMapOf[string, int64](),
	}, nil
}

func (client *Client) CreateEntry(ctx context.Context, key string, version string) (*cacheservice.CreateEntryResult, error) {
	jsonReq := struct {
		Key     string `json:"key"`
		Version string `json:"version"`
	}{
		Key:     key,
		Version: version,
	}

	resp, err := client.doJSON(ctx, http.MethodPost, client.baseURL+"caches", &jsonReq)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to reserve cache entry with key %q and version %q: %w",
			cacheservice.ErrTransport, key, version, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return &cacheservice.CreateEntryResult{}, nil
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return nil, fmt.Errorf("%w: failed to reserve cache entry with key %q and version %q: %w",
			cacheservice.ErrTransport, key, version, unexpectedStatus(resp))
	}

	var jsonResp struct {
		CacheID int64 `json:"cacheId"`
	}

	if err := render.DecodeJSON(resp.Body, &jsonResp); err != nil {
		return nil, fmt.Errorf("%w: failed to decode the reserve response for key %q: %w",
			cacheservice.ErrTransport, key, err)
	}

	client.reservations.Store(reservationKey(key, version), jsonResp.CacheID)

	uploadURL := client.cacheURL(jsonResp.CacheID)

	return &cacheservice.CreateEntryResult{
		OK:              true,
		SignedUploadURL: uploadURL,
		Target: blobtransfer.Target{
			URL:    uploadURL,
			Method: http.MethodPatch,
			Header: http.Header{
				"Authorization": []string{client.authorization},
				"Accept":        []string{acceptHeader},
			},
			ContentRange: true,
		},
	}, nil
}

func (client *Client) FinalizeUpload(ctx context.Context, key string, version string, sizeBytes int64) (*cacheservice.FinalizeResult, error) {
	cacheID, ok := client.reservations.LoadAndDelete(reservationKey(key, version))
	if !ok {
		return &cacheservice.FinalizeResult{}, nil
	}

	jsonReq := struct {
		Size int64 `json:"size"`
	}{
		Size: sizeBytes,
	}

	resp, err := client.doJSON(ctx, http.MethodPost, client.cacheURL(cacheID), &jsonReq)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to commit cache entry with key %q and version %q: %w",
			cacheservice.ErrTransport, key, version, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return &cacheservice.FinalizeResult{OK: true, EntryID: cacheID}, nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusConflict:
		return &cacheservice.FinalizeResult{}, nil
	default:
		return nil, fmt.Errorf("%w: failed to commit cache entry with key %q and version %q: %w",
			cacheservice.ErrTransport, key, version, unexpectedStatus(resp))
	}
}

func (client *Client) GetDownloadURL(ctx context.Context, key string, version string, restoreKeys []string) (*cacheservice.DownloadResult, error) {
	// The first key is matched exactly and the rest by prefix,
	// so a restore key equal to the primary key is not redundant
	keys := lo.Compact(append([]string{key}, restoreKeys...))

	query := url.Values{}
	query.Set("keys", strings.Join(keys, ","))
	query.Set("version", version)

	resp, err := client.do(ctx, http.MethodGet, client.baseURL+"cache?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to retrieve information about cache entry "+
			"with key %q and version %q: %w", cacheservice.ErrTransport, key, version, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// decoded below
	case http.StatusNoContent, http.StatusNotFound:
		return &cacheservice.DownloadResult{}, nil
	default:
		return nil, fmt.Errorf("%w: failed to retrieve information about cache entry "+
			"with key %q and version %q: %w", cacheservice.ErrTransport, key, version, unexpectedStatus(resp))
	}

	var jsonResp struct {
		Key string `json:"cacheKey"`
		URL string `json:"archiveLocation"`
	}

	if err := render.DecodeJSON(resp.Body, &jsonResp); err != nil {
		return nil, fmt.Errorf("%w: failed to decode the lookup response for key %q: %w",
			cacheservice.ErrTransport, key, err)
	}

	if jsonResp.URL == "" {
		return &cacheservice.DownloadResult{}, nil
	}

	return &cacheservice.DownloadResult{
		OK:                true,
		SignedDownloadURL: jsonResp.URL,
		MatchedKey:        jsonResp.Key,
	}, nil
}

func (client *Client) doJSON(ctx context.Context, method string, url string, body any) (*http.Response, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	return client.do(ctx, method, url, bytes.NewReader(reqBody))
}

func (client *Client) do(ctx context.Context, method string, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", acceptHeader)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return client.httpClient.Do(req)
}

func (client *Client) cacheURL(cacheID int64) string {
	return client.baseURL + "caches/" + strconv.FormatInt(cacheID, 10)
}

func reservationKey(key string, version string) string {
	return version + "/" + key
}

func unexpectedStatus(resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	return fmt.Errorf("unexpected HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
}
