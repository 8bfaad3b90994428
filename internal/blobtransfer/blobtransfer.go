// Package blobtransfer streams a request body of known length
// to a pre-signed storage URL without buffering it.
package blobtransfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cirruslabs/gha-cache-gateway/internal/progressreader"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
)

const progressInterval = 10 * time.Second

var (
	ErrTransfer       = errors.New("blob transfer failed")
	ErrSource         = errors.New("failed to read the blob from its source")
	ErrLengthMismatch = errors.New("blob length does not match the declared Content-Length")
)

var successfulStatusCodes = mapset.NewSet[int](
	http.StatusOK,
	http.StatusCreated,
	http.StatusNoContent,
)

// Target describes where and how a blob is written.
type Target struct {
	URL    string
	Method string
	Header http.Header

	// ContentRange makes the transfer announce the whole
	// blob as a single "bytes 0-N/*" range.
	ContentRange bool
}

// AzureBlockBlob is the target for a signed Azure Blob Storage URL,
// which only accepts a Put Blob with an explicit blob type.
func AzureBlockBlob(url string) Target {
	return Target{
		URL:    url,
		Method: http.MethodPut,
		Header: http.Header{
			"X-Ms-Blob-Type": []string{"BlockBlob"},
		},
	}
}

type Transfer struct {
	httpClient *http.Client
}

func New(httpClient *http.Client) *Transfer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Transfer{
		httpClient: httpClient,
	}
}

// Put performs a single streamed request and returns the number
// of bytes consumed from body. It never retries.
func (transfer *Transfer) Put(ctx context.Context, target Target, body io.Reader, contentLength int64) (int64, error) {
	method := target.Method
	if method == "" {
		method = http.MethodPut
	}

	progressReader := progressreader.New(body, progressInterval, func(bytes int64, duration time.Duration) {
		rate := float64(bytes) / duration.Seconds()

		slog.InfoContext(ctx, "Blob transfer in progress", "bytes", bytes, "duration", duration,
			"rate", humanize.Bytes(uint64(rate)))
	})

	// A non-nil body with zero ContentLength would make
	// the client fall back to the chunked encoding
	var requestBody io.Reader = progressReader
	if contentLength == 0 {
		if n, _ := body.Read(make([]byte, 1)); n != 0 {
			return int64(n), fmt.Errorf("%w: declared 0 bytes, but the body is not empty", ErrLengthMismatch)
		}

		requestBody = http.NoBody
	}

	request, err := http.NewRequestWithContext(ctx, method, target.URL, requestBody)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to create request: %w", ErrTransfer, err)
	}

	for key, values := range target.Header {
		for _, value := range values {
			request.Header.Add(key, value)
		}
	}

	// Signed URLs are issued for an exact length, so the
	// Content-Length must be known before the first byte
	request.ContentLength = contentLength

	if target.ContentRange && contentLength > 0 {
		request.Header.Set("Content-Range", fmt.Sprintf("bytes 0-%d/*", contentLength-1))
	}

	if request.Header.Get("Content-Type") == "" {
		request.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := transfer.httpClient.Do(request)
	if resp != nil {
		defer resp.Body.Close()
	}

	if sourceErr := progressReader.Err(); sourceErr != nil {
		return progressReader.Count(), fmt.Errorf("%w: %w", ErrSource, sourceErr)
	}

	if err != nil {
		count := progressReader.Count()

		// The transport refuses bodies that are shorter
		// or longer than the declared Content-Length
		if (progressReader.Exhausted() && count < contentLength) || count > contentLength {
			return count, fmt.Errorf("%w: declared %d bytes, read %d: %w", ErrLengthMismatch,
				contentLength, count, err)
		}

		return count, fmt.Errorf("%w: %w", ErrTransfer, err)
	}

	if !successfulStatusCodes.Contains(resp.StatusCode) {
		// Read a bit of the response to give the caller a clue
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return progressReader.Count(), fmt.Errorf("%w: storage responded with HTTP %d: %s",
			ErrTransfer, resp.StatusCode, detail)
	}

	if count := progressReader.Count(); count != contentLength {
		return count, fmt.Errorf("%w: declared %d bytes, read %d", ErrLengthMismatch, contentLength, count)
	}

	return contentLength, nil
}
