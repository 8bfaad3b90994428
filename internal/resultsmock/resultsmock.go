// Package resultsmock is an in-memory stand-in for the GitHub Actions
// cache backends: the v2 results service (Twirp JSON), the v1 cache
// REST API and the blob storage both of them hand out signed URLs for.
package resultsmock

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	blobMountPoint = "/_blob/"

	MethodPutBlob = "PutBlob"
	MethodGetBlob = "GetBlob"

	// JavaScript's Number is limited to 2^53-1, and the v1 cache IDs
	// are consumed by JavaScript clients
	jsNumberMaxSafeInteger = 9007199254740991
)

// Fault makes a method misbehave in a particular way.
type Fault int

const (
	FaultNone Fault = iota

	// FaultReject completes the call with a business-level rejection
	// ("ok": false, HTTP 409, a lookup miss...).
	FaultReject

	// FaultInternal fails the call with an HTTP 500.
	FaultInternal
)

type Option func(mock *Mock)

// WithToken makes the mock require "Authorization: Bearer <token>"
// on every RPC call.
func WithToken(token string) Option {
	return func(mock *Mock) {
		mock.token = token
	}
}

type entry struct {
	key       string
	version   string
	blobID    string
	id        int64
	createdAt time.Time

	size      int64
	finalized bool
	mtx       sync.Mutex
}

type Mock struct {
	mux   *http.ServeMux
	token string

	entries     *xsync.MapOf[string, *entry]
	artifacts   *xsync.MapOf[string, *entry]
	blobs       *xsync.MapOf[string, []byte]
	uploadables *xsync.MapOf[int64, *uploadable]

	calls         *xsync.MapOf[string, *xsync.Counter]
	faults        *xsync.MapOf[string, Fault]
	lastUserAgent atomic.Pointer[string]
	nextID        atomic.Int64
}

func New(opts ...Option) *Mock {
	mock := &Mock{
		mux:         http.NewServeMux(),
		entries:     xsync.NewMapOf[string, *entry](),
		artifacts:   xsync.NewMapOf[string, *entry](),
		blobs:       xsync.NewMapOf[string, []byte](),
		uploadables: xsync.NewMapOf[int64, *uploadable](),
		calls:       xsync.NewMapOf[string, *xsync.Counter](),
		faults:      xsync.NewMapOf[string, Fault](),
	}

	for _, opt := range opts {
		opt(mock)
	}

	mock.registerTwirp()
	mock.registerLegacy()

	mock.mux.HandleFunc("PUT "+blobMountPoint+"{id}", mock.putBlob)
	mock.mux.HandleFunc("GET "+blobMountPoint+"{id}", mock.getBlob)

	return mock
}

func (mock *Mock) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	isBlob := strings.HasPrefix(request.URL.Path, blobMountPoint)

	if userAgent := request.Header.Get("User-Agent"); userAgent != "" && !isBlob {
		mock.lastUserAgent.Store(&userAgent)
	}

	// Provide "x-ms-request-id" header for Azure Blob clients that expect it
	writer.Header().Set("x-ms-request-id", uuid.NewString())

	if !isBlob && !mock.authorized(request) {
		if strings.HasPrefix(request.URL.Path, twirpMountPoint) {
			writeTwirpUnauthenticated(writer)

			return
		}

		fail(writer, request, http.StatusUnauthorized, "missing or invalid bearer token")

		return
	}

	mock.mux.ServeHTTP(writer, request)
}

// Calls returns how many times the method was invoked.
func (mock *Mock) Calls(method string) int64 {
	counter, ok := mock.calls.Load(method)
	if !ok {
		return 0
	}

	return counter.Value()
}

// TotalCalls returns the number of invocations across all methods.
func (mock *Mock) TotalCalls() int64 {
	var total int64

	mock.calls.Range(func(_ string, counter *xsync.Counter) bool {
		total += counter.Value()

		return true
	})

	return total
}

func (mock *Mock) SetFault(method string, fault Fault) {
	mock.faults.Store(method, fault)
}

// LastUserAgent returns the User-Agent of the most recent API request.
// Blob requests are excluded since they come from the storage client.
func (mock *Mock) LastUserAgent() string {
	userAgent := mock.lastUserAgent.Load()
	if userAgent == nil {
		return ""
	}

	return *userAgent
}

// Blob returns the contents of a blob previously uploaded to a signed URL.
func (mock *Mock) Blob(signedURL string) ([]byte, bool) {
	_, id, found := strings.Cut(signedURL, blobMountPoint)
	if !found {
		return nil, false
	}

	return mock.blobs.Load(id)
}

func (mock *Mock) enter(method string) Fault {
	counter, _ := mock.calls.LoadOrCompute(method, func() *xsync.Counter {
		return xsync.NewCounter()
	})
	counter.Inc()

	fault, _ := mock.faults.Load(method)

	return fault
}

func (mock *Mock) authorized(request *http.Request) bool {
	if mock.token == "" {
		return true
	}

	return request.Header.Get("Authorization") == "Bearer "+mock.token
}

func (mock *Mock) newEntry(key string, version string) *entry {
	return &entry{
		key:       key,
		version:   version,
		blobID:    uuid.NewString(),
		id:        mock.nextID.Add(1),
		createdAt: time.Now(),
	}
}

func (mock *Mock) blobURL(request *http.Request, blobID string) string {
	return fmt.Sprintf("http://%s%s%s", request.Host, blobMountPoint, blobID)
}

// findEntry looks up a finalized entry by its exact key first,
// then by the newest entry whose key starts with one of the prefixes.
func (mock *Mock) findEntry(key string, version string, prefixes []string) *entry {
	if exact, ok := mock.entries.Load(entryKey(key, version)); ok && exact.isFinalized() {
		return exact
	}

	for _, prefix := range prefixes {
		var newest *entry

		mock.entries.Range(func(_ string, candidate *entry) bool {
			if candidate.version != version || !strings.HasPrefix(candidate.key, prefix) {
				return true
			}

			if !candidate.isFinalized() {
				return true
			}

			if newest == nil || candidate.createdAt.After(newest.createdAt) {
				newest = candidate
			}

			return true
		})

		if newest != nil {
			return newest
		}
	}

	return nil
}

func (mock *Mock) putBlob(writer http.ResponseWriter, request *http.Request) {
	id := request.PathValue("id")

	switch mock.enter(MethodPutBlob) {
	case FaultReject:
		fail(writer, request, http.StatusForbidden, "signature did not match", "id", id)

		return
	case FaultInternal:
		fail(writer, request, http.StatusInternalServerError, "storage is unavailable", "id", id)

		return
	}

	if request.Header.Get("x-ms-blob-type") != "BlockBlob" {
		fail(writer, request, http.StatusBadRequest, "missing or unsupported x-ms-blob-type header",
			"id", id, "value", request.Header.Get("x-ms-blob-type"))

		return
	}

	if request.ContentLength < 0 {
		fail(writer, request, http.StatusLengthRequired, "Content-Length is required", "id", id)

		return
	}

	var buf bytes.Buffer

	n, err := io.Copy(&buf, request.Body)
	if err != nil {
		fail(writer, request, http.StatusBadRequest, "failed to read the blob", "id", id, "err", err)

		return
	}

	if n != request.ContentLength {
		fail(writer, request, http.StatusBadRequest, "blob length does not match Content-Length",
			"id", id, "expected_bytes", request.ContentLength, "actual_bytes", n)

		return
	}

	mock.blobs.Store(id, buf.Bytes())

	writer.WriteHeader(http.StatusCreated)
}

func (mock *Mock) getBlob(writer http.ResponseWriter, request *http.Request) {
	id := request.PathValue("id")

	if mock.enter(MethodGetBlob) == FaultInternal {
		fail(writer, request, http.StatusInternalServerError, "storage is unavailable", "id", id)

		return
	}

	blob, ok := mock.blobs.Load(id)
	if !ok {
		fail(writer, request, http.StatusNotFound, "blob not found", "id", id)

		return
	}

	http.ServeContent(writer, request, "", time.Time{}, bytes.NewReader(blob))
}

func (entry *entry) isFinalized() bool {
	entry.mtx.Lock()
	defer entry.mtx.Unlock()

	return entry.finalized
}

// finalize marks the entry as complete if the uploaded blob has the declared size.
func (entry *entry) finalize(blob []byte, uploaded bool, size int64) bool {
	entry.mtx.Lock()
	defer entry.mtx.Unlock()

	if entry.finalized || !uploaded || int64(len(blob)) != size {
		return false
	}

	entry.finalized = true
	entry.size = size

	return true
}

func entryKey(key string, version string) string {
	return version + "/" + key
}

func randomCacheID() int64 {
	return 1 + rand.Int63n(jsNumberMaxSafeInteger-1)
}

func fail(writer http.ResponseWriter, request *http.Request, status int, msg string, args ...any) {
	slog.Debug(msg, args...)

	render.Status(request, status)
	render.JSON(writer, request, &struct {
		Message string `json:"message"`
	}{
		Message: msg,
	})
}
