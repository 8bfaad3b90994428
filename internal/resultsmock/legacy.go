package resultsmock

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/render"
	"github.com/samber/lo"
)

const (
	legacyMountPoint = "/_apis/artifactcache/"

	MethodReserveCache = "ReserveCache"
	MethodUploadCache  = "UploadCache"
	MethodCommitCache  = "CommitCache"
	MethodGetCache     = "GetCache"
)

func (mock *Mock) registerLegacy() {
	mock.mux.HandleFunc("GET "+legacyMountPoint+"cache", mock.getCache)
	mock.mux.HandleFunc("POST "+legacyMountPoint+"caches", mock.reserveCache)
	mock.mux.HandleFunc("PATCH "+legacyMountPoint+"caches/{id}", mock.uploadCache)
	mock.mux.HandleFunc("POST "+legacyMountPoint+"caches/{id}", mock.commitCache)
}

func (mock *Mock) getCache(writer http.ResponseWriter, request *http.Request) {
	fault := mock.enter(MethodGetCache)
	if fault == FaultInternal {
		fail(writer, request, http.StatusInternalServerError, "injected failure")

		return
	}

	keys := lo.Compact(strings.Split(request.URL.Query().Get("keys"), ","))
	version := request.URL.Query().Get("version")

	if len(keys) == 0 {
		fail(writer, request, http.StatusBadRequest, "at least one key is required")

		return
	}

	found := mock.findEntry(keys[0], version, keys[1:])
	if found == nil || fault == FaultReject {
		writer.WriteHeader(http.StatusNoContent)

		return
	}

	render.JSON(writer, request, &struct {
		Key     string `json:"cacheKey"`
		Version string `json:"cacheVersion"`
		Scope   string `json:"scope"`
		URL     string `json:"archiveLocation"`
	}{
		Key:     found.key,
		Version: found.version,
		Scope:   "refs/heads/main",
		URL:     mock.blobURL(request, found.blobID),
	})
}

func (mock *Mock) reserveCache(writer http.ResponseWriter, request *http.Request) {
	fault := mock.enter(MethodReserveCache)

	var jsonReq struct {
		Key     string `json:"key"`
		Version string `json:"version"`
	}

	if err := render.DecodeJSON(request.Body, &jsonReq); err != nil {
		fail(writer, request, http.StatusBadRequest, "failed to read/decode the JSON passed "+
			"to the reserve endpoint", "err", err)

		return
	}

	switch fault {
	case FaultInternal:
		fail(writer, request, http.StatusInternalServerError, "injected failure")

		return
	case FaultReject:
		fail(writer, request, http.StatusConflict, "cache entry is already reserved", "key", jsonReq.Key)

		return
	}

	newEntry := mock.newEntry(jsonReq.Key, jsonReq.Version)

	if _, loaded := mock.entries.LoadOrStore(entryKey(jsonReq.Key, jsonReq.Version), newEntry); loaded {
		fail(writer, request, http.StatusConflict, "cache entry is already reserved", "key", jsonReq.Key)

		return
	}

	cacheID := randomCacheID()

	mock.uploadables.Store(cacheID, newUploadable(newEntry))

	render.JSON(writer, request, &struct {
		CacheID int64 `json:"cacheId"`
	}{
		CacheID: cacheID,
	})
}

func (mock *Mock) uploadCache(writer http.ResponseWriter, request *http.Request) {
	fault := mock.enter(MethodUploadCache)
	if fault != FaultNone {
		fail(writer, request, http.StatusInternalServerError, "injected failure")

		return
	}

	uploadable, ok := mock.loadUploadable(writer, request)
	if !ok {
		return
	}

	// Empty blobs are uploaded without a range
	if request.Header.Get("Content-Range") == "" && request.ContentLength == 0 {
		writer.WriteHeader(http.StatusNoContent)

		return
	}

	start, length, err := parseContentRange(request.Header.Get("Content-Range"))
	if err != nil {
		fail(writer, request, http.StatusBadRequest, "failed to parse Content-Range header",
			"header_value", request.Header.Get("Content-Range"), "err", err)

		return
	}

	var buf bytes.Buffer

	n, err := io.Copy(&buf, request.Body)
	if err != nil {
		fail(writer, request, http.StatusBadRequest, "failed to read the uploaded range", "err", err)

		return
	}

	if n != length {
		fail(writer, request, http.StatusBadRequest, "uploaded range length does not match Content-Range",
			"expected_bytes", length, "actual_bytes", n)

		return
	}

	if err := uploadable.appendPart(start, buf.Bytes()); err != nil {
		fail(writer, request, http.StatusConflict, "failed to append part", "err", err)

		return
	}

	writer.WriteHeader(http.StatusNoContent)
}

func (mock *Mock) commitCache(writer http.ResponseWriter, request *http.Request) {
	fault := mock.enter(MethodCommitCache)

	uploadable, ok := mock.loadUploadable(writer, request)
	if !ok {
		return
	}

	var jsonReq struct {
		Size int64 `json:"size"`
	}

	if err := render.DecodeJSON(request.Body, &jsonReq); err != nil {
		fail(writer, request, http.StatusBadRequest, "failed to read/decode the JSON passed "+
			"to the commit endpoint", "err", err)

		return
	}

	switch fault {
	case FaultInternal:
		fail(writer, request, http.StatusInternalServerError, "injected failure")

		return
	case FaultReject:
		fail(writer, request, http.StatusBadRequest, "commit rejected")

		return
	}

	blob, err := uploadable.finalize()
	if err != nil {
		fail(writer, request, http.StatusBadRequest, "failed to finalize uploadable", "err", err)

		return
	}

	if int64(len(blob)) != jsonReq.Size {
		fail(writer, request, http.StatusBadRequest, "detected a cache entry size mismatch",
			"expected_bytes", len(blob), "actual_bytes", jsonReq.Size)

		return
	}

	mock.blobs.Store(uploadable.entry.blobID, blob)
	uploadable.entry.finalize(blob, true, jsonReq.Size)
	mock.uploadables.Delete(cacheIDFrom(request))

	writer.WriteHeader(http.StatusNoContent)
}

func (mock *Mock) loadUploadable(writer http.ResponseWriter, request *http.Request) (*uploadable, bool) {
	cacheID := cacheIDFrom(request)

	uploadable, ok := mock.uploadables.Load(cacheID)
	if !ok {
		fail(writer, request, http.StatusNotFound, "failed to find an uploadable", "id", cacheID)

		return nil, false
	}

	return uploadable, true
}

func cacheIDFrom(request *http.Request) int64 {
	cacheID, err := strconv.ParseInt(request.PathValue("id"), 10, 64)
	if err != nil {
		return -1
	}

	return cacheID
}
