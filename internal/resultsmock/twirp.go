package resultsmock

import (
	"cmp"
	"fmt"
	"net/http"
	"slices"

	"github.com/cirruslabs/gha-cache-gateway/internal/cacheservice/resultsapi"
	"github.com/go-chi/render"
	"github.com/twitchtv/twirp"
)

const twirpMountPoint = "/twirp/"

func (mock *Mock) registerTwirp() {
	route := func(service string, method string, handler http.HandlerFunc) {
		mock.mux.HandleFunc(fmt.Sprintf("POST %s%s.%s/%s", twirpMountPoint, resultsapi.PackageName,
			service, method), handler)
	}

	route(resultsapi.CacheService, resultsapi.MethodCreateCacheEntry, mock.createCacheEntry)
	route(resultsapi.CacheService, resultsapi.MethodFinalizeCacheEntryUpload, mock.finalizeCacheEntryUpload)
	route(resultsapi.CacheService, resultsapi.MethodGetCacheEntryDownloadURL, mock.getCacheEntryDownloadURL)

	route(resultsapi.ArtifactService, resultsapi.MethodCreateArtifact, mock.createArtifact)
	route(resultsapi.ArtifactService, resultsapi.MethodFinalizeArtifact, mock.finalizeArtifact)
	route(resultsapi.ArtifactService, resultsapi.MethodListArtifacts, mock.listArtifacts)
	route(resultsapi.ArtifactService, resultsapi.MethodGetSignedArtifactURL, mock.getSignedArtifactURL)
}

func (mock *Mock) createCacheEntry(writer http.ResponseWriter, request *http.Request) {
	fault := mock.enter(resultsapi.MethodCreateCacheEntry)

	var req resultsapi.CreateCacheEntryRequest

	if !decodeTwirp(writer, request, &req) || !applyTwirpFault(writer, fault) {
		return
	}

	if fault == FaultReject {
		render.JSON(writer, request, &resultsapi.CreateCacheEntryResponse{
			Message: "cache entry creation rejected",
		})

		return
	}

	newEntry := mock.newEntry(req.Key, req.Version)

	if _, loaded := mock.entries.LoadOrStore(entryKey(req.Key, req.Version), newEntry); loaded {
		render.JSON(writer, request, &resultsapi.CreateCacheEntryResponse{
			Message: fmt.Sprintf("cache entry with key %q and version %q already exists", req.Key, req.Version),
		})

		return
	}

	render.JSON(writer, request, &resultsapi.CreateCacheEntryResponse{
		OK:              true,
		SignedUploadURL: mock.blobURL(request, newEntry.blobID),
	})
}

func (mock *Mock) finalizeCacheEntryUpload(writer http.ResponseWriter, request *http.Request) {
	fault := mock.enter(resultsapi.MethodFinalizeCacheEntryUpload)

	var req resultsapi.FinalizeCacheEntryUploadRequest

	if !decodeTwirp(writer, request, &req) || !applyTwirpFault(writer, fault) {
		return
	}

	existing, ok := mock.entries.Load(entryKey(req.Key, req.Version))
	if !ok || fault == FaultReject {
		render.JSON(writer, request, &resultsapi.FinalizeCacheEntryUploadResponse{})

		return
	}

	blob, uploaded := mock.blobs.Load(existing.blobID)

	if !existing.finalize(blob, uploaded, int64(req.SizeBytes)) {
		render.JSON(writer, request, &resultsapi.FinalizeCacheEntryUploadResponse{
			Message: "the uploaded blob is missing or has a different size",
		})

		return
	}

	render.JSON(writer, request, &resultsapi.FinalizeCacheEntryUploadResponse{
		OK:      true,
		EntryID: resultsapi.Int64(existing.id),
	})
}

func (mock *Mock) getCacheEntryDownloadURL(writer http.ResponseWriter, request *http.Request) {
	fault := mock.enter(resultsapi.MethodGetCacheEntryDownloadURL)

	var req resultsapi.GetCacheEntryDownloadURLRequest

	if !decodeTwirp(writer, request, &req) || !applyTwirpFault(writer, fault) {
		return
	}

	found := mock.findEntry(req.Key, req.Version, req.RestoreKeys)
	if found == nil || fault == FaultReject {
		render.JSON(writer, request, &resultsapi.GetCacheEntryDownloadURLResponse{})

		return
	}

	render.JSON(writer, request, &resultsapi.GetCacheEntryDownloadURLResponse{
		OK:                true,
		SignedDownloadURL: mock.blobURL(request, found.blobID),
		MatchedKey:        found.key,
	})
}

func (mock *Mock) createArtifact(writer http.ResponseWriter, request *http.Request) {
	fault := mock.enter(resultsapi.MethodCreateArtifact)

	var req resultsapi.CreateArtifactRequest

	if !decodeTwirp(writer, request, &req) || !applyTwirpFault(writer, fault) {
		return
	}

	if req.Version != resultsapi.ArtifactVersion {
		_ = twirp.WriteError(writer, twirp.NewErrorf(twirp.InvalidArgument,
			"unsupported artifact version %d", req.Version))

		return
	}

	if fault == FaultReject {
		render.JSON(writer, request, &resultsapi.CreateArtifactResponse{})

		return
	}

	newArtifact := mock.newEntry(req.Name, req.WorkflowRunBackendID+"/"+req.WorkflowJobRunBackendID)

	if _, loaded := mock.artifacts.LoadOrStore(artifactKey(req.WorkflowRunBackendID,
		req.WorkflowJobRunBackendID, req.Name), newArtifact); loaded {
		render.JSON(writer, request, &resultsapi.CreateArtifactResponse{})

		return
	}

	render.JSON(writer, request, &resultsapi.CreateArtifactResponse{
		OK:              true,
		SignedUploadURL: mock.blobURL(request, newArtifact.blobID),
	})
}

func (mock *Mock) finalizeArtifact(writer http.ResponseWriter, request *http.Request) {
	fault := mock.enter(resultsapi.MethodFinalizeArtifact)

	var req resultsapi.FinalizeArtifactRequest

	if !decodeTwirp(writer, request, &req) || !applyTwirpFault(writer, fault) {
		return
	}

	existing, ok := mock.artifacts.Load(artifactKey(req.WorkflowRunBackendID,
		req.WorkflowJobRunBackendID, req.Name))
	if !ok || fault == FaultReject {
		render.JSON(writer, request, &resultsapi.FinalizeArtifactResponse{})

		return
	}

	blob, uploaded := mock.blobs.Load(existing.blobID)

	if !existing.finalize(blob, uploaded, int64(req.Size)) {
		render.JSON(writer, request, &resultsapi.FinalizeArtifactResponse{})

		return
	}

	render.JSON(writer, request, &resultsapi.FinalizeArtifactResponse{
		OK:         true,
		ArtifactID: resultsapi.Int64(existing.id),
	})
}

func (mock *Mock) listArtifacts(writer http.ResponseWriter, request *http.Request) {
	fault := mock.enter(resultsapi.MethodListArtifacts)

	var req resultsapi.ListArtifactsRequest

	if !decodeTwirp(writer, request, &req) || !applyTwirpFault(writer, fault) {
		return
	}

	scope := req.WorkflowRunBackendID + "/" + req.WorkflowJobRunBackendID

	artifacts := []resultsapi.ListArtifactsResponseMonolithArtifact{}

	mock.artifacts.Range(func(_ string, artifact *entry) bool {
		if artifact.version != scope || !artifact.isFinalized() {
			return true
		}

		if req.NameFilter != "" && artifact.key != req.NameFilter {
			return true
		}

		artifacts = append(artifacts, resultsapi.ListArtifactsResponseMonolithArtifact{
			WorkflowRunBackendID:    req.WorkflowRunBackendID,
			WorkflowJobRunBackendID: req.WorkflowJobRunBackendID,
			DatabaseID:              resultsapi.Int64(artifact.id),
			Name:                    artifact.key,
			Size:                    resultsapi.Int64(artifact.size),
		})

		return true
	})

	slices.SortFunc(artifacts, func(a, b resultsapi.ListArtifactsResponseMonolithArtifact) int {
		return cmp.Compare(a.DatabaseID, b.DatabaseID)
	})

	render.JSON(writer, request, &resultsapi.ListArtifactsResponse{
		Artifacts: artifacts,
	})
}

func (mock *Mock) getSignedArtifactURL(writer http.ResponseWriter, request *http.Request) {
	fault := mock.enter(resultsapi.MethodGetSignedArtifactURL)

	var req resultsapi.GetSignedArtifactURLRequest

	if !decodeTwirp(writer, request, &req) || !applyTwirpFault(writer, fault) {
		return
	}

	artifact, ok := mock.artifacts.Load(artifactKey(req.WorkflowRunBackendID,
		req.WorkflowJobRunBackendID, req.Name))
	if !ok || !artifact.isFinalized() || fault == FaultReject {
		_ = twirp.WriteError(writer, twirp.NewErrorf(twirp.NotFound, "artifact %q not found", req.Name))

		return
	}

	render.JSON(writer, request, &resultsapi.GetSignedArtifactURLResponse{
		SignedURL: mock.blobURL(request, artifact.blobID),
	})
}

func decodeTwirp(writer http.ResponseWriter, request *http.Request, v any) bool {
	if err := render.DecodeJSON(request.Body, v); err != nil {
		_ = twirp.WriteError(writer, twirp.WrapError(twirp.NewError(twirp.Malformed,
			"the json request could not be decoded"), err))

		return false
	}

	return true
}

func applyTwirpFault(writer http.ResponseWriter, fault Fault) bool {
	if fault != FaultInternal {
		return true
	}

	_ = twirp.WriteError(writer, twirp.NewError(twirp.Internal, "injected failure"))

	return false
}

func writeTwirpUnauthenticated(writer http.ResponseWriter) {
	_ = twirp.WriteError(writer, twirp.NewError(twirp.Unauthenticated, "missing or invalid bearer token"))
}

func artifactKey(workflowRunBackendID string, workflowJobRunBackendID string, name string) string {
	return workflowRunBackendID + "/" + workflowJobRunBackendID + "/" + name
}
