package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/cirruslabs/gha-cache-gateway/internal/blobtransfer"
	"github.com/cirruslabs/gha-cache-gateway/internal/cacheservice"
	"github.com/go-chi/render"
	slogctx "github.com/veqryn/slog-context"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	operationUploadArtifact   = "upload_artifact"
	operationDownloadArtifact = "download_artifact"
	operationArtifactExists   = "artifact_exists"
)

// artifactHandler serves the artifacts of a single workflow job,
// which are addressed by their name as is.
type artifactHandler struct {
	gateway *Gateway
	client  cacheservice.ArtifactClient
	ref     cacheservice.WorkflowRef
}

func (handler *artifactHandler) upload(writer http.ResponseWriter, request *http.Request) {
	gateway := handler.gateway
	name := request.PathValue("name")

	contentLength, err := declaredContentLength(request)
	if err != nil {
		gateway.telemetry.request(request.Context(), operationUploadArtifact, "bad_request")
		fail(writer, request, http.StatusBadRequest, err.Error(), "name", name,
			"header_value", request.Header.Get("Content-Length"))

		return
	}

	if !gateway.acquireUpload(writer, request) {
		return
	}
	defer gateway.uploads.Release(1)

	ctx := slogctx.Append(request.Context(), "artifact", name, "content_length", contentLength)
	request = request.WithContext(ctx)

	ctx, span := tracer.Start(ctx, "upload-artifact", trace.WithAttributes(
		attribute.String("artifact", name),
		attribute.Int64("content_length", contentLength),
	))
	defer span.End()

	outcome := func(outcome string) {
		gateway.telemetry.request(ctx, operationUploadArtifact, outcome)

		if outcome != "created" {
			span.SetStatus(codes.Error, outcome)
		}
	}

	rpcCtx, cancel := gateway.rpcContext(ctx)
	createResult, err := handler.client.CreateArtifact(rpcCtx, handler.ref, name)
	cancel()
	if err != nil {
		outcome("create_failed")
		fail(writer, request, http.StatusBadGateway, "failed to create artifact", "key", name, "err", err)

		return
	}
	if !createResult.OK {
		outcome("create_rejected")
		fail(writer, request, http.StatusConflict, "results service refused to create artifact", "key", name)

		return
	}

	// Hash the artifact while it's being streamed
	hash := sha256.New()

	transferred, err := gateway.transfer.Put(ctx, createResult.Target, io.TeeReader(request.Body, hash),
		contentLength)
	gateway.telemetry.uploaded(ctx, operationUploadArtifact, transferred)
	if err != nil {
		if errors.Is(err, blobtransfer.ErrSource) || errors.Is(err, blobtransfer.ErrLengthMismatch) {
			outcome("bad_body")
			fail(writer, request, http.StatusBadRequest, "failed to stream the request body",
				"key", name, "transferred_bytes", transferred, "err", err)

			return
		}

		outcome("transfer_failed")
		fail(writer, request, http.StatusBadGateway, "failed to upload artifact to the storage",
			"key", name, "transferred_bytes", transferred, "err", err)

		return
	}

	digest := "sha256:" + hex.EncodeToString(hash.Sum(nil))

	rpcCtx, cancel = gateway.rpcContext(ctx)
	finalizeResult, err := handler.client.FinalizeArtifact(rpcCtx, handler.ref, name, contentLength, digest)
	cancel()
	if err != nil {
		outcome("finalize_failed")
		fail(writer, request, http.StatusBadGateway, "failed to finalize artifact", "key", name, "err", err)

		return
	}
	if !finalizeResult.OK {
		outcome("finalize_rejected")
		fail(writer, request, http.StatusBadGateway, "results service refused to finalize artifact", "key", name)

		return
	}

	outcome("created")

	writer.Header().Set("Location", ArtifactsMountPoint+name)
	render.Status(request, http.StatusCreated)
	render.JSON(writer, request, &response{
		Key: name,
	})
}

func (handler *artifactHandler) download(writer http.ResponseWriter, request *http.Request) {
	if request.Method == http.MethodHead {
		handler.exists(writer, request)

		return
	}

	gateway := handler.gateway
	name := request.PathValue("name")

	ctx := slogctx.Append(request.Context(), "artifact", name)
	request = request.WithContext(ctx)

	ctx, span := tracer.Start(ctx, "download-artifact", trace.WithAttributes(attribute.String("artifact", name)))
	defer span.End()

	rpcCtx, cancel := gateway.rpcContext(ctx)
	defer cancel()

	result, err := handler.client.GetArtifactURL(rpcCtx, handler.ref, name)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		gateway.telemetry.request(ctx, operationDownloadArtifact, "lookup_failed")
		fail(writer, request, http.StatusBadGateway, "failed to look up artifact", "key", name, "err", err)

		return
	}

	if !result.OK {
		gateway.telemetry.request(ctx, operationDownloadArtifact, "miss")
		fail(writer, request, http.StatusNotFound, "artifact not found", "key", name)

		return
	}

	gateway.telemetry.request(ctx, operationDownloadArtifact, "hit")

	http.Redirect(writer, request, result.SignedDownloadURL, http.StatusTemporaryRedirect)
}

func (handler *artifactHandler) exists(writer http.ResponseWriter, request *http.Request) {
	gateway := handler.gateway
	name := request.PathValue("name")

	ctx := slogctx.Append(request.Context(), "artifact", name)

	rpcCtx, cancel := gateway.rpcContext(ctx)
	defer cancel()

	result, err := handler.client.GetArtifactURL(rpcCtx, handler.ref, name)
	if err != nil {
		slog.WarnContext(ctx, "failed to look up artifact", "err", err)
		gateway.telemetry.request(ctx, operationArtifactExists, "lookup_failed")
		writer.WriteHeader(http.StatusBadGateway)

		return
	}

	if !result.OK {
		gateway.telemetry.request(ctx, operationArtifactExists, "miss")
		writer.WriteHeader(http.StatusNotFound)

		return
	}

	gateway.telemetry.request(ctx, operationArtifactExists, "hit")
	writer.WriteHeader(http.StatusOK)
}
