package gateway

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cirruslabs/gha-cache-gateway/internal/blobtransfer"
	"github.com/go-chi/render"
	slogctx "github.com/veqryn/slog-context"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const operationUpload = "upload"

// declaredContentLength returns the value of the Content-Length header.
// request.ContentLength can't be used since it's -1 both
// when the header is missing and when the body is chunked.
func declaredContentLength(request *http.Request) (int64, error) {
	rawContentLength := request.Header.Get("Content-Length")
	if rawContentLength == "" {
		return 0, errors.New("missing Content-Length header")
	}

	contentLength, err := strconv.ParseInt(strings.TrimSpace(rawContentLength), 10, 64)
	if err != nil || contentLength < 0 {
		return 0, errors.New("invalid Content-Length header: expected a non-negative integer")
	}

	return contentLength, nil
}

func (gateway *Gateway) upload(writer http.ResponseWriter, request *http.Request) {
	prefix := request.PathValue("key")
	if prefix == "" {
		gateway.telemetry.request(request.Context(), operationUpload, "bad_request")
		fail(writer, request, http.StatusBadRequest, "cache key prefix is required")

		return
	}

	contentLength, err := declaredContentLength(request)
	if err != nil {
		gateway.telemetry.request(request.Context(), operationUpload, "bad_request")
		fail(writer, request, http.StatusBadRequest, err.Error(), "prefix", prefix,
			"header_value", request.Header.Get("Content-Length"))

		return
	}

	if !gateway.acquireUpload(writer, request) {
		return
	}
	defer gateway.uploads.Release(1)

	// Every attempt gets its own key, even a retry of the same upload
	key := gateway.generateKey(prefix)

	ctx := slogctx.Append(request.Context(), "key", key, "content_length", contentLength)
	request = request.WithContext(ctx)

	ctx, span := tracer.Start(ctx, "upload", trace.WithAttributes(
		attribute.String("key", key),
		attribute.Int64("content_length", contentLength),
	))
	defer span.End()

	outcome := func(outcome string) {
		gateway.telemetry.request(ctx, operationUpload, outcome)

		if outcome != "created" {
			span.SetStatus(codes.Error, outcome)
		}
	}

	// Create
	rpcCtx, cancel := gateway.rpcContext(ctx)
	createResult, err := gateway.client.CreateEntry(rpcCtx, key, gateway.version)
	cancel()
	if err != nil {
		outcome("create_failed")
		fail(writer, request, http.StatusBadGateway, "failed to create cache entry", "key", key, "err", err)

		return
	}
	if !createResult.OK {
		outcome("create_rejected")
		fail(writer, request, http.StatusConflict, "cache service refused to create cache entry", "key", key)

		return
	}

	// Transfer
	transferred, err := gateway.transfer.Put(ctx, createResult.Target, request.Body, contentLength)
	gateway.telemetry.uploaded(ctx, operationUpload, transferred)
	if err != nil {
		// Blame the client only for what it sent us
		if errors.Is(err, blobtransfer.ErrSource) || errors.Is(err, blobtransfer.ErrLengthMismatch) {
			outcome("bad_body")
			fail(writer, request, http.StatusBadRequest, "failed to stream the request body",
				"key", key, "transferred_bytes", transferred, "err", err)

			return
		}

		outcome("transfer_failed")
		fail(writer, request, http.StatusBadGateway, "failed to upload cache entry to the storage",
			"key", key, "transferred_bytes", transferred, "err", err)

		return
	}

	// Finalize
	rpcCtx, cancel = gateway.rpcContext(ctx)
	finalizeResult, err := gateway.client.FinalizeUpload(rpcCtx, key, gateway.version, contentLength)
	cancel()
	if err != nil {
		outcome("finalize_failed")
		fail(writer, request, http.StatusBadGateway, "failed to finalize cache entry", "key", key, "err", err)

		return
	}
	if !finalizeResult.OK {
		outcome("finalize_rejected")
		fail(writer, request, http.StatusBadGateway, "cache service refused to finalize cache entry", "key", key)

		return
	}

	outcome("created")

	writer.Header().Set("Location", "/"+(&url.URL{Path: key}).EscapedPath())
	render.Status(request, http.StatusCreated)
	render.JSON(writer, request, &response{
		Key: key,
	})
}
