package gateway

import (
	"net/http"

	slogctx "github.com/veqryn/slog-context"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	operationDownload = "download"
	operationExists   = "exists"
)

func (gateway *Gateway) download(writer http.ResponseWriter, request *http.Request) {
	if request.Method == http.MethodHead {
		gateway.exists(writer, request)

		return
	}

	key := request.PathValue("key")
	if key == "" {
		gateway.telemetry.request(request.Context(), operationDownload, "bad_request")
		fail(writer, request, http.StatusBadRequest, "cache key is required")

		return
	}

	signedURL, ok := gateway.lookup(writer, request, operationDownload, key)
	if !ok {
		return
	}

	http.Redirect(writer, request, signedURL, http.StatusTemporaryRedirect)
}

func (gateway *Gateway) exists(writer http.ResponseWriter, request *http.Request) {
	key := request.PathValue("key")
	if key == "" {
		gateway.telemetry.request(request.Context(), operationExists, "bad_request")
		writer.WriteHeader(http.StatusBadRequest)

		return
	}

	if _, ok := gateway.lookup(writer, request, operationExists, key); !ok {
		return
	}

	writer.WriteHeader(http.StatusOK)
}

// lookup resolves the key to a signed download URL, responding
// to the request itself when there's nothing to download.
func (gateway *Gateway) lookup(
	writer http.ResponseWriter,
	request *http.Request,
	operation string,
	key string,
) (string, bool) {
	ctx := slogctx.Append(request.Context(), "key", key)
	request = request.WithContext(ctx)

	ctx, span := tracer.Start(ctx, operation, trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	rpcCtx, cancel := gateway.rpcContext(ctx)
	defer cancel()

	result, err := gateway.client.GetDownloadURL(rpcCtx, key, gateway.version, []string{key})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		gateway.telemetry.request(ctx, operation, "lookup_failed")

		if request.Method == http.MethodHead {
			writer.WriteHeader(http.StatusBadGateway)

			return "", false
		}

		fail(writer, request, http.StatusBadGateway, "failed to look up cache entry", "key", key, "err", err)

		return "", false
	}

	if !result.OK {
		gateway.telemetry.request(ctx, operation, "miss")

		if request.Method == http.MethodHead {
			writer.WriteHeader(http.StatusNotFound)

			return "", false
		}

		fail(writer, request, http.StatusNotFound, "cache entry not found", "key", key)

		return "", false
	}

	span.SetAttributes(attribute.String("matched_key", result.MatchedKey))
	gateway.telemetry.request(ctx, operation, "hit")

	return result.SignedDownloadURL, true
}
