// Package gateway exposes a key-based PUT/GET surface and translates it
// into the create, transfer and finalize steps of the cache service.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/cirruslabs/gha-cache-gateway/internal/blobtransfer"
	"github.com/cirruslabs/gha-cache-gateway/internal/cachekey"
	"github.com/cirruslabs/gha-cache-gateway/internal/cacheservice"
	"golang.org/x/sync/semaphore"
)

const (
	activeUploadsPerLogicalCPU = 4

	defaultRPCTimeout = 30 * time.Second

	ArtifactsMountPoint = "/_artifacts/"
)

type Gateway struct {
	client   cacheservice.Client
	transfer *blobtransfer.Transfer
	mux      *http.ServeMux

	version     string
	rpcTimeout  time.Duration
	uploads     *semaphore.Weighted
	workflow    *cacheservice.WorkflowRef
	generateKey func(prefix string) string
	telemetry   *telemetry
}

func New(client cacheservice.Client, transfer *blobtransfer.Transfer, opts ...Option) *Gateway {
	gateway := &Gateway{
		client:      client,
		transfer:    transfer,
		mux:         http.NewServeMux(),
		version:     cachekey.DefaultVersion,
		rpcTimeout:  defaultRPCTimeout,
		uploads:     semaphore.NewWeighted(int64(runtime.NumCPU() * activeUploadsPerLogicalCPU)),
		generateKey: cachekey.Generate,
	}

	// Apply opts
	for _, opt := range opts {
		opt(gateway)
	}

	gateway.telemetry = newTelemetry()

	// Artifacts are only reachable when the protocol supports
	// them and we know which workflow job they belong to
	if artifactClient, ok := client.(cacheservice.ArtifactClient); ok && gateway.workflow != nil {
		artifacts := &artifactHandler{
			gateway: gateway,
			client:  artifactClient,
			ref:     *gateway.workflow,
		}

		gateway.mux.HandleFunc("PUT "+ArtifactsMountPoint+"{name}", artifacts.upload)
		gateway.mux.HandleFunc("GET "+ArtifactsMountPoint+"{name}", artifacts.download)
	}

	gateway.mux.HandleFunc("PUT /{key...}", gateway.upload)
	// GET patterns also match HEAD, which is dispatched inside the
	// handlers since a separate "HEAD /{key...}" would conflict with
	// the artifact routes
	gateway.mux.HandleFunc("GET /{key...}", gateway.download)

	return gateway
}

func (gateway *Gateway) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	gateway.mux.ServeHTTP(writer, request)
}

// rpcContext bounds a single cache service call.
func (gateway *Gateway) rpcContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if gateway.rpcTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, gateway.rpcTimeout)
}

// acquireUpload limits the number of concurrently streamed uploads.
func (gateway *Gateway) acquireUpload(writer http.ResponseWriter, request *http.Request) bool {
	if err := gateway.uploads.Acquire(request.Context(), 1); err != nil {
		slog.WarnContext(request.Context(), "Failed to acquire the upload semaphore", "err", err)

		if errors.Is(err, context.DeadlineExceeded) {
			writer.WriteHeader(http.StatusRequestTimeout)

			return false
		}

		writer.WriteHeader(http.StatusServiceUnavailable)

		return false
	}

	return true
}
