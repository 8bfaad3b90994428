package gateway

import (
	"time"

	"github.com/cirruslabs/gha-cache-gateway/internal/cacheservice"
	"golang.org/x/sync/semaphore"
)

type Option func(gateway *Gateway)

// WithVersion overrides the cache version sent along with
// every create, finalize and lookup call.
func WithVersion(version string) Option {
	return func(gateway *Gateway) {
		gateway.version = version
	}
}

// WithRPCTimeout bounds each cache service call. Zero disables the bound.
func WithRPCTimeout(timeout time.Duration) Option {
	return func(gateway *Gateway) {
		gateway.rpcTimeout = timeout
	}
}

func WithMaxConcurrentUploads(n int64) Option {
	return func(gateway *Gateway) {
		if n > 0 {
			gateway.uploads = semaphore.NewWeighted(n)
		}
	}
}

// WithWorkflow enables the artifact routes for the given workflow job.
func WithWorkflow(ref cacheservice.WorkflowRef) Option {
	return func(gateway *Gateway) {
		gateway.workflow = &ref
	}
}

func WithKeyGenerator(generateKey func(prefix string) string) Option {
	return func(gateway *Gateway) {
		gateway.generateKey = generateKey
	}
}
