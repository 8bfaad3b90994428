package gateway

import (
	"net/http"
	"runtime"
)

// DefaultTransport is sized for the number of concurrent
// uploads the gateway allows by default.
func DefaultTransport() *http.Transport {
	maxConcurrentConnections := runtime.NumCPU() * activeUploadsPerLogicalCPU

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = maxConcurrentConnections
	transport.MaxIdleConnsPerHost = maxConcurrentConnections // default is 2 which is too small

	return transport
}
