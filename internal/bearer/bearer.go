package bearer

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/net/http/httpguts"
)

var ErrInvalidToken = errors.New("bearer token cannot be used as an HTTP header value")

// Transport authenticates every request passing through it
// with a bearer token issued once at process start.
type Transport struct {
	authorization string
	userAgent     string
	base          http.RoundTripper
}

func New(token string, userAgent string, base http.RoundTripper) (*Transport, error) {
	authorization := fmt.Sprintf("Bearer %s", token)

	if token == "" || !httpguts.ValidHeaderFieldValue(authorization) {
		return nil, ErrInvalidToken
	}

	if base == nil {
		base = http.DefaultTransport
	}

	return &Transport{
		authorization: authorization,
		userAgent:     userAgent,
		base:          base,
	}, nil
}

func (transport *Transport) RoundTrip(request *http.Request) (*http.Response, error) {
	if transport == nil || transport.authorization == "" {
		if request.Body != nil {
			_ = request.Body.Close()
		}

		return nil, ErrInvalidToken
	}

	// RoundTrip must not modify the caller's request
	request = request.Clone(request.Context())

	request.Header.Set("Authorization", transport.authorization)

	if transport.userAgent != "" {
		request.Header.Set("User-Agent", transport.userAgent)
	}

	return transport.base.RoundTrip(request)
}
