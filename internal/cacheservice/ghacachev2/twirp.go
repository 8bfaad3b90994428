package ghacachev2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cirruslabs/gha-cache-gateway/internal/cacheservice/resultsapi"
	"github.com/go-chi/render"
	"github.com/twitchtv/twirp"
	"github.com/twitchtv/twirp/ctxsetters"
)

const twirpVersion = "v8.1.3"

// twirpClient speaks the JSON flavor of the Twirp protocol,
// the same way a generated *JSONClient would.
type twirpClient struct {
	httpClient  *http.Client
	baseURL     string
	interceptor twirp.Interceptor
}

func (client *twirpClient) call(ctx context.Context, service string, method string, in any, out any) error {
	ctx = ctxsetters.WithPackageName(ctx, resultsapi.PackageName)
	ctx = ctxsetters.WithServiceName(ctx, service)
	ctx = ctxsetters.WithMethodName(ctx, method)

	url := fmt.Sprintf("%s%s.%s/%s", client.baseURL, resultsapi.PackageName, service, method)

	caller := func(ctx context.Context, req any) (any, error) {
		if err := client.doJSONRequest(ctx, url, req, out); err != nil {
			return nil, err
		}

		return out, nil
	}

	if client.interceptor != nil {
		caller = client.interceptor(caller)
	}

	_, err := caller(ctx, in)

	return err
}

func (client *twirpClient) doJSONRequest(ctx context.Context, url string, in any, out any) error {
	reqBody, err := json.Marshal(in)
	if err != nil {
		return twirp.InternalErrorWith(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return twirp.InternalErrorWith(err)
	}

	if customHeader, ok := twirp.HTTPRequestHeaders(ctx); ok {
		for key, values := range customHeader {
			req.Header[key] = values
		}
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Twirp-Version", twirpVersion)

	resp, err := client.httpClient.Do(req)
	if err != nil {
		return twirp.InternalErrorWith(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorFromResponse(resp)
	}

	if err := render.DecodeJSON(resp.Body, out); err != nil {
		return twirp.WrapError(twirp.NewError(twirp.Internal, "failed to unmarshal JSON response"), err)
	}

	return nil
}

// errorFromResponse builds a twirp.Error from a non-200 response,
// falling back to the HTTP status when the body isn't a Twirp error
// (e.g. it came from a proxy in front of the service).
func errorFromResponse(resp *http.Response) twirp.Error {
	if resp.StatusCode >= 300 && resp.StatusCode <= 399 {
		location := resp.Header.Get("Location")

		return errorFromIntermediary(resp.StatusCode,
			fmt.Sprintf("unexpected HTTP status code %d received, Location=%q", resp.StatusCode, location))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return twirp.WrapError(twirp.NewError(twirp.Internal, "failed to read server error response body"), err)
	}

	var tj struct {
		Code string            `json:"code"`
		Msg  string            `json:"msg"`
		Meta map[string]string `json:"meta"`
	}

	if err := json.Unmarshal(respBody, &tj); err != nil || tj.Code == "" {
		return errorFromIntermediary(resp.StatusCode,
			fmt.Sprintf("Error from intermediary with HTTP status code %d %q", resp.StatusCode,
				http.StatusText(resp.StatusCode)))
	}

	errorCode := twirp.ErrorCode(tj.Code)
	if !twirp.IsValidErrorCode(errorCode) {
		return twirp.NewError(twirp.Internal, "invalid type returned from server error response: "+tj.Code).
			WithMeta("body", string(respBody))
	}

	twerr := twirp.NewError(errorCode, tj.Msg)
	for key, value := range tj.Meta {
		twerr = twerr.WithMeta(key, value)
	}

	return twerr
}

func errorFromIntermediary(status int, msg string) twirp.Error {
	var code twirp.ErrorCode

	switch status {
	case http.StatusUnauthorized:
		code = twirp.Unauthenticated
	case http.StatusForbidden:
		code = twirp.PermissionDenied
	case http.StatusNotFound:
		code = twirp.BadRoute
	case http.StatusTooManyRequests:
		code = twirp.ResourceExhausted
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		code = twirp.Unavailable
	case http.StatusBadRequest:
		code = twirp.Internal
	default:
		if status >= 300 && status <= 399 {
			code = twirp.Internal
		} else {
			code = twirp.Unknown
		}
	}

	return twirp.NewError(code, msg).
		WithMeta("http_error_from_intermediary", "true").
		WithMeta("status_code", strconv.Itoa(status))
}

// LoggingInterceptor logs every call made to the results service.
func LoggingInterceptor() twirp.Interceptor {
	return func(next twirp.Method) twirp.Method {
		return func(ctx context.Context, req any) (any, error) {
			service, _ := twirp.ServiceName(ctx)
			method, _ := twirp.MethodName(ctx)
			start := time.Now()

			resp, err := next(ctx, req)
			if err != nil {
				slog.WarnContext(ctx, "Results service call failed", "service", service,
					"method", method, "duration", time.Since(start), "err", err)

				return resp, err
			}

			slog.DebugContext(ctx, "Results service call succeeded", "service", service,
				"method", method, "duration", time.Since(start))

			return resp, nil
		}
	}
}
