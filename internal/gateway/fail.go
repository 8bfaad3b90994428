package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/render"
	"github.com/samber/lo"
)

type response struct {
	Key     string `json:"key,omitempty"`
	Message string `json:"message,omitempty"`
}

func fail(writer http.ResponseWriter, request *http.Request, status int, msg string, args ...any) {
	ctx := request.Context()

	if status >= http.StatusInternalServerError {
		hub := sentry.GetHubFromContext(ctx)
		if hub == nil {
			hub = sentry.CurrentHub()
		}

		hub.WithScope(func(scope *sentry.Scope) {
			scope.SetLevel(sentry.LevelError)
			scope.SetTag("status", strconv.Itoa(status))
			scope.SetContext("Arguments", lo.Associate(lo.Chunk(args, 2), func(pair []any) (string, any) {
				if len(pair) < 2 {
					return fmt.Sprint(pair[0]), ""
				}

				return fmt.Sprint(pair[0]), fmt.Sprint(pair[1])
			}))

			hub.CaptureMessage(msg)
		})

		slog.ErrorContext(ctx, msg, args...)
	} else {
		slog.WarnContext(ctx, msg, args...)
	}

	render.Status(request, status)
	render.JSON(writer, request, &response{
		Key:     keyFromArgs(args),
		Message: formatMessage(msg, args...),
	})
}

// formatMessage renders msg and its arguments for non-structured consumers.
func formatMessage(msg string, args ...any) string {
	var stringBuilder strings.Builder

	stringBuilder.WriteString(msg)

	for _, chunk := range lo.Chunk(args, 2) {
		if len(chunk) < 2 {
			continue
		}

		fmt.Fprintf(&stringBuilder, " %v=%v", chunk[0], chunk[1])
	}

	return stringBuilder.String()
}

func keyFromArgs(args []any) string {
	for _, chunk := range lo.Chunk(args, 2) {
		if len(chunk) == 2 && chunk[0] == "key" {
			if key, ok := chunk[1].(string); ok {
				return key
			}
		}
	}

	return ""
}
