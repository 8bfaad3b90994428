package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	// Embed root certificates for minimal container images
	_ "github.com/breml/rootcerts"
	"github.com/cirruslabs/gha-cache-gateway/internal/commands"
	"github.com/cirruslabs/gha-cache-gateway/internal/version"
	"github.com/getsentry/sentry-go"
)

func main() {
	// Initialize Sentry
	err := sentry.Init(sentry.ClientOptions{
		Release:          version.FullVersion,
		AttachStacktrace: true,
	})
	if err != nil {
		log.Fatalf("failed to initialize Sentry: %v", err)
	}
	defer sentry.Flush(2 * time.Second)
	defer sentry.Recover()

	// Enrich future events with deployment-specific tags
	if tags, ok := os.LookupEnv("GHA_CACHE_GATEWAY_SENTRY_TAGS"); ok {
		sentry.ConfigureScope(func(scope *sentry.Scope) {
			for _, tag := range strings.Split(tags, ",") {
				key, value, found := strings.Cut(tag, "=")
				if !found {
					continue
				}

				scope.SetTag(key, value)
			}
		})
	}

	// Set up signal interruptible context
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Run the command
	if err := commands.NewRootCmd().ExecuteContext(ctx); err != nil {
		// Capture the error into Sentry
		sentry.CaptureException(err)
		sentry.Flush(2 * time.Second)

		// Capture the error into stderr and terminate
		//nolint:gocritic // log.Fatal skips the deferred sentry.Recover(), the error is already captured above
		log.Fatal(err)
	}
}
