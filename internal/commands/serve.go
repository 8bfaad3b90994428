package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/cirruslabs/gha-cache-gateway/internal/bearer"
	"github.com/cirruslabs/gha-cache-gateway/internal/blobtransfer"
	"github.com/cirruslabs/gha-cache-gateway/internal/cachekey"
	"github.com/cirruslabs/gha-cache-gateway/internal/cacheservice"
	"github.com/cirruslabs/gha-cache-gateway/internal/cacheservice/ghacache"
	"github.com/cirruslabs/gha-cache-gateway/internal/cacheservice/ghacachev2"
	"github.com/cirruslabs/gha-cache-gateway/internal/gateway"
	"github.com/cirruslabs/gha-cache-gateway/internal/logginglevel"
	"github.com/cirruslabs/gha-cache-gateway/internal/opentelemetry"
	"github.com/cirruslabs/gha-cache-gateway/internal/tokenscope"
	"github.com/cirruslabs/gha-cache-gateway/internal/version"
	"github.com/dustin/go-humanize"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/spf13/cobra"
	slogctx "github.com/veqryn/slog-context"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	protocolV1 = "v1"
	protocolV2 = "v2"

	shutdownTimeout = 10 * time.Second
)

var ErrServe = errors.New("serve failed")

var (
	listenAddress        string
	token                string
	resultsURL           string
	cacheURL             string
	protocol             string
	cacheVersion         string
	rpcTimeout           time.Duration
	transferTimeout      time.Duration
	maxConcurrentUploads int64
	logLevel             string
	logFormat            string
	logFile              string
	logRotateSize        string
	logMaxRotations      uint
	enableOpenTelemetry  bool
)

func serve(cmd *cobra.Command, args []string) error {
	// https://github.com/spf13/cobra/issues/340#issuecomment-374617413
	cmd.SilenceUsage = true

	logWriter, err := newLogWriter(cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServe, err)
	}

	if err := initLogger(logWriter); err != nil {
		return fmt.Errorf("%w: %v", ErrServe, err)
	}

	if enableOpenTelemetry {
		opentelemetryShutdown, err := opentelemetry.Init(cmd.Context())
		if err != nil {
			return fmt.Errorf("%w: failed to initialize OpenTelemetry: %v", ErrServe, err)
		}
		defer func() {
			// The command's context is already done at this point
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			_ = opentelemetryShutdown(ctx)
		}()
	}

	client, err := newCacheClient(protocol, token, resultsURL, cacheURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServe, err)
	}

	gw := newGateway(client, token)

	sentryHandler := sentryhttp.New(sentryhttp.Options{})
	handler := sentryHandler.Handle(otelhttp.NewHandler(gw, "gha-cache-gateway"))

	listener, err := net.Listen("tcp", listenAddress)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServe, err)
	}

	slog.Info("Starting the gateway", "address", listener.Addr().String(), "protocol", protocol,
		"version", version.FullVersion)

	return runServer(cmd.Context(), listener, handler)
}

func runServer(ctx context.Context, listener net.Listener, handler http.Handler) error {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%w: %v", ErrServe, err)
		}

		return nil
	})

	group.Go(func() error {
		<-ctx.Done()

		slog.Info("Shutting down the gateway")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// newLogWriter returns a rotated log file when --log-file is set.
func newGateway(client cacheservice.Client, token string) *gateway.Gateway {
	opts := []gateway.Option{
		gateway.WithVersion(cacheVersion),
		gateway.WithRPCTimeout(rpcTimeout),
		gateway.WithMaxConcurrentUploads(maxConcurrentUploads),
	}

	if ref, ok := workflowFromToken(token); ok {
		slog.Info("Artifact uploads are enabled", "workflow_run_backend_id", ref.WorkflowRunBackendID,
			"workflow_job_run_backend_id", ref.WorkflowJobRunBackendID)

		opts = append(opts, gateway.WithWorkflow(ref))
	}

	// Signed URLs are pre-authenticated, so the
	// blob transfer doesn't need the bearer token
	transfer := blobtransfer.New(&http.Client{
		Transport: otelhttp.NewTransport(gateway.DefaultTransport()),
		Timeout:   transferTimeout,
	})

	return gateway.New(client, transfer, opts...)
}

func newLogWriter(defaultWriter io.Writer) (io.Writer, error) {
	if logFile == "" {
		return defaultWriter, nil
	}

	logRotateSizeBytes := uint64(0)

	if logRotateSize != "" {
		var err error

		logRotateSizeBytes, err = humanize.ParseBytes(logRotateSize)
		if err != nil {
			return nil, fmt.Errorf("failed to parse log size for rotation: %w", err)
		}

		// Rotation size has a megabyte granularity and zero
		// means lumberjack's own default of 100 MB
		if logRotateSizeBytes != 0 && logRotateSizeBytes < humanize.MByte {
			return nil, fmt.Errorf("log size for rotation should be at least 1 MB, got %s",
				humanize.Bytes(logRotateSizeBytes))
		}
	}

	return &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    int(logRotateSizeBytes / humanize.MByte),
		MaxBackups: int(logMaxRotations),
	}, nil
}

func initLogger(writer io.Writer) error {
	if err := logginglevel.Set(logLevel); err != nil {
		return err
	}

	handlerOpts := &slog.HandlerOptions{
		Level: logginglevel.Level,
	}

	var handler slog.Handler

	switch logFormat {
	case "json":
		handler = slog.NewJSONHandler(writer, handlerOpts)
	case "text":
		handler = slog.NewTextHandler(writer, handlerOpts)
	default:
		return fmt.Errorf("unsupported log format %q, expected \"json\" or \"text\"", logFormat)
	}

	// Support attributes attached to context.Context
	slog.SetDefault(slog.New(slogctx.NewHandler(handler, &slogctx.HandlerOptions{})))

	return nil
}

func newCacheClient(protocol string, token string, resultsURL string, cacheURL string) (cacheservice.Client, error) {
	bearerTransport, err := bearer.New(token, version.UserAgent(), gateway.DefaultTransport())
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{
		Transport: otelhttp.NewTransport(bearerTransport),
	}

	switch protocol {
	case protocolV2:
		if resultsURL == "" {
			return nil, fmt.Errorf("results service URL is required for the %s protocol, "+
				"use --results-url or ACTIONS_RESULTS_URL", protocol)
		}

		return ghacachev2.New(resultsURL, httpClient, ghacachev2.LoggingInterceptor())
	case protocolV1:
		if cacheURL == "" {
			return nil, fmt.Errorf("cache service URL is required for the %s protocol, "+
				"use --cache-url or ACTIONS_CACHE_URL", protocol)
		}

		return ghacache.New(cacheURL, token, httpClient)
	default:
		return nil, fmt.Errorf("unsupported protocol %q, expected %q or %q", protocol, protocolV1, protocolV2)
	}
}

func workflowFromToken(token string) (cacheservice.WorkflowRef, bool) {
	scopes, err := tokenscope.FromToken(token)
	if err != nil {
		slog.Debug("Runtime token carries no scopes, artifact uploads are disabled", "err", err)

		return cacheservice.WorkflowRef{}, false
	}

	return tokenscope.ResultsBackendIDs(scopes)
}

// defaultProtocol mirrors how the runner announces the cache service generation.
func defaultProtocol() string {
	if enabled, err := strconv.ParseBool(os.Getenv("ACTIONS_CACHE_SERVICE_V2")); err == nil && enabled {
		return protocolV2
	}

	return protocolV1
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [flags]",
		Short: "Run the gateway",
		RunE:  serve,
	}

	cmd.Flags().StringVarP(&listenAddress, "listen", "l", "127.0.0.1:3000", "address to listen on")
	cmd.Flags().StringVar(&token, "token", os.Getenv("ACTIONS_RUNTIME_TOKEN"),
		"bearer token for the cache service (defaults to ACTIONS_RUNTIME_TOKEN)")
	cmd.Flags().StringVar(&resultsURL, "results-url", os.Getenv("ACTIONS_RESULTS_URL"),
		"base URL of the results service used by the v2 protocol (defaults to ACTIONS_RESULTS_URL)")
	cmd.Flags().StringVar(&cacheURL, "cache-url", os.Getenv("ACTIONS_CACHE_URL"),
		"base URL of the cache service used by the v1 protocol (defaults to ACTIONS_CACHE_URL)")
	cmd.Flags().StringVar(&protocol, "protocol", defaultProtocol(),
		"cache service protocol generation, \"v1\" or \"v2\" (defaults to \"v2\" when ACTIONS_CACHE_SERVICE_V2 is set)")
	cmd.Flags().StringVar(&cacheVersion, "cache-version", cachekey.DefaultVersion,
		"cache version sent along with every cache entry")
	cmd.Flags().DurationVar(&rpcTimeout, "rpc-timeout", 30*time.Second,
		"timeout for a single cache service call, 0 to disable")
	cmd.Flags().DurationVar(&transferTimeout, "transfer-timeout", 10*time.Minute,
		"timeout for a single blob upload, 0 to disable")
	cmd.Flags().Int64Var(&maxConcurrentUploads, "max-concurrent-uploads", int64(runtime.NumCPU()*4),
		"maximum number of uploads streamed at the same time")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "logging level (debug, info, warn or error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "json", "logging format (json or text)")
	cmd.Flags().StringVar(&logFile, "log-file", "", "write logs to a file instead of stderr")
	cmd.Flags().StringVar(&logRotateSize, "log-rotate-size", "",
		"rotate the log file once it reaches this size (e.g. \"100 MB\"), defaults to 100 MB")
	cmd.Flags().UintVar(&logMaxRotations, "log-max-rotations", 0,
		"number of rotated log files to keep, 0 keeps all of them")
	cmd.Flags().BoolVar(&enableOpenTelemetry, "opentelemetry", false,
		"export traces and metrics to the OTLP/HTTP collector set by OTEL_EXPORTER_OTLP_ENDPOINT")

	return cmd
}
