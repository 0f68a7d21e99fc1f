// Package main is the entry point for the sinkgate server: an
// observability-pipeline sink fronted by an auto-concurrency admission
// controller.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/sinkforge/sinkgate/internal/kubestate"
	"github.com/sinkforge/sinkgate/internal/metrics"
	"github.com/sinkforge/sinkgate/internal/resilience"
	"github.com/sinkforge/sinkgate/internal/sinkbackend"
	"github.com/sinkforge/sinkgate/internal/statsexport"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config/sinkgate.yaml", "path to the auto-concurrency configuration file")
	addr := flag.String("addr", ":8080", "HTTP listen address")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})).With("component", "auto_concurrency")
	slog.SetDefault(logger)
	logger.Info("starting sinkgate")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfgManager, err := resilience.NewConfigManager(*configPath, logger)
	if err != nil {
		return fmt.Errorf("load auto-concurrency config: %w", err)
	}
	defer func() { _ = cfgManager.Close() }()

	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	cfg := cfgManager.Get()
	controller := resilience.NewController(cfg.ControllerConfig(), logger)
	cfgManager.OnChange(func(resilience.Config) {
		logger.Info("auto-concurrency config changed; the running controller keeps its startup limit bounds", "limit", controller.CurrentLimit())
	})

	outerLimiter := resilience.NewOuterRateLimiter(cfg.RateLimitNum, cfg.RateLimitWindow())

	inner, err := buildSinkBackend(ctx, logger)
	if err != nil {
		return fmt.Errorf("build sink backend: %w", err)
	}

	gated := resilience.NewGatedService[[]sinkbackend.Event, sinkbackend.PutResult](
		controller,
		inner.Put,
		isRetriableSinkError,
		resilience.WithTimeout[[]sinkbackend.Event, sinkbackend.PutResult](cfg.Timeout()),
		resilience.WithLogger[[]sinkbackend.Event, sinkbackend.PutResult](logger),
	)

	reporter := metrics.NewReporter(controller, 500*time.Millisecond)
	go reporter.Run(ctx)

	destinations := kubestate.NewWriter[sinkDestination]()
	destinations.Add(sinkDestination{Name: "primary", Kind: "s3"})

	var publisher *statsexport.RedisPublisher
	if redisAddr := os.Getenv("SINKGATE_REDIS_ADDR"); redisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			logger.Warn("stats export disabled: redis unreachable", "error", err)
		} else {
			publisher = statsexport.NewRedisPublisher(redisClient, "sinkgate:auto_concurrency", controller, time.Second, logger)
			go publisher.Run(ctx)
			logger.Info("publishing auto-concurrency snapshots to redis", "addr", redisAddr)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if controller.Closed() {
			http.Error(w, "controller poisoned", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /debug/destinations", func(w http.ResponseWriter, r *http.Request) {
		data, err := destinations.SnapshotJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})
	mux.HandleFunc("POST /v1/events", eventsHandler(gated, outerLimiter, logger))

	server := &http.Server{
		Addr:         *addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", *addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutting down server...")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

// sinkDestination is a minimal watched-object shape for the kubestate
// writer; a real deployment would populate it from a Kubernetes
// informer enumerating sink destinations rather than a static entry.
type sinkDestination struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

func (d sinkDestination) UID() string { return d.Name }

func buildSinkBackend(ctx context.Context, logger *slog.Logger) (*sinkbackend.S3Sink, error) {
	cfg := sinkbackend.S3Config{
		BucketName:  os.Getenv("SINKGATE_S3_BUCKET"),
		Region:      os.Getenv("SINKGATE_S3_REGION"),
		AccessKeyID: os.Getenv("SINKGATE_S3_ACCESS_KEY_ID"),
		SecretKey:   os.Getenv("SINKGATE_S3_SECRET_KEY"),
		Endpoint:    os.Getenv("SINKGATE_S3_ENDPOINT"),
		PathPrefix:  os.Getenv("SINKGATE_S3_PREFIX"),
	}
	if cfg.BucketName == "" {
		cfg.BucketName = "sinkgate-dev"
	}
	logger.Info("sink backend configured", "bucket", cfg.BucketName, "region", cfg.Region)
	return sinkbackend.NewS3Sink(ctx, cfg)
}

func isRetriableSinkError(err error) bool {
	return false
}

func eventsHandler(gated *resilience.GatedService[[]sinkbackend.Event, sinkbackend.PutResult], outer *resilience.OuterRateLimiter, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !outer.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if !gated.CanAcquire() {
			http.Error(w, "at capacity", http.StatusServiceUnavailable)
			return
		}

		batch := []sinkbackend.Event{{Timestamp: time.Now().UTC(), Payload: map[string]any{"path": r.URL.Path}}}
		result, err := gated.Call(r.Context(), batch)
		if err != nil {
			var cErr *resilience.ControllerError
			switch {
			case gated.Closed():
				http.Error(w, "sink unavailable", http.StatusServiceUnavailable)
			case asControllerError(err, &cErr) && cErr.Retryable():
				http.Error(w, err.Error(), http.StatusTooManyRequests)
			default:
				http.Error(w, err.Error(), http.StatusBadGateway)
			}
			logger.Warn("event put failed", "error", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"key":%q,"etag":%q}`, result.Key, result.ETag)
	}
}

func asControllerError(err error, target **resilience.ControllerError) bool {
	for err != nil {
		if cErr, ok := err.(*resilience.ControllerError); ok {
			*target = cErr
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
