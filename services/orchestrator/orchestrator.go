// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the chat service.
//
// New wires the chat store, the file stack, the model gateway, the chat
// pipeline, activity and performance recording, and the HTTP routes from a
// config.Config. Deployments plug in their own auth, activity or
// performance implementations through extensions.ServiceOptions; a nil
// field keeps the built-in one.
//
// # Usage
//
//	cfg, err := config.Load("orchestrator.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go svc.Run()
//	...
//	svc.Shutdown(ctx)
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/activity"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/chat"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/config"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/filecache"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/files"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/retention"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
)

// ServiceName identifies the orchestrator in traces and logs.
const ServiceName = "chat-orchestrator"

// TracingDisabled as the OTel endpoint turns tracing off.
const TracingDisabled = "none"

// shutdownTimeout bounds the drain on Run's own exit path.
const shutdownTimeout = 10 * time.Second

// metricsOnce guards the default-registry collectors; promauto panics on a
// second registration.
var metricsOnce sync.Once

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the orchestrator lifecycle.
//
// # Thread Safety
//
// Run blocks and is called once. Shutdown may be called from any goroutine
// and is idempotent.
type Service interface {
	// Run serves HTTP until Shutdown is called or the listener fails.
	// It returns nil after a clean Shutdown.
	Run() error

	// Router returns the configured engine, for tests.
	Router() *gin.Engine

	// Shutdown stops accepting requests, waits for in-flight ones until
	// ctx ends, then drains the activity and performance queues and closes
	// every backend.
	Shutdown(ctx context.Context) error
}

// =============================================================================
// Implementation
// =============================================================================

// service owns every long-lived dependency. Fields set by New are read-only
// afterwards.
type service struct {
	config  config.Config
	opts    extensions.ServiceOptions
	logger  *slog.Logger
	metrics *observability.ChatMetrics

	router *gin.Engine
	server *http.Server

	store    *store.SQLStore
	cache    filecache.Cache
	gcs      *files.GCSFetcher
	recorder *activity.AsyncRecorder
	tracker  *activity.Tracker
	influx   *activity.InfluxSink
	sweeper  *retention.Scheduler

	tracerCleanup func(context.Context)

	closeOnce sync.Once
	closeErr  error
}

// New builds the service from a loaded configuration.
//
// # Description
//
// Initialisation order:
//  1. Tracing (skipped when OTelEndpoint is "none")
//  2. Prometheus collectors
//  3. Chat store, with the schema applied
//  4. File cache. Failure is logged and the service runs uncached.
//  5. Attachment fetchers per configured scheme
//  6. Model gateway and title generator
//  7. Activity recorder and performance tracker, unless opts supplies them
//  8. Activity retention sweeper, when max_age is set
//  9. Chat pipeline, handlers and routes
//
// Anything opened before a failing step is closed before New returns.
//
// # Inputs
//
//   - cfg: Output of config.Load. Validate is called again here.
//   - opts: Extension points. May be nil.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Invalid configuration or an unreachable required backend.
func New(cfg config.Config, opts *extensions.ServiceOptions) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	s := &service{config: cfg, logger: slog.Default()}
	if opts != nil {
		s.opts = *opts
	}

	if cfg.OTelEndpoint != TracingDisabled {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	metricsOnce.Do(func() { observability.InitMetrics() })
	s.metrics = observability.DefaultMetrics

	if err := s.init(); err != nil {
		_ = s.cleanup(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *service) init() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := store.Open(ctx, s.config.Store)
	if err != nil {
		return fmt.Errorf("failed to open chat store: %w", err)
	}
	s.store = st
	s.logger.Info("Chat store ready", "driver", s.config.Store.Driver)

	cache, err := filecache.Open(ctx, s.config.FileCache, s.logger)
	if err != nil {
		s.logger.Warn("File cache unavailable, attachments will be fetched every time",
			"backend", s.config.FileCache.Backend, "error", err)
	} else {
		s.cache = cache
	}

	fetcher, err := s.initFetchers(ctx)
	if err != nil {
		return err
	}

	gateway := llm.NewGateway(s.config.LLM, s.logger)
	titles := llm.NewTitleGenerator(gateway, s.config.TitleModel, s.logger)

	s.initRecorders()

	if s.config.Activity.Retention.Enabled() {
		s.sweeper = retention.NewScheduler(s.store, s.config.Activity.Retention, s.metrics, s.logger)
		if err := s.sweeper.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start retention scheduler: %w", err)
		}
	}

	loader := chat.NewFileLoader(
		fetcher,
		files.NewValidator(s.config.Files.AllowedTypes, s.config.Files.MaxBytes),
		&files.Extractor{MaxChars: s.config.Files.MaxExtractChars},
		s.cache,
		s.metrics,
		s.logger,
	)
	pipeline, err := chat.NewPipeline(chat.Deps{
		Store:                s.store,
		Gateway:              gateway,
		Titles:               titles,
		Files:                loader,
		ArtifactPreviewChars: s.config.ArtifactPreviewChars,
		Activity:             s.opts.ActivityRecorder,
		Performance:          s.opts.PerformanceTracker,
		Metrics:              s.metrics,
		Logger:               s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build chat pipeline: %w", err)
	}

	s.initRouter(handlers.NewChatHandler(pipeline, s.metrics, s.logger,
		handlers.WithAllowedOrigins(s.config.AllowedOrigins...)))
	return nil
}

// initFetchers builds the scheme router. http(s) is always available;
// gs:// and s3:// only when configured.
func (s *service) initFetchers(ctx context.Context) (files.Fetcher, error) {
	fc := s.config.Files
	router := &files.Router{HTTP: files.NewHTTPFetcher(fc.FetchTimeout, fc.MaxBytes, fc.AllowedHosts...)}

	if fc.GCSCredentialsFile != "" {
		credFile := fc.GCSCredentialsFile
		if credFile == "default" {
			credFile = ""
		}
		gcs, err := files.NewGCSFetcher(ctx, credFile, fc.MaxBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCS fetcher: %w", err)
		}
		s.gcs = gcs
		router.GCS = gcs
	}
	if fc.S3.Endpoint != "" {
		s3, err := files.NewS3Fetcher(fc.S3, fc.MaxBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 fetcher: %w", err)
		}
		router.S3 = s3
	}
	return router, nil
}

// initRecorders fills the activity and performance extension points that
// opts left empty.
func (s *service) initRecorders() {
	if s.opts.ActivityRecorder == nil {
		sinks := activity.Multi{activity.NewLogRecorder(s.logger)}
		if s.config.Activity.SQLEnabled() {
			sinks = append(sinks, activity.NewSQLRecorder(s.store, s.logger))
		}
		s.recorder = activity.NewAsyncRecorder(sinks, s.config.Activity.QueueSize, s.metrics, s.logger)
		s.opts.ActivityRecorder = s.recorder
	}

	if s.opts.PerformanceTracker == nil {
		sinks := []activity.PerformanceSink{activity.NewLogSink(s.logger)}
		if s.config.Influx.URL != "" {
			influx, err := activity.NewInfluxSink(s.config.Influx)
			if err != nil {
				s.logger.Warn("InfluxDB sink disabled", "error", err)
			} else {
				s.influx = influx
				sinks = append(sinks, influx)
			}
		}
		s.tracker = activity.NewTracker(sinks, s.config.Activity.QueueSize, s.metrics, s.logger)
		s.opts.PerformanceTracker = s.tracker
	}

	s.opts = s.opts.Merge()
}

// initRouter builds the engine and the server around it.
func (s *service) initRouter(chatHandler *handlers.ChatHandler) {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(ServiceName))
	s.router.Use(middleware.CorrelationID())

	auth := s.opts.AuthProvider
	if len(s.config.AuthTokens) > 0 {
		auth = extensions.NewStaticTokenAuthProvider(s.config.AuthTokens)
	}

	routes.SetupRoutes(s.router, chatHandler, routes.Options{
		Auth:      auth,
		RateLimit: s.config.RateLimit,
		Health:    map[string]handlers.Pinger{"store": s.store.DB()},
	})

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// initTracer exports spans over OTLP/gRPC to the configured collector.
//
// # Limitations
//
//   - Uses an insecure gRPC connection (collector is on the internal network)
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
		_ = conn.Close()
	}, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run serves on the configured port until Shutdown.
func (s *service) Run() error {
	s.logger.Info("Starting orchestrator server", "port", s.config.Port)

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(err, s.cleanup(ctx))
}

// Router returns the configured engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Shutdown implements Service.
func (s *service) Shutdown(ctx context.Context) error {
	var errs []error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	errs = append(errs, s.cleanup(ctx))
	return errors.Join(errs...)
}

// cleanup drains the queues and closes backends, once. Queues go first so
// their last writes still reach the store and InfluxDB.
func (s *service) cleanup(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.sweeper != nil {
			s.sweeper.Stop()
		}
		if s.recorder != nil {
			if err := s.recorder.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("activity recorder: %w", err))
			}
		}
		if s.tracker != nil {
			if err := s.tracker.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("performance tracker: %w", err))
			}
		}
		if s.influx != nil {
			s.influx.Close()
		}
		if s.cache != nil {
			if err := s.cache.Close(); err != nil {
				errs = append(errs, fmt.Errorf("file cache: %w", err))
			}
		}
		if s.gcs != nil {
			if err := s.gcs.Close(); err != nil {
				errs = append(errs, fmt.Errorf("gcs client: %w", err))
			}
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("chat store: %w", err))
			}
		}
		if s.tracerCleanup != nil {
			s.tracerCleanup(context.Background())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

var _ Service = (*service)(nil)
