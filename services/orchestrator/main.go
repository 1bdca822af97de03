// Copyright (C) 2026 Makalah App (dev@makalah.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/makalah-app/makalah-aisdk-sub000/pkg/logging"
	"github.com/makalah-app/makalah-aisdk-sub000/services/llm"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/approval"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/datatypes"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/handlers"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/middleware"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/observability"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/ratelimit"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/registry"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/routes"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/selector"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/streaming"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/tools"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "makalah-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("orchestrator-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// buildClients initializes the backend clients and returns a resolver
// mapping model handles to clients by provider.
func buildClients() (streaming.ClientResolver, error) {
	clients := make(map[string]llm.LLMClient)

	if openaiClient, err := llm.NewOpenAIClient(); err == nil {
		clients["openai"] = openaiClient
		slog.Info("OpenAI backend configured")
	} else {
		slog.Warn("OpenAI backend unavailable", "error", err)
	}

	if ollamaClient, err := llm.NewOllamaClient(); err == nil {
		clients["ollama"] = ollamaClient
		slog.Info("Ollama backend configured")
	} else {
		slog.Warn("Ollama backend unavailable", "error", err)
	}

	if len(clients) == 0 {
		return nil, fmt.Errorf("no backend client could be configured")
	}

	return func(handle datatypes.ModelHandle) (llm.LLMClient, error) {
		client, ok := clients[handle.Provider]
		if !ok {
			return nil, fmt.Errorf("no client for provider %q", handle.Provider)
		}
		return client, nil
	}, nil
}

// modelHandleFromEnv reads a provider/name pair from environment, falling
// back to the given defaults.
func modelHandleFromEnv(providerKey, nameKey, defProvider, defName string) datatypes.ModelHandle {
	handle := datatypes.ModelHandle{
		Provider: os.Getenv(providerKey),
		Name:     os.Getenv(nameKey),
	}
	if handle.Provider == "" {
		handle.Provider = defProvider
	}
	if handle.Name == "" {
		handle.Name = defName
	}
	return handle
}

func originConfigFromEnv() middleware.OriginConfig {
	cfg := middleware.DefaultOriginConfig()
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = strings.Split(origins, ",")
		for i := range cfg.AllowedOrigins {
			cfg.AllowedOrigins[i] = strings.TrimSpace(cfg.AllowedOrigins[i])
		}
	}
	if pattern := os.Getenv("PREVIEW_ORIGIN_PATTERN"); pattern != "" {
		cfg.PreviewPattern = pattern
	}
	if dev := os.Getenv("DEV_ORIGIN"); dev != "" {
		cfg.DefaultDevOrigin = dev
	}
	cfg.Production = os.Getenv("APP_ENV") == "production"
	return cfg
}

func main() {
	port := os.Getenv("ORCHESTRATOR_PORT")
	if port == "" {
		port = "8080"
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("LOG_LEVEL")),
		LogDir:  os.Getenv("LOG_DIR"),
		Service: "orchestrator",
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	// --- Init the tracer ---
	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	observability.InitMetrics()

	// --- Admission: rate limiter + idle eviction ---
	limiter := ratelimit.NewTokenBucketLimiter(ratelimit.DefaultConfig())
	janitorCtx, janitorCancel := context.WithCancel(context.Background())
	defer janitorCancel()
	go ratelimit.NewJanitor(limiter, 5*time.Minute, logger.Slog()).Run(janitorCtx)

	// --- Backend clients and registry ---
	resolver, err := buildClients()
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	primary := modelHandleFromEnv("PRIMARY_MODEL_PROVIDER", "PRIMARY_MODEL_NAME", "openai", "gpt-4o")
	fallback := modelHandleFromEnv("FALLBACK_MODEL_PROVIDER", "FALLBACK_MODEL_NAME", "ollama", "llama3.1:8b")
	reg := registry.NewStaticRegistry(primary, fallback)
	slog.Info("Model registry configured",
		"primary", primary.Provider+"/"+primary.Name,
		"fallback", fallback.Provider+"/"+fallback.Name,
	)

	// --- Approval gate ---
	gateEngine, err := approval.NewRuleGateEngine()
	if err != nil {
		log.Fatalf("FATAL: could not initialize the approval gate engine: %v", err)
	}
	coordinator := approval.NewCoordinator(gateEngine, logger.Slog())

	// --- Selection and streaming pipeline ---
	personaStore := selector.NewStaticPersonaStore(selector.DefaultPersonas())
	toolBuilder := tools.NewDefaultBuilder(logger.Slog())
	sel := selector.NewSelector(reg, personaStore, toolBuilder, logger.Slog())

	runner := streaming.NewToolRunner(0, logger.Slog())
	orch := streaming.NewOrchestrator(resolver, runner,
		otel.Tracer("makalah.orchestrator.streaming"), logger.Slog())
	fallbackCtrl := streaming.NewFallbackController(reg, sel, orch, logger.Slog())
	fallbackCtrl.OnFallback(func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordFallback()
		}
	})

	chatHandler := handlers.NewStreamingChatHandler(coordinator, sel, fallbackCtrl)

	// --- HTTP server ---
	router := gin.Default()
	router.Use(otelgin.Middleware("orchestrator-service"))
	router.Use(middleware.Admission(originConfigFromEnv(), limiter, logger.Slog()))

	routes.SetupRoutes(router, chatHandler)

	slog.Info("Starting the orchestrator server", "port", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
