package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/oncoserve/oncoserve/internal/export"
	"github.com/oncoserve/oncoserve/internal/httpapi"
	"github.com/oncoserve/oncoserve/internal/serving"
)

func main() {
	var (
		addr           = flag.String("addr", envOr("ONCOSERVE_ADDR", ":8080"), "HTTP listen address")
		cacheCapacity  = flag.Int("cache-capacity", envInt("ONCOSERVE_CACHE_CAPACITY", serving.DefaultCacheCapacity), "model cache capacity")
		windowCapacity = flag.Int("window-capacity", envInt("ONCOSERVE_WINDOW_CAPACITY", serving.DefaultWindowCapacity), "latency window capacity per model")
		chunkSize      = flag.Int("chunk-size", envInt("ONCOSERVE_CHUNK_SIZE", serving.DefaultChunkSize), "default batch chunk size")
		itemFanout     = flag.Int("item-fanout", envInt("ONCOSERVE_ITEM_FANOUT", serving.DefaultItemFanout), "parallel items per chunk")
		modelsPath     = flag.String("models-config", envOr("ONCOSERVE_MODELS_CONFIG", ""), "optional JSON file with model descriptors")
		exportDir      = flag.String("export-dir", envOr("ONCOSERVE_EXPORT_DIR", "exports"), "directory for JSON result exports")
		redisAddr      = flag.String("redis-addr", envOr("ONCOSERVE_REDIS_ADDR", ""), "optional Redis address for result exports")
		postgresDSN    = flag.String("postgres-dsn", envOr("ONCOSERVE_POSTGRES_DSN", ""), "optional Postgres DSN for result exports")
		exportTTLHours = flag.Int("export-ttl-hours", envInt("ONCOSERVE_EXPORT_TTL_HOURS", 24), "TTL for Redis exports in hours")
		logFormat      = flag.String("log-format", envOr("ONCOSERVE_LOG_FORMAT", "json"), "log format: json|text")
		logLevel       = flag.String("log-level", envOr("ONCOSERVE_LOG_LEVEL", "info"), "log level: debug|info|warn|error")
	)
	flag.Parse()

	logger, err := buildLogger(*logFormat, *logLevel)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	descriptors := defaultDescriptors()
	if strings.TrimSpace(*modelsPath) != "" {
		descriptors, err = serving.DescriptorsFromFile(*modelsPath)
		if err != nil {
			log.Fatalf("failed to load model descriptors: %v", err)
		}
	}
	registry, err := serving.NewStaticRegistry(descriptors...)
	if err != nil {
		log.Fatalf("failed to build model registry: %v", err)
	}

	loader := serving.NewStaticLoader()
	cache := serving.NewModelCache(*cacheCapacity, loader.Unload)
	monitor := serving.NewPerformanceMonitor(*windowCapacity)
	pipeline, err := serving.NewPipeline(serving.NewStaticExecutor())
	if err != nil {
		log.Fatalf("failed to build pipeline: %v", err)
	}

	service, err := serving.NewPredictionService(serving.PredictionServiceConfig{
		Registry: registry,
		Loader:   loader,
		Cache:    cache,
		Pipeline: pipeline,
		Monitor:  monitor,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("failed to create prediction service: %v", err)
	}

	exporter, exporterName, err := buildExporter(*postgresDSN, *redisAddr, *exportDir, *exportTTLHours)
	if err != nil {
		log.Fatalf("failed to build exporter: %v", err)
	}

	coordinator, err := serving.NewBatchCoordinator(serving.BatchCoordinatorConfig{
		Service:    service,
		Exporter:   exporter,
		ChunkSize:  *chunkSize,
		ItemFanout: *itemFanout,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("failed to create batch coordinator: %v", err)
	}

	apiServer, err := httpapi.NewServer(httpapi.ServerConfig{
		Service:     service,
		Coordinator: coordinator,
		Cache:       cache,
		Monitor:     monitor,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("failed to create http server: %v", err)
	}

	server := &http.Server{
		Addr:              *addr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info(
			"serving_core_start",
			"addr", *addr,
			"models", len(descriptors),
			"cache_capacity", *cacheCapacity,
			"window_capacity", *windowCapacity,
			"chunk_size", *chunkSize,
			"item_fanout", *itemFanout,
			"exporter", exporterName,
		)
		if serveErr := server.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			log.Fatalf("http serve failed: %v", serveErr)
		}
	}()

	waitForSignal()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(ctx); shutdownErr != nil {
		log.Printf("http shutdown error: %v", shutdownErr)
	}
	coordinator.Close()
}

func buildExporter(
	postgresDSN string,
	redisAddr string,
	exportDir string,
	ttlHours int,
) (serving.Exporter, string, error) {
	switch {
	case strings.TrimSpace(postgresDSN) != "":
		exporter, err := export.OpenPostgresExporter(postgresDSN)
		return exporter, "postgres", err
	case strings.TrimSpace(redisAddr) != "":
		exporter, err := export.NewRedisExporter(redisAddr, time.Duration(ttlHours)*time.Hour)
		return exporter, "redis", err
	default:
		exporter, err := export.NewFileExporter(exportDir)
		return exporter, "file", err
	}
}

func defaultDescriptors() []serving.ModelDescriptor {
	clampMin := 0.0
	clampMax := 100.0
	return []serving.ModelDescriptor{
		{
			Name:    "tumor-classifier",
			Version: "1",
			Type:    serving.TypeClassifier,
			Preprocess: serving.PreprocessConfig{
				FeatureOrder: []string{
					"radius_mean", "texture_mean", "perimeter_mean",
					"area_mean", "smoothness_mean",
				},
				FeatureScales: map[string]serving.FeatureScale{
					"area_mean": {Offset: 650, Scale: 350},
				},
			},
			OutputLabels: []string{"benign", "malignant"},
		},
		{
			Name:    "risk-score",
			Version: "1",
			Type:    serving.TypeRegressor,
			Preprocess: serving.PreprocessConfig{
				FeatureOrder: []string{"age", "tumor_size_mm", "node_count"},
			},
			Postprocess: serving.PostprocessConfig{
				OutputScale:  50,
				OutputOffset: 50,
				ClampMin:     &clampMin,
				ClampMax:     &clampMax,
			},
		},
		{
			Name:    "tissue-segmentation",
			Version: "1",
			Type:    serving.TypeSegmentation,
			Preprocess: serving.PreprocessConfig{
				TargetHeight:   64,
				TargetWidth:    64,
				TargetChannels: 1,
				PixelMean:      127.5,
				PixelStd:       127.5,
			},
			OutputLabels: []string{"background", "stroma", "tumor"},
		},
		{
			Name:    "lesion-detection",
			Version: "1",
			Type:    serving.TypeDetection,
			Preprocess: serving.PreprocessConfig{
				TargetHeight:   64,
				TargetWidth:    64,
				TargetChannels: 1,
				PixelMean:      127.5,
				PixelStd:       127.5,
			},
			Postprocess: serving.PostprocessConfig{
				ConfidenceThreshold: 0.25,
			},
			OutputLabels: []string{"calcification", "mass"},
		},
	}
}

func buildLogger(format string, level string) (*slog.Logger, error) {
	normalizedFormat := strings.ToLower(strings.TrimSpace(format))
	normalizedLevel := strings.ToLower(strings.TrimSpace(level))

	var slogLevel slog.Level
	switch normalizedLevel {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info", "":
		slogLevel = slog.LevelInfo
	case "warn", "warning":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: slogLevel}
	switch normalizedFormat {
	case "json", "":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	case "discard":
		return slog.New(slog.NewJSONHandler(io.Discard, opts)), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

func envOr(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func waitForSignal() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	<-signals
}
