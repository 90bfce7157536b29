package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/vqmeter/vqmeter/internal/config"
	"github.com/vqmeter/vqmeter/internal/logger"
	"github.com/vqmeter/vqmeter/internal/observability"
	"github.com/vqmeter/vqmeter/internal/render"
)

const (
	TracerShutdownTimeout = 5 * time.Second
	AWSConfigTimeout      = 10 * time.Second
	MaxConcurrentRenders  = 2
)

func main() {
	// Initialize logger
	log := logger.New()
	slog.SetDefault(log)

	// Load .env file if present
	if err := godotenv.Load(); err != nil {
		log.Info("No .env file found, using system environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.AWS.ArchiveBucket == "" || cfg.AWS.RenderQueueURL == "" {
		log.Error("ARCHIVE_BUCKET and RENDER_QUEUE_URL are required for the render worker")
		os.Exit(1)
	}

	// Initialize tracer
	shutdownTracer, err := observability.InitTracer(context.Background(),
		"vqmeter-render-worker", cfg.Observability.OTLPEndpoint, cfg.Environment)
	if err != nil {
		log.Error("Failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), TracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	// Initialize AWS clients
	ctx, cancel := context.WithTimeout(context.Background(), AWSConfigTimeout)
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	cancel()
	if err != nil {
		log.Error("Failed to load AWS config", "error", err)
		os.Exit(1)
	}
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	worker := render.New(&render.Config{
		S3Client:  s3.NewFromConfig(awsCfg),
		SQSClient: sqs.NewFromConfig(awsCfg),
		Bucket:    cfg.AWS.ArchiveBucket,
		QueueURL:  cfg.AWS.RenderQueueURL,
		MaxJobs:   MaxConcurrentRenders,
		Logger:    log,
	})

	// Metrics server
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.API.MetricsPort),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Metrics server error", "error", err)
		}
	}()

	// Run until SIGINT/SIGTERM; Run drains in-progress renders before returning
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker.Run(rootCtx)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Metrics server forced to shutdown", "error", err)
	}

	log.Info("Render worker shutdown complete")
}
