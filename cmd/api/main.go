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
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/vqmeter/vqmeter/internal/api"
	"github.com/vqmeter/vqmeter/internal/archive"
	"github.com/vqmeter/vqmeter/internal/batch"
	"github.com/vqmeter/vqmeter/internal/config"
	"github.com/vqmeter/vqmeter/internal/health"
	"github.com/vqmeter/vqmeter/internal/logger"
	"github.com/vqmeter/vqmeter/internal/observability"
	"github.com/vqmeter/vqmeter/internal/probe"
	"github.com/vqmeter/vqmeter/internal/report"
	"github.com/vqmeter/vqmeter/internal/scheduler"
	"github.com/vqmeter/vqmeter/internal/store"
	"github.com/vqmeter/vqmeter/internal/upload"
)

const (
	ShutdownTimeout       = 30 * time.Second
	TracerShutdownTimeout = 5 * time.Second
	AWSConfigTimeout      = 10 * time.Second
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

	// Initialize tracer
	shutdownTracer, err := observability.InitTracer(context.Background(),
		"vqmeter-api", cfg.Observability.OTLPEndpoint, cfg.Environment)
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

	// Initialize AWS clients when any AWS integration is configured
	var (
		dynamoClient *dynamodb.Client
		s3Client     *s3.Client
		sqsClient    *sqs.Client
	)
	if cfg.AWS.DynamoDBTable != "" || cfg.AWS.ArchiveBucket != "" || cfg.AWS.RenderQueueURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), AWSConfigTimeout)
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		cancel()
		if err != nil {
			log.Error("Failed to load AWS config", "error", err)
			os.Exit(1)
		}
		otelaws.AppendMiddlewares(&awsCfg.APIOptions)

		if cfg.AWS.DynamoDBTable != "" {
			dynamoClient = dynamodb.NewFromConfig(awsCfg)
		}
		if cfg.AWS.ArchiveBucket != "" {
			s3Client = s3.NewFromConfig(awsCfg)
		}
		if cfg.AWS.RenderQueueURL != "" {
			sqsClient = sqs.NewFromConfig(awsCfg)
		}
	}

	// Initialize record store
	var recordStore store.Store
	if dynamoClient != nil {
		ddb, err := store.NewDynamoDB(dynamoClient, cfg.AWS.DynamoDBTable)
		if err != nil {
			log.Error("Failed to initialize DynamoDB store", "error", err)
			os.Exit(1)
		}
		recordStore = ddb
		log.Info("DynamoDB store initialized", "table", cfg.AWS.DynamoDBTable)
	} else {
		recordStore = store.NewMemory()
		log.Info("In-memory store initialized")
	}

	// Initialize upload assembler
	prober := probe.New(cfg.Analyzer.FFprobePath, cfg.Analyzer.FFmpegPath)
	assembler, err := upload.New(&upload.Config{
		TempDir:    cfg.Storage.TempDir,
		DataDir:    cfg.Storage.DataDir,
		SessionTTL: cfg.Upload.SessionTTL,
		Store:      recordStore,
		Prober:     prober,
		Logger:     log,
	})
	if err != nil {
		log.Error("Failed to initialize upload assembler", "error", err)
		os.Exit(1)
	}

	// Root context cancelled on SIGINT/SIGTERM
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go assembler.Run(rootCtx, cfg.Upload.PurgeInterval)

	// Initialize job scheduler
	sched := scheduler.New(&scheduler.Config{
		Slots:          cfg.Scheduler.Slots,
		CancelGrace:    cfg.Scheduler.CancelGrace,
		MaxErrorLength: cfg.Scheduler.MaxErrorLength,
		AnalyzerCmd:    cfg.Analyzer.Command,
		Store:          recordStore,
		Logger:         log,
	})
	sched.Start(rootCtx)

	// Initialize batch coordinator and report builder
	batches := batch.New(&batch.Config{
		Store:      recordStore,
		Submitter:  sched,
		MaxMembers: cfg.Upload.MaxBatchMembers,
		Logger:     log,
	})
	reports := report.NewBuilder(&report.Config{
		Store:            recordStore,
		ProblemThreshold: api.DefaultThreshold,
		ProblemLimit:     api.DefaultProblemCap,
		Logger:           log,
	})

	// Optional archive and render handoff
	var archiver *archive.Archiver
	if s3Client != nil {
		archiver = archive.New(s3Client, cfg.AWS.ArchiveBucket, log)
		log.Info("S3 archive enabled", "bucket", cfg.AWS.ArchiveBucket)
	}
	var renderer *report.Renderer
	if sqsClient != nil {
		renderer = report.NewRenderer(sqsClient, cfg.AWS.RenderQueueURL, log)
		log.Info("Render queue enabled", "queueUrl", cfg.AWS.RenderQueueURL)
	}

	// Initialize health checker
	healthConfig := health.DefaultConfig("vqmeter-api", log)
	healthConfig.DataDir = cfg.Storage.DataDir
	healthConfig.AnalyzerCmd = cfg.Analyzer.Command
	if dynamoClient != nil {
		healthConfig.DynamoDBClient = dynamoClient
		healthConfig.DynamoDBTable = cfg.AWS.DynamoDBTable
	}
	if s3Client != nil {
		healthConfig.S3Client = s3Client
		healthConfig.S3Bucket = cfg.AWS.ArchiveBucket
	}
	if sqsClient != nil {
		healthConfig.SQSClient = sqsClient
		healthConfig.SQSQueueURL = cfg.AWS.RenderQueueURL
	}
	healthChecker := health.NewChecker(healthConfig)

	// Create and start server
	handlers := api.NewHandlers(&api.HandlersConfig{
		Config:    cfg,
		Logger:    log,
		Store:     recordStore,
		Assembler: assembler,
		Scheduler: sched,
		Batches:   batches,
		Reports:   reports,
		Archiver:  archiver,
		Renderer:  renderer,
	})
	server, err := api.NewServer(&api.ServerConfig{
		Config:        cfg,
		Logger:        log,
		Handlers:      handlers,
		HealthChecker: healthChecker,
	})
	if err != nil {
		log.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := server.Start(); err != nil {
			log.Error("Server error", "error", err)
			stop()
		}
	}()

	// Metrics server on its own port, never exposed through the API listener
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

	// Wait for shutdown signal
	<-rootCtx.Done()

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	sched.Stop()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		log.Error("Metrics server forced to shutdown", "error", err)
	}

	log.Info("Server shutdown complete")
}
