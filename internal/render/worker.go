// Package render consumes queued render jobs and turns archived report data
// into the deliverable HTML pages.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vqmeter/vqmeter/internal/metrics"
	"github.com/vqmeter/vqmeter/internal/report"
)

// SQS configuration constants
const (
	SQSMaxMessages       = 1
	SQSWaitTimeSeconds   = 20
	SQSVisibilityTimeout = 300 // 5 minutes
	RetryBackoffPeriod   = 5 * time.Second
)

var tracer = otel.Tracer("vqmeter-render")

// Worker drains the render queue. Each message names an archived report; the
// worker fetches it, renders the page and writes it next to the archive.
type Worker struct {
	s3Client  *s3.Client
	sqsClient *sqs.Client
	bucket    string
	queueURL  string
	maxJobs   int
	log       *slog.Logger
}

// Config holds worker dependencies.
type Config struct {
	S3Client  *s3.Client
	SQSClient *sqs.Client
	Bucket    string
	QueueURL  string
	MaxJobs   int
	Logger    *slog.Logger
}

// New creates a render Worker.
func New(cfg *Config) *Worker {
	return &Worker{
		s3Client:  cfg.S3Client,
		sqsClient: cfg.SQSClient,
		bucket:    cfg.Bucket,
		queueURL:  cfg.QueueURL,
		maxJobs:   cfg.MaxJobs,
		log:       cfg.Logger,
	}
}

// Run polls the queue and blocks until the context is cancelled. Failed
// messages are left on the queue for redelivery.
func (w *Worker) Run(ctx context.Context) {
	w.log.InfoContext(ctx, "Starting render queue polling",
		"queueURL", w.queueURL,
		"maxJobs", w.maxJobs,
	)

	sem := make(chan struct{}, w.maxJobs)
	var wg sync.WaitGroup

messageLoop:
	for {
		select {
		case <-ctx.Done():
			w.log.InfoContext(ctx, "Waiting for in-progress renders to complete...")
			wg.Wait()
			w.log.InfoContext(ctx, "All renders completed, shutting down")
			return
		default:
		}

		result, err := w.sqsClient.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(w.queueURL),
			MaxNumberOfMessages: SQSMaxMessages,
			WaitTimeSeconds:     SQSWaitTimeSeconds,
			VisibilityTimeout:   SQSVisibilityTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				continue // Shutting down
			}
			w.log.ErrorContext(ctx, "Failed to receive messages", "error", err)
			time.Sleep(RetryBackoffPeriod)
			continue
		}

		for _, msg := range result.Messages {
			select {
			case sem <- struct{}{}:
				wg.Add(1)
				go func(msg types.Message) {
					defer wg.Done()
					defer func() { <-sem }()

					metrics.ActiveRenders.Inc()
					defer metrics.ActiveRenders.Dec()

					if err := w.processMessage(ctx, msg); err != nil {
						w.log.ErrorContext(ctx, "Failed to process render job",
							"error", err,
							"messageId", safeStringDeref(msg.MessageId),
						)
						metrics.RendersProcessed.WithLabelValues("failure").Inc()
					} else {
						_, delErr := w.sqsClient.DeleteMessage(ctx, &sqs.DeleteMessageInput{
							QueueUrl:      aws.String(w.queueURL),
							ReceiptHandle: msg.ReceiptHandle,
						})
						if delErr != nil {
							w.log.ErrorContext(ctx, "Failed to delete message", "error", delErr)
						}
						metrics.RendersProcessed.WithLabelValues("success").Inc()
					}
				}(msg)
			case <-ctx.Done():
				w.log.InfoContext(ctx, "Context cancelled, stopping message processing")
				break messageLoop
			}
		}
	}
}

func safeStringDeref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (w *Worker) processMessage(ctx context.Context, msg types.Message) error {
	ctx, span := tracer.Start(ctx, "process-render-job")
	defer span.End()

	job, err := parseMessage(msg)
	if err != nil {
		return err
	}

	span.SetAttributes(
		attribute.String("report.id", job.ReportID),
		attribute.String("report.kind", job.Kind),
		attribute.String("report.archive_key", job.ArchiveKey),
	)

	return w.renderReport(ctx, job)
}

// parseMessage decodes and validates one queue message.
func parseMessage(msg types.Message) (*report.RenderJob, error) {
	if msg.Body == nil {
		return nil, fmt.Errorf("empty message body")
	}
	var job report.RenderJob
	if err := json.Unmarshal([]byte(*msg.Body), &job); err != nil {
		return nil, fmt.Errorf("failed to decode render job: %w", err)
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return &job, nil
}

func (w *Worker) renderReport(ctx context.Context, job *report.RenderJob) error {
	w.log.InfoContext(ctx, "Rendering report",
		"reportId", job.ReportID,
		"kind", job.Kind,
	)
	start := time.Now()

	payload, err := w.fetchArchive(ctx, job.ArchiveKey)
	if err != nil {
		return fmt.Errorf("failed to fetch archived report %s: %w", job.ArchiveKey, err)
	}

	page, err := RenderPage(job.Kind, payload)
	if err != nil {
		return fmt.Errorf("failed to render report %s: %w", job.ReportID, err)
	}

	key := fmt.Sprintf("renders/%s.html", job.ReportID)
	_, err = w.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(page),
		ContentType: aws.String("text/html; charset=utf-8"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload rendered page: %w", err)
	}

	metrics.RenderDuration.Observe(time.Since(start).Seconds())
	w.log.InfoContext(ctx, "Report rendered",
		"reportId", job.ReportID,
		"key", key,
		"durationSeconds", time.Since(start).Seconds(),
	)
	return nil
}

// fetchArchive reads the archived report payload into memory. Report JSON is
// small; no temp file needed.
func (w *Worker) fetchArchive(ctx context.Context, key string) ([]byte, error) {
	result, err := w.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer result.Body.Close()
	return io.ReadAll(result.Body)
}
