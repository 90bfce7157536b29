package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/vqmeter/vqmeter/internal/logger"
	"github.com/vqmeter/vqmeter/internal/metrics"
)

// Render job kinds.
const (
	KindSingle = "single"
	KindBatch  = "batch"
)

// RenderJob is the message handed to the render worker. The worker fetches
// the archived report payload by key and produces the deliverable page.
type RenderJob struct {
	ReportID   string `json:"reportId"`
	Kind       string `json:"kind"`
	ArchiveKey string `json:"archiveKey"`
}

// Validate checks the message fields the worker depends on.
func (j *RenderJob) Validate() error {
	if j.ReportID == "" {
		return fmt.Errorf("render job has no report id")
	}
	if j.Kind != KindSingle && j.Kind != KindBatch {
		return fmt.Errorf("unknown render kind %q", j.Kind)
	}
	if j.ArchiveKey == "" {
		return fmt.Errorf("render job has no archive key")
	}
	return nil
}

// Renderer queues finished report data for external rendering.
type Renderer struct {
	sqsClient *sqs.Client
	queueURL  string
	log       *slog.Logger
}

// NewRenderer creates a Renderer.
func NewRenderer(sqsClient *sqs.Client, queueURL string, log *slog.Logger) *Renderer {
	return &Renderer{
		sqsClient: sqsClient,
		queueURL:  queueURL,
		log:       log,
	}
}

// QueueRender publishes a render job. Rendering is fire and forget; failures
// surface to the caller but never undo the built report.
func (r *Renderer) QueueRender(ctx context.Context, job RenderJob) error {
	ctx, span := tracer.Start(ctx, "queue-render")
	defer span.End()

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal render job: %w", err)
	}

	_, err = r.sqsClient.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(r.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("failed to queue render job: %w", err)
	}

	metrics.ReportsQueued.Inc()
	logger.Info(ctx, r.log, "Render job queued",
		"reportId", job.ReportID,
		"kind", job.Kind,
	)
	return nil
}
