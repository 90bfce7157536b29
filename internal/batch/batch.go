// Package batch groups comparison jobs that share one reference asset and
// derives batch status from its members at read time.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vqmeter/vqmeter/internal/logger"
	"github.com/vqmeter/vqmeter/internal/store"
	"github.com/vqmeter/vqmeter/pkg/models"
)

var tracer = otel.Tracer("vqmeter-batch")

// Submitter admits created jobs to the execution queue.
type Submitter interface {
	Submit(ctx context.Context, jobID string) error
}

// Coordinator creates batches and computes their derived status.
type Coordinator struct {
	store      store.Store
	submitter  Submitter
	maxMembers int
	log        *slog.Logger
}

// Config holds coordinator dependencies.
type Config struct {
	Store      store.Store
	Submitter  Submitter
	MaxMembers int
	Logger     *slog.Logger
}

// New creates a Coordinator.
func New(cfg *Config) *Coordinator {
	return &Coordinator{
		store:      cfg.Store,
		submitter:  cfg.Submitter,
		maxMembers: cfg.MaxMembers,
		log:        cfg.Logger,
	}
}

// Create builds one pending job per distorted asset against the shared
// reference, persists the batch and submits every member for execution.
func (c *Coordinator) Create(ctx context.Context, referenceID string, distortedIDs []string) (*models.Batch, error) {
	ctx, span := tracer.Start(ctx, "create-batch")
	defer span.End()

	if len(distortedIDs) == 0 {
		return nil, models.ErrEmptyBatch
	}
	if len(distortedIDs) > c.maxMembers {
		return nil, fmt.Errorf("%w: %d members, limit %d", models.ErrTooManyBatchMembers, len(distortedIDs), c.maxMembers)
	}

	ref, err := c.store.GetAsset(ctx, referenceID)
	if err != nil {
		return nil, fmt.Errorf("reference asset: %w", err)
	}
	if ref.Role != models.RoleReference {
		return nil, fmt.Errorf("%w: asset %s is %s", models.ErrInvalidRole, referenceID, ref.Role)
	}
	for _, id := range distortedIDs {
		if _, err := c.store.GetAsset(ctx, id); err != nil {
			return nil, fmt.Errorf("distorted asset %s: %w", id, err)
		}
	}

	batch := &models.Batch{
		ID:          uuid.New().String(),
		ReferenceID: referenceID,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	span.SetAttributes(
		attribute.String("batch.id", batch.ID),
		attribute.Int("batch.members", len(distortedIDs)),
	)

	for _, distortedID := range distortedIDs {
		job := &models.Job{
			ID:          uuid.New().String(),
			BatchID:     batch.ID,
			ReferenceID: referenceID,
			DistortedID: distortedID,
			Status:      models.StatusPending,
			CreatedAt:   time.Now().UTC().Format(time.RFC3339),
		}
		if err := c.store.CreateJob(ctx, job); err != nil {
			return nil, fmt.Errorf("failed to create member job: %w", err)
		}
		batch.JobIDs = append(batch.JobIDs, job.ID)
	}

	if err := c.store.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}

	for _, jobID := range batch.JobIDs {
		if err := c.submitter.Submit(ctx, jobID); err != nil {
			logger.Error(ctx, c.log, "Failed to submit batch member",
				"batchId", batch.ID,
				"jobId", jobID,
				"error", err,
			)
		}
	}

	logger.Info(ctx, c.log, "Batch created",
		"batchId", batch.ID,
		"referenceId", referenceID,
		"members", len(batch.JobIDs),
	)
	return batch, nil
}

// Status derives the batch view from its member jobs. Nothing about the
// aggregate is stored, so the view is always consistent with the members.
func (c *Coordinator) Status(ctx context.Context, batchID string) (*models.BatchView, error) {
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	jobs, err := c.store.ListJobsByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return Derive(batch, jobs), nil
}

// Derive computes the aggregate view. Batch progress counts whole members:
// each terminal member is worth 100/total, live members are worth nothing
// however far their analyzers got, so progress reaches 100 exactly when every
// member is terminal.
func Derive(batch *models.Batch, jobs []models.Job) *models.BatchView {
	view := &models.BatchView{
		Batch:      *batch,
		TotalCount: len(jobs),
	}

	var terminal int
	for i := range jobs {
		switch jobs[i].Status {
		case models.StatusPending:
			view.PendingCount++
		case models.StatusRunning:
			view.RunningCount++
		case models.StatusCompleted:
			view.CompletedCount++
		case models.StatusFailed:
			view.FailedCount++
		case models.StatusCancelled:
			view.CancelledCount++
		}
		if jobs[i].Status.IsTerminal() {
			terminal++
		}
	}

	if view.TotalCount > 0 {
		view.Progress = 100 * float64(terminal) / float64(view.TotalCount)
	}
	view.Done = view.TotalCount > 0 && terminal == view.TotalCount
	return view
}
