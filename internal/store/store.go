// Package store defines the record store used by the ingestion and
// orchestration core. The scheduler, batch coordinator and API all talk to
// this interface; production runs on DynamoDB, tests on the in-memory
// implementation.
package store

import (
	"context"

	"github.com/vqmeter/vqmeter/pkg/models"
)

// Store is the persistence contract for assets, jobs, per-frame quality
// records and batches.
type Store interface {
	// Assets. Assets are immutable once created.
	CreateAsset(ctx context.Context, asset *models.VideoAsset) error
	GetAsset(ctx context.Context, id string) (*models.VideoAsset, error)
	ListAssets(ctx context.Context, offset, limit int) ([]models.VideoAsset, int, error)

	// Jobs. UpdateJob replaces the stored record; only the scheduler calls
	// it after submission.
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	ListJobs(ctx context.Context, offset, limit int) ([]models.Job, int, error)
	ListJobsByBatch(ctx context.Context, batchID string) ([]models.Job, error)

	// Per-frame quality records, append-only, unique on (job id, index).
	AppendUnits(ctx context.Context, jobID string, units []models.UnitQuality) error
	ListUnits(ctx context.Context, jobID string, offset, limit int) ([]models.UnitQuality, int, error)

	// Batches carry only identity and membership; aggregate state is derived.
	CreateBatch(ctx context.Context, batch *models.Batch) error
	GetBatch(ctx context.Context, id string) (*models.Batch, error)
}
