package batch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vqmeter/vqmeter/internal/logger"
	"github.com/vqmeter/vqmeter/internal/store"
	"github.com/vqmeter/vqmeter/pkg/models"
)

// recordingSubmitter captures submissions instead of running jobs.
type recordingSubmitter struct {
	submitted []string
}

func (r *recordingSubmitter) Submit(_ context.Context, jobID string) error {
	r.submitted = append(r.submitted, jobID)
	return nil
}

func seedAssets(t *testing.T, mem *store.Memory, distorted int) (string, []string) {
	t.Helper()
	ctx := context.Background()

	ref := &models.VideoAsset{
		ID:   "ref-1",
		Role: models.RoleReference,
		Path: "/tmp/ref.mp4",
	}
	if err := mem.CreateAsset(ctx, ref); err != nil {
		t.Fatalf("failed to seed reference: %v", err)
	}

	var ids []string
	for i := 0; i < distorted; i++ {
		id := fmt.Sprintf("dist-%d", i)
		asset := &models.VideoAsset{
			ID:   id,
			Role: models.RoleDistorted,
			Path: "/tmp/" + id + ".mp4",
		}
		if err := mem.CreateAsset(ctx, asset); err != nil {
			t.Fatalf("failed to seed distorted asset: %v", err)
		}
		ids = append(ids, id)
	}
	return ref.ID, ids
}

func newTestCoordinator(mem *store.Memory, sub Submitter) *Coordinator {
	return New(&Config{
		Store:      mem,
		Submitter:  sub,
		MaxMembers: 10,
		Logger:     logger.New(),
	})
}

func TestCreateBatch(t *testing.T) {
	mem := store.NewMemory()
	sub := &recordingSubmitter{}
	c := newTestCoordinator(mem, sub)
	ctx := context.Background()

	refID, distIDs := seedAssets(t, mem, 3)

	batch, err := c.Create(ctx, refID, distIDs)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len(batch.JobIDs) != 3 {
		t.Fatalf("got %d member jobs, want 3", len(batch.JobIDs))
	}
	if len(sub.submitted) != 3 {
		t.Errorf("submitted %d jobs, want 3", len(sub.submitted))
	}

	jobs, err := mem.ListJobsByBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("ListJobsByBatch failed: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("store holds %d member jobs, want 3", len(jobs))
	}
	seen := make(map[string]bool)
	for _, job := range jobs {
		if job.BatchID != batch.ID || job.ReferenceID != refID {
			t.Errorf("member job %+v not linked to batch", job)
		}
		seen[job.DistortedID] = true
	}
	for _, id := range distIDs {
		if !seen[id] {
			t.Errorf("no member job for distorted asset %s", id)
		}
	}
}

func TestCreateBatchValidation(t *testing.T) {
	mem := store.NewMemory()
	c := newTestCoordinator(mem, &recordingSubmitter{})
	ctx := context.Background()

	refID, distIDs := seedAssets(t, mem, 11)

	tests := []struct {
		name    string
		refID   string
		distIDs []string
		wantErr error
	}{
		{"empty members", refID, nil, models.ErrEmptyBatch},
		{"too many members", refID, distIDs, models.ErrTooManyBatchMembers},
		{"unknown reference", "ghost", distIDs[:2], models.ErrAssetNotFound},
		{"unknown distorted", refID, []string{"ghost"}, models.ErrAssetNotFound},
		{"distorted used as reference", distIDs[0], distIDs[1:3], models.ErrInvalidRole},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Create(ctx, tt.refID, tt.distIDs); !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreateBatchAtMemberLimit(t *testing.T) {
	mem := store.NewMemory()
	c := newTestCoordinator(mem, &recordingSubmitter{})

	refID, distIDs := seedAssets(t, mem, 10)
	if _, err := c.Create(context.Background(), refID, distIDs); err != nil {
		t.Fatalf("Create at the limit failed: %v", err)
	}
}

func TestStatusUnknownBatch(t *testing.T) {
	c := newTestCoordinator(store.NewMemory(), &recordingSubmitter{})
	if _, err := c.Status(context.Background(), "ghost"); !errors.Is(err, models.ErrBatchNotFound) {
		t.Errorf("got %v, want ErrBatchNotFound", err)
	}
}

func TestDerive(t *testing.T) {
	batch := &models.Batch{ID: "b1", CreatedAt: time.Now().UTC().Format(time.RFC3339)}

	tests := []struct {
		name         string
		statuses     []models.JobStatus
		progresses   []float64
		wantProgress float64
		wantDone     bool
	}{
		{
			name:         "all pending",
			statuses:     []models.JobStatus{models.StatusPending, models.StatusPending},
			progresses:   []float64{0, 0},
			wantProgress: 0,
		},
		{
			name:         "running member ignored however far along",
			statuses:     []models.JobStatus{models.StatusCompleted, models.StatusRunning},
			progresses:   []float64{100, 50},
			wantProgress: 50,
		},
		{
			name:         "all terminal mixed",
			statuses:     []models.JobStatus{models.StatusCompleted, models.StatusFailed, models.StatusCancelled},
			progresses:   []float64{100, 40, 10},
			wantProgress: 100,
			wantDone:     true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := make([]models.Job, len(tt.statuses))
			for i := range tt.statuses {
				jobs[i] = models.Job{Status: tt.statuses[i], Progress: tt.progresses[i]}
			}

			view := Derive(batch, jobs)
			if view.Progress != tt.wantProgress {
				t.Errorf("progress = %v, want %v", view.Progress, tt.wantProgress)
			}
			if view.Done != tt.wantDone {
				t.Errorf("done = %v, want %v", view.Done, tt.wantDone)
			}
			if view.TotalCount != len(jobs) {
				t.Errorf("totalCount = %d, want %d", view.TotalCount, len(jobs))
			}
		})
	}
}

func TestDeriveCounts(t *testing.T) {
	batch := &models.Batch{ID: "b1"}
	jobs := []models.Job{
		{Status: models.StatusPending},
		{Status: models.StatusRunning},
		{Status: models.StatusCompleted},
		{Status: models.StatusCompleted},
		{Status: models.StatusFailed},
		{Status: models.StatusCancelled},
	}

	view := Derive(batch, jobs)
	if view.PendingCount != 1 || view.RunningCount != 1 || view.CompletedCount != 2 ||
		view.FailedCount != 1 || view.CancelledCount != 1 {
		t.Errorf("counts = %+v", view)
	}
	if view.Done {
		t.Error("batch with live members reported done")
	}
}
