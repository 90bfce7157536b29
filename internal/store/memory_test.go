package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/vqmeter/vqmeter/pkg/models"
)

func TestMemoryJobLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	job := &models.Job{ID: "job-1", Status: models.StatusPending, CreatedAt: "2026-01-01T00:00:00Z"}
	if err := m.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	got, err := m.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != models.StatusPending {
		t.Errorf("Status = %v, want pending", got.Status)
	}

	// The returned record is a copy; mutating it must not touch the store.
	got.Status = models.StatusRunning
	again, _ := m.GetJob(ctx, "job-1")
	if again.Status != models.StatusPending {
		t.Error("GetJob() returned a shared reference, want a copy")
	}

	got.Status = models.StatusRunning
	if err := m.UpdateJob(ctx, got); err != nil {
		t.Fatalf("UpdateJob() error = %v", err)
	}
	updated, _ := m.GetJob(ctx, "job-1")
	if updated.Status != models.StatusRunning {
		t.Errorf("Status after update = %v, want running", updated.Status)
	}
}

func TestMemoryGetJobNotFound(t *testing.T) {
	m := NewMemory()
	if _, err := m.GetJob(context.Background(), "nope"); err != models.ErrJobNotFound {
		t.Errorf("GetJob() error = %v, want ErrJobNotFound", err)
	}
}

func TestMemoryUpdateJobNotFound(t *testing.T) {
	m := NewMemory()
	err := m.UpdateJob(context.Background(), &models.Job{ID: "nope"})
	if err != models.ErrJobNotFound {
		t.Errorf("UpdateJob() error = %v, want ErrJobNotFound", err)
	}
}

func TestMemoryListJobsNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i := 0; i < 5; i++ {
		if err := m.CreateJob(ctx, &models.Job{ID: fmt.Sprintf("job-%d", i)}); err != nil {
			t.Fatalf("CreateJob() error = %v", err)
		}
	}

	jobs, total, err := m.ListJobs(ctx, 0, 2)
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(jobs) != 2 || jobs[0].ID != "job-4" || jobs[1].ID != "job-3" {
		t.Errorf("ListJobs(0, 2) = %v, want [job-4 job-3]", jobs)
	}

	jobs, _, err = m.ListJobs(ctx, 4, 10)
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job-0" {
		t.Errorf("ListJobs(4, 10) = %v, want [job-0]", jobs)
	}
}

func TestMemoryListJobsByBatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_ = m.CreateJob(ctx, &models.Job{ID: "a", BatchID: "batch-1"})
	_ = m.CreateJob(ctx, &models.Job{ID: "b"})
	_ = m.CreateJob(ctx, &models.Job{ID: "c", BatchID: "batch-1"})

	jobs, err := m.ListJobsByBatch(ctx, "batch-1")
	if err != nil {
		t.Fatalf("ListJobsByBatch() error = %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "a" || jobs[1].ID != "c" {
		t.Errorf("ListJobsByBatch() = %v, want [a c]", jobs)
	}
}

func TestMemoryUnits(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.CreateJob(ctx, &models.Job{ID: "job-1"})

	var units []models.UnitQuality
	for i := 0; i < 10; i++ {
		v := float64(90 + i)
		units = append(units, models.UnitQuality{JobID: "job-1", Index: i, Overall: &v})
	}
	if err := m.AppendUnits(ctx, "job-1", units); err != nil {
		t.Fatalf("AppendUnits() error = %v", err)
	}

	got, total, err := m.ListUnits(ctx, "job-1", 3, 4)
	if err != nil {
		t.Fatalf("ListUnits() error = %v", err)
	}
	if total != 10 {
		t.Errorf("total = %d, want 10", total)
	}
	if len(got) != 4 || got[0].Index != 3 || got[3].Index != 6 {
		t.Errorf("ListUnits(3, 4) indices = %v", got)
	}

	// Offset past the end yields an empty page, not an error.
	got, total, err = m.ListUnits(ctx, "job-1", 50, 10)
	if err != nil || len(got) != 0 || total != 10 {
		t.Errorf("ListUnits(50, 10) = %v, %d, %v", got, total, err)
	}
}

func TestMemoryAppendUnitsUnknownJob(t *testing.T) {
	m := NewMemory()
	err := m.AppendUnits(context.Background(), "nope", []models.UnitQuality{{Index: 0}})
	if err != models.ErrJobNotFound {
		t.Errorf("AppendUnits() error = %v, want ErrJobNotFound", err)
	}
}

func TestMemoryBatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	batch := &models.Batch{ID: "batch-1", ReferenceID: "ref", JobIDs: []string{"a", "b"}}
	if err := m.CreateBatch(ctx, batch); err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	got, err := m.GetBatch(ctx, "batch-1")
	if err != nil {
		t.Fatalf("GetBatch() error = %v", err)
	}
	got.JobIDs[0] = "mutated"

	again, _ := m.GetBatch(ctx, "batch-1")
	if again.JobIDs[0] != "a" {
		t.Error("GetBatch() returned shared JobIDs slice, want a copy")
	}

	if _, err := m.GetBatch(ctx, "nope"); err != models.ErrBatchNotFound {
		t.Errorf("GetBatch() error = %v, want ErrBatchNotFound", err)
	}
}
