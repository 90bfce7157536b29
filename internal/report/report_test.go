package report

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vqmeter/vqmeter/internal/logger"
	"github.com/vqmeter/vqmeter/internal/stats"
	"github.com/vqmeter/vqmeter/internal/store"
	"github.com/vqmeter/vqmeter/pkg/models"
)

func TestGrade(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{95, "excellent"},
		{90.01, "excellent"},
		{90, "good"},
		{81, "good"},
		{80, "fair"},
		{70.5, "fair"},
		{70, "poor"},
		{12, "poor"},
	}
	for _, tt := range tests {
		if got := Grade(tt.score); got != tt.want {
			t.Errorf("Grade(%v) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func ptr(f float64) *float64 { return &f }

func newTestBuilder(mem *store.Memory) *Builder {
	return NewBuilder(&Config{
		Store:            mem,
		ProblemThreshold: 80,
		ProblemLimit:     20,
		Logger:           logger.New(),
	})
}

// seedCompletedJob creates a reference, a distorted asset at the given
// bitrate, and a completed job with evenly spread unit scores.
func seedCompletedJob(t *testing.T, mem *store.Memory, jobID string, overall float64, bitrate int64, unitScores []float64) {
	t.Helper()
	ctx := context.Background()

	refID := jobID + "-ref"
	distID := jobID + "-dist"
	for _, a := range []*models.VideoAsset{
		{ID: refID, Role: models.RoleReference, OriginalFilename: "ref.mp4",
			Metadata: models.VideoMetadata{FrameRate: 30, FrameCount: len(unitScores)}},
		{ID: distID, Role: models.RoleDistorted, OriginalFilename: distID + ".mp4",
			Metadata: models.VideoMetadata{Bitrate: bitrate}},
	} {
		if err := mem.CreateAsset(ctx, a); err != nil {
			t.Fatalf("failed to seed asset: %v", err)
		}
	}

	job := &models.Job{
		ID:          jobID,
		ReferenceID: refID,
		DistortedID: distID,
		Status:      models.StatusCompleted,
		Progress:    100,
		TotalUnits:  len(unitScores),
		CurrentUnit: len(unitScores),
		Scores:      models.Scores{Overall: &overall},
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	if err := mem.CreateJob(ctx, job); err != nil {
		t.Fatalf("failed to seed job: %v", err)
	}

	units := make([]models.UnitQuality, len(unitScores))
	for i, score := range unitScores {
		s := score
		units[i] = models.UnitQuality{JobID: jobID, Index: i, Timestamp: float64(i) / 30, Overall: &s}
	}
	if err := mem.AppendUnits(ctx, jobID, units); err != nil {
		t.Fatalf("failed to seed units: %v", err)
	}
}

func TestBuildSingle(t *testing.T) {
	mem := store.NewMemory()
	b := newTestBuilder(mem)
	seedCompletedJob(t, mem, "job1", 85, 5_000_000, []float64{90, 85, 70, 95, 60})

	report, err := b.BuildSingle(context.Background(), "job1")
	if err != nil {
		t.Fatalf("BuildSingle failed: %v", err)
	}

	if report.Grade != "good" {
		t.Errorf("grade = %q, want good", report.Grade)
	}
	// 85 score at 5 Mbps.
	if report.Efficiency == nil || *report.Efficiency != 17 {
		t.Errorf("efficiency = %v, want 17", report.Efficiency)
	}

	overall, ok := report.Statistics[stats.MetricOverall]
	if !ok {
		t.Fatal("missing overall statistics")
	}
	if overall.Count != 5 || overall.Min != 60 || overall.Max != 95 {
		t.Errorf("overall stats = %+v", overall)
	}
	if _, ok := report.Statistics[stats.MetricPSNR]; ok {
		t.Error("psnr statistics present though no record carries psnr")
	}

	// Units below 80, worst first.
	if len(report.ProblemUnits) != 2 {
		t.Fatalf("problem units = %d, want 2", len(report.ProblemUnits))
	}
	if report.ProblemUnits[0].Index != 4 || report.ProblemUnits[1].Index != 2 {
		t.Errorf("problem order = %+v, want indices [4 2]", report.ProblemUnits)
	}

	if report.Reference.OriginalFilename != "ref.mp4" {
		t.Errorf("reference summary = %+v", report.Reference)
	}
}

func TestBuildSingleRequiresCompletion(t *testing.T) {
	mem := store.NewMemory()
	b := newTestBuilder(mem)
	ctx := context.Background()

	job := &models.Job{ID: "j", ReferenceID: "r", DistortedID: "d", Status: models.StatusRunning}
	if err := mem.CreateJob(ctx, job); err != nil {
		t.Fatalf("failed to seed job: %v", err)
	}

	if _, err := b.BuildSingle(ctx, "j"); !errors.Is(err, models.ErrJobNotCompleted) {
		t.Errorf("got %v, want ErrJobNotCompleted", err)
	}
	if _, err := b.BuildSingle(ctx, "ghost"); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("got %v, want ErrJobNotFound", err)
	}
}

func TestBuildBatch(t *testing.T) {
	mem := store.NewMemory()
	b := newTestBuilder(mem)
	ctx := context.Background()

	ref := &models.VideoAsset{ID: "ref", Role: models.RoleReference, OriginalFilename: "ref.mp4"}
	if err := mem.CreateAsset(ctx, ref); err != nil {
		t.Fatalf("failed to seed reference: %v", err)
	}

	// Three members: high quality at high bitrate, slightly worse at a much
	// lower bitrate, and one failed member that stays out of the ranking.
	members := []struct {
		jobID   string
		status  models.JobStatus
		overall *float64
		bitrate int64
	}{
		{"job-a", models.StatusCompleted, ptr(95), 8_000_000},
		{"job-b", models.StatusCompleted, ptr(90), 2_000_000},
		{"job-c", models.StatusFailed, nil, 4_000_000},
	}
	batch := &models.Batch{ID: "batch1", ReferenceID: "ref"}
	for _, m := range members {
		dist := &models.VideoAsset{
			ID:               m.jobID + "-dist",
			Role:             models.RoleDistorted,
			OriginalFilename: m.jobID + ".mp4",
			Metadata:         models.VideoMetadata{Bitrate: m.bitrate},
		}
		if err := mem.CreateAsset(ctx, dist); err != nil {
			t.Fatalf("failed to seed asset: %v", err)
		}
		job := &models.Job{
			ID:          m.jobID,
			BatchID:     "batch1",
			ReferenceID: "ref",
			DistortedID: dist.ID,
			Status:      m.status,
			Scores:      models.Scores{Overall: m.overall},
		}
		if err := mem.CreateJob(ctx, job); err != nil {
			t.Fatalf("failed to seed job: %v", err)
		}
		batch.JobIDs = append(batch.JobIDs, m.jobID)
	}
	if err := mem.CreateBatch(ctx, batch); err != nil {
		t.Fatalf("failed to seed batch: %v", err)
	}

	view := &models.BatchView{Batch: *batch, TotalCount: 3, CompletedCount: 2, FailedCount: 1, Done: true}
	report, err := b.BuildBatch(ctx, "batch1", view)
	if err != nil {
		t.Fatalf("BuildBatch failed: %v", err)
	}

	if len(report.Members) != 2 {
		t.Fatalf("ranked members = %d, want 2", len(report.Members))
	}
	if report.Members[0].JobID != "job-a" {
		t.Errorf("top ranked = %s, want job-a", report.Members[0].JobID)
	}
	if report.BestQualityJobID != "job-a" {
		t.Errorf("bestQuality = %s, want job-a", report.BestQualityJobID)
	}
	// 90 / 2 Mbps beats 95 / 8 Mbps.
	if report.BestEfficiencyJobID != "job-b" {
		t.Errorf("bestEfficiency = %s, want job-b", report.BestEfficiencyJobID)
	}
	if eff := report.Members[1].Efficiency; eff == nil || *eff != 45 {
		t.Errorf("job-b efficiency = %v, want 45", eff)
	}
}

func TestBuildBatchNoCompletedMembers(t *testing.T) {
	mem := store.NewMemory()
	b := newTestBuilder(mem)
	ctx := context.Background()

	ref := &models.VideoAsset{ID: "ref", Role: models.RoleReference}
	if err := mem.CreateAsset(ctx, ref); err != nil {
		t.Fatalf("failed to seed reference: %v", err)
	}
	batch := &models.Batch{ID: "b", ReferenceID: "ref", JobIDs: []string{"j"}}
	if err := mem.CreateBatch(ctx, batch); err != nil {
		t.Fatalf("failed to seed batch: %v", err)
	}
	job := &models.Job{ID: "j", BatchID: "b", ReferenceID: "ref", DistortedID: "d", Status: models.StatusCancelled}
	if err := mem.CreateJob(ctx, job); err != nil {
		t.Fatalf("failed to seed job: %v", err)
	}

	view := &models.BatchView{Batch: *batch, TotalCount: 1, CancelledCount: 1, Done: true}
	report, err := b.BuildBatch(ctx, "b", view)
	if err != nil {
		t.Fatalf("BuildBatch failed: %v", err)
	}
	if len(report.Members) != 0 || report.BestQualityJobID != "" || report.BestEfficiencyJobID != "" {
		t.Errorf("empty batch report carries ranking: %+v", report)
	}
}

func TestBuildSinglePagesAllUnits(t *testing.T) {
	mem := store.NewMemory()
	b := newTestBuilder(mem)

	// More units than one store page.
	scores := make([]float64, unitPageSize+250)
	for i := range scores {
		scores[i] = 85
	}
	seedCompletedJob(t, mem, "big", 85, 5_000_000, scores)

	report, err := b.BuildSingle(context.Background(), "big")
	if err != nil {
		t.Fatalf("BuildSingle failed: %v", err)
	}
	if got := report.Statistics[stats.MetricOverall].Count; got != len(scores) {
		t.Errorf("stats count = %d, want %d", got, len(scores))
	}
}

func TestTieBreakByJobID(t *testing.T) {
	members := []MemberReport{
		{JobID: "job-z", Score: 90, Efficiency: ptr(30)},
		{JobID: "job-a", Score: 90, Efficiency: ptr(30)},
	}
	if got := bestEfficiency(members); got != "job-a" {
		t.Errorf("bestEfficiency tie = %s, want job-a", got)
	}
}
