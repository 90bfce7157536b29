// Package report assembles the data behind single-job and batch quality
// reports and hands finished reports to the external renderer.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vqmeter/vqmeter/internal/stats"
	"github.com/vqmeter/vqmeter/internal/store"
	"github.com/vqmeter/vqmeter/pkg/models"
)

var tracer = otel.Tracer("vqmeter-report")

// unitPageSize bounds each store read while draining a job's records.
const unitPageSize = 1000

// Grade buckets a summary score into a human label.
func Grade(score float64) string {
	switch {
	case score > 90:
		return "excellent"
	case score > 80:
		return "good"
	case score > 70:
		return "fair"
	default:
		return "poor"
	}
}

// AssetSummary is the slice of a VideoAsset a report needs.
type AssetSummary struct {
	ID               string               `json:"assetId"`
	OriginalFilename string               `json:"originalFilename"`
	SizeBytes        int64                `json:"sizeBytes"`
	Metadata         models.VideoMetadata `json:"metadata"`
}

// SingleReport is the full data set behind one job's report.
type SingleReport struct {
	ID           string                         `json:"reportId"`
	GeneratedAt  string                         `json:"generatedAt"`
	Job          models.Job                     `json:"job"`
	Reference    AssetSummary                   `json:"reference"`
	Distorted    AssetSummary                   `json:"distorted"`
	Grade        string                         `json:"grade"`
	Efficiency   *float64                       `json:"efficiency,omitempty"`
	Statistics   map[stats.Metric]stats.Summary `json:"statistics"`
	ProblemUnits []stats.ProblemUnit            `json:"problemUnits"`
}

// MemberReport is one batch member in the efficiency ranking.
type MemberReport struct {
	JobID       string   `json:"jobId"`
	DistortedID string   `json:"distortedId"`
	Filename    string   `json:"filename"`
	Score       float64  `json:"score"`
	Grade       string   `json:"grade"`
	Efficiency  *float64 `json:"efficiency,omitempty"`
	BitrateMbps *float64 `json:"bitrateMbps,omitempty"`
}

// BatchReport compares all completed members of a batch.
type BatchReport struct {
	ID                  string           `json:"reportId"`
	GeneratedAt         string           `json:"generatedAt"`
	View                models.BatchView `json:"view"`
	Reference           AssetSummary     `json:"reference"`
	Members             []MemberReport   `json:"members"`
	BestQualityJobID    string           `json:"bestQualityJobId,omitempty"`
	BestEfficiencyJobID string           `json:"bestEfficiencyJobId,omitempty"`
}

// Builder reads store records and computes report data.
type Builder struct {
	store            store.Store
	problemThreshold float64
	problemLimit     int
	log              *slog.Logger
}

// Config holds builder dependencies.
type Config struct {
	Store            store.Store
	ProblemThreshold float64
	ProblemLimit     int
	Logger           *slog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(cfg *Config) *Builder {
	return &Builder{
		store:            cfg.Store,
		problemThreshold: cfg.ProblemThreshold,
		problemLimit:     cfg.ProblemLimit,
		log:              cfg.Logger,
	}
}

// BuildSingle assembles the report for one completed job.
func (b *Builder) BuildSingle(ctx context.Context, jobID string) (*SingleReport, error) {
	ctx, span := tracer.Start(ctx, "build-single-report")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	job, err := b.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.StatusCompleted {
		return nil, fmt.Errorf("%w: job %s is %s", models.ErrJobNotCompleted, jobID, job.Status)
	}

	ref, err := b.store.GetAsset(ctx, job.ReferenceID)
	if err != nil {
		return nil, fmt.Errorf("reference asset: %w", err)
	}
	dist, err := b.store.GetAsset(ctx, job.DistortedID)
	if err != nil {
		return nil, fmt.Errorf("distorted asset: %w", err)
	}

	units, err := b.allUnits(ctx, jobID)
	if err != nil {
		return nil, err
	}

	statistics := make(map[stats.Metric]stats.Summary)
	for _, metric := range []stats.Metric{stats.MetricOverall, stats.MetricPSNR, stats.MetricSSIM} {
		if s, ok := stats.Summarize(units, metric); ok {
			statistics[metric] = *s
		}
	}

	report := &SingleReport{
		ID:           uuid.New().String(),
		GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
		Job:          *job,
		Reference:    summarizeAsset(ref),
		Distorted:    summarizeAsset(dist),
		Statistics:   statistics,
		ProblemUnits: stats.ProblemUnits(units, stats.MetricOverall, b.problemThreshold, b.problemLimit),
	}
	if job.Scores.Overall != nil {
		report.Grade = Grade(*job.Scores.Overall)
		if eff, ok := stats.Efficiency(*job.Scores.Overall, dist); ok {
			report.Efficiency = &eff
		}
	}
	return report, nil
}

// BuildBatch assembles the comparison report across a batch. Members that
// did not complete appear in the view counts but not in the ranking.
func (b *Builder) BuildBatch(ctx context.Context, batchID string, view *models.BatchView) (*BatchReport, error) {
	ctx, span := tracer.Start(ctx, "build-batch-report")
	defer span.End()
	span.SetAttributes(attribute.String("batch.id", batchID))

	ref, err := b.store.GetAsset(ctx, view.Batch.ReferenceID)
	if err != nil {
		return nil, fmt.Errorf("reference asset: %w", err)
	}
	jobs, err := b.store.ListJobsByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	report := &BatchReport{
		ID:          uuid.New().String(),
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		View:        *view,
		Reference:   summarizeAsset(ref),
	}

	for i := range jobs {
		job := &jobs[i]
		if job.Status != models.StatusCompleted || job.Scores.Overall == nil {
			continue
		}
		dist, err := b.store.GetAsset(ctx, job.DistortedID)
		if err != nil {
			return nil, fmt.Errorf("distorted asset %s: %w", job.DistortedID, err)
		}

		member := MemberReport{
			JobID:       job.ID,
			DistortedID: dist.ID,
			Filename:    dist.OriginalFilename,
			Score:       *job.Scores.Overall,
			Grade:       Grade(*job.Scores.Overall),
		}
		if mbps, ok := dist.BitrateMbps(); ok {
			member.BitrateMbps = &mbps
		}
		if eff, ok := stats.Efficiency(*job.Scores.Overall, dist); ok {
			member.Efficiency = &eff
		}
		report.Members = append(report.Members, member)
	}

	// Ranking order is best quality first; equal scores break toward the
	// lower job id so reruns produce identical reports.
	sort.Slice(report.Members, func(i, j int) bool {
		if report.Members[i].Score != report.Members[j].Score {
			return report.Members[i].Score > report.Members[j].Score
		}
		return report.Members[i].JobID < report.Members[j].JobID
	})

	if len(report.Members) > 0 {
		report.BestQualityJobID = report.Members[0].JobID
		report.BestEfficiencyJobID = bestEfficiency(report.Members)
	}
	return report, nil
}

func bestEfficiency(members []MemberReport) string {
	var best *MemberReport
	for i := range members {
		m := &members[i]
		if m.Efficiency == nil {
			continue
		}
		switch {
		case best == nil,
			*m.Efficiency > *best.Efficiency,
			*m.Efficiency == *best.Efficiency && m.JobID < best.JobID:
			best = m
		}
	}
	if best == nil {
		return ""
	}
	return best.JobID
}

func (b *Builder) allUnits(ctx context.Context, jobID string) ([]models.UnitQuality, error) {
	var all []models.UnitQuality
	for offset := 0; ; offset += unitPageSize {
		page, total, err := b.store.ListUnits(ctx, jobID, offset, unitPageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if offset+len(page) >= total || len(page) == 0 {
			break
		}
	}
	return all, nil
}

func summarizeAsset(a *models.VideoAsset) AssetSummary {
	return AssetSummary{
		ID:               a.ID,
		OriginalFilename: a.OriginalFilename,
		SizeBytes:        a.SizeBytes,
		Metadata:         a.Metadata,
	}
}
