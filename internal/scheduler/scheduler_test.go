package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vqmeter/vqmeter/internal/logger"
	"github.com/vqmeter/vqmeter/internal/store"
	"github.com/vqmeter/vqmeter/pkg/models"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name        string
		line        string
		wantOK      bool
		wantSummary bool
		wantIndex   int
		wantOverall float64
		wantPSNR    *float64
	}{
		{
			name:        "frame with all metrics",
			line:        "frame=42 vmaf=97.31 psnr=41.20 ssim=0.982",
			wantOK:      true,
			wantIndex:   42,
			wantOverall: 97.31,
			wantPSNR:    ptr(41.20),
		},
		{
			name:        "frame with primary metric only",
			line:        "frame=0 vmaf=88.5",
			wantOK:      true,
			wantIndex:   0,
			wantOverall: 88.5,
		},
		{
			name:        "summary line",
			line:        "overall vmaf=95.2 psnr=40.8",
			wantOK:      true,
			wantSummary: true,
			wantOverall: 95.2,
		},
		{name: "garbage", line: "initializing model v3", wantOK: false},
		{name: "empty", line: "", wantOK: false},
		{name: "negative frame", line: "frame=-1 vmaf=50", wantOK: false},
		{name: "malformed value", line: "frame=3 vmaf=abc", wantOK: false},
		{name: "frame without score", line: "frame=3 ssim=0.9", wantOK: false},
		{name: "summary without score", line: "overall psnr=40", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unit, summary, ok := parseLine(tt.line)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if tt.wantSummary {
				if summary == nil || *summary.Overall != tt.wantOverall {
					t.Fatalf("summary = %+v, want overall %v", summary, tt.wantOverall)
				}
				return
			}
			if unit == nil {
				t.Fatal("expected a unit sample")
			}
			if unit.Index != tt.wantIndex || unit.Overall != tt.wantOverall {
				t.Errorf("unit = %+v, want index %d overall %v", unit, tt.wantIndex, tt.wantOverall)
			}
			if tt.wantPSNR != nil && (unit.PSNR == nil || *unit.PSNR != *tt.wantPSNR) {
				t.Errorf("psnr = %v, want %v", unit.PSNR, *tt.wantPSNR)
			}
		})
	}
}

func ptr(f float64) *float64 { return &f }

// newTestScheduler wires a scheduler against the in-memory store with the
// given analyzer script body.
func newTestScheduler(t *testing.T, slots int, scriptBody string) (*Scheduler, *store.Memory, context.CancelFunc) {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "analyzer")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"+scriptBody+"\n"), 0o755); err != nil {
		t.Fatalf("failed to write analyzer script: %v", err)
	}

	mem := store.NewMemory()
	s := New(&Config{
		Slots:          slots,
		CancelGrace:    2 * time.Second,
		MaxErrorLength: 256,
		AnalyzerCmd:    script,
		Store:          mem,
		Logger:         logger.New(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})
	return s, mem, cancel
}

func seedJob(t *testing.T, mem *store.Memory, id string, frameCount int) *models.Job {
	t.Helper()
	ctx := context.Background()
	for _, a := range []struct {
		id   string
		role models.AssetRole
	}{
		{id + "-ref", models.RoleReference},
		{id + "-dist", models.RoleDistorted},
	} {
		asset := &models.VideoAsset{
			ID:   a.id,
			Path: "/tmp/" + a.id + ".mp4",
			Role: a.role,
			Metadata: models.VideoMetadata{
				FrameCount: frameCount,
				FrameRate:  30,
				Bitrate:    5_000_000,
			},
		}
		if err := mem.CreateAsset(ctx, asset); err != nil {
			t.Fatalf("failed to seed asset: %v", err)
		}
	}

	job := &models.Job{
		ID:          id,
		ReferenceID: id + "-ref",
		DistortedID: id + "-dist",
		Status:      models.StatusPending,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	if err := mem.CreateJob(ctx, job); err != nil {
		t.Fatalf("failed to seed job: %v", err)
	}
	return job
}

func waitForStatus(t *testing.T, mem *store.Memory, jobID string, want models.JobStatus) *models.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := mem.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if job.Status == want {
			return job
		}
		if job.Status.IsTerminal() {
			t.Fatalf("job reached %s, want %s (error: %s)", job.Status, want, job.Error)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", jobID, want)
	return nil
}

func TestJobCompletes(t *testing.T) {
	script := `
echo "frame=0 vmaf=90.0 psnr=40.0 ssim=0.98"
echo "frame=1 vmaf=92.5 psnr=41.0 ssim=0.99"
echo "noise line to be skipped"
echo "frame=2 vmaf=95.0"
echo "overall vmaf=92.5 psnr=40.5 ssim=0.985"`
	s, mem, _ := newTestScheduler(t, 1, script)
	seedJob(t, mem, "job1", 3)

	if err := s.Submit(context.Background(), "job1"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	job := waitForStatus(t, mem, "job1", models.StatusCompleted)
	if job.Scores.Overall == nil || *job.Scores.Overall != 92.5 {
		t.Errorf("overall = %v, want 92.5", job.Scores.Overall)
	}
	if job.Scores.SSIM == nil || *job.Scores.SSIM != 0.985 {
		t.Errorf("ssim = %v, want 0.985", job.Scores.SSIM)
	}
	if job.Progress != 100 || job.CurrentUnit != 3 {
		t.Errorf("progress = %v currentUnit = %d, want 100/3", job.Progress, job.CurrentUnit)
	}
	if job.StartedAt == "" || job.CompletedAt == "" {
		t.Error("missing startedAt/completedAt timestamps")
	}

	units, total, err := mem.ListUnits(context.Background(), "job1", 0, 10)
	if err != nil {
		t.Fatalf("ListUnits failed: %v", err)
	}
	if total != 3 {
		t.Fatalf("unit total = %d, want 3", total)
	}
	if units[1].Index != 1 || *units[1].Overall != 92.5 {
		t.Errorf("unit[1] = %+v", units[1])
	}
	// Timestamp derives from the reference frame rate.
	if units[2].Timestamp != 2.0/30.0 {
		t.Errorf("unit[2].Timestamp = %v, want %v", units[2].Timestamp, 2.0/30.0)
	}
	// Secondary metrics stay nil when the analyzer omits them.
	if units[2].PSNR != nil {
		t.Errorf("unit[2].PSNR = %v, want nil", *units[2].PSNR)
	}
}

func TestJobFailsWithoutSummary(t *testing.T) {
	s, mem, _ := newTestScheduler(t, 1, `echo "frame=0 vmaf=90.0"`)
	seedJob(t, mem, "job1", 1)

	if err := s.Submit(context.Background(), "job1"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	job := waitForStatus(t, mem, "job1", models.StatusFailed)
	if !strings.Contains(job.Error, "summary") {
		t.Errorf("error = %q, want mention of missing summary", job.Error)
	}
}

func TestJobFailsOnNonZeroExit(t *testing.T) {
	s, mem, _ := newTestScheduler(t, 1, `echo "model load error" >&2; exit 3`)
	seedJob(t, mem, "job1", 1)

	if err := s.Submit(context.Background(), "job1"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	job := waitForStatus(t, mem, "job1", models.StatusFailed)
	if !strings.Contains(job.Error, "model load error") {
		t.Errorf("error = %q, want stderr content", job.Error)
	}
}

func TestErrorMessageTruncated(t *testing.T) {
	script := `i=0; while [ $i -lt 200 ]; do echo "stderr spam line $i" >&2; i=$((i+1)); done; exit 1`
	s, mem, _ := newTestScheduler(t, 1, script)
	seedJob(t, mem, "job1", 1)

	if err := s.Submit(context.Background(), "job1"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	job := waitForStatus(t, mem, "job1", models.StatusFailed)
	if len(job.Error) > 256 {
		t.Errorf("error message length = %d, want <= 256", len(job.Error))
	}
}

func TestJobFailsOnMissingAsset(t *testing.T) {
	s, mem, _ := newTestScheduler(t, 1, `echo "overall vmaf=90"`)
	job := &models.Job{
		ID:          "orphan",
		ReferenceID: "no-such-ref",
		DistortedID: "no-such-dist",
		Status:      models.StatusPending,
	}
	if err := mem.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("failed to seed job: %v", err)
	}

	if err := s.Submit(context.Background(), "orphan"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	got := waitForStatus(t, mem, "orphan", models.StatusFailed)
	if !strings.Contains(got.Error, "no-such-ref") {
		t.Errorf("error = %q, want missing asset id", got.Error)
	}
}

func TestSubmitUnknownJob(t *testing.T) {
	s, _, _ := newTestScheduler(t, 1, `exit 0`)
	if err := s.Submit(context.Background(), "ghost"); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("got %v, want ErrJobNotFound", err)
	}
}

func TestResubmitRejected(t *testing.T) {
	// The analyzer blocks until released, keeping the job running.
	s, mem, _ := newTestScheduler(t, 1, `while [ ! -f "$0.release" ]; do sleep 0.05; done; echo "overall vmaf=90"`)
	seedJob(t, mem, "job1", 1)
	ctx := context.Background()

	if err := s.Submit(ctx, "job1"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitForStatus(t, mem, "job1", models.StatusRunning)

	if err := s.Submit(ctx, "job1"); !errors.Is(err, models.ErrJobAlreadySubmitted) {
		t.Errorf("resubmit while running: got %v, want ErrJobAlreadySubmitted", err)
	}

	if err := os.WriteFile(s.analyzerCmd+".release", nil, 0o644); err != nil {
		t.Fatalf("failed to release analyzer: %v", err)
	}
	waitForStatus(t, mem, "job1", models.StatusCompleted)

	if err := s.Submit(ctx, "job1"); !errors.Is(err, models.ErrJobAlreadySubmitted) {
		t.Errorf("resubmit after completion: got %v, want ErrJobAlreadySubmitted", err)
	}
}

func TestSlotCapAndFIFO(t *testing.T) {
	// Each analyzer records its start, then blocks until released.
	script := `echo "$2" >> "$0.started"
while [ ! -f "$0.release" ]; do sleep 0.05; done
echo "overall vmaf=90"`
	s, mem, _ := newTestScheduler(t, 2, script)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		seedJob(t, mem, fmt.Sprintf("job%d", i), 1)
		if err := s.Submit(ctx, fmt.Sprintf("job%d", i)); err != nil {
			t.Fatalf("Submit job%d failed: %v", i, err)
		}
	}

	waitForStatus(t, mem, "job1", models.StatusRunning)
	waitForStatus(t, mem, "job2", models.StatusRunning)

	// The third job waits for a free slot.
	time.Sleep(200 * time.Millisecond)
	job3, err := mem.GetJob(ctx, "job3")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job3.Status != models.StatusPending {
		t.Errorf("job3 status = %s, want pending while slots are full", job3.Status)
	}

	started, err := os.ReadFile(s.analyzerCmd + ".started")
	if err != nil {
		t.Fatalf("failed to read start log: %v", err)
	}
	if lines := strings.Fields(string(started)); len(lines) != 2 {
		t.Errorf("started analyzers = %d, want 2", len(lines))
	}

	if err := os.WriteFile(s.analyzerCmd+".release", nil, 0o644); err != nil {
		t.Fatalf("failed to release analyzers: %v", err)
	}
	for i := 1; i <= 3; i++ {
		waitForStatus(t, mem, fmt.Sprintf("job%d", i), models.StatusCompleted)
	}

	// Admission preserved submission order: job3 started last.
	started, err = os.ReadFile(s.analyzerCmd + ".started")
	if err != nil {
		t.Fatalf("failed to read start log: %v", err)
	}
	lines := strings.Fields(string(started))
	if len(lines) != 3 || !strings.Contains(lines[2], "job3") {
		t.Errorf("start order = %v, want job3 last", lines)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	// One slot, held busy so the second job stays queued.
	s, mem, _ := newTestScheduler(t, 1, `while [ ! -f "$0.release" ]; do sleep 0.05; done; echo "overall vmaf=90"`)
	ctx := context.Background()

	seedJob(t, mem, "busy", 1)
	seedJob(t, mem, "queued", 1)
	if err := s.Submit(ctx, "busy"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitForStatus(t, mem, "busy", models.StatusRunning)
	if err := s.Submit(ctx, "queued"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if err := s.Cancel(ctx, "queued"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	job, err := mem.GetJob(ctx, "queued")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != models.StatusCancelled {
		t.Errorf("status = %s, want cancelled", job.Status)
	}

	if err := os.WriteFile(s.analyzerCmd+".release", nil, 0o644); err != nil {
		t.Fatalf("failed to release analyzer: %v", err)
	}
	waitForStatus(t, mem, "busy", models.StatusCompleted)
}

func TestCancelRunningJob(t *testing.T) {
	// The analyzer exits promptly on SIGTERM.
	s, mem, _ := newTestScheduler(t, 1, `trap 'exit 0' TERM
i=0; while [ $i -lt 600 ]; do echo "frame=$i vmaf=90"; sleep 0.05; i=$((i+1)); done`)
	ctx := context.Background()

	seedJob(t, mem, "job1", 600)
	if err := s.Submit(ctx, "job1"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitForStatus(t, mem, "job1", models.StatusRunning)

	if err := s.Cancel(ctx, "job1"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	job := waitForStatus(t, mem, "job1", models.StatusCancelled)
	if job.Error != "" {
		t.Errorf("cancelled job carries error %q", job.Error)
	}
	if job.CompletedAt == "" {
		t.Error("cancelled job missing completedAt")
	}
}

func TestCancelTerminalJob(t *testing.T) {
	s, mem, _ := newTestScheduler(t, 1, `echo "overall vmaf=90"`)
	ctx := context.Background()

	seedJob(t, mem, "job1", 1)
	if err := s.Submit(ctx, "job1"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitForStatus(t, mem, "job1", models.StatusCompleted)

	if err := s.Cancel(ctx, "job1"); !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Errorf("got %v, want ErrInvalidStateTransition", err)
	}
}

func TestCancelNeverSubmittedJob(t *testing.T) {
	s, mem, _ := newTestScheduler(t, 1, `exit 0`)
	ctx := context.Background()

	seedJob(t, mem, "idle", 1)
	if err := s.Cancel(ctx, "idle"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	job, err := mem.GetJob(ctx, "idle")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != models.StatusCancelled {
		t.Errorf("status = %s, want cancelled", job.Status)
	}
}

func TestCancelledBeforeSlotPickupStaysCancelled(t *testing.T) {
	// A cancel can land in the window between dequeue and the analyzer
	// starting. The job is then stored as cancelled and execute must not
	// drag it back to running.
	s, mem, _ := newTestScheduler(t, 1, `echo "overall vmaf=90"`)
	ctx := context.Background()

	job := seedJob(t, mem, "raced", 1)
	job.Status = models.StatusCancelled
	job.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	if err := mem.UpdateJob(ctx, job); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}

	status, errMsg, scores := s.execute(ctx, "raced")
	if status != "" || errMsg != "" || scores != nil {
		t.Errorf("execute = (%q, %q, %v), want no outcome for a terminal job", status, errMsg, scores)
	}

	got, err := mem.GetJob(ctx, "raced")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != models.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if got.StartedAt != "" {
		t.Errorf("startedAt = %q, want empty", got.StartedAt)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	s, _, _ := newTestScheduler(t, 1, `exit 0`)
	if err := s.Cancel(context.Background(), "ghost"); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("got %v, want ErrJobNotFound", err)
	}
}
