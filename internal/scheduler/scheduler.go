// Package scheduler admits comparison jobs to a bounded set of execution
// slots, runs the external analyzer and streams its per-frame output into the
// record store.
package scheduler

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vqmeter/vqmeter/internal/logger"
	"github.com/vqmeter/vqmeter/internal/metrics"
	"github.com/vqmeter/vqmeter/internal/store"
	"github.com/vqmeter/vqmeter/pkg/models"
)

var tracer = otel.Tracer("vqmeter-scheduler")

// unitFlushSize bounds how many per-frame records buffer before a store write.
const unitFlushSize = 100

// Config holds scheduler dependencies.
type Config struct {
	Slots          int
	CancelGrace    time.Duration
	MaxErrorLength int
	AnalyzerCmd    string
	Store          store.Store
	Logger         *slog.Logger
}

// Scheduler owns the admission queue and the worker goroutines. Jobs are
// admitted strictly in submission order; at most Slots analyzers run at once.
type Scheduler struct {
	slots          int
	cancelGrace    time.Duration
	maxErrorLength int
	analyzerCmd    string
	store          store.Store
	log            *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []string
	queued  map[string]bool
	cancels map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// New creates a Scheduler. Call Start before submitting.
func New(cfg *Config) *Scheduler {
	s := &Scheduler{
		slots:          cfg.Slots,
		cancelGrace:    cfg.CancelGrace,
		maxErrorLength: cfg.MaxErrorLength,
		analyzerCmd:    cfg.AnalyzerCmd,
		store:          cfg.Store,
		log:            cfg.Logger,
		queued:         make(map[string]bool),
		cancels:        make(map[string]context.CancelFunc),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the worker goroutines. They drain the queue until Stop is
// called or the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.log.InfoContext(ctx, "Starting scheduler",
		"slots", s.slots,
		"analyzerCmd", s.analyzerCmd,
	)

	for i := 0; i < s.slots; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()
}

// Stop cancels running jobs, wakes the workers and waits for them to drain.
// Queued jobs stay pending and survive for a later submission.
func (s *Scheduler) Stop() {
	s.shutdown()
	s.wg.Wait()
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	s.closed = true
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Submit places a pending job at the tail of the admission queue.
func (s *Scheduler) Submit(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.StatusPending {
		return fmt.Errorf("%w: job %s is %s", models.ErrJobAlreadySubmitted, jobID, job.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("scheduler is shut down")
	}
	if s.queued[jobID] || s.cancels[jobID] != nil {
		return fmt.Errorf("%w: job %s", models.ErrJobAlreadySubmitted, jobID)
	}

	s.queue = append(s.queue, jobID)
	s.queued[jobID] = true
	metrics.QueuedJobs.Inc()
	s.cond.Signal()

	logger.Debug(ctx, s.log, "Job queued", "jobId", jobID, "queueDepth", len(s.queue))
	return nil
}

// Cancel stops a job. A queued job leaves the queue and goes straight to
// cancelled; a running job gets SIGTERM and the cancellation grace period; a
// terminal job is an invalid transition.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	if s.queued[jobID] {
		s.dequeueLocked(jobID)
		s.mu.Unlock()
		return s.finishJob(ctx, jobID, models.StatusCancelled, "", nil)
	}
	if cancel, running := s.cancels[jobID]; running {
		cancel()
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == models.StatusPending {
		// Created but never submitted.
		return s.finishJob(ctx, jobID, models.StatusCancelled, "", nil)
	}
	return fmt.Errorf("%w: cannot cancel %s job %s", models.ErrInvalidStateTransition, job.Status, jobID)
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		jobID, ok := s.next()
		if !ok {
			return
		}
		s.runJob(ctx, jobID)
	}
}

// next blocks until a job is available or the scheduler shuts down.
func (s *Scheduler) next() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return "", false
	}
	jobID := s.queue[0]
	s.dequeueLocked(jobID)
	return jobID, true
}

func (s *Scheduler) dequeueLocked(jobID string) {
	for i, id := range s.queue {
		if id == jobID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	delete(s.queued, jobID)
	metrics.QueuedJobs.Dec()
}

func (s *Scheduler) runJob(ctx context.Context, jobID string) {
	ctx, span := tracer.Start(ctx, "run-job")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	metrics.RunningJobs.Inc()
	defer metrics.RunningJobs.Dec()
	start := time.Now()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancels[jobID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, jobID)
		s.mu.Unlock()
	}()

	status, errMsg, scores := s.execute(jobCtx, jobID)
	if status == "" {
		// The job reached a terminal state before the slot picked it up.
		return
	}
	if err := s.finishJob(ctx, jobID, status, errMsg, scores); err != nil {
		logger.Error(ctx, s.log, "Failed to record job outcome",
			"jobId", jobID,
			"status", status,
			"error", err,
		)
	}
	metrics.JobDuration.Observe(time.Since(start).Seconds())
}

// execute runs the analyzer for one job and returns the terminal status, an
// optional error message, and summary scores on completion. An empty status
// means the stored job was already terminal and nothing ran. The store sees
// running-state progress updates along the way.
func (s *Scheduler) execute(ctx context.Context, jobID string) (models.JobStatus, string, *models.Scores) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return models.StatusFailed, s.truncate(fmt.Sprintf("failed to load job: %v", err)), nil
	}

	// A cancel can land between dequeue and here. The stored record is then
	// already terminal and must not be dragged back to running.
	if !job.Status.CanTransitionTo(models.StatusRunning) {
		return "", "", nil
	}

	// The job must hold the running state before any failure path, so every
	// failed outcome is a legal transition.
	job.Status = models.StatusRunning
	job.StartedAt = time.Now().UTC().Format(time.RFC3339)
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return models.StatusFailed, s.truncate(fmt.Sprintf("failed to mark job running: %v", err)), nil
	}

	ref, err := s.store.GetAsset(ctx, job.ReferenceID)
	if err != nil {
		return models.StatusFailed, s.truncate(fmt.Sprintf("%v: reference asset %s", models.ErrMissingInput, job.ReferenceID)), nil
	}
	dist, err := s.store.GetAsset(ctx, job.DistortedID)
	if err != nil {
		return models.StatusFailed, s.truncate(fmt.Sprintf("%v: distorted asset %s", models.ErrMissingInput, job.DistortedID)), nil
	}

	job.TotalUnits = ref.Metadata.FrameCount
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return models.StatusFailed, s.truncate(fmt.Sprintf("failed to update job: %v", err)), nil
	}

	logger.Info(ctx, s.log, "Analyzer starting",
		"jobId", jobID,
		"reference", ref.Path,
		"distorted", dist.Path,
		"totalUnits", job.TotalUnits,
	)

	cmd := exec.CommandContext(ctx, s.analyzerCmd, ref.Path, dist.Path)
	// SIGTERM first, SIGKILL after the grace period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = s.cancelGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return models.StatusFailed, s.truncate(fmt.Sprintf("failed to get stdout pipe: %v", err)), nil
	}
	var stderr strings.Builder
	cmd.Stderr = &limitedWriter{w: &stderr, remaining: s.maxErrorLength}

	if err := cmd.Start(); err != nil {
		return models.StatusFailed, s.truncate(fmt.Sprintf("%v: %v", models.ErrAnalyzerFailed, err)), nil
	}

	summary := s.consumeOutput(ctx, job, ref.Metadata.FrameRate, stdout)
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		return models.StatusCancelled, "", nil
	case waitErr != nil:
		msg := fmt.Sprintf("%v: %v", models.ErrAnalyzerFailed, waitErr)
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			msg = fmt.Sprintf("%s: %s", msg, tail)
		}
		return models.StatusFailed, s.truncate(msg), nil
	case summary == nil:
		return models.StatusFailed, s.truncate(models.ErrMissingSummary.Error()), nil
	}

	return models.StatusCompleted, "", summary
}

// consumeOutput parses analyzer stdout line by line, appending per-frame
// records to the store in batches and updating job progress. Returns the
// summary scores, or nil if the stream ended without one.
func (s *Scheduler) consumeOutput(ctx context.Context, job *models.Job, frameRate float64, r io.Reader) *models.Scores {
	var summary *models.Scores
	units := make([]models.UnitQuality, 0, unitFlushSize)

	flush := func() {
		if len(units) == 0 {
			return
		}
		if err := s.store.AppendUnits(ctx, job.ID, units); err != nil {
			logger.Warn(ctx, s.log, "Failed to append quality records",
				"jobId", job.ID,
				"count", len(units),
				"error", err,
			)
		}
		job.CurrentUnit = units[len(units)-1].Index + 1
		if job.TotalUnits > 0 {
			job.Progress = min(99, 100*float64(job.CurrentUnit)/float64(job.TotalUnits))
		}
		if err := s.store.UpdateJob(ctx, job); err != nil {
			logger.Warn(ctx, s.log, "Failed to update job progress", "jobId", job.ID, "error", err)
		}
		units = units[:0]
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		unit, lineSummary, ok := parseLine(scanner.Text())
		if !ok {
			metrics.UnitParseErrors.Inc()
			continue
		}
		if lineSummary != nil {
			summary = lineSummary
			continue
		}

		overall := unit.Overall
		record := models.UnitQuality{
			JobID:   job.ID,
			Index:   unit.Index,
			Overall: &overall,
			PSNR:    unit.PSNR,
			SSIM:    unit.SSIM,
		}
		if frameRate > 0 {
			record.Timestamp = float64(unit.Index) / frameRate
		}
		units = append(units, record)
		metrics.UnitsParsed.Inc()

		if len(units) >= unitFlushSize {
			flush()
		}
	}
	flush()
	return summary
}

// finishJob moves a job to a terminal state, enforcing the legal transitions.
// The fresh record is re-fetched so summary scores land on what gets stored,
// not on a stale copy.
func (s *Scheduler) finishJob(ctx context.Context, jobID string, status models.JobStatus, errMsg string, scores *models.Scores) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.CanTransitionTo(status) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidStateTransition, job.Status, status)
	}

	job.Status = status
	job.Error = errMsg
	job.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	if status == models.StatusCompleted {
		job.Progress = 100
		job.CurrentUnit = job.TotalUnits
		if scores != nil {
			job.Scores = *scores
		}
	}
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}

	metrics.JobsFinished.WithLabelValues(string(status)).Inc()
	logger.Info(ctx, s.log, "Job finished",
		"jobId", jobID,
		"status", status,
		"error", errMsg,
	)
	return nil
}

func (s *Scheduler) truncate(msg string) string {
	if s.maxErrorLength > 0 && len(msg) > s.maxErrorLength {
		return msg[:s.maxErrorLength]
	}
	return msg
}

// limitedWriter keeps the first N bytes and drops the rest, so a noisy
// analyzer cannot balloon the stored error message.
type limitedWriter struct {
	w         *strings.Builder
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.remaining > 0 {
		keep := p
		if len(keep) > lw.remaining {
			keep = keep[:lw.remaining]
		}
		lw.w.Write(keep)
		lw.remaining -= len(keep)
	}
	return n, nil
}
