package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vqmeter/vqmeter/internal/archive"
	"github.com/vqmeter/vqmeter/internal/batch"
	"github.com/vqmeter/vqmeter/internal/config"
	"github.com/vqmeter/vqmeter/internal/report"
	"github.com/vqmeter/vqmeter/internal/stats"
	"github.com/vqmeter/vqmeter/internal/store"
	"github.com/vqmeter/vqmeter/internal/upload"
	"github.com/vqmeter/vqmeter/pkg/models"
)

var tracer = otel.Tracer("vqmeter-api")

// Configuration constants
const (
	MaxFilenameLength  = 255
	MaxRequestBodySize = 1 << 20 // 1 MB, JSON bodies only
	DefaultPageLimit   = 50
	MaxPageLimit       = 500
	DefaultThreshold   = 80.0
	DefaultProblemCap  = 20
)

// JobScheduler is the slice of the scheduler the handlers need.
type JobScheduler interface {
	Submit(ctx context.Context, jobID string) error
	Cancel(ctx context.Context, jobID string) error
}

// Handlers contains all HTTP handlers for the API.
type Handlers struct {
	cfg       *config.Config
	log       *slog.Logger
	store     store.Store
	assembler *upload.Assembler
	scheduler JobScheduler
	batches   *batch.Coordinator
	reports   *report.Builder
	archiver  *archive.Archiver // nil when the S3 archive is disabled
	renderer  *report.Renderer  // nil when the render queue is disabled
}

// HandlersConfig holds dependencies for handlers.
type HandlersConfig struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     store.Store
	Assembler *upload.Assembler
	Scheduler JobScheduler
	Batches   *batch.Coordinator
	Reports   *report.Builder
	Archiver  *archive.Archiver
	Renderer  *report.Renderer
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg *HandlersConfig) *Handlers {
	return &Handlers{
		cfg:       cfg.Config,
		log:       cfg.Logger,
		store:     cfg.Store,
		assembler: cfg.Assembler,
		scheduler: cfg.Scheduler,
		batches:   cfg.Batches,
		reports:   cfg.Reports,
		archiver:  cfg.Archiver,
		renderer:  cfg.Renderer,
	}
}

// writeJSON writes a JSON response.
func (h *Handlers) writeJSON(ctx context.Context, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.ErrorContext(ctx, "Failed to encode JSON response", "error", err)
	}
}

// writeError writes an error response.
func (h *Handlers) writeError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	h.writeJSON(ctx, w, status, map[string]string{"error": message})
}

// writeDomainError maps a domain error onto its HTTP status.
func (h *Handlers) writeDomainError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		h.log.ErrorContext(ctx, "Request failed", "error", err)
		h.writeError(ctx, w, status, "Internal server error")
		return
	}
	h.writeError(ctx, w, status, err.Error())
}

// statusForError maps domain sentinels to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrAssetNotFound),
		errors.Is(err, models.ErrJobNotFound),
		errors.Is(err, models.ErrBatchNotFound),
		errors.Is(err, models.ErrSessionNotFound),
		errors.Is(err, models.ErrReportNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrSessionExpired):
		return http.StatusGone
	case errors.Is(err, models.ErrConflictingUploadMetadata),
		errors.Is(err, models.ErrUploadAlreadyFinalized),
		errors.Is(err, models.ErrJobAlreadySubmitted),
		errors.Is(err, models.ErrInvalidStateTransition),
		errors.Is(err, models.ErrJobNotCompleted):
		return http.StatusConflict
	case errors.Is(err, models.ErrChunkIndexOutOfRange),
		errors.Is(err, models.ErrIncompleteUpload),
		errors.Is(err, models.ErrUploadSizeMismatch),
		errors.Is(err, models.ErrEmptyBatch),
		errors.Is(err, models.ErrTooManyBatchMembers),
		errors.Is(err, models.ErrInvalidRole),
		errors.Is(err, models.ErrInvalidFileType):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrProbeFailed),
		errors.Is(err, models.ErrNoVideoStream):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// limitRequestBody wraps the request body with a size limit.
func (h *Handlers) limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
}

func (h *Handlers) decodeJSON(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any) bool {
	h.limitRequestBody(w, r)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.writeError(ctx, w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		h.writeError(ctx, w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// pageParams reads offset/limit query parameters with sane bounds.
func pageParams(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return offset, limit
}

func validateFilename(cfg *config.Config, filename string) error {
	if filename == "" {
		return errors.New("filename is required")
	}
	if len(filename) > MaxFilenameLength {
		return errors.New("filename too long")
	}
	if !cfg.AllowedExtension(filename) {
		return fmt.Errorf("%w: allowed extensions are %s",
			models.ErrInvalidFileType, strings.Join(cfg.Upload.AllowedExtensions, ", "))
	}
	return nil
}

// UploadChunkResponse is returned after each accepted chunk.
type UploadChunkResponse struct {
	SessionKey string               `json:"sessionKey"`
	Status     upload.SessionStatus `json:"status"`
}

// UploadChunkHandler accepts one multipart chunk of a large upload.
func (h *Handlers) UploadChunkHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload-chunk-handler")
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.Upload.MaxFileSize)
	file, _, err := r.FormFile("chunk")
	if err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, "chunk file is required")
		return
	}
	defer file.Close()

	filename := r.FormValue("filename")
	if err := validateFilename(h.cfg, filename); err != nil {
		span.RecordError(err)
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	chunkIndex, err := strconv.Atoi(r.FormValue("chunkIndex"))
	if err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, "chunkIndex must be an integer")
		return
	}
	totalChunks, err := strconv.Atoi(r.FormValue("totalChunks"))
	if err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, "totalChunks must be an integer")
		return
	}
	totalSize, err := strconv.ParseInt(r.FormValue("totalSize"), 10, 64)
	if err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, "totalSize must be an integer")
		return
	}
	if totalSize > h.cfg.Upload.MaxFileSize {
		h.writeError(ctx, w, http.StatusRequestEntityTooLarge, "declared size exceeds the upload limit")
		return
	}

	key := upload.SessionKey(filename, totalSize)
	span.SetAttributes(
		attribute.String("upload.session", key),
		attribute.Int("upload.chunk_index", chunkIndex),
	)

	status, err := h.assembler.ReceiveChunk(ctx, key, chunkIndex, totalChunks, totalSize, file)
	if err != nil {
		span.RecordError(err)
		h.writeDomainError(ctx, w, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, UploadChunkResponse{SessionKey: key, Status: *status})
}

// CompleteUploadRequest finalizes a chunked upload session.
type CompleteUploadRequest struct {
	SessionKey       string           `json:"sessionKey"`
	OriginalFilename string           `json:"originalFilename"`
	Role             models.AssetRole `json:"role"`
}

// CompleteUploadHandler assembles a finished session into a video asset.
func (h *Handlers) CompleteUploadHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "complete-upload-handler")
	defer span.End()

	var req CompleteUploadRequest
	if !h.decodeJSON(ctx, w, r, &req) {
		return
	}
	if req.SessionKey == "" {
		h.writeError(ctx, w, http.StatusBadRequest, "sessionKey is required")
		return
	}
	if err := validateFilename(h.cfg, req.OriginalFilename); err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	span.SetAttributes(attribute.String("upload.session", req.SessionKey))

	asset, err := h.assembler.Finalize(ctx, req.SessionKey, req.OriginalFilename, req.Role)
	if err != nil {
		span.RecordError(err)
		h.writeDomainError(ctx, w, err)
		return
	}

	h.archiveAsset(ctx, asset)
	h.writeJSON(ctx, w, http.StatusCreated, asset)
}

// UploadProgressHandler reports the state of an in-flight session.
func (h *Handlers) UploadProgressHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status, err := h.assembler.Status(r.PathValue("key"))
	if err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, status)
}

// SimpleUploadHandler ingests a whole file from a single multipart request.
func (h *Handlers) SimpleUploadHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "simple-upload-handler")
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.Upload.MaxFileSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	if err := validateFilename(h.cfg, header.Filename); err != nil {
		span.RecordError(err)
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}
	role := models.AssetRole(r.FormValue("role"))

	asset, err := h.assembler.IngestFile(ctx, file, header.Filename, role)
	if err != nil {
		span.RecordError(err)
		h.writeDomainError(ctx, w, err)
		return
	}

	h.archiveAsset(ctx, asset)
	h.writeJSON(ctx, w, http.StatusCreated, asset)
}

// archiveAsset copies a finalized asset to the archive bucket. Archive
// failures never fail the upload.
func (h *Handlers) archiveAsset(ctx context.Context, asset *models.VideoAsset) {
	if h.archiver == nil {
		return
	}
	if err := h.archiver.ArchiveAsset(ctx, asset); err != nil {
		h.log.WarnContext(ctx, "Asset archive failed", "assetId", asset.ID, "error", err)
	}
}

// ListVideosResponse pages the stored assets, newest first.
type ListVideosResponse struct {
	Videos []models.VideoAsset `json:"videos"`
	Total  int                 `json:"total"`
	Offset int                 `json:"offset"`
	Limit  int                 `json:"limit"`
}

// ListVideosHandler returns a page of assets.
func (h *Handlers) ListVideosHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	offset, limit := pageParams(r)

	videos, total, err := h.store.ListAssets(ctx, offset, limit)
	if err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}
	if videos == nil {
		videos = []models.VideoAsset{}
	}
	h.writeJSON(ctx, w, http.StatusOK, ListVideosResponse{
		Videos: videos,
		Total:  total,
		Offset: offset,
		Limit:  limit,
	})
}

// GetVideoHandler returns one asset by id.
func (h *Handlers) GetVideoHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	asset, err := h.store.GetAsset(ctx, r.PathValue("id"))
	if err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, asset)
}

// CreateJobRequest creates one comparison job.
type CreateJobRequest struct {
	ReferenceID string `json:"referenceId"`
	DistortedID string `json:"distortedId"`
	AutoStart   bool   `json:"autoStart"`
}

// CreateJobHandler creates a pending job, optionally submitting it right away.
func (h *Handlers) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "create-job-handler")
	defer span.End()

	var req CreateJobRequest
	if !h.decodeJSON(ctx, w, r, &req) {
		return
	}
	if req.ReferenceID == "" || req.DistortedID == "" {
		h.writeError(ctx, w, http.StatusBadRequest, "referenceId and distortedId are required")
		return
	}

	ref, err := h.store.GetAsset(ctx, req.ReferenceID)
	if err != nil {
		h.writeDomainError(ctx, w, fmt.Errorf("reference asset: %w", err))
		return
	}
	if ref.Role != models.RoleReference {
		h.writeDomainError(ctx, w, fmt.Errorf("%w: asset %s is %s", models.ErrInvalidRole, ref.ID, ref.Role))
		return
	}
	if _, err := h.store.GetAsset(ctx, req.DistortedID); err != nil {
		h.writeDomainError(ctx, w, fmt.Errorf("distorted asset: %w", err))
		return
	}

	job := &models.Job{
		ID:          uuid.New().String(),
		ReferenceID: req.ReferenceID,
		DistortedID: req.DistortedID,
		Status:      models.StatusPending,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	span.SetAttributes(attribute.String("job.id", job.ID))

	if err := h.store.CreateJob(ctx, job); err != nil {
		span.RecordError(err)
		h.writeDomainError(ctx, w, err)
		return
	}

	if req.AutoStart {
		if err := h.scheduler.Submit(ctx, job.ID); err != nil {
			span.RecordError(err)
			h.writeDomainError(ctx, w, err)
			return
		}
	}

	h.log.InfoContext(ctx, "Job created",
		"jobId", job.ID,
		"referenceId", req.ReferenceID,
		"distortedId", req.DistortedID,
		"autoStart", req.AutoStart,
	)
	h.writeJSON(ctx, w, http.StatusCreated, job)
}

// StartJobHandler submits a pending job for execution.
func (h *Handlers) StartJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "start-job-handler",
		trace.WithAttributes(attribute.String("job.id", r.PathValue("id"))))
	defer span.End()

	if err := h.scheduler.Submit(ctx, r.PathValue("id")); err != nil {
		span.RecordError(err)
		h.writeDomainError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// CancelJobHandler cancels a queued or running job.
func (h *Handlers) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "cancel-job-handler",
		trace.WithAttributes(attribute.String("job.id", r.PathValue("id"))))
	defer span.End()

	if err := h.scheduler.Cancel(ctx, r.PathValue("id")); err != nil {
		span.RecordError(err)
		h.writeDomainError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// GetJobHandler returns one job by id.
func (h *Handlers) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	job, err := h.store.GetJob(ctx, r.PathValue("id"))
	if err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, job)
}

// ListJobsResponse pages the stored jobs, newest first.
type ListJobsResponse struct {
	Jobs   []models.Job `json:"jobs"`
	Total  int          `json:"total"`
	Offset int          `json:"offset"`
	Limit  int          `json:"limit"`
}

// ListJobsHandler returns a page of jobs.
func (h *Handlers) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	offset, limit := pageParams(r)

	jobs, total, err := h.store.ListJobs(ctx, offset, limit)
	if err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	h.writeJSON(ctx, w, http.StatusOK, ListJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Offset: offset,
		Limit:  limit,
	})
}

// ListUnitsResponse pages a job's per-frame records in index order.
type ListUnitsResponse struct {
	Units  []models.UnitQuality `json:"units"`
	Total  int                  `json:"total"`
	Offset int                  `json:"offset"`
	Limit  int                  `json:"limit"`
}

// ListUnitsHandler returns a page of per-frame quality records.
func (h *Handlers) ListUnitsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := r.PathValue("id")

	if _, err := h.store.GetJob(ctx, jobID); err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}

	offset, limit := pageParams(r)
	units, total, err := h.store.ListUnits(ctx, jobID, offset, limit)
	if err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}
	if units == nil {
		units = []models.UnitQuality{}
	}
	h.writeJSON(ctx, w, http.StatusOK, ListUnitsResponse{
		Units:  units,
		Total:  total,
		Offset: offset,
		Limit:  limit,
	})
}

// JobStatisticsResponse carries the per-metric distributions of a job.
type JobStatisticsResponse struct {
	JobID      string                         `json:"jobId"`
	Statistics map[stats.Metric]stats.Summary `json:"statistics"`
}

// JobStatisticsHandler computes summary statistics over a job's records.
func (h *Handlers) JobStatisticsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "job-statistics-handler")
	defer span.End()
	jobID := r.PathValue("id")

	if _, err := h.store.GetJob(ctx, jobID); err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}

	units, err := h.allUnits(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		h.writeDomainError(ctx, w, err)
		return
	}

	statistics := make(map[stats.Metric]stats.Summary)
	for _, metric := range []stats.Metric{stats.MetricOverall, stats.MetricPSNR, stats.MetricSSIM} {
		if s, ok := stats.Summarize(units, metric); ok {
			statistics[metric] = *s
		}
	}
	h.writeJSON(ctx, w, http.StatusOK, JobStatisticsResponse{JobID: jobID, Statistics: statistics})
}

// ProblemUnitsResponse lists sub-threshold records, worst first.
type ProblemUnitsResponse struct {
	JobID     string              `json:"jobId"`
	Metric    stats.Metric        `json:"metric"`
	Threshold float64             `json:"threshold"`
	Units     []stats.ProblemUnit `json:"units"`
}

// ProblemUnitsHandler returns the worst records below a score threshold.
func (h *Handlers) ProblemUnitsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := r.PathValue("id")

	if _, err := h.store.GetJob(ctx, jobID); err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}

	metric := stats.MetricOverall
	if m := r.URL.Query().Get("metric"); m != "" {
		metric = stats.Metric(m)
		if !metric.IsValid() {
			h.writeError(ctx, w, http.StatusBadRequest, "metric must be one of overall, psnr, ssim")
			return
		}
	}

	threshold := DefaultThreshold
	if t := r.URL.Query().Get("threshold"); t != "" {
		parsed, err := strconv.ParseFloat(t, 64)
		if err != nil {
			h.writeError(ctx, w, http.StatusBadRequest, "threshold must be a number")
			return
		}
		threshold = parsed
	}

	limit := DefaultProblemCap
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			h.writeError(ctx, w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	units, err := h.allUnits(ctx, jobID)
	if err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}

	problems := stats.ProblemUnits(units, metric, threshold, limit)
	if problems == nil {
		problems = []stats.ProblemUnit{}
	}
	h.writeJSON(ctx, w, http.StatusOK, ProblemUnitsResponse{
		JobID:     jobID,
		Metric:    metric,
		Threshold: threshold,
		Units:     problems,
	})
}

// ReportResponse wraps a built report with its delivery state.
type ReportResponse struct {
	Report       any    `json:"report"`
	ArchiveKey   string `json:"archiveKey,omitempty"`
	RenderQueued bool   `json:"renderQueued"`
}

// JobReportHandler builds the report for one completed job and, when the
// archive and render queue are configured, hands it to the renderer.
func (h *Handlers) JobReportHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "job-report-handler",
		trace.WithAttributes(attribute.String("job.id", r.PathValue("id"))))
	defer span.End()

	built, err := h.reports.BuildSingle(ctx, r.PathValue("id"))
	if err != nil {
		span.RecordError(err)
		h.writeDomainError(ctx, w, err)
		return
	}

	resp := h.deliverReport(ctx, built.ID, report.KindSingle, built)
	h.writeJSON(ctx, w, http.StatusOK, resp)
}

// BatchReportHandler builds the comparison report across a batch.
func (h *Handlers) BatchReportHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "batch-report-handler",
		trace.WithAttributes(attribute.String("batch.id", r.PathValue("id"))))
	defer span.End()

	batchID := r.PathValue("id")
	view, err := h.batches.Status(ctx, batchID)
	if err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}

	built, err := h.reports.BuildBatch(ctx, batchID, view)
	if err != nil {
		span.RecordError(err)
		h.writeDomainError(ctx, w, err)
		return
	}

	resp := h.deliverReport(ctx, built.ID, report.KindBatch, built)
	h.writeJSON(ctx, w, http.StatusOK, resp)
}

// deliverReport archives a built report and queues the render job. Delivery
// is best effort; the built report always reaches the caller.
func (h *Handlers) deliverReport(ctx context.Context, reportID, kind string, built any) ReportResponse {
	resp := ReportResponse{Report: built}
	if h.archiver == nil || h.renderer == nil {
		return resp
	}

	payload, err := json.Marshal(built)
	if err != nil {
		h.log.ErrorContext(ctx, "Failed to marshal report", "reportId", reportID, "error", err)
		return resp
	}
	key, err := h.archiver.ArchiveReport(ctx, reportID, payload)
	if err != nil {
		h.log.WarnContext(ctx, "Report archive failed", "reportId", reportID, "error", err)
		return resp
	}
	resp.ArchiveKey = key

	if err := h.renderer.QueueRender(ctx, report.RenderJob{
		ReportID:   reportID,
		Kind:       kind,
		ArchiveKey: key,
	}); err != nil {
		h.log.WarnContext(ctx, "Render handoff failed", "reportId", reportID, "error", err)
		return resp
	}
	resp.RenderQueued = true
	return resp
}

// CreateBatchRequest creates one job per distorted asset.
type CreateBatchRequest struct {
	ReferenceID  string   `json:"referenceId"`
	DistortedIDs []string `json:"distortedIds"`
}

// CreateBatchHandler creates a batch and submits all member jobs.
func (h *Handlers) CreateBatchHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "create-batch-handler")
	defer span.End()

	var req CreateBatchRequest
	if !h.decodeJSON(ctx, w, r, &req) {
		return
	}
	if req.ReferenceID == "" {
		h.writeError(ctx, w, http.StatusBadRequest, "referenceId is required")
		return
	}

	created, err := h.batches.Create(ctx, req.ReferenceID, req.DistortedIDs)
	if err != nil {
		span.RecordError(err)
		h.writeDomainError(ctx, w, err)
		return
	}

	span.SetAttributes(attribute.String("batch.id", created.ID))
	h.writeJSON(ctx, w, http.StatusCreated, created)
}

// BatchStatusHandler returns the derived view of a batch.
func (h *Handlers) BatchStatusHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	view, err := h.batches.Status(ctx, r.PathValue("id"))
	if err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, view)
}

// allUnits drains every per-frame record of a job from the store.
func (h *Handlers) allUnits(ctx context.Context, jobID string) ([]models.UnitQuality, error) {
	var all []models.UnitQuality
	for offset := 0; ; offset += MaxPageLimit {
		page, total, err := h.store.ListUnits(ctx, jobID, offset, MaxPageLimit)
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
