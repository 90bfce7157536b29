package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scheduler metrics
var (
	// JobsFinished counts jobs by terminal status.
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vqmeter",
			Name:      "jobs_finished_total",
			Help:      "Total number of comparison jobs by terminal status",
		},
		[]string{"status"},
	)

	// RunningJobs tracks the number of jobs holding an execution slot.
	RunningJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vqmeter",
			Name:      "running_jobs",
			Help:      "Number of jobs currently holding an execution slot",
		},
	)

	// QueuedJobs tracks the number of jobs waiting for admission.
	QueuedJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vqmeter",
			Name:      "queued_jobs",
			Help:      "Number of submitted jobs waiting for a slot",
		},
	)

	// JobDuration tracks wall time from admission to terminal state.
	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vqmeter",
			Name:      "job_duration_seconds",
			Help:      "Time from job admission to terminal state",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 3600},
		},
	)

	// UnitsParsed counts per-frame records parsed from analyzer output.
	UnitsParsed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vqmeter",
			Name:      "units_parsed_total",
			Help:      "Total per-frame quality records parsed",
		},
	)

	// UnitParseErrors counts skipped unparseable analyzer output lines.
	UnitParseErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vqmeter",
			Name:      "unit_parse_errors_total",
			Help:      "Total analyzer output lines skipped as unparseable",
		},
	)
)

// Upload metrics
var (
	// ChunksReceived counts accepted upload chunks.
	ChunksReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vqmeter",
			Subsystem: "upload",
			Name:      "chunks_received_total",
			Help:      "Total upload chunks accepted",
		},
	)

	// ChunkBytes tracks accepted chunk payload sizes.
	ChunkBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vqmeter",
			Subsystem: "upload",
			Name:      "chunk_bytes",
			Help:      "Size of accepted upload chunks",
			Buckets:   prometheus.ExponentialBuckets(64<<10, 4, 8),
		},
	)

	// UploadsFinalized counts finalize outcomes.
	UploadsFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vqmeter",
			Subsystem: "upload",
			Name:      "finalized_total",
			Help:      "Total upload finalizations by outcome",
		},
		[]string{"outcome"},
	)

	// SessionsPurged counts sessions removed by TTL expiry.
	SessionsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vqmeter",
			Subsystem: "upload",
			Name:      "sessions_purged_total",
			Help:      "Total upload sessions purged after TTL expiry",
		},
	)
)

// API metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vqmeter",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vqmeter",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ReportsQueued counts render jobs handed to the external renderer.
	ReportsQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vqmeter",
			Subsystem: "api",
			Name:      "reports_queued_total",
			Help:      "Total report payloads queued for rendering",
		},
	)
)

// Render worker metrics
var (
	// ActiveRenders tracks render jobs currently being processed.
	ActiveRenders = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vqmeter",
			Subsystem: "render",
			Name:      "active_jobs",
			Help:      "Number of render jobs currently being processed",
		},
	)

	// RendersProcessed counts render jobs by outcome.
	RendersProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vqmeter",
			Subsystem: "render",
			Name:      "processed_total",
			Help:      "Total render jobs processed by outcome",
		},
		[]string{"outcome"},
	)

	// RenderDuration tracks wall time per render job.
	RenderDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vqmeter",
			Subsystem: "render",
			Name:      "duration_seconds",
			Help:      "Time to render one report page",
			Buckets:   prometheus.DefBuckets,
		},
	)
)
