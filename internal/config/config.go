package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Environment   string
	API           APIConfig
	Storage       StorageConfig
	Analyzer      AnalyzerConfig
	Scheduler     SchedulerConfig
	Upload        UploadConfig
	AWS           AWSConfig
	Observability ObservabilityConfig
	CORS          CORSConfig
}

// APIConfig holds API server configuration.
type APIConfig struct {
	Port        string
	MetricsPort int
}

// StorageConfig holds local data layout configuration.
type StorageConfig struct {
	DataDir string // finalized assets and thumbnails
	TempDir string // chunk staging, one subdir per session
}

// AnalyzerConfig holds the external comparison process configuration.
type AnalyzerConfig struct {
	Command     string // analyzer executable, invoked as <cmd> <ref> <dist>
	FFprobePath string
	FFmpegPath  string // thumbnail extraction only
}

// SchedulerConfig holds execution pool configuration.
type SchedulerConfig struct {
	Slots          int
	CancelGrace    time.Duration
	MaxErrorLength int
}

// UploadConfig holds chunked upload configuration.
type UploadConfig struct {
	SessionTTL        time.Duration
	PurgeInterval     time.Duration
	MaxFileSize       int64
	MaxBatchMembers   int
	AllowedExtensions []string
}

// AWSConfig holds optional AWS integration configuration. All fields empty
// means the DynamoDB store, S3 archive and SQS render queue are disabled.
type AWSConfig struct {
	Region         string
	DynamoDBTable  string
	ArchiveBucket  string
	RenderQueueURL string
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTLPEndpoint string
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string
}

// Default values
const (
	DefaultPort           = "8080"
	DefaultMetricsPort    = 2112
	DefaultSlots          = 3
	DefaultCancelGrace    = 5 * time.Second
	DefaultMaxErrorLength = 2048
	DefaultSessionTTL     = 24 * time.Hour
	DefaultPurgeInterval  = 10 * time.Minute
	DefaultMaxFileSize    = 4 << 30 // 4 GB
	DefaultMaxBatch       = 10
	DefaultOTLPEndpoint   = "localhost:4317"
	DefaultRegion         = "us-west-2"
	DefaultDataDir        = "/var/lib/vqmeter/assets"
	DefaultTempDir        = "/var/lib/vqmeter/chunks"
	DefaultAnalyzerCmd    = "vqa"
)

// Load reads configuration from environment variables and returns a Config.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENV", "dev"),
		API: APIConfig{
			Port:        getEnv("PORT", DefaultPort),
			MetricsPort: getEnvInt("METRICS_PORT", DefaultMetricsPort),
		},
		Storage: StorageConfig{
			DataDir: getEnv("DATA_DIR", DefaultDataDir),
			TempDir: getEnv("CHUNK_DIR", DefaultTempDir),
		},
		Analyzer: AnalyzerConfig{
			Command:     getEnv("ANALYZER_CMD", DefaultAnalyzerCmd),
			FFprobePath: getEnv("FFPROBE_PATH", "ffprobe"),
			FFmpegPath:  getEnv("FFMPEG_PATH", "ffmpeg"),
		},
		Scheduler: SchedulerConfig{
			Slots:          getEnvInt("SCHEDULER_SLOTS", DefaultSlots),
			CancelGrace:    getEnvDuration("CANCEL_GRACE", DefaultCancelGrace),
			MaxErrorLength: getEnvInt("MAX_ERROR_LENGTH", DefaultMaxErrorLength),
		},
		Upload: UploadConfig{
			SessionTTL:      getEnvDuration("UPLOAD_SESSION_TTL", DefaultSessionTTL),
			PurgeInterval:   getEnvDuration("UPLOAD_PURGE_INTERVAL", DefaultPurgeInterval),
			MaxFileSize:     getEnvInt64("MAX_FILE_SIZE", DefaultMaxFileSize),
			MaxBatchMembers: getEnvInt("MAX_BATCH_MEMBERS", DefaultMaxBatch),
			AllowedExtensions: getEnvSlice("ALLOWED_EXTENSIONS", []string{
				".mp4", ".mov", ".avi", ".mkv", ".webm", ".ts", ".y4m",
			}),
		},
		AWS: AWSConfig{
			Region:         getEnv("AWS_REGION", DefaultRegion),
			DynamoDBTable:  os.Getenv("DYNAMODB_TABLE"),
			ArchiveBucket:  os.Getenv("ARCHIVE_BUCKET"),
			RenderQueueURL: os.Getenv("RENDER_QUEUE_URL"),
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", DefaultOTLPEndpoint),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{
				"http://localhost:5173",
			}),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	var errs []string

	if c.Scheduler.Slots < 1 {
		errs = append(errs, "SCHEDULER_SLOTS must be at least 1")
	}
	if c.Upload.MaxBatchMembers < 1 {
		errs = append(errs, "MAX_BATCH_MEMBERS must be at least 1")
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, "DATA_DIR is required")
	}
	if c.Storage.TempDir == "" {
		errs = append(errs, "CHUNK_DIR is required")
	}
	if c.Analyzer.Command == "" {
		errs = append(errs, "ANALYZER_CMD is required")
	}
	// S3 archive and SQS render handoff only work with a region set
	if (c.AWS.ArchiveBucket != "" || c.AWS.RenderQueueURL != "" || c.AWS.DynamoDBTable != "") && c.AWS.Region == "" {
		errs = append(errs, "AWS_REGION is required when AWS integrations are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "prod" || env == "production"
}

// AllowedExtension reports whether the filename carries an accepted video
// extension.
func (c *Config) AllowedExtension(filename string) bool {
	lower := strings.ToLower(filename)
	for _, ext := range c.Upload.AllowedExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil && intVal > 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil && intVal > 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
