// Package upload reassembles chunked uploads into finalized video assets.
package upload

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vqmeter/vqmeter/internal/logger"
	"github.com/vqmeter/vqmeter/internal/metrics"
	"github.com/vqmeter/vqmeter/internal/probe"
	"github.com/vqmeter/vqmeter/internal/store"
	"github.com/vqmeter/vqmeter/pkg/models"
)

var tracer = otel.Tracer("vqmeter-upload")

// SessionKey derives the stable key of an upload session from the declared
// filename and total size, so retried and parallel chunk requests land in the
// same session.
func SessionKey(filename string, size int64) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s_%d", filename, size)))
	return hex.EncodeToString(sum[:])
}

// SessionStatus reports the state of an upload session.
type SessionStatus struct {
	Key            string  `json:"key"`
	TotalChunks    int     `json:"totalChunks"`
	ReceivedChunks []int   `json:"receivedChunks"`
	Progress       float64 `json:"progress"`
	Complete       bool    `json:"complete"`
}

// IncompleteError names the chunk indices missing at finalize.
type IncompleteError struct {
	Missing []int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("upload is incomplete: missing chunks %v", e.Missing)
}

// Is lets errors.Is match the sentinel.
func (e *IncompleteError) Is(target error) bool {
	return target == models.ErrIncompleteUpload
}

// session tracks one in-flight chunked upload. Its mutex serializes chunk
// writes, finalize and purge for that session; distinct sessions never
// contend.
type session struct {
	mu           sync.Mutex
	key          string
	totalChunks  int
	declaredSize int64
	received     map[int]int64 // chunk index -> byte length
	dir          string
	createdAt    time.Time
	lastActivity time.Time
	expired      bool
}

// Config holds assembler dependencies.
type Config struct {
	TempDir    string
	DataDir    string
	SessionTTL time.Duration
	Store      store.Store
	Prober     *probe.Prober
	Logger     *slog.Logger
}

// Assembler accepts chunks, detects completeness and produces VideoAssets.
type Assembler struct {
	tempDir    string
	dataDir    string
	sessionTTL time.Duration
	store      store.Store
	prober     *probe.Prober
	log        *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates an Assembler and ensures its directories exist.
func New(cfg *Config) (*Assembler, error) {
	for _, dir := range []string{cfg.TempDir, cfg.DataDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return &Assembler{
		tempDir:    cfg.TempDir,
		dataDir:    cfg.DataDir,
		sessionTTL: cfg.SessionTTL,
		store:      cfg.Store,
		prober:     cfg.Prober,
		log:        cfg.Logger,
		sessions:   make(map[string]*session),
	}, nil
}

// ReceiveChunk persists one chunk of an upload. Duplicate delivery of the
// same index overwrites the previous copy, so client retries are safe.
func (a *Assembler) ReceiveChunk(ctx context.Context, key string, index, totalChunks int, declaredSize int64, r io.Reader) (*SessionStatus, error) {
	ctx, span := tracer.Start(ctx, "receive-chunk")
	defer span.End()
	span.SetAttributes(
		attribute.String("upload.session", key),
		attribute.Int("upload.chunk_index", index),
	)

	if totalChunks <= 0 {
		return nil, fmt.Errorf("%w: total chunks must be positive", models.ErrChunkIndexOutOfRange)
	}
	if index < 0 || index >= totalChunks {
		return nil, fmt.Errorf("%w: index %d not in [0, %d)", models.ErrChunkIndexOutOfRange, index, totalChunks)
	}
	if declaredSize <= 0 {
		return nil, fmt.Errorf("%w: declared size must be positive", models.ErrConflictingUploadMetadata)
	}

	s, err := a.getOrCreate(key, totalChunks, declaredSize)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expired {
		a.drop(key)
		return nil, models.ErrSessionExpired
	}
	if s.totalChunks != totalChunks || s.declaredSize != declaredSize {
		return nil, fmt.Errorf("%w: session %s declares %d chunks / %d bytes",
			models.ErrConflictingUploadMetadata, key, s.totalChunks, s.declaredSize)
	}

	written, err := writeChunk(s.chunkPath(index), r)
	if err != nil {
		return nil, fmt.Errorf("failed to persist chunk %d: %w", index, err)
	}

	s.received[index] = written
	s.lastActivity = time.Now()

	metrics.ChunksReceived.Inc()
	metrics.ChunkBytes.Observe(float64(written))
	logger.Debug(ctx, a.log, "Chunk received",
		"session", key,
		"index", index,
		"bytes", written,
	)

	return s.status(), nil
}

// Status reports progress for an in-flight session.
func (a *Assembler) Status(key string) (*SessionStatus, error) {
	a.mu.Lock()
	s, ok := a.sessions[key]
	a.mu.Unlock()
	if !ok {
		return nil, models.ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired {
		a.drop(key)
		return nil, models.ErrSessionExpired
	}
	return s.status(), nil
}

// Finalize verifies completeness, assembles the chunks in index order into a
// single file, probes it and records a VideoAsset. The session is consumed:
// a second Finalize for the same key fails.
func (a *Assembler) Finalize(ctx context.Context, key, originalFilename string, role models.AssetRole) (*models.VideoAsset, error) {
	ctx, span := tracer.Start(ctx, "finalize-upload")
	defer span.End()
	span.SetAttributes(attribute.String("upload.session", key))

	if !role.IsValid() {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidRole, role)
	}

	a.mu.Lock()
	s, ok := a.sessions[key]
	a.mu.Unlock()
	if !ok {
		// A consumed session and a never-seen key look the same here.
		return nil, models.ErrUploadAlreadyFinalized
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expired {
		a.drop(key)
		return nil, models.ErrSessionExpired
	}

	if missing := s.missingChunks(); len(missing) > 0 {
		metrics.UploadsFinalized.WithLabelValues("incomplete").Inc()
		return nil, &IncompleteError{Missing: missing}
	}
	var sum int64
	for _, n := range s.received {
		sum += n
	}
	if sum != s.declaredSize {
		metrics.UploadsFinalized.WithLabelValues("size_mismatch").Inc()
		return nil, fmt.Errorf("%w: got %d bytes, declared %d", models.ErrUploadSizeMismatch, sum, s.declaredSize)
	}

	assetPath, err := a.assemble(s)
	if err != nil {
		metrics.UploadsFinalized.WithLabelValues("error").Inc()
		return nil, err
	}

	asset, err := a.ingest(ctx, assetPath, originalFilename, role, s.declaredSize)
	if err != nil {
		_ = os.Remove(assetPath)
		metrics.UploadsFinalized.WithLabelValues("invalid_video").Inc()
		return nil, err
	}

	// Session is consumed only after the asset exists.
	_ = os.RemoveAll(s.dir)
	a.drop(key)
	metrics.UploadsFinalized.WithLabelValues("success").Inc()

	logger.Info(ctx, a.log, "Upload finalized",
		"session", key,
		"assetId", asset.ID,
		"sizeBytes", asset.SizeBytes,
		"frames", asset.Metadata.FrameCount,
	)

	return asset, nil
}

// IngestFile registers an already-complete local file as a VideoAsset. Used
// by the one-shot upload path for small files.
func (a *Assembler) IngestFile(ctx context.Context, r io.Reader, originalFilename string, role models.AssetRole) (*models.VideoAsset, error) {
	ctx, span := tracer.Start(ctx, "ingest-file")
	defer span.End()

	if !role.IsValid() {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidRole, role)
	}

	path := filepath.Join(a.dataDir, uniqueFilename(originalFilename))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create asset file: %w", err)
	}
	written, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write asset file: %w", err)
	}

	asset, err := a.ingest(ctx, path, originalFilename, role, written)
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return asset, nil
}

// ingest probes the file, extracts a thumbnail and stores the asset record.
func (a *Assembler) ingest(ctx context.Context, path, originalFilename string, role models.AssetRole, size int64) (*models.VideoAsset, error) {
	meta, err := a.prober.Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	// Thumbnail failure never fails the upload.
	thumbPath := strings.TrimSuffix(path, filepath.Ext(path)) + "_thumb.jpg"
	if err := a.prober.Thumbnail(ctx, path, thumbPath); err != nil {
		logger.Warn(ctx, a.log, "Thumbnail extraction failed", "path", path, "error", err)
		thumbPath = ""
	}

	asset := &models.VideoAsset{
		ID:               uuid.New().String(),
		Filename:         filepath.Base(path),
		OriginalFilename: originalFilename,
		Path:             path,
		SizeBytes:        size,
		Metadata:         *meta,
		ThumbnailPath:    thumbPath,
		Role:             role,
		CreatedAt:        time.Now().UTC().Format(time.RFC3339),
	}

	if err := a.store.CreateAsset(ctx, asset); err != nil {
		return nil, fmt.Errorf("failed to store asset: %w", err)
	}
	return asset, nil
}

// assemble streams chunks in index order into one file under dataDir.
func (a *Assembler) assemble(s *session) (string, error) {
	path := filepath.Join(a.dataDir, uuid.New().String()+".bin")

	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create assembled file: %w", err)
	}

	for i := 0; i < s.totalChunks; i++ {
		if err := appendChunk(out, s.chunkPath(i)); err != nil {
			out.Close()
			_ = os.Remove(path)
			return "", fmt.Errorf("failed to append chunk %d: %w", i, err)
		}
	}

	if err := out.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to close assembled file: %w", err)
	}
	return path, nil
}

// Run purges expired sessions until the context is cancelled.
func (a *Assembler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.PurgeExpired(time.Now())
		}
	}
}

// PurgeExpired marks sessions inactive beyond the TTL as expired and removes
// their chunk files. The caller learns about the purge on next access.
func (a *Assembler) PurgeExpired(now time.Time) int {
	a.mu.Lock()
	var stale []*session
	for _, s := range a.sessions {
		stale = append(stale, s)
	}
	a.mu.Unlock()

	purged := 0
	for _, s := range stale {
		s.mu.Lock()
		if !s.expired && now.Sub(s.lastActivity) > a.sessionTTL {
			s.expired = true
			_ = os.RemoveAll(s.dir)
			purged++
			metrics.SessionsPurged.Inc()
		}
		s.mu.Unlock()
	}
	return purged
}

func (a *Assembler) getOrCreate(key string, totalChunks int, declaredSize int64) (*session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s, ok := a.sessions[key]; ok {
		return s, nil
	}

	dir := filepath.Join(a.tempDir, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	now := time.Now()
	s := &session{
		key:          key,
		totalChunks:  totalChunks,
		declaredSize: declaredSize,
		received:     make(map[int]int64),
		dir:          dir,
		createdAt:    now,
		lastActivity: now,
	}
	a.sessions[key] = s
	return s, nil
}

func (a *Assembler) drop(key string) {
	a.mu.Lock()
	delete(a.sessions, key)
	a.mu.Unlock()
}

func (s *session) chunkPath(index int) string {
	return filepath.Join(s.dir, fmt.Sprintf("chunk_%06d", index))
}

func (s *session) missingChunks() []int {
	var missing []int
	for i := 0; i < s.totalChunks; i++ {
		if _, ok := s.received[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

func (s *session) status() *SessionStatus {
	indices := make([]int, 0, len(s.received))
	var sum int64
	for idx, n := range s.received {
		indices = append(indices, idx)
		sum += n
	}
	sort.Ints(indices)

	return &SessionStatus{
		Key:            s.key,
		TotalChunks:    s.totalChunks,
		ReceivedChunks: indices,
		Progress:       100 * float64(len(indices)) / float64(s.totalChunks),
		Complete:       len(indices) == s.totalChunks && sum == s.declaredSize,
	}
}

func writeChunk(path string, r io.Reader) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	written, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, err
	}
	return written, nil
}

func appendChunk(out *os.File, chunkPath string) error {
	in, err := os.Open(chunkPath)
	if err != nil {
		return err
	}
	defer in.Close()
	_, err = io.Copy(out, in)
	return err
}

func uniqueFilename(originalFilename string) string {
	return uuid.New().String() + strings.ToLower(filepath.Ext(originalFilename))
}
