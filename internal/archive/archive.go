// Package archive copies finalized assets and report payloads to S3 for
// durable retention. The local data directory stays the working copy; the
// archive is read by the render worker and by disaster recovery.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vqmeter/vqmeter/internal/logger"
	"github.com/vqmeter/vqmeter/pkg/models"
)

var tracer = otel.Tracer("vqmeter-archive")

// Archiver writes objects to the archive bucket.
type Archiver struct {
	s3Client *s3.Client
	bucket   string
	log      *slog.Logger
}

// New creates an Archiver.
func New(s3Client *s3.Client, bucket string, log *slog.Logger) *Archiver {
	return &Archiver{
		s3Client: s3Client,
		bucket:   bucket,
		log:      log,
	}
}

// ArchiveAsset uploads a finalized asset file and its thumbnail. The asset
// record keeps pointing at the local copy; the archive key mirrors the id.
func (a *Archiver) ArchiveAsset(ctx context.Context, asset *models.VideoAsset) error {
	ctx, span := tracer.Start(ctx, "archive-asset")
	defer span.End()
	span.SetAttributes(attribute.String("asset.id", asset.ID))

	key := fmt.Sprintf("assets/%s/%s", asset.ID, asset.Filename)
	if err := a.putFile(ctx, key, asset.Path); err != nil {
		return fmt.Errorf("failed to archive asset %s: %w", asset.ID, err)
	}

	if asset.ThumbnailPath != "" {
		thumbKey := fmt.Sprintf("assets/%s/%s", asset.ID, filepath.Base(asset.ThumbnailPath))
		if err := a.putFile(ctx, thumbKey, asset.ThumbnailPath); err != nil {
			// Thumbnails are reproducible; losing one is not fatal.
			logger.Warn(ctx, a.log, "Failed to archive thumbnail",
				"assetId", asset.ID,
				"error", err,
			)
		}
	}

	logger.Info(ctx, a.log, "Asset archived",
		"assetId", asset.ID,
		"key", key,
		"sizeBytes", asset.SizeBytes,
	)
	return nil
}

// ArchiveReport stores a built report payload and returns its object key.
func (a *Archiver) ArchiveReport(ctx context.Context, reportID string, payload []byte) (string, error) {
	ctx, span := tracer.Start(ctx, "archive-report")
	defer span.End()
	span.SetAttributes(attribute.String("report.id", reportID))

	key := fmt.Sprintf("reports/%s.json", reportID)
	_, err := a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive report %s: %w", reportID, err)
	}

	logger.Info(ctx, a.log, "Report archived", "reportId", reportID, "key", key)
	return key, nil
}

func (a *Archiver) putFile(ctx context.Context, key, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	_, err = a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String(contentType(path)),
	})
	return err
}

func contentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".mov":
		return "video/quicktime"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
