// Package probe extracts stream metadata and thumbnails from video files
// using ffprobe and ffmpeg.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/vqmeter/vqmeter/pkg/models"
)

var tracer = otel.Tracer("vqmeter-probe")

const (
	// ThumbnailOffset is where in the stream the thumbnail frame is taken.
	ThumbnailOffset = 1.0
	// ThumbnailWidth is the scaled thumbnail width; height keeps aspect.
	ThumbnailWidth = 320
)

// Prober runs ffprobe and ffmpeg against local files.
type Prober struct {
	ffprobePath string
	ffmpegPath  string
}

// New creates a Prober with the given tool paths.
func New(ffprobePath, ffmpegPath string) *Prober {
	return &Prober{ffprobePath: ffprobePath, ffmpegPath: ffmpegPath}
}

// ffprobe -print_format json output, reduced to the fields we read.
type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
	Format  ffprobeFormat   `json:"format"`
}

type ffprobeStream struct {
	CodecType   string `json:"codec_type"`
	CodecName   string `json:"codec_name"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	RFrameRate  string `json:"r_frame_rate"`
	NbFrames    string `json:"nb_frames"`
	BitRate     string `json:"bit_rate"`
	PixelFormat string `json:"pix_fmt"`
}

type ffprobeFormat struct {
	Duration string `json:"duration"`
	BitRate  string `json:"bit_rate"`
}

// Probe returns the metadata of the first video stream in the file.
func (p *Prober) Probe(ctx context.Context, path string) (*models.VideoMetadata, error) {
	ctx, span := tracer.Start(ctx, "ffprobe")
	defer span.End()

	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrProbeFailed, err)
	}

	return parseProbeOutput(out)
}

// Thumbnail writes a single scaled frame from the video to outputPath.
func (p *Prober) Thumbnail(ctx context.Context, videoPath, outputPath string) error {
	ctx, span := tracer.Start(ctx, "thumbnail")
	defer span.End()

	cmd := exec.CommandContext(ctx, p.ffmpegPath,
		"-y",
		"-ss", strconv.FormatFloat(ThumbnailOffset, 'f', -1, 64),
		"-i", videoPath,
		"-vframes", "1",
		"-vf", fmt.Sprintf("scale=%d:-1", ThumbnailWidth),
		outputPath,
	)

	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("thumbnail extraction failed: %v: %s", err, truncate(string(out), 200))
	}
	return nil
}

func parseProbeOutput(out []byte) (*models.VideoMetadata, error) {
	var data ffprobeOutput
	if err := json.Unmarshal(out, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrProbeFailed, err)
	}

	var video *ffprobeStream
	for i := range data.Streams {
		if data.Streams[i].CodecType == "video" {
			video = &data.Streams[i]
			break
		}
	}
	if video == nil {
		return nil, models.ErrNoVideoStream
	}

	frameRate := parseFrameRate(video.RFrameRate)
	duration, _ := strconv.ParseFloat(data.Format.Duration, 64)

	frameCount, _ := strconv.Atoi(video.NbFrames)
	if frameCount == 0 && duration > 0 {
		// Streams without nb_frames (e.g. mkv) fall back to duration * fps.
		frameCount = int(duration * frameRate)
	}

	bitrate, _ := strconv.ParseInt(data.Format.BitRate, 10, 64)
	if bitrate == 0 {
		bitrate, _ = strconv.ParseInt(video.BitRate, 10, 64)
	}

	codec := video.CodecName
	if codec == "" {
		codec = "unknown"
	}

	return &models.VideoMetadata{
		Width:       video.Width,
		Height:      video.Height,
		Duration:    duration,
		FrameRate:   frameRate,
		FrameCount:  frameCount,
		Codec:       codec,
		Bitrate:     bitrate,
		PixelFormat: video.PixelFormat,
	}, nil
}

// parseFrameRate handles the "num/den" form ffprobe emits for r_frame_rate.
func parseFrameRate(s string) float64 {
	if s == "" {
		return 0
	}
	if num, den, found := strings.Cut(s, "/"); found {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 != nil || err2 != nil || d == 0 {
			return 0
		}
		return n / d
	}
	rate, _ := strconv.ParseFloat(s, 64)
	return rate
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
