package models

// AssetRole distinguishes the reference encode from the encodes under test.
type AssetRole string

const (
	RoleReference AssetRole = "reference"
	RoleDistorted AssetRole = "distorted"
)

// IsValid returns true if the role is a known AssetRole.
func (r AssetRole) IsValid() bool {
	return r == RoleReference || r == RoleDistorted
}

// VideoMetadata holds the probed properties of a finalized asset.
type VideoMetadata struct {
	Width       int     `dynamodbav:"width" json:"width"`
	Height      int     `dynamodbav:"height" json:"height"`
	Duration    float64 `dynamodbav:"duration" json:"duration"`
	FrameRate   float64 `dynamodbav:"frame_rate" json:"frameRate"`
	FrameCount  int     `dynamodbav:"frame_count" json:"frameCount"`
	Codec       string  `dynamodbav:"codec" json:"codec"`
	Bitrate     int64   `dynamodbav:"bitrate" json:"bitrate"`
	PixelFormat string  `dynamodbav:"pixel_format,omitempty" json:"pixelFormat,omitempty"`
}

// VideoAsset is a finished upload. Immutable once created; jobs reference it
// by id and never copy it.
type VideoAsset struct {
	ID               string        `dynamodbav:"asset_id" json:"assetId"`
	Filename         string        `dynamodbav:"filename" json:"filename"`
	OriginalFilename string        `dynamodbav:"original_filename" json:"originalFilename"`
	Path             string        `dynamodbav:"path" json:"path"`
	SizeBytes        int64         `dynamodbav:"size_bytes" json:"sizeBytes"`
	Metadata         VideoMetadata `dynamodbav:"metadata" json:"metadata"`
	ThumbnailPath    string        `dynamodbav:"thumbnail_path,omitempty" json:"thumbnailPath,omitempty"`
	Role             AssetRole     `dynamodbav:"role" json:"role"`
	CreatedAt        string        `dynamodbav:"created_at" json:"createdAt"`
}

// BitrateMbps returns the asset bitrate in megabits per second and false
// when the probe did not yield one.
func (a *VideoAsset) BitrateMbps() (float64, bool) {
	if a.Metadata.Bitrate <= 0 {
		return 0, false
	}
	return float64(a.Metadata.Bitrate) / 1_000_000, true
}
