package models

import "errors"

// Sentinel errors shared across the core.
var (
	// Upload errors
	ErrConflictingUploadMetadata = errors.New("chunk metadata conflicts with existing session")
	ErrChunkIndexOutOfRange      = errors.New("chunk index out of range")
	ErrIncompleteUpload          = errors.New("upload is incomplete")
	ErrUploadSizeMismatch        = errors.New("assembled size does not match declared size")
	ErrUploadAlreadyFinalized    = errors.New("upload session already finalized")
	ErrSessionNotFound           = errors.New("upload session not found")
	ErrSessionExpired            = errors.New("upload session expired")

	// Job errors
	ErrInvalidStateTransition = errors.New("invalid job state transition")
	ErrJobNotFound            = errors.New("job not found")
	ErrJobAlreadySubmitted    = errors.New("job already submitted")
	ErrJobNotCompleted        = errors.New("job is not completed")

	// Batch errors
	ErrEmptyBatch          = errors.New("batch needs at least one distorted asset")
	ErrTooManyBatchMembers = errors.New("too many batch members")
	ErrBatchNotFound       = errors.New("batch not found")

	// Asset errors
	ErrAssetNotFound   = errors.New("video asset not found")
	ErrInvalidRole     = errors.New("invalid asset role")
	ErrProbeFailed     = errors.New("failed to probe video metadata")
	ErrNoVideoStream   = errors.New("no video stream found")
	ErrInvalidFileType = errors.New("invalid file type")

	// Execution errors
	ErrAnalyzerFailed = errors.New("analyzer execution failed")
	ErrMissingSummary = errors.New("analyzer produced no summary score")
	ErrMissingInput   = errors.New("input asset is missing or unreadable")

	// Report errors
	ErrReportNotFound = errors.New("report not found")
)
