package scheduler

import (
	"strconv"
	"strings"

	"github.com/vqmeter/vqmeter/pkg/models"
)

// unitSample is one per-frame line parsed from analyzer stdout.
type unitSample struct {
	Index   int
	Overall float64
	PSNR    *float64
	SSIM    *float64
}

// parseLine interprets one line of analyzer stdout. Per-frame lines look like
//
//	frame=42 vmaf=97.31 psnr=41.20 ssim=0.982
//
// and the run ends with a summary line
//
//	overall vmaf=95.20 psnr=40.80 ssim=0.975
//
// psnr and ssim are optional on both. Lines matching neither shape return
// ok=false and are skipped.
func parseLine(line string) (unit *unitSample, summary *models.Scores, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, nil, false
	}

	if fields[0] == "overall" {
		scores, parsed := parseMetrics(fields[1:])
		if !parsed || scores.Overall == nil {
			return nil, nil, false
		}
		return nil, scores, true
	}

	frameStr, found := strings.CutPrefix(fields[0], "frame=")
	if !found {
		return nil, nil, false
	}
	index, err := strconv.Atoi(frameStr)
	if err != nil || index < 0 {
		return nil, nil, false
	}

	scores, parsed := parseMetrics(fields[1:])
	if !parsed || scores.Overall == nil {
		return nil, nil, false
	}
	return &unitSample{
		Index:   index,
		Overall: *scores.Overall,
		PSNR:    scores.PSNR,
		SSIM:    scores.SSIM,
	}, nil, true
}

// parseMetrics reads key=value fields. Unknown keys are ignored; a malformed
// value poisons the whole line.
func parseMetrics(fields []string) (*models.Scores, bool) {
	var scores models.Scores
	for _, field := range fields {
		key, value, found := strings.Cut(field, "=")
		if !found {
			return nil, false
		}
		switch key {
		case "vmaf", "psnr", "ssim":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, false
			}
			switch key {
			case "vmaf":
				scores.Overall = &f
			case "psnr":
				scores.PSNR = &f
			case "ssim":
				scores.SSIM = &f
			}
		}
	}
	return &scores, true
}
