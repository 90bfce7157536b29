// Package stats computes summary statistics over per-frame quality records.
package stats

import (
	"math"
	"sort"

	"github.com/vqmeter/vqmeter/pkg/models"
)

// Metric selects which score series of a unit record to summarize.
type Metric string

const (
	MetricOverall Metric = "overall"
	MetricPSNR    Metric = "psnr"
	MetricSSIM    Metric = "ssim"
)

// IsValid returns true if the metric is known.
func (m Metric) IsValid() bool {
	return m == MetricOverall || m == MetricPSNR || m == MetricSSIM
}

// Summary describes the distribution of one metric series.
type Summary struct {
	Metric Metric  `json:"metric"`
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
	StdDev float64 `json:"stdDev"`
	P5     float64 `json:"p5"`
	P95    float64 `json:"p95"`
}

// ProblemUnit is one record whose metric fell below a threshold.
type ProblemUnit struct {
	Index     int     `json:"index"`
	Timestamp float64 `json:"timestamp"`
	Score     float64 `json:"score"`
}

// value extracts the chosen metric; ok is false when the record lacks it.
func value(u *models.UnitQuality, metric Metric) (float64, bool) {
	var p *float64
	switch metric {
	case MetricOverall:
		p = u.Overall
	case MetricPSNR:
		p = u.PSNR
	case MetricSSIM:
		p = u.SSIM
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

// Summarize computes the distribution of one metric across the given records.
// Records missing the metric are skipped; ok is false when none carry it.
func Summarize(units []models.UnitQuality, metric Metric) (*Summary, bool) {
	values := make([]float64, 0, len(units))
	for i := range units {
		if v, ok := value(&units[i], metric); ok {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return nil, false
	}
	sort.Float64s(values)

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sqDiff float64
	for _, v := range values {
		d := v - mean
		sqDiff += d * d
	}

	return &Summary{
		Metric: metric,
		Count:  len(values),
		Mean:   mean,
		Min:    values[0],
		Max:    values[len(values)-1],
		Median: Percentile(values, 50),
		StdDev: math.Sqrt(sqDiff / float64(len(values))),
		P5:     Percentile(values, 5),
		P95:    Percentile(values, 95),
	}, true
}

// Percentile returns the p-th percentile of sorted values using linear
// interpolation between closest ranks. p is in [0, 100].
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

// ProblemUnits returns up to limit records whose metric is strictly below the
// threshold, worst first. Ties break toward the earlier index.
func ProblemUnits(units []models.UnitQuality, metric Metric, threshold float64, limit int) []ProblemUnit {
	var problems []ProblemUnit
	for i := range units {
		v, ok := value(&units[i], metric)
		if !ok || v >= threshold {
			continue
		}
		problems = append(problems, ProblemUnit{
			Index:     units[i].Index,
			Timestamp: units[i].Timestamp,
			Score:     v,
		})
	}

	sort.Slice(problems, func(i, j int) bool {
		if problems[i].Score != problems[j].Score {
			return problems[i].Score < problems[j].Score
		}
		return problems[i].Index < problems[j].Index
	})

	if limit > 0 && len(problems) > limit {
		problems = problems[:limit]
	}
	return problems
}

// Efficiency is quality per megabit: the summary score divided by the
// distorted asset's bitrate in Mbps. ok is false when the bitrate is unknown.
func Efficiency(score float64, distorted *models.VideoAsset) (float64, bool) {
	mbps, ok := distorted.BitrateMbps()
	if !ok {
		return 0, false
	}
	return score / mbps, true
}
