package anomaly

import (
	"fmt"
)

// Detector flags daily values that jump far above the recent average
type Detector struct {
	spikeThreshold            float64
	minDataPointsForDetection int
}

// NewDetector creates a new anomaly detector with the specified thresholds
func NewDetector(spikeThreshold float64, minDataPointsForDetection int) *Detector {
	return &Detector{
		spikeThreshold:            spikeThreshold,
		minDataPointsForDetection: minDataPointsForDetection,
	}
}

// DetectAnomaly checks value (Wh) against the recent values of the same
// series. Zero entries are cache placeholders, not readings, and are ignored.
func (d *Detector) DetectAnomaly(value int64, recent []int64) (bool, string) {
	if value < 0 {
		return true, "negative value"
	}

	var (
		sum   int64
		count int
	)
	for _, v := range recent {
		if v <= 0 {
			continue
		}
		sum += v
		count++
	}

	// Need enough readings for spike detection
	if count < d.minDataPointsForDetection {
		return false, ""
	}

	average := float64(sum) / float64(count)
	if float64(value) > d.spikeThreshold*average {
		return true, fmt.Sprintf("sudden spike detected: value %d Wh exceeds %.1fx rolling average %.2f Wh",
			value, d.spikeThreshold, average)
	}

	return false, ""
}
