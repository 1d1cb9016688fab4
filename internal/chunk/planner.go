// Package chunk plans overlapping windows over an ordered page sequence.
// Overlap keeps content near a window boundary visible to both adjacent
// windows so extraction never loses cross-boundary context. Plans are
// pure functions of their inputs; dispatch indices derived from a plan
// are stable across resume.
package chunk

import (
	"fmt"
	"math"

	"github.com/dschulmeist/slide2anki/internal/logging"
)

// Range is a half-open window [Start, End) over unit indices.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Size returns the number of units in the range.
func (r Range) Size() int { return r.End - r.Start }

// Contains reports whether the unit index falls inside the range.
func (r Range) Contains(i int) bool { return i >= r.Start && i < r.End }

// Overlap returns how many units this range shares with other.
func (r Range) Overlap(other Range) int {
	lo := r.Start
	if other.Start > lo {
		lo = other.Start
	}
	hi := r.End
	if other.End < hi {
		hi = other.End
	}
	if hi <= lo {
		return 0
	}
	return hi - lo
}

// Plan splits totalUnits into overlapping windows of at most targetSize.
//
// overlap = round(targetSize * overlapRatio), clamped below targetSize.
// Interior windows advance by targetSize-overlap+1; the final window is
// shrunk to the remaining units and re-anchored so it keeps the full
// overlap with its predecessor. For (23, 10, 0.15) this yields
// [0,10) [9,19) [17,23).
//
// The same inputs always produce the identical plan; resume correctness
// depends on that.
func Plan(totalUnits, targetSize int, overlapRatio float64) ([]Range, error) {
	if targetSize < 1 {
		return nil, fmt.Errorf("chunk: target size must be >= 1, got %d", targetSize)
	}
	if overlapRatio < 0 {
		return nil, fmt.Errorf("chunk: overlap ratio must be >= 0, got %g", overlapRatio)
	}
	if totalUnits <= 0 {
		return nil, nil
	}

	overlap := int(math.Round(float64(targetSize) * overlapRatio))
	if overlap >= targetSize {
		overlap = targetSize - 1
	}

	if totalUnits <= targetSize {
		return []Range{{Start: 0, End: totalUnits}}, nil
	}

	var ranges []Range
	start := 0
	for {
		end := start + targetSize
		if end > totalUnits {
			end = totalUnits
		}
		ranges = append(ranges, Range{Start: start, End: end})
		if end >= totalUnits {
			break
		}

		next := start + targetSize - overlap
		// Interior windows give back one unit of overlap; the final
		// window keeps all of it against its predecessor.
		if overlap > 0 && next+targetSize < totalUnits {
			next++
		}
		start = next
	}

	logging.Get(logging.CategoryChunk).Debugf(
		"planned %d windows over %d units (size=%d, overlap=%d)",
		len(ranges), totalUnits, targetSize, overlap)
	return ranges, nil
}
