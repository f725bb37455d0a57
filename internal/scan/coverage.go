package scan

import "math"

// Coverage tracks angular-bucket occupancy over a full 360 degree orbit.
// Buckets are fixed-width and circular; a photo marks the bucket its angle
// falls into. Coverage percent is occupied buckets over total.
type Coverage struct {
	width   int
	buckets []bool
}

// NewCoverage creates an empty coverage tracker. widthDeg must divide 360.
func NewCoverage(widthDeg int) *Coverage {
	if widthDeg <= 0 || 360%widthDeg != 0 {
		widthDeg = DefaultBucketWidth
	}
	return &Coverage{
		width:   widthDeg,
		buckets: make([]bool, 360/widthDeg),
	}
}

func normalizeAngle(angle float64) float64 {
	a := math.Mod(angle, 360)
	if a < 0 {
		a += 360
	}
	return a
}

// Mark records a photo taken at the given angle in degrees.
func (c *Coverage) Mark(angle float64) {
	idx := int(normalizeAngle(angle)) / c.width
	if idx >= len(c.buckets) {
		idx = len(c.buckets) - 1
	}
	c.buckets[idx] = true
}

// Percent returns coverage in [0, 100].
func (c *Coverage) Percent() float64 {
	occupied := 0
	for _, b := range c.buckets {
		if b {
			occupied++
		}
	}
	return 100 * float64(occupied) / float64(len(c.buckets))
}

// MissingAngles returns the contiguous empty-bucket ranges as [start, end)
// degree pairs in ascending order. A run crossing 0 is merged into a single
// range whose start is greater than its end.
func (c *Coverage) MissingAngles() [][2]float64 {
	n := len(c.buckets)
	var runs [][2]int // bucket index ranges [start, end)

	i := 0
	for i < n {
		if c.buckets[i] {
			i++
			continue
		}
		start := i
		for i < n && !c.buckets[i] {
			i++
		}
		runs = append(runs, [2]int{start, i})
	}

	if len(runs) == 0 {
		return nil
	}

	out := make([][2]float64, 0, len(runs))

	// A run ending at the last bucket merges with a run starting at bucket
	// 0 into one wrapped range, unless the whole circle is empty.
	wrapped := len(runs) > 1 && runs[0][0] == 0 && runs[len(runs)-1][1] == n
	body := runs
	if wrapped {
		body = runs[1 : len(runs)-1]
	}

	for _, r := range body {
		out = append(out, [2]float64{float64(r[0] * c.width), float64(r[1] * c.width)})
	}
	if wrapped {
		first := runs[0]
		last := runs[len(runs)-1]
		out = append(out, [2]float64{float64(last[0] * c.width), float64(first[1] * c.width)})
	}
	return out
}
