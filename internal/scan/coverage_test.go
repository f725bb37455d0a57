package scan

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNinePhotosAtFortyDegreeSpacingIsFullCoverage(t *testing.T) {
	c := NewCoverage(40)
	for i := 0; i < 9; i++ {
		c.Mark(float64(i * 40))
	}
	require.Equal(t, 100.0, c.Percent())
	require.Empty(t, c.MissingAngles())
}

func TestEmptyCoverageReportsWholeCircleMissing(t *testing.T) {
	c := NewCoverage(15)
	require.Equal(t, 0.0, c.Percent())
	require.Equal(t, [][2]float64{{0, 360}}, c.MissingAngles())
}

func TestDuplicateAnglesDoNotInflateCoverage(t *testing.T) {
	c := NewCoverage(15)
	for i := 0; i < 10; i++ {
		c.Mark(5) // same bucket every time
	}
	require.InDelta(t, 100.0/24.0, c.Percent(), 1e-9)
}

func TestAnglesNormalizeIntoTheCircle(t *testing.T) {
	c := NewCoverage(15)
	c.Mark(365) // bucket 0
	c.Mark(-10) // 350, bucket 23

	missing := c.MissingAngles()
	require.Len(t, missing, 1)
	require.Equal(t, [2]float64{15, 345}, missing[0])
}

func TestMissingRangeWrapsAcrossZero(t *testing.T) {
	c := NewCoverage(15)
	// Occupy 90..270; the gap spans 270 -> 360 -> 90.
	for a := 90; a < 270; a += 15 {
		c.Mark(float64(a))
	}

	missing := c.MissingAngles()
	require.Len(t, missing, 1)
	require.Equal(t, [2]float64{270, 90}, missing[0])
}

func TestInteriorGapsStayAscending(t *testing.T) {
	c := NewCoverage(90) // buckets 0, 90, 180, 270
	c.Mark(0)
	c.Mark(180)

	require.Equal(t, 50.0, c.Percent())
	require.Equal(t, [][2]float64{{90, 180}, {270, 360}}, c.MissingAngles())
}

func TestInvalidBucketWidthFallsBackToDefault(t *testing.T) {
	for _, width := range []int{0, -5, 7, 361} {
		c := NewCoverage(width)
		require.Len(t, c.buckets, 360/DefaultBucketWidth, "width %d", width)
	}
}
