package patterns

import (
	"math"
	"testing"

	"github.com/antigravity-dev/helmsman/internal/upstream"
)

func velocities(points ...float64) []upstream.SprintVelocity {
	out := make([]upstream.SprintVelocity, len(points))
	for i, p := range points {
		out[i] = upstream.SprintVelocity{CompletedPoints: p}
	}
	return out
}

func TestVelocityTrendIncreasing(t *testing.T) {
	trend := velocityTrend(velocities(10, 12, 14, 16, 18, 20))
	if trend.TrendDirection != TrendIncreasing {
		t.Fatalf("direction: got %s", trend.TrendDirection)
	}
	// A perfect line has R² = 1; the sign follows the slope.
	if math.Abs(trend.Confidence-1) > 1e-9 {
		t.Fatalf("confidence: got %v", trend.Confidence)
	}
	if trend.CurrentTeamVelocity != 20 {
		t.Fatalf("current velocity: got %v", trend.CurrentTeamVelocity)
	}
	if trend.HistoricalRange != [2]float64{10, 20} {
		t.Fatalf("range: got %v", trend.HistoricalRange)
	}
}

func TestVelocityTrendDecreasingHasNegativeConfidence(t *testing.T) {
	trend := velocityTrend(velocities(20, 16, 13, 9, 5))
	if trend.TrendDirection != TrendDecreasing {
		t.Fatalf("direction: got %s", trend.TrendDirection)
	}
	if trend.Confidence >= 0 {
		t.Fatalf("decreasing trend must carry negative confidence, got %v", trend.Confidence)
	}
}

func TestVelocityTrendFlatSeries(t *testing.T) {
	trend := velocityTrend(velocities(12, 12, 12, 12))
	if trend.TrendDirection != TrendStable {
		t.Fatalf("direction: got %s", trend.TrendDirection)
	}
}

func TestVelocityTrendSparseData(t *testing.T) {
	for _, history := range [][]upstream.SprintVelocity{nil, velocities(10), velocities(10, 12)} {
		trend := velocityTrend(history)
		if trend.TrendDirection != TrendStable {
			t.Fatalf("sparse direction: got %s", trend.TrendDirection)
		}
		if trend.Confidence != sparseDataConfidence {
			t.Fatalf("sparse confidence: got %v", trend.Confidence)
		}
	}
}

func TestVelocityTrendNoisySeriesLowersConfidence(t *testing.T) {
	clean := velocityTrend(velocities(10, 12, 14, 16, 18, 20))
	noisy := velocityTrend(velocities(10, 18, 11, 19, 14, 20))
	if math.Abs(noisy.Confidence) >= math.Abs(clean.Confidence) {
		t.Fatalf("noise should lower fit confidence: noisy %v clean %v",
			noisy.Confidence, clean.Confidence)
	}
}

func TestMedian(t *testing.T) {
	cases := []struct {
		in   []float64
		want float64
	}{
		{nil, 0},
		{[]float64{4}, 4},
		{[]float64{3, 1, 2}, 2},
		{[]float64{1, 2, 3, 4}, 2.5},
	}
	for _, c := range cases {
		if got := median(c.in); got != c.want {
			t.Fatalf("median(%v): got %v want %v", c.in, got, c.want)
		}
	}
}
