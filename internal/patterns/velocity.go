package patterns

import (
	"fmt"
	"math"

	"github.com/antigravity-dev/helmsman/internal/upstream"
)

// slopeEpsilon separates a genuine trend from noise around zero slope.
const slopeEpsilon = 0.05

// minVelocityPoints is the smallest history a regression is trusted on.
const minVelocityPoints = 3

// sparseDataConfidence is reported when history is too thin to regress.
const sparseDataConfidence = 0.2

// velocityTrend fits a least-squares line through the velocity history
// (oldest first) and classifies the direction by slope.
func velocityTrend(history []upstream.SprintVelocity) VelocityTrends {
	trend := VelocityTrends{
		TrendDirection: TrendStable,
		Confidence:     sparseDataConfidence,
		PatternNote:    "insufficient velocity history",
	}
	if len(history) == 0 {
		return trend
	}

	lo, hi := history[0].CompletedPoints, history[0].CompletedPoints
	for _, v := range history {
		lo = math.Min(lo, v.CompletedPoints)
		hi = math.Max(hi, v.CompletedPoints)
	}
	trend.CurrentTeamVelocity = history[len(history)-1].CompletedPoints
	trend.HistoricalRange = [2]float64{lo, hi}

	if len(history) < minVelocityPoints {
		return trend
	}

	slope, r2 := linearFit(history)
	switch {
	case slope > slopeEpsilon:
		trend.TrendDirection = TrendIncreasing
		trend.Confidence = r2
	case slope < -slopeEpsilon:
		trend.TrendDirection = TrendDecreasing
		trend.Confidence = -r2
	default:
		trend.TrendDirection = TrendStable
		trend.Confidence = r2
	}
	trend.PatternNote = fmt.Sprintf("%s velocity over last %d sprints (slope %.2f)",
		trend.TrendDirection, len(history), slope)
	return trend
}

// linearFit regresses completed points on sprint index and returns the
// slope and coefficient of determination.
func linearFit(history []upstream.SprintVelocity) (slope, r2 float64) {
	n := float64(len(history))
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range history {
		x := float64(i)
		sumX += x
		sumY += v.CompletedPoints
		sumXY += x * v.CompletedPoints
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, 0
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	meanY := sumY / n
	var ssRes, ssTot float64
	for i, v := range history {
		pred := intercept + slope*float64(i)
		ssRes += (v.CompletedPoints - pred) * (v.CompletedPoints - pred)
		ssTot += (v.CompletedPoints - meanY) * (v.CompletedPoints - meanY)
	}
	if ssTot == 0 {
		// A perfectly flat series fits its own mean exactly.
		return slope, 1
	}
	return slope, 1 - ssRes/ssTot
}
