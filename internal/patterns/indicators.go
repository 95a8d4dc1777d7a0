package patterns

import "math"

// deriveIndicators turns the retained similar projects and the velocity
// trend into concrete planning recommendations.
func deriveIndicators(projects []SimilarProject, trend VelocityTrends) SuccessIndicators {
	var (
		taskCounts    []float64
		durationWeeks []float64
		weightedRate  float64
		weightSum     float64
	)
	for _, p := range projects {
		if p.OptimalTaskCount != nil {
			taskCounts = append(taskCounts, float64(*p.OptimalTaskCount))
		}
		if p.AvgSprintDurationDays > 0 {
			durationWeeks = append(durationWeeks, p.AvgSprintDurationDays/7)
		}
		weightedRate += p.CompletionRate * p.SimilarityScore
		weightSum += p.SimilarityScore
	}

	ind := SuccessIndicators{
		OptimalTasksPerSprint:     int(math.Round(median(taskCounts))),
		RecommendedSprintDuration: int(math.Round(median(durationWeeks))),
	}
	if weightSum > 0 {
		ind.SuccessProbability = weightedRate / weightSum
	}
	ind.RiskFactors = riskFactors(projects, trend, ind.SuccessProbability)
	return ind
}

func riskFactors(projects []SimilarProject, trend VelocityTrends, successProbability float64) []string {
	var risks []string
	if trend.TrendDirection == TrendDecreasing {
		risks = append(risks, "declining velocity trend")
	}
	if successProbability > 0 && successProbability < 0.5 {
		risks = append(risks, "low completion rate among similar projects")
	}
	if len(projects) > 0 && len(projects) < 3 {
		risks = append(risks, "small historical sample")
	}
	return risks
}
