package decision

// GateResult is the outcome of one gating pass.
type GateResult struct {
	Approved             Adjustments
	Scores               ConfidenceScores
	ModificationsApplied int
}

// Gate applies the two-stage confidence filter. Both thresholds are
// supplied by the caller from the live configuration snapshot; this
// routine carries no defaults of its own.
//
// Stage one approves each candidate whose confidence clears
// confidenceThreshold. Stage two requires the overall decision
// confidence to clear minimumThreshold; when it does not, nothing is
// approved even if individual candidates qualified.
func Gate(candidates Adjustments, overallConfidence, confidenceThreshold, minimumThreshold float64) GateResult {
	res := GateResult{
		Scores: ConfidenceScores{
			OverallDecisionConfidence: overallConfidence,
			MinimumThreshold:          minimumThreshold,
		},
	}

	aggregateMet := overallConfidence >= minimumThreshold
	if !aggregateMet {
		return res
	}

	if c := candidates.TaskCount; c != nil && c.Confidence >= confidenceThreshold {
		approved := *c
		approved.Applied = approved.Intelligence
		approved.Approved = true
		res.Approved.TaskCount = &approved
		res.ModificationsApplied++
	}
	if c := candidates.SprintDuration; c != nil && c.Confidence >= confidenceThreshold {
		approved := *c
		approved.Applied = approved.Intelligence
		approved.Approved = true
		res.Approved.SprintDuration = &approved
		res.ModificationsApplied++
	}
	for _, rec := range candidates.ActiveSprint {
		if rec.Confidence >= confidenceThreshold {
			rec.Approved = true
			res.Approved.ActiveSprint = append(res.Approved.ActiveSprint, rec)
			res.ModificationsApplied++
		}
	}

	res.Scores.IntelligenceThresholdMet = aggregateMet && res.ModificationsApplied > 0
	return res
}
