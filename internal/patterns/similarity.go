package patterns

import (
	"math"
	"sort"

	"github.com/antigravity-dev/helmsman/internal/memory"
)

// successfulOutcomeQuality is the floor above which an episode's task
// count is treated as evidence for an optimal sprint size.
const successfulOutcomeQuality = 0.7

// aggregateSimilarProjects folds retained similar episodes into one
// entry per project, ordered by descending similarity and capped at
// maxProjects.
func aggregateSimilarProjects(episodes []memory.SimilarEpisode, minSimilarity float64, maxProjects int) []SimilarProject {
	type acc struct {
		similarity      float64
		teamSize        int
		completionSum   float64
		completionCount int
		durationDaysSum float64
		durationCount   int
		optimalTasksSum int
		optimalTasksN   int
		latest          memory.SimilarEpisode
	}

	byProject := make(map[string]*acc)
	for _, se := range episodes {
		if se.Similarity < minSimilarity {
			continue
		}
		a, ok := byProject[se.ProjectID]
		if !ok {
			a = &acc{latest: se}
			byProject[se.ProjectID] = a
		}
		if se.Similarity > a.similarity {
			a.similarity = se.Similarity
		}
		if se.Timestamp.After(a.latest.Timestamp) {
			a.latest = se
		}
		a.teamSize = a.latest.Perception.TeamSize

		if se.Outcome != nil {
			a.completionSum += se.Outcome.CompletionRate
			a.completionCount++
		}
		if se.Action.CreatedSprint && se.Action.SprintDurationWeeks > 0 {
			a.durationDaysSum += float64(se.Action.SprintDurationWeeks * 7)
			a.durationCount++
		}
		if se.OutcomeQuality != nil && *se.OutcomeQuality >= successfulOutcomeQuality && se.Action.TasksAssigned > 0 {
			a.optimalTasksSum += se.Action.TasksAssigned
			a.optimalTasksN++
		}
	}

	projects := make([]SimilarProject, 0, len(byProject))
	for projectID, a := range byProject {
		p := SimilarProject{
			ProjectID:       projectID,
			SimilarityScore: a.similarity,
			TeamSize:        a.teamSize,
		}
		if a.completionCount > 0 {
			p.CompletionRate = a.completionSum / float64(a.completionCount)
		}
		if a.durationCount > 0 {
			p.AvgSprintDurationDays = a.durationDaysSum / float64(a.durationCount)
		}
		if a.optimalTasksN > 0 {
			optimal := int(math.Round(float64(a.optimalTasksSum) / float64(a.optimalTasksN)))
			p.OptimalTaskCount = &optimal
		}
		p.KeySuccessFactors = successFactors(p)
		projects = append(projects, p)
	}

	sort.Slice(projects, func(i, j int) bool {
		if projects[i].SimilarityScore != projects[j].SimilarityScore {
			return projects[i].SimilarityScore > projects[j].SimilarityScore
		}
		return projects[i].ProjectID < projects[j].ProjectID
	})
	if maxProjects > 0 && len(projects) > maxProjects {
		projects = projects[:maxProjects]
	}
	return projects
}

func successFactors(p SimilarProject) []string {
	var factors []string
	if p.CompletionRate >= 0.8 {
		factors = append(factors, "consistently completed sprints")
	}
	if p.OptimalTaskCount != nil {
		factors = append(factors, "proven sprint sizing")
	}
	if p.TeamSize >= 5 {
		factors = append(factors, "adequate team capacity")
	}
	return factors
}

// median returns the middle value of a sorted copy of vals, averaging
// the two central values for even lengths.
func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
