package scan

import "math"

// Fixed score penalties per issue severity.
const (
	penaltyCritical = 20
	penaltyMajor    = 10
	penaltyModerate = 5
	penaltyMinor    = 2
	penaltyInfo     = 0
)

// SeverityPenalty returns the score deduction for a single issue.
func SeverityPenalty(sev Severity) float64 {
	switch sev {
	case SeverityCritical:
		return penaltyCritical
	case SeverityMajor:
		return penaltyMajor
	case SeverityModerate:
		return penaltyModerate
	case SeverityMinor:
		return penaltyMinor
	default:
		return penaltyInfo
	}
}

// ScoreIssues computes an analyzer score from its issue list: start at 100,
// subtract the per-severity penalty for each issue, clamp to [0, 100]. The
// result depends only on the issues, never on evaluation order.
func ScoreIssues(issues []Issue) float64 {
	score := 100.0
	for _, issue := range issues {
		score -= SeverityPenalty(issue.Severity)
	}
	return clampScore(score)
}

// WeightedOverall computes the overall report score as a weighted average of
// the analyzers present in results. Analyzers missing from the weight table
// carry weight 1. An empty result set scores 0.
func WeightedOverall(results map[string]AnalyzerResult, weights map[string]float64) float64 {
	var sum, weightSum float64
	for name, result := range results {
		w, ok := weights[name]
		if !ok {
			w = 1
		}
		sum += result.Score * w
		weightSum += w
	}
	if weightSum == 0 {
		return 0
	}
	return roundScore(sum / weightSum)
}

// Summarize tallies issue counts per severity across all results.
func Summarize(results map[string]AnalyzerResult) IssueSummary {
	var summary IssueSummary
	for _, result := range results {
		for _, issue := range result.Issues {
			summary.Add(issue.Severity)
		}
	}
	return summary
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// roundScore keeps two decimal places, the convention for overall scores.
func roundScore(score float64) float64 {
	return math.Round(score*100) / 100
}
