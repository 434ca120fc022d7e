package serving

import "sort"

// Risk bands over classifier confidence, used for risk stratification of
// completed classification results.
const (
	riskLowCeiling      = 0.33
	riskModerateCeiling = 0.66
)

// JobSummary is the aggregate attached to an exported results document. The
// summary kind is chosen by result shape: classification jobs get a class
// distribution plus risk stratification, regression jobs get value
// percentiles, anything else just the counts.
type JobSummary struct {
	Kind              string             `json:"kind"`
	TotalResults      int                `json:"total_results"`
	Succeeded         int                `json:"succeeded"`
	Failed            int                `json:"failed"`
	ClassDistribution map[string]int     `json:"class_distribution,omitempty"`
	RiskBands         map[string]int     `json:"risk_bands,omitempty"`
	ValuePercentiles  map[string]float64 `json:"value_percentiles,omitempty"`
}

// BuildSummary aggregates a job's ordered result list.
func BuildSummary(results []PredictionResult) JobSummary {
	summary := JobSummary{Kind: "counts", TotalResults: len(results)}

	var classifications []*ClassificationOutput
	var regressions []float64
	for _, result := range results {
		if result.Status != ResultCompleted {
			summary.Failed++
			continue
		}
		summary.Succeeded++
		if result.Output == nil {
			continue
		}
		switch result.Output.Type {
		case TypeClassifier:
			if result.Output.Classification != nil {
				classifications = append(classifications, result.Output.Classification)
			}
		case TypeRegressor:
			if result.Output.Regression != nil {
				regressions = append(regressions, result.Output.Regression.Value)
			}
		}
	}

	switch {
	case len(classifications) > 0:
		summary.Kind = "classification"
		summary.ClassDistribution = make(map[string]int)
		summary.RiskBands = map[string]int{"low": 0, "moderate": 0, "high": 0}
		for _, classification := range classifications {
			summary.ClassDistribution[classification.Label]++
			switch {
			case classification.Confidence < riskLowCeiling:
				summary.RiskBands["low"]++
			case classification.Confidence < riskModerateCeiling:
				summary.RiskBands["moderate"]++
			default:
				summary.RiskBands["high"]++
			}
		}
	case len(regressions) > 0:
		summary.Kind = "regression"
		sorted := make([]float64, len(regressions))
		copy(sorted, regressions)
		sort.Float64s(sorted)
		sum := 0.0
		for _, v := range sorted {
			sum += v
		}
		summary.ValuePercentiles = map[string]float64{
			"min":  sorted[0],
			"p50":  nearestRank(sorted, 50),
			"p95":  nearestRank(sorted, 95),
			"p99":  nearestRank(sorted, 99),
			"max":  sorted[len(sorted)-1],
			"mean": sum / float64(len(sorted)),
		}
	}
	return summary
}
