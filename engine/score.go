package engine

import (
	"sort"

	"modelhub/db"
)

// TrainingScores ranks each record's n_trained among the distinct values seen
// for its model type. The smallest value scores 0 and the largest 1, with
// intermediate values spaced evenly by rank. A type whose records all share one
// value scores 1 throughout.
func TrainingScores(records []db.Record) map[int64]float64 {
	distinct := make(map[string]map[int]struct{})
	for _, r := range records {
		set, ok := distinct[r.ModelType]
		if !ok {
			set = make(map[int]struct{})
			distinct[r.ModelType] = set
		}
		set[r.NTrained] = struct{}{}
	}

	ranks := make(map[string]map[int]float64, len(distinct))
	for modelType, set := range distinct {
		values := make([]int, 0, len(set))
		for v := range set {
			values = append(values, v)
		}
		sort.Ints(values)

		scores := make(map[int]float64, len(values))
		if len(values) == 1 {
			scores[values[0]] = 1
		} else {
			last := float64(len(values) - 1)
			for i, v := range values {
				scores[v] = float64(i) / last
			}
		}
		ranks[modelType] = scores
	}

	out := make(map[int64]float64, len(records))
	for _, r := range records {
		out[r.ID] = ranks[r.ModelType][r.NTrained]
	}
	return out
}
