package fl

import (
	"sort"
	"time"
)

// MedianAggregator takes the coordinate-wise median of the collected
// updates. Unlike FedAvg it ignores sample counts, which makes it robust
// against a minority of participants reporting outlier parameters.
type MedianAggregator struct{}

func NewMedianAggregator() Aggregator {
	return &MedianAggregator{}
}

func (m *MedianAggregator) Aggregate(updates []Update) (Snapshot, error) {
	if len(updates) == 0 {
		return Snapshot{}, ErrNoUpdates
	}

	vectors := make([][]float64, 0, len(updates))
	biases := make([]float64, 0, len(updates))

	dim := -1
	for _, u := range updates {
		if u.Params == nil {
			continue
		}
		vec, ok := asVector(u.Params["w"])
		if !ok {
			continue
		}
		if dim == -1 {
			dim = len(vec)
		}
		if len(vec) != dim {
			return Snapshot{}, ErrShape
		}
		vectors = append(vectors, vec)

		if b, ok := asFloat(u.Params["b"]); ok {
			biases = append(biases, b)
		}
	}

	if len(vectors) == 0 {
		return Snapshot{}, ErrNoUpdates
	}

	weights := make([]float64, dim)
	column := make([]float64, len(vectors))
	for i := range dim {
		for j, vec := range vectors {
			column[j] = vec[i]
		}
		weights[i] = median(column)
	}

	var bias float64
	if len(biases) > 0 {
		bias = median(biases)
	}

	return Snapshot{
		Params: map[string]any{
			"w": weights,
			"b": bias,
		},
		Metadata: map[string]any{
			"num_updates": len(updates),
			"algorithm":   "CoordinateMedian",
		},
		CreatedAt: time.Now(),
	}, nil
}

// median sorts its argument in place.
func median(xs []float64) float64 {
	sort.Float64s(xs)
	n := len(xs)
	if n%2 == 1 {
		return xs[n/2]
	}

	return (xs[n/2-1] + xs[n/2]) / 2
}
