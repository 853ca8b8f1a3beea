package fl

import (
	"math"
	"time"
)

// FedAvgAggregator implements federated averaging: every parameter is
// averaged across updates, weighted by each participant's sample count.
type FedAvgAggregator struct{}

func NewFedAvgAggregator() Aggregator {
	return &FedAvgAggregator{}
}

func (f *FedAvgAggregator) Aggregate(updates []Update) (Snapshot, error) {
	if len(updates) == 0 {
		return Snapshot{}, ErrNoUpdates
	}

	weights := initWeights(updates)
	var bias float64
	// totalSamples is int64 so that summing NumSamples (int, 32-bit on
	// 32-bit systems) across many participants cannot overflow silently.
	var totalSamples int64

	for _, u := range updates {
		w, total, err := sampleWeight(u, totalSamples)
		if err != nil {
			return Snapshot{}, err
		}
		if w == 0 {
			continue
		}
		totalSamples = total

		if weights != nil {
			if err := accumulateWeights(weights, u, w); err != nil {
				return Snapshot{}, err
			}
		}
		accumulateBias(&bias, u, w)
	}

	normalize(weights, &bias, totalSamples)

	return Snapshot{
		Params: map[string]any{
			"w": weights,
			"b": bias,
		},
		Metadata: map[string]any{
			"total_samples": totalSamples,
			"num_updates":   len(updates),
			"algorithm":     "FedAvg",
		},
		CreatedAt: time.Now(),
	}, nil
}

func initWeights(updates []Update) []float64 {
	if len(updates) == 0 || updates[0].Params == nil {
		return nil
	}

	if n, ok := vectorLen(updates[0].Params["w"]); ok {
		return make([]float64, n)
	}

	return nil
}

func sampleWeight(u Update, totalSamples int64) (weight float64, newTotal int64, err error) {
	if u.Params == nil {
		return 0, totalSamples, nil
	}

	if u.NumSamples < 0 {
		return 0, totalSamples, ErrOverflow
	}

	if totalSamples > math.MaxInt64-int64(u.NumSamples) {
		return 0, totalSamples, ErrOverflow
	}

	return float64(u.NumSamples), totalSamples + int64(u.NumSamples), nil
}

func accumulateWeights(acc []float64, u Update, weight float64) error {
	vec, ok := asVector(u.Params["w"])
	if !ok {
		return nil
	}
	if len(vec) != len(acc) {
		return ErrShape
	}

	for i, v := range vec {
		acc[i] += v * weight
	}

	return nil
}

func accumulateBias(acc *float64, u Update, weight float64) {
	if b, ok := asFloat(u.Params["b"]); ok {
		*acc += b * weight
	}
}

func normalize(weights []float64, bias *float64, totalSamples int64) {
	if totalSamples <= 0 {
		return
	}

	norm := float64(totalSamples)
	for i := range weights {
		weights[i] /= norm
	}
	*bias /= norm
}

// asVector accepts both []float64 (native updates) and []any (updates
// decoded from JSON or CBOR envelopes).
func asVector(v any) ([]float64, bool) {
	switch w := v.(type) {
	case []float64:
		return w, true
	case []any:
		out := make([]float64, len(w))
		for i, e := range w {
			f, ok := asFloat(e)
			if !ok {
				return nil, false
			}
			out[i] = f
		}

		return out, true
	default:
		return nil, false
	}
}

func vectorLen(v any) (int, bool) {
	switch w := v.(type) {
	case []float64:
		return len(w), true
	case []any:
		return len(w), true
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch f := v.(type) {
	case float64:
		return f, true
	case float32:
		return float64(f), true
	case int:
		return float64(f), true
	case int64:
		return float64(f), true
	case uint64:
		return float64(f), true
	default:
		return 0, false
	}
}
