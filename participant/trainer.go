package participant

import (
	"context"
	"errors"

	"github.com/quantumfed/quantumfed/pkg/fl"
)

// LocalResult is what one round of local training produces.
type LocalResult struct {
	Weights    []float64
	Bias       float64
	NumSamples int
	Metrics    map[string]any
}

// Trainer runs local training against a base snapshot. The quantum
// circuit backends plug in behind this interface; LinearTrainer is the
// classical reference implementation used in tests and demos.
type Trainer interface {
	Train(ctx context.Context, base fl.Snapshot, hyperparams map[string]any) (LocalResult, error)
}

var errBadSnapshot = errors.New("snapshot parameters not trainable")

// LinearTrainer fits a linear model with plain SGD on the local
// dataset. Data never leaves the trainer; only the fitted parameters
// are reported.
type LinearTrainer struct {
	features [][]float64
	labels   []float64
}

func NewLinearTrainer(features [][]float64, labels []float64) *LinearTrainer {
	return &LinearTrainer{
		features: features,
		labels:   labels,
	}
}

func (t *LinearTrainer) Train(ctx context.Context, base fl.Snapshot, hyperparams map[string]any) (LocalResult, error) {
	weights, bias, err := baseParams(base)
	if err != nil {
		return LocalResult{}, err
	}

	epochs := intParam(hyperparams, "epochs", 1)
	lr := floatParam(hyperparams, "lr", 0.01)

	w := make([]float64, len(weights))
	copy(w, weights)
	b := bias

	var lastLoss float64
	for range epochs {
		select {
		case <-ctx.Done():
			return LocalResult{}, ctx.Err()
		default:
		}

		lastLoss = 0
		for i, x := range t.features {
			if len(x) != len(w) {
				return LocalResult{}, errBadSnapshot
			}

			pred := b
			for j := range x {
				pred += w[j] * x[j]
			}
			residual := pred - t.labels[i]
			lastLoss += residual * residual

			for j := range x {
				w[j] -= lr * residual * x[j]
			}
			b -= lr * residual
		}
		if n := len(t.features); n > 0 {
			lastLoss /= float64(n)
		}
	}

	return LocalResult{
		Weights:    w,
		Bias:       b,
		NumSamples: len(t.features),
		Metrics: map[string]any{
			"loss":   lastLoss,
			"epochs": epochs,
			"lr":     lr,
		},
	}, nil
}

func baseParams(snapshot fl.Snapshot) ([]float64, float64, error) {
	if snapshot.Params == nil {
		return nil, 0, errBadSnapshot
	}

	weights, ok := toVector(snapshot.Params["w"])
	if !ok {
		return nil, 0, errBadSnapshot
	}

	bias, _ := toFloat(snapshot.Params["b"])

	return weights, bias, nil
}

func toVector(v any) ([]float64, bool) {
	switch w := v.(type) {
	case []float64:
		out := make([]float64, len(w))
		copy(out, w)

		return out, true
	case []any:
		out := make([]float64, len(w))
		for i, e := range w {
			f, ok := toFloat(e)
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

func toFloat(v any) (float64, bool) {
	switch f := v.(type) {
	case float64:
		return f, true
	case float32:
		return float64(f), true
	case int:
		return float64(f), true
	default:
		return 0, false
	}
}

func intParam(params map[string]any, key string, def int) int {
	if params == nil {
		return def
	}
	if f, ok := toFloat(params[key]); ok && f > 0 {
		return int(f)
	}

	return def
}

func floatParam(params map[string]any, key string, def float64) float64 {
	if params == nil {
		return def
	}
	if f, ok := toFloat(params[key]); ok && f > 0 {
		return f
	}

	return def
}
