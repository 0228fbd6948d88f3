package adversarial

import (
	"context"
	"log"
	"math/rand"

	"github.com/pkg/errors"

	"robustmnist/internal/dataset"
	"robustmnist/internal/metrics"
	"robustmnist/internal/model"
	"robustmnist/internal/perturb"
)

// ProbeResult is the accuracy on points drawn on the sphere of radius Epsilon
// around every example.
type ProbeResult struct {
	Epsilon  float64
	Accuracy metrics.Accuracy
}

const probeChunk = 128

// Probe measures accuracy at random starts on each L2 sphere. It is the
// starting point of an L2 attack, not an attack.
func Probe(ctx context.Context, est Estimator, set *dataset.Set, epsilons []float64, seed int64) ([]ProbeResult, error) {
	if set == nil || set.Len() == 0 {
		return nil, errors.New("probe: empty set")
	}
	lo, hi := est.ClipValues()
	results := make([]ProbeResult, 0, len(epsilons))
	for _, eps := range epsilons {
		sampler := &perturb.Sampler{Lo: lo, Hi: hi, Rand: rand.New(rand.NewSource(seed))}
		res := ProbeResult{Epsilon: eps}
		for start := 0; start < set.Len(); start += probeChunk {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			end := start + probeChunk
			if end > set.Len() {
				end = set.Len()
			}
			points, err := sampler.Points(set.Images[start:end], eps)
			if err != nil {
				return nil, errors.Wrapf(err, "probe epsilon %g", eps)
			}
			probs, err := est.Predict(points)
			if err != nil {
				return nil, errors.Wrapf(err, "probe epsilon %g", eps)
			}
			for i, row := range probs {
				res.Accuracy.Add(model.Argmax(row), set.Labels[start+i])
			}
		}
		log.Printf("probe epsilon=%.3f accuracy=%.4f total=%d", eps, res.Accuracy.Value(), res.Accuracy.Total)
		results = append(results, res)
	}
	return results, nil
}
