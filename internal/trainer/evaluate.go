package trainer

import (
	"context"
	"log"

	"github.com/pkg/errors"

	"robustmnist/internal/dataset"
	"robustmnist/internal/metrics"
	"robustmnist/internal/model"
)

// Result is the outcome of an evaluation pass.
type Result struct {
	metrics.Accuracy
}

// Evaluate computes top-1 accuracy of p over every batch of loader.
func Evaluate(ctx context.Context, p model.Predictor, loader *dataset.Loader) (Result, error) {
	var res Result
	batches, errCh := loader.Batches(ctx, 0)
	for batch := range batches {
		probs, err := p.Predict(batch.Inputs)
		if err != nil {
			drain(batches)
			return res, errors.Wrap(err, "evaluate")
		}
		for i, row := range probs {
			res.Add(model.Argmax(row), batch.Labels[i])
		}
	}
	if err := <-errCh; err != nil {
		return res, errors.Wrap(err, "evaluate")
	}
	if res.Total == 0 {
		return res, errors.New("evaluate: empty test set")
	}
	log.Printf("accuracy=%.4f correct=%d total=%d", res.Value(), res.Correct, res.Total)
	return res, nil
}
