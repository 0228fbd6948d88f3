// Package adversarial exposes trained networks through the classifier
// contract that adversarial-robustness toolkits attack.
package adversarial

import (
	"context"

	"github.com/pkg/errors"

	"robustmnist/internal/dataset"
	"robustmnist/internal/model"
	"robustmnist/internal/trainer"
)

// Estimator is what an attack drives: class probabilities, gradients of the
// loss with respect to the inputs, and the geometry of valid inputs.
type Estimator interface {
	Predict(inputs [][]float64) ([][]float64, error)
	LossGradient(inputs [][]float64, labels []int) ([][]float64, error)
	Fit(ctx context.Context, set *dataset.Set, epochs int) error
	NbClasses() int
	InputShape() []int
	ClipValues() (lo, hi float64)
}

// Options configures Wrap.
type Options struct {
	LearningRate float64
	BatchSize    int
	Seed         int64
}

// Classifier adapts a model.Net to Estimator. Inputs are clipped to [0,1],
// shaped 1x28x28 and classified into 10 digits.
type Classifier struct {
	net  *model.Net
	opt  *model.Adam
	opts Options
}

var _ Estimator = (*Classifier)(nil)

// Wrap returns the Estimator view of net. Fit keeps one Adam optimizer across
// calls.
func Wrap(net *model.Net, opts Options) *Classifier {
	if opts.BatchSize <= 0 {
		opts.BatchSize = dataset.DefaultTrainBatch
	}
	return &Classifier{
		net:  net,
		opt:  model.NewAdam(net, opts.LearningRate),
		opts: opts,
	}
}

// Net returns the wrapped network.
func (c *Classifier) Net() *model.Net { return c.net }

func (c *Classifier) NbClasses() int { return model.NumClasses }

func (c *Classifier) InputShape() []int { return []int{1, model.ImageRows, model.ImageCols} }

func (c *Classifier) ClipValues() (lo, hi float64) { return 0, 1 }

// Predict returns class probabilities for every row.
func (c *Classifier) Predict(inputs [][]float64) ([][]float64, error) {
	if err := c.checkRange(inputs); err != nil {
		return nil, err
	}
	return c.net.Predict(inputs)
}

// LossGradient returns the gradient of each row's loss with respect to its
// pixels.
func (c *Classifier) LossGradient(inputs [][]float64, labels []int) ([][]float64, error) {
	if err := c.checkRange(inputs); err != nil {
		return nil, err
	}
	return c.net.LossGradient(inputs, labels)
}

// Fit trains the wrapped network on set for epochs passes.
func (c *Classifier) Fit(ctx context.Context, set *dataset.Set, epochs int) error {
	loader := dataset.TrainLoader(set, c.opts.BatchSize, c.opts.Seed)
	return trainer.Train(ctx, c.opt, loader, trainer.RunConfig{Epochs: epochs})
}

func (c *Classifier) checkRange(inputs [][]float64) error {
	lo, hi := c.ClipValues()
	for i, row := range inputs {
		for j, v := range row {
			if v < lo || v > hi {
				return errors.Errorf("input %d pixel %d = %g outside [%g, %g]", i, j, v, lo, hi)
			}
		}
	}
	return nil
}
