package dataset

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"

	"robustmnist/internal/model"
)

// Default batch sizes of the training and test loaders.
const (
	DefaultTrainBatch = 128
	DefaultTestBatch  = 128
)

// Loader cuts a Set into mini-batches. Batches reference the rows of Set and
// must not be modified.
type Loader struct {
	Set       *Set
	BatchSize int
	Shuffle   bool
	Seed      int64
	DropLast  bool
}

// TrainLoader returns the shuffled training loader.
func TrainLoader(set *Set, batchSize int, seed int64) *Loader {
	if batchSize <= 0 {
		batchSize = DefaultTrainBatch
	}
	return &Loader{Set: set, BatchSize: batchSize, Shuffle: true, Seed: seed}
}

// TestLoader returns the unshuffled evaluation loader.
func TestLoader(set *Set, batchSize int) *Loader {
	if batchSize <= 0 {
		batchSize = DefaultTestBatch
	}
	return &Loader{Set: set, BatchSize: batchSize}
}

// NumBatches reports the batches produced per epoch.
func (l *Loader) NumBatches() int {
	if l.Set == nil || l.BatchSize <= 0 {
		return 0
	}
	n := l.Set.Len() / l.BatchSize
	if !l.DropLast && l.Set.Len()%l.BatchSize != 0 {
		n++
	}
	return n
}

// Order returns the example indices visited in epoch. Shuffled loaders draw a
// fresh permutation per epoch from Seed+epoch.
func (l *Loader) Order(epoch int) []int {
	n := l.Set.Len()
	if l.Shuffle {
		return rand.New(rand.NewSource(l.Seed + int64(epoch))).Perm(n)
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}

// Batches streams the mini-batches of one epoch. The batch channel is closed
// when the epoch ends; the error channel then yields at most one error
// (ctx.Err() on cancellation) and is closed.
func (l *Loader) Batches(ctx context.Context, epoch int) (<-chan model.Batch, <-chan error) {
	out := make(chan model.Batch, 1)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(out)

		if l.Set == nil || l.BatchSize <= 0 {
			errCh <- errors.New("loader: set and positive batch size required")
			return
		}

		order := l.Order(epoch)
		for start := 0; start < len(order); start += l.BatchSize {
			if err := ctx.Err(); err != nil {
				errCh <- err
				return
			}
			end := start + l.BatchSize
			if end > len(order) {
				if l.DropLast {
					return
				}
				end = len(order)
			}
			batch := model.Batch{
				Inputs: make([][]float64, 0, end-start),
				Labels: make([]int, 0, end-start),
			}
			for _, idx := range order[start:end] {
				batch.Inputs = append(batch.Inputs, l.Set.Images[idx])
				batch.Labels = append(batch.Labels, l.Set.Labels[idx])
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- batch:
			}
		}
	}()

	return out, errCh
}
